package validation

import (
	"fmt"
	"net"
	"net/url"
	"regexp"
	"strconv"
)

// SessionIDRegex allows uuids and the short ids used in fixtures. Session ids
// end up inside Redis keys, so separators like ':' are rejected.
var SessionIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

const maxSessionIDLength = 128

// ValidateSessionID validates a session id taken from a URL or a message.
func ValidateSessionID(id string) error {
	if id == "" {
		return fmt.Errorf("session ID is required")
	}
	if len(id) > maxSessionIDLength {
		return fmt.Errorf("session ID is too long (max %d characters)", maxSessionIDLength)
	}
	if !SessionIDRegex.MatchString(id) {
		return fmt.Errorf("invalid session ID format")
	}
	return nil
}

// ValidateWebSocketURL validates a relay endpoint.
func ValidateWebSocketURL(urlStr string) error {
	if urlStr == "" {
		return fmt.Errorf("URL is required")
	}
	u, err := url.Parse(urlStr)
	if err != nil {
		return fmt.Errorf("invalid URL format: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("invalid URL scheme %q (must be ws or wss)", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("URL must have a host")
	}
	return nil
}

// ValidateHostPort validates a host:port network address such as a Redis endpoint.
func ValidateHostPort(addr string) error {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("invalid address %q: %w", addr, err)
	}
	if host == "" {
		return fmt.Errorf("address %q has no host", addr)
	}
	n, err := strconv.Atoi(port)
	if err != nil || n < 1 || n > 65535 {
		return fmt.Errorf("address %q has an invalid port", addr)
	}
	return nil
}
