package validation

import (
	"strings"
	"testing"
)

func TestValidateSessionID(t *testing.T) {
	tests := []struct {
		name    string
		id      string
		wantErr bool
	}{
		{"uuid", "3f2b8c1e-9a4d-4e2f-8b7a-1c2d3e4f5a6b", false},
		{"short id", "s-1", false},
		{"empty", "", true},
		{"redis separator", "abc:candidates", true},
		{"path traversal", "../etc", true},
		{"too long", strings.Repeat("a", 129), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateSessionID(tt.id)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateSessionID() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateWebSocketURL(t *testing.T) {
	tests := []struct {
		name    string
		url     string
		wantErr bool
	}{
		{"plain", "ws://localhost:8081/ws", false},
		{"tls", "wss://talkpair.example.com/ws", false},
		{"http scheme", "http://localhost:8081/ws", true},
		{"no host", "ws:///ws", true},
		{"empty", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateWebSocketURL(tt.url)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateWebSocketURL() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateHostPort(t *testing.T) {
	tests := []struct {
		name    string
		addr    string
		wantErr bool
	}{
		{"host and port", "localhost:6379", false},
		{"ipv6", "[::1]:6379", false},
		{"missing port", "localhost", true},
		{"missing host", ":6379", true},
		{"bad port", "localhost:http", true},
		{"port out of range", "localhost:70000", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateHostPort(tt.addr)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateHostPort() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
