package domain

import (
	"time"
)

type SessionID string

type SessionStatus string

const (
	StatusWaiting SessionStatus = "waiting"
	StatusMatched SessionStatus = "matched"
)

// DefaultStaleAfter is how long a room may sit in StatusWaiting before it is
// considered abandoned.
const DefaultStaleAfter = 120 * time.Second

type Session struct {
	ID        SessionID
	Status    SessionStatus
	CreatedAt time.Time
}

// IsStale reports whether a waiting session is too old to be matched.
// A session without a creation time is always stale.
func (s *Session) IsStale(now time.Time, threshold time.Duration) bool {
	if s.CreatedAt.IsZero() {
		return true
	}
	return now.Sub(s.CreatedAt) > threshold
}

// SessionDocument is the full state the document backend keeps for a session.
type SessionDocument struct {
	Session Session
	Offer   *Description
	Answer  *Description
}

type Role string

const (
	RoleCaller Role = "caller"
	RoleCallee Role = "callee"
)

func (r Role) Opposite() Role {
	if r == RoleCaller {
		return RoleCallee
	}
	return RoleCaller
}

func (r Role) Valid() bool {
	return r == RoleCaller || r == RoleCallee
}

func ParseRole(s string) (Role, error) {
	r := Role(s)
	if !r.Valid() {
		return "", ErrInvalidRole
	}
	return r, nil
}
