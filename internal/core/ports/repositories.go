package ports

import (
	"context"

	"talkpair/internal/core/domain"
)

// SessionStore is the document store behind the document-channel backend.
type SessionStore interface {
	Create(ctx context.Context, session *domain.Session) error
	Get(ctx context.Context, id domain.SessionID) (*domain.SessionDocument, error)
	// ListWaiting returns waiting sessions ordered by creation time, oldest first.
	ListWaiting(ctx context.Context) ([]*domain.Session, error)
	// Claim moves a session from waiting to matched. Only one concurrent caller
	// succeeds; the others get domain.ErrSessionAlreadyClaimed.
	Claim(ctx context.Context, id domain.SessionID) error
	Delete(ctx context.Context, id domain.SessionID) error

	SetDescription(ctx context.Context, id domain.SessionID, desc domain.Description) error
	AddCandidate(ctx context.Context, id domain.SessionID, candidate domain.Candidate) error

	// WatchSession emits the current document and then one snapshot per
	// mutation. A nil snapshot means the session was deleted.
	WatchSession(ctx context.Context, id domain.SessionID) (<-chan *domain.SessionDocument, error)
	// WatchCandidates emits every candidate of origin already stored and then
	// each newly added one.
	WatchCandidates(ctx context.Context, id domain.SessionID, origin domain.Role) (<-chan domain.Candidate, error)

	HealthCheck(ctx context.Context) error
}
