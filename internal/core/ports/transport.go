package ports

import (
	"context"

	"talkpair/internal/core/domain"
)

// Subscription is a cancellable stream of signals for one (session, topic) pair.
// The channel is closed after Cancel or after a terminal domain.SignalGone.
type Subscription interface {
	C() <-chan domain.Signal
	Cancel()
}

type Transport interface {
	Publish(ctx context.Context, sessionID domain.SessionID, signal domain.Signal) error
	Subscribe(ctx context.Context, sessionID domain.SessionID, topic domain.Topic) (Subscription, error)
	DeleteSession(ctx context.Context, sessionID domain.SessionID) error
	Close() error
}

type Matchmaker interface {
	FindOrCreateSession(ctx context.Context) (domain.SessionID, domain.Role, error)
}

// Backend bundles the matchmaker and transport a single call runs against.
type Backend interface {
	Matchmaker
	Transport
}

// BackendFactory opens a fresh backend for every call.
type BackendFactory interface {
	NewBackend(ctx context.Context) (Backend, error)
}
