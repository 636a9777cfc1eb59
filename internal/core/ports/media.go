package ports

import (
	"context"

	"talkpair/internal/core/domain"
)

type CandidateApplier interface {
	ApplyRemoteCandidate(ctx context.Context, candidate domain.Candidate) error
}

// MediaEngine negotiates and carries the audio. CreateOffer and CreateAnswer
// also install the result as the local description.
type MediaEngine interface {
	CandidateApplier

	CreateOffer(ctx context.Context) (domain.Description, error)
	CreateAnswer(ctx context.Context) (domain.Description, error)
	ApplyRemoteDescription(ctx context.Context, desc domain.Description) error

	OnLocalCandidate(handler func(domain.Candidate))
	OnConnectivityChange(handler func(domain.ConnectivitySignal))

	// SetMuted stops or resumes sending local audio without renegotiating.
	SetMuted(muted bool) error

	Close() error
}

type MediaEngineFactory interface {
	NewEngine(ctx context.Context) (MediaEngine, error)
}
