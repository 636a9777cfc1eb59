package services

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"talkpair/internal/core/domain"
	"talkpair/internal/core/ports"
)

// CandidateBuffer holds remote candidates until the remote description is
// applied, then hands them to the media engine in arrival order.
type CandidateBuffer struct {
	mu      sync.Mutex
	applier ports.CandidateApplier
	pending []domain.Candidate
	ready   bool
	logger  *zap.SugaredLogger
}

func NewCandidateBuffer(applier ports.CandidateApplier, logger *zap.SugaredLogger) *CandidateBuffer {
	return &CandidateBuffer{
		applier: applier,
		logger:  logger,
	}
}

// EnqueueOrApply applies the candidate right away once the remote
// description is in place and queues it otherwise.
func (b *CandidateBuffer) EnqueueOrApply(ctx context.Context, candidate domain.Candidate) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.ready {
		b.pending = append(b.pending, candidate)
		return nil
	}
	return b.applier.ApplyRemoteCandidate(ctx, candidate)
}

// MarkRemoteDescriptionApplied flips the buffer to pass-through and drains
// every queued candidate. A failing candidate is logged and skipped so the
// rest still reach the engine. Calling it again is a no-op.
func (b *CandidateBuffer) MarkRemoteDescriptionApplied(ctx context.Context) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.ready {
		return 0
	}
	b.ready = true

	drained := b.pending
	b.pending = nil
	for _, c := range drained {
		if err := b.applier.ApplyRemoteCandidate(ctx, c); err != nil {
			b.logger.Warnw("Failed to apply buffered candidate",
				"origin", c.Origin,
				"sdp_mid", c.SDPMid,
				"error", err,
			)
		}
	}
	return len(drained)
}

// Reset drops pending candidates and re-arms buffering for the next call.
func (b *CandidateBuffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.pending = nil
	b.ready = false
}

func (b *CandidateBuffer) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

func (b *CandidateBuffer) RemoteDescriptionApplied() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ready
}
