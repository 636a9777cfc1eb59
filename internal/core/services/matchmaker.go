package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"talkpair/internal/core/domain"
	"talkpair/internal/core/ports"
	"talkpair/pkg/tracing"
)

// Matchmaker pairs callers through a shared SessionStore: it claims the
// oldest live waiting session or opens a new one.
type Matchmaker struct {
	store      ports.SessionStore
	metrics    ports.MatchmakingMetrics
	logger     *zap.SugaredLogger
	staleAfter time.Duration

	now   func() time.Time
	newID func() domain.SessionID
}

func NewMatchmaker(
	store ports.SessionStore,
	metrics ports.MatchmakingMetrics,
	logger *zap.SugaredLogger,
	staleAfter time.Duration,
) *Matchmaker {
	if metrics == nil {
		metrics = noopMatchmakingMetrics{}
	}
	if staleAfter <= 0 {
		staleAfter = domain.DefaultStaleAfter
	}
	return &Matchmaker{
		store:      store,
		metrics:    metrics,
		logger:     logger,
		staleAfter: staleAfter,
		now:        time.Now,
		newID: func() domain.SessionID {
			return domain.SessionID(uuid.NewString())
		},
	}
}

func (m *Matchmaker) FindOrCreateSession(ctx context.Context) (domain.SessionID, domain.Role, error) {
	ctx, span := tracing.TraceMatchmaking(ctx, "document")
	defer span.End()
	start := m.now()
	defer tracing.MeasureDuration(ctx, start)

	waiting, err := m.store.ListWaiting(ctx)
	if err != nil {
		m.metrics.MatchmakingFailed()
		err = fmt.Errorf("%w: list waiting sessions: %w", domain.ErrMatchmakingFailed, err)
		tracing.RecordError(ctx, err)
		return "", "", err
	}
	tracing.AddSpanAttributes(ctx, tracing.ScannedKey.Int(len(waiting)))

	now := m.now()
	for _, session := range waiting {
		if session.Status != domain.StatusWaiting {
			continue
		}

		if session.IsStale(now, m.staleAfter) {
			m.deleteStale(ctx, session)
			continue
		}

		err := m.store.Claim(ctx, session.ID)
		switch {
		case err == nil:
			m.metrics.SessionClaimed()
			m.logger.Infow("Claimed waiting session",
				"session_id", session.ID,
				"waited", now.Sub(session.CreatedAt).String(),
			)
			tracing.AddSpanAttributes(ctx,
				tracing.SessionIDKey.String(string(session.ID)),
				tracing.RoleKey.String(string(domain.RoleCallee)),
				tracing.OutcomeKey.String("claimed"),
			)
			return session.ID, domain.RoleCallee, nil
		case errors.Is(err, domain.ErrSessionAlreadyClaimed), errors.Is(err, domain.ErrSessionNotFound):
			m.metrics.ClaimConflict()
			m.logger.Debugw("Lost claim race, continuing scan", "session_id", session.ID)
		default:
			m.metrics.MatchmakingFailed()
			err = fmt.Errorf("%w: claim session %s: %w", domain.ErrMatchmakingFailed, session.ID, err)
			tracing.RecordError(ctx, err)
			return "", "", err
		}
	}

	session := &domain.Session{
		ID:        m.newID(),
		Status:    domain.StatusWaiting,
		CreatedAt: m.now(),
	}
	if err := m.store.Create(ctx, session); err != nil {
		if delErr := m.store.Delete(ctx, session.ID); delErr != nil && !errors.Is(delErr, domain.ErrSessionNotFound) {
			m.logger.Warnw("Failed to remove half-created session",
				"session_id", session.ID,
				"error", delErr,
			)
		}
		m.metrics.MatchmakingFailed()
		err = fmt.Errorf("%w: create session: %w", domain.ErrMatchmakingFailed, err)
		tracing.RecordError(ctx, err)
		return "", "", err
	}

	m.metrics.SessionCreated()
	m.logger.Infow("Created waiting session", "session_id", session.ID)
	tracing.AddSpanAttributes(ctx,
		tracing.SessionIDKey.String(string(session.ID)),
		tracing.RoleKey.String(string(domain.RoleCaller)),
		tracing.OutcomeKey.String("created"),
	)
	return session.ID, domain.RoleCaller, nil
}

func (m *Matchmaker) deleteStale(ctx context.Context, session *domain.Session) {
	err := m.store.Delete(ctx, session.ID)
	if err != nil && !errors.Is(err, domain.ErrSessionNotFound) {
		m.logger.Warnw("Failed to delete stale session",
			"session_id", session.ID,
			"error", err,
		)
		return
	}
	m.metrics.StaleSessionDeleted()
	m.logger.Infow("Deleted stale session",
		"session_id", session.ID,
		"created_at", session.CreatedAt,
	)
}

type noopMatchmakingMetrics struct{}

func (noopMatchmakingMetrics) SessionCreated()      {}
func (noopMatchmakingMetrics) SessionClaimed()      {}
func (noopMatchmakingMetrics) StaleSessionDeleted() {}
func (noopMatchmakingMetrics) ClaimConflict()       {}
func (noopMatchmakingMetrics) MatchmakingFailed()   {}
