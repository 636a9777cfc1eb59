// Package document implements the signaling backend that keeps each session
// as a document in a ports.SessionStore.
package document

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"talkpair/internal/core/domain"
	"talkpair/internal/core/ports"
	"talkpair/internal/core/services"
	"talkpair/internal/infrastructure/transport"
	"talkpair/pkg/circuitbreaker"
	"talkpair/pkg/tracing"
)

type Transport struct {
	store    ports.SessionStore
	registry *transport.Registry
	logger   *zap.SugaredLogger
}

func NewTransport(store ports.SessionStore, logger *zap.SugaredLogger) *Transport {
	return &Transport{
		store:    store,
		registry: transport.NewRegistry(),
		logger:   logger,
	}
}

func (t *Transport) Publish(ctx context.Context, sessionID domain.SessionID, signal domain.Signal) error {
	if err := signal.Validate(); err != nil {
		return err
	}

	topic := domain.TopicDescription
	if signal.Kind == domain.SignalCandidate {
		topic = domain.CandidateTopic(signal.Candidate.Origin)
	}
	ctx, span := tracing.TraceSignal(ctx, string(sessionID), string(topic), string(signal.Kind))
	defer span.End()

	var err error
	switch signal.Kind {
	case domain.SignalOffer, domain.SignalAnswer:
		err = t.store.SetDescription(ctx, sessionID, *signal.Description)
		if errors.Is(err, domain.ErrDescriptionExists) {
			err = fmt.Errorf("%w: %w", domain.ErrHandshakeMisorder, err)
		}
	case domain.SignalCandidate:
		err = t.store.AddCandidate(ctx, sessionID, *signal.Candidate)
	case domain.SignalGone:
		return t.DeleteSession(ctx, sessionID)
	}
	if err != nil {
		tracing.RecordError(ctx, err)
		return fmt.Errorf("publish %s: %w", signal.Kind, err)
	}
	return nil
}

// Subscribe opens a live watch. The description topic re-emits every
// description present on each snapshot, so duplicates are expected.
func (t *Transport) Subscribe(ctx context.Context, sessionID domain.SessionID, topic domain.Topic) (ports.Subscription, error) {
	sub := t.registry.Open(ctx, sessionID, topic)

	var err error
	switch topic {
	case domain.TopicDescription:
		err = t.watchDescriptions(sub, sessionID)
	case domain.TopicCallerCandidates:
		err = t.watchCandidates(sub, sessionID, domain.RoleCaller)
	case domain.TopicCalleeCandidates:
		err = t.watchCandidates(sub, sessionID, domain.RoleCallee)
	default:
		err = fmt.Errorf("unknown topic %q", topic)
	}
	if err != nil {
		sub.Cancel()
		return nil, err
	}
	return sub, nil
}

func (t *Transport) watchDescriptions(sub *transport.Subscription, sessionID domain.SessionID) error {
	docs, err := t.store.WatchSession(sub.Context(), sessionID)
	if err != nil {
		return fmt.Errorf("watch session: %w", err)
	}

	go func() {
		for doc := range docs {
			if doc == nil {
				t.logger.Debugw("Session document deleted", "session_id", sessionID)
				sub.Gone()
				return
			}
			if doc.Offer != nil {
				sub.Deliver(domain.DescriptionSignal(*doc.Offer))
			}
			if doc.Answer != nil {
				sub.Deliver(domain.DescriptionSignal(*doc.Answer))
			}
		}
		// the store ended the watch on its own
		if sub.Context().Err() == nil {
			sub.Gone()
		}
	}()
	return nil
}

func (t *Transport) watchCandidates(sub *transport.Subscription, sessionID domain.SessionID, origin domain.Role) error {
	candidates, err := t.store.WatchCandidates(sub.Context(), sessionID, origin)
	if err != nil {
		return fmt.Errorf("watch candidates: %w", err)
	}

	go func() {
		for c := range candidates {
			c.Origin = origin
			sub.Deliver(domain.CandidateSignal(c))
		}
		if sub.Context().Err() == nil {
			sub.Gone()
		}
	}()
	return nil
}

// DeleteSession cancels local subscriptions for the session and removes its
// document. Deleting a missing session is not an error.
func (t *Transport) DeleteSession(ctx context.Context, sessionID domain.SessionID) error {
	t.registry.CancelSession(sessionID)

	if err := t.store.Delete(ctx, sessionID); err != nil && !errors.Is(err, domain.ErrSessionNotFound) {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

func (t *Transport) Close() error {
	t.logger.Debugw("Closing document transport", "open_subscriptions", t.registry.Len())
	t.registry.CancelAll()
	return nil
}

// Backend pairs the store-backed matchmaker with this transport.
type Backend struct {
	*services.Matchmaker
	*Transport
}

type BackendFactory struct {
	store      ports.SessionStore
	metrics    ports.MatchmakingMetrics
	logger     *zap.SugaredLogger
	staleAfter time.Duration

	// guards store lookups so an unreachable store fails calls fast
	breaker *circuitbreaker.CircuitBreaker
}

func NewBackendFactory(store ports.SessionStore, metrics ports.MatchmakingMetrics, logger *zap.SugaredLogger, staleAfter time.Duration) *BackendFactory {
	breaker := circuitbreaker.New(circuitbreaker.Config{
		FailureThreshold:    3,
		SuccessThreshold:    1,
		Timeout:             10 * time.Second,
		MaxRequestsHalfOpen: 1,
	})
	breaker.OnStateChange(func(from, to circuitbreaker.State) {
		logger.Warnw("Session store circuit changed", "from", from.String(), "to", to.String())
	})

	return &BackendFactory{
		store:      store,
		metrics:    metrics,
		logger:     logger,
		staleAfter: staleAfter,
		breaker:    breaker,
	}
}

func (f *BackendFactory) NewBackend(ctx context.Context) (ports.Backend, error) {
	if err := f.breaker.Execute(ctx, f.store.HealthCheck); err != nil {
		return nil, fmt.Errorf("session store unavailable: %w", err)
	}
	return &Backend{
		Matchmaker: services.NewMatchmaker(f.store, f.metrics, f.logger, f.staleAfter),
		Transport:  NewTransport(f.store, f.logger),
	}, nil
}
