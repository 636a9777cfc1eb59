package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"talkpair/internal/core/domain"
	"talkpair/internal/core/ports"
	"talkpair/pkg/logger"
	"talkpair/pkg/queue"
	"talkpair/pkg/retry"
)

type CoordinatorConfig struct {
	// Retry governs repeated matchmaking attempts after ErrMatchmakingFailed.
	Retry retry.Config
	// AnswerTimeout ends a matched call whose caller never got an answer.
	// Zero waits until the user hangs up.
	AnswerTimeout time.Duration
	// Cleanup governs deleting the session when a call ends.
	Cleanup retry.Config
}

func DefaultCoordinatorConfig() CoordinatorConfig {
	cfg := CoordinatorConfig{Retry: retry.DefaultConfig()}
	cfg.Retry.RetryableErrors = []error{domain.ErrMatchmakingFailed}

	cfg.Cleanup = retry.DefaultConfig()
	cfg.Cleanup.MaxAttempts = 2
	cfg.Cleanup.InitialDelay = 50 * time.Millisecond
	cfg.Cleanup.MaxDelay = 250 * time.Millisecond
	cfg.Cleanup.NonRetryableErrors = []error{domain.ErrSessionNotFound, context.DeadlineExceeded, context.Canceled}
	return cfg
}

// cleanupTimeout bounds how long teardown waits on the backend.
const cleanupTimeout = 5 * time.Second

// Coordinator drives one peer through matchmaking, the offer/answer exchange
// and teardown. Every mutation of call state happens on the goroutine running
// Run; transport and media callbacks only enqueue events for it.
type Coordinator struct {
	backends  ports.BackendFactory
	engines   ports.MediaEngineFactory
	lifecycle *ConnectionLifecycle
	cfg       CoordinatorConfig
	logger    *zap.SugaredLogger
	ctxLogger *logger.ContextLogger

	events  *queue.Queue[event]
	stopped chan struct{}

	// snapshot for readers outside the loop
	mu        sync.RWMutex
	phase     domain.Phase
	sessionID domain.SessionID
	role      domain.Role
	muted     bool

	// loop-owned
	call       *activeCall
	generation uint64
}

type activeCall struct {
	generation uint64
	ctx        context.Context
	cancel     context.CancelFunc

	backend ports.Backend
	engine  ports.MediaEngine
	buffer  *CandidateBuffer
	subs    []ports.Subscription

	sessionID domain.SessionID
	role      domain.Role

	offerReceived  bool
	answerReceived bool
	answerTimer    *time.Timer
}

type event interface{}

type startEvent struct {
	reply chan error
}

type disconnectEvent struct {
	reply chan error
}

type muteEvent struct {
	muted bool
	reply chan error
}

type matchedEvent struct {
	generation uint64
	backend    ports.Backend
	sessionID  domain.SessionID
	role       domain.Role
	err        error
}

type remoteSignalEvent struct {
	generation uint64
	topic      domain.Topic
	signal     domain.Signal
}

type localCandidateEvent struct {
	generation uint64
	candidate  domain.Candidate
}

type connectivityEvent struct {
	generation uint64
	signal     domain.ConnectivitySignal
}

type answerTimeoutEvent struct {
	generation uint64
}

func NewCoordinator(
	backends ports.BackendFactory,
	engines ports.MediaEngineFactory,
	cfg CoordinatorConfig,
	log *zap.SugaredLogger,
) *Coordinator {
	return &Coordinator{
		backends:  backends,
		engines:   engines,
		lifecycle: NewConnectionLifecycle(),
		cfg:       cfg,
		logger:    log,
		ctxLogger: logger.NewContextLogger(log),
		events:    queue.New[event](),
		stopped:   make(chan struct{}),
		phase:     domain.PhaseIdle,
	}
}

// Run processes events until ctx is cancelled, then tears down any active call.
func (c *Coordinator) Run(ctx context.Context) {
	defer close(c.stopped)
	defer c.events.Close()

	for {
		select {
		case <-ctx.Done():
			if c.call != nil {
				c.teardown("shutdown", true)
			}
			return
		case ev, ok := <-c.events.C():
			if !ok {
				return
			}
			c.handle(ev)
		}
	}
}

// StartMatchmaking begins a new call. It returns once the request is accepted;
// progress is reported through Updates.
func (c *Coordinator) StartMatchmaking(ctx context.Context) error {
	return c.request(ctx, func(reply chan error) event { return startEvent{reply: reply} })
}

// Disconnect ends the current call, if any, and deletes its session.
func (c *Coordinator) Disconnect(ctx context.Context) error {
	return c.request(ctx, func(reply chan error) event { return disconnectEvent{reply: reply} })
}

// SetMuted stops or resumes local audio. The setting carries over to later calls.
func (c *Coordinator) SetMuted(ctx context.Context, muted bool) error {
	return c.request(ctx, func(reply chan error) event { return muteEvent{muted: muted, reply: reply} })
}

func (c *Coordinator) request(ctx context.Context, build func(chan error) event) error {
	reply := make(chan error, 1)
	if !c.events.Push(build(reply)) {
		return domain.ErrCoordinatorStopped
	}
	select {
	case err := <-reply:
		return err
	case <-c.stopped:
		return domain.ErrCoordinatorStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Coordinator) Phase() domain.Phase {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.phase
}

func (c *Coordinator) SessionID() domain.SessionID {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sessionID
}

func (c *Coordinator) Role() domain.Role {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.role
}

func (c *Coordinator) Muted() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.muted
}

func (c *Coordinator) State() domain.ConnectionState {
	return c.lifecycle.State()
}

// Updates streams externally visible state changes until the returned func is called.
func (c *Coordinator) Updates() (<-chan domain.ConnectionState, func()) {
	return c.lifecycle.Subscribe()
}

func (c *Coordinator) handle(ev event) {
	switch e := ev.(type) {
	case startEvent:
		e.reply <- c.handleStart()
	case disconnectEvent:
		e.reply <- c.handleDisconnect()
	case muteEvent:
		e.reply <- c.handleMute(e.muted)
	case matchedEvent:
		c.handleMatched(e)
	case remoteSignalEvent:
		if c.current(e.generation) {
			c.handleRemoteSignal(e.topic, e.signal)
		}
	case localCandidateEvent:
		if c.current(e.generation) {
			c.handleLocalCandidate(e.candidate)
		}
	case connectivityEvent:
		if c.current(e.generation) {
			c.handleConnectivity(e.signal)
		}
	case answerTimeoutEvent:
		if c.current(e.generation) {
			c.handleAnswerTimeout()
		}
	default:
		c.logger.Warnw("Unknown coordinator event", "event", fmt.Sprintf("%T", ev))
	}
}

// current reports whether an event belongs to the call in progress.
func (c *Coordinator) current(generation uint64) bool {
	return c.call != nil && c.call.generation == generation
}

func (c *Coordinator) handleStart() error {
	if c.call != nil {
		return domain.ErrCallInProgress
	}

	c.generation++
	ctx, cancel := context.WithCancel(context.Background())
	call := &activeCall{
		generation: c.generation,
		ctx:        ctx,
		cancel:     cancel,
	}
	c.call = call

	c.setSnapshot(domain.PhaseSearching, "", "")
	c.lifecycle.MarkSearching()
	c.logger.Infow("Matchmaking started", "generation", call.generation)

	go c.findSession(call.ctx, call.generation)
	return nil
}

// findSession opens a fresh backend for every attempt, so a connection lost
// while matching is redialled rather than reused.
func (c *Coordinator) findSession(ctx context.Context, generation uint64) {
	retryCfg := c.cfg.Retry
	retryCfg.OnRetry = func(attempt int, delay time.Duration, err error) {
		c.logger.Warnw("Matchmaking attempt failed, retrying",
			"attempt", attempt,
			"delay", delay.String(),
			"error", err,
		)
	}

	type match struct {
		backend ports.Backend
		id      domain.SessionID
		role    domain.Role
	}
	found, err := retry.RetryWithResult(ctx, retryCfg, func() (match, error) {
		backend, err := c.backends.NewBackend(ctx)
		if err != nil {
			return match{}, fmt.Errorf("%w: open backend: %w", domain.ErrMatchmakingFailed, err)
		}
		id, role, err := backend.FindOrCreateSession(ctx)
		if err != nil {
			_ = backend.Close()
			return match{}, err
		}
		return match{backend: backend, id: id, role: role}, nil
	})

	c.events.Push(matchedEvent{
		generation: generation,
		backend:    found.backend,
		sessionID:  found.id,
		role:       found.role,
		err:        err,
	})
}

func (c *Coordinator) handleMatched(e matchedEvent) {
	if !c.current(e.generation) {
		if e.backend != nil {
			if e.err == nil {
				// a late match for a call that was already ended must not linger
				_ = e.backend.DeleteSession(context.Background(), e.sessionID)
			}
			_ = e.backend.Close()
		}
		return
	}

	call := c.call
	call.backend = e.backend

	if e.err != nil {
		c.logger.Errorw("Matchmaking failed", "error", e.err)
		c.fail(e.err)
		return
	}

	call.sessionID = e.sessionID
	call.role = e.role
	c.setSnapshot(c.Phase(), e.sessionID, e.role)

	log := c.callLogger()
	log.Infow("Matched")

	engine, err := c.engines.NewEngine(call.ctx)
	if err != nil {
		log.Errorw("Failed to create media engine", "error", err)
		c.fail(err)
		return
	}
	call.engine = engine
	if c.Muted() {
		if err := engine.SetMuted(true); err != nil {
			log.Warnw("Failed to mute new call", "error", err)
		}
	}
	call.buffer = NewCandidateBuffer(engine, c.logger)

	generation := call.generation
	engine.OnLocalCandidate(func(candidate domain.Candidate) {
		c.events.Push(localCandidateEvent{generation: generation, candidate: candidate})
	})
	engine.OnConnectivityChange(func(signal domain.ConnectivitySignal) {
		c.events.Push(connectivityEvent{generation: generation, signal: signal})
	})

	c.lifecycle.MarkConnecting()

	if err := c.subscribe(domain.CandidateTopic(call.role.Opposite())); err != nil {
		c.fail(err)
		return
	}

	switch call.role {
	case domain.RoleCaller:
		c.setPhase(domain.PhaseOffering)

		offer, err := engine.CreateOffer(call.ctx)
		if err != nil {
			log.Errorw("Failed to create offer", "error", err)
			c.fail(err)
			return
		}
		if err := call.backend.Publish(call.ctx, call.sessionID, domain.DescriptionSignal(offer)); err != nil {
			log.Errorw("Failed to publish offer", "error", err)
			c.fail(err)
			return
		}
		if err := c.subscribe(domain.TopicDescription); err != nil {
			c.fail(err)
			return
		}
		if c.cfg.AnswerTimeout > 0 {
			call.answerTimer = time.AfterFunc(c.cfg.AnswerTimeout, func() {
				c.events.Push(answerTimeoutEvent{generation: generation})
			})
		}
	case domain.RoleCallee:
		c.setPhase(domain.PhaseAnswering)

		if err := c.subscribe(domain.TopicDescription); err != nil {
			c.fail(err)
			return
		}
	}
}

// subscribe opens a topic and pumps its signals into the event queue.
func (c *Coordinator) subscribe(topic domain.Topic) error {
	call := c.call
	sub, err := call.backend.Subscribe(call.ctx, call.sessionID, topic)
	if err != nil {
		c.callLogger().Errorw("Failed to subscribe", "topic", topic, "error", err)
		return fmt.Errorf("subscribe %s: %w", topic, err)
	}
	call.subs = append(call.subs, sub)

	generation := call.generation
	go func() {
		for signal := range sub.C() {
			c.events.Push(remoteSignalEvent{generation: generation, topic: topic, signal: signal})
		}
	}()
	return nil
}

func (c *Coordinator) handleRemoteSignal(topic domain.Topic, signal domain.Signal) {
	call := c.call
	log := c.callLogger()

	if signal.Kind == domain.SignalGone {
		log.Infow("Remote session gone", "topic", topic)
		c.teardown(domain.ErrRemoteSessionGone.Error(), true)
		return
	}

	if err := signal.Validate(); err != nil {
		log.Warnw("Dropping malformed signal", "topic", topic, "kind", signal.Kind, "error", err)
		return
	}

	switch signal.Kind {
	case domain.SignalOffer:
		c.handleOffer(*signal.Description)
	case domain.SignalAnswer:
		c.handleAnswer(*signal.Description)
	case domain.SignalCandidate:
		candidate := *signal.Candidate
		if candidate.Origin == call.role {
			return
		}
		if err := call.buffer.EnqueueOrApply(call.ctx, candidate); err != nil {
			log.Warnw("Failed to apply remote candidate", "error", err)
		}
		if !call.buffer.RemoteDescriptionApplied() {
			log.Debugw("Holding remote candidate until the remote description", "pending", call.buffer.Pending())
		}
	}
}

func (c *Coordinator) handleOffer(offer domain.Description) {
	call := c.call
	log := c.callLogger()

	if call.role != domain.RoleCallee {
		// the caller sees its own offer echoed back by document snapshots
		return
	}
	if call.offerReceived {
		log.Debugw("Ignoring repeated offer", "error", domain.ErrHandshakeMisorder)
		return
	}
	call.offerReceived = true

	if err := call.engine.ApplyRemoteDescription(call.ctx, offer); err != nil {
		log.Errorw("Failed to apply offer", "error", err)
		c.fail(err)
		return
	}
	drained := call.buffer.MarkRemoteDescriptionApplied(call.ctx)

	answer, err := call.engine.CreateAnswer(call.ctx)
	if err != nil {
		log.Errorw("Failed to create answer", "error", err)
		c.fail(err)
		return
	}
	if err := call.backend.Publish(call.ctx, call.sessionID, domain.DescriptionSignal(answer)); err != nil {
		log.Errorw("Failed to publish answer", "error", err)
		c.fail(err)
		return
	}
	log.Infow("Answered offer", "buffered_candidates", drained)
}

func (c *Coordinator) handleAnswer(answer domain.Description) {
	call := c.call
	log := c.callLogger()

	if call.role != domain.RoleCaller {
		return
	}
	if call.answerReceived {
		log.Debugw("Ignoring repeated answer", "error", domain.ErrHandshakeMisorder)
		return
	}
	call.answerReceived = true
	if call.answerTimer != nil {
		call.answerTimer.Stop()
	}

	if err := call.engine.ApplyRemoteDescription(call.ctx, answer); err != nil {
		log.Errorw("Failed to apply answer", "error", err)
		c.fail(err)
		return
	}
	drained := call.buffer.MarkRemoteDescriptionApplied(call.ctx)
	log.Infow("Applied answer", "buffered_candidates", drained)
}

func (c *Coordinator) handleLocalCandidate(candidate domain.Candidate) {
	call := c.call
	candidate.Origin = call.role
	if err := call.backend.Publish(call.ctx, call.sessionID, domain.CandidateSignal(candidate)); err != nil {
		c.callLogger().Warnw("Failed to publish local candidate", "error", err)
	}
}

func (c *Coordinator) handleConnectivity(signal domain.ConnectivitySignal) {
	changed := c.lifecycle.Observe(signal)

	// "disconnected" may recover; failed and closed end the call
	if signal == domain.ConnectivityFailed || signal == domain.ConnectivityClosed {
		c.callLogger().Infow("Media connection ended", "signal", signal)
		c.teardown("media "+string(signal), false)
		return
	}
	if !changed {
		return
	}

	switch c.lifecycle.State() {
	case domain.StateConnected:
		c.setPhase(domain.PhaseConnected)
		c.callLogger().Infow("Media connected", "signal", signal)
	case domain.StateDisconnected:
		c.setPhase(domain.PhaseDisconnected)
		c.callLogger().Infow("Media disconnected", "signal", signal)
	}
}

func (c *Coordinator) handleAnswerTimeout() {
	call := c.call
	if call.answerReceived {
		return
	}
	c.callLogger().Warnw("No answer received, ending call", "timeout", c.cfg.AnswerTimeout.String())
	c.teardown("answer timeout", true)
}

func (c *Coordinator) handleDisconnect() error {
	if c.call == nil {
		return nil
	}
	c.teardown("local hangup", true)
	return nil
}

func (c *Coordinator) handleMute(muted bool) error {
	c.mu.Lock()
	c.muted = muted
	c.mu.Unlock()

	if c.call == nil || c.call.engine == nil {
		return nil
	}
	if err := c.call.engine.SetMuted(muted); err != nil {
		return fmt.Errorf("set muted: %w", err)
	}
	c.callLogger().Infow("Local audio toggled", "muted", muted)
	return nil
}

// fail marks the call Failed and releases everything it holds.
func (c *Coordinator) fail(err error) {
	c.callLogger().Errorw("Call failed", "error", err)
	c.teardown(err.Error(), false)
	c.lifecycle.MarkFailed()
}

// teardown deletes the session, cancels every subscription, clears the buffer
// and latches and returns the coordinator to Idle. With reportClosed the
// visible state moves to Disconnected through the lifecycle mapping.
func (c *Coordinator) teardown(reason string, reportClosed bool) {
	call := c.call
	if call == nil {
		return
	}
	c.callLogger().Infow("Tearing down call", "reason", reason)

	if call.backend != nil && call.sessionID != "" {
		c.deleteSession(call)
	}

	for _, sub := range call.subs {
		sub.Cancel()
	}
	call.subs = nil

	if call.answerTimer != nil {
		call.answerTimer.Stop()
	}
	if call.buffer != nil {
		call.buffer.Reset()
	}
	call.offerReceived = false
	call.answerReceived = false

	call.cancel()

	if call.engine != nil {
		if err := call.engine.Close(); err != nil {
			c.logger.Debugw("Media engine close failed", "error", err)
		}
	}
	if call.backend != nil {
		if err := call.backend.Close(); err != nil {
			c.logger.Debugw("Backend close failed", "error", err)
		}
	}

	c.call = nil
	// snapshot first so subscribers woken by the state change read Idle
	c.setSnapshot(domain.PhaseIdle, "", "")
	if reportClosed {
		c.lifecycle.Observe(domain.ConnectivityClosed)
	}
}

// deleteSession removes the call's session so no later peer is matched into
// it. The partner sees the deletion as a hangup.
func (c *Coordinator) deleteSession(call *activeCall) {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()

	err := retry.Retry(ctx, c.cfg.Cleanup, func() error {
		return call.backend.DeleteSession(ctx, call.sessionID)
	})
	if err != nil && !errors.Is(err, domain.ErrSessionNotFound) {
		c.callLogger().Warnw("Failed to delete session", "error", err)
	}
}

func (c *Coordinator) callLogger() *zap.SugaredLogger {
	if c.call == nil {
		return c.logger
	}
	ctx := logger.WithSession(context.Background(), string(c.call.sessionID), string(c.call.role))
	return c.ctxLogger.WithContext(ctx).With("generation", c.call.generation)
}

func (c *Coordinator) setPhase(phase domain.Phase) {
	c.mu.Lock()
	c.phase = phase
	c.mu.Unlock()
}

func (c *Coordinator) setSnapshot(phase domain.Phase, sessionID domain.SessionID, role domain.Role) {
	c.mu.Lock()
	c.phase = phase
	c.sessionID = sessionID
	c.role = role
	c.mu.Unlock()
}
