package services

import (
	"context"
	"sync"

	"github.com/stretchr/testify/mock"

	"talkpair/internal/core/domain"
	"talkpair/internal/core/ports"
	"talkpair/internal/infrastructure/transport"
)

type MockSessionStore struct {
	mock.Mock
}

func (m *MockSessionStore) Create(ctx context.Context, session *domain.Session) error {
	args := m.Called(ctx, session)
	return args.Error(0)
}

func (m *MockSessionStore) Get(ctx context.Context, id domain.SessionID) (*domain.SessionDocument, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.SessionDocument), args.Error(1)
}

func (m *MockSessionStore) ListWaiting(ctx context.Context) ([]*domain.Session, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.Session), args.Error(1)
}

func (m *MockSessionStore) Claim(ctx context.Context, id domain.SessionID) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *MockSessionStore) Delete(ctx context.Context, id domain.SessionID) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *MockSessionStore) SetDescription(ctx context.Context, id domain.SessionID, desc domain.Description) error {
	args := m.Called(ctx, id, desc)
	return args.Error(0)
}

func (m *MockSessionStore) AddCandidate(ctx context.Context, id domain.SessionID, candidate domain.Candidate) error {
	args := m.Called(ctx, id, candidate)
	return args.Error(0)
}

func (m *MockSessionStore) WatchSession(ctx context.Context, id domain.SessionID) (<-chan *domain.SessionDocument, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(<-chan *domain.SessionDocument), args.Error(1)
}

func (m *MockSessionStore) WatchCandidates(ctx context.Context, id domain.SessionID, origin domain.Role) (<-chan domain.Candidate, error) {
	args := m.Called(ctx, id, origin)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(<-chan domain.Candidate), args.Error(1)
}

func (m *MockSessionStore) HealthCheck(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

type MockMatchmakingMetrics struct {
	mock.Mock
}

func (m *MockMatchmakingMetrics) SessionCreated()      { m.Called() }
func (m *MockMatchmakingMetrics) SessionClaimed()      { m.Called() }
func (m *MockMatchmakingMetrics) StaleSessionDeleted() { m.Called() }
func (m *MockMatchmakingMetrics) ClaimConflict()       { m.Called() }
func (m *MockMatchmakingMetrics) MatchmakingFailed()   { m.Called() }

// fakeBackend hands out registry subscriptions so tests can push remote
// signals into a running coordinator.
type fakeBackend struct {
	registry *transport.Registry

	mu        sync.Mutex
	sessionID domain.SessionID
	role      domain.Role
	findErrs  []error
	findCalls int
	published []domain.Signal
	deleted   []domain.SessionID
	closed    bool
}

func newFakeBackend(id domain.SessionID, role domain.Role) *fakeBackend {
	return &fakeBackend{registry: transport.NewRegistry(), sessionID: id, role: role}
}

func (b *fakeBackend) FindOrCreateSession(ctx context.Context) (domain.SessionID, domain.Role, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.findCalls++
	if len(b.findErrs) > 0 {
		err := b.findErrs[0]
		b.findErrs = b.findErrs[1:]
		return "", "", err
	}
	return b.sessionID, b.role, nil
}

func (b *fakeBackend) Publish(ctx context.Context, sessionID domain.SessionID, signal domain.Signal) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published = append(b.published, signal)
	return nil
}

func (b *fakeBackend) Subscribe(ctx context.Context, sessionID domain.SessionID, topic domain.Topic) (ports.Subscription, error) {
	return b.registry.Open(ctx, sessionID, topic), nil
}

func (b *fakeBackend) DeleteSession(ctx context.Context, sessionID domain.SessionID) error {
	b.mu.Lock()
	b.deleted = append(b.deleted, sessionID)
	b.mu.Unlock()
	b.registry.CancelSession(sessionID)
	return nil
}

func (b *fakeBackend) Close() error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	b.registry.CancelAll()
	return nil
}

// deliver reports false until the coordinator has subscribed to topic.
func (b *fakeBackend) deliver(topic domain.Topic, signal domain.Signal) bool {
	sub, ok := b.registry.Lookup(b.sessionID, topic)
	return ok && sub.Deliver(signal)
}

func (b *fakeBackend) subscribed(topic domain.Topic) bool {
	_, ok := b.registry.Lookup(b.sessionID, topic)
	return ok
}

func (b *fakeBackend) publishedOf(kind domain.SignalKind) []domain.Signal {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []domain.Signal
	for _, s := range b.published {
		if s.Kind == kind {
			out = append(out, s)
		}
	}
	return out
}

func (b *fakeBackend) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

func (b *fakeBackend) deletedSessions() []domain.SessionID {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]domain.SessionID(nil), b.deleted...)
}

func (b *fakeBackend) calls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.findCalls
}

// fakeBackendFactory returns its backends in order, one per call. The last
// one is handed out again once the others are used up.
type fakeBackendFactory struct {
	mu       sync.Mutex
	backends []*fakeBackend
	opened   int
}

func (f *fakeBackendFactory) NewBackend(ctx context.Context) (ports.Backend, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opened++
	b := f.backends[0]
	if len(f.backends) > 1 {
		f.backends = f.backends[1:]
	}
	return b, nil
}

type fakeEngine struct {
	mu             sync.Mutex
	offerErr       error
	remote         []domain.Description
	applied        []domain.Candidate
	muted          []bool
	closed         bool
	onCandidate    func(domain.Candidate)
	onConnectivity func(domain.ConnectivitySignal)
}

func (e *fakeEngine) CreateOffer(ctx context.Context) (domain.Description, error) {
	if e.offerErr != nil {
		return domain.Description{}, e.offerErr
	}
	return domain.Description{Kind: domain.DescriptionOffer, SDP: "v=0 local offer"}, nil
}

func (e *fakeEngine) CreateAnswer(ctx context.Context) (domain.Description, error) {
	return domain.Description{Kind: domain.DescriptionAnswer, SDP: "v=0 local answer"}, nil
}

func (e *fakeEngine) ApplyRemoteDescription(ctx context.Context, desc domain.Description) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.remote = append(e.remote, desc)
	return nil
}

func (e *fakeEngine) ApplyRemoteCandidate(ctx context.Context, candidate domain.Candidate) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.applied = append(e.applied, candidate)
	return nil
}

func (e *fakeEngine) OnLocalCandidate(handler func(domain.Candidate)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onCandidate = handler
}

func (e *fakeEngine) OnConnectivityChange(handler func(domain.ConnectivitySignal)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onConnectivity = handler
}

func (e *fakeEngine) SetMuted(muted bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.muted = append(e.muted, muted)
	return nil
}

func (e *fakeEngine) mutes() []bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]bool(nil), e.muted...)
}

func (e *fakeEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	return nil
}

func (e *fakeEngine) emitCandidate(c domain.Candidate) {
	e.mu.Lock()
	h := e.onCandidate
	e.mu.Unlock()
	h(c)
}

func (e *fakeEngine) emitConnectivity(s domain.ConnectivitySignal) {
	e.mu.Lock()
	h := e.onConnectivity
	e.mu.Unlock()
	h(s)
}

func (e *fakeEngine) remoteDescriptions() []domain.Description {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]domain.Description(nil), e.remote...)
}

func (e *fakeEngine) appliedCandidates() []domain.Candidate {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]domain.Candidate(nil), e.applied...)
}

func (e *fakeEngine) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

type fakeEngineFactory struct {
	mu       sync.Mutex
	offerErr error
	engines  []*fakeEngine
}

func (f *fakeEngineFactory) NewEngine(ctx context.Context) (ports.MediaEngine, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e := &fakeEngine{offerErr: f.offerErr}
	f.engines = append(f.engines, e)
	return e, nil
}

func (f *fakeEngineFactory) last() *fakeEngine {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.engines) == 0 {
		return nil
	}
	return f.engines[len(f.engines)-1]
}

func (f *fakeEngineFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.engines)
}
