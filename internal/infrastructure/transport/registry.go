// Package transport holds the pieces shared by the signaling backends.
package transport

import (
	"context"
	"sync"

	"talkpair/internal/core/domain"
	"talkpair/pkg/queue"
)

// Subscription is the ports.Subscription both backends hand out. Producers
// Deliver into it without blocking; Gone delivers the terminal signal and
// closes C once it has been read.
type Subscription struct {
	sessionID domain.SessionID
	topic     domain.Topic

	q      *queue.Queue[domain.Signal]
	ctx    context.Context
	cancel context.CancelFunc

	once     sync.Once
	goneOnce sync.Once
	onCancel func(*Subscription)
}

func (s *Subscription) C() <-chan domain.Signal {
	return s.q.C()
}

// Context is cancelled when the subscription is cancelled or gone. Producers
// tie their watches to it.
func (s *Subscription) Context() context.Context {
	return s.ctx
}

func (s *Subscription) Topic() domain.Topic {
	return s.topic
}

// Deliver reports false once the subscription is cancelled or gone.
func (s *Subscription) Deliver(signal domain.Signal) bool {
	return s.q.Push(signal)
}

func (s *Subscription) Gone() {
	s.goneOnce.Do(func() {
		s.q.Push(domain.GoneSignal())
		s.q.Seal()
		s.cancel()
	})
}

func (s *Subscription) Cancel() {
	s.once.Do(func() {
		s.cancel()
		s.q.Close()
		if s.onCancel != nil {
			s.onCancel(s)
		}
	})
}

type subscriptionKey struct {
	sessionID domain.SessionID
	topic     domain.Topic
}

// Registry keeps at most one live subscription per (session, topic).
type Registry struct {
	mu   sync.Mutex
	subs map[subscriptionKey]*Subscription
}

func NewRegistry() *Registry {
	return &Registry{subs: make(map[subscriptionKey]*Subscription)}
}

// Open cancels any previous subscription for the same (session, topic) and
// registers a new one whose context derives from ctx.
func (r *Registry) Open(ctx context.Context, sessionID domain.SessionID, topic domain.Topic) *Subscription {
	subCtx, cancel := context.WithCancel(ctx)
	sub := &Subscription{
		sessionID: sessionID,
		topic:     topic,
		q:         queue.New[domain.Signal](),
		ctx:       subCtx,
		cancel:    cancel,
		onCancel:  r.remove,
	}

	key := subscriptionKey{sessionID: sessionID, topic: topic}
	r.mu.Lock()
	prev := r.subs[key]
	r.subs[key] = sub
	r.mu.Unlock()

	if prev != nil {
		prev.Cancel()
	}
	return sub
}

// Lookup returns the live subscription for (session, topic), if any.
func (r *Registry) Lookup(sessionID domain.SessionID, topic domain.Topic) (*Subscription, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub, ok := r.subs[subscriptionKey{sessionID: sessionID, topic: topic}]
	return sub, ok
}

// GoneSession delivers the terminal signal to every subscription of a session.
func (r *Registry) GoneSession(sessionID domain.SessionID) {
	for _, sub := range r.collect(func(k subscriptionKey) bool { return k.sessionID == sessionID }) {
		sub.Gone()
	}
}

func (r *Registry) CancelSession(sessionID domain.SessionID) {
	for _, sub := range r.collect(func(k subscriptionKey) bool { return k.sessionID == sessionID }) {
		sub.Cancel()
	}
}

func (r *Registry) CancelAll() {
	for _, sub := range r.collect(func(subscriptionKey) bool { return true }) {
		sub.Cancel()
	}
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs)
}

func (r *Registry) collect(match func(subscriptionKey) bool) []*Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()

	var subs []*Subscription
	for k, sub := range r.subs {
		if match(k) {
			subs = append(subs, sub)
		}
	}
	return subs
}

func (r *Registry) remove(sub *Subscription) {
	key := subscriptionKey{sessionID: sub.sessionID, topic: sub.topic}
	r.mu.Lock()
	if r.subs[key] == sub {
		delete(r.subs, key)
	}
	r.mu.Unlock()
}
