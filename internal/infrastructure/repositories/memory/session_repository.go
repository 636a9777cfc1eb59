package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"talkpair/internal/core/domain"
	"talkpair/internal/core/ports"
	"talkpair/pkg/queue"
)

type MemorySessionRepository struct {
	sessions map[domain.SessionID]*sessionRecord
	seq      uint64
	mu       sync.RWMutex
}

type sessionRecord struct {
	doc        domain.SessionDocument
	seq        uint64
	candidates map[domain.Role][]domain.Candidate

	docWatchers       map[*queue.Queue[*domain.SessionDocument]]struct{}
	candidateWatchers map[domain.Role]map[*queue.Queue[domain.Candidate]]struct{}
}

func NewMemorySessionRepository() ports.SessionStore {
	return &MemorySessionRepository{
		sessions: make(map[domain.SessionID]*sessionRecord),
	}
}

func (r *MemorySessionRepository) Create(ctx context.Context, session *domain.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sessions[session.ID]; exists {
		return fmt.Errorf("session already exists: %s", session.ID)
	}

	r.seq++
	r.sessions[session.ID] = &sessionRecord{
		doc:               domain.SessionDocument{Session: *session},
		seq:               r.seq,
		candidates:        make(map[domain.Role][]domain.Candidate),
		docWatchers:       make(map[*queue.Queue[*domain.SessionDocument]]struct{}),
		candidateWatchers: make(map[domain.Role]map[*queue.Queue[domain.Candidate]]struct{}),
	}
	return nil
}

func (r *MemorySessionRepository) Get(ctx context.Context, id domain.SessionID) (*domain.SessionDocument, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, exists := r.sessions[id]
	if !exists {
		return nil, domain.ErrSessionNotFound
	}
	return rec.snapshot(), nil
}

func (r *MemorySessionRepository) ListWaiting(ctx context.Context) ([]*domain.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	type entry struct {
		session domain.Session
		seq     uint64
	}
	var waiting []entry
	for _, rec := range r.sessions {
		if rec.doc.Session.Status == domain.StatusWaiting {
			waiting = append(waiting, entry{session: rec.doc.Session, seq: rec.seq})
		}
	}

	sort.Slice(waiting, func(i, j int) bool {
		a, b := waiting[i], waiting[j]
		if !a.session.CreatedAt.Equal(b.session.CreatedAt) {
			return a.session.CreatedAt.Before(b.session.CreatedAt)
		}
		return a.seq < b.seq
	})

	sessions := make([]*domain.Session, 0, len(waiting))
	for i := range waiting {
		s := waiting[i].session
		sessions = append(sessions, &s)
	}
	return sessions, nil
}

func (r *MemorySessionRepository) Claim(ctx context.Context, id domain.SessionID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, exists := r.sessions[id]
	if !exists {
		return domain.ErrSessionNotFound
	}
	if rec.doc.Session.Status != domain.StatusWaiting {
		return domain.ErrSessionAlreadyClaimed
	}

	rec.doc.Session.Status = domain.StatusMatched
	rec.notify()
	return nil
}

func (r *MemorySessionRepository) Delete(ctx context.Context, id domain.SessionID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, exists := r.sessions[id]
	if !exists {
		return domain.ErrSessionNotFound
	}
	delete(r.sessions, id)

	for q := range rec.docWatchers {
		q.Push(nil)
		q.Seal()
	}
	for _, watchers := range rec.candidateWatchers {
		for q := range watchers {
			q.Seal()
		}
	}
	return nil
}

func (r *MemorySessionRepository) SetDescription(ctx context.Context, id domain.SessionID, desc domain.Description) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, exists := r.sessions[id]
	if !exists {
		return domain.ErrSessionNotFound
	}

	d := desc
	switch desc.Kind {
	case domain.DescriptionOffer:
		if rec.doc.Offer != nil {
			return domain.ErrDescriptionExists
		}
		rec.doc.Offer = &d
	case domain.DescriptionAnswer:
		if rec.doc.Answer != nil {
			return domain.ErrDescriptionExists
		}
		rec.doc.Answer = &d
	default:
		return domain.ErrMalformedMessage
	}

	rec.notify()
	return nil
}

func (r *MemorySessionRepository) AddCandidate(ctx context.Context, id domain.SessionID, candidate domain.Candidate) error {
	if !candidate.Origin.Valid() {
		return domain.ErrInvalidRole
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	rec, exists := r.sessions[id]
	if !exists {
		return domain.ErrSessionNotFound
	}

	rec.candidates[candidate.Origin] = append(rec.candidates[candidate.Origin], candidate)
	for q := range rec.candidateWatchers[candidate.Origin] {
		q.Push(candidate)
	}
	return nil
}

func (r *MemorySessionRepository) WatchSession(ctx context.Context, id domain.SessionID) (<-chan *domain.SessionDocument, error) {
	q := queue.New[*domain.SessionDocument]()

	r.mu.Lock()
	rec, exists := r.sessions[id]
	if !exists {
		r.mu.Unlock()
		// a missing document reads as already deleted
		q.Push(nil)
		q.Seal()
		return q.C(), nil
	}
	rec.docWatchers[q] = struct{}{}
	q.Push(rec.snapshot())
	r.mu.Unlock()

	go func() {
		<-ctx.Done()
		r.mu.Lock()
		delete(rec.docWatchers, q)
		r.mu.Unlock()
		q.Close()
	}()

	return q.C(), nil
}

func (r *MemorySessionRepository) WatchCandidates(ctx context.Context, id domain.SessionID, origin domain.Role) (<-chan domain.Candidate, error) {
	if !origin.Valid() {
		return nil, domain.ErrInvalidRole
	}

	q := queue.New[domain.Candidate]()

	r.mu.Lock()
	rec, exists := r.sessions[id]
	if !exists {
		r.mu.Unlock()
		q.Seal()
		return q.C(), nil
	}
	for _, c := range rec.candidates[origin] {
		q.Push(c)
	}
	if rec.candidateWatchers[origin] == nil {
		rec.candidateWatchers[origin] = make(map[*queue.Queue[domain.Candidate]]struct{})
	}
	rec.candidateWatchers[origin][q] = struct{}{}
	r.mu.Unlock()

	go func() {
		<-ctx.Done()
		r.mu.Lock()
		delete(rec.candidateWatchers[origin], q)
		r.mu.Unlock()
		q.Close()
	}()

	return q.C(), nil
}

func (r *MemorySessionRepository) HealthCheck(ctx context.Context) error {
	return nil
}

func (rec *sessionRecord) snapshot() *domain.SessionDocument {
	doc := &domain.SessionDocument{Session: rec.doc.Session}
	if rec.doc.Offer != nil {
		offer := *rec.doc.Offer
		doc.Offer = &offer
	}
	if rec.doc.Answer != nil {
		answer := *rec.doc.Answer
		doc.Answer = &answer
	}
	return doc
}

// notify must be called with the repository lock held.
func (rec *sessionRecord) notify() {
	for q := range rec.docWatchers {
		q.Push(rec.snapshot())
	}
}
