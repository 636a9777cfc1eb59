package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"talkpair/internal/core/domain"
)

func newSession(id string, created time.Time) *domain.Session {
	return &domain.Session{ID: domain.SessionID(id), Status: domain.StatusWaiting, CreatedAt: created}
}

func TestMemorySessionRepository_ListWaitingOrdersByArrival(t *testing.T) {
	repo := NewMemorySessionRepository()
	ctx := context.Background()
	base := time.Now()

	require.NoError(t, repo.Create(ctx, newSession("late", base.Add(2*time.Second))))
	require.NoError(t, repo.Create(ctx, newSession("early", base)))
	require.NoError(t, repo.Create(ctx, newSession("middle", base.Add(time.Second))))
	require.NoError(t, repo.Claim(ctx, "middle"))

	waiting, err := repo.ListWaiting(ctx)
	require.NoError(t, err)
	require.Len(t, waiting, 2)
	assert.Equal(t, domain.SessionID("early"), waiting[0].ID)
	assert.Equal(t, domain.SessionID("late"), waiting[1].ID)
}

func TestMemorySessionRepository_ClaimIsExclusive(t *testing.T) {
	repo := NewMemorySessionRepository()
	ctx := context.Background()
	require.NoError(t, repo.Create(ctx, newSession("s1", time.Now())))

	const racers = 16
	var wg sync.WaitGroup
	results := make(chan error, racers)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- repo.Claim(ctx, "s1")
		}()
	}
	wg.Wait()
	close(results)

	wins := 0
	for err := range results {
		if err == nil {
			wins++
			continue
		}
		assert.ErrorIs(t, err, domain.ErrSessionAlreadyClaimed)
	}
	assert.Equal(t, 1, wins)

	doc, err := repo.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusMatched, doc.Session.Status)
}

func TestMemorySessionRepository_DescriptionsAreWriteOnce(t *testing.T) {
	repo := NewMemorySessionRepository()
	ctx := context.Background()
	require.NoError(t, repo.Create(ctx, newSession("s1", time.Now())))

	offer := domain.Description{Kind: domain.DescriptionOffer, SDP: "v=0 offer"}
	require.NoError(t, repo.SetDescription(ctx, "s1", offer))
	assert.ErrorIs(t, repo.SetDescription(ctx, "s1", offer), domain.ErrDescriptionExists)

	answer := domain.Description{Kind: domain.DescriptionAnswer, SDP: "v=0 answer"}
	require.NoError(t, repo.SetDescription(ctx, "s1", answer))

	doc, err := repo.Get(ctx, "s1")
	require.NoError(t, err)
	require.NotNil(t, doc.Offer)
	require.NotNil(t, doc.Answer)
	assert.Equal(t, "v=0 offer", doc.Offer.SDP)
	assert.Equal(t, "v=0 answer", doc.Answer.SDP)

	assert.ErrorIs(t, repo.SetDescription(ctx, "missing", offer), domain.ErrSessionNotFound)
}

func TestMemorySessionRepository_WatchSessionEmitsInitialMutationsAndDeletion(t *testing.T) {
	repo := NewMemorySessionRepository()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, repo.Create(ctx, newSession("s1", time.Now())))

	docs, err := repo.WatchSession(ctx, "s1")
	require.NoError(t, err)

	initial := receiveDoc(t, docs)
	require.NotNil(t, initial)
	assert.Equal(t, domain.StatusWaiting, initial.Session.Status)

	require.NoError(t, repo.Claim(ctx, "s1"))
	claimed := receiveDoc(t, docs)
	require.NotNil(t, claimed)
	assert.Equal(t, domain.StatusMatched, claimed.Session.Status)

	require.NoError(t, repo.SetDescription(ctx, "s1", domain.Description{Kind: domain.DescriptionOffer, SDP: "x"}))
	withOffer := receiveDoc(t, docs)
	require.NotNil(t, withOffer)
	require.NotNil(t, withOffer.Offer)

	require.NoError(t, repo.Delete(ctx, "s1"))
	assert.Nil(t, receiveDoc(t, docs))

	_, open := <-docs
	assert.False(t, open)
}

func TestMemorySessionRepository_WatchMissingSessionReadsAsDeleted(t *testing.T) {
	repo := NewMemorySessionRepository()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	docs, err := repo.WatchSession(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, receiveDoc(t, docs))
}

func TestMemorySessionRepository_WatchCandidatesReplaysAndFollows(t *testing.T) {
	repo := NewMemorySessionRepository()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, repo.Create(ctx, newSession("s1", time.Now())))

	first := domain.Candidate{Candidate: "candidate:1", SDPMid: "0", Origin: domain.RoleCaller}
	require.NoError(t, repo.AddCandidate(ctx, "s1", first))
	require.NoError(t, repo.AddCandidate(ctx, "s1", domain.Candidate{Candidate: "candidate:x", Origin: domain.RoleCallee}))

	candidates, err := repo.WatchCandidates(ctx, "s1", domain.RoleCaller)
	require.NoError(t, err)
	assert.Equal(t, first, receiveCandidate(t, candidates))

	second := domain.Candidate{Candidate: "candidate:2", SDPMid: "0", SDPMLineIndex: 1, Origin: domain.RoleCaller}
	require.NoError(t, repo.AddCandidate(ctx, "s1", second))
	assert.Equal(t, second, receiveCandidate(t, candidates))

	require.NoError(t, repo.Delete(ctx, "s1"))
	select {
	case _, open := <-candidates:
		assert.False(t, open)
	case <-time.After(time.Second):
		t.Fatal("candidate watch not closed after delete")
	}
}

func TestMemorySessionRepository_AddCandidateRejectsUnknownOrigin(t *testing.T) {
	repo := NewMemorySessionRepository()
	ctx := context.Background()
	require.NoError(t, repo.Create(ctx, newSession("s1", time.Now())))

	err := repo.AddCandidate(ctx, "s1", domain.Candidate{Candidate: "candidate:1"})
	assert.ErrorIs(t, err, domain.ErrInvalidRole)
}

func TestMemorySessionRepository_CancelledWatchStops(t *testing.T) {
	repo := NewMemorySessionRepository()
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, repo.Create(context.Background(), newSession("s1", time.Now())))

	docs, err := repo.WatchSession(ctx, "s1")
	require.NoError(t, err)
	receiveDoc(t, docs)

	cancel()
	require.Eventually(t, func() bool {
		select {
		case _, open := <-docs:
			return !open
		default:
			return false
		}
	}, time.Second, 10*time.Millisecond)
}

func receiveDoc(t *testing.T, ch <-chan *domain.SessionDocument) *domain.SessionDocument {
	t.Helper()
	select {
	case doc, ok := <-ch:
		require.True(t, ok, "watch closed early")
		return doc
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for session snapshot")
		return nil
	}
}

func receiveCandidate(t *testing.T, ch <-chan domain.Candidate) domain.Candidate {
	t.Helper()
	select {
	case c, ok := <-ch:
		require.True(t, ok, "watch closed early")
		return c
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for candidate")
		return domain.Candidate{}
	}
}
