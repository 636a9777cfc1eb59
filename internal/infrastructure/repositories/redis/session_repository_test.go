package redis

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"talkpair/internal/core/domain"
	"talkpair/internal/core/ports"
)

func newTestRepository(t *testing.T) (ports.SessionStore, *miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisSessionRepository(client), mr, client
}

func waitingSession(id string, created time.Time) *domain.Session {
	return &domain.Session{ID: domain.SessionID(id), Status: domain.StatusWaiting, CreatedAt: created}
}

func TestRedisSessionRepository_CreateAndGet(t *testing.T) {
	repo, mr, _ := newTestRepository(t)
	ctx := context.Background()
	created := time.UnixMilli(time.Now().UnixMilli())

	require.NoError(t, repo.Create(ctx, waitingSession("s1", created)))
	assert.Error(t, repo.Create(ctx, waitingSession("s1", created)))

	doc, err := repo.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusWaiting, doc.Session.Status)
	assert.True(t, created.Equal(doc.Session.CreatedAt))
	assert.Nil(t, doc.Offer)

	assert.Equal(t, "waiting", mr.HGet("talkpair:session:s1", "status"))
	members, err := mr.ZMembers("talkpair:sessions:waiting")
	require.NoError(t, err)
	assert.Equal(t, []string{"s1"}, members)

	_, err = repo.Get(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)
}

func TestRedisSessionRepository_ListWaitingOldestFirst(t *testing.T) {
	repo, mr, _ := newTestRepository(t)
	ctx := context.Background()
	base := time.Now()

	require.NoError(t, repo.Create(ctx, waitingSession("b", base.Add(time.Second))))
	require.NoError(t, repo.Create(ctx, waitingSession("a", base)))
	require.NoError(t, repo.Create(ctx, waitingSession("c", base.Add(2*time.Second))))
	require.NoError(t, repo.Claim(ctx, "c"))

	// an index entry without a hash is skipped and pruned
	_, err := mr.ZAdd("talkpair:sessions:waiting", float64(base.Add(-time.Hour).UnixMilli()), "ghost")
	require.NoError(t, err)

	waiting, err := repo.ListWaiting(ctx)
	require.NoError(t, err)
	require.Len(t, waiting, 2)
	assert.Equal(t, domain.SessionID("a"), waiting[0].ID)
	assert.Equal(t, domain.SessionID("b"), waiting[1].ID)

	members, err := mr.ZMembers("talkpair:sessions:waiting")
	require.NoError(t, err)
	assert.NotContains(t, members, "ghost")
}

func TestRedisSessionRepository_SessionWithoutTimestampDecodesAsZero(t *testing.T) {
	repo, mr, _ := newTestRepository(t)
	ctx := context.Background()

	mr.HSet("talkpair:session:old", "status", "waiting")
	_, err := mr.ZAdd("talkpair:sessions:waiting", 0, "old")
	require.NoError(t, err)

	waiting, err := repo.ListWaiting(ctx)
	require.NoError(t, err)
	require.Len(t, waiting, 1)
	assert.True(t, waiting[0].CreatedAt.IsZero())
	assert.True(t, waiting[0].IsStale(time.Now(), domain.DefaultStaleAfter))
}

func TestRedisSessionRepository_CorruptSessionDoesNotBlockListing(t *testing.T) {
	repo, mr, _ := newTestRepository(t)
	ctx := context.Background()

	require.NoError(t, repo.Create(ctx, waitingSession("good", time.Now())))
	mr.HSet("talkpair:session:bad", "status", "waiting", "created", "yesterday")
	_, err := mr.ZAdd("talkpair:sessions:waiting", 0, "bad")
	require.NoError(t, err)

	waiting, err := repo.ListWaiting(ctx)
	require.NoError(t, err)
	require.Len(t, waiting, 2)
	assert.Equal(t, domain.SessionID("bad"), waiting[0].ID)
	assert.True(t, waiting[0].IsStale(time.Now(), domain.DefaultStaleAfter))
	assert.Equal(t, domain.SessionID("good"), waiting[1].ID)
}

func TestRedisSessionRepository_ClaimIsExclusive(t *testing.T) {
	repo, mr, _ := newTestRepository(t)
	ctx := context.Background()
	require.NoError(t, repo.Create(ctx, waitingSession("s1", time.Now())))

	const racers = 8
	var wg sync.WaitGroup
	errs := make(chan error, racers)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- repo.Claim(ctx, "s1")
		}()
	}
	wg.Wait()
	close(errs)

	wins := 0
	for err := range errs {
		if err == nil {
			wins++
			continue
		}
		assert.ErrorIs(t, err, domain.ErrSessionAlreadyClaimed)
	}
	assert.Equal(t, 1, wins)
	assert.Equal(t, "matched", mr.HGet("talkpair:session:s1", "status"))

	members, _ := mr.ZMembers("talkpair:sessions:waiting")
	assert.Empty(t, members)

	assert.ErrorIs(t, repo.Claim(ctx, "missing"), domain.ErrSessionNotFound)
}

func TestRedisSessionRepository_SetDescriptionOnce(t *testing.T) {
	repo, _, _ := newTestRepository(t)
	ctx := context.Background()
	require.NoError(t, repo.Create(ctx, waitingSession("s1", time.Now())))

	offer := domain.Description{Kind: domain.DescriptionOffer, SDP: "v=0 offer"}
	require.NoError(t, repo.SetDescription(ctx, "s1", offer))
	assert.ErrorIs(t, repo.SetDescription(ctx, "s1", domain.Description{Kind: domain.DescriptionOffer, SDP: "other"}), domain.ErrDescriptionExists)
	assert.ErrorIs(t, repo.SetDescription(ctx, "missing", offer), domain.ErrSessionNotFound)

	doc, err := repo.Get(ctx, "s1")
	require.NoError(t, err)
	require.NotNil(t, doc.Offer)
	assert.Equal(t, offer, *doc.Offer)
}

func TestRedisSessionRepository_DeleteRemovesEverything(t *testing.T) {
	repo, mr, _ := newTestRepository(t)
	ctx := context.Background()
	require.NoError(t, repo.Create(ctx, waitingSession("s1", time.Now())))
	require.NoError(t, repo.AddCandidate(ctx, "s1", domain.Candidate{Candidate: "candidate:1", Origin: domain.RoleCaller}))

	require.NoError(t, repo.Delete(ctx, "s1"))
	assert.False(t, mr.Exists("talkpair:session:s1"))
	assert.False(t, mr.Exists("talkpair:session:s1:candidates:caller"))
	assert.ErrorIs(t, repo.Delete(ctx, "s1"), domain.ErrSessionNotFound)
	assert.ErrorIs(t, repo.AddCandidate(ctx, "s1", domain.Candidate{Candidate: "c", Origin: domain.RoleCaller}), domain.ErrSessionNotFound)
}

func TestRedisSessionRepository_WatchSession(t *testing.T) {
	repo, _, _ := newTestRepository(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, repo.Create(ctx, waitingSession("s1", time.Now())))

	docs, err := repo.WatchSession(ctx, "s1")
	require.NoError(t, err)

	initial := receive(t, docs)
	require.NotNil(t, initial)
	assert.Equal(t, domain.StatusWaiting, initial.Session.Status)

	require.NoError(t, repo.Claim(ctx, "s1"))
	claimed := receive(t, docs)
	require.NotNil(t, claimed)
	assert.Equal(t, domain.StatusMatched, claimed.Session.Status)

	require.NoError(t, repo.SetDescription(ctx, "s1", domain.Description{Kind: domain.DescriptionAnswer, SDP: "ans"}))
	withAnswer := receive(t, docs)
	require.NotNil(t, withAnswer)
	require.NotNil(t, withAnswer.Answer)
	assert.Equal(t, "ans", withAnswer.Answer.SDP)

	require.NoError(t, repo.Delete(ctx, "s1"))
	assert.Nil(t, receive(t, docs))
}

func TestRedisSessionRepository_WatchCandidates(t *testing.T) {
	repo, _, _ := newTestRepository(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, repo.Create(ctx, waitingSession("s1", time.Now())))

	early := domain.Candidate{Candidate: "candidate:early", SDPMid: "0", Origin: domain.RoleCallee}
	require.NoError(t, repo.AddCandidate(ctx, "s1", early))
	require.NoError(t, repo.AddCandidate(ctx, "s1", domain.Candidate{Candidate: "candidate:mine", Origin: domain.RoleCaller}))

	candidates, err := repo.WatchCandidates(ctx, "s1", domain.RoleCallee)
	require.NoError(t, err)
	assert.Equal(t, early, receive(t, candidates))

	late := domain.Candidate{Candidate: "candidate:late", SDPMid: "0", SDPMLineIndex: 1, Origin: domain.RoleCallee}
	require.NoError(t, repo.AddCandidate(ctx, "s1", late))
	assert.Equal(t, late, receive(t, candidates))

	require.NoError(t, repo.Delete(ctx, "s1"))
	select {
	case _, open := <-candidates:
		assert.False(t, open)
	case <-time.After(2 * time.Second):
		t.Fatal("candidate watch not closed after delete")
	}
}

func TestMigrate_PrunesOrphanedIndexEntries(t *testing.T) {
	_, mr, client := newTestRepository(t)
	ctx := context.Background()

	_, err := mr.ZAdd("talkpair:sessions:waiting", 1, "orphan")
	require.NoError(t, err)
	mr.HSet("talkpair:session:live", "status", "waiting")
	_, err = mr.ZAdd("talkpair:sessions:waiting", 2, "live")
	require.NoError(t, err)

	require.NoError(t, Migrate(ctx, client, nil))

	members, err := mr.ZMembers("talkpair:sessions:waiting")
	require.NoError(t, err)
	assert.Equal(t, []string{"live"}, members)

	version, err := mr.Get(schemaVersionKey)
	require.NoError(t, err)
	assert.Equal(t, "1", version)

	// running again is a no-op
	require.NoError(t, Migrate(ctx, client, nil))
}

func receive[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v, ok := <-ch:
		require.True(t, ok, "watch closed early")
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for watch event")
		var zero T
		return zero
	}
}
