package transport

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"talkpair/internal/core/domain"
)

func receive(t *testing.T, ch <-chan domain.Signal) (domain.Signal, bool) {
	t.Helper()
	select {
	case sig, ok := <-ch:
		return sig, ok
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for signal")
		return domain.Signal{}, false
	}
}

func TestRegistry_OpenCancelsPrevious(t *testing.T) {
	reg := NewRegistry()
	first := reg.Open(context.Background(), "s1", domain.TopicDescription)
	second := reg.Open(context.Background(), "s1", domain.TopicDescription)

	_, ok := receive(t, first.C())
	assert.False(t, ok, "previous subscription must be closed")
	assert.Error(t, first.Context().Err())
	assert.False(t, first.Deliver(domain.OfferSignal("x")))

	current, found := reg.Lookup("s1", domain.TopicDescription)
	require.True(t, found)
	assert.Same(t, second, current)
	assert.Equal(t, 1, reg.Len())

	require.True(t, second.Deliver(domain.OfferSignal("v=0")))
	sig, ok := receive(t, second.C())
	require.True(t, ok)
	assert.Equal(t, domain.SignalOffer, sig.Kind)
}

func TestRegistry_TopicsAreIndependent(t *testing.T) {
	reg := NewRegistry()
	desc := reg.Open(context.Background(), "s1", domain.TopicDescription)
	cands := reg.Open(context.Background(), "s1", domain.TopicCalleeCandidates)
	other := reg.Open(context.Background(), "s2", domain.TopicDescription)

	assert.Equal(t, 3, reg.Len())
	assert.NoError(t, desc.Context().Err())
	assert.NoError(t, cands.Context().Err())

	reg.CancelSession("s1")
	assert.Equal(t, 1, reg.Len())
	assert.NoError(t, other.Context().Err())

	reg.CancelAll()
	assert.Equal(t, 0, reg.Len())
}

func TestSubscription_GoneIsTerminal(t *testing.T) {
	reg := NewRegistry()
	sub := reg.Open(context.Background(), "s1", domain.TopicCallerCandidates)

	sub.Deliver(domain.CandidateSignal(domain.Candidate{Candidate: "candidate:1", Origin: domain.RoleCaller}))
	reg.GoneSession("s1")
	sub.Gone()
	assert.False(t, sub.Deliver(domain.OfferSignal("late")))

	sig, ok := receive(t, sub.C())
	require.True(t, ok)
	assert.Equal(t, domain.SignalCandidate, sig.Kind)

	sig, ok = receive(t, sub.C())
	require.True(t, ok)
	assert.Equal(t, domain.SignalGone, sig.Kind)

	_, ok = receive(t, sub.C())
	assert.False(t, ok)
	assert.Error(t, sub.Context().Err())
}

func TestSubscription_CancelIsIdempotent(t *testing.T) {
	reg := NewRegistry()
	sub := reg.Open(context.Background(), "s1", domain.TopicDescription)
	sub.Cancel()
	sub.Cancel()

	_, found := reg.Lookup("s1", domain.TopicDescription)
	assert.False(t, found)
}

func TestSubscription_ParentContextCancels(t *testing.T) {
	reg := NewRegistry()
	ctx, cancel := context.WithCancel(context.Background())
	sub := reg.Open(ctx, "s1", domain.TopicDescription)
	cancel()
	assert.Error(t, sub.Context().Err())
}
