package relay_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"talkpair/internal/core/domain"
	"talkpair/internal/core/ports"
	"talkpair/internal/infrastructure/signal"
	"talkpair/internal/infrastructure/transport/relay"
)

func startRelay(t *testing.T) string {
	t.Helper()
	server := signal.NewRelayServer(signal.DefaultRelayConfig(), nil, zap.NewNop().Sugar())

	ctx, cancel := context.WithCancel(context.Background())
	go server.Run(ctx)

	ts := httptest.NewServer(http.HandlerFunc(server.HandleWebSocket))
	t.Cleanup(func() {
		cancel()
		ts.Close()
	})
	return "ws" + strings.TrimPrefix(ts.URL, "http")
}

type peer struct {
	client    *relay.Client
	sessionID domain.SessionID
	role      domain.Role
}

// matchPair dials two clients and pairs them, returning caller then callee.
func matchPair(t *testing.T, url string) (*peer, *peer) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	factory := relay.NewBackendFactory(url, relay.DefaultOptions(), zap.NewNop().Sugar())

	results := make(chan *peer, 2)
	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		backend, err := factory.NewBackend(ctx)
		require.NoError(t, err)
		client := backend.(*relay.Client)
		t.Cleanup(func() { client.Close() })

		go func() {
			id, role, err := client.FindOrCreateSession(ctx)
			if err != nil {
				errs <- err
				return
			}
			results <- &peer{client: client, sessionID: id, role: role}
		}()
	}

	var peers []*peer
	for len(peers) < 2 {
		select {
		case p := <-results:
			peers = append(peers, p)
		case err := <-errs:
			t.Fatalf("matchmaking failed: %v", err)
		case <-ctx.Done():
			t.Fatal("timed out waiting for pairing")
		}
	}

	if peers[0].role == domain.RoleCallee {
		peers[0], peers[1] = peers[1], peers[0]
	}
	require.Equal(t, domain.RoleCaller, peers[0].role)
	require.Equal(t, domain.RoleCallee, peers[1].role)
	require.Equal(t, peers[0].sessionID, peers[1].sessionID)
	return peers[0], peers[1]
}

func receive(t *testing.T, sub ports.Subscription) domain.Signal {
	t.Helper()
	select {
	case sig, ok := <-sub.C():
		require.True(t, ok, "subscription closed early")
		return sig
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for signal")
		return domain.Signal{}
	}
}

func TestClient_PairsAndExchangesSignals(t *testing.T) {
	url := startRelay(t)
	caller, callee := matchPair(t, url)
	ctx := context.Background()

	descriptions, err := callee.client.Subscribe(ctx, callee.sessionID, domain.TopicDescription)
	require.NoError(t, err)
	defer descriptions.Cancel()

	require.NoError(t, caller.client.Publish(ctx, caller.sessionID, domain.OfferSignal("v=0 offer")))
	offer := receive(t, descriptions)
	assert.Equal(t, domain.SignalOffer, offer.Kind)
	assert.Equal(t, "v=0 offer", offer.Description.SDP)

	candidates, err := caller.client.Subscribe(ctx, caller.sessionID, domain.TopicCalleeCandidates)
	require.NoError(t, err)
	defer candidates.Cancel()

	require.NoError(t, callee.client.Publish(ctx, callee.sessionID, domain.CandidateSignal(domain.Candidate{
		Candidate: "candidate:1 1 udp 2122260223 10.0.0.2 50000 typ host",
		SDPMid:    "0",
		Origin:    domain.RoleCallee,
	})))
	cand := receive(t, candidates)
	require.Equal(t, domain.SignalCandidate, cand.Kind)
	assert.Equal(t, domain.RoleCallee, cand.Candidate.Origin)
	assert.Equal(t, "0", cand.Candidate.SDPMid)
}

func TestClient_ReplaysSignalsReceivedBeforeSubscribe(t *testing.T) {
	url := startRelay(t)
	caller, callee := matchPair(t, url)
	ctx := context.Background()

	require.NoError(t, caller.client.Publish(ctx, caller.sessionID, domain.OfferSignal("v=0 early")))
	require.NoError(t, caller.client.Publish(ctx, caller.sessionID, domain.CandidateSignal(domain.Candidate{
		Candidate: "candidate:early",
		Origin:    domain.RoleCaller,
	})))
	time.Sleep(100 * time.Millisecond)

	descriptions, err := callee.client.Subscribe(ctx, callee.sessionID, domain.TopicDescription)
	require.NoError(t, err)
	defer descriptions.Cancel()
	assert.Equal(t, "v=0 early", receive(t, descriptions).Description.SDP)

	candidates, err := callee.client.Subscribe(ctx, callee.sessionID, domain.TopicCallerCandidates)
	require.NoError(t, err)
	defer candidates.Cancel()
	assert.Equal(t, "candidate:early", receive(t, candidates).Candidate.Candidate)
}

func TestClient_DeleteSessionSignalsGoneToPartner(t *testing.T) {
	url := startRelay(t)
	caller, callee := matchPair(t, url)
	ctx := context.Background()

	descriptions, err := callee.client.Subscribe(ctx, callee.sessionID, domain.TopicDescription)
	require.NoError(t, err)

	require.NoError(t, caller.client.DeleteSession(ctx, caller.sessionID))
	assert.Equal(t, domain.SignalGone, receive(t, descriptions).Kind)

	_, open := <-descriptions.C()
	assert.False(t, open)
}

func TestClient_PartnerCloseSignalsGone(t *testing.T) {
	url := startRelay(t)
	caller, callee := matchPair(t, url)
	ctx := context.Background()

	candidates, err := caller.client.Subscribe(ctx, caller.sessionID, domain.TopicCalleeCandidates)
	require.NoError(t, err)

	require.NoError(t, callee.client.Close())
	assert.Equal(t, domain.SignalGone, receive(t, candidates).Kind)

	// subscribing after the pairing is lost yields gone immediately
	late, err := caller.client.Subscribe(ctx, caller.sessionID, domain.TopicDescription)
	require.NoError(t, err)
	assert.Equal(t, domain.SignalGone, receive(t, late).Kind)
}

func TestClient_FindOrCreateSessionHonoursContext(t *testing.T) {
	url := startRelay(t)

	client, err := relay.Dial(context.Background(), url, relay.DefaultOptions(), zap.NewNop().Sugar())
	require.NoError(t, err)
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, _, err = client.FindOrCreateSession(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestClient_SubscribeRejectsUnknownTopic(t *testing.T) {
	url := startRelay(t)

	client, err := relay.Dial(context.Background(), url, relay.DefaultOptions(), zap.NewNop().Sugar())
	require.NoError(t, err)
	defer client.Close()

	_, err = client.Subscribe(context.Background(), "s1", domain.Topic("bogus"))
	assert.Error(t, err)
}
