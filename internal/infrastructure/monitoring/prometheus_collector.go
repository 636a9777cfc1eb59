package monitoring

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusCollector implements the matchmaking and relay metric ports.
type PrometheusCollector struct {
	// Matchmaking
	sessionsCreated    prometheus.Counter
	sessionsClaimed    prometheus.Counter
	staleSessions      prometheus.Counter
	claimConflicts     prometheus.Counter
	matchmakingFailure prometheus.Counter

	// Relay
	relayConnections   prometheus.Gauge
	relayConnectsTotal prometheus.Counter
	relayWaiting       prometheus.Gauge
	relayPairs         prometheus.Counter
	relayForwarded     *prometheus.CounterVec
	relayDropped       *prometheus.CounterVec

	// HTTP
	httpRequests        *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
}

// NewPrometheusCollector registers every metric with reg, or with the
// default registry when reg is nil.
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &PrometheusCollector{
		sessionsCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "talkpair_sessions_created_total",
			Help: "Sessions opened by a caller waiting for a partner",
		}),
		sessionsClaimed: factory.NewCounter(prometheus.CounterOpts{
			Name: "talkpair_sessions_claimed_total",
			Help: "Waiting sessions claimed by a callee",
		}),
		staleSessions: factory.NewCounter(prometheus.CounterOpts{
			Name: "talkpair_stale_sessions_deleted_total",
			Help: "Waiting sessions deleted for exceeding the stale threshold",
		}),
		claimConflicts: factory.NewCounter(prometheus.CounterOpts{
			Name: "talkpair_claim_conflicts_total",
			Help: "Claims lost to a concurrent peer",
		}),
		matchmakingFailure: factory.NewCounter(prometheus.CounterOpts{
			Name: "talkpair_matchmaking_failures_total",
			Help: "Matchmaking attempts that failed on a store error",
		}),

		relayConnections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "talkpair_relay_connections",
			Help: "Currently open relay websocket connections",
		}),
		relayConnectsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "talkpair_relay_connections_total",
			Help: "Relay websocket connections accepted",
		}),
		relayWaiting: factory.NewGauge(prometheus.GaugeOpts{
			Name: "talkpair_relay_waiting_clients",
			Help: "Clients in the relay waiting slot (0 or 1)",
		}),
		relayPairs: factory.NewCounter(prometheus.CounterOpts{
			Name: "talkpair_relay_pairs_matched_total",
			Help: "Client pairs matched by the relay",
		}),
		relayForwarded: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "talkpair_relay_messages_forwarded_total",
			Help: "Signaling messages forwarded to a partner",
		}, []string{"type"}),
		relayDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "talkpair_relay_messages_dropped_total",
			Help: "Messages dropped by the relay",
		}, []string{"reason"}),

		httpRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "talkpair_http_requests_total",
			Help: "HTTP requests served",
		}, []string{"method", "route", "status"}),
		httpRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "talkpair_http_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}, []string{"method", "route"}),
	}
}

func (p *PrometheusCollector) SessionCreated()      { p.sessionsCreated.Inc() }
func (p *PrometheusCollector) SessionClaimed()      { p.sessionsClaimed.Inc() }
func (p *PrometheusCollector) StaleSessionDeleted() { p.staleSessions.Inc() }
func (p *PrometheusCollector) ClaimConflict()       { p.claimConflicts.Inc() }
func (p *PrometheusCollector) MatchmakingFailed()   { p.matchmakingFailure.Inc() }

func (p *PrometheusCollector) ConnectionOpened() {
	p.relayConnections.Inc()
	p.relayConnectsTotal.Inc()
}

func (p *PrometheusCollector) ConnectionClosed() {
	p.relayConnections.Dec()
}

func (p *PrometheusCollector) WaitingSlot(occupied bool) {
	if occupied {
		p.relayWaiting.Set(1)
		return
	}
	p.relayWaiting.Set(0)
}

func (p *PrometheusCollector) PairMatched() { p.relayPairs.Inc() }

func (p *PrometheusCollector) MessageForwarded(messageType string) {
	p.relayForwarded.WithLabelValues(messageType).Inc()
}

func (p *PrometheusCollector) MessageDropped(reason string) {
	p.relayDropped.WithLabelValues(reason).Inc()
}

func (p *PrometheusCollector) RecordHTTPRequest(method, route string, status int, duration time.Duration) {
	p.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	p.httpRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}
