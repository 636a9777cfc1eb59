package signal

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"talkpair/internal/core/domain"
	"talkpair/internal/core/ports"
	"talkpair/internal/infrastructure/transport/relay"
	"talkpair/pkg/tracing"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

type RelayConfig struct {
	PingInterval   time.Duration
	PongTimeout    time.Duration
	WriteTimeout   time.Duration
	SendBuffer     int
	MaxMessageSize int64

	// Zero MessagesPerSecond disables per-connection limiting.
	MessagesPerSecond float64
	Burst             int
}

func DefaultRelayConfig() RelayConfig {
	return RelayConfig{
		PingInterval:      30 * time.Second,
		PongTimeout:       60 * time.Second,
		WriteTimeout:      10 * time.Second,
		SendBuffer:        64,
		MaxMessageSize:    64 * 1024,
		MessagesPerSecond: 50,
		Burst:             100,
	}
}

// RelayServer pairs websocket connections two at a time and forwards
// signaling frames between partners. All pairing state is owned by the hub
// goroutine started with Run.
type RelayServer struct {
	cfg     RelayConfig
	metrics ports.RelayMetrics
	logger  *zap.SugaredLogger

	register   chan *peer
	unregister chan *peer
	inbound    chan frame
	stopped    chan struct{}

	// hub-owned
	peers   map[*peer]struct{}
	waiting *peer
}

type peer struct {
	id      string
	conn    *websocket.Conn
	send    chan []byte
	limiter *rate.Limiter

	// hub-owned
	partner *peer
}

type frame struct {
	from        *peer
	messageType string
	data        []byte
}

func NewRelayServer(cfg RelayConfig, metrics ports.RelayMetrics, logger *zap.SugaredLogger) *RelayServer {
	if metrics == nil {
		metrics = noopRelayMetrics{}
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = DefaultRelayConfig().SendBuffer
	}
	return &RelayServer{
		cfg:        cfg,
		metrics:    metrics,
		logger:     logger,
		register:   make(chan *peer),
		unregister: make(chan *peer),
		inbound:    make(chan frame),
		stopped:    make(chan struct{}),
		peers:      make(map[*peer]struct{}),
	}
}

// Run processes registrations and frames until ctx is cancelled, then closes
// every connection.
func (s *RelayServer) Run(ctx context.Context) {
	defer close(s.stopped)

	for {
		select {
		case p := <-s.register:
			s.peers[p] = struct{}{}
			s.metrics.ConnectionOpened()
			s.logger.Debugw("Relay client connected", "peer_id", p.id, "remote_addr", p.conn.RemoteAddr().String())

		case p := <-s.unregister:
			s.remove(p)

		case f := <-s.inbound:
			if _, ok := s.peers[f.from]; !ok {
				continue
			}
			s.dispatch(ctx, f)

		case <-ctx.Done():
			for p := range s.peers {
				s.remove(p)
			}
			s.logger.Infow("Relay hub stopped")
			return
		}
	}
}

func (s *RelayServer) dispatch(ctx context.Context, f frame) {
	_, span := tracing.TraceRelayMessage(ctx, f.messageType)
	defer span.End()

	p := f.from
	switch {
	case f.messageType == relay.TypeJoin:
		s.join(p)

	case relay.IsForwarded(f.messageType):
		if p.partner == nil {
			s.metrics.MessageDropped("unpaired")
			s.logger.Debugw("Dropping signal from unpaired client", "peer_id", p.id, "type", f.messageType)
			return
		}
		if s.deliver(p.partner, f.data) {
			s.metrics.MessageForwarded(f.messageType)
		}

	case relay.IsHangup(f.messageType):
		if s.waiting == p {
			s.setWaiting(nil)
		}
		if p.partner != nil {
			s.hangup(p)
		}
		s.logger.Debugw("Call ended", "peer_id", p.id)

	default:
		s.metrics.MessageDropped("unknown_type")
		s.logger.Debugw("Ignoring relay message", "peer_id", p.id, "type", f.messageType)
	}
}

func (s *RelayServer) join(p *peer) {
	if p.partner != nil || s.waiting == p {
		s.logger.Debugw("Ignoring join from client already queued or paired", "peer_id", p.id)
		return
	}

	if s.waiting == nil {
		s.setWaiting(p)
		s.logger.Infow("Client waiting for match", "peer_id", p.id)
		return
	}

	waiter := s.waiting
	s.setWaiting(nil)

	p.partner = waiter
	waiter.partner = p

	sessionID := uuid.NewString()
	s.deliver(p, encode(relay.Message{Type: relay.TypeMatched, Role: string(domain.RoleCaller), SessionID: sessionID}))
	s.deliver(waiter, encode(relay.Message{Type: relay.TypeMatched, Role: string(domain.RoleCallee), SessionID: sessionID}))

	s.metrics.PairMatched()
	s.logger.Infow("Clients matched", "session_id", sessionID, "caller", p.id, "callee", waiter.id)
}

// hangup notifies the partner of p and dissolves the pairing.
func (s *RelayServer) hangup(p *peer) {
	partner := p.partner
	s.deliver(partner, encode(relay.Message{Type: relay.TypeLeave}))
	partner.partner = nil
	p.partner = nil
}

func (s *RelayServer) remove(p *peer) {
	if _, ok := s.peers[p]; !ok {
		return
	}
	delete(s.peers, p)

	if s.waiting == p {
		s.setWaiting(nil)
	}
	if p.partner != nil {
		s.hangup(p)
	}

	close(p.send)
	s.metrics.ConnectionClosed()
	s.logger.Debugw("Relay client disconnected", "peer_id", p.id)
}

func (s *RelayServer) setWaiting(p *peer) {
	s.waiting = p
	s.metrics.WaitingSlot(p != nil)
}

// deliver queues data for p without blocking the hub.
func (s *RelayServer) deliver(p *peer, data []byte) bool {
	select {
	case p.send <- data:
		return true
	default:
		s.metrics.MessageDropped("backpressure")
		s.logger.Warnw("Send buffer full, dropping message", "peer_id", p.id)
		return false
	}
}

func encode(msg relay.Message) []byte {
	data, _ := json.Marshal(msg)
	return data
}

// HandleWebSocket upgrades the request and serves the connection until it
// closes.
func (s *RelayServer) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Errorw("websocket upgrade failed", "error", err)
		return
	}

	p := &peer{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan []byte, s.cfg.SendBuffer),
	}
	if s.cfg.MessagesPerSecond > 0 {
		p.limiter = rate.NewLimiter(rate.Limit(s.cfg.MessagesPerSecond), s.cfg.Burst)
	}

	select {
	case s.register <- p:
	case <-s.stopped:
		conn.Close()
		return
	}

	go s.writePump(p)
	s.readPump(p)
}

func (s *RelayServer) readPump(p *peer) {
	defer func() {
		select {
		case s.unregister <- p:
		case <-s.stopped:
		}
		p.conn.Close()
	}()

	if s.cfg.MaxMessageSize > 0 {
		p.conn.SetReadLimit(s.cfg.MaxMessageSize)
	}
	p.conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
	p.conn.SetPongHandler(func(string) error {
		return p.conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
	})

	for {
		_, data, err := p.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.logger.Infow("error reading message from client", "peer_id", p.id, "error", err)
			}
			return
		}

		if p.limiter != nil && !p.limiter.Allow() {
			s.metrics.MessageDropped("rate_limited")
			s.logger.Warnw("Client exceeded message rate", "peer_id", p.id)
			continue
		}

		messageType, err := relay.ParseType(data)
		if err != nil {
			s.metrics.MessageDropped("malformed")
			s.logger.Warnw("Invalid JSON received", "peer_id", p.id, "error", err)
			continue
		}

		select {
		case s.inbound <- frame{from: p, messageType: messageType, data: data}:
		case <-s.stopped:
			return
		}
	}
}

func (s *RelayServer) writePump(p *peer) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		p.conn.Close()
	}()

	for {
		select {
		case data, ok := <-p.send:
			p.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if !ok {
				p.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := p.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				s.logger.Debugw("error writing to client", "peer_id", p.id, "error", err)
				return
			}

		case <-ticker.C:
			p.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := p.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

type noopRelayMetrics struct{}

func (noopRelayMetrics) ConnectionOpened()       {}
func (noopRelayMetrics) ConnectionClosed()       {}
func (noopRelayMetrics) WaitingSlot(bool)        {}
func (noopRelayMetrics) PairMatched()            {}
func (noopRelayMetrics) MessageForwarded(string) {}
func (noopRelayMetrics) MessageDropped(string)   {}
