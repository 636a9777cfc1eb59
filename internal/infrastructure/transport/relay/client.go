package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"talkpair/internal/core/domain"
	"talkpair/internal/core/ports"
	"talkpair/internal/infrastructure/transport"
)

type Options struct {
	PingInterval   time.Duration
	PongTimeout    time.Duration
	WriteTimeout   time.Duration
	MaxMessageSize int64
	SendBuffer     int
	Header         http.Header
}

func DefaultOptions() Options {
	return Options{
		PingInterval:   54 * time.Second,
		PongTimeout:    60 * time.Second,
		WriteTimeout:   10 * time.Second,
		MaxMessageSize: 64 * 1024,
		SendBuffer:     64,
	}
}

// Client is one websocket connection to the relay. It is both the matchmaker
// (join, then wait for matched) and the transport for the resulting pairing.
type Client struct {
	conn   *websocket.Conn
	opts   Options
	logger *zap.SugaredLogger

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once

	registry *transport.Registry
	matched  chan Message
	lost     chan struct{}
	lostOnce sync.Once

	mu        sync.Mutex
	joined    bool
	sessionID domain.SessionID
	role      domain.Role
	backlog   map[domain.Topic][]domain.Signal
}

// Dial connects to the relay at url and starts the read and write pumps.
func Dial(ctx context.Context, url string, opts Options, logger *zap.SugaredLogger) (*Client, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, opts.Header)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to relay: %w", err)
	}

	c := &Client{
		conn:     conn,
		opts:     opts,
		logger:   logger,
		send:     make(chan []byte, opts.SendBuffer),
		done:     make(chan struct{}),
		registry: transport.NewRegistry(),
		matched:  make(chan Message, 1),
		lost:     make(chan struct{}),
		backlog:  make(map[domain.Topic][]domain.Signal),
	}

	if opts.MaxMessageSize > 0 {
		conn.SetReadLimit(opts.MaxMessageSize)
	}
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(opts.PongTimeout))
	})

	go c.readPump()
	go c.writePump()

	return c, nil
}

// FindOrCreateSession joins the relay queue and waits to be paired.
func (c *Client) FindOrCreateSession(ctx context.Context) (domain.SessionID, domain.Role, error) {
	c.mu.Lock()
	if c.joined {
		id, role := c.sessionID, c.role
		c.mu.Unlock()
		if role != "" {
			return id, role, nil
		}
		return "", "", domain.ErrCallInProgress
	}
	c.joined = true
	c.mu.Unlock()

	if err := c.write(ctx, Message{Type: TypeJoin}); err != nil {
		return "", "", fmt.Errorf("%w: send join: %w", domain.ErrMatchmakingFailed, err)
	}
	c.logger.Debugw("Joined relay queue")

	select {
	case msg := <-c.matched:
		role, err := domain.ParseRole(msg.Role)
		if err != nil {
			return "", "", fmt.Errorf("%w: relay assigned role %q", domain.ErrMatchmakingFailed, msg.Role)
		}
		id := domain.SessionID(msg.SessionID)
		if id == "" {
			id = domain.SessionID(uuid.NewString())
		}

		c.mu.Lock()
		c.sessionID = id
		c.role = role
		// backlog keys were computed before the role was known
		c.rerouteBacklogLocked()
		c.mu.Unlock()

		c.logger.Infow("Paired by relay", "session_id", id, "role", role)
		return id, role, nil
	case <-c.lost:
		return "", "", fmt.Errorf("%w: %w", domain.ErrMatchmakingFailed, domain.ErrTransportClosed)
	case <-ctx.Done():
		return "", "", ctx.Err()
	}
}

func (c *Client) Publish(ctx context.Context, sessionID domain.SessionID, signal domain.Signal) error {
	msg, err := EncodeSignal(signal)
	if err != nil {
		return err
	}
	return c.write(ctx, msg)
}

// Subscribe replays signals that arrived before the subscription existed.
func (c *Client) Subscribe(ctx context.Context, sessionID domain.SessionID, topic domain.Topic) (ports.Subscription, error) {
	switch topic {
	case domain.TopicDescription, domain.TopicCallerCandidates, domain.TopicCalleeCandidates:
	default:
		return nil, fmt.Errorf("unknown topic %q", topic)
	}

	sub := c.registry.Open(ctx, sessionID, topic)

	c.mu.Lock()
	defer c.mu.Unlock()

	for _, signal := range c.backlog[topic] {
		sub.Deliver(signal)
	}
	delete(c.backlog, topic)

	select {
	case <-c.lost:
		sub.Gone()
	default:
	}
	return sub, nil
}

// DeleteSession tells the partner the call is over. The relay keeps no
// session state, so leaving is all there is to delete.
func (c *Client) DeleteSession(ctx context.Context, sessionID domain.SessionID) error {
	c.registry.CancelSession(sessionID)

	err := c.write(ctx, Message{Type: TypeLeave})
	if errors.Is(err, domain.ErrTransportClosed) {
		return nil
	}
	return err
}

func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.logger.Debugw("Closing relay connection", "open_subscriptions", c.registry.Len())
		close(c.done)
	})
	c.registry.CancelAll()
	return nil
}

func (c *Client) write(ctx context.Context, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", msg.Type, err)
	}

	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return domain.ErrTransportClosed
	case <-c.lost:
		return domain.ErrTransportClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) readPump() {
	defer func() {
		c.markLost()
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(c.opts.PongTimeout))

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warnw("Relay connection closed unexpectedly", "error", err)
			}
			return
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Warnw("Dropping malformed relay message", "error", err)
			continue
		}
		c.handle(msg)
	}
}

func (c *Client) handle(msg Message) {
	switch {
	case msg.Type == TypeMatched:
		select {
		case c.matched <- msg:
		default:
			c.logger.Warnw("Ignoring repeated matched message")
		}
	case IsHangup(msg.Type):
		c.logger.Infow("Partner left")
		c.markLost()
	case IsForwarded(msg.Type):
		c.mu.Lock()
		defer c.mu.Unlock()

		signal, err := DecodeSignal(msg, c.role.Opposite())
		if err != nil {
			c.logger.Warnw("Dropping malformed signal", "type", msg.Type, "error", err)
			return
		}
		c.routeLocked(signal)
	default:
		c.logger.Debugw("Ignoring relay message", "type", msg.Type)
	}
}

func topicFor(signal domain.Signal) domain.Topic {
	if signal.Kind == domain.SignalCandidate {
		return domain.CandidateTopic(signal.Candidate.Origin)
	}
	return domain.TopicDescription
}

func (c *Client) routeLocked(signal domain.Signal) {
	topic := topicFor(signal)
	if sub, ok := c.registry.Lookup(c.sessionID, topic); ok && sub.Deliver(signal) {
		return
	}
	c.backlog[topic] = append(c.backlog[topic], signal)
}

func (c *Client) rerouteBacklogLocked() {
	old := c.backlog
	c.backlog = make(map[domain.Topic][]domain.Signal)
	for _, signals := range old {
		for _, signal := range signals {
			if signal.Kind == domain.SignalCandidate {
				signal.Candidate.Origin = c.role.Opposite()
			}
			c.routeLocked(signal)
		}
	}
}

func (c *Client) markLost() {
	c.lostOnce.Do(func() {
		close(c.lost)
		c.mu.Lock()
		id := c.sessionID
		c.mu.Unlock()
		c.registry.GoneSession(id)
	})
}

func (c *Client) writePump() {
	ticker := time.NewTicker(c.opts.PingInterval)

	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.done:
			c.flush()
			c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
			c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// flush writes whatever is still queued, a final leave in particular.
func (c *Client) flush() {
	for {
		select {
		case data := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		default:
			return
		}
	}
}

// BackendFactory dials a fresh relay connection per call.
type BackendFactory struct {
	url    string
	opts   Options
	logger *zap.SugaredLogger
}

func NewBackendFactory(url string, opts Options, logger *zap.SugaredLogger) *BackendFactory {
	return &BackendFactory{url: url, opts: opts, logger: logger}
}

func (f *BackendFactory) NewBackend(ctx context.Context) (ports.Backend, error) {
	return Dial(ctx, f.url, f.opts, f.logger)
}
