// Package feed consumes the friend-sync service: a WebSocket stream of
// location updates and an HTTP snapshot for the initial load.
package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/friendmap/markerd/pkg/core"
	"github.com/friendmap/markerd/pkg/streaming"
	ws "github.com/gorilla/websocket"
)

const (
	defaultInitialBackoff = time.Second
	defaultMaxBackoff     = 30 * time.Second
	defaultMaxReconnect   = 10
	writeWait             = 10 * time.Second
)

var (
	// ErrClosed is returned by Run after Close.
	ErrClosed = errors.New("feed client closed")
	// ErrReconnectFailed is returned by Run when every reconnect attempt failed.
	ErrReconnectFailed = errors.New("feed reconnect failed")
)

// Sink receives decoded updates in arrival order.
type Sink interface {
	Handle(core.LocationUpdate) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(core.LocationUpdate) error

// Handle calls f(u).
func (f SinkFunc) Handle(u core.LocationUpdate) error { return f(u) }

// Config holds the WebSocket feed configuration.
type Config struct {
	URL       string
	Token     string
	SessionID string
	FriendIDs []string

	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	MaxReconnect   int
}

// Client is a reconnecting consumer of the friend-sync WebSocket feed.
// A single read goroutine feeds the sink, so updates keep their server order.
type Client struct {
	cfg    Config
	sink   Sink
	logger *slog.Logger
	dialer *ws.Dialer

	mu     sync.Mutex
	conn   *ws.Conn
	closed bool
	done   chan struct{}

	received atomic.Uint64
	rejected atomic.Uint64
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithLogger sets the client logger.
func WithLogger(l *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = l
	}
}

// WithDialer replaces the default WebSocket dialer.
func WithDialer(d *ws.Dialer) ClientOption {
	return func(c *Client) {
		c.dialer = d
	}
}

// NewClient creates a feed client delivering updates to sink.
func NewClient(cfg Config, sink Sink, opts ...ClientOption) *Client {
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = defaultInitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = defaultMaxBackoff
	}
	if cfg.MaxReconnect <= 0 {
		cfg.MaxReconnect = defaultMaxReconnect
	}
	c := &Client{
		cfg:    cfg,
		sink:   sink,
		logger: slog.Default(),
		dialer: ws.DefaultDialer,
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Received returns the number of updates handed to the sink.
func (c *Client) Received() uint64 { return c.received.Load() }

// Rejected returns the number of updates the sink refused.
func (c *Client) Rejected() uint64 { return c.rejected.Load() }

// Run connects, subscribes and pumps updates to the sink until ctx is done
// or Close is called. Failed dials and dropped connections are re-dialled
// after an exponential backoff and the subscription is re-sent.
func (c *Client) Run(ctx context.Context) error {
	backoff := c.cfg.InitialBackoff
	failures := 0

	for {
		if stop, err := c.stopped(ctx); stop {
			return err
		}

		conn, err := c.dial(ctx)
		if err == nil {
			before := c.received.Load()
			err = c.session(ctx, conn)
			if stop, stopErr := c.stopped(ctx); stop {
				return stopErr
			}
			// Only a session that delivered updates resets the backoff.
			if c.received.Load() > before {
				failures = 0
				backoff = c.cfg.InitialBackoff
			}
			c.logger.Warn("Feed connection lost", "error", err)
		}

		failures++
		if failures > c.cfg.MaxReconnect {
			c.logger.Error("Feed reconnect failed after max attempts", "maxAttempts", c.cfg.MaxReconnect)
			return fmt.Errorf("%w: %w", ErrReconnectFailed, err)
		}
		c.logger.Info("Reconnecting to feed", "attempt", failures, "backoff", backoff, "error", err)

		if err := c.sleep(ctx, backoff); err != nil {
			return err
		}
		backoff *= 2
		if backoff > c.cfg.MaxBackoff {
			backoff = c.cfg.MaxBackoff
		}
	}
}

// Close stops Run and closes the current connection.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.done)
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn != nil {
		_ = conn.WriteControl(
			ws.CloseMessage,
			ws.FormatCloseMessage(ws.CloseNormalClosure, ""),
			time.Now().Add(writeWait),
		)
		return conn.Close()
	}
	return nil
}

// stopped reports whether Run should exit, and with which error.
func (c *Client) stopped(ctx context.Context) (bool, error) {
	select {
	case <-c.done:
		return true, ErrClosed
	default:
	}
	return ctx.Err() != nil, nil
}

func (c *Client) sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return nil
	case <-c.done:
		return ErrClosed
	}
}

// dial performs a single WebSocket dial with the token query param.
func (c *Client) dial(ctx context.Context) (*ws.Conn, error) {
	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid feed URL: %w", err)
	}
	if c.cfg.Token != "" {
		q := u.Query()
		q.Set("token", c.cfg.Token)
		u.RawQuery = q.Encode()
	}

	conn, _, err := c.dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("feed dial failed: %w", err)
	}
	return conn, nil
}

// session subscribes on conn and reads until the connection fails or the
// client is stopped.
func (c *Client) session(ctx context.Context, conn *ws.Conn) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = conn.Close()
		return ErrClosed
	}
	c.conn = conn
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		c.mu.Unlock()
		_ = conn.Close()
	}()

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	if err := c.subscribe(conn); err != nil {
		return err
	}
	c.logger.Info("Feed subscribed", "url", c.cfg.URL, "friends", len(c.cfg.FriendIDs))

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("feed read: %w", err)
		}
		c.handleMessage(message)
	}
}

func (c *Client) subscribe(conn *ws.Conn) error {
	env, err := streaming.NewEnvelope(streaming.TypeSubscribe, streaming.SubscribePayload{
		SessionID: c.cfg.SessionID,
		FriendIDs: c.cfg.FriendIDs,
	})
	if err != nil {
		return err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal subscribe envelope: %w", err)
	}
	if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	if err := conn.WriteMessage(ws.TextMessage, data); err != nil {
		return fmt.Errorf("send subscribe: %w", err)
	}
	return nil
}

func (c *Client) handleMessage(message []byte) {
	var env streaming.Envelope
	if err := json.Unmarshal(message, &env); err != nil {
		c.logger.Debug("Malformed feed message", "raw", string(message), "error", err)
		return
	}

	switch env.Type {
	case streaming.TypeLocationUpdate, streaming.TypeBatch:
		updates, err := env.Updates()
		if err != nil {
			c.logger.Warn("Undecodable feed payload", "type", env.Type, "error", err)
			return
		}
		for _, u := range updates {
			c.received.Add(1)
			if err := c.sink.Handle(u); err != nil {
				c.rejected.Add(1)
				c.logger.Debug("Sink rejected update", "friend", u.FriendID, "kind", string(u.Kind), "error", err)
			}
		}
	case streaming.TypeAck:
		var ack streaming.AckMessage
		_ = json.Unmarshal(message, &ack)
		c.logger.Debug("Feed ack", "for", ack.For)
	case streaming.TypeError:
		var p streaming.ErrorPayload
		_ = json.Unmarshal(env.Payload, &p)
		c.logger.Warn("Feed error message", "code", p.Code, "message", p.Message)
	default:
		c.logger.Debug("Unknown feed message type", "type", env.Type)
	}
}
