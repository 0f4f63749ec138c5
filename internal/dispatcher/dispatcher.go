// Package dispatcher routes friend-sync events to handlers by update kind.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/friendmap/markerd/pkg/core"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	// ErrUnknownKind is returned when no handler is registered for an update's kind.
	ErrUnknownKind = errors.New("unknown update kind")
	// ErrQueueFull is returned by a non-blocking buffered handler that cannot accept an update.
	ErrQueueFull = errors.New("queue full")
)

// HandlerFunc processes one update.
type HandlerFunc func(core.LocationUpdate) error

// Logger interface for pluggable logging.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// Option configures handler registration.
type Option func(*config)

type config struct {
	bufferSize int
	blocking   bool
	logged     bool
}

// Buffered makes the handler async with a queue of the given size.
func Buffered(size int) Option {
	return func(c *config) {
		c.bufferSize = size
	}
}

// Blocking makes a buffered handler block when the queue is full instead of dropping.
func Blocking() Option {
	return func(c *config) {
		c.blocking = true
	}
}

// Logged adds debug logging to the handler.
func Logged() Option {
	return func(c *config) {
		c.logged = true
	}
}

// Dispatcher routes updates to registered handlers.
type Dispatcher struct {
	handlers map[core.UpdateKind]HandlerFunc
	logger   Logger

	queueSize metric.Int64ObservableGauge
	processed metric.Int64Counter
	dropped   metric.Int64Counter
	gauge     metric.Registration

	mu      sync.RWMutex
	buffers map[string]chan core.LocationUpdate
	closed  bool
	wg      sync.WaitGroup
}

// New creates a new Dispatcher with the given logger.
// Uses the global OTel meter for metrics (no-op if not configured).
func New(logger Logger) (*Dispatcher, error) {
	d := &Dispatcher{
		handlers: make(map[core.UpdateKind]HandlerFunc),
		buffers:  make(map[string]chan core.LocationUpdate),
		logger:   logger,
	}

	m := meter()

	var err error

	d.queueSize, err = m.Int64ObservableGauge(
		"dispatcher.queue.size",
		metric.WithDescription("Current number of updates in queue"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating queue size gauge: %w", err)
	}

	d.gauge, err = m.RegisterCallback(
		func(ctx context.Context, o metric.Observer) error {
			d.mu.RLock()
			defer d.mu.RUnlock()
			for queue, buf := range d.buffers {
				o.ObserveInt64(d.queueSize, int64(len(buf)),
					metric.WithAttributes(attribute.String("queue", queue)))
			}
			return nil
		},
		d.queueSize,
	)
	if err != nil {
		return nil, fmt.Errorf("registering queue callback: %w", err)
	}

	d.processed, err = m.Int64Counter(
		"dispatcher.events.processed",
		metric.WithDescription("Total updates processed"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating processed counter: %w", err)
	}

	d.dropped, err = m.Int64Counter(
		"dispatcher.events.dropped",
		metric.WithDescription("Total updates dropped due to full queue"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating dropped counter: %w", err)
	}

	return d, nil
}

// Register adds a handler for the given kind with optional configuration.
// Register is not safe to call concurrently with Dispatch.
func (d *Dispatcher) Register(kind core.UpdateKind, h HandlerFunc, opts ...Option) {
	cfg := &config{}
	for _, opt := range opts {
		opt(cfg)
	}

	handler := h

	if cfg.bufferSize > 0 {
		handler = d.withBuffer(string(kind), cfg.bufferSize, cfg.blocking, handler)
	}

	if cfg.logged {
		handler = d.withLogging(kind, handler)
	}

	d.handlers[kind] = handler
}

// RegisterAll registers h for every known update kind.
// When buffered, all kinds share one queue and one worker so updates are
// handled in the order they were dispatched regardless of kind.
func (d *Dispatcher) RegisterAll(h HandlerFunc, opts ...Option) {
	cfg := &config{}
	for _, opt := range opts {
		opt(cfg)
	}

	shared := h
	if cfg.bufferSize > 0 {
		shared = d.withBuffer(sharedQueue, cfg.bufferSize, cfg.blocking, h)
	}

	for _, kind := range core.UpdateKinds() {
		handler := shared
		if cfg.logged {
			handler = d.withLogging(kind, handler)
		}
		d.handlers[kind] = handler
	}
}

// Dispatch routes an update to its registered handler.
func (d *Dispatcher) Dispatch(u core.LocationUpdate) error {
	h, ok := d.handlers[u.Kind]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownKind, u.Kind)
	}
	return h(u)
}

// HasHandler returns true if a handler is registered for the kind.
func (d *Dispatcher) HasHandler(kind core.UpdateKind) bool {
	_, ok := d.handlers[kind]
	return ok
}

// Close stops accepting buffered updates and waits for queued ones to drain.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	for _, buf := range d.buffers {
		close(buf)
	}
	d.mu.Unlock()
	d.wg.Wait()

	if d.gauge != nil {
		if err := d.gauge.Unregister(); err != nil {
			d.logger.Error("unregistering queue gauge failed", "error", err)
		}
	}
}

// sharedQueue names the single queue RegisterAll creates for buffered handlers.
const sharedQueue = "all"

func (d *Dispatcher) withBuffer(queue string, size int, blocking bool, h HandlerFunc) HandlerFunc {
	buffer := make(chan core.LocationUpdate, size)

	d.mu.Lock()
	d.buffers[queue] = buffer
	d.mu.Unlock()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		for u := range buffer {
			if err := h(u); err != nil {
				d.logger.Error("buffered handler failed", "kind", string(u.Kind), "friend", u.FriendID, "error", err)
			}
			d.processed.Add(context.Background(), 1, metric.WithAttributes(attribute.String("kind", string(u.Kind))))
		}
	}()

	return func(u core.LocationUpdate) error {
		d.mu.RLock()
		defer d.mu.RUnlock()
		if d.closed {
			return fmt.Errorf("dispatcher closed: %s", u.Kind)
		}

		if blocking {
			buffer <- u
			return nil
		}

		select {
		case buffer <- u:
			return nil
		default:
			d.dropped.Add(context.Background(), 1, metric.WithAttributes(attribute.String("kind", string(u.Kind))))
			return fmt.Errorf("%w: %s", ErrQueueFull, u.Kind)
		}
	}
}

func (d *Dispatcher) withLogging(kind core.UpdateKind, h HandlerFunc) HandlerFunc {
	return func(u core.LocationUpdate) error {
		start := time.Now()
		d.logger.Debug("handling update", "kind", string(kind), "friend", u.FriendID)

		err := h(u)

		if err != nil {
			d.logger.Error("update failed", "kind", string(kind), "friend", u.FriendID, "duration", time.Since(start), "error", err)
		} else {
			d.logger.Debug("update complete", "kind", string(kind), "friend", u.FriendID, "duration", time.Since(start))
		}

		return err
	}
}
