// Package transition owns the per-friend marker animation state and turns
// friend-sync events into phase transitions the rendering layer plays back.
package transition

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/friendmap/markerd/internal/schedule"
	"github.com/friendmap/markerd/pkg/core"
	"go.opentelemetry.io/otel/metric"
)

// DefaultSignalLimit caps each marker's unread signal queue.
const DefaultSignalLimit = 16

// Observer is notified of every applied transition, outside the controller lock.
type Observer interface {
	OnTransition(t core.Transition)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(core.Transition)

// OnTransition calls f(t).
func (f ObserverFunc) OnTransition(t core.Transition) { f(t) }

// Controller is the registry of marker states keyed by friend ID.
// All mutations go through its methods; callers only ever see copies.
type Controller struct {
	mu       sync.Mutex
	markers  map[string]*entry
	focused  string
	pending  map[string]map[uint64]schedule.Handle
	nextTask uint64
	// firing is the deferred task currently running, or zero.
	firing uint64

	scheduler        schedule.Scheduler
	observer         Observer
	logger           *slog.Logger
	meter            metric.Meter
	now              func() time.Time
	sessionID        string
	evictOnHide      bool
	minTrailDistance float64
	signalLimit      int

	metrics *metrics
}

// Option configures a Controller.
type Option func(*Controller)

// WithScheduler sets the scheduler used for delayed and staggered mutations.
func WithScheduler(s schedule.Scheduler) Option {
	return func(c *Controller) {
		c.scheduler = s
	}
}

// WithObserver registers an observer for applied transitions.
func WithObserver(o Observer) Option {
	return func(c *Controller) {
		c.observer = o
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) {
		c.logger = l
	}
}

// WithMeter sets the meter used for controller metrics.
func WithMeter(m metric.Meter) Option {
	return func(c *Controller) {
		c.meter = m
	}
}

// WithClock sets the wall clock used for UpdatedAt and transition timestamps.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) {
		c.now = now
	}
}

// WithSessionID tags emitted transitions with a session identifier.
func WithSessionID(id string) Option {
	return func(c *Controller) {
		c.sessionID = id
	}
}

// WithEvictOnHide drops a marker from the registry once its exit animation is acknowledged.
func WithEvictOnHide(evict bool) Option {
	return func(c *Controller) {
		c.evictOnHide = evict
	}
}

// WithMinTrailDistance sets how far, in metres, a friend must move before
// Apply asks for a movement trail.
func WithMinTrailDistance(metres float64) Option {
	return func(c *Controller) {
		c.minTrailDistance = metres
	}
}

// WithSignalLimit caps the unread signal queue per marker.
func WithSignalLimit(n int) Option {
	return func(c *Controller) {
		c.signalLimit = n
	}
}

// New creates a Controller.
// Without options it uses runtime timers, slog.Default and the global OTel meter.
func New(opts ...Option) (*Controller, error) {
	c := &Controller{
		markers:     make(map[string]*entry),
		pending:     make(map[string]map[uint64]schedule.Handle),
		scheduler:   schedule.NewTimerScheduler(),
		logger:      slog.Default(),
		now:         time.Now,
		signalLimit: DefaultSignalLimit,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.meter == nil {
		c.meter = meter()
	}

	m, err := newMetrics(c.meter, c.observeGauges)
	if err != nil {
		return nil, fmt.Errorf("creating controller metrics: %w", err)
	}
	c.metrics = m

	return c, nil
}

// emit reports transitions to metrics, the log and the observer.
// Must be called without c.mu held.
func (c *Controller) emit(ts []core.Transition) {
	for _, t := range ts {
		c.metrics.recordTransition(context.Background(), t)
		c.logger.Debug("marker transition",
			"friend", t.FriendID,
			"from", t.From.String(),
			"to", t.To.String(),
			"cause", t.Cause,
		)
		if c.observer != nil {
			c.observer.OnTransition(t)
		}
	}
}

func (c *Controller) transition(e *entry, from core.Phase, cause string) core.Transition {
	t := core.Transition{
		SessionID: c.sessionID,
		FriendID:  e.state.ID,
		From:      from,
		To:        e.state.Phase,
		Cause:     cause,
		Position:  e.state.Position,
		At:        e.state.UpdatedAt,
	}
	if e.state.PreviousPosition != nil {
		prev := *e.state.PreviousPosition
		t.Previous = &prev
	}
	return t
}

func (c *Controller) observeGauges() (size, transitioning int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.markers {
		if e.state.Phase.Transitioning() {
			transitioning++
		}
	}
	return int64(len(c.markers)), transitioning
}
