// Package recorder journals marker transitions to a pluggable backend.
package recorder

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/friendmap/markerd/internal/channel"
	"github.com/friendmap/markerd/pkg/core"
)

// DefaultBufferSize is used when Open is given a non-positive buffer size.
const DefaultBufferSize = 1024

// ErrUnknownBackend is returned by NewBackend for an unrecognised recorder type.
var ErrUnknownBackend = errors.New("unknown recorder backend")

// Backend is the interface all journal implementations must satisfy.
type Backend interface {
	Init() error
	Close() error
	Record(t core.Transition) error
}

// Recorder adapts a Backend to the controller's observer. OnTransition never
// blocks: transitions are queued and written by a single goroutine, and are
// dropped when the queue is full.
type Recorder struct {
	backend Backend
	logger  *slog.Logger
	queue   *channel.Buffered[core.Transition]

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup

	recorded atomic.Uint64
	dropped  atomic.Uint64
	failed   atomic.Uint64
}

// Open initialises b and starts the writer goroutine.
func Open(b Backend, bufferSize int, logger *slog.Logger) (*Recorder, error) {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	if err := b.Init(); err != nil {
		return nil, fmt.Errorf("initialising recorder backend: %w", err)
	}

	r := &Recorder{
		backend: b,
		logger:  logger,
		queue:   channel.NewBuffered[core.Transition](bufferSize),
	}
	r.wg.Add(1)
	go r.loop()
	return r, nil
}

func (r *Recorder) loop() {
	defer r.wg.Done()
	for t := range r.queue.Receive() {
		if err := r.backend.Record(t); err != nil {
			r.failed.Add(1)
			r.logger.Error("Failed to record transition", "friend", t.FriendID, "cause", t.Cause, "error", err)
			continue
		}
		r.recorded.Add(1)
	}
}

// OnTransition queues t for the backend.
func (r *Recorder) OnTransition(t core.Transition) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		r.dropped.Add(1)
		return
	}
	if !r.queue.TrySend(t) {
		r.dropped.Add(1)
		r.logger.Warn("Recorder queue full, dropping transition", "friend", t.FriendID, "cause", t.Cause)
	}
}

// Close drains the queue and closes the backend.
func (r *Recorder) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.queue.Close()
	r.mu.Unlock()

	r.wg.Wait()
	if err := r.backend.Close(); err != nil {
		return fmt.Errorf("closing recorder backend: %w", err)
	}
	return nil
}

// Pending returns the number of transitions waiting for the backend.
func (r *Recorder) Pending() int { return r.queue.Len() }

// Recorded returns the number of transitions the backend accepted.
func (r *Recorder) Recorded() uint64 { return r.recorded.Load() }

// Dropped returns the number of transitions discarded because the queue was full or closed.
func (r *Recorder) Dropped() uint64 { return r.dropped.Load() }

// Failed returns the number of transitions the backend rejected.
func (r *Recorder) Failed() uint64 { return r.failed.Load() }

// Nop discards every transition.
type Nop struct{}

// Init does nothing.
func (Nop) Init() error { return nil }

// Close does nothing.
func (Nop) Close() error { return nil }

// Record discards t.
func (Nop) Record(core.Transition) error { return nil }
