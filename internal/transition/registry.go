package transition

import (
	"fmt"
	"sort"
	"time"

	"github.com/friendmap/markerd/internal/queue"
	"github.com/friendmap/markerd/internal/schedule"
	"github.com/friendmap/markerd/pkg/core"
)

// entry is the registry record for one friend.
type entry struct {
	state   core.MarkerState
	signals *queue.Queue[core.Signal]
}

// lookup returns the entry for id without creating it. Caller holds c.mu.
func (c *Controller) lookup(id string) (*entry, bool) {
	e, ok := c.markers[id]
	return e, ok
}

// vivify returns the entry for id, creating a hidden one if absent. Caller holds c.mu.
func (c *Controller) vivify(id string) *entry {
	if e, ok := c.markers[id]; ok {
		return e
	}
	e := &entry{
		state: core.MarkerState{
			ID:        id,
			Phase:     core.Hidden,
			UpdatedAt: c.now(),
		},
		signals: queue.NewBounded[core.Signal](c.signalLimit),
	}
	c.markers[id] = e
	return e
}

// drop removes id from the registry and cancels its pending work. Caller holds c.mu.
func (c *Controller) drop(id string) {
	c.cancelPending(id)
	if _, ok := c.markers[id]; !ok {
		return
	}
	delete(c.markers, id)
	if c.focused == id {
		c.focused = ""
	}
}

// deferMutation defers fn on the scheduler and tracks the handle under id so
// it can be cancelled. Deferring does not register id. fn runs under c.mu.
// Caller holds c.mu.
func (c *Controller) deferMutation(id string, delay time.Duration, fn func() []core.Transition) schedule.Handle {
	c.nextTask++
	task := c.nextTask

	h := c.scheduler.After(delay, func() {
		c.mu.Lock()
		tasks := c.pending[id]
		if _, ok := tasks[task]; !ok {
			c.mu.Unlock()
			return
		}
		delete(tasks, task)
		if len(tasks) == 0 {
			delete(c.pending, id)
		}
		c.firing = task
		ts := fn()
		c.firing = 0
		c.mu.Unlock()
		c.emit(ts)
	})

	tasks, ok := c.pending[id]
	if !ok {
		tasks = make(map[uint64]schedule.Handle)
		c.pending[id] = tasks
	}
	tasks[task] = h
	return h
}

// cancelPending cancels the deferred mutations for id. From inside a deferred
// mutation only work scheduled before it is cancelled, so later items of the
// same batch still run. Caller holds c.mu.
func (c *Controller) cancelPending(id string) int {
	tasks, ok := c.pending[id]
	if !ok {
		return 0
	}
	n := 0
	for task, h := range tasks {
		if c.firing != 0 && task > c.firing {
			continue
		}
		h.Cancel()
		delete(tasks, task)
		n++
	}
	if len(tasks) == 0 {
		delete(c.pending, id)
	}
	if n > 0 {
		c.metrics.recordCancelled(n)
	}
	return n
}

func snapshot(e *entry) core.MarkerState {
	s := e.state
	if s.PreviousPosition != nil {
		prev := *s.PreviousPosition
		s.PreviousPosition = &prev
	}
	return s
}

// MarkerState returns the state for id, registering a hidden marker if id is unknown.
func (c *Controller) MarkerState(id string) core.MarkerState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return snapshot(c.vivify(id))
}

// Peek returns the state for id without registering it.
func (c *Controller) Peek(id string) (core.MarkerState, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.lookup(id)
	if !ok {
		return core.MarkerState{}, false
	}
	return snapshot(e), true
}

// IsTransitioning reports whether any marker is appearing, moving or disappearing.
func (c *Controller) IsTransitioning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.markers {
		if e.state.Phase.Transitioning() {
			return true
		}
	}
	return false
}

// IDs returns the registered friend IDs in sorted order.
func (c *Controller) IDs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.markers))
	for id := range c.markers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Len returns the number of registered markers.
func (c *Controller) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.markers)
}

// Pending returns the number of deferred mutations waiting for id.
func (c *Controller) Pending(id string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending[id])
}

// FocusedID returns the focused friend, or "" if none.
func (c *Controller) FocusedID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.focused
}

// Reset drops id from the registry, cancelling its pending mutations.
func (c *Controller) Reset(id string) {
	c.mu.Lock()
	e, ok := c.lookup(id)
	if !ok {
		c.cancelPending(id)
		c.mu.Unlock()
		return
	}
	var ts []core.Transition
	if e.state.Phase != core.Hidden {
		from := e.state.Phase
		e.state.Phase = core.Hidden
		e.state.IsVisible = false
		e.state.UpdatedAt = c.now()
		ts = append(ts, c.transition(e, from, core.CauseReset))
	}
	c.drop(id)
	c.mu.Unlock()
	c.emit(ts)
}

// Close cancels all deferred mutations and stops reporting gauges. Markers
// stay readable, but the controller should not be mutated afterwards.
func (c *Controller) Close() error {
	c.mu.Lock()
	for id := range c.pending {
		c.cancelPending(id)
	}
	c.mu.Unlock()

	// The gauge callback takes c.mu, so unregister without holding it.
	if err := c.metrics.unregister(); err != nil {
		return fmt.Errorf("unregistering controller gauges: %w", err)
	}
	return nil
}

// ResetAll drops every marker and clears focus.
func (c *Controller) ResetAll() {
	c.mu.Lock()
	var ts []core.Transition
	now := c.now()
	for id, e := range c.markers {
		if e.state.Phase != core.Hidden {
			from := e.state.Phase
			e.state.Phase = core.Hidden
			e.state.IsVisible = false
			e.state.UpdatedAt = now
			ts = append(ts, c.transition(e, from, core.CauseReset))
		}
		c.drop(id)
	}
	for id := range c.pending {
		c.cancelPending(id)
	}
	c.focused = ""
	c.mu.Unlock()
	c.emit(ts)
}
