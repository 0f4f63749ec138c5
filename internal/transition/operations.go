package transition

import (
	"time"

	"github.com/friendmap/markerd/internal/schedule"
	"github.com/friendmap/markerd/pkg/core"
)

// AddWithAnimation shows the friend's marker with an appear animation.
// With a positive delay the mutation is deferred and the returned handle can
// cancel it; otherwise it applies immediately and the handle is nil.
// Removing or resetting the friend before the delay elapses cancels the add.
func (c *Controller) AddWithAnimation(friend core.Friend, delay time.Duration) schedule.Handle {
	c.mu.Lock()
	e := c.vivify(friend.ID)
	if delay > 0 {
		h := c.deferMutation(friend.ID, delay, func() []core.Transition {
			return c.add(e, friend)
		})
		c.mu.Unlock()
		return h
	}
	ts := c.add(e, friend)
	c.mu.Unlock()
	c.emit(ts)
	return nil
}

func (c *Controller) add(e *entry, friend core.Friend) []core.Transition {
	from := e.state.Phase
	if from.Visible() && e.state.Position != friend.Position {
		prev := e.state.Position
		e.state.PreviousPosition = &prev
	}
	e.state.Position = friend.Position
	e.state.IsVisible = true
	e.state.Phase = core.Appearing
	e.state.IsMoving = false
	e.state.ShouldPulse = friend.Online
	e.state.ShouldShowAppearAnimation = true
	e.state.ShouldShowDisappearAnimation = false
	e.state.ShouldShowMovementTrail = false
	e.state.UpdatedAt = c.now()
	e.signals.Push(core.SignalAppear)
	return []core.Transition{c.transition(e, from, core.CauseAdd)}
}

// RemoveWithAnimation starts the exit animation for id. The marker stays
// visible until the disappear signal is acknowledged. Unknown or hidden
// markers are left alone, but any pending deferred mutation is cancelled.
func (c *Controller) RemoveWithAnimation(id string) {
	c.mu.Lock()
	e, ok := c.lookup(id)
	if !ok {
		c.cancelPending(id)
		c.mu.Unlock()
		return
	}
	ts := c.remove(e)
	c.mu.Unlock()
	c.emit(ts)
}

func (c *Controller) remove(e *entry) []core.Transition {
	c.cancelPending(e.state.ID)
	from := e.state.Phase
	if !from.Visible() || from == core.Disappearing {
		return nil
	}
	e.state.Phase = core.Disappearing
	e.state.IsMoving = false
	e.state.ShouldShowDisappearAnimation = true
	e.state.ShouldShowAppearAnimation = false
	e.state.ShouldShowMovementTrail = false
	e.state.UpdatedAt = c.now()
	e.signals.Push(core.SignalDisappear)
	return []core.Transition{c.transition(e, from, core.CauseRemove)}
}

// UpdateLocation moves a visible marker to pos. Hidden or disappearing
// markers only have their position refreshed; unknown IDs are ignored.
func (c *Controller) UpdateLocation(id string, pos core.LatLng, showTrail bool) {
	c.mu.Lock()
	e, ok := c.lookup(id)
	if !ok {
		c.mu.Unlock()
		return
	}
	ts := c.move(e, pos, showTrail)
	c.mu.Unlock()
	c.emit(ts)
}

func (c *Controller) move(e *entry, pos core.LatLng, showTrail bool) []core.Transition {
	from := e.state.Phase
	prev := e.state.Position
	e.state.PreviousPosition = &prev
	e.state.Position = pos
	e.state.UpdatedAt = c.now()

	if !from.Visible() || from == core.Disappearing {
		return nil
	}
	e.state.Phase = core.Moving
	e.state.IsMoving = true
	e.state.ShouldShowMovementTrail = showTrail
	e.signals.Push(core.SignalMove)
	if showTrail {
		e.signals.Push(core.SignalTrail)
	}
	return []core.Transition{c.transition(e, from, core.CauseMove)}
}

// SetOnline records an online/offline change; only the pulse flag changes.
func (c *Controller) SetOnline(id string, online bool) {
	c.mu.Lock()
	e, ok := c.lookup(id)
	if !ok {
		c.mu.Unlock()
		return
	}
	ts := c.status(e, online)
	c.mu.Unlock()
	c.emit(ts)
}

func (c *Controller) status(e *entry, online bool) []core.Transition {
	if e.state.ShouldPulse == online {
		return nil
	}
	e.state.ShouldPulse = online
	e.state.UpdatedAt = c.now()
	return []core.Transition{c.transition(e, e.state.Phase, core.CauseStatus)}
}

// Focus emphasises a visible marker and clears the previous focus.
// It reports false, changing nothing, for unknown, hidden or disappearing markers.
func (c *Controller) Focus(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.lookup(id)
	if !ok || !e.state.Phase.Visible() || e.state.Phase == core.Disappearing {
		return false
	}
	if prev, ok := c.lookup(c.focused); ok && c.focused != id {
		prev.state.IsFocused = false
		prev.state.ShouldHighlight = false
	}
	e.state.IsFocused = true
	e.state.ShouldHighlight = true
	c.focused = id
	return true
}

// ClearFocus removes focus and highlight from every marker.
func (c *Controller) ClearFocus() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.markers {
		e.state.IsFocused = false
		e.state.ShouldHighlight = false
	}
	c.focused = ""
}

// Signals drains the unread one-shot signals for id in the order they were raised.
func (c *Controller) Signals(id string) []core.Signal {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.lookup(id)
	if !ok {
		return nil
	}
	return e.signals.GetAndEmpty()
}

// Acknowledge is the renderer's completion callback for sig on id.
// It clears the matching one-shot flag and settles the phase:
// appear and move settle into Steady, disappear hides the marker.
// It reports whether id was known.
func (c *Controller) Acknowledge(id string, sig core.Signal) bool {
	c.mu.Lock()
	e, ok := c.lookup(id)
	if !ok {
		c.mu.Unlock()
		return false
	}

	from := e.state.Phase
	var ts []core.Transition
	switch sig {
	case core.SignalAppear:
		e.state.ShouldShowAppearAnimation = false
		if from == core.Appearing {
			e.state.Phase = core.Steady
		}
	case core.SignalMove:
		e.state.IsMoving = false
		if from == core.Moving {
			e.state.Phase = core.Steady
		}
	case core.SignalTrail:
		e.state.ShouldShowMovementTrail = false
	case core.SignalDisappear:
		e.state.ShouldShowDisappearAnimation = false
		if from == core.Disappearing {
			e.state.Phase = core.Hidden
			e.state.IsVisible = false
			e.state.IsFocused = false
			e.state.ShouldHighlight = false
			if c.focused == id {
				c.focused = ""
			}
		}
	}

	if e.state.Phase != from {
		e.state.UpdatedAt = c.now()
		ts = append(ts, c.transition(e, from, core.CauseAck))
	}
	if e.state.Phase == core.Hidden && from == core.Disappearing && c.evictOnHide {
		c.drop(id)
	}
	c.mu.Unlock()
	c.emit(ts)
	return true
}
