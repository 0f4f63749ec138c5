package transition

import (
	"time"

	"github.com/friendmap/markerd/internal/geo"
	"github.com/friendmap/markerd/internal/schedule"
	"github.com/friendmap/markerd/pkg/core"
)

// Update is one item of a batch.
type Update struct {
	Friend    core.Friend
	Kind      core.UpdateKind
	ShowTrail bool
}

// Scheduled describes when a batch item will be applied.
// Handle is nil for items applied immediately.
type Scheduled struct {
	FriendID string
	Delay    time.Duration
	Handle   schedule.Handle
}

// BatchUpdate applies updates in a cascade: item i is applied after i*stagger,
// so the first item applies immediately. The returned slice follows the input
// order and its delays never decrease.
func (c *Controller) BatchUpdate(updates []Update, stagger time.Duration) []Scheduled {
	if stagger < 0 {
		stagger = 0
	}

	out := make([]Scheduled, 0, len(updates))
	var ts []core.Transition

	c.mu.Lock()
	for i, u := range updates {
		delay := time.Duration(i) * stagger
		s := Scheduled{FriendID: u.Friend.ID, Delay: delay}
		if delay == 0 {
			ts = append(ts, c.apply(u)...)
		} else {
			s.Handle = c.deferMutation(u.Friend.ID, delay, func() []core.Transition {
				return c.apply(u)
			})
		}
		out = append(out, s)
	}
	c.mu.Unlock()

	c.emit(ts)
	return out
}

// apply classifies one update into an operation. Caller holds c.mu.
func (c *Controller) apply(u Update) []core.Transition {
	switch u.Kind {
	case core.InitialLoad, core.Appeared:
		return c.add(c.vivify(u.Friend.ID), u.Friend)

	case core.PositionChanged:
		e := c.vivify(u.Friend.ID)
		if !e.state.Phase.Visible() {
			return c.add(e, u.Friend)
		}
		ts := c.move(e, u.Friend.Position, u.ShowTrail)
		return append(ts, c.status(e, u.Friend.Online)...)

	case core.StatusChanged:
		if e, ok := c.lookup(u.Friend.ID); ok {
			return c.status(e, u.Friend.Online)
		}

	case core.Disappeared:
		if e, ok := c.lookup(u.Friend.ID); ok {
			return c.remove(e)
		}

	default:
		c.logger.Debug("ignoring update with unknown kind", "friend", u.Friend.ID, "kind", string(u.Kind))
	}
	return nil
}

// Apply classifies a single feed event and applies it immediately.
// Events with invalid coordinates or unknown kinds are dropped; Apply reports
// whether the event was accepted.
func (c *Controller) Apply(lu core.LocationUpdate) bool {
	if !lu.Kind.Valid() {
		c.logger.Debug("dropping update with unknown kind", "friend", lu.FriendID, "kind", string(lu.Kind))
		return false
	}
	if lu.FriendID == "" {
		c.logger.Debug("dropping update without friend id", "kind", string(lu.Kind))
		return false
	}
	if lu.Kind != core.Disappeared && lu.Kind != core.StatusChanged {
		if err := geo.Validate(lu.Position); err != nil {
			c.logger.Debug("dropping update with invalid position", "friend", lu.FriendID, "error", err)
			return false
		}
	}

	c.mu.Lock()
	u := Update{Friend: lu.Friend(), Kind: lu.Kind}
	if lu.Kind == core.PositionChanged {
		u.ShowTrail = c.wantsTrail(lu)
	}
	ts := c.apply(u)
	c.mu.Unlock()

	c.emit(ts)
	return true
}

// wantsTrail decides whether a position change is far enough to draw a trail.
// Caller holds c.mu.
func (c *Controller) wantsTrail(lu core.LocationUpdate) bool {
	var from core.LatLng
	switch {
	case lu.Previous != nil:
		from = *lu.Previous
	default:
		e, ok := c.lookup(lu.FriendID)
		if !ok || !e.state.Phase.Visible() {
			return false
		}
		from = e.state.Position
	}
	if geo.Validate(from) != nil {
		return false
	}
	d := geo.Distance(from, lu.Position)
	return d > 0 && d >= c.minTrailDistance
}
