package transition

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/friendmap/markerd/internal/schedule"
	"github.com/friendmap/markerd/pkg/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

var (
	sanFrancisco = core.LatLng{Lat: 37.7749, Lng: -122.4194}
	nearbySF     = core.LatLng{Lat: 37.7849, Lng: -122.4094}
)

// recordingObserver collects transitions for assertions.
type recordingObserver struct {
	mu sync.Mutex
	ts []core.Transition
}

func (r *recordingObserver) OnTransition(t core.Transition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ts = append(r.ts, t)
}

func (r *recordingObserver) all() []core.Transition {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]core.Transition, len(r.ts))
	copy(out, r.ts)
	return out
}

func newTestController(t *testing.T, opts ...Option) (*Controller, *schedule.ManualScheduler, *recordingObserver) {
	t.Helper()
	sched := schedule.NewManualScheduler()
	obs := &recordingObserver{}
	fixed := time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC)

	base := []Option{
		WithScheduler(sched),
		WithObserver(obs),
		WithClock(func() time.Time { return fixed }),
		WithSessionID("session-1"),
	}
	c, err := New(append(base, opts...)...)
	require.NoError(t, err)
	return c, sched, obs
}

func friend(id string, pos core.LatLng) core.Friend {
	return core.Friend{ID: id, Position: pos, Online: true}
}

func TestNew_Defaults(t *testing.T) {
	c, err := New()
	require.NoError(t, err)
	assert.Zero(t, c.Len())
	assert.False(t, c.IsTransitioning())
	assert.Empty(t, c.FocusedID())
}

func TestMarkerState_CreatesHiddenDefault(t *testing.T) {
	c, _, obs := newTestController(t)

	s := c.MarkerState("ghost")

	assert.Equal(t, "ghost", s.ID)
	assert.Equal(t, core.Hidden, s.Phase)
	assert.False(t, s.IsVisible)
	assert.Equal(t, 1, c.Len())
	assert.Empty(t, obs.all(), "creating a default record is not a transition")
}

func TestPeek_DoesNotCreate(t *testing.T) {
	c, _, _ := newTestController(t)

	_, ok := c.Peek("ghost")
	assert.False(t, ok)
	assert.Zero(t, c.Len())
}

func TestAddWithAnimation(t *testing.T) {
	c, _, obs := newTestController(t)

	h := c.AddWithAnimation(friend("f1", sanFrancisco), 0)
	assert.Nil(t, h)

	s := c.MarkerState("f1")
	assert.True(t, s.IsVisible)
	assert.Equal(t, core.Appearing, s.Phase)
	assert.True(t, s.ShouldShowAppearAnimation)
	assert.True(t, s.ShouldPulse)
	assert.Equal(t, sanFrancisco, s.Position)

	ts := obs.all()
	require.Len(t, ts, 1)
	assert.Equal(t, core.Hidden, ts[0].From)
	assert.Equal(t, core.Appearing, ts[0].To)
	assert.Equal(t, core.CauseAdd, ts[0].Cause)
	assert.Equal(t, "session-1", ts[0].SessionID)
}

func TestAddWithAnimation_Delayed(t *testing.T) {
	c, sched, _ := newTestController(t)

	h := c.AddWithAnimation(friend("f1", sanFrancisco), 100*time.Millisecond)
	require.NotNil(t, h)
	assert.Equal(t, 100*time.Millisecond, h.Delay())
	assert.Equal(t, core.Hidden, c.MarkerState("f1").Phase)
	assert.Equal(t, 1, c.Pending("f1"))

	sched.Advance(99 * time.Millisecond)
	assert.Equal(t, core.Hidden, c.MarkerState("f1").Phase)

	sched.Advance(time.Millisecond)
	assert.Equal(t, core.Appearing, c.MarkerState("f1").Phase)
	assert.Zero(t, c.Pending("f1"))
}

func TestAddWithAnimation_CancelHandle(t *testing.T) {
	c, sched, obs := newTestController(t)

	h := c.AddWithAnimation(friend("f1", sanFrancisco), 50*time.Millisecond)
	require.True(t, h.Cancel())

	sched.Advance(time.Second)
	assert.Equal(t, core.Hidden, c.MarkerState("f1").Phase)
	assert.Empty(t, obs.all())
}

func TestRemoveWithAnimation(t *testing.T) {
	c, _, _ := newTestController(t)
	c.AddWithAnimation(friend("f1", sanFrancisco), 0)

	c.RemoveWithAnimation("f1")

	s := c.MarkerState("f1")
	assert.Equal(t, core.Disappearing, s.Phase)
	assert.True(t, s.ShouldShowDisappearAnimation)
	assert.False(t, s.ShouldShowAppearAnimation)
	assert.True(t, s.IsVisible, "marker keeps rendering until the exit animation completes")
}

func TestRemoveWithAnimation_UnknownIsNoop(t *testing.T) {
	c, _, obs := newTestController(t)

	c.RemoveWithAnimation("never-added")
	_, ok := c.Peek("never-added")
	assert.False(t, ok)

	// A default record created by a read stays hidden.
	c.MarkerState("never-added")
	c.RemoveWithAnimation("never-added")
	s := c.MarkerState("never-added")
	assert.Equal(t, core.Hidden, s.Phase)
	assert.False(t, s.ShouldShowDisappearAnimation)
	assert.Empty(t, obs.all())
}

func TestRemoveWithAnimation_Idempotent(t *testing.T) {
	c, _, obs := newTestController(t)
	c.AddWithAnimation(friend("f1", sanFrancisco), 0)

	c.RemoveWithAnimation("f1")
	c.RemoveWithAnimation("f1")

	assert.Len(t, obs.all(), 2, "add + one remove")
	assert.Equal(t, []core.Signal{core.SignalAppear, core.SignalDisappear}, c.Signals("f1"))
}

func TestRemoveWithAnimation_CancelsPendingAdd(t *testing.T) {
	c, sched, _ := newTestController(t)

	c.AddWithAnimation(friend("f1", sanFrancisco), 200*time.Millisecond)
	c.RemoveWithAnimation("f1")
	assert.Zero(t, c.Pending("f1"))

	sched.Advance(time.Second)

	s := c.MarkerState("f1")
	assert.Equal(t, core.Hidden, s.Phase, "a removed marker must not reappear when its staggered add was due")
	assert.False(t, s.IsVisible)
}

func TestUpdateLocation(t *testing.T) {
	c, _, _ := newTestController(t)
	c.AddWithAnimation(friend("f1", sanFrancisco), 0)

	c.UpdateLocation("f1", nearbySF, true)

	s := c.MarkerState("f1")
	assert.Equal(t, nearbySF, s.Position)
	require.NotNil(t, s.PreviousPosition)
	assert.Equal(t, sanFrancisco, *s.PreviousPosition)
	assert.True(t, s.IsMoving)
	assert.Equal(t, core.Moving, s.Phase)
	assert.True(t, s.ShouldShowMovementTrail)
}

func TestUpdateLocation_WithoutTrail(t *testing.T) {
	c, _, _ := newTestController(t)
	c.AddWithAnimation(friend("f1", sanFrancisco), 0)
	c.Signals("f1")

	c.UpdateLocation("f1", nearbySF, false)

	s := c.MarkerState("f1")
	assert.False(t, s.ShouldShowMovementTrail)
	assert.Equal(t, []core.Signal{core.SignalMove}, c.Signals("f1"))
}

func TestUpdateLocation_UnknownIsNoop(t *testing.T) {
	c, _, obs := newTestController(t)

	c.UpdateLocation("ghost", nearbySF, true)

	_, ok := c.Peek("ghost")
	assert.False(t, ok)
	assert.Empty(t, obs.all())
}

func TestUpdateLocation_HiddenOnlyRefreshesPosition(t *testing.T) {
	c, _, obs := newTestController(t)
	c.MarkerState("f1")

	c.UpdateLocation("f1", nearbySF, true)

	s := c.MarkerState("f1")
	assert.Equal(t, nearbySF, s.Position)
	assert.Equal(t, core.Hidden, s.Phase)
	assert.False(t, s.IsVisible)
	assert.False(t, s.IsMoving)
	assert.Empty(t, obs.all())
}

func TestUpdateLocation_DisappearingKeepsPhase(t *testing.T) {
	c, _, _ := newTestController(t)
	c.AddWithAnimation(friend("f1", sanFrancisco), 0)
	c.RemoveWithAnimation("f1")

	c.UpdateLocation("f1", nearbySF, true)

	s := c.MarkerState("f1")
	assert.Equal(t, core.Disappearing, s.Phase)
	assert.Equal(t, nearbySF, s.Position)
	assert.False(t, s.ShouldShowMovementTrail)
}

func TestSetOnline_TogglesPulseOnly(t *testing.T) {
	c, _, obs := newTestController(t)
	c.AddWithAnimation(friend("f1", sanFrancisco), 0)

	c.SetOnline("f1", false)
	s := c.MarkerState("f1")
	assert.False(t, s.ShouldPulse)
	assert.Equal(t, core.Appearing, s.Phase)

	c.SetOnline("f1", false)
	c.SetOnline("f1", true)
	assert.True(t, c.MarkerState("f1").ShouldPulse)

	ts := obs.all()
	require.Len(t, ts, 3, "add + two real status changes")
	assert.Equal(t, core.CauseStatus, ts[1].Cause)
	assert.Equal(t, ts[1].From, ts[1].To)
}

func TestSetOnline_UnknownIsNoop(t *testing.T) {
	c, _, _ := newTestController(t)
	c.SetOnline("ghost", true)
	assert.Zero(t, c.Len())
}

func TestFullLifecycle(t *testing.T) {
	c, _, obs := newTestController(t)

	c.AddWithAnimation(friend("f1", sanFrancisco), 0)
	s := c.MarkerState("f1")
	assert.True(t, s.IsVisible)
	assert.Equal(t, core.Appearing, s.Phase)

	c.UpdateLocation("f1", nearbySF, false)
	s = c.MarkerState("f1")
	assert.Equal(t, core.Moving, s.Phase)
	assert.True(t, s.IsMoving)

	c.RemoveWithAnimation("f1")
	s = c.MarkerState("f1")
	assert.Equal(t, core.Disappearing, s.Phase)
	assert.True(t, s.ShouldShowDisappearAnimation)

	var phases []core.Phase
	for _, tr := range obs.all() {
		phases = append(phases, tr.To)
	}
	assert.Equal(t, []core.Phase{core.Appearing, core.Moving, core.Disappearing}, phases)
}

func TestAcknowledge_AppearSettles(t *testing.T) {
	c, _, obs := newTestController(t)
	c.AddWithAnimation(friend("f1", sanFrancisco), 0)

	require.True(t, c.Acknowledge("f1", core.SignalAppear))

	s := c.MarkerState("f1")
	assert.Equal(t, core.Steady, s.Phase)
	assert.False(t, s.ShouldShowAppearAnimation)
	assert.True(t, s.IsVisible)
	assert.False(t, c.IsTransitioning())

	ts := obs.all()
	require.Len(t, ts, 2)
	assert.Equal(t, core.CauseAck, ts[1].Cause)
}

func TestAcknowledge_MoveAndTrail(t *testing.T) {
	c, _, _ := newTestController(t)
	c.AddWithAnimation(friend("f1", sanFrancisco), 0)
	c.Acknowledge("f1", core.SignalAppear)
	c.UpdateLocation("f1", nearbySF, true)

	c.Acknowledge("f1", core.SignalTrail)
	s := c.MarkerState("f1")
	assert.False(t, s.ShouldShowMovementTrail)
	assert.Equal(t, core.Moving, s.Phase, "trail ack alone does not settle movement")

	c.Acknowledge("f1", core.SignalMove)
	s = c.MarkerState("f1")
	assert.Equal(t, core.Steady, s.Phase)
	assert.False(t, s.IsMoving)
}

func TestAcknowledge_StaleAppearDoesNotSettleMove(t *testing.T) {
	c, _, _ := newTestController(t)
	c.AddWithAnimation(friend("f1", sanFrancisco), 0)
	c.UpdateLocation("f1", nearbySF, false)

	c.Acknowledge("f1", core.SignalAppear)

	assert.Equal(t, core.Moving, c.MarkerState("f1").Phase)
}

func TestAcknowledge_DisappearHides(t *testing.T) {
	c, _, _ := newTestController(t)
	c.AddWithAnimation(friend("f1", sanFrancisco), 0)
	require.True(t, c.Focus("f1"))
	c.RemoveWithAnimation("f1")

	c.Acknowledge("f1", core.SignalDisappear)

	s := c.MarkerState("f1")
	assert.Equal(t, core.Hidden, s.Phase)
	assert.False(t, s.IsVisible)
	assert.False(t, s.ShouldShowDisappearAnimation)
	assert.False(t, s.IsFocused)
	assert.Empty(t, c.FocusedID())
}

func TestAcknowledge_EvictOnHide(t *testing.T) {
	c, _, _ := newTestController(t, WithEvictOnHide(true))
	c.AddWithAnimation(friend("f1", sanFrancisco), 0)
	c.RemoveWithAnimation("f1")

	c.Acknowledge("f1", core.SignalDisappear)

	_, ok := c.Peek("f1")
	assert.False(t, ok)
}

func TestAcknowledge_Unknown(t *testing.T) {
	c, _, _ := newTestController(t)
	assert.False(t, c.Acknowledge("ghost", core.SignalAppear))
}

func TestReAddWhileDisappearing(t *testing.T) {
	c, _, _ := newTestController(t)
	c.AddWithAnimation(friend("f1", sanFrancisco), 0)
	c.RemoveWithAnimation("f1")

	c.AddWithAnimation(friend("f1", nearbySF), 0)

	s := c.MarkerState("f1")
	assert.Equal(t, core.Appearing, s.Phase)
	assert.False(t, s.ShouldShowDisappearAnimation)

	// A late disappear ack must not hide the re-added marker.
	c.Acknowledge("f1", core.SignalDisappear)
	assert.Equal(t, core.Appearing, c.MarkerState("f1").Phase)
}

func TestSignals_DrainInOrder(t *testing.T) {
	c, _, _ := newTestController(t)
	c.AddWithAnimation(friend("f1", sanFrancisco), 0)
	c.UpdateLocation("f1", nearbySF, true)
	c.RemoveWithAnimation("f1")

	got := c.Signals("f1")
	assert.Equal(t, []core.Signal{core.SignalAppear, core.SignalMove, core.SignalTrail, core.SignalDisappear}, got)
	assert.Empty(t, c.Signals("f1"))
	assert.Nil(t, c.Signals("ghost"))
}

func TestSignals_Bounded(t *testing.T) {
	c, _, _ := newTestController(t, WithSignalLimit(2))
	c.AddWithAnimation(friend("f1", sanFrancisco), 0)
	c.UpdateLocation("f1", nearbySF, true)

	assert.Equal(t, []core.Signal{core.SignalMove, core.SignalTrail}, c.Signals("f1"))
}

func TestFocus(t *testing.T) {
	c, _, _ := newTestController(t)
	c.AddWithAnimation(friend("f1", sanFrancisco), 0)
	c.AddWithAnimation(friend("f2", nearbySF), 0)

	require.True(t, c.Focus("f1"))
	require.True(t, c.Focus("f2"))

	f1 := c.MarkerState("f1")
	f2 := c.MarkerState("f2")
	assert.False(t, f1.IsFocused)
	assert.False(t, f1.ShouldHighlight)
	assert.True(t, f2.IsFocused)
	assert.True(t, f2.ShouldHighlight)
	assert.Equal(t, "f2", c.FocusedID())
}

func TestFocus_RejectsHiddenAndUnknown(t *testing.T) {
	c, _, _ := newTestController(t)
	c.MarkerState("hidden")

	assert.False(t, c.Focus("hidden"))
	assert.False(t, c.Focus("ghost"))
	assert.Empty(t, c.FocusedID())
}

func TestClearFocus_Idempotent(t *testing.T) {
	c, _, _ := newTestController(t)
	c.AddWithAnimation(friend("f1", sanFrancisco), 0)
	c.AddWithAnimation(friend("f2", nearbySF), 0)
	c.Focus("f1")

	c.ClearFocus()
	once := map[string]core.MarkerState{"f1": c.MarkerState("f1"), "f2": c.MarkerState("f2")}
	c.ClearFocus()

	for id, s := range once {
		again := c.MarkerState(id)
		assert.Equal(t, s, again)
		assert.False(t, again.IsFocused)
		assert.False(t, again.ShouldHighlight)
	}
	assert.Empty(t, c.FocusedID())
}

func TestStatesAreIndependent(t *testing.T) {
	c, _, _ := newTestController(t)
	c.AddWithAnimation(friend("f1", sanFrancisco), 0)
	c.AddWithAnimation(friend("f2", nearbySF), 0)
	before := c.MarkerState("f2")

	c.Focus("f1")
	c.UpdateLocation("f1", nearbySF, true)

	assert.Equal(t, before, c.MarkerState("f2"))
}

func TestSnapshotIsACopy(t *testing.T) {
	c, _, _ := newTestController(t)
	c.AddWithAnimation(friend("f1", sanFrancisco), 0)
	c.UpdateLocation("f1", nearbySF, false)

	s := c.MarkerState("f1")
	s.PreviousPosition.Lat = 0
	s.Phase = core.Hidden

	again := c.MarkerState("f1")
	assert.Equal(t, core.Moving, again.Phase)
	assert.Equal(t, sanFrancisco, *again.PreviousPosition)
}

func TestIsTransitioning(t *testing.T) {
	c, _, _ := newTestController(t)
	assert.False(t, c.IsTransitioning())

	c.MarkerState("hidden")
	assert.False(t, c.IsTransitioning())

	c.AddWithAnimation(friend("f1", sanFrancisco), 0)
	assert.True(t, c.IsTransitioning())

	c.Acknowledge("f1", core.SignalAppear)
	assert.False(t, c.IsTransitioning())

	c.RemoveWithAnimation("f1")
	assert.True(t, c.IsTransitioning())
}

func TestReset(t *testing.T) {
	c, sched, obs := newTestController(t)
	c.AddWithAnimation(friend("f1", sanFrancisco), 0)
	c.Focus("f1")
	c.AddWithAnimation(friend("f2", nearbySF), time.Second)

	c.Reset("f1")
	c.Reset("f2")
	c.Reset("ghost")

	assert.Zero(t, c.Len())
	assert.Empty(t, c.FocusedID())
	sched.Advance(time.Hour)
	assert.Zero(t, c.Len(), "reset cancels pending adds")

	ts := obs.all()
	require.Len(t, ts, 2, "add f1 + reset f1")
	assert.Equal(t, core.CauseReset, ts[1].Cause)
	assert.Equal(t, core.Hidden, ts[1].To)
}

func TestResetAll(t *testing.T) {
	c, sched, _ := newTestController(t)
	c.AddWithAnimation(friend("f1", sanFrancisco), 0)
	c.AddWithAnimation(friend("f2", nearbySF), 0)
	c.AddWithAnimation(friend("f3", nearbySF), time.Second)
	c.Focus("f2")

	c.ResetAll()

	assert.Zero(t, c.Len())
	assert.Empty(t, c.FocusedID())
	assert.Zero(t, sched.Advance(time.Hour))
}

func TestIDs_Sorted(t *testing.T) {
	c, _, _ := newTestController(t)
	c.MarkerState("c")
	c.MarkerState("a")
	c.MarkerState("b")

	assert.Equal(t, []string{"a", "b", "c"}, c.IDs())
}

func TestConcurrentMutations(t *testing.T) {
	c, err := New()
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := "f" + string(rune('a'+i%5))
			c.AddWithAnimation(friend(id, sanFrancisco), 0)
			c.UpdateLocation(id, nearbySF, i%2 == 0)
			c.Focus(id)
			c.MarkerState(id)
			c.IsTransitioning()
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 5, c.Len())
	focused := 0
	for _, id := range c.IDs() {
		if c.MarkerState(id).IsFocused {
			focused++
		}
	}
	assert.Equal(t, 1, focused, "at most one marker may be focused")
}

func TestMetrics(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	c, _, _ := newTestController(t, WithMeter(mp.Meter("test")))

	c.AddWithAnimation(friend("f1", sanFrancisco), 0)
	c.AddWithAnimation(friend("f2", nearbySF), 0)
	c.Acknowledge("f2", core.SignalAppear)
	c.AddWithAnimation(friend("f3", nearbySF), time.Second)
	c.RemoveWithAnimation("f3")

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	assert.Equal(t, int64(3), sumInt64(t, rm, "markers.transitions"))
	assert.Equal(t, int64(1), sumInt64(t, rm, "markers.scheduled.cancelled"))
	assert.Equal(t, int64(3), gaugeInt64(t, rm, "markers.registry.size"))
	assert.Equal(t, int64(1), gaugeInt64(t, rm, "markers.transitioning"))
}

func TestClose_UnregistersGauges(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	c, sched, _ := newTestController(t, WithMeter(mp.Meter("test")))

	c.AddWithAnimation(friend("f1", sanFrancisco), 0)
	c.AddWithAnimation(friend("f2", nearbySF), time.Second)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	assert.Equal(t, int64(2), gaugeInt64(t, rm, "markers.registry.size"))

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	rm = metricdata.ResourceMetrics{}
	require.NoError(t, reader.Collect(context.Background(), &rm))
	assert.Zero(t, gaugePoints(rm, "markers.registry.size"))
	assert.Zero(t, gaugePoints(rm, "markers.transitioning"))

	assert.Zero(t, sched.Advance(time.Hour), "close cancels deferred work")
	assert.False(t, c.MarkerState("f2").IsVisible)
}

func gaugePoints(rm metricdata.ResourceMetrics, name string) int {
	n := 0
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if g, ok := m.Data.(metricdata.Gauge[int64]); ok && m.Name == name {
				n += len(g.DataPoints)
			}
		}
	}
	return n
}

func findMetric(t *testing.T, rm metricdata.ResourceMetrics, name string) metricdata.Metrics {
	t.Helper()
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name == name {
				return m
			}
		}
	}
	t.Fatalf("metric %q not found", name)
	return metricdata.Metrics{}
}

func sumInt64(t *testing.T, rm metricdata.ResourceMetrics, name string) int64 {
	t.Helper()
	sum, ok := findMetric(t, rm, name).Data.(metricdata.Sum[int64])
	require.True(t, ok, "metric %q is not an int64 sum", name)
	var total int64
	for _, dp := range sum.DataPoints {
		total += dp.Value
	}
	return total
}

func gaugeInt64(t *testing.T, rm metricdata.ResourceMetrics, name string) int64 {
	t.Helper()
	g, ok := findMetric(t, rm, name).Data.(metricdata.Gauge[int64])
	require.True(t, ok, "metric %q is not an int64 gauge", name)
	require.Len(t, g.DataPoints, 1)
	return g.DataPoints[0].Value
}
