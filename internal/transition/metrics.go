package transition

import (
	"context"
	"fmt"
	"sync"

	"github.com/friendmap/markerd/pkg/core"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/friendmap/markerd/internal/transition"

func meter() metric.Meter {
	return otel.Meter(instrumentationName)
}

type metrics struct {
	transitions   metric.Int64Counter
	cancelled     metric.Int64Counter
	registrySize  metric.Int64ObservableGauge
	transitioning metric.Int64ObservableGauge
	gauges        metric.Registration
	unregistered  sync.Once
}

func newMetrics(m metric.Meter, observe func() (size, transitioning int64)) (*metrics, error) {
	mt := &metrics{}

	var err error
	mt.transitions, err = m.Int64Counter(
		"markers.transitions",
		metric.WithDescription("Marker phase and status transitions applied"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating transitions counter: %w", err)
	}

	mt.cancelled, err = m.Int64Counter(
		"markers.scheduled.cancelled",
		metric.WithDescription("Deferred marker mutations cancelled before firing"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating cancelled counter: %w", err)
	}

	mt.registrySize, err = m.Int64ObservableGauge(
		"markers.registry.size",
		metric.WithDescription("Markers currently registered"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating registry size gauge: %w", err)
	}

	mt.transitioning, err = m.Int64ObservableGauge(
		"markers.transitioning",
		metric.WithDescription("Markers currently appearing, moving or disappearing"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating transitioning gauge: %w", err)
	}

	mt.gauges, err = m.RegisterCallback(
		func(ctx context.Context, o metric.Observer) error {
			size, transitioning := observe()
			o.ObserveInt64(mt.registrySize, size)
			o.ObserveInt64(mt.transitioning, transitioning)
			return nil
		},
		mt.registrySize, mt.transitioning,
	)
	if err != nil {
		return nil, fmt.Errorf("registering gauge callback: %w", err)
	}

	return mt, nil
}

func (m *metrics) recordTransition(ctx context.Context, t core.Transition) {
	m.transitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("cause", t.Cause),
		attribute.String("to", t.To.String()),
	))
}

func (m *metrics) recordCancelled(n int) {
	m.cancelled.Add(context.Background(), int64(n))
}

// unregister stops the gauge callback. It is safe to call more than once.
func (m *metrics) unregister() error {
	var err error
	m.unregistered.Do(func() {
		err = m.gauges.Unregister()
	})
	return err
}
