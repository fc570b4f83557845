package obs

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/metric"
)

// Metrics records the counters/histograms this module exposes about the
// VMMs it supervises, bound to an injected Meter rather than the
// package-global one a service would use.
type Metrics struct {
	active     metric.Int64UpDownCounter
	prepareDur metric.Float64Histogram
	invokeDur  metric.Float64Histogram
	cleanupDur metric.Float64Histogram
}

// NewMetrics builds the instrument set against meter. Returns (nil, nil) if
// meter is nil, so callers can pass through an optional Meter unconditionally.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	if meter == nil {
		return nil, nil
	}

	active, err := meter.Int64UpDownCounter(
		"fcsupervisor.vmm.active",
		metric.WithDescription("Number of currently running VMM processes"),
	)
	if err != nil {
		return nil, fmt.Errorf("obs: create active counter failed: %w", err)
	}

	prepareDur, err := meter.Float64Histogram(
		"fcsupervisor.vmm.prepare.duration_ms",
		metric.WithDescription("Time spent staging a VMM's sandbox, in milliseconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("obs: create prepare histogram failed: %w", err)
	}

	invokeDur, err := meter.Float64Histogram(
		"fcsupervisor.vmm.invoke.duration_ms",
		metric.WithDescription("Time spent spawning a VMM, in milliseconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("obs: create invoke histogram failed: %w", err)
	}

	cleanupDur, err := meter.Float64Histogram(
		"fcsupervisor.vmm.cleanup.duration_ms",
		metric.WithDescription("Time spent tearing down a VMM's sandbox, in milliseconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("obs: create cleanup histogram failed: %w", err)
	}

	return &Metrics{active: active, prepareDur: prepareDur, invokeDur: invokeDur, cleanupDur: cleanupDur}, nil
}

// IncActive/DecActive track the number of currently-running VMM processes.
func (m *Metrics) IncActive(ctx context.Context) {
	if m != nil {
		m.active.Add(ctx, 1)
	}
}

func (m *Metrics) DecActive(ctx context.Context) {
	if m != nil {
		m.active.Add(ctx, -1)
	}
}

// RecordPrepare/RecordInvoke/RecordCleanup record how long each stage took.
func (m *Metrics) RecordPrepare(ctx context.Context, dur time.Duration) {
	if m != nil {
		m.prepareDur.Record(ctx, float64(dur.Milliseconds()))
	}
}

func (m *Metrics) RecordInvoke(ctx context.Context, dur time.Duration) {
	if m != nil {
		m.invokeDur.Record(ctx, float64(dur.Milliseconds()))
	}
}

func (m *Metrics) RecordCleanup(ctx context.Context, dur time.Duration) {
	if m != nil {
		m.cleanupDur.Record(ctx, float64(dur.Milliseconds()))
	}
}
