package obs

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
)

func TestNewMetricsNilMeter(t *testing.T) {
	m, err := NewMetrics(nil)
	require.NoError(t, err)
	assert.Nil(t, m)

	// nil-receiver methods must not panic, so callers can pass through an
	// optional *Metrics unconditionally.
	m.IncActive(context.Background())
	m.DecActive(context.Background())
	m.RecordPrepare(context.Background(), time.Millisecond)
	m.RecordInvoke(context.Background(), time.Millisecond)
	m.RecordCleanup(context.Background(), time.Millisecond)
}

func TestNewMetricsRecordsWithoutError(t *testing.T) {
	meter := otel.Meter("fcsupervisor-test")
	m, err := NewMetrics(meter)
	require.NoError(t, err)
	require.NotNil(t, m)

	ctx := context.Background()
	m.IncActive(ctx)
	m.RecordPrepare(ctx, 5*time.Millisecond)
	m.RecordInvoke(ctx, 10*time.Millisecond)
	m.RecordCleanup(ctx, 2*time.Millisecond)
	m.DecActive(ctx)
}
