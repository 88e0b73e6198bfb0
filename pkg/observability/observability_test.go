package observability

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNewWithoutEndpoint(t *testing.T) {
	ctx := context.Background()

	p, err := New(ctx, "screening-test", "", nil)
	require.NoError(t, err)
	require.NotNil(t, p.Tracer)
	require.NotNil(t, p.Metrics)

	// No-op instruments must still be callable.
	p.Metrics.RecordScreening(ctx, "completed", "Cleared")
	p.Metrics.RecordJob(ctx, "completed")
	p.Metrics.RecordSweepOutcome(ctx, "queued", 3)
	p.Metrics.ObserveMatchDuration(ctx, 5*time.Millisecond)
	p.Metrics.SetQueueDepth(ctx, 2)

	require.NoError(t, p.Shutdown(ctx))
}

func TestNilMetricsAreSafe(t *testing.T) {
	ctx := context.Background()
	var m *Metrics

	m.RecordScreening(ctx, "reused", "")
	m.RecordJob(ctx, "failed")
	m.RecordSweepOutcome(ctx, "reused", 0)
	m.ObserveMatchDuration(ctx, time.Second)
	m.SetQueueDepth(ctx, 0)
}
