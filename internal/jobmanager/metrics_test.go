package jobmanager_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/nixpig/procpool/internal/jobmanager"
	"github.com/nixpig/procpool/internal/jobqueue"
)

func sumOf(t *testing.T, rm metricdata.ResourceMetrics, name string) int64 {
	t.Helper()

	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}

			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok, "metric %s is not an int64 sum", name)

			var total int64
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}

			return total
		}
	}

	t.Fatalf("metric %s not recorded", name)

	return 0
}

func TestRunnerMetrics(t *testing.T) {
	t.Parallel()

	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { provider.Shutdown(context.Background()) })

	metrics, err := jobmanager.NewMetrics(provider)
	require.NoError(t, err)

	spawner := newFakeSpawner(map[int]int{1: 1})

	r := jobmanager.NewRunner(jobmanager.Options{
		MaxWorkers: 2,
		Spawner:    spawner,
		Metrics:    metrics,
		Retry: jobmanager.RetryPolicy{
			InitialInterval: 1,
			MaxInterval:     1,
		},
	})

	for range 5 {
		r.Enqueue(jobqueue.NewJob("echo"))
	}

	result, err := r.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, result.Outcomes, 2)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	assert.Equal(t, int64(2), sumOf(t, rm, "workers_spawned_total"))
	assert.Equal(t, int64(1), sumOf(t, rm, "spawn_failures_total"))
	assert.Equal(t, int64(5), sumOf(t, rm, "jobs_dispatched_total"))
	assert.Equal(t, int64(2), sumOf(t, rm, "chunks_completed_total"))
	assert.Equal(t, int64(0), sumOf(t, rm, "active_workers"))
}
