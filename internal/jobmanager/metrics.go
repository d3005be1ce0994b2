package jobmanager

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics defines the metrics recorded by a Runner.
type Metrics interface {
	IncWorkersSpawned(ctx context.Context)
	IncSpawnFailures(ctx context.Context, resourceExhausted bool)
	AddActiveWorkers(ctx context.Context, delta int)
	IncJobsDispatched(ctx context.Context, count int)
	ObserveChunk(ctx context.Context, status ChunkStatus, d time.Duration)
}

// runnerMetrics implements Metrics with OpenTelemetry instruments.
type runnerMetrics struct {
	workersSpawned  metric.Int64Counter
	spawnFailures   metric.Int64Counter
	activeWorkers   metric.Int64UpDownCounter
	jobsDispatched  metric.Int64Counter
	chunksCompleted metric.Int64Counter
	chunkDuration   metric.Float64Histogram
}

const namespace = "procpool"

// NewMetrics creates Runner metrics from the given MeterProvider.
func NewMetrics(mp metric.MeterProvider) (Metrics, error) {
	meter := mp.Meter(namespace, metric.WithInstrumentationVersion("v0.1.0"))

	m := new(runnerMetrics)
	var err error

	if m.workersSpawned, err = meter.Int64Counter(
		"workers_spawned_total",
		metric.WithDescription("Total number of worker processes spawned"),
	); err != nil {
		return nil, err
	}

	if m.spawnFailures, err = meter.Int64Counter(
		"spawn_failures_total",
		metric.WithDescription("Total number of failed worker spawn attempts"),
	); err != nil {
		return nil, err
	}

	if m.activeWorkers, err = meter.Int64UpDownCounter(
		"active_workers",
		metric.WithDescription("Number of worker processes spawned but not yet reaped"),
	); err != nil {
		return nil, err
	}

	if m.jobsDispatched, err = meter.Int64Counter(
		"jobs_dispatched_total",
		metric.WithDescription("Total number of jobs handed to spawned workers"),
	); err != nil {
		return nil, err
	}

	if m.chunksCompleted, err = meter.Int64Counter(
		"chunks_completed_total",
		metric.WithDescription("Total number of reaped chunks by status"),
	); err != nil {
		return nil, err
	}

	if m.chunkDuration, err = meter.Float64Histogram(
		"chunk_duration_seconds",
		metric.WithDescription("Wall time from worker spawn to reap"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return m, nil
}

func (m *runnerMetrics) IncWorkersSpawned(ctx context.Context) {
	m.workersSpawned.Add(ctx, 1)
}

func (m *runnerMetrics) IncSpawnFailures(ctx context.Context, resourceExhausted bool) {
	m.spawnFailures.Add(ctx, 1, metric.WithAttributes(
		attribute.Bool("resource_exhausted", resourceExhausted),
	))
}

func (m *runnerMetrics) AddActiveWorkers(ctx context.Context, delta int) {
	m.activeWorkers.Add(ctx, int64(delta))
}

func (m *runnerMetrics) IncJobsDispatched(ctx context.Context, count int) {
	m.jobsDispatched.Add(ctx, int64(count))
}

func (m *runnerMetrics) ObserveChunk(ctx context.Context, status ChunkStatus, d time.Duration) {
	attrs := metric.WithAttributes(attribute.String("status", status.String()))

	m.chunksCompleted.Add(ctx, 1, attrs)
	m.chunkDuration.Record(ctx, d.Seconds(), attrs)
}

type nopMetrics struct{}

func (nopMetrics) IncWorkersSpawned(context.Context)                       {}
func (nopMetrics) IncSpawnFailures(context.Context, bool)                  {}
func (nopMetrics) AddActiveWorkers(context.Context, int)                   {}
func (nopMetrics) IncJobsDispatched(context.Context, int)                  {}
func (nopMetrics) ObserveChunk(context.Context, ChunkStatus, time.Duration) {}
