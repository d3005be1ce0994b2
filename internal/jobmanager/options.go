package jobmanager

import (
	"io"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/nixpig/procpool/internal/partition"
)

const (
	// DefaultMaxWorkers is used when Options.MaxWorkers is not positive.
	DefaultMaxWorkers = 4

	defaultMaxAttempts     = 10
	defaultInitialInterval = 50 * time.Millisecond
	defaultMaxInterval     = 5 * time.Second

	instrumentationName = "github.com/nixpig/procpool/internal/jobmanager"
)

// RetryPolicy bounds how a chunk that fails to spawn is retried. Zero values
// are replaced with defaults.
type RetryPolicy struct {
	// MaxAttempts is the maximum number of spawn attempts per chunk. A negative
	// value retries forever.
	MaxAttempts int

	// InitialInterval is the delay before the first retry.
	InitialInterval time.Duration

	// MaxInterval caps the exponential delay between retries.
	MaxInterval time.Duration
}

func (p *RetryPolicy) fillDefaults() {
	if p.MaxAttempts == 0 {
		p.MaxAttempts = defaultMaxAttempts
	}

	if p.InitialInterval <= 0 {
		p.InitialInterval = defaultInitialInterval
	}

	if p.MaxInterval <= 0 {
		p.MaxInterval = defaultMaxInterval
	}

	if p.MaxInterval < p.InitialInterval {
		p.MaxInterval = p.InitialInterval
	}
}

// newBackOff returns the retry schedule for a single chunk.
func (p RetryPolicy) newBackOff() backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = p.InitialInterval
	exp.MaxInterval = p.MaxInterval

	// Total time is bounded by the run's context instead.
	exp.MaxElapsedTime = 0

	exp.Reset()

	if p.MaxAttempts < 0 {
		return exp
	}

	return backoff.WithMaxRetries(exp, uint64(p.MaxAttempts-1))
}

// Options configure a Runner.
//
// All zero values are replaced with defaults in FillDefaults.
type Options struct {
	// MaxWorkers bounds the number of chunks, and so worker processes, per
	// run. Non-positive values fall back to DefaultMaxWorkers.
	MaxWorkers int

	Strategy partition.Strategy
	Spawner  Spawner
	Retry    RetryPolicy

	// SpawnRate limits worker spawns per second, with SpawnBurst spawns
	// allowed at once. Zero disables rate limiting.
	SpawnRate  float64
	SpawnBurst int

	// Timeout bounds a whole run. When it expires outstanding workers are
	// killed. Zero means no timeout beyond the context passed to Run.
	Timeout time.Duration

	// Output receives every worker's output live, each line prefixed with its
	// chunk index. Nil disables live output; it's still captured in each
	// ChunkOutcome.
	Output io.Writer

	// OnExit is called from the reap loop for each reaped worker.
	OnExit func(ChunkOutcome)

	Logger  *slog.Logger
	Metrics Metrics
	Tracer  trace.Tracer
}

// FillDefaults replaces zero values with defaults.
func (o *Options) FillDefaults() {
	if o.MaxWorkers <= 0 {
		o.MaxWorkers = DefaultMaxWorkers
	}

	if o.Strategy == nil {
		o.Strategy = partition.EqualChunks{}
	}

	if o.Spawner == nil {
		o.Spawner = NewExecSpawner(WorkerConfig{})
	}

	o.Retry.fillDefaults()

	if o.SpawnRate > 0 && o.SpawnBurst <= 0 {
		o.SpawnBurst = 1
	}

	if o.Logger == nil {
		o.Logger = slog.New(slog.DiscardHandler)
	}

	if o.Metrics == nil {
		// Creating instruments on the global provider only fails for invalid
		// names, which are fixed here.
		m, err := NewMetrics(otel.GetMeterProvider())
		if err != nil {
			m = nopMetrics{}
		}

		o.Metrics = m
	}

	if o.Tracer == nil {
		o.Tracer = otel.Tracer(instrumentationName)
	}
}
