package jobmanager

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/nixpig/procpool/internal/jobqueue"
	"github.com/nixpig/procpool/internal/partition"
)

// Runner partitions its queue of Jobs into chunks, runs each chunk in its own
// worker process, and waits for every worker to exit.
type Runner struct {
	opts    Options
	limiter *rate.Limiter
	state   AtomicRunState

	// queue is only touched by callers between runs and by Run while
	// partitioning; mu guards the handover.
	queue *jobqueue.Queue
	mu    sync.Mutex
}

// NewRunner creates a Runner with an empty queue. Zero values in opts are
// replaced with defaults, see Options.FillDefaults.
func NewRunner(opts Options) *Runner {
	opts.FillDefaults()

	r := &Runner{
		opts:  opts,
		queue: jobqueue.NewQueue(),
	}

	if opts.SpawnRate > 0 {
		r.limiter = rate.NewLimiter(rate.Limit(opts.SpawnRate), opts.SpawnBurst)
	}

	return r
}

// MaxWorkers returns the effective worker bound.
func (r *Runner) MaxWorkers() int {
	return r.opts.MaxWorkers
}

// State returns the current phase of the Runner.
func (r *Runner) State() RunState {
	return r.state.Load()
}

// Enqueue appends job to the Runner's queue for the next run.
func (r *Runner) Enqueue(job jobqueue.Job) {
	r.mu.Lock()
	r.queue.Enqueue(job)
	r.mu.Unlock()
}

// Dequeue removes and returns the Job at the front of the queue. The second
// return value is false if the queue is empty.
func (r *Runner) Dequeue() (jobqueue.Job, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.queue.Dequeue()
}

// Len returns the number of queued Jobs.
func (r *Runner) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.queue.Len()
}

// Run drains the queue, partitions it into at most MaxWorkers chunks, spawns a
// worker process per chunk and blocks until every spawned worker has exited.
//
// Chunks that fail to spawn are retried from the back of the pending sequence
// with exponential backoff. If a chunk runs out of attempts Run stops
// spawning, waits for the workers already running, and returns an error
// wrapping ErrResourceExhausted. If ctx is cancelled or Options.Timeout
// expires, outstanding workers are killed and ctx.Err() is returned. In every
// case the RunResult holds an outcome for every chunk.
//
// Calling Run while another Run is in progress returns an InvalidStateError.
func (r *Runner) Run(ctx context.Context) (*RunResult, error) {
	if !r.state.CompareAndSwap(RunStateIdle, RunStatePartitioning) &&
		!r.state.CompareAndSwap(RunStateDone, RunStatePartitioning) {
		return nil, NewInvalidStateError(r.state.Load(), RunStatePartitioning)
	}
	defer r.state.Store(RunStateDone)

	if r.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.opts.Timeout)
		defer cancel()
	}

	r.mu.Lock()
	jobs := r.queue.Drain()
	r.mu.Unlock()

	runID := uuid.NewString()

	ctx, span := r.opts.Tracer.Start(
		ctx,
		"procpool.run",
		trace.WithAttributes(
			attribute.String("run_id", runID),
			attribute.Int("jobs", len(jobs)),
			attribute.Int("max_workers", r.opts.MaxWorkers),
		),
	)
	defer span.End()

	chunks := r.opts.Strategy.Partition(jobs, r.opts.MaxWorkers)

	result := &RunResult{
		RunID:    runID,
		Outcomes: make([]ChunkOutcome, len(chunks)),
	}

	for i, c := range chunks {
		result.Outcomes[i] = ChunkOutcome{
			Index:    c.Index,
			JobIDs:   c.JobIDs(),
			Status:   ChunkNotStarted,
			ExitCode: -1,
		}
	}

	if len(chunks) == 0 {
		return result, nil
	}

	logger := r.opts.Logger.With("run", runID)
	logger.Debug(
		"partitioned jobs",
		"jobs", len(jobs),
		"chunks", len(chunks),
		"bucket_size", partition.BucketSize(len(jobs), r.opts.MaxWorkers),
	)

	rs := &runState{
		runner:   r,
		id:       runID,
		logger:   logger,
		outcomes: result.Outcomes,
		live:     make(map[string]*liveWorker, len(chunks)),
		exited:   make(chan string, len(chunks)),
	}

	r.state.Store(RunStateSpawning)
	spawnErr := rs.spawnAll(ctx, chunks)

	r.state.Store(RunStateReaping)
	rs.reapAll(ctx)

	if spawnErr != nil {
		span.RecordError(spawnErr)
		span.SetStatus(codes.Error, "spawn workers")
		return result, spawnErr
	}

	if err := ctx.Err(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "run cancelled")
		return result, err
	}

	span.SetAttributes(attribute.Int("failed_chunks", len(result.Failed())))

	return result, nil
}

// runState is the bookkeeping of a single Run. It's only touched by the
// goroutine calling Run, apart from exited and the output writer.
type runState struct {
	runner *Runner
	id     string
	logger *slog.Logger

	outcomes []ChunkOutcome
	live     map[string]*liveWorker
	exited   chan string

	outputWg sync.WaitGroup
	outputMu sync.Mutex
}

type liveWorker struct {
	proc      Process
	chunk     partition.Chunk
	outcome   int
	startedAt time.Time

	// follow is the subscription copying output to Options.Output, if any.
	follow io.Closer
}

type pendingChunk struct {
	chunk     partition.Chunk
	outcome   int
	attempts  int
	backoff   backoff.BackOff
	notBefore time.Time
	lastErr   error
}

// spawnAll spawns a worker for every chunk, re-appending chunks that fail to
// spawn to the back of the pending sequence until they succeed or exhaust
// their RetryPolicy.
func (rs *runState) spawnAll(ctx context.Context, chunks []partition.Chunk) error {
	opts := &rs.runner.opts

	pending := make([]*pendingChunk, 0, len(chunks))
	for i, c := range chunks {
		pending = append(pending, &pendingChunk{
			chunk:   c,
			outcome: i,
			backoff: opts.Retry.newBackOff(),
		})
	}

	for len(pending) > 0 {
		pc := pending[0]
		pending = pending[1:]

		if err := sleepUntil(ctx, pc.notBefore); err != nil {
			return err
		}

		if err := rs.waitForRateLimit(ctx); err != nil {
			return err
		}

		pc.attempts++

		a := Assignment{
			RunID:    rs.id,
			WorkerID: uuid.NewString(),
			Chunk:    pc.chunk.Index,
			Jobs:     pc.chunk.Jobs,
		}

		proc, err := opts.Spawner.Spawn(ctx, a)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}

			resourceErr := isResourceError(err)
			opts.Metrics.IncSpawnFailures(ctx, resourceErr)

			pc.lastErr = err

			delay := pc.backoff.NextBackOff()
			if delay == backoff.Stop {
				rs.logger.Error(
					"spawn worker failed, giving up",
					"chunk", pc.chunk.Index,
					"attempts", pc.attempts,
					"err", err,
				)

				return fmt.Errorf(
					"%w: chunk %d not spawned after %d attempts: %w",
					ErrResourceExhausted,
					pc.chunk.Index,
					pc.attempts,
					pc.lastErr,
				)
			}

			rs.logger.Warn(
				"spawn worker failed, retrying",
				"chunk", pc.chunk.Index,
				"attempt", pc.attempts,
				"retry_in", delay,
				"resource_exhausted", resourceErr,
				"err", err,
			)

			pc.notBefore = time.Now().Add(delay)
			pending = append(pending, pc)

			continue
		}

		rs.track(ctx, proc, pc)
	}

	return nil
}

func (rs *runState) waitForRateLimit(ctx context.Context) error {
	if rs.runner.limiter == nil {
		return nil
	}

	if err := rs.runner.limiter.Wait(ctx); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		// The limiter refuses to wait past the context's deadline.
		return fmt.Errorf("wait for spawn rate limit: %w", context.DeadlineExceeded)
	}

	return nil
}

func (rs *runState) track(ctx context.Context, proc Process, pc *pendingChunk) {
	opts := &rs.runner.opts

	lw := &liveWorker{
		proc:      proc,
		chunk:     pc.chunk,
		outcome:   pc.outcome,
		startedAt: time.Now(),
	}

	rs.live[proc.ID()] = lw

	o := &rs.outcomes[pc.outcome]
	o.WorkerID = proc.ID()
	o.Pid = proc.Pid()
	o.Attempts = pc.attempts

	opts.Metrics.IncWorkersSpawned(ctx)
	opts.Metrics.AddActiveWorkers(ctx, 1)
	opts.Metrics.IncJobsDispatched(ctx, pc.chunk.Len())

	rs.logger.Debug(
		"spawned worker",
		"chunk", pc.chunk.Index,
		"worker", proc.ID(),
		"pid", proc.Pid(),
		"jobs", pc.chunk.Len(),
		"attempts", pc.attempts,
	)

	if opts.Output != nil {
		lw.follow = rs.followOutput(proc, pc.chunk.Index)
	}

	go func() {
		<-proc.Done()
		rs.exited <- proc.ID()
	}()
}

// reapAll waits for every live worker to exit. If ctx is done first, all
// live workers are stopped and then reaped.
func (rs *runState) reapAll(ctx context.Context) {
	done := ctx.Done()

	for len(rs.live) > 0 {
		select {
		case id := <-rs.exited:
			rs.reap(ctx, id)

		case <-done:
			// Only stop once; afterwards just wait for the exits.
			done = nil

			rs.logger.Warn(
				"run cancelled, stopping workers",
				"live", len(rs.live),
				"err", ctx.Err(),
			)

			rs.stopAll()
		}
	}

	rs.outputWg.Wait()
}

func (rs *runState) reap(ctx context.Context, id string) {
	opts := &rs.runner.opts

	// Metrics for a cancelled run still need recording.
	ctx = context.WithoutCancel(ctx)

	lw := rs.live[id]
	delete(rs.live, id)

	status := lw.proc.Status()

	o := &rs.outcomes[lw.outcome]
	o.ExitCode = status.ExitCode
	o.Signal = status.Signal
	o.Duration = time.Since(lw.startedAt)
	o.Output = lw.proc.Output()

	if lw.follow != nil {
		go rs.releaseFollower(lw)
	}

	switch {
	case status.Interrupted:
		o.Status = ChunkInterrupted
	case status.ExitCode == 0:
		o.Status = ChunkSucceeded
	default:
		o.Status = ChunkFailed
	}

	opts.Metrics.AddActiveWorkers(ctx, -1)
	opts.Metrics.ObserveChunk(ctx, o.Status, o.Duration)

	attrs := []any{
		"chunk", o.Index,
		"worker", o.WorkerID,
		"pid", o.Pid,
		"status", o.Status,
		"exit_code", o.ExitCode,
		"duration", o.Duration,
	}

	if o.Signal != nil {
		attrs = append(attrs, "signal", o.Signal.String())
	}

	if o.Status == ChunkFailed {
		rs.logger.Warn("worker failed", attrs...)
	} else {
		rs.logger.Debug("reaped worker", attrs...)
	}

	if opts.OnExit != nil {
		opts.OnExit(*o)
	}
}

// stopAll makes a 'best effort' attempt to kill every live worker
// concurrently.
func (rs *runState) stopAll() {
	var g errgroup.Group

	for id, lw := range rs.live {
		g.Go(func() error {
			if err := lw.proc.Stop(); err != nil {
				// The worker exited on its own after the last reap.
				if errors.As(err, new(InvalidStateError)) ||
					errors.Is(err, os.ErrProcessDone) {
					return nil
				}

				return fmt.Errorf("stop worker %s: %w", id, err)
			}

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		rs.logger.Error("stop workers", "err", err)
	}
}

// releaseFollower lets the follower of an exited worker drain to EOF. If the
// output pipe is still held open by a descendant of the worker after
// outputGracePeriod, the follower is unblocked by closing its subscription.
func (rs *runState) releaseFollower(lw *liveWorker) {
	timer := time.NewTimer(outputGracePeriod)
	defer timer.Stop()

	select {
	case <-lw.proc.OutputDone():
	case <-timer.C:
		lw.follow.Close()
	}
}

// followOutput copies a worker's output to Options.Output line by line,
// prefixed with its chunk index. Closing the returned io.Closer stops it.
func (rs *runState) followOutput(proc Process, index int) io.Closer {
	rc := proc.StreamOutput()
	w := rs.runner.opts.Output

	rs.outputWg.Go(func() {
		defer rc.Close()

		scanner := bufio.NewScanner(rc)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

		for scanner.Scan() {
			rs.outputMu.Lock()
			fmt.Fprintf(w, "[chunk %d] %s\n", index, scanner.Text())
			rs.outputMu.Unlock()
		}
	})

	return rc
}

// sleepUntil blocks until t or until ctx is done.
func sleepUntil(ctx context.Context, t time.Time) error {
	d := time.Until(t)
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
