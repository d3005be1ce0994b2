package jobmanager

import (
	"context"
	"io"
)

// Process is a spawned worker as seen by the Runner.
type Process interface {
	ID() string
	Pid() int

	// Done is closed once the process has exited and been reaped.
	Done() <-chan struct{}

	// Status is only final after Done is closed.
	Status() *WorkerStatus

	Stop() error
	StreamOutput() io.ReadCloser

	// OutputDone is closed once all of the process' output has been captured.
	OutputDone() <-chan struct{}

	// Output returns the output captured so far without blocking.
	Output() []byte
}

// Spawner creates a running Process for an Assignment. A returned error is a
// spawn failure; the Runner retries the chunk according to its RetryPolicy.
type Spawner interface {
	Spawn(ctx context.Context, a Assignment) (Process, error)
}

// ExecSpawner spawns each chunk as a Worker by re-executing a binary, by
// default the current one, which must call Main before doing anything else.
type ExecSpawner struct {
	cfg WorkerConfig
}

// NewExecSpawner creates an ExecSpawner that starts Workers with cfg.
func NewExecSpawner(cfg WorkerConfig) *ExecSpawner {
	return &ExecSpawner{cfg: cfg}
}

// Spawn implements Spawner.
func (s *ExecSpawner) Spawn(ctx context.Context, a Assignment) (Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	w, err := NewWorker(a, s.cfg)
	if err != nil {
		return nil, err
	}

	if err := w.Start(); err != nil {
		return nil, err
	}

	return w, nil
}
