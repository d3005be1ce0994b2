package jobmanager

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/nixpig/procpool/internal/jobqueue"
)

const (
	// EnvWorker is set to "1" in the environment of every worker process.
	EnvWorker = "PROCPOOL_WORKER"

	// EnvWorkerID carries the worker's ID.
	EnvWorkerID = "PROCPOOL_WORKER_ID"

	// EnvWorkerLogLevel sets the slog level used inside workers. Defaults to
	// WARN so job output isn't mixed with worker bookkeeping.
	EnvWorkerLogLevel = "PROCPOOL_WORKER_LOG_LEVEL"
)

// Exit codes of a worker process.
const (
	ExitOK             = 0
	ExitJobFailed      = 1
	ExitBadAssignment  = 3
	ExitUnknownHandler = 4
)

// Assignment is sent to a worker process on its stdin. It carries the single
// chunk of Jobs the worker must run.
type Assignment struct {
	RunID    string         `json:"run_id"`
	WorkerID string         `json:"worker_id"`
	Chunk    int            `json:"chunk"`
	Jobs     []jobqueue.Job `json:"jobs"`
}

// Encode serialises the Assignment for a worker's stdin.
func (a Assignment) Encode() ([]byte, error) {
	b, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("encode assignment: %w", err)
	}

	return b, nil
}

// DecodeAssignment reads an Assignment from r.
func DecodeAssignment(r io.Reader) (Assignment, error) {
	var a Assignment

	if err := json.NewDecoder(r).Decode(&a); err != nil {
		return Assignment{}, fmt.Errorf("decode assignment: %w", err)
	}

	return a, nil
}

// IsWorker reports whether the current process was spawned as a worker.
func IsWorker() bool {
	return os.Getenv(EnvWorker) == "1"
}

// Serve decodes an Assignment from r and invokes each Job, in order, with its
// Handler from reg. It stops at the first failing Job and returns the exit
// code the worker process should exit with.
func Serve(reg *jobqueue.Registry, r io.Reader, logger *slog.Logger) int {
	a, err := DecodeAssignment(r)
	if err != nil {
		logger.Error("read assignment", "err", err)
		return ExitBadAssignment
	}

	logger = logger.With("run", a.RunID, "worker", a.WorkerID, "chunk", a.Chunk)

	for _, job := range a.Jobs {
		logger.Debug("run job", "job", job.ID, "name", job.Name)

		if err := reg.Invoke(job); err != nil {
			logger.Error("job failed", "job", job.ID, "name", job.Name, "err", err)

			if errors.Is(err, jobqueue.ErrUnknownHandler) {
				return ExitUnknownHandler
			}

			return ExitJobFailed
		}
	}

	logger.Debug("chunk complete", "jobs", len(a.Jobs))

	return ExitOK
}

// Main runs the worker side of a spawned process. When the current process is
// not a worker it returns immediately; otherwise it serves the Assignment on
// stdin and exits.
//
//	func main() {
//		jobmanager.Main(registry)
//		// parent only from here
//	}
func Main(reg *jobqueue.Registry) {
	if !IsWorker() {
		return
	}

	level := slog.LevelWarn
	if v := os.Getenv(EnvWorkerLogLevel); v != "" {
		// Unknown levels keep the default.
		_ = level.UnmarshalText([]byte(v))
	}

	logger := slog.New(
		slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}),
	)

	// Processes started by jobs must not mistake themselves for workers.
	os.Unsetenv(EnvWorker)
	os.Unsetenv(EnvWorkerID)
	os.Unsetenv(EnvWorkerLogLevel)

	os.Exit(Serve(reg, os.Stdin, logger))
}
