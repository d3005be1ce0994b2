package jobmanager

import (
	"os"
	"time"
)

// ChunkStatus is the final status of a chunk after a run.
type ChunkStatus int

const (
	// ChunkNotStarted indicates no worker was spawned for the chunk, because
	// the run was cancelled or spawn retries were exhausted first.
	ChunkNotStarted ChunkStatus = iota

	// ChunkSucceeded indicates the worker exited with code 0.
	ChunkSucceeded

	// ChunkFailed indicates the worker exited with a non-zero code or was
	// killed by a signal it wasn't sent by the Runner.
	ChunkFailed

	// ChunkInterrupted indicates the Runner stopped the worker.
	ChunkInterrupted
)

var chunkStatuses = []string{
	"NotStarted",
	"Succeeded",
	"Failed",
	"Interrupted",
}

func (s ChunkStatus) String() string {
	if int(s) < 0 || int(s) >= len(chunkStatuses) {
		return "Unknown"
	}

	return chunkStatuses[s]
}

// ChunkOutcome records what happened to one chunk during a run.
type ChunkOutcome struct {
	Index    int
	WorkerID string
	Pid      int
	JobIDs   []string
	Status   ChunkStatus
	ExitCode int
	Signal   os.Signal

	// Attempts is the number of spawn attempts, including the successful one.
	Attempts int

	// Output is the worker's combined stdout/stderr.
	Output []byte

	Duration time.Duration
}

// RunResult is returned from Runner.Run. Outcomes are ordered by chunk index.
type RunResult struct {
	RunID    string
	Outcomes []ChunkOutcome
}

// Succeeded reports whether every chunk succeeded. A run with no chunks
// succeeded.
func (r *RunResult) Succeeded() bool {
	return len(r.Failed()) == 0
}

// Failed returns every outcome whose status is not ChunkSucceeded.
func (r *RunResult) Failed() []ChunkOutcome {
	var failed []ChunkOutcome

	for _, o := range r.Outcomes {
		if o.Status != ChunkSucceeded {
			failed = append(failed, o)
		}
	}

	return failed
}

// Jobs returns the total number of jobs across all chunks.
func (r *RunResult) Jobs() int {
	n := 0
	for _, o := range r.Outcomes {
		n += len(o.JobIDs)
	}

	return n
}
