package jobmanager

import "sync/atomic"

type WorkerState int

const (
	// WorkerStateUnknown indicates the state of the worker is unknown. It's used
	// as the zero value for functions that return a (possibly absent)
	// WorkerState.
	WorkerStateUnknown WorkerState = iota

	// WorkerStateCreated indicates the worker process has been configured and
	// its output pipe allocated. The worker can be started.
	WorkerStateCreated

	// WorkerStateStarting indicates Start() has been called but the process has
	// not yet been created.
	WorkerStateStarting

	// WorkerStateStarted indicates the worker process is running its chunk. The
	// worker can be stopped.
	WorkerStateStarted

	// WorkerStateStopping indicates the worker process has been sent a kill but
	// has not yet been reaped.
	WorkerStateStopping

	// WorkerStateStopped indicates the worker process has exited and been
	// reaped.
	WorkerStateStopped

	// WorkerStateFailed indicates the worker process could not be spawned, e.g.
	// the OS refused to create it.
	WorkerStateFailed
)

// NOTE: This slice needs to be kept in sync with any changes to the
// WorkerState values.
var workerStates = []string{
	"Unknown",
	"Created",
	"Starting",
	"Started",
	"Stopping",
	"Stopped",
	"Failed",
}

// String implements the Stringer interface for WorkerState.
func (s WorkerState) String() string {
	if int(s) < 0 || int(s) >= len(workerStates) {
		return workerStates[0]
	}

	return workerStates[s]
}

// AtomicWorkerState is a wrapper around an atomic.Int32 to provide atomic
// operations on a WorkerState. Transitions are validated with CompareAndSwap
// so a Worker needs no mutex.
type AtomicWorkerState struct {
	v atomic.Int32
}

// Load atomically loads the WorkerState value.
func (a *AtomicWorkerState) Load() WorkerState {
	return WorkerState(a.v.Load())
}

// Store atomically stores the WorkerState value.
func (a *AtomicWorkerState) Store(s WorkerState) {
	a.v.Store(int32(s))
}

// CompareAndSwap performs an atomic compare-and-swap operation with an old and
// new WorkerState.
func (a *AtomicWorkerState) CompareAndSwap(o, n WorkerState) bool {
	return a.v.CompareAndSwap(int32(o), int32(n))
}

// RunState is the phase of a Runner.
type RunState int

const (
	// RunStateIdle indicates Run has never been called.
	RunStateIdle RunState = iota

	// RunStatePartitioning indicates the queue is being drained into chunks.
	RunStatePartitioning

	// RunStateSpawning indicates worker processes are being spawned, including
	// retries of chunks that failed to spawn.
	RunStateSpawning

	// RunStateReaping indicates the runner is waiting for spawned workers to
	// exit.
	RunStateReaping

	// RunStateDone indicates the last Run returned. The Runner can be run
	// again once its queue is repopulated.
	RunStateDone
)

var runStates = []string{
	"Idle",
	"Partitioning",
	"Spawning",
	"Reaping",
	"Done",
}

func (s RunState) String() string {
	if int(s) < 0 || int(s) >= len(runStates) {
		return "Unknown"
	}

	return runStates[s]
}

// AtomicRunState provides atomic operations on a RunState.
type AtomicRunState struct {
	v atomic.Int32
}

func (a *AtomicRunState) Load() RunState {
	return RunState(a.v.Load())
}

func (a *AtomicRunState) Store(s RunState) {
	a.v.Store(int32(s))
}

func (a *AtomicRunState) CompareAndSwap(o, n RunState) bool {
	return a.v.CompareAndSwap(int32(o), int32(n))
}
