package jobmanager

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/nixpig/procpool/internal/jobmanager/cgroups"
	"github.com/nixpig/procpool/internal/jobmanager/output"
)

// outputGracePeriod bounds how long a reaped Worker waits for its output pipe
// to drain. The pipe stays open past exit if the worker leaked a descendant
// that inherited it.
const outputGracePeriod = 100 * time.Millisecond

// WorkerConfig describes how worker processes are executed.
type WorkerConfig struct {
	// Path to the worker executable. Empty means the current executable.
	Path string

	// Args passed to the worker executable.
	Args []string

	// Env is appended to the parent's environment.
	Env []string

	// Dir is the working directory. Empty means the parent's.
	Dir string

	// CgroupRoot and Limits place each worker in its own cgroup. Limits nil or
	// zero disables cgroups entirely.
	CgroupRoot string
	Limits     *cgroups.ResourceLimits
}

// Worker is a child process executing a single chunk, using exec.Cmd. The
// chunk's Assignment is written to the process' stdin and its combined
// stdout/stderr is captured for concurrent streaming.
type Worker struct {
	id          string
	assignment  Assignment
	state       AtomicWorkerState
	interrupted atomic.Bool

	cmd            *exec.Cmd
	processState   atomic.Pointer[os.ProcessState]
	outputStreamer *output.Streamer
	pipeWriter     io.WriteCloser

	cgroupRoot string
	limits     *cgroups.ResourceLimits
	cgroup     *cgroups.Cgroup

	done chan struct{}
}

// WorkerStatus represents the status of a Worker, including its state, exit
// code, terminating signal, and whether it was interrupted.
type WorkerStatus struct {
	State       WorkerState
	ExitCode    int
	Signal      os.Signal
	Interrupted bool
}

// NewWorker creates a Worker for the given Assignment. It configures an
// output.Streamer for concurrent streaming of process output.
func NewWorker(a Assignment, cfg WorkerConfig) (*Worker, error) {
	if a.WorkerID == "" {
		return nil, errors.New("worker id cannot be empty")
	}

	path := cfg.Path
	if path == "" {
		self, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("resolve worker executable: %w", err)
		}

		path = self
	}

	payload, err := a.Encode()
	if err != nil {
		return nil, err
	}

	cmd := exec.Command(path, cfg.Args...)
	cmd.Dir = cfg.Dir
	cmd.Stdin = bytes.NewReader(payload)

	cmd.Env = append(os.Environ(), cfg.Env...)
	cmd.Env = append(
		cmd.Env,
		EnvWorker+"=1",
		EnvWorkerID+"="+a.WorkerID,
	)

	pr, pw, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create os pipe: %w", err)
	}

	cmd.Stdout = pw
	cmd.Stderr = pw

	w := &Worker{
		id:             a.WorkerID,
		assignment:     a,
		cmd:            cmd,
		outputStreamer: output.NewStreamer(pr),
		pipeWriter:     pw,
		cgroupRoot:     cfg.CgroupRoot,
		limits:         cfg.Limits,
		done:           make(chan struct{}),
	}

	w.state.Store(WorkerStateCreated)

	return w, nil
}

// Start spawns the worker process. Trying to start a Worker that is not in
// WorkerStateCreated returns an InvalidStateError.
func (w *Worker) Start() error {
	if !w.state.CompareAndSwap(WorkerStateCreated, WorkerStateStarting) {
		return NewInvalidStateError(w.state.Load(), WorkerStateStarting)
	}

	if !w.limits.IsZero() {
		cg, err := cgroups.CreateCgroup(w.cgroupRoot, w.id, w.limits)
		if err != nil {
			w.fail()
			return fmt.Errorf("create worker cgroup: %w", err)
		}

		w.cgroup = cg

		if err := w.attachCgroup(); err != nil {
			w.fail()
			return err
		}
	}

	if err := w.cmd.Start(); err != nil {
		w.fail()
		return fmt.Errorf("failed to start process: %w", err)
	}

	w.pipeWriter.Close()

	// NOTE: Without a cgroup FD the process briefly runs outside its cgroup
	// before being moved. The limits still apply to everything after.
	if w.cgroup != nil && w.cgroup.FD() == nil {
		if err := w.cgroup.Join(w.cmd.Process.Pid); err != nil {
			w.cmd.Process.Kill()
		}
	}

	w.state.Store(WorkerStateStarted)

	go func() {
		w.cmd.Wait()

		w.processState.Store(w.cmd.ProcessState)

		select {
		case <-w.outputStreamer.Done():
		case <-time.After(outputGracePeriod):
		}

		w.cleanup()

		// Stopping -> Stopped or Started -> Stopped.
		w.state.Store(WorkerStateStopped)

		close(w.done)
	}()

	return nil
}

// Stop kills the worker process. Trying to stop a Worker that is not in
// WorkerStateStarted returns an InvalidStateError.
func (w *Worker) Stop() error {
	if !w.state.CompareAndSwap(WorkerStateStarted, WorkerStateStopping) {
		return NewInvalidStateError(w.state.Load(), WorkerStateStopping)
	}

	w.interrupted.Store(true)

	if w.cgroup != nil {
		if err := w.cgroup.Kill(); err == nil {
			return nil
		}
	}

	if err := w.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}

	return nil
}

// ID returns the ID of the Worker.
func (w *Worker) ID() string {
	return w.id
}

// Pid returns the OS process identifier, or 0 if the process hasn't started.
func (w *Worker) Pid() int {
	if w.state.Load() < WorkerStateStarted || w.cmd.Process == nil {
		return 0
	}

	return w.cmd.Process.Pid
}

// Assignment returns the chunk Assignment the Worker executes.
func (w *Worker) Assignment() Assignment {
	return w.assignment
}

// State returns the state of the Worker.
func (w *Worker) State() WorkerState {
	return w.state.Load()
}

// Interrupted returns whether the Worker was stopped before its process
// exited on its own.
func (w *Worker) Interrupted() bool {
	if !w.interrupted.Load() {
		return false
	}

	// A process that exited before the kill landed ran to completion.
	if w.processState.Load() != nil && w.Signal() == nil {
		return false
	}

	return true
}

// ExitCode returns the exit code of the process or -1 if the process hasn't
// exited or was terminated by a signal.
func (w *Worker) ExitCode() int {
	ps := w.processState.Load()
	if ps == nil {
		return -1
	}

	return ps.ExitCode()
}

// Signal returns the signal that terminated the process, or nil.
func (w *Worker) Signal() os.Signal {
	ps := w.processState.Load()
	if ps == nil {
		return nil
	}

	ws, ok := ps.Sys().(syscall.WaitStatus)
	if !ok || !ws.Signaled() {
		return nil
	}

	return ws.Signal()
}

// StreamOutput returns an io.ReadCloser of output from the Worker.
//
// Read returns all output since the Worker started and blocks waiting for new
// output.
func (w *Worker) StreamOutput() io.ReadCloser {
	return w.outputStreamer.Subscribe()
}

// Output returns a copy of the output captured so far.
func (w *Worker) Output() []byte {
	return w.outputStreamer.Bytes()
}

// OutputDone returns a channel that is closed when the output pipe has been
// read to EOF.
func (w *Worker) OutputDone() <-chan struct{} {
	return w.outputStreamer.Done()
}

// Done returns a channel that is closed when the worker process has exited and
// been reaped.
func (w *Worker) Done() <-chan struct{} {
	return w.done
}

// Status returns the status of the Worker.
func (w *Worker) Status() *WorkerStatus {
	return &WorkerStatus{
		State:       w.state.Load(),
		ExitCode:    w.ExitCode(),
		Signal:      w.Signal(),
		Interrupted: w.Interrupted(),
	}
}

func (w *Worker) fail() {
	w.state.Store(WorkerStateFailed)

	// Closing the write end lets the Streamer see EOF and release the read end.
	w.pipeWriter.Close()

	w.cleanup()
}

func (w *Worker) cleanup() {
	if w.cgroup != nil {
		// NOTE: Best effort; a cgroup that can't be removed is left for the
		// operator and doesn't affect the outcome of the chunk.
		w.cgroup.Destroy()
	}
}
