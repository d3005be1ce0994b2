package jobmanager_test

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"syscall"

	"github.com/nixpig/procpool/internal/jobmanager"
)

// fakeSpawner hands out in-memory processes. Chunks listed in failFor fail
// to spawn that many times, or forever if negative.
type fakeSpawner struct {
	mu sync.Mutex

	failFor  map[int]int
	block    bool
	exitCode int

	spawned  []int
	attempts map[int]int
	procs    []*fakeProcess
}

func newFakeSpawner(failFor map[int]int) *fakeSpawner {
	if failFor == nil {
		failFor = make(map[int]int)
	}

	return &fakeSpawner{
		failFor:  failFor,
		attempts: make(map[int]int),
	}
}

func (s *fakeSpawner) Spawn(
	ctx context.Context,
	a jobmanager.Assignment,
) (jobmanager.Process, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.attempts[a.Chunk]++

	if n := s.failFor[a.Chunk]; n != 0 {
		if n > 0 {
			s.failFor[a.Chunk] = n - 1
		}

		return nil, fmt.Errorf("fork/exec: %w", syscall.EAGAIN)
	}

	p := &fakeProcess{
		id:   a.WorkerID,
		pid:  1000 + len(s.procs),
		done: make(chan struct{}),
	}

	s.spawned = append(s.spawned, a.Chunk)
	s.procs = append(s.procs, p)

	if !s.block {
		p.exit(s.exitCode, nil, false)
	}

	return p, nil
}

func (s *fakeSpawner) spawnOrder() []int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]int(nil), s.spawned...)
}

func (s *fakeSpawner) attemptsFor(chunk int) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.attempts[chunk]
}

// releaseAll lets every blocked process exit with code.
func (s *fakeSpawner) releaseAll(code int) {
	s.mu.Lock()
	procs := append([]*fakeProcess(nil), s.procs...)
	s.mu.Unlock()

	for _, p := range procs {
		p.exit(code, nil, false)
	}
}

type fakeProcess struct {
	id  string
	pid int

	once   sync.Once
	done   chan struct{}
	mu     sync.Mutex
	status jobmanager.WorkerStatus
}

func (p *fakeProcess) exit(code int, sig os.Signal, interrupted bool) {
	p.once.Do(func() {
		p.mu.Lock()
		p.status = jobmanager.WorkerStatus{
			State:       jobmanager.WorkerStateStopped,
			ExitCode:    code,
			Signal:      sig,
			Interrupted: interrupted,
		}
		p.mu.Unlock()

		close(p.done)
	})
}

func (p *fakeProcess) ID() string                  { return p.id }
func (p *fakeProcess) Pid() int                    { return p.pid }
func (p *fakeProcess) Done() <-chan struct{}       { return p.done }
func (p *fakeProcess) OutputDone() <-chan struct{} { return p.done }
func (p *fakeProcess) Output() []byte              { return nil }
func (p *fakeProcess) StreamOutput() io.ReadCloser { return io.NopCloser(strings.NewReader("")) }

func (p *fakeProcess) Status() *jobmanager.WorkerStatus {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := p.status
	if s.State == jobmanager.WorkerStateUnknown {
		s = jobmanager.WorkerStatus{
			State:    jobmanager.WorkerStateStarted,
			ExitCode: -1,
		}
	}

	return &s
}

func (p *fakeProcess) Stop() error {
	select {
	case <-p.done:
		return jobmanager.NewInvalidStateError(
			jobmanager.WorkerStateStopped,
			jobmanager.WorkerStateStopping,
		)
	default:
	}

	p.exit(-1, syscall.SIGKILL, true)

	return nil
}
