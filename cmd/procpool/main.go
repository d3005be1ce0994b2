// Command procpool runs a manifest of jobs across a bounded pool of worker
// processes.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/automaxprocs/maxprocs"

	"github.com/nixpig/procpool/internal/handlers"
	"github.com/nixpig/procpool/internal/jobmanager"
	"github.com/nixpig/procpool/internal/jobqueue"
)

func main() {
	reg, err := newRegistry()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err.Error())
		os.Exit(1)
	}

	// Workers are re-executions of this binary and never return from here.
	jobmanager.Main(reg)

	_, _ = maxprocs.Set()

	os.Exit(run(reg))
}

func newRegistry() (*jobqueue.Registry, error) {
	reg := jobqueue.NewRegistry()

	if err := handlers.Register(reg); err != nil {
		return nil, err
	}

	return reg, nil
}

func run(reg *jobqueue.Registry) int {
	ctx, cancel := signal.NotifyContext(
		context.Background(),
		syscall.SIGTERM,
		os.Interrupt,
	)
	defer cancel()

	if err := newCLI(reg).rootCmd().ExecuteContext(ctx); err != nil {
		// Chunk failures are already in the report.
		if !errors.Is(err, errChunksFailed) {
			fmt.Fprintf(os.Stderr, "Error: %s\n", err.Error())
		}

		return 1
	}

	return 0
}
