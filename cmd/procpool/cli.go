package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/nixpig/procpool/internal/config"
	"github.com/nixpig/procpool/internal/config/manifest"
	"github.com/nixpig/procpool/internal/jobmanager"
	"github.com/nixpig/procpool/internal/jobmanager/cgroups"
	"github.com/nixpig/procpool/internal/jobqueue"
	"github.com/nixpig/procpool/internal/telemetry"
)

// TODO: Inject version at build time.
const version = "0.0.1"

const shutdownTimeout = 5 * time.Second

var errChunksFailed = errors.New("one or more chunks failed")

type cli struct {
	reg        *jobqueue.Registry
	configPath string
}

func newCLI(reg *jobqueue.Registry) *cli {
	return &cli{reg: reg}
}

func (c *cli) rootCmd() *cobra.Command {
	command := &cobra.Command{
		Use:           "procpool",
		Short:         "Run a manifest of jobs across a pool of worker processes",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	command.AddCommand(
		c.runCmd(),
		c.handlersCmd(),
	)

	command.CompletionOptions.HiddenDefaultCmd = true

	command.PersistentFlags().StringVar(
		&c.configPath,
		"config",
		"",
		"Path to YAML config file",
	)

	command.PersistentFlags().Bool("debug", false, "Enable debug logs")

	command.PersistentFlags().String(
		"otlp-endpoint",
		"",
		"OTLP gRPC collector (host:port) to export traces and metrics to",
	)

	command.PersistentFlags().String(
		"debug-addr",
		"",
		"Address to serve the runtime dashboard on, e.g. localhost:6060",
	)

	return command
}

func (c *cli) runCmd() *cobra.Command {
	command := &cobra.Command{
		Use:     "run [flags]",
		Short:   "Run every job in a manifest",
		Example: "  procpool run --manifest jobs.yaml --workers 8 --timeout 5m",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(c.configPath, cmd.Flags())
			if err != nil {
				return err
			}

			return c.run(cmd.Context(), cmd.OutOrStdout(), cmd.ErrOrStderr(), cfg)
		},
	}

	f := command.Flags()

	f.StringP("manifest", "f", "", "Path to the jobs manifest")
	f.IntP("workers", "w", 0, "Maximum number of worker processes; non-positive uses the default of 4")
	f.Duration("timeout", 0, "Kill outstanding workers after this long")
	f.Bool("follow", false, "Stream worker output as it's produced")

	f.Int("max-spawn-attempts", 0, "Spawn attempts per chunk; -1 retries forever (default 10)")
	f.Float64("spawn-rate", 0, "Maximum worker spawns per second; 0 is unlimited")
	f.Int("spawn-burst", 0, "Spawns allowed at once when rate limited")

	f.String("cgroup-root", cgroups.DefaultRoot, "cgroup v2 root for worker cgroups")
	f.Int64("cpu-max", 0, "CPU limit per worker, in percent of one CPU")
	f.Int64("memory-max", 0, "Memory limit per worker, in bytes")
	f.Int64("io-max", 0, "Read and write limit per worker, in bytes per second")

	return command
}

func (c *cli) handlersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "handlers",
		Short: "List the job handlers available to manifests",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, name := range c.reg.Names() {
				fmt.Fprintln(cmd.OutOrStdout(), name)
			}

			return nil
		},
	}
}

func (c *cli) run(
	ctx context.Context,
	stdout, stderr io.Writer,
	cfg *config.Config,
) error {
	logger := newLogger(stderr, cfg.Debug)

	shutdownTelemetry, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName: "procpool",
		Endpoint:    cfg.OTLPEndpoint,
		Insecure:    true,
	}, logger)
	if err != nil {
		return err
	}

	defer func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()

		if shutdownErr := shutdownTelemetry(ctx); shutdownErr != nil {
			logger.Warn("flush telemetry", "err", shutdownErr)
		}
	}()

	if cfg.DebugAddr != "" {
		srv, err := telemetry.StartDebugServer(cfg.DebugAddr, logger)
		if err != nil {
			return err
		}

		defer srv.Shutdown(context.WithoutCancel(ctx))
	}

	if cfg.Manifest == "" {
		return errors.New("manifest is required")
	}

	m, err := manifest.NewLoader(cfg.Manifest).Load(ctx)
	if err != nil {
		return err
	}

	if err := m.CheckHandlers(c.reg); err != nil {
		return err
	}

	limits := cfg.Cgroup.Limits()
	if limits != nil {
		if err := cgroups.ValidateCgroupRoot(cfg.Cgroup.Root); err != nil {
			return err
		}
	}

	jobs := m.Expand()

	var bar *progressbar.ProgressBar
	if !cfg.Follow && len(jobs) > 0 {
		bar = newProgressBar(stderr, len(jobs))
	}

	opts := jobmanager.Options{
		MaxWorkers: cfg.Workers,
		Spawner: jobmanager.NewExecSpawner(jobmanager.WorkerConfig{
			CgroupRoot: cfg.Cgroup.Root,
			Limits:     limits,
		}),
		Retry: jobmanager.RetryPolicy{
			MaxAttempts:     cfg.Retry.MaxAttempts,
			InitialInterval: cfg.Retry.InitialInterval,
			MaxInterval:     cfg.Retry.MaxInterval,
		},
		SpawnRate:  cfg.Spawn.Rate,
		SpawnBurst: cfg.Spawn.Burst,
		Timeout:    cfg.Timeout,
		Logger:     logger,
		OnExit: func(o jobmanager.ChunkOutcome) {
			if bar != nil {
				_ = bar.Add(len(o.JobIDs))
			}
		},
	}

	if cfg.Follow {
		opts.Output = stdout
	}

	runner := jobmanager.NewRunner(opts)

	for _, job := range jobs {
		runner.Enqueue(job)
	}

	logger.Debug(
		"running manifest",
		"manifest", cfg.Manifest,
		"jobs", len(jobs),
		"max_workers", runner.MaxWorkers(),
	)

	result, runErr := runner.Run(ctx)

	if bar != nil {
		_ = bar.Exit()
	}

	if result != nil {
		if err := renderReport(stdout, result, !cfg.Follow); err != nil {
			logger.Warn("render report", "err", err)
		}
	}

	if runErr != nil {
		return runErr
	}

	if !result.Succeeded() {
		return errChunksFailed
	}

	return nil
}

func newLogger(w io.Writer, debug bool) *slog.Logger {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}

	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

func newProgressBar(w io.Writer, total int) *progressbar.ProgressBar {
	return progressbar.NewOptions(
		total,
		progressbar.OptionSetWriter(w),
		progressbar.OptionSetDescription("Running jobs"),
		progressbar.OptionSetWidth(40),
		progressbar.OptionShowCount(),
		progressbar.OptionClearOnFinish(),
	)
}
