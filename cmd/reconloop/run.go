package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/reconloop/reconloop/internal/log"
	"github.com/reconloop/reconloop/internal/metrics"
	"github.com/reconloop/reconloop/internal/model"
	"github.com/reconloop/reconloop/internal/org"
	"github.com/reconloop/reconloop/internal/scheduler"
	"github.com/reconloop/reconloop/internal/status"
)

func doRun(cmd *cobra.Command, args []string) error {
	if flagMaxThreads < 1 {
		return fmt.Errorf("--max-threads must be at least 1, got %d", flagMaxThreads)
	}

	logger, closer, err := openLogger(config.Log, flagDebug)
	if err != nil {
		return err
	}
	defer func() {
		_ = closer.Close()
	}()
	slog.SetDefault(logger)

	ctx := log.ContextAttrs(cmd.Context(), slog.Group("reconloop",
		slog.String("cmd", "run"),
		slog.Int("pid", os.Getpid()),
	))
	logger.DebugContext(ctx, "reconloop run", "configPath", configPath, "maxThreads", flagMaxThreads)

	return run(ctx, runOptions{
		config:     config,
		scopeDir:   args[0],
		maxThreads: flagMaxThreads,
		logger:     logger,
		stdout:     cmd.OutOrStdout(),
	})
}

type runOptions struct {
	config     model.Config
	scopeDir   string
	maxThreads int
	logger     *slog.Logger
	stdout     io.Writer
}

// run bootstraps every organization of scopeDir and schedules their chains
// until ctx is done.
func run(ctx context.Context, opts runOptions) error {
	cfg := opts.config
	logger := opts.logger

	orgs, err := org.BootstrapAll(ctx, cfg.Root, opts.scopeDir, opts.maxThreads, logger)
	if err != nil {
		if len(orgs) == 0 {
			return fmt.Errorf("bootstrapping organizations: %w", err)
		}
		logger.WarnContext(ctx, "some organizations were skipped", "error", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := metrics.NewCollector(reg)

	builder := org.NewBuilder(cfg,
		org.WithLogger(logger),
		org.WithObserver(collector),
		org.WithResultsRecorder(collector),
	)
	sups := builder.Supervisors(ctx, orgs)
	if len(sups) == 0 {
		return errNoOrganizations
	}

	sched, err := scheduler.New(sups, scheduler.Options{
		MaxWorkers: opts.maxThreads,
		Tick:       cfg.Tick.Std(),
		Sink:       sink(cfg.Display, opts.stdout, logger, collector),
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return sched.Run(gctx)
	})
	if cfg.Metrics != nil && cfg.Metrics.Enabled {
		g.Go(func() error {
			return metrics.Serve(gctx, cfg.Metrics.Addr, reg, logger)
		})
	}
	return g.Wait()
}

// sink always refreshes the prometheus gauges, plus the configured display.
func sink(display string, stdout io.Writer, logger *slog.Logger, collector *metrics.Collector) status.Sink {
	sinks := status.Multi{status.NewMetrics(collector)}
	switch display {
	case model.DisplayTable:
		sinks = append(sinks, status.NewTable(stdout))
	case model.DisplayLog:
		sinks = append(sinks, status.NewLog(logger))
	}
	return sinks
}
