// Command bookwatch runs the order-book harvester processes: a discovery
// process that maintains each venue's active instrument set, and a logger
// process that polls order books and appends them to the JSONL journals.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/pool"
	"github.com/spf13/cobra"

	"github.com/predictops/bookwatch/config"
	"github.com/predictops/bookwatch/internal/discovery"
	"github.com/predictops/bookwatch/internal/observability"
	"github.com/predictops/bookwatch/internal/poller"
	"github.com/predictops/bookwatch/internal/telemetry"
	"github.com/predictops/bookwatch/internal/venue"
	"github.com/predictops/bookwatch/internal/venue/registry"
	libtelemetry "github.com/predictops/bookwatch/lib/telemetry"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "bookwatch",
		Short:         "Prediction-market order-book harvester",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to YAML config file")

	root.AddCommand(&cobra.Command{
		Use:   "run-discovery",
		Short: "Run the discovery process for all configured venues",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runProcess(cmd.Context(), configPath, "discovery", runDiscovery)
		},
	})
	root.AddCommand(&cobra.Command{
		Use:   "run-logger",
		Short: "Run the polling process for all configured venues",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runProcess(cmd.Context(), configPath, "logger", runLogger)
		},
	})
	return root
}

type processFunc func(ctx context.Context, cfg config.Settings, runtimes []venue.Runtime, log zerolog.Logger, metrics *telemetry.Metrics) error

func runProcess(parent context.Context, configPath, name string, run processFunc) error {
	cfg, fromFile, err := config.Load(configPath)
	if err != nil {
		return err
	}

	log := observability.NewLogger(cfg.Logging).With().Str("process", name).Logger()
	log.Info().
		Str("output_dir", cfg.OutputDir).
		Bool("config_file", fromFile).
		Int("venues", len(cfg.Venues)).
		Msg("starting")

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	provider, shutdownMetrics, err := libtelemetry.Setup(ctx, cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownMetrics(flushCtx); err != nil {
			log.Warn().Err(err).Msg("metrics shutdown failed")
		}
	}()

	metrics, err := telemetry.New(provider.Meter("bookwatch/" + name))
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}

	runtimes, err := registry.Build(cfg)
	if err != nil {
		return err
	}

	err = run(ctx, cfg, runtimes, log, metrics)
	log.Info().Msg("stopped")
	return err
}

func runDiscovery(ctx context.Context, cfg config.Settings, runtimes []venue.Runtime, log zerolog.Logger, metrics *telemetry.Metrics) error {
	group := pool.New().WithContext(ctx).WithCancelOnError()
	for _, rt := range runtimes {
		svc := discovery.NewService(cfg.OutputDir, rt, cfg.Discovery, cfg.Poller, log, metrics)
		group.Go(svc.Run)
	}
	return group.Wait()
}

func runLogger(ctx context.Context, cfg config.Settings, runtimes []venue.Runtime, log zerolog.Logger, metrics *telemetry.Metrics) error {
	runID := uuid.NewString()
	log.Info().Str("run_id", runID).Msg("poll run starting")

	group := pool.New().WithContext(ctx).WithCancelOnError()
	for _, rt := range runtimes {
		sched, err := poller.NewScheduler(cfg.OutputDir, rt, cfg.Poller, runID, log, metrics)
		if err != nil {
			return err
		}
		group.Go(sched.Run)
	}
	return group.Wait()
}
