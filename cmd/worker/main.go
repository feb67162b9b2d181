package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"ingestion-scheduler/internal/app"
	"ingestion-scheduler/internal/config"
	"ingestion-scheduler/internal/logging"
	"ingestion-scheduler/internal/telemetry"
)

// The worker hosts the singleton dispatcher. Run exactly one replica.
func main() {
	cfg := config.Load()
	logger := logging.New(cfg.LogLevel, cfg.Env, "worker")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	components, err := app.Build(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("build components")
	}
	defer components.Close()

	metricsServer := &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           telemetry.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	report, err := components.Executor.Recover(ctx)
	if err != nil {
		logger.Fatal().Err(err).Msg("recover claimed batches")
	}
	logger.Info().Int("requeued", report.Requeued).Int("dropped", report.Dropped).Msg("claimed batches recovered")

	dispatcher := components.Dispatcher(logger.With().Str("module", "dispatcher").Logger())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn().Err(err).Msg("metrics server stopped")
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return metricsServer.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		logger.Info().
			Dur("rate_limit_interval", cfg.RateLimitInterval).
			Dur("tick", cfg.DispatchTick).
			Msg("worker started")
		if err := dispatcher.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("worker stopped")
		os.Exit(1)
	}
	logger.Info().Msg("worker stopped")
}
