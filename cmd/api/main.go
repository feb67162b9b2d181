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

	"ingestion-scheduler/internal/api"
	"ingestion-scheduler/internal/app"
	"ingestion-scheduler/internal/config"
	"ingestion-scheduler/internal/logging"
)

func main() {
	cfg := config.Load()
	logger := logging.New(cfg.LogLevel, cfg.Env, "api")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	components, err := app.Build(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("build components")
	}
	defer components.Close()

	server := api.New(components.Service, components.SubmitLimiter(), logger.With().Str("module", "http").Logger())
	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info().Str("addr", httpServer.Addr).Msg("api listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	// Single-process mode: the dispatcher shares the in-memory queue with the handlers.
	if cfg.RunDispatcher {
		report, err := components.Executor.Recover(ctx)
		if err != nil {
			logger.Fatal().Err(err).Msg("recover claimed batches")
		}
		logger.Info().Int("requeued", report.Requeued).Int("dropped", report.Dropped).Msg("claimed batches recovered")
		dispatcher := components.Dispatcher(logger.With().Str("module", "dispatcher").Logger())
		g.Go(func() error {
			if err := dispatcher.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("api stopped")
		os.Exit(1)
	}
	logger.Info().Msg("api stopped")
}
