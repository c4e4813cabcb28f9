package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/emperorhan/webhook-indexer/internal/config"
	"github.com/emperorhan/webhook-indexer/internal/tracing"
)

func newServeCmd(storeMode *string) *cobra.Command {
	var migrate bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, the worker pool and webhook housekeeping",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), *storeMode, migrate)
		},
	}
	cmd.Flags().BoolVar(&migrate, "migrate", false, "apply control-plane migrations before serving")
	return cmd
}

func runServe(parent context.Context, storeMode string, migrate bool) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Log.Level)

	ctx, stop := signal.NotifyContext(contextOrBackground(parent), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tracingEndpoint := ""
	if cfg.Tracing.Enabled {
		tracingEndpoint = cfg.Tracing.Endpoint
	}
	shutdownTracing, err := tracing.Init(ctx, tracing.Config{
		ServiceName: "webhook-indexer",
		Endpoint:    tracingEndpoint,
		Insecure:    cfg.Tracing.Insecure,
		SampleRatio: cfg.Tracing.SampleRatio,
	})
	if err != nil {
		logger.Error("failed to initialize tracing", "error", err)
		return err
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			logger.Warn("tracing shutdown error", "error", err)
		}
	}()

	a, err := newApp(ctx, cfg, storeMode, logger)
	if err != nil {
		logger.Error("failed to build indexer", "error", err)
		return err
	}
	defer a.Close()

	if migrate && a.db != nil {
		if err := a.db.Migrate(ctx); err != nil {
			logger.Error("migration failed", "error", err)
			return err
		}
	}

	logger.Info("starting webhook-indexer",
		"store", storeMode,
		"addr", cfg.Server.Addr,
		"workers", cfg.Pipeline.Workers,
		"provider", cfg.Provider.BaseURL,
		"callback_base_url", cfg.Registry.CallbackBaseURL,
		"rate_limit_backend", cfg.RateLimit.Backend,
		"tracing", cfg.Tracing.Enabled,
	)

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.server.Start(cfg.Server.Addr)
	})
	g.Go(func() error {
		<-gCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return a.server.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		return a.pipeline.Run(gCtx)
	})
	g.Go(func() error {
		return a.registry.Run(gCtx)
	})
	if a.pools != nil {
		g.Go(func() error {
			a.pools.RunStatsSampler(gCtx, a.db, cfg.DB.PoolStatsInterval, logger)
			return nil
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("indexer exited with error", "error", err)
		return err
	}
	logger.Info("indexer shut down gracefully")
	return nil
}

func contextOrBackground(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}
