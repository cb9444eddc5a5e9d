package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/ara-campus/ara/internal/analytics"
	"github.com/ara-campus/ara/internal/api"
	"github.com/ara-campus/ara/internal/corpus"
	"github.com/ara-campus/ara/internal/ratelimit"
	"github.com/ara-campus/ara/pkg/kafka"
	"github.com/ara-campus/ara/pkg/metrics"
	"github.com/ara-campus/ara/pkg/middleware"
)

func newServeCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, root)
		},
	}
}

func serve(ctx context.Context, root *rootOptions) error {
	cfg := root.cfg
	slog.Info("starting ara",
		"port", cfg.Server.Port,
		"corpus_source", cfg.Corpus.Source,
		"kafka", cfg.Kafka.Enabled,
		"postgres", cfg.Postgres.Enabled,
	)

	a, err := buildApp(cfg, buildOptions{registerer: prometheus.DefaultRegisterer, withAnalytics: true})
	if err != nil {
		return err
	}
	defer a.Close()

	var wg sync.WaitGroup
	goRun := func(fn func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn()
		}()
	}

	// A corpus that fails to load leaves knowledge answers unavailable; the
	// data intents still work.
	if stats, err := a.index.Rebuild(ctx); err != nil {
		slog.Error("initial corpus build failed", "error", err)
	} else {
		slog.Info("corpus loaded", "documents", stats.Documents, "source", stats.Source)
	}

	a.cache.StartSweeper(ctx)
	a.collector.Start(ctx)

	reloader := corpus.NewReloader(a.index, cfg.Corpus.RefreshInterval)
	goRun(func() { reloader.Run(ctx) })

	if cfg.Kafka.Enabled {
		reloads := kafka.NewConsumer(cfg.Kafka, cfg.Kafka.Topics.CorpusReload, reloader.HandleMessage)
		goRun(func() { reloads.Run(ctx) })
		events := kafka.NewConsumer(cfg.Kafka, cfg.Kafka.Topics.AnalyticsEvents, a.analytics.HandleMessage)
		goRun(func() { events.Run(ctx) })
	}
	if a.db != nil {
		store := analytics.NewStore(a.db)
		if snap, err := store.LatestSnapshot(ctx); err != nil {
			slog.Warn("could not read last analytics snapshot", "error", err)
		} else if snap != nil {
			slog.Info("last analytics snapshot", "total_asks", snap.TotalAsks, "since", snap.Since)
		}
		goRun(func() { store.RunPeriodicSave(ctx, a.analytics, cfg.Analytics.SnapshotInterval) })
	}

	deps := api.Deps{
		Analytics:      analytics.NewHandler(a.analytics).Stats,
		Health:         a.healthChecker(),
		Metrics:        a.metrics,
		CORS:           middleware.DefaultCORSConfig(),
		RequestCeiling: cfg.Server.RequestCeiling,
	}
	if cfg.RateLimit.Enabled {
		limiter := ratelimit.New(cfg.RateLimit.Limit, cfg.RateLimit.Window)
		goRun(func() { limiter.Run(ctx, cfg.RateLimit.Window) })
		deps.Limiter = limiter
	}

	var shutdownMetrics func(context.Context) error
	if cfg.Metrics.Enabled {
		shutdownMetrics = metrics.StartServer(cfg.Metrics.Port, prometheus.DefaultGatherer)
	}

	handler := api.NewHandler(a.router, a.aggregator, a.cache, a.index)
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      api.NewRouter(handler, deps),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("ara listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			slog.Error("server error", "error", err)
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}
	if shutdownMetrics != nil {
		if err := shutdownMetrics(shutdownCtx); err != nil {
			slog.Error("metrics server shutdown error", "error", err)
		}
	}

	a.collector.Close()
	waitTimeout(&wg, cfg.Server.ShutdownTimeout)
	slog.Info("ara stopped")
	return nil
}

func waitTimeout(wg *sync.WaitGroup, d time.Duration) {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(d):
		slog.Warn("background workers did not stop in time")
	}
}
