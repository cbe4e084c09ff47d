package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/seral-labs/harbinger/internal/tracker"
	"github.com/seral-labs/harbinger/pkg/bus"
	"github.com/seral-labs/harbinger/pkg/config"
	"github.com/seral-labs/harbinger/pkg/health"
	"github.com/seral-labs/harbinger/pkg/logger"
	"github.com/seral-labs/harbinger/pkg/metrics"
	"github.com/seral-labs/harbinger/pkg/middleware"
	"github.com/seral-labs/harbinger/pkg/postgres"
)

func main() {
	configPath := flag.String("config", "configs/development.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger.Setup(cfg.Logging.Level, cfg.Logging.Format)
	slog.Info("starting tracker service", "port", cfg.Tracker.Port, "collections", cfg.Indexer.Collections)

	pg, err := postgres.New(cfg.Postgres)
	if err != nil {
		slog.Error("connecting to postgres", "error", err)
		os.Exit(1)
	}
	defer pg.Close()

	m := metrics.New()
	var stopMetrics func(context.Context) error
	if cfg.Metrics.Enabled {
		stopMetrics = metrics.StartServer(cfg.Metrics.Port)
	}

	store := tracker.NewStore(pg, m)
	b := bus.NewKafka(cfg.Kafka)
	defer b.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	checker := health.NewChecker()
	checker.Register("postgres", func(ctx context.Context) health.ComponentHealth {
		if err := pg.DB.PingContext(ctx); err != nil {
			return health.ComponentHealth{Status: health.StatusDown, Message: err.Error()}
		}
		return health.ComponentHealth{Status: health.StatusUp}
	})

	group, ctx := errgroup.WithContext(ctx)
	for _, name := range cfg.Indexer.Collections {
		topics, err := cfg.Kafka.TopicsFor(name)
		if err != nil {
			slog.Error("resolving topics", "collection", name, "error", err)
			os.Exit(1)
		}
		tr := tracker.New(name, store, b, tracker.Options{
			Topics:        topics,
			BatchSize:     cfg.Tracker.BatchSize,
			FlushInterval: cfg.Tracker.FlushInterval,
		})
		group.Go(func() error { return tr.Run(ctx) })
		slog.Info("tracker started", "collection", name)
	}
	checker.Register("kafka", func(ctx context.Context) health.ComponentHealth {
		return health.ComponentHealth{Status: health.StatusUp, Message: "consumers active"}
	})

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/status", tracker.NewHandler(store).Status)
	mux.HandleFunc("GET /healthz/live", checker.LiveHandler())
	mux.HandleFunc("GET /healthz/ready", checker.ReadyHandler())

	var chain http.Handler = mux
	chain = middleware.Metrics(m)(chain)
	chain = middleware.Timeout(cfg.Server.RequestTimeout)(chain)
	chain = middleware.RequestID()(chain)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Tracker.Port),
		Handler:      chain,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		<-ctx.Done()
		slog.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}
	}()

	slog.Info("tracker service listening", "addr", server.Addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("server error", "error", err)
	}

	err = group.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("tracker error", "error", err)
	}

	if stopMetrics != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := stopMetrics(shutdownCtx); err != nil {
			slog.Error("metrics server shutdown error", "error", err)
		}
		cancel()
	}
	slog.Info("tracker service stopped")
}
