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
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/seral-labs/harbinger/internal/index"
	"github.com/seral-labs/harbinger/internal/indexer"
	"github.com/seral-labs/harbinger/internal/sbom"
	"github.com/seral-labs/harbinger/internal/vex"
	"github.com/seral-labs/harbinger/pkg/bus"
	"github.com/seral-labs/harbinger/pkg/config"
	"github.com/seral-labs/harbinger/pkg/health"
	"github.com/seral-labs/harbinger/pkg/logger"
	"github.com/seral-labs/harbinger/pkg/metrics"
	"github.com/seral-labs/harbinger/pkg/storage"
)

// collections maps collection names to their schema and mapper.
var collections = map[string]func() index.Collection{
	"sbom": func() index.Collection { return sbom.NewCollection() },
	"vex":  func() index.Collection { return vex.NewCollection() },
}

func main() {
	configPath := flag.String("config", "configs/development.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger.Setup(cfg.Logging.Level, cfg.Logging.Format)
	slog.Info("starting indexer service", "collections", cfg.Indexer.Collections)

	m := metrics.New()

	b := bus.NewKafka(cfg.Kafka)
	defer b.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	checker := health.NewChecker()

	group, ctx := errgroup.WithContext(ctx)
	for _, name := range cfg.Indexer.Collections {
		newCollection, ok := collections[name]
		if !ok {
			slog.Error("unknown collection", "collection", name)
			os.Exit(1)
		}
		topics, err := cfg.Kafka.TopicsFor(name)
		if err != nil {
			slog.Error("resolving topics", "collection", name, "error", err)
			os.Exit(1)
		}
		store, err := storage.New(cfg.Storage, name)
		if err != nil {
			slog.Error("creating storage", "collection", name, "error", err)
			os.Exit(1)
		}
		idx, err := index.New(newCollection(), indexRoot(cfg.Index.Dir, name))
		if err != nil {
			slog.Error("creating index", "collection", name, "error", err)
			os.Exit(1)
		}
		defer idx.Close()

		checker.Register("storage-"+name, func(ctx context.Context) health.ComponentHealth {
			keys, err := store.List(ctx)
			if err != nil {
				return health.ComponentHealth{Status: health.StatusDown, Message: err.Error()}
			}
			return health.ComponentHealth{Status: health.StatusUp, Message: fmt.Sprintf("%d objects", len(keys))}
		})

		loop := indexer.NewLoop(idx, store, b, indexer.Options{
			Topics:       topics,
			Group:        cfg.Kafka.ConsumerGroup,
			SyncInterval: cfg.Index.SyncInterval,
			Metrics:      m,
		})
		group.Go(func() error { return loop.Run(ctx) })
		slog.Info("indexing loop started", "collection", name)
	}
	checker.Register("kafka", func(ctx context.Context) health.ComponentHealth {
		return health.ComponentHealth{Status: health.StatusUp, Message: "consumers active"}
	})

	// The indexer has no API listener; health and metrics share the
	// metrics port.
	infraMux := http.NewServeMux()
	if cfg.Metrics.Enabled {
		infraMux.Handle("GET /metrics", metrics.Handler())
	}
	infraMux.HandleFunc("GET /healthz/live", checker.LiveHandler())
	infraMux.HandleFunc("GET /healthz/ready", checker.ReadyHandler())

	infra := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Metrics.Port),
		Handler:           infraMux,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      10 * time.Second,
	}
	go func() {
		slog.Info("infra server listening", "addr", infra.Addr)
		if err := infra.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("infra server error", "error", err)
		}
	}()

	err = group.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("indexer error", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := infra.Shutdown(shutdownCtx); err != nil {
		slog.Error("infra server shutdown error", "error", err)
	}
	cancel()

	slog.Info("indexer service stopped")
	if err != nil && !errors.Is(err, context.Canceled) {
		os.Exit(1)
	}
}

// indexRoot scopes the scratch index directory per service and collection,
// so an indexer and an API on the same machine never share gen dirs. Empty
// config keeps the private temp-dir default.
func indexRoot(dir, collection string) string {
	if dir == "" {
		return ""
	}
	return filepath.Join(dir, "indexer", collection)
}
