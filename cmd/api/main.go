package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/seral-labs/harbinger/internal/api"
	"github.com/seral-labs/harbinger/internal/index"
	"github.com/seral-labs/harbinger/internal/sbom"
	"github.com/seral-labs/harbinger/internal/vex"
	"github.com/seral-labs/harbinger/pkg/bus"
	"github.com/seral-labs/harbinger/pkg/config"
	"github.com/seral-labs/harbinger/pkg/health"
	"github.com/seral-labs/harbinger/pkg/logger"
	"github.com/seral-labs/harbinger/pkg/metrics"
	pkgredis "github.com/seral-labs/harbinger/pkg/redis"
	"github.com/seral-labs/harbinger/pkg/storage"
)

// collections maps collection names to their schema and key derivation.
var collections = map[string]struct {
	newCollection func() index.Collection
	deriveKey     api.DeriveKey
}{
	"sbom": {func() index.Collection { return sbom.NewCollection() }, sbom.DeriveKey},
	"vex":  {func() index.Collection { return vex.NewCollection() }, vex.DeriveKey},
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
	slog.Info("starting api service", "port", cfg.Server.Port, "collections", cfg.Indexer.Collections)

	m := metrics.New()
	var stopMetrics func(context.Context) error
	if cfg.Metrics.Enabled {
		stopMetrics = metrics.StartServer(cfg.Metrics.Port)
	}

	b := bus.NewKafka(cfg.Kafka)
	defer b.Close()

	var searchCache *api.Cache
	redisClient, err := pkgredis.NewClient(cfg.Redis)
	if err != nil {
		slog.Warn("redis unavailable, search caching disabled", "error", err)
	} else {
		defer redisClient.Close()
		searchCache = api.NewCache(redisClient, cfg.Redis.CacheTTL, m)
		slog.Info("search cache enabled", "addr", cfg.Redis.Addr, "ttl", cfg.Redis.CacheTTL)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	checker := health.NewChecker()
	checker.Register("redis", func(ctx context.Context) health.ComponentHealth {
		if redisClient == nil {
			return health.ComponentHealth{Status: health.StatusDegraded, Message: "not configured"}
		}
		if err := redisClient.Ping(ctx); err != nil {
			return health.ComponentHealth{Status: health.StatusDegraded, Message: err.Error()}
		}
		return health.ComponentHealth{Status: health.StatusUp}
	})

	group, ctx := errgroup.WithContext(ctx)
	var handlers []*api.Handler
	for _, name := range cfg.Indexer.Collections {
		c, ok := collections[name]
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
		checker.Register("storage-"+name, func(ctx context.Context) health.ComponentHealth {
			keys, err := store.List(ctx)
			if err != nil {
				return health.ComponentHealth{Status: health.StatusDown, Message: err.Error()}
			}
			return health.ComponentHealth{Status: health.StatusUp, Message: fmt.Sprintf("%d objects", len(keys))}
		})
		idx, err := index.New(c.newCollection(), indexRoot(cfg.Index.Dir, name))
		if err != nil {
			slog.Error("creating index", "collection", name, "error", err)
			os.Exit(1)
		}
		defer idx.Close()

		handlers = append(handlers, api.NewHandler(idx, store, b, c.deriveKey, api.HandlerOptions{
			Topics:  topics,
			Cache:   searchCache,
			Metrics: m,
		}))

		syncTask := api.NewSync(idx, store, api.SyncOptions{
			Interval: cfg.Index.SyncInterval,
			Cache:    searchCache,
			Metrics:  m,
		})
		group.Go(func() error { return syncTask.Run(ctx) })

		checker.Register("index-"+name, func(ctx context.Context) health.ComponentHealth {
			docs, err := idx.DocCount()
			if err != nil {
				return health.ComponentHealth{Status: health.StatusDown, Message: err.Error()}
			}
			return health.ComponentHealth{Status: health.StatusUp, Message: fmt.Sprintf("%d documents", docs)}
		})
		slog.Info("collection ready", "collection", name)
	}

	server := api.NewServer(cfg.Server, handlers, checker, m)
	group.Go(func() error { return server.Run(ctx) })

	err = group.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("api error", "error", err)
	}

	if stopMetrics != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := stopMetrics(shutdownCtx); err != nil {
			slog.Error("metrics server shutdown error", "error", err)
		}
		cancel()
	}
	slog.Info("api service stopped")
	if err != nil && !errors.Is(err, context.Canceled) {
		os.Exit(1)
	}
}

// indexRoot scopes the scratch index directory per service and collection.
// Empty config keeps the private temp-dir default.
func indexRoot(dir, collection string) string {
	if dir == "" {
		return ""
	}
	return filepath.Join(dir, "api", collection)
}
