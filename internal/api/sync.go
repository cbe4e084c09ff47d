package api

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/seral-labs/harbinger/internal/index"
	apperrors "github.com/seral-labs/harbinger/pkg/errors"
	"github.com/seral-labs/harbinger/pkg/metrics"
	"github.com/seral-labs/harbinger/pkg/resilience"
	"github.com/seral-labs/harbinger/pkg/storage"
	"github.com/seral-labs/harbinger/pkg/tracing"
)

// Sync keeps a collection's read index in step with the snapshot the
// indexer persists. It reloads on a fixed interval, skipping reloads whose
// snapshot bytes are unchanged, and flushes the search cache after each
// swap so cached totals never outlive the snapshot they came from.
type Sync struct {
	index    *index.Store
	storage  storage.Store
	cache    *Cache
	interval time.Duration
	metrics  *metrics.Metrics
	logger   *slog.Logger
	name     string

	lastDigest [sha256.Size]byte
	loaded     bool
}

// SyncOptions configure one sync task.
type SyncOptions struct {
	// Interval is the reload cadence. Defaults to 10 seconds.
	Interval time.Duration
	// Cache may be nil.
	Cache *Cache
	// Metrics may be nil.
	Metrics *metrics.Metrics
}

func NewSync(idx *index.Store, store storage.Store, opts SyncOptions) *Sync {
	name := idx.Collection().Name()
	interval := opts.Interval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Sync{
		index:    idx,
		storage:  store,
		cache:    opts.Cache,
		interval: interval,
		metrics:  opts.Metrics,
		logger:   slog.Default().With("component", "index-sync", "collection", name),
		name:     name,
	}
}

// Run blocks until ctx is cancelled. The first load retries until it
// succeeds so the service starts serving even when storage comes up late;
// an absent snapshot counts as success and leaves the index empty. Later
// reload failures are logged and retried at the next tick.
func (s *Sync) Run(ctx context.Context) error {
	err := resilience.Forever(ctx, s.name+"-sync", resilience.RetryConfig{}, func() error {
		return s.reload(ctx)
	})
	if err != nil {
		return err
	}
	s.logger.Info("initial index synced")

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.reload(ctx); err != nil {
				s.logger.Info("index reload failed, retrying next tick", "error", err)
			}
		}
	}
}

// reload fetches the persisted snapshot and swaps it in when its bytes
// differ from the last load. An actual swap emits a span tree; skipped
// reloads stay silent.
func (s *Sync) reload(ctx context.Context) error {
	ctx, span := tracing.StartSpan(ctx, s.name+"-reload", uuid.NewString())

	_, fetch := tracing.StartChildSpan(ctx, "fetch")
	data, err := s.storage.GetIndex(ctx)
	fetch.End()
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			s.loaded = true
			return nil
		}
		return fmt.Errorf("fetching index snapshot: %w", err)
	}
	digest := sha256.Sum256(data)
	if s.loaded && digest == s.lastDigest {
		return nil
	}

	_, swap := tracing.StartChildSpan(ctx, "swap")
	err = s.index.Reload(data)
	swap.End()
	if err != nil {
		s.metrics.ObserveReload(s.name, err)
		return fmt.Errorf("reloading index: %w", err)
	}
	s.metrics.ObserveReload(s.name, nil)
	s.lastDigest = digest
	s.loaded = true
	if docs, err := s.index.DocCount(); err == nil {
		s.metrics.SetIndexDocCount(s.name, docs)
	}
	if err := s.cache.Invalidate(ctx, s.name); err != nil {
		s.logger.Warn("cache invalidation failed", "error", err)
	}
	span.SetAttr("bytes", len(data))
	span.Log()
	s.logger.Debug("index reloaded", "bytes", len(data))
	return nil
}
