// Package indexer keeps a collection's search index consistent with its
// object store. A loop consumes change events, stages the referenced
// documents into the index, and on a sync tick persists a snapshot of the
// committed state before acknowledging the events that produced it. An
// acknowledged event is therefore always covered by a persisted snapshot;
// a crash can only replay work, never lose it.
package indexer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/seral-labs/harbinger/internal/index"
	"github.com/seral-labs/harbinger/pkg/bus"
	"github.com/seral-labs/harbinger/pkg/config"
	apperrors "github.com/seral-labs/harbinger/pkg/errors"
	"github.com/seral-labs/harbinger/pkg/metrics"
	"github.com/seral-labs/harbinger/pkg/resilience"
	"github.com/seral-labs/harbinger/pkg/storage"
	"github.com/seral-labs/harbinger/pkg/tracing"
)

// Options configure one indexing loop.
type Options struct {
	// Topics carries the collection's stored, indexed and failed topic names.
	Topics config.TopicSet
	// Group is the consumer group shared by all indexer replicas of the
	// collection. Defaults to "indexer".
	Group string
	// SyncInterval is the snapshot cadence. Defaults to 10 seconds.
	SyncInterval time.Duration
	// Metrics may be nil.
	Metrics *metrics.Metrics
}

// Loop drives the index of one collection from its change-event topic.
type Loop struct {
	index    *index.Store
	store    storage.Store
	bus      bus.Bus
	topics   config.TopicSet
	group    string
	interval time.Duration
	metrics  *metrics.Metrics
	logger   *slog.Logger

	name        string
	consumer    bus.Consumer
	writer      *index.Writer
	dirty       int
	uncommitted []*bus.Event
}

// NewLoop builds a loop over an index store, the collection's object store,
// and the event bus. Run does the work.
func NewLoop(idx *index.Store, store storage.Store, b bus.Bus, opts Options) *Loop {
	if opts.Group == "" {
		opts.Group = "indexer"
	}
	if opts.SyncInterval <= 0 {
		opts.SyncInterval = 10 * time.Second
	}
	name := idx.Collection().Name()
	return &Loop{
		index:    idx,
		store:    store,
		bus:      b,
		topics:   opts.Topics,
		group:    opts.Group,
		interval: opts.SyncInterval,
		metrics:  opts.Metrics,
		logger:   slog.Default().With("component", "indexer", "collection", name),
		name:     name,
	}
}

// Run restores the last persisted snapshot, then consumes change events
// until ctx is cancelled. It returns a non-nil error when the loop cannot
// continue without risking an acknowledgment that no snapshot covers; the
// caller should treat that as fatal and restart the process so
// unacknowledged events redeliver.
func (l *Loop) Run(ctx context.Context) error {
	if err := l.restore(ctx); err != nil {
		return err
	}

	consumer, err := l.bus.Subscribe(ctx, l.group, []string{l.topics.Stored})
	if err != nil {
		return fmt.Errorf("subscribing to %s: %w", l.topics.Stored, err)
	}
	defer consumer.Close()
	l.consumer = consumer

	if err := l.reopenWriter(); err != nil {
		return err
	}

	events := make(chan *bus.Event)
	go l.pump(ctx, consumer, events)

	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	l.logger.Info("indexing loop started",
		"topic", l.topics.Stored, "group", l.group, "interval", l.interval)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-events:
			l.handleEvent(ctx, ev)
		case <-ticker.C:
			if err := l.tick(ctx); err != nil {
				return err
			}
		}
	}
}

// restore loads the last persisted snapshot into the index. Storage being
// unreachable at startup is retried until it answers; a missing snapshot
// means a fresh collection and the index starts empty. A snapshot that
// exists but cannot be loaded is fatal: starting empty would drop documents
// whose events were already acknowledged.
func (l *Loop) restore(ctx context.Context) error {
	var data []byte
	err := resilience.Forever(ctx, l.name+"-restore", resilience.RetryConfig{}, func() error {
		var err error
		data, err = l.store.GetIndex(ctx)
		if errors.Is(err, apperrors.ErrNotFound) {
			data = nil
			return nil
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("fetching index snapshot: %w", err)
	}
	if data == nil {
		l.logger.Info("no persisted snapshot, starting empty")
		return nil
	}
	err = l.index.Reload(data)
	l.metrics.ObserveReload(l.name, err)
	if err != nil {
		return fmt.Errorf("restoring snapshot: %w", err)
	}
	l.logger.Info("snapshot restored", "size", len(data))
	if n, err := l.index.DocCount(); err == nil {
		l.metrics.SetIndexDocCount(l.name, n)
	}
	return nil
}

// pump feeds consumed events into the select loop. The blocking send keeps
// consumption from outrunning handling; offsets are tracked per event, so
// handled events acknowledge while later ones wait here.
func (l *Loop) pump(ctx context.Context, consumer bus.Consumer, events chan<- *bus.Event) {
	for {
		ev, err := consumer.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			l.logger.Warn("reading change event failed", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		if ev == nil {
			// Idle poll.
			continue
		}
		select {
		case <-ctx.Done():
			return
		case events <- ev:
		}
	}
}

func (l *Loop) handleEvent(ctx context.Context, ev *bus.Event) {
	l.metrics.EventConsumed(l.name)
	change, err := storage.DecodeChange(ev.Payload)
	if err != nil {
		l.logger.Warn("malformed change event", "error", err)
	} else {
		for _, rec := range change.Records {
			if rec.Type != storage.ChangePut {
				continue
			}
			if l.store.IsIndexKey(rec.Key) {
				continue
			}
			l.indexRecord(ctx, rec.Key)
		}
	}
	// The event joins the pending list either way and is acknowledged with
	// the next persisted snapshot. Mapping and indexing failures are
	// permanent per document and reported on the failed topic; redelivery
	// could not do better.
	l.uncommitted = append(l.uncommitted, ev)
	l.metrics.SetPendingEvents(l.name, len(l.uncommitted))
}

func (l *Loop) indexRecord(ctx context.Context, key string) {
	data, err := l.store.Get(ctx, key)
	if err != nil {
		l.logger.Debug("fetching document failed, skipping", "key", key, "error", err)
		l.metrics.DocumentFailed(l.name, "fetch")
		return
	}
	docs, err := l.index.Collection().Map(key, data)
	if err != nil {
		l.reportFailure(ctx, key, err)
		return
	}
	if err := l.writer.Add(key, docs); err != nil {
		l.reportFailure(ctx, key, err)
		return
	}
	l.dirty++
	l.metrics.DocumentIndexed(l.name)
	if err := l.bus.Publish(ctx, l.topics.Indexed, []byte(key)); err != nil {
		l.logger.Warn("publishing indexed notification failed", "key", key, "error", err)
	}
	l.logger.Debug("document indexed", "key", key, "documents", len(docs))
}

// failure is the payload published on the failed topic.
type failure struct {
	Key   string `json:"key"`
	Error string `json:"error"`
}

func (l *Loop) reportFailure(ctx context.Context, key string, cause error) {
	stage := "index"
	var mapErr *apperrors.MappingError
	if errors.As(cause, &mapErr) {
		stage = "map"
	}
	l.metrics.DocumentFailed(l.name, stage)
	l.logger.Warn("indexing document failed", "key", key, "stage", stage, "error", cause)
	payload, err := json.Marshal(failure{Key: key, Error: cause.Error()})
	if err != nil {
		return
	}
	if err := l.bus.Publish(ctx, l.topics.Failed, payload); err != nil {
		l.logger.Warn("publishing failure notification failed", "key", key, "error", err)
	}
}

// tick commits staged work, persists a snapshot, and only then acknowledges
// the events behind it. When persisting fails the staged state is kept and
// the whole tick retries at the next interval. A persisted snapshot emits
// a span tree covering the pack, persist and ack steps.
func (l *Loop) tick(ctx context.Context) error {
	if l.dirty == 0 {
		l.logger.Debug("no changes to index")
		return nil
	}
	start := time.Now()
	ctx, span := tracing.StartSpan(ctx, l.name+"-sync", uuid.NewString())
	span.SetAttr("staged", l.dirty)

	_, pack := tracing.StartChildSpan(ctx, "pack")
	data, err := l.index.Snapshot(l.writer)
	pack.End()
	l.writer = nil
	if err != nil {
		l.metrics.ObserveSnapshot(l.name, time.Since(start), 0, err)
		if !index.SnapshotRetryable(err) {
			// The staged batch may be gone. Restarting without acknowledging
			// forces redelivery against the last persisted snapshot.
			return fmt.Errorf("snapshotting index: %w", err)
		}
		l.logger.Warn("packing snapshot failed, retrying next sync", "error", err)
		return l.reopenWriter()
	}

	_, persist := tracing.StartChildSpan(ctx, "persist")
	err = l.store.PutIndex(ctx, data)
	persist.End()
	if err != nil {
		l.metrics.ObserveSnapshot(l.name, time.Since(start), len(data), err)
		l.logger.Warn("persisting snapshot failed, retrying next sync", "error", err)
		return l.reopenWriter()
	}
	l.metrics.ObserveSnapshot(l.name, time.Since(start), len(data), nil)

	_, ack := tracing.StartChildSpan(ctx, "ack")
	ack.SetAttr("events", len(l.uncommitted))
	err = l.consumer.Commit(ctx, l.uncommitted...)
	ack.End()
	if err != nil {
		// The snapshot is durable; redelivered events reindex the same
		// documents under the same keys.
		l.logger.Warn("acknowledging events failed", "events", len(l.uncommitted), "error", err)
	} else {
		l.uncommitted = nil
	}
	l.dirty = 0
	l.metrics.SetPendingEvents(l.name, len(l.uncommitted))
	if n, err := l.index.DocCount(); err == nil {
		l.metrics.SetIndexDocCount(l.name, n)
	}
	span.SetAttr("size", len(data))
	span.Log()
	l.logger.Info("snapshot persisted", "size", len(data), "duration", time.Since(start))
	return l.reopenWriter()
}

func (l *Loop) reopenWriter() error {
	w, err := l.index.Writer()
	if err != nil {
		return fmt.Errorf("opening index writer: %w", err)
	}
	l.writer = w
	return nil
}
