package tracker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/seral-labs/harbinger/pkg/bus"
	"github.com/seral-labs/harbinger/pkg/config"
	"github.com/seral-labs/harbinger/pkg/storage"
)

// Inserter persists status rows. *Store satisfies it.
type Inserter interface {
	InsertBatch(ctx context.Context, rows []Row) error
}

// failureReport mirrors the payload the indexer publishes on the failed
// topic.
type failureReport struct {
	Key   string `json:"key"`
	Error string `json:"error"`
}

// Options configure one tracker.
type Options struct {
	// Topics carries the collection's stored, indexed and failed topic
	// names; the tracker follows all three.
	Topics config.TopicSet
	// Group is the consumer group shared by tracker replicas. Defaults to
	// "tracker".
	Group string
	// BatchSize triggers an early flush when this many rows are buffered.
	// Defaults to 64.
	BatchSize int
	// FlushInterval is the batching cadence. Defaults to 2 seconds.
	FlushInterval time.Duration
}

// Tracker follows one collection's topics and batch-records the status
// transitions they announce. Events are acknowledged only after their rows
// are durable; a redelivered event appends a duplicate history entry, which
// the latest-status queries tolerate.
type Tracker struct {
	inserter Inserter
	bus      bus.Bus
	topics   config.TopicSet
	name     string
	group    string
	batch    int
	interval time.Duration
	logger   *slog.Logger

	rows        []Row
	uncommitted []*bus.Event
}

func New(collection string, inserter Inserter, b bus.Bus, opts Options) *Tracker {
	group := opts.Group
	if group == "" {
		group = "tracker"
	}
	batch := opts.BatchSize
	if batch <= 0 {
		batch = 64
	}
	interval := opts.FlushInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &Tracker{
		inserter: inserter,
		bus:      b,
		topics:   opts.Topics,
		name:     collection,
		group:    group,
		batch:    batch,
		interval: interval,
		logger:   slog.Default().With("component", "tracker", "collection", collection),
	}
}

// Run blocks until ctx is cancelled, flushing a final batch on the way out.
func (t *Tracker) Run(ctx context.Context) error {
	consumer, err := t.bus.Subscribe(ctx, t.group, []string{t.topics.Stored, t.topics.Indexed, t.topics.Failed})
	if err != nil {
		return fmt.Errorf("subscribing to %s topics: %w", t.name, err)
	}
	defer consumer.Close()

	events := make(chan *bus.Event)
	go t.pump(ctx, consumer, events)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	t.logger.Info("tracker running", "flush_interval", t.interval, "batch_size", t.batch)

	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			t.flush(flushCtx, consumer)
			cancel()
			return ctx.Err()
		case ev := <-events:
			t.handleEvent(ev)
			if len(t.rows) >= t.batch {
				t.flush(ctx, consumer)
			}
		case <-ticker.C:
			t.flush(ctx, consumer)
		}
	}
}

func (t *Tracker) pump(ctx context.Context, consumer bus.Consumer, events chan<- *bus.Event) {
	for {
		ev, err := consumer.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			t.logger.Warn("reading event failed", "error", err)
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

func (t *Tracker) handleEvent(ev *bus.Event) {
	now := time.Now().UTC()
	switch ev.Topic {
	case t.topics.Stored:
		change, err := storage.DecodeChange(ev.Payload)
		if err != nil {
			t.logger.Warn("malformed change event", "error", err)
			break
		}
		for _, rec := range change.Records {
			switch rec.Type {
			case storage.ChangePut:
				t.rows = append(t.rows, Row{Collection: t.name, Key: rec.Key, Status: StatusPending, RecordedAt: now})
			case storage.ChangeDelete:
				t.rows = append(t.rows, Row{Collection: t.name, Key: rec.Key, Status: StatusDeleted, RecordedAt: now})
			default:
				t.logger.Warn("unknown change type", "type", rec.Type, "key", rec.Key)
			}
		}
	case t.topics.Indexed:
		t.rows = append(t.rows, Row{Collection: t.name, Key: string(ev.Payload), Status: StatusIndexed, RecordedAt: now})
	case t.topics.Failed:
		f, err := bus.DecodeJSON[failureReport](ev.Payload)
		if err != nil {
			t.logger.Warn("malformed failure report", "error", err)
			break
		}
		t.rows = append(t.rows, Row{Collection: t.name, Key: f.Key, Status: StatusFailed, Error: f.Error, RecordedAt: now})
	}
	// The event is acknowledged at the next successful flush whether or not
	// it produced rows.
	t.uncommitted = append(t.uncommitted, ev)
}

// flush inserts buffered rows, then acknowledges the events behind them.
// An insert failure keeps rows and events for the next attempt.
func (t *Tracker) flush(ctx context.Context, consumer bus.Consumer) {
	if len(t.rows) > 0 {
		if err := t.inserter.InsertBatch(ctx, t.rows); err != nil {
			t.logger.Warn("inserting status batch failed, retrying next flush", "rows", len(t.rows), "error", err)
			return
		}
		t.logger.Debug("status batch inserted", "rows", len(t.rows))
		t.rows = nil
	}
	if len(t.uncommitted) == 0 {
		return
	}
	if err := consumer.Commit(ctx, t.uncommitted...); err != nil {
		// Rows are durable; the next flush retries the acknowledgement.
		t.logger.Warn("acknowledging events failed", "events", len(t.uncommitted), "error", err)
		return
	}
	t.uncommitted = nil
}
