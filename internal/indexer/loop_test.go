package indexer

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/mapping"
	bsearch "github.com/blevesearch/bleve/v2/search"

	"github.com/seral-labs/harbinger/internal/index"
	"github.com/seral-labs/harbinger/internal/search"
	"github.com/seral-labs/harbinger/pkg/bus"
	"github.com/seral-labs/harbinger/pkg/config"
	apperrors "github.com/seral-labs/harbinger/pkg/errors"
	"github.com/seral-labs/harbinger/pkg/storage"
)

// loopCollection is a minimal note collection for driving the loop.
type loopCollection struct{}

func (loopCollection) Name() string         { return "notes" }
func (loopCollection) KeyField() string     { return "note_id" }
func (loopCollection) SortField() string    { return "" }
func (loopCollection) SnippetField() string { return "" }

func (loopCollection) Mapping() mapping.IndexMapping {
	doc := bleve.NewDocumentMapping()

	id := bleve.NewKeywordFieldMapping()
	id.Store = true
	doc.AddFieldMappingsAt("note_id", id)

	body := bleve.NewTextFieldMapping()
	body.Store = true
	doc.AddFieldMappingsAt("body", body)

	im := bleve.NewIndexMapping()
	im.DefaultMapping = doc
	return im
}

func (loopCollection) Schema() *search.Schema {
	return &search.Schema{
		Qualifiers: map[string][]search.Field{
			"body": {{Name: "body", Kind: search.KindText}},
		},
		Predicates:   map[string]search.FieldValue{},
		DefaultScope: []string{"body"},
	}
}

func (loopCollection) Map(key string, data []byte) ([]index.Document, error) {
	var raw struct {
		Body string `json:"body"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, apperrors.NewMappingError(key, err)
	}
	d := index.Document{}
	d.SetString("body", raw.Body)
	return []index.Document{d}, nil
}

func (loopCollection) ProcessHit(hit *bsearch.DocumentMatch, _ index.SearchOptions) (any, error) {
	return map[string]any{
		"id":   index.ParentKey(hit.ID),
		"body": index.FieldString(hit.Fields, "body"),
	}, nil
}

func noteTopics() config.TopicSet {
	return config.TopicSet{
		Stored:  "notes-stored",
		Indexed: "notes-indexed",
		Failed:  "notes-failed",
	}
}

func newNotesIndex(t *testing.T) *index.Store {
	t.Helper()
	idx, err := index.New(loopCollection{}, t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { idx.Close() })
	return idx
}

func putNote(t *testing.T, store storage.Store, key, body string) {
	t.Helper()
	data, err := json.Marshal(map[string]string{"body": body})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if err := store.Put(context.Background(), key, data); err != nil {
		t.Fatalf("Put: %v", err)
	}
}

func publishPut(t *testing.T, b *bus.Memory, keys ...string) {
	t.Helper()
	records := make([]storage.Record, len(keys))
	for i, k := range keys {
		records[i] = storage.Record{Type: storage.ChangePut, Key: k}
	}
	payload, err := storage.EncodeChange(records...)
	if err != nil {
		t.Fatalf("EncodeChange: %v", err)
	}
	if err := b.Publish(context.Background(), "notes-stored", payload); err != nil {
		t.Fatalf("Publish: %v", err)
	}
}

func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// startLoop runs the loop against the bus and blocks until it is subscribed,
// so events published afterwards are guaranteed to reach it. The returned
// stop cancels the loop and fails the test if it exited with a real error.
func startLoop(t *testing.T, l *Loop, b *bus.Memory) (stop func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()
	waitFor(t, func() bool { return b.Subscribers("notes-stored") > 0 }, "loop subscription")
	return func() {
		cancel()
		select {
		case err := <-done:
			if err != nil && !errors.Is(err, context.Canceled) {
				t.Errorf("loop exited: %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Error("loop did not stop")
		}
	}
}

func TestLoopSnapshotsBeforeAcknowledging(t *testing.T) {
	idx := newNotesIndex(t)
	store := storage.NewMemory("notes")
	b := bus.NewMemory()

	var mu sync.Mutex
	var steps []string
	record := func(step string) {
		mu.Lock()
		steps = append(steps, step)
		mu.Unlock()
	}
	snapshot := func() []string {
		mu.Lock()
		defer mu.Unlock()
		return append([]string(nil), steps...)
	}
	store.OnPutIndex = func([]byte) error {
		record("snapshot")
		return nil
	}
	var ackedEvents int
	b.CommitHook = func(events []*bus.Event) error {
		record("ack")
		mu.Lock()
		ackedEvents += len(events)
		mu.Unlock()
		return nil
	}

	putNote(t, store, "alpha", "zstd compression ratio")
	l := NewLoop(idx, store, b, Options{Topics: noteTopics(), SyncInterval: 50 * time.Millisecond})
	stop := startLoop(t, l, b)
	publishPut(t, b, "alpha")

	waitFor(t, func() bool { return len(snapshot()) >= 2 }, "snapshot and acknowledgment")
	stop()

	got := snapshot()
	if len(got) != 2 || got[0] != "snapshot" || got[1] != "ack" {
		t.Fatalf("steps = %v, want snapshot strictly before ack", got)
	}
	mu.Lock()
	acked := ackedEvents
	mu.Unlock()
	if acked != 1 {
		t.Fatalf("acknowledged %d events, want 1", acked)
	}

	indexed := b.Messages("notes-indexed")
	if len(indexed) != 1 || string(indexed[0]) != "alpha" {
		t.Fatalf("indexed notifications = %q, want the raw key", indexed)
	}

	// The persisted snapshot alone must carry the document.
	snap, err := store.GetIndex(context.Background())
	if err != nil {
		t.Fatalf("GetIndex: %v", err)
	}
	fresh := newNotesIndex(t)
	if err := fresh.Reload(snap); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	res, err := fresh.Search(context.Background(), "compression", 0, 10, index.SearchOptions{})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if res.Total != 1 {
		t.Fatalf("Total = %d, want 1", res.Total)
	}
	hit := res.Hits[0].(map[string]any)
	if hit["id"] != "alpha" {
		t.Fatalf("hit id = %v, want alpha", hit["id"])
	}
}

func TestLoopReportsFailedDocuments(t *testing.T) {
	idx := newNotesIndex(t)
	store := storage.NewMemory("notes")
	b := bus.NewMemory()

	var mu sync.Mutex
	commits := 0
	b.CommitHook = func([]*bus.Event) error {
		mu.Lock()
		commits++
		mu.Unlock()
		return nil
	}

	putNote(t, store, "good", "a perfectly fine note")
	if err := store.Put(context.Background(), "junk", []byte("not-json{")); err != nil {
		t.Fatalf("Put: %v", err)
	}

	l := NewLoop(idx, store, b, Options{Topics: noteTopics(), SyncInterval: 50 * time.Millisecond})
	stop := startLoop(t, l, b)
	// One event carrying a good document, a malformed one, and a key that
	// was never stored.
	publishPut(t, b, "good", "junk", "ghost")

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return commits >= 1
	}, "event acknowledgment")
	stop()

	failed := b.Messages("notes-failed")
	if len(failed) != 1 {
		t.Fatalf("failed notifications = %d, want 1", len(failed))
	}
	var report struct {
		Key   string `json:"key"`
		Error string `json:"error"`
	}
	if err := json.Unmarshal(failed[0], &report); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if report.Key != "junk" || report.Error == "" {
		t.Fatalf("failure report = %+v, want key junk with an error", report)
	}

	indexed := b.Messages("notes-indexed")
	if len(indexed) != 1 || string(indexed[0]) != "good" {
		t.Fatalf("indexed notifications = %q, want only the good key", indexed)
	}
	n, err := idx.DocCount()
	if err != nil {
		t.Fatalf("DocCount: %v", err)
	}
	if n != 1 {
		t.Fatalf("DocCount = %d, want 1", n)
	}
}

func TestLoopKeepsEventsWhenPersistFails(t *testing.T) {
	idx := newNotesIndex(t)
	store := storage.NewMemory("notes")
	b := bus.NewMemory()

	var mu sync.Mutex
	var steps []string
	record := func(step string) {
		mu.Lock()
		steps = append(steps, step)
		mu.Unlock()
	}
	snapshot := func() []string {
		mu.Lock()
		defer mu.Unlock()
		return append([]string(nil), steps...)
	}
	puts := 0
	store.OnPutIndex = func([]byte) error {
		mu.Lock()
		puts++
		first := puts == 1
		mu.Unlock()
		if first {
			record("put-rejected")
			return errors.New("storage offline")
		}
		record("put-accepted")
		return nil
	}
	b.CommitHook = func([]*bus.Event) error {
		record("ack")
		return nil
	}

	putNote(t, store, "alpha", "retry me")
	l := NewLoop(idx, store, b, Options{Topics: noteTopics(), SyncInterval: 50 * time.Millisecond})
	stop := startLoop(t, l, b)
	publishPut(t, b, "alpha")

	waitFor(t, func() bool { return len(snapshot()) >= 3 }, "retried snapshot and acknowledgment")
	stop()

	got := snapshot()
	want := []string{"put-rejected", "put-accepted", "ack"}
	if len(got) != len(want) {
		t.Fatalf("steps = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("steps = %v, want %v", got, want)
		}
	}

	snap, err := store.GetIndex(context.Background())
	if err != nil {
		t.Fatalf("GetIndex: %v", err)
	}
	if len(snap) == 0 {
		t.Fatal("no snapshot persisted after retry")
	}
}

func TestLoopRestoresPersistedSnapshot(t *testing.T) {
	store := storage.NewMemory("notes")
	b := bus.NewMemory()

	// Persist a snapshot holding alpha, as a previous process would have.
	seed := newNotesIndex(t)
	w, err := seed.Writer()
	if err != nil {
		t.Fatalf("Writer: %v", err)
	}
	docs, err := loopCollection{}.Map("alpha", []byte(`{"body":"first note about zstd streams"}`))
	if err != nil {
		t.Fatalf("Map: %v", err)
	}
	if err := w.Add("alpha", docs); err != nil {
		t.Fatalf("Add: %v", err)
	}
	snap, err := seed.Snapshot(w)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if err := store.PutIndex(context.Background(), snap); err != nil {
		t.Fatalf("PutIndex: %v", err)
	}

	var mu sync.Mutex
	commits := 0
	b.CommitHook = func([]*bus.Event) error {
		mu.Lock()
		commits++
		mu.Unlock()
		return nil
	}

	idx := newNotesIndex(t)
	l := NewLoop(idx, store, b, Options{Topics: noteTopics(), SyncInterval: 50 * time.Millisecond})
	stop := startLoop(t, l, b)

	putNote(t, store, "beta", "second note about kafka offsets")
	publishPut(t, b, "beta")
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return commits >= 1
	}, "event acknowledgment")
	stop()

	n, err := idx.DocCount()
	if err != nil {
		t.Fatalf("DocCount: %v", err)
	}
	if n != 2 {
		t.Fatalf("DocCount = %d, want restored plus new", n)
	}
	for term, key := range map[string]string{"zstd": "alpha", "kafka": "beta"} {
		res, err := idx.Search(context.Background(), term, 0, 10, index.SearchOptions{})
		if err != nil {
			t.Fatalf("Search %s: %v", term, err)
		}
		if res.Total != 1 {
			t.Fatalf("Search %s Total = %d, want 1", term, res.Total)
		}
		if hit := res.Hits[0].(map[string]any); hit["id"] != key {
			t.Fatalf("Search %s hit = %v, want %s", term, hit["id"], key)
		}
	}
}

func TestLoopSnapshotsAcrossTicks(t *testing.T) {
	idx := newNotesIndex(t)
	store := storage.NewMemory("notes")
	b := bus.NewMemory()

	var mu sync.Mutex
	puts, commits := 0, 0
	store.OnPutIndex = func([]byte) error {
		mu.Lock()
		puts++
		mu.Unlock()
		return nil
	}
	b.CommitHook = func([]*bus.Event) error {
		mu.Lock()
		commits++
		mu.Unlock()
		return nil
	}
	committed := func() int {
		mu.Lock()
		defer mu.Unlock()
		return commits
	}

	putNote(t, store, "a", "note one")
	putNote(t, store, "b", "note two")

	l := NewLoop(idx, store, b, Options{Topics: noteTopics(), SyncInterval: 50 * time.Millisecond})
	stop := startLoop(t, l, b)

	publishPut(t, b, "a")
	waitFor(t, func() bool { return committed() >= 1 }, "first acknowledgment")
	publishPut(t, b, "b")
	waitFor(t, func() bool { return committed() >= 2 }, "second acknowledgment")
	stop()

	mu.Lock()
	gotPuts := puts
	mu.Unlock()
	if gotPuts != 2 {
		t.Fatalf("snapshots persisted = %d, want one per dirty tick", gotPuts)
	}
	n, err := idx.DocCount()
	if err != nil {
		t.Fatalf("DocCount: %v", err)
	}
	if n != 2 {
		t.Fatalf("DocCount = %d, want 2", n)
	}
}
