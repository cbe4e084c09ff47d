package index

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/mapping"
	bsearch "github.com/blevesearch/bleve/v2/search"

	"github.com/seral-labs/harbinger/internal/search"
	apperrors "github.com/seral-labs/harbinger/pkg/errors"
)

// testCollection is a minimal report collection exercising every field kind.
type testCollection struct{}

func (testCollection) Name() string         { return "reports" }
func (testCollection) KeyField() string     { return "report_id" }
func (testCollection) SortField() string    { return "created" }
func (testCollection) SnippetField() string { return "content" }

func (testCollection) Mapping() mapping.IndexMapping {
	doc := bleve.NewDocumentMapping()

	id := bleve.NewKeywordFieldMapping()
	id.Store = true
	doc.AddFieldMappingsAt("report_id", id)

	name := bleve.NewKeywordFieldMapping()
	name.Store = true
	doc.AddFieldMappingsAt("name", name)

	content := bleve.NewTextFieldMapping()
	content.Store = true
	doc.AddFieldMappingsAt("content", content)

	score := bleve.NewNumericFieldMapping()
	score.Store = true
	doc.AddFieldMappingsAt("score", score)

	created := bleve.NewDateTimeFieldMapping()
	created.Store = true
	doc.AddFieldMappingsAt("created", created)

	im := bleve.NewIndexMapping()
	im.DefaultMapping = doc
	return im
}

func (testCollection) Schema() *search.Schema {
	return &search.Schema{
		Qualifiers: map[string][]search.Field{
			"name":    {{Name: "name", Kind: search.KindExact}},
			"content": {{Name: "content", Kind: search.KindText}},
			"score":   {{Name: "score", Kind: search.KindNumber}},
			"created": {{Name: "created", Kind: search.KindDate}},
		},
		Predicates:   map[string]search.FieldValue{},
		DefaultScope: []string{"name", "content"},
	}
}

func (testCollection) Map(key string, data []byte) ([]Document, error) {
	var raw struct {
		Name    string `json:"name"`
		Content string `json:"content"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, apperrors.NewMappingError(key, err)
	}
	d := Document{}
	d.SetString("name", raw.Name)
	d.SetString("content", raw.Content)
	return []Document{d}, nil
}

func (testCollection) ProcessHit(hit *bsearch.DocumentMatch, opts SearchOptions) (any, error) {
	out := map[string]any{
		"id":      ParentKey(hit.ID),
		"name":    FieldString(hit.Fields, "name"),
		"content": FieldString(hit.Fields, "content"),
		"score":   FieldNumber(hit.Fields, "score"),
	}
	if frags, ok := hit.Fragments["content"]; ok && len(frags) > 0 {
		out["snippet"] = frags[0]
	}
	return out, nil
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(testCollection{}, t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func report(name, content string, score float64, created string) Document {
	d := Document{
		"name":    name,
		"content": content,
		"score":   score,
	}
	if created != "" {
		ts, err := time.Parse(time.RFC3339, created)
		if err != nil {
			panic(err)
		}
		d["created"] = ts
	}
	return d
}

func addReports(t *testing.T, s *Store, key string, docs ...Document) {
	t.Helper()
	w, err := s.Writer()
	if err != nil {
		t.Fatalf("Writer: %v", err)
	}
	if err := w.Add(key, docs); err != nil {
		t.Fatalf("Add(%s): %v", key, err)
	}
	if err := w.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
}

func mustSearch(t *testing.T, s *Store, q string, offset, limit int) *Result {
	t.Helper()
	res, err := s.Search(context.Background(), q, offset, limit, SearchOptions{})
	if err != nil {
		t.Fatalf("Search(%q): %v", q, err)
	}
	return res
}

func mustCount(t *testing.T, s *Store) uint64 {
	t.Helper()
	n, err := s.DocCount()
	if err != nil {
		t.Fatalf("DocCount: %v", err)
	}
	return n
}

func TestAddCommitSearch(t *testing.T) {
	s := newTestStore(t)
	addReports(t, s, "r1",
		report("alpha", "heap overflow in parser", 7, "2023-01-01T00:00:00Z"),
		report("beta", "use after free", 9, "2023-01-01T00:00:00Z"),
	)
	addReports(t, s, "r2",
		report("gamma", "path traversal", 5, "2023-02-01T00:00:00Z"),
	)

	if n := mustCount(t, s); n != 3 {
		t.Fatalf("DocCount = %d, want 3", n)
	}
	res := mustSearch(t, s, "", 0, 10)
	if res.Total != 3 {
		t.Fatalf("Total = %d, want 3", res.Total)
	}

	res = mustSearch(t, s, "name:alpha", 0, 10)
	if res.Total != 1 {
		t.Fatalf("Total = %d, want 1", res.Total)
	}
	hit := res.Hits[0].(map[string]any)
	if hit["id"] != "r1" || hit["name"] != "alpha" {
		t.Fatalf("hit = %v", hit)
	}

	res = mustSearch(t, s, "content:overflow", 0, 10)
	if res.Total != 1 {
		t.Fatalf("content search Total = %d, want 1", res.Total)
	}
}

func TestUncommittedInvisible(t *testing.T) {
	s := newTestStore(t)
	w, err := s.Writer()
	if err != nil {
		t.Fatalf("Writer: %v", err)
	}
	if err := w.Add("r1", []Document{report("alpha", "x", 1, "")}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if res := mustSearch(t, s, "", 0, 10); res.Total != 0 {
		t.Fatalf("Total before commit = %d, want 0", res.Total)
	}
	if err := w.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if res := mustSearch(t, s, "", 0, 10); res.Total != 1 {
		t.Fatalf("Total after commit = %d, want 1", res.Total)
	}
}

func TestRedeliveryDoesNotDuplicate(t *testing.T) {
	s := newTestStore(t)
	docs := []Document{
		report("alpha", "one", 1, ""),
		report("beta", "two", 2, ""),
		report("gamma", "three", 3, ""),
	}
	addReports(t, s, "r1", docs...)
	addReports(t, s, "r1", docs...)
	if n := mustCount(t, s); n != 3 {
		t.Fatalf("DocCount after redelivery = %d, want 3", n)
	}

	// A shrunk replacement trims the stale higher-seq children.
	addReports(t, s, "r1", docs[:1]...)
	if n := mustCount(t, s); n != 1 {
		t.Fatalf("DocCount after shrink = %d, want 1", n)
	}
	res := mustSearch(t, s, "name:gamma", 0, 10)
	if res.Total != 0 {
		t.Fatalf("stale child still searchable, Total = %d", res.Total)
	}
}

func TestSameSessionReAdd(t *testing.T) {
	s := newTestStore(t)
	w, err := s.Writer()
	if err != nil {
		t.Fatalf("Writer: %v", err)
	}
	if err := w.Add("r1", []Document{
		report("alpha", "one", 1, ""),
		report("beta", "two", 2, ""),
		report("gamma", "three", 3, ""),
	}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := w.Add("r1", []Document{report("delta", "four", 4, "")}); err != nil {
		t.Fatalf("re-Add: %v", err)
	}
	if err := w.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if n := mustCount(t, s); n != 1 {
		t.Fatalf("DocCount = %d, want 1", n)
	}
	if res := mustSearch(t, s, "name:delta", 0, 10); res.Total != 1 {
		t.Fatalf("Total = %d, want 1", res.Total)
	}
}

func TestDelete(t *testing.T) {
	s := newTestStore(t)
	addReports(t, s, "r1", report("alpha", "one", 1, ""), report("beta", "two", 2, ""))
	addReports(t, s, "r2", report("gamma", "three", 3, ""))

	w, err := s.Writer()
	if err != nil {
		t.Fatalf("Writer: %v", err)
	}
	if err := w.Delete("r1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := w.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	if n := mustCount(t, s); n != 1 {
		t.Fatalf("DocCount = %d, want 1", n)
	}
	if res := mustSearch(t, s, "name:alpha", 0, 10); res.Total != 0 {
		t.Fatalf("deleted doc still searchable, Total = %d", res.Total)
	}
	// Deleting an absent key is a no-op.
	w, _ = s.Writer()
	if err := w.Delete("missing"); err != nil {
		t.Fatalf("Delete(missing): %v", err)
	}
	if err := w.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
}

func TestWriterExclusive(t *testing.T) {
	s := newTestStore(t)
	w, err := s.Writer()
	if err != nil {
		t.Fatalf("Writer: %v", err)
	}
	if _, err := s.Writer(); !errors.Is(err, apperrors.ErrWriterOpen) {
		t.Fatalf("second Writer = %v, want ErrWriterOpen", err)
	}
	if err := w.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	w2, err := s.Writer()
	if err != nil {
		t.Fatalf("Writer after commit: %v", err)
	}
	if err := w2.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
}

func TestSnapshotReloadRoundTrip(t *testing.T) {
	src := newTestStore(t)
	w, err := src.Writer()
	if err != nil {
		t.Fatalf("Writer: %v", err)
	}
	if err := w.Add("r1", []Document{report("alpha", "heap overflow", 7, "2023-01-01T00:00:00Z")}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := w.Add("r2", []Document{report("beta", "use after free", 9, "2023-02-01T00:00:00Z")}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	data, err := src.Snapshot(w)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if len(data) == 0 {
		t.Fatal("Snapshot returned no bytes")
	}

	// The source store keeps working after the pack/reopen cycle.
	if res := mustSearch(t, src, "", 0, 10); res.Total != 2 {
		t.Fatalf("source Total after snapshot = %d, want 2", res.Total)
	}

	dst := newTestStore(t)
	if err := dst.Reload(data); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	res := mustSearch(t, dst, "", 0, 10)
	if res.Total != 2 {
		t.Fatalf("reloaded Total = %d, want 2", res.Total)
	}
	if res := mustSearch(t, dst, "name:alpha", 0, 10); res.Total != 1 {
		t.Fatalf("reloaded name search Total = %d, want 1", res.Total)
	}

	// Writes keep working on the reloaded index.
	addReports(t, dst, "r3", report("gamma", "path traversal", 5, "2023-03-01T00:00:00Z"))
	if n := mustCount(t, dst); n != 3 {
		t.Fatalf("DocCount after post-reload write = %d, want 3", n)
	}
}

func TestReloadFailureKeepsState(t *testing.T) {
	s := newTestStore(t)
	addReports(t, s, "r1", report("alpha", "one", 1, ""))

	if err := s.Reload([]byte("not a snapshot")); err == nil {
		t.Fatal("Reload(garbage) succeeded")
	}
	res := mustSearch(t, s, "name:alpha", 0, 10)
	if res.Total != 1 {
		t.Fatalf("Total after failed reload = %d, want 1", res.Total)
	}
}

func TestEmptySnapshotRoundTrip(t *testing.T) {
	src := newTestStore(t)
	w, err := src.Writer()
	if err != nil {
		t.Fatalf("Writer: %v", err)
	}
	data, err := src.Snapshot(w)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	dst := newTestStore(t)
	if err := dst.Reload(data); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if res := mustSearch(t, dst, "", 0, 10); res.Total != 0 {
		t.Fatalf("Total = %d, want 0", res.Total)
	}
}

func TestPagingAndSortOrder(t *testing.T) {
	s := newTestStore(t)
	days := []string{
		"2023-01-01T00:00:00Z",
		"2023-01-02T00:00:00Z",
		"2023-01-03T00:00:00Z",
		"2023-01-04T00:00:00Z",
		"2023-01-05T00:00:00Z",
	}
	names := []string{"one", "two", "three", "four", "five"}
	for i, day := range days {
		addReports(t, s, names[i], report(names[i], "entry", float64(i), day))
	}

	res := mustSearch(t, s, "", 0, 2)
	if res.Total != 5 || len(res.Hits) != 2 {
		t.Fatalf("Total = %d hits = %d, want 5/2", res.Total, len(res.Hits))
	}
	// Newest first.
	if name := res.Hits[0].(map[string]any)["name"]; name != "five" {
		t.Fatalf("first hit = %v, want five", name)
	}
	if name := res.Hits[1].(map[string]any)["name"]; name != "four" {
		t.Fatalf("second hit = %v, want four", name)
	}

	res = mustSearch(t, s, "", 4, 2)
	if res.Total != 5 || len(res.Hits) != 1 {
		t.Fatalf("tail page Total = %d hits = %d, want 5/1", res.Total, len(res.Hits))
	}
	if name := res.Hits[0].(map[string]any)["name"]; name != "one" {
		t.Fatalf("oldest hit = %v, want one", name)
	}

	res = mustSearch(t, s, "", 100, 10)
	if res.Total != 5 || len(res.Hits) != 0 {
		t.Fatalf("out-of-range page Total = %d hits = %d, want 5/0", res.Total, len(res.Hits))
	}
}

func TestRangeQueriesExcludeBoundary(t *testing.T) {
	s := newTestStore(t)
	addReports(t, s, "low", report("low", "entry", 5, ""))
	addReports(t, s, "high", report("high", "entry", 9.8, ""))

	if res := mustSearch(t, s, "score:>7", 0, 10); res.Total != 1 {
		t.Fatalf("score:>7 Total = %d, want 1", res.Total)
	}
	if res := mustSearch(t, s, "score:>=5", 0, 10); res.Total != 2 {
		t.Fatalf("score:>=5 Total = %d, want 2", res.Total)
	}
	// Contradictory bounds match nothing.
	if res := mustSearch(t, s, "score:>5 score:<5", 0, 10); res.Total != 0 {
		t.Fatalf("contradiction Total = %d, want 0", res.Total)
	}
}

func TestSnippetHighlighting(t *testing.T) {
	s := newTestStore(t)
	addReports(t, s, "r1", report("alpha", "a heap overflow was found in the parser", 7, ""))

	res := mustSearch(t, s, "content:overflow", 0, 10)
	if res.Total != 1 {
		t.Fatalf("Total = %d, want 1", res.Total)
	}
	snippet, _ := res.Hits[0].(map[string]any)["snippet"].(string)
	if !strings.Contains(snippet, "<mark>") {
		t.Fatalf("snippet = %q, want highlighted fragment", snippet)
	}
}

func TestSearchCompileErrors(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Search(context.Background(), "bogus:x", 0, 10, SearchOptions{})
	var qe *apperrors.QueryError
	if !errors.As(err, &qe) || qe.Kind != apperrors.UnknownQualifier {
		t.Fatalf("Search(bogus:x) = %v, want UnknownQualifier", err)
	}
}
