package index

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/search/query"

	"github.com/seral-labs/harbinger/internal/search"
	apperrors "github.com/seral-labs/harbinger/pkg/errors"
)

// childPageSize bounds one page of the committed-children lookup that
// backs delete-by-parent.
const childPageSize = 1000

// Store owns one collection's physical index. Reads take the lock shared so
// searches run concurrently against the last committed state; snapshot and
// reload take it exclusively to swap the index underneath.
type Store struct {
	collection Collection
	root       string
	logger     *slog.Logger

	mu         sync.RWMutex
	idx        bleve.Index
	path       string
	gen        int
	writerOpen bool
}

// New builds a fresh empty index for the collection under root. An empty
// root means a private temp directory, the default for indexer processes
// whose durable state is the snapshot object, not the local disk.
func New(c Collection, root string) (*Store, error) {
	if root == "" {
		dir, err := os.MkdirTemp("", c.Name()+"-index-")
		if err != nil {
			return nil, fmt.Errorf("creating index temp dir: %w", err)
		}
		root = dir
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("creating index root %s: %w", root, err)
	}
	// Local index state is scratch; the durable copy is the snapshot object.
	path := filepath.Join(root, "gen-0")
	if err := os.RemoveAll(path); err != nil {
		return nil, fmt.Errorf("clearing stale index at %s: %w", path, err)
	}
	idx, err := bleve.New(path, c.Mapping())
	if err != nil {
		return nil, apperrors.NewIndexError("create", err)
	}
	return &Store{
		collection: c,
		root:       root,
		logger:     slog.Default().With("component", "index", "collection", c.Name()),
		idx:        idx,
		path:       path,
	}, nil
}

func (s *Store) Collection() Collection {
	return s.collection
}

// DocCount reports the number of committed index documents.
func (s *Store) DocCount() (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, err := s.idx.DocCount()
	if err != nil {
		return 0, apperrors.NewIndexError("count", err)
	}
	return n, nil
}

// Writer opens the exclusive write session. A second concurrent session is
// refused until the first commits.
func (s *Store) Writer() (*Writer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writerOpen {
		return nil, apperrors.ErrWriterOpen
	}
	s.writerOpen = true
	return &Writer{
		store: s,
		batch: s.idx.NewBatch(),
		added: make(map[string]int),
	}, nil
}

func (s *Store) releaseWriter() {
	s.mu.Lock()
	s.writerOpen = false
	s.mu.Unlock()
}

// Writer stages adds and deletes for one atomic batch. It tracks how many
// children each parent staged so a same-session re-add trims stale leftovers.
type Writer struct {
	store *Store
	batch *bleve.Batch
	added map[string]int
}

// Add replaces the parent's index documents with docs: committed children
// are staged for deletion first, then the new children are staged under
// deterministic ids. An empty docs slice reduces to a delete.
func (w *Writer) Add(key string, docs []Document) error {
	if err := w.stageDelete(key); err != nil {
		return err
	}
	for seq, doc := range docs {
		doc.SetString(w.store.collection.KeyField(), key)
		if err := w.batch.Index(childID(key, seq), map[string]any(doc)); err != nil {
			return apperrors.NewIndexError("add", err)
		}
	}
	w.added[key] = len(docs)
	return nil
}

// Delete stages removal of every index document belonging to the parent.
func (w *Writer) Delete(key string) error {
	if err := w.stageDelete(key); err != nil {
		return err
	}
	w.added[key] = 0
	return nil
}

func (w *Writer) stageDelete(key string) error {
	ids, err := w.store.committedChildren(key)
	if err != nil {
		return err
	}
	for _, id := range ids {
		w.batch.Delete(id)
	}
	// A batch holds one op per id: later Index calls override these deletes,
	// so only children beyond the new count stay deleted. Same-session
	// leftovers are trimmed by their staged count.
	for seq := 0; seq < w.added[key]; seq++ {
		w.batch.Delete(childID(key, seq))
	}
	return nil
}

// Commit applies the staged batch atomically and ends the session, on
// failure too. Committed content is visible to new searches on return.
func (w *Writer) Commit() error {
	s := w.store
	defer s.releaseWriter()
	s.mu.RLock()
	idx := s.idx
	s.mu.RUnlock()
	if err := idx.Batch(w.batch); err != nil {
		return apperrors.NewIndexError("commit", err)
	}
	return nil
}

// committedChildren lists the engine ids of a parent's committed index
// documents by paging a term query on the key field.
func (s *Store) committedChildren(key string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	q := query.NewTermQuery(key)
	q.SetField(s.collection.KeyField())

	var ids []string
	for from := 0; ; from += childPageSize {
		req := bleve.NewSearchRequestOptions(q, childPageSize, from, false)
		res, err := s.idx.Search(req)
		if err != nil {
			return nil, apperrors.NewIndexError("lookup", err)
		}
		for _, hit := range res.Hits {
			ids = append(ids, hit.ID)
		}
		if len(res.Hits) < childPageSize {
			return ids, nil
		}
	}
}

// Search compiles the query against the collection schema and runs it over
// the last committed state. Hits are ordered by the collection sort field
// descending with score as tie-break, then shaped by the collection.
func (s *Store) Search(ctx context.Context, q string, offset, limit int, opts SearchOptions) (*Result, error) {
	compiled, err := search.Compile(s.collection.Schema(), q)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	req := bleve.NewSearchRequestOptions(compiled, limit, offset, opts.Explain)
	req.Fields = []string{"*"}
	if sf := s.collection.SortField(); sf != "" {
		req.SortBy([]string{"-" + sf, "-_score"})
	}
	if sn := s.collection.SnippetField(); sn != "" {
		req.Highlight = bleve.NewHighlightWithStyle("html")
		req.Highlight.AddField(sn)
	}

	res, err := s.idx.SearchInContext(ctx, req)
	if err != nil {
		return nil, apperrors.NewIndexError("search", err)
	}

	hits := make([]any, 0, len(res.Hits))
	for _, hit := range res.Hits {
		h, err := s.collection.ProcessHit(hit, opts)
		if err != nil {
			return nil, apperrors.NewIndexError("hit", err)
		}
		hits = append(hits, h)
	}
	return &Result{Total: res.Total, Hits: hits}, nil
}

// Close releases the underlying index.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.idx.Close()
}
