package index

import (
	"github.com/blevesearch/bleve/v2/mapping"
	bsearch "github.com/blevesearch/bleve/v2/search"

	"github.com/seral-labs/harbinger/internal/search"
)

// Collection defines one searchable document family: how raw stored
// documents become index documents, the physical field mappings, and the
// query-language binding onto those fields.
type Collection interface {
	// Name is the collection identifier used for storage, topics and metrics.
	Name() string
	// KeyField is the parent-id field every index document carries; deletes
	// and redelivery target it with a term-equality query.
	KeyField() string
	// Mapping declares the physical bleve field mappings.
	Mapping() mapping.IndexMapping
	// Schema binds the query language to the physical fields.
	Schema() *search.Schema
	// SortField names the date field search results are ordered by,
	// descending. Empty means relevance order.
	SortField() string
	// SnippetField names the stored text field highlighted into fragments.
	// Empty disables highlighting.
	SnippetField() string
	// Map parses a raw stored document and maps it to index documents.
	Map(key string, data []byte) ([]Document, error)
	// ProcessHit shapes one engine hit into the collection's result document.
	ProcessHit(hit *bsearch.DocumentMatch, opts SearchOptions) (any, error)
}

// SearchOptions toggle per-request result decoration.
type SearchOptions struct {
	// Explain requests the engine's scoring explanation for each hit.
	Explain bool
	// Metadata includes score and explanation in the result documents.
	Metadata bool
}

// Result is the search result envelope.
type Result struct {
	Total uint64 `json:"total"`
	Hits  []any  `json:"result"`
}

// FieldString reads a stored field as a single string. Multi-valued stored
// fields come back from the engine as a slice; the first value wins.
func FieldString(fields map[string]any, name string) string {
	switch v := fields[name].(type) {
	case string:
		return v
	case []any:
		if len(v) > 0 {
			if s, ok := v[0].(string); ok {
				return s
			}
		}
	}
	return ""
}

// FieldStrings reads a stored field as a string slice regardless of whether
// the engine returned one value or many.
func FieldStrings(fields map[string]any, name string) []string {
	switch v := fields[name].(type) {
	case string:
		return []string{v}
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// FieldNumber reads a stored numeric field.
func FieldNumber(fields map[string]any, name string) float64 {
	switch v := fields[name].(type) {
	case float64:
		return v
	case []any:
		if len(v) > 0 {
			if n, ok := v[0].(float64); ok {
				return n
			}
		}
	}
	return 0
}

// ParentKey strips the child sequence from an engine doc id.
func ParentKey(docID string) string {
	for i := len(docID) - 1; i >= 0; i-- {
		if docID[i] == '#' {
			return docID[:i]
		}
	}
	return docID
}
