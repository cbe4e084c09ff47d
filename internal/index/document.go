// Package index implements the collection-agnostic index store: a bleve
// index per collection with an exclusive writer session, atomic batch
// commits, snapshot/reload as one opaque blob, and paged search with the
// collection's sort order and snippets.
package index

import "fmt"

// Document is one flat index record produced by a collection mapper. Values
// are strings, string slices, float64s or time.Times; bleve routes them
// through the collection's field mappings by key.
type Document map[string]any

// SetString stores a string value, skipping empty ones so absent source
// fields never index empty terms.
func (d Document) SetString(field, value string) {
	if value == "" {
		return
	}
	d[field] = value
}

// Append accumulates a multi-valued string field.
func (d Document) Append(field, value string) {
	if value == "" {
		return
	}
	switch existing := d[field].(type) {
	case nil:
		d[field] = []string{value}
	case string:
		d[field] = []string{existing, value}
	case []string:
		d[field] = append(existing, value)
	}
}

// childID derives the deterministic engine id for the seq-th index document
// of a domain document. Redelivered documents overwrite instead of
// duplicating.
func childID(key string, seq int) string {
	return fmt.Sprintf("%s#%d", key, seq)
}
