// Package tracker records every document's path through the indexing
// pipeline. It consumes a collection's stored, indexed and failed topics,
// turns the events into status rows, and batch-inserts them into
// PostgreSQL, where an HTTP handler serves per-collection summaries and
// per-document histories.
package tracker

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/seral-labs/harbinger/pkg/metrics"
	"github.com/seral-labs/harbinger/pkg/postgres"
)

// Status is one step of a document's indexing lifecycle.
type Status string

const (
	// StatusPending records a stored document awaiting indexing.
	StatusPending Status = "pending"
	// StatusIndexed records a document covered by a persisted snapshot.
	StatusIndexed Status = "indexed"
	// StatusFailed records a document the indexer reported on the failed
	// topic.
	StatusFailed Status = "failed"
	// StatusDeleted records a document removed from storage.
	StatusDeleted Status = "deleted"
)

// Row is one status transition of one document.
type Row struct {
	Collection string    `json:"collection"`
	Key        string    `json:"key"`
	Status     Status    `json:"status"`
	Error      string    `json:"error,omitempty"`
	RecordedAt time.Time `json:"recorded_at"`
}

// Summary counts a collection's documents by their latest status.
type Summary struct {
	Collection string           `json:"collection"`
	Total      int64            `json:"total"`
	Statuses   map[Status]int64 `json:"statuses"`
}

// Store persists status rows in PostgreSQL.
//
// It requires a `document_status` table:
//
//	CREATE TABLE document_status (
//	    id          BIGSERIAL PRIMARY KEY,
//	    collection  TEXT NOT NULL,
//	    key         TEXT NOT NULL,
//	    status      TEXT NOT NULL,
//	    error       TEXT NOT NULL DEFAULT '',
//	    recorded_at TIMESTAMPTZ NOT NULL
//	);
//	CREATE INDEX document_status_key_idx
//	    ON document_status (collection, key, recorded_at DESC);
type Store struct {
	db      *postgres.Client
	metrics *metrics.Metrics
}

func NewStore(db *postgres.Client, m *metrics.Metrics) *Store {
	return &Store{db: db, metrics: m}
}

// InsertBatch writes rows in one transaction. Either every row lands or
// none does, so a retried batch never half-duplicates.
func (s *Store) InsertBatch(ctx context.Context, rows []Row) error {
	if len(rows) == 0 {
		return nil
	}
	err := s.db.InTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx,
			`INSERT INTO document_status (collection, key, status, error, recorded_at)
			 VALUES ($1, $2, $3, $4, $5)`)
		if err != nil {
			return fmt.Errorf("preparing status insert: %w", err)
		}
		defer stmt.Close()
		for _, r := range rows {
			if _, err := stmt.ExecContext(ctx, r.Collection, r.Key, string(r.Status), r.Error, r.RecordedAt); err != nil {
				return fmt.Errorf("inserting status row for %s: %w", r.Key, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	perStatus := make(map[Status]int)
	for _, r := range rows {
		perStatus[r.Status]++
	}
	for status, n := range perStatus {
		s.metrics.StatusRowInserted(string(status), n)
	}
	return nil
}

// Summary reports how many documents sit in each latest status.
func (s *Store) Summary(ctx context.Context, collection string) (*Summary, error) {
	rows, err := s.db.DB.QueryContext(ctx,
		`SELECT status, COUNT(*)
		 FROM (
		     SELECT DISTINCT ON (key) status
		     FROM document_status
		     WHERE collection = $1
		     ORDER BY key, recorded_at DESC, id DESC
		 ) latest
		 GROUP BY status`, collection)
	if err != nil {
		return nil, fmt.Errorf("querying status summary: %w", err)
	}
	defer rows.Close()

	summary := &Summary{Collection: collection, Statuses: make(map[Status]int64)}
	for rows.Next() {
		var status string
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scanning summary row: %w", err)
		}
		summary.Statuses[Status(status)] = count
		summary.Total += count
	}
	return summary, rows.Err()
}

// History returns a document's status transitions, newest first.
func (s *Store) History(ctx context.Context, collection, key string, limit int) ([]Row, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.DB.QueryContext(ctx,
		`SELECT status, error, recorded_at
		 FROM document_status
		 WHERE collection = $1 AND key = $2
		 ORDER BY recorded_at DESC, id DESC
		 LIMIT $3`, collection, key, limit)
	if err != nil {
		return nil, fmt.Errorf("querying status history: %w", err)
	}
	defer rows.Close()

	var history []Row
	for rows.Next() {
		r := Row{Collection: collection, Key: key}
		var status string
		if err := rows.Scan(&status, &r.Error, &r.RecordedAt); err != nil {
			return nil, fmt.Errorf("scanning history row: %w", err)
		}
		r.Status = Status(status)
		history = append(history, r)
	}
	return history, rows.Err()
}
