// Package storage provides the object-storage interface the indexing pipeline
// reads documents from and persists index snapshots to. One Store instance
// covers one collection's namespace.
package storage

import (
	"context"
	"fmt"

	"github.com/seral-labs/harbinger/pkg/config"
	apperrors "github.com/seral-labs/harbinger/pkg/errors"
)

// IndexKey is the reserved object key holding the serialized index snapshot.
// Change events for this key are self-referential and must be ignored by the
// indexer loop.
const IndexKey = "index.tar.zst"

// Store is a byte-oriented object store scoped to one collection.
type Store interface {
	// Collection returns the collection namespace this store serves.
	Collection() string
	// Get returns the object bytes for key, or an error wrapping
	// errors.ErrNotFound when the key does not exist.
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, data []byte) error
	Delete(ctx context.Context, key string) error
	// List returns all document keys (the snapshot object is excluded).
	List(ctx context.Context) ([]string, error)
	// GetIndex fetches the persisted index snapshot.
	GetIndex(ctx context.Context) ([]byte, error)
	// PutIndex durably persists an index snapshot.
	PutIndex(ctx context.Context, data []byte) error
	// IsIndexKey reports whether key refers to the snapshot object.
	IsIndexKey(key string) bool
}

// New builds a Store for the collection from configuration.
func New(cfg config.StorageConfig, collection string) (Store, error) {
	switch cfg.Kind {
	case "filesystem":
		return NewFilesystem(cfg.Root, collection)
	case "memory":
		return NewMemory(collection), nil
	default:
		return nil, fmt.Errorf("storage: unknown kind %q", cfg.Kind)
	}
}

// validateKey rejects keys no backend can name. Keys are otherwise opaque;
// purl-derived keys carry slashes and colons, and backends encode them as
// needed.
func validateKey(key string) error {
	if key == "" {
		return apperrors.Newf(apperrors.ErrInvalidInput, 400, "empty storage key")
	}
	if key == "." || key == ".." {
		return apperrors.Newf(apperrors.ErrInvalidInput, 400, "storage key %q is reserved", key)
	}
	return nil
}
