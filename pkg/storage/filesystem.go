package storage

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"

	apperrors "github.com/seral-labs/harbinger/pkg/errors"
)

// Filesystem stores objects as plain files under root/<collection>/. Keys
// are path-escaped into filenames, so purl keys with slashes stay inside
// the collection directory. Writes go through a hidden temp file plus
// rename so concurrent readers never observe partial objects.
type Filesystem struct {
	dir        string
	collection string
}

// NewFilesystem creates the collection directory if needed.
func NewFilesystem(root, collection string) (*Filesystem, error) {
	dir := filepath.Join(root, collection)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating storage dir %s: %w", dir, err)
	}
	return &Filesystem{dir: dir, collection: collection}, nil
}

func (f *Filesystem) Collection() string {
	return f.collection
}

func (f *Filesystem) Get(_ context.Context, key string) ([]byte, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}
	return f.read(key)
}

func (f *Filesystem) Put(_ context.Context, key string, data []byte) error {
	if err := validateKey(key); err != nil {
		return err
	}
	return f.write(key, data)
}

func (f *Filesystem) Delete(_ context.Context, key string) error {
	if err := validateKey(key); err != nil {
		return err
	}
	err := os.Remove(f.path(key))
	if os.IsNotExist(err) {
		return fmt.Errorf("key %q: %w", key, apperrors.ErrNotFound)
	}
	return err
}

func (f *Filesystem) List(_ context.Context) ([]string, error) {
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", f.dir, err)
	}
	keys := make([]string, 0, len(entries))
	for _, e := range entries {
		// Dot names are in-flight temp files, never objects.
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		key, err := url.PathUnescape(e.Name())
		if err != nil || f.IsIndexKey(key) {
			continue
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}

func (f *Filesystem) GetIndex(_ context.Context) ([]byte, error) {
	return f.read(IndexKey)
}

func (f *Filesystem) PutIndex(_ context.Context, data []byte) error {
	return f.write(IndexKey, data)
}

func (f *Filesystem) IsIndexKey(key string) bool {
	return key == IndexKey
}

func (f *Filesystem) path(key string) string {
	return filepath.Join(f.dir, url.PathEscape(key))
}

func (f *Filesystem) read(key string) ([]byte, error) {
	data, err := os.ReadFile(f.path(key))
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("key %q: %w", key, apperrors.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("reading %q: %w", key, err)
	}
	return data, nil
}

func (f *Filesystem) write(key string, data []byte) error {
	tmp, err := os.CreateTemp(f.dir, ".put-*")
	if err != nil {
		return fmt.Errorf("creating temp file for %q: %w", key, err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing %q: %w", key, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("syncing %q: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing %q: %w", key, err)
	}
	if err := os.Rename(tmp.Name(), f.path(key)); err != nil {
		return fmt.Errorf("renaming %q into place: %w", key, err)
	}
	return nil
}
