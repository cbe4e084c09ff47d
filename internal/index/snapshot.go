package index

import (
	"archive/tar"
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/blevesearch/bleve/v2"
	"github.com/klauspost/compress/zstd"

	apperrors "github.com/seral-labs/harbinger/pkg/errors"
)

// Snapshot commits the writer session, then serializes the whole index
// directory into one self-contained tar+zstd blob. The index is closed
// while packing so the files on disk are quiescent, and reopened before
// returning whether packing succeeded or not.
func (s *Store) Snapshot(w *Writer) ([]byte, error) {
	if err := w.Commit(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.idx.Close(); err != nil {
		return nil, apperrors.NewIndexError("close", err)
	}
	data, packErr := packDir(s.path)
	idx, err := bleve.Open(s.path)
	if err != nil {
		return nil, apperrors.NewIndexError("reopen", err)
	}
	s.idx = idx
	if packErr != nil {
		return nil, apperrors.NewIndexError("snapshot", packErr)
	}
	s.logger.Debug("snapshot packed", "bytes", len(data))
	return data, nil
}

// SnapshotRetryable reports whether a Snapshot failure left the index intact
// with every staged document committed, so a later Snapshot of a fresh writer
// session serializes the same state again. Commit and reopen failures are not
// retryable: staged work may be gone and the owning loop has to restart so
// unacknowledged events redeliver.
func SnapshotRetryable(err error) bool {
	var idxErr *apperrors.IndexError
	return errors.As(err, &idxErr) && idxErr.Op == "snapshot"
}

// Reload replaces the index content with what the blob encodes. The blob is
// unpacked and opened in a fresh sibling directory before the swap, so
// failures leave the current state untouched and in-flight searches finish
// on the state they started with.
func (s *Store) Reload(data []byte) error {
	s.mu.RLock()
	nextGen := s.gen + 1
	s.mu.RUnlock()

	newPath := filepath.Join(s.root, fmt.Sprintf("gen-%d", nextGen))
	if err := unpackDir(data, newPath); err != nil {
		os.RemoveAll(newPath)
		return apperrors.NewIndexError("unpack", err)
	}
	idx, err := bleve.Open(newPath)
	if err != nil {
		os.RemoveAll(newPath)
		return apperrors.NewIndexError("open", err)
	}

	s.mu.Lock()
	old, oldPath := s.idx, s.path
	s.idx, s.path, s.gen = idx, newPath, nextGen
	s.mu.Unlock()

	if err := old.Close(); err != nil {
		s.logger.Error("closing replaced index", "error", err)
	}
	if err := os.RemoveAll(oldPath); err != nil {
		s.logger.Error("removing replaced index dir", "path", oldPath, "error", err)
	}
	s.logger.Info("index reloaded", "bytes", len(data), "generation", nextGen)
	return nil
}

func packDir(dir string) ([]byte, error) {
	var buf bytes.Buffer
	zw, err := zstd.NewWriter(&buf)
	if err != nil {
		return nil, err
	}
	tw := tar.NewWriter(zw)

	err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return err
	})
	if err != nil {
		return nil, err
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func unpackDir(data []byte, dir string) error {
	zr, err := zstd.NewReader(bytes.NewReader(data))
	if err != nil {
		return err
	}
	defer zr.Close()

	tr := tar.NewReader(zr)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		name := filepath.FromSlash(hdr.Name)
		if filepath.IsAbs(name) || strings.Contains(name, "..") {
			return fmt.Errorf("snapshot entry %q escapes the index dir", hdr.Name)
		}
		target := filepath.Join(dir, name)
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			f, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
			if err != nil {
				return err
			}
			if _, err := io.Copy(f, tr); err != nil {
				f.Close()
				return err
			}
			if err := f.Close(); err != nil {
				return err
			}
		}
	}
}
