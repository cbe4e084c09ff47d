package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"

	apperrors "github.com/seral-labs/harbinger/pkg/errors"
)

// Memory keeps everything in a map. It backs tests and the walker's dry-run
// mode where no durable storage is wanted.
type Memory struct {
	mu         sync.RWMutex
	collection string
	objects    map[string][]byte
	index      []byte

	// OnPutIndex, when set, runs before an index snapshot is stored and can
	// reject it. Tests use it to observe ordering and to inject failures.
	OnPutIndex func(data []byte) error
}

func NewMemory(collection string) *Memory {
	return &Memory{
		collection: collection,
		objects:    make(map[string][]byte),
	}
}

func (m *Memory) Collection() string {
	return m.collection
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.objects[key]
	if !ok {
		return nil, fmt.Errorf("key %q: %w", key, apperrors.ErrNotFound)
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

func (m *Memory) Put(_ context.Context, key string, data []byte) error {
	if err := validateKey(key); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	stored := make([]byte, len(data))
	copy(stored, data)
	m.objects[key] = stored
	return nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	if err := validateKey(key); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.objects[key]; !ok {
		return fmt.Errorf("key %q: %w", key, apperrors.ErrNotFound)
	}
	delete(m.objects, key)
	return nil
}

func (m *Memory) List(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.objects))
	for k := range m.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

func (m *Memory) GetIndex(_ context.Context) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.index == nil {
		return nil, fmt.Errorf("index: %w", apperrors.ErrNotFound)
	}
	out := make([]byte, len(m.index))
	copy(out, m.index)
	return out, nil
}

func (m *Memory) PutIndex(_ context.Context, data []byte) error {
	if m.OnPutIndex != nil {
		if err := m.OnPutIndex(data); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	stored := make([]byte, len(data))
	copy(stored, data)
	m.index = stored
	return nil
}

func (m *Memory) IsIndexKey(key string) bool {
	return key == IndexKey
}
