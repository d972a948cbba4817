// Package memstore implements storage.KV and storage.Blob with in-process
// maps. It is the default backend and the one tests use.
package memstore

import (
	"context"
	"maps"
	"slices"
	"strings"
	"sync"

	"github.com/Iron-Ham/conductor/internal/storage"
)

// Store holds KV items and blobs in separate namespaces. It is safe for
// concurrent use.
type Store struct {
	mu    sync.RWMutex
	items map[string][]byte
	blobs map[string][]byte

	// failWrites, when set, is returned by every mutating call.
	failWrites error
}

var (
	_ storage.KV   = (*Store)(nil)
	_ storage.Blob = (*Store)(nil)
)

// New creates an empty Store.
func New() *Store {
	return &Store{
		items: make(map[string][]byte),
		blobs: make(map[string][]byte),
	}
}

// FailWrites makes every subsequent Put/Delete return err until called with
// nil. Reads keep working.
func (s *Store) FailWrites(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failWrites = err
}

func get(m map[string][]byte, key string) ([]byte, error) {
	v, ok := m[key]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return slices.Clone(v), nil
}

// GetItem implements storage.KV.
func (s *Store) GetItem(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return get(s.items, key)
}

// PutItem implements storage.KV.
func (s *Store) PutItem(ctx context.Context, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWrites != nil {
		return s.failWrites
	}
	s.items[key] = slices.Clone(value)
	return nil
}

// DeleteItem implements storage.KV.
func (s *Store) DeleteItem(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWrites != nil {
		return s.failWrites
	}
	delete(s.items, key)
	return nil
}

// Put implements storage.Blob.
func (s *Store) Put(ctx context.Context, key string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWrites != nil {
		return s.failWrites
	}
	s.blobs[key] = slices.Clone(data)
	return nil
}

// Get implements storage.Blob.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return get(s.blobs, key)
}

// Delete implements storage.Blob.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWrites != nil {
		return s.failWrites
	}
	delete(s.blobs, key)
	return nil
}

// ListByPrefix implements storage.Blob.
func (s *Store) ListByPrefix(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var keys []string
	for k := range maps.Keys(s.blobs) {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	slices.Sort(keys)
	return keys, nil
}

// Len returns the number of KV items and blobs held.
func (s *Store) Len() (items, blobs int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items), len(s.blobs)
}
