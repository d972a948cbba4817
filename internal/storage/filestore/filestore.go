// Package filestore implements storage.KV and storage.Blob on a local
// directory. Writes are atomic (temp file plus rename) and every operation
// holds a flock(2) on the directory, so several processes can share it.
//
// Layout:
//
//	<dir>/kv/<escaped key>      KV items, one file per key
//	<dir>/blob/<key>            blobs, key segments become directories
//	<dir>/conductor.lock        lock file
package filestore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/Iron-Ham/conductor/internal/storage"
)

const (
	kvDir   = "kv"
	blobDir = "blob"
	tmpExt  = ".tmp"
)

// Store is a directory-backed KV and Blob store.
type Store struct {
	dir string
}

var (
	_ storage.KV   = (*Store)(nil)
	_ storage.Blob = (*Store)(nil)
)

// New opens (creating if needed) a store rooted at dir.
func New(dir string) (*Store, error) {
	for _, sub := range []string{kvDir, blobDir} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0755); err != nil {
			return nil, fmt.Errorf("create store directory: %w", err)
		}
	}
	return &Store{dir: dir}, nil
}

// Dir returns the root directory.
func (s *Store) Dir() string {
	return s.dir
}

func (s *Store) withLock(shared bool, fn func() error) error {
	fl := NewFileLock(s.dir)
	if err := fl.Lock(shared); err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	defer func() { _ = fl.Unlock() }()
	return fn()
}

func (s *Store) itemPath(key string) (string, error) {
	if key == "" {
		return "", fmt.Errorf("filestore: empty key")
	}
	return filepath.Join(s.dir, kvDir, url.PathEscape(key)), nil
}

func (s *Store) blobPath(key string) (string, error) {
	if err := storage.ValidateKey(key); err != nil {
		return "", err
	}
	return filepath.Join(s.dir, blobDir, filepath.FromSlash(key)), nil
}

// writeAtomic writes data to a temporary file, then renames it into place.
func writeAtomic(target string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}
	tmp := target + tmpExt
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := os.Rename(tmp, target); err != nil {
		_ = os.Remove(tmp) // best-effort cleanup
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}

func read(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", filepath.Base(path), err)
	}
	return data, nil
}

func remove(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove %s: %w", filepath.Base(path), err)
	}
	return nil
}

// GetItem implements storage.KV.
func (s *Store) GetItem(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path, err := s.itemPath(key)
	if err != nil {
		return nil, err
	}
	var data []byte
	err = s.withLock(true, func() error {
		data, err = read(path)
		return err
	})
	return data, err
}

// PutItem implements storage.KV.
func (s *Store) PutItem(ctx context.Context, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path, err := s.itemPath(key)
	if err != nil {
		return err
	}
	return s.withLock(false, func() error { return writeAtomic(path, value) })
}

// DeleteItem implements storage.KV.
func (s *Store) DeleteItem(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path, err := s.itemPath(key)
	if err != nil {
		return err
	}
	return s.withLock(false, func() error { return remove(path) })
}

// Put implements storage.Blob.
func (s *Store) Put(ctx context.Context, key string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path, err := s.blobPath(key)
	if err != nil {
		return err
	}
	return s.withLock(false, func() error { return writeAtomic(path, data) })
}

// Get implements storage.Blob.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path, err := s.blobPath(key)
	if err != nil {
		return nil, err
	}
	var data []byte
	err = s.withLock(true, func() error {
		data, err = read(path)
		return err
	})
	return data, err
}

// Delete implements storage.Blob. Directories left empty are kept.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path, err := s.blobPath(key)
	if err != nil {
		return err
	}
	return s.withLock(false, func() error { return remove(path) })
}

// ListByPrefix implements storage.Blob.
func (s *Store) ListByPrefix(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	root := filepath.Join(s.dir, blobDir)

	var keys []string
	err := s.withLock(true, func() error {
		return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() || strings.HasSuffix(path, tmpExt) {
				return nil
			}
			rel, err := filepath.Rel(root, path)
			if err != nil {
				return err
			}
			key := filepath.ToSlash(rel)
			if strings.HasPrefix(key, prefix) {
				keys = append(keys, key)
			}
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("list blobs: %w", err)
	}
	slices.Sort(keys)
	return keys, nil
}
