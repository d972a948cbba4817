// Package storage defines the persistence interfaces the state manager
// writes through. Backends live in subpackages:
//
//   - memstore: in-process maps, sufficient for tests and single-process use
//   - filestore: a directory tree with atomic writes and flock(2) locking
//   - pgstore: PostgreSQL tables via database/sql and pgx
//   - miniostore: an S3-compatible bucket via minio-go
//
// Live pipeline state goes to a [KV]; checkpoints go to a [Blob] so that they
// survive independently of the live record.
package storage

import (
	"context"
	"fmt"
	"strings"

	"github.com/Iron-Ham/conductor/internal/errors"
)

// ErrNotFound is returned by Get operations for a missing key.
var ErrNotFound = errors.New("storage: key not found")

// KV stores small records by key.
type KV interface {
	// GetItem returns the value for key, or ErrNotFound.
	GetItem(ctx context.Context, key string) ([]byte, error)
	// PutItem creates or replaces the value for key.
	PutItem(ctx context.Context, key string, value []byte) error
	// DeleteItem removes key. Deleting a missing key is not an error.
	DeleteItem(ctx context.Context, key string) error
}

// Blob stores opaque objects by slash-separated key.
type Blob interface {
	// Put creates or replaces the object at key.
	Put(ctx context.Context, key string, data []byte) error
	// Get returns the object at key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)
	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
	// ListByPrefix returns every key starting with prefix, sorted.
	ListByPrefix(ctx context.Context, prefix string) ([]string, error)
}

// PipelineKey is the KV key holding the live state of a pipeline.
func PipelineKey(pipelineID string) string {
	return "pipelines/" + pipelineID
}

// HistoryKey is the KV key holding the snapshot history of a pipeline.
func HistoryKey(pipelineID string) string {
	return "history/" + pipelineID
}

// CheckpointPrefix is the blob prefix under which a pipeline's checkpoints
// are stored.
func CheckpointPrefix(pipelineID string) string {
	return "checkpoints/" + pipelineID + "/"
}

// CheckpointKey is the blob key for one checkpoint.
func CheckpointKey(pipelineID, checkpointID string) string {
	return CheckpointPrefix(pipelineID) + checkpointID + ".ckpt"
}

// ParseCheckpointKey splits a blob key produced by CheckpointKey.
func ParseCheckpointKey(key string) (pipelineID, checkpointID string, ok bool) {
	rest, found := strings.CutPrefix(key, "checkpoints/")
	if !found {
		return "", "", false
	}
	rest, found = strings.CutSuffix(rest, ".ckpt")
	if !found {
		return "", "", false
	}
	pipelineID, checkpointID, found = strings.Cut(rest, "/")
	if !found || pipelineID == "" || checkpointID == "" || strings.Contains(checkpointID, "/") {
		return "", "", false
	}
	return pipelineID, checkpointID, true
}

// ValidateKey rejects keys that are empty or could escape a key namespace
// when mapped onto a file system or object store.
func ValidateKey(key string) error {
	if key == "" {
		return errors.NewValidationError("storage key is empty").WithField("key")
	}
	if strings.HasPrefix(key, "/") || strings.HasSuffix(key, "/") {
		return errors.NewValidationError(fmt.Sprintf("storage key %q must not start or end with '/'", key)).WithField("key")
	}
	for _, seg := range strings.Split(key, "/") {
		if seg == "" || seg == "." || seg == ".." {
			return errors.NewValidationError(fmt.Sprintf("storage key %q has an invalid segment", key)).WithField("key")
		}
	}
	return nil
}
