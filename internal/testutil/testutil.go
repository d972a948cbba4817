// Package testutil provides testing utilities for conductor tests: storage
// conformance suites shared by every backend and scripted stage processors.
package testutil

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Iron-Ham/conductor/internal/storage"
)

// RunKVConformance exercises the storage.KV contract against kv.
func RunKVConformance(t *testing.T, kv storage.KV) {
	t.Helper()
	ctx := context.Background()

	t.Run("missing key", func(t *testing.T) {
		if _, err := kv.GetItem(ctx, "pipelines/missing"); !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("GetItem(missing) error = %v, want ErrNotFound", err)
		}
	})

	t.Run("put get replace", func(t *testing.T) {
		if err := kv.PutItem(ctx, "pipelines/p-1", []byte(`{"v":1}`)); err != nil {
			t.Fatalf("PutItem failed: %v", err)
		}
		if err := kv.PutItem(ctx, "pipelines/p-1", []byte(`{"v":2}`)); err != nil {
			t.Fatalf("PutItem (replace) failed: %v", err)
		}
		got, err := kv.GetItem(ctx, "pipelines/p-1")
		if err != nil {
			t.Fatalf("GetItem failed: %v", err)
		}
		if string(got) != `{"v":2}` {
			t.Errorf("GetItem = %s, want {\"v\":2}", got)
		}
	})

	t.Run("returned value is a copy", func(t *testing.T) {
		_ = kv.PutItem(ctx, "pipelines/copy", []byte("abc"))
		got, _ := kv.GetItem(ctx, "pipelines/copy")
		if len(got) > 0 {
			got[0] = 'z'
		}
		again, _ := kv.GetItem(ctx, "pipelines/copy")
		if string(again) != "abc" {
			t.Errorf("stored value was mutated through a returned slice: %s", again)
		}
	})

	t.Run("delete", func(t *testing.T) {
		_ = kv.PutItem(ctx, "pipelines/del", []byte("x"))
		if err := kv.DeleteItem(ctx, "pipelines/del"); err != nil {
			t.Fatalf("DeleteItem failed: %v", err)
		}
		if _, err := kv.GetItem(ctx, "pipelines/del"); !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("GetItem after delete error = %v, want ErrNotFound", err)
		}
		if err := kv.DeleteItem(ctx, "pipelines/del"); err != nil {
			t.Errorf("DeleteItem of a missing key error = %v, want nil", err)
		}
	})
}

// RunBlobConformance exercises the storage.Blob contract against blob.
func RunBlobConformance(t *testing.T, blob storage.Blob) {
	t.Helper()
	ctx := context.Background()

	t.Run("missing key", func(t *testing.T) {
		if _, err := blob.Get(ctx, "checkpoints/none/c.ckpt"); !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("Get(missing) error = %v, want ErrNotFound", err)
		}
	})

	t.Run("put get", func(t *testing.T) {
		data := []byte{0x7b, 0x00, 0xff, 0x7d}
		if err := blob.Put(ctx, "checkpoints/p-1/a.ckpt", data); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
		got, err := blob.Get(ctx, "checkpoints/p-1/a.ckpt")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if string(got) != string(data) {
			t.Errorf("Get = %v, want %v", got, data)
		}
	})

	t.Run("list by prefix", func(t *testing.T) {
		for _, key := range []string{
			"checkpoints/p-2/b.ckpt",
			"checkpoints/p-2/a.ckpt",
			"checkpoints/p-22/x.ckpt",
			"other/p-2/a.ckpt",
		} {
			if err := blob.Put(ctx, key, []byte(key)); err != nil {
				t.Fatalf("Put(%s) failed: %v", key, err)
			}
		}
		got, err := blob.ListByPrefix(ctx, "checkpoints/p-2/")
		if err != nil {
			t.Fatalf("ListByPrefix failed: %v", err)
		}
		want := []string{"checkpoints/p-2/a.ckpt", "checkpoints/p-2/b.ckpt"}
		if !slices.Equal(got, want) {
			t.Errorf("ListByPrefix = %v, want %v", got, want)
		}

		empty, err := blob.ListByPrefix(ctx, "checkpoints/nobody/")
		if err != nil {
			t.Fatalf("ListByPrefix(empty) failed: %v", err)
		}
		if len(empty) != 0 {
			t.Errorf("ListByPrefix(empty) = %v, want none", empty)
		}
	})

	t.Run("delete", func(t *testing.T) {
		_ = blob.Put(ctx, "checkpoints/p-3/a.ckpt", []byte("x"))
		if err := blob.Delete(ctx, "checkpoints/p-3/a.ckpt"); err != nil {
			t.Fatalf("Delete failed: %v", err)
		}
		if _, err := blob.Get(ctx, "checkpoints/p-3/a.ckpt"); !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("Get after delete error = %v, want ErrNotFound", err)
		}
		if err := blob.Delete(ctx, "checkpoints/p-3/a.ckpt"); err != nil {
			t.Errorf("Delete of a missing key error = %v, want nil", err)
		}
	})
}

// ScriptedProcessor is a stage processor whose behavior is decided per call.
// It counts invocations and is safe for concurrent use.
type ScriptedProcessor struct {
	calls atomic.Int32

	// Fn decides the result of call n (zero-based).
	Fn func(ctx context.Context, n int, input map[string]any) (map[string]any, error)
}

// Process implements pipeline.Processor.
func (p *ScriptedProcessor) Process(ctx context.Context, input map[string]any) (map[string]any, error) {
	n := int(p.calls.Add(1)) - 1
	return p.Fn(ctx, n, input)
}

// Calls returns how many times Process was invoked.
func (p *ScriptedProcessor) Calls() int {
	return int(p.calls.Load())
}

// Returning always succeeds with output.
func Returning(output map[string]any) *ScriptedProcessor {
	return &ScriptedProcessor{Fn: func(context.Context, int, map[string]any) (map[string]any, error) {
		return output, nil
	}}
}

// FailingTimes fails the first k calls and then returns output.
func FailingTimes(k int, output map[string]any) *ScriptedProcessor {
	return &ScriptedProcessor{Fn: func(_ context.Context, n int, _ map[string]any) (map[string]any, error) {
		if n < k {
			return nil, fmt.Errorf("scripted failure %d", n+1)
		}
		return output, nil
	}}
}

// AlwaysFailing fails every call with err.
func AlwaysFailing(err error) *ScriptedProcessor {
	return &ScriptedProcessor{Fn: func(context.Context, int, map[string]any) (map[string]any, error) {
		return nil, err
	}}
}

// Hanging blocks every call until ctx is done.
func Hanging() *ScriptedProcessor {
	return &ScriptedProcessor{Fn: func(ctx context.Context, _ int, _ map[string]any) (map[string]any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
}

// WaitFor polls cond until it returns true or timeout elapses.
func WaitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met within %s", timeout)
		}
		time.Sleep(time.Millisecond)
	}
}
