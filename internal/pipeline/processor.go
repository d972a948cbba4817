package pipeline

import (
	"context"
	"fmt"

	"github.com/sourcegraph/conc/panics"
	"golang.org/x/sync/semaphore"

	"github.com/Iron-Ham/conductor/internal/errors"
)

// Processor is the stage contract. Implementations must return an error
// rather than partial output on failure, and must tolerate concurrent calls
// for different pipelines. The attempt deadline is carried by ctx; a
// processor that ignores it is abandoned when it passes.
type Processor interface {
	Process(ctx context.Context, input map[string]any) (map[string]any, error)
}

// ProcessorFunc adapts an ordinary function to the Processor interface.
type ProcessorFunc func(ctx context.Context, input map[string]any) (map[string]any, error)

// Process calls f(ctx, input).
func (f ProcessorFunc) Process(ctx context.Context, input map[string]any) (map[string]any, error) {
	return f(ctx, input)
}

// BlockingFunc is synchronous stage work that cannot observe a context.
type BlockingFunc func(input map[string]any) (map[string]any, error)

// WorkerPool bounds how many blocking processors run at once across all
// pipelines.
type WorkerPool struct {
	sem  *semaphore.Weighted
	size int
}

// NewWorkerPool creates a pool with size slots. Sizes below one are raised
// to one.
func NewWorkerPool(size int) *WorkerPool {
	if size < 1 {
		size = 1
	}
	return &WorkerPool{sem: semaphore.NewWeighted(int64(size)), size: size}
}

// Size returns the number of slots.
func (p *WorkerPool) Size() int {
	return p.size
}

func (p *WorkerPool) acquire(ctx context.Context) error {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("wait for worker slot: %w", err)
	}
	return nil
}

func (p *WorkerPool) release() {
	p.sem.Release(1)
}

// Pooled bounds a context-aware processor by pool. Each call holds a slot
// for the duration of p.Process, which receives the caller's ctx.
func Pooled(p Processor, pool *WorkerPool) Processor {
	if pool == nil {
		pool = NewWorkerPool(1)
	}
	return ProcessorFunc(func(ctx context.Context, input map[string]any) (map[string]any, error) {
		if err := pool.acquire(ctx); err != nil {
			return nil, err
		}
		defer pool.release()
		return p.Process(ctx, input)
	})
}

type blockingResult struct {
	output map[string]any
	err    error
}

// Blocking adapts fn to the Processor contract. Each call waits for a pool
// slot, runs fn on its own goroutine, and returns when fn finishes or ctx is
// done, whichever comes first. An abandoned call keeps its slot until fn
// returns. Work that can observe a context should use [Pooled] instead.
func Blocking(fn BlockingFunc, pool *WorkerPool) Processor {
	if pool == nil {
		pool = NewWorkerPool(1)
	}
	return ProcessorFunc(func(ctx context.Context, input map[string]any) (map[string]any, error) {
		if err := pool.acquire(ctx); err != nil {
			return nil, err
		}

		done := make(chan blockingResult, 1)
		go func() {
			defer pool.release()
			out, err := SafeCall(func() (map[string]any, error) { return fn(input) })
			done <- blockingResult{output: out, err: err}
		}()

		select {
		case res := <-done:
			return res.output, res.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
}

// SafeCall runs fn and converts a panic into an error.
func SafeCall(fn func() (map[string]any, error)) (output map[string]any, err error) {
	var catcher panics.Catcher
	catcher.Try(func() {
		output, err = fn()
	})
	if rec := catcher.Recovered(); rec != nil {
		return nil, fmt.Errorf("processor panicked: %w", rec.AsError())
	}
	return output, err
}

// Invoke calls p.Process with panic recovery.
func Invoke(ctx context.Context, p Processor, input map[string]any) (map[string]any, error) {
	return SafeCall(func() (map[string]any, error) {
		return p.Process(ctx, input)
	})
}

// permanentError marks a processor failure that must not be retried.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps err so the orchestrator fails the stage without retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}

// OutcomeKind distinguishes the three results of a stage attempt.
type OutcomeKind int

const (
	// OutcomeOk means the attempt produced output.
	OutcomeOk OutcomeKind = iota
	// OutcomeRetryable means the attempt failed and may be retried.
	OutcomeRetryable
	// OutcomeFatal means the stage must fail without further attempts.
	OutcomeFatal
)

// String returns the string representation of the kind.
func (k OutcomeKind) String() string {
	switch k {
	case OutcomeOk:
		return "ok"
	case OutcomeRetryable:
		return "retryable"
	case OutcomeFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Outcome is the result of one stage attempt as consumed by the retry loop.
type Outcome struct {
	Kind   OutcomeKind
	Output map[string]any
	Err    error
}

// Ok returns a successful outcome.
func Ok(output map[string]any) Outcome {
	return Outcome{Kind: OutcomeOk, Output: output}
}

// Retryable returns a failed outcome that may be retried.
func Retryable(err error) Outcome {
	return Outcome{Kind: OutcomeRetryable, Err: err}
}

// Fatal returns a failed outcome that ends the stage.
func Fatal(err error) Outcome {
	return Outcome{Kind: OutcomeFatal, Err: err}
}

// Classify maps a processor return into an Outcome. Errors are retryable
// unless marked Permanent or classified as not retryable by the outermost
// conductor error they carry. Errors outside the taxonomy are retryable.
func Classify(output map[string]any, err error) Outcome {
	switch {
	case err == nil:
		return Ok(output)
	case IsPermanent(err), !retryable(err):
		return Fatal(err)
	default:
		return Retryable(err)
	}
}

func retryable(err error) bool {
	var ce errors.ConductorError
	if errors.As(err, &ce) {
		return ce.IsRetryable()
	}
	return true
}
