package orchestrator

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/Iron-Ham/conductor/internal/errors"
	"github.com/Iron-Ham/conductor/internal/event"
	"github.com/Iron-Ham/conductor/internal/logging"
	"github.com/Iron-Ham/conductor/internal/metrics"
	"github.com/Iron-Ham/conductor/internal/orchestrator/retry"
	"github.com/Iron-Ham/conductor/internal/pipeline"
)

// run is one execution of a plan for one pipeline.
type run struct {
	o       *Orchestrator
	id      string
	pctx    pipeline.PipelineContext
	plan    plan
	log     *logging.Logger
	retries *retry.Manager
	started time.Time
	resumed bool
	// done holds stages completed before this run started.
	done  map[string]bool
	prior []pipeline.StageResult

	// mu guards the merged data view and the results of this run.
	mu        sync.Mutex
	data      map[string]any
	results   []pipeline.StageResult
	completed []string
}

// stageFailure ends a run.
type stageFailure struct {
	stage      string
	retryCount int
	err        error
}

func (f *stageFailure) Error() string { return f.err.Error() }
func (f *stageFailure) Unwrap() error { return f.err }

func (r *run) execute(ctx context.Context) (*Result, error) {
	if limit := r.pctx.Limits.MaxExecutionTime; limit > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, limit)
		defer cancel()
	}
	ctx, span := r.o.tracer.Start(ctx, "pipeline.execute", trace.WithAttributes(
		attribute.String("pipeline.id", r.id),
		attribute.String("pipeline.project", r.pctx.ProjectID),
		attribute.Bool("pipeline.resumed", r.resumed),
	))
	defer span.End()

	r.log.Info("pipeline started", "stages", len(r.plan.stages()), "levels", len(r.plan), "resumed", r.resumed)

	var failure *stageFailure
levels:
	for _, level := range r.plan {
		for _, group := range groups(level) {
			pending := r.pending(group)
			if len(pending) == 0 {
				continue
			}
			if err := ctx.Err(); err != nil {
				failure = &stageFailure{
					stage: pending[0].Name,
					err:   fmt.Errorf("%w before stage %s: %w", errors.ErrCanceled, pending[0].Name, err),
				}
			} else {
				failure = r.runGroup(ctx, pending)
			}
			if failure != nil {
				break levels
			}
		}
	}

	if failure != nil {
		return r.fail(ctx, span, failure)
	}
	return r.complete(ctx, span)
}

// pending filters out stages completed before this run.
func (r *run) pending(group []*Stage) []*Stage {
	var out []*Stage
	for _, s := range group {
		if !r.done[s.Name] {
			out = append(out, s)
		}
	}
	return out
}

// runGroup runs stages concurrently and waits for all of them; siblings of
// a failing stage finish so their results are kept.
func (r *run) runGroup(ctx context.Context, stages []*Stage) *stageFailure {
	if len(stages) == 1 {
		return r.runStage(ctx, stages[0])
	}

	var g errgroup.Group
	for _, s := range stages {
		g.Go(func() error {
			if f := r.runStage(ctx, s); f != nil {
				return f
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		var f *stageFailure
		if errors.As(err, &f) {
			return f
		}
		return &stageFailure{err: err}
	}
	return nil
}

// snapshot copies the merged data for a stage's input.
func (r *run) snapshot() map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return pipeline.CloneData(r.data)
}

func (r *run) runStage(ctx context.Context, s *Stage) *stageFailure {
	log := r.log.WithStage(s.Name)
	tags := metrics.Tags{"stage": s.Name}
	input := r.snapshot()

	status := pipeline.StagePending
	advance := func(next pipeline.StageStatus) {
		moved, err := status.Transition(next)
		if err != nil {
			log.Error("illegal stage transition", "error", err)
			return
		}
		status = moved
	}

	var key string
	if r.o.cache != nil && r.o.cfg.CacheEnabled {
		k, err := CacheKey(s.Name, input, s.InputKeys)
		switch {
		case err != nil:
			log.Warn("stage input not cacheable", "error", err)
		default:
			key = k
			if out, ok := r.o.cache.Get(key); ok {
				r.o.metrics.Count(metrics.StageCacheHits, 1, tags)
				advance(pipeline.StageCached)
				log.Debug("stage served from cache")
				return r.succeed(ctx, s, pipeline.StageResult{
					Stage:   s.Name,
					Success: true,
					Output:  out,
					Cached:  true,
				})
			}
			r.o.metrics.Count(metrics.StageCacheMisses, 1, tags)
		}
	}

	r.o.publish(event.TypeStageStarted, r.id, map[string]any{
		"pipeline_id": r.id,
		"stage":       s.Name,
	})
	strategy := r.o.strategyFor(s.Name)
	r.retries.GetOrCreateState(s.Name, strategy.MaxRetries())
	advance(pipeline.StageRunning)

	var (
		attempt int
		took    time.Duration
		lastErr error
	)
	for {
		attempt++
		var outcome pipeline.Outcome
		outcome, took = r.attempt(ctx, s, input, attempt)
		ok := outcome.Kind == pipeline.OutcomeOk
		r.retries.RecordAttempt(s.Name, ok, took)

		if ok {
			advance(pipeline.StageCompleted)
			if key != "" {
				r.o.cache.Set(key, outcome.Output)
			}
			return r.succeed(ctx, s, pipeline.StageResult{
				Stage:         s.Name,
				Success:       true,
				Output:        outcome.Output,
				ExecutionTime: took,
				RetryCount:    attempt - 1,
				Metrics:       map[string]float64{"attempts": float64(attempt)},
			})
		}

		lastErr = outcome.Err
		r.retries.SetLastError(s.Name, lastErr.Error())
		if outcome.Kind == pipeline.OutcomeFatal || ctx.Err() != nil {
			r.retries.Exhaust(s.Name)
		}
		final := !r.retries.ShouldRetry(s.Name)
		r.o.handleError(ctx, StageFailure{
			PipelineID: r.id,
			Stage:      s.Name,
			Attempt:    attempt,
			Err:        lastErr,
			Final:      final,
		})
		if final {
			break
		}

		delay := strategy.Delay(attempt)
		advance(pipeline.StageRetrying)
		r.o.metrics.Count(metrics.StageRetries, 1, tags)
		log.Warn("stage attempt failed; retrying", "attempt", attempt, "delay", delay, "error", lastErr)
		r.o.publish(event.TypeStageRetrying, r.id, map[string]any{
			"pipeline_id": r.id,
			"stage":       s.Name,
			"attempt":     attempt,
			"delay_ms":    millis(delay),
			"error":       lastErr.Error(),
		})
		if err := r.o.sleep(ctx, delay); err != nil {
			lastErr = fmt.Errorf("%w (retry abandoned: %v)", lastErr, err)
			break
		}
		advance(pipeline.StageRunning)
	}

	advance(pipeline.StageFailed)
	return r.failStage(ctx, s, attempt, took, lastErr)
}

// attempt invokes the processor once under the stage deadline and turns
// its return into an Outcome.
func (r *run) attempt(ctx context.Context, s *Stage, input map[string]any, n int) (pipeline.Outcome, time.Duration) {
	timeout := s.Timeout
	if timeout == 0 {
		timeout = r.o.cfg.StageTimeout
	}
	actx, cancel := ctx, context.CancelFunc(func() {})
	if timeout > 0 {
		actx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()

	actx, span := r.o.tracer.Start(actx, "stage.attempt", trace.WithAttributes(
		attribute.String("pipeline.id", r.id),
		attribute.String("stage.name", s.Name),
		attribute.Int("stage.attempt", n),
	))
	defer span.End()

	start := r.o.now()
	out, err := invokeBounded(actx, s.Processor, pipeline.CloneData(input))
	took := r.o.now().Sub(start)
	r.o.metrics.Timing(metrics.StageDuration, took, metrics.Tags{"stage": s.Name})

	switch {
	case err == nil:
		if out == nil {
			out = make(map[string]any)
		}
		if s.Validate != nil {
			if verr := s.Validate(out); verr != nil {
				err = errors.NewValidationError("stage output rejected").
					WithStage(s.Name).WithCause(verr).WithRetryable(true)
			}
		}
	case ctx.Err() != nil:
		err = pipeline.Permanent(errors.NewStageExecutionError(s.Name,
			fmt.Errorf("pipeline canceled: %w", ctx.Err())).WithAttempt(n - 1))
	case errors.Is(actx.Err(), context.DeadlineExceeded):
		err = errors.NewStageTimeoutError(s.Name, timeout).WithCause(err)
	default:
		err = errors.NewStageExecutionError(s.Name, err).WithAttempt(n - 1)
	}

	outcome := pipeline.Classify(out, err)
	if outcome.Err != nil {
		span.RecordError(outcome.Err)
		span.SetStatus(codes.Error, outcome.Kind.String())
	}
	return outcome, took
}

type invocation struct {
	output map[string]any
	err    error
}

// invokeBounded returns when p does or when ctx is done, whichever comes
// first. A processor that ignores ctx is abandoned on its own goroutine and
// its late result is dropped.
func invokeBounded(ctx context.Context, p pipeline.Processor, input map[string]any) (map[string]any, error) {
	done := make(chan invocation, 1)
	go func() {
		out, err := pipeline.Invoke(ctx, p, input)
		done <- invocation{output: out, err: err}
	}()

	select {
	case res := <-done:
		return res.output, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// succeed records a successful result and merges its output.
func (r *run) succeed(ctx context.Context, s *Stage, result pipeline.StageResult) *stageFailure {
	result.CompletedAt = r.o.now().UTC()
	if err := r.o.states.UpdateState(context.WithoutCancel(ctx), r.id, s.Name, result); err != nil {
		return &stageFailure{
			stage:      s.Name,
			retryCount: result.RetryCount,
			err:        errors.Wrap(err, "record stage result"),
		}
	}

	r.mu.Lock()
	maps.Copy(r.data, pipeline.CloneData(result.Output))
	r.results = append(r.results, result)
	r.completed = append(r.completed, s.Name)
	r.mu.Unlock()

	r.o.publish(event.TypeStageCompleted, r.id, map[string]any{
		"pipeline_id":       r.id,
		"stage":             s.Name,
		"cached":            result.Cached,
		"retry_count":       result.RetryCount,
		"execution_time_ms": millis(result.ExecutionTime),
	})
	r.log.WithStage(s.Name).Info("stage completed",
		"cached", result.Cached, "retry_count", result.RetryCount, "duration", result.ExecutionTime)
	return nil
}

// failStage records the failed result once retries are exhausted.
func (r *run) failStage(ctx context.Context, s *Stage, attempts int, took time.Duration, cause error) *stageFailure {
	if rs := r.retries.GetState(s.Name); rs != nil {
		attempts = rs.Attempts
	}
	result := pipeline.StageResult{
		Stage:         s.Name,
		Success:       false,
		ExecutionTime: took,
		ErrorMessage:  cause.Error(),
		RetryCount:    max(attempts-1, 0),
		Metrics:       map[string]float64{"attempts": float64(attempts)},
		CompletedAt:   r.o.now().UTC(),
	}
	if err := r.o.states.UpdateState(context.WithoutCancel(ctx), r.id, s.Name, result); err != nil {
		r.log.WithStage(s.Name).Warn("failed stage result not recorded", "error", err)
	}

	r.mu.Lock()
	r.results = append(r.results, result)
	r.mu.Unlock()

	r.o.metrics.Count(metrics.StageFailures, 1, metrics.Tags{"stage": s.Name})
	r.o.publish(event.TypeStageFailed, r.id, map[string]any{
		"pipeline_id": r.id,
		"stage":       s.Name,
		"error":       result.ErrorMessage,
		"retry_count": result.RetryCount,
	})
	r.log.WithStage(s.Name).Error("stage failed", "attempts", attempts, "error", cause)

	return &stageFailure{
		stage:      s.Name,
		retryCount: result.RetryCount,
		err:        errors.NewRetryExhaustedError(s.Name, attempts, cause),
	}
}

func (r *run) complete(ctx context.Context, span trace.Span) (*Result, error) {
	if err := r.o.states.TransitionStatus(context.WithoutCancel(ctx), r.id, pipeline.StatusCompleted); err != nil {
		return r.result(false, pipeline.StatusRunning), err
	}
	res := r.result(true, pipeline.StatusCompleted)
	r.report(res)

	r.o.metrics.Count(metrics.PipelineCompleted, 1, nil)
	r.o.publish(event.TypePipelineCompleted, r.id, map[string]any{
		"pipeline_id": r.id,
		"resumed":     r.resumed,
		"report":      res.Report.Map(),
	})
	span.SetAttributes(attribute.Bool("pipeline.success", true))
	r.log.Info("pipeline completed",
		"duration", res.Report.TotalTime,
		"stages", len(res.StageResults),
		"retries", res.Report.TotalRetries,
		"run_retries", r.retries.TotalRetries(),
		"bottleneck", res.Report.Bottleneck)
	return res, nil
}

func (r *run) fail(ctx context.Context, span trace.Span, f *stageFailure) (*Result, error) {
	if err := r.o.states.TransitionStatus(context.WithoutCancel(ctx), r.id, pipeline.StatusFailed); err != nil {
		r.log.Warn("failed status not recorded", "error", err)
	}
	res := r.result(false, pipeline.StatusFailed)
	perr := errors.NewPipelineError(r.id, f.stage, f.retryCount, res.CompletedStages, f.err)
	res.FailedStage = f.stage
	res.Error = perr.Error()
	r.report(res)

	r.o.metrics.Count(metrics.PipelineFailed, 1, nil)
	r.o.publish(event.TypePipelineFailed, r.id, map[string]any{
		"pipeline_id":      r.id,
		"stage":            f.stage,
		"error":            res.Error,
		"retry_count":      f.retryCount,
		"completed_stages": slices.Clone(res.CompletedStages),
		"report":           res.Report.Map(),
	})
	span.RecordError(perr)
	span.SetStatus(codes.Error, "pipeline failed")
	r.log.Error("pipeline failed",
		"stage", f.stage,
		"retry_count", f.retryCount,
		"run_retries", r.retries.TotalRetries(),
		"exhausted", res.Report.ExhaustedStages,
		"error", f.err)
	return res, perr
}

// report sends the run summary to the metrics sink.
func (r *run) report(res *Result) {
	r.o.metrics.Timing(metrics.PipelineDuration, res.Report.TotalTime, nil)
	r.o.metrics.Gauge(metrics.PipelineSuccess, res.Report.SuccessRate, nil)
	r.o.metrics.Gauge(metrics.PipelineCacheRate, res.Report.CacheHitRate, nil)
}

// result assembles the caller-visible result. Resumed runs include the
// stages restored from the checkpoint in both the results and the report.
func (r *run) result(success bool, status pipeline.PipelineStatus) *Result {
	r.mu.Lock()
	defer r.mu.Unlock()

	results := make([]pipeline.StageResult, 0, len(r.prior)+len(r.results))
	for _, sr := range r.prior {
		results = append(results, sr.Clone())
	}
	for _, sr := range r.results {
		results = append(results, sr.Clone())
	}
	report := BuildReport(r.id, results, r.o.now().Sub(r.started))
	report.ExhaustedStages = r.retries.FailedStages()
	for stage, rs := range r.retries.AllStates() {
		if len(rs.Durations) == 0 {
			continue
		}
		if report.AttemptTimes == nil {
			report.AttemptTimes = make(map[string][]time.Duration)
		}
		report.AttemptTimes[stage] = rs.Durations
	}
	return &Result{
		PipelineID:      r.id,
		Success:         success,
		Status:          status,
		Data:            pipeline.CloneData(r.data),
		StageResults:    results,
		CompletedStages: slices.Clone(r.completed),
		Report:          report,
		Resumed:         r.resumed,
	}
}
