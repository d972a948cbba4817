package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	cerrors "github.com/Iron-Ham/conductor/internal/errors"
	"github.com/Iron-Ham/conductor/internal/event"
	"github.com/Iron-Ham/conductor/internal/metrics"
	"github.com/Iron-Ham/conductor/internal/orchestrator/retry"
	"github.com/Iron-Ham/conductor/internal/pipeline"
	"github.com/Iron-Ham/conductor/internal/state"
	"github.com/Iron-Ham/conductor/internal/storage/memstore"
	"github.com/Iron-Ham/conductor/internal/testutil"
)

type capturePublisher struct {
	mu     sync.Mutex
	events []event.Event
}

func (p *capturePublisher) Publish(e event.Event) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return fmt.Sprintf("e-%d", len(p.events)), nil
}

func (p *capturePublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.events))
	for i, e := range p.events {
		out[i] = e.Type
	}
	return out
}

func (p *capturePublisher) last(eventType string) (event.Event, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := len(p.events) - 1; i >= 0; i-- {
		if p.events[i].Type == eventType {
			return p.events[i], true
		}
	}
	return event.Event{}, false
}

func noSleep(ctx context.Context, _ time.Duration) error {
	return ctx.Err()
}

// testConfig keeps retries fast and the cache off unless a test opts in.
func testConfig() Config {
	cfg := DefaultConfig()
	cfg.StageTimeout = time.Second
	cfg.BackoffBase = time.Millisecond
	cfg.BackoffCap = 5 * time.Millisecond
	cfg.CacheEnabled = false
	return cfg
}

func newTestOrchestrator(t *testing.T, cfg Config, opts ...Option) (*Orchestrator, *capturePublisher) {
	t.Helper()
	pub := &capturePublisher{}
	opts = append([]Option{WithSleep(noSleep)}, opts...)
	return New(cfg, state.NewManager(state.DefaultConfig()), pub, opts...), pub
}

func mustAdd(t *testing.T, o *Orchestrator, stages ...Stage) {
	t.Helper()
	for _, s := range stages {
		if err := o.AddStage(s); err != nil {
			t.Fatalf("AddStage(%s) failed: %v", s.Name, err)
		}
	}
}

func stageNames(results []pipeline.StageResult) []string {
	out := make([]string, len(results))
	for i, r := range results {
		out[i] = r.Stage
	}
	return out
}

func TestAddStage_Validation(t *testing.T) {
	proc := testutil.Returning(nil)
	tests := []struct {
		name  string
		stage Stage
	}{
		{name: "missing name", stage: Stage{Processor: proc}},
		{name: "missing processor", stage: Stage{Name: "a"}},
		{name: "negative timeout", stage: Stage{Name: "a", Processor: proc, Timeout: -time.Second}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o, _ := newTestOrchestrator(t, testConfig())
			if err := o.AddStage(tt.stage); !errors.Is(err, cerrors.ErrInvalidInput) {
				t.Errorf("AddStage() error = %v, want ErrInvalidInput", err)
			}
		})
	}

	t.Run("duplicate", func(t *testing.T) {
		o, _ := newTestOrchestrator(t, testConfig())
		mustAdd(t, o, Stage{Name: "a", Processor: proc})
		if err := o.AddStage(Stage{Name: "a", Processor: proc}); !errors.Is(err, cerrors.ErrInvalidInput) {
			t.Errorf("duplicate AddStage() error = %v", err)
		}
		if got := o.Stages(); !slices.Equal(got, []string{"a"}) {
			t.Errorf("Stages() = %v", got)
		}
	})
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "defaults", mutate: func(*Config) {}},
		{name: "negative retries", mutate: func(c *Config) { c.MaxRetryAttempts = -1 }, wantErr: true},
		{name: "negative timeout", mutate: func(c *Config) { c.StageTimeout = -1 }, wantErr: true},
		{name: "cap below base", mutate: func(c *Config) { c.BackoffCap = time.Millisecond }, wantErr: true},
		{name: "negative cache ttl", mutate: func(c *Config) { c.CacheTTL = -time.Second }, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			if err := cfg.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestExecutePipeline_Linear(t *testing.T) {
	ctx := context.Background()
	o, pub := newTestOrchestrator(t, testConfig())

	var sawA atomic.Bool
	mustAdd(t, o,
		Stage{Name: "A", Processor: testutil.Returning(map[string]any{"a": 1})},
		Stage{Name: "B", DependsOn: []string{"A"}, Processor: pipeline.ProcessorFunc(
			func(_ context.Context, in map[string]any) (map[string]any, error) {
				sawA.Store(in["a"] == 1 && in["seed"] == "x")
				return map[string]any{"b": 2}, nil
			})},
		Stage{Name: "C", DependsOn: []string{"B"}, Processor: testutil.Returning(map[string]any{"c": 3})},
	)

	res, err := o.ExecutePipeline(ctx, map[string]any{"seed": "x"}, ContextData{PipelineID: "lin", ProjectID: "proj"})
	if err != nil {
		t.Fatalf("ExecutePipeline failed: %v", err)
	}

	if !res.Success || res.Status != pipeline.StatusCompleted || res.Resumed {
		t.Errorf("result = success %v status %s resumed %v", res.Success, res.Status, res.Resumed)
	}
	if got := stageNames(res.StageResults); !slices.Equal(got, []string{"A", "B", "C"}) {
		t.Errorf("stage order = %v, want [A B C]", got)
	}
	for _, sr := range res.StageResults {
		if !sr.Success || sr.RetryCount != 0 || sr.Cached {
			t.Errorf("%s = %+v", sr.Stage, sr)
		}
	}
	if !sawA.Load() {
		t.Error("B did not observe the input and A's output")
	}
	for k, want := range map[string]any{"seed": "x", "a": 1, "b": 2, "c": 3} {
		if res.Data[k] != want {
			t.Errorf("Data[%s] = %v, want %v", k, res.Data[k], want)
		}
	}
	if !slices.Equal(res.CompletedStages, []string{"A", "B", "C"}) {
		t.Errorf("CompletedStages = %v", res.CompletedStages)
	}
	if res.Report.SuccessRate != 1 || res.Report.TotalRetries != 0 {
		t.Errorf("report = %+v", res.Report)
	}

	wantEvents := []string{
		event.TypePipelineStarted,
		event.TypeStageStarted, event.TypeStageCompleted,
		event.TypeStageStarted, event.TypeStageCompleted,
		event.TypeStageStarted, event.TypeStageCompleted,
		event.TypePipelineCompleted,
	}
	if got := pub.types(); !slices.Equal(got, wantEvents) {
		t.Errorf("events = %v, want %v", got, wantEvents)
	}
	done, _ := pub.last(event.TypePipelineCompleted)
	if done.CorrelationID != "lin" || done.Data["report"] == nil {
		t.Errorf("pipeline.completed = %+v", done)
	}

	st, err := o.States().GetState(ctx, "lin")
	if err != nil {
		t.Fatalf("GetState failed: %v", err)
	}
	if st.Status != pipeline.StatusCompleted || len(st.CompletedStages) != 3 {
		t.Errorf("state = %s %v", st.Status, st.CompletedStages)
	}
}

func TestExecutePipeline_TopologicalOrder(t *testing.T) {
	deps := map[string][]string{
		"fetch":   nil,
		"config":  nil,
		"parse":   {"fetch"},
		"lint":    {"parse", "config"},
		"compile": {"parse"},
		"package": {"compile", "lint"},
		"notify":  {"config"},
	}
	order := []string{"package", "notify", "lint", "compile", "parse", "config", "fetch"}

	var (
		mu       sync.Mutex
		finished = map[string]bool{}
		problems []string
	)
	o, _ := newTestOrchestrator(t, testConfig())
	for _, name := range order {
		mustAdd(t, o, Stage{
			Name:      name,
			DependsOn: deps[name],
			Parallel:  true,
			Processor: pipeline.ProcessorFunc(func(context.Context, map[string]any) (map[string]any, error) {
				mu.Lock()
				defer mu.Unlock()
				for _, d := range deps[name] {
					if !finished[d] {
						problems = append(problems, name+" started before "+d)
					}
				}
				finished[name] = true
				return map[string]any{name: true}, nil
			}),
		})
	}

	res, err := o.ExecutePipeline(context.Background(), nil, ContextData{})
	if err != nil {
		t.Fatalf("ExecutePipeline failed: %v", err)
	}
	if len(problems) > 0 {
		t.Errorf("dependency violations: %v", problems)
	}
	if len(res.StageResults) != len(deps) {
		t.Errorf("got %d results, want %d", len(res.StageResults), len(deps))
	}
	if res.PipelineID == "" {
		t.Error("a pipeline ID should be generated")
	}
}

func TestExecutePipeline_RetryThenSuccess(t *testing.T) {
	rec := metrics.NewRecorder()
	o, pub := newTestOrchestrator(t, testConfig(), WithMetrics(rec))

	flaky := testutil.FailingTimes(2, map[string]any{"b": true})
	mustAdd(t, o,
		Stage{Name: "A", Processor: testutil.Returning(map[string]any{"a": true})},
		Stage{Name: "B", DependsOn: []string{"A"}, Processor: flaky},
		Stage{Name: "C", DependsOn: []string{"B"}, Processor: testutil.Returning(nil)},
	)

	res, err := o.ExecutePipeline(context.Background(), nil, ContextData{PipelineID: "retry"})
	if err != nil {
		t.Fatalf("ExecutePipeline failed: %v", err)
	}
	b, ok := res.StageResult("B")
	if !ok || !b.Success || b.RetryCount != 2 {
		t.Errorf("B = %+v, want success with retry_count 2", b)
	}
	if flaky.Calls() != 3 {
		t.Errorf("B invoked %d times, want 3", flaky.Calls())
	}
	if res.Report.RetryCounts["B"] != 2 || res.Report.TotalRetries != 2 {
		t.Errorf("report retries = %v", res.Report.RetryCounts)
	}
	if got := len(res.Report.AttemptTimes["B"]); got != 3 {
		t.Errorf("B attempt times = %d, want 3", got)
	}
	if len(res.Report.AttemptTimes["A"]) != 1 || len(res.Report.ExhaustedStages) != 0 {
		t.Errorf("report attempts = %v exhausted = %v", res.Report.AttemptTimes, res.Report.ExhaustedStages)
	}

	retrying := 0
	for _, typ := range pub.types() {
		if typ == event.TypeStageRetrying {
			retrying++
		}
	}
	if retrying != 2 {
		t.Errorf("stage.retrying events = %d, want 2", retrying)
	}
	if got := rec.Counter(metrics.StageRetries, metrics.Tags{"stage": "B"}); got != 2 {
		t.Errorf("retry metric = %d, want 2", got)
	}
	if got := rec.Counter(metrics.PipelineCompleted, nil); got != 1 {
		t.Errorf("completed metric = %d, want 1", got)
	}
	if got := len(rec.Timings(metrics.StageDuration, metrics.Tags{"stage": "B"})); got != 3 {
		t.Errorf("B duration samples = %d, want 3", got)
	}
}

func TestExecutePipeline_RetryExhausted(t *testing.T) {
	cfg := testConfig()
	cfg.MaxRetryAttempts = 2
	rec := metrics.NewRecorder()
	o, pub := newTestOrchestrator(t, cfg, WithMetrics(rec))

	broken := testutil.AlwaysFailing(errors.New("disk on fire"))
	mustAdd(t, o,
		Stage{Name: "A", Processor: testutil.Returning(map[string]any{"a": 1})},
		Stage{Name: "B", DependsOn: []string{"A"}, Processor: broken},
		Stage{Name: "C", DependsOn: []string{"B"}, Processor: testutil.Returning(nil)},
	)

	res, err := o.ExecutePipeline(context.Background(), nil, ContextData{PipelineID: "boom"})
	if err == nil {
		t.Fatal("expected a pipeline error")
	}
	if broken.Calls() != 3 {
		t.Errorf("B invoked %d times, want 3", broken.Calls())
	}
	if res == nil || res.Success || res.Status != pipeline.StatusFailed {
		t.Fatalf("result = %+v", res)
	}
	if res.FailedStage != "B" || !strings.Contains(res.Error, "disk on fire") {
		t.Errorf("failure = %s: %s", res.FailedStage, res.Error)
	}
	if !slices.Equal(stageNames(res.StageResults), []string{"A", "B"}) {
		t.Errorf("partial results = %v", stageNames(res.StageResults))
	}
	b, _ := res.StageResult("B")
	if b.Success || b.RetryCount != 2 || !strings.Contains(b.ErrorMessage, "disk on fire") {
		t.Errorf("B = %+v", b)
	}
	if res.Data["a"] != 1 {
		t.Error("partial data should be kept")
	}

	var perr *cerrors.PipelineError
	if !errors.As(err, &perr) {
		t.Fatalf("error %T is not a PipelineError", err)
	}
	if perr.Stage != "B" || perr.RetryCount != 2 || !slices.Equal(perr.CompletedStages, []string{"A"}) {
		t.Errorf("PipelineError = %+v", perr)
	}
	if !errors.Is(err, cerrors.ErrStageFailed) {
		t.Error("error should match ErrStageFailed")
	}

	if got := pub.types(); got[len(got)-1] != event.TypePipelineFailed || !slices.Contains(got, event.TypeStageFailed) {
		t.Errorf("events = %v", got)
	}
	failed, _ := pub.last(event.TypePipelineFailed)
	if failed.Data["stage"] != "B" || failed.Data["report"] == nil {
		t.Errorf("pipeline.failed data = %v", failed.Data)
	}
	if rec.Counter(metrics.PipelineFailed, nil) != 1 || rec.Counter(metrics.StageFailures, metrics.Tags{"stage": "B"}) != 1 {
		t.Error("failure metrics not reported")
	}

	st, _ := o.States().GetState(context.Background(), "boom")
	if st.Status != pipeline.StatusFailed || st.StageResults["B"].Success {
		t.Errorf("state = %s %+v", st.Status, st.StageResults["B"])
	}
}

func TestExecutePipeline_StageTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.MaxRetryAttempts = 2
	o, _ := newTestOrchestrator(t, cfg)

	hang := testutil.Hanging()
	mustAdd(t, o,
		Stage{Name: "A", Processor: testutil.Returning(nil)},
		Stage{Name: "B", DependsOn: []string{"A"}, Processor: testutil.Returning(nil)},
		Stage{Name: "C", DependsOn: []string{"B"}, Processor: hang, Timeout: 20 * time.Millisecond},
	)

	res, err := o.ExecutePipeline(context.Background(), nil, ContextData{})
	if err == nil {
		t.Fatal("expected a timeout failure")
	}
	if res.Success {
		t.Error("pipeline should fail")
	}
	c, _ := res.StageResult("C")
	if c.RetryCount != 2 {
		t.Errorf("C retry_count = %d, want 2", c.RetryCount)
	}
	if hang.Calls() != 3 {
		t.Errorf("C invoked %d times, want 3", hang.Calls())
	}
	if !strings.Contains(res.Error, "timeout") || !errors.Is(err, cerrors.ErrTimeout) {
		t.Errorf("error should mention timeout: %v", err)
	}
	if !slices.Equal(res.Report.ExhaustedStages, []string{"C"}) || len(res.Report.AttemptTimes["C"]) != 3 {
		t.Errorf("report exhausted = %v attempts = %v", res.Report.ExhaustedStages, res.Report.AttemptTimes)
	}
}

func TestExecutePipeline_DeadlineBoundsContextBlindProcessor(t *testing.T) {
	cfg := testConfig()
	cfg.MaxRetryAttempts = 1
	o, _ := newTestOrchestrator(t, cfg)

	stuck := make(chan struct{})
	defer close(stuck)
	blind := &testutil.ScriptedProcessor{Fn: func(context.Context, int, map[string]any) (map[string]any, error) {
		<-stuck
		return map[string]any{"late": true}, nil
	}}
	mustAdd(t, o, Stage{Name: "legacy", Processor: blind, Timeout: 30 * time.Millisecond})

	start := time.Now()
	res, err := o.ExecutePipeline(context.Background(), nil, ContextData{})
	if err == nil {
		t.Fatal("expected a timeout failure")
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("ExecutePipeline returned after %v, want the stage deadline to bound it", elapsed)
	}
	if !errors.Is(err, cerrors.ErrTimeout) {
		t.Errorf("error = %v, want a stage timeout", err)
	}
	if blind.Calls() != 2 {
		t.Errorf("invoked %d times, want 2", blind.Calls())
	}
	if r, _ := res.StageResult("legacy"); r.RetryCount != 1 || r.Success {
		t.Errorf("stage result = %+v", r)
	}
	if _, ok := res.Data["late"]; ok {
		t.Error("output of an abandoned attempt was merged")
	}
}

func TestExecutePipeline_PermanentErrorSkipsRetries(t *testing.T) {
	o, _ := newTestOrchestrator(t, testConfig())
	proc := testutil.AlwaysFailing(pipeline.Permanent(errors.New("bad credentials")))
	mustAdd(t, o, Stage{Name: "auth", Processor: proc})

	res, err := o.ExecutePipeline(context.Background(), nil, ContextData{})
	if err == nil {
		t.Fatal("expected failure")
	}
	if proc.Calls() != 1 {
		t.Errorf("invoked %d times, want 1", proc.Calls())
	}
	if r, _ := res.StageResult("auth"); r.RetryCount != 0 {
		t.Errorf("retry_count = %d", r.RetryCount)
	}
}

func TestExecutePipeline_NonRetryableErrorSkipsRetries(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		wantCalls int
	}{
		{name: "rejected request", err: cerrors.NewValidationError("bad request"), wantCalls: 1},
		{name: "explicitly final", err: cerrors.NewStageExecutionError("s", errors.New("gone")).WithRetryable(false), wantCalls: 1},
		{name: "plain error", err: errors.New("connection reset"), wantCalls: 4},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o, _ := newTestOrchestrator(t, testConfig())
			proc := testutil.AlwaysFailing(tt.err)
			mustAdd(t, o, Stage{Name: "s", Processor: proc})
			if err := o.AddRetryStrategy("s", retry.Fixed{Retries: 3, Wait: time.Millisecond}); err != nil {
				t.Fatal(err)
			}

			res, err := o.ExecutePipeline(context.Background(), nil, ContextData{})
			if err == nil {
				t.Fatal("expected failure")
			}
			if proc.Calls() != tt.wantCalls {
				t.Errorf("invoked %d times, want %d", proc.Calls(), tt.wantCalls)
			}
			if r, _ := res.StageResult("s"); r.RetryCount != tt.wantCalls-1 {
				t.Errorf("retry_count = %d, want %d", r.RetryCount, tt.wantCalls-1)
			}
		})
	}
}

func TestExecutePipeline_PanicIsRetried(t *testing.T) {
	o, _ := newTestOrchestrator(t, testConfig())
	proc := &testutil.ScriptedProcessor{Fn: func(_ context.Context, n int, _ map[string]any) (map[string]any, error) {
		if n == 0 {
			panic("nil map")
		}
		return map[string]any{"ok": true}, nil
	}}
	mustAdd(t, o, Stage{Name: "p", Processor: proc})

	res, err := o.ExecutePipeline(context.Background(), nil, ContextData{})
	if err != nil {
		t.Fatalf("ExecutePipeline failed: %v", err)
	}
	if r, _ := res.StageResult("p"); r.RetryCount != 1 {
		t.Errorf("retry_count = %d, want 1", r.RetryCount)
	}
}

func TestExecutePipeline_ValidateRejectsOutput(t *testing.T) {
	o, _ := newTestOrchestrator(t, testConfig())
	proc := &testutil.ScriptedProcessor{Fn: func(_ context.Context, n int, _ map[string]any) (map[string]any, error) {
		if n == 0 {
			return map[string]any{}, nil
		}
		return map[string]any{"files": []any{"main.go"}}, nil
	}}
	mustAdd(t, o, Stage{
		Name:      "scaffold",
		Processor: proc,
		Validate: func(out map[string]any) error {
			if _, ok := out["files"]; !ok {
				return errors.New(`missing "files"`)
			}
			return nil
		},
	})

	res, err := o.ExecutePipeline(context.Background(), nil, ContextData{})
	if err != nil {
		t.Fatalf("ExecutePipeline failed: %v", err)
	}
	r, _ := res.StageResult("scaffold")
	if !r.Success || r.RetryCount != 1 || proc.Calls() != 2 {
		t.Errorf("result = %+v after %d calls", r, proc.Calls())
	}
}

func TestExecutePipeline_Cache(t *testing.T) {
	cfg := testConfig()
	cfg.CacheEnabled = true
	rec := metrics.NewRecorder()
	o, _ := newTestOrchestrator(t, cfg, WithMetrics(rec))

	proc := testutil.Returning(map[string]any{"tokens": 42})
	mustAdd(t, o, Stage{Name: "analyze", Processor: proc, InputKeys: []string{"prompt"}})

	first, err := o.ExecutePipeline(context.Background(), map[string]any{"prompt": "hi", "run": 1}, ContextData{})
	if err != nil {
		t.Fatalf("first run failed: %v", err)
	}
	second, err := o.ExecutePipeline(context.Background(), map[string]any{"prompt": "hi", "run": 2}, ContextData{})
	if err != nil {
		t.Fatalf("second run failed: %v", err)
	}

	if proc.Calls() != 1 {
		t.Errorf("processor invoked %d times, want 1", proc.Calls())
	}
	if r, _ := first.StageResult("analyze"); r.Cached {
		t.Error("first run should not be cached")
	}
	r, _ := second.StageResult("analyze")
	if !r.Cached || r.ExecutionTime != 0 || !r.Success {
		t.Errorf("second result = %+v, want cached with zero time", r)
	}
	if second.Data["tokens"] != 42 {
		t.Error("cached output should be merged")
	}
	if second.Report.CacheHitRate != 1 {
		t.Errorf("CacheHitRate = %v", second.Report.CacheHitRate)
	}
	if rec.Counter(metrics.StageCacheHits, metrics.Tags{"stage": "analyze"}) != 1 ||
		rec.Counter(metrics.StageCacheMisses, metrics.Tags{"stage": "analyze"}) != 1 {
		t.Error("cache metrics not reported")
	}

	if _, err := o.ExecutePipeline(context.Background(), map[string]any{"prompt": "bye"}, ContextData{}); err != nil {
		t.Fatalf("third run failed: %v", err)
	}
	if proc.Calls() != 2 {
		t.Errorf("a different input should miss, calls = %d", proc.Calls())
	}
}

func TestExecutePipeline_CacheDisabled(t *testing.T) {
	o, _ := newTestOrchestrator(t, testConfig())
	proc := testutil.Returning(map[string]any{"v": 1})
	mustAdd(t, o, Stage{Name: "s", Processor: proc})

	for range 2 {
		if _, err := o.ExecutePipeline(context.Background(), map[string]any{"k": "same"}, ContextData{}); err != nil {
			t.Fatalf("run failed: %v", err)
		}
	}
	if proc.Calls() != 2 {
		t.Errorf("calls = %d, want 2", proc.Calls())
	}
}

func TestExecutePipeline_ParallelStages(t *testing.T) {
	o, _ := newTestOrchestrator(t, testConfig())

	var arrived atomic.Int32
	both := make(chan struct{})
	barrier := func(key string) pipeline.Processor {
		return pipeline.ProcessorFunc(func(ctx context.Context, _ map[string]any) (map[string]any, error) {
			if arrived.Add(1) == 2 {
				close(both)
			}
			select {
			case <-both:
				return map[string]any{key: true}, nil
			case <-ctx.Done():
				return nil, pipeline.Permanent(ctx.Err())
			}
		})
	}

	var merged atomic.Bool
	mustAdd(t, o,
		Stage{Name: "root", Processor: testutil.Returning(nil)},
		Stage{Name: "left", DependsOn: []string{"root"}, Parallel: true, Processor: barrier("left")},
		Stage{Name: "right", DependsOn: []string{"root"}, Parallel: true, Processor: barrier("right")},
		Stage{Name: "join", DependsOn: []string{"left", "right"}, Processor: pipeline.ProcessorFunc(
			func(_ context.Context, in map[string]any) (map[string]any, error) {
				merged.Store(in["left"] == true && in["right"] == true)
				return nil, nil
			})},
	)

	res, err := o.ExecutePipeline(context.Background(), nil, ContextData{})
	if err != nil {
		t.Fatalf("parallel stages did not run concurrently: %v", err)
	}
	if !merged.Load() {
		t.Error("join did not observe both parallel outputs")
	}
	if len(res.CompletedStages) != 4 || res.CompletedStages[3] != "join" {
		t.Errorf("CompletedStages = %v", res.CompletedStages)
	}
}

func TestExecutePipeline_ParallelFailureKeepsSiblings(t *testing.T) {
	o, _ := newTestOrchestrator(t, testConfig())
	mustAdd(t, o,
		Stage{Name: "good", Parallel: true, Processor: testutil.Returning(map[string]any{"good": 1})},
		Stage{Name: "bad", Parallel: true, Processor: testutil.AlwaysFailing(pipeline.Permanent(errors.New("nope")))},
		Stage{Name: "after", DependsOn: []string{"good", "bad"}, Processor: testutil.Returning(nil)},
	)

	res, err := o.ExecutePipeline(context.Background(), nil, ContextData{})
	if err == nil {
		t.Fatal("expected failure")
	}
	if res.FailedStage != "bad" || !slices.Equal(res.CompletedStages, []string{"good"}) {
		t.Errorf("failed %s, completed %v", res.FailedStage, res.CompletedStages)
	}
	if _, ran := res.StageResult("after"); ran {
		t.Error("downstream stage must not run")
	}
}

func TestExecutePipeline_RetryStrategyOverride(t *testing.T) {
	cfg := testConfig()
	cfg.MaxRetryAttempts = 5
	o, _ := newTestOrchestrator(t, cfg)

	once := testutil.AlwaysFailing(errors.New("x"))
	many := testutil.FailingTimes(7, nil)
	mustAdd(t, o,
		Stage{Name: "once", Parallel: true, Processor: once},
		Stage{Name: "many", Processor: many},
	)
	if err := o.AddRetryStrategy("once", retry.None{}); err != nil {
		t.Fatal(err)
	}
	if err := o.AddRetryStrategy("many", retry.Fixed{Retries: 8, Wait: time.Millisecond}); err != nil {
		t.Fatal(err)
	}
	if err := o.AddRetryStrategy("", retry.None{}); err == nil {
		t.Error("empty stage name should be rejected")
	}
	if err := o.AddRetryStrategy("x", nil); err == nil {
		t.Error("nil strategy should be rejected")
	}

	if _, err := o.ExecutePipeline(context.Background(), nil, ContextData{}); err == nil {
		t.Fatal("expected 'once' to fail")
	}
	if once.Calls() != 1 {
		t.Errorf("once invoked %d times, want 1", once.Calls())
	}

	o2, _ := newTestOrchestrator(t, cfg)
	mustAdd(t, o2, Stage{Name: "many", Processor: many})
	_ = o2.AddRetryStrategy("many", retry.Fixed{Retries: 8, Wait: time.Millisecond})
	res, err := o2.ExecutePipeline(context.Background(), nil, ContextData{})
	if err != nil {
		t.Fatalf("many should succeed with 8 retries: %v", err)
	}
	if r, _ := res.StageResult("many"); r.RetryCount != 7 {
		t.Errorf("retry_count = %d, want 7", r.RetryCount)
	}
}

func TestExecutePipeline_BackoffDelays(t *testing.T) {
	cfg := testConfig()
	cfg.MaxRetryAttempts = 4
	cfg.BackoffBase = 10 * time.Millisecond
	cfg.BackoffCap = 25 * time.Millisecond

	var (
		mu     sync.Mutex
		delays []time.Duration
	)
	record := func(ctx context.Context, d time.Duration) error {
		mu.Lock()
		delays = append(delays, d)
		mu.Unlock()
		return ctx.Err()
	}
	o, _ := newTestOrchestrator(t, cfg, WithSleep(record))
	mustAdd(t, o, Stage{Name: "s", Processor: testutil.AlwaysFailing(errors.New("x"))})

	_, _ = o.ExecutePipeline(context.Background(), nil, ContextData{})
	want := []time.Duration{10 * time.Millisecond, 20 * time.Millisecond, 25 * time.Millisecond, 25 * time.Millisecond}
	if !slices.Equal(delays, want) {
		t.Errorf("delays = %v, want %v", delays, want)
	}
}

func TestExecutePipeline_ErrorHandlers(t *testing.T) {
	cfg := testConfig()
	cfg.MaxRetryAttempts = 1
	o, _ := newTestOrchestrator(t, cfg)

	var (
		mu       sync.Mutex
		all      []StageFailure
		timeouts int
		execs    int
	)
	_ = o.AddErrorHandler(nil, func(_ context.Context, f StageFailure) {
		mu.Lock()
		all = append(all, f)
		mu.Unlock()
	})
	_ = o.AddErrorHandler(cerrors.ErrTimeout, func(context.Context, StageFailure) {
		mu.Lock()
		timeouts++
		mu.Unlock()
	})
	_ = o.AddErrorHandler(&cerrors.StageExecutionError{}, func(context.Context, StageFailure) {
		mu.Lock()
		execs++
		mu.Unlock()
	})
	_ = o.AddErrorHandler(nil, func(context.Context, StageFailure) { panic("handler bug") })
	if err := o.AddErrorHandler(nil, nil); err == nil {
		t.Error("nil handler should be rejected")
	}

	mustAdd(t, o,
		Stage{Name: "flaky", Processor: testutil.FailingTimes(1, nil)},
		Stage{Name: "slow", DependsOn: []string{"flaky"}, Processor: testutil.Hanging(), Timeout: 10 * time.Millisecond},
	)
	if _, err := o.ExecutePipeline(context.Background(), nil, ContextData{PipelineID: "h"}); err == nil {
		t.Fatal("expected slow to fail")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(all) != 3 {
		t.Fatalf("catch-all saw %d failures, want 3", len(all))
	}
	if all[0].Stage != "flaky" || all[0].Attempt != 1 || all[0].Final {
		t.Errorf("first failure = %+v", all[0])
	}
	if all[2].Stage != "slow" || all[2].Attempt != 2 || !all[2].Final || all[2].PipelineID != "h" {
		t.Errorf("last failure = %+v", all[2])
	}
	if timeouts != 2 || execs != 1 {
		t.Errorf("timeouts = %d, execs = %d, want 2 and 1", timeouts, execs)
	}
}

func TestExecutePipeline_Cancellation(t *testing.T) {
	t.Run("caller context", func(t *testing.T) {
		o, _ := newTestOrchestrator(t, testConfig())
		hang := testutil.Hanging()
		mustAdd(t, o, Stage{Name: "wait", Processor: hang, Timeout: time.Minute})

		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			for hang.Calls() == 0 {
				time.Sleep(time.Millisecond)
			}
			cancel()
		}()

		res, err := o.ExecutePipeline(ctx, nil, ContextData{PipelineID: "c"})
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("error = %v, want context.Canceled", err)
		}
		if hang.Calls() != 1 || res.Status != pipeline.StatusFailed {
			t.Errorf("calls = %d, status = %s", hang.Calls(), res.Status)
		}
	})

	t.Run("execution time limit", func(t *testing.T) {
		o, _ := newTestOrchestrator(t, testConfig())
		mustAdd(t, o, Stage{Name: "wait", Processor: testutil.Hanging(), Timeout: time.Minute})

		start := time.Now()
		_, err := o.ExecutePipeline(context.Background(), nil, ContextData{
			Limits: pipeline.Limits{MaxExecutionTime: 20 * time.Millisecond},
		})
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("error = %v, want DeadlineExceeded", err)
		}
		if time.Since(start) > 5*time.Second {
			t.Error("limit was not enforced")
		}
	})

	t.Run("already canceled", func(t *testing.T) {
		o, _ := newTestOrchestrator(t, testConfig())
		proc := testutil.Returning(nil)
		mustAdd(t, o, Stage{Name: "never", Processor: proc})

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := o.ExecutePipeline(ctx, nil, ContextData{})
		if !errors.Is(err, cerrors.ErrCanceled) {
			t.Errorf("error = %v, want ErrCanceled", err)
		}
		if proc.Calls() != 0 {
			t.Error("no stage should run")
		}
	})
}

func TestExecutePipeline_InvalidPlan(t *testing.T) {
	o, _ := newTestOrchestrator(t, testConfig())
	mustAdd(t, o, Stage{Name: "a", DependsOn: []string{"b"}, Processor: testutil.Returning(nil)})
	if _, err := o.ExecutePipeline(context.Background(), nil, ContextData{}); !errors.Is(err, cerrors.ErrInvalidInput) {
		t.Errorf("error = %v, want ErrInvalidInput", err)
	}

	mustAdd(t, o, Stage{Name: "b", DependsOn: []string{"a"}, Processor: testutil.Returning(nil)})
	if _, err := o.ExecutePipeline(context.Background(), nil, ContextData{}); !errors.Is(err, cerrors.ErrDependencyCycle) {
		t.Errorf("error = %v, want ErrDependencyCycle", err)
	}
}

func TestExecutePipeline_SingleActiveRun(t *testing.T) {
	o, _ := newTestOrchestrator(t, testConfig())
	release := make(chan struct{})
	started := make(chan struct{})
	mustAdd(t, o, Stage{Name: "gate", Processor: pipeline.ProcessorFunc(
		func(ctx context.Context, _ map[string]any) (map[string]any, error) {
			close(started)
			<-release
			return nil, nil
		})})

	done := make(chan error, 1)
	go func() {
		_, err := o.ExecutePipeline(context.Background(), nil, ContextData{PipelineID: "one"})
		done <- err
	}()
	<-started

	if _, err := o.ExecutePipeline(context.Background(), nil, ContextData{PipelineID: "one"}); !errors.Is(err, cerrors.ErrPipelineRunning) {
		t.Errorf("concurrent run error = %v, want ErrPipelineRunning", err)
	}
	if _, err := o.ResumePipeline(context.Background(), "one"); !errors.Is(err, cerrors.ErrPipelineRunning) {
		t.Errorf("concurrent resume error = %v, want ErrPipelineRunning", err)
	}

	status, err := o.GetPipelineStatus(context.Background(), "one")
	if err != nil {
		t.Fatalf("GetPipelineStatus failed: %v", err)
	}
	if !status.Active || status.Status != pipeline.StatusRunning {
		t.Errorf("status while running = %+v", status)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("first run failed: %v", err)
	}

	if _, err := o.ExecutePipeline(context.Background(), nil, ContextData{PipelineID: "one"}); !errors.Is(err, cerrors.ErrInvalidInput) {
		t.Errorf("re-executing a finished pipeline error = %v, want ErrInvalidInput", err)
	}
}

func TestGetPipelineStatus(t *testing.T) {
	o, _ := newTestOrchestrator(t, testConfig())
	mustAdd(t, o,
		Stage{Name: "a", Processor: testutil.Returning(nil)},
		Stage{Name: "b", DependsOn: []string{"a"}, Processor: testutil.AlwaysFailing(pipeline.Permanent(errors.New("x")))},
	)
	_, _ = o.ExecutePipeline(context.Background(), nil, ContextData{PipelineID: "s"})

	status, err := o.GetPipelineStatus(context.Background(), "s")
	if err != nil {
		t.Fatalf("GetPipelineStatus failed: %v", err)
	}
	if status.Status != pipeline.StatusFailed || status.CurrentStage != "b" || status.Active {
		t.Errorf("status = %+v", status)
	}
	if !slices.Equal(status.CompletedStages, []string{"a"}) || status.SuccessRate != 0.5 {
		t.Errorf("progress = %v rate %v", status.CompletedStages, status.SuccessRate)
	}

	if _, err := o.GetPipelineStatus(context.Background(), "missing"); !errors.Is(err, cerrors.ErrPipelineNotFound) {
		t.Errorf("missing pipeline error = %v", err)
	}
}

func TestResumePipeline(t *testing.T) {
	ctx := context.Background()
	o, pub := newTestOrchestrator(t, testConfig())

	var healed atomic.Bool
	a := testutil.Returning(map[string]any{"a": "done"})
	b := testutil.Returning(map[string]any{"b": "done"})
	c := &testutil.ScriptedProcessor{Fn: func(_ context.Context, _ int, in map[string]any) (map[string]any, error) {
		if !healed.Load() {
			return nil, pipeline.Permanent(errors.New("upstream down"))
		}
		if in["a"] != "done" || in["b"] != "done" || in["seed"] != float64(7) {
			return nil, pipeline.Permanent(fmt.Errorf("rebuilt input incomplete: %v", in))
		}
		return map[string]any{"c": "done"}, nil
	}}
	mustAdd(t, o,
		Stage{Name: "A", Processor: a},
		Stage{Name: "B", DependsOn: []string{"A"}, Processor: b},
		Stage{Name: "C", DependsOn: []string{"B"}, Processor: c},
	)

	if _, err := o.ExecutePipeline(ctx, map[string]any{"seed": 7}, ContextData{PipelineID: "r"}); err == nil {
		t.Fatal("first run should fail at C")
	}

	healed.Store(true)
	res, err := o.ResumePipeline(ctx, "r")
	if err != nil {
		t.Fatalf("ResumePipeline failed: %v", err)
	}
	if a.Calls() != 1 || b.Calls() != 1 {
		t.Errorf("completed stages re-ran: A=%d B=%d", a.Calls(), b.Calls())
	}
	if c.Calls() != 2 {
		t.Errorf("C invoked %d times, want 2", c.Calls())
	}
	if !res.Success || !res.Resumed {
		t.Errorf("result = success %v resumed %v", res.Success, res.Resumed)
	}
	if !slices.Equal(res.CompletedStages, []string{"A", "B", "C"}) ||
		!slices.Equal(stageNames(res.StageResults), []string{"A", "B", "C"}) {
		t.Errorf("completed = %v results = %v", res.CompletedStages, stageNames(res.StageResults))
	}
	if !slices.Contains(pub.types(), event.TypePipelineResumed) {
		t.Error("pipeline.resumed not published")
	}

	again, err := o.ResumePipeline(ctx, "r")
	if err != nil {
		t.Fatalf("resuming a completed pipeline failed: %v", err)
	}
	if !again.Success || c.Calls() != 2 {
		t.Errorf("resume after completion re-ran stages: calls = %d", c.Calls())
	}
}

func TestResumePipeline_CompletedPastLastCheckpoint(t *testing.T) {
	ctx := context.Background()
	states := state.NewManager(state.Config{Strategy: state.CriticalStages, CriticalStages: []string{"a"}})
	o := New(testConfig(), states, nil, WithSleep(noSleep))

	a := testutil.Returning(map[string]any{"a": 1})
	b := testutil.Returning(map[string]any{"b": 2})
	mustAdd(t, o,
		Stage{Name: "a", Processor: a},
		Stage{Name: "b", DependsOn: []string{"a"}, Processor: b},
	)

	if _, err := o.ExecutePipeline(ctx, nil, ContextData{PipelineID: "done"}); err != nil {
		t.Fatalf("ExecutePipeline failed: %v", err)
	}

	res, err := o.ResumePipeline(ctx, "done")
	if err != nil {
		t.Fatalf("ResumePipeline failed: %v", err)
	}
	if a.Calls() != 1 || b.Calls() != 1 {
		t.Errorf("completed stages re-ran: a=%d b=%d", a.Calls(), b.Calls())
	}
	if !res.Success || res.Status != pipeline.StatusCompleted {
		t.Errorf("result = success %v status %s", res.Success, res.Status)
	}
	if !slices.Equal(res.CompletedStages, []string{"a", "b"}) || res.Data["b"] != 2 {
		t.Errorf("completed = %v data = %v", res.CompletedStages, res.Data)
	}

	st, err := states.GetState(ctx, "done")
	if err != nil {
		t.Fatalf("GetState failed: %v", err)
	}
	if st.Status != pipeline.StatusCompleted || len(st.CompletedStages) != 2 {
		t.Errorf("state rolled back to %s %v", st.Status, st.CompletedStages)
	}
}

func TestResumePipeline_AcrossProcesses(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()

	newProcess := func(proc pipeline.Processor, first *testutil.ScriptedProcessor) *Orchestrator {
		states := state.NewManager(state.DefaultConfig(), state.WithKV(store), state.WithBlob(store))
		o := New(testConfig(), states, nil, WithSleep(noSleep))
		mustAdd(t, o,
			Stage{Name: "extract", Processor: first},
			Stage{Name: "load", DependsOn: []string{"extract"}, Processor: proc},
		)
		return o
	}

	extract := testutil.Returning(map[string]any{"rows": 10})
	crashed := newProcess(testutil.AlwaysFailing(pipeline.Permanent(errors.New("killed"))), extract)
	if _, err := crashed.ExecutePipeline(ctx, nil, ContextData{PipelineID: "etl"}); err == nil {
		t.Fatal("first process should fail")
	}

	var sawRows atomic.Bool
	load := pipeline.ProcessorFunc(func(_ context.Context, in map[string]any) (map[string]any, error) {
		// Restored outputs went through the JSON checkpoint codec.
		sawRows.Store(in["rows"] == float64(10))
		return map[string]any{"loaded": true}, nil
	})
	extractAgain := testutil.Returning(map[string]any{"rows": 99})
	restarted := newProcess(load, extractAgain)

	res, err := restarted.ResumePipeline(ctx, "etl")
	if err != nil {
		t.Fatalf("ResumePipeline in a new process failed: %v", err)
	}
	if extractAgain.Calls() != 0 {
		t.Error("extract must not re-run after restore")
	}
	if !sawRows.Load() || !res.Success {
		t.Errorf("load did not see restored output; success = %v", res.Success)
	}
}

func TestResumePipeline_NoCheckpoint(t *testing.T) {
	o, _ := newTestOrchestrator(t, testConfig())
	mustAdd(t, o, Stage{Name: "a", Processor: testutil.Returning(nil)})
	if _, err := o.ResumePipeline(context.Background(), "never-ran"); !errors.Is(err, cerrors.ErrCheckpointNotFound) {
		t.Errorf("error = %v, want ErrCheckpointNotFound", err)
	}
}

func TestResumePipeline_ExpiredCheckpoint(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}

	cfg := state.DefaultConfig()
	cfg.TTL = time.Hour
	states := state.NewManager(cfg, state.WithClock(clock))
	o := New(testConfig(), states, nil, WithSleep(noSleep), WithClock(clock))
	mustAdd(t, o,
		Stage{Name: "a", Processor: testutil.Returning(nil)},
		Stage{Name: "b", DependsOn: []string{"a"}, Processor: testutil.AlwaysFailing(pipeline.Permanent(errors.New("x")))},
	)
	_, _ = o.ExecutePipeline(ctx, nil, ContextData{PipelineID: "old"})

	mu.Lock()
	now = now.Add(2 * time.Hour)
	mu.Unlock()

	if _, err := o.ResumePipeline(ctx, "old"); !errors.Is(err, cerrors.ErrCheckpointNotFound) {
		t.Errorf("error = %v, want ErrCheckpointNotFound for an expired checkpoint", err)
	}
}

func TestExecutePipeline_WithEventBus(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := event.NewBus(event.DefaultConfig())
	var (
		mu   sync.Mutex
		seen []string
	)
	err := bus.Subscribe(event.Handler{
		Name:  "recorder",
		Types: []string{event.TypeStageCompleted, event.TypePipelineCompleted},
		Fn: func(_ context.Context, e event.Event) error {
			mu.Lock()
			seen = append(seen, e.Type+":"+fmt.Sprint(e.Data["stage"]))
			mu.Unlock()
			return nil
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := bus.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer bus.Stop()

	states := state.NewManager(state.DefaultConfig(), state.WithPublisher(bus))
	o := New(testConfig(), states, bus, WithSleep(noSleep))
	mustAdd(t, o,
		Stage{Name: "one", Processor: testutil.Returning(nil)},
		Stage{Name: "two", DependsOn: []string{"one"}, Processor: testutil.Returning(nil)},
	)
	if _, err := o.ExecutePipeline(ctx, nil, ContextData{PipelineID: "bus"}); err != nil {
		t.Fatalf("ExecutePipeline failed: %v", err)
	}

	waitCtx, waitCancel := context.WithTimeout(ctx, 5*time.Second)
	defer waitCancel()
	if err := bus.WaitIdle(waitCtx); err != nil {
		t.Fatalf("WaitIdle failed: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	want := []string{"stage.completed:one", "stage.completed:two", "pipeline.completed:<nil>"}
	if !slices.Equal(seen, want) {
		t.Errorf("seen = %v, want %v", seen, want)
	}

	var checkpoints int
	for _, e := range bus.History(0) {
		if e.Type == event.TypeCheckpointCreated {
			checkpoints++
		}
	}
	if checkpoints != 2 {
		t.Errorf("checkpoint.created events = %d, want 2", checkpoints)
	}
}
