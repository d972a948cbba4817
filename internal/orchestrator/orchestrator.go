package orchestrator

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc/panics"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/Iron-Ham/conductor/internal/errors"
	"github.com/Iron-Ham/conductor/internal/event"
	"github.com/Iron-Ham/conductor/internal/logging"
	"github.com/Iron-Ham/conductor/internal/metrics"
	"github.com/Iron-Ham/conductor/internal/orchestrator/retry"
	"github.com/Iron-Ham/conductor/internal/pipeline"
	"github.com/Iron-Ham/conductor/internal/state"
)

const (
	eventSource = "orchestrator"
	tracerName  = "github.com/Iron-Ham/conductor/internal/orchestrator"
)

// Publisher is the part of the event bus the orchestrator emits through.
type Publisher interface {
	Publish(e event.Event) (string, error)
}

// StageFailure describes one failed stage attempt for error handlers.
type StageFailure struct {
	PipelineID string
	Stage      string
	// Attempt is 1 for the first invocation.
	Attempt int
	Err     error
	// Final is true when the stage gets no further attempts.
	Final bool
}

// ErrorHandler observes failed stage attempts. Handlers run synchronously
// on the stage's goroutine and cannot change the outcome.
type ErrorHandler func(ctx context.Context, f StageFailure)

type errorHandler struct {
	target error
	fn     ErrorHandler
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l.WithComponent("orchestrator")
		}
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(s metrics.Sink) Option {
	return func(o *Orchestrator) { o.metrics = metrics.OrNop(s) }
}

// WithCache replaces the default in-memory result cache.
func WithCache(c Cache) Option {
	return func(o *Orchestrator) { o.cache = c }
}

// WithTracer sets the tracer used for pipeline and stage spans.
func WithTracer(t trace.Tracer) Option {
	return func(o *Orchestrator) { o.tracer = t }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithSleep overrides how the orchestrator waits between retries. fn must
// return early with ctx.Err() when ctx is done.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(o *Orchestrator) { o.sleep = fn }
}

// Orchestrator executes pipelines of registered stages. One orchestrator may
// run many pipelines concurrently, but at most one run per pipeline ID.
type Orchestrator struct {
	cfg     Config
	states  *state.Manager
	bus     Publisher
	logger  *logging.Logger
	metrics metrics.Sink
	cache   Cache
	tracer  trace.Tracer
	now     func() time.Time
	sleep   func(ctx context.Context, d time.Duration) error

	mu         sync.RWMutex
	stages     []*Stage
	byName     map[string]*Stage
	strategies map[string]retry.Strategy
	handlers   []errorHandler

	activeMu sync.Mutex
	active   map[string]time.Time
}

// New creates an orchestrator. states holds pipeline state; a nil states
// gets a memory-only manager. bus may be nil to disable events.
func New(cfg Config, states *state.Manager, bus Publisher, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		cfg:        cfg,
		states:     states,
		bus:        bus,
		logger:     logging.NopLogger(),
		metrics:    metrics.Nop{},
		tracer:     otel.Tracer(tracerName),
		now:        time.Now,
		sleep:      sleepContext,
		byName:     make(map[string]*Stage),
		strategies: make(map[string]retry.Strategy),
		active:     make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.states == nil {
		o.states = state.NewManager(state.DefaultConfig(), state.WithLogger(o.logger), state.WithClock(o.now))
	}
	if o.cache == nil && cfg.CacheEnabled {
		o.cache = NewMemoryCache(cfg.CacheTTL)
	}
	return o
}

// Config returns the configuration the orchestrator was created with.
func (o *Orchestrator) Config() Config {
	return o.cfg
}

// States returns the state manager the orchestrator records into.
func (o *Orchestrator) States() *state.Manager {
	return o.states
}

// AddStage registers a stage. Dependencies may name stages added later;
// they are resolved when a run starts.
func (o *Orchestrator) AddStage(s Stage) error {
	if err := s.validate(); err != nil {
		return err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, exists := o.byName[s.Name]; exists {
		return errors.NewValidationError(fmt.Sprintf("stage %q already registered", s.Name)).
			WithStage(s.Name).WithField("name")
	}
	stage := s.clone()
	o.stages = append(o.stages, stage)
	o.byName[s.Name] = stage
	return nil
}

// Stages returns the registered stage names in declaration order.
func (o *Orchestrator) Stages() []string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	names := make([]string, len(o.stages))
	for i, s := range o.stages {
		names[i] = s.Name
	}
	return names
}

// AddRetryStrategy overrides the retry behavior of one stage.
func (o *Orchestrator) AddRetryStrategy(stage string, s retry.Strategy) error {
	if stage == "" {
		return errors.NewValidationError("stage name is required").WithField("stage")
	}
	if s == nil {
		return errors.NewValidationError("strategy is required").WithStage(stage).WithField("strategy")
	}
	o.mu.Lock()
	o.strategies[stage] = s
	o.mu.Unlock()
	return nil
}

// AddErrorHandler registers fn for failed attempts whose error matches
// target under errors.Is. A nil target matches every failure. Because the
// taxonomy types match by type, a zero value such as
// &errors.StageTimeoutError{} selects a whole kind.
func (o *Orchestrator) AddErrorHandler(target error, fn ErrorHandler) error {
	if fn == nil {
		return errors.NewValidationError("handler is required").WithField("handler")
	}
	o.mu.Lock()
	o.handlers = append(o.handlers, errorHandler{target: target, fn: fn})
	o.mu.Unlock()
	return nil
}

// ExecutePipeline runs every stage against input under a new pipeline. On
// stage failure it returns the partial result together with a
// *errors.PipelineError.
func (o *Orchestrator) ExecutePipeline(ctx context.Context, input map[string]any, cd ContextData) (*Result, error) {
	p, err := o.plan()
	if err != nil {
		return nil, err
	}

	id := cd.PipelineID
	if id == "" {
		id = uuid.NewString()
	}
	release, err := o.claim(id)
	if err != nil {
		return nil, err
	}
	defer release()

	pctx := pipeline.NewPipelineContext(id, cd.ProjectID, cd.Environment, cd.Limits, cd.Metadata, o.now())
	if _, err := o.states.CreatePipelineState(ctx, pctx, input); err != nil {
		return nil, errors.Wrap(err, "create pipeline state")
	}
	st, err := o.states.GetState(ctx, id)
	if err != nil {
		return nil, err
	}
	if st.Status != pipeline.StatusPending {
		return nil, errors.NewValidationError(fmt.Sprintf("pipeline already exists with status %s; resume it instead", st.Status)).
			WithField("pipeline_id").WithValue(id)
	}
	if err := o.states.TransitionStatus(ctx, id, pipeline.StatusRunning); err != nil {
		return nil, err
	}

	o.publish(event.TypePipelineStarted, id, map[string]any{
		"pipeline_id": id,
		"project_id":  cd.ProjectID,
		"environment": cd.Environment,
		"stages":      len(p.stages()),
	})
	return o.newRun(id, st.Context, p, st.Input, nil, false).execute(ctx)
}

// ResumePipeline restores the pipeline's latest checkpoint and runs the
// stages it had not completed. The checkpoint may come from another
// process through a shared blob backend. A pipeline whose live state is
// completed returns its recorded result without running anything.
func (o *Orchestrator) ResumePipeline(ctx context.Context, pipelineID string) (*Result, error) {
	p, err := o.plan()
	if err != nil {
		return nil, err
	}
	release, err := o.claim(pipelineID)
	if err != nil {
		return nil, err
	}
	defer release()

	log := o.logger.WithPipeline(pipelineID)

	// The latest checkpoint of a completed pipeline may predate its last
	// stages, so a completed pipeline is never restored.
	if live, err := o.states.GetState(ctx, pipelineID); err == nil && live.Status == pipeline.StatusCompleted {
		log.Info("pipeline already completed, nothing to resume")
		r := o.newRun(pipelineID, live.Context, p, live.Input, o.priorResults(log, live), true)
		return r.result(true, pipeline.StatusCompleted), nil
	}

	cp, err := o.states.LatestCheckpoint(ctx, pipelineID)
	if err != nil {
		return nil, err
	}
	st, err := o.states.RestoreFromCheckpoint(ctx, cp.ID)
	if err != nil {
		return nil, err
	}

	prior := o.priorResults(log, st)
	r := o.newRun(pipelineID, st.Context, p, st.Input, prior, true)
	if st.Status == pipeline.StatusCompleted {
		return r.result(true, pipeline.StatusCompleted), nil
	}
	if err := o.states.TransitionStatus(ctx, pipelineID, pipeline.StatusRunning); err != nil {
		return nil, err
	}

	log.Info("resuming pipeline", "checkpoint_id", cp.ID, "completed_stages", len(prior))
	o.publish(event.TypePipelineResumed, pipelineID, map[string]any{
		"pipeline_id":      pipelineID,
		"checkpoint_id":    cp.ID,
		"stage":            cp.Stage,
		"completed_stages": slices.Clone(st.CompletedStages),
	})
	return r.execute(ctx)
}

// priorResults lists the recorded results of st's completed stages in
// completion order.
func (o *Orchestrator) priorResults(log *logging.Logger, st *pipeline.PipelineState) []pipeline.StageResult {
	prior := make([]pipeline.StageResult, 0, len(st.CompletedStages))
	for _, name := range st.CompletedStages {
		if _, known := o.lookupStage(name); !known {
			log.Warn("checkpoint records a stage that is no longer registered", "stage", name)
		}
		prior = append(prior, st.StageResults[name])
	}
	return prior
}

// GetPipelineStatus summarizes a pipeline from its recorded state.
func (o *Orchestrator) GetPipelineStatus(ctx context.Context, pipelineID string) (*Status, error) {
	st, err := o.states.GetState(ctx, pipelineID)
	if err != nil {
		return nil, err
	}
	s := &Status{
		PipelineID:      st.PipelineID,
		Status:          st.Status,
		CurrentStage:    st.CurrentStage,
		CompletedStages: st.CompletedStages,
		SuccessRate:     st.SuccessRate(),
		Elapsed:         st.UpdatedAt.Sub(st.CreatedAt),
		UpdatedAt:       st.UpdatedAt,
	}

	o.activeMu.Lock()
	started, active := o.active[pipelineID]
	o.activeMu.Unlock()
	if active {
		s.Active = true
		s.Elapsed = o.now().Sub(started)
	}
	return s, nil
}

// plan snapshots the registered stages and orders them.
func (o *Orchestrator) plan() (plan, error) {
	o.mu.RLock()
	stages := make([]*Stage, len(o.stages))
	for i, s := range o.stages {
		stages[i] = s.clone()
	}
	o.mu.RUnlock()
	return buildPlan(stages)
}

func (o *Orchestrator) lookupStage(name string) (*Stage, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	s, ok := o.byName[name]
	return s, ok
}

func (o *Orchestrator) strategyFor(stage string) retry.Strategy {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if s, ok := o.strategies[stage]; ok {
		return s
	}
	return o.cfg.defaultStrategy()
}

// claim marks pipelineID as running. The returned func releases it.
func (o *Orchestrator) claim(pipelineID string) (func(), error) {
	o.activeMu.Lock()
	defer o.activeMu.Unlock()
	if _, busy := o.active[pipelineID]; busy {
		return nil, fmt.Errorf("%w: %s", errors.ErrPipelineRunning, pipelineID)
	}
	o.active[pipelineID] = o.now()
	return func() {
		o.activeMu.Lock()
		delete(o.active, pipelineID)
		o.activeMu.Unlock()
	}, nil
}

// handleError runs every matching error handler, isolating panics.
func (o *Orchestrator) handleError(ctx context.Context, f StageFailure) {
	o.mu.RLock()
	handlers := slices.Clone(o.handlers)
	o.mu.RUnlock()

	for _, h := range handlers {
		if h.target != nil && !errors.Is(f.Err, h.target) {
			continue
		}
		var catcher panics.Catcher
		catcher.Try(func() { h.fn(ctx, f) })
		if rec := catcher.Recovered(); rec != nil {
			o.logger.WithPipeline(f.PipelineID).Error("error handler panicked",
				"stage", f.Stage, "panic", rec.Value)
		}
	}
}

func (o *Orchestrator) publish(eventType, pipelineID string, data map[string]any) {
	if o.bus == nil {
		return
	}
	e := event.New(eventType, eventSource, data).WithCorrelationID(pipelineID)
	if _, err := o.bus.Publish(e); err != nil {
		o.logger.WithPipeline(pipelineID).Debug("event not published", "type", eventType, "error", err)
	}
}

func (o *Orchestrator) newRun(id string, pctx pipeline.PipelineContext, p plan, input map[string]any, prior []pipeline.StageResult, resumed bool) *run {
	data := pipeline.CloneData(input)
	if data == nil {
		data = make(map[string]any)
	}
	completed := make([]string, 0, len(prior))
	done := make(map[string]bool, len(prior))
	for _, sr := range prior {
		maps.Copy(data, pipeline.CloneData(sr.Output))
		completed = append(completed, sr.Stage)
		done[sr.Stage] = true
	}
	return &run{
		o:         o,
		id:        id,
		pctx:      pctx,
		plan:      p,
		log:       o.logger.WithPipeline(id),
		retries:   retry.NewManager(),
		started:   o.now(),
		resumed:   resumed,
		done:      done,
		prior:     prior,
		data:      data,
		completed: completed,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
