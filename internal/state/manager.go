package state

import (
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Iron-Ham/conductor/internal/errors"
	"github.com/Iron-Ham/conductor/internal/event"
	"github.com/Iron-Ham/conductor/internal/logging"
	"github.com/Iron-Ham/conductor/internal/metrics"
	"github.com/Iron-Ham/conductor/internal/pipeline"
	"github.com/Iron-Ham/conductor/internal/storage"
)

const eventSource = "state_manager"

// Publisher is the part of the event bus the manager emits through.
type Publisher interface {
	Publish(e event.Event) (string, error)
}

// Config controls checkpointing.
type Config struct {
	Strategy       Strategy
	CriticalStages []string
	// Interval is the minimum spacing for TimeBased.
	Interval time.Duration
	// TTL is how long a checkpoint stays restorable. Zero disables expiry.
	TTL      time.Duration
	Encoding Encoding
}

// DefaultConfig checkpoints after every stage and keeps checkpoints a day.
func DefaultConfig() Config {
	return Config{
		Strategy: AfterEachStage,
		Interval: 5 * time.Minute,
		TTL:      24 * time.Hour,
		Encoding: EncodingJSON,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Strategy == "" {
		c.Strategy = d.Strategy
	}
	if c.Interval <= 0 {
		c.Interval = d.Interval
	}
	if c.TTL < 0 {
		c.TTL = 0
	}
	if c.Encoding == "" {
		c.Encoding = d.Encoding
	}
	c.CriticalStages = slices.Clone(c.CriticalStages)
	return c
}

// Option configures a Manager.
type Option func(*Manager)

// WithKV persists live state and history to kv.
func WithKV(kv storage.KV) Option {
	return func(m *Manager) { m.kv = kv }
}

// WithBlob persists checkpoints to blob.
func WithBlob(blob storage.Blob) Option {
	return func(m *Manager) { m.blob = blob }
}

// WithPublisher emits state.updated and checkpoint events through p.
func WithPublisher(p Publisher) Option {
	return func(m *Manager) { m.publisher = p }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l.WithComponent("state")
		}
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(s metrics.Sink) Option {
	return func(m *Manager) { m.metrics = metrics.OrNop(s) }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// entry is the in-memory record of one pipeline. mu is the per-pipeline
// lock: every read or write of state and history holds it.
type entry struct {
	mu             sync.Mutex
	state          *pipeline.PipelineState
	history        []pipeline.StateSnapshot
	lastCheckpoint time.Time
}

type indexedCheckpoint struct {
	cp  pipeline.Checkpoint
	seq uint64
}

// Manager owns pipeline state. Memory is authoritative; the KV and Blob
// backends are best-effort durability layered on top.
type Manager struct {
	cfg       Config
	kv        storage.KV
	blob      storage.Blob
	publisher Publisher
	logger    *logging.Logger
	metrics   metrics.Sink
	now       func() time.Time

	mu          sync.Mutex
	entries     map[string]*entry
	checkpoints map[string]*indexedCheckpoint
	seq         uint64
}

// NewManager creates a manager. Without WithKV/WithBlob it is memory-only.
func NewManager(cfg Config, opts ...Option) *Manager {
	m := &Manager{
		cfg:         cfg.withDefaults(),
		logger:      logging.NopLogger(),
		metrics:     metrics.Nop{},
		now:         time.Now,
		entries:     make(map[string]*entry),
		checkpoints: make(map[string]*indexedCheckpoint),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Config returns the effective configuration.
func (m *Manager) Config() Config {
	return m.cfg
}

// CreatePipelineState stores a pending state for pctx. It is idempotent per
// pipeline ID: an existing state, in memory or in the KV backend, is kept.
// An empty PipelineID is assigned a fresh UUID.
func (m *Manager) CreatePipelineState(ctx context.Context, pctx pipeline.PipelineContext, input map[string]any) (string, error) {
	if pctx.PipelineID == "" {
		pctx.PipelineID = uuid.NewString()
	}
	id := pctx.PipelineID

	if _, err := m.lookup(ctx, id); err == nil {
		return id, nil
	}

	now := m.now()
	e := &entry{state: pipeline.NewPipelineState(pctx, input, now)}

	m.mu.Lock()
	if _, ok := m.entries[id]; ok {
		m.mu.Unlock()
		return id, nil
	}
	m.entries[id] = e
	m.mu.Unlock()

	e.mu.Lock()
	defer e.mu.Unlock()
	e.history = append(e.history, m.snapshot(id, "", pipeline.StagePending, nil, map[string]any{
		"pipeline_status": string(pipeline.StatusPending),
	}))
	m.persistLocked(ctx, e)
	m.logger.WithPipeline(id).Debug("pipeline state created")
	return id, nil
}

// UpdateState merges result into the pipeline's state, appends a snapshot,
// persists, and checkpoints when the strategy says so.
func (m *Manager) UpdateState(ctx context.Context, pipelineID, stage string, result pipeline.StageResult) error {
	e, err := m.acquire(ctx, pipelineID)
	if err != nil {
		return err
	}
	defer e.mu.Unlock()

	now := m.now()
	result.Stage = stage
	if result.CompletedAt.IsZero() {
		result.CompletedAt = now.UTC()
	}
	e.state.Apply(result, now)

	meta := map[string]any{
		"success":           result.Success,
		"cached":            result.Cached,
		"retry_count":       result.RetryCount,
		"execution_time_ms": float64(result.ExecutionTime) / float64(time.Millisecond),
	}
	if result.ErrorMessage != "" {
		meta["error"] = result.ErrorMessage
	}
	e.history = append(e.history, m.snapshot(pipelineID, stage, result.Status(), result.Output, meta))
	m.persistLocked(ctx, e)

	m.publish(event.TypeStateUpdated, pipelineID, map[string]any{
		"pipeline_id": pipelineID,
		"stage":       stage,
		"success":     result.Success,
		"status":      string(e.state.Status),
	})

	if result.Success && m.cfg.shouldCheckpoint(stage, e.lastCheckpoint, now) {
		if _, err := m.checkpointLocked(ctx, e, stage); err != nil {
			m.logger.WithPipeline(pipelineID).Warn("automatic checkpoint failed",
				"stage", stage, "error", err)
		}
	}
	return nil
}

// TransitionStatus moves the pipeline to next if the status FSM allows it.
func (m *Manager) TransitionStatus(ctx context.Context, pipelineID string, next pipeline.PipelineStatus) error {
	e, err := m.acquire(ctx, pipelineID)
	if err != nil {
		return err
	}
	defer e.mu.Unlock()

	prev := e.state.Status
	status, err := prev.Transition(next)
	if err != nil {
		return err
	}
	e.state.Status = status
	e.state.UpdatedAt = m.now().UTC()

	e.history = append(e.history, m.snapshot(pipelineID, e.state.CurrentStage, "", nil, map[string]any{
		"pipeline_status": string(status),
		"previous_status": string(prev),
	}))
	m.persistLocked(ctx, e)

	m.publish(event.TypeStateUpdated, pipelineID, map[string]any{
		"pipeline_id": pipelineID,
		"status":      string(status),
		"previous":    string(prev),
	})
	return nil
}

// CreateCheckpoint captures the current state of the pipeline regardless of
// the configured strategy.
func (m *Manager) CreateCheckpoint(ctx context.Context, pipelineID, stage string) (string, error) {
	e, err := m.acquire(ctx, pipelineID)
	if err != nil {
		return "", err
	}
	defer e.mu.Unlock()
	return m.checkpointLocked(ctx, e, stage)
}

func (m *Manager) checkpointLocked(ctx context.Context, e *entry, stage string) (string, error) {
	now := m.now().UTC()
	pipelineID := e.state.PipelineID

	cp := pipeline.Checkpoint{
		ID:         uuid.NewString(),
		PipelineID: pipelineID,
		CreatedAt:  now,
		Stage:      stage,
		CanResume:  true,
	}
	if m.cfg.TTL > 0 {
		expires := now.Add(m.cfg.TTL)
		cp.ExpiresAt = &expires
	}

	blob, err := EncodeCheckpoint(cp, e.state, m.cfg.Encoding)
	if err != nil {
		return "", err
	}
	cp.State = blob

	m.index(cp)
	e.lastCheckpoint = now

	if m.blob != nil {
		if err := m.blob.Put(ctx, storage.CheckpointKey(pipelineID, cp.ID), blob); err != nil {
			m.persistFailed("checkpoint", pipelineID, err)
		}
	}

	m.metrics.Count(metrics.CheckpointsSaved, 1, metrics.Tags{"pipeline": pipelineID})
	m.publish(event.TypeCheckpointCreated, pipelineID, map[string]any{
		"pipeline_id":   pipelineID,
		"checkpoint_id": cp.ID,
		"stage":         stage,
	})
	m.logger.WithPipeline(pipelineID).Debug("checkpoint created",
		"checkpoint_id", cp.ID, "stage", stage, "bytes", len(blob))
	return cp.ID, nil
}

// RestoreFromCheckpoint loads a checkpoint (memory first, then the blob
// backend) and makes its state the pipeline's live state.
func (m *Manager) RestoreFromCheckpoint(ctx context.Context, checkpointID string) (*pipeline.PipelineState, error) {
	cp, err := m.findCheckpoint(ctx, checkpointID)
	if err != nil {
		return nil, err
	}
	if cp.Expired(m.now()) {
		return nil, errors.NewCheckpointExpiredError(cp.ID, *cp.ExpiresAt)
	}

	_, st, err := DecodeCheckpoint(cp.State)
	if err != nil {
		return nil, err
	}

	pipelineID := cp.PipelineID
	m.mu.Lock()
	e, ok := m.entries[pipelineID]
	if !ok {
		e = &entry{}
		m.entries[pipelineID] = e
	}
	m.mu.Unlock()

	e.mu.Lock()
	if e.history == nil {
		e.history = m.loadHistory(ctx, pipelineID)
	}
	e.state = st
	e.lastCheckpoint = cp.CreatedAt
	m.persistLocked(ctx, e)
	restored := st.Clone()
	e.mu.Unlock()

	m.publish(event.TypeCheckpointRestored, pipelineID, map[string]any{
		"pipeline_id":   pipelineID,
		"checkpoint_id": cp.ID,
		"stage":         cp.Stage,
	})
	m.logger.WithPipeline(pipelineID).Info("restored from checkpoint",
		"checkpoint_id", cp.ID, "stage", cp.Stage,
		"completed_stages", len(restored.CompletedStages))
	return restored, nil
}

// LatestCheckpoint returns the newest resumable, unexpired checkpoint.
func (m *Manager) LatestCheckpoint(ctx context.Context, pipelineID string) (*pipeline.Checkpoint, error) {
	cps, err := m.GetCheckpoints(ctx, pipelineID)
	if err != nil {
		return nil, err
	}
	for i := len(cps) - 1; i >= 0; i-- {
		if cps[i].CanResume {
			return cps[i], nil
		}
	}
	return nil, errors.CheckpointNotFound(pipelineID).
		WithCause(fmt.Errorf("pipeline has no resumable checkpoint"))
}

// GetCheckpoints returns the pipeline's unexpired checkpoints, oldest first,
// from memory and the blob backend.
func (m *Manager) GetCheckpoints(ctx context.Context, pipelineID string) ([]*pipeline.Checkpoint, error) {
	if m.blob != nil {
		m.loadCheckpoints(ctx, pipelineID)
	}

	now := m.now()
	m.mu.Lock()
	var found []*indexedCheckpoint
	for _, ic := range m.checkpoints {
		if ic.cp.PipelineID == pipelineID && !ic.cp.Expired(now) {
			found = append(found, ic)
		}
	}
	m.mu.Unlock()

	slices.SortFunc(found, func(a, b *indexedCheckpoint) int {
		if c := a.cp.CreatedAt.Compare(b.cp.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.seq, b.seq)
	})

	out := make([]*pipeline.Checkpoint, len(found))
	for i, ic := range found {
		cp := ic.cp
		out[i] = &cp
	}
	return out, nil
}

// GetState returns a copy of the pipeline's state, loading it from the KV
// backend when this process has not seen it.
func (m *Manager) GetState(ctx context.Context, pipelineID string) (*pipeline.PipelineState, error) {
	e, err := m.acquire(ctx, pipelineID)
	if err != nil {
		return nil, err
	}
	defer e.mu.Unlock()
	return e.state.Clone(), nil
}

// GetPipelineHistory returns the pipeline's snapshots in append order.
func (m *Manager) GetPipelineHistory(ctx context.Context, pipelineID string) ([]pipeline.StateSnapshot, error) {
	e, err := m.acquire(ctx, pipelineID)
	if err != nil {
		return nil, err
	}
	defer e.mu.Unlock()

	out := make([]pipeline.StateSnapshot, len(e.history))
	for i, s := range e.history {
		s.Data = pipeline.CloneData(s.Data)
		s.Metadata = pipeline.CloneData(s.Metadata)
		out[i] = s
	}
	return out, nil
}

// CleanupPipeline forgets the pipeline: state, history, checkpoints and its
// lock. Backend deletes are best-effort. Cleaning an unknown pipeline is not
// an error.
func (m *Manager) CleanupPipeline(ctx context.Context, pipelineID string) error {
	m.mu.Lock()
	e, ok := m.entries[pipelineID]
	delete(m.entries, pipelineID)
	for id, ic := range m.checkpoints {
		if ic.cp.PipelineID == pipelineID {
			delete(m.checkpoints, id)
		}
	}
	m.mu.Unlock()

	if ok {
		e.mu.Lock()
		e.state = nil
		e.history = nil
		e.mu.Unlock()
	}

	if m.kv != nil {
		for _, key := range []string{storage.PipelineKey(pipelineID), storage.HistoryKey(pipelineID)} {
			if err := m.kv.DeleteItem(ctx, key); err != nil {
				m.persistFailed("cleanup", pipelineID, err)
			}
		}
	}
	if m.blob != nil {
		keys, err := m.blob.ListByPrefix(ctx, storage.CheckpointPrefix(pipelineID))
		if err != nil {
			m.persistFailed("cleanup", pipelineID, err)
		}
		for _, key := range keys {
			if err := m.blob.Delete(ctx, key); err != nil {
				m.persistFailed("cleanup", pipelineID, err)
			}
		}
	}

	m.logger.WithPipeline(pipelineID).Debug("pipeline cleaned up")
	return nil
}

// acquire returns the pipeline's entry with its lock held.
func (m *Manager) acquire(ctx context.Context, pipelineID string) (*entry, error) {
	for {
		e, err := m.lookup(ctx, pipelineID)
		if err != nil {
			return nil, err
		}
		e.mu.Lock()
		if e.state != nil {
			return e, nil
		}
		e.mu.Unlock()

		// Cleaned up (or a restore placeholder) between lookup and lock.
		m.mu.Lock()
		current, ok := m.entries[pipelineID]
		m.mu.Unlock()
		if !ok || current == e {
			return nil, errors.PipelineNotFound(pipelineID)
		}
	}
}

// lookup returns the in-memory entry, adopting the state stored in the KV
// backend when there is none.
func (m *Manager) lookup(ctx context.Context, pipelineID string) (*entry, error) {
	m.mu.Lock()
	e, ok := m.entries[pipelineID]
	m.mu.Unlock()
	if ok {
		return e, nil
	}
	if m.kv == nil {
		return nil, errors.PipelineNotFound(pipelineID)
	}

	raw, err := m.kv.GetItem(ctx, storage.PipelineKey(pipelineID))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, errors.PipelineNotFound(pipelineID)
	}
	if err != nil {
		return nil, errors.PipelineNotFound(pipelineID).WithCause(err)
	}

	var st pipeline.PipelineState
	if err := json.Unmarshal(raw, &st); err != nil {
		return nil, errors.PipelineNotFound(pipelineID).WithCause(fmt.Errorf("decode stored state: %w", err))
	}
	if st.CompletedStages == nil {
		st.CompletedStages = []string{}
	}
	if st.StageResults == nil {
		st.StageResults = make(map[string]pipeline.StageResult)
	}
	history := m.loadHistory(ctx, pipelineID)

	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.entries[pipelineID]; ok {
		return existing, nil
	}
	e = &entry{state: &st, history: history}
	m.entries[pipelineID] = e
	m.logger.WithPipeline(pipelineID).Debug("adopted stored pipeline state")
	return e, nil
}

func (m *Manager) loadHistory(ctx context.Context, pipelineID string) []pipeline.StateSnapshot {
	if m.kv == nil {
		return nil
	}
	raw, err := m.kv.GetItem(ctx, storage.HistoryKey(pipelineID))
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			m.logger.WithPipeline(pipelineID).Warn("failed to load history", "error", err)
		}
		return nil
	}
	var history []pipeline.StateSnapshot
	if err := json.Unmarshal(raw, &history); err != nil {
		m.logger.WithPipeline(pipelineID).Warn("stored history is unreadable", "error", err)
		return nil
	}
	return history
}

// findCheckpoint resolves a checkpoint ID from memory, then the blob backend.
func (m *Manager) findCheckpoint(ctx context.Context, checkpointID string) (*pipeline.Checkpoint, error) {
	m.mu.Lock()
	ic, ok := m.checkpoints[checkpointID]
	m.mu.Unlock()
	if ok {
		cp := ic.cp
		return &cp, nil
	}
	if m.blob == nil {
		return nil, errors.CheckpointNotFound(checkpointID)
	}

	keys, err := m.blob.ListByPrefix(ctx, "checkpoints/")
	if err != nil {
		return nil, errors.CheckpointNotFound(checkpointID).WithCause(err)
	}
	for _, key := range keys {
		_, id, ok := storage.ParseCheckpointKey(key)
		if !ok || id != checkpointID {
			continue
		}
		data, err := m.blob.Get(ctx, key)
		if err != nil {
			return nil, errors.CheckpointNotFound(checkpointID).WithCause(err)
		}
		cp, _, err := DecodeCheckpoint(data)
		if err != nil {
			return nil, err
		}
		m.index(*cp)
		return cp, nil
	}
	return nil, errors.CheckpointNotFound(checkpointID)
}

// loadCheckpoints indexes the pipeline's checkpoints held by the blob backend
// that this process has not seen yet.
func (m *Manager) loadCheckpoints(ctx context.Context, pipelineID string) {
	log := m.logger.WithPipeline(pipelineID)
	keys, err := m.blob.ListByPrefix(ctx, storage.CheckpointPrefix(pipelineID))
	if err != nil {
		log.Warn("failed to list stored checkpoints", "error", err)
		return
	}

	var loaded []pipeline.Checkpoint
	for _, key := range keys {
		_, id, ok := storage.ParseCheckpointKey(key)
		if !ok {
			continue
		}
		m.mu.Lock()
		_, known := m.checkpoints[id]
		m.mu.Unlock()
		if known {
			continue
		}

		data, err := m.blob.Get(ctx, key)
		if err != nil {
			log.Warn("failed to read stored checkpoint", "key", key, "error", err)
			continue
		}
		cp, _, err := DecodeCheckpoint(data)
		if err != nil {
			log.Warn("skipping unreadable checkpoint", "key", key, "error", err)
			continue
		}
		loaded = append(loaded, *cp)
	}

	slices.SortFunc(loaded, func(a, b pipeline.Checkpoint) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	for _, cp := range loaded {
		m.index(cp)
	}
}

func (m *Manager) index(cp pipeline.Checkpoint) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.checkpoints[cp.ID]; ok {
		return
	}
	m.seq++
	m.checkpoints[cp.ID] = &indexedCheckpoint{cp: cp, seq: m.seq}
}

func (m *Manager) snapshot(pipelineID, stage string, status pipeline.StageStatus, data, meta map[string]any) pipeline.StateSnapshot {
	return pipeline.StateSnapshot{
		ID:          uuid.NewString(),
		PipelineID:  pipelineID,
		Timestamp:   m.now().UTC(),
		Stage:       stage,
		StageStatus: status,
		Data:        pipeline.CloneData(data),
		Metadata:    meta,
	}
}

// persistLocked writes state and history to the KV backend. Failures are
// logged and counted, never returned.
func (m *Manager) persistLocked(ctx context.Context, e *entry) {
	if m.kv == nil {
		return
	}
	id := e.state.PipelineID

	raw, err := json.Marshal(e.state)
	if err != nil {
		m.persistFailed("state", id, err)
		return
	}
	if err := m.kv.PutItem(ctx, storage.PipelineKey(id), raw); err != nil {
		m.persistFailed("state", id, err)
	}

	raw, err = json.Marshal(e.history)
	if err != nil {
		m.persistFailed("history", id, err)
		return
	}
	if err := m.kv.PutItem(ctx, storage.HistoryKey(id), raw); err != nil {
		m.persistFailed("history", id, err)
	}
}

func (m *Manager) persistFailed(op, pipelineID string, err error) {
	m.metrics.Count(metrics.PersistFailures, 1, metrics.Tags{"op": op})
	m.logger.WithPipeline(pipelineID).Warn("persistence failed; continuing from memory",
		"op", op, "error", err)
}

func (m *Manager) publish(eventType, pipelineID string, data map[string]any) {
	if m.publisher == nil {
		return
	}
	e := event.New(eventType, eventSource, data).WithCorrelationID(pipelineID)
	if _, err := m.publisher.Publish(e); err != nil {
		m.logger.WithPipeline(pipelineID).Debug("event not published", "type", eventType, "error", err)
	}
}
