package pipeline

import (
	"maps"
	"slices"
	"time"
)

// Limits bounds the resources a single run may consume. Zero means unbounded.
type Limits struct {
	MaxExecutionTime time.Duration `json:"max_execution_time"`
	MaxMemory        int64         `json:"max_memory"`
	MaxFileSize      int64         `json:"max_file_size"`
}

// PipelineContext identifies one pipeline run. It is a value type; copies
// handed out by the orchestrator never share the metadata map.
type PipelineContext struct {
	PipelineID  string         `json:"pipeline_id"`
	ProjectID   string         `json:"project_id"`
	CreatedAt   time.Time      `json:"created_at"`
	Environment string         `json:"environment"`
	Limits      Limits         `json:"limits"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// NewPipelineContext builds a context, copying metadata so later changes by
// the caller are not observed.
func NewPipelineContext(pipelineID, projectID, environment string, limits Limits, metadata map[string]any, createdAt time.Time) PipelineContext {
	return PipelineContext{
		PipelineID:  pipelineID,
		ProjectID:   projectID,
		CreatedAt:   createdAt.UTC(),
		Environment: environment,
		Limits:      limits,
		Metadata:    CloneData(metadata),
	}
}

// Clone returns a copy that shares no mutable state with c.
func (c PipelineContext) Clone() PipelineContext {
	c.Metadata = CloneData(c.Metadata)
	return c
}

// StageResult is the outcome of one stage attempt.
type StageResult struct {
	Stage         string             `json:"stage"`
	Success       bool               `json:"success"`
	Output        map[string]any     `json:"output,omitempty"`
	ExecutionTime time.Duration      `json:"execution_time"`
	MemoryUsage   int64              `json:"memory_usage"`
	ErrorMessage  string             `json:"error_message,omitempty"`
	RetryCount    int                `json:"retry_count"`
	Cached        bool               `json:"cached"`
	Metrics       map[string]float64 `json:"metrics,omitempty"`
	CompletedAt   time.Time          `json:"completed_at"`
}

// Status reports the terminal stage status this result represents.
func (r StageResult) Status() StageStatus {
	switch {
	case r.Cached:
		return StageCached
	case r.Success:
		return StageCompleted
	default:
		return StageFailed
	}
}

// Clone returns a copy that shares no mutable state with r.
func (r StageResult) Clone() StageResult {
	r.Output = CloneData(r.Output)
	if r.Metrics != nil {
		r.Metrics = maps.Clone(r.Metrics)
	}
	return r
}

// PipelineState is the authoritative record for one pipeline.
type PipelineState struct {
	PipelineID      string                 `json:"pipeline_id"`
	Status          PipelineStatus         `json:"status"`
	CurrentStage    string                 `json:"current_stage,omitempty"`
	CompletedStages []string               `json:"completed_stages"`
	StageResults    map[string]StageResult `json:"stage_results"`
	Context         PipelineContext        `json:"context"`
	Input           map[string]any         `json:"input,omitempty"`
	CreatedAt       time.Time              `json:"created_at"`
	UpdatedAt       time.Time              `json:"updated_at"`
}

// NewPipelineState returns a pending state with no completed stages.
func NewPipelineState(pctx PipelineContext, input map[string]any, now time.Time) *PipelineState {
	now = now.UTC()
	return &PipelineState{
		PipelineID:      pctx.PipelineID,
		Status:          StatusPending,
		CompletedStages: []string{},
		StageResults:    make(map[string]StageResult),
		Context:         pctx.Clone(),
		Input:           CloneData(input),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

// Apply merges result into the state. A successful result marks the stage
// completed once; a failed result only replaces the latest result.
func (s *PipelineState) Apply(result StageResult, now time.Time) {
	if s.StageResults == nil {
		s.StageResults = make(map[string]StageResult)
	}
	s.StageResults[result.Stage] = result.Clone()
	s.CurrentStage = result.Stage
	if result.Success && !s.IsCompleted(result.Stage) {
		s.CompletedStages = append(s.CompletedStages, result.Stage)
	}
	s.UpdatedAt = now.UTC()
}

// IsCompleted reports whether stage has a recorded successful result.
func (s *PipelineState) IsCompleted(stage string) bool {
	return slices.Contains(s.CompletedStages, stage)
}

// SuccessRate is the fraction of recorded stage results that succeeded.
func (s *PipelineState) SuccessRate() float64 {
	if len(s.StageResults) == 0 {
		return 0
	}
	ok := 0
	for _, r := range s.StageResults {
		if r.Success {
			ok++
		}
	}
	return float64(ok) / float64(len(s.StageResults))
}

// Clone returns a deep copy of the state.
func (s *PipelineState) Clone() *PipelineState {
	if s == nil {
		return nil
	}
	out := *s
	out.CompletedStages = slices.Clone(s.CompletedStages)
	if out.CompletedStages == nil {
		out.CompletedStages = []string{}
	}
	out.StageResults = make(map[string]StageResult, len(s.StageResults))
	for k, v := range s.StageResults {
		out.StageResults[k] = v.Clone()
	}
	out.Context = s.Context.Clone()
	out.Input = CloneData(s.Input)
	return &out
}

// StateSnapshot is one append-only history entry.
type StateSnapshot struct {
	ID          string         `json:"id"`
	PipelineID  string         `json:"pipeline_id"`
	Timestamp   time.Time      `json:"timestamp"`
	Stage       string         `json:"stage"`
	StageStatus StageStatus    `json:"stage_status"`
	Data        map[string]any `json:"data,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// Checkpoint is a durable copy of a PipelineState. State holds the encoded
// blob; see the state package for the format.
type Checkpoint struct {
	ID         string     `json:"id"`
	PipelineID string     `json:"pipeline_id"`
	CreatedAt  time.Time  `json:"created_at"`
	Stage      string     `json:"stage"`
	State      []byte     `json:"-"`
	CanResume  bool       `json:"can_resume"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
}

// Expired reports whether the checkpoint can no longer be restored at now.
func (c *Checkpoint) Expired(now time.Time) bool {
	return c.ExpiresAt != nil && !now.Before(*c.ExpiresAt)
}

// CloneData deep-copies nested maps and slices; other values are shared.
func CloneData(data map[string]any) map[string]any {
	if data == nil {
		return nil
	}
	out := make(map[string]any, len(data))
	for k, v := range data {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return CloneData(val)
	case []any:
		cp := make([]any, len(val))
		for i, item := range val {
			cp[i] = cloneValue(item)
		}
		return cp
	case []string:
		return slices.Clone(val)
	default:
		return v
	}
}
