package orchestrator

import (
	"slices"
	"time"

	"github.com/Iron-Ham/conductor/internal/errors"
	"github.com/Iron-Ham/conductor/internal/pipeline"
)

// Stage is one named step of a pipeline.
type Stage struct {
	Name      string
	DependsOn []string
	Processor pipeline.Processor
	// Parallel lets the stage run alongside adjacent parallel stages of the
	// same plan level.
	Parallel bool
	// Timeout bounds each attempt. Zero uses Config.StageTimeout.
	Timeout time.Duration
	// InputKeys selects the part of the pipeline data the stage reads, for
	// the cache key. Nil means all of it.
	InputKeys []string
	// Validate checks the shape of a successful output. A rejected output
	// is a retryable failure.
	Validate func(output map[string]any) error
}

func (s Stage) validate() error {
	if s.Name == "" {
		return errors.NewValidationError("stage name is required").WithField("name")
	}
	if s.Processor == nil {
		return errors.NewValidationError("processor is required").WithStage(s.Name).WithField("processor")
	}
	if s.Timeout < 0 {
		return errors.NewValidationError("timeout must not be negative").WithStage(s.Name).WithField("timeout").WithValue(s.Timeout)
	}
	return nil
}

func (s Stage) clone() *Stage {
	s.DependsOn = slices.Clone(s.DependsOn)
	s.InputKeys = slices.Clone(s.InputKeys)
	return &s
}

// ContextData is the caller-supplied part of a pipeline context.
type ContextData struct {
	// PipelineID identifies the run. Empty generates one.
	PipelineID  string
	ProjectID   string
	Environment string
	Limits      pipeline.Limits
	Metadata    map[string]any
}

// Result is what a run returns, whether it completed or failed.
type Result struct {
	PipelineID string
	Success    bool
	Status     pipeline.PipelineStatus
	// Data is the input merged with every completed stage's output.
	Data map[string]any
	// StageResults holds the latest result of every stage that ran, in
	// completion order. Resumed runs list the stages restored from the
	// checkpoint first.
	StageResults    []pipeline.StageResult
	CompletedStages []string
	FailedStage     string
	Error           string
	Report          Report
	Resumed         bool
}

// StageResult returns the result recorded for stage.
func (r *Result) StageResult(stage string) (pipeline.StageResult, bool) {
	for _, sr := range r.StageResults {
		if sr.Stage == stage {
			return sr, true
		}
	}
	return pipeline.StageResult{}, false
}

// Status summarizes a pipeline for operators.
type Status struct {
	PipelineID      string
	Status          pipeline.PipelineStatus
	CurrentStage    string
	CompletedStages []string
	SuccessRate     float64
	Elapsed         time.Duration
	// Active is true while this orchestrator is executing the pipeline.
	Active    bool
	UpdatedAt time.Time
}
