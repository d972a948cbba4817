package definition

import (
	"fmt"
	"strings"
	"time"

	"github.com/Iron-Ham/conductor/internal/logging"
	"github.com/Iron-Ham/conductor/internal/orchestrator"
	"github.com/Iron-Ham/conductor/internal/orchestrator/retry"
	"github.com/Iron-Ham/conductor/internal/pipeline"
)

// Strategy returns the retry override for the stage, or nil to use the
// orchestrator default.
func (s StageSpec) Strategy() retry.Strategy {
	if s.Retry == nil {
		return nil
	}
	switch s.Retry.Strategy {
	case "none":
		return retry.None{}
	case "fixed":
		return retry.Fixed{Retries: s.Retry.Retries, Wait: s.Retry.Delay}
	case "exponential":
		return retry.Exponential{Retries: s.Retry.Retries, Base: s.Retry.Base, Cap: s.Retry.Cap}
	default:
		return nil
	}
}

// Stage builds the orchestrator stage. The command holds a pool slot while
// it runs and is killed after fallbackTimeout when the stage sets no
// timeout of its own.
func (s StageSpec) Stage(pool *pipeline.WorkerPool, fallbackTimeout time.Duration, logger *logging.Logger) orchestrator.Stage {
	timeout := s.Timeout
	if timeout <= 0 {
		timeout = fallbackTimeout
	}
	runner := &Exec{Stage: s.Name, Spec: s.Exec, Timeout: timeout, Logger: logger}

	stage := orchestrator.Stage{
		Name:      s.Name,
		DependsOn: s.DependsOn,
		Processor: pipeline.Pooled(runner, pool),
		Parallel:  s.Parallel,
		Timeout:   s.Timeout,
		InputKeys: s.InputKeys,
	}
	if len(s.RequiredOutputs) > 0 {
		required := s.RequiredOutputs
		stage.Validate = func(out map[string]any) error {
			var missing []string
			for _, k := range required {
				if _, ok := out[k]; !ok {
					missing = append(missing, k)
				}
			}
			if len(missing) > 0 {
				return fmt.Errorf("output missing required keys: %s", strings.Join(missing, ", "))
			}
			return nil
		}
	}
	return stage
}

// Register adds every stage of the definition, and its retry overrides,
// to o.
func (f *File) Register(o *orchestrator.Orchestrator, pool *pipeline.WorkerPool, logger *logging.Logger) error {
	if logger == nil {
		logger = logging.NopLogger()
	}
	fallback := o.Config().StageTimeout
	for _, s := range f.Stages {
		if err := o.AddStage(s.Stage(pool, fallback, logger)); err != nil {
			return err
		}
		if st := s.Strategy(); st != nil {
			if err := o.AddRetryStrategy(s.Name, st); err != nil {
				return err
			}
		}
	}
	return nil
}

// ContextData returns the run context for a new execution of the
// definition. An empty pipelineID lets the state manager generate one.
func (f *File) ContextData(pipelineID string) orchestrator.ContextData {
	meta := make(map[string]any, len(f.Metadata)+1)
	for k, v := range f.Metadata {
		meta[k] = v
	}
	if f.Name != "" {
		meta["definition"] = f.Name
	}
	return orchestrator.ContextData{
		PipelineID:  pipelineID,
		ProjectID:   f.ProjectID,
		Environment: f.Environment,
		Limits: pipeline.Limits{
			MaxExecutionTime: f.Limits.MaxExecutionTime,
			MaxMemory:        f.Limits.MaxMemory,
			MaxFileSize:      f.Limits.MaxFileSize,
		},
		Metadata: meta,
	}
}
