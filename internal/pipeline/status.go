package pipeline

import (
	"fmt"
	"slices"

	"github.com/Iron-Ham/conductor/internal/errors"
)

// PipelineStatus is the lifecycle state of a whole pipeline.
type PipelineStatus string

const (
	// StatusPending is the initial state; no stage has started.
	StatusPending PipelineStatus = "pending"

	// StatusRunning indicates stages are executing.
	StatusRunning PipelineStatus = "running"

	// StatusCompleted indicates every stage completed successfully.
	StatusCompleted PipelineStatus = "completed"

	// StatusFailed indicates a stage exhausted its retries or the run was
	// canceled. A failed pipeline may be resumed.
	StatusFailed PipelineStatus = "failed"
)

// running -> running is a resume of a run whose process died mid-stage.
var pipelineTransitions = map[PipelineStatus][]PipelineStatus{
	StatusPending:   {StatusRunning, StatusFailed},
	StatusRunning:   {StatusRunning, StatusCompleted, StatusFailed},
	StatusFailed:    {StatusRunning},
	StatusCompleted: nil,
}

// String returns the string representation of the status.
func (s PipelineStatus) String() string {
	return string(s)
}

// Valid reports whether s is a known status.
func (s PipelineStatus) Valid() bool {
	_, ok := pipelineTransitions[s]
	return ok
}

// IsTerminal returns true for completed and failed.
func (s PipelineStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CanTransition reports whether moving from s to next is legal.
func (s PipelineStatus) CanTransition(next PipelineStatus) bool {
	return slices.Contains(pipelineTransitions[s], next)
}

// Transition validates the move from s to next and returns next.
func (s PipelineStatus) Transition(next PipelineStatus) (PipelineStatus, error) {
	if !s.CanTransition(next) {
		return s, fmt.Errorf("pipeline %s -> %s: %w", s, next, errors.ErrInvalidTransition)
	}
	return next, nil
}

// StageStatus is the lifecycle state of a single stage within a run.
type StageStatus string

const (
	// StagePending indicates the stage has not started.
	StagePending StageStatus = "pending"

	// StageRunning indicates an attempt is in flight.
	StageRunning StageStatus = "running"

	// StageRetrying indicates the stage is backing off before the next attempt.
	StageRetrying StageStatus = "retrying"

	// StageCompleted indicates the processor produced a valid result.
	StageCompleted StageStatus = "completed"

	// StageFailed indicates every attempt failed or the run was canceled.
	StageFailed StageStatus = "failed"

	// StageCached indicates the result was served from the result cache.
	StageCached StageStatus = "cached"
)

var stageTransitions = map[StageStatus][]StageStatus{
	StagePending:   {StageRunning, StageCached, StageFailed},
	StageRunning:   {StageCompleted, StageFailed, StageRetrying, StageCached},
	StageRetrying:  {StageRunning, StageFailed},
	StageCompleted: nil,
	StageFailed:    nil,
	StageCached:    nil,
}

// String returns the string representation of the status.
func (s StageStatus) String() string {
	return string(s)
}

// Valid reports whether s is a known status.
func (s StageStatus) Valid() bool {
	_, ok := stageTransitions[s]
	return ok
}

// IsTerminal returns true for completed, failed, and cached.
func (s StageStatus) IsTerminal() bool {
	return s == StageCompleted || s == StageFailed || s == StageCached
}

// IsSuccess returns true for completed and cached.
func (s StageStatus) IsSuccess() bool {
	return s == StageCompleted || s == StageCached
}

// CanTransition reports whether moving from s to next is legal.
func (s StageStatus) CanTransition(next StageStatus) bool {
	return slices.Contains(stageTransitions[s], next)
}

// Transition validates the move from s to next and returns next.
func (s StageStatus) Transition(next StageStatus) (StageStatus, error) {
	if !s.CanTransition(next) {
		return s, fmt.Errorf("stage %s -> %s: %w", s, next, errors.ErrInvalidTransition)
	}
	return next, nil
}
