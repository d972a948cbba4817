// Package errors provides centralized error definitions and error handling utilities
// for the conductor codebase. It defines the pipeline failure taxonomy, semantic
// error types, error constructors with context wrapping, and error classification
// helpers.
//
// # Error Types
//
// Stage errors describe a single failed stage attempt:
//   - StageExecutionError: the stage processor returned an error or panicked
//   - StageTimeoutError: the stage attempt exceeded its deadline
//   - ValidationError: the stage produced a malformed result, or input was invalid
//   - RetryExhaustedError: every allowed attempt of a stage failed
//
// Infrastructure errors:
//   - CheckpointExpiredError: restore attempted on an expired checkpoint
//   - QueueFullError: the event bus rejected a publish (backpressure)
//   - HandlerError: an event handler failed (never surfaces to publishers)
//   - NotFoundError: pipeline, checkpoint, or other resource not found
//
// Caller-visible failures are reported as a PipelineError, which always
// carries the failed stage, its retry count, and the stages completed before
// the failure.
//
// # Usage
//
//	err := errors.NewStageTimeoutError("render", 30*time.Second)
//	if errors.Is(err, errors.ErrTimeout) { ... }
//
//	var exhausted *errors.RetryExhaustedError
//	if errors.As(err, &exhausted) { ... }
//
//	if errors.IsRetryable(err) { ... }
package errors

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Re-export standard library functions for convenience.
// This allows callers to import only this package for all error handling.
var (
	Is     = errors.Is
	As     = errors.As
	Unwrap = errors.Unwrap
	New    = errors.New
	Join   = errors.Join
)

// Severity represents the severity level of an error.
type Severity int

const (
	// SeverityDebug is for errors that are useful for debugging but not critical.
	SeverityDebug Severity = iota
	// SeverityInfo is for informational errors that don't indicate a problem.
	SeverityInfo
	// SeverityWarning is for errors that might indicate a problem but aren't critical.
	SeverityWarning
	// SeverityError is for errors that indicate a real problem.
	SeverityError
	// SeverityCritical is for errors that require immediate attention.
	SeverityCritical
)

// String returns the string representation of the severity level.
func (s Severity) String() string {
	switch s {
	case SeverityDebug:
		return "debug"
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// -----------------------------------------------------------------------------
// Sentinel Errors
// -----------------------------------------------------------------------------

// Pipeline-related sentinel errors
var (
	// ErrPipelineNotFound indicates that no state exists for a pipeline ID.
	ErrPipelineNotFound = New("pipeline not found")
	// ErrPipelineRunning indicates that the pipeline already has an active run.
	ErrPipelineRunning = New("pipeline is already running")
	// ErrDependencyCycle indicates a circular dependency between stages.
	ErrDependencyCycle = New("dependency cycle detected")
	// ErrInvalidTransition indicates an illegal status transition.
	ErrInvalidTransition = New("invalid status transition")
	// ErrStageFailed indicates that a stage failed after all retries.
	ErrStageFailed = New("stage failed")
)

// Checkpoint-related sentinel errors
var (
	// ErrCheckpointNotFound indicates that a checkpoint could not be found.
	ErrCheckpointNotFound = New("checkpoint not found")
	// ErrCheckpointExpired indicates that a checkpoint is past its expiry.
	ErrCheckpointExpired = New("checkpoint expired")
	// ErrCheckpointCorrupted indicates that a checkpoint blob could not be decoded.
	ErrCheckpointCorrupted = New("checkpoint data corrupted")
)

// Event bus sentinel errors
var (
	// ErrQueueFull indicates that the event queue is at capacity.
	ErrQueueFull = New("event queue full")
	// ErrEventNotFound indicates that an event is in neither history nor the dead-letter queue.
	ErrEventNotFound = New("event not found")
	// ErrHandlerFailed indicates that an event handler returned an error or panicked.
	ErrHandlerFailed = New("event handler failed")
)

// General sentinel errors
var (
	// ErrTimeout indicates that an operation timed out.
	ErrTimeout = New("operation timed out")
	// ErrCanceled indicates that an operation was canceled.
	ErrCanceled = New("operation canceled")
	// ErrInvalidInput indicates that input validation failed.
	ErrInvalidInput = New("invalid input")
	// ErrAlreadyExists indicates that a resource is already registered.
	ErrAlreadyExists = New("already exists")
)

// -----------------------------------------------------------------------------
// Base Error Interface
// -----------------------------------------------------------------------------

// ConductorError is the base interface for all conductor errors.
// It extends the standard error interface with additional methods for
// error handling and classification.
type ConductorError interface {
	error

	// Unwrap returns the underlying error, if any.
	Unwrap() error

	// Is reports whether this error matches the target error.
	// This is used by errors.Is() for error comparison.
	Is(target error) bool

	// Severity returns the severity level of this error.
	Severity() Severity

	// IsRetryable returns true if the error is transient and the operation
	// may succeed on retry.
	IsRetryable() bool

	// IsUserFacing returns true if the error message is safe to display
	// to end users.
	IsUserFacing() bool
}

// -----------------------------------------------------------------------------
// Base Error Implementation
// -----------------------------------------------------------------------------

// baseError provides common functionality for all error types.
type baseError struct {
	message    string
	cause      error
	severity   Severity
	retryable  bool
	userFacing bool
}

// Error returns the error message.
func (e *baseError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.message, e.cause)
	}
	return e.message
}

// Unwrap returns the underlying error.
func (e *baseError) Unwrap() error {
	return e.cause
}

// Is checks if this error matches the target.
func (e *baseError) Is(target error) bool {
	if e.cause != nil {
		return errors.Is(e.cause, target)
	}
	return false
}

// Severity returns the error severity.
func (e *baseError) Severity() Severity {
	return e.severity
}

// IsRetryable returns whether the error is retryable.
func (e *baseError) IsRetryable() bool {
	return e.retryable
}

// IsUserFacing returns whether the error is safe to show users.
func (e *baseError) IsUserFacing() bool {
	return e.userFacing
}

// formatWithContext renders "prefix [k=v, ...]: message: cause".
func formatWithContext(prefix string, parts []string, message string, cause error) string {
	if len(parts) > 0 {
		prefix = fmt.Sprintf("%s [%s]", prefix, strings.Join(parts, ", "))
	}
	if cause != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, message, cause)
	}
	return fmt.Sprintf("%s: %s", prefix, message)
}

// -----------------------------------------------------------------------------
// Stage Errors
// -----------------------------------------------------------------------------

// StageExecutionError represents a stage processor that returned an error
// or panicked during one attempt.
//
// Example:
//
//	err := errors.NewStageExecutionError("render", cause).WithAttempt(2)
//	fmt.Println(err) // "stage execution error [stage=render, attempt=2]: processor failed: <cause>"
type StageExecutionError struct {
	baseError
	Stage   string
	Attempt int
}

// NewStageExecutionError creates a new StageExecutionError. It is
// retryable unless cause carries a conductor error that is not.
func NewStageExecutionError(stage string, cause error) *StageExecutionError {
	return &StageExecutionError{
		baseError: baseError{
			message:    "processor failed",
			cause:      cause,
			severity:   SeverityError,
			retryable:  retryableCause(cause),
			userFacing: true,
		},
		Stage:   stage,
		Attempt: -1,
	}
}

// WithAttempt records the zero-based attempt number.
func (e *StageExecutionError) WithAttempt(attempt int) *StageExecutionError {
	e.Attempt = attempt
	return e
}

// WithRetryable sets whether the error is retryable.
func (e *StageExecutionError) WithRetryable(r bool) *StageExecutionError {
	e.retryable = r
	return e
}

// Error returns the formatted error message.
func (e *StageExecutionError) Error() string {
	var parts []string
	if e.Stage != "" {
		parts = append(parts, fmt.Sprintf("stage=%s", e.Stage))
	}
	if e.Attempt >= 0 {
		parts = append(parts, fmt.Sprintf("attempt=%d", e.Attempt))
	}
	return formatWithContext("stage execution error", parts, e.message, e.cause)
}

// Is checks if this error matches the target.
func (e *StageExecutionError) Is(target error) bool {
	if _, ok := target.(*StageExecutionError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// StageTimeoutError represents a stage attempt that exceeded its deadline.
//
// Example:
//
//	err := errors.NewStageTimeoutError("render", time.Second)
//	fmt.Println(err) // "stage timeout error [stage=render]: timed out after 1s"
type StageTimeoutError struct {
	baseError
	Stage   string
	Timeout time.Duration
}

// NewStageTimeoutError creates a new StageTimeoutError.
func NewStageTimeoutError(stage string, timeout time.Duration) *StageTimeoutError {
	return &StageTimeoutError{
		baseError: baseError{
			message:    fmt.Sprintf("timed out after %s", timeout),
			severity:   SeverityWarning,
			retryable:  true, // Timeouts are generally retryable
			userFacing: true,
		},
		Stage:   stage,
		Timeout: timeout,
	}
}

// WithCause adds a cause to the error.
func (e *StageTimeoutError) WithCause(cause error) *StageTimeoutError {
	e.cause = cause
	return e
}

// Error returns the formatted error message.
func (e *StageTimeoutError) Error() string {
	var parts []string
	if e.Stage != "" {
		parts = append(parts, fmt.Sprintf("stage=%s", e.Stage))
	}
	return formatWithContext("stage timeout error", parts, e.message, e.cause)
}

// Is checks if this error matches the target.
func (e *StageTimeoutError) Is(target error) bool {
	if _, ok := target.(*StageTimeoutError); ok {
		return true
	}
	if target == ErrTimeout {
		return true
	}
	return e.baseError.Is(target)
}

// ValidationError represents invalid input or a malformed stage result.
//
// Example:
//
//	err := errors.NewValidationError("missing key \"files\"").WithStage("render").WithField("files")
type ValidationError struct {
	baseError
	Stage string
	Field string
	Value any
}

// NewValidationError creates a new ValidationError.
func NewValidationError(message string) *ValidationError {
	return &ValidationError{
		baseError: baseError{
			message:    message,
			severity:   SeverityWarning,
			retryable:  false,
			userFacing: true,
		},
	}
}

// WithStage adds the stage name to the error context.
func (e *ValidationError) WithStage(stage string) *ValidationError {
	e.Stage = stage
	return e
}

// WithField adds a field name to the error context.
func (e *ValidationError) WithField(field string) *ValidationError {
	e.Field = field
	return e
}

// WithValue adds the invalid value to the error context.
func (e *ValidationError) WithValue(value any) *ValidationError {
	e.Value = value
	return e
}

// WithCause adds a cause to the error.
func (e *ValidationError) WithCause(cause error) *ValidationError {
	e.cause = cause
	return e
}

// WithRetryable sets whether the error is retryable. Malformed stage
// results are retried; malformed configuration is not.
func (e *ValidationError) WithRetryable(r bool) *ValidationError {
	e.retryable = r
	return e
}

// Error returns the formatted error message.
func (e *ValidationError) Error() string {
	var parts []string
	if e.Stage != "" {
		parts = append(parts, fmt.Sprintf("stage=%s", e.Stage))
	}
	if e.Field != "" {
		parts = append(parts, fmt.Sprintf("field=%s", e.Field))
	}
	if e.Value != nil {
		parts = append(parts, fmt.Sprintf("value=%v", e.Value))
	}
	return formatWithContext("validation error", parts, e.message, e.cause)
}

// Is checks if this error matches the target.
func (e *ValidationError) Is(target error) bool {
	if _, ok := target.(*ValidationError); ok {
		return true
	}
	if target == ErrInvalidInput {
		return true
	}
	return e.baseError.Is(target)
}

// RetryExhaustedError is returned once a stage has failed on every allowed
// attempt. The cause is the error from the final attempt.
type RetryExhaustedError struct {
	baseError
	Stage      string
	Attempts   int
	RetryCount int
}

// NewRetryExhaustedError creates a new RetryExhaustedError. attempts is the
// total number of invocations; the retry count is attempts-1.
func NewRetryExhaustedError(stage string, attempts int, last error) *RetryExhaustedError {
	retries := attempts - 1
	if retries < 0 {
		retries = 0
	}
	return &RetryExhaustedError{
		baseError: baseError{
			message:    fmt.Sprintf("gave up after %d attempts", attempts),
			cause:      last,
			severity:   SeverityError,
			retryable:  false,
			userFacing: true,
		},
		Stage:      stage,
		Attempts:   attempts,
		RetryCount: retries,
	}
}

// Error returns the formatted error message.
func (e *RetryExhaustedError) Error() string {
	var parts []string
	if e.Stage != "" {
		parts = append(parts, fmt.Sprintf("stage=%s", e.Stage))
	}
	parts = append(parts, fmt.Sprintf("retries=%d", e.RetryCount))
	return formatWithContext("retry exhausted", parts, e.message, e.cause)
}

// Is checks if this error matches the target.
func (e *RetryExhaustedError) Is(target error) bool {
	if _, ok := target.(*RetryExhaustedError); ok {
		return true
	}
	if target == ErrStageFailed {
		return true
	}
	return e.baseError.Is(target)
}

// -----------------------------------------------------------------------------
// Infrastructure Errors
// -----------------------------------------------------------------------------

// CheckpointExpiredError is returned when a restore targets a checkpoint whose
// expiry has passed. Expired checkpoints are logically deleted.
type CheckpointExpiredError struct {
	baseError
	CheckpointID string
	ExpiredAt    time.Time
}

// NewCheckpointExpiredError creates a new CheckpointExpiredError.
func NewCheckpointExpiredError(checkpointID string, expiredAt time.Time) *CheckpointExpiredError {
	return &CheckpointExpiredError{
		baseError: baseError{
			message:    fmt.Sprintf("expired at %s", expiredAt.UTC().Format(time.RFC3339)),
			severity:   SeverityWarning,
			retryable:  false,
			userFacing: true,
		},
		CheckpointID: checkpointID,
		ExpiredAt:    expiredAt,
	}
}

// Error returns the formatted error message.
func (e *CheckpointExpiredError) Error() string {
	return fmt.Sprintf("checkpoint '%s' %s", e.CheckpointID, e.message)
}

// Is checks if this error matches the target.
func (e *CheckpointExpiredError) Is(target error) bool {
	if _, ok := target.(*CheckpointExpiredError); ok {
		return true
	}
	return target == ErrCheckpointExpired
}

// QueueFullError is the event bus backpressure signal.
type QueueFullError struct {
	baseError
	Capacity  int
	EventID   string
	EventType string
}

// NewQueueFullError creates a new QueueFullError.
func NewQueueFullError(capacity int, eventID, eventType string) *QueueFullError {
	return &QueueFullError{
		baseError: baseError{
			message:    fmt.Sprintf("queue at capacity (%d)", capacity),
			severity:   SeverityWarning,
			retryable:  true,
			userFacing: false,
		},
		Capacity:  capacity,
		EventID:   eventID,
		EventType: eventType,
	}
}

// Error returns the formatted error message.
func (e *QueueFullError) Error() string {
	var parts []string
	if e.EventType != "" {
		parts = append(parts, fmt.Sprintf("type=%s", e.EventType))
	}
	if e.EventID != "" {
		parts = append(parts, fmt.Sprintf("event=%s", e.EventID))
	}
	return formatWithContext("queue full", parts, e.message, e.cause)
}

// Is checks if this error matches the target.
func (e *QueueFullError) Is(target error) bool {
	if _, ok := target.(*QueueFullError); ok {
		return true
	}
	return target == ErrQueueFull
}

// HandlerError represents a failed event handler invocation. It is recorded
// by the bus and never returned to publishers.
type HandlerError struct {
	baseError
	Handler   string
	EventID   string
	EventType string
	Panicked  bool
}

// NewHandlerError creates a new HandlerError.
func NewHandlerError(handler, eventID, eventType string, cause error) *HandlerError {
	return &HandlerError{
		baseError: baseError{
			message:    "handler failed",
			cause:      cause,
			severity:   SeverityWarning,
			retryable:  true,
			userFacing: false,
		},
		Handler:   handler,
		EventID:   eventID,
		EventType: eventType,
	}
}

// WithPanic marks the failure as a recovered panic.
func (e *HandlerError) WithPanic() *HandlerError {
	e.Panicked = true
	e.message = "handler panicked"
	return e
}

// Error returns the formatted error message.
func (e *HandlerError) Error() string {
	var parts []string
	if e.Handler != "" {
		parts = append(parts, fmt.Sprintf("handler=%s", e.Handler))
	}
	if e.EventType != "" {
		parts = append(parts, fmt.Sprintf("type=%s", e.EventType))
	}
	return formatWithContext("handler error", parts, e.message, e.cause)
}

// Is checks if this error matches the target.
func (e *HandlerError) Is(target error) bool {
	if _, ok := target.(*HandlerError); ok {
		return true
	}
	if target == ErrHandlerFailed {
		return true
	}
	return e.baseError.Is(target)
}

// -----------------------------------------------------------------------------
// Semantic Errors
// -----------------------------------------------------------------------------

// NotFoundError represents a resource that could not be found.
//
// Example:
//
//	err := errors.NewNotFoundError("pipeline", "abc123")
//	fmt.Println(err) // "pipeline 'abc123' not found"
type NotFoundError struct {
	baseError
	ResourceType string
	ResourceID   string
	kind         error
}

// NewNotFoundError creates a new NotFoundError.
func NewNotFoundError(resourceType, resourceID string) *NotFoundError {
	return &NotFoundError{
		baseError: baseError{
			message:    fmt.Sprintf("%s '%s' not found", resourceType, resourceID),
			severity:   SeverityWarning,
			retryable:  false,
			userFacing: true,
		},
		ResourceType: resourceType,
		ResourceID:   resourceID,
	}
}

// PipelineNotFound returns a NotFoundError matching ErrPipelineNotFound.
func PipelineNotFound(pipelineID string) *NotFoundError {
	e := NewNotFoundError("pipeline", pipelineID)
	e.kind = ErrPipelineNotFound
	return e
}

// CheckpointNotFound returns a NotFoundError matching ErrCheckpointNotFound.
func CheckpointNotFound(checkpointID string) *NotFoundError {
	e := NewNotFoundError("checkpoint", checkpointID)
	e.kind = ErrCheckpointNotFound
	return e
}

// WithCause adds a cause to the error.
func (e *NotFoundError) WithCause(cause error) *NotFoundError {
	e.cause = cause
	return e
}

// Error returns the formatted error message.
func (e *NotFoundError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s '%s' not found: %v", e.ResourceType, e.ResourceID, e.cause)
	}
	return fmt.Sprintf("%s '%s' not found", e.ResourceType, e.ResourceID)
}

// Is checks if this error matches the target.
func (e *NotFoundError) Is(target error) bool {
	if _, ok := target.(*NotFoundError); ok {
		return true
	}
	if e.kind != nil && target == e.kind {
		return true
	}
	return e.baseError.Is(target)
}

// PipelineError is the caller-visible failure of a pipeline run. It always
// names the failed stage, the retry count attempted, and the stages that
// completed before the failure.
type PipelineError struct {
	baseError
	PipelineID      string
	Stage           string
	RetryCount      int
	CompletedStages []string
}

// NewPipelineError creates a new PipelineError.
func NewPipelineError(pipelineID, stage string, retryCount int, completed []string, cause error) *PipelineError {
	done := make([]string, len(completed))
	copy(done, completed)
	return &PipelineError{
		baseError: baseError{
			message:    "pipeline failed",
			cause:      cause,
			severity:   SeverityError,
			retryable:  false,
			userFacing: true,
		},
		PipelineID:      pipelineID,
		Stage:           stage,
		RetryCount:      retryCount,
		CompletedStages: done,
	}
}

// Error returns the formatted error message.
func (e *PipelineError) Error() string {
	var parts []string
	if e.PipelineID != "" {
		parts = append(parts, fmt.Sprintf("pipeline=%s", e.PipelineID))
	}
	if e.Stage != "" {
		parts = append(parts, fmt.Sprintf("stage=%s", e.Stage))
	}
	parts = append(parts, fmt.Sprintf("retries=%d", e.RetryCount))
	if len(e.CompletedStages) > 0 {
		parts = append(parts, fmt.Sprintf("completed=%s", strings.Join(e.CompletedStages, ",")))
	}
	return formatWithContext("pipeline error", parts, e.message, e.cause)
}

// Is checks if this error matches the target.
func (e *PipelineError) Is(target error) bool {
	if _, ok := target.(*PipelineError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// -----------------------------------------------------------------------------
// Error Classification Helpers
// -----------------------------------------------------------------------------

// IsRetryable returns true if the error represents a transient condition
// that may succeed on retry. This checks for:
//   - Errors implementing ConductorError with IsRetryable() returning true
//   - Errors wrapping ErrTimeout
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var conductorErr ConductorError
	if As(err, &conductorErr) {
		return conductorErr.IsRetryable()
	}

	return Is(err, ErrTimeout)
}

// retryableCause reports whether cause leaves a wrapping error retryable.
// Errors outside the taxonomy are assumed transient.
func retryableCause(cause error) bool {
	var conductorErr ConductorError
	if As(cause, &conductorErr) {
		return conductorErr.IsRetryable()
	}
	return true
}

// IsUserFacing returns true if the error message is safe to display to end users.
func IsUserFacing(err error) bool {
	if err == nil {
		return false
	}

	var conductorErr ConductorError
	if As(err, &conductorErr) {
		return conductorErr.IsUserFacing()
	}
	return false
}

// GetSeverity returns the severity level of the error.
// Returns SeverityError for errors that don't implement ConductorError.
func GetSeverity(err error) Severity {
	if err == nil {
		return SeverityDebug
	}

	var conductorErr ConductorError
	if As(err, &conductorErr) {
		return conductorErr.Severity()
	}

	return SeverityError
}

// IsStageError returns true if the error describes a failed stage attempt
// (execution, timeout, validation, or exhausted retries).
func IsStageError(err error) bool {
	if err == nil {
		return false
	}

	var execErr *StageExecutionError
	var timeoutErr *StageTimeoutError
	var validationErr *ValidationError
	var exhaustedErr *RetryExhaustedError

	return As(err, &execErr) || As(err, &timeoutErr) ||
		As(err, &validationErr) || As(err, &exhaustedErr)
}

// -----------------------------------------------------------------------------
// Convenience Constructors
// -----------------------------------------------------------------------------

// Wrap wraps an error with additional context message.
// Unlike fmt.Errorf with %w, this returns nil for a nil error.
//
// Example:
//
//	err := errors.Wrap(baseErr, "persist pipeline state")
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with a formatted context message.
//
// Example:
//
//	err := errors.Wrapf(baseErr, "restore checkpoint %s", checkpointID)
func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}
