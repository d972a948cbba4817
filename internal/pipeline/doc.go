// Package pipeline defines the stage contract and the data model shared by
// the orchestrator, the state manager, and the storage backends.
//
// # Data Model
//
// A run is identified by a [PipelineContext], which is immutable once
// created. Each stage attempt that finishes produces a [StageResult]; results
// are values and a retry supersedes the previous result rather than mutating
// it. [PipelineState] is the authoritative record for one pipeline and is
// owned by the state manager. [StateSnapshot] entries form an append-only
// history, and a [Checkpoint] is an expiring, restorable copy of the state.
//
// # Status Machines
//
// [PipelineStatus] and [StageStatus] are finite-state machines with validated
// transition tables. Illegal moves return an error wrapping
// errors.ErrInvalidTransition:
//
//	next, err := pipeline.StatusPending.Transition(pipeline.StatusRunning)
//
// # Stage Contract
//
// Every stage implements [Processor]. The deadline travels on the context.
// Synchronous, context-unaware work is adapted exactly once through
// [Blocking], which dispatches onto a bounded [WorkerPool]:
//
//	pool := pipeline.NewWorkerPool(4)
//	proc := pipeline.Blocking(func(in map[string]any) (map[string]any, error) {
//	    return render(in)
//	}, pool)
//
// Work that honours its context, such as a child process started with
// exec.CommandContext, shares the same pool through [Pooled] and is
// stopped rather than abandoned when the deadline passes.
//
// Failures are classified into an [Outcome] (Ok, Retryable, Fatal) by
// [Classify]. A processor forces a non-retryable failure by returning
// [Permanent](err).
package pipeline
