// Package orchestrator runs pipelines of stage processors.
//
// An [Orchestrator] holds a set of stages with declared dependencies. Each
// run computes a level-ordered plan, executes the stages of a level either
// sequentially or, for consecutive parallel-eligible stages, concurrently,
// and merges each stage's output into the data visible to later stages.
//
// Stage attempts are bounded by a per-stage deadline and retried according
// to a [retry.Strategy]. Results are cached by a content key over the
// stage's input so identical work is not repeated. State, history, and
// checkpoints live in a [state.Manager]; a run interrupted at any point can
// be continued from its latest checkpoint with [Orchestrator.ResumePipeline],
// in this process or another.
//
// Basic usage:
//
//	bus := event.NewBus(event.DefaultConfig())
//	states := state.NewManager(state.DefaultConfig(), state.WithPublisher(bus))
//	orch := orchestrator.New(orchestrator.DefaultConfig(), states, bus)
//	_ = orch.AddStage(orchestrator.Stage{Name: "fetch", Processor: fetch})
//	_ = orch.AddStage(orchestrator.Stage{Name: "render", DependsOn: []string{"fetch"}, Processor: render})
//	result, err := orch.ExecutePipeline(ctx, input, orchestrator.ContextData{ProjectID: "site"})
package orchestrator
