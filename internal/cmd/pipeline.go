package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Iron-Ham/conductor/internal/config"
	"github.com/Iron-Ham/conductor/internal/definition"
	"github.com/Iron-Ham/conductor/internal/event"
	"github.com/Iron-Ham/conductor/internal/orchestrator"
)

// execution is a runtime with a definition registered on a fresh
// orchestrator, ready to execute or resume.
type execution struct {
	rt   *runtime
	orch *orchestrator.Orchestrator
	def  *definition.File
	out  *printer
}

// prepareExecution loads the config and the definition, then wires the
// runtime. With progress set, stage transitions are printed as they happen.
// The caller must call Close.
func prepareExecution(cmd *cobra.Command, file string, progress bool) (*execution, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	def, err := definition.LoadFile(file)
	if err != nil {
		return nil, err
	}

	rt, err := newRuntime(cmd.Context(), cfg, true)
	if err != nil {
		return nil, err
	}

	orch := rt.Orchestrator()
	if err := def.Register(orch, rt.pool, rt.logger); err != nil {
		rt.Close(cmd.Context())
		return nil, fmt.Errorf("failed to register stages: %w", err)
	}

	ex := &execution{rt: rt, orch: orch, def: def, out: newPrinter(cmd)}
	ex.watchConfig()
	if progress {
		if err := ex.followProgress(); err != nil {
			rt.Close(cmd.Context())
			return nil, err
		}
	}
	return ex, nil
}

func (ex *execution) Close(ctx context.Context) {
	ex.rt.Close(ctx)
}

// watchConfig applies log level edits to the running process.
func (ex *execution) watchConfig() {
	if viper.ConfigFileUsed() == "" {
		return
	}
	logger := ex.rt.logger
	config.Watch(func(cfg *config.Config) {
		if cfg.Logging.Level != logger.Level() {
			logger.Info("log level changed", "from", logger.Level(), "to", cfg.Logging.Level)
			logger.SetLevel(cfg.Logging.Level)
		}
	}, func(err error) {
		logger.Warn("ignoring invalid config change", "error", err)
	})
}

// followProgress prints stage transitions as the bus delivers them.
func (ex *execution) followProgress() error {
	out := ex.out
	return ex.rt.bus.Subscribe(event.Handler{
		Name:  "cli-progress",
		Types: []string{"stage.*"},
		Fn: func(_ context.Context, e event.Event) error {
			stage, _ := e.Data["stage"].(string)
			switch e.Type {
			case event.TypeStageCompleted:
				if cached, _ := e.Data["cached"].(bool); cached {
					out.Success("%s (cached)", stage)
					return nil
				}
				out.Success("%s (%.0fms)", stage, e.Data["execution_time_ms"])
			case event.TypeStageRetrying:
				out.Warn("%s attempt %v failed, retrying in %.0fms: %v",
					stage, e.Data["attempt"], e.Data["delay_ms"], e.Data["error"])
			case event.TypeStageFailed:
				out.Fail("%s: %v", stage, e.Data["error"])
			}
			return nil
		},
	})
}

// signalContext cancels on SIGINT or SIGTERM so the current stage is
// abandoned and the pipeline is left resumable.
func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
}

// finish waits for queued progress output, then prints the result.
func (ex *execution) finish(ctx context.Context, res *orchestrator.Result, runErr error, asJSON bool) error {
	_ = ex.rt.bus.WaitIdle(context.WithoutCancel(ctx))

	if res == nil {
		return runErr
	}
	if asJSON {
		if err := printResultJSON(ex.out, res); err != nil {
			return err
		}
	} else {
		printResultText(ex.out, res)
	}
	return runErr
}

func printResultText(p *printer, res *orchestrator.Result) {
	p.Header("pipeline result")
	p.Field("Pipeline", res.PipelineID)
	p.Field("Status", p.Status(string(res.Status)))
	if res.Resumed {
		p.Field("Resumed", "yes")
	}
	p.Field("Completed stages", len(res.CompletedStages))
	if res.FailedStage != "" {
		p.Field("Failed stage", res.FailedStage)
	}

	rep := res.Report
	p.Field("Total time", formatDuration(rep.TotalTime))
	p.Field("Success rate", fmt.Sprintf("%.0f%%", rep.SuccessRate*100))
	p.Field("Retries", rep.TotalRetries)
	if rep.CacheHits+rep.CacheMisses > 0 {
		p.Field("Cache hit rate", fmt.Sprintf("%.0f%% (%d/%d)", rep.CacheHitRate*100, rep.CacheHits, rep.CacheHits+rep.CacheMisses))
	}
	if rep.Bottleneck != "" {
		p.Field("Bottleneck", fmt.Sprintf("%s (%s)", rep.Bottleneck, formatDuration(rep.BottleneckTime)))
	}

	if len(res.StageResults) > 0 {
		p.Header("stages")
		for _, sr := range res.StageResults {
			status := string(sr.Status())
			line := fmt.Sprintf("%-20s %s  %s", sr.Stage, p.Status(status), formatDuration(sr.ExecutionTime))
			if sr.RetryCount > 0 {
				line += fmt.Sprintf("  retries=%d", sr.RetryCount)
			}
			p.Line("%s", line)
		}
	}

	if res.Error != "" {
		fmt.Fprintln(p.w)
		p.Fail("%s", res.Error)
	}
	if !res.Success {
		fmt.Fprintln(p.w)
		p.Line("Resume with: conductor resume %s -f <definition>", res.PipelineID)
	}
}

func printResultJSON(p *printer, res *orchestrator.Result) error {
	payload := map[string]any{
		"pipeline_id":      res.PipelineID,
		"success":          res.Success,
		"status":           res.Status,
		"resumed":          res.Resumed,
		"completed_stages": res.CompletedStages,
		"failed_stage":     res.FailedStage,
		"error":            res.Error,
		"data":             res.Data,
		"stage_results":    res.StageResults,
		"report":           res.Report.Map(),
	}
	enc := json.NewEncoder(p.w)
	enc.SetIndent("", "  ")
	return enc.Encode(payload)
}

// readInput decodes the initial pipeline input from a JSON file. An empty
// path yields an empty input.
func readInput(path string) (map[string]any, error) {
	if path == "" {
		return map[string]any{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read input: %w", err)
	}
	var input map[string]any
	if err := json.Unmarshal(data, &input); err != nil {
		return nil, fmt.Errorf("input must be a JSON object: %w", err)
	}
	if input == nil {
		input = map[string]any{}
	}
	return input, nil
}
