package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/conductor/internal/config"
)

var statusCmd = &cobra.Command{
	Use:   "status <pipeline-id>",
	Short: "Show the status of a pipeline",
	Long:  `Display the recorded status, progress and timing of a pipeline.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runStatus,
}

var (
	statusJSON bool // Output as JSON
)

func init() {
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "Output status as JSON")
	rootCmd.AddCommand(statusCmd)
}

// openStates wires a runtime without the event bus for commands that only
// read or clean up recorded state.
func openStates(cmd *cobra.Command) (*runtime, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	return newRuntime(cmd.Context(), cfg, false)
}

func runStatus(cmd *cobra.Command, args []string) error {
	rt, err := openStates(cmd)
	if err != nil {
		return err
	}
	defer rt.Close(context.WithoutCancel(cmd.Context()))

	st, err := rt.Orchestrator().GetPipelineStatus(cmd.Context(), args[0])
	if err != nil {
		return err
	}

	p := newPrinter(cmd)
	if statusJSON {
		enc := json.NewEncoder(p.w)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]any{
			"pipeline_id":      st.PipelineID,
			"status":           st.Status,
			"current_stage":    st.CurrentStage,
			"completed_stages": st.CompletedStages,
			"success_rate":     st.SuccessRate,
			"elapsed_ms":       st.Elapsed.Milliseconds(),
			"updated_at":       st.UpdatedAt,
		})
	}

	p.Header("pipeline status")
	p.Field("Pipeline", st.PipelineID)
	p.Field("Status", p.Status(string(st.Status)))
	if st.CurrentStage != "" {
		p.Field("Current stage", st.CurrentStage)
	}
	completed := "-"
	if len(st.CompletedStages) > 0 {
		completed = strings.Join(st.CompletedStages, ", ")
	}
	p.Field("Completed", completed)
	p.Field("Success rate", fmt.Sprintf("%.0f%%", st.SuccessRate*100))
	p.Field("Elapsed", formatDuration(st.Elapsed))
	p.Field("Updated", formatTime(st.UpdatedAt))
	return nil
}
