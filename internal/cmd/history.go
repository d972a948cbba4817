package cmd

import (
	"context"
	"encoding/json"

	"github.com/spf13/cobra"
)

var historyCmd = &cobra.Command{
	Use:   "history <pipeline-id>",
	Short: "Show the state history of a pipeline",
	Long:  `Show every recorded stage transition of a pipeline in order.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runHistory,
}

var (
	historyJSON bool // Output as JSON
)

func init() {
	historyCmd.Flags().BoolVar(&historyJSON, "json", false, "Output history as JSON")
	rootCmd.AddCommand(historyCmd)
}

func runHistory(cmd *cobra.Command, args []string) error {
	rt, err := openStates(cmd)
	if err != nil {
		return err
	}
	defer rt.Close(context.WithoutCancel(cmd.Context()))

	snaps, err := rt.states.GetPipelineHistory(cmd.Context(), args[0])
	if err != nil {
		return err
	}

	p := newPrinter(cmd)
	if historyJSON {
		enc := json.NewEncoder(p.w)
		enc.SetIndent("", "  ")
		return enc.Encode(snaps)
	}

	if len(snaps) == 0 {
		p.Line("No history for %s", args[0])
		return nil
	}
	p.Header("history")
	for _, s := range snaps {
		stage := s.Stage
		if stage == "" {
			stage = "-"
		}
		p.Line("%s  %-20s %s", formatTime(s.Timestamp), stage, p.Status(string(s.StageStatus)))
	}
	return nil
}
