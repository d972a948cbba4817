package cmd

import (
	"context"

	"github.com/spf13/cobra"
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup <pipeline-id>...",
	Short: "Delete the recorded state of pipelines",
	Long: `Delete the state, history and checkpoints of one or more pipelines.
Cleaned pipelines can no longer be resumed.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runCleanup,
}

func init() {
	rootCmd.AddCommand(cleanupCmd)
}

func runCleanup(cmd *cobra.Command, args []string) error {
	rt, err := openStates(cmd)
	if err != nil {
		return err
	}
	defer rt.Close(context.WithoutCancel(cmd.Context()))

	p := newPrinter(cmd)
	for _, id := range args {
		if err := rt.states.CleanupPipeline(cmd.Context(), id); err != nil {
			return err
		}
		p.Success("cleaned up %s", id)
	}
	return nil
}
