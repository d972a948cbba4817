package cmd

import (
	"context"

	"github.com/spf13/cobra"
)

var checkpointsCmd = &cobra.Command{
	Use:   "checkpoints <pipeline-id>",
	Short: "List the checkpoints of a pipeline",
	Long: `List a pipeline's restorable checkpoints, oldest first. Resume always
starts from the newest one; expired checkpoints are not listed.`,
	Args: cobra.ExactArgs(1),
	RunE: runCheckpoints,
}

func init() {
	rootCmd.AddCommand(checkpointsCmd)
}

func runCheckpoints(cmd *cobra.Command, args []string) error {
	rt, err := openStates(cmd)
	if err != nil {
		return err
	}
	defer rt.Close(context.WithoutCancel(cmd.Context()))

	cps, err := rt.states.GetCheckpoints(cmd.Context(), args[0])
	if err != nil {
		return err
	}

	p := newPrinter(cmd)
	if len(cps) == 0 {
		p.Line("No checkpoints for %s", args[0])
		return nil
	}

	p.Header("checkpoints")
	for _, cp := range cps {
		state := "resumable"
		if !cp.CanResume {
			state = "not resumable"
		}
		expires := "never"
		if cp.ExpiresAt != nil {
			expires = formatTime(*cp.ExpiresAt)
		}
		p.Line("%s  after %-16s %s  expires %s  (%s)",
			cp.ID, cp.Stage, formatTime(cp.CreatedAt), expires, state)
	}
	return nil
}
