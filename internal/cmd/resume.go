package cmd

import (
	"context"

	"github.com/spf13/cobra"
)

var resumeCmd = &cobra.Command{
	Use:   "resume <pipeline-id>",
	Short: "Resume a pipeline from its latest checkpoint",
	Long: `Restore a pipeline from its most recent checkpoint and run the stages
that had not completed. The definition must declare the same stages as the
original run; completed stages are not run again.`,
	Args: cobra.ExactArgs(1),
	RunE: runResume,
}

var (
	resumeFile string // Pipeline definition path
	resumeJSON bool   // Output as JSON
)

func init() {
	resumeCmd.Flags().StringVarP(&resumeFile, "file", "f", "", "pipeline definition (YAML or JSON)")
	resumeCmd.Flags().BoolVar(&resumeJSON, "json", false, "print the result as JSON")
	_ = resumeCmd.MarkFlagRequired("file")
	rootCmd.AddCommand(resumeCmd)
}

func runResume(cmd *cobra.Command, args []string) error {
	pipelineID := args[0]

	ex, err := prepareExecution(cmd, resumeFile, !resumeJSON)
	if err != nil {
		return err
	}
	defer ex.Close(context.WithoutCancel(cmd.Context()))

	ctx, stop := signalContext(cmd)
	defer stop()

	if !resumeJSON {
		ex.out.Line("Resuming %s", pipelineID)
	}

	res, err := ex.orch.ResumePipeline(ctx, pipelineID)
	return ex.finish(ctx, res, err, resumeJSON)
}
