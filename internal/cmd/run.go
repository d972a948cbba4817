package cmd

import (
	"context"

	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Execute a pipeline definition",
	Long: `Execute every stage of a pipeline definition in dependency order.

Each stage runs its command with the accumulated pipeline data as a JSON
object on stdin and must print a JSON object on stdout, which is merged into
the data passed to later stages.

A failed or interrupted run keeps its checkpoints; continue it with
'conductor resume <pipeline-id> -f <definition>'.`,
	Args: cobra.NoArgs,
	RunE: runRun,
}

var (
	runFile  string // Pipeline definition path
	runInput string // Initial input JSON path
	runID    string // Explicit pipeline id
	runJSON  bool   // Output as JSON
)

func init() {
	runCmd.Flags().StringVarP(&runFile, "file", "f", "", "pipeline definition (YAML or JSON)")
	runCmd.Flags().StringVar(&runInput, "input", "", "JSON file holding the initial pipeline input")
	runCmd.Flags().StringVar(&runID, "id", "", "pipeline id (generated when empty)")
	runCmd.Flags().BoolVar(&runJSON, "json", false, "print the result as JSON")
	_ = runCmd.MarkFlagRequired("file")
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	input, err := readInput(runInput)
	if err != nil {
		return err
	}

	ex, err := prepareExecution(cmd, runFile, !runJSON)
	if err != nil {
		return err
	}
	defer ex.Close(context.WithoutCancel(cmd.Context()))

	ctx, stop := signalContext(cmd)
	defer stop()

	if !runJSON {
		name := ex.def.Name
		if name == "" {
			name = runFile
		}
		ex.out.Line("Running %s (%d stages)", name, len(ex.def.Stages))
	}

	res, err := ex.orch.ExecutePipeline(ctx, input, ex.def.ContextData(runID))
	return ex.finish(ctx, res, err, runJSON)
}
