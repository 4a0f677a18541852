// File: cmd/resume.go
package cmd

import (
	"fmt"

	"wlmerge/pkg/merge"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var resumeFlags struct {
	threads int
}

// resumeCmd continues an interrupted merge from its checkpoint file.
// Files recorded as done are skipped, the in-flight file is reopened at its
// recorded cursor, and the dedup index is rehydrated so previously written
// lines are not emitted again.
var resumeCmd = &cobra.Command{
	Use:   "resume <checkpoint>",
	Short: "Resume an interrupted merge from a checkpoint file",
	Long: `Resume restores the progress state saved by an interrupted merge run.
A corrupt or version-incompatible checkpoint fails fast; discard the
checkpoint and rerun the merge from scratch if that happens.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		checkpointPath := args[0]
		rootLogger.Info("Resuming from checkpoint", zap.String("checkpoint", checkpointPath))

		runner, err := merge.NewRunnerFromCheckpoint(checkpointPath, rootLogger)
		if err != nil {
			return fmt.Errorf("cannot resume from %s: %w", checkpointPath, err)
		}
		if cmd.Flags().Changed("threads") {
			runner.SetThreads(resumeFlags.threads)
		}
		return runMerge(runner)
	},
}

func init() {
	resumeCmd.Flags().IntVarP(&resumeFlags.threads, "threads", "t", 0, "Override the recorded worker count")

	RootCmd.AddCommand(resumeCmd)
}
