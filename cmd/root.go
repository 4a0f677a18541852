package cmd

import (
	"errors"
	"wlmerge/pkg/logging"
	"wlmerge/pkg/merge"
	"wlmerge/pkg/version"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// Exit codes reported to automation. Interrupted runs are distinguishable
// from failures so callers know a checkpointed resume is possible.
const (
	ExitSuccess   = 0
	ExitFailure   = 1
	ExitResumable = 3
)

// rootLogger is the process logger handed down from main and shared by all
// subcommands.
var rootLogger *zap.Logger

// RootCmd is the base command when called without any subcommands.
var RootCmd = &cobra.Command{
	Use:   "wlmerge",
	Short: "wlmerge merges and deduplicates large wordlists",
	Long: `wlmerge merges many large wordlist and rule files into a single
deduplicated output. Files are streamed in bounded-size chunks, legacy
character encodings are detected and normalized to UTF-8, and progress is
checkpointed so an interrupted run can be resumed without losing work.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if debugLogging {
			if err := logging.Setup(true, "wlmerge", version.Get().Version); err != nil {
				return err
			}
			rootLogger = logging.Logger
		}
		return nil
	},
}

var debugLogging bool

func init() {
	RootCmd.PersistentFlags().BoolVar(&debugLogging, "debug", false, "Enable debug logging")
}

// Execute runs the root command and maps the outcome to an exit code.
func Execute(logger *zap.Logger) int {
	rootLogger = logger
	if err := RootCmd.Execute(); err != nil {
		if errors.Is(err, merge.ErrInterrupted) {
			logger.Warn("Run interrupted, progress checkpointed", zap.Error(err))
			return ExitResumable
		}
		logger.Error("wlmerge execution failed", zap.Error(err))
		return ExitFailure
	}
	return ExitSuccess
}
