// File: cmd/genconfig.go
package cmd

import (
	"fmt"
	"os"

	"wlmerge/pkg/config"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/term"
)

var genConfigFlags struct {
	interactive bool
}

// genConfigCmd writes a JSON configuration file, either as a template of
// defaults or by prompting the operator interactively.
var genConfigCmd = &cobra.Command{
	Use:   "generate-config <path>",
	Short: "Write a JSON configuration file for the merge command",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		outPath := args[0]

		var cfg *config.Config
		if genConfigFlags.interactive {
			if !term.IsTerminal(int(os.Stdin.Fd())) {
				return fmt.Errorf("interactive setup requires a terminal on stdin")
			}
			var err error
			cfg, err = config.Interactive(os.Stdin, os.Stdout)
			if err != nil {
				return fmt.Errorf("interactive setup failed: %w", err)
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
		} else {
			cfg = config.Template()
		}

		if err := cfg.Save(outPath); err != nil {
			return fmt.Errorf("failed to write config: %w", err)
		}
		rootLogger.Info("Wrote configuration file", zap.String("path", outPath))
		fmt.Printf("Configuration written to %s\n", outPath)
		return nil
	},
}

func init() {
	genConfigCmd.Flags().BoolVar(&genConfigFlags.interactive, "interactive", false, "Prompt for values instead of writing the template")

	RootCmd.AddCommand(genConfigCmd)
}
