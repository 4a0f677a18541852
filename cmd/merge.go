// File: cmd/merge.go
package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"wlmerge/pkg/config"
	"wlmerge/pkg/merge"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var mergeFlags struct {
	configPath      string
	manifest        string
	output          string
	checkpoint      string
	threads         int
	chunkSize       int
	readBuffer      int
	writeBuffer     int
	maxIndexEntries int
	savePartial     bool
}

// mergeCmd runs a fresh merge over the files listed in the input manifest.
var mergeCmd = &cobra.Command{
	Use:   "merge",
	Short: "Merge and deduplicate the files listed in a manifest",
	Long: `Merge reads a manifest (one file path per line), streams every listed
file in bounded-size chunks, deduplicates lines across all files, and commits
a single UTF-8 output via an atomic rename.

Exit status: 0 on full success, 3 if interrupted but checkpointed (resumable),
1 on failure.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		opts, err := buildMergeOptions(cmd)
		if err != nil {
			return err
		}

		runner := merge.NewRunner(*opts, rootLogger)
		return runMerge(runner)
	},
}

// buildMergeOptions layers command-line flags over an optional JSON config
// file. A flag the operator set explicitly always wins over the config value.
func buildMergeOptions(cmd *cobra.Command) (*merge.Options, error) {
	opts := merge.DefaultOptions()

	if mergeFlags.configPath != "" {
		cfg, err := config.Load(mergeFlags.configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load config %s: %w", mergeFlags.configPath, err)
		}
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("invalid config %s: %w", mergeFlags.configPath, err)
		}
		cfg.Apply(&opts)
		rootLogger.Debug("Loaded configuration file", zap.String("path", mergeFlags.configPath))
	}

	set := cmd.Flags().Changed
	if set("input") || opts.ManifestPath == "" {
		opts.ManifestPath = mergeFlags.manifest
	}
	if set("output") || opts.OutputPath == "" {
		opts.OutputPath = mergeFlags.output
	}
	if set("checkpoint") || opts.CheckpointPath == "" {
		opts.CheckpointPath = mergeFlags.checkpoint
	}
	if set("threads") {
		opts.Threads = mergeFlags.threads
	}
	if set("chunk-size") {
		opts.ChunkSize = mergeFlags.chunkSize
	}
	if set("read-buffer") {
		opts.ReadBuffer = mergeFlags.readBuffer
	}
	if set("write-buffer") {
		opts.WriteBuffer = mergeFlags.writeBuffer
	}
	if set("max-index-entries") {
		opts.MaxIndexEntries = mergeFlags.maxIndexEntries
	}
	if set("save-partial") {
		opts.SavePartial = mergeFlags.savePartial
	}

	if opts.ManifestPath == "" {
		return nil, fmt.Errorf("an input manifest is required (--input or config file)")
	}
	if opts.OutputPath == "" {
		return nil, fmt.Errorf("an output path is required (--output or config file)")
	}
	return &opts, nil
}

// runMerge drives a runner under cooperative signal handling: the first
// interrupt cancels the run so workers stop at chunk boundaries and a final
// checkpoint is taken; a second interrupt terminates immediately.
func runMerge(runner *merge.Runner) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	go func() {
		sig, ok := <-sigCh
		if !ok {
			return
		}
		rootLogger.Warn("Received interrupt, finishing current chunks", zap.String("signal", sig.String()))
		cancel()
		sig = <-sigCh
		rootLogger.Error("Received second interrupt, terminating immediately", zap.String("signal", sig.String()))
		os.Exit(ExitFailure)
	}()

	summary, err := runner.Run(ctx)
	if summary != nil {
		printSummary(summary)
	}
	return err
}

const fmtRound = 10 * time.Millisecond

func printSummary(s *merge.Summary) {
	fmt.Printf("Files processed: %d\n", s.FilesProcessed)
	fmt.Printf("Lines scanned:   %d\n", s.LinesScanned)
	fmt.Printf("Unique written:  %d\n", s.UniqueWritten)
	fmt.Printf("Elapsed:         %s\n", s.Elapsed.Round(fmtRound))
	if s.DecodeWarnings > 0 {
		fmt.Printf("Decode warnings: %d\n", s.DecodeWarnings)
	}
	encodings := make([]string, 0, len(s.EncodingCounts))
	for enc := range s.EncodingCounts {
		if enc != "UTF-8" {
			encodings = append(encodings, enc)
		}
	}
	sort.Strings(encodings)
	for _, enc := range encodings {
		fmt.Printf("Files in %s:  %d\n", enc, s.EncodingCounts[enc])
	}
	for _, sk := range s.SkippedFiles {
		fmt.Printf("Skipped: %s (%s)\n", sk.Path, sk.Reason)
	}
}

func init() {
	f := mergeCmd.Flags()
	f.StringVarP(&mergeFlags.manifest, "input", "i", "", "Manifest file listing input paths, one per line")
	f.StringVarP(&mergeFlags.output, "output", "o", "", "Destination path for the merged output")
	f.StringVarP(&mergeFlags.configPath, "config", "c", "", "Optional JSON configuration file")
	f.StringVar(&mergeFlags.checkpoint, "checkpoint", "", "Checkpoint file path (enables resume)")
	f.IntVarP(&mergeFlags.threads, "threads", "t", 0, "Worker count (default: CPU cores + 2)")
	f.IntVar(&mergeFlags.chunkSize, "chunk-size", 0, "Read chunk size in bytes (default 10MB)")
	f.IntVar(&mergeFlags.readBuffer, "read-buffer", 0, "Read buffer size in bytes (default 32MB)")
	f.IntVar(&mergeFlags.writeBuffer, "write-buffer", 0, "Write buffer size in bytes (default 16MB)")
	f.IntVar(&mergeFlags.maxIndexEntries, "max-index-entries", 0, "Dedup index entry ceiling (0 = unlimited)")
	f.BoolVar(&mergeFlags.savePartial, "save-partial", true, "Commit partial results when interrupted")

	RootCmd.AddCommand(mergeCmd)
}
