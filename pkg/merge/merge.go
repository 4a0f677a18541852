// Package merge implements the streaming merge-dedup-resume engine: many
// large text files are merged into one deduplicated UTF-8 output under
// bounded memory, with crash-safe checkpointing and an atomic final commit.
package merge

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Options configures a merge run. Zero values select the documented
// defaults.
type Options struct {
	ManifestPath       string        // file listing input paths, one per line
	OutputPath         string        // final destination for the merged output
	CheckpointPath     string        // empty disables checkpointing
	CheckpointInterval time.Duration // periodic snapshot cadence
	Threads            int           // worker count
	ChunkSize          int           // bytes per read chunk
	ReadBuffer         int           // read buffer bytes
	WriteBuffer        int           // write buffer bytes
	MaxIndexEntries    int           // dedup index ceiling, 0 = unlimited
	SavePartial        bool          // commit staged output when interrupted
}

// DefaultOptions returns the documented defaults. The worker count adds a
// small constant over the CPU count so I/O-bound reads stay overlapped
// with decode and hash work.
func DefaultOptions() Options {
	return Options{
		Threads:            runtime.NumCPU() + 2,
		ChunkSize:          DefaultChunkSize,
		ReadBuffer:         DefaultReadBuffer,
		WriteBuffer:        DefaultWriteBuffer,
		CheckpointInterval: DefaultCheckpointInterval,
		SavePartial:        true,
	}
}

func (o *Options) normalize() {
	if o.Threads <= 0 {
		o.Threads = runtime.NumCPU() + 2
	}
	if o.ChunkSize <= 0 {
		o.ChunkSize = DefaultChunkSize
	}
	if o.ReadBuffer <= 0 {
		o.ReadBuffer = DefaultReadBuffer
	}
	if o.WriteBuffer <= 0 {
		o.WriteBuffer = DefaultWriteBuffer
	}
	if o.CheckpointInterval <= 0 {
		o.CheckpointInterval = DefaultCheckpointInterval
	}
}

// fileState is the in-memory processing state of one input file. It is
// owned by the worker currently processing it; every mutation happens while
// holding the read side of the runner's snapshot gate, so checkpoint
// snapshots (which hold the write side) always observe chunk-boundary
// state.
type fileState struct {
	path     string
	size     int64
	scheme   Scheme
	detected bool
	cursor   int64
	done     bool
}

// Runner drives one merge run (fresh or resumed) to completion.
type Runner struct {
	opts     Options
	logger   *zap.Logger
	restored *ProgressState

	// gate serializes chunk processing against checkpoint snapshots.
	// Workers hold the read side for the duration of one chunk; snapshots
	// take the write side, flush the writer, and read a consistent state.
	gate   sync.RWMutex
	files  []*fileState
	index  *Index
	writer *OutputWriter
	ckpt   *CheckpointManager
	stats  *runStats
}

// NewRunner creates a runner for a fresh merge.
func NewRunner(opts Options, logger *zap.Logger) *Runner {
	opts.normalize()
	return &Runner{opts: opts, logger: logger}
}

// NewRunnerFromCheckpoint creates a runner resuming a previous run. The
// checkpoint is loaded and validated up front so an incompatible or corrupt
// file fails fast.
func NewRunnerFromCheckpoint(checkpointPath string, logger *zap.Logger) (*Runner, error) {
	state, err := LoadProgressState(checkpointPath)
	if err != nil {
		return nil, err
	}

	opts := Options{
		ManifestPath:   state.ManifestPath,
		OutputPath:     state.OutputPath,
		CheckpointPath: checkpointPath,
		Threads:        state.Threads,
		ChunkSize:      state.ChunkSize,
		ReadBuffer:     state.ReadBuffer,
		WriteBuffer:    state.WriteBuffer,
		SavePartial:    state.SavePartial,
	}
	opts.normalize()
	return &Runner{opts: opts, logger: logger, restored: state}, nil
}

// SetThreads overrides the worker count, e.g. when resuming on different
// hardware.
func (r *Runner) SetThreads(n int) {
	if n > 0 {
		r.opts.Threads = n
	}
}

// Run executes the merge until completion, fatal error, or cancellation of
// ctx. On cooperative cancellation it takes a final checkpoint snapshot and
// returns ErrInterrupted; the summary is returned in every case.
func (r *Runner) Run(ctx context.Context) (*Summary, error) {
	var startedAt time.Time
	if r.restored != nil {
		startedAt = r.restored.StartedAt
	}
	r.stats = newRunStats(startedAt)

	if err := r.setup(); err != nil {
		return nil, err
	}

	var pending []*fileState
	for _, fs := range r.files {
		if !fs.done {
			pending = append(pending, fs)
		} else {
			r.stats.filesProcessed.Add(1)
		}
	}
	r.logger.Info("Starting merge",
		zap.Int("files", len(pending)),
		zap.Int("workers", r.opts.Threads),
		zap.Int64("indexEntries", r.index.Len()))

	// Periodic checkpointing runs until the workers are done.
	var ckptWG sync.WaitGroup
	ckptCtx, stopCkpt := context.WithCancel(context.Background())
	if r.ckpt != nil {
		ckptWG.Add(1)
		go func() {
			defer ckptWG.Done()
			r.ckpt.Run(ckptCtx, r.snapshot)
		}()
	}

	poolErr := r.runWorkers(ctx, pending)
	stopCkpt()
	ckptWG.Wait()

	interrupted := poolErr == nil && ctx.Err() != nil
	switch {
	case poolErr != nil:
		return r.finishFailed(poolErr)
	case interrupted:
		return r.finishInterrupted()
	default:
		return r.finishSuccess()
	}
}

// setup resolves the file list and builds the index, writer, and
// checkpoint manager for either a fresh or a resumed run.
func (r *Runner) setup() error {
	if r.restored != nil {
		if err := r.setupResumed(); err != nil {
			return err
		}
	} else {
		if err := r.setupFresh(); err != nil {
			return err
		}
	}

	if r.opts.CheckpointPath != "" {
		r.ckpt = NewCheckpointManager(r.opts.CheckpointPath, r.opts.CheckpointInterval, r.logger)
	}
	return nil
}

func (r *Runner) setupFresh() error {
	paths, err := readManifest(r.opts.ManifestPath)
	if err != nil {
		return fmt.Errorf("failed to read input manifest: %w", err)
	}
	if len(paths) == 0 {
		return fmt.Errorf("input manifest %s lists no files", r.opts.ManifestPath)
	}

	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			r.stats.recordSkip(p, err.Error())
			r.logger.Warn("Skipping unreadable input", zap.String("path", p), zap.Error(err))
			continue
		}
		r.files = append(r.files, &fileState{path: p, size: info.Size()})
	}
	if len(r.files) == 0 {
		return fmt.Errorf("no readable input files remain after filtering")
	}

	// Largest files first: the big inputs dominate the run, so starting
	// them early keeps the worker pool saturated to the end.
	sort.Slice(r.files, func(i, j int) bool { return r.files[i].size > r.files[j].size })

	r.index = NewIndex(r.opts.MaxIndexEntries)

	w, err := NewOutputWriter(r.opts.OutputPath, r.opts.WriteBuffer, r.logger)
	if err != nil {
		return err
	}
	r.writer = w
	return nil
}

func (r *Runner) setupResumed() error {
	state := r.restored
	for _, fp := range state.Files {
		fs := &fileState{path: fp.Path, size: fp.Size, cursor: fp.Cursor, done: fp.Done}
		if fp.Encoding != "" {
			scheme, err := ParseScheme(fp.Encoding)
			if err != nil {
				return fmt.Errorf("%w: %v", ErrCheckpointCorrupt, err)
			}
			fs.scheme = scheme
			fs.detected = true
		}
		if !fp.Done {
			info, err := os.Stat(fp.Path)
			switch {
			case err != nil:
				r.stats.recordSkip(fp.Path, err.Error())
				r.logger.Warn("Skipping unreadable input on resume", zap.String("path", fp.Path), zap.Error(err))
				fs.done = true
			case info.Size() < fp.Cursor:
				return fmt.Errorf("input file %s shrank below its recorded cursor (%d < %d); discard the checkpoint and rerun",
					fp.Path, info.Size(), fp.Cursor)
			}
		}
		r.files = append(r.files, fs)
	}

	index, err := RestoreIndex(state.Fingerprints, r.opts.MaxIndexEntries)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCheckpointCorrupt, err)
	}
	r.index = index
	r.stats.linesScanned.Store(state.LinesScanned)

	// Reattach the staged output. A partial commit moved it to the final
	// path on interruption; move it back before continuing.
	staging := StagingPath(r.opts.OutputPath)
	if _, err := os.Stat(staging); err != nil {
		if !os.IsNotExist(err) {
			return err
		}
		switch {
		case state.PartialCommitted:
			if err := os.Rename(r.opts.OutputPath, staging); err != nil {
				return fmt.Errorf("failed to reattach partial output: %w", err)
			}
		case state.StagedBytes > 0:
			return fmt.Errorf("staging file %s is missing but the checkpoint recorded %d staged bytes; discard the checkpoint and rerun",
				staging, state.StagedBytes)
		}
	}

	w, err := ResumeOutputWriter(r.opts.OutputPath, r.opts.WriteBuffer, state.StagedBytes, r.logger)
	if err != nil {
		return err
	}
	r.writer = w
	return nil
}

// snapshot captures a consistent ProgressState: it excludes all workers at
// a chunk boundary, drains and flushes the writer, then reads cursors and
// the fingerprint set. The persisted index therefore corresponds exactly to
// the durable staging content.
func (r *Runner) snapshot() (*ProgressState, error) {
	r.gate.Lock()
	defer r.gate.Unlock()

	if err := r.writer.Flush(); err != nil {
		return nil, err
	}

	files := make([]FileProgress, len(r.files))
	for i, fs := range r.files {
		enc := ""
		if fs.detected {
			enc = fs.scheme.String()
		}
		files[i] = FileProgress{Path: fs.path, Size: fs.size, Encoding: enc, Cursor: fs.cursor, Done: fs.done}
	}

	return &ProgressState{
		ManifestPath:  r.opts.ManifestPath,
		OutputPath:    r.opts.OutputPath,
		Threads:       r.opts.Threads,
		ChunkSize:     r.opts.ChunkSize,
		ReadBuffer:    r.opts.ReadBuffer,
		WriteBuffer:   r.opts.WriteBuffer,
		SavePartial:   r.opts.SavePartial,
		StartedAt:     r.stats.start,
		LinesScanned:  r.stats.linesScanned.Load(),
		UniqueWritten: r.index.Len(),
		StagedBytes:   r.writer.StagedBytes(),
		Files:         files,
		Fingerprints:  r.index.Snapshot(),
	}, nil
}

func (r *Runner) finishSuccess() (*Summary, error) {
	if err := r.writer.Commit(); err != nil {
		return r.stats.summary(r.index.Len(), false), err
	}
	if r.ckpt != nil {
		if err := r.ckpt.Remove(); err != nil {
			r.logger.Warn("Failed to remove checkpoint after completion", zap.Error(err))
		}
	}
	summary := r.stats.summary(r.index.Len(), false)
	r.logger.Info("Merge completed",
		zap.Int("filesProcessed", summary.FilesProcessed),
		zap.Int64("linesScanned", summary.LinesScanned),
		zap.Int64("uniqueWritten", summary.UniqueWritten),
		zap.Duration("elapsed", summary.Elapsed))
	return summary, nil
}

func (r *Runner) finishInterrupted() (*Summary, error) {
	summary := func() *Summary { return r.stats.summary(r.index.Len(), true) }

	state, err := r.snapshot()
	if err != nil {
		r.writer.Close()
		return summary(), fmt.Errorf("final snapshot failed: %w", err)
	}
	state.PartialCommitted = r.opts.SavePartial

	if r.ckpt != nil {
		if err := r.ckpt.Save(state); err != nil {
			r.writer.Close()
			return summary(), fmt.Errorf("final checkpoint failed: %w", err)
		}
	}

	if r.opts.SavePartial {
		if err := r.writer.Commit(); err != nil {
			return summary(), err
		}
	} else {
		// Staging stays at its hidden path as the substrate for resume;
		// the destination is left untouched.
		r.writer.Close()
	}

	if r.ckpt == nil {
		return summary(), fmt.Errorf("%w: no checkpoint was configured, the run cannot be resumed", ErrInterrupted)
	}
	r.logger.Warn("Run interrupted, checkpoint saved",
		zap.String("checkpoint", r.opts.CheckpointPath),
		zap.Int64("linesScanned", state.LinesScanned))
	return summary(), ErrInterrupted
}

func (r *Runner) finishFailed(cause error) (*Summary, error) {
	// Best-effort checkpoint; the staging file is left in place and the
	// destination path is never touched.
	if r.ckpt != nil {
		if state, err := r.snapshot(); err == nil {
			if err := r.ckpt.Save(state); err != nil {
				r.logger.Warn("Checkpoint save after failure did not succeed", zap.Error(err))
			}
		}
	}
	r.writer.Close()
	return r.stats.summary(r.index.Len(), false), cause
}

// readManifest reads input paths, one per line. Blank lines are ignored.
func readManifest(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var paths []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		p := strings.TrimSpace(sc.Text())
		if p == "" {
			continue
		}
		paths = append(paths, p)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return paths, nil
}
