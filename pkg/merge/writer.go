package merge

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// DefaultWriteBuffer sizes the staging file's write buffer.
const DefaultWriteBuffer = 16 * 1024 * 1024

// submitQueueDepth bounds how many accepted-line batches may be pending in
// the writer funnel. When writing lags behind decoding, workers block on
// Submit until the queue drains.
const submitQueueDepth = 64

// StagingPath returns the staging location for a final output path.
func StagingPath(finalPath string) string {
	return finalPath + ".staging"
}

type writeOp struct {
	lines []string
	flush chan error // non-nil marks a flush barrier; replied to when durable
}

// OutputWriter accumulates accepted lines into a staging file and commits
// the final path with a single rename, so an observer of the destination
// never sees a partial file. All writes go through a single goroutine fed
// by a bounded channel; that funnel is the serialization point shared by
// the workers.
type OutputWriter struct {
	stagingPath string
	finalPath   string
	logger      *zap.Logger

	ops      chan writeOp
	done     chan struct{}
	stopOnce sync.Once

	f       *os.File
	bw      *bufio.Writer
	written int64 // bytes handed to bw since open, excluding the resume base

	base    int64        // staging bytes already durable before this run
	flushed atomic.Int64 // staging size as of the last successful flush
	failed  atomic.Pointer[error]
}

// NewOutputWriter creates (or truncates) the staging file for a fresh run.
func NewOutputWriter(finalPath string, bufSize int, logger *zap.Logger) (*OutputWriter, error) {
	return newOutputWriter(finalPath, bufSize, -1, logger)
}

// ResumeOutputWriter reopens an existing staging file, truncating it to the
// size recorded by the checkpoint so any bytes written after the last
// snapshot are dropped and reprocessed instead of duplicated.
func ResumeOutputWriter(finalPath string, bufSize int, stagedBytes int64, logger *zap.Logger) (*OutputWriter, error) {
	return newOutputWriter(finalPath, bufSize, stagedBytes, logger)
}

func newOutputWriter(finalPath string, bufSize int, resumeSize int64, logger *zap.Logger) (*OutputWriter, error) {
	if bufSize <= 0 {
		bufSize = DefaultWriteBuffer
	}
	staging := StagingPath(finalPath)

	var f *os.File
	var err error
	if resumeSize >= 0 {
		f, err = os.OpenFile(staging, os.O_RDWR|os.O_CREATE, 0o644)
		if err == nil {
			if err = f.Truncate(resumeSize); err == nil {
				_, err = f.Seek(resumeSize, io.SeekStart)
			}
		}
		if err != nil {
			if f != nil {
				f.Close()
			}
			return nil, fmt.Errorf("failed to reopen staging file %s: %w", staging, err)
		}
	} else {
		f, err = os.Create(staging)
		if err != nil {
			return nil, fmt.Errorf("failed to create staging file %s: %w", staging, err)
		}
		resumeSize = 0
	}

	w := &OutputWriter{
		stagingPath: staging,
		finalPath:   finalPath,
		logger:      logger,
		ops:         make(chan writeOp, submitQueueDepth),
		done:        make(chan struct{}),
		f:           f,
		bw:          bufio.NewWriterSize(f, bufSize),
		base:        resumeSize,
	}
	w.flushed.Store(resumeSize)
	go w.loop()
	return w, nil
}

// loop is the single-writer funnel. After a write error it keeps draining
// submissions (discarding them) so blocked workers are released, and
// reports the stored error on every flush barrier.
func (w *OutputWriter) loop() {
	defer close(w.done)
	for op := range w.ops {
		if op.flush != nil {
			op.flush <- w.flushFile()
			continue
		}
		if w.failed.Load() != nil {
			continue
		}
		for _, line := range op.lines {
			if err := w.writeLine(line); err != nil {
				w.setErr(err)
				break
			}
		}
	}
}

func (w *OutputWriter) writeLine(line string) error {
	n, err := w.bw.WriteString(line)
	if err != nil {
		return err
	}
	w.written += int64(n)
	if err := w.bw.WriteByte('\n'); err != nil {
		return err
	}
	w.written++
	return nil
}

func (w *OutputWriter) flushFile() error {
	if err := w.errNow(); err != nil {
		return err
	}
	if err := w.bw.Flush(); err != nil {
		w.setErr(err)
		return err
	}
	if err := w.f.Sync(); err != nil {
		w.setErr(err)
		return err
	}
	w.flushed.Store(w.base + w.written)
	return nil
}

func (w *OutputWriter) setErr(err error) {
	e := fmt.Errorf("output write failed: %w", err)
	if w.failed.CompareAndSwap(nil, &e) {
		w.logger.Error("Staging write failed", zap.String("staging", w.stagingPath), zap.Error(err))
	}
}

func (w *OutputWriter) errNow() error {
	if p := w.failed.Load(); p != nil {
		return *p
	}
	return nil
}

// Submit enqueues a batch of accepted lines. It blocks while the funnel is
// at capacity (writer backpressure); the loop always drains, including
// after a write failure, so the wait is bounded. A line whose fingerprint
// has been recorded in the index must reach the funnel even when the run
// is being cancelled, so Submit never aborts an enqueue early.
func (w *OutputWriter) Submit(lines []string) error {
	if err := w.errNow(); err != nil {
		return err
	}
	batch := make([]string, len(lines))
	copy(batch, lines)
	select {
	case w.ops <- writeOp{lines: batch}:
		return nil
	case <-w.done:
		if err := w.errNow(); err != nil {
			return err
		}
		return fmt.Errorf("output writer is closed")
	}
}

// Flush drains every batch submitted so far to the staging file and syncs
// it. On return, StagedBytes reflects exactly the durable staging size.
func (w *OutputWriter) Flush() error {
	reply := make(chan error, 1)
	select {
	case w.ops <- writeOp{flush: reply}:
		return <-reply
	case <-w.done:
		return fmt.Errorf("output writer is closed")
	}
}

// StagedBytes reports the staging file size as of the last Flush.
func (w *OutputWriter) StagedBytes() int64 {
	return w.flushed.Load()
}

// Commit flushes, closes, and atomically renames staging over the final
// path. On failure the staging file is left in place so a partial result is
// never presented as final.
func (w *OutputWriter) Commit() error {
	if err := w.Flush(); err != nil {
		w.stop()
		w.f.Close()
		return err
	}
	w.stop()
	if err := w.f.Close(); err != nil {
		return fmt.Errorf("failed to close staging file: %w", err)
	}
	if err := os.Rename(w.stagingPath, w.finalPath); err != nil {
		return fmt.Errorf("failed to commit output: %w", err)
	}
	if err := syncDir(filepath.Dir(w.finalPath)); err != nil {
		w.logger.Warn("Failed to sync output directory", zap.Error(err))
	}
	w.logger.Info("Committed output", zap.String("path", w.finalPath), zap.Int64("bytes", w.StagedBytes()))
	return nil
}

// Close stops the writer, leaving the staging file on disk. Used when the
// run is interrupted and the checkpoint needs the staged data for resume,
// and when a write failure must not surface a partial output.
func (w *OutputWriter) Close() error {
	w.stop()
	return w.f.Close()
}

// Discard stops the writer and removes the staging file.
func (w *OutputWriter) Discard() error {
	w.stop()
	if err := w.f.Close(); err != nil {
		return err
	}
	return os.Remove(w.stagingPath)
}

func (w *OutputWriter) stop() {
	w.stopOnce.Do(func() {
		close(w.ops)
		<-w.done
	})
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}
