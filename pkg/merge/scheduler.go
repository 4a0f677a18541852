package merge

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// runWorkers partitions the pending files across a bounded pool. Each
// worker takes one file from the jobs channel and processes it start to
// finish before taking another, so at most one in-flight cursor exists per
// worker. Returns the first fatal error, or nil if the pool drained or was
// cancelled cooperatively.
func (r *Runner) runWorkers(ctx context.Context, pending []*fileState) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg      sync.WaitGroup
		errOnce sync.Once
		runErr  error
	)
	fail := func(err error) {
		errOnce.Do(func() {
			runErr = err
			cancel()
		})
	}

	jobs := make(chan *fileState)
	r.logger.Debug("Initializing worker pool", zap.Int("workers", r.opts.Threads))
	for w := 0; w < r.opts.Threads; w++ {
		wg.Add(1)
		workerLogger := r.logger.With(zap.Int("workerID", w))
		go func() {
			defer wg.Done()
			for fs := range jobs {
				if ctx.Err() != nil {
					continue // drain without processing
				}
				if err := r.processFile(ctx, fs, workerLogger); err != nil {
					if errors.Is(err, context.Canceled) {
						continue
					}
					fail(err)
				}
			}
		}()
	}

	for _, fs := range pending {
		select {
		case jobs <- fs:
		case <-ctx.Done():
		}
		if ctx.Err() != nil {
			break
		}
	}
	close(jobs)
	wg.Wait()
	return runErr
}

// processFile streams one file chunk by chunk: decode, dedup-test, submit
// accepted lines, publish the cursor. Each chunk is handled while holding
// the read side of the snapshot gate, so cancellation and checkpoints only
// ever observe chunk-boundary state. File-level I/O problems skip the file
// and let the run continue; index and writer errors are fatal.
func (r *Runner) processFile(ctx context.Context, fs *fileState, logger *zap.Logger) error {
	logger.Debug("Processing file",
		zap.String("path", fs.path),
		zap.Int64("cursor", fs.cursor))

	r.gate.RLock()
	if !fs.detected {
		scheme, err := DetectScheme(fs.path)
		if err != nil {
			r.gate.RUnlock()
			r.skipFile(fs, err, logger)
			return nil
		}
		fs.scheme = scheme
		fs.detected = true
		logger.Debug("Resolved encoding",
			zap.String("path", fs.path),
			zap.String("encoding", scheme.String()))
	}
	scheme := fs.scheme
	r.gate.RUnlock()
	r.stats.recordEncoding(scheme.String())

	reader, err := NewChunkReader(fs.path, fs.cursor, r.opts.ChunkSize, r.opts.ReadBuffer)
	if err != nil {
		r.skipFile(fs, err, logger)
		return nil
	}
	defer reader.Close()

	warned := false
	batch := make([]string, 0, 4096)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		r.gate.RLock()
		chunk, err := reader.Next()
		if err == io.EOF {
			fs.done = true
			r.gate.RUnlock()
			r.stats.filesProcessed.Add(1)
			logger.Debug("Finished file", zap.String("path", fs.path))
			return nil
		}
		if err != nil {
			r.gate.RUnlock()
			r.skipFile(fs, err, logger)
			return nil
		}

		batch = batch[:0]
		for _, raw := range chunk.Lines {
			line, invalid := scheme.DecodeLine(raw)
			if invalid {
				r.stats.decodeWarnings.Add(1)
				if !warned {
					warned = true
					logger.Warn("Replacing byte sequences invalid under the resolved encoding",
						zap.String("path", fs.path),
						zap.String("encoding", scheme.String()))
				}
			}
			r.stats.linesScanned.Add(1)
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			accepted, err := r.index.TestAndInsert(FingerprintLine(line))
			if err != nil {
				// Lines already recorded in the index must reach the
				// funnel before the error surfaces, or a checkpoint could
				// persist fingerprints for lines absent from staging.
				if len(batch) > 0 {
					if serr := r.writer.Submit(batch); serr != nil {
						r.gate.RUnlock()
						return serr
					}
				}
				r.gate.RUnlock()
				return err
			}
			if accepted {
				batch = append(batch, line)
			}
		}

		if len(batch) > 0 {
			if err := r.writer.Submit(batch); err != nil {
				r.gate.RUnlock()
				return err
			}
		}
		fs.cursor = chunk.Cursor
		r.gate.RUnlock()
	}
}

// skipFile drops a file from the run after an I/O failure and records it
// for the summary. The file is marked done so a resumed run does not retry
// it.
func (r *Runner) skipFile(fs *fileState, cause error, logger *zap.Logger) {
	r.gate.RLock()
	fs.done = true
	r.gate.RUnlock()
	r.stats.recordSkip(fs.path, cause.Error())
	logger.Warn("Skipping file",
		zap.String("path", fs.path),
		zap.Error(cause))
}
