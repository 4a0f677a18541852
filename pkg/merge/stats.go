package merge

import (
	"sync"
	"sync/atomic"
	"time"
)

// SkippedFile records an input dropped from the run with the reason, for
// the run-end summary.
type SkippedFile struct {
	Path   string
	Reason string
}

// Summary is the run-end report. Skips and decode warnings are aggregated
// here rather than failing the run.
type Summary struct {
	FilesProcessed int
	SkippedFiles   []SkippedFile
	LinesScanned   int64
	UniqueWritten  int64
	DecodeWarnings int64
	EncodingCounts map[string]int // files per resolved encoding
	Elapsed        time.Duration
	Interrupted    bool
}

// runStats collects counters mutated concurrently by the workers.
type runStats struct {
	start          time.Time
	linesScanned   atomic.Int64
	decodeWarnings atomic.Int64
	filesProcessed atomic.Int64

	mu        sync.Mutex
	skipped   []SkippedFile
	encodings map[string]int
}

func newRunStats(start time.Time) *runStats {
	if start.IsZero() {
		start = time.Now()
	}
	return &runStats{start: start, encodings: make(map[string]int)}
}

func (s *runStats) recordEncoding(name string) {
	s.mu.Lock()
	s.encodings[name]++
	s.mu.Unlock()
}

func (s *runStats) recordSkip(path, reason string) {
	s.mu.Lock()
	s.skipped = append(s.skipped, SkippedFile{Path: path, Reason: reason})
	s.mu.Unlock()
}

func (s *runStats) skippedFiles() []SkippedFile {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]SkippedFile, len(s.skipped))
	copy(out, s.skipped)
	return out
}

func (s *runStats) encodingCounts() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int, len(s.encodings))
	for k, v := range s.encodings {
		out[k] = v
	}
	return out
}

func (s *runStats) summary(uniqueWritten int64, interrupted bool) *Summary {
	return &Summary{
		FilesProcessed: int(s.filesProcessed.Load()),
		SkippedFiles:   s.skippedFiles(),
		LinesScanned:   s.linesScanned.Load(),
		UniqueWritten:  uniqueWritten,
		DecodeWarnings: s.decodeWarnings.Load(),
		EncodingCounts: s.encodingCounts(),
		Elapsed:        time.Since(s.start),
		Interrupted:    interrupted,
	}
}
