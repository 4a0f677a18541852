package merge

import "errors"

// Sentinel errors for outcomes callers branch on. Per-line and per-file
// problems are recovered locally and reported through the run summary;
// these are the failures that surface immediately.
var (
	// ErrInterrupted reports a cooperative cancellation: the run stopped at
	// a chunk boundary after taking a final checkpoint, and can be resumed.
	ErrInterrupted = errors.New("run interrupted")

	// ErrIndexFull reports that the dedup index reached its configured
	// entry ceiling.
	ErrIndexFull = errors.New("dedup index ceiling reached")

	// ErrCheckpointCorrupt reports an unreadable or structurally invalid
	// checkpoint file.
	ErrCheckpointCorrupt = errors.New("checkpoint is corrupt")

	// ErrCheckpointVersion reports a checkpoint written by an incompatible
	// version of the tool.
	ErrCheckpointVersion = errors.New("incompatible checkpoint version")
)
