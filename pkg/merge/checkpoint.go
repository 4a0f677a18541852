package merge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
)

// CheckpointVersion is bumped whenever the ProgressState shape changes in a
// way an older binary cannot interpret. A version mismatch on resume fails
// fast instead of silently resuming wrongly.
const CheckpointVersion = 1

// DefaultCheckpointInterval is the cadence of periodic snapshots.
const DefaultCheckpointInterval = 30 * time.Second

// FileProgress is the persisted per-file state. Cursor is always a
// confirmed line boundary, never a mid-line offset.
type FileProgress struct {
	Path     string `json:"path"`
	Size     int64  `json:"size"`
	Encoding string `json:"encoding,omitempty"`
	Cursor   int64  `json:"cursor"`
	Done     bool   `json:"done"`
}

// ProgressState is the durable snapshot of a run. Fingerprints holds the
// dedup index as a flat blob (16 bytes per entry, base64 in JSON) so a
// resumed run does not re-accept lines it already wrote.
type ProgressState struct {
	Version          int            `json:"version"`
	ManifestPath     string         `json:"manifest_path"`
	OutputPath       string         `json:"output_path"`
	Threads          int            `json:"threads"`
	ChunkSize        int            `json:"chunk_size"`
	ReadBuffer       int            `json:"read_buffer"`
	WriteBuffer      int            `json:"write_buffer"`
	SavePartial      bool           `json:"save_partial"`
	StartedAt        time.Time      `json:"started_at"`
	SavedAt          time.Time      `json:"saved_at"`
	LinesScanned     int64          `json:"lines_scanned"`
	UniqueWritten    int64          `json:"unique_written"`
	StagedBytes      int64          `json:"staged_bytes"`
	PartialCommitted bool           `json:"partial_committed"`
	Files            []FileProgress `json:"files"`
	Fingerprints     []byte         `json:"fingerprints"`
}

// CheckpointManager persists ProgressState snapshots atomically: each save
// goes to a temp file that is synced and renamed over the previous
// checkpoint, so a crash mid-save cannot corrupt the last valid state.
type CheckpointManager struct {
	path     string
	interval time.Duration
	logger   *zap.Logger
}

// NewCheckpointManager creates a manager writing to path. interval <= 0
// selects the default snapshot cadence.
func NewCheckpointManager(path string, interval time.Duration, logger *zap.Logger) *CheckpointManager {
	if interval <= 0 {
		interval = DefaultCheckpointInterval
	}
	return &CheckpointManager{path: path, interval: interval, logger: logger}
}

// Save writes the state atomically (temp file + fsync + rename + dir sync).
func (m *CheckpointManager) Save(state *ProgressState) error {
	state.Version = CheckpointVersion
	state.SavedAt = time.Now()

	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}

	dir := filepath.Dir(m.path)
	tmp, err := os.CreateTemp(dir, filepath.Base(m.path)+".tmp.*")
	if err != nil {
		return fmt.Errorf("failed to create checkpoint temp file: %w", err)
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		tmp.Close()
		if !committed {
			os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		return fmt.Errorf("failed to write checkpoint: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("failed to sync checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close checkpoint temp file: %w", err)
	}
	if err := os.Rename(tmpName, m.path); err != nil {
		return fmt.Errorf("failed to commit checkpoint: %w", err)
	}
	committed = true
	if err := syncDir(dir); err != nil {
		m.logger.Warn("Failed to sync checkpoint directory", zap.Error(err))
	}

	m.logger.Debug("Saved checkpoint",
		zap.String("path", m.path),
		zap.Int64("linesScanned", state.LinesScanned),
		zap.Int64("uniqueWritten", state.UniqueWritten))
	return nil
}

// Remove deletes the checkpoint after a clean, fully committed run.
func (m *CheckpointManager) Remove() error {
	err := os.Remove(m.path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Run takes periodic snapshots until ctx is canceled. Snapshot or save
// failures are logged and retried on the next tick; they never abort the
// run on their own.
func (m *CheckpointManager) Run(ctx context.Context, snapshot func() (*ProgressState, error)) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			state, err := snapshot()
			if err != nil {
				m.logger.Warn("Periodic snapshot failed", zap.Error(err))
				continue
			}
			if err := m.Save(state); err != nil {
				m.logger.Warn("Periodic checkpoint save failed", zap.Error(err))
			}
		}
	}
}

// LoadProgressState reads and validates a checkpoint. Unreadable, corrupt,
// or version-mismatched checkpoints are fatal for the resume operation.
func LoadProgressState(path string) (*ProgressState, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var state ProgressState
	dec := json.NewDecoder(f)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&state); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCheckpointCorrupt, err)
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return nil, fmt.Errorf("%w: trailing content", ErrCheckpointCorrupt)
	}

	if state.Version != CheckpointVersion {
		return nil, fmt.Errorf("%w: checkpoint has version %d, this build supports %d",
			ErrCheckpointVersion, state.Version, CheckpointVersion)
	}
	if err := state.validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCheckpointCorrupt, err)
	}
	return &state, nil
}

func (s *ProgressState) validate() error {
	if s.OutputPath == "" {
		return errors.New("missing output path")
	}
	if len(s.Fingerprints)%FingerprintSize != 0 {
		return fmt.Errorf("fingerprint blob length %d is not a multiple of %d", len(s.Fingerprints), FingerprintSize)
	}
	if s.StagedBytes < 0 {
		return errors.New("negative staged byte count")
	}
	for _, fp := range s.Files {
		if fp.Path == "" {
			return errors.New("file entry with empty path")
		}
		if fp.Cursor < 0 {
			return fmt.Errorf("file %s has a negative cursor", fp.Path)
		}
		if fp.Encoding != "" {
			if _, err := ParseScheme(fp.Encoding); err != nil {
				return err
			}
		}
	}
	return nil
}
