package merge

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"
)

func testState() *ProgressState {
	return &ProgressState{
		ManifestPath: "manifest.txt",
		OutputPath:   "merged.txt",
		Threads:      4,
		ChunkSize:    1024,
		StartedAt:    time.Now().Add(-time.Minute),
		LinesScanned: 1000,
		StagedBytes:  512,
		Files: []FileProgress{
			{Path: "a.txt", Size: 100, Encoding: "UTF-8", Cursor: 100, Done: true},
			{Path: "b.txt", Size: 900, Encoding: "Windows-1252", Cursor: 412},
		},
		Fingerprints: make([]byte, 3*FingerprintSize),
	}
}

func TestCheckpointSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checkpoint.json")
	m := NewCheckpointManager(path, 0, zap.NewNop())

	if err := m.Save(testState()); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := LoadProgressState(path)
	if err != nil {
		t.Fatalf("LoadProgressState: %v", err)
	}
	if loaded.Version != CheckpointVersion {
		t.Errorf("version = %d, want %d", loaded.Version, CheckpointVersion)
	}
	if loaded.LinesScanned != 1000 || loaded.StagedBytes != 512 {
		t.Errorf("counters not preserved: %+v", loaded)
	}
	if len(loaded.Files) != 2 || !loaded.Files[0].Done || loaded.Files[1].Cursor != 412 {
		t.Errorf("file progress not preserved: %+v", loaded.Files)
	}
	if len(loaded.Fingerprints) != 3*FingerprintSize {
		t.Errorf("fingerprint blob not preserved: %d bytes", len(loaded.Fingerprints))
	}
}

func TestCheckpointSaveLeavesNoTempFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "checkpoint.json")
	m := NewCheckpointManager(path, 0, zap.NewNop())
	if err := m.Save(testState()); err != nil {
		t.Fatal(err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Name() != "checkpoint.json" {
		t.Errorf("unexpected directory contents after save: %v", entries)
	}
}

func TestLoadProgressStateVersionMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checkpoint.json")
	state := testState()
	state.Version = CheckpointVersion + 1
	data, _ := json.Marshal(state)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	_, err := LoadProgressState(path)
	if !errors.Is(err, ErrCheckpointVersion) {
		t.Errorf("mismatched version load = %v, want ErrCheckpointVersion", err)
	}
}

func TestLoadProgressStateCorrupt(t *testing.T) {
	cases := []struct {
		name string
		data string
	}{
		{"truncated json", `{"version": 1, "output_path": "x`},
		{"trailing garbage", `{"version": 1, "output_path": "x", "files": [], "fingerprints": null} extra`},
		{"unknown field", `{"version": 1, "output_path": "x", "surprise": true}`},
		{"bad fingerprint length", `{"version": 1, "output_path": "x", "fingerprints": "QUJD"}`},
		{"missing output", `{"version": 1}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "checkpoint.json")
			if err := os.WriteFile(path, []byte(tc.data), 0o644); err != nil {
				t.Fatal(err)
			}
			_, err := LoadProgressState(path)
			if !errors.Is(err, ErrCheckpointCorrupt) {
				t.Errorf("load = %v, want ErrCheckpointCorrupt", err)
			}
		})
	}
}

func TestCheckpointRemoveIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checkpoint.json")
	m := NewCheckpointManager(path, 0, zap.NewNop())
	if err := m.Save(testState()); err != nil {
		t.Fatal(err)
	}
	if err := m.Remove(); err != nil {
		t.Fatalf("first Remove: %v", err)
	}
	if err := m.Remove(); err != nil {
		t.Fatalf("second Remove: %v", err)
	}
}
