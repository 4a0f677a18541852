package merge

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
)

func writeInput(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func writeManifest(t *testing.T, dir string, paths ...string) string {
	t.Helper()
	return writeInput(t, dir, "manifest.txt", strings.Join(paths, "\n")+"\n")
}

func outputLines(t *testing.T, path string) []string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	trimmed := strings.TrimSuffix(string(data), "\n")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "\n")
}

func lineSet(lines []string) map[string]int {
	set := make(map[string]int, len(lines))
	for _, l := range lines {
		set[l]++
	}
	return set
}

func runMergeTest(t *testing.T, opts Options) *Summary {
	t.Helper()
	summary, err := NewRunner(opts, zap.NewNop()).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	return summary
}

func TestMergeIdempotentDedup(t *testing.T) {
	dir := t.TempDir()
	a := writeInput(t, dir, "a.txt", "apple\nbanana\napple\ncherry\n")
	b := writeInput(t, dir, "b.txt", "banana\ndate\nbanana\n")
	out := filepath.Join(dir, "merged.txt")

	summary := runMergeTest(t, Options{
		ManifestPath: writeManifest(t, dir, a, b),
		OutputPath:   out,
		Threads:      4,
		ChunkSize:    8, // force many chunks
		ReadBuffer:   16,
	})

	got := lineSet(outputLines(t, out))
	want := []string{"apple", "banana", "cherry", "date"}
	if len(got) != len(want) {
		t.Fatalf("output has %d distinct lines, want %d: %v", len(got), len(want), got)
	}
	for _, l := range want {
		if got[l] != 1 {
			t.Errorf("line %q appears %d times, want exactly 1", l, got[l])
		}
	}
	if summary.LinesScanned != 7 {
		t.Errorf("LinesScanned = %d, want 7", summary.LinesScanned)
	}
	if summary.UniqueWritten != 4 {
		t.Errorf("UniqueWritten = %d, want 4", summary.UniqueWritten)
	}
}

func TestMergeOrderWithinFile(t *testing.T) {
	dir := t.TempDir()
	a := writeInput(t, dir, "a.txt", "A\nB\nA\nC\n")
	out := filepath.Join(dir, "merged.txt")

	runMergeTest(t, Options{
		ManifestPath: writeManifest(t, dir, a),
		OutputPath:   out,
		Threads:      1,
	})

	lines := outputLines(t, out)
	want := []string{"A", "B", "C"}
	if len(lines) != len(want) {
		t.Fatalf("output = %v, want %v", lines, want)
	}
	for i := range want {
		if lines[i] != want[i] {
			t.Errorf("output[%d] = %q, want %q (first occurrences must keep file order)", i, lines[i], want[i])
		}
	}
}

func TestMergeCrossEncodingDedup(t *testing.T) {
	dir := t.TempDir()
	// The same word stored as UTF-8 in one file and Windows-1252 in the
	// other must merge to a single output line. The legacy file needs
	// enough cp1252 flavor for detection to pick it.
	utf8File := writeInput(t, dir, "modern.txt", "café\nplain\n")
	legacy := writeInput(t, dir, "legacy.txt", "caf\xe9\n\x93smart\x94\n")
	out := filepath.Join(dir, "merged.txt")

	summary := runMergeTest(t, Options{
		ManifestPath: writeManifest(t, dir, utf8File, legacy),
		OutputPath:   out,
		Threads:      2,
	})

	if summary.EncodingCounts["UTF-8"] != 1 || summary.EncodingCounts["Windows-1252"] != 1 {
		t.Errorf("EncodingCounts = %v", summary.EncodingCounts)
	}

	got := lineSet(outputLines(t, out))
	if got["café"] != 1 {
		t.Errorf("café appears %d times across encodings, want 1", got["café"])
	}
	if got["“smart”"] != 1 {
		t.Errorf("cp1252 smart quotes not normalized to UTF-8: %v", got)
	}
}

func TestMergeSkipsMissingFiles(t *testing.T) {
	dir := t.TempDir()
	a := writeInput(t, dir, "a.txt", "alpha\n")
	missing := filepath.Join(dir, "nope.txt")
	out := filepath.Join(dir, "merged.txt")

	summary := runMergeTest(t, Options{
		ManifestPath: writeManifest(t, dir, a, missing),
		OutputPath:   out,
		Threads:      2,
	})

	if len(summary.SkippedFiles) != 1 || summary.SkippedFiles[0].Path != missing {
		t.Errorf("SkippedFiles = %+v, want the missing path", summary.SkippedFiles)
	}
	if got := outputLines(t, out); len(got) != 1 || got[0] != "alpha" {
		t.Errorf("output = %v", got)
	}
}

func TestMergeDropsBlankLines(t *testing.T) {
	dir := t.TempDir()
	a := writeInput(t, dir, "a.txt", "one\n\n   \ntwo\n")
	out := filepath.Join(dir, "merged.txt")

	runMergeTest(t, Options{
		ManifestPath: writeManifest(t, dir, a),
		OutputPath:   out,
		Threads:      1,
	})

	if got := outputLines(t, out); len(got) != 2 {
		t.Errorf("blank lines leaked into output: %v", got)
	}
}

func TestMergeRemovesCheckpointOnSuccess(t *testing.T) {
	dir := t.TempDir()
	a := writeInput(t, dir, "a.txt", "alpha\n")
	out := filepath.Join(dir, "merged.txt")
	ckpt := filepath.Join(dir, "checkpoint.json")

	runMergeTest(t, Options{
		ManifestPath:   writeManifest(t, dir, a),
		OutputPath:     out,
		CheckpointPath: ckpt,
		Threads:        1,
	})

	if _, err := os.Stat(ckpt); !os.IsNotExist(err) {
		t.Error("checkpoint not removed after clean completion")
	}
}

// TestMergeResumeMatchesUninterruptedRun fabricates the state an
// interrupted run would leave behind (file A done, file B mid-flight at a
// line-boundary cursor, fingerprints and staging matching the flushed
// lines) and verifies that resuming yields exactly the output of an
// uninterrupted run.
func TestMergeResumeMatchesUninterruptedRun(t *testing.T) {
	makeInputs := func(dir string) (string, string, string) {
		a := writeInput(t, dir, "a.txt", "alpha\nbravo\nshared\n")
		b := writeInput(t, dir, "b.txt", "shared\ncharlie\ndelta\nbravo\necho\n")
		return a, b, filepath.Join(dir, "merged.txt")
	}

	// Reference: uninterrupted run.
	refDir := t.TempDir()
	refA, refB, refOut := makeInputs(refDir)
	runMergeTest(t, Options{
		ManifestPath: writeManifest(t, refDir, refA, refB),
		OutputPath:   refOut,
		Threads:      1,
	})
	wantSet := lineSet(outputLines(t, refOut))

	// Interrupted state: A fully processed; B processed through its first
	// two lines ("shared" was a duplicate, "charlie" was accepted).
	dir := t.TempDir()
	a, b, out := makeInputs(dir)
	ckptPath := filepath.Join(dir, "checkpoint.json")

	accepted := []string{"alpha", "bravo", "shared", "charlie"}
	index := NewIndex(0)
	for _, l := range accepted {
		if _, err := index.TestAndInsert(FingerprintLine(l)); err != nil {
			t.Fatal(err)
		}
	}
	staged := strings.Join(accepted, "\n") + "\n"
	// Unflushed garbage past the recorded size must be truncated on resume.
	if err := os.WriteFile(StagingPath(out), []byte(staged+"delt"), 0o644); err != nil {
		t.Fatal(err)
	}

	aInfo, _ := os.Stat(a)
	bInfo, _ := os.Stat(b)
	cursorB := int64(len("shared\ncharlie\n"))
	state := &ProgressState{
		ManifestPath:  writeManifest(t, dir, a, b),
		OutputPath:    out,
		Threads:       1,
		LinesScanned:  5,
		UniqueWritten: index.Len(),
		StagedBytes:   int64(len(staged)),
		Files: []FileProgress{
			{Path: a, Size: aInfo.Size(), Encoding: "UTF-8", Cursor: aInfo.Size(), Done: true},
			{Path: b, Size: bInfo.Size(), Encoding: "UTF-8", Cursor: cursorB},
		},
		Fingerprints: index.Snapshot(),
	}
	if err := NewCheckpointManager(ckptPath, 0, zap.NewNop()).Save(state); err != nil {
		t.Fatal(err)
	}

	runner, err := NewRunnerFromCheckpoint(ckptPath, zap.NewNop())
	if err != nil {
		t.Fatalf("NewRunnerFromCheckpoint: %v", err)
	}
	if _, err := runner.Run(context.Background()); err != nil {
		t.Fatalf("resumed Run: %v", err)
	}

	gotSet := lineSet(outputLines(t, out))
	if len(gotSet) != len(wantSet) {
		t.Fatalf("resumed output has %d distinct lines, want %d\ngot: %v\nwant: %v",
			len(gotSet), len(wantSet), gotSet, wantSet)
	}
	for l, n := range wantSet {
		if gotSet[l] != n {
			t.Errorf("line %q: resumed count %d, uninterrupted count %d", l, gotSet[l], n)
		}
	}
}

// TestMergeCancelMidRunThenResume cancels a live run partway through and
// resumes it. Every distinct line must appear in the final output exactly
// once: a fingerprint persisted by the interrupt checkpoint must have its
// line in staging, or resumption would classify the line as a duplicate
// and silently drop it.
func TestMergeCancelMidRunThenResume(t *testing.T) {
	dir := t.TempDir()
	var a, b strings.Builder
	for i := 0; i < 4000; i++ {
		fmt.Fprintf(&a, "alpha-%04d\n", i)
		fmt.Fprintf(&b, "beta-%04d\n", i)
	}
	// The second file repeats the first so dedup is exercised across the
	// interrupt boundary.
	b.WriteString(a.String())
	fa := writeInput(t, dir, "a.txt", a.String())
	fb := writeInput(t, dir, "b.txt", b.String())
	out := filepath.Join(dir, "merged.txt")
	ckpt := filepath.Join(dir, "checkpoint.json")

	runner := NewRunner(Options{
		ManifestPath:   writeManifest(t, dir, fa, fb),
		OutputPath:     out,
		CheckpointPath: ckpt,
		Threads:        2,
		ChunkSize:      256, // many small chunks keep the run cancellable mid-flight
		ReadBuffer:     512,
	}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(2 * time.Millisecond)
		cancel()
	}()
	defer cancel()

	if _, err := runner.Run(ctx); err != nil {
		if !errors.Is(err, ErrInterrupted) {
			t.Fatalf("cancelled run failed instead of interrupting: %v", err)
		}
		resumed, rerr := NewRunnerFromCheckpoint(ckpt, zap.NewNop())
		if rerr != nil {
			t.Fatalf("NewRunnerFromCheckpoint: %v", rerr)
		}
		if _, rerr := resumed.Run(context.Background()); rerr != nil {
			t.Fatalf("resumed Run: %v", rerr)
		}
	}

	got := lineSet(outputLines(t, out))
	if len(got) != 8000 {
		t.Fatalf("output has %d distinct lines, want 8000", len(got))
	}
	for l, n := range got {
		if n != 1 {
			t.Errorf("line %q appears %d times, want exactly 1", l, n)
		}
	}
}

// TestMergeIndexCeilingKeepsAcceptedLinesStaged hits the index ceiling in
// the middle of a chunk: the lines accepted before the ceiling must still
// be flushed to staging so the failure checkpoint stays consistent.
func TestMergeIndexCeilingKeepsAcceptedLinesStaged(t *testing.T) {
	dir := t.TempDir()
	a := writeInput(t, dir, "a.txt", "one\ntwo\nthree\nfour\n")
	out := filepath.Join(dir, "merged.txt")
	ckpt := filepath.Join(dir, "checkpoint.json")

	runner := NewRunner(Options{
		ManifestPath:    writeManifest(t, dir, a),
		OutputPath:      out,
		CheckpointPath:  ckpt,
		Threads:         1,
		MaxIndexEntries: 2,
	}, zap.NewNop())

	_, err := runner.Run(context.Background())
	if !errors.Is(err, ErrIndexFull) {
		t.Fatalf("Run = %v, want ErrIndexFull", err)
	}

	data, err := os.ReadFile(StagingPath(out))
	if err != nil {
		t.Fatalf("staging missing after ceiling failure: %v", err)
	}
	if string(data) != "one\ntwo\n" {
		t.Errorf("staging = %q, want the two accepted lines", data)
	}

	state, err := LoadProgressState(ckpt)
	if err != nil {
		t.Fatalf("failure checkpoint unreadable: %v", err)
	}
	if got := len(state.Fingerprints) / FingerprintSize; got != 2 {
		t.Errorf("checkpoint carries %d fingerprints, want 2", got)
	}
	if state.StagedBytes != int64(len("one\ntwo\n")) {
		t.Errorf("StagedBytes = %d, want %d", state.StagedBytes, len("one\ntwo\n"))
	}
}

func TestResumeRejectsBadCheckpoint(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checkpoint.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := NewRunnerFromCheckpoint(path, zap.NewNop()); err == nil {
		t.Error("corrupt checkpoint accepted for resume")
	}
}

func TestMergeInterruptedWithoutWorkIsResumable(t *testing.T) {
	dir := t.TempDir()
	a := writeInput(t, dir, "a.txt", "alpha\nbravo\n")
	out := filepath.Join(dir, "merged.txt")
	ckpt := filepath.Join(dir, "checkpoint.json")

	ctx, cancel := context.WithCancel(context.Background())
	cancel() // cancelled before any chunk is processed

	runner := NewRunner(Options{
		ManifestPath:   writeManifest(t, dir, a),
		OutputPath:     out,
		CheckpointPath: ckpt,
		Threads:        1,
		SavePartial:    false,
	}, zap.NewNop())

	summary, err := runner.Run(ctx)
	if err == nil {
		t.Fatal("cancelled run reported success")
	}
	if summary == nil || !summary.Interrupted {
		t.Errorf("summary = %+v, want Interrupted", summary)
	}
	if _, err := os.Stat(ckpt); err != nil {
		t.Errorf("no checkpoint written on interruption: %v", err)
	}
	if _, err := os.Stat(out); !os.IsNotExist(err) {
		t.Error("destination path touched by an interrupted run with SavePartial=false")
	}

	// The saved checkpoint must be loadable and resumable to completion.
	resumed, err := NewRunnerFromCheckpoint(ckpt, zap.NewNop())
	if err != nil {
		t.Fatalf("NewRunnerFromCheckpoint: %v", err)
	}
	if _, err := resumed.Run(context.Background()); err != nil {
		t.Fatalf("resume after immediate interrupt: %v", err)
	}
	got := lineSet(outputLines(t, out))
	if len(got) != 2 || got["alpha"] != 1 || got["bravo"] != 1 {
		t.Errorf("resumed output = %v", got)
	}
}
