package merge

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeTemp(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "input.txt")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

// readAllLines drains a reader and returns every line plus the final cursor.
func readAllLines(t *testing.T, r *ChunkReader) ([]string, int64) {
	t.Helper()
	var lines []string
	var cursor int64
	for {
		chunk, err := r.Next()
		if err == io.EOF {
			return lines, cursor
		}
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		for _, l := range chunk.Lines {
			lines = append(lines, string(l))
		}
		cursor = chunk.Cursor
	}
}

func TestChunkBoundarySafety(t *testing.T) {
	var sb strings.Builder
	for i := 0; i < 500; i++ {
		fmt.Fprintf(&sb, "line-%04d-with-some-padding\n", i)
	}
	path := writeTemp(t, sb.String())

	// A chunk size far smaller than any line forces carry-over on nearly
	// every read; the emitted lines must match a whole-file read exactly.
	small, err := NewChunkReader(path, 0, 7, 64)
	if err != nil {
		t.Fatal(err)
	}
	defer small.Close()
	smallLines, _ := readAllLines(t, small)

	whole, err := NewChunkReader(path, 0, 1<<20, 1<<20)
	if err != nil {
		t.Fatal(err)
	}
	defer whole.Close()
	wholeLines, _ := readAllLines(t, whole)

	if len(smallLines) != len(wholeLines) {
		t.Fatalf("chunked read emitted %d lines, whole read %d", len(smallLines), len(wholeLines))
	}
	for i := range smallLines {
		if smallLines[i] != wholeLines[i] {
			t.Fatalf("line %d differs: %q vs %q", i, smallLines[i], wholeLines[i])
		}
	}
}

func TestChunkReaderRestartFromCursor(t *testing.T) {
	content := "alpha\nbravo\ncharlie\ndelta\necho\n"
	path := writeTemp(t, content)

	r, err := NewChunkReader(path, 0, 12, 16)
	if err != nil {
		t.Fatal(err)
	}
	chunk, err := r.Next()
	if err != nil {
		t.Fatal(err)
	}
	r.Close()

	emitted := len(chunk.Lines)
	restarted, err := NewChunkReader(path, chunk.Cursor, 12, 16)
	if err != nil {
		t.Fatal(err)
	}
	defer restarted.Close()
	rest, _ := readAllLines(t, restarted)

	all := strings.Split(strings.TrimSuffix(content, "\n"), "\n")
	want := all[emitted:]
	if len(rest) != len(want) {
		t.Fatalf("restart emitted %d lines, want %d", len(rest), len(want))
	}
	for i := range rest {
		if rest[i] != want[i] {
			t.Errorf("restarted line %d = %q, want %q", i, rest[i], want[i])
		}
	}
}

func TestChunkReaderNoTrailingNewline(t *testing.T) {
	content := "first\nsecond\nunterminated"
	path := writeTemp(t, content)

	r, err := NewChunkReader(path, 0, 1<<20, 1<<20)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	lines, cursor := readAllLines(t, r)

	want := []string{"first", "second", "unterminated"}
	if len(lines) != len(want) {
		t.Fatalf("got %d lines, want %d", len(lines), len(want))
	}
	for i := range want {
		if lines[i] != want[i] {
			t.Errorf("line %d = %q, want %q", i, lines[i], want[i])
		}
	}
	if cursor != int64(len(content)) {
		t.Errorf("final cursor = %d, want %d", cursor, len(content))
	}
}

func TestChunkReaderLineLongerThanChunk(t *testing.T) {
	long := strings.Repeat("x", 100)
	path := writeTemp(t, "short\n"+long+"\ntail\n")

	r, err := NewChunkReader(path, 0, 16, 16)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	lines, _ := readAllLines(t, r)

	if len(lines) != 3 {
		t.Fatalf("got %d lines, want 3", len(lines))
	}
	if lines[1] != long {
		t.Errorf("long line not reassembled across chunk seams (len %d, want %d)", len(lines[1]), len(long))
	}
}

func TestChunkReaderEmptyFile(t *testing.T) {
	path := writeTemp(t, "")
	r, err := NewChunkReader(path, 0, 16, 16)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	if _, err := r.Next(); err != io.EOF {
		t.Errorf("Next on empty file = %v, want io.EOF", err)
	}
}

func TestChunkReaderCursorsAreLineBoundaries(t *testing.T) {
	content := "aa\nbbbb\ncc\ndddd\nee\n"
	path := writeTemp(t, content)

	r, err := NewChunkReader(path, 0, 5, 8)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	for {
		chunk, err := r.Next()
		if err == io.EOF {
			return
		}
		if err != nil {
			t.Fatal(err)
		}
		if chunk.Cursor > 0 && content[chunk.Cursor-1] != '\n' && chunk.Cursor != int64(len(content)) {
			t.Fatalf("cursor %d is not a line boundary", chunk.Cursor)
		}
	}
}
