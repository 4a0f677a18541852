package merge

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
)

// Default sizes for chunked reading, matching the configuration contract.
const (
	DefaultChunkSize  = 10 * 1024 * 1024
	DefaultReadBuffer = 32 * 1024 * 1024
)

// LineChunk is one chunk's worth of complete raw lines. Cursor is the byte
// offset immediately after the last returned line's terminator; it is always
// a line boundary and is the only offset safe to persist for resumption.
type LineChunk struct {
	Lines  [][]byte
	Cursor int64
}

// ChunkReader turns a file into a restartable sequence of raw lines, read
// in fixed-size chunks. Memory held is bounded by one chunk plus at most
// one line of carry-over, independent of file size.
//
// Line slices returned by Next alias the internal chunk buffer and are only
// valid until the following Next call.
type ChunkReader struct {
	f     *os.File
	br    *bufio.Reader
	buf   []byte
	carry []byte
	pos   int64
	eof   bool
}

// NewChunkReader opens path for chunked reading starting at the byte offset
// start, which must be a line boundary previously reported by a LineChunk
// cursor (or zero).
func NewChunkReader(path string, start int64, chunkSize, readBuffer int) (*ChunkReader, error) {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	if readBuffer <= 0 {
		readBuffer = DefaultReadBuffer
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	if start > 0 {
		if _, err := f.Seek(start, io.SeekStart); err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to seek %s to offset %d: %w", path, start, err)
		}
	}

	return &ChunkReader{
		f:   f,
		br:  bufio.NewReaderSize(f, readBuffer),
		buf: make([]byte, chunkSize),
		pos: start,
	}, nil
}

// Next returns the next chunk of complete lines. A partial line at the
// chunk seam is carried over and prefixed to the following chunk rather
// than emitted early; a final line without a terminator is emitted at EOF.
// Returns io.EOF once the file is exhausted.
func (r *ChunkReader) Next() (*LineChunk, error) {
	for {
		if r.eof {
			if len(r.carry) == 0 {
				return nil, io.EOF
			}
			line := r.carry
			r.carry = nil
			r.pos += int64(len(line))
			return &LineChunk{Lines: [][]byte{line}, Cursor: r.pos}, nil
		}

		n, err := io.ReadFull(r.br, r.buf)
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			r.eof = true
		} else if err != nil {
			return nil, err
		}
		if n == 0 {
			continue
		}
		data := r.buf[:n]

		last := bytes.LastIndexByte(data, '\n')
		if last < 0 {
			// No terminator in this chunk; the whole read is carry-over.
			r.carry = append(r.carry, data...)
			continue
		}

		consumed := int64(len(r.carry)) + int64(last) + 1
		var lines [][]byte
		seg := data[:last+1]
		for {
			i := bytes.IndexByte(seg, '\n')
			if i < 0 {
				break
			}
			line := seg[:i]
			if len(r.carry) > 0 {
				joined := make([]byte, 0, len(r.carry)+i)
				joined = append(joined, r.carry...)
				line = append(joined, seg[:i]...)
				r.carry = nil
			}
			lines = append(lines, line)
			seg = seg[i+1:]
		}

		r.carry = append([]byte(nil), data[last+1:]...)
		if len(r.carry) == 0 {
			r.carry = nil
		}
		r.pos += consumed
		return &LineChunk{Lines: lines, Cursor: r.pos}, nil
	}
}

// Close releases the underlying file.
func (r *ChunkReader) Close() error {
	return r.f.Close()
}
