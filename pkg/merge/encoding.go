package merge

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"
)

// detectSampleSize bounds how much of a file's head is inspected for
// encoding detection.
const detectSampleSize = 64 * 1024

// Scheme identifies the character encoding a file is decoded with. It is
// resolved once per file from a leading sample and never re-detected per
// chunk.
type Scheme int

const (
	SchemeUTF8 Scheme = iota
	SchemeWindows1252
	SchemeISO8859_1
	SchemeISO8859_15
)

func (s Scheme) String() string {
	switch s {
	case SchemeUTF8:
		return "UTF-8"
	case SchemeWindows1252:
		return "Windows-1252"
	case SchemeISO8859_1:
		return "ISO-8859-1"
	case SchemeISO8859_15:
		return "ISO-8859-15"
	}
	return fmt.Sprintf("Scheme(%d)", int(s))
}

// ParseScheme maps a scheme name from a checkpoint back to its value.
func ParseScheme(name string) (Scheme, error) {
	for _, s := range []Scheme{SchemeUTF8, SchemeWindows1252, SchemeISO8859_1, SchemeISO8859_15} {
		if strings.EqualFold(name, s.String()) {
			return s, nil
		}
	}
	return SchemeUTF8, fmt.Errorf("unknown encoding scheme %q", name)
}

func (s Scheme) charmap() *charmap.Charmap {
	switch s {
	case SchemeWindows1252:
		return charmap.Windows1252
	case SchemeISO8859_1:
		return charmap.ISO8859_1
	case SchemeISO8859_15:
		return charmap.ISO8859_15
	}
	return nil
}

// DetectScheme reads a bounded leading sample of the file and resolves its
// encoding scheme.
func DetectScheme(path string) (Scheme, error) {
	f, err := os.Open(path)
	if err != nil {
		return SchemeUTF8, err
	}
	defer f.Close()

	sample := make([]byte, detectSampleSize)
	n, err := io.ReadFull(f, sample)
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return SchemeUTF8, fmt.Errorf("failed to sample %s: %w", path, err)
	}
	// A full sample may have cut a rune at its boundary; a short read saw
	// the whole file and gets strict validation.
	return detectScheme(sample[:n], n == detectSampleSize), nil
}

// detectScheme picks a scheme for the sample: strict UTF-8 first, then a
// frequency-plausibility score over the legacy single-byte candidates, with
// ties breaking toward Windows-1252. truncated marks a sample that may end
// mid-rune because it hit the sample size limit.
func detectScheme(sample []byte, truncated bool) Scheme {
	if len(sample) == 0 {
		return SchemeUTF8
	}
	if bytes.HasPrefix(sample, []byte{0xEF, 0xBB, 0xBF}) {
		return SchemeUTF8
	}
	if utf8.Valid(sample) {
		return SchemeUTF8
	}
	if truncated && validTruncatedUTF8(sample) {
		return SchemeUTF8
	}

	best := SchemeWindows1252
	bestScore := scoreSample(sample, SchemeWindows1252)
	for _, cand := range []Scheme{SchemeISO8859_15, SchemeISO8859_1} {
		if score := scoreSample(sample, cand); score > bestScore {
			best, bestScore = cand, score
		}
	}
	return best
}

// validTruncatedUTF8 reports whether the sample is valid UTF-8 up to a
// trailing rune cut off by the sample boundary. The tail must be a genuine
// prefix of one multi-byte encoding; arbitrary trailing garbage does not
// qualify.
func validTruncatedUTF8(sample []byte) bool {
	i := len(sample) - 1
	for back := 0; back < utf8.UTFMax-1 && i > 0 && !utf8.RuneStart(sample[i]); back++ {
		i--
	}
	if !utf8.RuneStart(sample[i]) {
		return false
	}
	return incompleteRunePrefix(sample[i:]) && utf8.Valid(sample[:i])
}

// incompleteRunePrefix reports whether p is a strict prefix of a single
// valid multi-byte UTF-8 encoding.
func incompleteRunePrefix(p []byte) bool {
	if len(p) == 0 || len(p) >= utf8.UTFMax {
		return false
	}
	var size int
	switch b := p[0]; {
	case b&0xE0 == 0xC0:
		size = 2
	case b&0xF0 == 0xE0:
		size = 3
	case b&0xF8 == 0xF0:
		size = 4
	default:
		return false
	}
	if len(p) >= size {
		return false
	}
	for _, c := range p[1:] {
		if c&0xC0 != 0x80 {
			return false
		}
	}
	return true
}

// scoreSample rates how plausible the sample is under the candidate scheme.
// High bytes that decode to letters score well; control characters and
// unmapped bytes are heavily penalized, since wordlists are overwhelmingly
// printable text.
func scoreSample(sample []byte, s Scheme) int {
	cm := s.charmap()
	score := 0
	for _, b := range sample {
		if b < 0x80 {
			continue
		}
		r := cm.DecodeByte(b)
		switch {
		case r == utf8.RuneError:
			score -= 10
		case unicode.IsControl(r):
			score -= 6
		case unicode.IsLetter(r):
			score += 2
		case unicode.IsNumber(r) || unicode.IsPunct(r) || unicode.IsSymbol(r):
			score++
		default:
			score--
		}
	}
	return score
}

// DecodeLine converts one raw line to UTF-8 under the scheme. A trailing
// carriage return is stripped. Byte sequences invalid under the scheme are
// replaced with U+FFFD and reported via the second return value; the line
// itself survives.
func (s Scheme) DecodeLine(raw []byte) (string, bool) {
	if n := len(raw); n > 0 && raw[n-1] == '\r' {
		raw = raw[:n-1]
	}
	if asciiOnly(raw) {
		return string(raw), false
	}
	if s == SchemeUTF8 {
		if utf8.Valid(raw) {
			return string(raw), false
		}
		return strings.ToValidUTF8(string(raw), string(utf8.RuneError)), true
	}

	cm := s.charmap()
	var b strings.Builder
	b.Grow(len(raw) * 2)
	invalid := false
	for _, c := range raw {
		r := cm.DecodeByte(c)
		if r == utf8.RuneError {
			invalid = true
		}
		b.WriteRune(r)
	}
	return b.String(), invalid
}

func asciiOnly(p []byte) bool {
	for _, b := range p {
		if b >= 0x80 {
			return false
		}
	}
	return true
}
