package merge

import (
	"crypto/sha256"
	"fmt"
	"sync"
	"sync/atomic"
)

// FingerprintSize is the number of bytes retained per distinct line.
// Truncating SHA-256 to 128 bits keeps the collision probability negligible
// for realistic wordlist volumes while halving index memory; the full line
// text is never stored in the index.
const FingerprintSize = 16

// Fingerprint is a fixed-size hash standing in for a line's canonical UTF-8
// byte representation.
type Fingerprint [FingerprintSize]byte

// FingerprintLine hashes a decoded line into its index key.
func FingerprintLine(line string) Fingerprint {
	sum := sha256.Sum256([]byte(line))
	var fp Fingerprint
	copy(fp[:], sum[:FingerprintSize])
	return fp
}

const indexShards = 64

type indexShard struct {
	mu  sync.Mutex
	set map[Fingerprint]struct{}
}

// Index is the shared dedup set. TestAndInsert is atomic: when several
// workers race on the same fingerprint, exactly one is told it was first.
// Lock striping keeps contention away from the workers' decode/hash path.
type Index struct {
	shards     [indexShards]indexShard
	count      atomic.Int64
	maxEntries int64
}

// NewIndex creates an empty index. maxEntries > 0 enforces a memory
// ceiling; exceeding it fails the run with actionable guidance rather
// than letting the process be OOM-killed.
func NewIndex(maxEntries int) *Index {
	x := &Index{maxEntries: int64(maxEntries)}
	for i := range x.shards {
		x.shards[i].set = make(map[Fingerprint]struct{})
	}
	return x
}

// TestAndInsert records the fingerprint if unseen. It returns true exactly
// once per distinct fingerprint across all concurrent callers. The ceiling
// is reserved on the shared counter before the shard insert, so concurrent
// inserts on different shards cannot overshoot it.
func (x *Index) TestAndInsert(fp Fingerprint) (bool, error) {
	sh := &x.shards[fp[0]%indexShards]
	sh.mu.Lock()
	if _, ok := sh.set[fp]; ok {
		sh.mu.Unlock()
		return false, nil
	}
	if x.maxEntries > 0 && x.count.Add(1) > x.maxEntries {
		x.count.Add(-1)
		sh.mu.Unlock()
		return false, fmt.Errorf("%w: the index holds %d entries; process the inputs in smaller batches or raise --max-index-entries", ErrIndexFull, x.maxEntries)
	}
	sh.set[fp] = struct{}{}
	sh.mu.Unlock()
	if x.maxEntries <= 0 {
		x.count.Add(1)
	}
	return true, nil
}

// Len returns the number of distinct fingerprints recorded so far.
func (x *Index) Len() int64 {
	return x.count.Load()
}

// Snapshot serializes every fingerprint as a flat byte blob for
// checkpointing. Callers must ensure no concurrent inserts are in flight.
func (x *Index) Snapshot() []byte {
	blob := make([]byte, 0, x.count.Load()*FingerprintSize)
	for i := range x.shards {
		sh := &x.shards[i]
		sh.mu.Lock()
		for fp := range sh.set {
			blob = append(blob, fp[:]...)
		}
		sh.mu.Unlock()
	}
	return blob
}

// RestoreIndex rehydrates an index from a checkpoint blob so lines already
// written are not re-accepted after a resume.
func RestoreIndex(blob []byte, maxEntries int) (*Index, error) {
	if len(blob)%FingerprintSize != 0 {
		return nil, fmt.Errorf("fingerprint blob length %d is not a multiple of %d", len(blob), FingerprintSize)
	}
	x := NewIndex(maxEntries)
	var fp Fingerprint
	for off := 0; off < len(blob); off += FingerprintSize {
		copy(fp[:], blob[off:off+FingerprintSize])
		sh := &x.shards[fp[0]%indexShards]
		if _, ok := sh.set[fp]; !ok {
			sh.set[fp] = struct{}{}
			x.count.Add(1)
		}
	}
	return x, nil
}
