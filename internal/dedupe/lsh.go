package dedupe

import (
	"sort"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
)

// lshShardCount is the number of independently lockable shards. Unrelated
// documents land on different shards and canonicalize fully in parallel; a
// single global mutex here would serialize the whole ingestion pipeline.
const lshShardCount = 64

// Entry is a canonical document's fingerprint as held by the LSH index.
type Entry struct {
	DocID       uuid.UUID
	CollectedAt time.Time
	Signature   []uint64
}

type lshShard struct {
	mu      sync.Mutex
	buckets map[uint64][]Entry
}

// LSHIndex is a sharded, banded locality-sensitive index over fingerprint
// signatures. Signatures are split into bands; documents sharing any band
// bucket are near-duplicate candidates and compared exactly.
type LSHIndex struct {
	bands  int
	shards [lshShardCount]*lshShard
}

// NewLSHIndex creates an index with the given number of bands.
func NewLSHIndex(bands int) *LSHIndex {
	if bands <= 0 {
		bands = 8
	}
	idx := &LSHIndex{bands: bands}
	for i := range idx.shards {
		idx.shards[i] = &lshShard{buckets: make(map[uint64][]Entry)}
	}
	return idx
}

// BandKeys derives the bucket keys for a signature.
//
// A 1-word (SimHash) signature is banded by bit groups; multi-word
// (MinHash) signatures by row groups. Band index is mixed into the key so
// identical band content in different bands never collides.
func (l *LSHIndex) BandKeys(sig []uint64) []uint64 {
	if len(sig) == 0 {
		return nil
	}
	keys := make([]uint64, 0, l.bands)
	var buf [24]byte

	if len(sig) == 1 {
		bits := 64 / l.bands
		mask := uint64(1)<<uint(bits) - 1
		for band := 0; band < l.bands; band++ {
			chunk := (sig[0] >> uint(band*bits)) & mask
			putUint64(buf[0:8], uint64(band))
			putUint64(buf[8:16], chunk)
			keys = append(keys, xxhash.Sum64(buf[:16]))
		}
		return keys
	}

	rows := len(sig) / l.bands
	if rows == 0 {
		rows = 1
	}
	for band := 0; band < l.bands; band++ {
		start := band * rows
		if start >= len(sig) {
			break
		}
		end := start + rows
		if end > len(sig) {
			end = len(sig)
		}
		d := xxhash.New()
		putUint64(buf[0:8], uint64(band))
		_, _ = d.Write(buf[0:8])
		for _, row := range sig[start:end] {
			putUint64(buf[0:8], row)
			_, _ = d.Write(buf[0:8])
		}
		keys = append(keys, d.Sum64())
	}
	return keys
}

// BucketView gives exclusive access to the buckets for one signature while
// the enclosing WithBuckets call holds their shard locks.
type BucketView struct {
	index *LSHIndex
	keys  []uint64
}

// Candidates returns every entry sharing at least one band bucket with the
// signature, deduplicated by document id.
func (v BucketView) Candidates() []Entry {
	seen := make(map[uuid.UUID]struct{})
	var out []Entry
	for _, key := range v.keys {
		shard := v.index.shardFor(key)
		for _, e := range shard.buckets[key] {
			if _, dup := seen[e.DocID]; dup {
				continue
			}
			seen[e.DocID] = struct{}{}
			out = append(out, e)
		}
	}
	return out
}

// Add inserts the entry into every band bucket of the signature.
func (v BucketView) Add(e Entry) {
	for _, key := range v.keys {
		shard := v.index.shardFor(key)
		shard.buckets[key] = append(shard.buckets[key], e)
	}
}

// WithBuckets runs fn holding the exclusive section for the signature's
// buckets. Two documents whose fingerprints share any band bucket serialize
// here, which is exactly the guarantee that stops both of a mutual
// near-duplicate pair from becoming canonical. Shard locks are taken in
// sorted order so concurrent callers cannot deadlock.
func (l *LSHIndex) WithBuckets(keys []uint64, fn func(BucketView) error) error {
	shardIdx := make([]int, 0, len(keys))
	seen := make(map[int]struct{}, len(keys))
	for _, key := range keys {
		idx := int(key % lshShardCount)
		if _, dup := seen[idx]; dup {
			continue
		}
		seen[idx] = struct{}{}
		shardIdx = append(shardIdx, idx)
	}
	sort.Ints(shardIdx)

	for _, idx := range shardIdx {
		l.shards[idx].mu.Lock()
	}
	defer func() {
		for i := len(shardIdx) - 1; i >= 0; i-- {
			l.shards[shardIdx[i]].mu.Unlock()
		}
	}()

	return fn(BucketView{index: l, keys: keys})
}

// Insert adds an entry outside of a dedup decision, used when rebuilding
// the index from persisted fingerprints at startup.
func (l *LSHIndex) Insert(e Entry) {
	_ = l.WithBuckets(l.BandKeys(e.Signature), func(v BucketView) error {
		v.Add(e)
		return nil
	})
}

func (l *LSHIndex) shardFor(key uint64) *lshShard {
	return l.shards[key%lshShardCount]
}
