// Package dedupe implements the orchestrator's authoritative uniqueness
// tracker: an exact set of normalized attributes fronted by a bloom filter
// for fast rejection and for worker-side pre-filtering.
//
// The exact set is the source of truth. The bloom filter may report false
// positives (resolved against the exact set) but never false negatives for
// anything already ingested.
package dedupe

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/bits-and-blooms/bloom/v3"
)

// recentKeep bounds how many recent discoveries a snapshot carries for
// worker prompt exclusion lists.
const recentKeep = 256

// Stats accumulates lifetime counters across Ingest calls.
type Stats struct {
	Ingested          uint64
	Duplicates        uint64
	FalsePositiveHits uint64
}

// IngestResult reports the outcome of a single Ingest call.
type IngestResult struct {
	NewUnique         []string // first-seen surface forms, discovery order
	Duplicates        int
	FalsePositiveHits int
}

// Snapshot is an immutable serialized view of the bloom filter for
// distribution to workers.
type Snapshot struct {
	Version uint64
	Filter  []byte
	Recent  []string
}

// Tracker deduplicates candidate attributes.
//
// Not safe for concurrent use: the orchestrator's central event loop is
// the only caller.
type Tracker struct {
	capacity uint
	fpRate   float64
	filter   *bloom.BloomFilter
	exact    map[string]string // normalized key → first-seen surface form
	version  uint64
	rebuilds int
	recent   []string
	stats    Stats
}

// New creates a tracker sized for expectedCapacity entries at the target
// false-positive rate. The (m, k) bloom parameters are derived from the
// standard formulas; they are not exposed.
func New(expectedCapacity int, fpRate float64) *Tracker {
	capacity := uint(expectedCapacity)
	return &Tracker{
		capacity: capacity,
		fpRate:   fpRate,
		filter:   bloom.NewWithEstimates(capacity, fpRate),
		exact:    make(map[string]string),
	}
}

// NormalizeKey produces the comparison key for a candidate: trimmed,
// internal whitespace collapsed, lowercased. The surface form stored and
// emitted is the first-seen original.
func NormalizeKey(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

// Ingest runs each candidate through the bloom fast path and the exact
// set, returning the first-seen candidates in order. Candidates that
// normalize to the empty string are counted as duplicates.
func (t *Tracker) Ingest(candidates []string) IngestResult {
	var res IngestResult
	changed := false
	for _, c := range candidates {
		t.stats.Ingested++
		key := NormalizeKey(c)
		if key == "" {
			res.Duplicates++
			t.stats.Duplicates++
			continue
		}
		if t.filter.TestString(key) {
			if _, dup := t.exact[key]; dup {
				res.Duplicates++
				t.stats.Duplicates++
				continue
			}
			// Bloom false positive: the candidate is actually new.
			res.FalsePositiveHits++
			t.stats.FalsePositiveHits++
		}
		t.insert(key, c)
		res.NewUnique = append(res.NewUnique, c)
		changed = true
	}
	if changed {
		t.version++
	}
	return res
}

func (t *Tracker) insert(key, surface string) {
	t.exact[key] = surface
	t.filter.AddString(key)
	t.recent = append(t.recent, surface)
	if len(t.recent) > recentKeep {
		t.recent = t.recent[len(t.recent)-recentKeep:]
	}
	if uint(len(t.exact)) > t.capacity {
		t.rebuild()
	}
}

// rebuild doubles the filter capacity and reinserts every known key.
// Workers keep probing the previous snapshot until the next broadcast;
// that only costs extra candidates reaching the orchestrator, never
// correctness, because the exact set stays authoritative.
func (t *Tracker) rebuild() {
	t.capacity *= 2
	t.filter = bloom.NewWithEstimates(t.capacity, t.fpRate)
	for key := range t.exact {
		t.filter.AddString(key)
	}
	t.rebuilds++
	t.version++
}

// Snapshot serializes the current bloom filter for distribution.
func (t *Tracker) Snapshot() (Snapshot, error) {
	var buf bytes.Buffer
	if _, err := t.filter.WriteTo(&buf); err != nil {
		return Snapshot{}, fmt.Errorf("dedupe: serialize filter: %w", err)
	}
	recent := make([]string, len(t.recent))
	copy(recent, t.recent)
	return Snapshot{Version: t.version, Filter: buf.Bytes(), Recent: recent}, nil
}

// Contains reports whether a candidate is already known, by exact lookup.
func (t *Tracker) Contains(candidate string) bool {
	_, ok := t.exact[NormalizeKey(candidate)]
	return ok
}

// Len returns the number of unique attributes tracked.
func (t *Tracker) Len() int { return len(t.exact) }

// Version returns the snapshot version counter. It increments on every
// state-changing ingest and on every rebuild.
func (t *Tracker) Version() uint64 { return t.version }

// Rebuilds returns how many times the filter has been resized.
func (t *Tracker) Rebuilds() int { return t.rebuilds }

// TotalStats returns lifetime counters.
func (t *Tracker) TotalStats() Stats { return t.stats }

// LocalFilter is a worker's read-only view of a distributed snapshot.
type LocalFilter struct {
	version uint64
	filter  *bloom.BloomFilter
}

// OpenSnapshot deserializes a distributed bloom snapshot.
func OpenSnapshot(version uint64, data []byte) (*LocalFilter, error) {
	f := &bloom.BloomFilter{}
	if _, err := f.ReadFrom(bytes.NewReader(data)); err != nil {
		return nil, fmt.Errorf("dedupe: deserialize filter: %w", err)
	}
	return &LocalFilter{version: version, filter: f}, nil
}

// Version returns the snapshot version this filter was built from.
func (l *LocalFilter) Version() uint64 { return l.version }

// Seen probes the filter with the candidate's normalized key. A positive
// result may be a false positive; a negative result is definitive as of
// the snapshot version.
func (l *LocalFilter) Seen(candidate string) bool {
	return l.filter.TestString(NormalizeKey(candidate))
}
