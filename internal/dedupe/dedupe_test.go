package dedupe

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIngestIsIdempotent(t *testing.T) {
	tr := New(1000, 0.01)

	first := tr.Ingest([]string{"granite base"})
	assert.Equal(t, []string{"granite base"}, first.NewUnique)
	assert.Equal(t, 0, first.Duplicates)

	second := tr.Ingest([]string{"granite base"})
	assert.Empty(t, second.NewUnique)
	assert.Equal(t, 1, second.Duplicates)
	assert.Equal(t, 1, tr.Len())
}

func TestIngestCountsBalance(t *testing.T) {
	tr := New(1000, 0.01)
	batch := []string{"a1", "b2", "a1", "c3", "b2", "d4"}

	res := tr.Ingest(batch)
	assert.Equal(t, len(batch), len(res.NewUnique)+res.Duplicates)
	assert.Equal(t, []string{"a1", "b2", "c3", "d4"}, res.NewUnique)
}

func TestNormalizationKeepsFirstSurfaceForm(t *testing.T) {
	tr := New(1000, 0.01)

	res := tr.Ingest([]string{"  Fresnel   Lens ", "fresnel lens", "FRESNEL LENS"})
	require.Equal(t, 1, len(res.NewUnique))
	assert.Equal(t, "  Fresnel   Lens ", res.NewUnique[0])
	assert.Equal(t, 2, res.Duplicates)
	assert.True(t, tr.Contains("Fresnel Lens"))
}

func TestEmptyAfterNormalizationIsDuplicate(t *testing.T) {
	tr := New(1000, 0.01)
	res := tr.Ingest([]string{"   ", "real entry"})
	assert.Equal(t, []string{"real entry"}, res.NewUnique)
	assert.Equal(t, 1, res.Duplicates)
}

func TestNoFalseNegativesInSnapshot(t *testing.T) {
	tr := New(1000, 0.01)
	var inserted []string
	for i := 0; i < 500; i++ {
		inserted = append(inserted, fmt.Sprintf("attribute %d", i))
	}
	tr.Ingest(inserted)

	snap, err := tr.Snapshot()
	require.NoError(t, err)

	local, err := OpenSnapshot(snap.Version, snap.Filter)
	require.NoError(t, err)
	assert.Equal(t, tr.Version(), local.Version())

	for _, s := range inserted {
		assert.True(t, local.Seen(s), "false negative for %q", s)
	}
	// Normalized variants probe the same key.
	assert.True(t, local.Seen("ATTRIBUTE   0"))
}

func TestVersionAdvancesOnlyOnChange(t *testing.T) {
	tr := New(1000, 0.01)
	v0 := tr.Version()

	tr.Ingest([]string{"x1"})
	v1 := tr.Version()
	assert.Greater(t, v1, v0)

	tr.Ingest([]string{"x1"}) // pure duplicate, no change
	assert.Equal(t, v1, tr.Version())
}

func TestRebuildOnSaturation(t *testing.T) {
	capacity := 100
	tr := New(capacity, 0.01)

	var all []string
	for i := 0; i <= capacity; i++ {
		all = append(all, fmt.Sprintf("entry %d", i))
	}
	res := tr.Ingest(all)

	assert.Len(t, res.NewUnique, capacity+1)
	assert.Equal(t, 1, tr.Rebuilds())

	// Dedup still holds after the rebuild.
	again := tr.Ingest(all)
	assert.Empty(t, again.NewUnique)
	assert.Equal(t, capacity+1, again.Duplicates)

	// And the rebuilt filter still has no false negatives.
	snap, err := tr.Snapshot()
	require.NoError(t, err)
	local, err := OpenSnapshot(snap.Version, snap.Filter)
	require.NoError(t, err)
	for _, s := range all {
		assert.True(t, local.Seen(s))
	}
}

func TestSnapshotCarriesRecentUniques(t *testing.T) {
	tr := New(1000, 0.01)
	for i := 0; i < recentKeep+50; i++ {
		tr.Ingest([]string{fmt.Sprintf("item %d", i)})
	}

	snap, err := tr.Snapshot()
	require.NoError(t, err)
	assert.Len(t, snap.Recent, recentKeep)
	assert.Equal(t, fmt.Sprintf("item %d", recentKeep+49), snap.Recent[len(snap.Recent)-1])
}

func TestTotalStats(t *testing.T) {
	tr := New(1000, 0.01)
	tr.Ingest([]string{"a1", "a1", "b2"})

	stats := tr.TotalStats()
	assert.Equal(t, uint64(3), stats.Ingested)
	assert.Equal(t, uint64(1), stats.Duplicates)
}

func TestOpenSnapshotRejectsGarbage(t *testing.T) {
	_, err := OpenSnapshot(1, []byte{0xde, 0xad})
	require.Error(t, err)
}
