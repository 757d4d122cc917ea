package archive

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/attropy/attropy/internal/perf"
	"github.com/attropy/attropy/internal/sink"
)

func openTestArchive(t *testing.T) (*Archive, string) {
	t.Helper()
	dir := t.TempDir()
	a, err := Open(context.Background(), dir, "run-1", "lighthouses", time.Now())
	require.NoError(t, err)
	return a, dir
}

func TestAppendAndCountAttributes(t *testing.T) {
	a, _ := openTestArchive(t)
	ctx := context.Background()

	entries := []sink.Entry{
		{Attr: "lantern room", ProducerID: "w1", ProviderID: "test", Model: "test", TS: time.Now()},
		{Attr: "gallery deck", ProducerID: "w2", ProviderID: "test", Model: "test", TS: time.Now()},
	}
	require.NoError(t, a.AppendAttributes(ctx, entries))
	require.NoError(t, a.AppendAttributes(ctx, nil)) // no-op

	n, err := a.AttributeCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	require.NoError(t, a.Close(ctx, time.Now(), "stopped"))
}

func TestAppendOutcome(t *testing.T) {
	a, dir := openTestArchive(t)
	ctx := context.Background()

	require.NoError(t, a.AppendOutcome(ctx, perf.Outcome{
		ProducerID: "w1",
		ProviderID: "test",
		Model:      "test",
		Start:      time.Now(),
		Latency:    250 * time.Millisecond,
		TokensIn:   100,
		TokensOut:  200,
		Candidates: 10,
		NewUnique:  7,
		OK:         true,
	}))
	require.NoError(t, a.AppendOutcome(ctx, perf.Outcome{
		ProducerID: "w1",
		ProviderID: "test",
		Model:      "test",
		Start:      time.Now(),
		OK:         false,
		ErrKind:    "rate_limited",
	}))
	require.NoError(t, a.Close(ctx, time.Now(), "stopped"))

	// Verify through a fresh connection.
	db, err := sql.Open("sqlite", filepath.Join(dir, "archive.db"))
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	var ok, failed int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM outcomes WHERE ok = 1`).Scan(&ok))
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM outcomes WHERE err_kind = 'rate_limited'`).Scan(&failed))
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, failed)

	var reason string
	require.NoError(t, db.QueryRow(`SELECT stop_reason FROM runs WHERE id = 'run-1'`).Scan(&reason))
	assert.Equal(t, "stopped", reason)
}
