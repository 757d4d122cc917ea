// Package archive writes a queryable SQLite copy of a run: every unique
// attribute with its origin, plus per-request outcomes. The archive is a
// convenience layer over the canonical file outputs and can be disabled.
package archive

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/attropy/attropy/internal/perf"
	"github.com/attropy/attropy/internal/sink"
)

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id          TEXT PRIMARY KEY,
	topic       TEXT NOT NULL,
	started_at  TIMESTAMP NOT NULL,
	ended_at    TIMESTAMP,
	stop_reason TEXT
);

CREATE TABLE IF NOT EXISTS attributes (
	seq         INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id      TEXT NOT NULL REFERENCES runs(id),
	attr        TEXT NOT NULL,
	producer_id TEXT NOT NULL,
	provider_id TEXT NOT NULL,
	model       TEXT NOT NULL,
	ts          TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS outcomes (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id      TEXT NOT NULL REFERENCES runs(id),
	producer_id TEXT NOT NULL,
	provider_id TEXT NOT NULL,
	model       TEXT NOT NULL,
	started_at  TIMESTAMP NOT NULL,
	latency_ms  INTEGER NOT NULL,
	tokens_in   INTEGER NOT NULL,
	tokens_out  INTEGER NOT NULL,
	candidates  INTEGER NOT NULL,
	new_unique  INTEGER NOT NULL,
	ok          INTEGER NOT NULL,
	err_kind    TEXT
);

CREATE INDEX IF NOT EXISTS idx_attributes_run ON attributes(run_id);
CREATE INDEX IF NOT EXISTS idx_outcomes_run ON outcomes(run_id);
`

// Archive is a per-run SQLite database stored inside the run directory.
type Archive struct {
	db    *sql.DB
	runID string
}

// Open creates (or opens) archive.db in the run directory and records the
// run row.
func Open(ctx context.Context, dir, runID, topic string, startedAt time.Time) (*Archive, error) {
	db, err := sql.Open("sqlite", filepath.Join(dir, "archive.db"))
	if err != nil {
		return nil, fmt.Errorf("archive: open: %w", err)
	}
	// The event loop is the only writer; a single connection avoids
	// SQLITE_BUSY churn.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("archive: create schema: %w", err)
	}
	if _, err := db.ExecContext(ctx,
		`INSERT OR REPLACE INTO runs (id, topic, started_at) VALUES (?, ?, ?)`,
		runID, topic, startedAt.UTC()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("archive: insert run: %w", err)
	}
	return &Archive{db: db, runID: runID}, nil
}

// AppendAttributes inserts a batch of unique attributes in one transaction.
func (a *Archive) AppendAttributes(ctx context.Context, entries []sink.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("archive: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO attributes (run_id, attr, producer_id, provider_id, model, ts) VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("archive: prepare: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for _, e := range entries {
		if _, err := stmt.ExecContext(ctx, a.runID, e.Attr, e.ProducerID, e.ProviderID, e.Model, e.TS.UTC()); err != nil {
			return fmt.Errorf("archive: insert attribute: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("archive: commit: %w", err)
	}
	return nil
}

// AppendOutcome records one request outcome.
func (a *Archive) AppendOutcome(ctx context.Context, o perf.Outcome) error {
	errKind := sql.NullString{String: o.ErrKind, Valid: o.ErrKind != ""}
	_, err := a.db.ExecContext(ctx,
		`INSERT INTO outcomes
			(run_id, producer_id, provider_id, model, started_at, latency_ms, tokens_in, tokens_out, candidates, new_unique, ok, err_kind)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.runID, o.ProducerID, o.ProviderID, o.Model, o.Start.UTC(), o.Latency.Milliseconds(),
		o.TokensIn, o.TokensOut, o.Candidates, o.NewUnique, o.OK, errKind)
	if err != nil {
		return fmt.Errorf("archive: insert outcome: %w", err)
	}
	return nil
}

// AttributeCount returns the number of archived attributes for this run.
func (a *Archive) AttributeCount(ctx context.Context) (int, error) {
	var n int
	err := a.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM attributes WHERE run_id = ?`, a.runID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("archive: count attributes: %w", err)
	}
	return n, nil
}

// Close stamps the run row and closes the database.
func (a *Archive) Close(ctx context.Context, endedAt time.Time, stopReason string) error {
	if _, err := a.db.ExecContext(ctx,
		`UPDATE runs SET ended_at = ?, stop_reason = ? WHERE id = ?`,
		endedAt.UTC(), stopReason, a.runID); err != nil {
		_ = a.db.Close()
		return fmt.Errorf("archive: stamp run: %w", err)
	}
	if err := a.db.Close(); err != nil {
		return fmt.Errorf("archive: close: %w", err)
	}
	return nil
}
