// Package store persists neighbour lists in SQLite so recommendations can be
// served without rebuilding the forest.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	_ "modernc.org/sqlite" // pure Go sqlite driver

	"github.com/headlands-org/go-quicksim/search"
)

// ErrNoRun is returned when no run of the requested kind exists.
var ErrNoRun = errors.New("store: no run recorded")

// DB wraps *sql.DB with the neighbour schema.
type DB struct{ sql *sql.DB }

// Run describes one batch of neighbour lists.
type Run struct {
	ID      int64
	Kind    string
	K       int
	Trees   int
	Created time.Time
}

// Open opens or creates the database at path and applies PRAGMAs.
func Open(path string) (*DB, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)", path)
	sqldb, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
	}
	for _, p := range pragmas {
		// Optional; in-memory databases reject WAL.
		_, _ = sqldb.Exec(p)
	}
	return &DB{sql: sqldb}, nil
}

// Close closes the database.
func (d *DB) Close() error { return d.sql.Close() }

// EnsureSchema creates the tables if missing.
func (d *DB) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS runs (
            id INTEGER PRIMARY KEY,
            kind TEXT NOT NULL,
            k INTEGER NOT NULL,
            trees INTEGER NOT NULL,
            created_at DATETIME NOT NULL
        );`,
		`CREATE TABLE IF NOT EXISTS neighbors (
            run_id INTEGER NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
            source INTEGER NOT NULL,
            rank INTEGER NOT NULL,
            target INTEGER NOT NULL,
            distance REAL NOT NULL,
            PRIMARY KEY (run_id, source, rank)
        );`,
		`CREATE INDEX IF NOT EXISTS idx_runs_kind ON runs(kind, id);`,
	}
	tx, err := d.sql.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	for _, s := range stmts {
		if _, err := tx.ExecContext(ctx, s); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// SaveRun stores results under a new run and returns its id. Sources are
// written in ascending order inside one transaction.
func (d *DB) SaveRun(ctx context.Context, run Run, results map[int32][]search.Result) (int64, error) {
	if run.Created.IsZero() {
		run.Created = time.Now().UTC()
	}
	tx, err := d.sql.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `INSERT INTO runs(kind, k, trees, created_at) VALUES(?, ?, ?, ?)`,
		run.Kind, run.K, run.Trees, run.Created)
	if err != nil {
		return 0, fmt.Errorf("store: insert run: %w", err)
	}
	runID, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO neighbors(run_id, source, rank, target, distance) VALUES(?, ?, ?, ?, ?)`)
	if err != nil {
		return 0, err
	}
	defer stmt.Close()

	sources := make([]int32, 0, len(results))
	for id := range results {
		sources = append(sources, id)
	}
	sort.Slice(sources, func(i, j int) bool { return sources[i] < sources[j] })
	for _, source := range sources {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		for _, r := range results[source] {
			if _, err := stmt.ExecContext(ctx, runID, source, r.Rank, r.ID, r.Distance); err != nil {
				return 0, fmt.Errorf("store: insert neighbour %d of %d: %w", r.Rank, source, err)
			}
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return runID, nil
}

// LatestRun returns the most recent run of kind.
func (d *DB) LatestRun(ctx context.Context, kind string) (Run, error) {
	run := Run{Kind: kind}
	err := d.sql.QueryRowContext(ctx,
		`SELECT id, k, trees, created_at FROM runs WHERE kind = ? ORDER BY id DESC LIMIT 1`, kind).
		Scan(&run.ID, &run.K, &run.Trees, &run.Created)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, ErrNoRun
	}
	return run, err
}

// Neighbors returns the stored neighbour list of source within a run, best
// first.
func (d *DB) Neighbors(ctx context.Context, runID int64, source int32) ([]search.Result, error) {
	rows, err := d.sql.QueryContext(ctx,
		`SELECT rank, target, distance FROM neighbors WHERE run_id = ? AND source = ? ORDER BY rank`, runID, source)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []search.Result
	for rows.Next() {
		var r search.Result
		if err := rows.Scan(&r.Rank, &r.ID, &r.Distance); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
