// Package livedb is the relay's sqlite-backed live working set: the current
// merged record for every known star. It keeps no history.
package livedb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"starhunt.gg/internal/star"
)

type DB struct {
	db *sql.DB
}

// Open opens or creates the database at path. An empty path or ":memory:"
// keeps everything in memory.
func Open(path string) (*DB, error) {
	if path == "" {
		path = ":memory:"
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One connection: an in-memory database lives and dies with it.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &DB{db: db}, nil
}

func initPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS stars (
			world INTEGER NOT NULL,
			x INTEGER NOT NULL,
			y INTEGER NOT NULL,
			plane INTEGER NOT NULL,
			tier INTEGER NOT NULL,
			health INTEGER NOT NULL,
			miners TEXT NOT NULL,
			active INTEGER NOT NULL,
			last_update INTEGER NOT NULL,
			discovered_by TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (world, x, y, plane)
		);`,
		`CREATE INDEX IF NOT EXISTS stars_last_update ON stars(last_update);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

func (d *DB) Close() error {
	return d.db.Close()
}

const selectCols = `world, x, y, plane, tier, health, miners, active, last_update, discovered_by`

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(s scanner) (star.Record, error) {
	var (
		r      star.Record
		active int
		ms     int64
	)
	err := s.Scan(&r.World, &r.Location.X, &r.Location.Y, &r.Location.Plane,
		&r.Tier, &r.Health, &r.Miners, &active, &ms, &r.DiscoveredBy)
	if err != nil {
		return star.Record{}, err
	}
	r.Active = active != 0
	if ms > 0 {
		r.LastUpdate = time.UnixMilli(ms)
	}
	return r, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

// Merge folds r into the stored record for its key, inserting it if absent.
// The relay observes nothing itself, so an inactive report newer than the
// stored record is taken as the reporter's verification that the star is gone.
func (d *DB) Merge(ctx context.Context, r star.Record) (merged star.Record, inserted bool, err error) {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return star.Record{}, false, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	row := tx.QueryRowContext(ctx,
		`SELECT `+selectCols+` FROM stars WHERE world=? AND x=? AND y=? AND plane=?`,
		r.World, r.Location.X, r.Location.Y, r.Location.Plane)
	cur, err := scanRecord(row)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		merged, inserted, err = r, true, nil
		if merged.Miners == "" {
			merged.Miners = star.UnknownMiners
		}
	case err != nil:
		return star.Record{}, false, fmt.Errorf("livedb: load %s: %w", r.Key(), err)
	default:
		prev := cur.LastUpdate
		cur.Merge(r)
		if !r.Active && r.LastUpdate.After(prev) {
			cur.Deactivate(r.LastUpdate)
		}
		merged = cur
	}

	if err = upsert(ctx, tx, merged); err != nil {
		return star.Record{}, false, err
	}
	if err = tx.Commit(); err != nil {
		return star.Record{}, false, err
	}
	return merged, inserted, nil
}

func upsert(ctx context.Context, tx *sql.Tx, r star.Record) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO stars(`+selectCols+`)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(world, x, y, plane) DO UPDATE SET
			tier=excluded.tier,
			health=excluded.health,
			miners=excluded.miners,
			active=excluded.active,
			last_update=excluded.last_update,
			discovered_by=excluded.discovered_by`,
		r.World, r.Location.X, r.Location.Y, r.Location.Plane,
		r.Tier, r.Health, r.Miners, boolInt(r.Active), millis(r.LastUpdate), r.DiscoveredBy)
	if err != nil {
		return fmt.Errorf("livedb: upsert %s: %w", r.Key(), err)
	}
	return nil
}

// List returns the live set, most recently updated first.
func (d *DB) List(ctx context.Context) ([]star.Record, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT `+selectCols+` FROM stars ORDER BY last_update DESC, world, x, y, plane`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []star.Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (d *DB) Get(ctx context.Context, k star.Key) (star.Record, bool, error) {
	row := d.db.QueryRowContext(ctx,
		`SELECT `+selectCols+` FROM stars WHERE world=? AND x=? AND y=? AND plane=?`,
		k.World, k.Location.X, k.Location.Y, k.Location.Plane)
	r, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return star.Record{}, false, nil
	}
	if err != nil {
		return star.Record{}, false, err
	}
	return r, true, nil
}

// MarkDepleted deactivates the star at k as of now. found is false when the
// key is unknown.
func (d *DB) MarkDepleted(ctx context.Context, k star.Key, now time.Time) (rec star.Record, found bool, err error) {
	res, err := d.db.ExecContext(ctx,
		`UPDATE stars SET active=0, last_update=MAX(last_update, ?)
		 WHERE world=? AND x=? AND y=? AND plane=?`,
		millis(now), k.World, k.Location.X, k.Location.Y, k.Location.Plane)
	if err != nil {
		return star.Record{}, false, fmt.Errorf("livedb: deplete %s: %w", k, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return star.Record{}, false, err
	}
	if n == 0 {
		return star.Record{}, false, nil
	}
	return d.Get(ctx, k)
}

// Evict deletes stars that have been inactive for at least grace.
func (d *DB) Evict(ctx context.Context, now time.Time, grace time.Duration) (int64, error) {
	cutoff := now.Add(-grace).UnixMilli()
	res, err := d.db.ExecContext(ctx,
		`DELETE FROM stars WHERE active=0 AND last_update <= ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("livedb: evict: %w", err)
	}
	return res.RowsAffected()
}
