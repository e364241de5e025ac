package riskstore

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore is the default durable backend: a single-file database with
// one row per (tenant, bucket).
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens or creates the counter database at path.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, storeErr(path, err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, storeErr(path, err)
	}
	// One writer at a time keeps the per-key transaction discipline simple.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, storeErr(path, err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS risk_counters (
		tenant TEXT NOT NULL,
		bucket TEXT NOT NULL,
		count INTEGER NOT NULL DEFAULT 0,
		window_start INTEGER NOT NULL,
		PRIMARY KEY (tenant, bucket)
	);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

func (s *SQLiteStore) IncrementAndGet(ctx context.Context, tenant, bucket string, windowSec int64, now time.Time) (int64, error) {
	return s.apply(ctx, tenant, bucket, windowSec, now, true)
}

func (s *SQLiteStore) Get(ctx context.Context, tenant, bucket string, windowSec int64, now time.Time) (int64, error) {
	return s.apply(ctx, tenant, bucket, windowSec, now, false)
}

// apply runs the read-reset-(increment)-write cycle in one transaction.
func (s *SQLiteStore) apply(ctx context.Context, tenant, bucket string, windowSec int64, now time.Time, increment bool) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, storeErr("begin", err)
	}
	defer func() { _ = tx.Rollback() }()

	nowEpoch := now.Unix()
	var count, windowStart int64
	err = tx.QueryRowContext(ctx,
		"SELECT count, window_start FROM risk_counters WHERE tenant = ? AND bucket = ?",
		tenant, bucket).Scan(&count, &windowStart)
	switch {
	case err == sql.ErrNoRows:
		count, windowStart = 0, nowEpoch
	case err != nil:
		return 0, storeErr("select", err)
	default:
		if windowSec > 0 && nowEpoch-windowStart >= windowSec {
			count, windowStart = 0, nowEpoch
		}
	}

	if increment {
		count++
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO risk_counters (tenant, bucket, count, window_start)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (tenant, bucket) DO UPDATE SET
			count = excluded.count,
			window_start = excluded.window_start`,
		tenant, bucket, count, windowStart)
	if err != nil {
		return 0, storeErr("upsert", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, storeErr("commit", err)
	}
	return count, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }
