package riskstore

import (
	"context"
	"database/sql"
	"time"

	_ "github.com/lib/pq"
)

// PostgresStore backs counters with PostgreSQL for deployments where several
// hosts share one risk budget.
type PostgresStore struct {
	db *sql.DB
}

// OpenPostgres connects and ensures the counters table exists.
func OpenPostgres(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, storeErr("open", err)
	}
	s := &PostgresStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, storeErr("migrate", err)
	}
	return s, nil
}

// NewPostgresWithDB wraps an existing connection, used by tests.
func NewPostgresWithDB(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS risk_counters (
		tenant TEXT NOT NULL,
		bucket TEXT NOT NULL,
		count BIGINT NOT NULL DEFAULT 0,
		window_start BIGINT NOT NULL,
		PRIMARY KEY (tenant, bucket)
	);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

func (s *PostgresStore) IncrementAndGet(ctx context.Context, tenant, bucket string, windowSec int64, now time.Time) (int64, error) {
	return s.apply(ctx, tenant, bucket, windowSec, now, true)
}

func (s *PostgresStore) Get(ctx context.Context, tenant, bucket string, windowSec int64, now time.Time) (int64, error) {
	return s.apply(ctx, tenant, bucket, windowSec, now, false)
}

func (s *PostgresStore) apply(ctx context.Context, tenant, bucket string, windowSec int64, now time.Time, increment bool) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, storeErr("begin", err)
	}
	defer func() { _ = tx.Rollback() }()

	nowEpoch := now.Unix()
	var count, windowStart int64
	err = tx.QueryRowContext(ctx,
		"SELECT count, window_start FROM risk_counters WHERE tenant = $1 AND bucket = $2 FOR UPDATE",
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
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (tenant, bucket) DO UPDATE SET
			count = EXCLUDED.count,
			window_start = EXCLUDED.window_start`,
		tenant, bucket, count, windowStart)
	if err != nil {
		return 0, storeErr("upsert", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, storeErr("commit", err)
	}
	return count, nil
}

func (s *PostgresStore) Close() error { return s.db.Close() }
