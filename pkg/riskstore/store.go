// Package riskstore persists per-(tenant, bucket) risk counters across runs.
//
// Counters live in a time window: a read or increment first resets the
// counter when the window has elapsed, then applies. Every mutation is one
// transaction per key, so concurrent runs sharing a store stay consistent.
package riskstore

import (
	"context"
	"fmt"
	"time"

	"github.com/helios-ops/helios/core/pkg/contracts"
)

// Store is the counter interface shared by all backends.
type Store interface {
	// IncrementAndGet resets the (tenant, bucket) counter if its window of
	// windowSec seconds has elapsed at now, then increments it and returns
	// the post-increment count.
	IncrementAndGet(ctx context.Context, tenant, bucket string, windowSec int64, now time.Time) (int64, error)

	// Get returns the current count, applying the same window reset.
	Get(ctx context.Context, tenant, bucket string, windowSec int64, now time.Time) (int64, error)

	Close() error
}

// Config selects and parameterizes a backend.
type Config struct {
	Backend string `yaml:"backend"` // sqlite (default) | memory | postgres | redis
	Path    string `yaml:"path"`    // sqlite file path
	DSN     string `yaml:"dsn"`     // postgres connection string
	Addr    string `yaml:"addr"`    // redis address
	DB      int    `yaml:"db"`      // redis database
}

// Open constructs the configured backend. An unusable store is fatal to the
// run, so errors here carry the StoreError category.
func Open(cfg Config) (Store, error) {
	switch cfg.Backend {
	case "", "sqlite":
		if cfg.Path == "" {
			return nil, contracts.Errorf(contracts.CategoryConfig,
				"guardrails.risk_store_path", "sqlite risk store requires a path")
		}
		return OpenSQLite(cfg.Path)
	case "memory":
		return NewMemory(), nil
	case "postgres":
		return OpenPostgres(cfg.DSN)
	case "redis":
		return OpenRedis(cfg.Addr, cfg.DB), nil
	default:
		return nil, contracts.Errorf(contracts.CategoryConfig,
			"guardrails.risk_store.backend", "unknown backend %q", cfg.Backend)
	}
}

func storeErr(op string, err error) error {
	return contracts.NewError(contracts.CategoryStore, op, fmt.Errorf("riskstore: %w", err))
}
