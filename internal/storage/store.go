// Package storage persists observations. The store is a keyed append-only
// log: the pipeline appends, checks (serial, vframe) existence and reads
// the latest record per device; nothing is ever updated or deleted here.
package storage

import (
	"context"
	"fmt"

	"sonde_relay/internal/sonde"
)

// Store is the persistence contract used by the gate, the normalizer's
// subtype lookback and the query surface.
type Store interface {
	Append(ctx context.Context, obs *sonde.Observation) error
	Exists(ctx context.Context, serial string, vframe int64) (bool, error)
	LatestBySerial(ctx context.Context, serial string) (*sonde.Observation, error)
	LatestPerDevice(ctx context.Context) ([]sonde.Observation, error)
	Close() error
}

// Config selects and configures the store backend.
type Config struct {
	Driver   string         `yaml:"driver"` // "sqlite" or "postgres"
	SQLite   SQLiteConfig   `yaml:"sqlite"`
	Postgres PostgresConfig `yaml:"postgres"`
}

// DefaultConfig returns a local SQLite store.
func DefaultConfig() Config {
	return Config{
		Driver: "sqlite",
		SQLite: SQLiteConfig{Path: "radiosonde.db"},
	}
}

// Open opens the configured backend.
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Driver {
	case "", "sqlite":
		return OpenSQLite(cfg.SQLite)
	case "postgres":
		return OpenPostgres(ctx, cfg.Postgres)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}
