package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"sonde_relay/internal/sonde"
)

// PostgresConfig holds PostgreSQL connection settings.
type PostgresConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
}

// PostgresStore stores observations in PostgreSQL. Same contract as the
// SQLite store; used for shared deployments with more than one reader.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// OpenPostgres opens a connection pool and ensures the schema exists.
func OpenPostgres(ctx context.Context, cfg PostgresConfig) (*PostgresStore, error) {
	connStr := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.Database)

	poolCfg, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}

	poolCfg.MaxConns = 10
	poolCfg.MinConns = 2
	poolCfg.MaxConnLifetime = time.Hour
	poolCfg.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	// Test the connection.
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	s := &PostgresStore{pool: pool}
	if err := s.createSchema(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return s, nil
}

// Close closes the connection pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) createSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS observations (
		id          BIGSERIAL PRIMARY KEY,
		ser         TEXT NOT NULL,
		type        TEXT,
		time        BIGINT NOT NULL,
		vframe      BIGINT NOT NULL,
		lat         DOUBLE PRECISION,
		lon         DOUBLE PRECISION,
		alt         DOUBLE PRECISION,
		speed       DOUBLE PRECISION,
		dir         DOUBLE PRECISION,
		vs          DOUBLE PRECISION,
		hs          DOUBLE PRECISION,
		climb       DOUBLE PRECISION,
		sats        INTEGER,
		freq        DOUBLE PRECISION,
		temp        DOUBLE PRECISION,
		humidity    DOUBLE PRECISION,
		batt        DOUBLE PRECISION,
		frame       BIGINT,
		launchsite  TEXT,
		created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		UNIQUE(ser, vframe)
	);

	CREATE INDEX IF NOT EXISTS idx_observations_ser ON observations(ser);
	CREATE INDEX IF NOT EXISTS idx_observations_time ON observations(time);
	`
	_, err := s.pool.Exec(ctx, schema)
	return err
}

const pgObsColumns = `ser, type, time, vframe, lat, lon, alt, speed, dir, vs, hs, climb,
		sats, freq, temp, humidity, batt, frame, launchsite`

// Append persists one observation.
func (s *PostgresStore) Append(ctx context.Context, o *sonde.Observation) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO observations (`+pgObsColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
	`,
		o.Serial, o.Type, o.Time, o.VFrame,
		o.Lat, o.Lon, o.Alt, o.Speed, o.Dir, o.VS, o.HS, o.Climb,
		o.Sats, o.Freq, o.Temp, o.Humidity, o.Batt, o.Frame, o.LaunchSite,
	)
	if err != nil {
		return fmt.Errorf("insert observation: %w", err)
	}
	return nil
}

// Exists reports whether the (serial, vframe) pair has been persisted.
func (s *PostgresStore) Exists(ctx context.Context, serial string, vframe int64) (bool, error) {
	var one int
	err := s.pool.QueryRow(ctx,
		"SELECT 1 FROM observations WHERE ser = $1 AND vframe = $2", serial, vframe).Scan(&one)
	if err == pgx.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("query observation: %w", err)
	}
	return true, nil
}

// LatestBySerial returns the newest observation for a serial, or nil.
func (s *PostgresStore) LatestBySerial(ctx context.Context, serial string) (*sonde.Observation, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+pgObsColumns+` FROM observations
		WHERE ser = $1 ORDER BY vframe DESC LIMIT 1
	`, serial)
	if err != nil {
		return nil, fmt.Errorf("query latest: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	obs, err := scanPGObservation(rows)
	if err != nil {
		return nil, fmt.Errorf("scan observation: %w", err)
	}
	return obs, nil
}

// LatestPerDevice returns the newest positioned observation for every device.
func (s *PostgresStore) LatestPerDevice(ctx context.Context) ([]sonde.Observation, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT ON (ser) `+pgObsColumns+` FROM observations
		WHERE lat IS NOT NULL AND lon IS NOT NULL AND alt IS NOT NULL
		ORDER BY ser, vframe DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("query latest per device: %w", err)
	}
	defer rows.Close()

	var result []sonde.Observation
	for rows.Next() {
		obs, err := scanPGObservation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		result = append(result, *obs)
	}
	return result, rows.Err()
}

func scanPGObservation(rows pgx.Rows) (*sonde.Observation, error) {
	var o sonde.Observation
	var typ, launchsite *string

	err := rows.Scan(
		&o.Serial, &typ, &o.Time, &o.VFrame,
		&o.Lat, &o.Lon, &o.Alt, &o.Speed, &o.Dir, &o.VS, &o.HS, &o.Climb,
		&o.Sats, &o.Freq, &o.Temp, &o.Humidity, &o.Batt, &o.Frame, &launchsite,
	)
	if err != nil {
		return nil, err
	}
	if typ != nil {
		o.Type = *typ
	}
	if launchsite != nil {
		o.LaunchSite = *launchsite
	}
	return &o, nil
}
