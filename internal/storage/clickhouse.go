package storage

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"sonde_relay/internal/sonde"
)

// ArchiveConfig holds ClickHouse archive settings.
type ArchiveConfig struct {
	Enabled      bool   `yaml:"enabled"`
	Host         string `yaml:"host"`
	Port         int    `yaml:"port"`
	Database     string `yaml:"database"`
	User         string `yaml:"user"`
	Password     string `yaml:"password"`
	FlushSeconds int    `yaml:"flush_seconds"`
}

// DefaultArchiveConfig returns default local ClickHouse settings.
func DefaultArchiveConfig() ArchiveConfig {
	return ArchiveConfig{
		Host:         "localhost",
		Port:         9000,
		Database:     "radiosonde",
		User:         "default",
		FlushSeconds: 10,
	}
}

// Archive writes every accepted observation to a ClickHouse append-only
// table for long-term analytics. Writes are batched on an interval and
// best-effort: a failed flush is logged and the batch dropped, never
// surfaced to the pipeline.
type Archive struct {
	conn     driver.Conn
	interval time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	pending []sonde.Observation

	shutdown chan struct{}
	done     chan struct{}
}

// maxPending caps the buffered batch while ClickHouse is unreachable.
const maxPending = 50000

// OpenArchive connects to ClickHouse, ensures the schema, and starts the
// background flush loop.
func OpenArchive(ctx context.Context, cfg ArchiveConfig, logger *slog.Logger) (*Archive, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.User,
			Password: cfg.Password,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
		DialTimeout:     10 * time.Second,
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: time.Hour,
	})
	if err != nil {
		return nil, fmt.Errorf("open clickhouse: %w", err)
	}

	if err := conn.Ping(ctx); err != nil {
		return nil, fmt.Errorf("ping clickhouse: %w", err)
	}

	a := &Archive{
		conn:     conn,
		interval: time.Duration(cfg.FlushSeconds) * time.Second,
		logger:   logger.With("component", "archive"),
		shutdown: make(chan struct{}),
		done:     make(chan struct{}),
	}
	if a.interval <= 0 {
		a.interval = 10 * time.Second
	}

	if err := a.createSchema(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	go a.flushLoop()
	return a, nil
}

func (a *Archive) createSchema(ctx context.Context) error {
	return a.conn.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS observations (
			ser         LowCardinality(String),
			type        LowCardinality(String),
			time        UInt64,
			vframe      UInt64,
			lat         Nullable(Float64),
			lon         Nullable(Float64),
			alt         Nullable(Float64),
			speed       Nullable(Float64),
			dir         Nullable(Float64),
			vs          Nullable(Float64),
			hs          Nullable(Float64),
			climb       Nullable(Float64),
			sats        Nullable(Int32),
			freq        Nullable(Float64),
			temp        Nullable(Float64),
			humidity    Nullable(Float64),
			batt        Nullable(Float64),
			frame       Nullable(Int64),
			launchsite  String,
			created_at  DateTime64(3) DEFAULT now64(3)
		)
		ENGINE = MergeTree()
		PARTITION BY toYYYYMM(toDateTime(time))
		ORDER BY (ser, vframe)
		SETTINGS index_granularity = 8192`)
}

// Add queues one observation for the next flush.
func (a *Archive) Add(obs *sonde.Observation) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.pending) >= maxPending {
		// Oldest-first drop keeps the buffer bounded during an outage.
		a.pending = a.pending[1:]
	}
	a.pending = append(a.pending, *obs)
}

func (a *Archive) flushLoop() {
	defer close(a.done)
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			a.flush()
		case <-a.shutdown:
			a.flush()
			return
		}
	}
}

func (a *Archive) flush() {
	a.mu.Lock()
	batch := a.pending
	a.pending = nil
	a.mu.Unlock()

	if len(batch) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := a.insertBatch(ctx, batch); err != nil {
		a.logger.Error("archive flush failed", "count", len(batch), "error", err)
	}
}

func (a *Archive) insertBatch(ctx context.Context, batch []sonde.Observation) error {
	prepared, err := a.conn.PrepareBatch(ctx, `
		INSERT INTO observations (ser, type, time, vframe, lat, lon, alt, speed, dir, vs, hs, climb,
			sats, freq, temp, humidity, batt, frame, launchsite)
	`)
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}

	for i := range batch {
		o := &batch[i]
		var sats *int32
		if o.Sats != nil {
			v := int32(*o.Sats)
			sats = &v
		}
		err := prepared.Append(
			o.Serial, o.Type, uint64(o.Time), uint64(o.VFrame),
			o.Lat, o.Lon, o.Alt, o.Speed, o.Dir, o.VS, o.HS, o.Climb,
			sats, o.Freq, o.Temp, o.Humidity, o.Batt, o.Frame, o.LaunchSite,
		)
		if err != nil {
			return fmt.Errorf("append to batch: %w", err)
		}
	}

	if err := prepared.Send(); err != nil {
		return fmt.Errorf("send batch: %w", err)
	}
	return nil
}

// Close stops the flush loop, sends any pending batch, and closes the
// connection.
func (a *Archive) Close() error {
	close(a.shutdown)
	<-a.done
	return a.conn.Close()
}
