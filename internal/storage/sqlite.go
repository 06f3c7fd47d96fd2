package storage

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"

	"sonde_relay/internal/sonde"
)

// SQLiteConfig holds SQLite settings.
type SQLiteConfig struct {
	Path string `yaml:"path"` // empty or ":memory:" uses an in-memory database
}

// SQLiteStore stores observations in a local SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens or creates the observation database at the given path.
func OpenSQLite(cfg SQLiteConfig) (*SQLiteStore, error) {
	path := cfg.Path
	if path == "" {
		path = ":memory:"
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// An in-memory database exists per connection; the pool must not open
	// a second one.
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set pragma: %w", err)
		}
	}

	if err := createSQLiteSchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func createSQLiteSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS observations (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		ser TEXT NOT NULL,
		type TEXT,
		time INTEGER NOT NULL,
		vframe INTEGER NOT NULL,
		lat REAL,
		lon REAL,
		alt REAL,
		speed REAL,
		dir REAL,
		vs REAL,
		hs REAL,
		climb REAL,
		sats INTEGER,
		freq REAL,
		temp REAL,
		humidity REAL,
		batt REAL,
		frame INTEGER,
		launchsite TEXT,
		created_at TEXT DEFAULT (datetime('now'))
	);

	-- (ser, vframe) is the dedup key; the gate checks before insert and
	-- this index backstops it if ingestion is ever parallelised.
	CREATE UNIQUE INDEX IF NOT EXISTS idx_observations_ser_vframe ON observations(ser, vframe);
	CREATE INDEX IF NOT EXISTS idx_observations_ser ON observations(ser);
	CREATE INDEX IF NOT EXISTS idx_observations_time ON observations(time);
	`
	_, err := db.Exec(schema)
	return err
}

const obsColumns = `ser, type, time, vframe, lat, lon, alt, speed, dir, vs, hs, climb,
		sats, freq, temp, humidity, batt, frame, launchsite`

// Append persists one observation.
func (s *SQLiteStore) Append(ctx context.Context, o *sonde.Observation) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO observations (`+obsColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		o.Serial, o.Type, o.Time, o.VFrame,
		nullF(o.Lat), nullF(o.Lon), nullF(o.Alt), nullF(o.Speed), nullF(o.Dir),
		nullF(o.VS), nullF(o.HS), nullF(o.Climb),
		nullI(o.Sats), nullF(o.Freq), nullF(o.Temp), nullF(o.Humidity), nullF(o.Batt),
		nullI64(o.Frame), o.LaunchSite,
	)
	if err != nil {
		return fmt.Errorf("insert observation: %w", err)
	}
	return nil
}

// Exists reports whether the (serial, vframe) pair has been persisted.
func (s *SQLiteStore) Exists(ctx context.Context, serial string, vframe int64) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		"SELECT 1 FROM observations WHERE ser = ? AND vframe = ?", serial, vframe).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("query observation: %w", err)
	}
	return true, nil
}

// LatestBySerial returns the newest observation for a serial, or nil.
func (s *SQLiteStore) LatestBySerial(ctx context.Context, serial string) (*sonde.Observation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+obsColumns+` FROM observations
		WHERE ser = ? ORDER BY vframe DESC LIMIT 1
	`, serial)

	obs, err := scanObservation(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan observation: %w", err)
	}
	return obs, nil
}

// LatestPerDevice returns the newest positioned observation for every device.
func (s *SQLiteStore) LatestPerDevice(ctx context.Context) ([]sonde.Observation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+obsColumns+` FROM observations o
		WHERE vframe = (SELECT MAX(vframe) FROM observations WHERE ser = o.ser)
		  AND lat IS NOT NULL AND lon IS NOT NULL AND alt IS NOT NULL
		ORDER BY ser
	`)
	if err != nil {
		return nil, fmt.Errorf("query latest per device: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []sonde.Observation
	for rows.Next() {
		obs, err := scanObservation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		result = append(result, *obs)
	}
	return result, rows.Err()
}

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanObservation(row scanner) (*sonde.Observation, error) {
	var o sonde.Observation
	var typ, launchsite sql.NullString
	var lat, lon, alt, speed, dir, vs, hs, climb, freq, temp, humidity, batt sql.NullFloat64
	var sats, frame sql.NullInt64

	err := row.Scan(
		&o.Serial, &typ, &o.Time, &o.VFrame,
		&lat, &lon, &alt, &speed, &dir, &vs, &hs, &climb,
		&sats, &freq, &temp, &humidity, &batt, &frame, &launchsite,
	)
	if err != nil {
		return nil, err
	}

	o.Type = typ.String
	o.LaunchSite = launchsite.String
	o.Lat = fromNullF(lat)
	o.Lon = fromNullF(lon)
	o.Alt = fromNullF(alt)
	o.Speed = fromNullF(speed)
	o.Dir = fromNullF(dir)
	o.VS = fromNullF(vs)
	o.HS = fromNullF(hs)
	o.Climb = fromNullF(climb)
	o.Freq = fromNullF(freq)
	o.Temp = fromNullF(temp)
	o.Humidity = fromNullF(humidity)
	o.Batt = fromNullF(batt)
	if sats.Valid {
		v := int(sats.Int64)
		o.Sats = &v
	}
	if frame.Valid {
		v := frame.Int64
		o.Frame = &v
	}
	return &o, nil
}

func nullF(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

func nullI(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}

func nullI64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func fromNullF(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}
