package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// DB is the SQLite mirror of persisted records plus per-device backlog
// watermarks. The CSV log stays authoritative; the mirror exists for queries.
type DB struct {
	*sql.DB
}

// OpenDB opens (or creates) the SQLite file at path in WAL mode and applies
// the schema.
func OpenDB(path string) (*DB, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=5000", path)
	raw, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: open %s: %w", path, err)
	}
	if err := raw.Ping(); err != nil {
		raw.Close()
		return nil, fmt.Errorf("storage: ping: %w", err)
	}
	// One writer; WAL still lets readers run alongside.
	raw.SetMaxOpenConns(1)

	db := &DB{raw}
	if err := db.migrate(); err != nil {
		raw.Close()
		return nil, err
	}
	return db, nil
}

func (db *DB) migrate() error {
	for _, stmt := range []string{ddlRecords, ddlWatermarks} {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("storage: migrate: %w", err)
		}
	}
	return nil
}

const ddlRecords = `
CREATE TABLE IF NOT EXISTS records (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    ts          INTEGER NOT NULL,          -- Unix milliseconds
    temp        REAL,
    hum         REAL,
    press       REAL,
    pm25        REAL,
    pm10        REAL,
    source      TEXT    NOT NULL DEFAULT 'stream' -- 'stream' | 'backlog'
);
CREATE INDEX IF NOT EXISTS idx_records_ts ON records (ts);
`

const ddlWatermarks = `
CREATE TABLE IF NOT EXISTS watermarks (
    address     TEXT    PRIMARY KEY,
    byte_offset INTEGER NOT NULL,
    updated_at  INTEGER NOT NULL           -- Unix milliseconds
);
`

// Record sources stored alongside mirrored rows.
const (
	SourceStream  = "stream"
	SourceBacklog = "backlog"
)

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

func floatPtr(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}

// InsertRecord mirrors one record.
func (db *DB) InsertRecord(ctx context.Context, rec Record, source string) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO records (ts, temp, hum, press, pm25, pm10, source) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.Timestamp,
		nullFloat(rec.Temperature),
		nullFloat(rec.Humidity),
		nullFloat(rec.Pressure),
		nullFloat(rec.PM25),
		nullFloat(rec.PM10),
		source,
	)
	if err != nil {
		return fmt.Errorf("storage: insert record: %w", err)
	}
	return nil
}

// Records returns mirrored rows matching f, oldest first. limit <= 0 means
// no limit.
func (db *DB) Records(ctx context.Context, f Filter, limit int) ([]Record, error) {
	query := `SELECT ts, temp, hum, press, pm25, pm10 FROM records WHERE 1=1`
	var args []any
	if !f.From.IsZero() {
		query += ` AND ts >= ?`
		args = append(args, f.From.UnixMilli())
	}
	if !f.To.IsZero() {
		query += ` AND ts <= ?`
		args = append(args, f.To.UnixMilli())
	}
	query += ` ORDER BY ts ASC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: query records: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			rec                          Record
			temp, hum, press, pm25, pm10 sql.NullFloat64
		)
		if err := rows.Scan(&rec.Timestamp, &temp, &hum, &press, &pm25, &pm10); err != nil {
			return nil, fmt.Errorf("storage: scan record: %w", err)
		}
		rec.Temperature = floatPtr(temp)
		rec.Humidity = floatPtr(hum)
		rec.Pressure = floatPtr(press)
		rec.PM25 = floatPtr(pm25)
		rec.PM10 = floatPtr(pm10)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Watermark returns the confirmed backlog offset for address. ok is false
// when no transfer has been recorded for the device.
func (db *DB) Watermark(ctx context.Context, address string) (offset uint32, ok bool, err error) {
	var v int64
	err = db.QueryRowContext(ctx, `SELECT byte_offset FROM watermarks WHERE address = ?`, address).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("storage: read watermark: %w", err)
	}
	return uint32(v), true, nil
}

// SetWatermark records the confirmed backlog offset for address.
func (db *DB) SetWatermark(ctx context.Context, address string, offset uint32, atMillis int64) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO watermarks (address, byte_offset, updated_at) VALUES (?, ?, ?)
         ON CONFLICT(address) DO UPDATE SET byte_offset = excluded.byte_offset, updated_at = excluded.updated_at`,
		address, int64(offset), atMillis,
	)
	if err != nil {
		return fmt.Errorf("storage: save watermark: %w", err)
	}
	return nil
}
