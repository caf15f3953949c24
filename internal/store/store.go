// Package store persists telemetry samples in SQLite, keyed by
// (device_id, timestamp). Nested memory/network/disk structures are
// stored as opaque text blobs and round-trip byte-for-byte; the store
// never interprets them.
package store

import (
	"context"
	"fmt"
	"strings"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"sysmon/internal/models"
	"sysmon/internal/utils"
)

const schema = `
	CREATE TABLE IF NOT EXISTS samples (
		device_id         TEXT NOT NULL,
		timestamp         INTEGER NOT NULL,
		cpu_usage_percent REAL,
		memory            TEXT,
		network           TEXT,
		disk              TEXT,
		PRIMARY KEY (device_id, timestamp)
	);
	CREATE INDEX IF NOT EXISTS idx_samples_device_time
		ON samples(device_id, timestamp);
`

// Store manages the SQLite sample table through a fixed-size
// connection pool. Writes are serialized by SQLite itself; the pool
// only buys concurrent reads.
type Store struct {
	pool   *sqlitex.Pool
	logger *utils.Logger
	path   string
}

// Config holds the parameters for opening a store.
type Config struct {
	// Path is the SQLite database file. Created if missing. Use
	// ":memory:" with PoolSize 1 for tests.
	Path string

	// PoolSize is the number of pooled connections. Defaults to 4.
	PoolSize int

	// Logger receives operational messages. Optional.
	Logger *utils.Logger
}

// Open creates the store, applying WAL pragmas and the sample schema
// to every connection on first use.
func Open(cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("store: Path is required")
	}

	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = 4
	}

	pool, err := sqlitex.NewPool(cfg.Path, sqlitex.PoolOptions{
		PoolSize: poolSize,
		PrepareConn: func(conn *sqlite.Conn) error {
			return prepareConnection(conn)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("store: opening %s: %w", cfg.Path, err)
	}

	s := &Store{pool: pool, logger: cfg.Logger, path: cfg.Path}
	s.logf("sample store opened at %s (pool %d)", cfg.Path, poolSize)
	return s, nil
}

func prepareConnection(conn *sqlite.Conn) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			return fmt.Errorf("store: %s: %w", pragma, err)
		}
	}
	return sqlitex.ExecuteScript(conn, schema, nil)
}

// Close closes the pool. Blocks until all borrowed connections are
// returned.
func (s *Store) Close() error {
	return s.pool.Close()
}

// Upsert writes one sample, replacing any existing row with the same
// (device_id, timestamp) key. The write is a single statement, so it
// is atomic: either every field lands or none do. Re-ingesting an
// identical payload is a no-op in effect.
func (s *Store) Upsert(ctx context.Context, sample models.Sample) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("store: upsert: %w", err)
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, `INSERT INTO samples
		(device_id, timestamp, cpu_usage_percent, memory, network, disk)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (device_id, timestamp) DO UPDATE SET
			cpu_usage_percent = excluded.cpu_usage_percent,
			memory  = excluded.memory,
			network = excluded.network,
			disk    = excluded.disk`,
		&sqlitex.ExecOptions{
			Args: []any{
				sample.DeviceID,
				sample.Timestamp,
				cpuColumn(sample),
				blobColumn(sample.Memory),
				blobColumn(sample.Network),
				blobColumn(sample.Disk),
			},
		})
	if err != nil {
		return fmt.Errorf("store: upsert %s@%d: %w", sample.DeviceID, sample.Timestamp, err)
	}
	return nil
}

// cpuColumn maps the optional CPU reading onto a nullable REAL.
func cpuColumn(sample models.Sample) any {
	if sample.CPUUsagePercent == nil {
		return nil
	}
	return *sample.CPUUsagePercent
}

// blobColumn stores raw JSON as TEXT. NULL for absent fields so the
// read side can tell "missing" from "empty".
func blobColumn(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

// DistinctDevices returns every device identifier ever stored, sorted
// by identifier.
func (s *Store) DistinctDevices(ctx context.Context) ([]string, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("store: distinct devices: %w", err)
	}
	defer s.pool.Put(conn)

	var devices []string
	err = sqlitex.Execute(conn,
		"SELECT DISTINCT device_id FROM samples ORDER BY device_id",
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				devices = append(devices, stmt.ColumnText(0))
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("store: distinct devices: %w", err)
	}
	return devices, nil
}

// Range returns every stored sample for the device with
// timestamp >= from, ascending by timestamp.
func (s *Store) Range(ctx context.Context, deviceID string, from int64) ([]models.Sample, error) {
	return s.query(ctx, deviceID,
		"SELECT device_id, timestamp, cpu_usage_percent, memory, network, disk "+
			"FROM samples WHERE device_id = ? AND timestamp >= ? ORDER BY timestamp ASC",
		deviceID, from)
}

// Recent returns at most limit samples for the device, descending by
// timestamp (newest first).
func (s *Store) Recent(ctx context.Context, deviceID string, limit int) ([]models.Sample, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.query(ctx, deviceID,
		"SELECT device_id, timestamp, cpu_usage_percent, memory, network, disk "+
			"FROM samples WHERE device_id = ? ORDER BY timestamp DESC LIMIT ?",
		deviceID, limit)
}

func (s *Store) query(ctx context.Context, deviceID, query string, args ...any) ([]models.Sample, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("store: query %s: %w", deviceID, err)
	}
	defer s.pool.Put(conn)

	var samples []models.Sample
	err = sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		Args: args,
		ResultFunc: func(stmt *sqlite.Stmt) error {
			samples = append(samples, scanSample(stmt))
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("store: query %s: %w", deviceID, err)
	}
	return samples, nil
}

func scanSample(stmt *sqlite.Stmt) models.Sample {
	// Columns: device_id(0), timestamp(1), cpu_usage_percent(2),
	// memory(3), network(4), disk(5)
	sample := models.Sample{
		DeviceID:  stmt.ColumnText(0),
		Timestamp: stmt.ColumnInt64(1),
	}
	if !stmt.ColumnIsNull(2) {
		cpu := stmt.ColumnFloat(2)
		sample.CPUUsagePercent = &cpu
	}
	sample.Memory = rawColumn(stmt, 3)
	sample.Network = rawColumn(stmt, 4)
	sample.Disk = rawColumn(stmt, 5)
	return sample
}

func rawColumn(stmt *sqlite.Stmt, column int) []byte {
	if stmt.ColumnIsNull(column) {
		return nil
	}
	text := stmt.ColumnText(column)
	if strings.TrimSpace(text) == "" {
		return nil
	}
	return []byte(text)
}

func (s *Store) logf(format string, args ...any) {
	if s.logger != nil {
		s.logger.Write(fmt.Sprintf(format, args...))
	}
}
