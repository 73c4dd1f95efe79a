// ABOUTME: SQLite implementation of SampleStore using modernc.org/sqlite
// ABOUTME: Creates the stats table on open and enables WAL for concurrent sampler and reader

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements SampleStore using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore opens (or creates) the database at path.
// Parent directories are created if needed.
func NewSQLiteStore(path string, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "store")

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode so the sampler can write while a command reads
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

func (s *SQLiteStore) createSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS stats (
			timestamp INTEGER PRIMARY KEY,
			cpu_usage REAL NOT NULL
		);
	`)
	return err
}

// Insert stores a sample, replacing any sample with the same timestamp.
func (s *SQLiteStore) Insert(ctx context.Context, sample Sample) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO stats (timestamp, cpu_usage) VALUES (?, ?)`,
		sample.Timestamp, sample.CPUUsage,
	)
	if err != nil {
		return fmt.Errorf("inserting sample: %w", err)
	}
	return nil
}

// History returns up to limit samples, newest first.
func (s *SQLiteStore) History(ctx context.Context, limit int) ([]Sample, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT timestamp, cpu_usage FROM stats ORDER BY timestamp DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying history: %w", err)
	}
	defer rows.Close()

	samples := make([]Sample, 0, limit)
	for rows.Next() {
		var sample Sample
		if err := rows.Scan(&sample.Timestamp, &sample.CPUUsage); err != nil {
			return nil, fmt.Errorf("scanning sample: %w", err)
		}
		samples = append(samples, sample)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating history: %w", err)
	}
	return samples, nil
}

// Latest returns the newest sample.
func (s *SQLiteStore) Latest(ctx context.Context) (Sample, error) {
	var sample Sample
	err := s.db.QueryRowContext(ctx,
		`SELECT timestamp, cpu_usage FROM stats ORDER BY timestamp DESC LIMIT 1`,
	).Scan(&sample.Timestamp, &sample.CPUUsage)
	if errors.Is(err, sql.ErrNoRows) {
		return Sample{}, ErrNotFound
	}
	if err != nil {
		return Sample{}, fmt.Errorf("querying latest sample: %w", err)
	}
	return sample, nil
}

// DeleteBefore removes samples with a timestamp before cutoff.
func (s *SQLiteStore) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM stats WHERE timestamp < ?`, cutoff.Unix())
	if err != nil {
		return 0, fmt.Errorf("deleting old samples: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("counting deleted samples: %w", err)
	}
	return n, nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

var _ SampleStore = (*SQLiteStore)(nil)
