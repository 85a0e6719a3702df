package cache

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// SQLiteStore persists records in an embedded SQLite database with WAL.
// Rows are upserted by key, so the table never holds dead duplicates;
// Rewrite drops everything that is no longer live.
type SQLiteStore struct {
	conn *sql.DB
	path string
}

// OpenSQLiteStore opens (creating if needed) the database at path.
func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", fmt.Sprintf("file:%s", path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(1)

	s := &SQLiteStore{conn: conn, path: path}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := conn.Exec(p); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", p, err)
		}
	}

	schema := `
	CREATE TABLE IF NOT EXISTS cache_entries (
		key TEXT PRIMARY KEY,
		value BLOB NOT NULL,
		created_at INTEGER NOT NULL,  -- unix nanoseconds
		ttl_seconds REAL NOT NULL
	);
	`
	if _, err := conn.Exec(schema); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return s, nil
}

// Path returns the database file path.
func (s *SQLiteStore) Path() string {
	return s.path
}

// Load implements Store.
func (s *SQLiteStore) Load(fn func(Record)) (int, error) {
	rows, err := s.conn.QueryContext(context.Background(),
		`SELECT key, value, created_at, ttl_seconds FROM cache_entries ORDER BY created_at`)
	if err != nil {
		return 0, &CorruptionError{Path: s.path, Err: err}
	}
	defer rows.Close()

	skipped := 0
	for rows.Next() {
		var (
			rec       Record
			createdNs int64
		)
		if err := rows.Scan(&rec.Key, &rec.Value, &createdNs, &rec.TTLSeconds); err != nil {
			skipped++
			continue
		}
		rec.CreatedAt = time.Unix(0, createdNs)
		if !rec.valid() {
			skipped++
			continue
		}
		fn(rec)
	}
	if err := rows.Err(); err != nil {
		return skipped, &CorruptionError{Path: s.path, Err: err}
	}
	return skipped, nil
}

// Append implements Store.
func (s *SQLiteStore) Append(rec Record) error {
	query := `
	INSERT INTO cache_entries (key, value, created_at, ttl_seconds)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(key) DO UPDATE SET
		value = excluded.value,
		created_at = excluded.created_at,
		ttl_seconds = excluded.ttl_seconds
	`
	if _, err := s.conn.Exec(query, rec.Key, rec.Value, rec.CreatedAt.UnixNano(), rec.TTLSeconds); err != nil {
		return fmt.Errorf("failed to upsert cache entry %s: %w", rec.Key, err)
	}
	return nil
}

// Rewrite implements Store.
func (s *SQLiteStore) Rewrite(recs []Record) error {
	tx, err := s.conn.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`DELETE FROM cache_entries`); err != nil {
		return fmt.Errorf("failed to clear cache entries: %w", err)
	}

	stmt, err := tx.Prepare(`INSERT INTO cache_entries (key, value, created_at, ttl_seconds) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, rec := range recs {
		if _, err := stmt.Exec(rec.Key, rec.Value, rec.CreatedAt.UnixNano(), rec.TTLSeconds); err != nil {
			return fmt.Errorf("failed to insert cache entry %s: %w", rec.Key, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit compaction: %w", err)
	}
	return nil
}

// Close implements Store. A WAL checkpoint runs first so the database file
// is self-contained.
func (s *SQLiteStore) Close() error {
	if s.conn == nil {
		return nil
	}
	if _, err := s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}
	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	s.conn = nil
	return nil
}
