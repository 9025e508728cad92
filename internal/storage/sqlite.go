package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"
)

// SQLiteBackend stores every area in one SQLite table
type SQLiteBackend struct {
	db *sql.DB
}

// NewSQLiteBackend opens (or creates) the database at path. ":memory:" is
// accepted for ephemeral stores.
func NewSQLiteBackend(path string) (*SQLiteBackend, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// a single connection keeps ":memory:" databases shared and serializes writers
	db.SetMaxOpenConns(1)

	backend := &SQLiteBackend{db: db}
	if err := backend.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return backend, nil
}

func (s *SQLiteBackend) initSchema() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS kv (
			area TEXT NOT NULL,
			key TEXT NOT NULL,
			value BLOB NOT NULL,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (area, key)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_kv_area ON kv(area)`,
	}

	for _, query := range queries {
		if _, err := s.db.Exec(query); err != nil {
			return fmt.Errorf("failed to execute query: %w", err)
		}
	}
	return nil
}

func (s *SQLiteBackend) Get(ctx context.Context, area Area, keys []string) (map[string][]byte, error) {
	if err := checkArea(area); err != nil {
		return nil, err
	}
	result := make(map[string][]byte, len(keys))
	if len(keys) == 0 {
		return result, nil
	}

	args := make([]interface{}, 0, len(keys)+1)
	args = append(args, string(area))
	for _, key := range keys {
		args = append(args, key)
	}
	query := `SELECT key, value FROM kv WHERE area = ? AND key IN (?` + strings.Repeat(", ?", len(keys)-1) + `)`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query keys: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var key string
		var value []byte
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("failed to scan value: %w", err)
		}
		result[key] = value
	}
	return result, rows.Err()
}

func (s *SQLiteBackend) Set(ctx context.Context, area Area, items map[string][]byte) error {
	if err := checkArea(area); err != nil {
		return err
	}
	if len(items) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO kv (area, key, value, updated_at) VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(area, key) DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP`)
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	for key, value := range items {
		if value == nil {
			value = []byte{}
		}
		if _, err := stmt.ExecContext(ctx, string(area), key, value); err != nil {
			return fmt.Errorf("failed to write %s: %w", key, err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteBackend) Remove(ctx context.Context, area Area, keys []string) error {
	if err := checkArea(area); err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}

	args := make([]interface{}, 0, len(keys)+1)
	args = append(args, string(area))
	for _, key := range keys {
		args = append(args, key)
	}
	query := `DELETE FROM kv WHERE area = ? AND key IN (?` + strings.Repeat(", ?", len(keys)-1) + `)`
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to remove keys: %w", err)
	}
	return nil
}

func (s *SQLiteBackend) Keys(ctx context.Context, area Area) ([]string, error) {
	if err := checkArea(area); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `SELECT key FROM kv WHERE area = ? ORDER BY key`, string(area))
	if err != nil {
		return nil, fmt.Errorf("failed to list keys: %w", err)
	}
	defer rows.Close()

	keys := []string{}
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("failed to scan key: %w", err)
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

func (s *SQLiteBackend) BytesInUse(ctx context.Context, area Area) (int64, error) {
	if err := checkArea(area); err != nil {
		return 0, err
	}
	var total int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(LENGTH(CAST(key AS BLOB)) + LENGTH(value)), 0) FROM kv WHERE area = ?`,
		string(area)).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to measure area: %w", err)
	}
	return total, nil
}

// Close closes the database connection
func (s *SQLiteBackend) Close() error {
	return s.db.Close()
}
