package state

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using SQLite. Every operation is a single
// statement, so the atomicity guarantees come straight from the database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database and runs migrations.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("state store: open: %w", err)
	}

	// Enable WAL mode for better concurrent reads
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("state store: wal: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS kv (
			key        TEXT PRIMARY KEY,
			value      TEXT NOT NULL,
			expires_at INTEGER
		);
	`)
	if err != nil {
		return fmt.Errorf("state store: migrate: %w", err)
	}
	return nil
}

func (s *SQLiteStore) SetIfAbsent(key, value string, ttl time.Duration) (bool, error) {
	now := time.Now().UnixMilli()
	var expiresAt *int64
	if ttl > 0 {
		v := time.Now().Add(ttl).UnixMilli()
		expiresAt = &v
	}

	// The ON CONFLICT clause only fires when the existing entry has expired,
	// so a live entry wins and RowsAffected reports 0.
	result, err := s.db.Exec(`
		INSERT INTO kv (key, value, expires_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value=excluded.value, expires_at=excluded.expires_at
		WHERE kv.expires_at IS NOT NULL AND kv.expires_at <= ?
	`, key, value, expiresAt, now)
	if err != nil {
		return false, fmt.Errorf("state store: set if absent: %w", err)
	}
	n, _ := result.RowsAffected()
	return n > 0, nil
}

func (s *SQLiteStore) Set(key, value string) error {
	_, err := s.db.Exec(`
		INSERT INTO kv (key, value, expires_at) VALUES (?, ?, NULL)
		ON CONFLICT(key) DO UPDATE SET value=excluded.value, expires_at=NULL
	`, key, value)
	if err != nil {
		return fmt.Errorf("state store: set: %w", err)
	}
	return nil
}

func (s *SQLiteStore) CompareAndSwap(key, old, next string) (bool, error) {
	now := time.Now().UnixMilli()
	result, err := s.db.Exec(`
		UPDATE kv SET value = ?
		WHERE key = ? AND value = ? AND (expires_at IS NULL OR expires_at > ?)
	`, next, key, old, now)
	if err != nil {
		return false, fmt.Errorf("state store: compare and swap: %w", err)
	}
	n, _ := result.RowsAffected()
	return n > 0, nil
}

func (s *SQLiteStore) Get(key string) (string, error) {
	now := time.Now().UnixMilli()
	var value string
	err := s.db.QueryRow(`
		SELECT value FROM kv WHERE key = ? AND (expires_at IS NULL OR expires_at > ?)
	`, key, now).Scan(&value)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("state store: get: %w", err)
	}
	return value, nil
}

func (s *SQLiteStore) Delete(key string) error {
	if _, err := s.db.Exec(`DELETE FROM kv WHERE key = ?`, key); err != nil {
		return fmt.Errorf("state store: delete: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
