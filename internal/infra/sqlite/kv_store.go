// Package sqlite persists client-side quiz state in a local SQLite file, the
// equivalent of browser local storage for the command line client.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang/snappy"
	"quiz-sync-relay/internal/domain"

	_ "modernc.org/sqlite"
)

// DefaultQuota matches the common 5 MB browser local storage allowance.
const DefaultQuota = 5 * 1024 * 1024

type Config struct {
	// Path to the SQLite database file.
	Path string
	// Quota bounds the total uncompressed size of keys plus values; 0 disables it.
	Quota int
	// BusyTimeout in milliseconds.
	BusyTimeout int
}

func DefaultConfig() Config {
	return Config{
		Path:        "quiz-client.db",
		Quota:       DefaultQuota,
		BusyTimeout: 5000,
	}
}

// KVStore is a key/value store with snappy-compressed values. Quota accounting
// uses uncompressed sizes so behaviour matches the browser client.
type KVStore struct {
	db    *sql.DB
	quota int
}

func Open(cfg Config) (*KVStore, error) {
	if cfg.Path == "" {
		cfg.Path = DefaultConfig().Path
	}
	if cfg.BusyTimeout <= 0 {
		cfg.BusyTimeout = 5000
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)", cfg.Path, cfg.BusyTimeout)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS kv (
			key        TEXT PRIMARY KEY,
			value      BLOB NOT NULL,
			raw_size   INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return &KVStore{db: db, quota: cfg.Quota}, nil
}

func (s *KVStore) Get(ctx context.Context, key string) ([]byte, error) {
	var blob []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	value, err := snappy.Decode(nil, blob)
	if err != nil {
		return nil, fmt.Errorf("decompress %s: %w", key, err)
	}
	return value, nil
}

// Set stores value under key, or returns domain.ErrStorageQuota when the
// write would take the store past its quota.
func (s *KVStore) Set(ctx context.Context, key string, value []byte) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	size := len(key) + len(value)
	if s.quota > 0 {
		var used int
		err := tx.QueryRowContext(ctx,
			`SELECT COALESCE(SUM(length(CAST(key AS BLOB)) + raw_size), 0) FROM kv WHERE key != ?`, key).Scan(&used)
		if err != nil {
			return fmt.Errorf("measure usage: %w", err)
		}
		if used+size > s.quota {
			return fmt.Errorf("%w: writing %s needs %d bytes, %d of %d used", domain.ErrStorageQuota, key, size, used, s.quota)
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO kv (key, value, raw_size, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, raw_size = excluded.raw_size, updated_at = excluded.updated_at`,
		key, snappy.Encode(nil, value), len(value), time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("write %s: %w", key, err)
	}
	return tx.Commit()
}

func (s *KVStore) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// Keys lists stored keys with the given prefix in sorted order.
func (s *KVStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key FROM kv ORDER BY key`)
	if err != nil {
		return nil, fmt.Errorf("list keys: %w", err)
	}
	defer rows.Close()
	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("scan key: %w", err)
		}
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	return keys, rows.Err()
}

func (s *KVStore) Close() error {
	return s.db.Close()
}
