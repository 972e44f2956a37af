package kv

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLite emulates the Redis subset on a single database file for
// deployments without a Redis server. Expiry is evaluated lazily on read.
type SQLite struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
}

func NewSQLite(path string, logger *slog.Logger) (*SQLite, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("cannot create kv directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("cannot open kv database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &SQLite{db: db, logger: logger.With("component", "kv", "driver", "sqlite"), now: time.Now}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("kv migration failed: %w", err)
	}
	return s, nil
}

func (s *SQLite) migrate() error {
	schema := `
	PRAGMA journal_mode=WAL;
	PRAGMA busy_timeout=5000;

	CREATE TABLE IF NOT EXISTS kv_strings (
		key         TEXT PRIMARY KEY,
		value       TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS kv_lists (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		key         TEXT NOT NULL,
		value       TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_kv_lists_key ON kv_lists(key, id);

	CREATE TABLE IF NOT EXISTS kv_sets (
		key         TEXT NOT NULL,
		member      TEXT NOT NULL,
		PRIMARY KEY (key, member)
	);

	CREATE TABLE IF NOT EXISTS kv_expiry (
		key         TEXT PRIMARY KEY,
		expires_at  INTEGER NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// expired drops key everywhere if its deadline has passed.
func (s *SQLite) expired(ctx context.Context, key string) (bool, error) {
	var deadline int64
	err := s.db.QueryRowContext(ctx, `SELECT expires_at FROM kv_expiry WHERE key = ?`, key).Scan(&deadline)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if s.now().UnixNano() < deadline {
		return false, nil
	}
	return true, s.Delete(ctx, key)
}

func (s *SQLite) setExpiry(ctx context.Context, tx *sql.Tx, key string, ttl time.Duration) error {
	if ttl <= 0 {
		_, err := tx.ExecContext(ctx, `DELETE FROM kv_expiry WHERE key = ?`, key)
		return err
	}
	_, err := tx.ExecContext(ctx,
		`INSERT INTO kv_expiry (key, expires_at) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET expires_at = excluded.expires_at`,
		key, s.now().Add(ttl).UnixNano())
	return err
}

func (s *SQLite) ListPush(ctx context.Context, key, value string, ttl time.Duration) error {
	if _, err := s.expired(ctx, key); err != nil {
		return err
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `INSERT INTO kv_lists (key, value) VALUES (?, ?)`, key, value); err != nil {
			return err
		}
		if ttl > 0 {
			return s.setExpiry(ctx, tx, key, ttl)
		}
		return nil
	})
}

func (s *SQLite) ListRange(ctx context.Context, key string, limit int) ([]string, error) {
	if gone, err := s.expired(ctx, key); err != nil || gone {
		return nil, err
	}
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT value FROM kv_lists WHERE key = ? ORDER BY id DESC LIMIT ?`, key, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (s *SQLite) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO kv_strings (key, value) VALUES (?, ?)
			 ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value); err != nil {
			return err
		}
		return s.setExpiry(ctx, tx, key, ttl)
	})
}

func (s *SQLite) Get(ctx context.Context, key string) (string, error) {
	if gone, err := s.expired(ctx, key); err != nil {
		return "", err
	} else if gone {
		return "", notFound(key)
	}
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv_strings WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", notFound(key)
	}
	return v, err
}

func (s *SQLite) SetAdd(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		for _, m := range members {
			if _, err := tx.ExecContext(ctx,
				`INSERT OR IGNORE INTO kv_sets (key, member) VALUES (?, ?)`, key, m); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *SQLite) SetMembers(ctx context.Context, key string) ([]string, error) {
	if gone, err := s.expired(ctx, key); err != nil || gone {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `SELECT member FROM kv_sets WHERE key = ? ORDER BY member`, key)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var m string
		if err := rows.Scan(&m); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *SQLite) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(keys)), ",")
	args := make([]any, len(keys))
	for i, k := range keys {
		args[i] = k
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		for _, table := range []string{"kv_strings", "kv_lists", "kv_sets", "kv_expiry"} {
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM `+table+` WHERE key IN (`+placeholders+`)`, args...); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *SQLite) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}
