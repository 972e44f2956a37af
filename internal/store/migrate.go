package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
)

// schemaVersion is the current expected schema version.
const schemaVersion = 2

type migration struct {
	Version     int
	Description string
	SQL         string
}

// Each migration is applied exactly once, tracked in the schema_version table.
var migrations = []migration{
	{
		Version:     1,
		Description: "accounts and credential records",
		SQL: `
		CREATE TABLE IF NOT EXISTS accounts (
			account_id  TEXT PRIMARY KEY,
			tier        TEXT NOT NULL DEFAULT 'standard',
			created_at  DATETIME NOT NULL
		);

		CREATE TABLE IF NOT EXISTS credential_records (
			account_id  TEXT PRIMARY KEY REFERENCES accounts(account_id),
			api_key     TEXT NOT NULL,
			created_at  DATETIME NOT NULL
		);
		`,
	},
	{
		Version:     2,
		Description: "per-channel session tables",
		SQL: `
		CREATE TABLE IF NOT EXISTS sessions_whatsapp (
			session_id    TEXT PRIMARY KEY,
			account_id    TEXT NOT NULL REFERENCES accounts(account_id),
			credential    TEXT NOT NULL DEFAULT '',
			auth_method   TEXT NOT NULL DEFAULT 'qr',
			phone_number  TEXT NOT NULL DEFAULT '',
			created_at    DATETIME NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_sessions_whatsapp_account ON sessions_whatsapp(account_id);

		CREATE TABLE IF NOT EXISTS sessions_telegram (
			session_id    TEXT PRIMARY KEY,
			account_id    TEXT NOT NULL REFERENCES accounts(account_id),
			credential    TEXT NOT NULL DEFAULT '',
			api_id        TEXT NOT NULL DEFAULT '',
			api_hash      TEXT NOT NULL DEFAULT '',
			phone_number  TEXT NOT NULL DEFAULT '',
			created_at    DATETIME NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_sessions_telegram_account ON sessions_telegram(account_id);
		`,
	},
}

// RunMigrations applies all pending schema migrations inside one
// transaction each.
func RunMigrations(db *sql.DB, logger *slog.Logger) error {
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version     INTEGER PRIMARY KEY,
			description TEXT,
			applied_at  DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	current, err := GetSchemaVersion(db)
	if err != nil {
		return fmt.Errorf("query schema version: %w", err)
	}

	for _, m := range migrations {
		if m.Version <= current {
			continue
		}
		logger.Info("applying migration", "version", m.Version, "description", m.Description)

		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration v%d: %w", m.Version, err)
		}
		for _, stmt := range splitSQL(m.SQL) {
			if _, err := tx.Exec(stmt); err != nil {
				tx.Rollback()
				return fmt.Errorf("migration v%d failed: %w\nSQL: %s", m.Version, err, truncate(stmt, 200))
			}
		}
		if _, err := tx.Exec(
			"INSERT OR REPLACE INTO schema_version (version, description) VALUES (?, ?)",
			m.Version, m.Description,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration v%d: %w", m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration v%d: %w", m.Version, err)
		}
	}
	return nil
}

// GetSchemaVersion returns the highest applied version, 0 for a fresh database.
func GetSchemaVersion(db *sql.DB) (int, error) {
	var name string
	err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name='schema_version'").Scan(&name)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	var version int
	if err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version); err != nil {
		return 0, err
	}
	return version, nil
}

func splitSQL(s string) []string {
	var out []string
	for _, stmt := range strings.Split(s, ";") {
		if stmt = strings.TrimSpace(stmt); stmt != "" {
			out = append(out, stmt)
		}
	}
	return out
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
