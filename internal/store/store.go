// Package store persists accounts, AI credentials and per-channel session
// records in SQLite.
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

	"chatbridge/internal/domain"

	_ "modernc.org/sqlite"
)

// SQLiteStore is the relational store.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewSQLiteStore(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create database directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("cannot open database: %w", err)
	}

	// Pragmas are per connection, so keep exactly one.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	if err := RunMigrations(db, logger); err != nil {
		db.Close()
		return nil, fmt.Errorf("database migration failed: %w", err)
	}

	return &SQLiteStore{db: db, logger: logger.With("component", "store")}, nil
}

// --- accounts ---

func (s *SQLiteStore) CreateAccount(ctx context.Context, acc domain.Account) error {
	if acc.CreatedAt.IsZero() {
		acc.CreatedAt = time.Now().UTC()
	}
	if acc.Tier == "" {
		acc.Tier = "standard"
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO accounts (account_id, tier, created_at) VALUES (?, ?, ?)`,
		acc.ID, acc.Tier, acc.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert account: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.NewError(domain.ErrConflict, "create account", fmt.Sprintf("account %s already exists", acc.ID), nil)
	}
	return nil
}

func (s *SQLiteStore) GetAccount(ctx context.Context, id string) (*domain.Account, error) {
	var acc domain.Account
	err := s.db.QueryRowContext(ctx,
		`SELECT account_id, tier, created_at FROM accounts WHERE account_id = ?`, id,
	).Scan(&acc.ID, &acc.Tier, &acc.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.NewError(domain.ErrNotFound, "get account", fmt.Sprintf("account %s not found", id), nil)
	}
	if err != nil {
		return nil, err
	}
	return &acc, nil
}

func (s *SQLiteStore) ListAccounts(ctx context.Context) ([]domain.Account, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT account_id, tier, created_at FROM accounts ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accs []domain.Account
	for rows.Next() {
		var a domain.Account
		if err := rows.Scan(&a.ID, &a.Tier, &a.CreatedAt); err != nil {
			return nil, err
		}
		accs = append(accs, a)
	}
	return accs, rows.Err()
}

// --- credential records ---

// PutCredential creates or replaces the account's AI key.
func (s *SQLiteStore) PutCredential(ctx context.Context, rec domain.CredentialRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO credential_records (account_id, api_key, created_at) VALUES (?, ?, ?)
		 ON CONFLICT(account_id) DO UPDATE SET api_key = excluded.api_key, created_at = excluded.created_at`,
		rec.AccountID, rec.APIKey, rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert credential: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetCredential(ctx context.Context, accountID string) (*domain.CredentialRecord, error) {
	var rec domain.CredentialRecord
	err := s.db.QueryRowContext(ctx,
		`SELECT account_id, api_key, created_at FROM credential_records WHERE account_id = ?`, accountID,
	).Scan(&rec.AccountID, &rec.APIKey, &rec.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.NewError(domain.ErrNotFound, "get credential", "no credential configured for account "+accountID, nil)
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *SQLiteStore) DeleteCredential(ctx context.Context, accountID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM credential_records WHERE account_id = ?`, accountID)
	if err != nil {
		return fmt.Errorf("delete credential: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.NewError(domain.ErrNotFound, "delete credential", "no credential configured for account "+accountID, nil)
	}
	return nil
}

// --- sessions ---

func sessionTable(ch domain.Channel) (string, error) {
	switch ch {
	case domain.ChannelWhatsApp:
		return "sessions_whatsapp", nil
	case domain.ChannelTelegram:
		return "sessions_telegram", nil
	}
	return "", fmt.Errorf("no session table for channel %q", ch)
}

// SaveSession inserts or refreshes a session row. On conflict the credential
// and auth parameters are replaced; account_id and created_at are kept.
func (s *SQLiteStore) SaveSession(ctx context.Context, rec domain.SessionRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	var err error
	switch rec.Channel {
	case domain.ChannelWhatsApp:
		_, err = s.db.ExecContext(ctx,
			`INSERT INTO sessions_whatsapp (session_id, account_id, credential, auth_method, phone_number, created_at)
			 VALUES (?, ?, ?, ?, ?, ?)
			 ON CONFLICT(session_id) DO UPDATE SET
				credential = excluded.credential,
				auth_method = excluded.auth_method,
				phone_number = excluded.phone_number`,
			rec.SessionID, rec.AccountID, rec.Credential, string(rec.AuthMethod), rec.PhoneNumber, rec.CreatedAt,
		)
	case domain.ChannelTelegram:
		_, err = s.db.ExecContext(ctx,
			`INSERT INTO sessions_telegram (session_id, account_id, credential, api_id, api_hash, phone_number, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(session_id) DO UPDATE SET
				credential = excluded.credential,
				api_id = excluded.api_id,
				api_hash = excluded.api_hash,
				phone_number = excluded.phone_number`,
			rec.SessionID, rec.AccountID, rec.Credential, rec.APIID, rec.APIHash, rec.PhoneNumber, rec.CreatedAt,
		)
	default:
		_, err = sessionTable(rec.Channel)
	}
	if err != nil {
		return fmt.Errorf("save session %s: %w", rec.SessionID, err)
	}
	return nil
}

func (s *SQLiteStore) GetSession(ctx context.Context, ch domain.Channel, sessionID string) (*domain.SessionRecord, error) {
	recs, err := s.querySessions(ctx, ch, "WHERE session_id = ?", sessionID)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, domain.NewError(domain.ErrNotFound, "get session", fmt.Sprintf("session %s not found", sessionID), nil)
	}
	return &recs[0], nil
}

// ListSessions returns every persisted session of a channel, oldest first.
func (s *SQLiteStore) ListSessions(ctx context.Context, ch domain.Channel) ([]domain.SessionRecord, error) {
	return s.querySessions(ctx, ch, "ORDER BY created_at ASC")
}

func (s *SQLiteStore) DeleteSession(ctx context.Context, ch domain.Channel, sessionID string) error {
	table, err := sessionTable(ch)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM `+table+` WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("delete session %s: %w", sessionID, err)
	}
	return nil
}

func (s *SQLiteStore) querySessions(ctx context.Context, ch domain.Channel, tail string, args ...any) ([]domain.SessionRecord, error) {
	var query string
	switch ch {
	case domain.ChannelWhatsApp:
		query = `SELECT session_id, account_id, credential, auth_method, phone_number, '', '', created_at FROM sessions_whatsapp `
	case domain.ChannelTelegram:
		query = `SELECT session_id, account_id, credential, '', phone_number, api_id, api_hash, created_at FROM sessions_telegram `
	default:
		_, err := sessionTable(ch)
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, query+tail, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []domain.SessionRecord
	for rows.Next() {
		r := domain.SessionRecord{Channel: ch}
		var method string
		if err := rows.Scan(&r.SessionID, &r.AccountID, &r.Credential, &method,
			&r.PhoneNumber, &r.APIID, &r.APIHash, &r.CreatedAt); err != nil {
			return nil, err
		}
		r.AuthMethod = domain.AuthMethod(method)
		recs = append(recs, r)
	}
	return recs, rows.Err()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
