// Package kv is the key-value side of persistence: conversation history
// lists, the session reverse index and the per-session chat sets.
package kv

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"chatbridge/internal/config"
	"chatbridge/internal/domain"
)

// Store is implemented by the Redis and SQLite backends. Missing keys read as
// empty lists/sets; Get returns domain.ErrNotFound.
type Store interface {
	// ListPush prepends value and resets the whole list's expiry to ttl.
	ListPush(ctx context.Context, key, value string, ttl time.Duration) error
	// ListRange returns up to limit items, newest first. limit <= 0 means all.
	ListRange(ctx context.Context, key string, limit int) ([]string, error)
	// Set stores value. ttl 0 means no expiry.
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Get(ctx context.Context, key string) (string, error)
	SetAdd(ctx context.Context, key string, members ...string) error
	SetMembers(ctx context.Context, key string) ([]string, error)
	Delete(ctx context.Context, keys ...string) error
	Ping(ctx context.Context) error
	Close() error
}

// HistoryKey is the list holding a conversation's history entries.
func HistoryKey(k domain.ConversationKey) string {
	return "chat:history:" + k.AccountID + ":" + k.ChatID + ":" + string(k.Channel)
}

// SessionAccountKey maps a session back to its account.
func SessionAccountKey(ch domain.Channel, sessionID string) string {
	return "session:account:" + string(ch) + ":" + sessionID
}

// SessionChatsKey is the set of chat ids a session has answered.
func SessionChatsKey(ch domain.Channel, sessionID string) string {
	return "session:chats:" + string(ch) + ":" + sessionID
}

func notFound(key string) error {
	return domain.NewError(domain.ErrNotFound, "kv get", "key "+key+" not found", nil)
}

// Open builds the backend selected by cfg.Driver.
func Open(ctx context.Context, cfg config.KVConfig, logger *slog.Logger) (Store, error) {
	switch cfg.Driver {
	case "redis":
		r := NewRedis(RedisConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			Logger:   logger,
		})
		if err := r.Ping(ctx); err != nil {
			r.Close()
			return nil, fmt.Errorf("redis %s: %w", cfg.RedisAddr, err)
		}
		return r, nil
	case "sqlite", "":
		return NewSQLite(cfg.Path, logger)
	}
	return nil, fmt.Errorf("unknown kv driver %q", cfg.Driver)
}
