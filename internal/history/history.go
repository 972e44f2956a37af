// Package history keeps the recent exchanges of each conversation and renders
// them into the textual prefix handed to the content orchestrator.
package history

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"chatbridge/internal/domain"
	"chatbridge/internal/kv"
)

const (
	DefaultRetention = 4 * time.Hour
	DefaultLimit     = 10
)

// Store is the conversation context store.
type Store struct {
	kv        kv.Store
	retention time.Duration
	limit     int
	logger    *slog.Logger
	now       func() time.Time
}

type Config struct {
	KV        kv.Store
	Retention time.Duration
	Limit     int
	Logger    *slog.Logger
}

func New(cfg Config) *Store {
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}
	if cfg.Limit <= 0 {
		cfg.Limit = DefaultLimit
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Store{
		kv:        cfg.KV,
		retention: cfg.Retention,
		limit:     cfg.Limit,
		logger:    cfg.Logger.With("component", "history"),
		now:       time.Now,
	}
}

// LoadContext returns up to limit recent entries for key, oldest first.
// limit <= 0 uses the configured default. Entries older than the retention
// window are skipped even while the list itself is still alive, so a fresh
// push never revives them. Undecodable entries are logged and skipped.
func (s *Store) LoadContext(ctx context.Context, key domain.ConversationKey, limit int) ([]domain.HistoryEntry, error) {
	if limit <= 0 {
		limit = s.limit
	}
	raw, err := s.kv.ListRange(ctx, kv.HistoryKey(key), limit)
	if err != nil {
		return nil, fmt.Errorf("load history %s: %w", key, err)
	}

	cutoff := s.now().Add(-s.retention)
	entries := make([]domain.HistoryEntry, 0, len(raw))
	for _, item := range raw {
		var e domain.HistoryEntry
		if err := json.Unmarshal([]byte(item), &e); err != nil {
			s.logger.Warn("skipping malformed history entry", "key", key.String(), "err", err)
			continue
		}
		if !e.Timestamp.IsZero() && e.Timestamp.Before(cutoff) {
			continue
		}
		entries = append(entries, e)
	}

	// Stored newest first; reverse to chronological order.
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	return entries, nil
}

// Append records a completed exchange and resets the list's expiry.
func (s *Store) Append(ctx context.Context, key domain.ConversationKey, entry domain.HistoryEntry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = s.now().UTC()
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal history entry: %w", err)
	}
	if err := s.kv.ListPush(ctx, kv.HistoryKey(key), string(data), s.retention); err != nil {
		return fmt.Errorf("append history %s: %w", key, err)
	}
	return nil
}

// Clear drops every entry of a conversation.
func (s *Store) Clear(ctx context.Context, key domain.ConversationKey) error {
	return s.kv.Delete(ctx, kv.HistoryKey(key))
}

// RenderPrefix renders entries (oldest first) into the context prefix. Each
// entry becomes an optional "Contexto anterior:" line, the user messages and
// the assistant reply; entries are separated by a blank line.
func RenderPrefix(entries []domain.HistoryEntry) string {
	if len(entries) == 0 {
		return ""
	}
	parts := make([]string, 0, len(entries))
	for _, e := range entries {
		var b strings.Builder
		if e.PriorContext != "" {
			b.WriteString("Contexto anterior: ")
			b.WriteString(e.PriorContext)
			b.WriteString("\n")
		}
		b.WriteString("Usuario: ")
		b.WriteString(strings.Join(e.UserMessages, "\n"))
		b.WriteString("\nAsistente: ")
		b.WriteString(e.AssistantReply)
		b.WriteString("\n")
		parts = append(parts, b.String())
	}
	return strings.Join(parts, "\n")
}
