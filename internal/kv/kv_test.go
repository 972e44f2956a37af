package kv

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"chatbridge/internal/config"
	"chatbridge/internal/domain"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type backend struct {
	store   Store
	advance func(time.Duration)
}

func backends(t *testing.T) map[string]func(t *testing.T) backend {
	return map[string]func(t *testing.T) backend{
		"redis": func(t *testing.T) backend {
			mr := miniredis.RunT(t)
			r := NewRedis(RedisConfig{Addr: mr.Addr()})
			t.Cleanup(func() { r.Close() })
			return backend{store: r, advance: mr.FastForward}
		},
		"sqlite": func(t *testing.T) backend {
			s, err := NewSQLite(filepath.Join(t.TempDir(), "kv.db"), nil)
			require.NoError(t, err)
			t.Cleanup(func() { s.Close() })

			var mu sync.Mutex
			now := time.Now()
			s.now = func() time.Time {
				mu.Lock()
				defer mu.Unlock()
				return now
			}
			return backend{store: s, advance: func(d time.Duration) {
				mu.Lock()
				now = now.Add(d)
				mu.Unlock()
			}}
		},
	}
}

func TestListPushAndRangeNewestFirst(t *testing.T) {
	for name, mk := range backends(t) {
		t.Run(name, func(t *testing.T) {
			b := mk(t)
			ctx := context.Background()

			for _, v := range []string{"a", "b", "c"} {
				require.NoError(t, b.store.ListPush(ctx, "l", v, time.Hour))
			}

			all, err := b.store.ListRange(ctx, "l", 0)
			require.NoError(t, err)
			assert.Equal(t, []string{"c", "b", "a"}, all)

			two, err := b.store.ListRange(ctx, "l", 2)
			require.NoError(t, err)
			assert.Equal(t, []string{"c", "b"}, two)

			empty, err := b.store.ListRange(ctx, "missing", 5)
			require.NoError(t, err)
			assert.Empty(t, empty)
		})
	}
}

func TestListExpiryResetOnPush(t *testing.T) {
	for name, mk := range backends(t) {
		t.Run(name, func(t *testing.T) {
			b := mk(t)
			ctx := context.Background()

			require.NoError(t, b.store.ListPush(ctx, "l", "old", time.Hour))
			b.advance(50 * time.Minute)
			require.NoError(t, b.store.ListPush(ctx, "l", "new", time.Hour))
			b.advance(50 * time.Minute)

			items, err := b.store.ListRange(ctx, "l", 0)
			require.NoError(t, err)
			assert.Equal(t, []string{"new", "old"}, items, "push should extend the list deadline")

			b.advance(2 * time.Hour)
			items, err = b.store.ListRange(ctx, "l", 0)
			require.NoError(t, err)
			assert.Empty(t, items)
		})
	}
}

func TestSetGetDelete(t *testing.T) {
	for name, mk := range backends(t) {
		t.Run(name, func(t *testing.T) {
			b := mk(t)
			ctx := context.Background()

			_, err := b.store.Get(ctx, "k")
			assert.ErrorIs(t, err, domain.ErrNotFound)

			require.NoError(t, b.store.Set(ctx, "k", "v", 0))
			v, err := b.store.Get(ctx, "k")
			require.NoError(t, err)
			assert.Equal(t, "v", v)

			require.NoError(t, b.store.Set(ctx, "short", "x", time.Minute))
			b.advance(2 * time.Minute)
			_, err = b.store.Get(ctx, "short")
			assert.ErrorIs(t, err, domain.ErrNotFound)

			require.NoError(t, b.store.Delete(ctx, "k", "nope"))
			_, err = b.store.Get(ctx, "k")
			assert.ErrorIs(t, err, domain.ErrNotFound)
		})
	}
}

func TestSets(t *testing.T) {
	for name, mk := range backends(t) {
		t.Run(name, func(t *testing.T) {
			b := mk(t)
			ctx := context.Background()

			require.NoError(t, b.store.SetAdd(ctx, "s", "chat-1", "chat-2"))
			require.NoError(t, b.store.SetAdd(ctx, "s", "chat-1"))

			members, err := b.store.SetMembers(ctx, "s")
			require.NoError(t, err)
			assert.ElementsMatch(t, []string{"chat-1", "chat-2"}, members)

			require.NoError(t, b.store.Delete(ctx, "s"))
			members, err = b.store.SetMembers(ctx, "s")
			require.NoError(t, err)
			assert.Empty(t, members)
		})
	}
}

func TestKeys(t *testing.T) {
	k := domain.ConversationKey{AccountID: "acc", ChatID: "42", Channel: domain.ChannelTelegram}
	assert.Equal(t, "chat:history:acc:42:telegram", HistoryKey(k))
	assert.Equal(t, "session:account:whatsapp:s1", SessionAccountKey(domain.ChannelWhatsApp, "s1"))
	assert.Equal(t, "session:chats:telegram:s1", SessionChatsKey(domain.ChannelTelegram, "s1"))
}

func TestOpen(t *testing.T) {
	ctx := context.Background()

	s, err := Open(ctx, config.KVConfig{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "kv.db")}, nil)
	require.NoError(t, err)
	require.NoError(t, s.Ping(ctx))
	s.Close()

	mr := miniredis.RunT(t)
	r, err := Open(ctx, config.KVConfig{Driver: "redis", RedisAddr: mr.Addr()}, nil)
	require.NoError(t, err)
	r.Close()

	_, err = Open(ctx, config.KVConfig{Driver: "etcd"}, nil)
	assert.Error(t, err)
}
