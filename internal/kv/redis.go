package kv

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis is the production KV backend.
type Redis struct {
	client *redis.Client
	logger *slog.Logger
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Logger   *slog.Logger
}

func NewRedis(cfg RedisConfig) *Redis {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	r := &Redis{
		client: redis.NewClient(&redis.Options{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
		}),
		logger: cfg.Logger.With("component", "kv", "driver", "redis"),
	}
	r.logger.Debug("redis client created", "addr", cfg.Addr, "db", cfg.DB)
	return r
}

func (r *Redis) ListPush(ctx context.Context, key, value string, ttl time.Duration) error {
	_, err := r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.LPush(ctx, key, value)
		if ttl > 0 {
			p.Expire(ctx, key, ttl)
		}
		return nil
	})
	return err
}

func (r *Redis) ListRange(ctx context.Context, key string, limit int) ([]string, error) {
	stop := int64(limit - 1)
	if limit <= 0 {
		stop = -1
	}
	return r.client.LRange(ctx, key, 0, stop).Result()
}

func (r *Redis) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return r.client.Set(ctx, key, value, ttl).Err()
}

func (r *Redis) Get(ctx context.Context, key string) (string, error) {
	v, err := r.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", notFound(key)
	}
	return v, err
}

func (r *Redis) SetAdd(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	args := make([]any, len(members))
	for i, m := range members {
		args[i] = m
	}
	return r.client.SAdd(ctx, key, args...).Err()
}

func (r *Redis) SetMembers(ctx context.Context, key string) ([]string, error) {
	return r.client.SMembers(ctx, key).Result()
}

func (r *Redis) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return r.client.Del(ctx, keys...).Err()
}

func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *Redis) Close() error {
	return r.client.Close()
}
