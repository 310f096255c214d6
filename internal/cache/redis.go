package cache

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/IliaW/note-crawler/config"
	"github.com/redis/go-redis/v9"
)

type RedisCounter struct {
	client *redis.Client
	prefix string
}

func NewRedisCounter(cfg *config.CacheConfig) *RedisCounter {
	slog.Info("connecting to redis...")
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		slog.Error("connection to redis is failed.", slog.String("err", err.Error()))
		os.Exit(1)
	}
	slog.Info("connected to redis!")

	return &RedisCounter{client: client, prefix: cfg.KeyPrefix}
}

func (rc *RedisCounter) Next(ctx context.Context, key string) (uint64, error) {
	key = fmt.Sprintf("%s:rotation:%s", rc.prefix, key)
	v, err := rc.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("incr %s: %w", key, err)
	}
	return uint64(v - 1), nil
}

func (rc *RedisCounter) Close() {
	slog.Info("closing redis connection.")
	if err := rc.client.Close(); err != nil {
		slog.Error("failed to close redis connection.", slog.String("err", err.Error()))
	}
}
