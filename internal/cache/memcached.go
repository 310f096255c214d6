package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/IliaW/note-crawler/config"
	"github.com/bradfitz/gomemcache/memcache"
)

// MemcachedClient shares rotation counters between processes through memcached
// incr, which is atomic on the server.
type MemcachedClient struct {
	client *memcache.Client
	cfg    *config.CacheConfig
}

func NewMemcachedClient(cacheConfig *config.CacheConfig) *MemcachedClient {
	slog.Info("connecting to memcached...")
	ss := new(memcache.ServerList)
	err := ss.SetServers(cacheConfig.Servers...)
	if err != nil {
		slog.Error("failed to set memcached servers.", slog.String("err", err.Error()))
		os.Exit(1)
	}
	c := &MemcachedClient{
		client: memcache.NewFromSelector(ss),
		cfg:    cacheConfig,
	}
	slog.Info("pinging the memcached.")
	err = c.client.Ping()
	if err != nil {
		slog.Error("connection to the memcached is failed.", slog.String("err", err.Error()))
		os.Exit(1)
	}
	slog.Info("connected to memcached!")

	return c
}

func (mc *MemcachedClient) Next(_ context.Context, key string) (uint64, error) {
	key = mc.counterKey(key)
	v, err := mc.client.Increment(key, 1)
	if err == nil {
		return v - 1, nil
	}
	if !errors.Is(err, memcache.ErrCacheMiss) {
		return 0, fmt.Errorf("increment %s: %w", key, err)
	}

	// First use of the key. A concurrent seeder loses with ErrNotStored and just increments.
	err = mc.client.Add(&memcache.Item{Key: key, Value: []byte("0")})
	if err != nil && !errors.Is(err, memcache.ErrNotStored) {
		return 0, fmt.Errorf("seed %s: %w", key, err)
	}
	v, err = mc.client.Increment(key, 1)
	if err != nil {
		return 0, fmt.Errorf("increment %s: %w", key, err)
	}
	slog.Debug("rotation counter seeded.", slog.String("key", key))
	return v - 1, nil
}

func (mc *MemcachedClient) Close() {
	slog.Info("closing memcached connection.")
	err := mc.client.Close()
	if err != nil {
		slog.Error("failed to close memcached connection.", slog.String("err", err.Error()))
	}
}

func (mc *MemcachedClient) counterKey(key string) string {
	return fmt.Sprintf("%s-rotation-%s", mc.cfg.KeyPrefix, key)
}
