package worker

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/IliaW/note-crawler/config"
	"github.com/IliaW/note-crawler/internal/account"
	"github.com/IliaW/note-crawler/internal/cache"
	"github.com/IliaW/note-crawler/internal/errs"
	"github.com/IliaW/note-crawler/internal/model"
	"github.com/IliaW/note-crawler/internal/persistence"
	"github.com/IliaW/note-crawler/internal/telemetry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMaintenanceExpiresRejectedCredentials(t *testing.T) {
	ctx := context.Background()
	pool := account.NewPool(&config.AccountPoolConfig{Enabled: true}, persistence.NewMemoryCredentialRepository(),
		cache.NewLocalCounter(), telemetry.NopMetrics().PoolMetrics)
	good, err := pool.Add(ctx, model.CredentialInput{Platform: "xhs", Cookie: "a1=good"})
	require.NoError(t, err)
	bad, err := pool.Add(ctx, model.CredentialInput{Platform: "xhs", Cookie: "a1=bad"})
	require.NoError(t, err)

	checker := account.CheckerFunc(func(_ context.Context, c *model.Credential) error {
		if c.ID == bad.ID {
			return fmt.Errorf("search: %w", errs.ErrAuthExpired)
		}
		return nil
	})
	m := NewMaintenance(&config.MaintenanceConfig{}, nil, pool, checker, []model.Platform{model.PlatformXHS},
		&sync.WaitGroup{})

	m.CheckCredentials(ctx)

	got, err := pool.Get(ctx, bad.ID)
	require.NoError(t, err)
	assert.Equal(t, model.CredentialExpired, got.Status)
	got, err = pool.Get(ctx, good.ID)
	require.NoError(t, err)
	assert.Equal(t, model.CredentialActive, got.Status)
}

func TestMaintenanceRunStopsOnCancel(t *testing.T) {
	pool := account.NewPool(&config.AccountPoolConfig{Enabled: true}, persistence.NewMemoryCredentialRepository(),
		cache.NewLocalCounter(), telemetry.NopMetrics().PoolMetrics)
	_, err := pool.Add(context.Background(), model.CredentialInput{Platform: "xhs", Cookie: "a1=x"})
	require.NoError(t, err)

	var (
		mu     sync.Mutex
		checks int
	)
	checker := account.CheckerFunc(func(context.Context, *model.Credential) error {
		mu.Lock()
		checks++
		mu.Unlock()
		return nil
	})
	wg := &sync.WaitGroup{}
	m := NewMaintenance(&config.MaintenanceConfig{CredentialCheckInterval: 5 * time.Millisecond}, nil, pool,
		checker, []model.Platform{model.PlatformXHS}, wg)

	ctx, cancel := context.WithCancel(context.Background())
	wg.Add(1)
	go m.Run(ctx)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return checks >= 2
	}, 5*time.Second, time.Millisecond)
	cancel()
	wg.Wait()
}
