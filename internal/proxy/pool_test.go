package proxy

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/IliaW/note-crawler/config"
	"github.com/IliaW/note-crawler/internal/errs"
	"github.com/IliaW/note-crawler/internal/model"
	"github.com/IliaW/note-crawler/internal/persistence"
	"github.com/IliaW/note-crawler/internal/telemetry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProber struct {
	mu    sync.Mutex
	dead  map[string]bool
	calls []string
}

func (f *fakeProber) Probe(_ context.Context, proxyURL string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, proxyURL)
	return !f.dead[proxyURL]
}

func testConfig() *config.ProxyPoolConfig {
	return &config.ProxyPoolConfig{
		Enabled:                true,
		TopK:                   5,
		RetireMinSamples:       10,
		RetireBelowRate:        30,
		CheckStaleness:         time.Hour,
		HealthCheckConcurrency: 4,
	}
}

func newTestPool(t *testing.T) (*Pool, *persistence.MemoryProxyRepository, *fakeProber) {
	t.Helper()
	repo := persistence.NewMemoryProxyRepository()
	prober := &fakeProber{dead: make(map[string]bool)}
	pool := NewPool(testConfig(), repo, prober, telemetry.NopMetrics().PoolMetrics)
	return pool, repo, prober
}

func TestAdd(t *testing.T) {
	tests := []struct {
		name       string
		in         model.ProxyInput
		dead       bool
		wantErr    error
		wantStatus model.ProxyStatus
		wantURL    string
	}{
		{name: "alive proxy", in: model.ProxyInput{Host: "10.0.0.1", Port: 8080},
			wantStatus: model.ProxyActive, wantURL: "http://10.0.0.1:8080"},
		{name: "dead proxy stored inactive", in: model.ProxyInput{Protocol: "SOCKS5", Host: "10.0.0.2", Port: 1080},
			dead: true, wantStatus: model.ProxyInactive, wantURL: "socks5://10.0.0.2:1080"},
		{name: "credentials in url", in: model.ProxyInput{Host: "h", Port: 1, Username: "u", Password: "p"},
			wantStatus: model.ProxyActive, wantURL: "http://u:p@h:1"},
		{name: "bad protocol", in: model.ProxyInput{Protocol: "ftp", Host: "h", Port: 1}, wantErr: errs.ErrValidation},
		{name: "missing host", in: model.ProxyInput{Port: 1}, wantErr: errs.ErrValidation},
		{name: "port out of range", in: model.ProxyInput{Host: "h", Port: 70000}, wantErr: errs.ErrValidation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pool, _, prober := newTestPool(t)
			if tt.dead {
				prober.dead[tt.wantURL] = true
			}
			p, err := pool.Add(context.Background(), tt.in)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantStatus, p.Status)
			assert.Equal(t, tt.wantURL, p.ProxyURL)
			assert.Equal(t, 100.0, p.SuccessRate)
			assert.NotNil(t, p.LastCheckAt)
		})
	}
}

func TestAddDuplicate(t *testing.T) {
	pool, _, _ := newTestPool(t)
	ctx := context.Background()
	_, err := pool.Add(ctx, model.ProxyInput{Host: "h", Port: 1})
	require.NoError(t, err)
	_, err = pool.Add(ctx, model.ProxyInput{Host: "h", Port: 1})
	assert.ErrorIs(t, err, errs.ErrValidation)
}

func TestSelectAvailablePrefersReliableProxies(t *testing.T) {
	ctx := context.Background()
	pool, repo, _ := newTestPool(t)
	pool.cfg.TopK = 2

	for i, rate := range []float64{20, 90, 90, 50} {
		require.NoError(t, repo.Insert(ctx, &model.Proxy{
			ID:          string(rune('a' + i)),
			ProxyURL:    "http://h:" + string(rune('1'+i)),
			Status:      model.ProxyActive,
			SuccessRate: rate,
			UseCount:    int64(i),
		}))
	}
	require.NoError(t, repo.Insert(ctx, &model.Proxy{ID: "off", ProxyURL: "http://off:1",
		Status: model.ProxyInactive, SuccessRate: 100}))

	seen := make(map[string]int)
	for i := 0; i < 200; i++ {
		p, err := pool.SelectAvailable(ctx)
		require.NoError(t, err)
		seen[p.ID]++
	}
	assert.Len(t, seen, 2, "only the top two are eligible")
	assert.Positive(t, seen["b"])
	assert.Positive(t, seen["c"])

	stored, err := repo.Get(ctx, "b")
	require.NoError(t, err)
	assert.EqualValues(t, 1+seen["b"], stored.UseCount)
}

func TestSelectAvailableOrdersTiesByUseCount(t *testing.T) {
	ctx := context.Background()
	pool, repo, _ := newTestPool(t)
	pool.intN = func(int) int { return 0 }
	require.NoError(t, repo.Insert(ctx, &model.Proxy{ID: "busy", ProxyURL: "http://a:1",
		Status: model.ProxyActive, SuccessRate: 80, UseCount: 9}))
	require.NoError(t, repo.Insert(ctx, &model.Proxy{ID: "idle", ProxyURL: "http://b:1",
		Status: model.ProxyActive, SuccessRate: 80, UseCount: 1}))

	p, err := pool.SelectAvailable(ctx)
	require.NoError(t, err)
	assert.Equal(t, "idle", p.ID)
	assert.EqualValues(t, 2, p.UseCount)
}

func TestSelectAvailableNone(t *testing.T) {
	ctx := context.Background()
	pool, _, _ := newTestPool(t)

	_, err := pool.SelectAvailable(ctx)
	assert.ErrorIs(t, err, errs.ErrNoAvailableProxy)

	_, err = pool.Add(ctx, model.ProxyInput{Host: "h", Port: 1})
	require.NoError(t, err)
	pool.cfg.Enabled = false
	_, err = pool.SelectAvailable(ctx)
	assert.ErrorIs(t, err, errs.ErrNoAvailableProxy)
}

func TestReportOutcomeRetiresFailingProxy(t *testing.T) {
	ctx := context.Background()
	pool, repo, _ := newTestPool(t)
	p, err := pool.Add(ctx, model.ProxyInput{Host: "h", Port: 1})
	require.NoError(t, err)

	outcomes := []bool{true, true, false, false, false, false, false, false, false, false}
	for _, ok := range outcomes {
		require.NoError(t, pool.ReportOutcome(ctx, p.ProxyURL, ok))
	}
	stored, err := repo.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ProxyActive, stored.Status, "ten attempts are not enough to retire")

	require.NoError(t, pool.ReportOutcome(ctx, p.ProxyURL, false))
	stored, err = repo.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ProxyInactive, stored.Status)
	assert.InDelta(t, 18.18, stored.SuccessRate, 0.01)

	_, err = pool.SelectAvailable(ctx)
	assert.ErrorIs(t, err, errs.ErrNoAvailableProxy)

	assert.NoError(t, pool.ReportOutcome(ctx, "http://unknown:1", true))
}

func TestHealthCheck(t *testing.T) {
	ctx := context.Background()
	pool, repo, prober := newTestPool(t)
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	pool.now = func() time.Time { return now }
	stale := now.Add(-2 * time.Hour)
	fresh := now.Add(-10 * time.Minute)

	require.NoError(t, repo.Insert(ctx, &model.Proxy{ID: "stale-alive", ProxyURL: "http://a:1",
		Status: model.ProxyInactive, LastCheckAt: &stale}))
	require.NoError(t, repo.Insert(ctx, &model.Proxy{ID: "stale-dead", ProxyURL: "http://b:1",
		Status: model.ProxyActive, LastCheckAt: &stale}))
	require.NoError(t, repo.Insert(ctx, &model.Proxy{ID: "never", ProxyURL: "http://c:1",
		Status: model.ProxyActive}))
	require.NoError(t, repo.Insert(ctx, &model.Proxy{ID: "fresh", ProxyURL: "http://d:1",
		Status: model.ProxyActive, LastCheckAt: &fresh}))
	require.NoError(t, repo.Insert(ctx, &model.Proxy{ID: "banned", ProxyURL: "http://e:1",
		Status: model.ProxyBanned}))
	prober.dead["http://b:1"] = true

	checked, alive, err := pool.HealthCheck(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, checked)
	assert.Equal(t, 2, alive)
	assert.ElementsMatch(t, []string{"http://a:1", "http://b:1", "http://c:1"}, prober.calls)

	want := map[string]model.ProxyStatus{
		"stale-alive": model.ProxyActive,
		"stale-dead":  model.ProxyInactive,
		"never":       model.ProxyActive,
		"fresh":       model.ProxyActive,
		"banned":      model.ProxyBanned,
	}
	for id, status := range want {
		p, err := repo.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, status, p.Status, id)
	}
}

func TestListRedactsPasswords(t *testing.T) {
	ctx := context.Background()
	pool, _, _ := newTestPool(t)
	_, err := pool.Add(ctx, model.ProxyInput{Host: "h", Port: 1, Username: "u", Password: "secret"})
	require.NoError(t, err)

	list, err := pool.List(ctx, "")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "***", list[0].Password)
	assert.NotContains(t, list[0].ProxyURL, "secret")
}
