package account

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/IliaW/note-crawler/config"
	"github.com/IliaW/note-crawler/internal/cache"
	"github.com/IliaW/note-crawler/internal/errs"
	"github.com/IliaW/note-crawler/internal/model"
	"github.com/IliaW/note-crawler/internal/persistence"
	"github.com/IliaW/note-crawler/internal/telemetry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPool(t *testing.T, strategy string) (*Pool, *persistence.MemoryCredentialRepository) {
	t.Helper()
	repo := persistence.NewMemoryCredentialRepository()
	pool := NewPool(&config.AccountPoolConfig{Enabled: true, RotationStrategy: strategy}, repo,
		cache.NewLocalCounter(), telemetry.NopMetrics().PoolMetrics)
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	tick := 0
	pool.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}
	return pool, repo
}

func addCredentials(t *testing.T, pool *Pool, weights ...int) []*model.Credential {
	t.Helper()
	res := make([]*model.Credential, 0, len(weights))
	for i, w := range weights {
		c, err := pool.Add(context.Background(), model.CredentialInput{
			Platform: "xhs",
			Cookie:   fmt.Sprintf("a1=a1-%d; web_session=s%d", i, i),
			Weight:   w,
		})
		require.NoError(t, err)
		res = append(res, c)
	}
	return res
}

func TestAdd(t *testing.T) {
	tests := []struct {
		name    string
		in      model.CredentialInput
		wantErr error
		check   func(t *testing.T, c *model.Credential)
	}{
		{
			name: "cookie string derives map",
			in:   model.CredentialInput{Platform: "XHS", Cookie: "a1=x; web_session=y"},
			check: func(t *testing.T, c *model.Credential) {
				assert.Equal(t, model.PlatformXHS, c.Platform)
				assert.Equal(t, map[string]string{"a1": "x", "web_session": "y"}, c.Cookies)
				assert.Equal(t, 1, c.Weight)
				assert.Equal(t, model.CredentialActive, c.Status)
				assert.Zero(t, c.UseCount)
			},
		},
		{
			name: "cookie map derives string",
			in:   model.CredentialInput{Platform: "xhs", Cookies: map[string]string{"a1": "x"}, Weight: 3},
			check: func(t *testing.T, c *model.Credential) {
				assert.Equal(t, "a1=x", c.Cookie)
				assert.Equal(t, 3, c.Weight)
			},
		},
		{name: "missing platform", in: model.CredentialInput{Cookie: "a=1"}, wantErr: errs.ErrValidation},
		{name: "missing cookie", in: model.CredentialInput{Platform: "xhs"}, wantErr: errs.ErrValidation},
		{name: "negative weight", in: model.CredentialInput{Platform: "xhs", Cookie: "a=1", Weight: -2},
			wantErr: errs.ErrValidation},
		{name: "cookie without pairs", in: model.CredentialInput{Platform: "xhs", Cookie: "garbage"},
			wantErr: errs.ErrValidation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pool, _ := newTestPool(t, "round_robin")
			c, err := pool.Add(context.Background(), tt.in)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			tt.check(t, c)
		})
	}
}

func TestRoundRobinFairness(t *testing.T) {
	ctx := context.Background()
	pool, repo := newTestPool(t, "round_robin")
	creds := addCredentials(t, pool, 1, 1, 1)

	order := make([]string, 0, 9)
	for i := 0; i < 9; i++ {
		c, err := pool.SelectAvailable(ctx, model.PlatformXHS)
		require.NoError(t, err)
		order = append(order, c.ID)
	}

	for i, id := range order {
		assert.Equal(t, creds[i%3].ID, id, "selection %d", i)
	}
	for _, c := range creds {
		stored, err := repo.Get(ctx, c.ID)
		require.NoError(t, err)
		assert.EqualValues(t, 3, stored.UseCount)
		assert.NotNil(t, stored.LastUsedAt)
	}
}

func TestRoundRobinCounterIsPerPlatform(t *testing.T) {
	ctx := context.Background()
	pool, _ := newTestPool(t, "round_robin")
	xhs := addCredentials(t, pool, 1, 1)
	_, err := pool.Add(ctx, model.CredentialInput{Platform: "douyin", Cookie: "sid=1"})
	require.NoError(t, err)

	first, err := pool.SelectAvailable(ctx, model.PlatformXHS)
	require.NoError(t, err)
	_, err = pool.SelectAvailable(ctx, "douyin")
	require.NoError(t, err)
	second, err := pool.SelectAvailable(ctx, model.PlatformXHS)
	require.NoError(t, err)

	assert.Equal(t, xhs[0].ID, first.ID)
	assert.Equal(t, xhs[1].ID, second.ID, "other platforms do not advance the xhs rotation")
}

func TestWeightedBias(t *testing.T) {
	ctx := context.Background()
	pool, _ := newTestPool(t, "weighted")
	creds := addCredentials(t, pool, 1, 1, 8)

	hits := make(map[string]int)
	const trials = 10000
	for i := 0; i < trials; i++ {
		c, err := pool.SelectAvailable(ctx, model.PlatformXHS)
		require.NoError(t, err)
		hits[c.ID]++
	}

	assert.Greater(t, hits[creds[2].ID], trials/2)
	assert.Positive(t, hits[creds[0].ID])
	assert.Positive(t, hits[creds[1].ID])
}

func TestRandomPolicy(t *testing.T) {
	ctx := context.Background()
	pool, _ := newTestPool(t, "random")
	creds := addCredentials(t, pool, 1, 1)
	pool.intN = func(n int) int { return n - 1 }

	c, err := pool.SelectAvailable(ctx, model.PlatformXHS)
	require.NoError(t, err)
	assert.Equal(t, creds[1].ID, c.ID)
}

func TestSelectAvailableNone(t *testing.T) {
	ctx := context.Background()
	pool, _ := newTestPool(t, "round_robin")

	_, err := pool.SelectAvailable(ctx, model.PlatformXHS)
	assert.ErrorIs(t, err, errs.ErrNoAvailableCredential)

	creds := addCredentials(t, pool, 1)
	require.NoError(t, pool.ReportOutcome(ctx, creds[0].ID, model.CredentialBanned, false))
	_, err = pool.SelectAvailable(ctx, model.PlatformXHS)
	assert.ErrorIs(t, err, errs.ErrNoAvailableCredential, "banned credentials are skipped")

	pool.enabled = false
	_, err = pool.SelectAvailable(ctx, model.PlatformXHS)
	assert.ErrorIs(t, err, errs.ErrNoAvailableCredential)
}

func TestReportOutcome(t *testing.T) {
	ctx := context.Background()
	pool, repo := newTestPool(t, "round_robin")
	creds := addCredentials(t, pool, 1)
	id := creds[0].ID

	require.NoError(t, pool.ReportOutcome(ctx, id, model.CredentialActive, true))
	require.NoError(t, pool.ReportOutcome(ctx, id, model.CredentialExpired, false))

	stored, err := repo.Get(ctx, id)
	require.NoError(t, err)
	assert.EqualValues(t, 1, stored.SuccessCount)
	assert.EqualValues(t, 1, stored.FailCount)
	assert.Equal(t, model.CredentialExpired, stored.Status)

	assert.ErrorIs(t, pool.ReportOutcome(ctx, id, "weird", true), errs.ErrValidation)
	assert.ErrorIs(t, pool.ReportOutcome(ctx, "missing", model.CredentialActive, true), errs.ErrNotFound)
}

func TestUpdateCookieReactivates(t *testing.T) {
	ctx := context.Background()
	pool, _ := newTestPool(t, "round_robin")
	id := addCredentials(t, pool, 1)[0].ID

	_, err := pool.SelectAvailable(ctx, model.PlatformXHS)
	require.NoError(t, err)
	require.NoError(t, pool.ReportOutcome(ctx, id, model.CredentialExpired, false))
	_, err = pool.SelectAvailable(ctx, model.PlatformXHS)
	require.ErrorIs(t, err, errs.ErrNoAvailableCredential)

	got, err := pool.UpdateCookie(ctx, id, " a1=fresh; web_session=s-new ")
	require.NoError(t, err)
	assert.Equal(t, model.CredentialActive, got.Status)
	assert.Equal(t, "a1=fresh; web_session=s-new", got.Cookie)
	assert.Equal(t, map[string]string{"a1": "fresh", "web_session": "s-new"}, got.Cookies)
	assert.EqualValues(t, 1, got.UseCount)
	assert.EqualValues(t, 1, got.FailCount)

	selected, err := pool.SelectAvailable(ctx, model.PlatformXHS)
	require.NoError(t, err)
	assert.Equal(t, id, selected.ID)

	_, err = pool.UpdateCookie(ctx, id, "garbage")
	assert.ErrorIs(t, err, errs.ErrValidation)
	_, err = pool.UpdateCookie(ctx, "missing", "a1=x")
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestListRedacts(t *testing.T) {
	ctx := context.Background()
	pool, repo := newTestPool(t, "round_robin")
	long := "web_session=0400698f1f2e3d4c5b6a79880123456789abcdef0123456789"
	c, err := pool.Add(ctx, model.CredentialInput{Platform: "xhs", Cookie: long})
	require.NoError(t, err)

	list, err := pool.List(ctx, "", "")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Contains(t, list[0].Cookie, "...")

	stored, err := repo.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, long, stored.Cookie)
}

func TestValidate(t *testing.T) {
	ctx := context.Background()
	pool, _ := newTestPool(t, "round_robin")
	creds := addCredentials(t, pool, 1, 1, 1)

	rejected := map[string]bool{creds[1].ID: true}
	checker := CheckerFunc(func(_ context.Context, c *model.Credential) error {
		if rejected[c.ID] {
			return fmt.Errorf("search: %w", errs.ErrAuthExpired)
		}
		if c.ID == creds[2].ID {
			return errors.New("timeout")
		}
		return nil
	})

	checked, expired := pool.ValidateActive(ctx, model.PlatformXHS, checker)
	assert.Equal(t, 3, checked)
	assert.Equal(t, 1, expired)

	got, err := pool.Get(ctx, creds[1].ID)
	require.NoError(t, err)
	assert.Equal(t, model.CredentialExpired, got.Status)
	assert.NotNil(t, got.LastCheckedAt)

	inconclusive, err := pool.Get(ctx, creds[2].ID)
	require.NoError(t, err)
	assert.Equal(t, model.CredentialActive, inconclusive.Status, "transient errors do not expire a credential")
}
