package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/IliaW/note-crawler/config"
	"github.com/IliaW/note-crawler/internal/account"
	"github.com/IliaW/note-crawler/internal/model"
	"github.com/IliaW/note-crawler/internal/proxy"
)

// Maintenance periodically re-probes proxies and re-validates credentials.
type Maintenance struct {
	cfg       *config.MaintenanceConfig
	proxies   *proxy.Pool
	accounts  *account.Pool
	checker   account.CredentialChecker
	platforms []model.Platform
	wg        *sync.WaitGroup
}

func NewMaintenance(cfg *config.MaintenanceConfig, proxies *proxy.Pool, accounts *account.Pool,
	checker account.CredentialChecker, platforms []model.Platform, wg *sync.WaitGroup) *Maintenance {
	return &Maintenance{
		cfg:       cfg,
		proxies:   proxies,
		accounts:  accounts,
		checker:   checker,
		platforms: platforms,
		wg:        wg,
	}
}

// Run blocks until ctx is done. A zero interval disables the matching job.
func (m *Maintenance) Run(ctx context.Context) {
	defer m.wg.Done()
	slog.Info("starting maintenance loop.")

	proxyTick := ticker(m.cfg.ProxyCheckInterval)
	credTick := ticker(m.cfg.CredentialCheckInterval)
	defer proxyTick.Stop()
	defer credTick.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("stopping maintenance loop.")
			return
		case <-proxyTick.C:
			m.CheckProxies(ctx)
		case <-credTick.C:
			m.CheckCredentials(ctx)
		}
	}
}

func (m *Maintenance) CheckProxies(ctx context.Context) {
	if m.proxies == nil || !m.proxies.Enabled() {
		return
	}
	checked, alive, err := m.proxies.HealthCheck(ctx)
	if err != nil {
		slog.Error("proxy health check failed.", slog.String("err", err.Error()))
		return
	}
	slog.Info("proxy health check finished.", slog.Int("checked", checked), slog.Int("alive", alive))
}

func (m *Maintenance) CheckCredentials(ctx context.Context) {
	if m.accounts == nil || m.checker == nil {
		return
	}
	for _, p := range m.platforms {
		m.accounts.ValidateActive(ctx, p, m.checker)
	}
}

// ticker returns a ticker for d, or a stopped one that never fires when d is zero.
func ticker(d time.Duration) *time.Ticker {
	if d > 0 {
		return time.NewTicker(d)
	}
	t := time.NewTicker(time.Hour)
	t.Stop()
	return t
}
