package proxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/IliaW/note-crawler/config"
	"github.com/IliaW/note-crawler/internal/errs"
	"github.com/IliaW/note-crawler/internal/model"
	"github.com/IliaW/note-crawler/internal/persistence"
	"github.com/IliaW/note-crawler/internal/telemetry"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

var supportedProtocols = map[string]bool{"http": true, "https": true, "socks5": true}

// Pool hands out proxies biased toward reliable ones and retires proxies whose
// success rate collapses.
type Pool struct {
	repo    persistence.ProxyRepository
	prober  Prober
	cfg     *config.ProxyPoolConfig
	metrics *telemetry.PoolMetrics
	mu      sync.Mutex
	intN    func(n int) int
	now     func() time.Time
}

func NewPool(cfg *config.ProxyPoolConfig, repo persistence.ProxyRepository, prober Prober,
	metrics *telemetry.PoolMetrics) *Pool {
	return &Pool{
		repo:    repo,
		prober:  prober,
		cfg:     cfg,
		metrics: metrics,
		intN:    rand.IntN,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (p *Pool) Enabled() bool {
	return p.cfg.Enabled
}

// Add registers a proxy after a liveness probe. A proxy that fails the probe is
// stored as inactive.
func (p *Pool) Add(ctx context.Context, in model.ProxyInput) (*model.Proxy, error) {
	protocol := strings.ToLower(strings.TrimSpace(in.Protocol))
	if protocol == "" {
		protocol = "http"
	}
	if !supportedProtocols[protocol] {
		return nil, fmt.Errorf("unsupported protocol %q: %w", in.Protocol, errs.ErrValidation)
	}
	host := strings.TrimSpace(in.Host)
	if host == "" {
		return nil, fmt.Errorf("host is required: %w", errs.ErrValidation)
	}
	if in.Port < 1 || in.Port > 65535 {
		return nil, fmt.Errorf("port %d out of range: %w", in.Port, errs.ErrValidation)
	}

	proxyURL := model.BuildProxyURL(protocol, host, in.Port, in.Username, in.Password)
	status := model.ProxyInactive
	if p.prober.Probe(ctx, proxyURL) {
		status = model.ProxyActive
	}
	now := p.now()
	proxy := &model.Proxy{
		ID:          uuid.NewString(),
		Protocol:    protocol,
		Host:        host,
		Port:        in.Port,
		Username:    in.Username,
		Password:    in.Password,
		Provider:    in.Provider,
		ProxyURL:    proxyURL,
		SuccessRate: model.SuccessRate(0, 0),
		Status:      status,
		LastCheckAt: &now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := p.repo.Insert(ctx, proxy); err != nil {
		if errors.Is(err, errs.ErrDuplicate) {
			return nil, fmt.Errorf("proxy %s:%d already registered: %w", host, in.Port, errs.ErrValidation)
		}
		return nil, err
	}
	slog.Info("proxy added.", slog.String("id", proxy.ID), slog.String("host", host),
		slog.String("status", string(status)))

	return proxy, nil
}

func (p *Pool) Get(ctx context.Context, id string) (*model.Proxy, error) {
	return p.repo.Get(ctx, id)
}

// List returns proxies with passwords hidden.
func (p *Pool) List(ctx context.Context, status model.ProxyStatus) ([]*model.Proxy, error) {
	proxies, err := p.repo.List(ctx, status)
	if err != nil {
		return nil, err
	}
	res := make([]*model.Proxy, 0, len(proxies))
	for _, px := range proxies {
		res = append(res, px.Redacted())
	}
	return res, nil
}

func (p *Pool) Delete(ctx context.Context, id string) error {
	return p.repo.Delete(ctx, id)
}

// SelectAvailable ranks active proxies by (success rate desc, use count asc) and
// picks uniformly among the top K.
func (p *Pool) SelectAvailable(ctx context.Context) (*model.Proxy, error) {
	if !p.cfg.Enabled {
		return nil, fmt.Errorf("proxy pool disabled: %w", errs.ErrNoAvailableProxy)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	active, err := p.repo.List(ctx, model.ProxyActive)
	if err != nil {
		return nil, err
	}
	if len(active) == 0 {
		return nil, errs.ErrNoAvailableProxy
	}
	sort.SliceStable(active, func(i, j int) bool {
		if active[i].SuccessRate != active[j].SuccessRate {
			return active[i].SuccessRate > active[j].SuccessRate
		}
		return active[i].UseCount < active[j].UseCount
	})
	k := p.cfg.TopK
	if k <= 0 || k > len(active) {
		k = len(active)
	}
	chosen := active[p.intN(k)]

	now := p.now()
	if err = p.repo.MarkUsed(ctx, chosen.ID, now); err != nil {
		return nil, err
	}
	chosen.UseCount++
	chosen.LastUsedAt = &now
	p.metrics.ProxySelected(1)

	return chosen, nil
}

// ReportOutcome records one request through the proxy. Unknown proxies are ignored.
func (p *Pool) ReportOutcome(ctx context.Context, proxyURL string, success bool) error {
	updated, retired, err := p.repo.RecordOutcome(ctx, proxyURL, success, p.cfg.RetireMinSamples,
		p.cfg.RetireBelowRate)
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			slog.Debug("outcome for unknown proxy ignored.", slog.String("proxy", proxyURL))
			return nil
		}
		return err
	}
	if retired {
		p.metrics.ProxyRetired(1)
		slog.Warn("proxy retired for low success rate.", slog.String("id", updated.ID),
			slog.Float64("success_rate", updated.SuccessRate))
	}
	return nil
}

// HealthCheck re-probes every proxy not checked within the staleness window and
// returns how many were probed and how many answered.
func (p *Pool) HealthCheck(ctx context.Context) (int, int, error) {
	proxies, err := p.repo.List(ctx, "")
	if err != nil {
		return 0, 0, err
	}

	var checked, alive atomic.Int64
	now := p.now()
	g, gctx := errgroup.WithContext(ctx)
	limit := p.cfg.HealthCheckConcurrency
	if limit <= 0 {
		limit = 1
	}
	g.SetLimit(limit)
	for _, px := range proxies {
		if px.Status == model.ProxyBanned {
			continue
		}
		if px.LastCheckAt != nil && now.Sub(*px.LastCheckAt) < p.cfg.CheckStaleness {
			continue
		}
		g.Go(func() error {
			status := model.ProxyInactive
			if p.prober.Probe(gctx, px.ProxyURL) {
				status = model.ProxyActive
				alive.Add(1)
			}
			checked.Add(1)
			if err := p.repo.UpdateCheck(gctx, px.ID, status, p.now()); err != nil {
				return fmt.Errorf("update proxy %s: %w", px.ID, err)
			}
			return nil
		})
	}
	if err = g.Wait(); err != nil {
		return int(checked.Load()), int(alive.Load()), err
	}
	slog.Info("proxy health check finished.", slog.Int64("checked", checked.Load()),
		slog.Int64("alive", alive.Load()))

	return int(checked.Load()), int(alive.Load()), nil
}
