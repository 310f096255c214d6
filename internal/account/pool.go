package account

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/IliaW/note-crawler/config"
	"github.com/IliaW/note-crawler/internal/cache"
	"github.com/IliaW/note-crawler/internal/errs"
	"github.com/IliaW/note-crawler/internal/model"
	"github.com/IliaW/note-crawler/internal/persistence"
	"github.com/IliaW/note-crawler/internal/telemetry"
	"github.com/google/uuid"
)

// CredentialChecker performs a cheap authenticated call with a credential. It
// returns an error wrapping errs.ErrAuthExpired when the platform rejects it.
type CredentialChecker interface {
	CheckCredential(ctx context.Context, cred *model.Credential) error
}

type CheckerFunc func(ctx context.Context, cred *model.Credential) error

func (f CheckerFunc) CheckCredential(ctx context.Context, cred *model.Credential) error {
	return f(ctx, cred)
}

// Pool rotates platform credentials. Selection and the usage increment happen
// under one lock so concurrent callers observe the rotation in order.
type Pool struct {
	repo    persistence.CredentialRepository
	counter cache.RotationCounter
	policy  model.RotationPolicy
	enabled bool
	metrics *telemetry.PoolMetrics
	mu      sync.Mutex
	intN    func(n int) int
	now     func() time.Time
}

func NewPool(cfg *config.AccountPoolConfig, repo persistence.CredentialRepository, counter cache.RotationCounter,
	metrics *telemetry.PoolMetrics) *Pool {
	return &Pool{
		repo:    repo,
		counter: counter,
		policy:  model.ParseRotationPolicy(cfg.RotationStrategy),
		enabled: cfg.Enabled,
		metrics: metrics,
		intN:    rand.IntN,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (p *Pool) Add(ctx context.Context, in model.CredentialInput) (*model.Credential, error) {
	platform := model.ParsePlatform(in.Platform)
	if platform == "" {
		return nil, fmt.Errorf("platform is required: %w", errs.ErrValidation)
	}
	if strings.TrimSpace(in.Cookie) == "" && len(in.Cookies) == 0 {
		return nil, fmt.Errorf("cookie or cookies is required: %w", errs.ErrValidation)
	}
	if in.Weight < 0 {
		return nil, fmt.Errorf("weight must be positive: %w", errs.ErrValidation)
	}
	weight := in.Weight
	if weight == 0 {
		weight = 1
	}

	now := p.now()
	cred := &model.Credential{
		ID:        uuid.NewString(),
		Platform:  platform,
		Cookie:    strings.TrimSpace(in.Cookie),
		Cookies:   in.Cookies,
		UserAgent: in.UserAgent,
		Status:    model.CredentialActive,
		Weight:    weight,
		Note:      in.Note,
		CreatedAt: now,
		UpdatedAt: now,
	}
	cred.Normalize()
	if len(cred.Cookies) == 0 {
		return nil, fmt.Errorf("cookie has no name=value pairs: %w", errs.ErrValidation)
	}
	if err := p.repo.Insert(ctx, cred); err != nil {
		return nil, err
	}
	slog.Info("credential added.", slog.String("id", cred.ID), slog.String("platform", platform.String()))

	return cred, nil
}

func (p *Pool) Get(ctx context.Context, id string) (*model.Credential, error) {
	return p.repo.Get(ctx, id)
}

// List returns redacted credentials newest first.
func (p *Pool) List(ctx context.Context, platform model.Platform,
	status model.CredentialStatus) ([]*model.Credential, error) {
	creds, err := p.repo.List(ctx, platform, status)
	if err != nil {
		return nil, err
	}
	res := make([]*model.Credential, 0, len(creds))
	for _, c := range creds {
		res = append(res, c.Redacted())
	}
	return res, nil
}

func (p *Pool) Delete(ctx context.Context, id string) error {
	if err := p.repo.Delete(ctx, id); err != nil {
		return err
	}
	slog.Info("credential deleted.", slog.String("id", id))
	return nil
}

// UpdateCookie replaces the session of an existing credential and puts it back
// into rotation. Usage and outcome counters survive the refresh.
func (p *Pool) UpdateCookie(ctx context.Context, id, cookie string) (*model.Credential, error) {
	next := &model.Credential{Cookie: strings.TrimSpace(cookie)}
	next.Normalize()
	if len(next.Cookies) == 0 {
		return nil, fmt.Errorf("cookie has no name=value pairs: %w", errs.ErrValidation)
	}
	if err := p.repo.ReplaceCookie(ctx, id, next.Cookie, next.Cookies, p.now()); err != nil {
		return nil, err
	}
	slog.Info("credential cookie refreshed.", slog.String("id", id))
	return p.repo.Get(ctx, id)
}

// SelectAvailable picks an active credential for the platform according to the
// configured policy and records the use.
func (p *Pool) SelectAvailable(ctx context.Context, platform model.Platform) (*model.Credential, error) {
	if !p.enabled {
		return nil, fmt.Errorf("credential pool disabled: %w", errs.ErrNoAvailableCredential)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	active, err := p.repo.ListActive(ctx, platform)
	if err != nil {
		return nil, err
	}
	if len(active) == 0 {
		return nil, fmt.Errorf("platform %s: %w", platform, errs.ErrNoAvailableCredential)
	}

	var chosen *model.Credential
	switch p.policy {
	case model.Weighted:
		chosen = p.pickWeighted(active)
	case model.Random:
		chosen = active[p.intN(len(active))]
	default:
		chosen = p.pickRoundRobin(ctx, platform, active)
	}

	now := p.now()
	if err = p.repo.MarkUsed(ctx, chosen.ID, now); err != nil {
		return nil, err
	}
	chosen.UseCount++
	chosen.LastUsedAt = &now
	p.metrics.CredentialSelected(1)
	slog.Debug("credential selected.", slog.String("id", chosen.ID), slog.String("policy", string(p.policy)))

	return chosen, nil
}

func (p *Pool) pickRoundRobin(ctx context.Context, platform model.Platform,
	active []*model.Credential) *model.Credential {
	n, err := p.counter.Next(ctx, string(platform))
	if err != nil {
		slog.Warn("rotation counter unavailable. Picking at random.", slog.String("err", err.Error()))
		return active[p.intN(len(active))]
	}
	return active[n%uint64(len(active))]
}

func (p *Pool) pickWeighted(active []*model.Credential) *model.Credential {
	total := 0
	for _, c := range active {
		total += effectiveWeight(c)
	}
	r := p.intN(total)
	for _, c := range active {
		r -= effectiveWeight(c)
		if r < 0 {
			return c
		}
	}
	return active[len(active)-1]
}

func effectiveWeight(c *model.Credential) int {
	if c.Weight <= 0 {
		return 1
	}
	return c.Weight
}

func (p *Pool) ReportOutcome(ctx context.Context, id string, status model.CredentialStatus, success bool) error {
	if !status.Valid() {
		return fmt.Errorf("unknown credential status %q: %w", status, errs.ErrValidation)
	}
	if err := p.repo.RecordOutcome(ctx, id, status, success); err != nil {
		return err
	}
	if status == model.CredentialExpired {
		p.metrics.CredentialExpired(1)
		slog.Warn("credential marked expired.", slog.String("id", id))
	}
	return nil
}

// Validate runs the checker against one credential. A rejected credential is
// marked expired; any other outcome only refreshes last_checked_at.
func (p *Pool) Validate(ctx context.Context, id string, checker CredentialChecker) (*model.Credential, error) {
	cred, err := p.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	checkErr := checker.CheckCredential(ctx, cred)
	if err = p.repo.MarkChecked(ctx, id, p.now()); err != nil {
		return nil, err
	}
	if checkErr != nil {
		if !errors.Is(checkErr, errs.ErrAuthExpired) {
			slog.Warn("credential check inconclusive.", slog.String("id", id), slog.String("err", checkErr.Error()))
			return p.repo.Get(ctx, id)
		}
		if err = p.ReportOutcome(ctx, id, model.CredentialExpired, false); err != nil {
			return nil, err
		}
	}
	return p.repo.Get(ctx, id)
}

// ValidateActive checks every active credential of the platform and returns how
// many were checked and how many turned out expired.
func (p *Pool) ValidateActive(ctx context.Context, platform model.Platform, checker CredentialChecker) (int, int) {
	active, err := p.repo.ListActive(ctx, platform)
	if err != nil {
		slog.Error("failed to list credentials for validation.", slog.String("err", err.Error()))
		return 0, 0
	}
	checked, expired := 0, 0
	for _, c := range active {
		if ctx.Err() != nil {
			break
		}
		res, err := p.Validate(ctx, c.ID, checker)
		if err != nil {
			slog.Error("credential validation failed.", slog.String("id", c.ID), slog.String("err", err.Error()))
			continue
		}
		checked++
		if res.Status == model.CredentialExpired {
			expired++
		}
	}
	slog.Info("credential validation finished.", slog.String("platform", platform.String()),
		slog.Int("checked", checked), slog.Int("expired", expired))
	return checked, expired
}
