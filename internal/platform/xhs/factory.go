package xhs

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/IliaW/note-crawler/config"
	"github.com/IliaW/note-crawler/internal/errs"
	"github.com/IliaW/note-crawler/internal/model"
	"github.com/IliaW/note-crawler/internal/platform"
	"golang.org/x/time/rate"
)

const checkKeyword = "美食"

// Factory builds per-session clients. All clients share one rate limiter so the
// request budget holds across concurrently running tasks.
type Factory struct {
	cfg               *config.PlatformConfig
	transport         *http.Transport
	timeout           time.Duration
	signer            RequestSigner
	limiter           *rate.Limiter
	commentsInBrowser bool
}

func NewFactory(cfg *config.PlatformConfig, transport *http.Transport, timeout time.Duration, signer RequestSigner,
	commentsInBrowser bool) *Factory {
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &Factory{
		cfg:               cfg,
		transport:         transport,
		timeout:           timeout,
		signer:            signer,
		limiter:           rate.NewLimiter(limit, burst),
		commentsInBrowser: commentsInBrowser,
	}
}

func (f *Factory) Supports(p model.Platform) bool {
	return p == model.PlatformXHS
}

func (f *Factory) NewClient(p model.Platform, s platform.Session) (platform.Client, error) {
	return f.newClient(p, s)
}

func (f *Factory) newClient(p model.Platform, s platform.Session) (*Client, error) {
	if !f.Supports(p) {
		return nil, fmt.Errorf("platform %q: %w", p, errs.ErrUnsupportedPlatform)
	}
	if s.Credential == nil {
		return nil, fmt.Errorf("session without credential: %w", errs.ErrNoAvailableCredential)
	}
	transport := f.transport.Clone()
	if s.ProxyURL != "" {
		proxyURL, err := url.Parse(s.ProxyURL)
		if err != nil {
			return nil, fmt.Errorf("parse proxy url: %w", err)
		}
		transport.Proxy = http.ProxyURL(proxyURL)
	}
	return &Client{
		cfg:               f.cfg,
		httpClient:        &http.Client{Transport: transport, Timeout: f.timeout},
		signer:            f.signer,
		limiter:           f.limiter,
		credential:        s.Credential,
		commentsInBrowser: f.commentsInBrowser,
	}, nil
}

// CheckCredential runs a one-item search with the credential and returns the
// platform error, if any.
func (f *Factory) CheckCredential(ctx context.Context, cred *model.Credential) error {
	client, err := f.newClient(cred.Platform, platform.Session{Credential: cred})
	if err != nil {
		return err
	}
	_, err = client.Search(ctx, checkKeyword, 1, 1, "general")
	return err
}
