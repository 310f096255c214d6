package signature

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/IliaW/note-crawler/internal/errs"
	"github.com/IliaW/note-crawler/internal/model"
)

const (
	HeaderXS       = "x-s"
	HeaderXT       = "x-t"
	HeaderXSCommon = "x-s-common"
	HeaderTraceID  = "x-b3-traceid"
)

// Request describes the platform call that needs signing. Body is the exact
// JSON sent for POST requests; Params are the query values of GET requests.
type Request struct {
	URL       string
	Method    string
	Body      []byte
	Params    map[string]string
	Cookie    string
	Cookies   map[string]string
	UserAgent string
	Headers   map[string]string
}

func (r Request) cookieValue(name string) string {
	if v := r.Cookies[name]; v != "" {
		return v
	}
	return model.ParseCookie(r.Cookie)[name]
}

func (r Request) cookieMap() map[string]string {
	if len(r.Cookies) > 0 {
		return r.Cookies
	}
	return model.ParseCookie(r.Cookie)
}

type Signer interface {
	Sign(ctx context.Context, req Request) (map[string]string, error)
}

// Browser signs by letting the web page issue the request itself, and can run
// the whole request inside the page.
type Browser interface {
	Signer
	Execute(ctx context.Context, req Request) ([]byte, error)
	Close()
}

type Provider struct {
	local     Signer
	browser   Browser
	mode      model.SignMode
	fallbacks func(int64)
}

func NewProvider(local Signer, browser Browser, mode model.SignMode, fallbacks func(int64)) *Provider {
	return &Provider{local: local, browser: browser, mode: mode, fallbacks: fallbacks}
}

// Mode is the configured default signing mode.
func (p *Provider) Mode() model.SignMode {
	return p.mode
}

func (p *Provider) Sign(ctx context.Context, req Request, mode model.SignMode) (map[string]string, error) {
	switch mode {
	case model.SignLocal:
		headers, err := p.local.Sign(ctx, req)
		if err != nil {
			return nil, fmt.Errorf("local signing: %w: %w", errs.ErrSigningFailed, err)
		}
		return headers, nil
	case model.SignBrowser:
		return p.signInBrowser(ctx, req)
	default:
		headers, err := p.local.Sign(ctx, req)
		if err == nil {
			return headers, nil
		}
		slog.Warn("local signing failed, falling back to browser.", slog.String("url", req.URL),
			slog.String("err", err.Error()))
		p.fallbacks(1)
		return p.signInBrowser(ctx, req)
	}
}

func (p *Provider) signInBrowser(ctx context.Context, req Request) (map[string]string, error) {
	if p.browser == nil {
		return nil, fmt.Errorf("browser signing unavailable: %w", errs.ErrSigningFailed)
	}
	headers, err := p.browser.Sign(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("browser signing: %w: %w", errs.ErrSigningFailed, err)
	}
	return headers, nil
}

// Execute runs the request inside the browser page and returns the raw response body.
func (p *Provider) Execute(ctx context.Context, req Request) ([]byte, error) {
	if p.browser == nil {
		return nil, fmt.Errorf("browser execution unavailable: %w", errs.ErrSigningFailed)
	}
	body, err := p.browser.Execute(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("browser execute: %w: %w", errs.ErrSigningFailed, err)
	}
	return body, nil
}

func (p *Provider) Close() {
	if p.browser != nil {
		p.browser.Close()
	}
}
