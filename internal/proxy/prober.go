package proxy

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gocolly/colly"
)

// Prober reports whether a proxy can reach the outside world.
type Prober interface {
	Probe(ctx context.Context, proxyURL string) bool
}

// CollyProber fetches a small echo endpoint through the proxy.
type CollyProber struct {
	probeURL  string
	timeout   time.Duration
	userAgent string
}

func NewCollyProber(probeURL string, timeout time.Duration, userAgent string) *CollyProber {
	return &CollyProber{probeURL: probeURL, timeout: timeout, userAgent: userAgent}
}

func (p *CollyProber) Probe(ctx context.Context, proxyURL string) bool {
	if ctx.Err() != nil {
		return false
	}
	c := colly.NewCollector(colly.AllowURLRevisit())
	c.SetRequestTimeout(p.timeout)
	c.UserAgent = p.userAgent
	if err := c.SetProxy(proxyURL); err != nil {
		slog.Warn("invalid proxy url.", slog.String("proxy", proxyURL), slog.String("err", err.Error()))
		return false
	}

	alive := false
	c.OnResponse(func(resp *colly.Response) {
		alive = resp.StatusCode == http.StatusOK
	})
	c.OnError(func(resp *colly.Response, err error) {
		slog.Debug("proxy probe failed.", slog.String("proxy", proxyURL), slog.String("err", err.Error()))
	})

	start := time.Now()
	if err := c.Visit(p.probeURL); err != nil {
		return false
	}
	slog.Debug("proxy probed.", slog.String("proxy", proxyURL), slog.Bool("alive", alive),
		slog.Int64("elapsed_ms", time.Since(start).Milliseconds()))
	return alive
}
