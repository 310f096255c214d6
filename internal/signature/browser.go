package signature

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/IliaW/note-crawler/config"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	jsoniter "github.com/json-iterator/go"
)

const signedPathMarker = "/api/sns/"

// ChromeSigner drives a headless Chrome tab logged in with the credential
// cookies. The allocator is started on first use and shared by all tabs.
type ChromeSigner struct {
	cfg         *config.SignatureConfig
	userAgent   string
	mu          sync.Mutex
	allocCtx    context.Context
	allocCancel context.CancelFunc
}

func NewChromeSigner(cfg *config.SignatureConfig, userAgent string) *ChromeSigner {
	return &ChromeSigner{cfg: cfg, userAgent: userAgent}
}

func (b *ChromeSigner) allocator() context.Context {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.allocCtx != nil {
		return b.allocCtx
	}
	if b.cfg.BrowserDebugUrl != "" {
		b.allocCtx, b.allocCancel = chromedp.NewRemoteAllocator(context.Background(), b.cfg.BrowserDebugUrl)
		slog.Info("connected to remote browser.", slog.String("url", b.cfg.BrowserDebugUrl))
		return b.allocCtx
	}
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", b.cfg.Headless),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.UserAgent(b.userAgent),
	)
	b.allocCtx, b.allocCancel = chromedp.NewExecAllocator(context.Background(), opts...)
	slog.Info("headless browser allocator started.")
	return b.allocCtx
}

// tab opens a new tab bounded by the signer timeout and by the caller context.
func (b *ChromeSigner) tab(ctx context.Context) (context.Context, context.CancelFunc) {
	tabCtx, cancelTab := chromedp.NewContext(b.allocator())
	tCtx, cancelTimeout := context.WithTimeout(tabCtx, b.cfg.Timeout)
	stop := context.AfterFunc(ctx, cancelTimeout)
	return tCtx, func() {
		stop()
		cancelTimeout()
		cancelTab()
	}
}

// Sign opens the origin page, issues the request from inside it and captures
// the signature headers the page attaches to the outgoing call.
func (b *ChromeSigner) Sign(ctx context.Context, req Request) (map[string]string, error) {
	tCtx, cancel := b.tab(ctx)
	defer cancel()

	captured := make(chan map[string]string, 1)
	chromedp.ListenTarget(tCtx, func(ev interface{}) {
		e, ok := ev.(*network.EventRequestWillBeSent)
		if !ok || !strings.Contains(e.Request.URL, signedPathMarker) {
			return
		}
		headers := make(map[string]string, 4)
		for k, v := range e.Request.Headers {
			switch name := strings.ToLower(k); name {
			case HeaderXS, HeaderXT, HeaderXSCommon, HeaderTraceID:
				headers[name] = fmt.Sprint(v)
			}
		}
		if headers[HeaderXS] == "" {
			return
		}
		select {
		case captured <- headers:
		default:
		}
	})

	script, err := fetchScript(req, true)
	if err != nil {
		return nil, err
	}
	var ignored string
	err = chromedp.Run(tCtx,
		network.Enable(),
		b.setCookies(req),
		chromedp.Navigate(b.cfg.BrowserOrigin),
		chromedp.Evaluate(script, &ignored, awaitPromise),
	)
	if err != nil {
		return nil, fmt.Errorf("run browser: %w", err)
	}

	select {
	case headers := <-captured:
		slog.Debug("signature captured in browser.", slog.String("url", req.URL))
		return headers, nil
	case <-tCtx.Done():
		return nil, fmt.Errorf("no signed request observed: %w", tCtx.Err())
	}
}

// Execute runs the request with the page's own fetch and returns the body.
func (b *ChromeSigner) Execute(ctx context.Context, req Request) ([]byte, error) {
	tCtx, cancel := b.tab(ctx)
	defer cancel()

	script, err := fetchScript(req, false)
	if err != nil {
		return nil, err
	}
	var body string
	err = chromedp.Run(tCtx,
		network.Enable(),
		b.setCookies(req),
		chromedp.Navigate(b.cfg.BrowserOrigin),
		chromedp.Evaluate(script, &body, awaitPromise),
	)
	if err != nil {
		return nil, fmt.Errorf("run browser: %w", err)
	}
	if body == "" {
		return nil, errors.New("empty response from page fetch")
	}
	return []byte(body), nil
}

func (b *ChromeSigner) setCookies(req Request) chromedp.ActionFunc {
	return func(ctx context.Context) error {
		cookies := req.cookieMap()
		params := make([]*network.CookieParam, 0, len(cookies))
		for name, value := range cookies {
			params = append(params, &network.CookieParam{
				Name:   name,
				Value:  value,
				Domain: b.cfg.CookieDomain,
				Path:   "/",
			})
		}
		if len(params) == 0 {
			return nil
		}
		return network.SetCookies(params).Do(ctx)
	}
}

func (b *ChromeSigner) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.allocCancel != nil {
		b.allocCancel()
		b.allocCtx, b.allocCancel = nil, nil
		slog.Info("browser allocator closed.")
	}
}

func awaitPromise(p *runtime.EvaluateParams) *runtime.EvaluateParams {
	return p.WithAwaitPromise(true)
}

// fetchScript renders an in-page fetch of req. With swallowErrors the promise
// always resolves, since only the outgoing headers matter.
func fetchScript(req Request, swallowErrors bool) (string, error) {
	headers := map[string]string{"Content-Type": "application/json;charset=UTF-8"}
	for k, v := range req.Headers {
		headers[k] = v
	}
	method := strings.ToUpper(req.Method)
	if method == "" {
		method = "GET"
	}
	var body any
	if len(req.Body) > 0 {
		body = string(req.Body)
	}
	init, err := jsoniter.Marshal(map[string]any{
		"method":      method,
		"credentials": "include",
		"headers":     headers,
		"body":        body,
	})
	if err != nil {
		return "", fmt.Errorf("encode fetch options: %w", err)
	}
	target, err := jsoniter.Marshal(req.URL)
	if err != nil {
		return "", fmt.Errorf("encode fetch url: %w", err)
	}
	script := fmt.Sprintf("fetch(%s, %s).then(r => r.text())", target, init)
	if swallowErrors {
		script += ".catch(() => '')"
	}
	return script, nil
}

var _ Browser = (*ChromeSigner)(nil)
