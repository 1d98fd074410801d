package browser

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	"github.com/gocolly/colly/v2"
)

// VendorFetcher retrieves vendor consent endpoints (cc.js, ruleset JSON)
// over plain HTTP, carrying the Referer some vendors validate against.
type VendorFetcher struct {
	userAgent string
	timeout   time.Duration
	transport http.RoundTripper
}

// NewVendorFetcher builds a fetcher with a pooled transport.
func NewVendorFetcher(userAgent string, timeout time.Duration) *VendorFetcher {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &VendorFetcher{
		userAgent: userAgent,
		timeout:   timeout,
		transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout:   10 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			TLSHandshakeTimeout:   15 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
			MaxIdleConns:          100,
			IdleConnTimeout:       90 * time.Second,
		},
	}
}

// Fetch executes a single GET and returns the response body as text.
func (f *VendorFetcher) Fetch(ctx context.Context, url, referer string) (string, error) {
	collector := colly.NewCollector(colly.Async(false))
	collector.IgnoreRobotsTxt = true
	collector.WithTransport(f.transport)
	collector.SetRequestTimeout(f.timeout)
	if f.userAgent != "" {
		collector.UserAgent = f.userAgent
	}

	var (
		body     string
		fetchErr error
	)
	collector.OnRequest(func(r *colly.Request) {
		if referer != "" {
			r.Headers.Set("Referer", referer)
		}
	})
	collector.OnResponse(func(r *colly.Response) {
		body = string(r.Body)
	})
	collector.OnError(func(_ *colly.Response, err error) {
		fetchErr = err
	})

	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return "", fmt.Errorf("vendor fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return "", fmt.Errorf("vendor fetch %s: %w", url, err)
		}
		if fetchErr != nil {
			return "", fmt.Errorf("vendor fetch %s: %w", url, fetchErr)
		}
		return body, nil
	}
}

// FetchContent retrieves the URL's body as text from within the page, so the
// request carries the page's cookies and origin. Falls back to a direct HTTP
// fetch with the current page as Referer when the in-page fetch fails, for
// example on a cross-origin endpoint without CORS headers.
func (s *Session) FetchContent(ctx context.Context, url string) (string, error) {
	body, err := s.fetchInPage(ctx, url)
	if err == nil && strings.TrimSpace(body) != "" {
		return body, nil
	}

	referer, locErr := s.CurrentURL(ctx)
	if locErr != nil {
		referer = ""
	}
	fallback, fbErr := s.fallback.Fetch(ctx, url, referer)
	if fbErr != nil {
		if err != nil {
			return "", fmt.Errorf("fetch %s: in-page: %v; direct: %w", url, err, fbErr)
		}
		return "", fbErr
	}
	return fallback, nil
}

func (s *Session) fetchInPage(ctx context.Context, url string) (string, error) {
	js := fmt.Sprintf(`fetch(%q).then(r => r.text())`, url)
	var body string
	runCtx, cancel, stop := s.boundedRun(ctx, s.cfg.FetchTimeout)
	defer cancel()
	defer stop()
	err := chromedp.Run(runCtx, chromedp.Evaluate(js, &body,
		func(p *runtime.EvaluateParams) *runtime.EvaluateParams {
			return p.WithAwaitPromise(true)
		}))
	if err != nil {
		return "", fmt.Errorf("in-page fetch: %w", err)
	}
	return body, nil
}
