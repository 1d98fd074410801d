// Package browser owns one native Chrome process per Session and reconciles
// synchronous navigation with the asynchronous CDP network-event stream.
package browser

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	cdbrowser "github.com/chromedp/cdproto/browser"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"github.com/chromedp/chromedp/kb"
	"go.uber.org/zap"
)

// Config controls Session behavior.
type Config struct {
	Headless          bool
	UserAgent         string
	NavigationTimeout time.Duration
	// SettleSeconds is the fixed wait before consulting the page-load-state
	// map. Zero selects a randomized 0.8-2.0s window.
	SettleSeconds float64
	// WaitForEvents switches Navigate from settle-delay-then-lookup to a
	// per-URL wait on the event callback, bounded by EventWaitTimeout.
	WaitForEvents    bool
	EventWaitTimeout time.Duration
	FetchTimeout     time.Duration
}

// Session wraps one Chrome process. It is not safe for concurrent use; a
// session crawls strictly sequentially.
type Session struct {
	cfg    Config
	logger *zap.Logger

	browserCtx    context.Context
	browserCancel context.CancelFunc
	allocCancel   context.CancelFunc

	tracker  *stateTracker
	fallback *VendorFetcher

	reqMu   sync.Mutex
	reqURLs map[network.RequestID]string

	proc *os.Process
}

// NewSession launches a Chrome process and starts listening for network
// events. The caller must Close the session to release the process.
func NewSession(ctx context.Context, cfg Config, logger *zap.Logger) (*Session, error) {
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = 30 * time.Second
	}
	if cfg.EventWaitTimeout <= 0 {
		cfg.EventWaitTimeout = 5 * time.Second
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 30 * time.Second
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", cfg.Headless),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("no-first-run", true),
		chromedp.Flag("no-service-autorun", true),
		chromedp.Flag("password-store", "basic"),
	)
	if cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(cfg.UserAgent))
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, opts...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)

	s := &Session{
		cfg:           cfg,
		logger:        logger,
		browserCtx:    browserCtx,
		browserCancel: browserCancel,
		allocCancel:   allocCancel,
		tracker:       newStateTracker(),
		fallback:      NewVendorFetcher(cfg.UserAgent, cfg.FetchTimeout),
		reqURLs:       make(map[network.RequestID]string),
	}

	chromedp.ListenTarget(browserCtx, s.handleEvent)

	if err := chromedp.Run(browserCtx, network.Enable()); err != nil {
		browserCancel()
		allocCancel()
		return nil, fmt.Errorf("chromedp warmup: %w", err)
	}

	if c := chromedp.FromContext(browserCtx); c != nil && c.Browser != nil {
		s.proc = c.Browser.Process()
	}
	return s, nil
}

// Version reports the product string of the attached browser.
func (s *Session) Version(ctx context.Context) (string, error) {
	var product string
	runCtx, cancel, stop := s.boundedRun(ctx, 5*time.Second)
	defer cancel()
	defer stop()
	err := chromedp.Run(runCtx, chromedp.ActionFunc(func(ctx context.Context) error {
		_, p, _, _, _, err := cdbrowser.GetVersion().Do(ctx)
		if err != nil {
			return fmt.Errorf("get browser version: %w", err)
		}
		product = p
		return nil
	}))
	if err != nil {
		return "", err
	}
	return product, nil
}

// PID returns the Chrome process ID, or 0 when unknown.
func (s *Session) PID() int {
	if s.proc == nil {
		return 0
	}
	return s.proc.Pid
}

// Close presses escape to dismiss any native dialog and tears the browser
// down.
func (s *Session) Close() {
	ctx, cancel := context.WithTimeout(s.browserCtx, 2*time.Second)
	if err := chromedp.Run(ctx, chromedp.KeyEvent(kb.Escape)); err != nil {
		s.logger.Debug("escape on close failed", zap.Error(err))
	}
	cancel()
	s.browserCancel()
	s.allocCancel()
}

func (s *Session) handleEvent(ev interface{}) {
	switch e := ev.(type) {
	case *network.EventRequestWillBeSent:
		if e.Request == nil {
			return
		}
		s.reqMu.Lock()
		s.reqURLs[e.RequestID] = e.Request.URL
		s.reqMu.Unlock()
	case *network.EventResponseReceived:
		if e.Response == nil {
			return
		}
		s.tracker.Record(ResponseEvent{
			URL:     e.Response.URL,
			Status:  int(e.Response.Status),
			Headers: flattenHeaders(e.Response.Headers),
		})
	case *network.EventLoadingFailed:
		s.reqMu.Lock()
		reqURL, ok := s.reqURLs[e.RequestID]
		s.reqMu.Unlock()
		if !ok || e.Canceled {
			return
		}
		s.tracker.Record(ResponseEvent{
			URL:         reqURL,
			ErrorReason: strings.TrimSpace(e.ErrorText),
		})
	}
}

func flattenHeaders(h network.Headers) http.Header {
	out := http.Header{}
	for key, value := range h {
		switch v := value.(type) {
		case string:
			out.Add(key, v)
		case []interface{}:
			for _, entry := range v {
				out.Add(key, fmt.Sprint(entry))
			}
		default:
			out.Add(key, fmt.Sprint(v))
		}
	}
	return out
}

// normalizeNavigationURL rewrites an empty path to "/" so the URL matches
// the string the network layer reports for it.
func normalizeNavigationURL(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	if u.Path == "" {
		u.Path = "/"
	}
	return u.String(), nil
}

// Navigate loads the URL and determines its PageLoadState from the network
// events recorded while the page settled.
func (s *Session) Navigate(ctx context.Context, rawURL string, settle time.Duration) PageLoadState {
	norm, err := normalizeNavigationURL(rawURL)
	if err != nil {
		s.logger.Warn("unparseable navigation url", zap.String("url", rawURL), zap.Error(err))
		return StateUnknownError
	}

	s.reqMu.Lock()
	s.reqURLs = make(map[network.RequestID]string)
	s.reqMu.Unlock()
	s.tracker.SetNavigated(norm)

	navCtx, cancel := context.WithTimeout(s.browserCtx, s.cfg.NavigationTimeout)
	defer cancel()
	stop := forwardCancel(ctx, cancel)
	defer stop()

	var navErr error
	if err := chromedp.Run(navCtx, chromedp.Navigate(norm)); err != nil {
		switch {
		case errors.Is(err, context.DeadlineExceeded):
			s.logger.Warn("navigation timeout", zap.String("url", norm))
			return StateTimeout
		case strings.Contains(err.Error(), "ERR_NAME_NOT_RESOLVED"):
			return StateDNSError
		default:
			// The real outcome is usually in the state map; keep going.
			navErr = err
		}
	}

	if s.cfg.WaitForEvents {
		if st, ok := s.tracker.Wait(norm, s.cfg.EventWaitTimeout); ok {
			return s.resolve(norm, st)
		}
	} else {
		s.settle(ctx, settle)
	}

	if st, ok := s.tracker.Lookup(norm); ok {
		return s.resolve(norm, st)
	}

	// A native dialog can block event delivery entirely; dismiss and retry.
	s.pressEscape()
	if st, ok := s.tracker.Lookup(norm); ok {
		return s.resolve(norm, st)
	}

	if navErr != nil {
		s.logger.Error("navigation failed with no recorded state",
			zap.String("url", norm), zap.Error(navErr))
	} else {
		s.logger.Warn("no load state recorded", zap.String("url", norm))
	}
	// The event may simply not have arrived yet; report the miss explicitly.
	return StateUnknownError
}

func (s *Session) resolve(norm string, st PageLoadState) PageLoadState {
	if st == StateRedirect {
		return s.tracker.ResolveRedirects(norm, 3)
	}
	return st
}

func (s *Session) settle(ctx context.Context, settle time.Duration) {
	if settle <= 0 {
		if s.cfg.SettleSeconds > 0 {
			settle = time.Duration(s.cfg.SettleSeconds * float64(time.Second))
		} else {
			settle = 800*time.Millisecond + time.Duration(rand.Int63n(int64(1200*time.Millisecond)))
		}
	}
	select {
	case <-time.After(settle):
	case <-ctx.Done():
	}
}

func (s *Session) pressEscape() {
	ctx, cancel := context.WithTimeout(s.browserCtx, 2*time.Second)
	defer cancel()
	if err := chromedp.Run(ctx, chromedp.KeyEvent(kb.Escape)); err != nil {
		s.logger.Debug("escape press failed", zap.Error(err))
	}
}

// Source returns the current page source.
func (s *Session) Source(ctx context.Context) (string, error) {
	var html string
	runCtx, cancel, stop := s.boundedRun(ctx, 10*time.Second)
	defer cancel()
	defer stop()
	if err := chromedp.Run(runCtx, chromedp.OuterHTML("html", &html, chromedp.ByQuery)); err != nil {
		return "", fmt.Errorf("read page source: %w", err)
	}
	return html, nil
}

// CurrentURL returns the location of the active page.
func (s *Session) CurrentURL(ctx context.Context) (string, error) {
	var loc string
	runCtx, cancel, stop := s.boundedRun(ctx, 5*time.Second)
	defer cancel()
	defer stop()
	if err := chromedp.Run(runCtx, chromedp.Location(&loc)); err != nil {
		return "", fmt.Errorf("read location: %w", err)
	}
	return loc, nil
}

func (s *Session) boundedRun(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc, func()) {
	runCtx, cancel := context.WithTimeout(s.browserCtx, timeout)
	stop := forwardCancel(ctx, cancel)
	return runCtx, cancel, stop
}

func forwardCancel(parent context.Context, cancel context.CancelFunc) func() {
	if parent == nil {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		select {
		case <-parent.Done():
			cancel()
		case <-done:
		}
	}()
	return func() { close(done) }
}
