// Package visit drives one full site visit: root load, CMP detection,
// bounded subpage traversal, and cookie collection.
package visit

import (
	"context"
	"fmt"
	"math/rand"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/publicsuffix"

	"github.com/cookiescope/consent-crawler/internal/browser"
	"github.com/cookiescope/consent-crawler/internal/cmp"
	"github.com/cookiescope/consent-crawler/internal/consent"
)

// Browser is the session surface the runner drives. One visit owns the
// session exclusively for its duration.
type Browser interface {
	cmp.Page
	Navigate(ctx context.Context, url string, settle time.Duration) browser.PageLoadState
	ExtractLinks(ctx context.Context) ([]browser.Link, error)
	Cookies(ctx context.Context) ([]consent.ObservedCookie, error)
	Mitigate(ctx context.Context, short bool)
}

// Coordinator detects and scrapes the page's CMP.
type Coordinator interface {
	DetectAndScrape(ctx context.Context, page cmp.Page, targetURL string) cmp.Outcome
}

// DumpStore persists page-source snapshots. Optional; dump failures never
// fail the visit.
type DumpStore interface {
	Put(ctx context.Context, key string, data []byte) error
}

// Config controls runner behavior.
type Config struct {
	NumSubpages int
	Settle      time.Duration
	DumpPages   bool
}

// Runner executes visits against one browser session.
type Runner struct {
	cfg    Config
	b      Browser
	coord  Coordinator
	dumps  DumpStore
	logger *zap.Logger
}

// NewRunner builds a runner. dumps may be nil.
func NewRunner(cfg Config, b Browser, coord Coordinator, dumps DumpStore, logger *zap.Logger) *Runner {
	return &Runner{cfg: cfg, b: b, coord: coord, dumps: dumps, logger: logger}
}

// Run performs one full visit and always returns exactly one result.
func (r *Runner) Run(ctx context.Context, v consent.Visit) consent.VisitResult {
	logger := r.logger.With(zap.String("visit_id", v.ID), zap.String("url", v.TargetURL))

	target, hadScheme, err := repairScheme(v.TargetURL)
	if err != nil {
		return failed(v, consent.StateMalformedURL, fmt.Sprintf("unparseable target url: %v", err))
	}

	state := r.b.Navigate(ctx, target, r.cfg.Settle)
	if state == browser.StateHTTPError && !hadScheme {
		// The https guess may be wrong for http-only sites.
		httpTarget := "http://" + strings.TrimPrefix(target, "https://")
		logger.Info("root load failed over https, retrying over http")
		state = r.b.Navigate(ctx, httpTarget, r.cfg.Settle)
		if state == browser.StateOK {
			target = httpTarget
		}
	}
	if crawlState, terminal := rootLoadFailure(state); terminal {
		logger.Warn("root page load failed", zap.String("page_state", state.String()))
		return failed(v, crawlState, fmt.Sprintf("root page load failed: %s", state))
	}
	if state == browser.StateUnknownError {
		// The load event may simply not have been observed; keep going.
		logger.Warn("root page load state unknown, continuing")
	}

	r.b.Mitigate(ctx, false)
	r.dump(ctx, v.ID, "root")

	outcome := r.coord.DetectAndScrape(ctx, r.b, target)
	logger.Info("cmp detection finished",
		zap.String("cmp", string(outcome.CMP)),
		zap.String("state", string(outcome.State)),
		zap.Int("records", len(outcome.Records)))

	result := consent.VisitResult{
		VisitID:        v.ID,
		TargetURL:      v.TargetURL,
		CMPType:        outcome.CMP,
		CrawlState:     outcome.State,
		Report:         outcome.Report,
		ConsentRecords: outcome.Records,
	}

	if outcome.State != consent.StateSuccess {
		// Abort the visit but still capture whatever cookies are present.
		result.ObservedCookies = r.collectCookies(ctx, logger)
		return result
	}

	r.traverseSubpages(ctx, v.ID, target, logger)
	result.ObservedCookies = r.collectCookies(ctx, logger)
	return result
}

// traverseSubpages reloads the root (the consent banner may have perturbed
// page state), then visits up to NumSubpages same-site links at random.
func (r *Runner) traverseSubpages(ctx context.Context, visitID, target string, logger *zap.Logger) {
	if r.cfg.NumSubpages <= 0 {
		return
	}

	if state := r.b.Navigate(ctx, target, r.cfg.Settle); state != browser.StateOK {
		logger.Warn("root reload did not come back clean", zap.String("page_state", state.String()))
	}
	links, err := r.b.ExtractLinks(ctx)
	if err != nil {
		logger.Warn("link extraction failed", zap.Error(err))
		return
	}

	candidates := filterSameSite(target, links)
	rand.Shuffle(len(candidates), func(i, j int) {
		candidates[i], candidates[j] = candidates[j], candidates[i]
	})
	if len(candidates) > r.cfg.NumSubpages {
		candidates = candidates[:r.cfg.NumSubpages]
	}

	for i, link := range candidates {
		state := r.b.Navigate(ctx, link, r.cfg.Settle)
		logger.Debug("subpage visited",
			zap.String("subpage", link), zap.String("page_state", state.String()))
		r.b.Mitigate(ctx, true)
		r.dump(ctx, visitID, fmt.Sprintf("subpage-%d-%s", i, keyComponent(link)))
		if ctx.Err() != nil {
			return
		}
	}
}

func (r *Runner) collectCookies(ctx context.Context, logger *zap.Logger) []consent.ObservedCookie {
	cookies, err := r.b.Cookies(ctx)
	if err != nil {
		logger.Warn("cookie collection failed", zap.Error(err))
		return nil
	}
	return cookies
}

func (r *Runner) dump(ctx context.Context, visitID, label string) {
	if !r.cfg.DumpPages || r.dumps == nil {
		return
	}
	source, err := r.b.Source(ctx)
	if err != nil {
		r.logger.Debug("page dump skipped", zap.Error(err))
		return
	}
	key := fmt.Sprintf("%s/%s.html", visitID, label)
	if err := r.dumps.Put(ctx, key, []byte(source)); err != nil {
		r.logger.Warn("page dump failed", zap.String("key", key), zap.Error(err))
	}
}

func failed(v consent.Visit, state consent.CrawlState, report string) consent.VisitResult {
	return consent.VisitResult{
		VisitID:    v.ID,
		TargetURL:  v.TargetURL,
		CMPType:    consent.CMPFailed,
		CrawlState: state,
		Report:     report,
	}
}

// repairScheme prepends https:// to bare domains so they parse, and reports
// whether the original already carried a scheme.
func repairScheme(raw string) (string, bool, error) {
	raw = strings.TrimSpace(raw)
	hadScheme := strings.HasPrefix(raw, "http://") || strings.HasPrefix(raw, "https://")
	if !hadScheme {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", hadScheme, err
	}
	if u.Host == "" {
		return "", hadScheme, fmt.Errorf("no host in %q", raw)
	}
	return u.String(), hadScheme, nil
}

// rootLoadFailure maps a terminal root page-load state to its crawl state.
// UNKNOWN_ERROR is not terminal: the event may not have arrived yet and the
// page may be fine.
func rootLoadFailure(state browser.PageLoadState) (consent.CrawlState, bool) {
	switch state {
	case browser.StateDNSError, browser.StateTCPError, browser.StateTimeout:
		return consent.StateConnFailed, true
	case browser.StateHTTPError:
		return consent.StateHTTPError, true
	case browser.StateBadContentType:
		return consent.StateMalformedResponse, true
	default:
		return "", false
	}
}

// filterSameSite keeps links whose registrable domain matches the target's.
func filterSameSite(target string, links []browser.Link) []string {
	targetDomain, ok := registrableDomain(target)
	if !ok {
		return nil
	}
	var out []string
	for _, link := range links {
		if link.URL == target {
			continue
		}
		domain, ok := registrableDomain(link.URL)
		if ok && domain == targetDomain {
			out = append(out, link.URL)
		}
	}
	return out
}

func registrableDomain(rawURL string) (string, bool) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "", false
	}
	domain, err := publicsuffix.EffectiveTLDPlusOne(strings.ToLower(u.Hostname()))
	if err != nil {
		return "", false
	}
	return domain, true
}

func keyComponent(link string) string {
	u, err := url.Parse(link)
	if err != nil {
		return "page"
	}
	return strings.Trim(strings.ReplaceAll(u.Hostname()+u.Path, "/", "-"), "-")
}
