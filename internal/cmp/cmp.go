// Package cmp detects which Consent Management Platform a site uses and
// extracts the structured cookie disclosure that platform publishes.
package cmp

import (
	"context"

	"go.uber.org/zap"

	"github.com/cookiescope/consent-crawler/internal/consent"
)

// Page is the browser surface detectors operate against.
type Page interface {
	Source(ctx context.Context) (string, error)
	CurrentURL(ctx context.Context) (string, error)
	EvalInFrames(ctx context.Context, probe string) (string, error)
	FetchContent(ctx context.Context, url string) (string, error)
}

// ScrapeResult is the outcome of one detector's extraction attempt.
type ScrapeResult struct {
	State   consent.CrawlState
	Report  string
	Records []consent.ConsentRecord
}

// Detector is one vendor's discovery-and-extraction strategy. CheckPresence
// is a cheap test against the page source; Scrape runs the full protocol and
// is only called after a positive presence check.
type Detector interface {
	Name() consent.CMPType
	CheckPresence(source string) bool
	Scrape(ctx context.Context, page Page, targetURL string) ScrapeResult
}

// Outcome is the coordinator's verdict for one page.
type Outcome struct {
	CMP     consent.CMPType
	State   consent.CrawlState
	Report  string
	Records []consent.ConsentRecord
}

// Coordinator runs detectors in a fixed priority order and stops at the
// first vendor whose presence check succeeds, whether or not its scrape
// then works out.
type Coordinator struct {
	detectors []Detector
	logger    *zap.Logger
}

// NewCoordinator builds a coordinator with the standard vendor ordering:
// OneTrust, Cookiebot, Termly.
func NewCoordinator(logger *zap.Logger) *Coordinator {
	return &Coordinator{
		detectors: []Detector{
			NewOneTrust(logger),
			NewCookiebot(logger),
			NewTermly(logger),
		},
		logger: logger,
	}
}

// Order returns the vendor priority order.
func (c *Coordinator) Order() []consent.CMPType {
	order := make([]consent.CMPType, len(c.detectors))
	for i, d := range c.detectors {
		order[i] = d.Name()
	}
	return order
}

// DetectAndScrape finds the first present vendor and returns its scrape
// result. The first presence hit is final; later vendors are never tried.
func (c *Coordinator) DetectAndScrape(ctx context.Context, page Page, targetURL string) Outcome {
	source, err := page.Source(ctx)
	if err != nil {
		return Outcome{
			CMP:    consent.CMPFailed,
			State:  consent.StateUnknown,
			Report: "could not read page source: " + err.Error(),
		}
	}

	for _, d := range c.detectors {
		if !d.CheckPresence(source) {
			continue
		}
		c.logger.Info("cmp detected", zap.String("vendor", string(d.Name())))
		result := d.Scrape(ctx, page, targetURL)
		return Outcome{
			CMP:     d.Name(),
			State:   result.State,
			Report:  result.Report,
			Records: result.Records,
		}
	}
	return Outcome{
		CMP:    consent.CMPFailed,
		State:  consent.StateCMPNotFound,
		Report: "no known CMP found",
	}
}
