package cmp

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/cookiescope/consent-crawler/internal/consent"
)

const termlyAPIBase = "https://app.termly.io/api/v1/snippets/websites"

var (
	termlyBasePattern    = regexp.MustCompile(`(?i)https://app\.termly\.io/`)
	termlyBlockerPattern = regexp.MustCompile(`app\.termly\.io/resource-blocker/(` + uuidPattern + `)`)
	termlyWebsitePattern = regexp.MustCompile(`data-website-uuid="(` + uuidPattern + `)"`)
)

// Termly publishes exact category names, so mapping is a fixed table rather
// than keyword matching.
var termlyCategories = map[string]consent.CookieCategory{
	"essential":         consent.CategoryEssential,
	"functional":        consent.CategoryFunctional,
	"performance":       consent.CategoryAnalytical,
	"analytics":         consent.CategoryAnalytical,
	"advertising":       consent.CategoryAdvertising,
	"social_networking": consent.CategorySocialMedia,
	"unclassified":      consent.CategoryUnclassified,
}

// Termly extracts cookie disclosures through the vendor's two-hop JSON API:
// the website snippet lists documents, and the cookie document carries the
// per-cookie entries.
type Termly struct {
	logger *zap.Logger
}

// NewTermly builds the detector.
func NewTermly(logger *zap.Logger) *Termly {
	return &Termly{logger: logger}
}

// Name identifies the vendor.
func (d *Termly) Name() consent.CMPType { return consent.CMPTermly }

// CheckPresence reports whether the Termly app domain is referenced in the
// page source.
func (d *Termly) CheckPresence(source string) bool {
	return termlyBasePattern.MatchString(source)
}

type termlySnippet struct {
	Documents []struct {
		UUID string `json:"uuid"`
		Name string `json:"name"`
	} `json:"documents"`
}

type termlyCookieDoc struct {
	Cookies []struct {
		Name     string `json:"name"`
		Domain   string `json:"domain"`
		Category string `json:"category"`
		Purpose  string `json:"purpose"`
		Expiry   string `json:"expiry"`
		Tracker  string `json:"tracker_type"`
	} `json:"cookies"`
}

// Scrape finds the website UUID in the page source, fetches the snippet
// document list, then fetches the cookie policy document it names.
func (d *Termly) Scrape(ctx context.Context, page Page, targetURL string) ScrapeResult {
	source, err := page.Source(ctx)
	if err != nil {
		return ScrapeResult{State: consent.StateUnknown, Report: "termly: could not read page source: " + err.Error()}
	}

	websiteID, ok := findTermlyWebsiteID(source)
	if !ok {
		return ScrapeResult{
			State:  consent.StateParseError,
			Report: fmt.Sprintf("termly: failed to find website uuid on %s", targetURL),
		}
	}
	d.logger.Info("termly website id found", zap.String("uuid", websiteID))

	snippetURL := fmt.Sprintf("%s/%s", termlyAPIBase, websiteID)
	snippetBody, err := page.FetchContent(ctx, snippetURL)
	if err != nil {
		return ScrapeResult{
			State:  consent.StateLibraryError,
			Report: fmt.Sprintf("termly: failed to retrieve %s: %v", snippetURL, err),
		}
	}

	var snippet termlySnippet
	if err := json.Unmarshal([]byte(snippetBody), &snippet); err != nil {
		return ScrapeResult{
			State:  consent.StateMalformedResponse,
			Report: fmt.Sprintf("termly: snippet response from %s is not valid JSON: %v", snippetURL, err),
		}
	}

	var docID string
	for _, doc := range snippet.Documents {
		if strings.EqualFold(doc.Name, "cookie policy") {
			docID = doc.UUID
			break
		}
	}
	if docID == "" {
		return ScrapeResult{
			State:  consent.StateParseError,
			Report: fmt.Sprintf("termly: no cookie policy document listed for website %s", websiteID),
		}
	}

	docURL := fmt.Sprintf("%s/%s/documents/%s/cookies", termlyAPIBase, websiteID, docID)
	docBody, err := page.FetchContent(ctx, docURL)
	if err != nil {
		return ScrapeResult{
			State:  consent.StateLibraryError,
			Report: fmt.Sprintf("termly: failed to retrieve %s: %v", docURL, err),
		}
	}

	var doc termlyCookieDoc
	if err := json.Unmarshal([]byte(docBody), &doc); err != nil {
		return ScrapeResult{
			State:  consent.StateMalformedResponse,
			Report: fmt.Sprintf("termly: cookie document from %s is not valid JSON: %v", docURL, err),
		}
	}

	records := make([]consent.ConsentRecord, 0, len(doc.Cookies))
	for _, c := range doc.Cookies {
		category, known := termlyCategories[strings.ToLower(c.Category)]
		if !known {
			d.logger.Warn("termly: unrecognized category name", zap.String("name", c.Category))
			category = consent.CategoryUnrecognized
		}
		records = append(records, consent.ConsentRecord{
			Name:         c.Name,
			Domain:       c.Domain,
			Category:     category,
			CategoryName: c.Category,
			Purpose:      c.Purpose,
			Expiry:       c.Expiry,
			TypeName:     c.Tracker,
		})
	}
	if len(records) == 0 {
		return ScrapeResult{
			State:  consent.StateNoCookies,
			Report: fmt.Sprintf("termly: no cookies found in %s", docURL),
		}
	}
	return ScrapeResult{
		State:   consent.StateSuccess,
		Report:  fmt.Sprintf("extracted %d cookie entries", len(records)),
		Records: records,
	}
}

func findTermlyWebsiteID(source string) (string, bool) {
	if m := termlyBlockerPattern.FindStringSubmatch(source); m != nil {
		return m[1], true
	}
	if m := termlyWebsitePattern.FindStringSubmatch(source); m != nil {
		return m[1], true
	}
	return "", false
}
