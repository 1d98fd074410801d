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

const uuidPattern = `[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}`

var (
	cbBasePattern    = regexp.MustCompile(`(?i)https://consent\.cookiebot\.(com|eu)/`)
	cbScriptPattern  = regexp.MustCompile(`https://consent\.cookiebot\.(com|eu)/(` + uuidPattern + `)/cc\.js`)
	cbParamPattern   = regexp.MustCompile(`[&?]cbid=(` + uuidPattern + `)`)
	cbDomainWarning  = regexp.MustCompile(`cookiedomainwarning='Error: .* is not a valid domain.`)
	cbOutOfRegion    = "CookieConsent.setOutOfRegion"
	uuidExactPattern = regexp.MustCompile(`^` + uuidPattern + `$`)
)

// cookiebotCategory pairs a vendor table name with its internal category.
// Extraction walks this list in order, so record order is deterministic.
type cookiebotCategory struct {
	tableName string
	category  consent.CookieCategory
	pattern   *regexp.Regexp
}

// The cc.js file assigns one javascript array literal per category.
var cookiebotCategories = []cookiebotCategory{
	{"Necessary", consent.CategoryEssential, regexp.MustCompile(`CookieConsentDialog\.cookieTableNecessary = (.*);`)},
	{"Preference", consent.CategoryFunctional, regexp.MustCompile(`CookieConsentDialog\.cookieTablePreference = (.*);`)},
	{"Statistics", consent.CategoryAnalytical, regexp.MustCompile(`CookieConsentDialog\.cookieTableStatistics = (.*);`)},
	{"Advertising", consent.CategoryAdvertising, regexp.MustCompile(`CookieConsentDialog\.cookieTableAdvertising = (.*);`)},
	{"Unclassified", consent.CategoryUnclassified, regexp.MustCompile(`CookieConsentDialog\.cookieTableUnclassified = (.*);`)},
}

// Probe for a script tag carrying the Cookiebot ID as a data attribute.
// Returns "cbid|tld" or the empty string.
const cookiebotProbeJS = `
(() => {
  const uuid = /^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$/;
  for (const s of document.querySelectorAll('script[data-cbid]')) {
    const cbid = s.getAttribute('data-cbid') || '';
    const m = (s.getAttribute('src') || '').match(/https:\/\/consent\.cookiebot\.(com|eu)\//);
    if (uuid.test(cbid) && m) return cbid + '|' + m[1];
  }
  return '';
})()`

// Cookiebot extracts cookie categories from the vendor's cc.js document.
type Cookiebot struct {
	logger *zap.Logger
}

// NewCookiebot builds the detector.
func NewCookiebot(logger *zap.Logger) *Cookiebot {
	return &Cookiebot{logger: logger}
}

// Name identifies the vendor.
func (d *Cookiebot) Name() consent.CMPType { return consent.CMPCookiebot }

// CheckPresence reports whether the Cookiebot consent CDN is referenced in
// the page source.
func (d *Cookiebot) CheckPresence(source string) bool {
	return cbBasePattern.MatchString(source)
}

// Scrape locates the Cookiebot ID, fetches cc.js from the consent CDN with
// the right referer, and parses the per-category cookie tables out of it.
func (d *Cookiebot) Scrape(ctx context.Context, page Page, targetURL string) ScrapeResult {
	source, err := page.Source(ctx)
	if err != nil {
		return ScrapeResult{State: consent.StateUnknown, Report: "cookiebot: could not read page source: " + err.Error()}
	}

	cbid, tld, ok := d.findID(ctx, page, source)
	if !ok {
		return ScrapeResult{
			State:  consent.StateParseError,
			Report: fmt.Sprintf("cookiebot: failed to find cbid on %s", targetURL),
		}
	}
	d.logger.Info("cookiebot id found", zap.String("cbid", cbid), zap.String("tld", tld))

	referer := d.findReferer(source, cbid, tld, targetURL)
	ccURL := fmt.Sprintf("https://consent.cookiebot.%s/%s/cc.js?referer=%s", tld, cbid, referer)

	body, err := page.FetchContent(ctx, ccURL)
	if err != nil {
		return ScrapeResult{
			State:  consent.StateLibraryError,
			Report: fmt.Sprintf("cookiebot: failed to retrieve %s: %v", ccURL, err),
		}
	}

	switch {
	case strings.Contains(body, cbOutOfRegion):
		return ScrapeResult{
			State:  consent.StateRegionBlock,
			Report: fmt.Sprintf("cookiebot: out-of-region response from %s", ccURL),
		}
	case cbDomainWarning.MatchString(body):
		return ScrapeResult{
			State:  consent.StateLibraryError,
			Report: fmt.Sprintf("cookiebot: unrecognized referer %s", referer),
		}
	case strings.TrimSpace(body) == "":
		return ScrapeResult{
			State:  consent.StateMalformedResponse,
			Report: fmt.Sprintf("cookiebot: empty response from %s", ccURL),
		}
	}

	records, err := d.parseCategories(body)
	if err != nil {
		return ScrapeResult{
			State:  consent.StateMalformedResponse,
			Report: fmt.Sprintf("cookiebot: failed to extract cookie data from %s: %v", ccURL, err),
		}
	}
	if len(records) == 0 {
		return ScrapeResult{
			State:  consent.StateNoCookies,
			Report: fmt.Sprintf("cookiebot: no cookies found in %s", ccURL),
		}
	}
	return ScrapeResult{
		State:   consent.StateSuccess,
		Report:  fmt.Sprintf("extracted %d cookie entries", len(records)),
		Records: records,
	}
}

// findID tries three strategies in order: the data-cbid script attribute
// (searched through all frames), the ID embedded in a cc.js URL, and a
// cbid= query parameter. The parameter form carries no TLD; the page source
// is rescanned for one, defaulting to com.
func (d *Cookiebot) findID(ctx context.Context, page Page, source string) (cbid, tld string, ok bool) {
	if result, err := page.EvalInFrames(ctx, cookiebotProbeJS); err == nil && result != "" {
		parts := strings.SplitN(result, "|", 2)
		if len(parts) == 2 && uuidExactPattern.MatchString(parts[0]) {
			return parts[0], parts[1], true
		}
	}

	if m := cbScriptPattern.FindStringSubmatch(source); m != nil {
		return m[2], m[1], true
	}
	if m := cbParamPattern.FindStringSubmatch(source); m != nil {
		tld := "com"
		if base := cbBasePattern.FindStringSubmatch(source); base != nil {
			tld = strings.ToLower(base[1])
		}
		return m[1], tld, true
	}
	return "", "", false
}

// findReferer extracts a referer override embedded next to the cc.js
// reference. Some sites must present a referer different from their own URL
// for the CDN to answer.
func (d *Cookiebot) findReferer(source, cbid, tld, fallback string) string {
	pattern := regexp.MustCompile(
		`https://consent\.cookiebot\.` + regexp.QuoteMeta(tld) + `/` + regexp.QuoteMeta(cbid) +
			`/cc\.js.*(\?|&amp;)referer=(.*?)&`)
	if m := pattern.FindStringSubmatch(source); m != nil {
		return m[2]
	}
	return fallback
}

func (d *Cookiebot) parseCategories(body string) ([]consent.ConsentRecord, error) {
	var records []consent.ConsentRecord
	for _, cat := range cookiebotCategories {
		m := cat.pattern.FindStringSubmatch(body)
		if m == nil {
			d.logger.Debug("cookiebot category table absent", zap.String("category", cat.tableName))
			continue
		}

		var entries [][]interface{}
		if err := json.Unmarshal([]byte(m[1]), &entries); err != nil {
			return nil, fmt.Errorf("decode %s table: %w", cat.tableName, err)
		}
		for _, entry := range entries {
			rec, err := cookiebotRecord(entry, cat)
			if err != nil {
				return nil, fmt.Errorf("%s table: %w", cat.tableName, err)
			}
			records = append(records, rec)
		}
	}
	return records, nil
}

// Each table entry is a tuple [name, domain, purpose, expiry, type_name,
// type_id].
func cookiebotRecord(entry []interface{}, cat cookiebotCategory) (consent.ConsentRecord, error) {
	if len(entry) < 6 {
		return consent.ConsentRecord{}, fmt.Errorf("entry has %d fields, want 6", len(entry))
	}
	fields := make([]string, 5)
	for i := 0; i < 5; i++ {
		s, ok := entry[i].(string)
		if !ok {
			return consent.ConsentRecord{}, fmt.Errorf("field %d is %T, want string", i, entry[i])
		}
		fields[i] = s
	}
	typeID, ok := entry[5].(float64)
	if !ok {
		return consent.ConsentRecord{}, fmt.Errorf("field 5 is %T, want number", entry[5])
	}
	return consent.ConsentRecord{
		Name:         fields[0],
		Domain:       fields[1],
		Category:     cat.category,
		CategoryName: cat.tableName,
		Purpose:      fields[2],
		Expiry:       fields[3],
		TypeName:     fields[4],
		TypeID:       int(typeID),
	}, nil
}
