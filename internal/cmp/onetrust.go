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

// OneTrust serves its consent data from seven CDN base domains, covering the
// OneTrust, CookieLaw, Optanon and CookiePro brandings.
var onetrustBaseDomains = []string{
	"https://cdn-apac.onetrust.com",
	"https://cdn-ukwest.onetrust.com",
	"https://cdn.cookielaw.org",
	"https://cmp-cdn.cookielaw.org",
	"https://optanon.blob.core.windows.net",
	"https://cookie-cdn.cookiepro.com",
	"https://cookiepro.blob.core.windows.net",
}

const onetrustDefaultSentinel = "center-center-default-stack-global-ot"

var (
	onetrustBasePatterns = compileBasePatterns()
	onetrustGroupsStart  = regexp.MustCompile(`,\s*Groups:\s*\[`)
)

func compileBasePatterns() []*regexp.Regexp {
	patterns := make([]*regexp.Regexp, 0, len(onetrustBaseDomains))
	for _, domain := range onetrustBaseDomains {
		patterns = append(patterns, regexp.MustCompile(`(?i)`+regexp.QuoteMeta(domain)))
	}
	return patterns
}

// jsDomainAlternation is the escaped domain list for use inside probe JS
// regexes.
func jsDomainAlternation() string {
	hosts := make([]string, 0, len(onetrustBaseDomains))
	for _, domain := range onetrustBaseDomains {
		host := strings.TrimPrefix(domain, "https://")
		hosts = append(hosts, strings.ReplaceAll(host, ".", `\\.`))
	}
	return strings.Join(hosts, "|")
}

// Probe for a script tag whose data-domain-script attribute carries the data
// domain id, with a src on a known CDN. Returns "baseURL|ddid" or "".
var onetrustVariantAProbeJS = fmt.Sprintf(`
(() => {
  const uuid = /^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$/;
  const base = new RegExp('^https://(%s)');
  for (const s of document.querySelectorAll('script[data-domain-script]')) {
    const ddid = s.getAttribute('data-domain-script') || '';
    if (!uuid.test(ddid) && ddid !== %q) continue;
    const src = s.getAttribute('src') || '';
    const m = src.match(base);
    if (m) return m[0] + '|' + ddid;
  }
  return '';
})()`, jsDomainAlternation(), onetrustDefaultSentinel)

// Probe for a direct consent-script src of the form
// https://<cdn>/consent/<uuid>[suffix].js. Returns the full URL or "".
var onetrustVariantBProbeJS = fmt.Sprintf(`
(() => {
  const pat = new RegExp('^https://(%s)/consent/[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}[a-zA-Z0-9_-]*\\.js');
  for (const s of document.querySelectorAll('script[src]')) {
    const m = (s.getAttribute('src') || '').match(pat);
    if (m) return m[0];
  }
  return '';
})()`, jsDomainAlternation())

// OneTrust extracts cookie categories from the OneTrust family of CMPs.
// Variant A reads the per-language ruleset JSON behind a data-domain id;
// Variant B falls back to the direct consent script.
type OneTrust struct {
	logger *zap.Logger
}

// NewOneTrust builds the detector.
func NewOneTrust(logger *zap.Logger) *OneTrust {
	return &OneTrust{logger: logger}
}

// Name identifies the vendor.
func (d *OneTrust) Name() consent.CMPType { return consent.CMPOneTrust }

// CheckPresence reports whether any known OneTrust CDN domain appears in the
// page source.
func (d *OneTrust) CheckPresence(source string) bool {
	for _, pattern := range onetrustBasePatterns {
		if pattern.MatchString(source) {
			return true
		}
	}
	return false
}

// Scrape tries Variant A first and falls back to Variant B when the
// data-domain script tag is absent.
func (d *OneTrust) Scrape(ctx context.Context, page Page, targetURL string) ScrapeResult {
	if result, err := page.EvalInFrames(ctx, onetrustVariantAProbeJS); err == nil && result != "" {
		parts := strings.SplitN(result, "|", 2)
		if len(parts) == 2 {
			d.logger.Info("onetrust variant A",
				zap.String("domain_url", parts[0]), zap.String("ddid", parts[1]))
			return d.scrapeVariantA(ctx, page, parts[0], parts[1])
		}
	}

	scriptURL, err := page.EvalInFrames(ctx, onetrustVariantBProbeJS)
	if err != nil || scriptURL == "" {
		return ScrapeResult{
			State:  consent.StateCMPNotFound,
			Report: "onetrust: could not find a valid OneTrust CMP variant on this URL",
		}
	}
	d.logger.Info("onetrust variant B", zap.String("script_url", scriptURL))
	return d.scrapeVariantB(ctx, page, scriptURL)
}

type otRulesetIndex struct {
	RuleSet []struct {
		ID                          string            `json:"Id"`
		LanguageSwitcherPlaceholder map[string]string `json:"LanguageSwitcherPlaceholder"`
	} `json:"RuleSet"`
}

type otCookie struct {
	Name        string      `json:"Name"`
	Host        string      `json:"Host"`
	Description string      `json:"description"`
	Length      interface{} `json:"Length"`
	IsSession   *bool       `json:"IsSession"`
}

func (c otCookie) expiry() string {
	if c.IsSession != nil && *c.IsSession {
		return "session"
	}
	switch v := c.Length.(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		return fmt.Sprint(v)
	}
}

type otRulesetDoc struct {
	DomainData *struct {
		Language struct {
			Culture string `json:"Culture"`
		} `json:"Language"`
		Groups []struct {
			GroupName         string     `json:"GroupName"`
			FirstPartyCookies []otCookie `json:"FirstPartyCookies"`
			Hosts             []struct {
				Cookies []otCookie `json:"Cookies"`
			} `json:"Hosts"`
		} `json:"Groups"`
	} `json:"DomainData"`
}

// scrapeVariantA retrieves the ruleset index for the data domain, selects a
// language-specific ruleset id per entry, and parses cookie groups out of
// the first ruleset document that yields any cookies.
func (d *OneTrust) scrapeVariantA(ctx context.Context, page Page, domainURL, ddid string) ScrapeResult {
	indexURL := fmt.Sprintf("%s/consent/%s/%s.json", domainURL, ddid, ddid)
	body, err := page.FetchContent(ctx, indexURL)
	if err != nil {
		return ScrapeResult{
			State:  consent.StateLibraryError,
			Report: fmt.Sprintf("onetrust: failed to retrieve ruleset index %s: %v", indexURL, err),
		}
	}

	var index otRulesetIndex
	if err := json.Unmarshal([]byte(body), &index); err != nil || index.RuleSet == nil {
		return ScrapeResult{
			State:  consent.StateParseError,
			Report: fmt.Sprintf("onetrust: no valid RuleSet element found on %s", indexURL),
		}
	}

	type langRuleset struct{ lang, id string }
	var rulesets []langRuleset
	for _, rs := range index.RuleSet {
		if rs.LanguageSwitcherPlaceholder == nil {
			continue
		}
		lang := "en"
		switch {
		case hasLanguage(rs.LanguageSwitcherPlaceholder, "en"):
			lang = "en"
		case hasLanguage(rs.LanguageSwitcherPlaceholder, "en-GB"):
			lang = "en-gb"
		case hasLanguage(rs.LanguageSwitcherPlaceholder, "en-US"):
			lang = "en-us"
		case hasLanguage(rs.LanguageSwitcherPlaceholder, "de"):
			lang = "de"
		default:
			d.logger.Warn("onetrust ruleset has no recognized language, defaulting to english",
				zap.String("ruleset_id", rs.ID))
		}
		rulesets = append(rulesets, langRuleset{lang: lang, id: rs.ID})
	}
	if len(rulesets) == 0 {
		return ScrapeResult{
			State:  consent.StateParseError,
			Report: fmt.Sprintf("onetrust: no valid language ruleset found on %s", indexURL),
		}
	}

	var records []consent.ConsentRecord
	for _, rs := range rulesets {
		docURL := fmt.Sprintf("%s/consent/%s/%s/%s.json", domainURL, ddid, rs.id, rs.lang)
		docBody, err := page.FetchContent(ctx, docURL)
		if err != nil {
			d.logger.Error("onetrust: failed to retrieve ruleset document",
				zap.String("url", docURL), zap.Error(err))
			continue
		}
		records = d.parseRulesetDoc(docURL, docBody)
		if len(records) > 0 {
			break
		}
	}

	if len(records) == 0 {
		return ScrapeResult{
			State:  consent.StateNoCookies,
			Report: fmt.Sprintf("onetrust: could not extract any cookies for ddid %s", ddid),
		}
	}
	return ScrapeResult{
		State:   consent.StateSuccess,
		Report:  fmt.Sprintf("extracted %d cookie entries", len(records)),
		Records: records,
	}
}

func hasLanguage(placeholder map[string]string, lang string) bool {
	for _, v := range placeholder {
		if v == lang {
			return true
		}
	}
	return false
}

func (d *OneTrust) parseRulesetDoc(docURL, body string) []consent.ConsentRecord {
	var doc otRulesetDoc
	if err := json.Unmarshal([]byte(body), &doc); err != nil {
		d.logger.Error("onetrust: failed to decode ruleset document",
			zap.String("url", docURL), zap.Error(err))
		return nil
	}
	if doc.DomainData == nil {
		d.logger.Warn("onetrust: ruleset document has no DomainData", zap.String("url", docURL))
		return nil
	}

	lookup := CategoryLookupEN
	culture := doc.DomainData.Language.Culture
	switch {
	case strings.Contains(culture, "en"):
	case strings.Contains(culture, "de"):
		lookup = CategoryLookupDE
	default:
		d.logger.Warn("onetrust: unrecognized ruleset language, trying english",
			zap.String("culture", culture))
	}

	var records []consent.ConsentRecord
	for _, group := range doc.DomainData.Groups {
		if group.GroupName == "" {
			d.logger.Warn("onetrust: group without a category name", zap.String("url", docURL))
			continue
		}
		category := lookup(group.GroupName)
		if category == consent.CategoryUnrecognized {
			d.logger.Warn("onetrust: unrecognized category name",
				zap.String("name", group.GroupName))
		}
		for _, c := range group.FirstPartyCookies {
			records = append(records, onetrustRecord(c, category, group.GroupName))
		}
		for _, host := range group.Hosts {
			for _, c := range host.Cookies {
				records = append(records, onetrustRecord(c, category, group.GroupName))
			}
		}
	}
	return records
}

func onetrustRecord(c otCookie, category consent.CookieCategory, categoryName string) consent.ConsentRecord {
	return consent.ConsentRecord{
		Name:         c.Name,
		Domain:       c.Host,
		Category:     category,
		CategoryName: categoryName,
		Purpose:      c.Description,
		Expiry:       c.expiry(),
	}
}

type otScriptGroup struct {
	Parent                      *otScriptGroup `json:"Parent"`
	GroupLanguagePropertiesSets []struct {
		GroupName struct {
			Text string `json:"Text"`
		} `json:"GroupName"`
	} `json:"GroupLanguagePropertiesSets"`
	Cookies []otCookie `json:"Cookies"`
}

// scrapeVariantB fetches the consent script and isolates its Groups array by
// bracket-depth scanning. The array is a javascript object literal; only the
// JSON-compatible subset can be decoded. Scripts with embedded expressions
// fail with LIBRARY_ERROR, a known limitation.
func (d *OneTrust) scrapeVariantB(ctx context.Context, page Page, scriptURL string) ScrapeResult {
	body, err := page.FetchContent(ctx, scriptURL)
	if err != nil {
		return ScrapeResult{
			State:  consent.StateLibraryError,
			Report: fmt.Sprintf("onetrust: unable to fetch %s: %v", scriptURL, err),
		}
	}

	groupString, ok := extractGroupsArray(body)
	if !ok {
		return ScrapeResult{
			State:  consent.StateParseError,
			Report: "onetrust: failed to find the Groups object in the consent script",
		}
	}

	groups, err := decodeGroups(groupString)
	if err != nil {
		return ScrapeResult{
			State:  consent.StateLibraryError,
			Report: fmt.Sprintf("onetrust: consent script Groups object is not plain JSON: %v", err),
		}
	}

	records := d.extractScriptGroupRecords(groups)
	if len(records) == 0 {
		return ScrapeResult{
			State:  consent.StateNoCookies,
			Report: "onetrust: consent script contained zero cookies",
		}
	}
	return ScrapeResult{
		State:   consent.StateSuccess,
		Report:  fmt.Sprintf("extracted %d cookie entries", len(records)),
		Records: records,
	}
}

// extractGroupsArray isolates the "Groups: [...]" substring from the consent
// script by tracking bracket depth, ignoring brackets inside quoted strings
// so cookie descriptions containing "[", "]" or "," do not break the scan.
func extractGroupsArray(script string) (string, bool) {
	script = strings.ReplaceAll(script, "\n", " ")
	loc := onetrustGroupsStart.FindStringIndex(script)
	if loc == nil {
		return "", false
	}

	i := loc[1]
	openBrackets := 1
	inQuotes := false
	for i < len(script) && openBrackets > 0 {
		switch script[i] {
		case '"':
			inQuotes = !inQuotes
		case '[':
			if !inQuotes {
				openBrackets++
			}
		case ']':
			if !inQuotes {
				openBrackets--
			}
		}
		i++
	}
	if openBrackets > 0 {
		return "", false
	}
	return strings.TrimSpace(script[loc[0]+1 : i]), true
}

// decodeGroups parses the extracted "Groups: [...]" substring. The content is
// a javascript array literal; it only decodes when it happens to be valid
// JSON.
func decodeGroups(groupString string) ([]otScriptGroup, error) {
	start := strings.Index(groupString, "[")
	if start < 0 {
		return nil, fmt.Errorf("no array literal in extracted substring")
	}
	var groups []otScriptGroup
	if err := json.Unmarshal([]byte(groupString[start:]), &groups); err != nil {
		return nil, err
	}
	return groups, nil
}

func (d *OneTrust) extractScriptGroupRecords(groups []otScriptGroup) []consent.ConsentRecord {
	var records []consent.ConsentRecord
	for _, group := range groups {
		langProps := group.GroupLanguagePropertiesSets
		if group.Parent != nil {
			langProps = group.Parent.GroupLanguagePropertiesSets
		}

		categoryName := "undefined"
		category := consent.CategoryUnrecognized
		if len(langProps) > 0 {
			categoryName = langProps[0].GroupName.Text
			category = CategoryLookupEN(categoryName)
			if category == consent.CategoryUnrecognized {
				category = CategoryLookupDE(categoryName)
			}
		} else {
			d.logger.Warn("onetrust: unable to find category name, extracting cookies anyway")
		}

		for _, c := range group.Cookies {
			records = append(records, onetrustRecord(c, category, categoryName))
		}
	}
	return records
}
