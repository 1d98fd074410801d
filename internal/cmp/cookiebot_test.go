package cmp

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/cookiescope/consent-crawler/internal/consent"
)

const testCBID = "f1a2b3c4-1111-2222-3333-444455556666"

const syntheticCCJS = `CookieConsent.dialog = {};
CookieConsentDialog.cookieTableNecessary = [["sid","example.com","Keeps the session alive","Session","HTTP Cookie",1]];
CookieConsentDialog.cookieTablePreference = [];
CookieConsentDialog.cookieTableStatistics = [["_ga","example.com","Google Analytics","2 years","HTTP Cookie",1]];
CookieConsentDialog.cookieTableAdvertising = [["fr","facebook.com","Ad targeting","3 months","HTTP Cookie",3],["IDE","doubleclick.net","Ad measurement","1 year","HTTP Cookie",3]];
CookieConsentDialog.cookieTableUnclassified = [];
`

func TestCookiebotPresence(t *testing.T) {
	d := NewCookiebot(zap.NewNop())
	require.True(t, d.CheckPresence(`<script src="https://consent.cookiebot.com/uc.js"></script>`))
	require.True(t, d.CheckPresence(`<script src="HTTPS://CONSENT.COOKIEBOT.EU/uc.js"></script>`))
	require.False(t, d.CheckPresence(`<script src="https://cdn.cookielaw.org/x.js"></script>`))
}

func TestCookiebotFindID(t *testing.T) {
	d := NewCookiebot(zap.NewNop())

	t.Run("script tag attribute wins", func(t *testing.T) {
		page := &fakePage{frameFn: func(probe string) string {
			if strings.Contains(probe, "data-cbid") {
				return testCBID + "|eu"
			}
			return ""
		}}
		cbid, tld, ok := d.findID(context.Background(), page, "")
		require.True(t, ok)
		require.Equal(t, testCBID, cbid)
		require.Equal(t, "eu", tld)
	})

	t.Run("id embedded in cc.js url", func(t *testing.T) {
		source := `<script src="https://consent.cookiebot.com/` + testCBID + `/cc.js"></script>`
		cbid, tld, ok := d.findID(context.Background(), &fakePage{}, source)
		require.True(t, ok)
		require.Equal(t, testCBID, cbid)
		require.Equal(t, "com", tld)
	})

	t.Run("cbid query parameter with tld rescan", func(t *testing.T) {
		source := `<script src="https://consent.cookiebot.eu/uc.js?cbid=` + testCBID + `"></script>`
		cbid, tld, ok := d.findID(context.Background(), &fakePage{}, source)
		require.True(t, ok)
		require.Equal(t, testCBID, cbid)
		require.Equal(t, "eu", tld)
	})

	t.Run("cbid query parameter defaults to com", func(t *testing.T) {
		source := `<iframe src="https://example.com/consent?cbid=` + testCBID + `"></iframe>`
		cbid, tld, ok := d.findID(context.Background(), &fakePage{}, source)
		require.True(t, ok)
		require.Equal(t, testCBID, cbid)
		require.Equal(t, "com", tld)
	})

	t.Run("nothing found", func(t *testing.T) {
		_, _, ok := d.findID(context.Background(), &fakePage{}, "<html></html>")
		require.False(t, ok)
	})
}

func TestCookiebotFindReferer(t *testing.T) {
	d := NewCookiebot(zap.NewNop())

	t.Run("embedded referer override", func(t *testing.T) {
		source := `<script src="https://consent.cookiebot.com/` + testCBID + `/cc.js?referer=other.example.com&dnt=1"></script>`
		require.Equal(t, "other.example.com", d.findReferer(source, testCBID, "com", "https://fallback.example.com/"))
	})

	t.Run("fallback to visited url", func(t *testing.T) {
		require.Equal(t, "https://fallback.example.com/",
			d.findReferer("<html></html>", testCBID, "com", "https://fallback.example.com/"))
	})
}

func TestCookiebotScrape(t *testing.T) {
	d := NewCookiebot(zap.NewNop())
	target := "https://example.com/"
	source := `<script src="https://consent.cookiebot.com/` + testCBID + `/cc.js"></script>`
	ccURL := "https://consent.cookiebot.com/" + testCBID + "/cc.js?referer=" + target

	t.Run("round trip in category table order", func(t *testing.T) {
		page := &fakePage{source: source, fetches: map[string]string{ccURL: syntheticCCJS}}
		result := d.Scrape(context.Background(), page, target)

		require.Equal(t, consent.StateSuccess, result.State)
		require.Len(t, result.Records, 4)

		require.Equal(t, "sid", result.Records[0].Name)
		require.Equal(t, consent.CategoryEssential, result.Records[0].Category)
		require.Equal(t, "Necessary", result.Records[0].CategoryName)
		require.Equal(t, "Session", result.Records[0].Expiry)
		require.Equal(t, 1, result.Records[0].TypeID)

		require.Equal(t, "_ga", result.Records[1].Name)
		require.Equal(t, consent.CategoryAnalytical, result.Records[1].Category)

		require.Equal(t, "fr", result.Records[2].Name)
		require.Equal(t, consent.CategoryAdvertising, result.Records[2].Category)
		require.Equal(t, "IDE", result.Records[3].Name)
	})

	t.Run("out of region", func(t *testing.T) {
		page := &fakePage{source: source, fetches: map[string]string{
			ccURL: `CookieConsent.setOutOfRegion();`,
		}}
		result := d.Scrape(context.Background(), page, target)
		require.Equal(t, consent.StateRegionBlock, result.State)
	})

	t.Run("referer rejected", func(t *testing.T) {
		page := &fakePage{source: source, fetches: map[string]string{
			ccURL: `var cookiedomainwarning='Error: example.com is not a valid domain.';`,
		}}
		result := d.Scrape(context.Background(), page, target)
		require.Equal(t, consent.StateLibraryError, result.State)
	})

	t.Run("empty response", func(t *testing.T) {
		page := &fakePage{source: source, fetches: map[string]string{ccURL: "   \n"}}
		result := d.Scrape(context.Background(), page, target)
		require.Equal(t, consent.StateMalformedResponse, result.State)
	})

	t.Run("no cookies in any table", func(t *testing.T) {
		page := &fakePage{source: source, fetches: map[string]string{
			ccURL: "CookieConsentDialog.cookieTableNecessary = [];\n",
		}}
		result := d.Scrape(context.Background(), page, target)
		require.Equal(t, consent.StateNoCookies, result.State)
	})

	t.Run("malformed table entry", func(t *testing.T) {
		page := &fakePage{source: source, fetches: map[string]string{
			ccURL: `CookieConsentDialog.cookieTableNecessary = [["only","two"]];` + "\n",
		}}
		result := d.Scrape(context.Background(), page, target)
		require.Equal(t, consent.StateMalformedResponse, result.State)
	})

	t.Run("fetch failure", func(t *testing.T) {
		page := &fakePage{source: source, fetchErrs: map[string]error{ccURL: errors.New("boom")}}
		result := d.Scrape(context.Background(), page, target)
		require.Equal(t, consent.StateLibraryError, result.State)
	})

	t.Run("cbid missing", func(t *testing.T) {
		page := &fakePage{source: `<script src="https://consent.cookiebot.com/uc.js"></script>`}
		result := d.Scrape(context.Background(), page, target)
		require.Equal(t, consent.StateParseError, result.State)
	})
}
