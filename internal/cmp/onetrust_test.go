package cmp

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/cookiescope/consent-crawler/internal/consent"
)

const testDDID = "a1b2c3d4-5555-6666-7777-888899990000"

func TestOneTrustPresence(t *testing.T) {
	d := NewOneTrust(zap.NewNop())
	for _, domain := range onetrustBaseDomains {
		require.True(t, d.CheckPresence(`<script src="`+domain+`/x.js"></script>`), domain)
	}
	require.False(t, d.CheckPresence(`<script src="https://consent.cookiebot.com/uc.js"></script>`))
}

func TestExtractGroupsArray(t *testing.T) {
	t.Run("brackets and commas inside quoted strings", func(t *testing.T) {
		script := `var otData = {foo: 1, Groups: [{"GroupName": "Ads [beta]", "description": "uses [1], [2], and, commas"}, {"GroupName": "Other"}], tail: 2};`
		got, ok := extractGroupsArray(script)
		require.True(t, ok)
		require.True(t, strings.HasPrefix(got, "Groups:"))
		require.True(t, strings.HasSuffix(got, "]"))
		require.Contains(t, got, `"uses [1], [2], and, commas"`)
		require.NotContains(t, got, "tail")
	})

	t.Run("nested arrays", func(t *testing.T) {
		script := `{a: 0, Groups: [[1, [2, 3]], [4]], b: 1}`
		got, ok := extractGroupsArray(script)
		require.True(t, ok)
		require.Equal(t, "Groups: [[1, [2, 3]], [4]]", got)
	})

	t.Run("newlines are tolerated", func(t *testing.T) {
		script := "{a: 0,\nGroups: [\n{\"GroupName\": \"x\"}\n],\nb: 1}"
		_, ok := extractGroupsArray(script)
		require.True(t, ok)
	})

	t.Run("no groups object", func(t *testing.T) {
		_, ok := extractGroupsArray(`var x = {foo: [1,2,3]};`)
		require.False(t, ok)
	})

	t.Run("unterminated array", func(t *testing.T) {
		_, ok := extractGroupsArray(`{a: 0, Groups: [{"GroupName": "x"}`)
		require.False(t, ok)
	})
}

func TestOneTrustVariantA(t *testing.T) {
	d := NewOneTrust(zap.NewNop())
	domainURL := "https://cdn.cookielaw.org"
	indexURL := domainURL + "/consent/" + testDDID + "/" + testDDID + ".json"

	variantAFrames := func(probe string) string {
		if strings.Contains(probe, "data-domain-script") {
			return domainURL + "|" + testDDID
		}
		return ""
	}

	indexJSON := `{"RuleSet": [
		{"Id": "rs-1", "LanguageSwitcherPlaceholder": {"default": "en"}},
		{"Id": "rs-2", "LanguageSwitcherPlaceholder": {"default": "de"}}
	]}`

	docJSON := `{"DomainData": {
		"Language": {"Culture": "en"},
		"Groups": [
			{
				"GroupName": "Strictly Necessary Cookies",
				"FirstPartyCookies": [
					{"Name": "sid", "Host": "example.com", "description": "session", "IsSession": true}
				],
				"Hosts": [
					{"Cookies": [{"Name": "_ga", "Host": "google.com", "Length": "730"}]}
				]
			},
			{
				"GroupName": "Targeting Cookies",
				"FirstPartyCookies": [
					{"Name": "fr", "Host": "facebook.com", "Length": 90}
				]
			}
		]
	}}`

	t.Run("full extraction", func(t *testing.T) {
		page := &fakePage{
			frameFn: variantAFrames,
			fetches: map[string]string{
				indexURL: indexJSON,
				domainURL + "/consent/" + testDDID + "/rs-1/en.json": docJSON,
			},
		}
		result := d.Scrape(context.Background(), page, "https://example.com/")

		require.Equal(t, consent.StateSuccess, result.State)
		require.Len(t, result.Records, 3)

		require.Equal(t, "sid", result.Records[0].Name)
		require.Equal(t, consent.CategoryEssential, result.Records[0].Category)
		require.Equal(t, "session", result.Records[0].Expiry)

		require.Equal(t, "_ga", result.Records[1].Name)
		require.Equal(t, "google.com", result.Records[1].Domain)
		require.Equal(t, "730", result.Records[1].Expiry)

		require.Equal(t, "fr", result.Records[2].Name)
		require.Equal(t, consent.CategoryAdvertising, result.Records[2].Category)
		require.Equal(t, "90", result.Records[2].Expiry)
	})

	t.Run("stops after first ruleset with cookies", func(t *testing.T) {
		page := &fakePage{
			frameFn: variantAFrames,
			fetches: map[string]string{
				indexURL: indexJSON,
				domainURL + "/consent/" + testDDID + "/rs-1/en.json": docJSON,
				domainURL + "/consent/" + testDDID + "/rs-2/de.json": `{"DomainData": {"Groups": []}}`,
			},
		}
		result := d.Scrape(context.Background(), page, "https://example.com/")
		require.Equal(t, consent.StateSuccess, result.State)
		require.Equal(t, []string{indexURL, domainURL + "/consent/" + testDDID + "/rs-1/en.json"}, page.fetched)
	})

	t.Run("language variants map to document names", func(t *testing.T) {
		page := &fakePage{
			frameFn: variantAFrames,
			fetches: map[string]string{
				indexURL: `{"RuleSet": [{"Id": "rs-9", "LanguageSwitcherPlaceholder": {"default": "en-GB"}}]}`,
				domainURL + "/consent/" + testDDID + "/rs-9/en-gb.json": docJSON,
			},
		}
		result := d.Scrape(context.Background(), page, "https://example.com/")
		require.Equal(t, consent.StateSuccess, result.State)
	})

	t.Run("missing ruleset element", func(t *testing.T) {
		page := &fakePage{
			frameFn: variantAFrames,
			fetches: map[string]string{indexURL: `{"other": 1}`},
		}
		result := d.Scrape(context.Background(), page, "https://example.com/")
		require.Equal(t, consent.StateParseError, result.State)
	})

	t.Run("ruleset documents all empty", func(t *testing.T) {
		page := &fakePage{
			frameFn: variantAFrames,
			fetches: map[string]string{
				indexURL: indexJSON,
				domainURL + "/consent/" + testDDID + "/rs-1/en.json": `{"DomainData": {"Groups": []}}`,
				domainURL + "/consent/" + testDDID + "/rs-2/de.json": `not json`,
			},
		}
		result := d.Scrape(context.Background(), page, "https://example.com/")
		require.Equal(t, consent.StateNoCookies, result.State)
	})
}

func TestOneTrustVariantB(t *testing.T) {
	d := NewOneTrust(zap.NewNop())
	scriptURL := "https://cdn.cookielaw.org/consent/" + testDDID + ".js"

	variantBFrames := func(probe string) string {
		if strings.Contains(probe, "/consent/") && !strings.Contains(probe, "data-domain-script") {
			return scriptURL
		}
		return ""
	}

	t.Run("json compatible groups decode", func(t *testing.T) {
		script := `var otConfig = {v: 1, Groups: [
			{"GroupLanguagePropertiesSets": [{"GroupName": {"Text": "Performance Cookies"}}],
			 "Cookies": [{"Name": "_ga", "Host": "google.com", "Length": "730"}]}
		], after: 2};`
		page := &fakePage{
			frameFn: variantBFrames,
			fetches: map[string]string{scriptURL: script},
		}
		result := d.Scrape(context.Background(), page, "https://example.com/")

		require.Equal(t, consent.StateSuccess, result.State)
		require.Len(t, result.Records, 1)
		require.Equal(t, "_ga", result.Records[0].Name)
		require.Equal(t, consent.CategoryAnalytical, result.Records[0].Category)
		require.Equal(t, "Performance Cookies", result.Records[0].CategoryName)
	})

	t.Run("embedded javascript fails with library error", func(t *testing.T) {
		script := `var otConfig = {v: 1, Groups: [{GroupName: someFunction(), Cookies: []}], after: 2};`
		page := &fakePage{
			frameFn: variantBFrames,
			fetches: map[string]string{scriptURL: script},
		}
		result := d.Scrape(context.Background(), page, "https://example.com/")
		require.Equal(t, consent.StateLibraryError, result.State)
	})

	t.Run("groups object absent", func(t *testing.T) {
		page := &fakePage{
			frameFn: variantBFrames,
			fetches: map[string]string{scriptURL: `var otConfig = {v: 1};`},
		}
		result := d.Scrape(context.Background(), page, "https://example.com/")
		require.Equal(t, consent.StateParseError, result.State)
	})

	t.Run("no variant discovered", func(t *testing.T) {
		page := &fakePage{}
		result := d.Scrape(context.Background(), page, "https://example.com/")
		require.Equal(t, consent.StateCMPNotFound, result.State)
	})
}
