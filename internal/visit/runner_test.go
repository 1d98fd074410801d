package visit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/cookiescope/consent-crawler/internal/browser"
	"github.com/cookiescope/consent-crawler/internal/cmp"
	"github.com/cookiescope/consent-crawler/internal/consent"
)

type fakeBrowser struct {
	navStates   map[string]browser.PageLoadState
	navCalls    []string
	links       []browser.Link
	linksCalled int
	cookies     []consent.ObservedCookie
	source      string
	mitigations int
}

func (b *fakeBrowser) Navigate(_ context.Context, url string, _ time.Duration) browser.PageLoadState {
	b.navCalls = append(b.navCalls, url)
	if st, ok := b.navStates[url]; ok {
		return st
	}
	return browser.StateOK
}

func (b *fakeBrowser) ExtractLinks(context.Context) ([]browser.Link, error) {
	b.linksCalled++
	return b.links, nil
}

func (b *fakeBrowser) Cookies(context.Context) ([]consent.ObservedCookie, error) {
	return b.cookies, nil
}

func (b *fakeBrowser) Mitigate(_ context.Context, _ bool) { b.mitigations++ }

func (b *fakeBrowser) Source(context.Context) (string, error)     { return b.source, nil }
func (b *fakeBrowser) CurrentURL(context.Context) (string, error) { return "", nil }
func (b *fakeBrowser) EvalInFrames(context.Context, string) (string, error) {
	return "", nil
}
func (b *fakeBrowser) FetchContent(context.Context, string) (string, error) {
	return "", nil
}

type fakeCoordinator struct {
	outcome cmp.Outcome
	calls   int
	lastURL string
}

func (c *fakeCoordinator) DetectAndScrape(_ context.Context, _ cmp.Page, targetURL string) cmp.Outcome {
	c.calls++
	c.lastURL = targetURL
	return c.outcome
}

func newRunner(cfg Config, b Browser, coord Coordinator) *Runner {
	return NewRunner(cfg, b, coord, nil, zap.NewNop())
}

func TestRunSuccessTraversesSubpages(t *testing.T) {
	b := &fakeBrowser{
		links: []browser.Link{
			{URL: "https://example.com/about"},
			{URL: "https://example.com/contact"},
			{URL: "https://sub.example.com/team"},
			{URL: "https://elsewhere.org/x"},
		},
		cookies: []consent.ObservedCookie{{Name: "sid"}},
	}
	coord := &fakeCoordinator{outcome: cmp.Outcome{
		CMP:     consent.CMPOneTrust,
		State:   consent.StateSuccess,
		Report:  "extracted 2 cookie entries",
		Records: []consent.ConsentRecord{{Name: "a"}, {Name: "b"}},
	}}
	r := newRunner(Config{NumSubpages: 2}, b, coord)

	result := r.Run(context.Background(), consent.Visit{ID: "v1", TargetURL: "https://example.com/"})

	require.Equal(t, consent.StateSuccess, result.CrawlState)
	require.Equal(t, consent.CMPOneTrust, result.CMPType)
	require.Len(t, result.ConsentRecords, 2)
	require.Equal(t, []consent.ObservedCookie{{Name: "sid"}}, result.ObservedCookies)
	require.Equal(t, 1, coord.calls)
	require.Equal(t, 1, b.linksCalled)

	// Root load, root reload, then exactly two same-site subpages.
	require.Len(t, b.navCalls, 4)
	require.Equal(t, "https://example.com/", b.navCalls[0])
	require.Equal(t, "https://example.com/", b.navCalls[1])
	for _, sub := range b.navCalls[2:] {
		require.NotEqual(t, "https://elsewhere.org/x", sub)
	}
}

func TestRunAbortsOnCMPFailureButCollectsCookies(t *testing.T) {
	b := &fakeBrowser{cookies: []consent.ObservedCookie{{Name: "tracker"}}}
	coord := &fakeCoordinator{outcome: cmp.Outcome{
		CMP:    consent.CMPFailed,
		State:  consent.StateCMPNotFound,
		Report: "no known CMP found",
	}}
	r := newRunner(Config{NumSubpages: 5}, b, coord)

	result := r.Run(context.Background(), consent.Visit{ID: "v1", TargetURL: "https://example.com/"})

	require.Equal(t, consent.StateCMPNotFound, result.CrawlState)
	require.Equal(t, consent.CMPFailed, result.CMPType)
	require.Empty(t, result.ConsentRecords)
	require.Equal(t, []consent.ObservedCookie{{Name: "tracker"}}, result.ObservedCookies)
	require.Equal(t, 0, b.linksCalled, "subpages must not be crawled after an aborted detection")
	require.Len(t, b.navCalls, 1)
}

func TestRunTransportFailures(t *testing.T) {
	tests := []struct {
		name      string
		pageState browser.PageLoadState
		want      consent.CrawlState
	}{
		{"dns failure", browser.StateDNSError, consent.StateConnFailed},
		{"tcp failure", browser.StateTCPError, consent.StateConnFailed},
		{"timeout", browser.StateTimeout, consent.StateConnFailed},
		{"binary download", browser.StateBadContentType, consent.StateMalformedResponse},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			b := &fakeBrowser{navStates: map[string]browser.PageLoadState{
				"https://example.com/": tc.pageState,
			}}
			coord := &fakeCoordinator{}
			r := newRunner(Config{}, b, coord)

			result := r.Run(context.Background(), consent.Visit{ID: "v1", TargetURL: "https://example.com/"})
			require.Equal(t, tc.want, result.CrawlState)
			require.Equal(t, consent.CMPFailed, result.CMPType)
			require.Equal(t, 0, coord.calls)
		})
	}
}

func TestRunRetriesBareDomainOverHTTP(t *testing.T) {
	b := &fakeBrowser{navStates: map[string]browser.PageLoadState{
		"https://example.com": browser.StateHTTPError,
		"http://example.com":  browser.StateOK,
	}}
	coord := &fakeCoordinator{outcome: cmp.Outcome{
		CMP: consent.CMPTermly, State: consent.StateSuccess,
		Records: []consent.ConsentRecord{{Name: "x"}},
	}}
	r := newRunner(Config{}, b, coord)

	result := r.Run(context.Background(), consent.Visit{ID: "v1", TargetURL: "example.com"})

	require.Equal(t, consent.StateSuccess, result.CrawlState)
	require.Equal(t, []string{"https://example.com", "http://example.com"}, b.navCalls)
	require.Equal(t, "http://example.com", coord.lastURL)
}

func TestRunHTTPErrorWithExplicitSchemeIsTerminal(t *testing.T) {
	b := &fakeBrowser{navStates: map[string]browser.PageLoadState{
		"https://example.com/": browser.StateHTTPError,
	}}
	r := newRunner(Config{}, b, &fakeCoordinator{})

	result := r.Run(context.Background(), consent.Visit{ID: "v1", TargetURL: "https://example.com/"})

	require.Equal(t, consent.StateHTTPError, result.CrawlState)
	require.Len(t, b.navCalls, 1)
}

func TestRunUnknownStateProceeds(t *testing.T) {
	b := &fakeBrowser{navStates: map[string]browser.PageLoadState{
		"https://example.com/": browser.StateUnknownError,
	}}
	coord := &fakeCoordinator{outcome: cmp.Outcome{
		CMP: consent.CMPCookiebot, State: consent.StateNoCookies,
	}}
	r := newRunner(Config{}, b, coord)

	result := r.Run(context.Background(), consent.Visit{ID: "v1", TargetURL: "https://example.com/"})

	require.Equal(t, consent.StateNoCookies, result.CrawlState)
	require.Equal(t, 1, coord.calls)
}

func TestRunMalformedURL(t *testing.T) {
	r := newRunner(Config{}, &fakeBrowser{}, &fakeCoordinator{})
	result := r.Run(context.Background(), consent.Visit{ID: "v1", TargetURL: "ht tp://%zz"})
	require.Equal(t, consent.StateMalformedURL, result.CrawlState)
	require.Equal(t, consent.CMPFailed, result.CMPType)
}

func TestRepairScheme(t *testing.T) {
	t.Run("bare domain gets https", func(t *testing.T) {
		got, hadScheme, err := repairScheme("example.com")
		require.NoError(t, err)
		require.False(t, hadScheme)
		require.Equal(t, "https://example.com", got)
	})

	t.Run("existing scheme preserved", func(t *testing.T) {
		got, hadScheme, err := repairScheme("http://example.com/x")
		require.NoError(t, err)
		require.True(t, hadScheme)
		require.Equal(t, "http://example.com/x", got)
	})
}

func TestFilterSameSite(t *testing.T) {
	links := []browser.Link{
		{URL: "https://example.co.uk/a"},
		{URL: "https://shop.example.co.uk/b"},
		{URL: "https://other.co.uk/c"},
		{URL: "https://example.com/d"},
	}
	got := filterSameSite("https://www.example.co.uk/", links)
	require.Equal(t, []string{"https://example.co.uk/a", "https://shop.example.co.uk/b"}, got)
}
