package browser

import (
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// PageLoadState is the outcome of loading one URL, as observed through the
// browser's network events.
type PageLoadState int

// Page load outcomes, from best to worst.
const (
	StateOK PageLoadState = iota
	StateRedirect
	StateTimeout
	StateDNSError
	StateTCPError
	StateHTTPError
	StateBadContentType
	StateUnknownError
)

func (s PageLoadState) String() string {
	switch s {
	case StateOK:
		return "ok"
	case StateRedirect:
		return "redirect"
	case StateTimeout:
		return "timeout"
	case StateDNSError:
		return "dns_error"
	case StateTCPError:
		return "tcp_error"
	case StateHTTPError:
		return "http_error"
	case StateBadContentType:
		return "bad_content_type"
	default:
		return "unknown_error"
	}
}

// ResponseEvent is one response-received (or loading-failed) notification
// from the browser's network layer.
type ResponseEvent struct {
	URL         string
	Status      int
	Headers     http.Header
	ErrorReason string
}

// Transport error reasons, both the CDP short names and the net-error forms
// Chrome reports on the navigation call itself.
var errorReasonStates = map[string]PageLoadState{
	"NameNotResolved":            StateDNSError,
	"net::ERR_NAME_NOT_RESOLVED": StateDNSError,
	"TimedOut":                   StateTimeout,
	"net::ERR_TIMED_OUT":         StateTimeout,
}

// contentTypeAccepted rejects direct binary downloads; pages must be
// HTML/JSON/text to be worth parsing.
func contentTypeAccepted(ct string) bool {
	if ct == "" {
		return true
	}
	ct = strings.ToLower(strings.TrimSpace(ct))
	for _, prefix := range []string{"text/", "application/json", "application/xhtml"} {
		if strings.HasPrefix(ct, prefix) {
			return true
		}
	}
	return false
}

// Classify maps one network event to a PageLoadState. For redirects it also
// returns the absolute redirect target resolved against the event URL.
// It is a pure function of the event.
func Classify(ev ResponseEvent) (PageLoadState, string) {
	if ev.ErrorReason != "" {
		if st, ok := errorReasonStates[ev.ErrorReason]; ok {
			return st, ""
		}
		return StateTCPError, ""
	}

	location := ev.Headers.Get("Location")
	switch {
	case ev.Status >= 300 && ev.Status < 400 && location != "":
		return StateRedirect, resolveReference(ev.URL, location)
	case ev.Status >= 400:
		return StateHTTPError, ""
	case !contentTypeAccepted(ev.Headers.Get("Content-Type")):
		return StateBadContentType, ""
	default:
		return StateOK, ""
	}
}

func resolveReference(base, ref string) string {
	refURL, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	if refURL.IsAbs() {
		return refURL.String()
	}
	baseURL, err := url.Parse(base)
	if err != nil {
		return ref
	}
	return baseURL.ResolveReference(refURL).String()
}

// stateTracker reconciles the synchronous navigate call with asynchronously
// delivered network events. States are write-once per URL per session; a
// session navigates strictly sequentially.
type stateTracker struct {
	mu            sync.Mutex
	states        map[string]PageLoadState
	redirects     map[string]string
	waiters       map[string][]chan struct{}
	lastNavigated string
}

func newStateTracker() *stateTracker {
	return &stateTracker{
		states:    make(map[string]PageLoadState),
		redirects: make(map[string]string),
		waiters:   make(map[string][]chan struct{}),
	}
}

// SetNavigated records the URL explicitly requested via navigate, distinct
// from any event-observed redirect target.
func (t *stateTracker) SetNavigated(url string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastNavigated = url
}

// Navigated returns the most recent navigation target, which redirect events
// advance to the resolved location.
func (t *stateTracker) Navigated() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastNavigated
}

// Record classifies the event and stores the state for its URL. The first
// state recorded for a URL wins. Redirect events advance the last-navigated
// URL to the resolved target so chained redirects can be followed.
func (t *stateTracker) Record(ev ResponseEvent) {
	state, target := Classify(ev)

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, seen := t.states[ev.URL]; !seen {
		t.states[ev.URL] = state
		if state == StateRedirect {
			t.redirects[ev.URL] = target
		}
	}
	if state == StateRedirect {
		t.lastNavigated = target
	}
	for _, ch := range t.waiters[ev.URL] {
		close(ch)
	}
	delete(t.waiters, ev.URL)
}

// Lookup returns the recorded state for a URL, if any.
func (t *stateTracker) Lookup(url string) (PageLoadState, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.states[url]
	return st, ok
}

// Wait blocks until a state for the URL has been recorded or the timeout
// elapses. This is the alternate synchronization mode; the default navigate
// path uses a settle delay instead.
func (t *stateTracker) Wait(url string, timeout time.Duration) (PageLoadState, bool) {
	t.mu.Lock()
	if st, ok := t.states[url]; ok {
		t.mu.Unlock()
		return st, true
	}
	ch := make(chan struct{})
	t.waiters[url] = append(t.waiters[url], ch)
	t.mu.Unlock()

	select {
	case <-ch:
		return t.Lookup(url)
	case <-time.After(timeout):
		return StateUnknownError, false
	}
}

// ResolveRedirects follows a redirect chain starting at url for at most
// maxHops hops. Chains that exceed the bound, loop, or dead-end degrade to
// UNKNOWN_ERROR rather than spinning forever.
func (t *stateTracker) ResolveRedirects(url string, maxHops int) PageLoadState {
	t.mu.Lock()
	defer t.mu.Unlock()

	cur := url
	for hop := 0; hop <= maxHops; hop++ {
		st, ok := t.states[cur]
		if !ok {
			return StateUnknownError
		}
		if st != StateRedirect {
			return st
		}
		next, ok := t.redirects[cur]
		if !ok || next == cur {
			return StateUnknownError
		}
		cur = next
	}
	return StateUnknownError
}
