// Package consent defines the value types shared across the crawl pipeline.
package consent

// CMPType identifies which Consent Management Platform a site uses.
type CMPType string

// Known CMP vendors, plus FAILED for visits where detection never succeeded.
const (
	CMPCookiebot CMPType = "cookiebot"
	CMPOneTrust  CMPType = "onetrust"
	CMPTermly    CMPType = "termly"
	CMPFailed    CMPType = "failed"
)

// CrawlState is the outcome taxonomy for one visit attempt.
type CrawlState string

// Crawl outcomes persisted with each VisitResult.
const (
	StateSuccess           CrawlState = "success"
	StateCMPNotFound       CrawlState = "cmp_not_found"
	StateParseError        CrawlState = "parse_error"
	StateRegionBlock       CrawlState = "region_block"
	StateMalformedResponse CrawlState = "malformed_response"
	StateNoCookies         CrawlState = "no_cookies"
	StateLibraryError      CrawlState = "library_error"
	StateConnFailed        CrawlState = "conn_failed"
	StateHTTPError         CrawlState = "http_error"
	StateSSLError          CrawlState = "ssl_error"
	StateMalformedURL      CrawlState = "malformed_url"
	StateUnknown           CrawlState = "unknown"
)

// Retryable reports whether the state is a transport-class failure worth a
// second visit attempt. Vendor-protocol failures are terminal for the visit.
func (s CrawlState) Retryable() bool {
	switch s {
	case StateConnFailed, StateSSLError, StateHTTPError, StateMalformedURL:
		return true
	default:
		return false
	}
}

// CookieCategory is the internal category a vendor's free-text label maps to.
type CookieCategory string

// Internal cookie categories.
const (
	CategoryEssential    CookieCategory = "essential"
	CategoryFunctional   CookieCategory = "functional"
	CategoryAnalytical   CookieCategory = "analytical"
	CategoryAdvertising  CookieCategory = "advertising"
	CategorySocialMedia  CookieCategory = "social_media"
	CategoryUnclassified CookieCategory = "unclassified"
	CategoryUnrecognized CookieCategory = "unrecognized"
)

// ConsentRecord is one disclosed cookie/tracker entry published by a CMP.
// Immutable once produced.
type ConsentRecord struct {
	Name         string         `json:"name"`
	Domain       string         `json:"domain"`
	Category     CookieCategory `json:"category"`
	CategoryName string         `json:"category_name"`
	Purpose      string         `json:"purpose,omitempty"`
	Expiry       string         `json:"expiry,omitempty"`
	TypeName     string         `json:"type_name,omitempty"`
	TypeID       int            `json:"type_id,omitempty"`
}

// ObservedCookie is a cookie actually stored in the browser, collected for
// ground-truth comparison against the CMP's declared records.
type ObservedCookie struct {
	Name     string  `json:"name"`
	Value    string  `json:"value"`
	Path     string  `json:"path"`
	Domain   string  `json:"domain"`
	Secure   bool    `json:"secure"`
	HTTPOnly bool    `json:"http_only"`
	Expires  float64 `json:"expires"`
	SameSite string  `json:"same_site,omitempty"`
}

// Visit is one crawl target handed to the orchestrator.
type Visit struct {
	ID        string `json:"id"`
	TargetURL string `json:"target_url"`
}

// VisitResult is the single result produced for every visit attempt,
// including failures.
type VisitResult struct {
	VisitID         string           `json:"visit_id"`
	TargetURL       string           `json:"target_url"`
	CMPType         CMPType          `json:"cmp_type"`
	CrawlState      CrawlState       `json:"crawl_state"`
	Report          string           `json:"report"`
	ConsentRecords  []ConsentRecord  `json:"consent_records"`
	ObservedCookies []ObservedCookie `json:"observed_cookies"`
}
