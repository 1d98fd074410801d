package cmp

import (
	"regexp"

	"github.com/cookiescope/consent-crawler/internal/consent"
)

// Vendors do not use uniform category names, so free-text names are mapped
// to internal categories through keyword patterns. Advertising is checked
// first: names like "advertising and analytics" belong to the stricter
// bucket.
var (
	enNecessaryPattern  = regexp.MustCompile(`(?i)(mandatory|necessary|essential|required)`)
	enAnalyticalPattern = regexp.MustCompile(`(?i)(measurement|analytic|anonym|research|performance|statistic)`)
	enFunctionalPattern = regexp.MustCompile(`(?i)(functional|preference|security|secure|video)`)
	enTargetingPattern  = regexp.MustCompile(`(?i)(^ads.*|.*\s+ads.*|ad selection|advertising|advertise|targeting` +
		`|personali[sz]ed|personali[sz]ation|sale of personal data|marketing` +
		`|tracking|tracker|fingerprint|geolocation|personal info)`)
	enUncatPattern = regexp.MustCompile(`(?i)(uncategori[zs]e|unclassified|unknown)`)

	deNecessaryPattern  = regexp.MustCompile(`(?i)(notwendig|nötig|erforderlich)`)
	deAnalyticalPattern = regexp.MustCompile(`(?i)(analyse|analytisch|leistung|statistik|performance)`)
	deFunctionalPattern = regexp.MustCompile(`(?i)(funktional|funktionel|sicherheit|video)`)
	deTargetingPattern  = regexp.MustCompile(`(?i)(werbung|werbe|marketing|anzeigen|reklame|personalisiert|tracking)`)
	deUncatPattern      = regexp.MustCompile(`(?i)(unkategorisiert|unklassifiziert|unbekannt)`)

	socialMediaPattern = regexp.MustCompile(`(?i)(social.media|social.network|soziales.netzwerk|soziale.medien` +
		`|facebook|youtube|twitter|instagram|linkedin|whatsapp|pinterest` +
		`|\s+xing|\s+reddit|tumblr)`)
)

// CategoryLookupEN maps an English category name to an internal category.
func CategoryLookupEN(name string) consent.CookieCategory {
	switch {
	case enTargetingPattern.MatchString(name):
		return consent.CategoryAdvertising
	case enNecessaryPattern.MatchString(name):
		return consent.CategoryEssential
	case enAnalyticalPattern.MatchString(name):
		return consent.CategoryAnalytical
	case enFunctionalPattern.MatchString(name):
		return consent.CategoryFunctional
	case enUncatPattern.MatchString(name):
		return consent.CategoryUnclassified
	case socialMediaPattern.MatchString(name):
		return consent.CategorySocialMedia
	default:
		return consent.CategoryUnrecognized
	}
}

// CategoryLookupDE maps a German category name to an internal category.
func CategoryLookupDE(name string) consent.CookieCategory {
	switch {
	case deTargetingPattern.MatchString(name):
		return consent.CategoryAdvertising
	case deNecessaryPattern.MatchString(name):
		return consent.CategoryEssential
	case deAnalyticalPattern.MatchString(name):
		return consent.CategoryAnalytical
	case deFunctionalPattern.MatchString(name):
		return consent.CategoryFunctional
	case deUncatPattern.MatchString(name):
		return consent.CategoryUnclassified
	case socialMediaPattern.MatchString(name):
		return consent.CategorySocialMedia
	default:
		return consent.CategoryUnrecognized
	}
}
