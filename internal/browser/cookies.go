package browser

import (
	"context"
	"fmt"
	"time"

	"github.com/chromedp/cdproto/storage"
	"github.com/chromedp/chromedp"

	"github.com/cookiescope/consent-crawler/internal/consent"
)

// Cookies reads every cookie currently stored by the browser, across all
// partitions, for ground-truth comparison with CMP-declared records.
func (s *Session) Cookies(ctx context.Context) ([]consent.ObservedCookie, error) {
	var observed []consent.ObservedCookie
	runCtx, cancel, stop := s.boundedRun(ctx, 10*time.Second)
	defer cancel()
	defer stop()
	err := chromedp.Run(runCtx, chromedp.ActionFunc(func(ctx context.Context) error {
		cookies, err := storage.GetCookies().Do(ctx)
		if err != nil {
			return fmt.Errorf("get cookies: %w", err)
		}
		observed = make([]consent.ObservedCookie, 0, len(cookies))
		for _, c := range cookies {
			observed = append(observed, consent.ObservedCookie{
				Name:     c.Name,
				Value:    c.Value,
				Path:     c.Path,
				Domain:   c.Domain,
				Secure:   c.Secure,
				HTTPOnly: c.HTTPOnly,
				Expires:  c.Expires,
				SameSite: c.SameSite.String(),
			})
		}
		return nil
	}))
	if err != nil {
		return nil, err
	}
	return observed, nil
}
