package browser

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/chromedp/chromedp"
)

// Link is one anchor discovered on the current page.
type Link struct {
	URL  string
	Text []string
}

const extractLinksJS = `
(() => {
  const out = [];
  for (const a of document.querySelectorAll('a[href]')) {
    const text = [];
    const visible = (a.innerText || '').trim();
    if (visible) text.push(visible);
    for (const img of a.querySelectorAll('img[alt]')) {
      const alt = (img.alt || '').trim();
      if (alt) text.push(alt);
    }
    out.push({href: a.getAttribute('href') || '', text: text});
  }
  return out;
})()`

type rawLink struct {
	Href string   `json:"href"`
	Text []string `json:"text"`
}

// ExtractLinks collects anchor hrefs with their visible and alt text,
// resolved against the current page URL. Only http(s) links survive;
// fragments are stripped and duplicates collapse to the first occurrence.
func (s *Session) ExtractLinks(ctx context.Context) ([]Link, error) {
	base, err := s.CurrentURL(ctx)
	if err != nil {
		return nil, err
	}

	var raw []rawLink
	runCtx, cancel, stop := s.boundedRun(ctx, 10*time.Second)
	defer cancel()
	defer stop()
	if err := chromedp.Run(runCtx, chromedp.Evaluate(extractLinksJS, &raw)); err != nil {
		return nil, fmt.Errorf("extract links: %w", err)
	}
	return resolveLinks(base, raw), nil
}

func resolveLinks(base string, raw []rawLink) []Link {
	baseURL, err := url.Parse(base)
	if err != nil {
		baseURL = nil
	}

	seen := make(map[string]struct{})
	links := make([]Link, 0, len(raw))
	for _, r := range raw {
		href := strings.TrimSpace(r.Href)
		if href == "" {
			continue
		}
		u, err := url.Parse(href)
		if err != nil {
			continue
		}
		if !u.IsAbs() && baseURL != nil {
			u = baseURL.ResolveReference(u)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			continue
		}
		u.Fragment = ""
		resolved := u.String()
		if _, dup := seen[resolved]; dup {
			continue
		}
		seen[resolved] = struct{}{}
		links = append(links, Link{URL: resolved, Text: r.Text})
	}
	return links
}
