package source

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"watchbot/internal/tenant"
	"watchbot/pkg/tgui"
)

const DefaultWebsiteSelector = "a[href]"

// Website scrapes links from an HTML page. Pages list newest entries first,
// so document order is kept.
type Website struct {
	fetch    *fetcher
	selector string
}

func (w *Website) List(ctx context.Context, t *tenant.Tenant) ([]Item, error) {
	if strings.TrimSpace(t.URL) == "" {
		return nil, fmt.Errorf("%w: tenant %s", ErrNoURL, t.Key)
	}
	body, final, err := w.fetch.get(ctx, t.URL, "text/html,application/xhtml+xml;q=0.9,*/*;q=0.8", nil)
	if err != nil {
		return nil, err
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse html %s: %w", t.URL, err)
	}
	sel := strings.TrimSpace(w.selector)
	if sel == "" {
		sel = DefaultWebsiteSelector
	}
	return pageItems(doc, final, sel), nil
}

// pageItems extracts unique, absolute links matching sel. The page itself and
// fragment-only links are skipped.
func pageItems(doc *goquery.Document, base *url.URL, sel string) []Item {
	var out []Item
	seen := map[string]bool{}
	if base != nil {
		page := *base
		page.Fragment = ""
		seen[page.String()] = true
	}

	doc.Find(sel).Each(func(_ int, s *goquery.Selection) {
		href, ok := s.Attr("href")
		href = strings.TrimSpace(href)
		if !ok || href == "" || strings.HasPrefix(href, "#") {
			return
		}
		ref, err := url.Parse(href)
		if err != nil {
			return
		}
		abs := ref
		if base != nil {
			abs = base.ResolveReference(ref)
		}
		if abs.Scheme != "http" && abs.Scheme != "https" {
			return
		}
		abs.Fragment = ""
		link := abs.String()
		if seen[link] {
			return
		}

		title := tgui.Fold(s.Text())
		if title == "" {
			title = tgui.Fold(s.AttrOr("title", ""))
		}
		if title == "" {
			title = tgui.Fold(s.Find("img").AttrOr("alt", ""))
		}
		if title == "" {
			return
		}
		seen[link] = true
		out = append(out, Item{
			Title:     tgui.TruncRunes(title, excerptBudget),
			URL:       link,
			SourceTag: "WEB",
		})
	})
	return out
}
