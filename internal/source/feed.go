package source

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"html"
	"math"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/microcosm-cc/bluemonday"
	"github.com/mmcdole/gofeed"

	"watchbot/internal/tenant"
	logx "watchbot/pkg/logx"
	"watchbot/pkg/tgui"
)

// Feed reads RSS, Atom and JSON feeds.
type Feed struct {
	fetch    *fetcher
	template string
	log      logx.Logger
}

var stripTags = bluemonday.StripTagsPolicy()

// FeedURL is the explicit feed_url, or the template with {handle} substituted.
func (f *Feed) FeedURL(t *tenant.Tenant) (string, error) {
	if u := strings.TrimSpace(t.FeedURL); u != "" {
		return u, nil
	}
	if t.Handle == "" || !strings.Contains(f.template, "{handle}") {
		return "", fmt.Errorf("%w: tenant %s needs feed_url or sources.feed_url_template", ErrNoURL, t.Key)
	}
	return strings.ReplaceAll(f.template, "{handle}", url.PathEscape(t.Handle)), nil
}

func (f *Feed) List(ctx context.Context, t *tenant.Tenant) ([]Item, error) {
	u, err := f.FeedURL(t)
	if err != nil {
		return nil, err
	}

	var cookies []*http.Cookie
	if t.SessionFile != "" {
		cookies, err = loadSessionCookies(t.SessionFile)
		if err != nil {
			// A broken session only loses authentication.
			f.log.Warn("session file unusable", logx.String("tenant", t.Key), logx.String("path", t.SessionFile), logx.Err(err))
		}
	}

	body, _, err := f.fetch.get(ctx, u, "application/rss+xml, application/atom+xml, application/feed+json, application/xml;q=0.9, */*;q=0.8", cookies)
	if err != nil {
		return nil, err
	}
	feed, err := gofeed.NewParser().Parse(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse feed %s: %w", u, err)
	}
	return feedItems(feed), nil
}

// feedItems converts entries newest first. Entries without a date keep their document order after dated ones.
func feedItems(feed *gofeed.Feed) []Item {
	tag := strings.ToUpper(feed.FeedType)
	out := make([]Item, 0, len(feed.Items))
	for _, e := range feed.Items {
		if e == nil {
			continue
		}
		link := strings.TrimSpace(e.Link)
		if link == "" && len(e.Links) > 0 {
			link = strings.TrimSpace(e.Links[0])
		}
		body := e.Description
		if body == "" {
			body = e.Content
		}
		text := plainText(body)
		title := tgui.Fold(html.UnescapeString(e.Title))
		if title == "" {
			title = firstLine(text)
		}
		it := Item{
			Title:     title,
			URL:       link,
			Excerpt:   tgui.TruncRunes(tgui.Fold(text), excerptBudget),
			SourceTag: tag,
		}
		switch {
		case e.PublishedParsed != nil:
			it.PublishedAt = e.PublishedParsed.UTC()
		case e.UpdatedParsed != nil:
			it.PublishedAt = e.UpdatedParsed.UTC()
		}
		if it.Excerpt == it.Title {
			it.Excerpt = ""
		}
		out = append(out, it)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].PublishedAt.After(out[j].PublishedAt)
	})
	return out
}

// plainText strips markup and keeps line breaks between blocks.
func plainText(s string) string {
	if s == "" {
		return ""
	}
	r := strings.NewReplacer("<br>", "\n", "<br/>", "\n", "<br />", "\n", "</p>", "\n", "</div>", "\n")
	return strings.TrimSpace(html.UnescapeString(stripTags.Sanitize(r.Replace(s))))
}

func firstLine(s string) string {
	for _, line := range strings.Split(s, "\n") {
		if l := tgui.Fold(line); l != "" {
			return tgui.TruncRunes(l, excerptBudget)
		}
	}
	return ""
}

// storageState is the browser session export written by the credential bootstrap tool.
type storageState struct {
	Cookies []struct {
		Name    string  `json:"name"`
		Value   string  `json:"value"`
		Domain  string  `json:"domain"`
		Path    string  `json:"path"`
		Expires float64 `json:"expires"`
		Secure  bool    `json:"secure"`
	} `json:"cookies"`
}

func loadSessionCookies(path string) ([]*http.Cookie, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var st storageState
	if err := json.Unmarshal(b, &st); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	out := make([]*http.Cookie, 0, len(st.Cookies))
	for _, c := range st.Cookies {
		if c.Name == "" {
			continue
		}
		hc := &http.Cookie{Name: c.Name, Value: c.Value, Domain: c.Domain, Path: c.Path, Secure: c.Secure}
		// Session cookies are exported with expires=-1.
		if c.Expires > 0 {
			sec, frac := math.Modf(c.Expires)
			hc.Expires = time.Unix(int64(sec), int64(frac*1e9))
		}
		out = append(out, hc)
	}
	return out, nil
}
