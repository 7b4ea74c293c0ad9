// Package source fetches content items for tenants.
//
// Every source kind produces a newest-first list of items; the three operations
// a tenant needs (latest item, latest update item, diagnostics) are derived from
// that list in one place.
package source

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"watchbot/internal/tenant"
	logx "watchbot/pkg/logx"
)

var ErrNoURL = errors.New("source url not configured")

// Item is one piece of fetched content. Items are identified by URL only.
type Item struct {
	Title       string    `json:"title"`
	URL         string    `json:"url"`
	Excerpt     string    `json:"excerpt,omitempty"`
	SourceTag   string    `json:"source,omitempty"`
	PublishedAt time.Time `json:"publishedAt,omitempty"`
}

// DebugInfo is the diagnostic snapshot returned for the debug command.
type DebugInfo struct {
	OK     bool   `json:"ok"`
	Error  string `json:"error,omitempty"`
	Found  int    `json:"found"`
	Sample []Item `json:"sample"`
}

// Source is the content adapter consumed by the scheduler and the command router.
// Latest and LatestUpdate return (nil, nil) when nothing was found.
type Source interface {
	Latest(ctx context.Context, t *tenant.Tenant) (*Item, error)
	LatestUpdate(ctx context.Context, t *tenant.Tenant) (*Item, error)
	Debug(ctx context.Context, t *tenant.Tenant) DebugInfo
}

// lister returns items newest first.
type lister interface {
	List(ctx context.Context, t *tenant.Tenant) ([]Item, error)
}

const (
	DefaultSampleSize = 5
	DefaultTimeout    = 20 * time.Second
	DefaultUserAgent  = "watchbot/1.0"
	excerptBudget     = 280
)

// DefaultPatchKeywords match titles or excerpts announcing an update.
var DefaultPatchKeywords = []string{"patch", "update", "maintenance", "hotfix", "version", "release notes"}

type Options struct {
	UserAgent       string
	Timeout         time.Duration
	RatePerSec      float64
	FeedURLTemplate string
	PatchKeywords   []string
	SampleSize      int
	WebsiteSelector string
}

// Mux routes each tenant to the lister for its kind.
type Mux struct {
	listers map[tenant.Kind]lister
	patch   *regexp.Regexp
	sample  int
	log     logx.Logger
}

var _ Source = (*Mux)(nil)

func New(opts Options, log logx.Logger) (*Mux, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "source"))

	patch, err := compileKeywords(opts.PatchKeywords)
	if err != nil {
		return nil, err
	}
	sample := opts.SampleSize
	if sample <= 0 {
		sample = DefaultSampleSize
	}

	f := newFetcher(opts.UserAgent, opts.Timeout, opts.RatePerSec)
	return &Mux{
		listers: map[tenant.Kind]lister{
			tenant.KindFeed:    &Feed{fetch: f, template: opts.FeedURLTemplate, log: log},
			tenant.KindWebsite: &Website{fetch: f, selector: opts.WebsiteSelector},
		},
		patch:  patch,
		sample: sample,
		log:    log,
	}, nil
}

// compileKeywords builds a case-insensitive word-boundary pattern from keywords.
func compileKeywords(words []string) (*regexp.Regexp, error) {
	if len(words) == 0 {
		words = DefaultPatchKeywords
	}
	parts := make([]string, 0, len(words))
	for _, w := range words {
		w = strings.TrimSpace(w)
		if w == "" {
			continue
		}
		parts = append(parts, regexp.QuoteMeta(w))
	}
	if len(parts) == 0 {
		return nil, errors.New("patch keywords are empty")
	}
	re, err := regexp.Compile(`(?i)\b(?:` + strings.Join(parts, "|") + `)`)
	if err != nil {
		return nil, fmt.Errorf("patch keywords: %w", err)
	}
	return re, nil
}

func (m *Mux) list(ctx context.Context, t *tenant.Tenant) ([]Item, error) {
	l, ok := m.listers[t.Kind]
	if !ok {
		return nil, fmt.Errorf("no source for kind %q", t.Kind)
	}
	return l.List(ctx, t)
}

func (m *Mux) Latest(ctx context.Context, t *tenant.Tenant) (*Item, error) {
	items, err := m.list(ctx, t)
	if err != nil {
		return nil, err
	}
	for i := range items {
		if items[i].URL != "" {
			it := items[i]
			return &it, nil
		}
	}
	return nil, nil
}

func (m *Mux) LatestUpdate(ctx context.Context, t *tenant.Tenant) (*Item, error) {
	items, err := m.list(ctx, t)
	if err != nil {
		return nil, err
	}
	for i := range items {
		if items[i].URL == "" {
			continue
		}
		if m.patch.MatchString(items[i].Title) || m.patch.MatchString(items[i].Excerpt) {
			it := items[i]
			return &it, nil
		}
	}
	return nil, nil
}

// Debug never fails; errors are reported inside the snapshot.
func (m *Mux) Debug(ctx context.Context, t *tenant.Tenant) DebugInfo {
	items, err := m.list(ctx, t)
	if err != nil {
		m.log.Debug("debug fetch failed", logx.String("tenant", t.Key), logx.Err(err))
		return DebugInfo{OK: false, Error: err.Error(), Sample: []Item{}}
	}
	n := min(len(items), m.sample)
	return DebugInfo{OK: true, Found: len(items), Sample: append([]Item{}, items[:n]...)}
}
