// Package tenant builds the immutable watcher descriptors from configuration.
package tenant

import (
	"fmt"
	"strings"
	"sync/atomic"
)

// Kind is the type of content source a tenant watches.
type Kind string

const (
	KindFeed    Kind = "FEED"
	KindWebsite Kind = "WEBSITE"
)

// ParseKind accepts "feed", "x", "website" and "web" (any case). Empty means FEED.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "feed", "x":
		return KindFeed, nil
	case "website", "web":
		return KindWebsite, nil
	default:
		return "", fmt.Errorf("unknown source kind %q", s)
	}
}

// Variant is one of the four commands every tenant exposes.
type Variant int

const (
	Status Variant = iota
	News
	Patch
	Debug
)

func (v Variant) String() string {
	switch v {
	case Status:
		return "STATUS"
	case News:
		return "NEWS"
	case Patch:
		return "PATCH"
	case Debug:
		return "DEBUG"
	default:
		return fmt.Sprintf("Variant(%d)", int(v))
	}
}

// Variants lists the command variants in registration order.
func Variants() []Variant { return []Variant{Status, News, Patch, Debug} }

var variantSuffix = map[Variant]string{
	Status: "",
	News:   "-news",
	Patch:  "-patch",
	Debug:  "-xdebug",
}

// Tenant is one configured watcher. Every field except the ready cell is fixed at construction.
type Tenant struct {
	Key         string
	Label       string
	Command     string
	Kind        Kind
	Handle      string
	URL         string
	FeedURL     string
	ChannelID   string
	Token       string
	SessionFile string

	ready atomic.Bool
}

// Tag is the bracketed label used to mark and find this tenant's messages.
func (t *Tenant) Tag() string { return "[" + t.Label + "]" }

func (t *Tenant) Ready() bool { return t.ready.Load() }

func (t *Tenant) SetReady(v bool) { t.ready.Store(v) }

// SourceID is the handle (FEED) or URL (WEBSITE) being watched.
func (t *Tenant) SourceID() string {
	if t.Kind == KindWebsite {
		return t.URL
	}
	if t.Handle != "" {
		return "@" + t.Handle
	}
	return t.FeedURL
}

// CommandName returns the command a user types for v, e.g. "acme-news".
func (t *Tenant) CommandName(v Variant) string { return t.Command + variantSuffix[v] }

// Describe is the command menu description for v.
func (t *Tenant) Describe(v Variant) string {
	switch v {
	case News:
		return fmt.Sprintf("Latest %s post", t.Label)
	case Patch:
		return fmt.Sprintf("Latest %s patch or update", t.Label)
	case Debug:
		return fmt.Sprintf("%s source diagnostics", t.Label)
	default:
		return fmt.Sprintf("Did %s post today? (UTC+8)", t.Label)
	}
}

// Registry is the read-only ordered list of tenants built at startup.
type Registry struct {
	list  []*Tenant
	byKey map[string]*Tenant
}

func NewRegistry(list []*Tenant) *Registry {
	r := &Registry{list: list, byKey: make(map[string]*Tenant, len(list))}
	for _, t := range list {
		r.byKey[strings.ToUpper(t.Key)] = t
	}
	return r
}

// All returns tenants in configuration order. Callers must not modify the slice.
func (r *Registry) All() []*Tenant { return r.list }

// Get looks up a tenant by key (case-insensitive).
func (r *Registry) Get(key string) (*Tenant, bool) {
	t, ok := r.byKey[strings.ToUpper(strings.TrimSpace(key))]
	return t, ok
}

func (r *Registry) Len() int { return len(r.list) }
