package tenant

import (
	"errors"
	"strings"
	"testing"

	"watchbot/internal/config"
)

func feedEntry(key string) config.TenantConfig {
	return config.TenantConfig{Key: key, Handle: strings.ToLower(key), ChannelID: "-100", Token: "tok"}
}

func TestBuildDefaults(t *testing.T) {
	t.Parallel()

	reg, err := Build([]config.TenantConfig{
		feedEntry("ACME"),
		{Key: "SITE", Label: "Site News", Command: "site", Source: "web", URL: "https://example.com/news", ChannelID: "-200", Token: "tok2"},
	})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if reg.Len() != 2 {
		t.Fatalf("len=%d", reg.Len())
	}

	a, ok := reg.Get("acme")
	if !ok {
		t.Fatalf("lookup by lower-case key failed")
	}
	if a.Kind != KindFeed || a.Label != "ACME" || a.Command != "acme" {
		t.Fatalf("defaults not applied: %+v", a)
	}
	if a.Tag() != "[ACME]" {
		t.Fatalf("tag=%q", a.Tag())
	}
	if a.Ready() {
		t.Fatalf("tenant must start not ready")
	}

	s := reg.All()[1]
	if s.Kind != KindWebsite || s.SourceID() != "https://example.com/news" {
		t.Fatalf("website tenant: %+v", s)
	}
	if got := s.CommandName(Debug); got != "site-xdebug" {
		t.Fatalf("debug command=%q", got)
	}
}

func TestBuildErrors(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		entries []config.TenantConfig
		want    string
	}{
		{"empty", nil, "at least one tenant"},
		{"no token", []config.TenantConfig{{Key: "A", Handle: "a", ChannelID: "1"}}, "token is required"},
		{"no channel", []config.TenantConfig{{Key: "A", Handle: "a", Token: "t"}}, "channel_id is required"},
		{"feed without handle", []config.TenantConfig{{Key: "A", ChannelID: "1", Token: "t"}}, "requires handle or feed_url"},
		{"website without url", []config.TenantConfig{{Key: "A", Source: "website", ChannelID: "1", Token: "t"}}, "requires url"},
		{"website bad url", []config.TenantConfig{{Key: "A", Source: "website", URL: "ftp://x", ChannelID: "1", Token: "t"}}, "http(s)"},
		{"bad kind", []config.TenantConfig{{Key: "A", Source: "rss", Handle: "a", ChannelID: "1", Token: "t"}}, "unknown source kind"},
		{"bad key", []config.TenantConfig{{Key: "A-B", Handle: "a", ChannelID: "1", Token: "t"}}, "key must match"},
		{"bad command", []config.TenantConfig{{Key: "A", Command: "Bad Cmd", Handle: "a", ChannelID: "1", Token: "t"}}, "must match"},
		{"dup key", []config.TenantConfig{feedEntry("A"), {Key: "a", Command: "other", Handle: "a", ChannelID: "1", Token: "t"}}, "duplicate key"},
		{"dup command", []config.TenantConfig{feedEntry("A"), {Key: "B", Command: "a", Handle: "b", ChannelID: "1", Token: "t"}}, "duplicate command"},
		{"variant collision", []config.TenantConfig{feedEntry("A"), {Key: "B", Command: "a_news", Handle: "b", ChannelID: "1", Token: "t"}}, "duplicate command"},
	}

	for _, tc := range cases {
		reg, err := Build(tc.entries)
		if err == nil {
			t.Fatalf("%s: expected error", tc.name)
		}
		if reg != nil {
			t.Fatalf("%s: registry must be nil on error", tc.name)
		}
		if !errors.Is(err, ErrInvalid) {
			t.Fatalf("%s: err %v does not wrap ErrInvalid", tc.name, err)
		}
		if !strings.Contains(err.Error(), tc.want) {
			t.Fatalf("%s: err=%q want substring %q", tc.name, err, tc.want)
		}
	}
}

func TestConfigErrorNamesEntry(t *testing.T) {
	t.Parallel()

	_, err := Build([]config.TenantConfig{feedEntry("A"), {Key: "B", Handle: "b", Token: "t"}})
	if err == nil || !strings.HasPrefix(err.Error(), "tenants[1] (B):") {
		t.Fatalf("err=%v", err)
	}
}

func TestParseKind(t *testing.T) {
	t.Parallel()

	cases := map[string]Kind{"": KindFeed, "X": KindFeed, "feed": KindFeed, "WEB": KindWebsite, "website": KindWebsite}
	for in, want := range cases {
		got, err := ParseKind(in)
		if err != nil || got != want {
			t.Fatalf("ParseKind(%q)=%q,%v want %q", in, got, err, want)
		}
	}
}

func TestCommandNamesAreDistinctAcrossTenants(t *testing.T) {
	t.Parallel()

	reg, err := Build([]config.TenantConfig{feedEntry("A"), feedEntry("B")})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	seen := map[string]string{}
	for _, tn := range reg.All() {
		for _, v := range Variants() {
			name := tn.CommandName(v)
			if owner, dup := seen[name]; dup {
				t.Fatalf("command %q claimed by %s and %s", name, owner, tn.Key)
			}
			seen[name] = tn.Key
		}
	}
	if len(seen) != 8 {
		t.Fatalf("commands=%d", len(seen))
	}
}
