package tenant

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"watchbot/internal/config"
	"watchbot/internal/transport"
)

// ErrInvalid marks configuration errors that must abort startup.
var ErrInvalid = errors.New("invalid tenant config")

// ConfigError reports which tenant entry failed validation.
type ConfigError struct {
	Index int
	Key   string
	Msg   string
}

func (e *ConfigError) Error() string {
	if e.Index < 0 {
		return "tenants: " + e.Msg
	}
	return fmt.Sprintf("tenants[%d] (%s): %s", e.Index, e.Key, e.Msg)
}

func (e *ConfigError) Unwrap() error { return ErrInvalid }

const maxCommandLen = 24

var (
	keyRe     = regexp.MustCompile(`^[A-Za-z0-9_]+$`)
	commandRe = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)
)

// Build validates every entry and returns the registry, or the first configuration error.
// Nothing is returned on error so the caller can never start partially.
func Build(entries []config.TenantConfig) (*Registry, error) {
	if len(entries) == 0 {
		return nil, &ConfigError{Index: -1, Msg: "at least one tenant is required"}
	}

	list := make([]*Tenant, 0, len(entries))
	keys := map[string]int{}
	commands := map[string]int{}

	for i, e := range entries {
		t, err := buildOne(i, e)
		if err != nil {
			return nil, err
		}

		upper := strings.ToUpper(t.Key)
		if j, dup := keys[upper]; dup {
			return nil, &ConfigError{Index: i, Key: t.Key, Msg: fmt.Sprintf("duplicate key (also tenants[%d])", j)}
		}
		keys[upper] = i

		// Compare platform-safe names: "a-news" and "a_news" collide on chat platforms.
		for _, v := range Variants() {
			name := transport.SanitizeCommand(t.CommandName(v))
			if j, dup := commands[name]; dup {
				return nil, &ConfigError{Index: i, Key: t.Key, Msg: fmt.Sprintf("duplicate command %q (also tenants[%d])", t.CommandName(v), j)}
			}
			commands[name] = i
		}

		list = append(list, t)
	}
	return NewRegistry(list), nil
}

func buildOne(i int, e config.TenantConfig) (*Tenant, error) {
	key := strings.TrimSpace(e.Key)
	fail := func(format string, args ...any) error {
		return &ConfigError{Index: i, Key: key, Msg: fmt.Sprintf(format, args...)}
	}

	if key == "" {
		return nil, fail("key is required")
	}
	if !keyRe.MatchString(key) {
		return nil, fail("key must match %s", keyRe)
	}

	kind, err := ParseKind(e.Source)
	if err != nil {
		return nil, fail("%v", err)
	}

	t := &Tenant{
		Key:         key,
		Label:       strings.TrimSpace(e.Label),
		Command:     strings.ToLower(strings.TrimSpace(e.Command)),
		Kind:        kind,
		Handle:      strings.TrimPrefix(strings.TrimSpace(e.Handle), "@"),
		URL:         strings.TrimSpace(e.URL),
		FeedURL:     strings.TrimSpace(e.FeedURL),
		ChannelID:   strings.TrimSpace(e.ChannelID),
		Token:       strings.TrimSpace(e.Token),
		SessionFile: strings.TrimSpace(e.SessionFile),
	}
	if t.Label == "" {
		t.Label = key
	}
	if t.Command == "" {
		t.Command = strings.ToLower(key)
	}

	if !commandRe.MatchString(t.Command) {
		return nil, fail("command %q must match %s", t.Command, commandRe)
	}
	if len(t.Command) > maxCommandLen {
		return nil, fail("command %q longer than %d characters", t.Command, maxCommandLen)
	}
	if t.Token == "" {
		return nil, fail("token is required")
	}
	if t.ChannelID == "" {
		return nil, fail("channel_id is required")
	}

	switch kind {
	case KindFeed:
		if t.Handle == "" && t.FeedURL == "" {
			return nil, fail("source %s requires handle or feed_url", kind)
		}
		if t.FeedURL != "" && !isHTTPURL(t.FeedURL) {
			return nil, fail("feed_url %q must be an http(s) URL", t.FeedURL)
		}
	case KindWebsite:
		if t.URL == "" {
			return nil, fail("source %s requires url", kind)
		}
		if !isHTTPURL(t.URL) {
			return nil, fail("url %q must be an http(s) URL", t.URL)
		}
	}

	return t, nil
}

func isHTTPURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}
