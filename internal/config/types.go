package config

// Config is the on-disk document (JSON or YAML).
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
// String values may reference environment variables as ${NAME}.
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Storage   StorageConfig   `json:"storage"`
	Telegram  TelegramConfig  `json:"telegram"`
	Sources   SourcesConfig   `json:"sources"`
	Ops       OpsConfig       `json:"ops"`
	Tenants   []TenantConfig  `json:"tenants"`
}

type LoggingConfig struct {
	Level   string         `json:"level"`
	Console bool           `json:"console"`
	File    LoggingFile    `json:"file"`
	Channel LoggingChannel `json:"channel"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingChannel forwards WARN+ records into a chat channel through one tenant's connection.
type LoggingChannel struct {
	Enabled    bool   `json:"enabled"`
	Tenant     string `json:"tenant"`
	ChannelID  string `json:"channel_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// SchedulerConfig controls the polling loop.
//
// Defaults (when fields are omitted):
//   - every: "10m" (also accepts "HH:MM"; cron specs are rejected)
//   - warmup: "10s" ("0s" ticks immediately)
//   - announce_on_start: true
//   - tenant_timeout: "2m"
type SchedulerConfig struct {
	Every           string `json:"every,omitempty"`
	Warmup          string `json:"warmup,omitempty"`
	AnnounceOnStart *bool  `json:"announce_on_start,omitempty"`
	TenantTimeout   string `json:"tenant_timeout,omitempty"`
}

// Announce reports whether first-run and startup announcements are enabled.
func (s SchedulerConfig) Announce() bool {
	if s.AnnounceOnStart == nil {
		return true
	}
	return *s.AnnounceOnStart
}

// StorageConfig controls the persistence layer.
//
// Example:
//
//	"storage": { "driver": "file", "path": "./state" }
type StorageConfig struct {
	Driver       string `json:"driver"`
	Path         string `json:"path"`
	DSN          string `json:"dsn,omitempty"`          // postgres
	BusyTimeout  string `json:"busy_timeout,omitempty"` // sqlite
	HistoryLimit int    `json:"history_limit,omitempty"`
}

type TelegramConfig struct {
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout"`
	APIURL      string `json:"api_url,omitempty"`
}

// SourcesConfig tunes the HTTP-backed content sources shared by all tenants.
type SourcesConfig struct {
	UserAgent       string   `json:"user_agent,omitempty"`
	Timeout         string   `json:"timeout,omitempty"`
	RatePerSec      float64  `json:"rate_per_sec,omitempty"`
	FeedURLTemplate string   `json:"feed_url_template,omitempty"`
	PatchKeywords   []string `json:"patch_keywords,omitempty"`
	SampleSize      int      `json:"sample_size,omitempty"`
	WebsiteSelector string   `json:"website_selector,omitempty"`
}

// OpsConfig controls the local operations HTTP API.
// Prefer binding to localhost (e.g. "127.0.0.1:8089").
// A non-loopback addr requires Token.
type OpsConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"`
	Token   string `json:"token,omitempty"`
	Pprof   bool   `json:"pprof,omitempty"`
}

// TenantConfig is one watcher entry. Semantic validation lives in internal/tenant.
type TenantConfig struct {
	Key         string `json:"key"`
	Label       string `json:"label,omitempty"`
	Command     string `json:"command,omitempty"`
	Source      string `json:"source,omitempty"`
	Handle      string `json:"handle,omitempty"`
	URL         string `json:"url,omitempty"`
	FeedURL     string `json:"feed_url,omitempty"`
	ChannelID   string `json:"channel_id"`
	Token       string `json:"token"`
	SessionFile string `json:"session_file,omitempty"`
}
