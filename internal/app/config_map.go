package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"watchbot/internal/config"
	"watchbot/internal/opsapi"
	"watchbot/internal/source"
	"watchbot/internal/storage"
	"watchbot/internal/task/scheduler"
	"watchbot/internal/tenant"
	logx "watchbot/pkg/logx"
)

func mapLogConfig(cfg *config.Config) logx.Config {
	lc := cfg.Logging
	return logx.Config{
		Level:   lc.Level,
		Console: lc.Console,
		File: logx.FileConfig{
			Enabled: lc.File.Enabled,
			Path:    lc.File.Path,
		},
		Channel: logx.ChannelConfig{
			Enabled:    lc.Channel.Enabled,
			MinLevel:   lc.Channel.MinLevel,
			RatePerSec: lc.Channel.RatePerSec,
		},
	}
}

// logTarget resolves the tenant and channel the log sink writes to.
// ok is false when the channel sink is disabled.
func logTarget(cfg *config.Config, reg *tenant.Registry) (key, channelID string, ok bool, err error) {
	lc := cfg.Logging.Channel
	if !lc.Enabled {
		return "", "", false, nil
	}
	t, found := reg.Get(lc.Tenant)
	if !found {
		return "", "", false, fmt.Errorf("logging.channel.tenant: unknown tenant %q", lc.Tenant)
	}
	channelID = strings.TrimSpace(lc.ChannelID)
	if channelID == "" {
		channelID = t.ChannelID
	}
	return t.Key, channelID, true, nil
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	path := strings.TrimSpace(sc.Path)

	switch driver {
	case "", "file":
		if path == "" {
			path = "./state"
		}
		return storage.Config{Driver: "file", Path: path, HistoryLimit: sc.HistoryLimit}, nil
	case "memory", "mem":
		return storage.Config{Driver: "memory", HistoryLimit: sc.HistoryLimit}, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.Timeout("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: busy, HistoryLimit: sc.HistoryLimit}, nil
	case "postgres", "postgresql":
		if strings.TrimSpace(sc.DSN) == "" {
			return storage.Config{}, fmt.Errorf("storage.dsn is required when storage.driver=postgres")
		}
		return storage.Config{Driver: "postgres", DSN: sc.DSN, HistoryLimit: sc.HistoryLimit}, nil
	default:
		return storage.Config{}, fmt.Errorf("%w: %s", storage.ErrUnknownDriver, sc.Driver)
	}
}

func mapSourceOptions(cfg *config.Config) (source.Options, error) {
	sc := cfg.Sources
	timeout, err := config.Timeout("sources.timeout", sc.Timeout, source.DefaultTimeout)
	if err != nil {
		return source.Options{}, err
	}
	if sc.RatePerSec < 0 {
		return source.Options{}, fmt.Errorf("sources.rate_per_sec must be >= 0")
	}
	return source.Options{
		UserAgent:       sc.UserAgent,
		Timeout:         timeout,
		RatePerSec:      sc.RatePerSec,
		FeedURLTemplate: sc.FeedURLTemplate,
		PatchKeywords:   sc.PatchKeywords,
		SampleSize:      sc.SampleSize,
		WebsiteSelector: sc.WebsiteSelector,
	}, nil
}

// sourceGap names a tenant whose source settings will rarely or never yield
// a new item.
type sourceGap struct {
	Tenant string
	Reason string
}

func sourceGaps(reg *tenant.Registry, opts source.Options) []sourceGap {
	var gaps []sourceGap
	for _, t := range reg.All() {
		switch t.Kind {
		case tenant.KindFeed:
			if t.FeedURL == "" && strings.TrimSpace(opts.FeedURLTemplate) == "" {
				gaps = append(gaps, sourceGap{t.Key, "feed tenant has a handle but no feed_url and sources.feed_url_template is empty; it will report no posts"})
			}
		case tenant.KindWebsite:
			if strings.TrimSpace(opts.WebsiteSelector) == "" {
				gaps = append(gaps, sourceGap{t.Key, "sources.website_selector is empty; the first link on the page (" + source.DefaultWebsiteSelector + ") is tracked and rarely changes"})
			}
		}
	}
	return gaps
}

func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	sc := cfg.Scheduler
	// An explicit "0s" warm-up ticks at once; only an omitted one takes the default.
	warmup, err := config.Delay("scheduler.warmup", sc.Warmup, scheduler.DefaultWarmup)
	if err != nil {
		return scheduler.Config{}, err
	}
	timeout, err := config.Timeout("scheduler.tenant_timeout", sc.TenantTimeout, scheduler.DefaultTenantTimeout)
	if err != nil {
		return scheduler.Config{}, err
	}
	every := strings.TrimSpace(sc.Every)
	if every == "" {
		every = scheduler.DefaultEvery
	}
	if _, err := scheduler.ParseEvery(every); err != nil {
		return scheduler.Config{}, fmt.Errorf("scheduler.every: %w", err)
	}
	return scheduler.Config{
		Every:           every,
		Warmup:          warmup,
		TenantTimeout:   timeout,
		AnnounceOnStart: sc.Announce(),
	}, nil
}

func mapOpsConfig(cfg *config.Config) opsapi.Config {
	return opsapi.Config{
		Enabled: cfg.Ops.Enabled,
		Addr:    cfg.Ops.Addr,
		Token:   cfg.Ops.Token,
		Pprof:   cfg.Ops.Pprof,
	}
}

// validateReload rejects a reloaded config whose live-applied parts are unusable.
// Sections that need a restart are still checked so a bad edit is reported early.
func validateReload(_ context.Context, cfg *config.Config) error {
	if !logx.ValidLevel(cfg.Logging.Level) {
		return fmt.Errorf("logging.level: invalid %q", cfg.Logging.Level)
	}
	if cfg.Logging.Channel.MinLevel != "" && !logx.ValidLevel(cfg.Logging.Channel.MinLevel) {
		return fmt.Errorf("logging.channel.min_level: invalid %q", cfg.Logging.Channel.MinLevel)
	}
	if _, err := config.Timeout("telegram.poll_timeout", cfg.Telegram.PollTimeout, 0); err != nil {
		return err
	}
	if _, err := mapSchedulerConfig(cfg); err != nil {
		return err
	}
	if _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapSourceOptions(cfg); err != nil {
		return err
	}
	reg, err := tenant.Build(cfg.Tenants)
	if err != nil {
		return err
	}
	if _, _, _, err := logTarget(cfg, reg); err != nil {
		return err
	}
	return nil
}
