package config

import (
	"reflect"
	"strings"

	logx "watchbot/pkg/logx"
)

// ChangeSummary describes what differs between two committed configs.
type ChangeSummary struct {
	// Changed lists the top-level sections that differ.
	Changed []string
	// Restart lists the sections whose change only takes effect after a restart.
	Restart []string
	// Attrs are safe structured fields for logging (never includes tokens or DSNs).
	Attrs []logx.Field
}

// SummarizeConfigChange compares two configs. Logging and scheduler.announce_on_start
// are applied live; everything else is reported as restart-required.
func SummarizeConfigChange(oldCfg, newCfg *Config) ChangeSummary {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	var s ChangeSummary

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		s.Changed = append(s.Changed, "logging")
		s.Attrs = append(s.Attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.channel_enabled", newCfg.Logging.Channel.Enabled),
		)
	}

	if oldCfg.Scheduler.Announce() != newCfg.Scheduler.Announce() {
		s.Changed = append(s.Changed, "scheduler.announce_on_start")
		s.Attrs = append(s.Attrs, logx.Bool("scheduler.announce_on_start", newCfg.Scheduler.Announce()))
	}
	if strings.TrimSpace(oldCfg.Scheduler.Every) != strings.TrimSpace(newCfg.Scheduler.Every) ||
		strings.TrimSpace(oldCfg.Scheduler.Warmup) != strings.TrimSpace(newCfg.Scheduler.Warmup) ||
		strings.TrimSpace(oldCfg.Scheduler.TenantTimeout) != strings.TrimSpace(newCfg.Scheduler.TenantTimeout) {
		s.restart("scheduler")
		s.Attrs = append(s.Attrs, logx.String("scheduler.every", strings.TrimSpace(newCfg.Scheduler.Every)))
	}

	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		s.restart("storage")
		s.Attrs = append(s.Attrs,
			logx.String("storage.driver", newCfg.Storage.Driver),
			logx.Bool("storage.dsn_set", strings.TrimSpace(newCfg.Storage.DSN) != ""),
		)
	}
	if !reflect.DeepEqual(oldCfg.Telegram, newCfg.Telegram) {
		s.restart("telegram")
	}
	if !reflect.DeepEqual(oldCfg.Sources, newCfg.Sources) {
		s.restart("sources")
	}
	if !reflect.DeepEqual(oldCfg.Ops, newCfg.Ops) {
		s.restart("ops")
		s.Attrs = append(s.Attrs, logx.Bool("ops.enabled", newCfg.Ops.Enabled))
	}
	if !reflect.DeepEqual(oldCfg.Tenants, newCfg.Tenants) {
		s.restart("tenants")
		s.Attrs = append(s.Attrs, logx.Int("tenants.count", len(newCfg.Tenants)))
	}

	return s
}

func (s *ChangeSummary) restart(section string) {
	s.Changed = append(s.Changed, section)
	s.Restart = append(s.Restart, section)
}
