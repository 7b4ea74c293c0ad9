package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const sampleYAML = `
logging:
  level: debug
  console: true
scheduler:
  every: 5m
  announce_on_start: false
storage:
  driver: file
  path: ./state
tenants:
  - key: ACME
    label: Acme
    source: feed
    handle: acme
    channel_id: "-100123"
    token: ${ACME_TOKEN}
  - key: SITE
    source: website
    url: https://example.com/news
    channel_id: "-100456"
    token: ${SITE_TOKEN}
`

func envMap(m map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func TestDecodeYAMLExpandsEnv(t *testing.T) {
	t.Parallel()

	cfg, err := Decode("config.yaml", []byte(sampleYAML), envMap(map[string]string{
		"ACME_TOKEN": "111:aaa",
	}))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(cfg.Tenants) != 2 {
		t.Fatalf("tenants=%d", len(cfg.Tenants))
	}
	if got := cfg.Tenants[0].Token; got != "111:aaa" {
		t.Fatalf("token=%q", got)
	}
	if got := cfg.Tenants[1].Token; got != "" {
		t.Fatalf("unset env should expand to empty, got %q", got)
	}
	if cfg.Scheduler.Announce() {
		t.Fatalf("announce_on_start=false not honored")
	}
	if cfg.Scheduler.Every != "5m" || cfg.Storage.Driver != "file" {
		t.Fatalf("unexpected cfg: %+v", cfg)
	}
}

func TestDecodeRejectsUnknownFields(t *testing.T) {
	t.Parallel()

	_, err := Decode("config.json", []byte(`{"tenants":[{"key":"A","channel_id":"1","token":"t"}],"bogus":1}`), nil)
	if err == nil {
		t.Fatalf("expected error for unknown field")
	}
}

func TestDecodeRejectsTrailingData(t *testing.T) {
	t.Parallel()

	doc := `{"tenants":[{"key":"A","channel_id":"1","token":"t"}]}`
	if _, err := Decode("config.json", []byte(doc+doc), nil); err == nil {
		t.Fatalf("expected error for trailing data")
	}
}

func TestDecodeSchemaErrors(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"no tenants":     `{"tenants":[]}`,
		"bad driver":     `{"storage":{"driver":"redis"},"tenants":[{"key":"A"}]}`,
		"bad source":     `{"tenants":[{"key":"A","source":"rss"}]}`,
		"bad level":      `{"logging":{"level":"loud"},"tenants":[{"key":"A"}]}`,
		"wrong type":     `{"scheduler":{"announce_on_start":"yes"},"tenants":[{"key":"A"}]}`,
		"missing tenant": `{}`,
	}
	for name, doc := range cases {
		if _, err := Decode("config.json", []byte(doc), nil); err == nil {
			t.Fatalf("%s: expected schema error", name)
		}
	}
}

func TestExpandEnvLeavesBareDollar(t *testing.T) {
	t.Parallel()

	got := string(expandEnv([]byte(`a: "v$"`+"\n"+`b: "${X}"`), envMap(map[string]string{"X": `q"z`})))
	want := "a: \"v$\"\nb: \"q\\\"z\""
	if got != want {
		t.Fatalf("expandEnv=%q want %q", got, want)
	}
}

func TestSchedulerAnnounceDefault(t *testing.T) {
	t.Parallel()

	if !(SchedulerConfig{}).Announce() {
		t.Fatalf("announce_on_start should default to true")
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()

	off := false
	oldCfg := &Config{Logging: LoggingConfig{Level: "info"}, Tenants: []TenantConfig{{Key: "A"}}}
	newCfg := &Config{
		Logging:   LoggingConfig{Level: "debug"},
		Scheduler: SchedulerConfig{AnnounceOnStart: &off},
		Tenants:   []TenantConfig{{Key: "A"}, {Key: "B"}},
	}

	s := SummarizeConfigChange(oldCfg, newCfg)
	if got := strings.Join(s.Changed, ","); got != "logging,scheduler.announce_on_start,tenants" {
		t.Fatalf("changed=%q", got)
	}
	if got := strings.Join(s.Restart, ","); got != "tenants" {
		t.Fatalf("restart=%q", got)
	}
}

func TestDurationSettings(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		parse   func(path, raw string, def time.Duration) (time.Duration, error)
		raw     string
		want    time.Duration
		wantErr bool
	}{
		{"delay unset", Delay, "", 10 * time.Second, false},
		{"delay explicit zero", Delay, "0s", 0, false},
		{"delay value", Delay, " 3s ", 3 * time.Second, false},
		{"delay negative", Delay, "-1s", 0, true},
		{"timeout unset", Timeout, "", 10 * time.Second, false},
		{"timeout zero", Timeout, "0", 10 * time.Second, false},
		{"timeout value", Timeout, "2m", 2 * time.Minute, false},
		{"timeout garbage", Timeout, "soon", 0, true},
	}
	for _, tc := range cases {
		got, err := tc.parse("scheduler.warmup", tc.raw, 10*time.Second)
		if (err != nil) != tc.wantErr {
			t.Fatalf("%s: err=%v wantErr=%v", tc.name, err, tc.wantErr)
		}
		if !tc.wantErr && got != tc.want {
			t.Fatalf("%s: got %v want %v", tc.name, got, tc.want)
		}
	}
}

func TestWatchPublishesReload(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	write := func(level string) {
		doc := `{"logging":{"level":"` + level + `"},"tenants":[{"key":"A","channel_id":"1","token":"t"}]}`
		if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	write("info")

	m := NewConfigManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	sub := m.Subscribe(1)
	defer m.Unsubscribe(sub)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Watch(ctx) }()

	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(300 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case cfg := <-sub:
			if cfg.Logging.Level != "debug" {
				t.Fatalf("level=%q", cfg.Logging.Level)
			}
			if m.Get().Logging.Level != "debug" {
				t.Fatalf("Get() not committed")
			}
			return
		case <-tick.C:
			// Rewrite until the watcher is attached.
			write("debug")
		case <-deadline:
			t.Fatalf("no reload published")
		}
	}
}
