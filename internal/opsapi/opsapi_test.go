package opsapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"watchbot/internal/notifier"
	"watchbot/internal/storage"
	"watchbot/internal/task/scheduler"
	"watchbot/internal/tenant"
	logx "watchbot/pkg/logx"
)

type fakeTicker struct {
	calls atomic.Int32
	err   error
}

func (f *fakeTicker) TriggerAsync(context.Context) error {
	f.calls.Add(1)
	return f.err
}

func (f *fakeTicker) Snapshot() scheduler.Snapshot {
	return scheduler.Snapshot{Every: "10m", Running: true}
}

type fakeStates map[string]storage.State

func (f fakeStates) Read(_ context.Context, key string) storage.State { return f[key] }

type fakeHistory []notifier.HistoryItem

func (f fakeHistory) Snapshot() []notifier.HistoryItem { return f }

func testDeps(tk *fakeTicker) Deps {
	a := &tenant.Tenant{Key: "ACME", Label: "Acme", Command: "acme", Kind: tenant.KindFeed, Handle: "acme"}
	b := &tenant.Tenant{Key: "SITE", Label: "Site", Command: "site", Kind: tenant.KindWebsite, URL: "https://example.com"}
	a.SetReady(true)
	at := time.Date(2024, 1, 2, 3, 0, 0, 0, time.UTC)
	return Deps{
		Registry: tenant.NewRegistry([]*tenant.Tenant{a, b}),
		States:   fakeStates{"ACME": {LastURL: "https://x/1", LastAnnouncedAt: &at}},
		Ticker:   tk,
		History:  fakeHistory{{Tenant: "ACME", Text: "hello"}},
	}
}

func do(t *testing.T, h http.Handler, method, path, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	t.Parallel()

	s := New(Config{}, testDeps(&fakeTicker{}), logx.Nop())
	rec := do(t, s.Handler(), http.MethodGet, "/healthz", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("code=%d", rec.Code)
	}
	var got healthView
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !got.OK || got.Tenants != 2 || got.Ready != 1 || got.Scheduler.Every != "10m" {
		t.Fatalf("health=%+v", got)
	}
}

func TestTenants(t *testing.T) {
	t.Parallel()

	h := New(Config{}, testDeps(&fakeTicker{}), logx.Nop()).Handler()

	rec := do(t, h, http.MethodGet, "/tenants", "")
	var list []tenantView
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("len=%d", len(list))
	}
	if list[0].LastURL == nil || *list[0].LastURL != "https://x/1" || !list[0].Ready {
		t.Fatalf("acme=%+v", list[0])
	}
	if list[1].LastURL != nil || list[1].Source != "https://example.com" {
		t.Fatalf("site=%+v", list[1])
	}

	rec = do(t, h, http.MethodGet, "/tenants/acme", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"key": "ACME"`) {
		t.Fatalf("single: %d %s", rec.Code, rec.Body.String())
	}
	rec = do(t, h, http.MethodGet, "/tenants/nope", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("missing tenant code=%d", rec.Code)
	}
}

func TestTick(t *testing.T) {
	t.Parallel()

	tk := &fakeTicker{}
	h := New(Config{}, testDeps(tk), logx.Nop()).Handler()
	if rec := do(t, h, http.MethodPost, "/tick", ""); rec.Code != http.StatusAccepted {
		t.Fatalf("code=%d", rec.Code)
	}
	if tk.calls.Load() != 1 {
		t.Fatalf("calls=%d", tk.calls.Load())
	}

	busy := &fakeTicker{err: scheduler.ErrTickInFlight}
	h = New(Config{}, testDeps(busy), logx.Nop()).Handler()
	if rec := do(t, h, http.MethodPost, "/tick", ""); rec.Code != http.StatusConflict {
		t.Fatalf("busy code=%d", rec.Code)
	}
	if rec := do(t, h, http.MethodGet, "/tick", ""); rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("GET /tick code=%d", rec.Code)
	}
}

func TestAnnouncements(t *testing.T) {
	t.Parallel()

	h := New(Config{}, testDeps(&fakeTicker{}), logx.Nop()).Handler()
	rec := do(t, h, http.MethodGet, "/announcements", "")
	var got []notifier.HistoryItem
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got) != 1 || got[0].Text != "hello" {
		t.Fatalf("history=%+v", got)
	}
}

func TestTokenAuth(t *testing.T) {
	t.Parallel()

	h := New(Config{Token: "s3cret"}, testDeps(&fakeTicker{}), logx.Nop()).Handler()
	if rec := do(t, h, http.MethodGet, "/tenants", ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("no token code=%d", rec.Code)
	}
	if rec := do(t, h, http.MethodGet, "/tenants", "wrong"); rec.Code != http.StatusUnauthorized {
		t.Fatalf("wrong token code=%d", rec.Code)
	}
	if rec := do(t, h, http.MethodGet, "/tenants", "s3cret"); rec.Code != http.StatusOK {
		t.Fatalf("good token code=%d", rec.Code)
	}
	// Health stays open for probes.
	if rec := do(t, h, http.MethodGet, "/healthz", ""); rec.Code != http.StatusOK {
		t.Fatalf("healthz code=%d", rec.Code)
	}
}

func TestPprofMount(t *testing.T) {
	t.Parallel()

	off := New(Config{}, testDeps(&fakeTicker{}), logx.Nop()).Handler()
	if rec := do(t, off, http.MethodGet, "/debug/pprof/", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("pprof disabled code=%d", rec.Code)
	}
	on := New(Config{Pprof: true}, testDeps(&fakeTicker{}), logx.Nop()).Handler()
	if rec := do(t, on, http.MethodGet, "/debug/pprof/", ""); rec.Code != http.StatusOK {
		t.Fatalf("pprof enabled code=%d", rec.Code)
	}
}

func TestStartRefusesPublicWithoutToken(t *testing.T) {
	t.Parallel()

	s := New(Config{Enabled: true, Addr: "0.0.0.0:0"}, Deps{}, logx.Nop())
	if err := s.Start(context.Background()); err == nil {
		_ = s.Stop(context.Background())
		t.Fatalf("expected refusal")
	}
}

func TestStartStop(t *testing.T) {
	t.Parallel()

	s := New(Config{Enabled: true, Addr: "127.0.0.1:0"}, testDeps(&fakeTicker{}), logx.Nop())
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	addr := s.Addr()
	if addr == "" {
		t.Fatalf("no addr")
	}
	resp, err := http.Get("http://" + addr + "/healthz")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("code=%d", resp.StatusCode)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if s.Addr() != "" {
		t.Fatalf("addr after stop=%q", s.Addr())
	}
}

func TestDisabledStartIsNoop(t *testing.T) {
	t.Parallel()

	s := New(Config{}, Deps{}, logx.Nop())
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if s.Addr() != "" {
		t.Fatalf("disabled server bound %q", s.Addr())
	}
}

func TestIsLoopbackAddr(t *testing.T) {
	t.Parallel()

	cases := map[string]bool{
		"127.0.0.1:8089": true,
		"localhost:1":    true,
		"[::1]:80":       true,
		"0.0.0.0:80":     false,
		":8089":          false,
		"10.0.0.1:80":    false,
	}
	for in, want := range cases {
		if got := isLoopbackAddr(in); got != want {
			t.Fatalf("isLoopbackAddr(%q)=%v want %v", in, got, want)
		}
	}
}
