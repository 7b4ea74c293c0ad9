package router

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"watchbot/internal/source"
	"watchbot/internal/storage"
	"watchbot/internal/tenant"
	"watchbot/internal/transport"
	logx "watchbot/pkg/logx"
)

type fakeChannel struct {
	msgs []transport.Message
}

func (c *fakeChannel) ID() string { return "alerts" }

func (c *fakeChannel) Send(context.Context, string) (transport.Message, error) {
	return transport.Message{}, nil
}

func (c *fakeChannel) Recent(context.Context, int) ([]transport.Message, error) { return c.msgs, nil }

type fakeConn struct {
	key string
	ch  transport.Channel
}

func (c *fakeConn) Key() string                                              { return c.key }
func (c *fakeConn) Start(context.Context, chan<- transport.Invocation) error { return nil }
func (c *fakeConn) Stop(context.Context) error                               { return nil }
func (c *fakeConn) RegisterCommands(context.Context, []transport.BotCommand) error {
	return nil
}

func (c *fakeConn) Channel(context.Context, string) (transport.Channel, error) {
	if c.ch == nil {
		return nil, transport.ErrChannelNotText
	}
	return c.ch, nil
}

type fakeResponder struct {
	mu       sync.Mutex
	deferErr error
	deferred bool
	replies  []transport.Reply
	done     chan struct{}
}

func newResponder() *fakeResponder { return &fakeResponder{done: make(chan struct{}, 1)} }

func (r *fakeResponder) Defer(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deferred = true
	return r.deferErr
}

func (r *fakeResponder) Edit(_ context.Context, reply transport.Reply) error {
	r.mu.Lock()
	r.replies = append(r.replies, reply)
	r.mu.Unlock()
	select {
	case r.done <- struct{}{}:
	default:
	}
	return nil
}

func (r *fakeResponder) last(t *testing.T) transport.Reply {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.replies) != 1 {
		t.Fatalf("replies=%+v", r.replies)
	}
	return r.replies[0]
}

type fakeSource struct {
	latest *source.Item
	update *source.Item
	err    error
	debug  source.DebugInfo
	panic  bool
}

func (s *fakeSource) Latest(context.Context, *tenant.Tenant) (*source.Item, error) {
	if s.panic {
		panic("boom")
	}
	return s.latest, s.err
}

func (s *fakeSource) LatestUpdate(context.Context, *tenant.Tenant) (*source.Item, error) {
	return s.update, s.err
}

func (s *fakeSource) Debug(context.Context, *tenant.Tenant) source.DebugInfo { return s.debug }

type fixture struct {
	r     *Router
	src   *fakeSource
	chA   *fakeChannel
	conns transport.ConnSet
	reg   *tenant.Registry
	store *storage.StateStore
}

var fixedNow = time.Date(2024, 1, 2, 3, 0, 0, 0, time.UTC) // 11:00 UTC+8

func newFixture(t *testing.T) *fixture {
	t.Helper()
	a := &tenant.Tenant{Key: "A", Label: "Alpha", Command: "alpha", Kind: tenant.KindFeed, Handle: "alpha", ChannelID: "ca"}
	b := &tenant.Tenant{Key: "B", Label: "Beta", Command: "beta", Kind: tenant.KindWebsite, URL: "https://beta.example", ChannelID: "cb"}
	a.SetReady(true)
	b.SetReady(true)
	reg := tenant.NewRegistry([]*tenant.Tenant{a, b})

	chA := &fakeChannel{}
	conns := transport.ConnSet{
		"A": &fakeConn{key: "A", ch: chA},
		"B": &fakeConn{key: "B", ch: &fakeChannel{}},
	}
	src := &fakeSource{}
	store := storage.NewStateStore(storage.NewMemory(0), logx.Nop())
	r := New(Config{Timeout: time.Second}, reg, conns, src, store, logx.Nop())
	r.now = func() time.Time { return fixedNow }
	return &fixture{r: r, src: src, chA: chA, conns: conns, reg: reg, store: store}
}

func (f *fixture) run(t *testing.T, conn, cmd string) (*fakeResponder, bool) {
	t.Helper()
	resp := newResponder()
	ok := f.r.dispatchSync(context.Background(), transport.Invocation{Conn: conn, Command: cmd, ChannelID: "ca", Responder: resp})
	return resp, ok
}

func TestNamespaceIsolation(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	cases := []struct {
		conn, cmd string
		handled   bool
	}{
		{"A", "alpha", true},
		{"A", "alpha-news", true},
		{"A", "alpha_news", true},
		{"A", "alpha_xdebug", true},
		{"B", "alpha", false},
		{"B", "alpha-patch", false},
		{"A", "beta", false},
		{"A", "gamma", false},
	}
	f.src.latest = &source.Item{Title: "t", URL: "u"}
	for _, tc := range cases {
		resp, ok := f.run(t, tc.conn, tc.cmd)
		if ok != tc.handled {
			t.Fatalf("%s on %s: handled=%v want %v", tc.cmd, tc.conn, ok, tc.handled)
		}
		if !tc.handled && resp.deferred {
			t.Fatalf("%s on %s: ignored invocation was acknowledged", tc.cmd, tc.conn)
		}
	}
}

func TestNotReadyTenantIgnored(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	a, _ := f.reg.Get("A")
	a.SetReady(false)
	resp, ok := f.run(t, "A", "alpha")
	if ok || resp.deferred {
		t.Fatalf("ok=%v deferred=%v", ok, resp.deferred)
	}
}

func TestStatusPostedAndNotYet(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	resp, _ := f.run(t, "A", "alpha")
	rep := resp.last(t)
	if rep.Title != "Alpha: NO POST TODAY ⚠️" || rep.Color != ColorNotYet {
		t.Fatalf("reply=%+v", rep)
	}
	if !strings.Contains(rep.Description, "Status for 2024-01-02 (UTC+8): No post found yet") {
		t.Fatalf("desc=%q", rep.Description)
	}

	f.chA.msgs = []transport.Message{
		{ID: "1", Text: "🛰️ [Alpha] FEED: hello\nhttps://x/1", CreatedAt: fixedNow.Add(-time.Hour)},
	}
	at := fixedNow.Add(-time.Hour)
	if err := f.store.Write(context.Background(), "A", storage.State{LastURL: "https://x/1", LastAnnouncedAt: &at}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	resp, _ = f.run(t, "A", "alpha")
	rep = resp.last(t)
	if rep.Title != "Alpha: POSTED TODAY ✅" || rep.Color != ColorPosted {
		t.Fatalf("reply=%+v", rep)
	}
	if !strings.Contains(rep.Description, "Last log:\n🛰️ [Alpha] FEED: hello") {
		t.Fatalf("desc=%q", rep.Description)
	}
	if !strings.Contains(rep.Description, "Last seen: https://x/1 (2024-01-02 10:00:00 UTC+8)") {
		t.Fatalf("desc=%q", rep.Description)
	}
}

func TestNewsReplies(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	resp, _ := f.run(t, "A", "alpha-news")
	if rep := resp.last(t); rep.Description != MsgNoPosts || rep.Title != "" {
		t.Fatalf("reply=%+v", rep)
	}

	f.src.latest = &source.Item{Title: "Event", URL: "https://x/1", Excerpt: "join"}
	resp, _ = f.run(t, "A", "alpha-news")
	rep := resp.last(t)
	if rep.Title != "📰 Alpha: Event" || rep.Description != "https://x/1\n\n> join" || rep.Color != ColorNews {
		t.Fatalf("reply=%+v", rep)
	}
}

func TestPatchFallback(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	resp, _ := f.run(t, "A", "alpha-patch")
	if rep := resp.last(t); rep.Description != MsgNoPosts {
		t.Fatalf("both absent: reply=%+v", rep)
	}

	f.src.latest = &source.Item{Title: "Event", URL: "https://x/1"}
	resp, _ = f.run(t, "A", "alpha-patch")
	rep := resp.last(t)
	if rep.Title != "🧩 Alpha Patch/Update (fallback): Event" || rep.Description != "https://x/1" || rep.Color != ColorPatch {
		t.Fatalf("fallback: reply=%+v", rep)
	}

	f.src.update = &source.Item{Title: "Patch 2", URL: "https://x/2"}
	resp, _ = f.run(t, "A", "alpha-patch")
	if rep := resp.last(t); rep.Title != "🧩 Alpha Patch/Update: Patch 2" {
		t.Fatalf("update: reply=%+v", rep)
	}
}

func TestDebugReply(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.src.debug = source.DebugInfo{OK: false, Error: "HTTP 502 for x", Sample: []source.Item{}}
	resp, _ := f.run(t, "A", "alpha-xdebug")
	rep := resp.last(t)
	if rep.Title != "Alpha Debug" || rep.Color != ColorDebugBad {
		t.Fatalf("reply=%+v", rep)
	}
	for _, want := range []string{"Bot: Alpha", "Source: FEED", "Handle: @alpha", "OK: no", "Error: HTTP 502 for x", "Parsed posts: 0", "- (none)"} {
		if !strings.Contains(rep.Description, want) {
			t.Fatalf("desc missing %q: %q", want, rep.Description)
		}
	}

	var sample []source.Item
	for i := 0; i < 60; i++ {
		sample = append(sample, source.Item{Title: strings.Repeat("x", 100), URL: "https://x", SourceTag: "RSS"})
	}
	f.src.debug = source.DebugInfo{OK: true, Found: 60, Sample: sample}
	resp, _ = f.run(t, "A", "alpha-xdebug")
	rep = resp.last(t)
	if rep.Color != ColorDebugOK || utf8.RuneCountInString(rep.Description) != DebugReplyLimit {
		t.Fatalf("len=%d color=%x", utf8.RuneCountInString(rep.Description), rep.Color)
	}
}

func TestErrorsBecomeGenericReply(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.src.err = errors.New("fetch failed")
	resp, _ := f.run(t, "A", "alpha-news")
	if rep := resp.last(t); rep.Description != MsgCommandError {
		t.Fatalf("reply=%+v", rep)
	}

	f.src.err = nil
	f.src.panic = true
	resp, _ = f.run(t, "A", "alpha-news")
	if rep := resp.last(t); rep.Description != MsgCommandError {
		t.Fatalf("panic reply=%+v", rep)
	}
}

func TestMissingChannelReply(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.conns["A"] = &fakeConn{key: "A"}
	resp, _ := f.run(t, "A", "alpha")
	if rep := resp.last(t); rep.Description != MsgNoChannel {
		t.Fatalf("reply=%+v", rep)
	}
}

func TestDeferFailureStops(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	resp := newResponder()
	resp.deferErr = errors.New("expired")
	f.r.dispatchSync(context.Background(), transport.Invocation{Conn: "A", Command: "alpha", Responder: resp})
	if len(resp.replies) != 0 {
		t.Fatalf("replies=%+v", resp.replies)
	}
}

func TestDispatchLoop(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.src.latest = &source.Item{Title: "Event", URL: "https://x/1"}
	in := make(chan transport.Invocation, 4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errc := make(chan error, 1)
	go func() { errc <- f.r.DispatchLoop(ctx, in) }()

	ignored := newResponder()
	in <- transport.Invocation{Conn: "B", Command: "alpha-news", Responder: ignored}
	resp := newResponder()
	in <- transport.Invocation{Conn: "A", Command: "alpha_news", Responder: resp}

	select {
	case <-resp.done:
	case <-time.After(5 * time.Second):
		t.Fatalf("no reply")
	}
	if rep := resp.last(t); rep.Title != "📰 Alpha: Event" {
		t.Fatalf("reply=%+v", rep)
	}

	close(in)
	select {
	case err := <-errc:
		if err != nil {
			t.Fatalf("DispatchLoop: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("DispatchLoop did not return")
	}
	if ignored.deferred {
		t.Fatalf("foreign invocation was handled")
	}
}

func TestMenu(t *testing.T) {
	t.Parallel()

	tn := &tenant.Tenant{Key: "A", Label: "Alpha", Command: "alpha"}
	menu := Menu(tn)
	want := []string{"alpha", "alpha_news", "alpha_patch", "alpha_xdebug"}
	if len(menu) != len(want) {
		t.Fatalf("menu=%+v", menu)
	}
	for i, w := range want {
		if menu[i].Command != w || menu[i].Description == "" {
			t.Fatalf("menu[%d]=%+v", i, menu[i])
		}
	}
}
