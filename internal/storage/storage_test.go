package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	logx "watchbot/pkg/logx"
)

func openBackends(t *testing.T, limit int) map[string]Backend {
	t.Helper()

	fileB, err := Open(Config{Driver: "file", Path: t.TempDir(), HistoryLimit: limit}, logx.Nop())
	if err != nil {
		t.Fatalf("open file: %v", err)
	}
	sqliteB, err := Open(Config{Driver: "sqlite", Path: ":memory:", HistoryLimit: limit}, logx.Nop())
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	memB, err := Open(Config{Driver: "memory", HistoryLimit: limit}, logx.Nop())
	if err != nil {
		t.Fatalf("open memory: %v", err)
	}

	out := map[string]Backend{"file": fileB, "sqlite": sqliteB, "memory": memB}
	t.Cleanup(func() {
		for _, b := range out {
			_ = b.Close()
		}
	})
	return out
}

func TestStateRoundTrip(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	at := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)

	for name, b := range openBackends(t, 10) {
		if _, ok, err := b.LoadState(ctx, "ACME"); ok || err != nil {
			t.Fatalf("%s: missing state ok=%v err=%v", name, ok, err)
		}
		if err := b.SaveState(ctx, "ACME", State{LastURL: "https://a/1", LastAnnouncedAt: &at}); err != nil {
			t.Fatalf("%s: save: %v", name, err)
		}
		// Overwrite replaces the full record.
		if err := b.SaveState(ctx, "ACME", State{LastURL: "https://a/2", LastAnnouncedAt: &at}); err != nil {
			t.Fatalf("%s: save: %v", name, err)
		}
		st, ok, err := b.LoadState(ctx, "acme")
		if err != nil || !ok {
			t.Fatalf("%s: load ok=%v err=%v", name, ok, err)
		}
		if st.LastURL != "https://a/2" || st.LastAnnouncedAt == nil || !st.LastAnnouncedAt.Equal(at) {
			t.Fatalf("%s: state=%+v", name, st)
		}
	}
}

func TestHistoryNewestFirstAndBounded(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	for name, b := range openBackends(t, 3) {
		for i := 0; i < 5; i++ {
			m := Message{ID: fmt.Sprint(i), ChannelID: "-100", Text: fmt.Sprintf("msg %d", i), CreatedAt: base.Add(time.Duration(i) * time.Minute)}
			if err := b.AppendMessage(ctx, m); err != nil {
				t.Fatalf("%s: append: %v", name, err)
			}
		}
		if err := b.AppendMessage(ctx, Message{ID: "x", ChannelID: "-200", Text: "other", CreatedAt: base}); err != nil {
			t.Fatalf("%s: append: %v", name, err)
		}

		got, err := b.RecentMessages(ctx, "-100", 50)
		if err != nil {
			t.Fatalf("%s: recent: %v", name, err)
		}
		// sqlite prunes lazily; the window itself must still be newest first.
		if len(got) < 3 || got[0].Text != "msg 4" || got[1].Text != "msg 3" || got[2].Text != "msg 2" {
			t.Fatalf("%s: recent=%+v", name, got)
		}
		if name != "sqlite" && len(got) != 3 {
			t.Fatalf("%s: history not bounded: %d", name, len(got))
		}

		two, err := b.RecentMessages(ctx, "-100", 2)
		if err != nil || len(two) != 2 {
			t.Fatalf("%s: recent(2)=%d err=%v", name, len(two), err)
		}
	}
}

func TestStateStoreReadNeverFails(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	b, err := Open(Config{Driver: "file", Path: dir}, logx.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer b.Close()
	store := NewStateStore(b, logx.Nop())
	ctx := context.Background()

	if st := store.Read(ctx, "NEW"); st.LastURL != "" || st.LastAnnouncedAt != nil {
		t.Fatalf("missing record should be zero, got %+v", st)
	}

	if err := os.WriteFile(StatePath(dir, "BROKEN"), []byte("{not json"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if st := store.Read(ctx, "BROKEN"); st.LastURL != "" || st.LastAnnouncedAt != nil {
		t.Fatalf("corrupt record should be zero, got %+v", st)
	}

	if err := store.Write(ctx, "BROKEN", State{LastURL: "https://x"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if st := store.Read(ctx, "BROKEN"); st.LastURL != "https://x" {
		t.Fatalf("state=%+v", st)
	}
}

func TestFileStateLayout(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	b, err := Open(Config{Path: dir}, logx.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer b.Close()

	at := time.Date(2024, 5, 6, 7, 8, 9, 0, time.UTC)
	if err := b.SaveState(context.Background(), "AcMe", State{LastURL: "https://a", LastAnnouncedAt: &at}); err != nil {
		t.Fatalf("save: %v", err)
	}
	raw, err := os.ReadFile(filepath.Join(dir, "acme_state.json"))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if m["lastUrl"] != "https://a" || m["lastAnnouncedAt"] != "2024-05-06T07:08:09Z" {
		t.Fatalf("record=%v", m)
	}
}

func TestStateJSONNulls(t *testing.T) {
	t.Parallel()

	b, err := json.Marshal(State{})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(b) != `{"lastUrl":null,"lastAnnouncedAt":null}` {
		t.Fatalf("zero state json=%s", b)
	}
	var st State
	if err := json.Unmarshal([]byte(`{"lastUrl":null,"lastAnnouncedAt":null}`), &st); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if st.LastURL != "" || st.LastAnnouncedAt != nil {
		t.Fatalf("state=%+v", st)
	}
}

func TestFileHistorySurvivesReopenAndCompacts(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	ctx := context.Background()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	b, err := Open(Config{Path: dir, HistoryLimit: 2}, logx.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	for i := 0; i < 5; i++ {
		if err := b.AppendMessage(ctx, Message{ID: fmt.Sprint(i), ChannelID: "-100", Text: fmt.Sprint(i), CreatedAt: base.Add(time.Duration(i) * time.Second)}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	_ = b.Close()

	raw, err := os.ReadFile(filepath.Join(dir, "history", "-100.jsonl"))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if lines := strings.Count(string(raw), "\n"); lines >= 4 {
		t.Fatalf("history file not compacted: %d lines", lines)
	}

	b2, err := Open(Config{Path: dir, HistoryLimit: 2}, logx.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer b2.Close()
	got, err := b2.RecentMessages(ctx, "-100", 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(got) != 2 || got[0].Text != "4" || got[1].Text != "3" {
		t.Fatalf("recent=%+v", got)
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	t.Parallel()

	_, err := Open(Config{Driver: "redis"}, logx.Nop())
	if !errors.Is(err, ErrUnknownDriver) {
		t.Fatalf("err=%v", err)
	}
}

func TestRebindPostgres(t *testing.T) {
	t.Parallel()

	s := &sqlStore{postgres: true}
	if got := s.rebind("a = ? AND b = ?"); got != "a = $1 AND b = $2" {
		t.Fatalf("rebind=%q", got)
	}
}
