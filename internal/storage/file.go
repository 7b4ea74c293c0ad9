package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	logx "watchbot/pkg/logx"
)

// fileStore is the default persistence backend.
//
// Files:
//   - <dir>/<key lowercased>_state.json   (one record per tenant, replaced atomically)
//   - <dir>/history/<channel>.jsonl       (append-only JSON Lines)
//
// A history file is compacted to the newest HistoryLimit entries once it holds
// twice that many lines.
type fileStore struct {
	log   logx.Logger
	dir   string
	limit int

	mu      sync.Mutex
	closed  bool
	history map[string]*channelLog
}

type channelLog struct {
	path  string
	f     *os.File
	msgs  []Message // oldest first, bounded
	lines int       // records in the file since last compaction
}

func openFile(cfg Config, log logx.Logger) (Backend, error) {
	dir := strings.TrimSpace(cfg.Path)
	if dir == "" {
		dir = "./state"
	}
	if err := os.MkdirAll(filepath.Join(dir, "history"), 0o755); err != nil {
		return nil, err
	}
	return &fileStore{
		log:     log.With(logx.String("comp", "storage.file")),
		dir:     dir,
		limit:   cfg.HistoryLimit,
		history: map[string]*channelLog{},
	}, nil
}

// StatePath returns the file holding key's state record.
func StatePath(dir, key string) string {
	return filepath.Join(dir, strings.ToLower(key)+"_state.json")
}

func (s *fileStore) LoadState(ctx context.Context, key string) (State, bool, error) {
	b, err := os.ReadFile(StatePath(s.dir, key))
	if errors.Is(err, os.ErrNotExist) {
		return State{}, false, nil
	}
	if err != nil {
		return State{}, false, err
	}
	var st State
	if err := json.Unmarshal(b, &st); err != nil {
		return State{}, false, fmt.Errorf("decode %s: %w", filepath.Base(StatePath(s.dir, key)), err)
	}
	return st, true, nil
}

func (s *fileStore) SaveState(ctx context.Context, key string, st State) error {
	b, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(StatePath(s.dir, key), append(b, '\n'))
}

// writeFileAtomic writes to a sibling temp file and renames it over path.
func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return nil
}

func (s *fileStore) AppendMessage(ctx context.Context, m Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cl, err := s.channelLocked(m.ChannelID)
	if err != nil {
		return err
	}

	if err := json.NewEncoder(cl.f).Encode(m); err != nil {
		return err
	}
	cl.lines++
	cl.msgs = appendBounded(cl.msgs, m, s.limit)

	if cl.lines >= 2*s.limit {
		if err := s.compactLocked(cl); err != nil {
			s.log.Debug("history compact failed", logx.String("channel", m.ChannelID), logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) RecentMessages(ctx context.Context, channelID string, n int) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cl, err := s.channelLocked(channelID)
	if err != nil {
		return nil, err
	}
	return newestFirst(cl.msgs, n), nil
}

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9_.-]`)

// channelLocked returns the open log for a channel, replaying its file on first use.
func (s *fileStore) channelLocked(channelID string) (*channelLog, error) {
	if s.closed {
		return nil, ErrClosed
	}
	if cl, ok := s.history[channelID]; ok {
		return cl, nil
	}

	path := filepath.Join(s.dir, "history", unsafeName.ReplaceAllString(channelID, "_")+".jsonl")
	cl := &channelLog{path: path}
	if err := replayHistory(path, cl, s.limit); err != nil && !errors.Is(err, os.ErrNotExist) {
		s.log.Warn("history replay failed", logx.String("channel", channelID), logx.Err(err))
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	cl.f = f
	s.history[channelID] = cl
	return cl, nil
}

func replayHistory(path string, cl *channelLog, limit int) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		cl.lines++
		var m Message
		if err := json.Unmarshal(sc.Bytes(), &m); err != nil {
			continue
		}
		cl.msgs = appendBounded(cl.msgs, m, limit)
	}
	return sc.Err()
}

func (s *fileStore) compactLocked(cl *channelLog) error {
	var buf strings.Builder
	enc := json.NewEncoder(&buf)
	for _, m := range cl.msgs {
		if err := enc.Encode(m); err != nil {
			return err
		}
	}
	if err := cl.f.Close(); err != nil {
		return err
	}
	werr := writeFileAtomic(cl.path, []byte(buf.String()))

	// Reopen regardless so appends keep working after a failed compaction.
	f, err := os.OpenFile(cl.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	cl.f = f
	if werr != nil {
		return werr
	}
	cl.lines = len(cl.msgs)
	return nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	var first error
	for _, cl := range s.history {
		if err := cl.f.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
