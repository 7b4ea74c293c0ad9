package storage

import (
	"context"
	"sort"
	"strings"
	"sync"
)

type memoryStore struct {
	mu    sync.Mutex
	limit int
	state map[string]State
	msgs  map[string][]Message // oldest first
}

// NewMemory returns a process-local backend. Nothing survives a restart.
func NewMemory(historyLimit int) Backend {
	if historyLimit <= 0 {
		historyLimit = DefaultHistoryLimit
	}
	return &memoryStore{
		limit: historyLimit,
		state: map[string]State{},
		msgs:  map[string][]Message{},
	}
}

func (m *memoryStore) LoadState(ctx context.Context, key string) (State, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.state[strings.ToLower(key)]
	if ok && st.LastAnnouncedAt != nil {
		at := *st.LastAnnouncedAt
		st.LastAnnouncedAt = &at
	}
	return st, ok, nil
}

func (m *memoryStore) SaveState(ctx context.Context, key string, st State) error {
	if st.LastAnnouncedAt != nil {
		at := *st.LastAnnouncedAt
		st.LastAnnouncedAt = &at
	}
	m.mu.Lock()
	m.state[strings.ToLower(key)] = st
	m.mu.Unlock()
	return nil
}

func (m *memoryStore) AppendMessage(ctx context.Context, msg Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.msgs[msg.ChannelID] = appendBounded(m.msgs[msg.ChannelID], msg, m.limit)
	return nil
}

func (m *memoryStore) RecentMessages(ctx context.Context, channelID string, n int) ([]Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return newestFirst(m.msgs[channelID], n), nil
}

func (m *memoryStore) Close() error { return nil }

// appendBounded inserts msg (replacing an entry with the same ID), keeps the slice
// ordered by CreatedAt and trims it to the newest limit entries.
func appendBounded(list []Message, msg Message, limit int) []Message {
	replaced := false
	for i := range list {
		if list[i].ID == msg.ID && msg.ID != "" {
			list[i] = msg
			replaced = true
			break
		}
	}
	if !replaced {
		list = append(list, msg)
	}
	sort.SliceStable(list, func(i, j int) bool { return list[i].CreatedAt.Before(list[j].CreatedAt) })
	if limit > 0 && len(list) > limit {
		list = append([]Message(nil), list[len(list)-limit:]...)
	}
	return list
}

// newestFirst returns a copy of the last n entries of an oldest-first slice, reversed.
func newestFirst(list []Message, n int) []Message {
	if n <= 0 || n > len(list) {
		n = len(list)
	}
	out := make([]Message, 0, n)
	for i := len(list) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, list[i])
	}
	return out
}
