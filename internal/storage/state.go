package storage

import (
	"context"

	logx "watchbot/pkg/logx"
)

// StateStore is the per-tenant state contract used by the scheduler and commands.
//
// There is no locking around read-modify-write: concurrent writers for the same
// tenant resolve as last-writer-wins.
type StateStore struct {
	b   Backend
	log logx.Logger
}

func NewStateStore(b Backend, log logx.Logger) *StateStore {
	return &StateStore{b: b, log: log.With(logx.String("comp", "state"))}
}

// Read never fails: a missing or unreadable record yields the zero State.
func (s *StateStore) Read(ctx context.Context, key string) State {
	st, ok, err := s.b.LoadState(ctx, key)
	if err != nil {
		s.log.Warn("state unreadable; treating as empty", logx.String("tenant", key), logx.Err(err))
		return State{}
	}
	if !ok {
		s.log.Debug("no state record", logx.String("tenant", key))
		return State{}
	}
	return st
}

// Write overwrites the full record. Errors are returned for the caller to log.
func (s *StateStore) Write(ctx context.Context, key string, st State) error {
	return s.b.SaveState(ctx, key, st)
}
