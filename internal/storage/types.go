package storage

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var (
	ErrUnknownDriver = errors.New("unknown storage driver")
	ErrClosed        = errors.New("storage closed")
)

// DefaultHistoryLimit is how many messages are kept per channel when not configured.
const DefaultHistoryLimit = 200

// Config configures storage.
//
// Driver values:
//   - "file" (default): one JSON file per tenant + JSON Lines history per channel
//   - "memory": process-local maps (tests, dry runs)
//   - "sqlite": SQLite database file (modernc.org/sqlite, pure Go)
//   - "postgres": PostgreSQL via DSN (github.com/lib/pq)
type Config struct {
	Driver       string
	Path         string
	DSN          string
	BusyTimeout  time.Duration // sqlite only; 0 means default
	HistoryLimit int
}

// State is the per-tenant record of the last acknowledged item.
// The zero value means "never observed anything".
type State struct {
	LastURL         string
	LastAnnouncedAt *time.Time
}

type stateJSON struct {
	LastURL         *string    `json:"lastUrl"`
	LastAnnouncedAt *time.Time `json:"lastAnnouncedAt"`
}

// MarshalJSON writes {"lastUrl": string|null, "lastAnnouncedAt": RFC3339|null}.
func (s State) MarshalJSON() ([]byte, error) {
	var out stateJSON
	if s.LastURL != "" {
		u := s.LastURL
		out.LastURL = &u
	}
	if s.LastAnnouncedAt != nil {
		at := s.LastAnnouncedAt.UTC()
		out.LastAnnouncedAt = &at
	}
	return json.Marshal(out)
}

func (s *State) UnmarshalJSON(b []byte) error {
	var in stateJSON
	if err := json.Unmarshal(b, &in); err != nil {
		return err
	}
	*s = State{LastAnnouncedAt: in.LastAnnouncedAt}
	if in.LastURL != nil {
		s.LastURL = *in.LastURL
	}
	return nil
}

// Message is one entry of a channel's history.
type Message struct {
	ID        string    `json:"id"`
	ChannelID string    `json:"channel_id"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

// History is the channel message log.
type History interface {
	AppendMessage(ctx context.Context, m Message) error
	// RecentMessages returns at most n messages of a channel, newest first.
	RecentMessages(ctx context.Context, channelID string, n int) ([]Message, error)
}

// Backend is the persistence API implemented by every driver.
type Backend interface {
	History
	// LoadState returns ok=false when no record exists. A record that exists
	// but cannot be decoded is returned as an error.
	LoadState(ctx context.Context, key string) (st State, ok bool, err error)
	SaveState(ctx context.Context, key string, st State) error
	Close() error
}
