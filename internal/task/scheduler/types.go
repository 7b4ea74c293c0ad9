package scheduler

import (
	"context"
	"errors"
	"time"

	"watchbot/internal/source"
	"watchbot/internal/storage"
	"watchbot/internal/tenant"
)

var ErrTickInFlight = errors.New("tick already in flight")

const (
	DefaultEvery         = "10m"
	DefaultWarmup        = 10 * time.Second
	DefaultTenantTimeout = 2 * time.Minute
)

type Config struct {
	// Every is an interval accepted by ParseEvery.
	Every string
	// Warmup delays the first tick; zero ticks immediately and a negative
	// value selects DefaultWarmup.
	Warmup          time.Duration
	TenantTimeout   time.Duration
	AnnounceOnStart bool
}

// StateStore is the persisted state contract: Read never fails.
type StateStore interface {
	Read(ctx context.Context, key string) storage.State
	Write(ctx context.Context, key string, st storage.State) error
}

// Announcer delivers an announcement for a new item.
type Announcer interface {
	Announce(ctx context.Context, t *tenant.Tenant, item source.Item, firstRun bool) error
}

// Outcome is what a tick did for one tenant.
type Outcome string

const (
	OutcomeNotReady  Outcome = "not_ready"
	OutcomeNoItem    Outcome = "no_item"
	OutcomeFirstRun  Outcome = "first_run"
	OutcomeAnnounced Outcome = "announced"
	OutcomeUnchanged Outcome = "unchanged"
	OutcomeError     Outcome = "error"
)

type TenantResult struct {
	Key     string  `json:"key"`
	Outcome Outcome `json:"outcome"`
	URL     string  `json:"url,omitempty"`
	// Delivered is false when an announcement was attempted and failed.
	Delivered bool   `json:"delivered,omitempty"`
	Error     string `json:"error,omitempty"`
}

type TickReport struct {
	Started  time.Time      `json:"started"`
	Duration time.Duration  `json:"duration"`
	Tenants  []TenantResult `json:"tenants"`
}

// Count returns how many tenants ended with outcome o.
func (r TickReport) Count(o Outcome) int {
	n := 0
	for _, t := range r.Tenants {
		if t.Outcome == o {
			n++
		}
	}
	return n
}

type Snapshot struct {
	Every    string      `json:"every"`
	Running  bool        `json:"running"`
	InFlight bool        `json:"in_flight"`
	Next     time.Time   `json:"next,omitempty"`
	Prev     time.Time   `json:"prev,omitempty"`
	Ticks    uint64      `json:"ticks"`
	LastTick *TickReport `json:"last_tick,omitempty"`
}
