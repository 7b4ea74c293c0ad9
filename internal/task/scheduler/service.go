package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"watchbot/internal/eventbus"
	"watchbot/internal/source"
	"watchbot/internal/storage"
	"watchbot/internal/tenant"
	logx "watchbot/pkg/logx"
)

type Service struct {
	reg   *tenant.Registry
	store StateStore
	src   source.Source
	ann   Announcer
	bus   eventbus.Bus
	log   logx.Logger
	now   func() time.Time

	every    time.Duration
	everyRaw string
	warmup   time.Duration
	timeout  time.Duration
	announce atomic.Bool

	// tickMu serializes ticks; TryLock failure means a tick is in flight.
	tickMu   sync.Mutex
	inFlight atomic.Bool
	ticks    atomic.Uint64

	mu      sync.Mutex
	c       *cron.Cron
	entryID cron.EntryID
	last    *TickReport
}

func New(cfg Config, reg *tenant.Registry, store StateStore, src source.Source, ann Announcer, bus eventbus.Bus, log logx.Logger) (*Service, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	raw := strings.TrimSpace(cfg.Every)
	if raw == "" {
		raw = DefaultEvery
	}
	every, err := ParseEvery(raw)
	if err != nil {
		return nil, fmt.Errorf("scheduler.every: %w", err)
	}
	warmup := cfg.Warmup
	if warmup < 0 {
		warmup = DefaultWarmup
	}
	timeout := cfg.TenantTimeout
	if timeout <= 0 {
		timeout = DefaultTenantTimeout
	}

	s := &Service{
		reg:      reg,
		store:    store,
		src:      src,
		ann:      ann,
		bus:      bus,
		log:      log.With(logx.String("comp", "scheduler")),
		now:      time.Now,
		every:    every,
		everyRaw: raw,
		warmup:   warmup,
		timeout:  timeout,
	}
	s.announce.Store(cfg.AnnounceOnStart)
	return s, nil
}

// SetAnnounceOnStart toggles first-run announcements. Safe during a tick.
func (s *Service) SetAnnounceOnStart(v bool) { s.announce.Store(v) }

// Run waits for the warm-up delay, ticks, then ticks every interval until ctx
// is done. A zero warm-up ticks as soon as Run starts.
func (s *Service) Run(ctx context.Context) error {
	sched := buildSchedule(s.every, s.now(), s.warmup)

	c := cron.New(
		cron.WithChain(cron.Recover(cronLogger{s.log}), cron.SkipIfStillRunning(cronLogger{s.log})),
		cron.WithLogger(cronLogger{s.log}),
	)
	id := c.Schedule(sched, cron.FuncJob(func() {
		if _, err := s.TriggerNow(ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.log.Warn("scheduled tick skipped", logx.Err(err))
		}
	}))

	s.mu.Lock()
	s.c, s.entryID = c, id
	s.mu.Unlock()

	c.Start()
	s.log.Info("scheduler armed", logx.String("every", s.everyRaw), logx.Duration("warmup", s.warmup), logx.Int("tenants", s.reg.Len()))

	<-ctx.Done()
	// Stop waits for a running job; the job observes ctx and returns promptly.
	<-c.Stop().Done()

	s.mu.Lock()
	s.c = nil
	s.mu.Unlock()
	s.log.Info("scheduler stopped")
	return nil
}

// TriggerNow runs a tick unless one is already running.
func (s *Service) TriggerNow(ctx context.Context) (TickReport, error) {
	if !s.tickMu.TryLock() {
		return TickReport{}, ErrTickInFlight
	}
	defer s.tickMu.Unlock()
	if err := ctx.Err(); err != nil {
		return TickReport{}, err
	}
	return s.tickLocked(ctx), nil
}

// TriggerAsync starts a tick in the background unless one is already running.
func (s *Service) TriggerAsync(ctx context.Context) error {
	if !s.tickMu.TryLock() {
		return ErrTickInFlight
	}
	s.inFlight.Store(true)
	go func() {
		defer s.tickMu.Unlock()
		s.tickLocked(ctx)
	}()
	return nil
}

// Tick runs one pass over all tenants, waiting for any tick in flight.
func (s *Service) Tick(ctx context.Context) TickReport {
	s.tickMu.Lock()
	defer s.tickMu.Unlock()
	return s.tickLocked(ctx)
}

func (s *Service) tickLocked(ctx context.Context) TickReport {
	s.inFlight.Store(true)
	defer s.inFlight.Store(false)

	rep := TickReport{Started: s.now()}
	for _, t := range s.reg.All() {
		if ctx.Err() != nil {
			break
		}
		rep.Tenants = append(rep.Tenants, s.runTenant(ctx, t))
	}
	rep.Duration = time.Since(rep.Started)
	s.ticks.Add(1)

	s.mu.Lock()
	r := rep
	s.last = &r
	s.mu.Unlock()

	s.log.Debug("tick done",
		logx.Duration("dur", rep.Duration),
		logx.Int("announced", rep.Count(OutcomeAnnounced)),
		logx.Int("first_run", rep.Count(OutcomeFirstRun)),
		logx.Int("errors", rep.Count(OutcomeError)),
	)
	s.bus.Publish(eventbus.Event{Type: eventbus.TickDone, Data: rep})
	return rep
}

// runTenant isolates one tenant's step: errors and panics are logged and reported.
func (s *Service) runTenant(parent context.Context, t *tenant.Tenant) (res TenantResult) {
	res = TenantResult{Key: t.Key}
	if !t.Ready() {
		res.Outcome = OutcomeNotReady
		return res
	}

	log := s.log.With(logx.String("tenant", t.Key))
	defer func() {
		if r := recover(); r != nil {
			log.Error("tenant step panic", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			res.Outcome = OutcomeError
			res.Error = fmt.Sprint(r)
		}
	}()

	ctx, cancel := context.WithTimeout(parent, s.timeout)
	defer cancel()

	out, err := s.step(ctx, t, log)
	if err != nil {
		log.Error("tenant step failed", logx.Err(err))
		out.Outcome = OutcomeError
		out.Error = err.Error()
	}
	out.Key = t.Key
	return out
}

func (s *Service) step(ctx context.Context, t *tenant.Tenant, log logx.Logger) (TenantResult, error) {
	st := s.store.Read(ctx, t.Key)

	latest, err := s.src.Latest(ctx, t)
	if err != nil {
		return TenantResult{}, fmt.Errorf("fetch latest: %w", err)
	}
	if latest == nil || latest.URL == "" {
		return TenantResult{Outcome: OutcomeNoItem}, nil
	}

	res := TenantResult{URL: latest.URL}
	switch {
	case st.LastURL == "":
		res.Outcome = OutcomeFirstRun
		if s.announce.Load() {
			res.Delivered = s.deliver(ctx, t, *latest, true, log)
		}
	case st.LastURL != latest.URL:
		res.Outcome = OutcomeAnnounced
		res.Delivered = s.deliver(ctx, t, *latest, false, log)
	default:
		res.Outcome = OutcomeUnchanged
		return res, nil
	}

	now := s.now().UTC()
	next := storage.State{LastURL: latest.URL, LastAnnouncedAt: &now}
	if err := s.store.Write(ctx, t.Key, next); err != nil {
		log.Warn("state write failed", logx.String("url", latest.URL), logx.Err(err))
	}
	log.Info("new item", logx.String("url", latest.URL), logx.String("outcome", string(res.Outcome)), logx.Bool("delivered", res.Delivered))
	return res, nil
}

// deliver announces and reports success. Failures are logged only; state advances regardless.
func (s *Service) deliver(ctx context.Context, t *tenant.Tenant, item source.Item, firstRun bool, log logx.Logger) bool {
	if err := s.ann.Announce(ctx, t, item, firstRun); err != nil {
		log.Warn("announcement failed", logx.String("url", item.URL), logx.Bool("first_run", firstRun), logx.Err(err))
		return false
	}
	return true
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	snap := Snapshot{Every: s.everyRaw, Running: s.c != nil}
	if s.c != nil {
		e := s.c.Entry(s.entryID)
		snap.Next, snap.Prev = e.Next, e.Prev
	}
	if s.last != nil {
		r := *s.last
		snap.LastTick = &r
	}
	s.mu.Unlock()
	snap.InFlight = s.inFlight.Load()
	snap.Ticks = s.ticks.Load()
	return snap
}

// cronLogger routes robfig/cron's internal logs to logx.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...any) {
	l.log.Trace("cron: "+msg, kvFields(kv)...)
}

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.log.Error("cron: "+msg, append(kvFields(kv), logx.Err(err))...)
}

func kvFields(kv []any) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		out = append(out, logx.Any(fmt.Sprint(kv[i]), kv[i+1]))
	}
	return out
}
