// Package app wires the tenant registry, storage, sources, connections,
// dispatcher, scheduler, command router and ops API into one process.
package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"watchbot/internal/config"
	"watchbot/internal/eventbus"
	"watchbot/internal/notifier"
	"watchbot/internal/opsapi"
	"watchbot/internal/router"
	rtsup "watchbot/internal/runtime/supervisor"
	"watchbot/internal/source"
	"watchbot/internal/storage"
	"watchbot/internal/task/scheduler"
	"watchbot/internal/tenant"
	"watchbot/internal/transport"
	"watchbot/internal/transport/telegram"
	logx "watchbot/pkg/logx"
)

const invocationQueueCap = 256

type App struct {
	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Backend

	reg    *tenant.Registry
	states *storage.StateStore
	conns  transport.ConnSet
	notif  *notifier.Dispatcher
	sched  *scheduler.Service
	router *router.Router
	ops    *opsapi.Server

	invocations chan transport.Invocation
}

// NewApp builds every component without touching the network. Configuration
// errors, including an invalid tenant table, are returned before anything starts.
func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	reg, err := tenant.Build(cfg.Tenants)
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogConfig(cfg))
	log = log.With(logx.String("comp", "app"))

	schedCfg, err := mapSchedulerConfig(cfg)
	if err != nil {
		return nil, err
	}
	srcOpts, err := mapSourceOptions(cfg)
	if err != nil {
		return nil, err
	}
	pollTimeout, err := config.Timeout("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	logKey, logChannel, logEnabled, err := logTarget(cfg, reg)
	if err != nil {
		return nil, err
	}
	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}

	store, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}
	log.Info("storage opened", logx.String("driver", sc.Driver))

	// From here on a failure must release the store.
	ok := false
	defer func() {
		if !ok {
			_ = store.Close()
		}
	}()

	src, err := source.New(srcOpts, log)
	if err != nil {
		return nil, err
	}
	for _, g := range sourceGaps(reg, srcOpts) {
		log.Warn(g.Reason, logx.String("tenant", g.Tenant))
	}

	conns := transport.ConnSet{}
	for _, t := range reg.All() {
		c, err := telegram.New(telegram.Config{
			Key:         t.Key,
			Token:       t.Token,
			APIURL:      cfg.Telegram.APIURL,
			PollTimeout: pollTimeout,
		}, store, log)
		if err != nil {
			return nil, fmt.Errorf("tenant %s: %w", t.Key, err)
		}
		conns[t.Key] = c
	}

	bus := eventbus.New()
	states := storage.NewStateStore(store, log)
	notif := notifier.New(notifier.Config{}, conns, bus, log)

	sched, err := scheduler.New(schedCfg, reg, states, src, notif, bus, log)
	if err != nil {
		return nil, err
	}
	rt := router.New(router.Config{}, reg, conns, src, states, log)
	ops := opsapi.New(mapOpsConfig(cfg), opsapi.Deps{
		Registry: reg,
		States:   states,
		Ticker:   sched,
		History:  notif,
	}, log)

	if logEnabled {
		logSvc.SetSender(notif.LogSender(logKey, logChannel))
	}

	log.Info("app configured",
		logx.Int("tenants", reg.Len()),
		logx.String("every", schedCfg.Every),
		logx.Duration("warmup", schedCfg.Warmup),
		logx.Bool("announce_on_start", schedCfg.AnnounceOnStart),
	)

	ok = true
	return &App{
		cfgm:        cfgm,
		log:         log,
		logs:        logSvc,
		bus:         bus,
		store:       store,
		reg:         reg,
		states:      states,
		conns:       conns,
		notif:       notif,
		sched:       sched,
		router:      rt,
		ops:         ops,
		invocations: make(chan transport.Invocation, invocationQueueCap),
	}, nil
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(validateReload)

	if err := a.ops.Start(a.sup.Context()); err != nil {
		return err
	}

	for _, t := range a.reg.All() {
		a.connect(t)
	}

	a.sup.Go("commands.dispatch", func(c context.Context) error {
		return a.router.DispatchLoop(c, a.invocations)
	})
	a.sup.Go("scheduler", func(c context.Context) error {
		return a.sched.Run(c)
	})

	if a.bus != nil {
		events, unsub := a.bus.Subscribe(128)
		a.sup.Go0("eventbus.log", func(c context.Context) {
			defer unsub()
			for {
				select {
				case <-c.Done():
					return
				case e, ok := <-events:
					if !ok {
						return
					}
					a.log.Debug("event", logx.String("type", e.Type), logx.String("tenant", e.Tenant), logx.Time("time", e.Time))
				}
			}
		})
	}

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config in the channel.
				for drained := false; !drained; {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						drained = true
					}
				}
				a.applyConfig(lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.startSystemd()
	a.log.Info("app started", logx.Int("tenants", a.reg.Len()))
	return nil
}

// connect logs a tenant in once. The tenant becomes ready once its connection
// is live; a tenant whose login fails stays not ready and never blocks the others.
func (a *App) connect(t *tenant.Tenant) {
	conn, ok := a.conns.Conn(t.Key)
	if !ok {
		return
	}
	log := a.log.With(logx.String("tenant", t.Key))
	a.sup.Go0("tenant."+t.Key+".connect", func(c context.Context) {
		if err := conn.Start(c, a.invocations); err != nil {
			log.Error("login failed; tenant stays offline until restart", logx.Err(err))
			return
		}

		rctx, cancel := context.WithTimeout(c, 15*time.Second)
		err := conn.RegisterCommands(rctx, router.Menu(t))
		cancel()
		if err != nil {
			log.Warn("command registration failed", logx.Err(err))
		}

		t.SetReady(true)
		a.bus.Publish(eventbus.Event{Type: eventbus.TenantReady, Time: time.Now(), Tenant: t.Key})
		log.Info("tenant ready", logx.String("label", t.Label), logx.String("source", t.SourceID()))

		if cfg := a.cfgm.Get(); cfg != nil && cfg.Scheduler.Announce() {
			if err := a.notif.Startup(c, t); err != nil {
				log.Warn("startup message failed", logx.Err(err))
			}
		}
	})
}

func (a *App) applyConfig(oldCfg, newCfg *config.Config) {
	sum := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sum.Changed) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}

	a.logs.Apply(mapLogConfig(newCfg))
	if key, ch, enabled, err := logTarget(newCfg, a.reg); err != nil {
		a.log.Warn("log channel target invalid; keeping previous", logx.Err(err))
	} else if enabled {
		a.logs.SetSender(a.notif.LogSender(key, ch))
	} else {
		a.logs.SetSender(nil)
	}

	a.sched.SetAnnounceOnStart(newCfg.Scheduler.Announce())

	if len(sum.Restart) > 0 {
		a.log.Warn("config changes require a restart to take effect", logx.String("sections", strings.Join(sum.Restart, ",")))
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sum.Changed, ","))}, sum.Attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	notifySystemd(a.log, sdStopping)

	for _, t := range a.reg.All() {
		t.SetReady(false)
	}

	// Cancel the run context first so background loops start unwinding immediately.
	a.sup.Cancel()

	// step runs one shutdown step with an upper bound so one component can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx := ctx
		if max > 0 {
			if dl, ok := ctx.Deadline(); ok {
				if rem := time.Until(dl); rem < max {
					max = rem
				}
			}
			var cancel context.CancelFunc
			stepCtx, cancel = context.WithTimeout(ctx, max)
			defer cancel()
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		}
	}

	step("ops", 2*time.Second, a.ops.Stop)
	for key, conn := range a.conns {
		step("conn."+key, 3*time.Second, conn.Stop)
	}
	step("supervisor", 3*time.Second, a.sup.Wait)
	step("storage", 1*time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	if a.logs != nil {
		a.logs.Close()
	}
	return nil
}
