// Package router dispatches chat commands to the tenant that owns them.
//
// Every tenant exposes four commands derived from its prefix. A dispatch table
// built once from the registry maps each command name (and its underscore
// alias, since chat platforms reject "-" in commands) to a tenant and variant.
// An invocation is only handled when it arrived on that tenant's own
// connection, so a command addressed to one tenant is never answered by another.
package router

import (
	"context"
	"errors"
	"runtime"
	"runtime/debug"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	rtsup "watchbot/internal/runtime/supervisor"
	"watchbot/internal/source"
	"watchbot/internal/storage"
	"watchbot/internal/tenant"
	"watchbot/internal/transport"
	logx "watchbot/pkg/logx"
)

const (
	DefaultTimeout = 90 * time.Second
	jobQueueCap    = 256
)

// StateReader exposes persisted state to the STATUS reply.
type StateReader interface {
	Read(ctx context.Context, key string) storage.State
}

// Request is one routed invocation on its way through the middleware chain.
type Request struct {
	ReqID   string
	Tenant  *tenant.Tenant
	Variant tenant.Variant
	Inv     transport.Invocation
	Channel transport.Channel
	Logger  logx.Logger

	// Reply is set by the handler.
	Reply transport.Reply
}

type route struct {
	tenant  *tenant.Tenant
	variant tenant.Variant
}

type Config struct {
	// Timeout bounds one command's work after the acknowledgement.
	Timeout time.Duration
}

type Router struct {
	reg    *tenant.Registry
	conns  transport.Conns
	src    source.Source
	states StateReader
	log    logx.Logger
	now    func() time.Time

	timeout time.Duration
	routes  map[string]route

	runMu   sync.Mutex
	running bool
	sup     *rtsup.Supervisor

	jobs chan func()
}

func New(cfg Config, reg *tenant.Registry, conns transport.Conns, src source.Source, states StateReader, log logx.Logger) *Router {
	if log.IsZero() {
		log = logx.Nop()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	r := &Router{
		reg:     reg,
		conns:   conns,
		src:     src,
		states:  states,
		log:     log.With(logx.String("comp", "router")),
		now:     time.Now,
		timeout: timeout,
		routes:  map[string]route{},
		jobs:    make(chan func(), jobQueueCap),
	}
	for _, t := range reg.All() {
		for _, v := range tenant.Variants() {
			name := t.CommandName(v)
			rt := route{tenant: t, variant: v}
			r.routes[name] = rt
			if alias := transport.SanitizeCommand(name); alias != "" {
				r.routes[alias] = rt
			}
		}
	}
	return r
}

// Menu is the command menu registered for t.
func Menu(t *tenant.Tenant) []transport.BotCommand {
	out := make([]transport.BotCommand, 0, len(tenant.Variants()))
	for _, v := range tenant.Variants() {
		out = append(out, transport.BotCommand{Command: transport.SanitizeCommand(t.CommandName(v)), Description: t.Describe(v)})
	}
	return out
}

// lookup resolves an invocation to its route. The second result is false when the
// command is unknown or belongs to a tenant other than the receiving connection.
func (r *Router) lookup(inv transport.Invocation) (route, bool) {
	rt, ok := r.routes[inv.Command]
	if !ok {
		return route{}, false
	}
	if inv.Conn != rt.tenant.Key {
		return route{}, false
	}
	return rt, true
}

// tryEnqueue is a panic-safe enqueue helper (handles the jobs channel being closed).
func (r *Router) tryEnqueue(fn func()) (ok bool) {
	if fn == nil {
		return false
	}
	defer func() {
		if rec := recover(); rec != nil {
			ok = false
		}
	}()
	select {
	case r.jobs <- fn:
		return true
	default:
		return false
	}
}

func (r *Router) setSupervisor(sup *rtsup.Supervisor, running bool) {
	r.runMu.Lock()
	r.sup = sup
	r.running = running
	r.runMu.Unlock()
}

// DispatchLoop routes invocations to a bounded worker pool until ctx is done
// or in is closed.
func (r *Router) DispatchLoop(ctx context.Context, in <-chan transport.Invocation) error {
	workers := runtime.NumCPU()
	if workers < 2 {
		workers = 2
	}

	sup := rtsup.New(ctx,
		rtsup.WithLogger(r.log),
		rtsup.WithCancelOnError(false),
	)
	r.setSupervisor(sup, true)
	r.log.Info("command dispatcher started", logx.Int("workers", workers), logx.Int("job_queue_cap", cap(r.jobs)), logx.Int("routes", len(r.routes)))

	var closeOnce sync.Once
	closeJobs := func() {
		closeOnce.Do(func() {
			r.setSupervisor(sup, false)
			close(r.jobs)
		})
	}

	for i := 0; i < workers; i++ {
		idx := i
		sup.GoRestart("command.worker."+strconv.Itoa(idx), func(c context.Context) error {
			for {
				select {
				case <-c.Done():
					return nil
				case job, ok := <-r.jobs:
					if !ok {
						return nil
					}
					if job == nil {
						continue
					}
					func() {
						defer func() {
							if rec := recover(); rec != nil {
								r.log.Error("panic in command job", logx.Int("worker", idx), logx.Any("panic", rec), logx.Stack(string(debug.Stack())))
							}
						}()
						job()
					}()
				}
			}
		},
			rtsup.WithRestartBackoff(200*time.Millisecond, 5*time.Second),
			rtsup.WithPublishFirstError(true),
		)
	}

	defer func() {
		closeJobs()
		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = sup.Wait(wctx)
		cancel()
		r.setSupervisor(nil, false)
		r.log.Info("command dispatcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case inv, ok := <-in:
			if !ok {
				return nil
			}
			r.enqueue(ctx, inv)
		}
	}
}

func (r *Router) enqueue(ctx context.Context, inv transport.Invocation) {
	rt, ok := r.lookup(inv)
	if !ok {
		r.log.Trace("invocation ignored", logx.String("conn", inv.Conn), logx.String("cmd", inv.Command))
		return
	}
	if !r.tryEnqueue(func() { r.handle(ctx, rt, inv) }) {
		r.log.Warn("command dropped (queue full)", logx.String("tenant", rt.tenant.Key), logx.String("cmd", inv.Command))
	}
}

// dispatchSync handles one invocation on the calling goroutine. It reports
// false when the invocation is not addressed to a ready tenant on this connection.
func (r *Router) dispatchSync(ctx context.Context, inv transport.Invocation) bool {
	rt, ok := r.lookup(inv)
	if !ok || !rt.tenant.Ready() {
		return false
	}
	r.handle(ctx, rt, inv)
	return true
}

// handle acknowledges, resolves the channel and answers one routed invocation.
func (r *Router) handle(ctx context.Context, rt route, inv transport.Invocation) {
	t := rt.tenant
	if !t.Ready() {
		return
	}
	rid := uuid.NewString()
	log := r.log.With(
		logx.String("rid", rid),
		logx.String("tenant", t.Key),
		logx.String("cmd", inv.Command),
	)

	if inv.Responder == nil {
		log.Warn("invocation without responder")
		return
	}
	if err := inv.Responder.Defer(ctx); err != nil {
		log.Warn("defer reply failed", logx.Err(err))
		return
	}

	ch, err := r.alertChannel(ctx, t)
	if err != nil {
		log.Warn("alert channel unavailable", logx.String("channel", t.ChannelID), logx.Err(err))
		r.edit(ctx, log, inv, transport.Reply{Description: MsgNoChannel})
		return
	}

	req := &Request{ReqID: rid, Tenant: t, Variant: rt.variant, Inv: inv, Channel: ch, Logger: log}
	final := Chain(
		r.handler(rt.variant),
		MWPanicRecover(log),
		MWRequestLog(log),
		MWTimeout(r.timeout),
	)
	if err := final(ctx, req); err != nil {
		log.Error("command failed", logx.Err(err))
		r.edit(ctx, log, inv, transport.Reply{Description: MsgCommandError})
		return
	}
	r.edit(ctx, log, inv, req.Reply)
}

func (r *Router) alertChannel(ctx context.Context, t *tenant.Tenant) (transport.Channel, error) {
	conn, ok := r.conns.Conn(t.Key)
	if !ok || conn == nil {
		return nil, errors.New("no connection for tenant")
	}
	return conn.Channel(ctx, t.ChannelID)
}

// edit delivers the final reply, detached from a handler deadline that may have passed.
func (r *Router) edit(ctx context.Context, log logx.Logger, inv transport.Invocation, reply transport.Reply) {
	ectx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
	defer cancel()
	if err := inv.Responder.Edit(ectx, reply); err != nil {
		log.Warn("edit reply failed", logx.Err(err))
	}
}
