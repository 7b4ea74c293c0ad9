// Package opsapi serves a small local HTTP API for operators: health, tenant
// state, recent announcements, a manual tick trigger and optional pprof.
package opsapi

import (
	"context"
	"crypto/subtle"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"watchbot/internal/notifier"
	"watchbot/internal/storage"
	"watchbot/internal/task/scheduler"
	"watchbot/internal/tenant"
	logx "watchbot/pkg/logx"
)

const DefaultAddr = "127.0.0.1:8089"

type Config struct {
	Enabled bool
	Addr    string
	// Token is required as a bearer token when set, and mandatory off loopback.
	Token string
	Pprof bool
}

// Ticker is the scheduler surface the API needs.
type Ticker interface {
	TriggerAsync(ctx context.Context) error
	Snapshot() scheduler.Snapshot
}

type StateReader interface {
	Read(ctx context.Context, key string) storage.State
}

type History interface {
	Snapshot() []notifier.HistoryItem
}

type Deps struct {
	Registry *tenant.Registry
	States   StateReader
	Ticker   Ticker
	History  History
}

type Server struct {
	cfg  Config
	deps Deps
	log  logx.Logger

	mu   sync.Mutex
	ln   net.Listener
	srv  *http.Server
	done chan struct{}
	// base is the context manual ticks run under; it outlives the HTTP request.
	base context.Context
}

func New(cfg Config, deps Deps, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Server{cfg: cfg, deps: deps, log: log.With(logx.String("comp", "opsapi")), base: context.Background()}
}

// Addr is the bound listen address, empty when not running.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Start listens and serves in the background. It is a no-op when disabled.
func (s *Server) Start(ctx context.Context) error {
	if !s.cfg.Enabled {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.srv != nil {
		return nil
	}

	addr := strings.TrimSpace(s.cfg.Addr)
	if addr == "" {
		addr = DefaultAddr
	}
	// Prevent accidental public exposure without auth.
	if s.cfg.Token == "" && !isLoopbackAddr(addr) {
		return errors.New("ops api: non-loopback addr requires a token")
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	done := make(chan struct{})
	s.ln, s.srv, s.done, s.base = ln, srv, done, ctx

	go func() {
		defer close(done)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("server stopped with error", logx.Err(err))
		}
	}()
	s.log.Info("ops api started", logx.String("addr", ln.Addr().String()), logx.Bool("token_set", s.cfg.Token != ""), logx.Bool("pprof", s.cfg.Pprof))
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv, done := s.srv, s.done
	s.srv, s.ln, s.done = nil, nil, nil
	s.mu.Unlock()
	if srv == nil {
		return nil
	}

	err := srv.Shutdown(ctx)
	if err != nil {
		_ = srv.Close()
	}
	select {
	case <-done:
	case <-ctx.Done():
	}
	s.log.Info("ops api stopped")
	return err
}

func isLoopbackAddr(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}
	host = strings.Trim(host, "[]")
	if host == "" {
		return false
	}
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// Handler builds the chi router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLog)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/healthz", s.handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(s.auth)
		r.Get("/tenants", s.handleTenants)
		r.Get("/tenants/{key}", s.handleTenant)
		r.Get("/announcements", s.handleAnnouncements)
		r.Post("/tick", s.handleTick)
		if s.cfg.Pprof {
			r.Mount("/debug", middleware.Profiler())
		}
	})
	return r
}

func (s *Server) auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.Token != "" {
			got := strings.TrimSpace(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
			if subtle.ConstantTimeCompare([]byte(got), []byte(s.cfg.Token)) != 1 {
				respondJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Debug("request",
			logx.String("rid", middleware.GetReqID(r.Context())),
			logx.String("method", r.Method),
			logx.String("path", r.URL.Path),
			logx.Int("status", ww.Status()),
			logx.Duration("dur", time.Since(start)),
		)
	})
}
