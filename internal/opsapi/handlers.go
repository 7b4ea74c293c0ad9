package opsapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"watchbot/internal/task/scheduler"
	"watchbot/internal/tenant"
)

type tenantView struct {
	Key             string     `json:"key"`
	Label           string     `json:"label"`
	Kind            string     `json:"kind"`
	Source          string     `json:"source"`
	Command         string     `json:"command"`
	Ready           bool       `json:"ready"`
	LastURL         *string    `json:"lastUrl"`
	LastAnnouncedAt *time.Time `json:"lastAnnouncedAt"`
}

type healthView struct {
	OK        bool               `json:"ok"`
	Tenants   int                `json:"tenants"`
	Ready     int                `json:"ready"`
	Scheduler scheduler.Snapshot `json:"scheduler"`
}

func respondJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	h := healthView{OK: true}
	if s.deps.Registry != nil {
		for _, t := range s.deps.Registry.All() {
			h.Tenants++
			if t.Ready() {
				h.Ready++
			}
		}
	}
	if s.deps.Ticker != nil {
		h.Scheduler = s.deps.Ticker.Snapshot()
	}
	respondJSON(w, http.StatusOK, h)
}

func (s *Server) view(r *http.Request, t *tenant.Tenant) tenantView {
	v := tenantView{
		Key:     t.Key,
		Label:   t.Label,
		Kind:    string(t.Kind),
		Source:  t.SourceID(),
		Command: t.Command,
		Ready:   t.Ready(),
	}
	if s.deps.States != nil {
		st := s.deps.States.Read(r.Context(), t.Key)
		if st.LastURL != "" {
			u := st.LastURL
			v.LastURL = &u
		}
		v.LastAnnouncedAt = st.LastAnnouncedAt
	}
	return v
}

func (s *Server) handleTenants(w http.ResponseWriter, r *http.Request) {
	out := []tenantView{}
	if s.deps.Registry != nil {
		for _, t := range s.deps.Registry.All() {
			out = append(out, s.view(r, t))
		}
	}
	respondJSON(w, http.StatusOK, out)
}

func (s *Server) handleTenant(w http.ResponseWriter, r *http.Request) {
	if s.deps.Registry == nil {
		respondJSON(w, http.StatusNotFound, map[string]string{"error": "tenant not found"})
		return
	}
	t, ok := s.deps.Registry.Get(chi.URLParam(r, "key"))
	if !ok {
		respondJSON(w, http.StatusNotFound, map[string]string{"error": "tenant not found"})
		return
	}
	respondJSON(w, http.StatusOK, s.view(r, t))
}

func (s *Server) handleAnnouncements(w http.ResponseWriter, r *http.Request) {
	if s.deps.History == nil {
		respondJSON(w, http.StatusOK, []any{})
		return
	}
	respondJSON(w, http.StatusOK, s.deps.History.Snapshot())
}

func (s *Server) handleTick(w http.ResponseWriter, r *http.Request) {
	if s.deps.Ticker == nil {
		respondJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "scheduler not running"})
		return
	}
	s.mu.Lock()
	base := s.base
	s.mu.Unlock()

	err := s.deps.Ticker.TriggerAsync(base)
	switch {
	case errors.Is(err, scheduler.ErrTickInFlight):
		respondJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
	case err != nil:
		respondJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
	default:
		s.log.Info("manual tick triggered")
		respondJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
	}
}
