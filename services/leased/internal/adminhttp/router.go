// Package adminhttp serves health, metrics and lease inspection endpoints.
package adminhttp

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/netip"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"leased/services/leased/internal/lease"
	"leased/services/leased/internal/server"
)

// LeaseSource is the read side of the lease engine.
type LeaseSource interface {
	Leases() []lease.Binding
	Stats() server.Stats
	ServerIP() netip.Addr
}

// Config wires the router's collaborators.
type Config struct {
	Source LeaseSource
	// Ready reports whether every component has started. Nil means always.
	Ready   func() bool
	Metrics http.Handler
	// Middleware wraps the whole router, outermost first.
	Middleware []func(http.Handler) http.Handler
	Now        func() time.Time
}

type admin struct {
	source LeaseSource
	ready  func() bool
	now    func() time.Time
}

// Lease is the JSON form of a binding.
type Lease struct {
	IP               string    `json:"ip"`
	MAC              string    `json:"mac"`
	ExpiresAt        time.Time `json:"expires_at"`
	ExpiresInSeconds int64     `json:"expires_in_seconds"`
}

// Stats is the JSON form of server.Stats.
type Stats struct {
	ServerIP     string `json:"server_ip"`
	Leases       int    `json:"leases"`
	Provisional  int    `json:"provisional"`
	Transactions int    `json:"transactions"`
	PoolSize     int    `json:"pool_size"`
}

// NewRouter builds the admin handler.
func NewRouter(cfg Config) (http.Handler, error) {
	if cfg.Source == nil {
		return nil, errors.New("lease source is required")
	}
	a := &admin{source: cfg.Source, ready: cfg.Ready, now: cfg.Now}
	if a.ready == nil {
		a.ready = func() bool { return true }
	}
	if a.now == nil {
		a.now = time.Now
	}

	r := chi.NewRouter()
	for _, mw := range cfg.Middleware {
		r.Use(mw)
	}
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(10 * time.Second))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Get("/readyz", a.handleReady)
	if cfg.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", cfg.Metrics)
	}

	r.Route("/v1", func(r chi.Router) {
		r.Get("/leases", a.handleLeases)
		r.Get("/leases/{ip}", a.handleLease)
		r.Get("/stats", a.handleStats)
	})

	return r, nil
}

func (a *admin) handleReady(w http.ResponseWriter, r *http.Request) {
	if a.ready() {
		w.WriteHeader(http.StatusOK)
		return
	}
	http.Error(w, "components not ready", http.StatusServiceUnavailable)
}

func (a *admin) handleLeases(w http.ResponseWriter, r *http.Request) {
	now := a.now()
	bindings := a.source.Leases()
	out := make([]Lease, 0, len(bindings))
	for _, b := range bindings {
		out = append(out, toLease(b, now))
	}
	respondJSON(w, http.StatusOK, map[string]any{"leases": out})
}

func (a *admin) handleLease(w http.ResponseWriter, r *http.Request) {
	ip, err := netip.ParseAddr(strings.TrimSpace(chi.URLParam(r, "ip")))
	if err != nil {
		respondError(w, http.StatusBadRequest, fmt.Errorf("invalid ip: %w", err))
		return
	}
	now := a.now()
	for _, b := range a.source.Leases() {
		if b.IP == ip {
			respondJSON(w, http.StatusOK, toLease(b, now))
			return
		}
	}
	respondError(w, http.StatusNotFound, fmt.Errorf("no lease for %s", ip))
}

func (a *admin) handleStats(w http.ResponseWriter, r *http.Request) {
	s := a.source.Stats()
	respondJSON(w, http.StatusOK, Stats{
		ServerIP:     a.source.ServerIP().String(),
		Leases:       s.Leases,
		Provisional:  s.Provisional,
		Transactions: s.Transactions,
		PoolSize:     s.PoolSize,
	})
}

func toLease(b lease.Binding, now time.Time) Lease {
	remaining := b.ExpiresAt.Sub(now)
	if remaining < 0 {
		remaining = 0
	}
	return Lease{
		IP:               b.IP.String(),
		MAC:              b.MAC.String(),
		ExpiresAt:        b.ExpiresAt.UTC(),
		ExpiresInSeconds: int64(remaining / time.Second),
	}
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, err error) {
	if err == nil {
		err = errors.New("unknown error")
	}
	respondJSON(w, status, map[string]any{"error": err.Error()})
}
