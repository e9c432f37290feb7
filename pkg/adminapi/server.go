// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package adminapi serves the operator HTTP API: health, Prometheus metrics,
// correlation lookups and hot reload of dedicated Mattermost accounts.
package adminapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/aiku/chatrelay/pkg/connector/mattermost"
	"github.com/aiku/chatrelay/pkg/relay"
)

// maxReloadBodySize is the maximum request body for account reloads (1 MB).
const maxReloadBodySize = 1 << 20

// Store is the read side of the correlation store.
type Store interface {
	OriginOf(ctx context.Context, target relay.ChatIdentity) (*relay.ChatIdentity, error)
	RelaysOf(ctx context.Context, source relay.ChatIdentity) ([]relay.ChatIdentity, error)
	CountEdges(ctx context.Context) (int, error)
	Ping(ctx context.Context) error
}

// AccountReloader manages dedicated Mattermost accounts.
type AccountReloader interface {
	ReloadAccounts(ctx context.Context) (added, removed int)
	ReloadAccountsFrom(ctx context.Context, entries []mattermost.AccountEntry) (added, removed int)
	AccountCount() int
}

// Params holds the collaborators of a Server. Accounts and Personas may be nil.
type Params struct {
	Store    Store
	Adapters *relay.AdapterContext
	Accounts AccountReloader
	Personas *relay.PersonaManager
	Log      zerolog.Logger
}

// Server is the admin API.
type Server struct {
	store    Store
	adapters *relay.AdapterContext
	accounts AccountReloader
	personas *relay.PersonaManager
	log      zerolog.Logger
	router   *chi.Mux
}

// New builds the router.
func New(p Params) *Server {
	s := &Server{
		store:    p.Store,
		adapters: p.Adapters,
		accounts: p.Accounts,
		personas: p.Personas,
		log:      p.Log.With().Str("component", "adminapi").Logger(),
	}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(requestLogger(s.log))
	r.Use(chimw.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())
	r.Route("/api", func(r chi.Router) {
		r.Get("/relays", s.handleRelays)
		r.Get("/stats", s.handleStats)
		r.Post("/reload-accounts", s.handleReloadAccounts)
	})
	s.router = r
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	server := &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", addr).Msg("Starting admin API")
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	}
}

func requestLogger(log zerolog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			defer func() {
				log.Debug().
					Str("method", r.Method).
					Str("path", r.URL.Path).
					Int("status", ww.Status()).
					Dur("latency", time.Since(start)).
					Str("request_id", chimw.GetReqID(r.Context())).
					Str("remote_addr", r.RemoteAddr).
					Msg("Request completed")
			}()
			next.ServeHTTP(ww, r)
		})
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Warn().Err(err).Msg("Failed to write response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

type healthResponse struct {
	Status   string            `json:"status"`
	Checks   map[string]string `json:"checks"`
	Adapters string            `json:"adapters"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	resp := healthResponse{Status: "healthy", Checks: map[string]string{}}
	status := http.StatusOK
	if err := s.store.Ping(ctx); err != nil {
		resp.Checks["database"] = "fail"
		resp.Status = "degraded"
		status = http.StatusServiceUnavailable
	} else {
		resp.Checks["database"] = "pass"
	}
	resp.Adapters = s.adapters.State().String()
	if s.adapters.State() != relay.AdaptersReady {
		resp.Status = "degraded"
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, resp)
}

type relaysResponse struct {
	Identity relay.ChatIdentity   `json:"identity"`
	Origin   *relay.ChatIdentity  `json:"origin"`
	Relays   []relay.ChatIdentity `json:"relays"`
}

// handleRelays looks up the relay group of a message. Relays lists the
// copies of the origin, or of the message itself when it is an origin.
func (s *Server) handleRelays(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	identity := relay.ChatIdentity{
		Service:   q.Get("service"),
		ServerID:  q.Get("server"),
		RoomID:    q.Get("room"),
		MessageID: q.Get("message"),
	}
	if identity.Service == "" || identity.RoomID == "" || identity.MessageID == "" {
		s.writeError(w, http.StatusBadRequest, "service, room and message are required")
		return
	}

	ctx := r.Context()
	origin, err := s.store.OriginOf(ctx, identity)
	if err != nil {
		s.lookupFailed(w, identity, err)
		return
	}
	source := identity
	if origin != nil {
		source = *origin
	}
	relays, err := s.store.RelaysOf(ctx, source)
	if err != nil {
		s.lookupFailed(w, identity, err)
		return
	}
	if relays == nil {
		relays = []relay.ChatIdentity{}
	}
	s.writeJSON(w, http.StatusOK, relaysResponse{Identity: identity, Origin: origin, Relays: relays})
}

func (s *Server) lookupFailed(w http.ResponseWriter, identity relay.ChatIdentity, err error) {
	s.log.Error().Err(err).Object("identity", identity).Msg("Relay lookup failed")
	if errors.Is(err, relay.ErrIntegrity) {
		s.writeError(w, http.StatusConflict, err.Error())
		return
	}
	s.writeError(w, http.StatusInternalServerError, "lookup failed")
}

type statsResponse struct {
	Edges    int      `json:"edges"`
	Adapters string   `json:"adapters"`
	Services []string `json:"services"`
	Puppets  int      `json:"puppets"`
	Accounts int      `json:"accounts"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	edges, err := s.store.CountEdges(r.Context())
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to count edges")
		s.writeError(w, http.StatusInternalServerError, "failed to count edges")
		return
	}
	resp := statsResponse{
		Edges:    edges,
		Adapters: s.adapters.State().String(),
		Services: s.adapters.Services(),
	}
	if s.personas != nil {
		resp.Puppets = s.personas.PuppetCount()
	}
	if s.accounts != nil {
		resp.Accounts = s.accounts.AccountCount()
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// handleReloadAccounts accepts an optional JSON list of account entries. An
// empty body reloads from the environment.
func (s *Server) handleReloadAccounts(w http.ResponseWriter, r *http.Request) {
	if s.accounts == nil {
		s.writeError(w, http.StatusNotImplemented, "mattermost is not enabled")
		return
	}
	s.log.Info().
		Str("remote_addr", r.RemoteAddr).
		Str("content_length", r.Header.Get("Content-Length")).
		Msg("Account reload requested")

	var entries []mattermost.AccountEntry
	if r.Body != nil && r.ContentLength != 0 {
		r.Body = http.MaxBytesReader(w, r.Body, maxReloadBodySize)
		defer r.Body.Close()
		body, err := io.ReadAll(r.Body)
		if err != nil {
			s.writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		if len(body) > 0 {
			if err := json.Unmarshal(body, &entries); err != nil {
				s.writeError(w, http.StatusBadRequest, "invalid JSON")
				return
			}
		}
	}

	ctx := r.Context()
	var added, removed int
	source := "env"
	if len(entries) > 0 {
		source = "body"
		added, removed = s.accounts.ReloadAccountsFrom(ctx, entries)
	} else {
		added, removed = s.accounts.ReloadAccounts(ctx)
	}
	s.log.Info().Str("source", source).Int("added", added).Int("removed", removed).Msg("Accounts reloaded")

	s.writeJSON(w, http.StatusOK, map[string]int{
		"added":   added,
		"removed": removed,
		"total":   s.accounts.AccountCount(),
	})
}
