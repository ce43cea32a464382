// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package api is the HTTP surface of the rate limiter: the admission
// middleware pipeline, the demo endpoint it protects, and the admin and
// observability endpoints that sit outside the limited perimeter.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"ratelimiter/internal/abuse"
	"ratelimiter/internal/engine"
	"ratelimiter/internal/health"
	"ratelimiter/internal/store"
	"ratelimiter/internal/telemetry"
)

// AdminStore is the slice of the store client the admin surface needs.
type AdminStore interface {
	ResetCounters(ctx context.Context, identity string) (int64, error)
	Healthy(ctx context.Context) bool
	BreakerState() store.BreakerState
}

// Server handles the HTTP requests for the rate limiter service.
type Server struct {
	engine *engine.Engine
	abuse  *abuse.Limiter
	oracle *health.Oracle
	store  AdminStore
	log    zerolog.Logger

	apiKeyHeader string
	exclude      []string
	adminKey     string
	reloadConfig func() error
}

// Options configures the HTTP surface.
type Options struct {
	// APIKeyHeader is the header carrying the key; default X-API-Key.
	APIKeyHeader string

	// ExcludePaths lists paths outside the limited perimeter; see the
	// middleware for pattern semantics.
	ExcludePaths []string

	// AdminKey, when non-empty, gates the /admin surface: requests must
	// carry it in X-Admin-Key or the admin_key query parameter.
	AdminKey string

	// ReloadConfig, when set, backs POST /admin/config/reload.
	ReloadConfig func() error
}

// NewServer creates and configures a new API server.
func NewServer(eng *engine.Engine, ab *abuse.Limiter, oracle *health.Oracle, st AdminStore, opts Options, log zerolog.Logger) *Server {
	if opts.APIKeyHeader == "" {
		opts.APIKeyHeader = "X-API-Key"
	}
	if opts.ExcludePaths == nil {
		opts.ExcludePaths = []string{"/health", "/metrics", "/admin/*"}
	}
	return &Server{
		engine:       eng,
		abuse:        ab,
		oracle:       oracle,
		store:        st,
		log:          log,
		apiKeyHeader: opts.APIKeyHeader,
		exclude:      opts.ExcludePaths,
		adminKey:     opts.AdminKey,
		reloadConfig: opts.ReloadConfig,
	}
}

// Handler builds the full routing and middleware stack.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/health", s.handleLiveness).Methods(http.MethodGet)
	r.Handle("/metrics", telemetry.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/api/test", s.handleTest).Methods(http.MethodGet)

	admin := r.PathPrefix("/admin").Subrouter()
	admin.Use(s.requireAdmin)
	admin.HandleFunc("/health", s.handleGetHealth).Methods(http.MethodGet)
	admin.HandleFunc("/health", s.handleSetHealth).Methods(http.MethodPost)
	admin.HandleFunc("/config/reload", s.handleReloadConfig).Methods(http.MethodPost)
	admin.HandleFunc("/users/{id}/reset", s.handleResetUser).Methods(http.MethodPost)
	admin.HandleFunc("/users/{id}/status", s.handleUserStatus).Methods(http.MethodGet)

	var h http.Handler = r
	h = s.withRateLimit(h)
	h = s.withRecovery(h)
	h = s.withRequestID(h)
	return h
}

// ListenAndServe runs the server until the context is cancelled, then
// drains in-flight requests.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", addr).Msg("rate limiter API listening")
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	}
}

// handleLiveness reports the process and its store dependency. It answers
// 200 even when the store is down: the service still serves fallback
// decisions, and restarting it would not help.
func (s *Server) handleLiveness(w http.ResponseWriter, r *http.Request) {
	storeHealthy := s.store.Healthy(r.Context())
	status := "healthy"
	if !storeHealthy {
		status = "degraded"
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": status,
		"components": map[string]interface{}{
			"store":   storeHealthy,
			"breaker": s.store.BreakerState().String(),
		},
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// handleTest is the demo endpoint behind the limiter. It echoes back the
// identity and the decision so clients can observe their budget.
func (s *Server) handleTest(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{
		"message":    "Hello! Your request was processed successfully.",
		"timestamp":  time.Now().UTC().Format(time.RFC3339),
		"request_id": RequestID(r.Context()),
	}
	if id, ok := IdentityFrom(r.Context()); ok {
		resp["user_info"] = map[string]interface{}{
			"user_id": id.Name,
			"tier":    id.Tier.String(),
		}
	}
	if d, ok := DecisionFrom(r.Context()); ok {
		resp["rate_limit_info"] = map[string]interface{}{
			"limit":     d.Limit,
			"remaining": d.Remaining,
			"reset":     d.Reset,
			"fallback":  d.Fallback,
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeError emits the JSON error shape shared by every rejection.
// retryAfter > 0 additionally sets the Retry-After header.
func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string, retryAfter int64) {
	body := map[string]interface{}{
		"error":      message,
		"error_code": code,
		"request_id": RequestID(r.Context()),
	}
	if retryAfter > 0 {
		w.Header().Set("Retry-After", strconv.FormatInt(retryAfter, 10))
		body["retry_after"] = retryAfter
	}
	writeJSON(w, status, body)
}
