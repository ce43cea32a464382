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

package api

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"ratelimiter/internal/policy"
)

// requireAdmin gates the admin surface on the configured admin key. With no
// key configured the surface stays open, which suits local demos; deployments
// set ADMIN_API_KEY.
func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.adminKey == "" {
			next.ServeHTTP(w, r)
			return
		}
		supplied := r.Header.Get("X-Admin-Key")
		if supplied == "" {
			supplied = r.URL.Query().Get("admin_key")
		}
		if subtle.ConstantTimeCompare([]byte(supplied), []byte(s.adminKey)) != 1 {
			writeError(w, r, http.StatusForbidden, "ADMIN_FORBIDDEN", "Admin access denied", 0)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// setHealthRequest is the body of POST /admin/health.
type setHealthRequest struct {
	Status     string `json:"status"`
	TTLSeconds int64  `json:"ttl_seconds"`
	UpdatedBy  string `json:"updated_by"`
}

// handleGetHealth reports the store's health state plus this instance's
// breaker position.
func (s *Server) handleGetHealth(w http.ResponseWriter, r *http.Request) {
	state := s.oracle.Snapshot(r.Context())
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"system_health": map[string]interface{}{
			"status":     state.Status,
			"timestamp":  state.Timestamp,
			"updated_by": state.UpdatedBy,
		},
		"health_check": map[string]interface{}{
			"store":   s.store.Healthy(r.Context()),
			"breaker": s.store.BreakerState().String(),
		},
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// handleSetHealth flips the global health state. Only the two known states
// are accepted; a TTL arms auto-recovery back to NORMAL.
func (s *Server) handleSetHealth(w http.ResponseWriter, r *http.Request) {
	var req setHealthRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_REQUEST", "Request body is not valid JSON", 0)
		return
	}
	if policy.ParseHealth(req.Status) == policy.HealthUnknown {
		writeError(w, r, http.StatusBadRequest, "INVALID_REQUEST", "status must be NORMAL or DEGRADED", 0)
		return
	}
	if req.TTLSeconds < 0 {
		writeError(w, r, http.StatusBadRequest, "INVALID_REQUEST", "ttl_seconds must not be negative", 0)
		return
	}
	updatedBy := req.UpdatedBy
	if updatedBy == "" {
		updatedBy = "admin_api"
	}

	state, err := s.oracle.Set(r.Context(), req.Status, time.Duration(req.TTLSeconds)*time.Second, updatedBy)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "HEALTH_UPDATE_FAILED", "Failed to update health status", 0)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message": "System health updated to " + state.Status,
		"health_status": map[string]interface{}{
			"status":     state.Status,
			"timestamp":  state.Timestamp,
			"updated_by": state.UpdatedBy,
		},
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// handleReloadConfig re-reads the configuration document and republishes
// the directory on success. The previous tables stay in effect on failure.
func (s *Server) handleReloadConfig(w http.ResponseWriter, r *http.Request) {
	if s.reloadConfig == nil {
		writeError(w, r, http.StatusNotImplemented, "RELOAD_UNAVAILABLE", "No configuration file to reload", 0)
		return
	}
	if err := s.reloadConfig(); err != nil {
		s.log.Error().Err(err).Msg("admin-triggered reload rejected")
		writeError(w, r, http.StatusInternalServerError, "RELOAD_FAILED", err.Error(), 0)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message":   "Configuration reloaded successfully",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// handleResetUser clears every window counter for one identity.
func (s *Server) handleResetUser(w http.ResponseWriter, r *http.Request) {
	identity := mux.Vars(r)["id"]
	if _, known, _ := s.engine.Status(r.Context(), identity); !known {
		writeError(w, r, http.StatusNotFound, "USER_NOT_FOUND", "User "+identity+" not found", 0)
		return
	}

	deleted, err := s.store.ResetCounters(r.Context(), identity)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "RESET_FAILED", "Failed to reset rate limit", 0)
		return
	}
	s.log.Info().Str("identity", identity).Int64("deleted", deleted).Msg("rate limit reset")
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message":      "Rate limit reset for user " + identity,
		"user_id":      identity,
		"keys_deleted": deleted,
		"timestamp":    time.Now().UTC().Format(time.RFC3339),
	})
}

// handleUserStatus reports an identity's current window without spending
// budget.
func (s *Server) handleUserStatus(w http.ResponseWriter, r *http.Request) {
	identity := mux.Vars(r)["id"]
	status, known, err := s.engine.Status(r.Context(), identity)
	if !known {
		writeError(w, r, http.StatusNotFound, "USER_NOT_FOUND", "User "+identity+" not found", 0)
		return
	}
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "STATUS_FAILED", "Failed to read rate limit status", 0)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"user_id": status.Identity,
		"tier":    status.Tier.String(),
		"status": map[string]interface{}{
			"limit":        status.Limit,
			"current":      status.Count,
			"remaining":    status.Remaining,
			"window_start": status.WindowStart,
			"window_end":   status.WindowEnd,
			"ttl_seconds":  int64(status.TTL.Seconds()),
		},
		"system_health": status.Health.String(),
		"timestamp":     time.Now().UTC().Format(time.RFC3339),
	})
}
