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
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	goerrors "github.com/agilira/go-errors"
	"github.com/google/uuid"

	"ratelimiter/internal/directory"
	"ratelimiter/internal/engine"
	"ratelimiter/internal/telemetry"
)

type contextKey int

const (
	ctxKeyRequestID contextKey = iota
	ctxKeyIdentity
	ctxKeyDecision
)

// RequestID returns the request's trace id, if the middleware assigned one.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(ctxKeyRequestID).(string)
	return id
}

// IdentityFrom returns the authenticated identity stored by the limiter
// middleware.
func IdentityFrom(ctx context.Context) (directory.Identity, bool) {
	id, ok := ctx.Value(ctxKeyIdentity).(directory.Identity)
	return id, ok
}

// DecisionFrom returns the admission decision stored by the limiter
// middleware.
func DecisionFrom(ctx context.Context) (engine.Decision, bool) {
	d, ok := ctx.Value(ctxKeyDecision).(engine.Decision)
	return d, ok
}

// withRequestID assigns a trace id to every request and echoes it back in
// the response headers.
func (s *Server) withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := uuid.NewString()
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKeyRequestID, id)))
	})
}

// withRecovery converts handler panics into a JSON 500 instead of a
// dropped connection.
func (s *Server) withRecovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.log.Error().
					Interface("panic", rec).
					Str("path", r.URL.Path).
					Str("request_id", RequestID(r.Context())).
					Msg("handler panicked")
				writeError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR",
					"An unexpected error occurred while processing your request", 0)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// withRateLimit is the admission pipeline: exclusion, block check,
// authentication, abuse accounting, and the budget spend, in that order.
func (s *Server) withRateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if excluded(r.URL.Path, s.exclude) {
			next.ServeHTTP(w, r)
			return
		}

		ctx := r.Context()
		source := clientIP(r)
		log := s.log.With().
			Str("request_id", RequestID(ctx)).
			Str("source", source).
			Str("path", r.URL.Path).
			Logger()

		if s.abuse.IsBlocked(ctx, source) {
			log.Warn().Msg("blocked source attempted access")
			telemetry.ObserveRequest(telemetry.OutcomeBlocked)
			s.writeBlocked(w, r)
			return
		}

		apiKey, present := headerValue(r, s.apiKeyHeader)
		id, err := s.engine.Authenticate(apiKey, present)
		if err != nil {
			code := rejectionCode(err)
			log.Warn().Str("error_code", string(code)).Msg("api key rejected")
			telemetry.ObserveRequest(telemetry.OutcomeRejected)

			// Every identity failure counts against the source's abuse
			// budget, missing headers included.
			if s.abuse.RegisterFailure(ctx, source) {
				s.writeBlocked(w, r)
				return
			}
			writeError(w, r, engine.HTTPStatus(code), string(code), err.Error(), 0)
			return
		}

		decision := s.engine.Check(ctx, id)
		setLimitHeaders(w, decision)
		if !decision.Allowed {
			retryAfter := decision.Reset - time.Now().Unix()
			if retryAfter < 1 {
				retryAfter = 1
			}
			log.Warn().
				Str("identity", id.Name).
				Int64("limit", decision.Limit).
				Msg("rate limit exceeded")
			s.writeLimited(w, r, decision, retryAfter)
			return
		}

		ctx = context.WithValue(ctx, ctxKeyIdentity, id)
		ctx = context.WithValue(ctx, ctxKeyDecision, decision)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) writeBlocked(w http.ResponseWriter, r *http.Request) {
	retryAfter := int64(s.abuse.BlockDuration().Seconds())
	writeError(w, r, http.StatusTooManyRequests, string(engine.ErrCodeIPBlocked),
		"Too many invalid API key attempts. Source temporarily blocked.", retryAfter)
}

// writeLimited is the 429 body for an exhausted budget; unlike the generic
// error shape it carries a separate human-readable message alongside the
// short error.
func (s *Server) writeLimited(w http.ResponseWriter, r *http.Request, d engine.Decision, retryAfter int64) {
	w.Header().Set("Retry-After", strconv.FormatInt(retryAfter, 10))
	writeJSON(w, http.StatusTooManyRequests, map[string]interface{}{
		"error":       "Rate limit exceeded",
		"error_code":  string(engine.ErrCodeRateLimited),
		"message":     fmt.Sprintf("You have exceeded the rate limit of %d requests in the current window.", d.Limit),
		"retry_after": retryAfter,
		"request_id":  RequestID(r.Context()),
	})
}

// setLimitHeaders publishes the decision on every limited response,
// allowed or not.
func setLimitHeaders(w http.ResponseWriter, d engine.Decision) {
	h := w.Header()
	h.Set("X-RateLimit-Limit", strconv.FormatInt(d.Limit, 10))
	h.Set("X-RateLimit-Remaining", strconv.FormatInt(d.Remaining, 10))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(d.Reset, 10))
}

// headerValue distinguishes an absent header from a present-but-empty one.
func headerValue(r *http.Request, name string) (string, bool) {
	vals, ok := r.Header[http.CanonicalHeaderKey(name)]
	if !ok || len(vals) == 0 {
		return "", false
	}
	return vals[0], true
}

// rejectionCode extracts the engine's rejection code from an error.
func rejectionCode(err error) goerrors.ErrorCode {
	var coded *goerrors.Error
	if errors.As(err, &coded) {
		return coded.Code
	}
	return "INTERNAL_ERROR"
}

// excluded matches a request path against the exclusion patterns. Paths are
// compared with trailing slashes stripped; a pattern ending in "/*" matches
// the prefix itself and everything beneath it.
func excluded(path string, patterns []string) bool {
	normalized := normalizePath(path)
	for _, pattern := range patterns {
		if strings.HasSuffix(pattern, "/*") {
			prefix := normalizePath(strings.TrimSuffix(pattern, "/*"))
			if normalized == prefix || strings.HasPrefix(normalized, prefix+"/") {
				return true
			}
			continue
		}
		if normalized == normalizePath(pattern) {
			return true
		}
	}
	return false
}

func normalizePath(p string) string {
	trimmed := strings.TrimRight(p, "/")
	if trimmed == "" {
		return "/"
	}
	return trimmed
}

// clientIP resolves the request source, trusting proxy headers when
// present: first hop of X-Forwarded-For, then X-Real-IP, then the socket
// peer.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if first, _, found := strings.Cut(fwd, ","); found || first != "" {
			return strings.TrimSpace(first)
		}
	}
	if real := r.Header.Get("X-Real-IP"); real != "" {
		return real
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		if r.RemoteAddr != "" {
			return r.RemoteAddr
		}
		return "unknown"
	}
	return host
}
