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

// Package engine is the admission core: authenticate an API key, pick the
// effective limit from the policy and the current health, and spend one
// unit of budget in the shared store. When the store cannot answer, the
// engine admits with a conservative fallback decision rather than failing
// the request.
package engine

import (
	"context"
	"regexp"
	"strings"
	"time"

	"github.com/agilira/go-errors"
	"github.com/agilira/go-timecache"
	"github.com/rs/zerolog"

	"ratelimiter/internal/directory"
	"ratelimiter/internal/policy"
	"ratelimiter/internal/store"
	"ratelimiter/internal/telemetry"
)

// Store is the slice of the store client the engine needs.
type Store interface {
	CheckAndIncrement(ctx context.Context, identity string, limit int64, window time.Duration) (store.Decision, error)
	Status(ctx context.Context, identity string, window time.Duration) (store.Usage, error)
}

// HealthOracle answers the current global health.
type HealthOracle interface {
	Status(ctx context.Context) policy.Health
}

// keyFormat gates API keys before any lookup: 10 to 200 characters from
// the URL-safe alphabet.
var keyFormat = regexp.MustCompile(`^[A-Za-z0-9_-]{10,200}$`)

// fallbackDesc covers identities whose tier has no configured descriptor.
var fallbackDesc = policy.Descriptor{Base: 10, Burst: 10, Degraded: 2, Window: time.Minute}

// Decision is the outcome of one admission check.
type Decision struct {
	Allowed   bool
	Limit     int64
	Remaining int64
	Reset     int64 // unix seconds
	Count     int64
	Health    policy.Health
	Fallback  bool // admitted without a store answer
}

// Engine ties the directory, the policy, the health oracle, and the store
// into one decision per request.
type Engine struct {
	dir    *directory.Directory
	store  Store
	oracle HealthOracle
	log    zerolog.Logger
}

// New returns an Engine over the given collaborators.
func New(dir *directory.Directory, st Store, oracle HealthOracle, log zerolog.Logger) *Engine {
	return &Engine{dir: dir, store: st, oracle: oracle, log: log}
}

// Authenticate validates the raw header value and resolves it to an
// identity. present is false when the header was absent entirely. The value
// is trimmed before classification, so a whitespace-only header reads as
// empty and a padded key still resolves.
func (e *Engine) Authenticate(apiKey string, present bool) (directory.Identity, error) {
	if !present {
		return directory.Identity{}, errors.New(ErrCodeMissingKey, "API key required")
	}
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return directory.Identity{}, errors.New(ErrCodeEmptyKey, "API key must not be empty")
	}
	if !keyFormat.MatchString(apiKey) {
		return directory.Identity{}, errors.New(ErrCodeMalformedKey, "API key format is invalid")
	}
	id, ok := e.dir.Resolve(apiKey)
	if !ok {
		return directory.Identity{}, errors.New(ErrCodeInvalidKey, "API key is not recognized")
	}
	return id, nil
}

// Check spends one unit of the identity's budget and returns the decision.
// A store failure admits the request with Remaining pinned to 1 so clients
// see pressure without being refused; the window reset is estimated
// locally since the store could not say.
func (e *Engine) Check(ctx context.Context, id directory.Identity) Decision {
	started := time.Now()
	defer func() { telemetry.ObserveDecision(time.Since(started)) }()

	desc := id.Desc
	if desc.Window <= 0 {
		desc = fallbackDesc
	}
	health := e.oracle.Status(ctx)
	limit := policy.EffectiveLimit(id.Tier, desc, health)

	d, err := e.store.CheckAndIncrement(ctx, id.Name, limit, desc.Window)
	if err != nil {
		e.log.Warn().Err(err).Str("identity", id.Name).Msg("store unavailable, admitting on fallback")
		telemetry.ObserveRequest(telemetry.OutcomeFallback)
		now := timecache.CachedTimeNano() / int64(time.Second)
		return Decision{
			Allowed:   true,
			Limit:     limit,
			Remaining: 1,
			Reset:     now + int64(desc.Window.Seconds()),
			Health:    health,
			Fallback:  true,
		}
	}

	remaining := limit - d.Count
	if remaining < 0 {
		remaining = 0
	}
	if d.Allowed {
		telemetry.ObserveRequest(telemetry.OutcomeAdmitted)
	} else {
		telemetry.ObserveRequest(telemetry.OutcomeLimited)
	}
	return Decision{
		Allowed:   d.Allowed,
		Limit:     limit,
		Remaining: remaining,
		Reset:     d.Reset,
		Count:     d.Count,
		Health:    health,
	}
}

// IdentityStatus is the admin view of one identity's current window.
type IdentityStatus struct {
	Identity    string
	Tier        policy.Tier
	Limit       int64
	Count       int64
	Remaining   int64
	WindowStart int64
	WindowEnd   int64
	TTL         time.Duration
	Health      policy.Health
}

// Status reads an identity's usage without spending budget. The boolean is
// false when the identity is not in the directory.
func (e *Engine) Status(ctx context.Context, identity string) (IdentityStatus, bool, error) {
	tier, desc, ok := e.dir.Lookup(identity)
	if !ok {
		return IdentityStatus{}, false, nil
	}
	if desc.Window <= 0 {
		desc = fallbackDesc
	}
	health := e.oracle.Status(ctx)
	limit := policy.EffectiveLimit(tier, desc, health)

	u, err := e.store.Status(ctx, identity, desc.Window)
	if err != nil {
		return IdentityStatus{}, true, err
	}
	remaining := limit - u.Count
	if remaining < 0 {
		remaining = 0
	}
	return IdentityStatus{
		Identity:    identity,
		Tier:        tier,
		Limit:       limit,
		Count:       u.Count,
		Remaining:   remaining,
		WindowStart: u.WindowStart,
		WindowEnd:   u.WindowEnd,
		TTL:         u.TTL,
		Health:      health,
	}, true, nil
}
