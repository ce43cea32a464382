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

// Package health caches the global health state read from the shared store.
// The admission path asks on every request, so reads go through a short
// TTL cache; a fetch failure resolves to NORMAL rather than degrading
// every caller because the store blinked.
package health

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agilira/go-timecache"
	"github.com/rs/zerolog"

	"ratelimiter/internal/policy"
)

// Store is the slice of the store client the oracle needs.
type Store interface {
	GetHealth(ctx context.Context) (map[string]string, error)
	SetHealth(ctx context.Context, status string, ttl time.Duration, updatedBy string) (map[string]string, error)
}

// State is one observation of the global health, raw fields included for
// the admin surface.
type State struct {
	Health    policy.Health
	Status    string
	Timestamp int64
	UpdatedBy string
}

type snapshot struct {
	state     State
	fetchedAt int64 // unix nanos
}

// Oracle is a read-through cache over the store's health hash.
type Oracle struct {
	store Store
	ttl   time.Duration
	log   zerolog.Logger

	current atomic.Pointer[snapshot]
	mu      sync.Mutex // serialises refreshes; readers never block on it
}

// New returns an Oracle with the given cache TTL; non-positive defaults to 2s.
func New(store Store, ttl time.Duration, log zerolog.Logger) *Oracle {
	if ttl <= 0 {
		ttl = 2 * time.Second
	}
	return &Oracle{store: store, ttl: ttl, log: log}
}

// Status returns the health state the admission path should act on. Stale
// or absent cache triggers a refresh; concurrent callers behind the
// refresher reuse whatever snapshot is current rather than queueing.
func (o *Oracle) Status(ctx context.Context) policy.Health {
	if snap := o.current.Load(); snap != nil && o.fresh(snap) {
		return snap.state.Health
	}
	return o.refresh(ctx, false).Health
}

// Snapshot returns the full health state for admin reporting, bypassing
// the cache so operators see the store's truth.
func (o *Oracle) Snapshot(ctx context.Context) State {
	return o.refresh(ctx, true)
}

// Set writes a new health state through to the store and republishes the
// cache immediately, so this instance acts on its own write without
// waiting out the TTL.
func (o *Oracle) Set(ctx context.Context, status string, ttl time.Duration, updatedBy string) (State, error) {
	raw, err := o.store.SetHealth(ctx, status, ttl, updatedBy)
	if err != nil {
		return State{}, err
	}
	state := fromHash(raw)
	o.publish(state)
	o.log.Info().
		Str("status", state.Status).
		Str("updated_by", state.UpdatedBy).
		Dur("auto_reset", ttl).
		Msg("system health updated")
	return state, nil
}

func (o *Oracle) refresh(ctx context.Context, force bool) State {
	o.mu.Lock()
	defer o.mu.Unlock()

	// Another caller may have refreshed while we waited for the lock.
	if snap := o.current.Load(); !force && snap != nil && o.fresh(snap) {
		return snap.state
	}

	raw, err := o.store.GetHealth(ctx)
	if err != nil {
		o.log.Warn().Err(err).Msg("health fetch failed, assuming NORMAL")
		state := State{
			Health:    policy.HealthNormal,
			Status:    policy.HealthNormal.String(),
			Timestamp: o.nowUnix(),
			UpdatedBy: "fallback",
		}
		o.publish(state)
		return state
	}
	state := fromHash(raw)
	o.publish(state)
	return state
}

func (o *Oracle) publish(state State) {
	o.current.Store(&snapshot{state: state, fetchedAt: timecache.CachedTimeNano()})
}

func (o *Oracle) fresh(snap *snapshot) bool {
	return timecache.CachedTimeNano()-snap.fetchedAt < int64(o.ttl)
}

func (o *Oracle) nowUnix() int64 {
	return timecache.CachedTimeNano() / int64(time.Second)
}

// fromHash maps the stored hash to a State. An empty hash means no state
// was ever set (or it expired), which reads as NORMAL.
func fromHash(raw map[string]string) State {
	if len(raw) == 0 || raw["status"] == "" {
		return State{
			Health:    policy.HealthNormal,
			Status:    policy.HealthNormal.String(),
			Timestamp: timecache.CachedTimeNano() / int64(time.Second),
			UpdatedBy: "system",
		}
	}
	ts, _ := strconv.ParseInt(raw["timestamp"], 10, 64)
	return State{
		Health:    policy.ParseHealth(raw["status"]),
		Status:    raw["status"],
		Timestamp: ts,
		UpdatedBy: raw["updated_by"],
	}
}
