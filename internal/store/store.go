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

// Package store is the shared-store layer: atomic counter updates, the
// system health hash, and the security keys, all behind a circuit breaker.
// Counter updates run as Lua scripts so the read-check-increment sequence is
// atomic across every limiter instance sharing the store.
package store

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/agilira/go-errors"
	"github.com/agilira/go-timecache"
	"github.com/rs/zerolog"

	"ratelimiter/internal/telemetry"
)

// Error codes surfaced by store operations. Callers decide the failure
// posture (fail open or fail closed); the store only reports.
const (
	ErrCodeCircuitOpen      errors.ErrorCode = "CIRCUIT_OPEN"
	ErrCodeStoreUnavailable errors.ErrorCode = "STORE_UNAVAILABLE"
)

// Key layout helpers (public for interoperability with ops tooling).
func UserKey(identity string) string         { return "rate_limit:user:" + identity }
func InvalidKeyCounter(source string) string { return "security:invalid_keys:" + source }
func BlockedKey(source string) string        { return "security:blocked_ip:" + source }

// HealthKey is the hash holding the global health state.
const HealthKey = "system:health"

// checkScript is the fixed-window admission decision. One round trip: read
// the window counter, compare against the limit, and increment only when
// under it. The TTL repair on the limit branch heals counters whose EXPIRE
// was lost; the +1 on the increment branch keeps a counter alive across the
// window boundary so late readers still see it.
const checkScript = `
local key = KEYS[1]
local window = tonumber(ARGV[1])
local limit = tonumber(ARGV[2])
local current_time = tonumber(ARGV[3])

local window_start = math.floor(current_time / window) * window
local window_key = key .. ":" .. window_start

local current = redis.call('GET', window_key)
if current == false then
    current = 0
else
    current = tonumber(current)
end

if current >= limit then
    local ttl = redis.call('TTL', window_key)
    if ttl == -1 then
        redis.call('EXPIRE', window_key, window)
    end
    return {0, current, window_start + window}
end

local new_count = redis.call('INCR', window_key)
redis.call('EXPIRE', window_key, window + 1)

return {1, new_count, window_start + window}
`

// healthScript writes the health state and returns the stored hash, so the
// caller sees exactly what every other instance will read.
const healthScript = `
local key = KEYS[1]
local new_status = ARGV[1]
local timestamp = ARGV[2]
local ttl = tonumber(ARGV[3])

redis.call('HSET', key, 'status', new_status, 'timestamp', timestamp)

if ttl > 0 then
    redis.call('EXPIRE', key, ttl)
end

return redis.call('HGETALL', key)
`

// bumpScript increments a security counter, arming the TTL only on the
// first increment so the window is anchored to the first failure.
const bumpScript = `
local key = KEYS[1]
local ttl = tonumber(ARGV[1])

local count = redis.call('INCR', key)
if count == 1 then
    redis.call('EXPIRE', key, ttl)
end
return count
`

// Decision is the outcome of one counter check.
type Decision struct {
	Allowed bool
	Count   int64
	Reset   int64 // unix seconds when the window rolls over
}

// Usage is a read-only view of an identity's current window.
type Usage struct {
	Count       int64
	WindowStart int64
	WindowEnd   int64
	TTL         time.Duration
}

// Client wraps a Commander with the circuit breaker and per-operation
// deadlines. All methods are safe for concurrent use.
type Client struct {
	cmd       Commander
	breaker   *Breaker
	opTimeout time.Duration
	log       zerolog.Logger
}

// Options configures a store client.
type Options struct {
	// OpTimeout bounds each store round trip. Default 5ms.
	OpTimeout time.Duration

	// FailureThreshold and ResetTimeout tune the circuit breaker;
	// zero values take the breaker defaults.
	FailureThreshold int
	ResetTimeout     time.Duration
}

// New returns a Client over the given Commander.
func New(cmd Commander, opts Options, log zerolog.Logger) *Client {
	if opts.OpTimeout <= 0 {
		opts.OpTimeout = 5 * time.Millisecond
	}
	return &Client{
		cmd:       cmd,
		breaker:   NewBreaker(opts.FailureThreshold, opts.ResetTimeout),
		opTimeout: opts.OpTimeout,
		log:       log,
	}
}

// execute runs one store operation under the breaker and the op deadline.
func (c *Client) execute(ctx context.Context, op string, fn func(context.Context) error) error {
	if !c.breaker.Allow() {
		telemetry.ObserveStoreError(op)
		return errors.NewWithField(ErrCodeCircuitOpen, "circuit breaker is open", "op", op)
	}
	opCtx, cancel := context.WithTimeout(ctx, c.opTimeout)
	defer cancel()

	err := fn(opCtx)
	if err != nil {
		c.breaker.Failure()
		telemetry.ObserveStoreError(op)
		telemetry.SetCircuitState(float64(c.breaker.State()))
		c.log.Error().Err(err).Str("op", op).Msg("store operation failed")
		return errors.Wrap(err, ErrCodeStoreUnavailable, "store operation failed").WithContext("op", op)
	}
	c.breaker.Success()
	telemetry.SetCircuitState(float64(c.breaker.State()))
	return nil
}

// CheckAndIncrement runs the admission script for one identity. The counter
// is incremented only when the decision is allow, so denied requests never
// consume budget.
func (c *Client) CheckAndIncrement(ctx context.Context, identity string, limit int64, window time.Duration) (Decision, error) {
	var d Decision
	err := c.execute(ctx, "check_and_increment", func(ctx context.Context) error {
		res, err := c.cmd.Eval(ctx, checkScript,
			[]string{UserKey(identity)},
			int64(window.Seconds()), limit, c.nowUnix())
		if err != nil {
			return err
		}
		vals, ok := res.([]interface{})
		if !ok || len(vals) != 3 {
			return fmt.Errorf("unexpected script reply %T", res)
		}
		d.Allowed = toInt64(vals[0]) == 1
		d.Count = toInt64(vals[1])
		d.Reset = toInt64(vals[2])
		return nil
	})
	return d, err
}

// Status reads an identity's current window without consuming budget.
func (c *Client) Status(ctx context.Context, identity string, window time.Duration) (Usage, error) {
	var u Usage
	err := c.execute(ctx, "status", func(ctx context.Context) error {
		windowSeconds := int64(window.Seconds())
		windowStart := (c.nowUnix() / windowSeconds) * windowSeconds
		windowKey := fmt.Sprintf("%s:%d", UserKey(identity), windowStart)

		val, found, err := c.cmd.Get(ctx, windowKey)
		if err != nil {
			return err
		}
		if found {
			u.Count, _ = strconv.ParseInt(val, 10, 64)
		}
		ttl, err := c.cmd.TTL(ctx, windowKey)
		if err != nil {
			return err
		}
		if ttl > 0 {
			u.TTL = ttl
		}
		u.WindowStart = windowStart
		u.WindowEnd = windowStart + windowSeconds
		return nil
	})
	return u, err
}

// SetHealth writes the global health state. A positive ttl arms
// auto-recovery: when the hash expires, readers fall back to NORMAL.
func (c *Client) SetHealth(ctx context.Context, status string, ttl time.Duration, updatedBy string) (map[string]string, error) {
	out := make(map[string]string)
	err := c.execute(ctx, "set_health", func(ctx context.Context) error {
		if updatedBy != "" {
			if err := c.cmd.HSet(ctx, HealthKey, "updated_by", updatedBy); err != nil {
				return err
			}
		}
		res, err := c.cmd.Eval(ctx, healthScript,
			[]string{HealthKey},
			status, strconv.FormatInt(c.nowUnix(), 10), int64(ttl.Seconds()))
		if err != nil {
			return err
		}
		vals, ok := res.([]interface{})
		if !ok {
			return fmt.Errorf("unexpected script reply %T", res)
		}
		for i := 0; i+1 < len(vals); i += 2 {
			out[fmt.Sprint(vals[i])] = fmt.Sprint(vals[i+1])
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// GetHealth reads the raw health hash. An empty map means no state is set;
// the health oracle maps both that and errors to NORMAL.
func (c *Client) GetHealth(ctx context.Context) (map[string]string, error) {
	var out map[string]string
	err := c.execute(ctx, "get_health", func(ctx context.Context) error {
		m, err := c.cmd.HGetAll(ctx, HealthKey)
		if err != nil {
			return err
		}
		out = m
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// BumpAbuse increments the invalid-key counter for a source and returns the
// count within the current abuse window.
func (c *Client) BumpAbuse(ctx context.Context, source string, ttl time.Duration) (int64, error) {
	var count int64
	err := c.execute(ctx, "bump_abuse", func(ctx context.Context) error {
		res, err := c.cmd.Eval(ctx, bumpScript, []string{InvalidKeyCounter(source)}, int64(ttl.Seconds()))
		if err != nil {
			return err
		}
		count = toInt64(res)
		return nil
	})
	return count, err
}

// IsBlocked reports whether a source is currently serving a block.
func (c *Client) IsBlocked(ctx context.Context, source string) (bool, error) {
	var blocked bool
	err := c.execute(ctx, "is_blocked", func(ctx context.Context) error {
		n, err := c.cmd.Exists(ctx, BlockedKey(source))
		if err != nil {
			return err
		}
		blocked = n > 0
		return nil
	})
	return blocked, err
}

// Block places a source under a temporary block.
func (c *Client) Block(ctx context.Context, source string, duration time.Duration) error {
	err := c.execute(ctx, "block", func(ctx context.Context) error {
		return c.cmd.SetEx(ctx, BlockedKey(source), "1", duration)
	})
	if err == nil {
		telemetry.ObserveBlockedSource()
		c.log.Warn().Str("source", source).Dur("duration", duration).Msg("source blocked")
	}
	return err
}

// ResetCounters removes every window counter for an identity and returns
// how many keys were deleted. Admin-only; it scans rather than guessing
// window boundaries so stale counters from older window sizes go too.
func (c *Client) ResetCounters(ctx context.Context, identity string) (int64, error) {
	var deleted int64
	err := c.execute(ctx, "reset_counters", func(ctx context.Context) error {
		match := UserKey(identity) + ":*"
		var cursor uint64
		for {
			keys, next, err := c.cmd.Scan(ctx, cursor, match, 100)
			if err != nil {
				return err
			}
			if len(keys) > 0 {
				n, err := c.cmd.Del(ctx, keys...)
				if err != nil {
					return err
				}
				deleted += n
			}
			if next == 0 {
				return nil
			}
			cursor = next
		}
	})
	return deleted, err
}

// Healthy reports whether the store answers a ping. It bypasses the breaker
// so liveness probes observe the store directly.
func (c *Client) Healthy(ctx context.Context) bool {
	opCtx, cancel := context.WithTimeout(ctx, c.opTimeout)
	defer cancel()
	return c.cmd.Ping(opCtx) == nil
}

// BreakerState exposes the circuit position for admin reporting.
func (c *Client) BreakerState() BreakerState {
	return c.breaker.State()
}

// Close releases the underlying connection pool.
func (c *Client) Close() error {
	return c.cmd.Close()
}

func (c *Client) nowUnix() int64 {
	return timecache.CachedTimeNano() / int64(time.Second)
}

// toInt64 normalises the numeric shapes Lua replies arrive in.
func toInt64(v interface{}) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case string:
		parsed, _ := strconv.ParseInt(n, 10, 64)
		return parsed
	default:
		return 0
	}
}
