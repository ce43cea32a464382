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

// Package abuse tracks invalid-key attempts per source and blocks sources
// that keep guessing. The two paths have opposite failure postures: the
// pre-check runs for every request and fails open, while registering a
// failure is already on the error path and fails closed.
package abuse

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Store is the slice of the store client the limiter needs.
type Store interface {
	BumpAbuse(ctx context.Context, source string, ttl time.Duration) (int64, error)
	IsBlocked(ctx context.Context, source string) (bool, error)
	Block(ctx context.Context, source string, duration time.Duration) error
}

// Limiter applies the invalid-key attempt budget.
type Limiter struct {
	store Store
	log   zerolog.Logger

	maxAttempts int64
	window      time.Duration
	blockFor    time.Duration
}

// Options tunes the limiter; zero values take the defaults of 10 attempts
// per 5 minutes and a 15 minute block.
type Options struct {
	MaxAttempts int64
	Window      time.Duration
	BlockFor    time.Duration
}

// New returns a Limiter over the given store.
func New(store Store, opts Options, log zerolog.Logger) *Limiter {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 10
	}
	if opts.Window <= 0 {
		opts.Window = 5 * time.Minute
	}
	if opts.BlockFor <= 0 {
		opts.BlockFor = 15 * time.Minute
	}
	return &Limiter{
		store:       store,
		log:         log,
		maxAttempts: opts.MaxAttempts,
		window:      opts.Window,
		blockFor:    opts.BlockFor,
	}
}

// BlockDuration is how long a newly placed block lasts; the transport layer
// derives Retry-After from it.
func (l *Limiter) BlockDuration() time.Duration {
	return l.blockFor
}

// IsBlocked reports whether the source is serving a block. A store failure
// reads as not blocked: this check gates every request, and an outage must
// not turn into a global denial.
func (l *Limiter) IsBlocked(ctx context.Context, source string) bool {
	blocked, err := l.store.IsBlocked(ctx, source)
	if err != nil {
		l.log.Warn().Err(err).Str("source", source).Msg("block check failed, allowing")
		return false
	}
	return blocked
}

// RegisterFailure counts one invalid-key attempt and reports whether the
// source is now blocked. The budget is inclusive: maxAttempts failures are
// tolerated, and the attempt that exceeds it places the block. A store
// failure reports blocked: the caller is already rejecting the request, and
// an attacker must not get an uncounted window by knocking the store over.
func (l *Limiter) RegisterFailure(ctx context.Context, source string) bool {
	attempts, err := l.store.BumpAbuse(ctx, source, l.window)
	if err != nil {
		l.log.Warn().Err(err).Str("source", source).Msg("abuse counter unavailable, treating as blocked")
		return true
	}
	if attempts <= l.maxAttempts {
		return false
	}
	if err := l.store.Block(ctx, source, l.blockFor); err != nil {
		l.log.Error().Err(err).Str("source", source).Msg("placing block failed")
	}
	l.log.Warn().
		Str("source", source).
		Int64("attempts", attempts).
		Dur("block", l.blockFor).
		Msg("source exceeded invalid key budget")
	return true
}
