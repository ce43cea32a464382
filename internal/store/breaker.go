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

package store

import (
	"sync"
	"time"

	"github.com/agilira/go-timecache"
)

// BreakerState is the circuit breaker's position.
type BreakerState uint8

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// Breaker guards the shared store. After failureThreshold consecutive
// failures it opens and rejects calls without touching the network; after
// resetTimeout a single probe is let through (half-open) and its outcome
// decides whether the circuit closes again.
type Breaker struct {
	mu               sync.Mutex
	state            BreakerState
	failures         int
	lastFailure      time.Time
	failureThreshold int
	resetTimeout     time.Duration
}

// NewBreaker returns a closed breaker. Non-positive arguments fall back to
// the defaults of 5 failures and a 60s reset timeout.
func NewBreaker(failureThreshold int, resetTimeout time.Duration) *Breaker {
	if failureThreshold <= 0 {
		failureThreshold = 5
	}
	if resetTimeout <= 0 {
		resetTimeout = 60 * time.Second
	}
	return &Breaker{failureThreshold: failureThreshold, resetTimeout: resetTimeout}
}

// Allow reports whether a call may proceed. In the open state it flips to
// half-open once the reset timeout has elapsed, admitting exactly one probe;
// further callers are rejected until Success or Failure settles the circuit.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		return true
	case BreakerOpen:
		if b.now().Sub(b.lastFailure) > b.resetTimeout {
			b.state = BreakerHalfOpen
			return true
		}
		return false
	default:
		// Half-open: the transition above already admitted the single
		// probe; everyone else waits for its outcome.
		return false
	}
}

// Success records a successful call and closes the circuit.
func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.state = BreakerClosed
}

// Failure records a failed call. The circuit opens once consecutive
// failures reach the threshold; a failed half-open probe reopens it
// immediately.
func (b *Breaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	b.lastFailure = b.now()
	if b.state == BreakerHalfOpen || b.failures >= b.failureThreshold {
		b.state = BreakerOpen
	}
}

// State returns the current position for telemetry and admin reporting.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) now() time.Time {
	return time.Unix(0, timecache.CachedTimeNano())
}
