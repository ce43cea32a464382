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

// Package telemetry exposes the limiter's Prometheus metrics. All functions
// are safe to call from hot paths; label sets are fixed and small so
// cardinality stays bounded.
package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Request outcomes for the requests_total counter.
const (
	OutcomeAdmitted = "admitted"
	OutcomeLimited  = "limited"
	OutcomeRejected = "rejected" // authentication failures
	OutcomeBlocked  = "blocked"  // source is serving a block
	OutcomeFallback = "fallback" // admitted without a store decision
)

var (
	requestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ratelimiter_requests_total",
		Help: "Requests seen by the limiter, partitioned by decision outcome",
	}, []string{"outcome"})

	storeErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ratelimiter_store_errors_total",
		Help: "Shared store operation failures, partitioned by operation",
	}, []string{"op"})

	circuitState = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ratelimiter_circuit_state",
		Help: "Circuit breaker position: 0 closed, 1 open, 2 half-open",
	})

	blockedSourcesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ratelimiter_blocked_sources_total",
		Help: "Sources placed under a temporary block for repeated invalid keys",
	})

	decisionSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "ratelimiter_decision_seconds",
		Help:    "Wall time spent producing an admission decision",
		Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25},
	})
)

func init() {
	prometheus.MustRegister(requestsTotal, storeErrorsTotal, circuitState, blockedSourcesTotal, decisionSeconds)
}

// ObserveRequest records one decision outcome.
func ObserveRequest(outcome string) {
	requestsTotal.WithLabelValues(outcome).Inc()
}

// ObserveStoreError records a failed store operation.
func ObserveStoreError(op string) {
	storeErrorsTotal.WithLabelValues(op).Inc()
}

// SetCircuitState publishes the breaker position.
func SetCircuitState(state float64) {
	circuitState.Set(state)
}

// ObserveBlockedSource records a newly blocked source.
func ObserveBlockedSource() {
	blockedSourcesTotal.Inc()
}

// ObserveDecision records how long an admission decision took.
func ObserveDecision(d time.Duration) {
	decisionSeconds.Observe(d.Seconds())
}

// Handler returns the scrape endpoint handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
