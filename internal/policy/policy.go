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

// Package policy maps (tier, system health) pairs to effective rate limits.
// The mapping is pure data: tier names and health states are parsed once into
// small enums at the edge, and the hot path is a table lookup with no string
// comparisons and no I/O.
package policy

import "time"

// Health is the global system health state that modulates limits.
type Health uint8

const (
	// HealthUnknown covers unparseable or absent health values; the policy
	// collapses it to the safe base limit.
	HealthUnknown Health = iota
	HealthNormal
	HealthDegraded
)

// ParseHealth maps the stored health string to a Health value.
// Anything other than the two known states parses as HealthUnknown.
func ParseHealth(s string) Health {
	switch s {
	case "NORMAL":
		return HealthNormal
	case "DEGRADED":
		return HealthDegraded
	default:
		return HealthUnknown
	}
}

func (h Health) String() string {
	switch h {
	case HealthNormal:
		return "NORMAL"
	case HealthDegraded:
		return "DEGRADED"
	default:
		return "UNKNOWN"
	}
}

// Tier is a named category of identity. Unknown tier names map to TierUnknown
// so that the policy never branches on raw strings.
type Tier uint8

const (
	TierUnknown Tier = iota
	TierFree
	TierPro
	TierEnterprise
)

// ParseTier maps a configured tier name to its enum value.
func ParseTier(name string) Tier {
	switch name {
	case "free":
		return TierFree
	case "pro":
		return TierPro
	case "enterprise":
		return TierEnterprise
	default:
		return TierUnknown
	}
}

func (t Tier) String() string {
	switch t {
	case TierFree:
		return "free"
	case TierPro:
		return "pro"
	case TierEnterprise:
		return "enterprise"
	default:
		return "unknown"
	}
}

// Descriptor holds the three numeric limits and the window for one tier.
// Invariants (enforced by config validation): Base >= 1, Burst >= Base,
// Degraded >= 1, Window > 0.
type Descriptor struct {
	Base     int64
	Burst    int64
	Degraded int64
	Window   time.Duration
}

// limitClass selects which descriptor field an (health, tier) cell resolves to.
type limitClass uint8

const (
	classBase limitClass = iota
	classBurst
	classDegraded
)

// table is the whole policy, literalised: rows are health states, columns are
// tiers (index order matches the enum declarations above).
//
//	           unknown  free      pro    enterprise
//	UNKNOWN    base     base      base   base
//	NORMAL     base     burst     burst  burst
//	DEGRADED   base     degraded  base   base
var table = [3][4]limitClass{
	HealthUnknown:  {classBase, classBase, classBase, classBase},
	HealthNormal:   {classBase, classBurst, classBurst, classBurst},
	HealthDegraded: {classBase, classDegraded, classBase, classBase},
}

// EffectiveLimit returns the limit to enforce for the current request.
// It is a pure function of its inputs.
func EffectiveLimit(tier Tier, desc Descriptor, health Health) int64 {
	switch table[health][tier] {
	case classBurst:
		return desc.Burst
	case classDegraded:
		return desc.Degraded
	default:
		return desc.Base
	}
}
