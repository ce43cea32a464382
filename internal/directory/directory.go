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

// Package directory maps API keys to identities and identities to tiers.
// The tables are immutable once published; hot reload swaps the whole set
// atomically so a request sees either the old tables or the new ones, never
// a mix.
package directory

import (
	"sync/atomic"

	"ratelimiter/internal/policy"
)

// Identity is a resolved caller: the stable identity string plus its tier
// and the tier's limit descriptor, captured at resolve time.
type Identity struct {
	Name string
	Tier policy.Tier
	Desc policy.Descriptor
}

// tables is one immutable generation of the directory. Descriptors stay
// keyed by the configured tier name: names outside the well-known three all
// parse to TierUnknown, and folding them into one enum key would let their
// descriptors collide.
type tables struct {
	keys  map[string]string            // api key -> identity name
	users map[string]string            // identity name -> tier name
	descs map[string]policy.Descriptor // tier name -> limits
}

// Directory resolves API keys without locking: readers load the current
// generation through an atomic pointer, writers publish a fresh one.
type Directory struct {
	current atomic.Pointer[tables]
}

// New returns a Directory populated from the given tables. See Replace for
// the argument shapes.
func New(users map[string]string, keys map[string]string, descs map[string]policy.Descriptor) *Directory {
	d := &Directory{}
	d.Replace(users, keys, descs)
	return d
}

// Replace atomically publishes a new generation built from configuration
// tables: users maps identity name to tier name, keys maps API key to
// identity name, descs maps tier name to its limit descriptor. In-flight
// resolves keep the generation they already loaded.
func (d *Directory) Replace(users map[string]string, keys map[string]string, descs map[string]policy.Descriptor) {
	next := &tables{
		keys:  make(map[string]string, len(keys)),
		users: make(map[string]string, len(users)),
		descs: make(map[string]policy.Descriptor, len(descs)),
	}
	for name, desc := range descs {
		next.descs[name] = desc
	}
	for user, tier := range users {
		next.users[user] = tier
	}
	for key, user := range keys {
		next.keys[key] = user
	}
	d.current.Store(next)
}

// Resolve looks up the identity behind an API key. The second return is
// false when the key is not in the directory.
func (d *Directory) Resolve(apiKey string) (Identity, bool) {
	t := d.current.Load()
	name, ok := t.keys[apiKey]
	if !ok {
		return Identity{}, false
	}
	tierName := t.users[name]
	return Identity{
		Name: name,
		Tier: policy.ParseTier(tierName),
		Desc: t.descs[tierName],
	}, true
}

// Lookup returns the tier and descriptor for a known identity name. Admin
// status reads use it to report limits without an API key in hand.
func (d *Directory) Lookup(name string) (policy.Tier, policy.Descriptor, bool) {
	t := d.current.Load()
	tierName, ok := t.users[name]
	if !ok {
		return policy.TierUnknown, policy.Descriptor{}, false
	}
	return policy.ParseTier(tierName), t.descs[tierName], true
}

// Descriptor returns the limit descriptor for a configured tier name in the
// current generation.
func (d *Directory) Descriptor(tierName string) (policy.Descriptor, bool) {
	desc, ok := d.current.Load().descs[tierName]
	return desc, ok
}
