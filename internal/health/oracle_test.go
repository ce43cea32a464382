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

package health

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"ratelimiter/internal/policy"
)

type fakeStore struct {
	hash     map[string]string
	getErr   error
	getCalls int

	setErr   error
	setCalls int
	lastSet  struct {
		status    string
		ttl       time.Duration
		updatedBy string
	}
}

func (f *fakeStore) GetHealth(ctx context.Context) (map[string]string, error) {
	f.getCalls++
	if f.getErr != nil {
		return nil, f.getErr
	}
	return f.hash, nil
}

func (f *fakeStore) SetHealth(ctx context.Context, status string, ttl time.Duration, updatedBy string) (map[string]string, error) {
	f.setCalls++
	if f.setErr != nil {
		return nil, f.setErr
	}
	f.lastSet.status = status
	f.lastSet.ttl = ttl
	f.lastSet.updatedBy = updatedBy
	f.hash = map[string]string{"status": status, "timestamp": "1700000000", "updated_by": updatedBy}
	return f.hash, nil
}

func TestStatus_ReadsDegraded(t *testing.T) {
	fake := &fakeStore{hash: map[string]string{"status": "DEGRADED", "timestamp": "1700000000", "updated_by": "ops"}}
	o := New(fake, time.Second, zerolog.Nop())

	if got := o.Status(context.Background()); got != policy.HealthDegraded {
		t.Fatalf("status: %v", got)
	}
}

func TestStatus_EmptyHashIsNormal(t *testing.T) {
	fake := &fakeStore{hash: map[string]string{}}
	o := New(fake, time.Second, zerolog.Nop())

	if got := o.Status(context.Background()); got != policy.HealthNormal {
		t.Fatalf("status: %v", got)
	}
}

func TestStatus_FetchFailureIsNormal(t *testing.T) {
	fake := &fakeStore{getErr: fmt.Errorf("store down")}
	o := New(fake, time.Second, zerolog.Nop())

	if got := o.Status(context.Background()); got != policy.HealthNormal {
		t.Fatalf("status: %v", got)
	}
	snap := o.Snapshot(context.Background())
	if snap.UpdatedBy != "fallback" {
		t.Fatalf("snapshot: %+v", snap)
	}
}

func TestStatus_CachesWithinTTL(t *testing.T) {
	fake := &fakeStore{hash: map[string]string{"status": "DEGRADED"}}
	o := New(fake, time.Hour, zerolog.Nop())

	for i := 0; i < 50; i++ {
		o.Status(context.Background())
	}
	if fake.getCalls != 1 {
		t.Fatalf("expected a single fetch, got %d", fake.getCalls)
	}
}

func TestStatus_RefreshesAfterTTL(t *testing.T) {
	fake := &fakeStore{hash: map[string]string{"status": "NORMAL"}}
	o := New(fake, 10*time.Millisecond, zerolog.Nop())

	o.Status(context.Background())
	fake.hash = map[string]string{"status": "DEGRADED"}
	time.Sleep(30 * time.Millisecond)

	if got := o.Status(context.Background()); got != policy.HealthDegraded {
		t.Fatalf("status after TTL: %v", got)
	}
	if fake.getCalls != 2 {
		t.Fatalf("fetches: %d", fake.getCalls)
	}
}

func TestSet_WritesThroughAndRepublishes(t *testing.T) {
	fake := &fakeStore{hash: map[string]string{"status": "NORMAL"}}
	o := New(fake, time.Hour, zerolog.Nop())

	// Prime the cache with NORMAL.
	if got := o.Status(context.Background()); got != policy.HealthNormal {
		t.Fatalf("status: %v", got)
	}

	state, err := o.Set(context.Background(), "DEGRADED", 5*time.Minute, "ops")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if state.Health != policy.HealthDegraded || state.UpdatedBy != "ops" {
		t.Fatalf("state: %+v", state)
	}
	if fake.lastSet.ttl != 5*time.Minute {
		t.Fatalf("ttl: %v", fake.lastSet.ttl)
	}

	// The cache must reflect the write immediately, without a refetch.
	if got := o.Status(context.Background()); got != policy.HealthDegraded {
		t.Fatalf("status after set: %v", got)
	}
	if fake.getCalls != 1 {
		t.Fatalf("fetches: %d", fake.getCalls)
	}
}

func TestSet_StoreErrorPropagates(t *testing.T) {
	fake := &fakeStore{setErr: fmt.Errorf("store down")}
	o := New(fake, time.Second, zerolog.Nop())

	if _, err := o.Set(context.Background(), "DEGRADED", 0, "ops"); err == nil {
		t.Fatal("expected error")
	}
}

func TestUnknownStatusParsesAsUnknown(t *testing.T) {
	fake := &fakeStore{hash: map[string]string{"status": "PANIC"}}
	o := New(fake, time.Second, zerolog.Nop())

	if got := o.Status(context.Background()); got != policy.HealthUnknown {
		t.Fatalf("status: %v", got)
	}
}
