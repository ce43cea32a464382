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
	"context"
	"fmt"
	"testing"
	"time"

	goerrors "github.com/agilira/go-errors"
	"github.com/rs/zerolog"
)

type evalCall struct {
	script string
	keys   []string
	args   []interface{}
}

type setexCall struct {
	key   string
	value string
	ttl   time.Duration
}

// fakeCommander is an in-memory stand-in for the Redis client. Every method
// honours err so tests can fail the whole surface at once.
type fakeCommander struct {
	err error

	evalReply interface{}
	evalCalls []evalCall

	getVal   string
	getFound bool
	ttlVal   time.Duration

	hash     map[string]string
	hsetArgs [][]interface{}

	existsN    int64
	setexCalls []setexCall

	scanPages   [][]string
	scanCursors []uint64
	scanCall    int
	delKeys     [][]string

	pingErr error
	closed  bool
}

func (f *fakeCommander) Eval(ctx context.Context, script string, keys []string, args ...interface{}) (interface{}, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.evalCalls = append(f.evalCalls, evalCall{
		script: script,
		keys:   append([]string{}, keys...),
		args:   append([]interface{}{}, args...),
	})
	return f.evalReply, nil
}

func (f *fakeCommander) Get(ctx context.Context, key string) (string, bool, error) {
	if f.err != nil {
		return "", false, f.err
	}
	return f.getVal, f.getFound, nil
}

func (f *fakeCommander) TTL(ctx context.Context, key string) (time.Duration, error) {
	if f.err != nil {
		return 0, f.err
	}
	return f.ttlVal, nil
}

func (f *fakeCommander) HSet(ctx context.Context, key string, values ...interface{}) error {
	if f.err != nil {
		return f.err
	}
	f.hsetArgs = append(f.hsetArgs, values)
	return nil
}

func (f *fakeCommander) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.hash, nil
}

func (f *fakeCommander) Exists(ctx context.Context, keys ...string) (int64, error) {
	if f.err != nil {
		return 0, f.err
	}
	return f.existsN, nil
}

func (f *fakeCommander) SetEx(ctx context.Context, key, value string, ttl time.Duration) error {
	if f.err != nil {
		return f.err
	}
	f.setexCalls = append(f.setexCalls, setexCall{key: key, value: value, ttl: ttl})
	return nil
}

func (f *fakeCommander) Scan(ctx context.Context, cursor uint64, match string, count int64) ([]string, uint64, error) {
	if f.err != nil {
		return nil, 0, f.err
	}
	i := f.scanCall
	f.scanCall++
	if i >= len(f.scanPages) {
		return nil, 0, nil
	}
	return f.scanPages[i], f.scanCursors[i], nil
}

func (f *fakeCommander) Del(ctx context.Context, keys ...string) (int64, error) {
	if f.err != nil {
		return 0, f.err
	}
	f.delKeys = append(f.delKeys, append([]string{}, keys...))
	return int64(len(keys)), nil
}

func (f *fakeCommander) Ping(ctx context.Context) error {
	return f.pingErr
}

func (f *fakeCommander) Close() error {
	f.closed = true
	return nil
}

func newTestClient(fake *fakeCommander, opts Options) *Client {
	return New(fake, opts, zerolog.Nop())
}

func TestCheckAndIncrement_Allowed(t *testing.T) {
	fake := &fakeCommander{evalReply: []interface{}{int64(1), int64(3), int64(1700000060)}}
	c := newTestClient(fake, Options{})

	d, err := c.CheckAndIncrement(context.Background(), "demo_free_user", 20, time.Minute)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !d.Allowed || d.Count != 3 || d.Reset != 1700000060 {
		t.Fatalf("unexpected decision: %+v", d)
	}

	call := fake.evalCalls[0]
	if call.keys[0] != "rate_limit:user:demo_free_user" {
		t.Fatalf("unexpected key: %v", call.keys)
	}
	if call.args[0] != int64(60) {
		t.Fatalf("window arg: %v", call.args[0])
	}
	if call.args[1] != int64(20) {
		t.Fatalf("limit arg: %v", call.args[1])
	}
}

func TestCheckAndIncrement_Denied(t *testing.T) {
	fake := &fakeCommander{evalReply: []interface{}{int64(0), int64(20), int64(1700000060)}}
	c := newTestClient(fake, Options{})

	d, err := c.CheckAndIncrement(context.Background(), "demo_free_user", 20, time.Minute)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.Allowed {
		t.Fatal("expected denial")
	}
	if d.Count != 20 {
		t.Fatalf("count: %d", d.Count)
	}
}

func TestCheckAndIncrement_BadReply(t *testing.T) {
	fake := &fakeCommander{evalReply: "nonsense"}
	c := newTestClient(fake, Options{})

	if _, err := c.CheckAndIncrement(context.Background(), "u", 10, time.Minute); err == nil {
		t.Fatal("expected error for malformed script reply")
	}
}

func TestCheckAndIncrement_StoreErrorIsCoded(t *testing.T) {
	fake := &fakeCommander{err: fmt.Errorf("connection refused")}
	c := newTestClient(fake, Options{})

	_, err := c.CheckAndIncrement(context.Background(), "u", 10, time.Minute)
	if err == nil || !goerrors.HasCode(err, ErrCodeStoreUnavailable) {
		t.Fatalf("expected STORE_UNAVAILABLE, got %v", err)
	}
}

func TestBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	fake := &fakeCommander{err: fmt.Errorf("down")}
	c := newTestClient(fake, Options{FailureThreshold: 3, ResetTimeout: time.Hour})

	for i := 0; i < 3; i++ {
		if _, err := c.CheckAndIncrement(context.Background(), "u", 10, time.Minute); !goerrors.HasCode(err, ErrCodeStoreUnavailable) {
			t.Fatalf("call %d: %v", i, err)
		}
	}
	if c.BreakerState() != BreakerOpen {
		t.Fatalf("breaker state: %v", c.BreakerState())
	}

	// Open circuit rejects without reaching the commander.
	before := len(fake.evalCalls)
	_, err := c.CheckAndIncrement(context.Background(), "u", 10, time.Minute)
	if !goerrors.HasCode(err, ErrCodeCircuitOpen) {
		t.Fatalf("expected CIRCUIT_OPEN, got %v", err)
	}
	if len(fake.evalCalls) != before {
		t.Fatal("open circuit must not touch the store")
	}
}

func TestBreaker_HalfOpenProbeCloses(t *testing.T) {
	fake := &fakeCommander{err: fmt.Errorf("down")}
	c := newTestClient(fake, Options{FailureThreshold: 1, ResetTimeout: 10 * time.Millisecond})

	if _, err := c.CheckAndIncrement(context.Background(), "u", 10, time.Minute); err == nil {
		t.Fatal("expected failure")
	}
	if c.BreakerState() != BreakerOpen {
		t.Fatalf("breaker state: %v", c.BreakerState())
	}

	time.Sleep(30 * time.Millisecond)
	fake.err = nil
	fake.evalReply = []interface{}{int64(1), int64(1), int64(0)}

	if _, err := c.CheckAndIncrement(context.Background(), "u", 10, time.Minute); err != nil {
		t.Fatalf("probe should pass: %v", err)
	}
	if c.BreakerState() != BreakerClosed {
		t.Fatalf("breaker state after probe: %v", c.BreakerState())
	}
}

func TestSetHealth(t *testing.T) {
	fake := &fakeCommander{evalReply: []interface{}{"status", "DEGRADED", "timestamp", "1700000000", "updated_by", "ops"}}
	c := newTestClient(fake, Options{})

	got, err := c.SetHealth(context.Background(), "DEGRADED", 5*time.Minute, "ops")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got["status"] != "DEGRADED" || got["updated_by"] != "ops" {
		t.Fatalf("unexpected hash: %v", got)
	}
	if len(fake.hsetArgs) != 1 {
		t.Fatalf("expected updated_by HSET, got %d calls", len(fake.hsetArgs))
	}
	call := fake.evalCalls[0]
	if call.keys[0] != HealthKey {
		t.Fatalf("key: %v", call.keys)
	}
	if call.args[0] != "DEGRADED" {
		t.Fatalf("status arg: %v", call.args[0])
	}
	if call.args[2] != int64(300) {
		t.Fatalf("ttl arg: %v", call.args[2])
	}
}

func TestGetHealth_Empty(t *testing.T) {
	fake := &fakeCommander{hash: map[string]string{}}
	c := newTestClient(fake, Options{})

	got, err := c.GetHealth(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected empty hash, got %v", got)
	}
}

func TestBumpAbuse(t *testing.T) {
	fake := &fakeCommander{evalReply: int64(4)}
	c := newTestClient(fake, Options{})

	count, err := c.BumpAbuse(context.Background(), "203.0.113.9", 5*time.Minute)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if count != 4 {
		t.Fatalf("count: %d", count)
	}
	call := fake.evalCalls[0]
	if call.keys[0] != "security:invalid_keys:203.0.113.9" {
		t.Fatalf("key: %v", call.keys)
	}
	if call.args[0] != int64(300) {
		t.Fatalf("ttl arg: %v", call.args[0])
	}
}

func TestIsBlocked(t *testing.T) {
	c := newTestClient(&fakeCommander{existsN: 1}, Options{})
	blocked, err := c.IsBlocked(context.Background(), "203.0.113.9")
	if err != nil || !blocked {
		t.Fatalf("blocked=%v err=%v", blocked, err)
	}

	c = newTestClient(&fakeCommander{existsN: 0}, Options{})
	blocked, err = c.IsBlocked(context.Background(), "203.0.113.9")
	if err != nil || blocked {
		t.Fatalf("blocked=%v err=%v", blocked, err)
	}
}

func TestBlock(t *testing.T) {
	fake := &fakeCommander{}
	c := newTestClient(fake, Options{})

	if err := c.Block(context.Background(), "203.0.113.9", 15*time.Minute); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	call := fake.setexCalls[0]
	if call.key != "security:blocked_ip:203.0.113.9" || call.value != "1" || call.ttl != 15*time.Minute {
		t.Fatalf("unexpected setex: %+v", call)
	}
}

func TestResetCounters_PagesThroughScan(t *testing.T) {
	fake := &fakeCommander{
		scanPages:   [][]string{{"rate_limit:user:u:60", "rate_limit:user:u:120"}, {"rate_limit:user:u:180"}},
		scanCursors: []uint64{42, 0},
	}
	c := newTestClient(fake, Options{})

	deleted, err := c.ResetCounters(context.Background(), "u")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if deleted != 3 {
		t.Fatalf("deleted: %d", deleted)
	}
	if len(fake.delKeys) != 2 {
		t.Fatalf("del batches: %d", len(fake.delKeys))
	}
}

func TestStatus(t *testing.T) {
	fake := &fakeCommander{getVal: "7", getFound: true, ttlVal: 30 * time.Second}
	c := newTestClient(fake, Options{})

	u, err := c.Status(context.Background(), "u", time.Minute)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if u.Count != 7 || u.TTL != 30*time.Second {
		t.Fatalf("usage: %+v", u)
	}
	if u.WindowEnd-u.WindowStart != 60 {
		t.Fatalf("window bounds: %+v", u)
	}
	if u.WindowStart%60 != 0 {
		t.Fatalf("window start not aligned: %d", u.WindowStart)
	}
}

func TestHealthyAndClose(t *testing.T) {
	fake := &fakeCommander{}
	c := newTestClient(fake, Options{})

	if !c.Healthy(context.Background()) {
		t.Fatal("expected healthy")
	}
	fake.pingErr = fmt.Errorf("down")
	if c.Healthy(context.Background()) {
		t.Fatal("expected unhealthy")
	}
	if err := c.Close(); err != nil || !fake.closed {
		t.Fatalf("close: %v %v", err, fake.closed)
	}
}
