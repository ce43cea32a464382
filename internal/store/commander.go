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
	"time"

	redis "github.com/redis/go-redis/v9"
)

// Commander abstracts the minimal command surface the store needs from a
// Redis client. Implementations may wrap github.com/redis/go-redis/v9 or any
// equivalent; tests substitute an in-memory fake.
type Commander interface {
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) (interface{}, error)
	Get(ctx context.Context, key string) (string, bool, error)
	TTL(ctx context.Context, key string) (time.Duration, error)
	HSet(ctx context.Context, key string, values ...interface{}) error
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	Exists(ctx context.Context, keys ...string) (int64, error)
	SetEx(ctx context.Context, key, value string, ttl time.Duration) error
	Scan(ctx context.Context, cursor uint64, match string, count int64) ([]string, uint64, error)
	Del(ctx context.Context, keys ...string) (int64, error)
	Ping(ctx context.Context) error
	Close() error
}

// GoRedisCommander is the production Commander backed by
// github.com/redis/go-redis/v9.
type GoRedisCommander struct{ c *redis.Client }

// NewGoRedisCommander builds a pooled client from connection parameters.
// DialTimeout, read and write timeouts all use opTimeout so a slow store
// surfaces as an error quickly instead of stalling the request path.
func NewGoRedisCommander(addr, password string, db, poolSize int, opTimeout time.Duration) *GoRedisCommander {
	return &GoRedisCommander{c: redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		PoolSize:     poolSize,
		DialTimeout:  opTimeout,
		ReadTimeout:  opTimeout,
		WriteTimeout: opTimeout,
	})}
}

func (g *GoRedisCommander) Eval(ctx context.Context, script string, keys []string, args ...interface{}) (interface{}, error) {
	return g.c.Eval(ctx, script, keys, args...).Result()
}

func (g *GoRedisCommander) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := g.c.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (g *GoRedisCommander) TTL(ctx context.Context, key string) (time.Duration, error) {
	return g.c.TTL(ctx, key).Result()
}

func (g *GoRedisCommander) HSet(ctx context.Context, key string, values ...interface{}) error {
	return g.c.HSet(ctx, key, values...).Err()
}

func (g *GoRedisCommander) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	return g.c.HGetAll(ctx, key).Result()
}

func (g *GoRedisCommander) Exists(ctx context.Context, keys ...string) (int64, error) {
	return g.c.Exists(ctx, keys...).Result()
}

func (g *GoRedisCommander) SetEx(ctx context.Context, key, value string, ttl time.Duration) error {
	return g.c.SetEx(ctx, key, value, ttl).Err()
}

func (g *GoRedisCommander) Scan(ctx context.Context, cursor uint64, match string, count int64) ([]string, uint64, error) {
	return g.c.Scan(ctx, cursor, match, count).Result()
}

func (g *GoRedisCommander) Del(ctx context.Context, keys ...string) (int64, error) {
	return g.c.Del(ctx, keys...).Result()
}

func (g *GoRedisCommander) Ping(ctx context.Context) error {
	return g.c.Ping(ctx).Err()
}

func (g *GoRedisCommander) Close() error {
	return g.c.Close()
}
