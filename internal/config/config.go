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

// Package config loads and validates the rate limiter configuration: the tier
// table, the identity and key tables, and the shared-store connection
// parameters. Environment variables override the document for connection
// params so deployments can inject credentials without editing files.
package config

import (
	"encoding/json"
	"os"
	"regexp"
	"strconv"
	"time"

	"github.com/agilira/go-errors"
)

// ErrCodeInvalidConfig marks configuration that fails validation. It is fatal
// at startup; on reload the previous configuration stays in effect.
const ErrCodeInvalidConfig errors.ErrorCode = "INVALID_CONFIG"

// TierConfig is the immutable limit tuple for one named tier.
type TierConfig struct {
	BaseLimit     int64 `json:"base_limit"`
	BurstLimit    int64 `json:"burst_limit"`
	DegradedLimit int64 `json:"degraded_limit"`
	WindowSeconds int64 `json:"window_seconds"`
}

// Window returns the tier's window as a duration.
func (t TierConfig) Window() time.Duration {
	return time.Duration(t.WindowSeconds) * time.Second
}

// RedisConfig holds shared-store connection parameters.
type RedisConfig struct {
	Host           string  `json:"host"`
	Port           int     `json:"port"`
	DB             int     `json:"db"`
	Password       string  `json:"password"`
	TimeoutSeconds float64 `json:"timeout"`
	MaxConnections int     `json:"max_connections"`
}

// OpTimeout returns the per-operation deadline for store calls.
func (r RedisConfig) OpTimeout() time.Duration {
	return time.Duration(r.TimeoutSeconds * float64(time.Second))
}

// Addr returns the host:port dial address.
func (r RedisConfig) Addr() string {
	return r.Host + ":" + strconv.Itoa(r.Port)
}

// ServerConfig holds the HTTP surface parameters consumed by the pipeline
// adapter.
type ServerConfig struct {
	Addr         string   `json:"addr"`
	APIKeyHeader string   `json:"api_key_header"`
	ExcludePaths []string `json:"exclude_paths"`

	// AdminKey gates the /admin surface when non-empty. ADMIN_API_KEY
	// overrides it.
	AdminKey string `json:"admin_key"`
}

// Config is the complete configuration document.
type Config struct {
	Tiers   map[string]TierConfig `json:"tiers"`
	Users   map[string]string     `json:"users"`
	APIKeys map[string]string     `json:"api_keys"`
	Redis   RedisConfig           `json:"redis"`
	Server  ServerConfig          `json:"server"`
}

// keyFormat mirrors the admission engine's API key format gate; configured
// keys that could never authenticate are rejected at load time.
var keyFormat = regexp.MustCompile(`^[A-Za-z0-9_-]{10,200}$`)

// Default returns the built-in configuration used when no document is
// supplied. The demo tiers, users, and keys match the shipped examples.
func Default() *Config {
	return &Config{
		Tiers: map[string]TierConfig{
			"free":       {BaseLimit: 10, BurstLimit: 20, DegradedLimit: 2, WindowSeconds: 60},
			"pro":        {BaseLimit: 100, BurstLimit: 150, DegradedLimit: 100, WindowSeconds: 60},
			"enterprise": {BaseLimit: 1000, BurstLimit: 1000, DegradedLimit: 1000, WindowSeconds: 60},
		},
		Users: map[string]string{
			"demo_free_user":       "free",
			"demo_pro_user":        "pro",
			"demo_enterprise_user": "enterprise",
		},
		APIKeys: map[string]string{
			"demo_free_key_123":       "demo_free_user",
			"demo_free_key_456":       "demo_free_user",
			"demo_pro_key_789":        "demo_pro_user",
			"demo_enterprise_key_abc": "demo_enterprise_user",
		},
		Redis: RedisConfig{
			Host:           "localhost",
			Port:           6379,
			TimeoutSeconds: 0.005,
			MaxConnections: 50,
		},
		Server: ServerConfig{
			Addr:         ":8080",
			APIKeyHeader: "X-API-Key",
			ExcludePaths: []string{"/health", "/metrics", "/admin/*"},
		},
	}
}

// Load reads the JSON document at path, applies environment overrides, and
// validates the result. An empty path skips the file and yields the
// defaults plus environment. Any failure yields an INVALID_CONFIG error;
// callers decide whether that is fatal (startup) or ignorable (reload).
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrap(err, ErrCodeInvalidConfig, "reading configuration file").
				WithContext("path", path)
		}
		if err := json.Unmarshal(raw, cfg); err != nil {
			return nil, errors.Wrap(err, ErrCodeInvalidConfig, "parsing configuration file").
				WithContext("path", path)
		}
	}
	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides lets the environment win over the document for store
// connection parameters, and optionally bootstraps an admin identity.
func (c *Config) applyEnvOverrides() {
	if v, ok := os.LookupEnv("REDIS_HOST"); ok {
		c.Redis.Host = v
	}
	if v, ok := os.LookupEnv("REDIS_PORT"); ok {
		if port, err := strconv.Atoi(v); err == nil {
			c.Redis.Port = port
		}
	}
	if v, ok := os.LookupEnv("REDIS_DB"); ok {
		if db, err := strconv.Atoi(v); err == nil {
			c.Redis.DB = db
		}
	}
	if v, ok := os.LookupEnv("REDIS_PASSWORD"); ok {
		c.Redis.Password = v
	}
	if v, ok := os.LookupEnv("REDIS_TIMEOUT"); ok {
		if t, err := strconv.ParseFloat(v, 64); err == nil && t > 0 {
			c.Redis.TimeoutSeconds = t
		}
	}
	if key, ok := os.LookupEnv("ADMIN_API_KEY"); ok && key != "" {
		if _, exists := c.Users["admin_user"]; !exists {
			c.Users["admin_user"] = "enterprise"
		}
		c.APIKeys[key] = "admin_user"
		c.Server.AdminKey = key
	}
}

// Validate checks every invariant the rest of the system depends on.
// A nil error means the tables can be published to the identity directory.
func (c *Config) Validate() error {
	if len(c.Tiers) == 0 {
		return errors.New(ErrCodeInvalidConfig, "no tiers configured")
	}
	for name, tier := range c.Tiers {
		if tier.BaseLimit < 1 {
			return errors.NewWithContext(ErrCodeInvalidConfig, "base_limit must be >= 1", map[string]interface{}{
				"tier": name, "base_limit": tier.BaseLimit,
			})
		}
		if tier.BurstLimit < tier.BaseLimit {
			return errors.NewWithContext(ErrCodeInvalidConfig, "burst_limit must be >= base_limit", map[string]interface{}{
				"tier": name, "base_limit": tier.BaseLimit, "burst_limit": tier.BurstLimit,
			})
		}
		if tier.DegradedLimit < 1 {
			return errors.NewWithContext(ErrCodeInvalidConfig, "degraded_limit must be >= 1", map[string]interface{}{
				"tier": name, "degraded_limit": tier.DegradedLimit,
			})
		}
		if tier.WindowSeconds < 1 {
			return errors.NewWithContext(ErrCodeInvalidConfig, "window_seconds must be >= 1", map[string]interface{}{
				"tier": name, "window_seconds": tier.WindowSeconds,
			})
		}
	}
	for user, tier := range c.Users {
		if _, ok := c.Tiers[tier]; !ok {
			return errors.NewWithContext(ErrCodeInvalidConfig, "user references unknown tier", map[string]interface{}{
				"user": user, "tier": tier,
			})
		}
	}
	for key, user := range c.APIKeys {
		if _, ok := c.Users[user]; !ok {
			return errors.NewWithContext(ErrCodeInvalidConfig, "api key references unknown user", map[string]interface{}{
				"user": user,
			})
		}
		if !keyFormat.MatchString(key) {
			return errors.NewWithField(ErrCodeInvalidConfig, "api key violates the accepted key format", "user", user)
		}
	}
	if c.Redis.Port < 1 || c.Redis.Port > 65535 {
		return errors.NewWithContext(ErrCodeInvalidConfig, "redis port out of range", map[string]interface{}{
			"port": c.Redis.Port,
		})
	}
	if c.Redis.TimeoutSeconds <= 0 {
		return errors.New(ErrCodeInvalidConfig, "redis timeout must be positive")
	}
	if c.Redis.MaxConnections < 1 {
		return errors.New(ErrCodeInvalidConfig, "redis max_connections must be >= 1")
	}
	if c.Server.APIKeyHeader == "" {
		c.Server.APIKeyHeader = "X-API-Key"
	}
	return nil
}
