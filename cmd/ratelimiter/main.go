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

// Package main runs the distributed rate limiter service.
//
// The service sits in front of an API and decides, per request, whether the
// caller may proceed. Decisions depend on the caller's tier, the current
// global health state, and a shared Redis store that keeps every instance
// counting against the same budget. When Redis is unreachable the service
// admits requests on a conservative fallback rather than turning a store
// outage into an API outage.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"ratelimiter/internal/abuse"
	"ratelimiter/internal/api"
	"ratelimiter/internal/config"
	"ratelimiter/internal/directory"
	"ratelimiter/internal/engine"
	"ratelimiter/internal/health"
	"ratelimiter/internal/policy"
	"ratelimiter/internal/store"
)

func main() {
	configPath := flag.String("config", "", "Path to the rate limits JSON document (built-in defaults when empty)")
	httpAddr := flag.String("http_addr", "", "HTTP listen address; overrides the configured one when set")
	healthTTL := flag.Duration("health_cache_ttl", 2*time.Second, "How long to cache the global health state")
	watchConfig := flag.Bool("watch_config", true, "Hot-reload the configuration document on change")
	pollInterval := flag.Duration("config_poll_interval", time.Second, "How often to poll the configuration document")
	debug := flag.Bool("debug", false, "Enable debug logging")
	pretty := flag.Bool("pretty_logs", false, "Human-readable console logs instead of JSON")
	flag.Parse()

	level := zerolog.InfoLevel
	if *debug {
		level = zerolog.DebugLevel
	}
	var log zerolog.Logger
	if *pretty {
		log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).Level(level).With().Timestamp().Logger()
	} else {
		log = zerolog.New(os.Stderr).Level(level).With().Timestamp().Str("service", "ratelimiter").Logger()
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", *configPath).Msg("configuration rejected")
	}

	addr := cfg.Server.Addr
	if *httpAddr != "" {
		addr = *httpAddr
	}

	// Shared store client over Redis.
	commander := store.NewGoRedisCommander(
		cfg.Redis.Addr(),
		cfg.Redis.Password,
		cfg.Redis.DB,
		cfg.Redis.MaxConnections,
		cfg.Redis.OpTimeout(),
	)
	storeClient := store.New(commander, store.Options{OpTimeout: cfg.Redis.OpTimeout()}, log)
	defer func() {
		if err := storeClient.Close(); err != nil {
			log.Warn().Err(err).Msg("store close failed")
		}
	}()
	if storeClient.Healthy(context.Background()) {
		log.Info().Str("addr", cfg.Redis.Addr()).Msg("connected to shared store")
	} else {
		log.Warn().Str("addr", cfg.Redis.Addr()).Msg("shared store unreachable at startup, serving fallback decisions")
	}

	dir := directory.New(cfg.Users, cfg.APIKeys, descriptors(cfg))
	oracle := health.New(storeClient, *healthTTL, log)
	eng := engine.New(dir, storeClient, oracle, log)
	limiter := abuse.New(storeClient, abuse.Options{}, log)

	// Hot reload republishes the directory; the previous tables stay live
	// when a new document fails validation.
	publish := func(next *config.Config) {
		dir.Replace(next.Users, next.APIKeys, descriptors(next))
	}
	var reload func() error
	if *configPath != "" && *watchConfig {
		watcher, err := config.NewWatcher(config.WatcherOptions{
			Path:         *configPath,
			PollInterval: *pollInterval,
			OnReload:     publish,
		}, log)
		if err != nil {
			log.Fatal().Err(err).Msg("config watcher setup failed")
		}
		if err := watcher.Start(); err != nil {
			log.Fatal().Err(err).Msg("config watcher start failed")
		}
		defer func() {
			if err := watcher.Stop(); err != nil {
				log.Warn().Err(err).Msg("config watcher stop failed")
			}
		}()
		reload = watcher.Reload
	} else if *configPath != "" {
		path := *configPath
		reload = func() error {
			next, err := config.Load(path)
			if err != nil {
				return err
			}
			publish(next)
			return nil
		}
	}

	server := api.NewServer(eng, limiter, oracle, storeClient, api.Options{
		APIKeyHeader: cfg.Server.APIKeyHeader,
		ExcludePaths: cfg.Server.ExcludePaths,
		AdminKey:     cfg.Server.AdminKey,
		ReloadConfig: reload,
	}, log)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := server.ListenAndServe(ctx, addr); err != nil {
		log.Fatal().Err(err).Msg("server failed")
	}
	log.Info().Msg("server gracefully stopped")
}

// descriptors converts the configured tier table into policy descriptors.
func descriptors(cfg *config.Config) map[string]policy.Descriptor {
	out := make(map[string]policy.Descriptor, len(cfg.Tiers))
	for name, tier := range cfg.Tiers {
		out[name] = policy.Descriptor{
			Base:     tier.BaseLimit,
			Burst:    tier.BurstLimit,
			Degraded: tier.DegradedLimit,
			Window:   tier.Window(),
		}
	}
	return out
}
