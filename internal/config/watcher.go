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

package config

import (
	"time"

	"github.com/agilira/argus"
	"github.com/rs/zerolog"
)

// Watcher hot-reloads the configuration document. Argus polls the file; on a
// change we re-run the full Load path (strict parse + env overrides +
// validation) and hand the result to the callback. An invalid document is
// logged and dropped, so the previously published tables stay in effect.
type Watcher struct {
	path    string
	watcher *argus.Watcher
	log     zerolog.Logger

	// OnReload receives each successfully validated configuration.
	OnReload func(*Config)
}

// WatcherOptions configures hot reload behaviour.
type WatcherOptions struct {
	// Path is the configuration file to watch.
	Path string

	// PollInterval is how often to check for changes. Default 1s, floor 100ms.
	PollInterval time.Duration

	// OnReload is invoked with each validated configuration.
	OnReload func(*Config)
}

// NewWatcher creates a watcher for the given document. Call Start to begin
// polling and Stop during shutdown.
func NewWatcher(opts WatcherOptions, log zerolog.Logger) (*Watcher, error) {
	if opts.PollInterval == 0 {
		opts.PollInterval = time.Second
	} else if opts.PollInterval < 100*time.Millisecond {
		opts.PollInterval = 100 * time.Millisecond
	}

	w := &Watcher{path: opts.Path, log: log, OnReload: opts.OnReload}

	argusConfig := argus.Config{PollInterval: opts.PollInterval}
	watcher, err := argus.UniversalConfigWatcherWithConfig(opts.Path, w.handleChange, argusConfig)
	if err != nil {
		return nil, err
	}
	w.watcher = watcher
	return w, nil
}

// Start begins watching the configuration file for changes.
func (w *Watcher) Start() error {
	if w.watcher.IsRunning() {
		return nil
	}
	return w.watcher.Start()
}

// Stop stops the underlying file watcher.
func (w *Watcher) Stop() error {
	return w.watcher.Stop()
}

// Reload forces a reload outside the polling cycle; the admin surface uses it
// for the explicit reload operation. It returns the error from Load so the
// caller can report validation failures.
func (w *Watcher) Reload() error {
	cfg, err := Load(w.path)
	if err != nil {
		w.log.Error().Err(err).Str("path", w.path).Msg("configuration reload rejected")
		return err
	}
	w.log.Info().
		Str("path", w.path).
		Int("tiers", len(cfg.Tiers)).
		Int("users", len(cfg.Users)).
		Int("api_keys", len(cfg.APIKeys)).
		Msg("configuration reloaded")
	if w.OnReload != nil {
		w.OnReload(cfg)
	}
	return nil
}

// handleChange is invoked by argus with the parsed document. We discard its
// loosely typed view and re-run the strict Load path instead, so reloads get
// exactly the same validation as startup.
func (w *Watcher) handleChange(map[string]interface{}) {
	_ = w.Reload()
}
