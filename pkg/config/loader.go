// Package config loads and validates the PlanForge YAML configuration and
// keeps the execution policy section live: editing the config file changes
// the policy for subsequent operations without a restart.
package config

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/planforge/planforge/pkg/engine"
	"github.com/planforge/planforge/pkg/telemetry"
)

// Load reads, defaults, and validates a configuration file.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}
	decoder := yaml.NewDecoder(bytes.NewReader(raw))
	decoder.KnownFields(true)
	if err := decoder.Decode(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.ApplyDefaults()

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if *cfg.Policy.RequireApproval && cfg.Approval.SigningKey == "" {
		return nil, fmt.Errorf("approval.signing_key is required when policy.require_approval is on")
	}

	return cfg, nil
}

// Watcher implements engine.PolicyProvider backed by the config file. It
// serves the policy loaded at startup and swaps it atomically whenever the
// file changes and still parses; a broken edit keeps the last good policy.
type Watcher struct {
	path   string
	logger *telemetry.Logger

	mu     sync.RWMutex
	policy engine.Policy
}

// NewWatcher creates a policy watcher seeded from an already loaded config.
func NewWatcher(path string, cfg *Config, logger *telemetry.Logger) *Watcher {
	return &Watcher{
		path:   path,
		logger: logger.NewComponentLogger("config_watcher"),
		policy: cfg.EnginePolicy(),
	}
}

// Policy implements engine.PolicyProvider.
func (w *Watcher) Policy() engine.Policy {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.policy
}

// Watch blocks until ctx is done, reloading the policy on file changes.
// Run it in its own goroutine.
func (w *Watcher) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directory, not the file. Editors replace files on save,
	// which drops a direct file watch.
	if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("failed to watch config directory: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.reload()

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.WithError(err).Warn("config watcher error")
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		w.logger.WithError(err).Warn("config reload failed, keeping current policy")
		return
	}

	policy := cfg.EnginePolicy()
	w.mu.Lock()
	changed := policy != w.policy
	w.policy = policy
	w.mu.Unlock()

	if changed {
		w.logger.
			WithField("require_approval", policy.RequireApproval).
			WithField("job_timeout", policy.JobTimeout.String()).
			Info("execution policy reloaded")
	}
}

// EnginePolicy converts the policy section into the engine's form.
func (c *Config) EnginePolicy() engine.Policy {
	return engine.Policy{
		RequireApproval: c.Policy.RequireApproval == nil || *c.Policy.RequireApproval,
		JobTimeout:      c.Policy.JobTimeout,
	}
}
