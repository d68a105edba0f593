/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package config holds the automaton's typed configuration. Config is a
// value threaded through the context — there is no global; runtime
// mutations (switch_model) update both the in-memory value and the
// persisted file atomically.
package config

import (
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/marcus-qen/automaton/internal/errs"
	"github.com/marcus-qen/automaton/internal/treasury"
)

// ModelStrategy routes model selection per survival tier.
type ModelStrategy struct {
	// Routing maps survival tier → model id.
	Routing map[string]string `yaml:"routing"`

	// TierBudgets caps per-turn output tokens per tier.
	TierBudgets map[string]int32 `yaml:"tierBudgets"`
}

// SoulConfig governs alignment checks and reflection.
type SoulConfig struct {
	AlignmentThreshold float64 `yaml:"alignmentThreshold"`
	RequireApproval    bool    `yaml:"requireApproval"`
	ReflectionEnabled  bool    `yaml:"reflectionEnabled"`
}

// Config is the full configuration surface.
type Config struct {
	Name           string `yaml:"name"`
	GenesisPrompt  string `yaml:"genesisPrompt"`
	CreatorAddress string `yaml:"creatorAddress"`

	InferenceModel  string `yaml:"inferenceModel"`
	LowComputeModel string `yaml:"lowComputeModel"`
	CriticalModel   string `yaml:"criticalModel"`
	MaxTokensPerTurn int32 `yaml:"maxTokensPerTurn"`

	HeartbeatConfigPath string `yaml:"heartbeatConfigPath"`
	DBPath              string `yaml:"dbPath"`
	SkillsDir           string `yaml:"skillsDir"`

	SocialRelayUrl string `yaml:"socialRelayUrl"`

	TreasuryPolicy treasury.Policy `yaml:"treasuryPolicy"`
	ModelStrategy  ModelStrategy   `yaml:"modelStrategy"`
	SoulConfig     SoulConfig      `yaml:"soulConfig"`

	MaxChildren int `yaml:"maxChildren"`

	LogLevel string `yaml:"logLevel"`
}

// Default returns the shipped configuration rooted at home.
func Default(home string) Config {
	root := filepath.Join(home, ".automaton")
	return Config{
		Name:                "automaton",
		MaxTokensPerTurn:    4096,
		HeartbeatConfigPath: filepath.Join(root, "heartbeat.yml"),
		DBPath:              filepath.Join(root, "state.db"),
		SkillsDir:           filepath.Join(root, "skills"),
		TreasuryPolicy:      treasury.DefaultPolicy(),
		ModelStrategy: ModelStrategy{
			Routing:     map[string]string{},
			TierBudgets: map[string]int32{},
		},
		SoulConfig: SoulConfig{
			AlignmentThreshold: 0.7,
			ReflectionEnabled:  true,
		},
		MaxChildren: 3,
		LogLevel:    "info",
	}
}

// Load reads config from path, layering over defaults.
func Load(path, home string) (Config, error) {
	cfg := Default(home)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, errs.Wrap(errs.KindFatal, err, "read config %s", path)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, errs.Wrap(errs.KindFatal, err, "parse config %s", path)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate rejects configurations the runtime refuses to boot with.
func (c *Config) Validate() error {
	if c.SocialRelayUrl != "" && !strings.HasPrefix(c.SocialRelayUrl, "https://") {
		return errs.New(errs.KindInvalidInput,
			"socialRelayUrl must be HTTPS, got %q", c.SocialRelayUrl)
	}
	if c.MaxChildren < 0 {
		return errs.New(errs.KindInvalidInput, "maxChildren must be >= 0")
	}
	if c.MaxTokensPerTurn < 0 {
		return errs.New(errs.KindInvalidInput, "maxTokensPerTurn must be >= 0")
	}
	return nil
}

// ModelForTier resolves the model for a survival tier: explicit routing
// first, then the per-tier config fields, then the inference model.
func (c *Config) ModelForTier(tier string) string {
	if m, ok := c.ModelStrategy.Routing[tier]; ok && m != "" {
		return m
	}
	switch tier {
	case "low_compute":
		if c.LowComputeModel != "" {
			return c.LowComputeModel
		}
	case "critical":
		if c.CriticalModel != "" {
			return c.CriticalModel
		}
	}
	return c.InferenceModel
}

// Manager guards a live config value and its file for atomic runtime
// mutation.
type Manager struct {
	mu   sync.RWMutex
	cfg  Config
	path string
}

// NewManager wraps a loaded config and its backing file path.
func NewManager(cfg Config, path string) *Manager {
	return &Manager{cfg: cfg, path: path}
}

// Get returns a copy of the current config.
func (m *Manager) Get() Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

// Update applies fn to the config and persists the result atomically
// (write to temp file, then rename). On any failure the in-memory config
// is left unchanged.
func (m *Manager) Update(fn func(*Config)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	next := m.cfg
	fn(&next)
	if err := next.Validate(); err != nil {
		return err
	}

	if m.path != "" {
		data, err := yaml.Marshal(&next)
		if err != nil {
			return errs.Wrap(errs.KindInvalidInput, err, "marshal config")
		}
		tmp := m.path + ".tmp"
		if err := os.WriteFile(tmp, data, 0o600); err != nil {
			return errs.Wrap(errs.KindUnavailable, err, "write config temp")
		}
		if err := os.Rename(tmp, m.path); err != nil {
			return errs.Wrap(errs.KindUnavailable, err, "replace config file")
		}
	}
	m.cfg = next
	return nil
}
