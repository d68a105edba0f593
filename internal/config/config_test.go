/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestRelayURLMustBeHTTPS(t *testing.T) {
	cfg := Default(t.TempDir())
	cfg.SocialRelayUrl = "http://relay.example.com"
	if err := cfg.Validate(); err == nil {
		t.Fatal("plain-HTTP relay URL accepted")
	}
	cfg.SocialRelayUrl = "https://relay.example.com"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("HTTPS relay URL rejected: %v", err)
	}
}

func TestModelForTier(t *testing.T) {
	cfg := Default(t.TempDir())
	cfg.InferenceModel = "big-model"
	cfg.LowComputeModel = "small-model"
	cfg.CriticalModel = "tiny-model"
	cfg.ModelStrategy.Routing = map[string]string{"high": "max-model"}

	tests := []struct {
		tier string
		want string
	}{
		{"high", "max-model"},
		{"normal", "big-model"},
		{"low_compute", "small-model"},
		{"critical", "tiny-model"},
	}
	for _, tt := range tests {
		if got := cfg.ModelForTier(tt.tier); got != tt.want {
			t.Errorf("ModelForTier(%s) = %q, want %q", tt.tier, got, tt.want)
		}
	}
}

func TestManagerAtomicUpdate(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "automaton.yml")
	cfg := Default(dir)
	cfg.InferenceModel = "model-a"
	mgr := NewManager(cfg, path)

	if err := mgr.Update(func(c *Config) { c.InferenceModel = "model-b" }); err != nil {
		t.Fatalf("update: %v", err)
	}
	if mgr.Get().InferenceModel != "model-b" {
		t.Fatal("in-memory config not updated")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("persisted file missing: %v", err)
	}
	if !strings.Contains(string(data), "model-b") {
		t.Fatal("persisted file not updated")
	}

	// An update that fails validation leaves both unchanged.
	if err := mgr.Update(func(c *Config) { c.SocialRelayUrl = "http://bad" }); err == nil {
		t.Fatal("invalid update accepted")
	}
	if mgr.Get().SocialRelayUrl != "" {
		t.Fatal("invalid update mutated in-memory config")
	}
}

func TestLoadLayersOverDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "automaton.yml")
	yaml := `
name: scout
maxChildren: 5
treasuryPolicy:
  maxHourlyTransferCents: 2500
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path, dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Name != "scout" || cfg.MaxChildren != 5 {
		t.Errorf("overrides not applied: %+v", cfg)
	}
	if cfg.TreasuryPolicy.MaxHourlyTransferCents != 2500 {
		t.Errorf("nested override not applied: %d", cfg.TreasuryPolicy.MaxHourlyTransferCents)
	}
	// Untouched defaults survive.
	if cfg.SoulConfig.AlignmentThreshold != 0.7 {
		t.Errorf("default lost: %+v", cfg.SoulConfig)
	}
}
