/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

package heartbeat

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-logr/logr"

	"github.com/marcus-qen/automaton/internal/observe"
	"github.com/marcus-qen/automaton/internal/store"
	"github.com/marcus-qen/automaton/internal/treasury"
)

func newTaskDeps(t *testing.T) (*TaskDeps, *store.Store) {
	t.Helper()
	s, err := store.Open(context.Background(),
		store.Options{Path: filepath.Join(t.TempDir(), "state.db")}, logr.Discard())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	metrics := observe.NewCollector()
	return &TaskDeps{
		Store:    s,
		Treasury: treasury.NewTracker(s, metrics, logr.Discard()),
		Policy:   treasury.DefaultPolicy(),
		Metrics:  metrics,
		Alerts:   observe.NewAlertEngine(nil),
		Log:      logr.Discard(),
	}, s
}

func TestCheckCreditsWakesOnDegradation(t *testing.T) {
	ctx := context.Background()
	deps, _ := newTaskDeps(t)

	// First observation seeds the tier without waking.
	result, err := deps.checkCredits(ctx, &TickContext{Tier: TierNormal, CreditCents: 100})
	if err != nil || result.ShouldWake {
		t.Fatalf("seed = %+v, %v", result, err)
	}

	// Degradation wakes.
	result, err = deps.checkCredits(ctx, &TickContext{Tier: TierCritical, CreditCents: 5})
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !result.ShouldWake {
		t.Fatal("tier degradation must wake the agent")
	}

	// Improvement does not.
	result, _ = deps.checkCredits(ctx, &TickContext{Tier: TierHigh, CreditCents: 1000})
	if result.ShouldWake {
		t.Fatal("tier improvement must not wake")
	}
}

func TestHeartbeatPingRecordsDistress(t *testing.T) {
	ctx := context.Background()
	deps, s := newTaskDeps(t)

	if _, err := deps.heartbeatPing(ctx, &TickContext{
		TickID: "tick-1", Tier: TierNormal, StartedAt: time.Now().UTC(),
	}); err != nil {
		t.Fatalf("ping: %v", err)
	}
	if _, ok, _ := s.GetKV(ctx, "last_distress"); ok {
		t.Fatal("healthy ping must not write distress")
	}

	if _, err := deps.heartbeatPing(ctx, &TickContext{
		TickID: "tick-2", Tier: TierCritical, StartedAt: time.Now().UTC(),
	}); err != nil {
		t.Fatalf("ping: %v", err)
	}
	if _, ok, _ := s.GetKV(ctx, "last_distress"); !ok {
		t.Fatal("critical ping must write last_distress")
	}
}

func TestReportMetricsSnapshotsAndPrunes(t *testing.T) {
	ctx := context.Background()
	deps, s := newTaskDeps(t)

	deps.Metrics.Inc("automaton_turns_total", 3, nil)
	if _, err := deps.reportMetrics(ctx, &TickContext{}); err != nil {
		t.Fatalf("report: %v", err)
	}

	var count int
	if err := s.DB().Get(&count, `SELECT COUNT(*) FROM memory_snapshots`); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Fatalf("snapshots = %d, want 1", count)
	}

	// Age the snapshot past retention and report again: the old one goes.
	s.DB().MustExec(`UPDATE memory_snapshots SET snapshot_at = '2026-01-01T00:00:00.000Z'`)
	if _, err := deps.reportMetrics(ctx, &TickContext{}); err != nil {
		t.Fatalf("second report: %v", err)
	}
	s.DB().Get(&count, `SELECT COUNT(*) FROM memory_snapshots`)
	if count != 1 {
		t.Fatalf("snapshots after prune = %d, want 1", count)
	}
}
