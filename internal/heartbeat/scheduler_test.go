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
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-logr/logr"

	"github.com/marcus-qen/automaton/internal/chain"
	"github.com/marcus-qen/automaton/internal/observe"
	"github.com/marcus-qen/automaton/internal/store"
)

type fakeChain struct {
	creditCents int64
	usdcCents   int64
	fetches     atomic.Int64
}

func (f *fakeChain) Balances(_ context.Context, _ string) (*chain.Balances, error) {
	f.fetches.Add(1)
	return &chain.Balances{CreditCents: f.creditCents, USDCCents: f.usdcCents}, nil
}

func (f *fakeChain) TransferCredits(_ context.Context, _ string, _ int64) (*chain.TransferReceipt, error) {
	return &chain.TransferReceipt{TxHash: "0xfake"}, nil
}

func (f *fakeChain) TransferUSDC(_ context.Context, _ string, _ int64) (*chain.TransferReceipt, error) {
	return &chain.TransferReceipt{TxHash: "0xfake"}, nil
}

func newScheduler(t *testing.T, credits int64) (*Scheduler, *store.Store, *fakeChain) {
	t.Helper()
	s, err := store.Open(context.Background(),
		store.Options{Path: filepath.Join(t.TempDir(), "state.db")}, logr.Discard())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	ch := &fakeChain{creditCents: credits}
	sched := New(s, ch, observe.NewCollector(), logr.Discard(),
		"0x1111111111111111111111111111111111111111", DefaultConfig())
	return sched, s, ch
}

func TestTierFromBalance(t *testing.T) {
	tests := []struct {
		cents int64
		want  Tier
	}{
		{501, TierHigh},
		{500, TierNormal},
		{51, TierNormal},
		{50, TierLowCompute},
		{11, TierLowCompute},
		{10, TierCritical},
		{1, TierCritical},
		{0, TierDead},
		{-5, TierDead},
	}
	for _, tt := range tests {
		if got := TierFromBalance(tt.cents); got != tt.want {
			t.Errorf("TierFromBalance(%d) = %s, want %s", tt.cents, got, tt.want)
		}
	}
}

func TestCriticalGracePeriod(t *testing.T) {
	ctx := context.Background()
	sched, s, _ := newScheduler(t, 0)

	now := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	sched.WithClock(func() time.Time { return now })

	// First zero-balance observation: critical, not dead.
	if tier := sched.deriveTier(ctx, 0); tier != TierCritical {
		t.Fatalf("first zero observation = %s, want critical", tier)
	}

	// 59 minutes later: still critical.
	now = now.Add(59 * time.Minute)
	if tier := sched.deriveTier(ctx, 0); tier != TierCritical {
		t.Fatalf("at 59m = %s, want critical", tier)
	}

	// Past the one-hour grace: dead.
	now = now.Add(2 * time.Minute)
	if tier := sched.deriveTier(ctx, 0); tier != TierDead {
		t.Fatalf("at 61m = %s, want dead", tier)
	}

	// Funding recovery clears the grace clock.
	if tier := sched.deriveTier(ctx, 200); tier != TierNormal {
		t.Fatalf("funded = %s, want normal", tier)
	}
	if _, ok, _ := s.GetKV(ctx, "critical_since"); ok {
		t.Fatal("critical_since should be cleared on recovery")
	}
}

func TestTickRunsDueTasksOnce(t *testing.T) {
	ctx := context.Background()
	sched, s, ch := newScheduler(t, 1000)

	var runs atomic.Int64
	sched.RegisterTask("heartbeat_ping", func(_ context.Context, tc *TickContext) (TaskResult, error) {
		runs.Add(1)
		if tc.CreditCents != 1000 {
			t.Errorf("tick context credits = %d", tc.CreditCents)
		}
		return TaskResult{}, nil
	})
	if err := sched.SyncSchedules(ctx, []ScheduleEntry{
		{Name: "heartbeat_ping", Schedule: "*/5 * * * *", Priority: 10, TimeoutMs: 5000},
	}); err != nil {
		t.Fatalf("sync: %v", err)
	}

	tc, err := sched.Tick(ctx)
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if tc.Tier != TierHigh {
		t.Errorf("tier = %s, want high", tc.Tier)
	}
	if runs.Load() != 1 {
		t.Fatalf("task ran %d times, want 1", runs.Load())
	}
	if ch.fetches.Load() != 1 {
		t.Fatalf("balance fetched %d times in one tick, want exactly 1", ch.fetches.Load())
	}

	// The run left history and a released lease behind.
	history, err := s.HistoryForTask(ctx, "heartbeat_ping", 10)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 1 || !history[0].Result.Valid || history[0].Result.String != store.TaskResultSuccess {
		t.Fatalf("history = %+v, want one success row", history)
	}
	row, _ := s.GetSchedule(ctx, "heartbeat_ping")
	if row.LeaseOwner.Valid {
		t.Error("lease not released after run")
	}
	if row.RunCount != 1 {
		t.Errorf("run_count = %d, want 1", row.RunCount)
	}

	// An immediate second tick skips: next_run_at moved forward.
	if _, err := sched.Tick(ctx); err != nil {
		t.Fatalf("second tick: %v", err)
	}
	if runs.Load() != 1 {
		t.Fatalf("task re-ran before its slot: %d", runs.Load())
	}
}

func TestTierGating(t *testing.T) {
	ctx := context.Background()
	sched, _, _ := newScheduler(t, 20) // low_compute

	var ran atomic.Bool
	sched.RegisterTask("soul_reflection", func(_ context.Context, _ *TickContext) (TaskResult, error) {
		ran.Store(true)
		return TaskResult{}, nil
	})
	if err := sched.SyncSchedules(ctx, []ScheduleEntry{
		{Name: "soul_reflection", Schedule: "* * * * *", Priority: 10,
			TimeoutMs: 5000, TierMinimum: string(TierNormal)},
	}); err != nil {
		t.Fatalf("sync: %v", err)
	}

	if _, err := sched.Tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if ran.Load() {
		t.Fatal("tier_minimum=normal task ran in low_compute tier")
	}
}

func TestTaskFailureDoesNotStopTick(t *testing.T) {
	ctx := context.Background()
	sched, s, _ := newScheduler(t, 1000)

	var secondRan atomic.Bool
	sched.RegisterTask("check_credits", func(_ context.Context, _ *TickContext) (TaskResult, error) {
		panic("boom")
	})
	sched.RegisterTask("health_check", func(_ context.Context, _ *TickContext) (TaskResult, error) {
		secondRan.Store(true)
		return TaskResult{}, nil
	})
	if err := sched.SyncSchedules(ctx, []ScheduleEntry{
		{Name: "check_credits", Schedule: "* * * * *", Priority: 10, TimeoutMs: 5000},
		{Name: "health_check", Schedule: "* * * * *", Priority: 20, TimeoutMs: 5000},
	}); err != nil {
		t.Fatalf("sync: %v", err)
	}

	if _, err := sched.Tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if !secondRan.Load() {
		t.Fatal("second task must run after a first-task panic")
	}
	row, _ := s.GetSchedule(ctx, "check_credits")
	if row.FailCount != 1 {
		t.Errorf("fail_count = %d, want 1", row.FailCount)
	}
}

func TestTaskTimeout(t *testing.T) {
	ctx := context.Background()
	sched, s, _ := newScheduler(t, 1000)

	sched.RegisterTask("check_for_updates", func(taskCtx context.Context, _ *TickContext) (TaskResult, error) {
		<-taskCtx.Done()
		return TaskResult{}, taskCtx.Err()
	})
	if err := sched.SyncSchedules(ctx, []ScheduleEntry{
		{Name: "check_for_updates", Schedule: "* * * * *", Priority: 10, TimeoutMs: 50},
	}); err != nil {
		t.Fatalf("sync: %v", err)
	}

	if _, err := sched.Tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}
	row, _ := s.GetSchedule(ctx, "check_for_updates")
	if !row.LastResult.Valid || row.LastResult.String != store.TaskResultTimeout {
		t.Fatalf("last_result = %+v, want timeout", row.LastResult)
	}
	if row.LeaseOwner.Valid {
		t.Error("lease must be released after timeout")
	}
}

func TestShouldWakeEnqueuesEvent(t *testing.T) {
	ctx := context.Background()
	sched, s, _ := newScheduler(t, 1000)

	sched.RegisterTask("check_social_inbox", func(_ context.Context, _ *TickContext) (TaskResult, error) {
		return TaskResult{ShouldWake: true, Message: "2 new inbox messages"}, nil
	})
	if err := sched.SyncSchedules(ctx, []ScheduleEntry{
		{Name: "check_social_inbox", Schedule: "* * * * *", Priority: 10, TimeoutMs: 5000},
	}); err != nil {
		t.Fatalf("sync: %v", err)
	}

	if _, err := sched.Tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}
	events, err := s.ConsumeWakeEvents(ctx, 10)
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if len(events) != 1 || events[0].Source != "heartbeat" {
		t.Fatalf("events = %+v, want one heartbeat wake", events)
	}
}

func TestLowComputeMultiplier(t *testing.T) {
	sched, _, _ := newScheduler(t, 1000)
	row := &store.ScheduleRow{TaskName: "x"}
	row.IntervalMs.Int64 = int64((5 * time.Minute).Milliseconds())
	row.IntervalMs.Valid = true

	normal := sched.effectiveInterval(row, TierNormal)
	low := sched.effectiveInterval(row, TierLowCompute)
	if low != 4*normal {
		t.Fatalf("low-compute interval = %s, want 4x %s", low, normal)
	}
}

func TestScheduleFileMergeAndLegacyMigration(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "heartbeat.yml")
	yaml := `
- name: check_usdc_balance
  schedule: "0 */12 * * *"
- name: heartbeat_ping
  enabled: false
- name: custom_probe
  schedule: "*/7 * * * *"
  priority: 200
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	entries, err := LoadScheduleFile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	byName := map[string]ScheduleEntry{}
	for _, e := range entries {
		byName[e.Name] = e
	}

	// Legacy 12-hour USDC schedule migrates to every 5 minutes.
	if byName["check_usdc_balance"].Schedule != "*/5 * * * *" {
		t.Errorf("usdc schedule = %q, want migrated */5", byName["check_usdc_balance"].Schedule)
	}
	if byName["heartbeat_ping"].Enabled == nil || *byName["heartbeat_ping"].Enabled {
		t.Error("heartbeat_ping should be disabled by override")
	}
	if _, ok := byName["custom_probe"]; !ok {
		t.Error("custom entry not merged")
	}
	// Defaults survive for untouched tasks.
	if byName["report_metrics"].Schedule != "*/30 * * * *" {
		t.Errorf("report_metrics schedule = %q", byName["report_metrics"].Schedule)
	}
}
