/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/jmoiron/sqlx"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), Options{Path: filepath.Join(t.TempDir(), "state.db")}, logr.Discard())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestMigrationsIdempotent(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state.db")

	s, err := Open(ctx, Options{Path: path}, logr.Discard())
	if err != nil {
		t.Fatalf("first open: %v", err)
	}
	v1, err := s.SchemaVersion(ctx)
	if err != nil {
		t.Fatalf("schema version: %v", err)
	}
	if v1 != CurrentSchemaVersion {
		t.Fatalf("schema version = %d, want %d", v1, CurrentSchemaVersion)
	}
	s.Close()

	// Re-opening must be a no-op, not a failure.
	s2, err := Open(ctx, Options{Path: path}, logr.Discard())
	if err != nil {
		t.Fatalf("second open: %v", err)
	}
	defer s2.Close()
	v2, _ := s2.SchemaVersion(ctx)
	if v2 != CurrentSchemaVersion {
		t.Fatalf("after re-open schema version = %d, want %d", v2, CurrentSchemaVersion)
	}
}

func TestTurnBundleAtomicity(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	turnID := s.NewULID()
	err := s.RunTransaction(ctx, func(tx *sqlx.Tx) error {
		turn := &AgentTurn{
			ID: turnID, Timestamp: NowISO(), State: StateRunning,
			InputSource: "heartbeat", TokenUsage: MustJSON(TokenUsage{InputTokens: 10, OutputTokens: 5}),
		}
		if err := InsertTurnTx(ctx, tx, turn); err != nil {
			return err
		}
		for i := 0; i < 3; i++ {
			call := &ToolCall{ID: s.NewULID(), TurnID: turnID, Name: "check_balance", Args: MustJSON(nil)}
			if err := InsertToolCallTx(ctx, tx, call); err != nil {
				return err
			}
		}
		step := &ReasoningStep{
			ID: s.NewULID(), TurnID: turnID, StepNumber: 1,
			Phase: PhaseObserve, Content: "balances nominal", CreatedAt: NowISO(),
		}
		return InsertReasoningStepTx(ctx, tx, step)
	})
	if err != nil {
		t.Fatalf("turn bundle: %v", err)
	}

	calls, err := s.ToolCallsForTurn(ctx, turnID)
	if err != nil {
		t.Fatalf("tool calls: %v", err)
	}
	if len(calls) != 3 {
		t.Fatalf("tool call count = %d, want 3", len(calls))
	}
}

func TestSafeParseCorruptBlob(t *testing.T) {
	s := openTestStore(t)
	turn := AgentTurn{TokenUsage: []byte(`{"inputTokens": not json`)}
	usage := turn.Usage(s)
	if usage.InputTokens != 0 || usage.OutputTokens != 0 {
		t.Fatalf("corrupt blob must degrade to zero usage, got %+v", usage)
	}
}

func TestWakeEventFIFO(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	for _, reason := range []string{"first", "second", "third"} {
		if err := s.EnqueueWake(ctx, "test", reason, ""); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}

	events, err := s.ConsumeWakeEvents(ctx, 2)
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if len(events) != 2 || events[0].Reason != "first" || events[1].Reason != "second" {
		t.Fatalf("FIFO violated: %+v", events)
	}

	// Consumed events must not come back.
	rest, _ := s.ConsumeWakeEvents(ctx, 10)
	if len(rest) != 1 || rest[0].Reason != "third" {
		t.Fatalf("consumed-once violated: %+v", rest)
	}
}

func TestLeaseCAS(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	row := &ScheduleRow{TaskName: "heartbeat_ping", Priority: 10, TimeoutMs: 5000, TierMinimum: "critical", Enabled: true}
	if err := s.UpsertSchedule(ctx, row); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	now := NowISO()
	future := time.Now().UTC().Add(time.Minute).Format("2006-01-02T15:04:05.000Z")

	ok, err := s.AcquireLease(ctx, "heartbeat_ping", "owner-a", future, now)
	if err != nil || !ok {
		t.Fatalf("first acquire = %v, %v; want success", ok, err)
	}

	// Second owner must be refused while the lease is held.
	ok, err = s.AcquireLease(ctx, "heartbeat_ping", "owner-b", future, now)
	if err != nil || ok {
		t.Fatalf("second acquire = %v, %v; want refusal", ok, err)
	}

	if err := s.ReleaseLease(ctx, "heartbeat_ping", "owner-a"); err != nil {
		t.Fatalf("release: %v", err)
	}
	ok, _ = s.AcquireLease(ctx, "heartbeat_ping", "owner-b", future, now)
	if !ok {
		t.Fatal("acquire after release should succeed")
	}
}

func TestExpiredLeaseReclaim(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	row := &ScheduleRow{TaskName: "check_credits", Priority: 20, TimeoutMs: 5000, TierMinimum: "critical", Enabled: true}
	if err := s.UpsertSchedule(ctx, row); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	past := time.Now().UTC().Add(-time.Minute).Format("2006-01-02T15:04:05.000Z")
	now := NowISO()
	future := time.Now().UTC().Add(time.Minute).Format("2006-01-02T15:04:05.000Z")

	if ok, _ := s.AcquireLease(ctx, "check_credits", "dead-owner", past, now); !ok {
		t.Fatal("seed acquire failed")
	}
	// Expired lease is reclaimable without an explicit clear.
	if ok, _ := s.AcquireLease(ctx, "check_credits", "new-owner", future, now); !ok {
		t.Fatal("expired lease must be reclaimable")
	}

	n, err := s.ClearExpiredLeases(ctx, now)
	if err != nil {
		t.Fatalf("clear expired: %v", err)
	}
	if n != 0 {
		t.Fatalf("cleared %d leases, want 0 (new lease unexpired)", n)
	}
}

func TestDedupKeyTTL(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	now := NowISO()
	future := time.Now().UTC().Add(time.Hour).Format("2006-01-02T15:04:05.000Z")
	past := time.Now().UTC().Add(-time.Hour).Format("2006-01-02T15:04:05.000Z")

	ok, err := s.InsertDedupKey(ctx, "ping:2026-08-01T10", "heartbeat_ping", now, future)
	if err != nil || !ok {
		t.Fatalf("first insert = %v, %v", ok, err)
	}
	ok, _ = s.InsertDedupKey(ctx, "ping:2026-08-01T10", "heartbeat_ping", now, future)
	if ok {
		t.Fatal("duplicate unexpired key must be refused")
	}

	// An expired key is pruned lazily and re-insertable.
	if ok, _ := s.InsertDedupKey(ctx, "stale", "x", past, past); !ok {
		t.Fatal("seed stale key failed")
	}
	if ok, _ := s.InsertDedupKey(ctx, "stale", "x", now, future); !ok {
		t.Fatal("expired key must be re-insertable")
	}
}

func TestSpendWindows(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	rec, err := s.InsertSpend(ctx, "transfer_credits", 9500, "0xabc", SpendTransfer)
	if err != nil {
		t.Fatalf("insert spend: %v", err)
	}
	if len(rec.WindowHour) != 13 || len(rec.WindowDay) != 10 {
		t.Fatalf("window shapes: hour=%q day=%q", rec.WindowHour, rec.WindowDay)
	}

	hourly, err := s.HourlySpend(ctx, SpendTransfer, rec.WindowHour)
	if err != nil {
		t.Fatalf("hourly: %v", err)
	}
	if hourly != 9500 {
		t.Fatalf("hourly = %d, want 9500", hourly)
	}

	// Accumulation law: prior + X.
	if _, err := s.InsertSpend(ctx, "transfer_credits", 500, "0xabc", SpendTransfer); err != nil {
		t.Fatalf("second insert: %v", err)
	}
	hourly, _ = s.HourlySpend(ctx, SpendTransfer, rec.WindowHour)
	if hourly != 10000 {
		t.Fatalf("hourly after second = %d, want 10000", hourly)
	}
}

func TestWorkingMemoryTrim(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	for i := 0; i < 25; i++ {
		if err := s.InsertWorkingMemory(ctx, "session-1", "obs", i); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}
	removed, err := s.TrimWorkingMemory(ctx, "session-1", 20)
	if err != nil {
		t.Fatalf("trim: %v", err)
	}
	if removed != 5 {
		t.Fatalf("removed = %d, want 5", removed)
	}
	entries, _ := s.WorkingMemoryForSession(ctx, "session-1")
	if len(entries) != 20 {
		t.Fatalf("remaining = %d, want 20", len(entries))
	}
	// Lowest priorities went first.
	for _, e := range entries {
		if e.Priority < 5 {
			t.Fatalf("entry with priority %d survived trim", e.Priority)
		}
	}
}

func TestSemanticUpsert(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	if err := s.UpsertSemanticMemory(ctx, "balances", "usdc", "100", 0.9); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := s.UpsertSemanticMemory(ctx, "balances", "usdc", "90", 0.9); err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	e, err := s.GetSemanticMemory(ctx, "balances", "usdc")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if e.Value != "90" {
		t.Fatalf("value = %q, want updated 90", e.Value)
	}
}

func TestIdentityImmutable(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	id := &Identity{Address: "0x1111111111111111111111111111111111111111", CreatorAddress: "0x2222222222222222222222222222222222222222", WalletPrivateKey: "key", SandboxID: "sb-1"}
	if err := s.BootstrapIdentity(ctx, id); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	// Same address re-bootstrap is tolerated (restart), different rejected.
	if err := s.BootstrapIdentity(ctx, id); err != nil {
		t.Fatalf("idempotent re-bootstrap: %v", err)
	}
	other := &Identity{Address: "0x3333333333333333333333333333333333333333", CreatorAddress: id.CreatorAddress, WalletPrivateKey: "key2", SandboxID: "sb-2"}
	if err := s.BootstrapIdentity(ctx, other); err == nil {
		t.Fatal("bootstrap with a different address must be rejected")
	}
}
