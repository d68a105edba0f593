/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

package treasury

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/go-logr/logr"

	"github.com/marcus-qen/automaton/internal/observe"
	"github.com/marcus-qen/automaton/internal/store"
)

func newTracker(t *testing.T) *Tracker {
	t.Helper()
	s, err := store.Open(context.Background(),
		store.Options{Path: filepath.Join(t.TempDir(), "state.db")}, logr.Discard())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return NewTracker(s, observe.NewCollector(), logr.Discard())
}

func TestHourlyTransferCap(t *testing.T) {
	ctx := context.Background()
	tracker := newTracker(t)
	policy := DefaultPolicy() // maxHourlyTransferCents = 10000

	if err := tracker.RecordSpend(ctx, "transfer_credits", 9500, "0xabc", store.SpendTransfer); err != nil {
		t.Fatalf("record: %v", err)
	}

	result, err := tracker.CheckLimit(ctx, 600, store.SpendTransfer, policy)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if result.Allowed {
		t.Fatal("9500 + 600 > 10000 must be denied")
	}
	if !strings.Contains(result.Reason, "Hourly") {
		t.Errorf("reason = %q, want mention of Hourly", result.Reason)
	}
	if result.CurrentHourlySpend != 9500 {
		t.Errorf("currentHourlySpend = %d, want 9500", result.CurrentHourlySpend)
	}

	// A spend that fits is allowed.
	result, _ = tracker.CheckLimit(ctx, 500, store.SpendTransfer, policy)
	if !result.Allowed {
		t.Fatalf("9500 + 500 = 10000 should pass: %s", result.Reason)
	}
}

func TestX402DerivedCaps(t *testing.T) {
	ctx := context.Background()
	tracker := newTracker(t)
	policy := DefaultPolicy() // maxX402PaymentCents = 500 → hourly 5000, daily 25000

	result, err := tracker.CheckLimit(ctx, 5001, store.SpendX402, policy)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if result.Allowed {
		t.Fatal("x402 request above 10x cap must be denied")
	}
	result, _ = tracker.CheckLimit(ctx, 5000, store.SpendX402, policy)
	if !result.Allowed {
		t.Fatalf("x402 at exactly 10x cap should pass: %s", result.Reason)
	}
}

func TestInferenceFallbackCap(t *testing.T) {
	ctx := context.Background()
	tracker := newTracker(t)
	policy := DefaultPolicy() // maxInferenceDailyCents = 2000, no hourly cap

	if err := tracker.RecordSpend(ctx, "model_call", 1900, "", store.SpendInference); err != nil {
		t.Fatalf("record: %v", err)
	}
	result, _ := tracker.CheckLimit(ctx, 200, store.SpendInference, policy)
	if result.Allowed {
		t.Fatal("inference over daily cap must be denied")
	}
	if !strings.Contains(result.Reason, "Daily") {
		t.Errorf("reason = %q, want mention of Daily", result.Reason)
	}
}

func TestSpendAccumulation(t *testing.T) {
	ctx := context.Background()
	tracker := newTracker(t)

	before, err := tracker.HourlySpend(ctx, store.SpendTransfer)
	if err != nil {
		t.Fatalf("hourly: %v", err)
	}
	if err := tracker.RecordSpend(ctx, "transfer_credits", 123, "0xabc", store.SpendTransfer); err != nil {
		t.Fatalf("record: %v", err)
	}
	after, _ := tracker.HourlySpend(ctx, store.SpendTransfer)
	if after != before+123 {
		t.Fatalf("hourly = %d, want %d", after, before+123)
	}
}
