/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

package memory

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/go-logr/logr"

	"github.com/marcus-qen/automaton/internal/store"
)

func newIngestor(t *testing.T) (*Ingestor, *store.Store) {
	t.Helper()
	s, err := store.Open(context.Background(),
		store.Options{Path: filepath.Join(t.TempDir(), "state.db")}, logr.Discard())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return NewIngestor(s, logr.Discard()), s
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		turn TurnRecord
		want string
	}{
		{"no tools", TurnRecord{}, ClassIdle},
		{"all failed", TurnRecord{ToolCalls: []ToolCallRecord{
			{Name: "exec", Failed: true}, {Name: "web_fetch", Failed: true},
		}}, ClassError},
		{"spawn wins", TurnRecord{ToolCalls: []ToolCallRecord{
			{Name: "check_balance"}, {Name: "spawn_child"},
		}}, ClassStrategic},
		{"send", TurnRecord{ToolCalls: []ToolCallRecord{
			{Name: "send_message"},
		}}, ClassCommunication},
		{"exec", TurnRecord{ToolCalls: []ToolCallRecord{
			{Name: "exec"},
		}}, ClassProductive},
		{"balance only", TurnRecord{ToolCalls: []ToolCallRecord{
			{Name: "check_balance"},
		}}, ClassMaintenance},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(&tt.turn); got != tt.want {
				t.Errorf("Classify = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestIngestPipeline(t *testing.T) {
	ctx := context.Background()
	ing, s := newIngestor(t)

	turn := &TurnRecord{
		TurnID:    "turn-1",
		SessionID: "session-1",
		Response:  "checked balances, messaged peer",
		ToolCalls: []ToolCallRecord{
			{Name: "check_balance", Result: `{"credits": 1200, "usdc": 450}`},
			{
				Name: "send_message",
				Args: map[string]interface{}{"to": "0x70997970C51812dc3A010C7d01b50e0d17dc79C8"},
			},
			{Name: "sleep", Args: map[string]interface{}{"observation": "quiet period, low inbox volume"}},
		},
	}
	ing.Ingest(ctx, turn)

	// Semantic facts landed.
	fact, err := s.GetSemanticMemory(ctx, "balances", "credits")
	if err != nil {
		t.Fatalf("semantic fact missing: %v", err)
	}
	if fact.Value != "1200" {
		t.Errorf("credits fact = %q, want 1200", fact.Value)
	}

	// Relationship created at trust 0.5.
	rel, err := s.GetRelationship(ctx, "0x70997970c51812dc3a010c7d01b50e0d17dc79c8")
	if err != nil {
		t.Fatalf("relationship missing: %v", err)
	}
	if rel.TrustScore != 0.5 || rel.InteractionCount != 1 {
		t.Errorf("relationship = trust %v count %d, want 0.5/1", rel.TrustScore, rel.InteractionCount)
	}

	// Working memory captured the sleep observation.
	entries, _ := s.WorkingMemoryForSession(ctx, "session-1")
	if len(entries) != 1 {
		t.Fatalf("working memory entries = %d, want 1", len(entries))
	}

	// Second interaction bumps the count, not the trust.
	ing.Ingest(ctx, &TurnRecord{
		TurnID: "turn-2", SessionID: "session-1",
		ToolCalls: []ToolCallRecord{{
			Name: "send_message",
			Args: map[string]interface{}{"to": "0x70997970C51812dc3A010C7d01b50e0d17dc79C8"},
		}},
	})
	rel, _ = s.GetRelationship(ctx, "0x70997970c51812dc3a010c7d01b50e0d17dc79c8")
	if rel.InteractionCount != 2 {
		t.Errorf("interaction count = %d, want 2", rel.InteractionCount)
	}
}

func TestIngestNeverFails(t *testing.T) {
	ctx := context.Background()
	ing, s := newIngestor(t)

	// Close the store underneath the ingestor — every step must swallow the
	// failure instead of propagating.
	s.Close()
	ing.Ingest(ctx, &TurnRecord{
		TurnID: "turn-x", SessionID: "session-x",
		ToolCalls: []ToolCallRecord{{Name: "check_balance", Result: `{"credits": 5}`}},
	})
}

func TestInboxSenderExtraction(t *testing.T) {
	result := `{"messages":[{"from":"0xAAA1111111111111111111111111111111111111"},{"from":"0xAAA1111111111111111111111111111111111111"},{"from":"0xBBB2222222222222222222222222222222222222"}]}`
	senders := senderAddresses(result)
	if len(senders) != 2 {
		t.Fatalf("senders = %v, want 2 unique", senders)
	}
}
