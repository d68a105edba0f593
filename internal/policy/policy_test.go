/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

package policy

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/go-logr/logr"

	"github.com/marcus-qen/automaton/internal/observe"
	"github.com/marcus-qen/automaton/internal/store"
	"github.com/marcus-qen/automaton/internal/tools"
	"github.com/marcus-qen/automaton/internal/treasury"
)

func newEngine(t *testing.T) (*Engine, *store.Store) {
	t.Helper()
	s, err := store.Open(context.Background(),
		store.Options{Path: filepath.Join(t.TempDir(), "state.db")}, logr.Discard())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	metrics := observe.NewCollector()
	tracker := treasury.NewTracker(s, metrics, logr.Discard())
	engine := NewEngine(Config{
		Treasury:       tracker,
		TreasuryPolicy: treasury.DefaultPolicy(),
		OwnSandboxID:   "sb-self",
	}, s, metrics, logr.Discard())
	return engine, s
}

func TestForbiddenRiskDenied(t *testing.T) {
	engine, _ := newEngine(t)
	d, err := engine.Evaluate(context.Background(), &Request{
		ToolName: "raw_key_export",
		Risk:     tools.RiskForbidden,
		Category: tools.CategorySystem,
	})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if d.Action != ActionDeny || d.RuleTriggered != "forbidden-risk" {
		t.Fatalf("decision = %+v, want deny by forbidden-risk", d)
	}
}

func TestForbiddenCommandPatterns(t *testing.T) {
	engine, _ := newEngine(t)
	ctx := context.Background()

	denied := []string{
		"rm -rf ~/.automaton",
		"rm /home/agent/.automaton/state.db",
		"rm wallet.json",
		"kill -9 $(pgrep automaton)",
		"sqlite3 state.db 'DROP TABLE agent_turns'",
		"DELETE FROM spend_records WHERE 1=1",
		"sed -i 's/deny/allow/' constitution.md",
		"cat ~/.automaton/wallet.json",
	}
	for _, cmd := range denied {
		d, err := engine.Evaluate(ctx, &Request{
			ToolName: "exec",
			Risk:     tools.RiskDangerous,
			Category: tools.CategorySystem,
			Args:     map[string]interface{}{"command": cmd},
		})
		if err != nil {
			t.Fatalf("evaluate %q: %v", cmd, err)
		}
		if d.Action != ActionDeny || d.ReasonCode != ReasonSelfHarm {
			t.Errorf("command %q: decision = %s/%s, want deny/self_harm", cmd, d.Action, d.ReasonCode)
		}
	}

	allowed := []string{
		"ls -la /tmp",
		"curl https://example.com",
		"rm /tmp/scratch.txt",
		"ps aux",
	}
	for _, cmd := range allowed {
		d, _ := engine.Evaluate(ctx, &Request{
			ToolName: "exec",
			Risk:     tools.RiskDangerous,
			Category: tools.CategorySystem,
			Args:     map[string]interface{}{"command": cmd},
		})
		if d.Action != ActionAllow {
			t.Errorf("command %q: decision = %s (%s), want allow", cmd, d.Action, d.Message)
		}
	}
}

func TestProtectedFileWrite(t *testing.T) {
	engine, _ := newEngine(t)
	d, _ := engine.Evaluate(context.Background(), &Request{
		ToolName: "write_file",
		Risk:     tools.RiskCaution,
		Category: tools.CategoryFiles,
		Args:     map[string]interface{}{"path": "/home/agent/.automaton/wallet.json"},
	})
	if d.Action != ActionDeny || d.ReasonCode != ReasonProtectedFile {
		t.Fatalf("decision = %+v, want protected_file deny", d)
	}

	d, _ = engine.Evaluate(context.Background(), &Request{
		ToolName: "write_file",
		Risk:     tools.RiskCaution,
		Category: tools.CategoryFiles,
		Args:     map[string]interface{}{"path": "/tmp/notes.md"},
	})
	if d.Action != ActionAllow {
		t.Fatalf("ordinary write denied: %+v", d)
	}
}

func TestSelfSandboxDelete(t *testing.T) {
	engine, _ := newEngine(t)
	d, _ := engine.Evaluate(context.Background(), &Request{
		ToolName: "delete_sandbox",
		Risk:     tools.RiskDangerous,
		Category: tools.CategoryLineage,
		Args:     map[string]interface{}{"sandbox_id": "sb-self"},
	})
	if d.Action != ActionDeny || !strings.Contains(d.Message, "Cannot delete own sandbox") {
		t.Fatalf("decision = %+v, want own-sandbox deny", d)
	}

	d, _ = engine.Evaluate(context.Background(), &Request{
		ToolName: "delete_sandbox",
		Risk:     tools.RiskDangerous,
		Category: tools.CategoryLineage,
		Args:     map[string]interface{}{"sandbox_id": "sb-other"},
	})
	if d.Action != ActionAllow {
		t.Fatalf("other-sandbox delete denied: %+v", d)
	}
}

func TestTreasuryLimitRule(t *testing.T) {
	engine, s := newEngine(t)
	ctx := context.Background()

	// Fill the hourly transfer window close to the cap.
	if _, err := s.InsertSpend(ctx, "transfer_credits", 9500, "0xabc", store.SpendTransfer); err != nil {
		t.Fatalf("seed spend: %v", err)
	}

	d, err := engine.Evaluate(ctx, &Request{
		ToolName: "transfer_credits",
		Risk:     tools.RiskDangerous,
		Category: tools.CategoryFinancial,
		Args:     map[string]interface{}{"amount_cents": float64(600), "to": "0xabc"},
	})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if d.Action != ActionDeny || d.ReasonCode != ReasonTreasuryLimit {
		t.Fatalf("decision = %+v, want treasury_limit deny", d)
	}
	if !strings.Contains(d.Message, "Hourly") {
		t.Errorf("message = %q, want hourly limit mention", d.Message)
	}
}

func TestTurnTransferCount(t *testing.T) {
	engine, _ := newEngine(t)
	d, _ := engine.Evaluate(context.Background(), &Request{
		ToolName: "transfer_credits",
		Risk:     tools.RiskDangerous,
		Category: tools.CategoryFinancial,
		Args:     map[string]interface{}{"amount_cents": float64(1)},
		Turn:     TurnContext{TurnTransferCount: 3},
	})
	if d.Action != ActionDeny || d.ReasonCode != ReasonTransferCount {
		t.Fatalf("decision = %+v, want transfer_count deny", d)
	}
}

func TestEveryEvaluationPersistsDecision(t *testing.T) {
	engine, s := newEngine(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := engine.Evaluate(ctx, &Request{
			ToolName: "check_balance",
			Risk:     tools.RiskSafe,
			Category: tools.CategoryFinancial,
			Turn:     TurnContext{TurnID: "turn-1"},
			Args:     map[string]interface{}{"n": float64(i)},
		}); err != nil {
			t.Fatalf("evaluate: %v", err)
		}
	}

	rows, err := s.PolicyDecisionsForTurn(ctx, "turn-1")
	if err != nil {
		t.Fatalf("rows: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("decision rows = %d, want exactly one per dispatch (3)", len(rows))
	}
}

func TestArgsHashCanonical(t *testing.T) {
	a := HashArgs(map[string]interface{}{"a": 1.0, "b": "x"})
	b := HashArgs(map[string]interface{}{"b": "x", "a": 1.0})
	if a != b {
		t.Fatal("args hash must be key-order independent")
	}
	c := HashArgs(map[string]interface{}{"a": 2.0, "b": "x"})
	if a == c {
		t.Fatal("distinct args must hash differently")
	}
}
