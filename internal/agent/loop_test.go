/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

package agent

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/go-logr/logr"

	"github.com/marcus-qen/automaton/internal/config"
	"github.com/marcus-qen/automaton/internal/memory"
	"github.com/marcus-qen/automaton/internal/observe"
	"github.com/marcus-qen/automaton/internal/policy"
	"github.com/marcus-qen/automaton/internal/provider"
	"github.com/marcus-qen/automaton/internal/soul"
	"github.com/marcus-qen/automaton/internal/store"
	"github.com/marcus-qen/automaton/internal/tools"
	"github.com/marcus-qen/automaton/internal/treasury"
)

// echoTool is a trivial registry entry for loop tests.
type echoTool struct {
	name     string
	risk     tools.RiskLevel
	category tools.Category
	fail     bool
}

func (e *echoTool) Name() string              { return e.name }
func (e *echoTool) Description() string       { return "test tool" }
func (e *echoTool) Risk() tools.RiskLevel     { return e.risk }
func (e *echoTool) Category() tools.Category  { return e.category }
func (e *echoTool) Parameters() map[string]interface{} {
	return map[string]interface{}{"type": "object"}
}

func (e *echoTool) Execute(_ context.Context, args map[string]interface{}) (string, error) {
	if e.fail {
		return "", errors.New("tool exploded")
	}
	return "echo:" + tools.StringArg(args, "value"), nil
}

func newLoop(t *testing.T, model provider.Provider) (*Loop, *store.Store) {
	t.Helper()
	ctx := context.Background()
	s, err := store.Open(ctx,
		store.Options{Path: filepath.Join(t.TempDir(), "state.db")}, logr.Discard())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	metrics := observe.NewCollector()
	tracker := treasury.NewTracker(s, metrics, logr.Discard())
	engine := policy.NewEngine(policy.Config{
		Treasury:       tracker,
		TreasuryPolicy: treasury.DefaultPolicy(),
		OwnSandboxID:   "sb-self",
	}, s, metrics, logr.Discard())

	registry := tools.NewRegistry()
	registry.Register(&echoTool{name: "echo", risk: tools.RiskSafe, category: tools.CategorySystem})
	registry.Register(&echoTool{name: "broken", risk: tools.RiskSafe, category: tools.CategorySystem, fail: true})
	registry.Register(&echoTool{name: "sealed", risk: tools.RiskForbidden, category: tools.CategorySystem})

	cfgmgr := config.NewManager(config.Default(t.TempDir()), "")
	docs := &soul.Documents{Constitution: "be good"}

	loop := NewLoop(s, model, registry, engine, tracker,
		memory.NewIngestor(s, logr.Discard()), metrics, cfgmgr, docs, nil, logr.Discard())
	return loop, s
}

func TestTurnPersistsBundle(t *testing.T) {
	ctx := context.Background()
	mock := provider.NewMock([]*provider.CompletionResponse{{
		Content:  "done",
		Thinking: "OBSERVE: balance is fine\nDECIDE: echo a value\nACT: calling echo",
		ToolCalls: []provider.ToolCall{
			{ID: "tc-1", Name: "echo", Args: map[string]interface{}{"value": "hi"}},
			{ID: "tc-2", Name: "missing_tool", Args: map[string]interface{}{}},
			{ID: "tc-3", Name: "broken", Args: map[string]interface{}{}},
		},
		Usage:      provider.UsageInfo{InputTokens: 900, OutputTokens: 100},
		StopReason: "tool_use",
	}}, []error{nil})

	loop, s := newLoop(t, mock)
	outcome, err := loop.RunTurn(ctx, TurnInput{Source: "heartbeat", Content: "wake"})
	if err != nil {
		t.Fatalf("turn: %v", err)
	}

	if len(outcome.ToolCalls) != 3 {
		t.Fatalf("tool results = %d, want 3", len(outcome.ToolCalls))
	}
	if outcome.ToolCalls[0].Result != "echo:hi" || outcome.ToolCalls[0].Error != "" {
		t.Errorf("echo result = %+v", outcome.ToolCalls[0])
	}
	if !strings.Contains(outcome.ToolCalls[1].Error, "Unknown tool") {
		t.Errorf("missing tool error = %q", outcome.ToolCalls[1].Error)
	}
	if outcome.ToolCalls[2].Error != "tool exploded" {
		t.Errorf("broken tool error = %q", outcome.ToolCalls[2].Error)
	}

	// One ToolCall row per invocation, reasoning steps ordered.
	calls, err := s.ToolCallsForTurn(ctx, outcome.TurnID)
	if err != nil {
		t.Fatalf("calls: %v", err)
	}
	if len(calls) != len(outcome.ToolCalls) {
		t.Fatalf("persisted calls = %d, want %d", len(calls), len(outcome.ToolCalls))
	}
	steps, err := s.ReasoningStepsForTurn(ctx, outcome.TurnID)
	if err != nil {
		t.Fatalf("steps: %v", err)
	}
	if len(steps) != 3 {
		t.Fatalf("reasoning steps = %d, want 3", len(steps))
	}
	if steps[0].Phase != store.PhaseObserve || steps[1].Phase != store.PhaseDecide || steps[2].Phase != store.PhaseAct {
		t.Errorf("phases = %s,%s,%s", steps[0].Phase, steps[1].Phase, steps[2].Phase)
	}
}

func TestForbiddenToolBlocked(t *testing.T) {
	ctx := context.Background()
	mock := provider.NewMock([]*provider.CompletionResponse{{
		Content: "trying",
		ToolCalls: []provider.ToolCall{
			{ID: "tc-1", Name: "sealed", Args: map[string]interface{}{}},
		},
		Usage: provider.UsageInfo{InputTokens: 10, OutputTokens: 5},
	}}, []error{nil})

	loop, s := newLoop(t, mock)
	outcome, err := loop.RunTurn(ctx, TurnInput{Source: "manual"})
	if err != nil {
		t.Fatalf("turn: %v", err)
	}
	if !strings.HasPrefix(outcome.ToolCalls[0].Error, "Policy denied:") {
		t.Fatalf("error = %q, want policy denial", outcome.ToolCalls[0].Error)
	}

	rows, _ := s.PolicyDecisionsForTurn(ctx, outcome.TurnID)
	if len(rows) != 1 || rows[0].Decision != "deny" {
		t.Fatalf("decision rows = %+v, want one deny", rows)
	}
}

func TestModelFailureAbortsTurn(t *testing.T) {
	ctx := context.Background()
	chain, err := provider.NewChain(
		provider.NewMockFailing("primary", errors.New("HTTP 500")),
		provider.NewMockFailing("fallback", errors.New("connection refused")),
	)
	if err != nil {
		t.Fatalf("chain: %v", err)
	}

	loop, s := newLoop(t, chain)
	_, err = loop.RunTurn(ctx, TurnInput{Source: "manual"})
	if err == nil {
		t.Fatal("turn must abort when every provider fails")
	}
	for _, fragment := range []string{"primary", "HTTP 500", "fallback", "connection refused"} {
		if !strings.Contains(err.Error(), fragment) {
			t.Errorf("aggregate error %q missing %q", err.Error(), fragment)
		}
	}

	// Nothing persisted for the aborted turn.
	n, _ := s.TurnCount(ctx)
	if n != 0 {
		t.Fatalf("turn count = %d after aborted turn, want 0", n)
	}
}

func TestFallbackChainRecovers(t *testing.T) {
	ctx := context.Background()
	chain, err := provider.NewChain(
		provider.NewMockFailing("primary", errors.New("rate limited")),
		provider.NewMockText("fallback says hi"),
	)
	if err != nil {
		t.Fatalf("chain: %v", err)
	}

	loop, _ := newLoop(t, chain)
	outcome, err := loop.RunTurn(ctx, TurnInput{Source: "manual"})
	if err != nil {
		t.Fatalf("turn: %v", err)
	}
	if outcome.Response != "fallback says hi" {
		t.Fatalf("response = %q", outcome.Response)
	}
}

func TestDrainWakeEventsFIFO(t *testing.T) {
	ctx := context.Background()
	mock := provider.NewMock([]*provider.CompletionResponse{
		{Content: "one", Usage: provider.UsageInfo{InputTokens: 1, OutputTokens: 1}},
		{Content: "two", Usage: provider.UsageInfo{InputTokens: 1, OutputTokens: 1}},
	}, []error{nil, nil})

	loop, s := newLoop(t, mock)
	if err := s.EnqueueWake(ctx, "heartbeat", "first", ""); err != nil {
		t.Fatal(err)
	}
	if err := s.EnqueueWake(ctx, "inbox", "second", ""); err != nil {
		t.Fatal(err)
	}

	ran, err := loop.DrainWakeEvents(ctx, 10)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if ran != 2 {
		t.Fatalf("ran = %d, want 2", ran)
	}
	turns, _ := s.RecentTurns(ctx, 10)
	if len(turns) != 2 {
		t.Fatalf("turns = %d", len(turns))
	}
}

func TestSanitizeExternal(t *testing.T) {
	dirty := "normal\ttext\nwith \x1b[31mansi\x1b[0m and \x00nulls"
	clean := SanitizeExternal(dirty)
	if strings.ContainsRune(clean, '\x1b') || strings.ContainsRune(clean, '\x00') {
		t.Fatalf("control characters survived: %q", clean)
	}
	if !strings.Contains(clean, "normal\ttext\nwith") {
		t.Fatalf("tabs/newlines must survive: %q", clean)
	}
}

func TestParseReasoning(t *testing.T) {
	steps := ParseReasoning("preamble thoughts\nORIENT: the treasury is low\nDECIDE: sleep\n  more detail")
	if len(steps) != 3 {
		t.Fatalf("steps = %d, want 3", len(steps))
	}
	if steps[0].Phase != store.PhaseObserve || steps[0].StepNumber != 1 {
		t.Errorf("step 1 = %+v", steps[0])
	}
	if steps[1].Phase != store.PhaseOrient {
		t.Errorf("step 2 phase = %s", steps[1].Phase)
	}
	if steps[2].Phase != store.PhaseDecide || !strings.Contains(steps[2].Content, "more detail") {
		t.Errorf("step 3 = %+v", steps[2])
	}
	if ParseReasoning("") != nil {
		t.Error("empty thinking must yield no steps")
	}
}
