/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package policy implements the safety-critical enforcement layer between
// LLM tool requests and actual execution.
//
// Every tool call passes through the engine before execution:
//  1. Rules evaluate in priority order (ascending)
//  2. A rule's selector decides applicability (name/category/risk/all)
//  3. The first rule returning a non-allow action wins
//  4. No rule firing means allow
//
// Every decision — allow or not — is persisted as a PolicyDecision row.
package policy

import (
	"context"
	"database/sql"
	"encoding/json"
	"sort"

	"github.com/go-logr/logr"

	"github.com/marcus-qen/automaton/internal/observe"
	"github.com/marcus-qen/automaton/internal/signing"
	"github.com/marcus-qen/automaton/internal/store"
	"github.com/marcus-qen/automaton/internal/tools"
	"github.com/marcus-qen/automaton/internal/treasury"
)

// Action is a policy verdict.
type Action string

const (
	ActionAllow      Action = "allow"
	ActionDeny       Action = "deny"
	ActionQuarantine Action = "quarantine"
)

// TurnContext carries per-turn counters into rule evaluation.
type TurnContext struct {
	TurnID            string
	InputSource       string
	TurnToolCallCount int
	TurnTransferCount int
	SessionSpendCents int64
}

// Request is one tool call awaiting a verdict.
type Request struct {
	ToolName string
	Risk     tools.RiskLevel
	Category tools.Category
	Args     map[string]interface{}
	Turn     TurnContext
}

// RuleResult is a rule's verdict when it applies.
type RuleResult struct {
	Action     Action
	ReasonCode string
	Message    string
}

// Selector scopes a rule to a subset of tools. An empty selector with All
// unset never matches.
type Selector struct {
	ByName     []string
	ByCategory []tools.Category
	ByRisk     []tools.RiskLevel
	All        bool
}

func (s Selector) matches(req *Request) bool {
	if s.All {
		return true
	}
	for _, n := range s.ByName {
		if n == req.ToolName {
			return true
		}
	}
	for _, c := range s.ByCategory {
		if c == req.Category {
			return true
		}
	}
	for _, r := range s.ByRisk {
		if r == req.Risk {
			return true
		}
	}
	return false
}

// Rule is one ordered policy rule. Evaluate returns nil when the rule does
// not apply to the request.
type Rule struct {
	Name     string
	Priority int
	Selector Selector
	Evaluate func(ctx context.Context, req *Request) *RuleResult
}

// Decision is the engine's final verdict for one request.
type Decision struct {
	Action         Action
	ReasonCode     string
	Message        string
	RuleTriggered  string
	RulesEvaluated int
	ArgsHash       string
}

// Allowed reports whether the tool may execute.
func (d *Decision) Allowed() bool { return d.Action == ActionAllow }

// Engine evaluates ordered rules and persists every decision.
type Engine struct {
	rules   []Rule
	store   *store.Store
	metrics *observe.Collector
	log     logr.Logger
}

// Config wires the built-in rules.
type Config struct {
	// Treasury backs the treasury-limit rule.
	Treasury *treasury.Tracker

	// TreasuryPolicy holds the caps for limit checks.
	TreasuryPolicy treasury.Policy

	// OwnSandboxID backs the self-sandbox-delete rule.
	OwnSandboxID string

	// ProtectedFiles extends the built-in protected path set.
	ProtectedFiles []string
}

// NewEngine builds an engine with the mandatory built-in rules plus any
// extras, ordered by priority ascending.
func NewEngine(cfg Config, s *store.Store, metrics *observe.Collector, log logr.Logger, extra ...Rule) *Engine {
	rules := builtinRules(cfg)
	rules = append(rules, extra...)
	sort.SliceStable(rules, func(i, j int) bool { return rules[i].Priority < rules[j].Priority })
	return &Engine{
		rules:   rules,
		store:   s,
		metrics: metrics,
		log:     log.WithName("policy"),
	}
}

// Evaluate runs the rule chain and persists the decision. This is the
// single entry point — all tool gating happens here.
func (e *Engine) Evaluate(ctx context.Context, req *Request) (*Decision, error) {
	decision := &Decision{
		Action:   ActionAllow,
		ArgsHash: HashArgs(req.Args),
	}

	for _, rule := range e.rules {
		if !rule.Selector.matches(req) {
			continue
		}
		decision.RulesEvaluated++
		result := rule.Evaluate(ctx, req)
		if result == nil || result.Action == ActionAllow {
			continue
		}
		decision.Action = result.Action
		decision.ReasonCode = result.ReasonCode
		decision.Message = result.Message
		decision.RuleTriggered = rule.Name
		break
	}

	row := &store.PolicyDecisionRow{
		TurnID:         sql.NullString{String: req.Turn.TurnID, Valid: req.Turn.TurnID != ""},
		ToolName:       req.ToolName,
		ArgsHash:       decision.ArgsHash,
		RiskLevel:      string(req.Risk),
		Decision:       string(decision.Action),
		RulesEvaluated: decision.RulesEvaluated,
		RuleTriggered:  sql.NullString{String: decision.RuleTriggered, Valid: decision.RuleTriggered != ""},
		Reason:         sql.NullString{String: decision.Message, Valid: decision.Message != ""},
	}
	if err := e.store.InsertPolicyDecision(ctx, row); err != nil {
		return nil, err
	}

	e.metrics.RecordPolicyDecision(req.ToolName, string(decision.Action))
	if !decision.Allowed() {
		e.log.Info("tool call blocked",
			"tool", req.ToolName,
			"action", decision.Action,
			"rule", decision.RuleTriggered,
			"reason", decision.Message,
		)
	}
	return decision, nil
}

// HashArgs renders the canonical keccak hash of a tool's arguments. Keys
// are sorted so semantically equal argument maps hash identically.
func HashArgs(args map[string]interface{}) string {
	return signing.ContentHash(canonicalJSON(args))
}

func canonicalJSON(v interface{}) string {
	switch t := v.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := "{"
		for i, k := range keys {
			if i > 0 {
				out += ","
			}
			kb, _ := json.Marshal(k)
			out += string(kb) + ":" + canonicalJSON(t[k])
		}
		return out + "}"
	case []interface{}:
		out := "["
		for i, e := range t {
			if i > 0 {
				out += ","
			}
			out += canonicalJSON(e)
		}
		return out + "]"
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return "null"
		}
		return string(b)
	}
}
