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
	"fmt"
	"path"
	"regexp"
	"strings"

	"github.com/marcus-qen/automaton/internal/store"
	"github.com/marcus-qen/automaton/internal/tools"
)

// Reason codes surfaced in tool results and decision rows.
const (
	ReasonForbiddenRisk = "forbidden_risk"
	ReasonSelfHarm      = "self_harm"
	ReasonProtectedFile = "protected_file"
	ReasonSelfSandbox   = "self_sandbox"
	ReasonTreasuryLimit = "treasury_limit"
	ReasonTransferCount = "transfer_count"
)

// forbiddenCommandPatterns match exec commands that would destroy the
// agent's own substrate: its state directory, database, wallet,
// constitution, its process, or the safety tables. The set extends but
// never shrinks.
var forbiddenCommandPatterns = []*regexp.Regexp{
	// Deleting the agent's home or its contents.
	regexp.MustCompile(`(?i)rm\s+(-[a-z]*\s+)*(~|/root|/home/\w+)?/?\.automaton`),
	regexp.MustCompile(`(?i)rm\s+(-[a-z]*\s+)*\S*state\.db`),
	regexp.MustCompile(`(?i)rm\s+(-[a-z]*\s+)*\S*wallet\.json`),
	regexp.MustCompile(`(?i)rm\s+(-[a-z]*\s+)*\S*constitution\.md`),
	regexp.MustCompile(`(?i)>\s*\S*(wallet\.json|state\.db|constitution\.md)`),
	// Killing the agent's own process.
	regexp.MustCompile(`(?i)\b(kill|pkill|killall)\b.*\b(automaton|-9\s+1)\b`),
	// Destructive SQL against protected tables.
	regexp.MustCompile(`(?i)\b(DROP|DELETE|TRUNCATE)\b.*\b(identity|agent_turns|spend_records|policy_decisions|child_lifecycle_events|schema_version)\b`),
	// Editing safety infrastructure in place.
	regexp.MustCompile(`(?i)\bsed\b.*-i.*\b(constitution\.md|policy|heartbeat\.yml)\b`),
	// Reading secrets.
	regexp.MustCompile(`(?i)\b(cat|less|head|tail|cp|scp)\b.*\b(wallet\.json|\.env|private[_-]?key)\b`),
}

// defaultProtectedFiles may not be written or edited by the agent's file
// tools.
var defaultProtectedFiles = []string{
	"wallet.json",
	"state.db",
	"constitution.md",
	"heartbeat.yml",
}

func builtinRules(cfg Config) []Rule {
	protected := append([]string{}, defaultProtectedFiles...)
	protected = append(protected, cfg.ProtectedFiles...)

	return []Rule{
		{
			Name:     "forbidden-risk",
			Priority: 10,
			Selector: Selector{All: true},
			Evaluate: func(_ context.Context, req *Request) *RuleResult {
				if req.Risk != tools.RiskForbidden {
					return nil
				}
				return &RuleResult{
					Action:     ActionDeny,
					ReasonCode: ReasonForbiddenRisk,
					Message:    fmt.Sprintf("Blocked: tool %s is forbidden", req.ToolName),
				}
			},
		},
		{
			Name:     "forbidden-command-pattern",
			Priority: 20,
			Selector: Selector{ByName: []string{"exec"}},
			Evaluate: func(_ context.Context, req *Request) *RuleResult {
				command := tools.StringArg(req.Args, "command")
				for _, pattern := range forbiddenCommandPatterns {
					if pattern.MatchString(command) {
						return &RuleResult{
							Action:     ActionDeny,
							ReasonCode: ReasonSelfHarm,
							Message:    "Blocked: command matches a self-preservation pattern",
						}
					}
				}
				return nil
			},
		},
		{
			Name:     "protected-file-write",
			Priority: 30,
			Selector: Selector{ByName: []string{"write_file", "edit_file"}},
			Evaluate: func(_ context.Context, req *Request) *RuleResult {
				target := tools.StringArg(req.Args, "path")
				base := path.Base(target)
				for _, p := range protected {
					if base == p || strings.HasSuffix(target, "/"+p) {
						return &RuleResult{
							Action:     ActionDeny,
							ReasonCode: ReasonProtectedFile,
							Message:    fmt.Sprintf("Blocked: %s is a protected file", p),
						}
					}
				}
				return nil
			},
		},
		{
			Name:     "self-sandbox-delete",
			Priority: 40,
			Selector: Selector{ByName: []string{"delete_sandbox"}},
			Evaluate: func(_ context.Context, req *Request) *RuleResult {
				target := tools.StringArg(req.Args, "sandbox_id")
				if cfg.OwnSandboxID != "" && target == cfg.OwnSandboxID {
					return &RuleResult{
						Action:     ActionDeny,
						ReasonCode: ReasonSelfSandbox,
						Message:    "Blocked: Cannot delete own sandbox",
					}
				}
				return nil
			},
		},
		{
			Name:     "treasury-limit",
			Priority: 50,
			Selector: Selector{ByCategory: []tools.Category{tools.CategoryFinancial}},
			Evaluate: func(ctx context.Context, req *Request) *RuleResult {
				if cfg.Treasury == nil {
					return nil
				}
				amount := tools.IntArg(req.Args, "amount_cents")
				category := spendCategory(req.ToolName)
				result, err := cfg.Treasury.CheckLimit(ctx, amount, category, cfg.TreasuryPolicy)
				if err != nil {
					return &RuleResult{
						Action:     ActionDeny,
						ReasonCode: ReasonTreasuryLimit,
						Message:    fmt.Sprintf("Blocked: limit check failed: %v", err),
					}
				}
				if !result.Allowed {
					return &RuleResult{
						Action:     ActionDeny,
						ReasonCode: ReasonTreasuryLimit,
						Message:    result.Reason,
					}
				}
				return nil
			},
		},
		{
			Name:     "turn-transfer-count",
			Priority: 60,
			Selector: Selector{ByCategory: []tools.Category{tools.CategoryFinancial}},
			Evaluate: func(_ context.Context, req *Request) *RuleResult {
				max := cfg.TreasuryPolicy.MaxTransfersPerTurn
				if max <= 0 || req.Turn.TurnTransferCount < max {
					return nil
				}
				return &RuleResult{
					Action:     ActionDeny,
					ReasonCode: ReasonTransferCount,
					Message:    fmt.Sprintf("Blocked: more than %d financial calls this turn", max),
				}
			},
		},
	}
}

// spendCategory maps financial tool names to spend categories.
func spendCategory(toolName string) string {
	switch toolName {
	case "transfer_credits":
		return store.SpendTransfer
	case "x402_fetch":
		return store.SpendX402
	default:
		return store.SpendOther
	}
}
