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
	"database/sql"

	"github.com/marcus-qen/automaton/internal/errs"
)

// PolicyDecisionRow is one persisted policy engine evaluation.
type PolicyDecisionRow struct {
	ID             string         `db:"id"`
	TurnID         sql.NullString `db:"turn_id"`
	ToolName       string         `db:"tool_name"`
	ArgsHash       string         `db:"args_hash"`
	RiskLevel      string         `db:"risk_level"`
	Decision       string         `db:"decision"`
	RulesEvaluated int            `db:"rules_evaluated"`
	RuleTriggered  sql.NullString `db:"rule_triggered"`
	Reason         sql.NullString `db:"reason"`
	CreatedAt      string         `db:"created_at"`
}

// InsertPolicyDecision persists one decision. Exactly one row exists per
// tool call dispatch.
func (s *Store) InsertPolicyDecision(ctx context.Context, d *PolicyDecisionRow) error {
	if d.ID == "" {
		d.ID = s.NewULID()
	}
	if d.CreatedAt == "" {
		d.CreatedAt = NowISO()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO policy_decisions
			(id, turn_id, tool_name, args_hash, risk_level, decision, rules_evaluated, rule_triggered, reason, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.TurnID, d.ToolName, d.ArgsHash, d.RiskLevel, d.Decision,
		d.RulesEvaluated, d.RuleTriggered, d.Reason, d.CreatedAt)
	return errs.Wrap(errs.KindUnavailable, err, "insert policy decision")
}

// PolicyDecisionsForTurn lists decisions recorded during one turn.
func (s *Store) PolicyDecisionsForTurn(ctx context.Context, turnID string) ([]PolicyDecisionRow, error) {
	var rows []PolicyDecisionRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT * FROM policy_decisions WHERE turn_id = ? ORDER BY created_at, id`, turnID)
	return rows, errs.Wrap(errs.KindUnavailable, err, "policy decisions for %s", turnID)
}
