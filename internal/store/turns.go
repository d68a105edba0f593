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

	"github.com/jmoiron/sqlx"

	"github.com/marcus-qen/automaton/internal/errs"
)

// Agent states. Turns record the state the agent was in when the turn ran.
const (
	StateSetup      = "setup"
	StateWaking     = "waking"
	StateRunning    = "running"
	StateSleeping   = "sleeping"
	StateLowCompute = "low_compute"
	StateCritical   = "critical"
	StateDead       = "dead"
)

// TokenUsage is the JSON-coded usage blob on a turn.
type TokenUsage struct {
	InputTokens  int64 `json:"inputTokens"`
	OutputTokens int64 `json:"outputTokens"`
}

// AgentTurn is one completed reasoning turn. Inserted once, never mutated.
type AgentTurn struct {
	ID          string         `db:"id"`
	Timestamp   string         `db:"timestamp"`
	State       string         `db:"state"`
	InputSource string         `db:"input_source"`
	Input       sql.NullString `db:"input"`
	Thinking    sql.NullString `db:"thinking"`
	Response    sql.NullString `db:"response"`
	TokenUsage  []byte         `db:"token_usage"`
	CostCents   int64          `db:"cost_cents"`
}

// Usage decodes the token usage blob, degrading to zeros on corrupt rows.
func (t *AgentTurn) Usage(s *Store) TokenUsage {
	var u TokenUsage
	s.SafeParseJSON(t.TokenUsage, &u, "agent_turns.token_usage")
	return u
}

// ToolCall is one tool invocation belonging to a turn.
type ToolCall struct {
	ID         string         `db:"id"`
	TurnID     string         `db:"turn_id"`
	Name       string         `db:"name"`
	Args       []byte         `db:"args"`
	Result     sql.NullString `db:"result"`
	DurationMs int64          `db:"duration_ms"`
	Error      sql.NullString `db:"error"`
}

// OODA phases for reasoning steps.
const (
	PhaseObserve = "observe"
	PhaseOrient  = "orient"
	PhaseDecide  = "decide"
	PhaseAct     = "act"
)

// ReasoningStep is one structured step of a turn's thinking, ordered by
// step_number within the turn.
type ReasoningStep struct {
	ID         string `db:"id"`
	TurnID     string `db:"turn_id"`
	StepNumber int    `db:"step_number"`
	Phase      string `db:"phase"`
	Content    string `db:"content"`
	CreatedAt  string `db:"created_at"`
}

// InsertTurnTx writes a turn inside an existing transaction.
func InsertTurnTx(ctx context.Context, tx *sqlx.Tx, t *AgentTurn) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO agent_turns (id, timestamp, state, input_source, input, thinking, response, token_usage, cost_cents)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Timestamp, t.State, t.InputSource, t.Input, t.Thinking, t.Response, t.TokenUsage, t.CostCents)
	return errs.Wrap(errs.KindUnavailable, err, "insert turn %s", t.ID)
}

// InsertToolCallTx writes a tool call inside an existing transaction.
func InsertToolCallTx(ctx context.Context, tx *sqlx.Tx, c *ToolCall) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO tool_calls (id, turn_id, name, args, result, duration_ms, error)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.TurnID, c.Name, c.Args, c.Result, c.DurationMs, c.Error)
	return errs.Wrap(errs.KindUnavailable, err, "insert tool call %s", c.ID)
}

// InsertReasoningStepTx writes a reasoning step inside an existing transaction.
func InsertReasoningStepTx(ctx context.Context, tx *sqlx.Tx, r *ReasoningStep) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO reasoning_steps (id, turn_id, step_number, phase, content, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		r.ID, r.TurnID, r.StepNumber, r.Phase, r.Content, r.CreatedAt)
	return errs.Wrap(errs.KindUnavailable, err, "insert reasoning step")
}

// GetTurn loads a turn by id.
func (s *Store) GetTurn(ctx context.Context, id string) (*AgentTurn, error) {
	var t AgentTurn
	err := s.db.GetContext(ctx, &t, `SELECT * FROM agent_turns WHERE id = ?`, id)
	if err == sql.ErrNoRows {
		return nil, errs.New(errs.KindNotFound, "turn %s not found", id)
	}
	return &t, errs.Wrap(errs.KindUnavailable, err, "get turn %s", id)
}

// RecentTurns returns the newest turns, newest first.
func (s *Store) RecentTurns(ctx context.Context, limit int) ([]AgentTurn, error) {
	var turns []AgentTurn
	err := s.db.SelectContext(ctx, &turns,
		`SELECT * FROM agent_turns ORDER BY timestamp DESC, id DESC LIMIT ?`, limit)
	return turns, errs.Wrap(errs.KindUnavailable, err, "list recent turns")
}

// ToolCallsForTurn returns a turn's tool calls in insertion order.
func (s *Store) ToolCallsForTurn(ctx context.Context, turnID string) ([]ToolCall, error) {
	var calls []ToolCall
	err := s.db.SelectContext(ctx, &calls,
		`SELECT * FROM tool_calls WHERE turn_id = ? ORDER BY id`, turnID)
	return calls, errs.Wrap(errs.KindUnavailable, err, "list tool calls for %s", turnID)
}

// ReasoningStepsForTurn returns a turn's reasoning steps by step_number.
func (s *Store) ReasoningStepsForTurn(ctx context.Context, turnID string) ([]ReasoningStep, error) {
	var steps []ReasoningStep
	err := s.db.SelectContext(ctx, &steps,
		`SELECT * FROM reasoning_steps WHERE turn_id = ? ORDER BY step_number`, turnID)
	return steps, errs.Wrap(errs.KindUnavailable, err, "list reasoning steps for %s", turnID)
}

// TurnCount reports the total number of recorded turns.
func (s *Store) TurnCount(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM agent_turns`)
	return n, errs.Wrap(errs.KindUnavailable, err, "count turns")
}
