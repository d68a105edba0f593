/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package agent orchestrates the reasoning loop: assemble the prompt, call
// the model, dispatch tool calls through the policy engine, persist the
// turn, and hand the outcome to memory ingestion.
//
// One turn produces exactly one model response and its tool calls. Tool
// failures are contained per call; only a model failure with no usable
// response aborts the turn.
package agent

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"github.com/jmoiron/sqlx"

	"github.com/marcus-qen/automaton/internal/config"
	"github.com/marcus-qen/automaton/internal/memory"
	"github.com/marcus-qen/automaton/internal/observe"
	"github.com/marcus-qen/automaton/internal/policy"
	"github.com/marcus-qen/automaton/internal/provider"
	"github.com/marcus-qen/automaton/internal/skills"
	"github.com/marcus-qen/automaton/internal/soul"
	"github.com/marcus-qen/automaton/internal/store"
	"github.com/marcus-qen/automaton/internal/telemetry"
	"github.com/marcus-qen/automaton/internal/tools"
	"github.com/marcus-qen/automaton/internal/treasury"
)

// ToolCallResult is one executed (or refused) tool call.
type ToolCallResult struct {
	ID         string
	Name       string
	Args       map[string]interface{}
	Result     string
	DurationMs int64
	Error      string
}

// TurnInput describes what woke the agent.
type TurnInput struct {
	Source  string
	Content string
}

// TurnOutcome summarizes one completed turn.
type TurnOutcome struct {
	TurnID    string
	Response  string
	ToolCalls []ToolCallResult
	Usage     provider.UsageInfo
	CostCents int64
}

// Loop runs reasoning turns.
type Loop struct {
	store     *store.Store
	assembler *Assembler
	model     provider.Provider
	registry  *tools.Registry
	policy    *policy.Engine
	treasury  *treasury.Tracker
	ingestor  *memory.Ingestor
	metrics   *observe.Collector
	cfgmgr    *config.Manager
	log       logr.Logger

	docs      *soul.Documents
	skillSet  []skills.Skill
	sessionID string

	// costPerKTokenCents converts usage to inference spend. Zero disables
	// cost accounting.
	costPerKTokenCents int64

	// state is the agent's current lifecycle state, recorded on turns.
	state string

	// tier and balances come from the latest tick.
	tier        string
	creditCents int64
	usdcCents   int64
}

// NewLoop wires a turn loop.
func NewLoop(
	s *store.Store,
	model provider.Provider,
	registry *tools.Registry,
	pol *policy.Engine,
	tr *treasury.Tracker,
	ing *memory.Ingestor,
	metrics *observe.Collector,
	cfgmgr *config.Manager,
	docs *soul.Documents,
	skillSet []skills.Skill,
	log logr.Logger,
) *Loop {
	return &Loop{
		store:     s,
		assembler: NewAssembler(s),
		model:     model,
		registry:  registry,
		policy:    pol,
		treasury:  tr,
		ingestor:  ing,
		metrics:   metrics,
		cfgmgr:    cfgmgr,
		docs:      docs,
		skillSet:  skillSet,
		sessionID: s.NewULID(),
		state:     store.StateWaking,
		tier:      "normal",
		log:       log.WithName("agent"),
	}
}

// WithCostRate sets the inference cost rate in cents per 1k tokens.
func (l *Loop) WithCostRate(centsPerKToken int64) *Loop {
	l.costPerKTokenCents = centsPerKToken
	return l
}

// ObserveTick updates the loop's view of tier and balances from the
// heartbeat. The loop derives its state from the tier.
func (l *Loop) ObserveTick(tier string, creditCents, usdcCents int64) {
	l.tier = tier
	l.creditCents = creditCents
	l.usdcCents = usdcCents
	switch tier {
	case "low_compute":
		l.state = store.StateLowCompute
	case "critical":
		l.state = store.StateCritical
	case "dead":
		l.state = store.StateDead
	default:
		if l.state == store.StateLowCompute || l.state == store.StateCritical {
			l.state = store.StateRunning
		}
	}
}

// State reports the loop's current state.
func (l *Loop) State() string { return l.state }

// RunTurn executes one full reasoning turn for the given input.
func (l *Loop) RunTurn(ctx context.Context, input TurnInput) (*TurnOutcome, error) {
	started := time.Now()
	if l.state == store.StateWaking || l.state == store.StateSleeping {
		l.state = store.StateRunning
	}

	ctx, turnSpan := telemetry.StartTurnSpan(ctx, input.Source)
	defer turnSpan.End()

	req, err := l.buildRequest(ctx, input)
	if err != nil {
		return nil, err
	}

	llmCtx, llmSpan := telemetry.StartLLMCallSpan(ctx, req.Model, l.model.Name())
	resp, err := l.model.Complete(llmCtx, req)
	if err != nil {
		llmSpan.RecordError(err)
		llmSpan.End()
	} else {
		telemetry.EndLLMCallSpan(llmSpan, resp.Usage.InputTokens, resp.Usage.OutputTokens, resp.HasToolCalls())
	}
	if err != nil {
		// No usable response: abort the turn and note cost pressure.
		l.metrics.Inc("automaton_turn_aborts_total", 1, map[string]string{"reason": "model"})
		if l.tier == "critical" || l.tier == "low_compute" {
			l.state = store.StateLowCompute
		}
		return nil, err
	}

	outcome := &TurnOutcome{
		TurnID:   l.store.NewULID(),
		Response: resp.Content,
		Usage:    resp.Usage,
	}
	outcome.CostCents = l.costPerKTokenCents * resp.Usage.TotalTokens() / 1000

	turnCtx := policy.TurnContext{TurnID: outcome.TurnID, InputSource: input.Source}
	for _, call := range resp.ToolCalls {
		result := l.dispatch(ctx, &turnCtx, call)
		outcome.ToolCalls = append(outcome.ToolCalls, result)
	}

	if err := l.persistTurn(ctx, input, resp, outcome, started); err != nil {
		return nil, err
	}

	if outcome.CostCents > 0 {
		if err := l.treasury.RecordSpend(ctx, "model_call", outcome.CostCents, "", store.SpendInference); err != nil {
			l.log.Error(err, "inference spend record failed")
		}
	}

	l.metrics.RecordTurnComplete(l.state, input.Source,
		time.Since(started), resp.Usage.TotalTokens(), outcome.CostCents)

	l.ingest(ctx, outcome)
	return outcome, nil
}

func (l *Loop) buildRequest(ctx context.Context, input TurnInput) (*provider.CompletionRequest, error) {
	cfg := l.cfgmgr.Get()

	identity, err := l.store.GetIdentity(ctx)
	if err != nil {
		identity = nil
	}
	turnCount, _ := l.store.TurnCount(ctx)

	system := l.assembler.SystemPrompt(&PromptInputs{
		Config:      cfg,
		Docs:        l.docs,
		Skills:      l.skillSet,
		Identity:    identity,
		State:       l.state,
		Tier:        l.tier,
		CreditCents: l.creditCents,
		USDCCents:   l.usdcCents,
		TurnCount:   turnCount,
	})

	history, err := l.assembler.RecentTurnsSection(ctx, 20)
	if err != nil {
		return nil, err
	}
	memories, err := l.assembler.MemorySection(ctx, l.sessionID)
	if err != nil {
		return nil, err
	}

	var user strings.Builder
	if history != "" {
		user.WriteString("## Recent turns\n" + history + "\n")
	}
	if memories != "" {
		user.WriteString(memories + "\n")
	}
	user.WriteString("## Input\n")
	user.WriteString("Source: " + input.Source + "\n")
	if input.Content != "" {
		user.WriteString(input.Content)
	} else {
		user.WriteString("(scheduled wake — review your status and act)")
	}

	maxTokens := cfg.MaxTokensPerTurn
	if budget, ok := cfg.ModelStrategy.TierBudgets[l.tier]; ok && budget > 0 {
		maxTokens = budget
	}

	return &provider.CompletionRequest{
		SystemPrompt: system,
		Messages:     []provider.Message{{Role: "user", Content: user.String()}},
		Tools:        l.registry.Definitions(),
		Model:        cfg.ModelForTier(l.tier),
		MaxTokens:    maxTokens,
	}, nil
}

// dispatch gates and executes one tool call, containing every failure in
// the result.
func (l *Loop) dispatch(ctx context.Context, turnCtx *policy.TurnContext, call provider.ToolCall) ToolCallResult {
	started := time.Now()
	ctx, span := telemetry.StartToolCallSpan(ctx, call.Name)
	result := ToolCallResult{
		ID:   call.ID,
		Name: call.Name,
		Args: call.Args,
	}
	decisionTaken := "allow"
	defer func() {
		telemetry.EndToolCallSpan(span, decisionTaken, result.Error != "")
	}()
	if result.ID == "" {
		result.ID = l.store.NewULID()
	}

	tool, ok := l.registry.Get(call.Name)
	if !ok {
		result.Error = "Unknown tool: " + call.Name
		result.DurationMs = time.Since(started).Milliseconds()
		l.metrics.RecordToolCall(call.Name, true, time.Since(started))
		return result
	}

	decision, err := l.policy.Evaluate(ctx, &policy.Request{
		ToolName: call.Name,
		Risk:     tool.Risk(),
		Category: tool.Category(),
		Args:     call.Args,
		Turn:     *turnCtx,
	})
	turnCtx.TurnToolCallCount++
	if err != nil {
		result.Error = "Policy evaluation failed: " + err.Error()
		result.DurationMs = time.Since(started).Milliseconds()
		l.metrics.RecordToolCall(call.Name, true, time.Since(started))
		return result
	}
	if !decision.Allowed() {
		decisionTaken = string(decision.Action)
		result.Error = "Policy denied: " + decision.ReasonCode
		if decision.Message != "" {
			result.Result = decision.Message
		}
		result.DurationMs = time.Since(started).Milliseconds()
		l.metrics.RecordToolCall(call.Name, true, time.Since(started))
		return result
	}

	output, execErr := tool.Execute(ctx, call.Args)
	result.DurationMs = time.Since(started).Milliseconds()
	if execErr != nil {
		result.Error = execErr.Error()
		l.metrics.RecordToolCall(call.Name, true, time.Since(started))
		return result
	}

	if tools.IsExternalSource(call.Name) {
		output = SanitizeExternal(output)
	}
	result.Result = TrimToolResult(output)

	if tools.IsFinancial(call.Name) {
		turnCtx.TurnTransferCount++
		amount := tools.IntArg(call.Args, "amount_cents")
		category := store.SpendTransfer
		if call.Name == "x402_fetch" {
			category = store.SpendX402
		}
		if err := l.treasury.RecordSpend(ctx, call.Name, amount,
			tools.StringArg(call.Args, "to"), category); err != nil {
			l.log.Error(err, "spend record failed", "tool", call.Name)
		}
	}

	l.metrics.RecordToolCall(call.Name, false, time.Since(started))
	return result
}

// persistTurn writes the turn, its tool calls, and its reasoning steps in
// one transaction.
func (l *Loop) persistTurn(
	ctx context.Context,
	input TurnInput,
	resp *provider.CompletionResponse,
	outcome *TurnOutcome,
	started time.Time,
) error {
	now := store.NowISO()
	steps := ParseReasoning(resp.Thinking)

	return l.store.RunTransaction(ctx, func(tx *sqlx.Tx) error {
		turn := &store.AgentTurn{
			ID:          outcome.TurnID,
			Timestamp:   now,
			State:       l.state,
			InputSource: input.Source,
			Input:       sql.NullString{String: input.Content, Valid: input.Content != ""},
			Thinking:    sql.NullString{String: resp.Thinking, Valid: resp.Thinking != ""},
			Response:    sql.NullString{String: resp.Content, Valid: resp.Content != ""},
			TokenUsage: store.MustJSON(store.TokenUsage{
				InputTokens:  resp.Usage.InputTokens,
				OutputTokens: resp.Usage.OutputTokens,
			}),
			CostCents: outcome.CostCents,
		}
		if err := store.InsertTurnTx(ctx, tx, turn); err != nil {
			return err
		}
		for i := range outcome.ToolCalls {
			call := &outcome.ToolCalls[i]
			row := &store.ToolCall{
				ID:         call.ID,
				TurnID:     outcome.TurnID,
				Name:       call.Name,
				Args:       store.MustJSON(call.Args),
				Result:     sql.NullString{String: call.Result, Valid: call.Result != ""},
				DurationMs: call.DurationMs,
				Error:      sql.NullString{String: call.Error, Valid: call.Error != ""},
			}
			if err := store.InsertToolCallTx(ctx, tx, row); err != nil {
				return err
			}
		}
		for i := range steps {
			step := steps[i]
			step.ID = l.store.NewULID()
			step.TurnID = outcome.TurnID
			step.CreatedAt = now
			if err := store.InsertReasoningStepTx(ctx, tx, &step); err != nil {
				return err
			}
		}
		return nil
	})
}

func (l *Loop) ingest(ctx context.Context, outcome *TurnOutcome) {
	record := &memory.TurnRecord{
		TurnID:    outcome.TurnID,
		SessionID: l.sessionID,
		State:     l.state,
		Response:  outcome.Response,
	}
	for _, call := range outcome.ToolCalls {
		record.ToolCalls = append(record.ToolCalls, memory.ToolCallRecord{
			Name:   call.Name,
			Args:   call.Args,
			Result: call.Result,
			Failed: call.Error != "",
		})
	}
	l.ingestor.Ingest(ctx, record)
}

// SanitizeExternal strips control characters from untrusted tool output
// before it re-enters the prompt. Newlines and tabs survive.
func SanitizeExternal(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r == '\n' || r == '\t':
			b.WriteRune(r)
		case r < 0x20 || r == 0x7f:
			// dropped
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// DrainWakeEvents consumes queued wake events and runs one turn per event,
// FIFO. Every fetched event is marked consumed before any turn runs, so a
// failing turn stops the drain and the rest of the batch is not run.
func (l *Loop) DrainWakeEvents(ctx context.Context, limit int) (int, error) {
	events, err := l.store.ConsumeWakeEvents(ctx, limit)
	if err != nil {
		return 0, err
	}
	ran := 0
	for _, event := range events {
		input := TurnInput{Source: event.Source, Content: event.Reason}
		if event.Payload.Valid && event.Payload.String != "" {
			input.Content = event.Payload.String
		}
		if _, err := l.RunTurn(ctx, input); err != nil {
			return ran, err
		}
		ran++
	}
	return ran, nil
}
