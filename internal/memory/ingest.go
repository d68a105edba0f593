/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package memory ingests completed turns into the tiered memory tables:
// episodic (what happened), semantic (durable facts), relationship (who we
// talked to), and working (short-lived session context).
//
// Ingestion is best-effort by contract: every step is wrapped so a failure
// logs and continues, and nothing here ever fails the turn that triggered it.
package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/go-logr/logr"

	"github.com/marcus-qen/automaton/internal/store"
)

// Turn classifications.
const (
	ClassStrategic     = "strategic"
	ClassProductive    = "productive"
	ClassCommunication = "communication"
	ClassMaintenance   = "maintenance"
	ClassIdle          = "idle"
	ClassError         = "error"
)

// workingMemoryCap bounds working memory entries per session.
const workingMemoryCap = 20

// TurnRecord is the slice of a completed turn that ingestion consumes.
type TurnRecord struct {
	TurnID    string
	SessionID string
	State     string
	Response  string
	ToolCalls []ToolCallRecord
}

// ToolCallRecord is one tool invocation's outcome.
type ToolCallRecord struct {
	Name   string
	Args   map[string]interface{}
	Result string
	Failed bool
}

// Ingestor writes turn outcomes into the memory tiers.
type Ingestor struct {
	store *store.Store
	log   logr.Logger
}

// NewIngestor creates an ingestor.
func NewIngestor(s *store.Store, log logr.Logger) *Ingestor {
	return &Ingestor{store: s, log: log.WithName("memory")}
}

// Ingest runs the full pipeline for one turn. It never returns an error —
// each step logs its own failures and the next step still runs.
func (i *Ingestor) Ingest(ctx context.Context, turn *TurnRecord) {
	classification := Classify(turn)

	i.step(ctx, "episodic", func() error { return i.ingestEpisodic(ctx, turn, classification) })
	i.step(ctx, "semantic", func() error { return i.ingestSemantic(ctx, turn) })
	i.step(ctx, "relationship", func() error { return i.ingestRelationships(ctx, turn) })
	i.step(ctx, "working", func() error { return i.ingestWorking(ctx, turn) })
	i.step(ctx, "trim", func() error {
		_, err := i.store.TrimWorkingMemory(ctx, turn.SessionID, workingMemoryCap)
		return err
	})
}

func (i *Ingestor) step(_ context.Context, name string, fn func() error) {
	defer func() {
		if p := recover(); p != nil {
			i.log.Info("memory step panicked", "step", name, "panic", fmt.Sprintf("%v", p))
		}
	}()
	if err := fn(); err != nil {
		i.log.Error(err, "memory step failed", "step", name)
	}
}

// Classify buckets a turn by its tool activity and outcomes.
func Classify(turn *TurnRecord) string {
	if len(turn.ToolCalls) == 0 {
		return ClassIdle
	}

	failures := 0
	for _, call := range turn.ToolCalls {
		if call.Failed {
			failures++
		}
	}
	if failures == len(turn.ToolCalls) {
		return ClassError
	}

	for _, call := range turn.ToolCalls {
		switch call.Name {
		case "spawn_child", "transfer_credits", "switch_model":
			return ClassStrategic
		}
	}
	for _, call := range turn.ToolCalls {
		switch call.Name {
		case "send_message", "check_inbox", "leave_feedback":
			return ClassCommunication
		}
	}
	for _, call := range turn.ToolCalls {
		switch call.Name {
		case "exec", "write_file", "edit_file", "web_fetch", "x402_fetch":
			return ClassProductive
		}
	}
	return ClassMaintenance
}

// importance maps classifications to episodic importance.
func importance(classification string) int {
	switch classification {
	case ClassStrategic:
		return 5
	case ClassError:
		return 4
	case ClassCommunication:
		return 3
	case ClassProductive:
		return 3
	case ClassMaintenance:
		return 2
	default:
		return 1
	}
}

func (i *Ingestor) ingestEpisodic(ctx context.Context, turn *TurnRecord, classification string) error {
	summary := turn.Response
	if len(summary) > 500 {
		summary = summary[:500]
	}
	if summary == "" {
		summary = fmt.Sprintf("%d tool calls, no summary", len(turn.ToolCalls))
	}
	return i.store.InsertEpisodicMemory(ctx, &store.EpisodicMemoryEntry{
		TurnID:         sql.NullString{String: turn.TurnID, Valid: turn.TurnID != ""},
		Classification: classification,
		Summary:        summary,
		Importance:     importance(classification),
	})
}

// ingestSemantic extracts durable facts from specific tool outputs: balance
// checks, known-agent discoveries, and system synopsis.
func (i *Ingestor) ingestSemantic(ctx context.Context, turn *TurnRecord) error {
	for _, call := range turn.ToolCalls {
		if call.Failed {
			continue
		}
		switch call.Name {
		case "check_balance":
			var balances map[string]interface{}
			if err := json.Unmarshal([]byte(call.Result), &balances); err != nil {
				continue
			}
			for key, value := range balances {
				if err := i.store.UpsertSemanticMemory(ctx, "balances", key,
					fmt.Sprintf("%v", value), 0.9); err != nil {
					return err
				}
			}
		case "discover_agent":
			address := argString(call.Args, "address")
			if address != "" {
				if err := i.store.UpsertSemanticMemory(ctx, "known_agents", strings.ToLower(address),
					call.Result, 0.7); err != nil {
					return err
				}
			}
		case "system_synopsis":
			if err := i.store.UpsertSemanticMemory(ctx, "system", "synopsis",
				call.Result, 0.8); err != nil {
				return err
			}
		}
	}
	return nil
}

// ingestRelationships touches relationship records for sends and inbox
// reads: new counterparties start at trust 0.5, repeats get a count bump.
func (i *Ingestor) ingestRelationships(ctx context.Context, turn *TurnRecord) error {
	for _, call := range turn.ToolCalls {
		if call.Failed {
			continue
		}
		switch call.Name {
		case "send_message":
			to := argString(call.Args, "to")
			if to != "" {
				if err := i.store.TouchRelationship(ctx, strings.ToLower(to), "outbound send"); err != nil {
					return err
				}
			}
		case "check_inbox":
			for _, from := range senderAddresses(call.Result) {
				if err := i.store.TouchRelationship(ctx, strings.ToLower(from), "inbound message"); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// ingestWorking records sleep observations and self-modification decisions.
func (i *Ingestor) ingestWorking(ctx context.Context, turn *TurnRecord) error {
	for _, call := range turn.ToolCalls {
		switch call.Name {
		case "sleep":
			obs := argString(call.Args, "observation")
			if obs != "" {
				if err := i.store.InsertWorkingMemory(ctx, turn.SessionID, obs, 2); err != nil {
					return err
				}
			}
		case "switch_model":
			if err := i.store.InsertWorkingMemory(ctx, turn.SessionID,
				"switched model: "+argString(call.Args, "model"), 4); err != nil {
				return err
			}
		}
	}
	return nil
}

// senderAddresses pulls "from" addresses out of a check_inbox JSON result.
func senderAddresses(result string) []string {
	var payload struct {
		Messages []struct {
			From string `json:"from"`
		} `json:"messages"`
	}
	if err := json.Unmarshal([]byte(result), &payload); err != nil {
		return nil
	}
	var out []string
	seen := make(map[string]bool)
	for _, m := range payload.Messages {
		if m.From != "" && !seen[m.From] {
			seen[m.From] = true
			out = append(out, m.From)
		}
	}
	return out
}

func argString(args map[string]interface{}, key string) string {
	if v, ok := args[key].(string); ok {
		return v
	}
	return ""
}
