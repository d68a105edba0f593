/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

package heartbeat

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-logr/logr"

	"github.com/marcus-qen/automaton/internal/lifecycle"
	"github.com/marcus-qen/automaton/internal/observe"
	"github.com/marcus-qen/automaton/internal/relay"
	"github.com/marcus-qen/automaton/internal/signing"
	"github.com/marcus-qen/automaton/internal/store"
	"github.com/marcus-qen/automaton/internal/treasury"
)

// snapshotRetention is how long report_metrics keeps memory snapshots.
const snapshotRetention = 7 * 24 * time.Hour

// TaskDeps injects the collaborators the built-in tasks run against.
type TaskDeps struct {
	Store     *store.Store
	Relay     *relay.Client
	Lifecycle *lifecycle.Manager
	Treasury  *treasury.Tracker
	Policy    treasury.Policy
	Metrics   *observe.Collector
	Alerts    *observe.AlertEngine
	Log       logr.Logger

	// ReflectionEnabled gates the soul_reflection wake.
	ReflectionEnabled bool
}

// RegisterDefaultTasks binds the built-in task set to the scheduler. Every
// task is wrapped so an error or panic is logged and reported as
// {shouldWake:false} — one failing task never stops the scheduler.
func RegisterDefaultTasks(s *Scheduler, deps TaskDeps) {
	log := deps.Log.WithName("tasks")
	guard := func(name string, fn TaskFunc) TaskFunc {
		return func(ctx context.Context, tc *TickContext) (result TaskResult, err error) {
			defer func() {
				if p := recover(); p != nil {
					log.Info("task panicked", "task", name, "panic", fmt.Sprintf("%v", p))
					result, err = TaskResult{}, nil
				}
			}()
			result, err = fn(ctx, tc)
			if err != nil {
				log.Error(err, "task failed", "task", name)
				return TaskResult{}, nil
			}
			return result, nil
		}
	}

	s.RegisterTask("heartbeat_ping", guard("heartbeat_ping", deps.heartbeatPing))
	s.RegisterTask("check_credits", guard("check_credits", deps.checkCredits))
	s.RegisterTask("check_usdc_balance", guard("check_usdc_balance", deps.checkUSDCBalance))
	s.RegisterTask("check_social_inbox", guard("check_social_inbox", deps.checkSocialInbox))
	s.RegisterTask("check_for_updates", guard("check_for_updates", deps.checkForUpdates))
	s.RegisterTask("health_check", guard("health_check", deps.healthCheck))
	s.RegisterTask("soul_reflection", guard("soul_reflection", deps.soulReflection))
	s.RegisterTask("refresh_models", guard("refresh_models", deps.refreshModels))
	s.RegisterTask("check_child_health", guard("check_child_health", deps.checkChildHealth))
	s.RegisterTask("prune_dead_children", guard("prune_dead_children", deps.pruneDeadChildren))
	s.RegisterTask("report_metrics", guard("report_metrics", deps.reportMetrics))
}

// heartbeatPing records liveness and the current tier for external
// observers (and the distress channel when things are bad).
func (d *TaskDeps) heartbeatPing(ctx context.Context, tc *TickContext) (TaskResult, error) {
	payload, _ := json.Marshal(map[string]interface{}{
		"tick":         tc.TickID,
		"tier":         string(tc.Tier),
		"credit_cents": tc.CreditCents,
		"at":           tc.StartedAt.Format(time.RFC3339),
	})
	if err := d.Store.SetKV(ctx, "last_ping", string(payload)); err != nil {
		return TaskResult{}, err
	}
	if tc.Tier == TierCritical || tc.Tier == TierDead {
		if err := d.Store.SetKV(ctx, "last_distress", string(payload)); err != nil {
			return TaskResult{}, err
		}
	}
	return TaskResult{}, nil
}

// checkCredits persists the tick's credit reading and wakes the agent when
// the tier degrades.
func (d *TaskDeps) checkCredits(ctx context.Context, tc *TickContext) (TaskResult, error) {
	if err := d.Store.SetKV(ctx, "credit_balance_cents",
		fmt.Sprintf("%d", tc.CreditCents)); err != nil {
		return TaskResult{}, err
	}
	prev, _, err := d.Store.GetKV(ctx, "last_tier")
	if err != nil {
		return TaskResult{}, err
	}
	if err := d.Store.SetKV(ctx, "last_tier", string(tc.Tier)); err != nil {
		return TaskResult{}, err
	}
	if prev != "" && prev != string(tc.Tier) && !tc.Tier.AtLeast(Tier(prev)) {
		return TaskResult{
			ShouldWake: true,
			Message:    fmt.Sprintf("survival tier degraded %s → %s", prev, tc.Tier),
		}, nil
	}
	return TaskResult{}, nil
}

func (d *TaskDeps) checkUSDCBalance(ctx context.Context, tc *TickContext) (TaskResult, error) {
	err := d.Store.SetKV(ctx, "usdc_balance_cents", fmt.Sprintf("%d", tc.USDCCents))
	return TaskResult{}, err
}

// checkSocialInbox polls the relay, verifies signatures, and stores fresh
// messages. Any stored message wakes the agent.
func (d *TaskDeps) checkSocialInbox(ctx context.Context, _ *TickContext) (TaskResult, error) {
	if d.Relay == nil {
		return TaskResult{}, nil
	}
	unread, err := d.Relay.Count(ctx)
	if err != nil {
		return TaskResult{}, err
	}
	if unread == 0 {
		return TaskResult{}, nil
	}

	cursor, _, _ := d.Store.GetKV(ctx, "inbox_cursor")
	page, err := d.Relay.Poll(ctx, cursor, 50)
	if err != nil {
		return TaskResult{}, err
	}

	now := time.Now().UTC()
	stored := 0
	for i := range page.Messages {
		msg := &page.Messages[i]
		raw, _ := json.Marshal(msg)
		if err := signing.VerifyInbound(msg, len(raw), now); err != nil {
			d.Log.Info("dropping unverifiable inbound message",
				"from", msg.From, "error", err.Error())
			continue
		}
		// Replay protection on the message nonce.
		if msg.Nonce != "" {
			fresh, err := d.Store.InsertDedupKey(ctx,
				signing.NonceKey(msg.Nonce), "check_social_inbox",
				store.NowISO(),
				now.Add(signing.NonceTTL).Format("2006-01-02T15:04:05.000Z"))
			if err != nil {
				return TaskResult{}, err
			}
			if !fresh {
				continue
			}
		}
		inserted, err := d.Store.InsertInboxMessage(ctx, &store.InboxMessage{
			ID:          msg.ID,
			FromAddress: msg.From,
			ToAddress:   msg.To,
			Content:     msg.Content,
			ReceivedAt:  store.NowISO(),
		})
		if err != nil {
			return TaskResult{}, err
		}
		if inserted {
			stored++
		}
	}
	if page.NextCursor != "" {
		if err := d.Store.SetKV(ctx, "inbox_cursor", page.NextCursor); err != nil {
			return TaskResult{}, err
		}
	}
	if stored == 0 {
		return TaskResult{}, nil
	}
	return TaskResult{
		ShouldWake: true,
		Message:    fmt.Sprintf("%d new inbox messages", stored),
	}, nil
}

// checkForUpdates stamps the update check. Actual update application goes
// through the turn loop so the agent decides when to restart itself.
func (d *TaskDeps) checkForUpdates(ctx context.Context, _ *TickContext) (TaskResult, error) {
	err := d.Store.SetKV(ctx, "updates_checked_at", store.NowISO())
	return TaskResult{}, err
}

// healthCheck publishes process-level gauges.
func (d *TaskDeps) healthCheck(ctx context.Context, tc *TickContext) (TaskResult, error) {
	turns, err := d.Store.TurnCount(ctx)
	if err != nil {
		return TaskResult{}, err
	}
	pending, err := d.Store.PendingWakeCount(ctx)
	if err != nil {
		return TaskResult{}, err
	}
	d.Metrics.Set("automaton_turn_count", float64(turns), nil)
	d.Metrics.Set("automaton_pending_wake_events", float64(pending), nil)
	return TaskResult{}, nil
}

// soulReflection wakes the agent for a reflection turn in healthy tiers.
func (d *TaskDeps) soulReflection(_ context.Context, tc *TickContext) (TaskResult, error) {
	if !d.ReflectionEnabled || !tc.Tier.AtLeast(TierNormal) {
		return TaskResult{}, nil
	}
	return TaskResult{ShouldWake: true, Message: "soul_reflection"}, nil
}

func (d *TaskDeps) refreshModels(ctx context.Context, _ *TickContext) (TaskResult, error) {
	err := d.Store.SetKV(ctx, "models_refreshed_at", store.NowISO())
	return TaskResult{}, err
}

// checkChildHealth probes every living child; unhealthy children wake the
// agent so it can react.
func (d *TaskDeps) checkChildHealth(ctx context.Context, _ *TickContext) (TaskResult, error) {
	if d.Lifecycle == nil {
		return TaskResult{}, nil
	}
	reports, err := d.Lifecycle.CheckHealth(ctx)
	if err != nil {
		return TaskResult{}, err
	}
	unhealthy := 0
	for _, r := range reports {
		if !r.Healthy {
			unhealthy++
		}
	}
	if unhealthy == 0 {
		return TaskResult{}, nil
	}
	return TaskResult{
		ShouldWake: true,
		Message:    fmt.Sprintf("%d children unhealthy", unhealthy),
	}, nil
}

func (d *TaskDeps) pruneDeadChildren(ctx context.Context, _ *TickContext) (TaskResult, error) {
	if d.Lifecycle == nil {
		return TaskResult{}, nil
	}
	if _, err := d.Lifecycle.CleanupStale(ctx, 24*time.Hour); err != nil {
		return TaskResult{}, err
	}
	if _, err := d.Lifecycle.PruneDeadChildren(ctx, 5); err != nil {
		return TaskResult{}, err
	}
	if d.Treasury != nil {
		if _, err := d.Treasury.Prune(ctx, d.Policy); err != nil {
			return TaskResult{}, err
		}
	}
	return TaskResult{}, nil
}

// reportMetrics snapshots the collector, evaluates alerts, and persists the
// pair. Snapshots older than seven days are pruned.
func (d *TaskDeps) reportMetrics(ctx context.Context, _ *TickContext) (TaskResult, error) {
	snap := d.Metrics.GetSnapshot()
	var fired []observe.Alert
	if d.Alerts != nil {
		fired = d.Alerts.Evaluate(snap)
		for _, alert := range fired {
			d.Log.Info("alert fired",
				"rule", alert.Rule, "severity", alert.Severity, "message", alert.Message)
		}
	}
	if err := d.Store.InsertMemorySnapshot(ctx, snap, fired); err != nil {
		return TaskResult{}, err
	}
	if _, err := d.Store.PruneMemorySnapshots(ctx, snapshotRetention); err != nil {
		return TaskResult{}, err
	}
	if _, err := d.Store.PruneDedupKeys(ctx, store.NowISO()); err != nil {
		return TaskResult{}, err
	}
	if _, err := d.Store.PruneDiscoveredAgents(ctx, store.NowISO()); err != nil {
		return TaskResult{}, err
	}
	return TaskResult{}, nil
}
