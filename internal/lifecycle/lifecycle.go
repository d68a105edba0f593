/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package lifecycle governs spawned children through an explicit state
// machine: spawn → fund → start → health → cleanup. Only the edges in
// ValidTransitions are legal; every transition appends an event row and
// mirrors the new state onto the child.
package lifecycle

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"github.com/jmoiron/sqlx"
	"golang.org/x/sync/semaphore"

	"github.com/marcus-qen/automaton/internal/errs"
	"github.com/marcus-qen/automaton/internal/sandbox"
	"github.com/marcus-qen/automaton/internal/store"
)

// Child lifecycle states.
const (
	StateNone           = "none"
	StateRequested      = "requested"
	StateSandboxCreated = "sandbox_created"
	StateRuntimeReady   = "runtime_ready"
	StateWalletVerified = "wallet_verified"
	StateFunded         = "funded"
	StateStarting       = "starting"
	StateHealthy        = "healthy"
	StateUnhealthy      = "unhealthy"
	StateStopped        = "stopped"
	StateFailed         = "failed"
	StateCleanedUp      = "cleaned_up"
)

// ValidTransitions is the complete legal edge set. cleaned_up is terminal.
var ValidTransitions = map[string][]string{
	StateRequested:      {StateSandboxCreated, StateFailed},
	StateSandboxCreated: {StateRuntimeReady, StateFailed},
	StateRuntimeReady:   {StateWalletVerified, StateFailed},
	StateWalletVerified: {StateFunded, StateFailed},
	StateFunded:         {StateStarting, StateFailed},
	StateStarting:       {StateHealthy, StateFailed},
	StateHealthy:        {StateUnhealthy, StateStopped},
	StateUnhealthy:      {StateHealthy, StateStopped, StateFailed},
	StateStopped:        {StateCleanedUp},
	StateFailed:         {StateCleanedUp},
	StateCleanedUp:      {},
}

// cleanableStates may proceed to cleanup.
var cleanableStates = map[string]bool{
	StateStopped: true,
	StateFailed:  true,
}

// canTransition reports whether from → to is a legal edge.
func canTransition(from, to string) bool {
	for _, next := range ValidTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Manager drives child lifecycles against the store and the sandbox client.
type Manager struct {
	store   *store.Store
	sandbox sandbox.Client
	log     logr.Logger

	// maxConcurrentChecks bounds health-probe fan-out. Default 3.
	maxConcurrentChecks int64

	// probeTimeout bounds each health probe.
	probeTimeout time.Duration
}

// NewManager creates a lifecycle manager.
func NewManager(s *store.Store, sb sandbox.Client, log logr.Logger) *Manager {
	return &Manager{
		store:               s,
		sandbox:             sb,
		log:                 log.WithName("lifecycle"),
		maxConcurrentChecks: 3,
		probeTimeout:        10 * time.Second,
	}
}

// WithMaxConcurrentChecks overrides the health-check fan-out bound.
func (m *Manager) WithMaxConcurrentChecks(n int64) *Manager {
	if n > 0 {
		m.maxConcurrentChecks = n
	}
	return m
}

// Init creates a child in the requested state. The first lifecycle event
// for any child is none → requested.
func (m *Manager) Init(ctx context.Context, id, name, genesisPrompt string) (*store.Child, error) {
	child := &store.Child{
		ID:            id,
		Name:          name,
		GenesisPrompt: genesisPrompt,
		Status:        StateRequested,
		CreatedAt:     store.NowISO(),
	}
	err := m.store.RunTransaction(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO children (id, name, address, sandbox_id, genesis_prompt, funded_amount, status, created_at)
			VALUES (?, ?, '', '', ?, 0, ?, ?)`,
			child.ID, child.Name, child.GenesisPrompt, child.Status, child.CreatedAt); err != nil {
			return errs.Wrap(errs.KindUnavailable, err, "insert child %s", id)
		}
		return store.AppendLifecycleEventTx(ctx, tx, &store.LifecycleEvent{
			ID:        m.store.NewULID(),
			ChildID:   child.ID,
			FromState: StateNone,
			ToState:   StateRequested,
			Metadata:  store.MustJSON(nil),
			CreatedAt: store.NowISO(),
		})
	})
	if err != nil {
		return nil, err
	}
	m.log.Info("child initialized", "child", id, "name", name)
	return child, nil
}

// Transition moves a child along a legal edge, appending the event and
// mirroring the status atomically. Illegal edges are rejected.
func (m *Manager) Transition(ctx context.Context, childID, to, reason string, metadata map[string]interface{}) error {
	child, err := m.store.GetChild(ctx, childID)
	if err != nil {
		return err
	}
	from := child.Status
	if !canTransition(from, to) {
		return errs.New(errs.KindInvalidInput,
			"Invalid lifecycle transition: %s → %s", from, to)
	}

	err = m.store.RunTransaction(ctx, func(tx *sqlx.Tx) error {
		return store.AppendLifecycleEventTx(ctx, tx, &store.LifecycleEvent{
			ID:        m.store.NewULID(),
			ChildID:   childID,
			FromState: from,
			ToState:   to,
			Reason:    nullable(reason),
			Metadata:  store.MustJSON(metadata),
			CreatedAt: store.NowISO(),
		})
	})
	if err != nil {
		return err
	}
	m.log.Info("child transition", "child", childID, "from", from, "to", to, "reason", reason)
	return nil
}

// CurrentState reports a child's current state.
func (m *Manager) CurrentState(ctx context.Context, childID string) (string, error) {
	child, err := m.store.GetChild(ctx, childID)
	if err != nil {
		return "", err
	}
	return child.Status, nil
}

// History returns a child's lifecycle events in order.
func (m *Manager) History(ctx context.Context, childID string) ([]store.LifecycleEvent, error) {
	return m.store.LifecycleHistory(ctx, childID)
}

// probeResponse is the JSON a health probe prints.
type probeResponse struct {
	Status string  `json:"status"`
	Uptime float64 `json:"uptime,omitempty"`
}

// HealthReport is one child's probe outcome.
type HealthReport struct {
	ChildID string
	Healthy bool
	Uptime  float64
	Issue   string
}

// CheckHealth probes every child in the starting, healthy or unhealthy state
// with a bounded fan-out (at most maxConcurrentChecks probes in flight).
// Children in other non-terminal states (still provisioning, stopped or
// failed) are not probed. Unreachable or non-healthy children transition
// healthy → unhealthy; recovered ones transition back.
func (m *Manager) CheckHealth(ctx context.Context) ([]HealthReport, error) {
	children, err := m.store.ListChildrenByStatus(ctx, StateHealthy, StateUnhealthy, StateStarting)
	if err != nil {
		return nil, err
	}
	if len(children) == 0 {
		return nil, nil
	}

	sem := semaphore.NewWeighted(m.maxConcurrentChecks)
	reports := make([]HealthReport, len(children))
	done := make(chan int, len(children))

	for i := range children {
		child := children[i]
		idx := i
		if err := sem.Acquire(ctx, 1); err != nil {
			return nil, errs.Wrap(errs.KindTransport, err, "acquire health semaphore")
		}
		go func() {
			defer sem.Release(1)
			reports[idx] = m.probeChild(ctx, &child)
			done <- idx
		}()
	}
	for range children {
		<-done
	}

	for i := range reports {
		m.applyHealthReport(ctx, &children[i], &reports[i])
	}
	return reports, nil
}

func (m *Manager) probeChild(ctx context.Context, child *store.Child) HealthReport {
	report := HealthReport{ChildID: child.ID}
	if child.SandboxID == "" {
		report.Issue = "no sandbox assigned"
		return report
	}

	result, err := m.sandbox.Exec(ctx, child.SandboxID, "automaton health", m.probeTimeout)
	if err != nil {
		report.Issue = fmt.Sprintf("probe failed: %v", err)
		return report
	}

	var resp probeResponse
	if err := json.Unmarshal([]byte(strings.TrimSpace(result.Stdout)), &resp); err != nil {
		report.Issue = "unparseable health response"
		return report
	}
	report.Uptime = resp.Uptime
	if resp.Status != "healthy" {
		report.Issue = fmt.Sprintf("status %q", resp.Status)
		return report
	}
	report.Healthy = true
	return report
}

func (m *Manager) applyHealthReport(ctx context.Context, child *store.Child, report *HealthReport) {
	now := store.NowISO()
	if err := m.store.TouchChildChecked(ctx, child.ID, now); err != nil {
		m.log.Error(err, "touch child failed", "child", child.ID)
	}

	switch {
	case !report.Healthy && child.Status == StateHealthy:
		if err := m.Transition(ctx, child.ID, StateUnhealthy, report.Issue, nil); err != nil {
			m.log.Error(err, "unhealthy transition failed", "child", child.ID)
		}
	case report.Healthy && child.Status == StateUnhealthy:
		if err := m.Transition(ctx, child.ID, StateHealthy, "probe recovered", nil); err != nil {
			m.log.Error(err, "recovery transition failed", "child", child.ID)
		}
	case report.Healthy && child.Status == StateStarting:
		if err := m.Transition(ctx, child.ID, StateHealthy, "first healthy probe", nil); err != nil {
			m.log.Error(err, "healthy transition failed", "child", child.ID)
		}
	}
}

// Cleanup deletes a child's sandbox and transitions it to cleaned_up. The
// child must currently be stopped or failed.
func (m *Manager) Cleanup(ctx context.Context, childID string) error {
	child, err := m.store.GetChild(ctx, childID)
	if err != nil {
		return err
	}
	if !cleanableStates[child.Status] {
		return errs.New(errs.KindInvalidInput,
			"cannot clean up child %s in state %s", childID, child.Status)
	}
	if child.SandboxID != "" {
		if err := m.sandbox.DeleteSandbox(ctx, child.SandboxID); err != nil {
			return errs.Wrap(errs.KindUnavailable, err, "delete sandbox %s", child.SandboxID)
		}
	}
	return m.Transition(ctx, childID, StateCleanedUp, "sandbox deleted", nil)
}

// CleanupStale applies Cleanup to cleanable children whose last_checked is
// older than the threshold. Returns the number cleaned.
func (m *Manager) CleanupStale(ctx context.Context, olderThan time.Duration) (int, error) {
	children, err := m.store.ListChildrenByStatus(ctx, StateStopped, StateFailed)
	if err != nil {
		return 0, err
	}
	cutoff := time.Now().UTC().Add(-olderThan)
	cleaned := 0
	for i := range children {
		child := children[i]
		if child.LastChecked.Valid {
			checked, err := store.ParseISO(child.LastChecked.String)
			if err == nil && checked.After(cutoff) {
				continue
			}
		}
		if err := m.Cleanup(ctx, child.ID); err != nil {
			m.log.Error(err, "stale cleanup failed", "child", child.ID)
			continue
		}
		cleaned++
	}
	return cleaned, nil
}

// PruneDeadChildren removes the oldest dead children beyond keepLast,
// cleaning up any that are still in a cleanable state first. Both the
// children rows and their lifecycle events go.
func (m *Manager) PruneDeadChildren(ctx context.Context, keepLast int) (int, error) {
	if keepLast < 0 {
		keepLast = 5
	}
	dead, err := m.store.ListChildrenByStatus(ctx, StateStopped, StateFailed, StateCleanedUp)
	if err != nil {
		return 0, err
	}
	if len(dead) <= keepLast {
		return 0, nil
	}

	// Oldest first by created_at; everything beyond keepLast goes.
	doomed := dead[:len(dead)-keepLast]
	pruned := 0
	for i := range doomed {
		child := doomed[i]
		if cleanableStates[child.Status] {
			if err := m.Cleanup(ctx, child.ID); err != nil {
				m.log.Error(err, "pre-prune cleanup failed", "child", child.ID)
			}
		}
		if err := m.store.DeleteChild(ctx, child.ID); err != nil {
			m.log.Error(err, "prune delete failed", "child", child.ID)
			continue
		}
		pruned++
	}
	m.log.Info("pruned dead children", "count", pruned, "kept", keepLast)
	return pruned, nil
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
