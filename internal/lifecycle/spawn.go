/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

package lifecycle

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-logr/logr"

	"github.com/marcus-qen/automaton/internal/chain"
	"github.com/marcus-qen/automaton/internal/errs"
	"github.com/marcus-qen/automaton/internal/sandbox"
	"github.com/marcus-qen/automaton/internal/signing"
	"github.com/marcus-qen/automaton/internal/store"
)

// Spawner drives a child from requested through starting: create sandbox,
// wait for the runtime, verify the child's wallet, fund it, and start it.
// Any step failure transitions the child to failed with the reason.
type Spawner struct {
	manager *Manager
	store   *store.Store
	sandbox sandbox.Client
	chain   chain.Client
	log     logr.Logger

	// fundAmountCents is the initial grant per child.
	fundAmountCents int64

	// maxChildren caps living children.
	maxChildren int
}

// NewSpawner creates a spawner.
func NewSpawner(m *Manager, s *store.Store, sb sandbox.Client, ch chain.Client, log logr.Logger, fundAmountCents int64, maxChildren int) *Spawner {
	if maxChildren <= 0 {
		maxChildren = 3
	}
	return &Spawner{
		manager:         m,
		store:           s,
		sandbox:         sb,
		chain:           ch,
		log:             log.WithName("spawner"),
		fundAmountCents: fundAmountCents,
		maxChildren:     maxChildren,
	}
}

// Spawn validates the genesis, creates the child record, and walks the
// provisioning pipeline. Returns the child id.
func (sp *Spawner) Spawn(ctx context.Context, name, genesisPrompt string) (string, error) {
	if err := ValidateGenesis(GenesisInput{Name: name, Task: genesisPrompt}); err != nil {
		return "", err
	}
	living, err := sp.store.CountLivingChildren(ctx)
	if err != nil {
		return "", err
	}
	if living >= int64(sp.maxChildren) {
		return "", errs.New(errs.KindLimitExceeded,
			"child cap reached: %d living of max %d", living, sp.maxChildren)
	}

	childID := sp.store.NewULID()
	child, err := sp.manager.Init(ctx, childID, name, genesisPrompt)
	if err != nil {
		return "", err
	}

	if err := sp.provision(ctx, child); err != nil {
		if ferr := sp.manager.Transition(ctx, childID, StateFailed, err.Error(), nil); ferr != nil {
			sp.log.Error(ferr, "failed-state transition failed", "child", childID)
		}
		return childID, err
	}
	return childID, nil
}

func (sp *Spawner) provision(ctx context.Context, child *store.Child) error {
	// requested → sandbox_created
	info, err := sp.sandbox.CreateSandbox(ctx, child.Name)
	if err != nil {
		return errs.Wrap(errs.KindUnavailable, err, "create sandbox")
	}
	if _, err := sp.store.DB().ExecContext(ctx,
		`UPDATE children SET sandbox_id = ? WHERE id = ?`, info.ID, child.ID); err != nil {
		return errs.Wrap(errs.KindUnavailable, err, "record sandbox id")
	}
	if err := sp.manager.Transition(ctx, child.ID, StateSandboxCreated, "", map[string]interface{}{
		"sandbox_id": info.ID,
	}); err != nil {
		return err
	}

	// sandbox_created → runtime_ready: the runtime reports ready over exec.
	if err := sp.waitRuntimeReady(ctx, info.ID); err != nil {
		return err
	}
	if err := sp.manager.Transition(ctx, child.ID, StateRuntimeReady, "", nil); err != nil {
		return err
	}

	// runtime_ready → wallet_verified: the child reports its address.
	address, err := sp.verifyWallet(ctx, info.ID)
	if err != nil {
		return err
	}
	if err := sp.store.UpdateChildAddress(ctx, child.ID, address); err != nil {
		return err
	}
	if err := sp.manager.Transition(ctx, child.ID, StateWalletVerified, "", map[string]interface{}{
		"address": address,
	}); err != nil {
		return err
	}

	// wallet_verified → funded
	if sp.fundAmountCents > 0 {
		receipt, err := sp.chain.TransferCredits(ctx, address, sp.fundAmountCents)
		if err != nil {
			return errs.Wrap(errs.KindUnavailable, err, "fund child")
		}
		if _, err := sp.store.InsertOnchainTx(ctx, receipt.TxHash, "base", "fund_child",
			map[string]interface{}{"child": child.ID, "amount_cents": sp.fundAmountCents}); err != nil {
			sp.log.Error(err, "funding tx record failed", "child", child.ID)
		}
		if err := sp.store.UpdateChildFunding(ctx, child.ID, sp.fundAmountCents); err != nil {
			return err
		}
	}
	if err := sp.manager.Transition(ctx, child.ID, StateFunded, "", nil); err != nil {
		return err
	}

	// funded → starting
	if _, err := sp.sandbox.Exec(ctx, info.ID, "automaton start --daemon", 30*time.Second); err != nil {
		return errs.Wrap(errs.KindUnavailable, err, "start child runtime")
	}
	return sp.manager.Transition(ctx, child.ID, StateStarting, "", nil)
}

func (sp *Spawner) waitRuntimeReady(ctx context.Context, sandboxID string) error {
	result, err := sp.sandbox.Exec(ctx, sandboxID, "automaton status --json", 20*time.Second)
	if err != nil {
		return errs.Wrap(errs.KindUnavailable, err, "runtime status probe")
	}
	var status struct {
		Ready bool `json:"ready"`
	}
	if err := json.Unmarshal([]byte(strings.TrimSpace(result.Stdout)), &status); err != nil {
		return errs.New(errs.KindUnavailable, "unparseable runtime status: %q", result.Stdout)
	}
	if !status.Ready {
		return errs.New(errs.KindUnavailable, "runtime not ready")
	}
	return nil
}

func (sp *Spawner) verifyWallet(ctx context.Context, sandboxID string) (string, error) {
	result, err := sp.sandbox.Exec(ctx, sandboxID, "automaton wallet --address", 20*time.Second)
	if err != nil {
		return "", errs.Wrap(errs.KindUnavailable, err, "wallet probe")
	}
	address := strings.TrimSpace(result.Stdout)
	if !signing.ValidAddress(address) {
		return "", errs.New(errs.KindInvalidInput,
			"child reported invalid wallet address %q", address)
	}
	return address, nil
}

// Describe renders a one-line lineage summary for the system prompt.
func (sp *Spawner) Describe(ctx context.Context) string {
	children, err := sp.store.ListChildren(ctx)
	if err != nil || len(children) == 0 {
		return ""
	}
	counts := map[string]int{}
	for _, c := range children {
		counts[c.Status]++
	}
	parts := make([]string, 0, len(counts))
	for state, n := range counts {
		parts = append(parts, fmt.Sprintf("%d %s", n, state))
	}
	return strings.Join(parts, ", ")
}
