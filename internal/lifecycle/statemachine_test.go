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
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-logr/logr"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/marcus-qen/automaton/internal/sandbox"
	"github.com/marcus-qen/automaton/internal/store"
)

// fakeSandbox is an in-memory sandbox.Client.
type fakeSandbox struct {
	mu           sync.Mutex
	execResults  map[string]*sandbox.ExecResult
	execErr      error
	deleted      []string
	maxInFlight  int
	curInFlight  int
	execDelay    time.Duration
}

func newFakeSandbox() *fakeSandbox {
	return &fakeSandbox{execResults: make(map[string]*sandbox.ExecResult)}
}

func (f *fakeSandbox) Exec(_ context.Context, sandboxID, _ string, _ time.Duration) (*sandbox.ExecResult, error) {
	f.mu.Lock()
	f.curInFlight++
	if f.curInFlight > f.maxInFlight {
		f.maxInFlight = f.curInFlight
	}
	delay := f.execDelay
	f.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}

	f.mu.Lock()
	f.curInFlight--
	result, ok := f.execResults[sandboxID]
	err := f.execErr
	f.mu.Unlock()

	if err != nil {
		return nil, err
	}
	if !ok {
		return &sandbox.ExecResult{Stdout: `{"status":"healthy","uptime":12.5}`}, nil
	}
	return result, nil
}

func (f *fakeSandbox) CreateSandbox(_ context.Context, name string) (*sandbox.SandboxInfo, error) {
	return &sandbox.SandboxInfo{ID: "sb-" + name}, nil
}

func (f *fakeSandbox) DeleteSandbox(_ context.Context, sandboxID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, sandboxID)
	return nil
}

var _ = Describe("child state machine", func() {
	var (
		ctx     context.Context
		st      *store.Store
		sb      *fakeSandbox
		manager *Manager
	)

	BeforeEach(func() {
		ctx = context.Background()
		var err error
		st, err = store.Open(ctx,
			store.Options{Path: filepath.Join(GinkgoT().TempDir(), "state.db")}, logr.Discard())
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(func() { st.Close() })

		sb = newFakeSandbox()
		manager = NewManager(st, sb, logr.Discard())
	})

	happyPath := []string{
		StateSandboxCreated, StateRuntimeReady, StateWalletVerified,
		StateFunded, StateStarting, StateHealthy,
	}

	It("walks the happy path and records every event", func() {
		_, err := manager.Init(ctx, "C1", "child-one", "explore")
		Expect(err).NotTo(HaveOccurred())

		for _, next := range happyPath {
			Expect(manager.Transition(ctx, "C1", next, "", nil)).To(Succeed())
		}

		state, err := manager.CurrentState(ctx, "C1")
		Expect(err).NotTo(HaveOccurred())
		Expect(state).To(Equal(StateHealthy))

		history, err := manager.History(ctx, "C1")
		Expect(err).NotTo(HaveOccurred())
		Expect(history).To(HaveLen(7))
		Expect(history[0].FromState).To(Equal(StateNone))
		Expect(history[0].ToState).To(Equal(StateRequested))
	})

	It("rejects illegal edges with the transition in the message", func() {
		_, err := manager.Init(ctx, "C2", "child-two", "explore")
		Expect(err).NotTo(HaveOccurred())

		err = manager.Transition(ctx, "C2", StateHealthy, "", nil)
		Expect(err).To(HaveOccurred())
		Expect(err.Error()).To(ContainSubstring("Invalid lifecycle transition: requested → healthy"))
	})

	It("treats cleaned_up as terminal", func() {
		_, err := manager.Init(ctx, "C3", "child-three", "explore")
		Expect(err).NotTo(HaveOccurred())
		Expect(manager.Transition(ctx, "C3", StateFailed, "boot error", nil)).To(Succeed())
		Expect(manager.Transition(ctx, "C3", StateCleanedUp, "", nil)).To(Succeed())

		for _, to := range []string{StateRequested, StateHealthy, StateFailed} {
			Expect(manager.Transition(ctx, "C3", to, "", nil)).NotTo(Succeed())
		}
	})

	It("refuses cleanup outside stopped/failed", func() {
		_, err := manager.Init(ctx, "C4", "child-four", "explore")
		Expect(err).NotTo(HaveOccurred())
		Expect(manager.Cleanup(ctx, "C4")).NotTo(Succeed())

		Expect(manager.Transition(ctx, "C4", StateFailed, "", nil)).To(Succeed())
		Expect(manager.Cleanup(ctx, "C4")).To(Succeed())

		state, _ := manager.CurrentState(ctx, "C4")
		Expect(state).To(Equal(StateCleanedUp))
	})

	Describe("health monitoring", func() {
		walkTo := func(id string, states ...string) {
			_, err := manager.Init(ctx, id, id, "explore")
			Expect(err).NotTo(HaveOccurred())
			for _, next := range states {
				Expect(manager.Transition(ctx, id, next, "", nil)).To(Succeed())
			}
		}

		It("transitions healthy children to unhealthy on failed probes", func() {
			walkTo("H1", happyPath...)
			Expect(st.DB().MustExec(`UPDATE children SET sandbox_id = 'sb-h1' WHERE id = 'H1'`)).NotTo(BeNil())
			sb.execResults["sb-h1"] = &sandbox.ExecResult{Stdout: `{"status":"starting"}`}

			reports, err := manager.CheckHealth(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(reports).To(HaveLen(1))
			Expect(reports[0].Healthy).To(BeFalse())

			state, _ := manager.CurrentState(ctx, "H1")
			Expect(state).To(Equal(StateUnhealthy))
		})

		It("recovers unhealthy children on healthy probes", func() {
			walkTo("H2", happyPath...)
			Expect(manager.Transition(ctx, "H2", StateUnhealthy, "probe failed", nil)).To(Succeed())
			st.DB().MustExec(`UPDATE children SET sandbox_id = 'sb-h2' WHERE id = 'H2'`)

			_, err := manager.CheckHealth(ctx)
			Expect(err).NotTo(HaveOccurred())

			state, _ := manager.CurrentState(ctx, "H2")
			Expect(state).To(Equal(StateHealthy))
		})

		It("caps probe fan-out at three", func() {
			for i := 0; i < 8; i++ {
				id := fmt.Sprintf("F%d", i)
				walkTo(id, happyPath...)
				st.DB().MustExec(`UPDATE children SET sandbox_id = ? WHERE id = ?`, "sb-"+id, id)
			}
			sb.execDelay = 20 * time.Millisecond

			_, err := manager.CheckHealth(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(sb.maxInFlight).To(BeNumerically("<=", 3))
		})
	})

	Describe("pruning", func() {
		It("keeps the newest keepLast dead children and cleans the rest", func() {
			for i := 0; i < 8; i++ {
				id := fmt.Sprintf("P%d", i)
				_, err := manager.Init(ctx, id, id, "explore")
				Expect(err).NotTo(HaveOccurred())
				Expect(manager.Transition(ctx, id, StateFailed, "", nil)).To(Succeed())
				// Distinct created_at ordering.
				st.DB().MustExec(`UPDATE children SET created_at = ? WHERE id = ?`,
					fmt.Sprintf("2026-07-0%dT00:00:00.000Z", i+1), id)
			}

			pruned, err := manager.PruneDeadChildren(ctx, 5)
			Expect(err).NotTo(HaveOccurred())
			Expect(pruned).To(Equal(3))

			remaining, err := st.ListChildrenByStatus(ctx, StateFailed, StateCleanedUp)
			Expect(err).NotTo(HaveOccurred())
			Expect(remaining).To(HaveLen(5))
			// The oldest three are gone.
			for _, child := range remaining {
				Expect(child.ID).NotTo(BeElementOf("P0", "P1", "P2"))
			}

			// Second prune is a no-op.
			pruned, err = manager.PruneDeadChildren(ctx, 5)
			Expect(err).NotTo(HaveOccurred())
			Expect(pruned).To(BeZero())
		})
	})
})
