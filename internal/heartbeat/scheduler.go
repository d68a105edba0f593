/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package heartbeat drives the agent's periodic tasks. One tick runs at a
// time; within a tick, due tasks execute sequentially in priority order
// under survival-tier gating, with DB leases and dedup keys guarding
// against double execution.
//
// For each tick:
//  1. Mint a tick id, fetch balances exactly once, derive the tier
//  2. Clear expired leases
//  3. Consume queued wake events (FIFO)
//  4. For each due, tier-eligible task: lease → dedup → execute with
//     timeout → record history → reschedule → release
//  5. Tasks returning shouldWake enqueue a wake event for the turn loop
package heartbeat

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	"github.com/robfig/cron/v3"

	"github.com/marcus-qen/automaton/internal/chain"
	"github.com/marcus-qen/automaton/internal/observe"
	"github.com/marcus-qen/automaton/internal/store"
)

// TaskResult is what a task reports back to the scheduler.
type TaskResult struct {
	ShouldWake bool
	Message    string
}

// TaskFunc is one heartbeat task. Tasks never propagate errors in
// practice — the scheduler still records any that slip through as failures
// without stopping the tick.
type TaskFunc func(ctx context.Context, tc *TickContext) (TaskResult, error)

// Config tunes the scheduler.
type Config struct {
	// MaxWakeEventsPerTick bounds wake-event consumption. Default 10.
	MaxWakeEventsPerTick int

	// LeaseDuration is how long a task lease is held. Default 5m.
	LeaseDuration time.Duration

	// LowComputeMultiplier stretches task intervals in the low_compute
	// tier. Default 4.
	LowComputeMultiplier int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxWakeEventsPerTick: 10,
		LeaseDuration:        5 * time.Minute,
		LowComputeMultiplier: 4,
	}
}

// Scheduler owns the tick loop.
type Scheduler struct {
	store   *store.Store
	chain   chain.Client
	metrics *observe.Collector
	log     logr.Logger
	cfg     Config

	address string
	owner   string
	tasks   map[string]TaskFunc
	parser  cron.Parser
	clock   func() time.Time

	// onWake is invoked after a tick that consumed wake events, with those
	// events, so the turn loop can act on them. Events enqueued during a
	// tick are consumed by a later tick.
	onWake func(events []store.WakeEvent)

	// onTick is invoked after every tick with the tick's context.
	onTick func(tc *TickContext)
}

// New creates a scheduler. owner identifies this process in lease rows.
func New(s *store.Store, ch chain.Client, metrics *observe.Collector, log logr.Logger, address string, cfg Config) *Scheduler {
	if cfg.MaxWakeEventsPerTick <= 0 {
		cfg.MaxWakeEventsPerTick = 10
	}
	if cfg.LeaseDuration <= 0 {
		cfg.LeaseDuration = 5 * time.Minute
	}
	if cfg.LowComputeMultiplier <= 0 {
		cfg.LowComputeMultiplier = 4
	}
	return &Scheduler{
		store:   s,
		chain:   ch,
		metrics: metrics,
		log:     log.WithName("heartbeat"),
		cfg:     cfg,
		address: address,
		owner:   s.NewULID(),
		tasks:   make(map[string]TaskFunc),
		parser:  cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		clock:   time.Now,
	}
}

// RegisterTask binds a task function to a schedule row's task name.
func (s *Scheduler) RegisterTask(name string, fn TaskFunc) {
	s.tasks[name] = fn
}

// OnWake sets the wake-event callback.
func (s *Scheduler) OnWake(fn func(events []store.WakeEvent)) {
	s.onWake = fn
}

// OnTick sets a callback observing each completed tick's context.
func (s *Scheduler) OnTick(fn func(tc *TickContext)) {
	s.onTick = fn
}

// WithClock overrides the time source for tests.
func (s *Scheduler) WithClock(clock func() time.Time) *Scheduler {
	s.clock = clock
	return s
}

// Run drives ticks at the given interval until the context ends.
func (s *Scheduler) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	s.log.Info("heartbeat starting", "interval", interval, "owner", s.owner)

	for {
		select {
		case <-ctx.Done():
			s.log.Info("heartbeat stopping")
			return nil
		case <-ticker.C:
			if _, err := s.Tick(ctx); err != nil {
				s.log.Error(err, "tick failed")
			}
		}
	}
}

// Tick executes one full scheduling cycle and returns its TickContext.
func (s *Scheduler) Tick(ctx context.Context) (*TickContext, error) {
	started := s.clock().UTC()
	tc := &TickContext{
		TickID:    s.store.NewULID(),
		StartedAt: started,
	}

	// Balances are fetched exactly once per tick.
	balances, err := s.chain.Balances(ctx, s.address)
	if err != nil {
		s.log.Error(err, "balance fetch failed; treating balances as zero")
		balances = &chain.Balances{}
	}
	tc.CreditCents = balances.CreditCents
	tc.USDCCents = balances.USDCCents
	tc.Tier = s.deriveTier(ctx, balances.CreditCents)
	s.metrics.SetSurvival(string(tc.Tier), tc.CreditCents, tc.USDCCents)

	if cleared, err := s.store.ClearExpiredLeases(ctx, store.NowISO()); err != nil {
		s.log.Error(err, "clear expired leases failed")
	} else if cleared > 0 {
		s.log.Info("cleared expired leases", "count", cleared)
	}

	events, err := s.store.ConsumeWakeEvents(ctx, s.cfg.MaxWakeEventsPerTick)
	if err != nil {
		s.log.Error(err, "wake event consumption failed")
	}

	rows, err := s.store.ListSchedules(ctx)
	if err != nil {
		return tc, err
	}

	ran := 0
	for i := range rows {
		row := &rows[i]
		if !s.due(row, started, tc.Tier) {
			continue
		}
		s.runTask(ctx, tc, row)
		ran++
	}

	s.metrics.RecordTick(string(tc.Tier), ran, s.clock().UTC().Sub(started))

	if s.onTick != nil {
		s.onTick(tc)
	}
	if s.onWake != nil && len(events) > 0 {
		s.onWake(events)
	}
	return tc, nil
}

// deriveTier computes the survival tier, holding a zero balance in
// critical for the grace period before declaring dead.
func (s *Scheduler) deriveTier(ctx context.Context, creditCents int64) Tier {
	tier := TierFromBalance(creditCents)
	if tier != TierDead {
		if tier != TierCritical {
			_ = s.store.DeleteKV(ctx, "critical_since")
		}
		return tier
	}

	// Zero balance: stay critical until the grace period elapses.
	since, ok, err := s.store.GetKV(ctx, "critical_since")
	if err != nil {
		s.log.Error(err, "critical_since read failed")
		return TierCritical
	}
	now := s.clock().UTC()
	if !ok {
		if err := s.store.SetKV(ctx, "critical_since", now.Format(time.RFC3339)); err != nil {
			s.log.Error(err, "critical_since write failed")
		}
		return TierCritical
	}
	start, err := time.Parse(time.RFC3339, since)
	if err != nil || now.Sub(start) < criticalGracePeriod {
		return TierCritical
	}
	return TierDead
}

// due reports whether a row should run this tick.
func (s *Scheduler) due(row *store.ScheduleRow, now time.Time, tier Tier) bool {
	if !row.Enabled {
		return false
	}
	if !tier.AtLeast(Tier(row.TierMinimum)) {
		return false
	}
	if _, ok := s.tasks[row.TaskName]; !ok {
		return false
	}
	if !row.NextRunAt.Valid || row.NextRunAt.String == "" {
		return true
	}
	next, err := store.ParseISO(row.NextRunAt.String)
	if err != nil {
		return true
	}
	return !next.After(now)
}

// runTask executes one task under lease + dedup, records history, and
// reschedules the row.
func (s *Scheduler) runTask(ctx context.Context, tc *TickContext, row *store.ScheduleRow) {
	now := s.clock().UTC()
	nowISO := store.NowISO()
	leaseExpiry := now.Add(s.cfg.LeaseDuration).Format("2006-01-02T15:04:05.000Z")

	acquired, err := s.store.AcquireLease(ctx, row.TaskName, s.owner, leaseExpiry, nowISO)
	if err != nil {
		s.log.Error(err, "lease acquire failed", "task", row.TaskName)
		return
	}
	if !acquired {
		return
	}
	defer func() {
		if err := s.store.ReleaseLease(ctx, row.TaskName, s.owner); err != nil {
			s.log.Error(err, "lease release failed", "task", row.TaskName)
		}
	}()

	dedupKey, dedupTTL := s.dedupKeyFor(row, tc, now)
	historyID := s.store.NewULID()

	fresh, err := s.store.InsertDedupKey(ctx, dedupKey, row.TaskName, nowISO,
		now.Add(dedupTTL).Format("2006-01-02T15:04:05.000Z"))
	if err != nil {
		s.log.Error(err, "dedup insert failed", "task", row.TaskName)
		return
	}
	if !fresh {
		s.recordOutcome(ctx, tc, row, historyID, dedupKey, now, store.TaskResultSkipped, TaskResult{}, "")
		return
	}

	if err := s.store.InsertHistoryStart(ctx, &store.HistoryRow{
		ID:             historyID,
		TaskName:       row.TaskName,
		StartedAt:      nowISO,
		IdempotencyKey: nullString(dedupKey),
	}); err != nil {
		s.log.Error(err, "history start failed", "task", row.TaskName)
	}

	result, outcome, errMsg := s.execute(ctx, tc, row)
	s.recordOutcome(ctx, tc, row, historyID, dedupKey, now, outcome, result, errMsg)
}

// execute runs the task function with the row's timeout. A timeout marks
// the task but does not abort in-flight I/O — external clients honour
// their own configured timeouts.
func (s *Scheduler) execute(ctx context.Context, tc *TickContext, row *store.ScheduleRow) (TaskResult, string, string) {
	fn := s.tasks[row.TaskName]
	timeout := time.Duration(row.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	type taskOutcome struct {
		result TaskResult
		err    error
	}
	done := make(chan taskOutcome, 1)
	taskCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- taskOutcome{err: fmt.Errorf("task panicked: %v", p)}
			}
		}()
		result, err := fn(taskCtx, tc)
		done <- taskOutcome{result: result, err: err}
	}()

	select {
	case <-taskCtx.Done():
		if ctx.Err() != nil {
			return TaskResult{}, store.TaskResultFailure, "scheduler stopping"
		}
		return TaskResult{}, store.TaskResultTimeout, fmt.Sprintf("timeout after %s", timeout)
	case out := <-done:
		if out.err != nil {
			return TaskResult{}, store.TaskResultFailure, out.err.Error()
		}
		return out.result, store.TaskResultSuccess, ""
	}
}

func (s *Scheduler) recordOutcome(
	ctx context.Context,
	tc *TickContext,
	row *store.ScheduleRow,
	historyID, dedupKey string,
	started time.Time,
	outcome string,
	result TaskResult,
	errMsg string,
) {
	completed := s.clock().UTC()
	nextRun := s.nextRunAt(row, completed, tc.Tier)

	if err := s.store.UpdateScheduleAfterRun(ctx,
		row.TaskName, store.NowISO(), nextRun, outcome, errMsg); err != nil {
		s.log.Error(err, "schedule update failed", "task", row.TaskName)
	}
	if err := s.store.CompleteHistory(ctx, historyID,
		store.NowISO(), outcome, result.Message); err != nil && outcome != store.TaskResultSkipped {
		s.log.Error(err, "history completion failed", "task", row.TaskName)
	}

	s.metrics.RecordTaskResult(row.TaskName, outcome, completed.Sub(started))

	if outcome == store.TaskResultSuccess && result.ShouldWake {
		reason := result.Message
		if reason == "" {
			reason = row.TaskName
		}
		if err := s.store.EnqueueWake(ctx, "heartbeat", reason, ""); err != nil {
			s.log.Error(err, "wake enqueue failed", "task", row.TaskName)
		}
	}

	if outcome == store.TaskResultFailure || outcome == store.TaskResultTimeout {
		s.log.Info("task did not succeed",
			"task", row.TaskName, "outcome", outcome, "error", errMsg)
	}
}

// dedupKeyFor computes the idempotency key: frequent tasks (interval under
// an hour) dedup per scheduled slot, slow tasks dedup per hour bucket.
func (s *Scheduler) dedupKeyFor(row *store.ScheduleRow, tc *TickContext, now time.Time) (string, time.Duration) {
	interval := s.effectiveInterval(row, tc.Tier)
	if interval > 0 && interval < time.Hour {
		slot := now.Truncate(interval).Format("2006-01-02T15:04:05")
		return fmt.Sprintf("%s:%s", row.TaskName, slot), interval
	}
	return fmt.Sprintf("%s:%s", row.TaskName, now.Format("2006-01-02T15")), time.Hour
}

// effectiveInterval resolves a row's repeat period, applying the
// low-compute multiplier.
func (s *Scheduler) effectiveInterval(row *store.ScheduleRow, tier Tier) time.Duration {
	var interval time.Duration
	if row.CronExpression.Valid && row.CronExpression.String != "" {
		if sched, err := s.parser.Parse(row.CronExpression.String); err == nil {
			now := s.clock().UTC()
			first := sched.Next(now)
			interval = sched.Next(first).Sub(first)
		}
	} else if row.IntervalMs.Valid && row.IntervalMs.Int64 > 0 {
		interval = time.Duration(row.IntervalMs.Int64) * time.Millisecond
	}
	if tier == TierLowCompute && interval > 0 {
		interval *= time.Duration(s.cfg.LowComputeMultiplier)
	}
	return interval
}

// nextRunAt computes the next run: cron wins when both cron and interval
// are present.
func (s *Scheduler) nextRunAt(row *store.ScheduleRow, after time.Time, tier Tier) string {
	if row.CronExpression.Valid && row.CronExpression.String != "" {
		if sched, err := s.parser.Parse(row.CronExpression.String); err == nil {
			next := sched.Next(after)
			if tier == TierLowCompute && s.cfg.LowComputeMultiplier > 1 {
				// Stretch by skipping cron slots.
				for i := 1; i < s.cfg.LowComputeMultiplier; i++ {
					next = sched.Next(next)
				}
			}
			return next.UTC().Format("2006-01-02T15:04:05.000Z")
		}
		s.log.Info("unparseable cron, falling back to interval",
			"task", row.TaskName, "cron", row.CronExpression.String)
	}
	interval := s.effectiveInterval(row, tier)
	if interval <= 0 {
		interval = time.Hour
	}
	return after.Add(interval).UTC().Format("2006-01-02T15:04:05.000Z")
}

func nullString(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}
