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
	"database/sql"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/marcus-qen/automaton/internal/errs"
	"github.com/marcus-qen/automaton/internal/store"
)

// ScheduleEntry is one task's schedule definition, from heartbeat.yml or
// the built-in defaults.
type ScheduleEntry struct {
	Name        string                 `yaml:"name"`
	Schedule    string                 `yaml:"schedule,omitempty"`
	IntervalMs  int64                  `yaml:"intervalMs,omitempty"`
	Task        string                 `yaml:"task,omitempty"`
	Enabled     *bool                  `yaml:"enabled,omitempty"`
	Priority    int                    `yaml:"priority,omitempty"`
	TimeoutMs   int64                  `yaml:"timeoutMs,omitempty"`
	TierMinimum string                 `yaml:"tierMinimum,omitempty"`
	Params      map[string]interface{} `yaml:"params,omitempty"`
}

// legacyUSDCCron is an old default migrated forward on load.
const (
	legacyUSDCCron  = "0 */12 * * *"
	currentUSDCCron = "*/5 * * * *"
)

// DefaultSchedule is the built-in task schedule. YAML entries merge over
// these by name.
func DefaultSchedule() []ScheduleEntry {
	enabled := true
	return []ScheduleEntry{
		{Name: "heartbeat_ping", Schedule: "*/5 * * * *", Priority: 10, TimeoutMs: 10000, TierMinimum: string(TierCritical), Enabled: &enabled},
		{Name: "check_credits", Schedule: "*/5 * * * *", Priority: 20, TimeoutMs: 15000, TierMinimum: string(TierCritical), Enabled: &enabled},
		{Name: "check_usdc_balance", Schedule: currentUSDCCron, Priority: 30, TimeoutMs: 15000, TierMinimum: string(TierCritical), Enabled: &enabled},
		{Name: "check_social_inbox", Schedule: "*/10 * * * *", Priority: 40, TimeoutMs: 20000, TierMinimum: string(TierLowCompute), Enabled: &enabled},
		{Name: "check_for_updates", Schedule: "0 */6 * * *", Priority: 50, TimeoutMs: 30000, TierMinimum: string(TierNormal), Enabled: &enabled},
		{Name: "health_check", Schedule: "*/15 * * * *", Priority: 60, TimeoutMs: 15000, TierMinimum: string(TierCritical), Enabled: &enabled},
		{Name: "soul_reflection", Schedule: "0 */8 * * *", Priority: 70, TimeoutMs: 30000, TierMinimum: string(TierNormal), Enabled: &enabled},
		{Name: "refresh_models", Schedule: "0 */12 * * *", Priority: 80, TimeoutMs: 30000, TierMinimum: string(TierLowCompute), Enabled: &enabled},
		{Name: "check_child_health", Schedule: "*/10 * * * *", Priority: 90, TimeoutMs: 60000, TierMinimum: string(TierLowCompute), Enabled: &enabled},
		{Name: "prune_dead_children", Schedule: "0 */4 * * *", Priority: 100, TimeoutMs: 60000, TierMinimum: string(TierLowCompute), Enabled: &enabled},
		{Name: "report_metrics", Schedule: "*/30 * * * *", Priority: 110, TimeoutMs: 15000, TierMinimum: string(TierCritical), Enabled: &enabled},
	}
}

// LoadScheduleFile reads heartbeat.yml overrides and merges them with the
// defaults by task name. A missing file yields the defaults.
func LoadScheduleFile(path string) ([]ScheduleEntry, error) {
	merged := DefaultSchedule()
	if path == "" {
		return merged, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return merged, nil
		}
		return nil, errs.Wrap(errs.KindFatal, err, "read schedule %s", path)
	}

	var overrides []ScheduleEntry
	if err := yaml.Unmarshal(data, &overrides); err != nil {
		return nil, errs.Wrap(errs.KindFatal, err, "parse schedule %s", path)
	}

	byName := make(map[string]int, len(merged))
	for i, entry := range merged {
		byName[entry.Name] = i
	}
	for _, o := range overrides {
		o = migrateLegacy(o)
		if i, ok := byName[o.Name]; ok {
			base := merged[i]
			if o.Schedule != "" {
				base.Schedule = o.Schedule
				base.IntervalMs = 0
			}
			if o.IntervalMs > 0 {
				base.IntervalMs = o.IntervalMs
			}
			if o.Priority != 0 {
				base.Priority = o.Priority
			}
			if o.TimeoutMs > 0 {
				base.TimeoutMs = o.TimeoutMs
			}
			if o.TierMinimum != "" {
				base.TierMinimum = o.TierMinimum
			}
			if o.Enabled != nil {
				base.Enabled = o.Enabled
			}
			if o.Params != nil {
				base.Params = o.Params
			}
			merged[i] = base
		} else {
			merged = append(merged, o)
		}
	}
	return merged, nil
}

// migrateLegacy rewrites schedule values that older releases shipped.
func migrateLegacy(e ScheduleEntry) ScheduleEntry {
	if e.Name == "check_usdc_balance" && e.Schedule == legacyUSDCCron {
		e.Schedule = currentUSDCCron
	}
	return e
}

// SyncSchedules upserts the merged schedule into the store. Runtime columns
// (counters, leases, next_run_at) survive the upsert.
func (s *Scheduler) SyncSchedules(ctx context.Context, entries []ScheduleEntry) error {
	for _, e := range entries {
		enabled := true
		if e.Enabled != nil {
			enabled = *e.Enabled
		}
		tierMin := e.TierMinimum
		if tierMin == "" {
			tierMin = string(TierCritical)
		}
		timeout := e.TimeoutMs
		if timeout <= 0 {
			timeout = 30000
		}
		row := &store.ScheduleRow{
			TaskName:       e.Name,
			CronExpression: sql.NullString{String: e.Schedule, Valid: e.Schedule != ""},
			IntervalMs:     sql.NullInt64{Int64: e.IntervalMs, Valid: e.IntervalMs > 0},
			Priority:       e.Priority,
			TimeoutMs:      timeout,
			TierMinimum:    tierMin,
			Enabled:        enabled,
			Params:         store.MustJSON(e.Params),
		}
		if err := s.store.UpsertSchedule(ctx, row); err != nil {
			return err
		}
	}
	return nil
}
