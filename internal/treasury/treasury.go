/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package treasury enforces spend caps. Every financial tool call is
// recorded with hourly and daily windows derived from its timestamp, and
// checked against per-category limits before execution.
package treasury

import (
	"context"
	"fmt"

	"github.com/go-logr/logr"

	"github.com/marcus-qen/automaton/internal/observe"
	"github.com/marcus-qen/automaton/internal/store"
)

// Policy holds all spend caps in integer cents.
type Policy struct {
	MaxHourlyTransferCents int64 `yaml:"maxHourlyTransferCents"`
	MaxDailyTransferCents  int64 `yaml:"maxDailyTransferCents"`
	MaxX402PaymentCents    int64 `yaml:"maxX402PaymentCents"`
	MaxInferenceDailyCents int64 `yaml:"maxInferenceDailyCents"`
	MaxTransfersPerTurn    int   `yaml:"maxTransfersPerTurn"`
	RetentionDays          int   `yaml:"retentionDays"`
}

// DefaultPolicy returns the shipped treasury policy.
func DefaultPolicy() Policy {
	return Policy{
		MaxHourlyTransferCents: 10000,
		MaxDailyTransferCents:  50000,
		MaxX402PaymentCents:    500,
		MaxInferenceDailyCents: 2000,
		MaxTransfersPerTurn:    3,
		RetentionDays:          30,
	}
}

// limits resolves the hourly/daily caps for a category. A zero hourly cap
// means only the daily window is enforced.
func (p Policy) limits(category string) (hourly, daily int64) {
	switch category {
	case store.SpendTransfer:
		return p.MaxHourlyTransferCents, p.MaxDailyTransferCents
	case store.SpendX402:
		return p.MaxX402PaymentCents * 10, p.MaxX402PaymentCents * 50
	default:
		return 0, p.MaxInferenceDailyCents
	}
}

// CheckResult is the outcome of a limit check.
type CheckResult struct {
	Allowed            bool
	Reason             string
	CurrentHourlySpend int64
	CurrentDailySpend  int64
}

// Tracker records and checks spend against a store.
type Tracker struct {
	store   *store.Store
	metrics *observe.Collector
	log     logr.Logger
}

// NewTracker creates a tracker.
func NewTracker(s *store.Store, metrics *observe.Collector, log logr.Logger) *Tracker {
	return &Tracker{store: s, metrics: metrics, log: log.WithName("treasury")}
}

// RecordSpend persists one spend and bumps the spend counter.
func (t *Tracker) RecordSpend(ctx context.Context, toolName string, amountCents int64, recipient, category string) error {
	rec, err := t.store.InsertSpend(ctx, toolName, amountCents, recipient, category)
	if err != nil {
		return err
	}
	t.metrics.RecordSpend(category, amountCents)
	t.log.Info("spend recorded",
		"tool", toolName, "amountCents", amountCents,
		"category", category, "windowHour", rec.WindowHour)
	return nil
}

// CheckLimit answers whether a prospective spend fits both the hourly and
// daily windows for its category. Current window totals are always
// populated so callers can report them.
func (t *Tracker) CheckLimit(ctx context.Context, amountCents int64, category string, policy Policy) (CheckResult, error) {
	now := store.NowISO()
	windowHour, windowDay := now[:13], now[:10]

	hourlySpent, err := t.store.HourlySpend(ctx, category, windowHour)
	if err != nil {
		return CheckResult{}, err
	}
	dailySpent, err := t.store.DailySpend(ctx, category, windowDay)
	if err != nil {
		return CheckResult{}, err
	}

	result := CheckResult{
		Allowed:            true,
		CurrentHourlySpend: hourlySpent,
		CurrentDailySpend:  dailySpent,
	}

	hourlyLimit, dailyLimit := policy.limits(category)
	if hourlyLimit > 0 && hourlySpent+amountCents > hourlyLimit {
		result.Allowed = false
		result.Reason = fmt.Sprintf(
			"Hourly %s limit exceeded: %d + %d > %d cents",
			category, hourlySpent, amountCents, hourlyLimit)
		return result, nil
	}
	if dailyLimit > 0 && dailySpent+amountCents > dailyLimit {
		result.Allowed = false
		result.Reason = fmt.Sprintf(
			"Daily %s limit exceeded: %d + %d > %d cents",
			category, dailySpent, amountCents, dailyLimit)
		return result, nil
	}
	return result, nil
}

// HourlySpend reports the current hour's total for a category.
func (t *Tracker) HourlySpend(ctx context.Context, category string) (int64, error) {
	return t.store.HourlySpend(ctx, category, store.NowISO()[:13])
}

// DailySpend reports the current day's total for a category.
func (t *Tracker) DailySpend(ctx context.Context, category string) (int64, error) {
	return t.store.DailySpend(ctx, category, store.NowISO()[:10])
}

// Prune applies the retention window.
func (t *Tracker) Prune(ctx context.Context, policy Policy) (int64, error) {
	days := policy.RetentionDays
	if days <= 0 {
		days = 30
	}
	return t.store.PruneSpendRecords(ctx, days)
}
