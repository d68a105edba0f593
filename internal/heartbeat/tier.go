/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

package heartbeat

import "time"

// Tier is the survival classification derived from the credit balance. It
// gates which tasks run and which model the turn loop picks.
type Tier string

const (
	TierHigh       Tier = "high"
	TierNormal     Tier = "normal"
	TierLowCompute Tier = "low_compute"
	TierCritical   Tier = "critical"
	TierDead       Tier = "dead"
)

// tierRank orders tiers for gating: a task with tier_minimum T runs only
// while the current tier ranks at or above T.
var tierRank = map[Tier]int{
	TierHigh:       4,
	TierNormal:     3,
	TierLowCompute: 2,
	TierCritical:   1,
	TierDead:       0,
}

// AtLeast reports whether t ranks at or above minimum.
func (t Tier) AtLeast(minimum Tier) bool {
	return tierRank[t] >= tierRank[minimum]
}

// Balance thresholds in integer cents.
const (
	highThresholdCents       = 500
	normalThresholdCents     = 50
	lowComputeThresholdCents = 10
)

// TierFromBalance derives the tier from the credit balance:
// high > $5.00, normal > $0.50, low_compute > $0.10, critical > $0.00,
// else dead.
func TierFromBalance(creditCents int64) Tier {
	switch {
	case creditCents > highThresholdCents:
		return TierHigh
	case creditCents > normalThresholdCents:
		return TierNormal
	case creditCents > lowComputeThresholdCents:
		return TierLowCompute
	case creditCents > 0:
		return TierCritical
	default:
		return TierDead
	}
}

// criticalGracePeriod is how long a zero balance may sit in critical before
// the agent is considered dead. This grace period is part of the contract
// and must not be shortened.
const criticalGracePeriod = time.Hour

// TickContext carries one tick's shared state: balances are fetched exactly
// once per tick and every task sees the same values.
type TickContext struct {
	TickID      string
	StartedAt   time.Time
	CreditCents int64
	USDCCents   int64
	Tier        Tier
}
