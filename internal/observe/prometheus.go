/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

package observe

import (
	"sort"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metric naming follows Prometheus conventions:
//   - automaton_ prefix for all custom metrics
//   - _total suffix for counters
//   - _ms suffix for duration histograms

// Bridge exports the internal Collector through a Prometheus registry so the
// same series feed both alert evaluation and external scraping.
type Bridge struct {
	collector *Collector
}

// NewBridge wraps a collector. Register it with prometheus.MustRegister.
func NewBridge(c *Collector) *Bridge { return &Bridge{collector: c} }

// Describe implements prometheus.Collector. The bridge is unchecked — the
// internal series set is dynamic.
func (b *Bridge) Describe(chan<- *prometheus.Desc) {}

// Collect implements prometheus.Collector.
func (b *Bridge) Collect(ch chan<- prometheus.Metric) {
	for _, entry := range b.collector.GetAll() {
		labelKeys := make([]string, 0, len(entry.Labels))
		for k := range entry.Labels {
			labelKeys = append(labelKeys, k)
		}
		sort.Strings(labelKeys)
		labelVals := make([]string, len(labelKeys))
		for i, k := range labelKeys {
			labelVals[i] = entry.Labels[k]
		}
		desc := prometheus.NewDesc(entry.Name, "automaton internal metric", labelKeys, nil)

		switch entry.Type {
		case MetricCounter:
			m, err := prometheus.NewConstMetric(desc, prometheus.CounterValue, entry.Value, labelVals...)
			if err == nil {
				ch <- m
			}
		case MetricGauge:
			m, err := prometheus.NewConstMetric(desc, prometheus.GaugeValue, entry.Value, labelVals...)
			if err == nil {
				ch <- m
			}
		case MetricHistogram:
			var sum float64
			buckets := map[float64]uint64{}
			for _, v := range entry.Values {
				sum += v
			}
			m, err := prometheus.NewConstHistogram(desc, uint64(len(entry.Values)), sum, buckets, labelVals...)
			if err == nil {
				ch <- m
			}
		}
	}
}

// RecordTurnComplete records metrics for a completed reasoning turn.
func (c *Collector) RecordTurnComplete(state, inputSource string, duration time.Duration, tokens int64, costCents int64) {
	c.Inc("automaton_turns_total", 1, map[string]string{"state": state, "source": inputSource})
	c.Observe("automaton_turn_duration_ms", float64(duration.Milliseconds()), nil)
	c.Inc("automaton_tokens_used_total", float64(tokens), nil)
	c.Inc("automaton_inference_cost_cents_total", float64(costCents), nil)
}

// RecordToolCall records one tool dispatch outcome.
func (c *Collector) RecordToolCall(tool string, failed bool, duration time.Duration) {
	status := "ok"
	if failed {
		status = "error"
	}
	c.Inc("automaton_tool_calls_total", 1, map[string]string{"tool": tool, "status": status})
	c.Observe("automaton_tool_duration_ms", float64(duration.Milliseconds()), map[string]string{"tool": tool})
}

// RecordPolicyDecision records one policy engine evaluation.
func (c *Collector) RecordPolicyDecision(tool, decision string) {
	c.Inc("automaton_policy_decisions_total", 1, map[string]string{"tool": tool, "decision": decision})
}

// RecordTick records a completed heartbeat tick.
func (c *Collector) RecordTick(tier string, tasks int, duration time.Duration) {
	c.Inc("automaton_ticks_total", 1, map[string]string{"tier": tier})
	c.Set("automaton_tick_tasks", float64(tasks), nil)
	c.Observe("automaton_tick_duration_ms", float64(duration.Milliseconds()), nil)
}

// RecordTaskResult records one heartbeat task outcome.
func (c *Collector) RecordTaskResult(task, result string, duration time.Duration) {
	c.Inc("automaton_heartbeat_tasks_total", 1, map[string]string{"task": task, "result": result})
	c.Observe("automaton_task_duration_ms", float64(duration.Milliseconds()), map[string]string{"task": task})
}

// RecordSpend records a treasury spend by category.
func (c *Collector) RecordSpend(category string, cents int64) {
	c.Inc("automaton_spend_cents_total", float64(cents), map[string]string{"category": category})
}

// RecordModelFailure records a provider failure in the fallback cascade.
func (c *Collector) RecordModelFailure(provider string) {
	c.Inc("automaton_model_failures_total", 1, map[string]string{"provider": provider})
}

// SetSurvival updates the survival gauges published with each tick.
func (c *Collector) SetSurvival(tier string, creditCents, usdcCents int64) {
	c.Set("automaton_credit_balance_cents", float64(creditCents), nil)
	c.Set("automaton_usdc_balance_cents", float64(usdcCents), nil)
	for _, t := range []string{"high", "normal", "low_compute", "critical", "dead"} {
		v := 0.0
		if t == tier {
			v = 1.0
		}
		c.Set("automaton_survival_tier", v, map[string]string{"tier": t})
	}
}
