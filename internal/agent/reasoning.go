/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

package agent

import (
	"strings"

	"github.com/marcus-qen/automaton/internal/store"
)

// ParseReasoning splits a model's thinking text into ordered OODA-phase
// steps. Markers like "OBSERVE:", "ORIENT:", "DECIDE:", "ACT:" open a new
// step; unmarked leading text becomes an observe step.
func ParseReasoning(thinking string) []store.ReasoningStep {
	thinking = strings.TrimSpace(thinking)
	if thinking == "" {
		return nil
	}

	markers := map[string]string{
		"OBSERVE:": store.PhaseObserve,
		"ORIENT:":  store.PhaseOrient,
		"DECIDE:":  store.PhaseDecide,
		"ACT:":     store.PhaseAct,
	}

	var steps []store.ReasoningStep
	current := store.ReasoningStep{Phase: store.PhaseObserve}
	flush := func() {
		content := strings.TrimSpace(current.Content)
		if content != "" {
			current.Content = content
			current.StepNumber = len(steps) + 1
			steps = append(steps, current)
		}
	}

	for _, line := range strings.Split(thinking, "\n") {
		trimmed := strings.TrimSpace(line)
		matched := false
		for marker, phase := range markers {
			if strings.HasPrefix(strings.ToUpper(trimmed), marker) {
				flush()
				current = store.ReasoningStep{
					Phase:   phase,
					Content: strings.TrimSpace(trimmed[len(marker):]),
				}
				matched = true
				break
			}
		}
		if !matched {
			if current.Content != "" {
				current.Content += "\n"
			}
			current.Content += line
		}
	}
	flush()
	return steps
}
