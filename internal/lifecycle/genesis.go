/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

package lifecycle

import (
	"regexp"

	"github.com/marcus-qen/automaton/internal/errs"
)

// Genesis inputs flow into a child's system prompt, so they are validated
// against prompt-injection patterns before a spawn is accepted.

const maxGenesisNameLength = 64

var genesisNamePattern = regexp.MustCompile(`^[A-Za-z0-9-]+$`)

// injectionPatterns reject attempts to escape the genesis trust boundary.
var injectionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)---\s*(END|BEGIN)\s+(SPECIALIZATION|LINEAGE|TASK)`),
	regexp.MustCompile(`(?i)SYSTEM:\s`),
	regexp.MustCompile(`(?i)You are now`),
	regexp.MustCompile(`(?i)Ignore (all )?(previous|above)`),
}

// GenesisInput is a spawn request's prompt material.
type GenesisInput struct {
	Name           string
	Specialization string
	Task           string
	Message        string
}

// ValidateGenesis rejects malformed names and injection patterns in any of
// the free-text fields.
func ValidateGenesis(in GenesisInput) error {
	if in.Name == "" {
		return errs.New(errs.KindInvalidInput, "genesis name required")
	}
	if len(in.Name) > maxGenesisNameLength {
		return errs.New(errs.KindInvalidInput,
			"genesis name exceeds %d characters", maxGenesisNameLength)
	}
	if !genesisNamePattern.MatchString(in.Name) {
		return errs.New(errs.KindInvalidInput,
			"genesis name %q contains characters outside [A-Za-z0-9-]", in.Name)
	}
	for field, value := range map[string]string{
		"specialization": in.Specialization,
		"task":           in.Task,
		"message":        in.Message,
	} {
		for _, pattern := range injectionPatterns {
			if pattern.MatchString(value) {
				return errs.New(errs.KindInvalidInput,
					"injection pattern detected in genesis %s", field)
			}
		}
	}
	return nil
}
