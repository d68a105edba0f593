/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package tools provides the built-in tool implementations for the
// automaton. Tools are the bridge between LLM tool_use requests and actual
// side effects on injected clients.
//
// Each tool registers itself with a Registry and is dispatched by the turn
// loop. Tools receive pre-checked arguments — the policy engine has already
// gated the call before Execute runs.
package tools

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/marcus-qen/automaton/internal/provider"
)

// RiskLevel classifies a tool for the policy engine.
type RiskLevel string

const (
	RiskSafe      RiskLevel = "safe"
	RiskCaution   RiskLevel = "caution"
	RiskDangerous RiskLevel = "dangerous"
	RiskForbidden RiskLevel = "forbidden"
)

// Category groups tools for policy selectors and spend tracking.
type Category string

const (
	CategorySystem    Category = "system"
	CategoryFiles     Category = "files"
	CategoryNetwork   Category = "network"
	CategoryFinancial Category = "financial"
	CategorySocial    Category = "social"
	CategoryLineage   Category = "lineage"
	CategoryMemory    Category = "memory"
)

// Tool is the interface for executable tools.
type Tool interface {
	// Name returns the tool's identifier (e.g. "exec", "transfer_credits").
	Name() string

	// Description returns a human-readable description for the LLM.
	Description() string

	// Risk returns the tool's risk classification.
	Risk() RiskLevel

	// Category returns the tool's category.
	Category() Category

	// Parameters returns the JSON Schema for the tool's parameters.
	Parameters() map[string]interface{}

	// Execute runs the tool with the given arguments.
	Execute(ctx context.Context, args map[string]interface{}) (string, error)
}

// Financial tools record spend; external-source tools get their results
// sanitized before re-entering the prompt.
var (
	financialTools = map[string]bool{
		"transfer_credits": true,
		"x402_fetch":       true,
	}
	externalSourceTools = map[string]bool{
		"exec":        true,
		"web_fetch":   true,
		"check_inbox": true,
	}
)

// IsFinancial reports whether a tool must produce a SpendRecord.
func IsFinancial(name string) bool { return financialTools[name] }

// IsExternalSource reports whether a tool's output is untrusted.
func IsExternalSource(name string) bool { return externalSourceTools[name] }

// Registry holds all available tools.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool to the registry.
func (r *Registry) Register(tool Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[tool.Name()] = tool
}

// Get looks up a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// List returns all registered tool names, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Definitions returns tool definitions suitable for sending to the LLM, in
// name order so prompts are stable across runs.
func (r *Registry) Definitions() []provider.ToolDefinition {
	defs := make([]provider.ToolDefinition, 0)
	for _, name := range r.List() {
		tool, _ := r.Get(name)
		defs = append(defs, provider.ToolDefinition{
			Name:        tool.Name(),
			Description: tool.Description(),
			Parameters:  tool.Parameters(),
		})
	}
	return defs
}

// Execute runs a tool by name with the given arguments.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]interface{}) (string, error) {
	tool, ok := r.Get(name)
	if !ok {
		return "", fmt.Errorf("tool %q not found in registry", name)
	}
	return tool.Execute(ctx, args)
}

// StringArg extracts a string argument, empty when absent.
func StringArg(args map[string]interface{}, key string) string {
	if v, ok := args[key].(string); ok {
		return v
	}
	return ""
}

// IntArg extracts a numeric argument as int64 (JSON numbers decode as
// float64).
func IntArg(args map[string]interface{}, key string) int64 {
	switch v := args[key].(type) {
	case float64:
		return int64(v)
	case int64:
		return v
	case int:
		return int64(v)
	default:
		return 0
	}
}
