/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package provider defines the LLM provider abstraction and implementations.
// Each provider translates between the automaton tool-use protocol and a
// specific LLM API (Anthropic-shape, OpenAI-compatible).
package provider

import (
	"context"
	"fmt"
	"strings"

	"github.com/marcus-qen/automaton/internal/errs"
)

// Provider is the interface for LLM backends.
// Implementations must be safe for concurrent use.
type Provider interface {
	// Complete sends a completion request and returns the response.
	Complete(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error)

	// Name returns the provider identifier (e.g. "anthropic", "openai").
	Name() string
}

// CompletionRequest is the input to an LLM completion call.
type CompletionRequest struct {
	// SystemPrompt is the assembled layered system prompt.
	SystemPrompt string

	// Messages is the conversation history.
	Messages []Message

	// Tools is the list of available tools the LLM may call.
	Tools []ToolDefinition

	// Model is the specific model ID.
	Model string

	// MaxTokens is the maximum output tokens.
	MaxTokens int32
}

// Message represents a single message in the conversation.
type Message struct {
	// Role is "user" or "assistant".
	Role string

	// Content is the text content.
	Content string

	// ToolCalls is populated when the assistant requests tool execution.
	ToolCalls []ToolCall

	// ToolResults is populated when returning tool execution results.
	ToolResults []ToolResult
}

// ToolCall represents the LLM requesting execution of a tool.
type ToolCall struct {
	// ID is a unique identifier for this tool call (provider-assigned).
	ID string

	// Name is the tool function name.
	Name string

	// Args is the parsed arguments.
	Args map[string]interface{}

	// RawArgs is the raw JSON arguments string (for hashing and logging).
	RawArgs string
}

// ToolResult represents the result of executing a tool.
type ToolResult struct {
	ToolCallID string
	Content    string
	IsError    bool
}

// ToolDefinition describes a tool the LLM may call.
type ToolDefinition struct {
	Name        string
	Description string
	Parameters  map[string]interface{}
}

// CompletionResponse is the output of an LLM completion call.
type CompletionResponse struct {
	// Content is the text response (may be empty if only tool calls).
	Content string

	// Thinking carries the model's reasoning text when the API exposes it.
	Thinking string

	// ToolCalls is populated when the LLM wants to execute tools.
	ToolCalls []ToolCall

	// Usage reports token consumption.
	Usage UsageInfo

	// StopReason explains why the LLM stopped generating.
	StopReason string
}

// HasToolCalls returns true if the response contains tool call requests.
func (r *CompletionResponse) HasToolCalls() bool {
	return len(r.ToolCalls) > 0
}

// UsageInfo reports token consumption for a single completion call.
type UsageInfo struct {
	InputTokens  int64
	OutputTokens int64
}

// TotalTokens returns input + output.
func (u UsageInfo) TotalTokens() int64 {
	return u.InputTokens + u.OutputTokens
}

// Config holds configuration for creating a provider.
type Config struct {
	// Type is the provider type: "anthropic", "openai".
	Type string

	// Endpoint is the API base URL (empty for default).
	Endpoint string

	// APIKey is the API key.
	APIKey string

	// CustomHeaders are additional headers to send.
	CustomHeaders map[string]string

	// MaxRetries is the number of retries on transient failure (default 3).
	MaxRetries int

	// TimeoutSeconds is the per-request timeout (default 30).
	TimeoutSeconds int
}

// New creates a provider from config.
func New(cfg Config) (Provider, error) {
	switch cfg.Type {
	case "anthropic":
		return NewAnthropic(cfg)
	case "openai":
		return NewOpenAI(cfg)
	default:
		return nil, errs.New(errs.KindInvalidInput, "unsupported provider type %q", cfg.Type)
	}
}

// Chain tries providers in order until one returns a usable response. A
// primary failure (transport error, non-2xx, empty response) cascades to
// the next fallback; when all fail the returned error aggregates each
// provider's message.
type Chain struct {
	providers []Provider

	// OnFailure is called with the provider name for each failed attempt.
	OnFailure func(providerName string)
}

// NewChain builds a fallback chain. At least one provider is required.
func NewChain(providers ...Provider) (*Chain, error) {
	if len(providers) == 0 {
		return nil, errs.New(errs.KindInvalidInput, "provider chain requires at least one provider")
	}
	return &Chain{providers: providers}, nil
}

// Name identifies the chain by its primary provider.
func (c *Chain) Name() string { return c.providers[0].Name() }

// Complete tries each provider in order.
func (c *Chain) Complete(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error) {
	var failures []string
	for _, p := range c.providers {
		resp, err := p.Complete(ctx, req)
		if err == nil && emptyResponse(resp) {
			err = errs.New(errs.KindUnavailable, "empty model response")
		}
		if err == nil {
			return resp, nil
		}
		failures = append(failures, fmt.Sprintf("%s: %v", p.Name(), err))
		if c.OnFailure != nil {
			c.OnFailure(p.Name())
		}
		if ctx.Err() != nil {
			break
		}
	}
	return nil, errs.New(errs.KindUnavailable,
		"all providers failed: %s", strings.Join(failures, "; "))
}

func emptyResponse(resp *CompletionResponse) bool {
	return resp == nil || (resp.Content == "" && len(resp.ToolCalls) == 0)
}
