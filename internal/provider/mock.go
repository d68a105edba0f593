/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

package provider

import (
	"context"
	"fmt"
	"sync"
)

// Mock is a test double for LLM providers. It returns pre-configured
// responses in order, tracking all requests.
type Mock struct {
	mu        sync.Mutex
	name      string
	responses []*CompletionResponse
	errors    []error
	calls     []*CompletionRequest
	callIndex int
}

// NewMock creates a mock with queued responses. Each Complete() call pops
// the next response/error pair.
func NewMock(responses []*CompletionResponse, errors []error) *Mock {
	return &Mock{name: "mock", responses: responses, errors: errors}
}

// NewMockText creates a mock that returns a single text response.
func NewMockText(content string) *Mock {
	return NewMock(
		[]*CompletionResponse{{
			Content:    content,
			StopReason: "end_turn",
			Usage:      UsageInfo{InputTokens: 100, OutputTokens: 50},
		}},
		[]error{nil},
	)
}

// NewMockToolCalls creates a mock that first requests tool calls, then
// returns a final text response.
func NewMockToolCalls(toolCalls []ToolCall, finalContent string) *Mock {
	return NewMock(
		[]*CompletionResponse{
			{
				ToolCalls:  toolCalls,
				StopReason: "tool_use",
				Usage:      UsageInfo{InputTokens: 100, OutputTokens: 50},
			},
			{
				Content:    finalContent,
				StopReason: "end_turn",
				Usage:      UsageInfo{InputTokens: 200, OutputTokens: 100},
			},
		},
		[]error{nil, nil},
	)
}

// NewMockFailing creates a mock that always errors, for fallback tests.
func NewMockFailing(name string, err error) *Mock {
	return &Mock{name: name, errors: []error{err}}
}

// WithName overrides the reported provider name.
func (m *Mock) WithName(name string) *Mock {
	m.name = name
	return m
}

func (m *Mock) Name() string { return m.name }

func (m *Mock) Complete(_ context.Context, req *CompletionRequest) (*CompletionResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls = append(m.calls, req)

	idx := m.callIndex
	if idx >= len(m.responses) && idx >= len(m.errors) {
		return nil, fmt.Errorf("mock provider: no more responses (call #%d)", idx)
	}
	m.callIndex++

	if idx < len(m.errors) && m.errors[idx] != nil {
		return nil, m.errors[idx]
	}
	if idx >= len(m.responses) {
		return nil, fmt.Errorf("mock provider: no response queued for call #%d", idx)
	}
	return m.responses[idx], nil
}

// Calls returns every request the mock has seen.
func (m *Mock) Calls() []*CompletionRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*CompletionRequest, len(m.calls))
	copy(out, m.calls)
	return out
}
