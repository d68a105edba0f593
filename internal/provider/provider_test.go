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
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestChainAggregatesFailures(t *testing.T) {
	chain, err := NewChain(
		NewMockFailing("anthropic", errors.New("HTTP 529")),
		NewMockFailing("openai", errors.New("dial timeout")),
	)
	if err != nil {
		t.Fatalf("chain: %v", err)
	}
	_, err = chain.Complete(context.Background(), &CompletionRequest{Model: "m"})
	if err == nil {
		t.Fatal("want aggregate failure")
	}
	msg := err.Error()
	for _, fragment := range []string{"anthropic", "HTTP 529", "openai", "dial timeout"} {
		if !strings.Contains(msg, fragment) {
			t.Errorf("aggregate %q missing %q", msg, fragment)
		}
	}
}

func TestChainTreatsEmptyResponseAsFailure(t *testing.T) {
	empty := NewMock([]*CompletionResponse{{}}, []error{nil})
	good := NewMockText("recovered")
	chain, err := NewChain(empty, good)
	if err != nil {
		t.Fatalf("chain: %v", err)
	}
	resp, err := chain.Complete(context.Background(), &CompletionRequest{Model: "m"})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if resp.Content != "recovered" {
		t.Fatalf("content = %q, want fallback response", resp.Content)
	}
}

func TestChainRequiresProvider(t *testing.T) {
	if _, err := NewChain(); err == nil {
		t.Fatal("empty chain accepted")
	}
}

func TestAnthropicToolUseRoundTrip(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("x-api-key") != "test-key" {
			t.Errorf("missing api key header")
		}
		var req anthropicRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if len(req.Tools) != 1 || req.Tools[0].Name != "echo" {
			t.Errorf("tools = %+v", req.Tools)
		}
		_ = json.NewEncoder(w).Encode(anthropicResponse{
			Content: []anthropicContentBlock{
				{Type: "text", Text: "calling a tool"},
				{Type: "tool_use", ID: "tu-1", Name: "echo", Input: json.RawMessage(`{"value":"hi"}`)},
			},
			StopReason: "tool_use",
			Usage:      anthropicUsage{InputTokens: 10, OutputTokens: 20},
		})
	}))
	defer server.Close()

	p, err := NewAnthropic(Config{Type: "anthropic", APIKey: "test-key", Endpoint: server.URL})
	if err != nil {
		t.Fatalf("provider: %v", err)
	}
	resp, err := p.Complete(context.Background(), &CompletionRequest{
		SystemPrompt: "sys",
		Model:        "test-model",
		Messages:     []Message{{Role: "user", Content: "go"}},
		Tools: []ToolDefinition{{
			Name: "echo", Parameters: map[string]interface{}{"type": "object"},
		}},
	})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if !resp.HasToolCalls() || resp.ToolCalls[0].Name != "echo" {
		t.Fatalf("tool calls = %+v", resp.ToolCalls)
	}
	if resp.ToolCalls[0].Args["value"] != "hi" {
		t.Errorf("args = %+v", resp.ToolCalls[0].Args)
	}
	if resp.Usage.TotalTokens() != 30 {
		t.Errorf("usage = %+v", resp.Usage)
	}
}

func TestOpenAINon2xxSurfaces(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "bad request", http.StatusBadRequest)
	}))
	defer server.Close()

	p, err := NewOpenAI(Config{Type: "openai", APIKey: "k", Endpoint: server.URL})
	if err != nil {
		t.Fatalf("provider: %v", err)
	}
	_, err = p.Complete(context.Background(), &CompletionRequest{Model: "m"})
	if err == nil || !strings.Contains(err.Error(), "HTTP 400") {
		t.Fatalf("err = %v, want surfaced HTTP 400", err)
	}
}
