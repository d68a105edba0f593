/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"time"

	"github.com/marcus-qen/automaton/internal/errs"
)

const (
	anthropicDefaultEndpoint = "https://api.anthropic.com"
	anthropicAPIVersion      = "2023-06-01"
)

// Anthropic calls the Anthropic Messages API shape.
type Anthropic struct {
	endpoint   string
	apiKey     string
	headers    map[string]string
	client     *http.Client
	maxRetries int
}

// NewAnthropic creates an Anthropic-shape provider.
func NewAnthropic(cfg Config) (*Anthropic, error) {
	if cfg.APIKey == "" {
		return nil, errs.New(errs.KindInvalidInput, "anthropic provider requires API key")
	}
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = anthropicDefaultEndpoint
	}
	timeout := cfg.TimeoutSeconds
	if timeout <= 0 {
		timeout = 30
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &Anthropic{
		endpoint:   endpoint,
		apiKey:     cfg.APIKey,
		headers:    cfg.CustomHeaders,
		client:     &http.Client{Timeout: time.Duration(timeout) * time.Second},
		maxRetries: maxRetries,
	}, nil
}

func (p *Anthropic) Name() string { return "anthropic" }

type anthropicRequest struct {
	Model     string             `json:"model"`
	MaxTokens int32              `json:"max_tokens"`
	System    string             `json:"system,omitempty"`
	Messages  []anthropicMessage `json:"messages"`
	Tools     []anthropicTool    `json:"tools,omitempty"`
}

type anthropicMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

type anthropicContentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	Thinking  string          `json:"thinking,omitempty"`
	ID        string          `json:"id,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	Content   string          `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

type anthropicTool struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	InputSchema map[string]interface{} `json:"input_schema"`
}

type anthropicResponse struct {
	ID         string                  `json:"id"`
	Content    []anthropicContentBlock `json:"content"`
	StopReason string                  `json:"stop_reason"`
	Usage      anthropicUsage          `json:"usage"`
	Error      *anthropicError         `json:"error,omitempty"`
}

type anthropicUsage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

type anthropicError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// Complete sends one messages request.
func (p *Anthropic) Complete(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error) {
	apiReq, err := p.buildRequest(req)
	if err != nil {
		return nil, errs.Wrap(errs.KindInvalidInput, err, "build request")
	}
	body, err := json.Marshal(apiReq)
	if err != nil {
		return nil, errs.Wrap(errs.KindInvalidInput, err, "marshal request")
	}

	var apiResp anthropicResponse
	if err := p.doWithRetry(ctx, body, &apiResp); err != nil {
		return nil, err
	}
	if apiResp.Error != nil {
		return nil, errs.New(errs.KindUnavailable,
			"anthropic API error (%s): %s", apiResp.Error.Type, apiResp.Error.Message)
	}
	return parseAnthropicResponse(&apiResp), nil
}

func (p *Anthropic) buildRequest(req *CompletionRequest) (*anthropicRequest, error) {
	apiReq := &anthropicRequest{
		Model:     req.Model,
		MaxTokens: req.MaxTokens,
		System:    req.SystemPrompt,
	}
	if apiReq.MaxTokens <= 0 {
		apiReq.MaxTokens = 4096
	}
	for _, msg := range req.Messages {
		am, err := toAnthropicMessage(msg)
		if err != nil {
			return nil, err
		}
		apiReq.Messages = append(apiReq.Messages, am)
	}
	for _, tool := range req.Tools {
		apiReq.Tools = append(apiReq.Tools, anthropicTool{
			Name:        tool.Name,
			Description: tool.Description,
			InputSchema: tool.Parameters,
		})
	}
	return apiReq, nil
}

func toAnthropicMessage(msg Message) (anthropicMessage, error) {
	am := anthropicMessage{Role: msg.Role}

	switch {
	case msg.Role == "user" && len(msg.ToolResults) > 0:
		// Tool results travel as user messages with tool_result blocks.
		var blocks []anthropicContentBlock
		for _, tr := range msg.ToolResults {
			blocks = append(blocks, anthropicContentBlock{
				Type:      "tool_result",
				ToolUseID: tr.ToolCallID,
				Content:   tr.Content,
				IsError:   tr.IsError,
			})
		}
		content, err := json.Marshal(blocks)
		if err != nil {
			return am, err
		}
		am.Content = content

	case msg.Role == "assistant" && len(msg.ToolCalls) > 0:
		var blocks []anthropicContentBlock
		if msg.Content != "" {
			blocks = append(blocks, anthropicContentBlock{Type: "text", Text: msg.Content})
		}
		for _, tc := range msg.ToolCalls {
			input, _ := json.Marshal(tc.Args)
			blocks = append(blocks, anthropicContentBlock{
				Type:  "tool_use",
				ID:    tc.ID,
				Name:  tc.Name,
				Input: input,
			})
		}
		content, err := json.Marshal(blocks)
		if err != nil {
			return am, err
		}
		am.Content = content

	default:
		content, _ := json.Marshal(msg.Content)
		am.Content = content
	}
	return am, nil
}

func parseAnthropicResponse(apiResp *anthropicResponse) *CompletionResponse {
	resp := &CompletionResponse{
		StopReason: apiResp.StopReason,
		Usage: UsageInfo{
			InputTokens:  apiResp.Usage.InputTokens,
			OutputTokens: apiResp.Usage.OutputTokens,
		},
	}
	for _, block := range apiResp.Content {
		switch block.Type {
		case "text":
			resp.Content += block.Text
		case "thinking":
			resp.Thinking += block.Thinking
		case "tool_use":
			tc := ToolCall{ID: block.ID, Name: block.Name, RawArgs: string(block.Input)}
			if block.Input != nil {
				var args map[string]interface{}
				if err := json.Unmarshal(block.Input, &args); err == nil {
					tc.Args = args
				}
			}
			resp.ToolCalls = append(resp.ToolCalls, tc)
		}
	}
	return resp
}

func (p *Anthropic) doWithRetry(ctx context.Context, body []byte, out *anthropicResponse) error {
	var lastErr error
	for attempt := 0; attempt <= p.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(math.Pow(2, float64(attempt-1))) * time.Second
			select {
			case <-ctx.Done():
				return errs.Wrap(errs.KindTransport, ctx.Err(), "anthropic request cancelled")
			case <-time.After(backoff):
			}
		}

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
			p.endpoint+"/v1/messages", bytes.NewReader(body))
		if err != nil {
			return errs.Wrap(errs.KindTransport, err, "create request")
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("x-api-key", p.apiKey)
		httpReq.Header.Set("anthropic-version", anthropicAPIVersion)
		for k, v := range p.headers {
			httpReq.Header.Set(k, v)
		}

		httpResp, err := p.client.Do(httpReq)
		if err != nil {
			lastErr = errs.Wrap(errs.KindTransport, err, "anthropic request")
			continue
		}
		respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, 16<<20))
		httpResp.Body.Close()
		if err != nil {
			lastErr = errs.Wrap(errs.KindTransport, err, "read response")
			continue
		}

		// Retry 429 and 5xx; everything else is final.
		if httpResp.StatusCode == http.StatusTooManyRequests || httpResp.StatusCode >= 500 {
			lastErr = errs.New(errs.KindUnavailable,
				"anthropic HTTP %d: %s", httpResp.StatusCode, truncate(respBody, 256))
			continue
		}
		if httpResp.StatusCode != http.StatusOK {
			return errs.New(errs.KindUnavailable,
				"anthropic HTTP %d: %s", httpResp.StatusCode, truncate(respBody, 256))
		}
		if err := json.Unmarshal(respBody, out); err != nil {
			return errs.Wrap(errs.KindUnavailable, err, "decode anthropic response")
		}
		return nil
	}
	return fmt.Errorf("anthropic: retries exhausted: %w", lastErr)
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "…"
}
