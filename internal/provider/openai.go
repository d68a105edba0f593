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

const openaiDefaultEndpoint = "https://api.openai.com"

// OpenAI calls OpenAI-compatible chat completion APIs. Works with OpenAI,
// Ollama, vLLM, and gateways with an endpoint override.
type OpenAI struct {
	endpoint   string
	apiKey     string
	headers    map[string]string
	client     *http.Client
	maxRetries int
}

// NewOpenAI creates an OpenAI-compatible provider.
func NewOpenAI(cfg Config) (*OpenAI, error) {
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = openaiDefaultEndpoint
	}
	timeout := cfg.TimeoutSeconds
	if timeout <= 0 {
		timeout = 30
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &OpenAI{
		endpoint:   endpoint,
		apiKey:     cfg.APIKey,
		headers:    cfg.CustomHeaders,
		client:     &http.Client{Timeout: time.Duration(timeout) * time.Second},
		maxRetries: maxRetries,
	}, nil
}

func (p *OpenAI) Name() string { return "openai" }

type openaiRequest struct {
	Model     string          `json:"model"`
	MaxTokens int32           `json:"max_tokens,omitempty"`
	Messages  []openaiMessage `json:"messages"`
	Tools     []openaiTool    `json:"tools,omitempty"`
}

type openaiMessage struct {
	Role       string           `json:"role"`
	Content    string           `json:"content,omitempty"`
	ToolCalls  []openaiToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
}

type openaiToolCall struct {
	ID       string         `json:"id"`
	Type     string         `json:"type"`
	Function openaiFunction `json:"function"`
}

type openaiFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type openaiTool struct {
	Type     string             `json:"type"`
	Function openaiToolFunction `json:"function"`
}

type openaiToolFunction struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	Parameters  map[string]interface{} `json:"parameters,omitempty"`
}

type openaiResponse struct {
	ID      string         `json:"id"`
	Choices []openaiChoice `json:"choices"`
	Usage   openaiUsage    `json:"usage"`
	Error   *openaiError   `json:"error,omitempty"`
}

type openaiChoice struct {
	Message      openaiMessage `json:"message"`
	FinishReason string        `json:"finish_reason"`
}

type openaiUsage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
}

type openaiError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// Complete sends one chat completion request.
func (p *OpenAI) Complete(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error) {
	apiReq := p.buildRequest(req)
	body, err := json.Marshal(apiReq)
	if err != nil {
		return nil, errs.Wrap(errs.KindInvalidInput, err, "marshal request")
	}

	var apiResp openaiResponse
	if err := p.doWithRetry(ctx, body, &apiResp); err != nil {
		return nil, err
	}
	if apiResp.Error != nil {
		return nil, errs.New(errs.KindUnavailable,
			"openai API error (%s): %s", apiResp.Error.Type, apiResp.Error.Message)
	}
	if len(apiResp.Choices) == 0 {
		return nil, errs.New(errs.KindUnavailable, "openai response had no choices")
	}
	return parseOpenAIResponse(&apiResp), nil
}

func (p *OpenAI) buildRequest(req *CompletionRequest) *openaiRequest {
	apiReq := &openaiRequest{
		Model:     req.Model,
		MaxTokens: req.MaxTokens,
	}
	if req.SystemPrompt != "" {
		apiReq.Messages = append(apiReq.Messages, openaiMessage{
			Role: "system", Content: req.SystemPrompt,
		})
	}
	for _, msg := range req.Messages {
		switch {
		case len(msg.ToolResults) > 0:
			// Each tool result becomes its own "tool" role message.
			for _, tr := range msg.ToolResults {
				apiReq.Messages = append(apiReq.Messages, openaiMessage{
					Role:       "tool",
					Content:    tr.Content,
					ToolCallID: tr.ToolCallID,
				})
			}
		case len(msg.ToolCalls) > 0:
			om := openaiMessage{Role: msg.Role, Content: msg.Content}
			for _, tc := range msg.ToolCalls {
				args := tc.RawArgs
				if args == "" {
					raw, _ := json.Marshal(tc.Args)
					args = string(raw)
				}
				om.ToolCalls = append(om.ToolCalls, openaiToolCall{
					ID:       tc.ID,
					Type:     "function",
					Function: openaiFunction{Name: tc.Name, Arguments: args},
				})
			}
			apiReq.Messages = append(apiReq.Messages, om)
		default:
			apiReq.Messages = append(apiReq.Messages, openaiMessage{
				Role: msg.Role, Content: msg.Content,
			})
		}
	}
	for _, tool := range req.Tools {
		apiReq.Tools = append(apiReq.Tools, openaiTool{
			Type: "function",
			Function: openaiToolFunction{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  tool.Parameters,
			},
		})
	}
	return apiReq
}

func parseOpenAIResponse(apiResp *openaiResponse) *CompletionResponse {
	choice := apiResp.Choices[0]
	resp := &CompletionResponse{
		Content:    choice.Message.Content,
		StopReason: choice.FinishReason,
		Usage: UsageInfo{
			InputTokens:  apiResp.Usage.PromptTokens,
			OutputTokens: apiResp.Usage.CompletionTokens,
		},
	}
	for _, tc := range choice.Message.ToolCalls {
		call := ToolCall{ID: tc.ID, Name: tc.Function.Name, RawArgs: tc.Function.Arguments}
		var args map[string]interface{}
		if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err == nil {
			call.Args = args
		}
		resp.ToolCalls = append(resp.ToolCalls, call)
	}
	return resp
}

func (p *OpenAI) doWithRetry(ctx context.Context, body []byte, out *openaiResponse) error {
	var lastErr error
	for attempt := 0; attempt <= p.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(math.Pow(2, float64(attempt-1))) * time.Second
			select {
			case <-ctx.Done():
				return errs.Wrap(errs.KindTransport, ctx.Err(), "openai request cancelled")
			case <-time.After(backoff):
			}
		}

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
			p.endpoint+"/v1/chat/completions", bytes.NewReader(body))
		if err != nil {
			return errs.Wrap(errs.KindTransport, err, "create request")
		}
		httpReq.Header.Set("Content-Type", "application/json")
		if p.apiKey != "" {
			httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
		}
		for k, v := range p.headers {
			httpReq.Header.Set(k, v)
		}

		httpResp, err := p.client.Do(httpReq)
		if err != nil {
			lastErr = errs.Wrap(errs.KindTransport, err, "openai request")
			continue
		}
		respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, 16<<20))
		httpResp.Body.Close()
		if err != nil {
			lastErr = errs.Wrap(errs.KindTransport, err, "read response")
			continue
		}

		if httpResp.StatusCode == http.StatusTooManyRequests || httpResp.StatusCode >= 500 {
			lastErr = errs.New(errs.KindUnavailable,
				"openai HTTP %d: %s", httpResp.StatusCode, truncate(respBody, 256))
			continue
		}
		if httpResp.StatusCode != http.StatusOK {
			return errs.New(errs.KindUnavailable,
				"openai HTTP %d: %s", httpResp.StatusCode, truncate(respBody, 256))
		}
		if err := json.Unmarshal(respBody, out); err != nil {
			return errs.Wrap(errs.KindUnavailable, err, "decode openai response")
		}
		return nil
	}
	return fmt.Errorf("openai: retries exhausted: %w", lastErr)
}
