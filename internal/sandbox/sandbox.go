/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package sandbox defines the exec RPC client the core uses to run commands
// and manage isolated compute environments. The core only depends on the
// Client interface; the HTTP implementation here is the reference transport.
package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/marcus-qen/automaton/internal/errs"
)

// ExecResult is the outcome of one remote command.
type ExecResult struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exit_code"`
}

// SandboxInfo describes a created environment.
type SandboxInfo struct {
	ID string `json:"id"`
}

// Client is the exec RPC surface the core depends on.
type Client interface {
	// Exec runs a command inside a sandbox.
	Exec(ctx context.Context, sandboxID, command string, timeout time.Duration) (*ExecResult, error)

	// CreateSandbox provisions a new isolated environment.
	CreateSandbox(ctx context.Context, name string) (*SandboxInfo, error)

	// DeleteSandbox destroys an environment.
	DeleteSandbox(ctx context.Context, sandboxID string) error
}

// HTTPClient is the JSON-over-HTTP implementation.
type HTTPClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewHTTPClient creates a client against the sandbox control API.
func NewHTTPClient(baseURL, apiKey string, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &HTTPClient{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
	}
}

func (c *HTTPClient) Exec(ctx context.Context, sandboxID, command string, timeout time.Duration) (*ExecResult, error) {
	payload := map[string]interface{}{
		"sandbox_id": sandboxID,
		"command":    command,
		"timeout_ms": timeout.Milliseconds(),
	}
	var result ExecResult
	if err := c.post(ctx, "/v1/exec", payload, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *HTTPClient) CreateSandbox(ctx context.Context, name string) (*SandboxInfo, error) {
	var info SandboxInfo
	if err := c.post(ctx, "/v1/sandboxes", map[string]interface{}{"name": name}, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

func (c *HTTPClient) DeleteSandbox(ctx context.Context, sandboxID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete,
		c.baseURL+"/v1/sandboxes/"+sandboxID, nil)
	if err != nil {
		return errs.Wrap(errs.KindTransport, err, "create delete request")
	}
	c.auth(req)
	resp, err := c.client.Do(req)
	if err != nil {
		return errs.Wrap(errs.KindTransport, err, "delete sandbox %s", sandboxID)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		// Already gone — deletion is idempotent.
		return nil
	}
	if resp.StatusCode >= 300 {
		return errs.New(errs.KindUnavailable, "delete sandbox %s: HTTP %d", sandboxID, resp.StatusCode)
	}
	return nil
}

func (c *HTTPClient) post(ctx context.Context, path string, payload, out interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return errs.Wrap(errs.KindInvalidInput, err, "marshal payload")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return errs.Wrap(errs.KindTransport, err, "create request")
	}
	req.Header.Set("Content-Type", "application/json")
	c.auth(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return errs.Wrap(errs.KindTransport, err, "POST %s", path)
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return errs.Wrap(errs.KindTransport, err, "read response")
	}
	if resp.StatusCode >= 300 {
		return errs.New(errs.KindUnavailable, "POST %s: HTTP %d", path, resp.StatusCode)
	}
	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return errs.Wrap(errs.KindUnavailable, err, "decode response from %s", path)
		}
	}
	return nil
}

func (c *HTTPClient) auth(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
}
