/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package relay is the social-relay transport: signed sends, authenticated
// polling, and unread counts. HTTP non-2xx always surfaces as an error —
// silent zero returns would hide a dead relay from the agent.
package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/marcus-qen/automaton/internal/errs"
	"github.com/marcus-qen/automaton/internal/identity"
	"github.com/marcus-qen/automaton/internal/signing"
)

// maxSendsPerHour is the outbound rate limit per client.
const maxSendsPerHour = 100

// Client talks to one relay on behalf of one wallet.
type Client struct {
	baseURL string
	wallet  *identity.Wallet
	http    *http.Client
	limiter *rate.Limiter
	clock   func() time.Time
}

// NewClient creates a relay client. The base URL must be HTTPS.
func NewClient(baseURL string, wallet *identity.Wallet, timeout time.Duration) (*Client, error) {
	if !strings.HasPrefix(baseURL, "https://") {
		return nil, errs.New(errs.KindInvalidInput, "relay URL must be HTTPS, got %q", baseURL)
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		wallet:  wallet,
		http:    &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(rate.Every(time.Hour/maxSendsPerHour), maxSendsPerHour),
		clock:   time.Now,
	}, nil
}

// SendResponse is the relay's acknowledgement.
type SendResponse struct {
	ID string `json:"id"`
}

// Send signs and posts one message. Rejected locally when the content
// fails validation or the rolling hourly send budget is exhausted.
func (c *Client) Send(ctx context.Context, to, content, replyTo string) (*SendResponse, error) {
	if !c.limiter.Allow() {
		return nil, errs.New(errs.KindLimitExceeded,
			"outbound rate limit: more than %d sends per hour", maxSendsPerHour)
	}

	now := c.clock().UTC()
	msg := signing.Message{
		From:     c.wallet.Address,
		To:       to,
		Content:  content,
		SignedAt: now.Format(time.RFC3339),
		ReplyTo:  replyTo,
	}
	canonical := signing.CanonicalSendString(to, content, msg.SignedAt)
	sig, err := signing.Sign(c.wallet.Key, canonical)
	if err != nil {
		return nil, err
	}
	msg.Signature = sig

	body, err := json.Marshal(&msg)
	if err != nil {
		return nil, errs.Wrap(errs.KindInvalidInput, err, "marshal message")
	}
	if err := signing.Validate(&msg, len(body), now); err != nil {
		return nil, err
	}

	var resp SendResponse
	if err := c.post(ctx, "/v1/messages", body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// PollRequest pages through the inbox.
type PollRequest struct {
	Cursor string `json:"cursor,omitempty"`
	Limit  int    `json:"limit,omitempty"`
}

// PollResponse is one inbox page.
type PollResponse struct {
	Messages   []signing.Message `json:"messages"`
	NextCursor string            `json:"next_cursor,omitempty"`
}

// Poll fetches a page of inbound messages using header auth: the wallet
// signs the poll timestamp.
func (c *Client) Poll(ctx context.Context, cursor string, limit int) (*PollResponse, error) {
	body, err := json.Marshal(&PollRequest{Cursor: cursor, Limit: limit})
	if err != nil {
		return nil, errs.Wrap(errs.KindInvalidInput, err, "marshal poll request")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/v1/messages/poll", bytes.NewReader(body))
	if err != nil {
		return nil, errs.Wrap(errs.KindTransport, err, "create poll request")
	}
	req.Header.Set("Content-Type", "application/json")
	if err := c.authHeaders(req); err != nil {
		return nil, err
	}

	var resp PollResponse
	if err := c.do(req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// CountResponse is the unread count.
type CountResponse struct {
	Unread int64 `json:"unread"`
}

// Count fetches the unread message count.
func (c *Client) Count(ctx context.Context) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/v1/messages/count", nil)
	if err != nil {
		return 0, errs.Wrap(errs.KindTransport, err, "create count request")
	}
	if err := c.authHeaders(req); err != nil {
		return 0, err
	}

	var resp CountResponse
	if err := c.do(req, &resp); err != nil {
		return 0, err
	}
	return resp.Unread, nil
}

// authHeaders attaches X-Wallet-Address / X-Signature / X-Timestamp.
func (c *Client) authHeaders(req *http.Request) error {
	ts := c.clock().UTC().Format(time.RFC3339)
	sig, err := signing.Sign(c.wallet.Key,
		fmt.Sprintf("Conway:auth:%s:%s", strings.ToLower(c.wallet.Address), ts))
	if err != nil {
		return err
	}
	req.Header.Set("X-Wallet-Address", c.wallet.Address)
	req.Header.Set("X-Signature", sig)
	req.Header.Set("X-Timestamp", ts)
	return nil
}

func (c *Client) post(ctx context.Context, path string, body []byte, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return errs.Wrap(errs.KindTransport, err, "create request")
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out interface{}) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return errs.Wrap(errs.KindTransport, err, "relay %s %s", req.Method, req.URL.Path)
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return errs.Wrap(errs.KindTransport, err, "read relay response")
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return errs.New(errs.KindUnavailable,
			"relay %s: HTTP %d: %s", req.URL.Path, resp.StatusCode, truncate(respBody, 200))
	}
	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return errs.Wrap(errs.KindUnavailable, err, "decode relay response")
		}
	}
	return nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "…"
}
