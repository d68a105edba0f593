/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

package chain

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/marcus-qen/automaton/internal/errs"
)

// HTTPClient talks to the contract gateway over JSON/HTTP.
type HTTPClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewHTTPClient creates a gateway-backed chain client.
func NewHTTPClient(baseURL, apiKey string, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPClient{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
	}
}

func (c *HTTPClient) Balances(ctx context.Context, address string) (*Balances, error) {
	var out struct {
		CreditCents int64 `json:"credit_cents"`
		USDCCents   int64 `json:"usdc_cents"`
	}
	if err := c.call(ctx, http.MethodGet, "/v1/balances/"+address, nil, &out); err != nil {
		return nil, err
	}
	return &Balances{CreditCents: out.CreditCents, USDCCents: out.USDCCents}, nil
}

func (c *HTTPClient) TransferCredits(ctx context.Context, to string, amountCents int64) (*TransferReceipt, error) {
	return c.transfer(ctx, "/v1/transfers/credits", to, amountCents)
}

func (c *HTTPClient) TransferUSDC(ctx context.Context, to string, amountCents int64) (*TransferReceipt, error) {
	return c.transfer(ctx, "/v1/transfers/usdc", to, amountCents)
}

func (c *HTTPClient) transfer(ctx context.Context, path, to string, amountCents int64) (*TransferReceipt, error) {
	payload := map[string]interface{}{"to": to, "amount_cents": amountCents}
	var out struct {
		TxHash  string `json:"tx_hash"`
		GasUsed int64  `json:"gas_used"`
	}
	if err := c.call(ctx, http.MethodPost, path, payload, &out); err != nil {
		return nil, err
	}
	return &TransferReceipt{TxHash: out.TxHash, GasUsed: out.GasUsed}, nil
}

func (c *HTTPClient) call(ctx context.Context, method, path string, payload, out interface{}) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return errs.Wrap(errs.KindInvalidInput, err, "marshal payload")
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return errs.Wrap(errs.KindTransport, err, "create request")
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return errs.Wrap(errs.KindTransport, err, "%s %s", method, path)
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return errs.Wrap(errs.KindTransport, err, "read response")
	}
	if resp.StatusCode >= 300 {
		return errs.New(errs.KindUnavailable, "%s %s: HTTP %d", method, path, resp.StatusCode)
	}
	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return errs.Wrap(errs.KindUnavailable, err, "decode response from %s", path)
		}
	}
	return nil
}
