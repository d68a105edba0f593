/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package discovery fetches other agents' cards from their well-known
// endpoint and caches them in the store. Fetches are SSRF-guarded: HTTPS
// only, public hosts only.
package discovery

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"golang.org/x/sync/semaphore"

	"github.com/marcus-qen/automaton/internal/errs"
	"github.com/marcus-qen/automaton/internal/signing"
	"github.com/marcus-qen/automaton/internal/store"
)

const (
	// cardPath is the well-known card location on an agent's host.
	cardPath = "/.well-known/agent-card.json"

	// cardTTL is how long a fetched card satisfies queries.
	cardTTL = time.Hour

	// maxConcurrentFetches bounds card-fetch fan-out.
	maxConcurrentFetches = 5

	maxCardSize = 64 * 1024
)

// Card is the public agent card. It must not leak sandbox ids, internal
// API bases, or creator addresses.
type Card struct {
	Type        string        `json:"type"`
	Name        string        `json:"name"`
	Description string        `json:"description"`
	Services    []CardService `json:"services"`
	X402Support bool          `json:"x402Support"`
	Active      bool          `json:"active"`
}

// CardService is one advertised service endpoint.
type CardService struct {
	Name     string `json:"name"`
	Endpoint string `json:"endpoint"`
}

// Service fetches and caches agent cards.
type Service struct {
	store *store.Store
	http  *http.Client
	log   logr.Logger
	sem   *semaphore.Weighted
}

// NewService creates a discovery service.
func NewService(s *store.Store, log logr.Logger) *Service {
	return &Service{
		store: s,
		http:  &http.Client{Timeout: 10 * time.Second},
		log:   log.WithName("discovery"),
		sem:   semaphore.NewWeighted(maxConcurrentFetches),
	}
}

// IsAllowedURI applies the SSRF guard: HTTPS scheme and a public,
// non-loopback, non-private host.
func IsAllowedURI(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	if u.Scheme != "https" {
		return false
	}
	host := u.Hostname()
	if host == "" {
		return false
	}
	lower := strings.ToLower(host)
	if lower == "localhost" || strings.HasSuffix(lower, ".localhost") ||
		strings.HasSuffix(lower, ".local") || strings.HasSuffix(lower, ".internal") {
		return false
	}
	if ip := net.ParseIP(host); ip != nil {
		if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() ||
			ip.IsLinkLocalMulticast() || ip.IsUnspecified() {
			return false
		}
	}
	return true
}

// Fetch retrieves an agent's card, serving from cache while the cached
// entry is valid.
func (s *Service) Fetch(ctx context.Context, agentAddress, baseURL string) (*Card, error) {
	now := store.NowISO()
	if cached, err := s.store.GetDiscoveredAgent(ctx, strings.ToLower(agentAddress), now); err == nil {
		var card Card
		if jsonErr := json.Unmarshal(cached.Card, &card); jsonErr == nil {
			return &card, nil
		}
	}

	cardURL := strings.TrimSuffix(baseURL, "/") + cardPath
	if !IsAllowedURI(cardURL) {
		return nil, errs.New(errs.KindInvalidInput, "card URI %q not allowed", cardURL)
	}

	if err := s.sem.Acquire(ctx, 1); err != nil {
		return nil, errs.Wrap(errs.KindTransport, err, "acquire fetch slot")
	}
	defer s.sem.Release(1)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, cardURL, nil)
	if err != nil {
		return nil, errs.Wrap(errs.KindTransport, err, "create card request")
	}
	resp, err := s.http.Do(req)
	if err != nil {
		return nil, errs.Wrap(errs.KindTransport, err, "fetch card from %s", cardURL)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, errs.New(errs.KindUnavailable, "card fetch %s: HTTP %d", cardURL, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxCardSize))
	if err != nil {
		return nil, errs.Wrap(errs.KindTransport, err, "read card body")
	}

	var card Card
	if err := json.Unmarshal(body, &card); err != nil {
		return nil, errs.Wrap(errs.KindInvalidInput, err, "parse card from %s", cardURL)
	}

	entry := &store.DiscoveredAgent{
		AgentAddress: strings.ToLower(agentAddress),
		Card:         body,
		FetchedFrom:  cardURL,
		CardHash:     signing.ContentHash(string(body)),
		ValidUntil:   time.Now().UTC().Add(cardTTL).Format("2006-01-02T15:04:05.000Z"),
		FetchedAt:    now,
	}
	if err := s.store.UpsertDiscoveredAgent(ctx, entry); err != nil {
		s.log.Error(err, "card cache write failed", "agent", agentAddress)
	}
	return &card, nil
}

// OwnCard renders the agent's public card. Sandbox id, API base, and
// creator address deliberately never appear here.
func OwnCard(name, description string, services []CardService, x402 bool) *Card {
	return &Card{
		Type:        "agent-card",
		Name:        name,
		Description: description,
		Services:    services,
		X402Support: x402,
		Active:      true,
	}
}

// ServeCard writes the card with the required response headers.
func ServeCard(w http.ResponseWriter, card *Card) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	_ = json.NewEncoder(w).Encode(card)
}
