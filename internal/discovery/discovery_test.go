/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

package discovery

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestIsAllowedURI(t *testing.T) {
	tests := []struct {
		uri string
		ok  bool
	}{
		{"http://example.com/card.json", false},
		{"https://localhost/card.json", false},
		{"https://example.com/card.json", true},
		{"https://127.0.0.1/card.json", false},
		{"https://10.0.0.5/card.json", false},
		{"https://192.168.1.1/card.json", false},
		{"https://169.254.169.254/latest/meta-data", false},
		{"https://agent.example.org/.well-known/agent-card.json", true},
		{"https://foo.internal/card.json", false},
		{"https://foo.local/card.json", false},
		{"ftp://example.com/card.json", false},
		{"https://[::1]/card.json", false},
		{"not a url", false},
	}
	for _, tt := range tests {
		if got := IsAllowedURI(tt.uri); got != tt.ok {
			t.Errorf("IsAllowedURI(%q) = %v, want %v", tt.uri, got, tt.ok)
		}
	}
}

func TestOwnCardDoesNotLeak(t *testing.T) {
	card := OwnCard("automaton", "autonomous agent", []CardService{
		{Name: "messages", Endpoint: "https://relay.example.com"},
	}, true)

	rec := httptest.NewRecorder()
	ServeCard(rec, card)

	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Error("missing CORS header")
	}
	if rec.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Error("missing nosniff header")
	}

	body := rec.Body.String()
	for _, forbidden := range []string{"sandbox", "creator", "api_base"} {
		if strings.Contains(strings.ToLower(body), forbidden) {
			t.Errorf("card body leaks %q: %s", forbidden, body)
		}
	}

	var decoded Card
	if err := json.Unmarshal(rec.Body.Bytes(), &decoded); err != nil {
		t.Fatalf("card not valid JSON: %v", err)
	}
	if !decoded.Active || decoded.Name != "automaton" {
		t.Errorf("decoded card = %+v", decoded)
	}
}
