/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

package signing

import (
	"strings"
	"testing"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// Fixed test key (the well-known hardhat #0 key; never funded on a real chain).
const testPrivKeyHex = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

func TestSignVerifyRoundTrip(t *testing.T) {
	key, err := ethcrypto.HexToECDSA(testPrivKeyHex)
	if err != nil {
		t.Fatalf("load key: %v", err)
	}
	signer := AddressOf(key)

	to := "0x70997970C51812dc3A010C7d01b50e0d17dc79C8"
	signedAt := "2026-08-01T10:00:00Z"
	canonical := CanonicalSendString(to, "Test content", signedAt)

	// Canonical shape: Conway:send:<to_lower>:<keccak>:<signed_at>
	parts := strings.Split(canonical, ":")
	if parts[0] != "Conway" || parts[1] != "send" {
		t.Fatalf("canonical prefix wrong: %q", canonical)
	}
	if parts[2] != strings.ToLower(to) {
		t.Errorf("to not lowercased: %q", parts[2])
	}
	if !strings.HasPrefix(parts[3], "0x") || len(parts[3]) != 66 {
		t.Errorf("content hash shape wrong: %q", parts[3])
	}

	sig, err := Sign(key, canonical)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if !Verify(canonical, sig, signer) {
		t.Fatal("verification with signer address must succeed")
	}
	if Verify(canonical, sig, to) {
		t.Fatal("verification with a different address must fail")
	}
	if Verify(canonical+"x", sig, signer) {
		t.Fatal("verification of a tampered canonical must fail")
	}
}

func TestContentHashDeterministic(t *testing.T) {
	a := ContentHash("Test content")
	b := ContentHash("Test content")
	if a != b {
		t.Fatal("content hash must be deterministic")
	}
	if a == ContentHash("Other content") {
		t.Fatal("distinct content must hash differently")
	}
}

func TestValidAddress(t *testing.T) {
	tests := []struct {
		addr string
		ok   bool
	}{
		{"0x70997970C51812dc3A010C7d01b50e0d17dc79C8", true},
		{"0x70997970c51812dc3a010c7d01b50e0d17dc79c8", true},
		{"0x70997970C51812DC3A010C7D01B50E0D17DC79C8", true},
		{"0x0000000000000000000000000000000000000000", false}, // zero address
		{"70997970C51812dc3A010C7d01b50e0d17dc79C8", false},   // missing prefix
		{"0x70997970C51812dc3A010C7d01b50e0d17dc79C", false},  // 39 hex chars
		{"0x70997970C51812dc3A010C7d01b50e0d17dc79C8a", false}, // 41 hex chars
		{"0x70997970C51812dc3A010C7d01b50e0d17dc79Cg", false}, // non-hex
		{"0x", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := ValidAddress(tt.addr); got != tt.ok {
			t.Errorf("ValidAddress(%q) = %v, want %v", tt.addr, got, tt.ok)
		}
	}
}

func TestValidateBounds(t *testing.T) {
	now := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	base := Message{
		From:     "0x70997970C51812dc3A010C7d01b50e0d17dc79C8",
		To:       "0x3C44CdDdB6a900fa2b585dd299e03d12FA4293BC",
		Content:  "hello",
		SignedAt: "2026-08-01T09:58:00Z",
	}

	if err := Validate(&base, 512, now); err != nil {
		t.Fatalf("valid message rejected: %v", err)
	}

	big := base
	big.Content = strings.Repeat("a", MaxContentLength+1)
	if err := Validate(&big, 512, now); err == nil {
		t.Fatal("oversized content must be rejected")
	}

	stale := base
	stale.SignedAt = "2026-08-01T09:54:00Z" // 6 minutes old
	if err := Validate(&stale, 512, now); err == nil {
		t.Fatal("signed_at outside the skew window must be rejected")
	}

	oversize := base
	if err := Validate(&oversize, MaxSerializedLength+1, now); err == nil {
		t.Fatal("oversized serialization must be rejected")
	}
}

func TestVerifyInbound(t *testing.T) {
	key, _ := ethcrypto.HexToECDSA(testPrivKeyHex)
	now := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)

	m := Message{
		From:     AddressOf(key),
		To:       "0x70997970C51812dc3A010C7d01b50e0d17dc79C8",
		Content:  "Test content",
		SignedAt: "2026-08-01T10:00:00Z",
	}
	canonical := CanonicalSendString(m.To, m.Content, m.SignedAt)
	sig, _ := Sign(key, canonical)
	m.Signature = sig

	if err := VerifyInbound(&m, 512, now); err != nil {
		t.Fatalf("inbound verification failed: %v", err)
	}

	forged := m
	forged.From = m.To
	if err := VerifyInbound(&forged, 512, now); err == nil {
		t.Fatal("forged sender must be rejected")
	}
}
