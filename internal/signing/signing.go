/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package signing implements the canonical-string message signing scheme
// used on the social relay. Outbound sends are signed with the agent's
// wallet key; verification reconstructs the canonical string and checks the
// signature recovers to the claimed sender.
package signing

import (
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/crypto/sha3"

	"github.com/marcus-qen/automaton/internal/errs"
)

const (
	// MaxContentLength bounds message content (64 KiB).
	MaxContentLength = 64 * 1024

	// MaxSerializedLength bounds the full serialized message (128 KiB).
	MaxSerializedLength = 128 * 1024

	// MaxClockSkew bounds signed_at drift in either direction.
	MaxClockSkew = 5 * time.Minute

	// NonceTTL is the inbound replay window.
	NonceTTL = 5 * time.Minute

	// canonicalPrefix identifies the protocol and operation being signed.
	canonicalPrefix = "Conway:send"

	zeroAddress = "0x0000000000000000000000000000000000000000"
)

// ContentHash returns the 0x-prefixed keccak-256 of the content bytes.
func ContentHash(content string) string {
	h := sha3.NewLegacyKeccak256()
	h.Write([]byte(content))
	return "0x" + hex.EncodeToString(h.Sum(nil))
}

// CanonicalSendString builds the deterministic string a wallet signs for one
// outbound send:
//
//	Conway:send:<to_lower>:<keccak256(content)>:<signed_at>
func CanonicalSendString(to, content, signedAt string) string {
	return fmt.Sprintf("%s:%s:%s:%s",
		canonicalPrefix, strings.ToLower(to), ContentHash(content), signedAt)
}

// Sign signs a canonical string with the given private key using the
// Ethereum personal-message envelope. Returns the 0x-prefixed 65-byte
// r||s||v signature.
func Sign(key *ecdsa.PrivateKey, canonical string) (string, error) {
	digest := personalDigest(canonical)
	sig, err := ethcrypto.Sign(digest, key)
	if err != nil {
		return "", errs.Wrap(errs.KindIntegrity, err, "sign canonical string")
	}
	return "0x" + hex.EncodeToString(sig), nil
}

// Verify reports whether signature over the canonical string recovers to
// the expected address.
func Verify(canonical, signature, expectedAddress string) bool {
	sig, err := hex.DecodeString(strings.TrimPrefix(signature, "0x"))
	if err != nil || len(sig) != 65 {
		return false
	}
	// Normalize the recovery id: wallets emit 27/28, secp256k1 wants 0/1.
	if sig[64] >= 27 {
		sig = append(append([]byte{}, sig[:64]...), sig[64]-27)
	}
	pub, err := ethcrypto.SigToPub(personalDigest(canonical), sig)
	if err != nil {
		return false
	}
	recovered := ethcrypto.PubkeyToAddress(*pub).Hex()
	return strings.EqualFold(recovered, expectedAddress)
}

// AddressOf derives the wallet address for a private key.
func AddressOf(key *ecdsa.PrivateKey) string {
	return ethcrypto.PubkeyToAddress(key.PublicKey).Hex()
}

// personalDigest applies the Ethereum signed-message prefix before hashing
// so relay signatures match what wallet tooling produces.
func personalDigest(msg string) []byte {
	prefixed := fmt.Sprintf("\x19Ethereum Signed Message:\n%d%s", len(msg), msg)
	return ethcrypto.Keccak256([]byte(prefixed))
}

// NonceKey renders the dedup-table key guarding an inbound nonce.
func NonceKey(nonce string) string { return "social:nonce:" + nonce }

// ValidAddress reports whether s is a well-formed, non-zero EVM address.
// Accepts upper/lower/mixed case hex after the 0x prefix.
func ValidAddress(s string) bool {
	if len(s) != 42 || s[0] != '0' || s[1] != 'x' {
		return false
	}
	for _, c := range s[2:] {
		switch {
		case c >= '0' && c <= '9', c >= 'a' && c <= 'f', c >= 'A' && c <= 'F':
		default:
			return false
		}
	}
	return !strings.EqualFold(s, zeroAddress)
}

// Message is the relay wire shape in both directions.
type Message struct {
	ID        string `json:"id,omitempty"`
	From      string `json:"from"`
	To        string `json:"to"`
	Content   string `json:"content"`
	SignedAt  string `json:"signed_at"`
	Signature string `json:"signature"`
	ReplyTo   string `json:"reply_to,omitempty"`
	Nonce     string `json:"nonce,omitempty"`
}

// Validate runs the shared validation pipeline on a message: address shape,
// size bounds, and timestamp skew. serializedLen is the full wire size.
func Validate(m *Message, serializedLen int, now time.Time) error {
	if !ValidAddress(m.From) {
		return errs.New(errs.KindInvalidInput, "invalid from address %q", m.From)
	}
	if !ValidAddress(m.To) {
		return errs.New(errs.KindInvalidInput, "invalid to address %q", m.To)
	}
	if len(m.Content) > MaxContentLength {
		return errs.New(errs.KindInvalidInput,
			"content length %d exceeds %d", len(m.Content), MaxContentLength)
	}
	if serializedLen > MaxSerializedLength {
		return errs.New(errs.KindInvalidInput,
			"serialized size %d exceeds %d", serializedLen, MaxSerializedLength)
	}
	signedAt, err := time.Parse(time.RFC3339, m.SignedAt)
	if err != nil {
		return errs.New(errs.KindInvalidInput, "unparseable signed_at %q", m.SignedAt)
	}
	drift := now.Sub(signedAt)
	if drift < 0 {
		drift = -drift
	}
	if drift > MaxClockSkew {
		return errs.New(errs.KindInvalidInput,
			"signed_at outside ±%s window", MaxClockSkew)
	}
	return nil
}

// VerifyInbound validates a message and checks its signature against the
// claimed sender.
func VerifyInbound(m *Message, serializedLen int, now time.Time) error {
	if err := Validate(m, serializedLen, now); err != nil {
		return err
	}
	canonical := CanonicalSendString(m.To, m.Content, m.SignedAt)
	if !Verify(canonical, m.Signature, m.From) {
		return errs.New(errs.KindIntegrity, "signature does not resolve to %s", m.From)
	}
	return nil
}
