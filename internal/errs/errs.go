/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package errs defines the error taxonomy shared across the automaton.
// Every failure surfaced between components carries a Kind so callers can
// branch without string matching. Only Fatal may terminate the process,
// and only during boot.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies an error for propagation decisions.
type Kind int

const (
	// KindUnknown is the zero value; errors without a kind.
	KindUnknown Kind = iota

	// KindNotFound — entity missing (child, turn, schedule row).
	KindNotFound

	// KindInvalidInput — schema violation (bad address, oversized content,
	// injection pattern in genesis, invalid score).
	KindInvalidInput

	// KindPolicyDenied — the policy engine rejected a tool call.
	KindPolicyDenied

	// KindLimitExceeded — spend or rate limit.
	KindLimitExceeded

	// KindUnavailable — external client reachable but refusing (HTTP 5xx,
	// insufficient gas, empty model response).
	KindUnavailable

	// KindTransport — network error or timeout.
	KindTransport

	// KindIntegrity — database corruption, signature mismatch, hash mismatch.
	KindIntegrity

	// KindFatal — unrecoverable; permitted to stop the process at boot only.
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindInvalidInput:
		return "invalid_input"
	case KindPolicyDenied:
		return "policy_denied"
	case KindLimitExceeded:
		return "limit_exceeded"
	case KindUnavailable:
		return "unavailable"
	case KindTransport:
		return "transport"
	case KindIntegrity:
		return "integrity"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Error is a kinded error. It wraps an optional cause.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		if e.Msg == "" {
			return e.Err.Error()
		}
		return e.Msg + ": " + e.Err.Error()
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports kind equality so errors.Is(err, &Error{Kind: KindNotFound}) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Msg == "" || t.Msg == e.Msg)
}

// New creates a kinded error from a format string.
func New(kind Kind, format string, args ...interface{}) error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and message to a cause. Returns nil if err is nil.
func Wrap(kind Kind, err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

// KindOf extracts the kind from an error chain, KindUnknown if absent.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsKind reports whether the first kinded error in the chain (as KindOf
// finds it) carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
