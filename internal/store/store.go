/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package store owns the embedded relational state file — the sole source of
// truth for identity, turns, finances, heartbeat schedule, lifecycles,
// memory tiers, and audit logs.
//
// Opening the store:
//  1. Ensure the parent directory exists with restrictive permissions
//  2. Open with WAL mode, foreign-key enforcement, autocheckpoint threshold
//  3. Run integrity check — fail hard on any non-"ok" result
//  4. Create base tables
//  5. Apply migrations in order, each inside its own transaction
//  6. Record the new max schema version
//
// All writes from other components flow through RunTransaction so batched
// inserts (turn + tool calls + reasoning steps) and lifecycle events commit
// atomically.
package store

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/jmoiron/sqlx"
	"github.com/oklog/ulid/v2"
	_ "modernc.org/sqlite"

	"github.com/marcus-qen/automaton/internal/errs"
)

// Store is the durable state store. Exactly one process owns it at a time.
type Store struct {
	db  *sqlx.DB
	log logr.Logger

	ulidMu  sync.Mutex
	entropy *ulid.MonotonicEntropy
}

// Options configure Open.
type Options struct {
	// Path is the database file location. ":memory:" opens an ephemeral
	// store for tests.
	Path string

	// WALAutoCheckpoint is the page threshold for automatic WAL
	// checkpointing. Default 1000.
	WALAutoCheckpoint int

	// BusyTimeout is the driver-level lock wait. Default 5s.
	BusyTimeout time.Duration
}

// Open opens (creating if needed) the state store and brings the schema to
// the current version. A failed integrity check or migration is Fatal —
// boot must not continue on a corrupt or half-migrated store.
func Open(ctx context.Context, opts Options, log logr.Logger) (*Store, error) {
	if opts.WALAutoCheckpoint <= 0 {
		opts.WALAutoCheckpoint = 1000
	}
	if opts.BusyTimeout <= 0 {
		opts.BusyTimeout = 5 * time.Second
	}

	memory := opts.Path == ":memory:"
	if !memory {
		dir := filepath.Dir(opts.Path)
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, errs.Wrap(errs.KindFatal, err, "create state directory %s", dir)
		}
	}

	dsn := buildDSN(opts, memory)
	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, errs.Wrap(errs.KindFatal, err, "open state store")
	}
	// SQLite has a single writer; a single connection avoids lock churn and
	// keeps :memory: stores coherent.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, log: log.WithName("store")}
	s.entropy = ulid.Monotonic(rand.Reader, 0)

	if err := s.integrityCheck(ctx); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.createBaseTables(ctx); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.applyMigrations(ctx); err != nil {
		db.Close()
		return nil, err
	}

	s.log.Info("state store open", "path", opts.Path, "schemaVersion", CurrentSchemaVersion)
	return s, nil
}

func buildDSN(opts Options, memory bool) string {
	base := opts.Path
	if memory {
		base = ":memory:"
	}
	return fmt.Sprintf(
		"file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(%d)&_pragma=wal_autocheckpoint(%d)",
		base,
		opts.BusyTimeout.Milliseconds(),
		opts.WALAutoCheckpoint,
	)
}

// Close releases the underlying file handle.
func (s *Store) Close() error { return s.db.Close() }

// DB exposes the handle for package-internal accessors.
func (s *Store) DB() *sqlx.DB { return s.db }

func (s *Store) integrityCheck(ctx context.Context) error {
	var result string
	if err := s.db.GetContext(ctx, &result, `PRAGMA integrity_check`); err != nil {
		return errs.Wrap(errs.KindFatal, err, "integrity check")
	}
	if result != "ok" {
		return errs.New(errs.KindFatal, "state store failed integrity check: %s", result)
	}
	return nil
}

// RunTransaction executes fn inside a transaction, committing on nil and
// rolling back on error or panic.
func (s *Store) RunTransaction(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return errs.Wrap(errs.KindUnavailable, err, "begin transaction")
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return errs.Wrap(errs.KindUnavailable, err, "commit transaction")
	}
	return nil
}

// Checkpoint forces a WAL checkpoint.
func (s *Store) Checkpoint(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `PRAGMA wal_checkpoint(TRUNCATE)`)
	return errs.Wrap(errs.KindUnavailable, err, "wal checkpoint")
}

// NewULID mints a monotonic ULID.
func (s *Store) NewULID() string {
	s.ulidMu.Lock()
	defer s.ulidMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now().UTC()), s.entropy).String()
}

// NowISO renders the canonical UTC ISO-8601 timestamp used in every table.
// window_hour is the first 13 characters, window_day the first 10.
func NowISO() string {
	return time.Now().UTC().Format("2006-01-02T15:04:05.000Z")
}

// ParseISO accepts both timestamp formats found in the store:
// "YYYY-MM-DDTHH:MM:SS.sssZ" and the legacy "YYYY-MM-DD HH:MM:SS".
func ParseISO(ts string) (time.Time, error) {
	for _, layout := range []string{
		"2006-01-02T15:04:05.000Z",
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02 15:04:05",
	} {
		if t, err := time.Parse(layout, ts); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, errs.New(errs.KindInvalidInput, "unparseable timestamp %q", ts)
}

// SafeParseJSON decodes a JSON blob column into out, falling back to leaving
// out untouched (caller-provided default) when the blob is corrupt. Corrupt
// rows degrade gracefully instead of failing reads.
func (s *Store) SafeParseJSON(raw []byte, out interface{}, context string) {
	if len(raw) == 0 {
		return
	}
	if err := json.Unmarshal(raw, out); err != nil {
		s.log.V(1).Info("corrupt JSON blob, using default", "context", context, "error", err.Error())
	}
}

// MustJSON encodes v, degrading to "{}" on failure so inserts never abort on
// an unencodable metadata value.
func MustJSON(v interface{}) []byte {
	if v == nil {
		return []byte("{}")
	}
	b, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return b
}

// nullString adapts optional text columns.
func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
