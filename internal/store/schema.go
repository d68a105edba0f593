/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

package store

import (
	"context"

	"github.com/jmoiron/sqlx"

	"github.com/marcus-qen/automaton/internal/errs"
)

// CurrentSchemaVersion is the version the store is at after all migrations.
const CurrentSchemaVersion = 9

// Base schema (version 1): identity and the turn log. Everything else
// arrived through migrations and stays there — the migration list is
// forward-only and append-only.
const baseSchema = `
CREATE TABLE IF NOT EXISTS schema_version (
	version    INTEGER PRIMARY KEY,
	applied_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS identity (
	id                 INTEGER PRIMARY KEY CHECK (id = 1),
	address            TEXT NOT NULL,
	creator_address    TEXT NOT NULL,
	wallet_private_key TEXT NOT NULL,
	sandbox_id         TEXT NOT NULL,
	created_at         TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS agent_turns (
	id           TEXT PRIMARY KEY,
	timestamp    TEXT NOT NULL,
	state        TEXT NOT NULL,
	input_source TEXT NOT NULL,
	input        TEXT,
	thinking     TEXT,
	response     TEXT,
	token_usage  TEXT,
	cost_cents   INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS tool_calls (
	id          TEXT PRIMARY KEY,
	turn_id     TEXT NOT NULL REFERENCES agent_turns(id),
	name        TEXT NOT NULL,
	args        TEXT,
	result      TEXT,
	duration_ms INTEGER NOT NULL DEFAULT 0,
	error       TEXT
);
`

// migration is one forward-only schema step.
type migration struct {
	version int
	name    string
	sql     string
}

var migrations = []migration{
	{2, "heartbeat", `
CREATE TABLE heartbeat_schedule (
	task_name        TEXT PRIMARY KEY,
	cron_expression  TEXT,
	interval_ms      INTEGER,
	priority         INTEGER NOT NULL DEFAULT 100,
	timeout_ms       INTEGER NOT NULL DEFAULT 30000,
	tier_minimum     TEXT NOT NULL DEFAULT 'critical',
	enabled          INTEGER NOT NULL DEFAULT 1,
	params           TEXT,
	last_run_at      TEXT,
	next_run_at      TEXT,
	lease_owner      TEXT,
	lease_expires_at TEXT,
	run_count        INTEGER NOT NULL DEFAULT 0,
	fail_count       INTEGER NOT NULL DEFAULT 0,
	last_result      TEXT,
	last_error       TEXT
);
CREATE TABLE heartbeat_history (
	id              TEXT PRIMARY KEY,
	task_name       TEXT NOT NULL,
	started_at      TEXT NOT NULL,
	completed_at    TEXT,
	result          TEXT,
	message         TEXT,
	idempotency_key TEXT UNIQUE
);
CREATE TABLE heartbeat_dedup (
	dedup_key  TEXT PRIMARY KEY,
	task_name  TEXT NOT NULL,
	created_at TEXT NOT NULL,
	expires_at TEXT NOT NULL
);
CREATE TABLE wake_events (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	source      TEXT NOT NULL,
	reason      TEXT NOT NULL,
	payload     TEXT,
	created_at  TEXT NOT NULL,
	consumed_at TEXT
);
`},
	{3, "children", `
CREATE TABLE children (
	id             TEXT PRIMARY KEY,
	name           TEXT NOT NULL,
	address        TEXT NOT NULL DEFAULT '',
	sandbox_id     TEXT NOT NULL DEFAULT '',
	genesis_prompt TEXT NOT NULL,
	funded_amount  INTEGER NOT NULL DEFAULT 0,
	status         TEXT NOT NULL,
	created_at     TEXT NOT NULL,
	last_checked   TEXT
);
CREATE TABLE child_lifecycle_events (
	id         TEXT PRIMARY KEY,
	child_id   TEXT NOT NULL REFERENCES children(id) ON DELETE CASCADE,
	from_state TEXT NOT NULL,
	to_state   TEXT NOT NULL,
	reason     TEXT,
	metadata   TEXT,
	created_at TEXT NOT NULL
);
`},
	{4, "treasury_policy", `
CREATE TABLE spend_records (
	id          TEXT PRIMARY KEY,
	tool_name   TEXT NOT NULL,
	amount      INTEGER NOT NULL,
	recipient   TEXT,
	category    TEXT NOT NULL,
	window_hour TEXT NOT NULL,
	window_day  TEXT NOT NULL,
	created_at  TEXT NOT NULL
);
CREATE INDEX idx_spend_windows ON spend_records(category, window_hour, window_day);
CREATE TABLE policy_decisions (
	id              TEXT PRIMARY KEY,
	turn_id         TEXT,
	tool_name       TEXT NOT NULL,
	args_hash       TEXT NOT NULL,
	risk_level      TEXT NOT NULL,
	decision        TEXT NOT NULL,
	rules_evaluated INTEGER NOT NULL DEFAULT 0,
	rule_triggered  TEXT,
	reason          TEXT,
	created_at      TEXT NOT NULL
);
`},
	{5, "messaging_chain", `
CREATE TABLE inbox_messages (
	id           TEXT PRIMARY KEY,
	from_address TEXT NOT NULL,
	to_address   TEXT NOT NULL,
	content      TEXT NOT NULL,
	received_at  TEXT NOT NULL,
	status       TEXT NOT NULL DEFAULT 'received',
	retry_count  INTEGER NOT NULL DEFAULT 0,
	max_retries  INTEGER NOT NULL DEFAULT 3
);
CREATE TABLE onchain_txs (
	id         TEXT PRIMARY KEY,
	tx_hash    TEXT NOT NULL UNIQUE,
	chain      TEXT NOT NULL,
	operation  TEXT NOT NULL,
	status     TEXT NOT NULL DEFAULT 'pending',
	gas_used   INTEGER,
	metadata   TEXT,
	created_at TEXT NOT NULL
);
`},
	{6, "discovery_snapshots", `
CREATE TABLE discovered_agents (
	agent_address TEXT PRIMARY KEY,
	card          TEXT NOT NULL,
	fetched_from  TEXT NOT NULL,
	card_hash     TEXT NOT NULL,
	valid_until   TEXT NOT NULL,
	fetch_count   INTEGER NOT NULL DEFAULT 1,
	fetched_at    TEXT NOT NULL
);
CREATE TABLE memory_snapshots (
	id          TEXT PRIMARY KEY,
	metrics     TEXT NOT NULL,
	alerts      TEXT NOT NULL,
	snapshot_at TEXT NOT NULL
);
`},
	{7, "memory_tiers", `
CREATE TABLE working_memory (
	id         TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	content    TEXT NOT NULL,
	priority   INTEGER NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL
);
CREATE TABLE episodic_memory (
	id             TEXT PRIMARY KEY,
	turn_id        TEXT,
	classification TEXT NOT NULL,
	summary        TEXT NOT NULL,
	importance     INTEGER NOT NULL DEFAULT 0,
	created_at     TEXT NOT NULL
);
CREATE TABLE semantic_memory (
	id         TEXT PRIMARY KEY,
	category   TEXT NOT NULL,
	key        TEXT NOT NULL,
	value      TEXT NOT NULL,
	confidence REAL NOT NULL DEFAULT 0.5,
	updated_at TEXT NOT NULL,
	UNIQUE (category, key)
);
CREATE TABLE procedural_memory (
	id          TEXT PRIMARY KEY,
	name        TEXT NOT NULL UNIQUE,
	steps       TEXT NOT NULL,
	success_rate REAL NOT NULL DEFAULT 0,
	updated_at  TEXT NOT NULL
);
CREATE TABLE relationship_memory (
	id                TEXT PRIMARY KEY,
	agent_address     TEXT NOT NULL UNIQUE,
	trust_score       REAL NOT NULL DEFAULT 0.5,
	interaction_count INTEGER NOT NULL DEFAULT 0,
	last_interaction  TEXT,
	notes             TEXT
);
`},
	{8, "reasoning_kv", `
CREATE TABLE reasoning_steps (
	id          TEXT PRIMARY KEY,
	turn_id     TEXT NOT NULL REFERENCES agent_turns(id),
	step_number INTEGER NOT NULL,
	phase       TEXT NOT NULL,
	content     TEXT NOT NULL,
	created_at  TEXT NOT NULL
);
CREATE TABLE kv_store (
	key        TEXT PRIMARY KEY,
	value      TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
`},
	{9, "hot_path_indexes", `
CREATE INDEX idx_turns_timestamp ON agent_turns(timestamp);
CREATE INDEX idx_tool_calls_turn ON tool_calls(turn_id);
CREATE INDEX idx_wake_unconsumed ON wake_events(id) WHERE consumed_at IS NULL;
CREATE INDEX idx_children_status ON children(status, created_at);
CREATE INDEX idx_lifecycle_child ON child_lifecycle_events(child_id, created_at);
CREATE INDEX idx_inbox_status ON inbox_messages(status, received_at);
CREATE INDEX idx_working_session ON working_memory(session_id, priority, created_at);
CREATE INDEX idx_reasoning_turn ON reasoning_steps(turn_id, step_number);
`},
}

func (s *Store) createBaseTables(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, baseSchema); err != nil {
		return errs.Wrap(errs.KindFatal, err, "create base tables")
	}
	// Seed version 1 so max(version) is well defined on a fresh store.
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO schema_version (version, applied_at) VALUES (1, ?)`, NowISO())
	return errs.Wrap(errs.KindFatal, err, "seed schema version")
}

// applyMigrations brings the schema forward. Version N is applied iff
// max(schema_version) < N, each inside its own transaction, so a second run
// over the same store is a no-op and a failure aborts boot cleanly.
func (s *Store) applyMigrations(ctx context.Context) error {
	var current int
	if err := s.db.GetContext(ctx, &current,
		`SELECT COALESCE(MAX(version), 0) FROM schema_version`); err != nil {
		return errs.Wrap(errs.KindFatal, err, "read schema version")
	}

	for _, m := range migrations {
		if current >= m.version {
			continue
		}
		err := s.RunTransaction(ctx, func(tx *sqlx.Tx) error {
			if _, err := tx.ExecContext(ctx, m.sql); err != nil {
				return err
			}
			_, err := tx.ExecContext(ctx,
				`INSERT INTO schema_version (version, applied_at) VALUES (?, ?)`,
				m.version, NowISO())
			return err
		})
		if err != nil {
			return errs.Wrap(errs.KindFatal, err, "apply migration v%d (%s)", m.version, m.name)
		}
		current = m.version
		s.log.Info("applied migration", "version", m.version, "name", m.name)
	}
	return nil
}

// SchemaVersion reports the current max applied version.
func (s *Store) SchemaVersion(ctx context.Context) (int, error) {
	var v int
	err := s.db.GetContext(ctx, &v, `SELECT COALESCE(MAX(version), 0) FROM schema_version`)
	return v, errs.Wrap(errs.KindUnavailable, err, "read schema version")
}
