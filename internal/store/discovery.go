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
	"database/sql"

	"github.com/marcus-qen/automaton/internal/errs"
)

// DiscoveredAgent caches another agent's card. Entries past valid_until are
// stale and must not satisfy queries.
type DiscoveredAgent struct {
	AgentAddress string `db:"agent_address"`
	Card         []byte `db:"card"`
	FetchedFrom  string `db:"fetched_from"`
	CardHash     string `db:"card_hash"`
	ValidUntil   string `db:"valid_until"`
	FetchCount   int64  `db:"fetch_count"`
	FetchedAt    string `db:"fetched_at"`
}

// UpsertDiscoveredAgent stores or refreshes a fetched card, bumping
// fetch_count on refresh.
func (s *Store) UpsertDiscoveredAgent(ctx context.Context, a *DiscoveredAgent) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO discovered_agents
			(agent_address, card, fetched_from, card_hash, valid_until, fetch_count, fetched_at)
		VALUES (?, ?, ?, ?, ?, 1, ?)
		ON CONFLICT(agent_address) DO UPDATE SET
			card         = excluded.card,
			fetched_from = excluded.fetched_from,
			card_hash    = excluded.card_hash,
			valid_until  = excluded.valid_until,
			fetch_count  = discovered_agents.fetch_count + 1,
			fetched_at   = excluded.fetched_at`,
		a.AgentAddress, a.Card, a.FetchedFrom, a.CardHash, a.ValidUntil, a.FetchedAt)
	return errs.Wrap(errs.KindUnavailable, err, "upsert discovered agent %s", a.AgentAddress)
}

// GetDiscoveredAgent returns a cached card only while it is still valid.
func (s *Store) GetDiscoveredAgent(ctx context.Context, address, now string) (*DiscoveredAgent, error) {
	var a DiscoveredAgent
	err := s.db.GetContext(ctx, &a, `
		SELECT * FROM discovered_agents WHERE agent_address = ? AND valid_until >= ?`,
		address, now)
	if err == sql.ErrNoRows {
		return nil, errs.New(errs.KindNotFound, "no valid card for %s", address)
	}
	return &a, errs.Wrap(errs.KindUnavailable, err, "get discovered agent %s", address)
}

// PruneDiscoveredAgents drops stale cache entries.
func (s *Store) PruneDiscoveredAgents(ctx context.Context, now string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM discovered_agents WHERE valid_until < ?`, now)
	if err != nil {
		return 0, errs.Wrap(errs.KindUnavailable, err, "prune discovered agents")
	}
	n, _ := res.RowsAffected()
	return n, nil
}
