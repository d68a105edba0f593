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

	"github.com/jmoiron/sqlx"

	"github.com/marcus-qen/automaton/internal/errs"
)

// Child is one spawned descendant. Its status column mirrors the latest
// lifecycle event's to_state.
type Child struct {
	ID            string         `db:"id"`
	Name          string         `db:"name"`
	Address       string         `db:"address"`
	SandboxID     string         `db:"sandbox_id"`
	GenesisPrompt string         `db:"genesis_prompt"`
	FundedAmount  int64          `db:"funded_amount"`
	Status        string         `db:"status"`
	CreatedAt     string         `db:"created_at"`
	LastChecked   sql.NullString `db:"last_checked"`
}

// LifecycleEvent is one append-only transition record.
type LifecycleEvent struct {
	ID        string         `db:"id"`
	ChildID   string         `db:"child_id"`
	FromState string         `db:"from_state"`
	ToState   string         `db:"to_state"`
	Reason    sql.NullString `db:"reason"`
	Metadata  []byte         `db:"metadata"`
	CreatedAt string         `db:"created_at"`
}

// InsertChild creates a child row.
func (s *Store) InsertChild(ctx context.Context, c *Child) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO children (id, name, address, sandbox_id, genesis_prompt, funded_amount, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.Name, c.Address, c.SandboxID, c.GenesisPrompt, c.FundedAmount, c.Status, c.CreatedAt)
	return errs.Wrap(errs.KindUnavailable, err, "insert child %s", c.ID)
}

// GetChild loads a child by id.
func (s *Store) GetChild(ctx context.Context, id string) (*Child, error) {
	var c Child
	err := s.db.GetContext(ctx, &c, `SELECT * FROM children WHERE id = ?`, id)
	if err == sql.ErrNoRows {
		return nil, errs.New(errs.KindNotFound, "child %s not found", id)
	}
	return &c, errs.Wrap(errs.KindUnavailable, err, "get child %s", id)
}

// ListChildren returns all children ordered by creation time ascending.
func (s *Store) ListChildren(ctx context.Context) ([]Child, error) {
	var out []Child
	err := s.db.SelectContext(ctx, &out, `SELECT * FROM children ORDER BY created_at, id`)
	return out, errs.Wrap(errs.KindUnavailable, err, "list children")
}

// ListChildrenByStatus returns children in any of the given states, oldest
// first.
func (s *Store) ListChildrenByStatus(ctx context.Context, statuses ...string) ([]Child, error) {
	query, args, err := sqlx.In(
		`SELECT * FROM children WHERE status IN (?) ORDER BY created_at, id`, statuses)
	if err != nil {
		return nil, errs.Wrap(errs.KindUnavailable, err, "build status query")
	}
	var out []Child
	err = s.db.SelectContext(ctx, &out, s.db.Rebind(query), args...)
	return out, errs.Wrap(errs.KindUnavailable, err, "list children by status")
}

// UpdateChildAddress records a verified wallet address.
func (s *Store) UpdateChildAddress(ctx context.Context, id, address string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE children SET address = ? WHERE id = ?`, address, id)
	return errs.Wrap(errs.KindUnavailable, err, "update child address %s", id)
}

// UpdateChildFunding records the funded amount.
func (s *Store) UpdateChildFunding(ctx context.Context, id string, amount int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE children SET funded_amount = ? WHERE id = ?`, amount, id)
	return errs.Wrap(errs.KindUnavailable, err, "update child funding %s", id)
}

// TouchChildChecked stamps last_checked after a health probe.
func (s *Store) TouchChildChecked(ctx context.Context, id, at string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE children SET last_checked = ? WHERE id = ?`, at, id)
	return errs.Wrap(errs.KindUnavailable, err, "touch child %s", id)
}

// AppendLifecycleEventTx appends an event and mirrors to_state onto the
// child's status column, inside the caller's transaction.
func AppendLifecycleEventTx(ctx context.Context, tx *sqlx.Tx, e *LifecycleEvent) error {
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO child_lifecycle_events (id, child_id, from_state, to_state, reason, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.ChildID, e.FromState, e.ToState, e.Reason, e.Metadata, e.CreatedAt); err != nil {
		return errs.Wrap(errs.KindUnavailable, err, "append lifecycle event")
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE children SET status = ? WHERE id = ?`, e.ToState, e.ChildID); err != nil {
		return errs.Wrap(errs.KindUnavailable, err, "mirror child status")
	}
	return nil
}

// LifecycleHistory returns a child's events in insertion order.
func (s *Store) LifecycleHistory(ctx context.Context, childID string) ([]LifecycleEvent, error) {
	var events []LifecycleEvent
	err := s.db.SelectContext(ctx, &events, `
		SELECT * FROM child_lifecycle_events WHERE child_id = ?
		ORDER BY created_at, id`, childID)
	return events, errs.Wrap(errs.KindUnavailable, err, "lifecycle history %s", childID)
}

// DeleteChild removes a child and its lifecycle events in one transaction.
func (s *Store) DeleteChild(ctx context.Context, id string) error {
	return s.RunTransaction(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM child_lifecycle_events WHERE child_id = ?`, id); err != nil {
			return errs.Wrap(errs.KindUnavailable, err, "delete lifecycle events %s", id)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM children WHERE id = ?`, id); err != nil {
			return errs.Wrap(errs.KindUnavailable, err, "delete child %s", id)
		}
		return nil
	})
}

// CountLivingChildren counts children not in the stopped, failed or
// cleaned_up state, used to enforce maxChildren.
func (s *Store) CountLivingChildren(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.GetContext(ctx, &n, `
		SELECT COUNT(*) FROM children
		WHERE status NOT IN ('stopped', 'failed', 'cleaned_up')`)
	return n, errs.Wrap(errs.KindUnavailable, err, "count living children")
}
