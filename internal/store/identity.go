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

// Identity is the agent's singleton row: exactly one exists per store,
// immutable after bootstrap.
type Identity struct {
	Address          string `db:"address"`
	CreatorAddress   string `db:"creator_address"`
	WalletPrivateKey string `db:"wallet_private_key"`
	SandboxID        string `db:"sandbox_id"`
	CreatedAt        string `db:"created_at"`
}

// BootstrapIdentity writes the identity row once. A later call for the same
// address is a no-op (a restart); a call for a different address is
// rejected — identity never changes after first boot.
func (s *Store) BootstrapIdentity(ctx context.Context, id *Identity) error {
	if id.CreatedAt == "" {
		id.CreatedAt = NowISO()
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO identity (id, address, creator_address, wallet_private_key, sandbox_id, created_at)
		VALUES (1, ?, ?, ?, ?, ?)`,
		id.Address, id.CreatorAddress, id.WalletPrivateKey, id.SandboxID, id.CreatedAt)
	if err != nil {
		return errs.Wrap(errs.KindUnavailable, err, "bootstrap identity")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		existing, err := s.GetIdentity(ctx)
		if err != nil {
			return err
		}
		if existing.Address != id.Address {
			return errs.New(errs.KindIntegrity,
				"identity already bootstrapped for %s", existing.Address)
		}
	}
	return nil
}

// GetIdentity reads the singleton identity row.
func (s *Store) GetIdentity(ctx context.Context) (*Identity, error) {
	var id Identity
	err := s.db.GetContext(ctx, &id, `
		SELECT address, creator_address, wallet_private_key, sandbox_id, created_at
		FROM identity WHERE id = 1`)
	if err == sql.ErrNoRows {
		return nil, errs.New(errs.KindNotFound, "identity not bootstrapped")
	}
	return &id, errs.Wrap(errs.KindUnavailable, err, "get identity")
}

// SetKV writes a key-value pair (distress signals, critical_since, cursors).
func (s *Store) SetKV(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO kv_store (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, NowISO())
	return errs.Wrap(errs.KindUnavailable, err, "set kv %s", key)
}

// GetKV reads a key, returning ("", false, nil) when absent.
func (s *Store) GetKV(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.GetContext(ctx, &value, `SELECT value FROM kv_store WHERE key = ?`, key)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, errs.Wrap(errs.KindUnavailable, err, "get kv %s", key)
	}
	return value, true, nil
}

// DeleteKV removes a key.
func (s *Store) DeleteKV(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM kv_store WHERE key = ?`, key)
	return errs.Wrap(errs.KindUnavailable, err, "delete kv %s", key)
}
