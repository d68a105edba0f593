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

// On-chain transaction statuses.
const (
	TxPending   = "pending"
	TxConfirmed = "confirmed"
	TxFailed    = "failed"
)

// OnchainTx is one submitted chain transaction. tx_hash is unique.
type OnchainTx struct {
	ID        string        `db:"id"`
	TxHash    string        `db:"tx_hash"`
	Chain     string        `db:"chain"`
	Operation string        `db:"operation"`
	Status    string        `db:"status"`
	GasUsed   sql.NullInt64 `db:"gas_used"`
	Metadata  []byte        `db:"metadata"`
	CreatedAt string        `db:"created_at"`
}

// InsertOnchainTx records a submitted transaction as pending.
func (s *Store) InsertOnchainTx(ctx context.Context, txHash, chain, operation string, metadata interface{}) (*OnchainTx, error) {
	tx := &OnchainTx{
		ID:        s.NewULID(),
		TxHash:    txHash,
		Chain:     chain,
		Operation: operation,
		Status:    TxPending,
		Metadata:  MustJSON(metadata),
		CreatedAt: NowISO(),
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO onchain_txs (id, tx_hash, chain, operation, status, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		tx.ID, tx.TxHash, tx.Chain, tx.Operation, tx.Status, tx.Metadata, tx.CreatedAt)
	if err != nil {
		return nil, errs.Wrap(errs.KindUnavailable, err, "insert onchain tx %s", txHash)
	}
	return tx, nil
}

// UpdateOnchainTxStatus records the receipt outcome.
func (s *Store) UpdateOnchainTxStatus(ctx context.Context, txHash, status string, gasUsed int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE onchain_txs SET status = ?, gas_used = ? WHERE tx_hash = ?`,
		status, sql.NullInt64{Int64: gasUsed, Valid: gasUsed > 0}, txHash)
	return errs.Wrap(errs.KindUnavailable, err, "update onchain tx %s", txHash)
}

// PendingOnchainTxs lists transactions awaiting a receipt.
func (s *Store) PendingOnchainTxs(ctx context.Context) ([]OnchainTx, error) {
	var txs []OnchainTx
	err := s.db.SelectContext(ctx, &txs,
		`SELECT * FROM onchain_txs WHERE status = ? ORDER BY created_at`, TxPending)
	return txs, errs.Wrap(errs.KindUnavailable, err, "list pending onchain txs")
}
