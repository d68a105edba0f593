/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package chain defines the on-chain client interface the core depends on
// for balances and transfers. Submitted transactions are recorded in the
// onchain_txs table by callers.
package chain

import (
	"context"
)

// Balances is one consistent read of the agent's funds, integer cents.
type Balances struct {
	CreditCents int64
	USDCCents   int64
}

// TransferReceipt describes a submitted transfer.
type TransferReceipt struct {
	TxHash  string
	GasUsed int64
}

// Client is the on-chain surface the core depends on. Implementations wrap
// the contract client for the deployment's chain.
type Client interface {
	// Balances reads the agent's credit and USDC balances.
	Balances(ctx context.Context, address string) (*Balances, error)

	// TransferCredits sends amountCents of credits to another address.
	TransferCredits(ctx context.Context, to string, amountCents int64) (*TransferReceipt, error)

	// TransferUSDC sends amountCents of USDC to another address.
	TransferUSDC(ctx context.Context, to string, amountCents int64) (*TransferReceipt, error)
}
