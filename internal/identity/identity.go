/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package identity owns the agent's wallet: key generation at first boot,
// wallet.json persistence with restrictive permissions, and address
// derivation.
package identity

import (
	"crypto/ecdsa"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/marcus-qen/automaton/internal/errs"
)

// walletFile is the on-disk shape of wallet.json.
type walletFile struct {
	PrivateKey string `json:"private_key"`
	Address    string `json:"address"`
	CreatedAt  string `json:"created_at"`
}

// Wallet is the loaded signing identity.
type Wallet struct {
	Key       *ecdsa.PrivateKey
	Address   string
	CreatedAt time.Time
}

// LoadOrCreate loads wallet.json from dir, creating a fresh key when the
// file is absent. The file is written mode 0600; a wallet readable by
// others fails the load.
func LoadOrCreate(dir string) (*Wallet, error) {
	path := filepath.Join(dir, "wallet.json")

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		return load(path, data)
	case os.IsNotExist(err):
		return create(dir, path)
	default:
		return nil, errs.Wrap(errs.KindFatal, err, "read wallet %s", path)
	}
}

func load(path string, data []byte) (*Wallet, error) {
	info, err := os.Stat(path)
	if err == nil && info.Mode().Perm()&0o077 != 0 {
		return nil, errs.New(errs.KindFatal,
			"wallet %s is readable by others (mode %o)", path, info.Mode().Perm())
	}

	var wf walletFile
	if err := json.Unmarshal(data, &wf); err != nil {
		return nil, errs.Wrap(errs.KindFatal, err, "parse wallet %s", path)
	}
	key, err := ethcrypto.HexToECDSA(wf.PrivateKey)
	if err != nil {
		return nil, errs.Wrap(errs.KindFatal, err, "decode wallet key")
	}
	derived := ethcrypto.PubkeyToAddress(key.PublicKey).Hex()
	if wf.Address != "" && derived != wf.Address {
		return nil, errs.New(errs.KindIntegrity,
			"wallet address %s does not match key-derived %s", wf.Address, derived)
	}

	createdAt, _ := time.Parse(time.RFC3339, wf.CreatedAt)
	return &Wallet{Key: key, Address: derived, CreatedAt: createdAt}, nil
}

func create(dir, path string) (*Wallet, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, errs.Wrap(errs.KindFatal, err, "create wallet dir %s", dir)
	}
	key, err := ethcrypto.GenerateKey()
	if err != nil {
		return nil, errs.Wrap(errs.KindFatal, err, "generate wallet key")
	}

	now := time.Now().UTC()
	wf := walletFile{
		PrivateKey: hex.EncodeToString(ethcrypto.FromECDSA(key)),
		Address:    ethcrypto.PubkeyToAddress(key.PublicKey).Hex(),
		CreatedAt:  now.Format(time.RFC3339),
	}
	data, err := json.MarshalIndent(&wf, "", "  ")
	if err != nil {
		return nil, errs.Wrap(errs.KindFatal, err, "marshal wallet")
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return nil, errs.Wrap(errs.KindFatal, err, "write wallet %s", path)
	}
	return &Wallet{Key: key, Address: wf.Address, CreatedAt: now}, nil
}
