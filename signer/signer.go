// Package signer defines the external wallet capability. The pipeline never
// holds private keys; it only constructs payloads for an implementation of
// this interface.
package signer

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// TxRequest describes a transaction for the wallet to sign and broadcast.
type TxRequest struct {
	From     common.Address
	To       common.Address
	Data     []byte
	Value    *big.Int
	GasLimit *big.Int
	ChainID  uint64
}

// Signer captures the functionality the pipeline requires from the wallet.
type Signer interface {
	// SignAndSend signs and broadcasts the transaction, returning its hash.
	// Submission is not confirmation; callers poll for the receipt.
	SignAndSend(ctx context.Context, req TxRequest) (common.Hash, error)
	// SignTypedData signs an EIP-712 typed-data document for owner and
	// returns the 65-byte signature hex-encoded.
	SignTypedData(ctx context.Context, owner common.Address, typedDataJSON []byte) (string, error)
}

// FuncSigner adapts callback functions to the Signer interface.
type FuncSigner struct {
	SendFunc      func(ctx context.Context, req TxRequest) (common.Hash, error)
	TypedDataFunc func(ctx context.Context, owner common.Address, typedDataJSON []byte) (string, error)
}

// SignAndSend delegates to the configured callback.
func (s FuncSigner) SignAndSend(ctx context.Context, req TxRequest) (common.Hash, error) {
	if s.SendFunc == nil {
		return common.Hash{}, nil
	}
	return s.SendFunc(ctx, req)
}

// SignTypedData delegates to the configured callback.
func (s FuncSigner) SignTypedData(ctx context.Context, owner common.Address, typedDataJSON []byte) (string, error) {
	if s.TypedDataFunc == nil {
		return "", nil
	}
	return s.TypedDataFunc(ctx, owner, typedDataJSON)
}

var _ Signer = FuncSigner{}
