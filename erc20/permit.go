package erc20

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"swapflow/chain"
	"swapflow/signer"
)

// ErrMalformedSignature is returned when the wallet produces anything other
// than a 65-byte signature.
var ErrMalformedSignature = errors.New("erc20: malformed permit signature")

// PermitSigner produces EIP-2612 off-chain approvals so a swap's allowance
// can ride inside the same signed payload as the swap itself.
type PermitSigner struct {
	caller chain.ContractCaller
	wallet signer.Signer
}

// NewPermitSigner constructs a permit signer.
func NewPermitSigner(caller chain.ContractCaller, wallet signer.Signer) *PermitSigner {
	return &PermitSigner{caller: caller, wallet: wallet}
}

// typedData is the EIP-712 document handed to the wallet for signing.
type typedData struct {
	Types       map[string][]typedDataField `json:"types"`
	PrimaryType string                      `json:"primaryType"`
	Domain      typedDataDomain             `json:"domain"`
	Message     map[string]interface{}      `json:"message"`
}

type typedDataField struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

type typedDataDomain struct {
	Name              string `json:"name"`
	Version           string `json:"version"`
	ChainID           uint64 `json:"chainId"`
	VerifyingContract string `json:"verifyingContract"`
}

// SignPermit builds and signs a permit, returning the ABI-encoded
// (owner, spender, value, deadline, v, r, s) parameter blob without a
// function selector, as the aggregator's build endpoint expects. Every
// sub-step failure surfaces as an error; partial calldata is never returned.
func (p *PermitSigner) SignPermit(ctx context.Context, token, owner, spender common.Address, value *big.Int, deadline int64, chainID uint64) (string, error) {
	if value == nil || value.Sign() <= 0 {
		return "", fmt.Errorf("permit value must be positive")
	}
	if deadline <= 0 {
		return "", fmt.Errorf("permit deadline required")
	}

	name, err := tokenName(ctx, p.caller, token, owner, chainID)
	if err != nil {
		return "", err
	}
	nonce, err := permitNonce(ctx, p.caller, token, owner, chainID)
	if err != nil {
		return "", err
	}

	doc := typedData{
		Types: map[string][]typedDataField{
			"EIP712Domain": {
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
				{Name: "verifyingContract", Type: "address"},
			},
			"Permit": {
				{Name: "owner", Type: "address"},
				{Name: "spender", Type: "address"},
				{Name: "value", Type: "uint256"},
				{Name: "nonce", Type: "uint256"},
				{Name: "deadline", Type: "uint256"},
			},
		},
		PrimaryType: "Permit",
		Domain: typedDataDomain{
			Name:              name,
			Version:           "1",
			ChainID:           chainID,
			VerifyingContract: strings.ToLower(token.Hex()),
		},
		Message: map[string]interface{}{
			"owner":    strings.ToLower(owner.Hex()),
			"spender":  strings.ToLower(spender.Hex()),
			"value":    value.String(),
			"nonce":    nonce.String(),
			"deadline": fmt.Sprintf("%d", deadline),
		},
	}
	payload, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("marshal typed data: %w", err)
	}

	sig, err := p.wallet.SignTypedData(ctx, owner, payload)
	if err != nil {
		return "", fmt.Errorf("sign typed data: %w", err)
	}
	v, r, s, err := splitSignature(sig)
	if err != nil {
		return "", err
	}

	calldata := make([]byte, 0, 7*32)
	calldata = append(calldata, padAddress(owner)...)
	calldata = append(calldata, padAddress(spender)...)
	calldata = append(calldata, padUint256(value)...)
	calldata = append(calldata, padUint256(big.NewInt(deadline))...)
	calldata = append(calldata, common.LeftPadBytes([]byte{v}, 32)...)
	calldata = append(calldata, common.LeftPadBytes(r, 32)...)
	calldata = append(calldata, common.LeftPadBytes(s, 32)...)
	return "0x" + hex.EncodeToString(calldata), nil
}

// splitSignature carves a 65-byte signature into its (v, r, s) components,
// normalising legacy 0/1 recovery identifiers to 27/28.
func splitSignature(sig string) (byte, []byte, []byte, error) {
	trimmed := strings.TrimPrefix(strings.TrimSpace(sig), "0x")
	if len(trimmed) != 130 {
		return 0, nil, nil, fmt.Errorf("%w: %d hex chars", ErrMalformedSignature, len(trimmed))
	}
	raw, err := hex.DecodeString(trimmed)
	if err != nil {
		return 0, nil, nil, fmt.Errorf("%w: %v", ErrMalformedSignature, err)
	}
	r := raw[:32]
	s := raw[32:64]
	v := raw[64]
	if v < 27 {
		v += 27
	}
	return v, r, s, nil
}
