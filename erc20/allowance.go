// Package erc20 implements allowance management and EIP-2612 permits for the
// swap pipeline.
package erc20

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"swapflow/chain"
	"swapflow/signer"
)

// NativeToken is the sentinel address aggregators use for the chain's native
// asset. Native transfers need no allowance and no approval transaction.
var NativeToken = common.HexToAddress("0xEeeeeEeeeEeEeeEeEeEeeEEEeeeeEeeeeeeeEEeE")

// approveGasLimit is a fixed conservative ceiling for ERC-20 approve calls.
var approveGasLimit = big.NewInt(100_000)

// maxUint256 is reported as the allowance for native-token transfers.
var maxUint256 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

var (
	allowanceSelector = selector("allowance(address,address)")
	approveSelector   = selector("approve(address,uint256)")
	nameSelector      = selector("name()")
	noncesSelector    = selector("nonces(address)")
)

func selector(signature string) []byte {
	return ethcrypto.Keccak256([]byte(signature))[:4]
}

// IsNative reports whether addr is the native-token sentinel.
func IsNative(addr common.Address) bool {
	return addr == NativeToken
}

// ErrShortReturnData is returned when a token answers with fewer bytes than
// the ABI requires.
var ErrShortReturnData = errors.New("erc20: short return data")

// Manager checks and grants ERC-20 spending rights.
type Manager struct {
	caller chain.ContractCaller
	wallet signer.Signer
}

// NewManager constructs an allowance manager.
func NewManager(caller chain.ContractCaller, wallet signer.Signer) *Manager {
	return &Manager{caller: caller, wallet: wallet}
}

// GetAllowance reads allowance(owner, spender) with a zero-value call. The
// native sentinel short-circuits with an effectively unlimited allowance.
func (m *Manager) GetAllowance(ctx context.Context, token, owner, spender common.Address, chainID uint64) (*big.Int, error) {
	if IsNative(token) {
		return new(big.Int).Set(maxUint256), nil
	}
	data := make([]byte, 0, 4+64)
	data = append(data, allowanceSelector...)
	data = append(data, padAddress(owner)...)
	data = append(data, padAddress(spender)...)

	returned, rpcErr, err := m.caller.CallContract(ctx, chainID, owner, token, data, nil)
	if err != nil {
		return nil, fmt.Errorf("allowance call: %w", err)
	}
	if rpcErr != nil {
		return nil, fmt.Errorf("allowance call: %w", rpcErr)
	}
	if len(returned) < 32 {
		return nil, ErrShortReturnData
	}
	return new(big.Int).SetBytes(returned[:32]), nil
}

// Approve submits approve(spender, amount) as a transaction and returns the
// hash. Native tokens never require approval; asking for one is a no-op.
func (m *Manager) Approve(ctx context.Context, token, spender common.Address, amount *big.Int, chainID uint64, from common.Address) (common.Hash, error) {
	if IsNative(token) {
		return common.Hash{}, nil
	}
	if amount == nil || amount.Sign() < 0 {
		return common.Hash{}, fmt.Errorf("approve amount required")
	}
	data := make([]byte, 0, 4+64)
	data = append(data, approveSelector...)
	data = append(data, padAddress(spender)...)
	data = append(data, padUint256(amount)...)

	txHash, err := m.wallet.SignAndSend(ctx, signer.TxRequest{
		From:     from,
		To:       token,
		Data:     data,
		Value:    big.NewInt(0),
		GasLimit: new(big.Int).Set(approveGasLimit),
		ChainID:  chainID,
	})
	if err != nil {
		return common.Hash{}, fmt.Errorf("approve: %w", err)
	}
	return txHash, nil
}

// padAddress encodes an address as a 32-byte big-endian word.
func padAddress(addr common.Address) []byte {
	return common.LeftPadBytes(addr.Bytes(), 32)
}

// padUint256 encodes a non-negative integer as a 32-byte big-endian word.
func padUint256(v *big.Int) []byte {
	return common.LeftPadBytes(v.Bytes(), 32)
}

// decodeReturnString decodes an ABI-encoded (offset, length, bytes) string
// from call return data. Offset and length words come from an untrusted
// contract; both are bounded by the payload before any index arithmetic.
func decodeReturnString(returned []byte) (string, error) {
	if len(returned) < 64 {
		return "", ErrShortReturnData
	}
	offset := new(big.Int).SetBytes(returned[:32])
	if !offset.IsUint64() || offset.Uint64() > uint64(len(returned)) {
		return "", ErrShortReturnData
	}
	start := offset.Uint64()
	if start+32 > uint64(len(returned)) {
		return "", ErrShortReturnData
	}
	length := new(big.Int).SetBytes(returned[start : start+32])
	if !length.IsUint64() || length.Uint64() > uint64(len(returned)) {
		return "", ErrShortReturnData
	}
	end := start + 32 + length.Uint64()
	if end > uint64(len(returned)) {
		return "", ErrShortReturnData
	}
	return string(returned[start+32 : end]), nil
}

// tokenName reads the on-chain name() of the token.
func tokenName(ctx context.Context, caller chain.ContractCaller, token, from common.Address, chainID uint64) (string, error) {
	returned, rpcErr, err := caller.CallContract(ctx, chainID, from, token, nameSelector, nil)
	if err != nil {
		return "", fmt.Errorf("name call: %w", err)
	}
	if rpcErr != nil {
		return "", fmt.Errorf("name call: %w", rpcErr)
	}
	name, err := decodeReturnString(returned)
	if err != nil {
		return "", fmt.Errorf("decode name: %w", err)
	}
	if strings.TrimSpace(name) == "" {
		return "", fmt.Errorf("token name empty")
	}
	return name, nil
}

// permitNonce reads the current nonces(owner) counter of the token.
func permitNonce(ctx context.Context, caller chain.ContractCaller, token, owner common.Address, chainID uint64) (*big.Int, error) {
	data := make([]byte, 0, 4+32)
	data = append(data, noncesSelector...)
	data = append(data, padAddress(owner)...)

	returned, rpcErr, err := caller.CallContract(ctx, chainID, owner, token, data, nil)
	if err != nil {
		return nil, fmt.Errorf("nonces call: %w", err)
	}
	if rpcErr != nil {
		return nil, fmt.Errorf("nonces call: %w", rpcErr)
	}
	if len(returned) < 32 {
		return nil, ErrShortReturnData
	}
	return new(big.Int).SetBytes(returned[:32]), nil
}
