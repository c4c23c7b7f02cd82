package chain

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

const (
	// errorSelector is the 4-byte selector of Error(string).
	errorSelector = "0x08c379a0"
	// panicSelector is the 4-byte selector of Panic(uint256).
	panicSelector = "0x4e487b71"
)

// panicReasons maps Solidity panic codes onto human-readable messages.
var panicReasons = map[uint64]string{
	0x00: "Panic: generic compiler panic",
	0x01: "Panic: assertion failed",
	0x11: "Panic: arithmetic overflow or underflow",
	0x12: "Panic: division or modulo by zero",
	0x21: "Panic: invalid enum value",
	0x22: "Panic: storage byte array incorrectly encoded",
	0x31: "Panic: pop on empty array",
	0x32: "Panic: array index out of bounds",
	0x41: "Panic: memory allocation overflow",
	0x51: "Panic: call to uninitialised internal function",
}

// SimulationResult reports the outcome of a dry-run call. It is never
// persisted.
type SimulationResult struct {
	Success      bool
	RevertReason string
	ReturnData   string
}

// ContractCaller is the read-only surface the simulator needs.
type ContractCaller interface {
	CallContract(ctx context.Context, chainID uint64, from, to common.Address, data []byte, value *big.Int) ([]byte, *RPCError, error)
}

// Simulator dry-runs calls and decodes revert reasons before any gas is
// spent on-chain.
type Simulator struct {
	caller ContractCaller
}

// NewSimulator constructs a simulator over the provided caller.
func NewSimulator(caller ContractCaller) *Simulator {
	return &Simulator{caller: caller}
}

// Simulate issues an eth_call at the latest block. Transport failures are
// folded into the result; this boundary never panics or propagates raw RPC
// payloads.
func (s *Simulator) Simulate(ctx context.Context, from, to common.Address, data []byte, value *big.Int, chainID uint64) SimulationResult {
	if s == nil || s.caller == nil {
		return SimulationResult{Success: false, RevertReason: "simulator not configured"}
	}
	returned, rpcErr, err := s.caller.CallContract(ctx, chainID, from, to, data, value)
	if err != nil {
		return SimulationResult{Success: false, RevertReason: fmt.Sprintf("network error: %v", err)}
	}
	if rpcErr != nil {
		return SimulationResult{Success: false, RevertReason: decodeRPCRevert(rpcErr)}
	}
	return SimulationResult{Success: true, ReturnData: hexutil.Encode(returned)}
}

// decodeRPCRevert extracts revert data from a JSON-RPC error and decodes it.
func decodeRPCRevert(rpcErr *RPCError) string {
	if rpcErr == nil {
		return "unknown revert"
	}
	if payload := revertPayload(rpcErr.Data); payload != "" {
		return DecodeRevert(payload)
	}
	// Some nodes embed the revert data inside the message text.
	if idx := strings.Index(rpcErr.Message, "0x"); idx >= 0 {
		candidate := rpcErr.Message[idx:]
		if end := strings.IndexAny(candidate, " \t\"'"); end > 0 {
			candidate = candidate[:end]
		}
		if len(candidate) >= 10 {
			return DecodeRevert(candidate)
		}
	}
	return rpcErr.Message
}

// revertPayload digs the hex revert blob out of the error data field, which
// nodes encode either as a bare string or a nested object.
func revertPayload(data json.RawMessage) string {
	if len(data) == 0 {
		return ""
	}
	var direct string
	if err := json.Unmarshal(data, &direct); err == nil && strings.HasPrefix(direct, "0x") {
		return direct
	}
	var nested struct {
		Data string `json:"data"`
	}
	if err := json.Unmarshal(data, &nested); err == nil && strings.HasPrefix(nested.Data, "0x") {
		return nested.Data
	}
	return ""
}

// DecodeRevert turns ABI-encoded revert data into a human-readable reason.
func DecodeRevert(data string) string {
	data = strings.TrimSpace(data)
	if !strings.HasPrefix(data, "0x") || len(data) < 10 {
		return "execution reverted"
	}
	selector := strings.ToLower(data[:10])
	body := data[10:]
	switch selector {
	case errorSelector:
		if msg, ok := decodeErrorString(body); ok {
			return msg
		}
		return "execution reverted"
	case panicSelector:
		code, ok := decodeUint256(body)
		if !ok {
			return "execution reverted"
		}
		if reason, known := panicReasons[code]; known {
			return reason
		}
		return fmt.Sprintf("Panic: code 0x%x", code)
	default:
		// Many custom errors still wrap an Error(string)-shaped payload.
		if msg, ok := decodeErrorString(body); ok {
			return msg
		}
		return fmt.Sprintf("Custom error: %s", selector)
	}
}

// decodeErrorString decodes (offset, length, utf8 bytes) from hex words.
// Offset and length words come from untrusted revert data; both are bounded
// by the payload before any index arithmetic.
func decodeErrorString(body string) (string, bool) {
	if len(body) < 128 {
		return "", false
	}
	offset, ok := new(big.Int).SetString(body[:64], 16)
	if !ok || !offset.IsUint64() || offset.Uint64() > uint64(len(body))/2 {
		return "", false
	}
	// The length word sits at the byte offset; hex doubles it.
	lenStart := offset.Uint64() * 2
	if lenStart+64 > uint64(len(body)) {
		return "", false
	}
	length, ok := new(big.Int).SetString(body[lenStart:lenStart+64], 16)
	if !ok || !length.IsUint64() || length.Uint64() > uint64(len(body))/2 {
		return "", false
	}
	strStart := lenStart + 64
	strEnd := strStart + length.Uint64()*2
	if strEnd > uint64(len(body)) {
		return "", false
	}
	raw, err := hexutil.Decode("0x" + body[strStart:strEnd])
	if err != nil {
		return "", false
	}
	return string(raw), true
}

func decodeUint256(body string) (uint64, bool) {
	if len(body) < 64 {
		return 0, false
	}
	value, ok := new(big.Int).SetString(body[:64], 16)
	if !ok || !value.IsUint64() {
		return 0, false
	}
	return value.Uint64(), true
}
