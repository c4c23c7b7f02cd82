package swap

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"
)

// Gas limits from the aggregator are multiplied by 1.5 before broadcast to
// absorb estimation variance between quote time and execution time.
const (
	gasBufferNum = 3
	gasBufferDen = 2
)

// BufferGas parses a gas value (decimal or 0x-hex) and returns
// floor(gas * 1.5) encoded as hex. Arbitrary-precision arithmetic keeps the
// result exact for any 256-bit input.
func BufferGas(gas string) (string, error) {
	parsed, err := parseQuantity(gas)
	if err != nil {
		return "", fmt.Errorf("parse gas %q: %w", gas, err)
	}
	if parsed.Sign() <= 0 {
		return "", fmt.Errorf("gas must be positive, got %q", gas)
	}
	buffered := new(big.Int).Mul(parsed, big.NewInt(gasBufferNum))
	buffered.Div(buffered, big.NewInt(gasBufferDen))
	return hexutil.EncodeBig(buffered), nil
}

// BufferGasInt is BufferGas returning the integer for transaction requests.
func BufferGasInt(gas string) (*big.Int, error) {
	parsed, err := parseQuantity(gas)
	if err != nil {
		return nil, fmt.Errorf("parse gas %q: %w", gas, err)
	}
	if parsed.Sign() <= 0 {
		return nil, fmt.Errorf("gas must be positive, got %q", gas)
	}
	buffered := new(big.Int).Mul(parsed, big.NewInt(gasBufferNum))
	return buffered.Div(buffered, big.NewInt(gasBufferDen)), nil
}

// parseQuantity accepts decimal strings and 0x-prefixed hex strings.
func parseQuantity(v string) (*big.Int, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil, fmt.Errorf("empty quantity")
	}
	if strings.HasPrefix(v, "0x") || strings.HasPrefix(v, "0X") {
		parsed, ok := new(big.Int).SetString(v[2:], 16)
		if !ok {
			return nil, fmt.Errorf("invalid hex quantity")
		}
		return parsed, nil
	}
	parsed, ok := new(big.Int).SetString(v, 10)
	if !ok {
		return nil, fmt.Errorf("invalid decimal quantity")
	}
	return parsed, nil
}
