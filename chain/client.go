// Package chain speaks JSON-RPC to the configured EVM endpoints.
package chain

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"swapflow/observability"
)

// ErrUnknownChain is returned when no RPC endpoint is configured for a chain.
var ErrUnknownChain = errors.New("chain: no rpc endpoint for chain")

// RPCError carries an application-level JSON-RPC error. Transport failures
// are reported separately as ordinary errors.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Error implements the error interface.
func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      int           `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int             `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *RPCError       `json:"error"`
}

// Client issues JSON-RPC calls against per-chain endpoints.
type Client struct {
	endpoints  map[uint64]string
	httpClient *http.Client
	metrics    *observability.RPCMetrics
}

// ClientOption customises the client instance.
type ClientOption func(*Client)

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// NewClient constructs a client over the provided chainID to RPC URL mapping.
func NewClient(endpoints map[uint64]string, opts ...ClientOption) *Client {
	c := &Client{
		endpoints:  make(map[uint64]string, len(endpoints)),
		httpClient: &http.Client{Timeout: 15 * time.Second},
		metrics:    observability.RPC(),
	}
	for id, url := range endpoints {
		c.endpoints[id] = url
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Call performs one JSON-RPC round trip. The returned RPCError is nil on
// success; a non-nil error indicates a transport failure.
func (c *Client) Call(ctx context.Context, chainID uint64, method string, params ...interface{}) (json.RawMessage, *RPCError, error) {
	url, ok := c.endpoints[chainID]
	if !ok {
		return nil, nil, fmt.Errorf("%w %d", ErrUnknownChain, chainID)
	}
	payload := rpcRequest{JSONRPC: "2.0", ID: 1, Method: method, Params: params}
	if payload.Params == nil {
		payload.Params = []interface{}{}
	}
	buf, err := json.Marshal(payload)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(buf))
	if err != nil {
		return nil, nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.metrics.Observe(method, "transport_error", time.Since(start))
		return nil, nil, fmt.Errorf("rpc request: %w", err)
	}
	defer resp.Body.Close()

	var rpcResp rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		c.metrics.Observe(method, "decode_error", time.Since(start))
		return nil, nil, fmt.Errorf("decode response: %w", err)
	}
	if resp.StatusCode >= 300 {
		c.metrics.Observe(method, "http_error", time.Since(start))
		return nil, nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	if rpcResp.Error != nil {
		c.metrics.Observe(method, "rpc_error", time.Since(start))
		return nil, rpcResp.Error, nil
	}
	c.metrics.Observe(method, "ok", time.Since(start))
	return rpcResp.Result, nil, nil
}

// CallContract issues a read-only eth_call at the latest block.
func (c *Client) CallContract(ctx context.Context, chainID uint64, from, to common.Address, data []byte, value *big.Int) ([]byte, *RPCError, error) {
	msg := map[string]interface{}{
		"from": from.Hex(),
		"to":   to.Hex(),
		"data": hexutil.Encode(data),
	}
	if value != nil && value.Sign() > 0 {
		msg["value"] = hexutil.EncodeBig(value)
	}
	result, rpcErr, err := c.Call(ctx, chainID, "eth_call", msg, "latest")
	if err != nil || rpcErr != nil {
		return nil, rpcErr, err
	}
	var encoded string
	if err := json.Unmarshal(result, &encoded); err != nil {
		return nil, nil, fmt.Errorf("decode call result: %w", err)
	}
	decoded, err := hexutil.Decode(encoded)
	if err != nil {
		return nil, nil, fmt.Errorf("parse call result: %w", err)
	}
	return decoded, nil, nil
}

// Receipt summarises a mined transaction's outcome.
type Receipt struct {
	TxHash      common.Hash
	Status      bool
	BlockNumber uint64
	GasUsed     uint64
}

type receiptEnvelope struct {
	TransactionHash common.Hash    `json:"transactionHash"`
	Status          hexutil.Uint64 `json:"status"`
	BlockNumber     hexutil.Uint64 `json:"blockNumber"`
	GasUsed         hexutil.Uint64 `json:"gasUsed"`
}

// TransactionReceipt fetches the receipt for txHash. A nil receipt with nil
// error means the transaction has not been mined yet.
func (c *Client) TransactionReceipt(ctx context.Context, chainID uint64, txHash common.Hash) (*Receipt, error) {
	result, rpcErr, err := c.Call(ctx, chainID, "eth_getTransactionReceipt", txHash.Hex())
	if err != nil {
		return nil, err
	}
	if rpcErr != nil {
		return nil, rpcErr
	}
	if len(result) == 0 || bytes.Equal(result, []byte("null")) {
		return nil, nil
	}
	var envelope receiptEnvelope
	if err := json.Unmarshal(result, &envelope); err != nil {
		return nil, fmt.Errorf("decode receipt: %w", err)
	}
	return &Receipt{
		TxHash:      envelope.TransactionHash,
		Status:      envelope.Status == 1,
		BlockNumber: uint64(envelope.BlockNumber),
		GasUsed:     uint64(envelope.GasUsed),
	}, nil
}
