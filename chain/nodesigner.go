package chain

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"swapflow/signer"
)

// NodeSigner fulfils the wallet capability through accounts managed by the
// RPC node itself (eth_sendTransaction and eth_signTypedData_v4). Suited to
// local development nodes and externally secured signing proxies; the daemon
// never sees a private key either way.
type NodeSigner struct {
	client *Client
}

// NewNodeSigner constructs a node-backed signer.
func NewNodeSigner(client *Client) *NodeSigner {
	return &NodeSigner{client: client}
}

// SignAndSend submits the transaction through the node's account.
func (s *NodeSigner) SignAndSend(ctx context.Context, req signer.TxRequest) (common.Hash, error) {
	tx := map[string]interface{}{
		"from": req.From.Hex(),
		"to":   req.To.Hex(),
		"data": hexutil.Encode(req.Data),
	}
	if req.Value != nil && req.Value.Sign() > 0 {
		tx["value"] = hexutil.EncodeBig(req.Value)
	}
	if req.GasLimit != nil && req.GasLimit.Sign() > 0 {
		tx["gas"] = hexutil.EncodeBig(req.GasLimit)
	}
	result, rpcErr, err := s.client.Call(ctx, req.ChainID, "eth_sendTransaction", tx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("send transaction: %w", err)
	}
	if rpcErr != nil {
		return common.Hash{}, fmt.Errorf("send transaction: %w", rpcErr)
	}
	var hash string
	if err := json.Unmarshal(result, &hash); err != nil {
		return common.Hash{}, fmt.Errorf("decode transaction hash: %w", err)
	}
	return common.HexToHash(hash), nil
}

// SignTypedData signs an EIP-712 document with the node-managed account.
func (s *NodeSigner) SignTypedData(ctx context.Context, owner common.Address, typedDataJSON []byte) (string, error) {
	result, rpcErr, err := s.client.Call(ctx, chainIDFromTypedData(typedDataJSON), "eth_signTypedData_v4", owner.Hex(), string(typedDataJSON))
	if err != nil {
		return "", fmt.Errorf("sign typed data: %w", err)
	}
	if rpcErr != nil {
		return "", fmt.Errorf("sign typed data: %w", rpcErr)
	}
	var sig string
	if err := json.Unmarshal(result, &sig); err != nil {
		return "", fmt.Errorf("decode signature: %w", err)
	}
	return sig, nil
}

// chainIDFromTypedData reads the domain chain id out of the document so the
// signing request lands on the right endpoint.
func chainIDFromTypedData(typedDataJSON []byte) uint64 {
	var doc struct {
		Domain struct {
			ChainID uint64 `json:"chainId"`
		} `json:"domain"`
	}
	if err := json.Unmarshal(typedDataJSON, &doc); err != nil {
		return 0
	}
	return doc.Domain.ChainID
}

var _ signer.Signer = (*NodeSigner)(nil)
