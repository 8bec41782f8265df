package rpc

import (
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"

	insoTypes "github.com/insoblok/inso-simchain/pkg/types"
)

// JSONRPCRequest represents an incoming JSON-RPC 2.0 request.
type JSONRPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      interface{}     `json:"id"`
}

// JSONRPCResponse represents an outgoing JSON-RPC 2.0 response.
type JSONRPCResponse struct {
	JSONRPC string           `json:"jsonrpc"`
	Result  *json.RawMessage `json:"result,omitempty"`
	Error   *JSONRPCError    `json:"error,omitempty"`
	ID      interface{}      `json:"id"`
}

// JSONRPCError represents a JSON-RPC error object.
type JSONRPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// TxPoolStatus is the result of txpool_status.
type TxPoolStatus struct {
	Pending hexutil.Uint `json:"pending"`
	Queued  hexutil.Uint `json:"queued"`
}

// toFields re-encodes v as a JSON object so RPC-only fields can be added.
func toFields(v interface{}) (map[string]interface{}, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var fields map[string]interface{}
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, err
	}
	return fields, nil
}

// marshalTransaction renders tx the way eth_getTransactionByHash does. A nil
// blockHash means the transaction is still pending.
func marshalTransaction(tx *types.Transaction, from common.Address, blockHash *common.Hash, blockNumber uint64, index int) (map[string]interface{}, error) {
	fields, err := toFields(tx)
	if err != nil {
		return nil, fmt.Errorf("encode transaction: %w", err)
	}
	fields["from"] = from
	if blockHash == nil {
		fields["blockHash"] = nil
		fields["blockNumber"] = nil
		fields["transactionIndex"] = nil
		return fields, nil
	}
	fields["blockHash"] = *blockHash
	fields["blockNumber"] = hexutil.Uint64(blockNumber)
	fields["transactionIndex"] = hexutil.Uint64(index)
	return fields, nil
}

// marshalBlock renders a block the way eth_getBlockByNumber does.
func marshalBlock(block *insoTypes.Block, fullTx bool, signer types.Signer) (map[string]interface{}, error) {
	fields, err := toFields(block.Header)
	if err != nil {
		return nil, fmt.Errorf("encode header: %w", err)
	}
	serialized, err := block.Serialize()
	if err != nil {
		return nil, fmt.Errorf("encode block: %w", err)
	}
	fields["size"] = hexutil.Uint64(len(serialized))
	fields["uncles"] = []common.Hash{}
	if block.Header.WithdrawalsHash != nil {
		fields["withdrawals"] = []*types.Withdrawal{}
	}

	hash := block.Hash()
	txs := make([]interface{}, len(block.Transactions))
	for i, tx := range block.Transactions {
		if !fullTx {
			txs[i] = tx.Hash()
			continue
		}
		from, err := types.Sender(signer, tx)
		if err != nil {
			return nil, fmt.Errorf("recover sender of %s: %w", tx.Hash().Hex(), err)
		}
		rendered, err := marshalTransaction(tx, from, &hash, block.Number(), i)
		if err != nil {
			return nil, err
		}
		txs[i] = rendered
	}
	fields["transactions"] = txs
	return fields, nil
}

// marshalReceipt adds the sender and recipient to a stored receipt.
func marshalReceipt(receipt *types.Receipt, tx *types.Transaction, signer types.Signer) (map[string]interface{}, error) {
	fields, err := toFields(receipt)
	if err != nil {
		return nil, fmt.Errorf("encode receipt: %w", err)
	}
	from, err := types.Sender(signer, tx)
	if err != nil {
		return nil, fmt.Errorf("recover sender: %w", err)
	}
	fields["from"] = from
	fields["to"] = tx.To()
	if receipt.ContractAddress == (common.Address{}) {
		fields["contractAddress"] = nil
	}
	return fields, nil
}
