package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/params"

	"github.com/insoblok/inso-simchain/internal/fees"
	"github.com/insoblok/inso-simchain/internal/mempool"
	"github.com/insoblok/inso-simchain/internal/metrics"
	"github.com/insoblok/inso-simchain/internal/miner"
	"github.com/insoblok/inso-simchain/internal/producer"
	"github.com/insoblok/inso-simchain/internal/state"
	insoTypes "github.com/insoblok/inso-simchain/pkg/types"
)

var errInvalidParams = errors.New("invalid params")

// defaultTip is added to the next base fee by eth_gasPrice.
var defaultTip = big.NewInt(params.GWei)

// Handler dispatches JSON-RPC methods to their implementations.
type Handler struct {
	state    *state.Manager
	pool     *mempool.Pool
	miner    *miner.Miner
	producer *producer.Producer
	signer   types.Signer
	metrics  *metrics.Metrics
	logger   log.Logger
}

// NewHandler creates a new JSON-RPC handler.
func NewHandler(sm *state.Manager, pool *mempool.Pool, m *miner.Miner, prod *producer.Producer) *Handler {
	return &Handler{
		state:    sm,
		pool:     pool,
		miner:    m,
		producer: prod,
		signer:   types.LatestSigner(sm.ChainConfig()),
		logger:   log.New("module", "rpc-handler"),
	}
}

// SetMetrics attaches the Prometheus metrics instance.
func (h *Handler) SetMetrics(m *metrics.Metrics) { h.metrics = m }

// Handle processes a single JSON-RPC request and returns a response.
func (h *Handler) Handle(ctx context.Context, req *JSONRPCRequest) *JSONRPCResponse {
	h.logger.Debug("RPC request", "method", req.Method, "id", req.ID)

	var result interface{}
	var err error

	switch req.Method {
	case "eth_chainId":
		result = (*hexutil.Big)(h.state.ChainID())
	case "net_version":
		result = h.state.ChainID().String()
	case "eth_blockNumber":
		result = hexutil.Uint64(h.state.CurrentBlock())
	case "eth_getBlockByNumber":
		result, err = h.getBlockByNumber(req.Params)
	case "eth_getBlockByHash":
		result, err = h.getBlockByHash(req.Params)
	case "eth_sendRawTransaction":
		result, err = h.sendRawTransaction(ctx, req.Params)
	case "eth_getTransactionReceipt":
		result, err = h.getTransactionReceipt(req.Params)
	case "eth_getTransactionByHash":
		result, err = h.getTransactionByHash(req.Params)
	case "eth_getBalance":
		result, err = h.getBalance(req.Params)
	case "eth_getTransactionCount":
		result, err = h.getTransactionCount(req.Params)
	case "eth_getCode":
		result, err = h.getCode(req.Params)
	case "eth_getStorageAt":
		result, err = h.getStorageAt(req.Params)
	case "eth_call":
		result, err = h.ethCall(req.Params)
	case "eth_getLogs":
		result, err = h.getLogs(req.Params)
	case "eth_gasPrice":
		result = (*hexutil.Big)(h.gasPrice())
	case "eth_maxBaseFeeOverBlocks":
		result, err = h.maxBaseFeeOverBlocks(req.Params)

	case "evm_mine":
		result, err = h.mine(ctx)
	case "miner_stop":
		result, err = true, h.miner.Pause(ctx)
	case "miner_start":
		h.miner.Resume()
		h.producer.Trigger()
		result = true

	case "txpool_status":
		pending, queued := h.pool.Len()
		result = &TxPoolStatus{Pending: hexutil.Uint(pending), Queued: hexutil.Uint(queued)}
	case "txpool_content":
		result, err = h.txpoolContent()
	case "txpool_clear":
		h.pool.Clear()
		result = true
	case "txpool_pause":
		// admissions block until txpool_resume or txpool_clear
		h.pool.Pause()
		result = true
	case "txpool_resume":
		h.pool.Resume()
		result = true
	case "simchain_status":
		result = h.status()

	default:
		h.count("unknown", false)
		return &JSONRPCResponse{
			JSONRPC: "2.0",
			ID:      req.ID,
			Error:   &JSONRPCError{Code: -32601, Message: fmt.Sprintf("method %s not found", req.Method)},
		}
	}

	h.count(req.Method, err != nil)
	if err != nil {
		code := -32000
		if errors.Is(err, errInvalidParams) {
			code = -32602
		}
		return &JSONRPCResponse{
			JSONRPC: "2.0",
			ID:      req.ID,
			Error:   &JSONRPCError{Code: code, Message: err.Error()},
		}
	}

	encoded, _ := json.Marshal(result)
	raw := json.RawMessage(encoded)
	return &JSONRPCResponse{
		JSONRPC: "2.0",
		ID:      req.ID,
		Result:  &raw,
	}
}

func (h *Handler) count(method string, failed bool) {
	if h.metrics == nil {
		return
	}
	h.metrics.RPCRequests.WithLabelValues(method).Inc()
	if failed {
		h.metrics.RPCErrors.Inc()
	}
}

// parseArgs decodes the positional params into dst. Trailing optional
// params may be omitted.
func parseArgs(params json.RawMessage, required int, dst ...interface{}) error {
	var args []json.RawMessage
	if err := json.Unmarshal(params, &args); err != nil {
		return fmt.Errorf("%w: %v", errInvalidParams, err)
	}
	if len(args) < required {
		return fmt.Errorf("%w: expected at least %d arguments, got %d", errInvalidParams, required, len(args))
	}
	for i := 0; i < len(dst) && i < len(args); i++ {
		if err := json.Unmarshal(args[i], dst[i]); err != nil {
			return fmt.Errorf("%w: argument %d: %v", errInvalidParams, i, err)
		}
	}
	return nil
}

// resolveBlockNumber maps a block tag or hex quantity to a number.
func (h *Handler) resolveBlockNumber(tag string) (uint64, error) {
	switch tag {
	case "", "latest", "pending", "safe", "finalized":
		return h.state.CurrentBlock(), nil
	case "earliest":
		return 0, nil
	}
	n, err := hexutil.DecodeUint64(tag)
	if err != nil {
		return 0, fmt.Errorf("%w: block number %q", errInvalidParams, tag)
	}
	return n, nil
}

// --- Transactions ---

func (h *Handler) sendRawTransaction(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var input hexutil.Bytes
	if err := parseArgs(params, 1, &input); err != nil {
		return nil, err
	}

	tx := new(types.Transaction)
	if err := tx.UnmarshalBinary(input); err != nil {
		return nil, fmt.Errorf("invalid transaction: %w", err)
	}
	if _, _, err := h.pool.PrepareTransaction(ctx, tx, nil); err != nil {
		return nil, err
	}
	return tx.Hash(), nil
}

func (h *Handler) getTransactionReceipt(params json.RawMessage) (interface{}, error) {
	var hash common.Hash
	if err := parseArgs(params, 1, &hash); err != nil {
		return nil, err
	}

	receipt := h.state.GetReceipt(hash)
	if receipt == nil {
		return nil, nil
	}
	tx, _, err := h.state.GetTransaction(hash)
	if err != nil {
		return nil, err
	}
	return marshalReceipt(receipt, tx, h.signer)
}

func (h *Handler) getTransactionByHash(params json.RawMessage) (interface{}, error) {
	var hash common.Hash
	if err := parseArgs(params, 1, &hash); err != nil {
		return nil, err
	}

	if tx, num, err := h.state.GetTransaction(hash); err == nil && tx != nil {
		block, err := h.state.GetBlock(num)
		if err != nil || block == nil {
			return nil, fmt.Errorf("block %d of transaction %s missing", num, hash.Hex())
		}
		for i, btx := range block.Transactions {
			if btx.Hash() == hash {
				from, err := types.Sender(h.signer, btx)
				if err != nil {
					return nil, err
				}
				blockHash := block.Hash()
				return marshalTransaction(btx, from, &blockHash, num, i)
			}
		}
	}
	if ptx := h.pool.Get(hash); ptx != nil {
		return marshalTransaction(ptx.Tx, ptx.From, nil, 0, 0)
	}
	return nil, nil
}

func (h *Handler) getTransactionCount(params json.RawMessage) (interface{}, error) {
	var (
		addr common.Address
		tag  string
	)
	if err := parseArgs(params, 1, &addr, &tag); err != nil {
		return nil, err
	}
	if tag == "pending" {
		return hexutil.Uint64(h.pool.PendingNonce(addr)), nil
	}
	return hexutil.Uint64(h.state.NonceAt(addr)), nil
}

// --- State ---

func (h *Handler) getBalance(params json.RawMessage) (interface{}, error) {
	var addr common.Address
	if err := parseArgs(params, 1, &addr); err != nil {
		return nil, err
	}
	balance, err := h.state.BalanceAt(addr)
	if err != nil {
		return nil, err
	}
	return (*hexutil.Big)(balance.ToBig()), nil
}

func (h *Handler) getCode(params json.RawMessage) (interface{}, error) {
	var addr common.Address
	if err := parseArgs(params, 1, &addr); err != nil {
		return nil, err
	}
	return hexutil.Bytes(h.state.GetCode(addr)), nil
}

func (h *Handler) getStorageAt(params json.RawMessage) (interface{}, error) {
	var (
		addr common.Address
		key  common.Hash
	)
	if err := parseArgs(params, 2, &addr, &key); err != nil {
		return nil, err
	}
	return h.state.GetStorageAt(addr, key), nil
}

// callArgs represents the arguments for eth_call.
type callArgs struct {
	From     *common.Address `json:"from"`
	To       *common.Address `json:"to"`
	Gas      *hexutil.Uint64 `json:"gas"`
	GasPrice *hexutil.Big    `json:"gasPrice"`
	Value    *hexutil.Big    `json:"value"`
	Data     *hexutil.Bytes  `json:"data"`
	Input    *hexutil.Bytes  `json:"input"`
}

// toMessage converts callArgs to a core.Message for EVM execution.
func (args *callArgs) toMessage() *core.Message {
	msg := &core.Message{
		To:       args.To,
		GasLimit: uint64(math.MaxUint64 / 2),
		GasPrice: new(big.Int),
		Value:    new(big.Int),
	}
	if args.From != nil {
		msg.From = *args.From
	}
	if args.Gas != nil {
		msg.GasLimit = uint64(*args.Gas)
	}
	if args.GasPrice != nil {
		msg.GasPrice = args.GasPrice.ToInt()
	}
	if args.Value != nil {
		msg.Value = args.Value.ToInt()
	}
	if args.Input != nil {
		msg.Data = *args.Input
	} else if args.Data != nil {
		msg.Data = *args.Data
	}
	return msg
}

func (h *Handler) ethCall(params json.RawMessage) (interface{}, error) {
	var ca callArgs
	if err := parseArgs(params, 1, &ca); err != nil {
		return nil, err
	}
	result, _, err := h.state.CallContract(ca.toMessage())
	if err != nil {
		return nil, fmt.Errorf("execution failed: %w", err)
	}
	return hexutil.Bytes(result), nil
}

// --- Blocks ---

func (h *Handler) getBlockByNumber(params json.RawMessage) (interface{}, error) {
	var (
		tag    string
		fullTx bool
	)
	if err := parseArgs(params, 1, &tag, &fullTx); err != nil {
		return nil, err
	}
	num, err := h.resolveBlockNumber(tag)
	if err != nil {
		return nil, err
	}
	if num > h.state.CurrentBlock() {
		return nil, nil
	}
	block, err := h.state.GetBlock(num)
	if err != nil || block == nil {
		return nil, err
	}
	return marshalBlock(block, fullTx, h.signer)
}

func (h *Handler) getBlockByHash(params json.RawMessage) (interface{}, error) {
	var (
		hash   common.Hash
		fullTx bool
	)
	if err := parseArgs(params, 1, &hash, &fullTx); err != nil {
		return nil, err
	}
	block, err := h.state.GetBlockByHash(hash)
	if err != nil || block == nil {
		return nil, err
	}
	return marshalBlock(block, fullTx, h.signer)
}

// logFilterArgs represents the arguments for eth_getLogs.
type logFilterArgs struct {
	FromBlock *string         `json:"fromBlock"`
	ToBlock   *string         `json:"toBlock"`
	Address   *common.Address `json:"address"`
	Topics    [][]common.Hash `json:"topics"`
}

// maxLogRange caps the number of blocks eth_getLogs scans.
const maxLogRange = 1000

func (h *Handler) getLogs(params json.RawMessage) (interface{}, error) {
	var filter logFilterArgs
	if err := parseArgs(params, 1, &filter); err != nil {
		return nil, err
	}

	head := h.state.CurrentBlock()
	from, to := uint64(0), head
	if filter.FromBlock != nil {
		n, err := h.resolveBlockNumber(*filter.FromBlock)
		if err != nil {
			return nil, err
		}
		from = n
	}
	if filter.ToBlock != nil {
		n, err := h.resolveBlockNumber(*filter.ToBlock)
		if err != nil {
			return nil, err
		}
		to = n
	}
	if to > head {
		to = head
	}
	if to >= from && to-from > maxLogRange {
		to = from + maxLogRange
	}

	logs := make([]*types.Log, 0)
	for num := from; num <= to; num++ {
		block, err := h.state.GetBlock(num)
		if err != nil || block == nil {
			continue
		}
		logs = append(logs, filterLogs(block, filter.Address, filter.Topics)...)
	}
	return logs, nil
}

// filterLogs returns the logs of block that match the filter.
func filterLogs(block *insoTypes.Block, addr *common.Address, topics [][]common.Hash) []*types.Log {
	var out []*types.Log
	for _, receipt := range block.Receipts {
		for _, l := range receipt.Logs {
			if matchLog(l, addr, topics) {
				out = append(out, l)
			}
		}
	}
	return out
}

// matchLog checks if a log matches the given filter criteria.
func matchLog(l *types.Log, addr *common.Address, topics [][]common.Hash) bool {
	if addr != nil && l.Address != *addr {
		return false
	}
	for i, topicFilter := range topics {
		if len(topicFilter) == 0 {
			continue // wildcard
		}
		if i >= len(l.Topics) {
			return false
		}
		matched := false
		for _, t := range topicFilter {
			if l.Topics[i] == t {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	return true
}

// --- Fees ---

// gasPrice suggests the next block's base fee plus a default tip, or the
// default tip alone on a pre-London chain.
func (h *Handler) gasPrice() *big.Int {
	baseFee := fees.NextBaseFee(h.state.CurrentHeader())
	if baseFee == nil {
		return new(big.Int).Set(defaultTip)
	}
	return baseFee.Add(baseFee, defaultTip)
}

func (h *Handler) maxBaseFeeOverBlocks(params json.RawMessage) (interface{}, error) {
	var n hexutil.Uint64
	if err := parseArgs(params, 1, &n); err != nil {
		return nil, err
	}
	fee := fees.MaxBaseFeeOverNBlocks(uint64(n), h.state.CurrentHeader())
	if fee == nil {
		return nil, errors.New("chain has no base fee")
	}
	return (*hexutil.Big)(fee), nil
}

// --- Simulator control ---

func (h *Handler) mine(ctx context.Context) (interface{}, error) {
	if _, err := h.producer.MineNow(ctx); err != nil {
		return nil, err
	}
	return "0x0", nil
}

func (h *Handler) status() *insoTypes.NodeStatus {
	pending, queued := h.pool.Len()
	return &insoTypes.NodeStatus{
		CurrentBlock: h.state.CurrentBlock(),
		Pending:      pending,
		Queued:       queued,
		MinerPaused:  h.miner.Paused(),
		Coinbase:     h.state.Coinbase(),
		BlockTime:    h.producer.BlockTime(),
		ChainID:      h.state.ChainID(),
	}
}

func (h *Handler) txpoolContent() (interface{}, error) {
	render := func(groups map[common.Address][]*insoTypes.Transaction) (map[string]map[string]interface{}, error) {
		out := make(map[string]map[string]interface{}, len(groups))
		for origin, txs := range groups {
			byNonce := make(map[string]interface{}, len(txs))
			for _, ptx := range txs {
				rendered, err := marshalTransaction(ptx.Tx, ptx.From, nil, 0, 0)
				if err != nil {
					return nil, err
				}
				byNonce[fmt.Sprintf("%d", ptx.Nonce())] = rendered
			}
			out[origin.Hex()] = byNonce
		}
		return out, nil
	}

	pending, err := render(h.pool.Pending())
	if err != nil {
		return nil, err
	}
	queued, err := render(h.pool.Queued())
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"pending": pending, "queued": queued}, nil
}
