package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/params"

	"github.com/insoblok/inso-simchain/internal/config"
	"github.com/insoblok/inso-simchain/internal/execution"
	"github.com/insoblok/inso-simchain/internal/fees"
	"github.com/insoblok/inso-simchain/internal/genesis"
	"github.com/insoblok/inso-simchain/internal/mempool"
	"github.com/insoblok/inso-simchain/internal/metrics"
	"github.com/insoblok/inso-simchain/internal/miner"
	"github.com/insoblok/inso-simchain/internal/producer"
	"github.com/insoblok/inso-simchain/internal/state"
)

const testKey = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

var testRecipient = common.HexToAddress("0x000000000000000000000000000000000000beef")

// newTestHandler wires a handler to an in-memory chain whose producer is
// never started; blocks are only mined through evm_mine.
func newTestHandler(t *testing.T) *Handler {
	t.Helper()

	cfg := config.DefaultConfig()
	store, err := execution.NewStateStore("")
	if err != nil {
		t.Fatalf("NewStateStore: %v", err)
	}
	gen := genesis.DefaultGenesis(cfg.Chain.ChainID)
	sm, err := state.NewManager(cfg, store, gen.ChainConfig(cfg.Chain.ChainID), gen)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	pool := mempool.New(cfg.TxPool, cfg.Miner.BlockGasLimit, sm.ChainConfig(), sm)
	m := miner.New(cfg.Miner, sm, pool)
	t.Cleanup(func() {
		m.Close()
		sm.Close()
	})

	h := NewHandler(sm, pool, m, producer.New(cfg.Miner, pool, m))
	h.SetMetrics(metrics.New())
	return h
}

func call(t *testing.T, h *Handler, method string, params ...interface{}) *JSONRPCResponse {
	t.Helper()
	if params == nil {
		params = []interface{}{}
	}
	raw, err := json.Marshal(params)
	if err != nil {
		t.Fatalf("marshal params: %v", err)
	}
	return h.Handle(context.Background(), &JSONRPCRequest{
		JSONRPC: "2.0",
		Method:  method,
		Params:  raw,
		ID:      json.RawMessage(`1`),
	})
}

// mustCall invokes method and decodes its result into out.
func mustCall(t *testing.T, h *Handler, out interface{}, method string, params ...interface{}) {
	t.Helper()
	resp := call(t, h, method, params...)
	if resp.Error != nil {
		t.Fatalf("%s: unexpected error: %s", method, resp.Error.Message)
	}
	if resp.Result == nil {
		t.Fatalf("%s: expected result", method)
	}
	if out != nil {
		if err := json.Unmarshal(*resp.Result, out); err != nil {
			t.Fatalf("%s: decode result: %v", method, err)
		}
	}
}

func signedTransfer(t *testing.T, h *Handler, nonce uint64) *types.Transaction {
	t.Helper()
	key, err := crypto.HexToECDSA(testKey)
	if err != nil {
		t.Fatalf("HexToECDSA: %v", err)
	}
	tx, err := types.SignNewTx(key, h.signer, &types.DynamicFeeTx{
		ChainID:   h.state.ChainID(),
		Nonce:     nonce,
		To:        &testRecipient,
		Value:     big.NewInt(1000),
		Gas:       21000,
		GasTipCap: big.NewInt(params.GWei),
		GasFeeCap: big.NewInt(100 * params.GWei),
	})
	if err != nil {
		t.Fatalf("SignNewTx: %v", err)
	}
	return tx
}

func testSender(t *testing.T) common.Address {
	t.Helper()
	key, err := crypto.HexToECDSA(testKey)
	if err != nil {
		t.Fatalf("HexToECDSA: %v", err)
	}
	return crypto.PubkeyToAddress(key.PublicKey)
}

func sendRaw(t *testing.T, h *Handler, tx *types.Transaction) common.Hash {
	t.Helper()
	raw, err := tx.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary: %v", err)
	}
	var hash common.Hash
	mustCall(t, h, &hash, "eth_sendRawTransaction", hexutil.Bytes(raw))
	return hash
}

func TestHandleUnknownMethod(t *testing.T) {
	h := newTestHandler(t)
	resp := call(t, h, "nonexistent_method")
	if resp.Error == nil {
		t.Fatal("expected error for unknown method")
	}
	if resp.Error.Code != -32601 {
		t.Errorf("expected error code -32601, got %d", resp.Error.Code)
	}
}

func TestHandleInvalidParams(t *testing.T) {
	h := newTestHandler(t)
	resp := call(t, h, "eth_getBalance")
	if resp.Error == nil || resp.Error.Code != -32602 {
		t.Fatalf("expected invalid params error, got %+v", resp.Error)
	}
	resp = call(t, h, "eth_getBlockByNumber", "not-a-number")
	if resp.Error == nil || resp.Error.Code != -32602 {
		t.Fatalf("expected invalid params error, got %+v", resp.Error)
	}
}

func TestHandleEthChainId(t *testing.T) {
	h := newTestHandler(t)
	var id hexutil.Big
	mustCall(t, h, &id, "eth_chainId")
	if id.ToInt().Uint64() != 1337 {
		t.Errorf("expected chain id 1337, got %s", id.ToInt())
	}
	var version string
	mustCall(t, h, &version, "net_version")
	if version != "1337" {
		t.Errorf("expected net_version 1337, got %s", version)
	}
}

func TestHandleEthGasPrice(t *testing.T) {
	h := newTestHandler(t)
	var price hexutil.Big
	mustCall(t, h, &price, "eth_gasPrice")

	want := fees.NextBaseFee(h.state.CurrentHeader())
	want.Add(want, big.NewInt(params.GWei))
	if price.ToInt().Cmp(want) != 0 {
		t.Errorf("expected gas price %s, got %s", want, price.ToInt())
	}
}

func TestHandleMaxBaseFeeOverBlocks(t *testing.T) {
	h := newTestHandler(t)
	var fee hexutil.Big
	mustCall(t, h, &fee, "eth_maxBaseFeeOverBlocks", hexutil.Uint64(3))

	want := fees.MaxBaseFeeOverNBlocks(3, h.state.CurrentHeader())
	if fee.ToInt().Cmp(want) != 0 {
		t.Errorf("expected %s, got %s", want, fee.ToInt())
	}
	next := fees.NextBaseFee(h.state.CurrentHeader())
	if fee.ToInt().Cmp(next) <= 0 {
		t.Errorf("three full blocks must raise the fee above %s", next)
	}
}

func TestSendAndMine(t *testing.T) {
	h := newTestHandler(t)
	tx := signedTransfer(t, h, 0)
	hash := sendRaw(t, h, tx)
	if hash != tx.Hash() {
		t.Fatalf("expected hash %s, got %s", tx.Hash().Hex(), hash.Hex())
	}

	var status TxPoolStatus
	mustCall(t, h, &status, "txpool_status")
	if status.Pending != 1 || status.Queued != 0 {
		t.Fatalf("expected 1 pending 0 queued, got %+v", status)
	}

	var pending map[string]interface{}
	mustCall(t, h, &pending, "eth_getTransactionByHash", hash)
	if pending["blockHash"] != nil {
		t.Errorf("pending transaction should have no block hash, got %v", pending["blockHash"])
	}

	var nonce hexutil.Uint64
	mustCall(t, h, &nonce, "eth_getTransactionCount", testSender(t), "pending")
	if nonce != 1 {
		t.Errorf("expected pending nonce 1, got %d", nonce)
	}

	mustCall(t, h, nil, "evm_mine")

	var number hexutil.Uint64
	mustCall(t, h, &number, "eth_blockNumber")
	if number != 1 {
		t.Fatalf("expected block 1, got %d", number)
	}

	var receipt map[string]interface{}
	mustCall(t, h, &receipt, "eth_getTransactionReceipt", hash)
	if receipt["status"] != "0x1" {
		t.Errorf("expected status 0x1, got %v", receipt["status"])
	}
	if receipt["blockNumber"] != "0x1" {
		t.Errorf("expected blockNumber 0x1, got %v", receipt["blockNumber"])
	}
	if receipt["contractAddress"] != nil {
		t.Errorf("expected nil contractAddress, got %v", receipt["contractAddress"])
	}
	if !strings.EqualFold(receipt["to"].(string), testRecipient.Hex()) {
		t.Errorf("expected to %s, got %v", testRecipient.Hex(), receipt["to"])
	}

	var mined map[string]interface{}
	mustCall(t, h, &mined, "eth_getTransactionByHash", hash)
	if mined["blockNumber"] != "0x1" {
		t.Errorf("expected mined transaction in block 0x1, got %v", mined["blockNumber"])
	}

	mustCall(t, h, &nonce, "eth_getTransactionCount", testSender(t), "latest")
	if nonce != 1 {
		t.Errorf("expected nonce 1, got %d", nonce)
	}

	var balance hexutil.Big
	mustCall(t, h, &balance, "eth_getBalance", testRecipient, "latest")
	if balance.ToInt().Int64() != 1000 {
		t.Errorf("expected recipient balance 1000, got %s", balance.ToInt())
	}

	mustCall(t, h, &status, "txpool_status")
	if status.Pending != 0 {
		t.Errorf("expected empty pool after mining, got %+v", status)
	}
}

func TestSendRawTransactionRejected(t *testing.T) {
	h := newTestHandler(t)
	resp := call(t, h, "eth_sendRawTransaction", hexutil.Bytes{0x01, 0x02})
	if resp.Error == nil || resp.Error.Code != -32000 {
		t.Fatalf("expected decode failure, got %+v", resp.Error)
	}

	tx := signedTransfer(t, h, 0)
	sendRaw(t, h, tx)
	raw, _ := tx.MarshalBinary()
	resp = call(t, h, "eth_sendRawTransaction", hexutil.Bytes(raw))
	if resp.Error == nil || !strings.Contains(resp.Error.Message, "already known") {
		t.Fatalf("expected already known error, got %+v", resp.Error)
	}
}

func TestGetBlockByNumber(t *testing.T) {
	h := newTestHandler(t)
	tx := signedTransfer(t, h, 0)
	sendRaw(t, h, tx)
	mustCall(t, h, nil, "evm_mine")

	var block map[string]interface{}
	mustCall(t, h, &block, "eth_getBlockByNumber", "latest", true)
	if block["number"] != "0x1" {
		t.Fatalf("expected block 0x1, got %v", block["number"])
	}
	txs := block["transactions"].([]interface{})
	if len(txs) != 1 {
		t.Fatalf("expected 1 transaction, got %d", len(txs))
	}
	full := txs[0].(map[string]interface{})
	if full["hash"] != tx.Hash().Hex() {
		t.Errorf("expected hash %s, got %v", tx.Hash().Hex(), full["hash"])
	}
	if full["blockHash"] != block["hash"] {
		t.Errorf("transaction block hash %v differs from block hash %v", full["blockHash"], block["hash"])
	}
	if block["baseFeePerGas"] == nil {
		t.Error("expected baseFeePerGas on a London block")
	}

	var byHash map[string]interface{}
	mustCall(t, h, &byHash, "eth_getBlockByHash", block["hash"], false)
	if hashes := byHash["transactions"].([]interface{}); hashes[0] != tx.Hash().Hex() {
		t.Errorf("expected transaction hash list, got %v", hashes)
	}

	var genesisBlock map[string]interface{}
	mustCall(t, h, &genesisBlock, "eth_getBlockByNumber", "earliest", false)
	if genesisBlock["number"] != "0x0" {
		t.Errorf("expected genesis, got %v", genesisBlock["number"])
	}

	resp := call(t, h, "eth_getBlockByNumber", "0x10", false)
	if resp.Error != nil || string(*resp.Result) != "null" {
		t.Errorf("expected null for a future block, got %+v", resp)
	}
}

func TestMinerStopStart(t *testing.T) {
	h := newTestHandler(t)
	mustCall(t, h, nil, "miner_stop")
	if !h.miner.Paused() {
		t.Fatal("expected miner paused")
	}

	var status map[string]interface{}
	mustCall(t, h, &status, "simchain_status")
	if status["minerPaused"] != true {
		t.Errorf("expected minerPaused in status, got %v", status["minerPaused"])
	}

	mustCall(t, h, nil, "miner_start")
	if h.miner.Paused() {
		t.Fatal("expected miner running")
	}
}

func TestTxPoolContent(t *testing.T) {
	h := newTestHandler(t)
	sendRaw(t, h, signedTransfer(t, h, 0))
	sendRaw(t, h, signedTransfer(t, h, 2))

	var content map[string]map[string]map[string]interface{}
	mustCall(t, h, &content, "txpool_content")
	sender := testSender(t).Hex()
	if _, ok := content["pending"][sender]["0"]; !ok {
		t.Errorf("expected nonce 0 pending, got %v", content["pending"])
	}
	if _, ok := content["queued"][sender]["2"]; !ok {
		t.Errorf("expected nonce 2 queued, got %v", content["queued"])
	}
}

func TestTxPoolClear(t *testing.T) {
	h := newTestHandler(t)
	sendRaw(t, h, signedTransfer(t, h, 0))
	sendRaw(t, h, signedTransfer(t, h, 2))

	var cleared bool
	mustCall(t, h, &cleared, "txpool_clear")
	if !cleared {
		t.Fatal("expected txpool_clear to return true")
	}

	var status TxPoolStatus
	mustCall(t, h, &status, "txpool_status")
	if status.Pending != 0 || status.Queued != 0 {
		t.Errorf("expected empty pool, got pending=%d queued=%d", status.Pending, status.Queued)
	}

	// the cleared nonce is free again
	sendRaw(t, h, signedTransfer(t, h, 0))
	mustCall(t, h, &status, "txpool_status")
	if status.Pending != 1 {
		t.Errorf("expected 1 pending after resubmit, got %d", status.Pending)
	}
}

func TestTxPoolPauseResume(t *testing.T) {
	h := newTestHandler(t)
	mustCall(t, h, nil, "txpool_pause")

	tx := signedTransfer(t, h, 0)
	raw, err := tx.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary: %v", err)
	}
	done := make(chan *JSONRPCResponse, 1)
	go func() {
		done <- call(t, h, "eth_sendRawTransaction", hexutil.Bytes(raw))
	}()

	select {
	case resp := <-done:
		t.Fatalf("admission completed while paused: %+v", resp)
	case <-time.After(100 * time.Millisecond):
	}

	mustCall(t, h, nil, "txpool_resume")
	select {
	case resp := <-done:
		if resp.Error != nil {
			t.Fatalf("eth_sendRawTransaction: %s", resp.Error.Message)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("admission still blocked after txpool_resume")
	}

	var status TxPoolStatus
	mustCall(t, h, &status, "txpool_status")
	if status.Pending != 1 {
		t.Errorf("expected 1 pending, got %d", status.Pending)
	}
}

func TestEthCallAndLogs(t *testing.T) {
	h := newTestHandler(t)

	// Runtime code: LOG1 with topic 0x2a, then return 32 bytes of 0x01.
	runtime := common.FromHex("602a60006000a1600160005260206000f3")
	initcode := append(common.FromHex(fmt.Sprintf("60%02x600c60003960%02x6000f3", len(runtime), len(runtime))), runtime...)

	key, _ := crypto.HexToECDSA(testKey)
	deploy, err := types.SignNewTx(key, h.signer, &types.DynamicFeeTx{
		ChainID:   h.state.ChainID(),
		Gas:       200000,
		GasTipCap: big.NewInt(params.GWei),
		GasFeeCap: big.NewInt(100 * params.GWei),
		Data:      initcode,
	})
	if err != nil {
		t.Fatalf("SignNewTx: %v", err)
	}
	sendRaw(t, h, deploy)
	mustCall(t, h, nil, "evm_mine")

	contract := crypto.CreateAddress(testSender(t), 0)
	var code hexutil.Bytes
	mustCall(t, h, &code, "eth_getCode", contract, "latest")
	if !bytes.Equal(code, runtime) {
		t.Fatalf("expected runtime code %x, got %x", runtime, code)
	}

	var out hexutil.Bytes
	mustCall(t, h, &out, "eth_call", map[string]interface{}{"to": contract}, "latest")
	if len(out) != 32 || out[31] != 1 {
		t.Fatalf("unexpected call output %x", out)
	}

	invoke, err := types.SignNewTx(key, h.signer, &types.DynamicFeeTx{
		ChainID:   h.state.ChainID(),
		Nonce:     1,
		To:        &contract,
		Gas:       100000,
		GasTipCap: big.NewInt(params.GWei),
		GasFeeCap: big.NewInt(100 * params.GWei),
	})
	if err != nil {
		t.Fatalf("SignNewTx: %v", err)
	}
	sendRaw(t, h, invoke)
	mustCall(t, h, nil, "evm_mine")

	var logs []*types.Log
	mustCall(t, h, &logs, "eth_getLogs", map[string]interface{}{
		"fromBlock": "0x0",
		"address":   contract,
		"topics":    [][]common.Hash{{common.BigToHash(big.NewInt(42))}},
	})
	if len(logs) != 1 {
		t.Fatalf("expected 1 log, got %d", len(logs))
	}
	if logs[0].TxHash != invoke.Hash() || logs[0].BlockNumber != 2 {
		t.Errorf("unexpected log position %+v", logs[0])
	}

	mustCall(t, h, &logs, "eth_getLogs", map[string]interface{}{
		"topics": [][]common.Hash{{common.BigToHash(big.NewInt(7))}},
	})
	if len(logs) != 0 {
		t.Errorf("expected no logs for an unknown topic, got %d", len(logs))
	}
}

func TestMatchLog(t *testing.T) {
	addr := common.HexToAddress("0x01")
	topic := common.HexToHash("0xaa")
	l := &types.Log{Address: addr, Topics: []common.Hash{topic}}

	other := common.HexToAddress("0x02")
	tests := []struct {
		name   string
		addr   *common.Address
		topics [][]common.Hash
		want   bool
	}{
		{"no filter", nil, nil, true},
		{"address match", &addr, nil, true},
		{"address mismatch", &other, nil, false},
		{"topic wildcard", nil, [][]common.Hash{{}}, true},
		{"topic match", nil, [][]common.Hash{{common.HexToHash("0xbb"), topic}}, true},
		{"topic mismatch", nil, [][]common.Hash{{common.HexToHash("0xbb")}}, false},
		{"too many topics", nil, [][]common.Hash{{topic}, {topic}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := matchLog(l, tt.addr, tt.topics); got != tt.want {
				t.Errorf("matchLog = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestServerHTTP(t *testing.T) {
	h := newTestHandler(t)
	s := NewServer(config.DefaultConfig().RPC, h)

	body := `{"jsonrpc":"2.0","method":"eth_blockNumber","params":[],"id":7}`
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	rec := httptest.NewRecorder()
	s.handleHTTP(rec, req)

	var resp struct {
		ID     int    `json:"id"`
		Result string `json:"result"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.ID != 7 || resp.Result != "0x0" {
		t.Errorf("unexpected response %+v", resp)
	}

	rec = httptest.NewRecorder()
	s.handleHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected 405 for GET, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	s.handleHealth(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if !strings.Contains(rec.Body.String(), "inso-simchain") {
		t.Errorf("unexpected health body %s", rec.Body.String())
	}
}

func TestServerHTTPBatch(t *testing.T) {
	h := newTestHandler(t)
	s := NewServer(config.DefaultConfig().RPC, h)

	body := `[{"jsonrpc":"2.0","method":"eth_chainId","id":1},{"jsonrpc":"2.0","method":"nope","id":2}]`
	rec := httptest.NewRecorder()
	s.handleHTTP(rec, httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body)))

	var resps []JSONRPCResponse
	if err := json.NewDecoder(rec.Body).Decode(&resps); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resps) != 2 {
		t.Fatalf("expected 2 responses, got %d", len(resps))
	}
	if resps[0].Error != nil || string(*resps[0].Result) != `"0x539"` {
		t.Errorf("unexpected chainId response %+v", resps[0])
	}
	if resps[1].Error == nil || resps[1].Error.Code != -32601 {
		t.Errorf("expected method not found, got %+v", resps[1].Error)
	}

	rec = httptest.NewRecorder()
	s.handleHTTP(rec, httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`[]`)))
	if !strings.Contains(rec.Body.String(), "-32600") {
		t.Errorf("expected invalid request for empty batch, got %s", rec.Body.String())
	}
}
