package state

import (
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/trie"

	"github.com/insoblok/inso-simchain/internal/config"
	"github.com/insoblok/inso-simchain/internal/execution"
	"github.com/insoblok/inso-simchain/internal/fees"
	"github.com/insoblok/inso-simchain/internal/genesis"
	"github.com/insoblok/inso-simchain/internal/miner"
	insoTypes "github.com/insoblok/inso-simchain/pkg/types"
)

// first well-known development account, funded by the default genesis
const deployerKey = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

var deployer = common.HexToAddress("0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266")

func openManager(t *testing.T, dataDir string) *Manager {
	t.Helper()

	store, err := execution.NewStateStore(dataDir)
	if err != nil {
		t.Fatalf("create state store: %v", err)
	}
	cfg := config.DefaultConfig()
	gen := genesis.DefaultGenesis(cfg.Chain.ChainID)

	m, err := NewManager(cfg, store, gen.ChainConfig(cfg.Chain.ChainID), gen)
	if err != nil {
		t.Fatalf("create manager: %v", err)
	}
	return m
}

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m := openManager(t, "")
	t.Cleanup(func() { m.Close() })
	return m
}

// mineBlock executes txs on top of the head and finalizes the block.
func mineBlock(t *testing.T, m *Manager, txs ...*insoTypes.Transaction) *insoTypes.BlockResult {
	t.Helper()

	parent := m.CurrentHeader()
	header := m.NextHeader(parent)
	exec, err := m.NewExecutor(parent, header)
	if err != nil {
		t.Fatalf("open executor: %v", err)
	}

	var (
		receipts []*types.Receipt
		raw      types.Transactions
		gasUsed  uint64
		bloom    types.Bloom
	)
	for i, tx := range txs {
		exec.Checkpoint()
		res, err := exec.Execute(tx, i, gasUsed)
		if err != nil {
			t.Fatalf("execute tx %d: %v", i, err)
		}
		if err := exec.Commit(); err != nil {
			t.Fatalf("commit tx %d: %v", i, err)
		}
		gasUsed += res.UsedGas
		receipts = append(receipts, res.Receipt)
		raw = append(raw, tx.Tx)
		for j := range bloom {
			bloom[j] |= res.Receipt.Bloom[j]
		}
	}
	root, err := exec.CommitState(header.Number.Uint64())
	if err != nil {
		t.Fatalf("commit state: %v", err)
	}

	res, err := m.Finalize(&miner.FinalizeArgs{
		Header:       header,
		TxRoot:       types.DeriveSha(raw, trie.NewStackTrie(nil)),
		ReceiptRoot:  types.DeriveSha(types.Receipts(receipts), trie.NewStackTrie(nil)),
		StateRoot:    root,
		Bloom:        bloom,
		GasUsed:      gasUsed,
		Transactions: txs,
		Receipts:     receipts,
		StorageKeys:  exec.StorageKeys(),
	})
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	return res
}

func signedTransfer(t *testing.T, m *Manager, nonce uint64, to common.Address, value *big.Int) *insoTypes.Transaction {
	t.Helper()

	key, err := crypto.HexToECDSA(deployerKey)
	if err != nil {
		t.Fatalf("parse key: %v", err)
	}
	signer := types.LatestSigner(m.ChainConfig())
	tx, err := types.SignNewTx(key, signer, &types.DynamicFeeTx{
		ChainID:   m.ChainID(),
		Nonce:     nonce,
		To:        &to,
		Value:     value,
		Gas:       21000,
		GasTipCap: big.NewInt(1_000_000_000),
		GasFeeCap: big.NewInt(10_000_000_000),
	})
	if err != nil {
		t.Fatalf("sign tx: %v", err)
	}
	return insoTypes.NewTransaction(tx, deployer)
}

func TestNewManager_InitializesGenesis(t *testing.T) {
	m := newTestManager(t)

	if m.CurrentBlock() != 0 {
		t.Errorf("expected block 0, got %d", m.CurrentBlock())
	}
	head := m.CurrentHeader()
	if head.Root == (common.Hash{}) {
		t.Error("state root should not be empty after genesis")
	}
	if head.BaseFee == nil || head.BaseFee.Cmp(fees.InitialBaseFee) != 0 {
		t.Errorf("expected initial base fee, got %v", head.BaseFee)
	}

	balance, err := m.BalanceAt(deployer)
	if err != nil {
		t.Fatalf("BalanceAt: %v", err)
	}
	if balance.Sign() <= 0 {
		t.Error("deployer should have positive balance")
	}
	if nonce := m.NonceAt(deployer); nonce != 0 {
		t.Errorf("expected nonce 0, got %d", nonce)
	}

	block, err := m.GetBlock(0)
	if err != nil || block == nil {
		t.Fatalf("genesis block not stored: %v", err)
	}
	if block.Hash() != head.Hash() {
		t.Error("stored genesis hash differs from head")
	}
}

func TestManager_NextHeader(t *testing.T) {
	m := newTestManager(t)
	parent := m.CurrentHeader()

	header := m.NextHeader(parent)
	if header.Number.Uint64() != 1 {
		t.Errorf("expected number 1, got %s", header.Number)
	}
	if header.ParentHash != parent.Hash() {
		t.Error("parent hash mismatch")
	}
	if header.Time <= parent.Time {
		t.Errorf("timestamp %d not after parent %d", header.Time, parent.Time)
	}
	if header.BaseFee.Cmp(fees.NextBaseFee(parent)) != 0 {
		t.Errorf("expected base fee %s, got %s", fees.NextBaseFee(parent), header.BaseFee)
	}
	if header.GasLimit != config.DefaultConfig().Miner.BlockGasLimit {
		t.Errorf("unexpected gas limit %d", header.GasLimit)
	}
	if header.WithdrawalsHash == nil {
		t.Error("shanghai header should commit to withdrawals")
	}
}

func TestManager_FinalizeEmptyBlock(t *testing.T) {
	m := newTestManager(t)
	genesisRoot := m.CurrentHeader().Root

	res := mineBlock(t, m)

	if m.CurrentBlock() != 1 {
		t.Fatalf("expected head 1, got %d", m.CurrentBlock())
	}
	if res.Block.Header.TxHash != types.EmptyTxsHash {
		t.Error("empty block should have the empty tx root")
	}
	if res.Block.Header.Root != genesisRoot {
		t.Error("empty block should not change the state root")
	}
	if len(res.Serialized) == 0 {
		t.Error("block should be serialized")
	}
	decoded, err := insoTypes.DecodeBlock(res.Serialized)
	if err != nil {
		t.Fatalf("decode block: %v", err)
	}
	if decoded.Hash() != res.Block.Hash() {
		t.Error("decoded block hash mismatch")
	}
}

func TestManager_FinalizeTransfer(t *testing.T) {
	m := newTestManager(t)

	recipient := common.HexToAddress("0xdeadbeef00000000000000000000000000000001")
	tx := signedTransfer(t, m, 0, recipient, big.NewInt(1e18))

	res := mineBlock(t, m, tx)

	if got := res.Block.Header.GasUsed; got != 21000 {
		t.Errorf("expected 21000 gas, got %d", got)
	}
	receipt := m.GetReceipt(tx.Hash)
	if receipt == nil {
		t.Fatal("receipt not stored")
	}
	if receipt.BlockHash != res.Block.Hash() {
		t.Error("receipt block hash not set")
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		t.Error("expected successful receipt")
	}

	bal, err := m.BalanceAt(recipient)
	if err != nil {
		t.Fatalf("BalanceAt: %v", err)
	}
	if bal.ToBig().Cmp(big.NewInt(1e18)) != 0 {
		t.Errorf("expected recipient balance 1e18, got %s", bal)
	}
	if nonce := m.NonceAt(deployer); nonce != 1 {
		t.Errorf("expected nonce 1, got %d", nonce)
	}

	mined, num, err := m.GetTransaction(tx.Hash)
	if err != nil {
		t.Fatalf("GetTransaction: %v", err)
	}
	if num != 1 || mined.Hash() != tx.Hash {
		t.Errorf("unexpected lookup result: block %d hash %s", num, mined.Hash().Hex())
	}
}

func TestManager_FinalizeParentMismatch(t *testing.T) {
	m := newTestManager(t)

	stale := m.NextHeader(m.CurrentHeader())
	mineBlock(t, m)

	_, err := m.Finalize(&miner.FinalizeArgs{Header: stale})
	if !errors.Is(err, miner.ErrParentMismatch) {
		t.Fatalf("expected ErrParentMismatch, got %v", err)
	}
	if m.CurrentBlock() != 1 {
		t.Errorf("head moved to %d", m.CurrentBlock())
	}
}

func TestManager_GetBlockAboveHead(t *testing.T) {
	m := newTestManager(t)

	if _, err := m.GetBlock(5); !errors.Is(err, ErrUnknownBlock) {
		t.Fatalf("expected ErrUnknownBlock, got %v", err)
	}
}

func TestManager_GetCode_NoCode(t *testing.T) {
	m := newTestManager(t)

	if code := m.GetCode(deployer); len(code) != 0 {
		t.Errorf("expected empty code for EOA, got %d bytes", len(code))
	}
}

func TestManager_GetStorageAt_Empty(t *testing.T) {
	m := newTestManager(t)

	key := common.HexToHash("0x01")
	if val := m.GetStorageAt(deployer, key); val != (common.Hash{}) {
		t.Errorf("expected empty storage, got %s", val.Hex())
	}
}

func TestManager_CallContract(t *testing.T) {
	m := newTestManager(t)

	recipient := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	_, gas, err := m.CallContract(&core.Message{
		From:     deployer,
		To:       &recipient,
		Value:    big.NewInt(1),
		GasLimit: 100_000,
	})
	if err != nil {
		t.Fatalf("CallContract: %v", err)
	}
	if gas != 0 {
		t.Errorf("plain value call should use no execution gas, got %d", gas)
	}
	bal, _ := m.BalanceAt(recipient)
	if bal.Sign() != 0 {
		t.Error("call must not persist state changes")
	}
}

func TestManager_RestoreFromDisk(t *testing.T) {
	dir := t.TempDir()

	m := openManager(t, dir)
	res := mineBlock(t, m)
	if err := m.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened := openManager(t, dir)
	defer reopened.Close()

	if reopened.CurrentBlock() != 1 {
		t.Fatalf("expected restored head 1, got %d", reopened.CurrentBlock())
	}
	if reopened.CurrentHeader().Hash() != res.Block.Hash() {
		t.Error("restored head hash mismatch")
	}
}
