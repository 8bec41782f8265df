package state

import (
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core"
	ethState "github.com/ethereum/go-ethereum/core/state"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/params"
	"github.com/holiman/uint256"

	"github.com/insoblok/inso-simchain/internal/config"
	"github.com/insoblok/inso-simchain/internal/execution"
	"github.com/insoblok/inso-simchain/internal/fees"
	"github.com/insoblok/inso-simchain/internal/genesis"
	"github.com/insoblok/inso-simchain/internal/miner"
	insoTypes "github.com/insoblok/inso-simchain/pkg/types"
)

// ErrUnknownBlock is returned for block numbers above the head.
var ErrUnknownBlock = errors.New("unknown block")

// Manager owns the canonical chain: the state store, the block database and
// the head header. It builds block templates and executors for the miner and
// persists the blocks it finalizes.
type Manager struct {
	mu sync.RWMutex

	stateStore  *execution.StateStore
	chainDB     *execution.ChainDB
	chainConfig *params.ChainConfig

	head     *types.Header
	coinbase common.Address
	gasLimit uint64
	extra    []byte

	logger log.Logger
}

// NewManager opens the chain stored in stateStore, or commits gen as block
// zero if the store is empty.
func NewManager(cfg *config.Config, stateStore *execution.StateStore, chainConfig *params.ChainConfig, gen *genesis.Genesis) (*Manager, error) {
	logger := log.New("module", "state")
	chainDB := execution.NewChainDB(stateStore.DiskDB())

	m := &Manager{
		stateStore:  stateStore,
		chainDB:     chainDB,
		chainConfig: chainConfig,
		coinbase:    common.HexToAddress(cfg.Chain.Coinbase),
		gasLimit:    cfg.Miner.BlockGasLimit,
		extra:       []byte(cfg.Miner.ExtraData),
		logger:      logger,
	}

	if num, ok := chainDB.CurrentBlock(); ok {
		block, err := chainDB.ReadBlock(num)
		if err != nil {
			return nil, fmt.Errorf("read head block %d: %w", num, err)
		}
		if block == nil {
			return nil, fmt.Errorf("head block %d missing", num)
		}
		if !stateStore.HasState(block.Header.Root) {
			return nil, fmt.Errorf("state for head block %d missing", num)
		}
		m.head = block.Header
		logger.Info("Chain restored from database",
			"number", num,
			"hash", block.Hash().Hex(),
			"stateRoot", block.Header.Root.Hex(),
		)
		return m, nil
	}

	logger.Info("No existing chain found, initializing from genesis")
	head, err := gen.Commit(stateStore, chainConfig, cfg.Miner.BlockGasLimit)
	if err != nil {
		return nil, err
	}
	block := &insoTypes.Block{Header: head}
	serialized, err := block.Serialize()
	if err != nil {
		return nil, fmt.Errorf("encode genesis block: %w", err)
	}
	if err := chainDB.WriteBlock(block, serialized); err != nil {
		return nil, err
	}
	m.head = head

	logger.Info("Genesis block committed",
		"hash", block.Hash().Hex(),
		"stateRoot", head.Root.Hex(),
		"accounts", len(gen.Alloc),
	)
	return m, nil
}

// CurrentHeader returns the head header.
func (m *Manager) CurrentHeader() *types.Header {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.head
}

// CurrentBlock returns the head block number.
func (m *Manager) CurrentBlock() uint64 {
	return m.CurrentHeader().Number.Uint64()
}

// NextHeader returns the template for the child of parent. The base fee is
// the initial one at London activation and the EIP-1559 successor after.
func (m *Manager) NextHeader(parent *types.Header) *types.Header {
	now := uint64(time.Now().Unix())
	if now <= parent.Time {
		now = parent.Time + 1
	}
	header := &types.Header{
		ParentHash: parent.Hash(),
		UncleHash:  types.EmptyUncleHash,
		Coinbase:   m.coinbase,
		Difficulty: new(big.Int),
		Number:     new(big.Int).Add(parent.Number, common.Big1),
		GasLimit:   m.gasLimit,
		Time:       now,
		Extra:      common.CopyBytes(m.extra),
	}
	if m.chainConfig.IsLondon(header.Number) {
		if parent.BaseFee == nil {
			header.BaseFee = new(big.Int).Set(fees.InitialBaseFee)
		} else {
			header.BaseFee = fees.NextBaseFee(parent)
		}
	}
	if m.chainConfig.IsShanghai(header.Number, header.Time) {
		header.WithdrawalsHash = &types.EmptyWithdrawalsHash
	}
	if m.chainConfig.IsCancun(header.Number, header.Time) {
		header.BlobGasUsed = new(uint64)
		header.ExcessBlobGas = new(uint64)
		header.ParentBeaconRoot = new(common.Hash)
	}
	return header
}

// NewExecutor opens a block executor on the state of parent.
func (m *Manager) NewExecutor(parent, header *types.Header) (miner.Executor, error) {
	executor, err := execution.NewBlockExecutor(m.stateStore, m.chainConfig, parent.Root, header, m.chainDB.ReadBlockHash)
	if err != nil {
		return nil, err
	}
	return executor, nil
}

// Finalize completes the header of a filled block, persists the block and
// advances the head to it.
func (m *Manager) Finalize(args *miner.FinalizeArgs) (*insoTypes.BlockResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if args.Header.ParentHash != m.head.Hash() {
		return nil, fmt.Errorf("%w: parent %s, head %s", miner.ErrParentMismatch, args.Header.ParentHash.Hex(), m.head.Hash().Hex())
	}

	header := types.CopyHeader(args.Header)
	header.Root = args.StateRoot
	header.TxHash = args.TxRoot
	header.ReceiptHash = args.ReceiptRoot
	header.Bloom = args.Bloom
	header.GasUsed = args.GasUsed
	if args.ExtraData != nil {
		header.Extra = common.CopyBytes(args.ExtraData)
	}
	hash := header.Hash()

	txs := make([]*types.Transaction, len(args.Transactions))
	var logIndex uint
	for i, tx := range args.Transactions {
		txs[i] = tx.Tx
		receipt := args.Receipts[i]
		receipt.BlockHash = hash
		receipt.BlockNumber = new(big.Int).Set(header.Number)
		receipt.TransactionIndex = uint(i)
		for _, l := range receipt.Logs {
			l.BlockHash = hash
			l.BlockNumber = header.Number.Uint64()
			l.TxHash = tx.Hash
			l.TxIndex = uint(i)
			l.Index = logIndex
			logIndex++
		}
	}

	block := &insoTypes.Block{
		Header:       header,
		Transactions: txs,
		Receipts:     args.Receipts,
	}
	serialized, err := block.Serialize()
	if err != nil {
		return nil, fmt.Errorf("encode block %d: %w", header.Number, err)
	}
	if err := m.chainDB.WriteBlock(block, serialized); err != nil {
		return nil, err
	}
	m.head = header

	return &insoTypes.BlockResult{
		Block:        block,
		Serialized:   serialized,
		StorageKeys:  args.StorageKeys,
		Transactions: args.Transactions,
	}, nil
}

func (m *Manager) headRoot() common.Hash {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.head.Root
}

// OpenCurrentState returns a StateDB at the head state root.
func (m *Manager) OpenCurrentState() (*ethState.StateDB, error) {
	return m.stateStore.OpenState(m.headRoot())
}

// NonceAt returns the head nonce of addr, zero if the state is unreadable.
func (m *Manager) NonceAt(addr common.Address) uint64 {
	nonce, err := m.stateStore.NonceAt(m.headRoot(), addr)
	if err != nil {
		m.logger.Warn("Failed to read nonce", "address", addr.Hex(), "err", err)
		return 0
	}
	return nonce
}

// BalanceAt returns the head balance of addr.
func (m *Manager) BalanceAt(addr common.Address) (*uint256.Int, error) {
	return m.stateStore.BalanceAt(m.headRoot(), addr)
}

// GetCode returns the code at addr from the head state.
func (m *Manager) GetCode(addr common.Address) []byte {
	sdb, err := m.OpenCurrentState()
	if err != nil {
		return nil
	}
	return sdb.GetCode(addr)
}

// GetStorageAt returns a storage slot of addr from the head state.
func (m *Manager) GetStorageAt(addr common.Address, key common.Hash) common.Hash {
	sdb, err := m.OpenCurrentState()
	if err != nil {
		return common.Hash{}
	}
	return sdb.GetState(addr, key)
}

// GetBlock returns a block by number.
func (m *Manager) GetBlock(num uint64) (*insoTypes.Block, error) {
	if num > m.CurrentBlock() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownBlock, num)
	}
	return m.chainDB.ReadBlock(num)
}

// GetBlockByHash returns a block by its hash.
func (m *Manager) GetBlockByHash(hash common.Hash) (*insoTypes.Block, error) {
	return m.chainDB.ReadBlockByHash(hash)
}

// GetReceipt returns a transaction receipt by hash.
func (m *Manager) GetReceipt(hash common.Hash) *types.Receipt {
	receipt, _ := m.chainDB.ReadReceipt(hash)
	return receipt
}

// GetTransaction returns a mined transaction and its block number.
func (m *Manager) GetTransaction(hash common.Hash) (*types.Transaction, uint64, error) {
	return m.chainDB.ReadTransaction(hash)
}

// CallContract executes msg against the head state without persisting any
// change.
func (m *Manager) CallContract(msg *core.Message) ([]byte, uint64, error) {
	head := m.CurrentHeader()
	sdb, err := m.stateStore.OpenState(head.Root)
	if err != nil {
		return nil, 0, err
	}
	return execution.CallContract(sdb, m.chainConfig, msg, m.NextHeader(head), m.chainDB.ReadBlockHash)
}

// ChainConfig returns the chain configuration.
func (m *Manager) ChainConfig() *params.ChainConfig {
	return m.chainConfig
}

// ChainID returns the chain id.
func (m *Manager) ChainID() *big.Int {
	return new(big.Int).Set(m.chainConfig.ChainID)
}

// Coinbase returns the beneficiary of mined blocks.
func (m *Manager) Coinbase() common.Address {
	return m.coinbase
}

// Close shuts down the underlying databases.
func (m *Manager) Close() error {
	return m.stateStore.Close()
}
