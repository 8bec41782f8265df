package execution

import (
	"errors"
	"fmt"
	"math"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/consensus/misc/eip4844"
	"github.com/ethereum/go-ethereum/core"
	"github.com/ethereum/go-ethereum/core/state"
	"github.com/ethereum/go-ethereum/core/tracing"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/core/vm"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/params"
	"github.com/holiman/uint256"

	insoTypes "github.com/insoblok/inso-simchain/pkg/types"
)

var errNoCheckpoint = errors.New("no open checkpoint")

// ExecResult is the outcome of a transaction that made it into the EVM. A
// reverted call still produces a result with a failed receipt.
type ExecResult struct {
	Receipt    *types.Receipt
	UsedGas    uint64
	VMErr      error
	ReturnData []byte
}

// BlockExecutor executes transactions one at a time on top of a parent
// state for a single block. Every execution is bracketed by Checkpoint and
// Commit or Revert.
type BlockExecutor struct {
	store       *StateStore
	statedb     *state.StateDB
	chainConfig *params.ChainConfig
	header      *types.Header
	signer      types.Signer
	blockCtx    vm.BlockContext
	vmConfig    vm.Config

	snapshots   []int
	storageKeys insoTypes.StorageKeys
	// keyJournal lists keys in insertion order; keyMarks holds its length
	// at every open checkpoint.
	keyJournal []common.Hash
	keyMarks   []int
	currentTx   common.Hash
	onStep      func(insoTypes.StepEvent)

	logger log.Logger
}

// NewBlockExecutor opens the state at parentRoot for building header.
// getHash resolves ancestor hashes for the BLOCKHASH opcode.
func NewBlockExecutor(store *StateStore, chainConfig *params.ChainConfig, parentRoot common.Hash, header *types.Header, getHash vm.GetHashFunc) (*BlockExecutor, error) {
	sdb, err := store.OpenState(parentRoot)
	if err != nil {
		return nil, err
	}
	e := &BlockExecutor{
		store:       store,
		statedb:     sdb,
		chainConfig: chainConfig,
		header:      header,
		signer:      types.MakeSigner(chainConfig, header.Number, header.Time),
		storageKeys: make(insoTypes.StorageKeys),
		logger:      log.New("module", "evm"),
	}
	e.blockCtx = newBlockContext(header, getHash)
	e.vmConfig = vm.Config{
		Tracer: &tracing.Hooks{OnOpcode: e.onOpcode},
	}
	return e, nil
}

func newBlockContext(header *types.Header, getHash vm.GetHashFunc) vm.BlockContext {
	blockCtx := vm.BlockContext{
		CanTransfer: core.CanTransfer,
		Transfer:    core.Transfer,
		GetHash:     getHash,
		Coinbase:    header.Coinbase,
		BlockNumber: new(big.Int).Set(header.Number),
		Time:        header.Time,
		Difficulty:  new(big.Int),
		GasLimit:    header.GasLimit,
		BlobBaseFee: eip4844.CalcBlobFee(0),
		Random:      &common.Hash{},
	}
	if header.Difficulty != nil {
		blockCtx.Difficulty.Set(header.Difficulty)
	}
	if header.BaseFee != nil {
		blockCtx.BaseFee = new(big.Int).Set(header.BaseFee)
	}
	if header.MixDigest != (common.Hash{}) {
		random := header.MixDigest
		blockCtx.Random = &random
	}
	return blockCtx
}

// SetStepHook installs fn to receive every executed opcode. A nil fn
// disables step reporting.
func (e *BlockExecutor) SetStepHook(fn func(insoTypes.StepEvent)) {
	e.onStep = fn
}

func (e *BlockExecutor) onOpcode(pc uint64, op byte, gas, cost uint64, scope tracing.OpContext, _ []byte, depth int, _ error) {
	opcode := vm.OpCode(op)
	if opcode == vm.SLOAD || opcode == vm.SSTORE {
		if stack := scope.StackData(); len(stack) > 0 {
			slot := common.Hash(stack[len(stack)-1].Bytes32())
			key := crypto.Keccak256Hash(slot[:])
			if _, ok := e.storageKeys[key]; !ok {
				e.storageKeys[key] = slot
				e.keyJournal = append(e.keyJournal, key)
			}
		}
	}
	if e.onStep != nil {
		e.onStep(insoTypes.StepEvent{
			TxHash: e.currentTx,
			PC:     pc,
			Op:     opcode.String(),
			Gas:    gas,
			Cost:   cost,
			Depth:  depth,
		})
	}
}

// Checkpoint opens a revertible scope.
func (e *BlockExecutor) Checkpoint() {
	e.snapshots = append(e.snapshots, e.statedb.Snapshot())
	e.keyMarks = append(e.keyMarks, len(e.keyJournal))
}

// Commit closes the innermost scope, keeping its changes. Closing the last
// scope finalises the state so the next transaction starts clean.
func (e *BlockExecutor) Commit() error {
	if len(e.snapshots) == 0 {
		return errNoCheckpoint
	}
	e.snapshots = e.snapshots[:len(e.snapshots)-1]
	e.keyMarks = e.keyMarks[:len(e.keyMarks)-1]
	if len(e.snapshots) == 0 {
		e.statedb.Finalise(true)
		e.keyJournal = e.keyJournal[:0]
	}
	return nil
}

// Revert discards every change made since the innermost Checkpoint.
func (e *BlockExecutor) Revert() error {
	if len(e.snapshots) == 0 {
		return errNoCheckpoint
	}
	last := len(e.snapshots) - 1
	e.statedb.RevertToSnapshot(e.snapshots[last])
	e.snapshots = e.snapshots[:last]

	for _, key := range e.keyJournal[e.keyMarks[last]:] {
		delete(e.storageKeys, key)
	}
	e.keyJournal = e.keyJournal[:e.keyMarks[last]]
	e.keyMarks = e.keyMarks[:last]
	return nil
}

// Execute applies tx at position index. It returns an error without a
// result when the transaction is invalid for the current state (bad nonce,
// insufficient funds, fee cap below base fee); the caller must Revert.
func (e *BlockExecutor) Execute(tx *insoTypes.Transaction, index int, cumulativeGas uint64) (*ExecResult, error) {
	msg, err := core.TransactionToMessage(tx.Tx, e.signer, e.header.BaseFee)
	if err != nil {
		return nil, fmt.Errorf("convert transaction: %w", err)
	}

	e.currentTx = tx.Hash
	e.statedb.SetTxContext(tx.Hash, index)

	evm := vm.NewEVM(e.blockCtx, core.NewEVMTxContext(msg), e.statedb, e.chainConfig, e.vmConfig)
	gp := new(core.GasPool).AddGas(e.header.GasLimit)
	res, err := core.ApplyMessage(evm, msg, gp)
	if err != nil {
		return nil, err
	}

	receipt := &types.Receipt{
		Type:              tx.Tx.Type(),
		CumulativeGasUsed: cumulativeGas + res.UsedGas,
		TxHash:            tx.Hash,
		GasUsed:           res.UsedGas,
		EffectiveGasPrice: new(big.Int).Set(msg.GasPrice),
		BlockNumber:       new(big.Int).Set(e.header.Number),
		TransactionIndex:  uint(index),
	}
	if res.Failed() {
		receipt.Status = types.ReceiptStatusFailed
	} else {
		receipt.Status = types.ReceiptStatusSuccessful
	}
	if msg.To == nil {
		receipt.ContractAddress = crypto.CreateAddress(msg.From, tx.Nonce())
	}

	// Logs must be non-nil for JSON roundtrip
	receipt.Logs = e.statedb.GetLogs(tx.Hash, e.header.Number.Uint64(), common.Hash{})
	if receipt.Logs == nil {
		receipt.Logs = []*types.Log{}
	}
	receipt.Bloom = types.CreateBloom(types.Receipts{receipt})

	e.logger.Trace("Transaction executed",
		"hash", tx.Hash.Hex(),
		"gasUsed", res.UsedGas,
		"status", receipt.Status,
	)
	return &ExecResult{
		Receipt:    receipt,
		UsedGas:    res.UsedGas,
		VMErr:      res.Err,
		ReturnData: res.ReturnData,
	}, nil
}

// StorageKeys returns every storage slot touched by executions that were
// not reverted.
func (e *BlockExecutor) StorageKeys() insoTypes.StorageKeys {
	return e.storageKeys
}

// CommitState writes the block's state to the trie database and returns
// the new state root.
func (e *BlockExecutor) CommitState(blockNum uint64) (common.Hash, error) {
	if len(e.snapshots) != 0 {
		return common.Hash{}, fmt.Errorf("commit state with %d open checkpoints", len(e.snapshots))
	}
	return e.store.CommitState(e.statedb, blockNum)
}

// CallContract executes a read-only call (eth_call) without modifying
// persisted state.
func CallContract(
	stateDB *state.StateDB,
	chainConfig *params.ChainConfig,
	msg *core.Message,
	header *types.Header,
	getHash vm.GetHashFunc,
) ([]byte, uint64, error) {
	blockCtx := newBlockContext(header, getHash)
	txCtx := vm.TxContext{
		Origin:   msg.From,
		GasPrice: new(big.Int),
	}
	if msg.GasPrice != nil {
		txCtx.GasPrice.Set(msg.GasPrice)
	}
	evm := vm.NewEVM(blockCtx, txCtx, stateDB, chainConfig, vm.Config{NoBaseFee: true})

	gas := msg.GasLimit
	if gas == 0 {
		gas = math.MaxUint64 / 2
	}

	var (
		result   []byte
		leftover uint64
		err      error
	)

	value := new(uint256.Int)
	if msg.Value != nil {
		value, _ = uint256.FromBig(msg.Value)
	}
	if msg.To == nil {
		result, _, leftover, err = evm.Create(vm.AccountRef(msg.From), msg.Data, gas, value)
	} else {
		result, leftover, err = evm.Call(vm.AccountRef(msg.From), *msg.To, msg.Data, gas, value)
	}

	return result, gas - leftover, err
}
