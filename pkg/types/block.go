package types

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rlp"
)

// StorageKeys maps keccak256(slot) to the raw slot for every storage key the
// EVM touched while building a block.
type StorageKeys map[common.Hash]common.Hash

// Block is a finalized block with its transactions and receipts.
type Block struct {
	Header       *types.Header        `json:"header"`
	Transactions []*types.Transaction `json:"transactions"`
	Receipts     []*types.Receipt     `json:"receipts,omitempty"`
}

// extblock is the consensus encoding of a block. Withdrawals are always
// empty but must be present once the header commits to them.
type extblock struct {
	Header      *types.Header
	Txs         []*types.Transaction
	Uncles      []*types.Header
	Withdrawals []*types.Withdrawal `rlp:"optional"`
}

func (b *Block) Hash() common.Hash { return b.Header.Hash() }

func (b *Block) Number() uint64 { return b.Header.Number.Uint64() }

// Serialize returns the RLP encoding of the block.
func (b *Block) Serialize() ([]byte, error) {
	eb := &extblock{
		Header: b.Header,
		Txs:    b.Transactions,
		Uncles: []*types.Header{},
	}
	if b.Header.WithdrawalsHash != nil {
		eb.Withdrawals = []*types.Withdrawal{}
	}
	return rlp.EncodeToBytes(eb)
}

// DecodeBlock parses a block produced by Serialize.
func DecodeBlock(data []byte) (*Block, error) {
	var eb extblock
	if err := rlp.DecodeBytes(data, &eb); err != nil {
		return nil, err
	}
	return &Block{Header: eb.Header, Transactions: eb.Txs}, nil
}

// BlockResult is what the block assembler hands back after persisting a
// block, and the payload of the miner's block event.
type BlockResult struct {
	Block        *Block
	Serialized   []byte
	StorageKeys  StorageKeys
	Transactions []*Transaction
}

// StepEvent is a single EVM opcode step, emitted only while step events are
// enabled on the miner.
type StepEvent struct {
	TxHash common.Hash
	PC     uint64
	Op     string
	Gas    uint64
	Cost   uint64
	Depth  int
}

// NodeStatus summarises the simulator for the status RPC.
type NodeStatus struct {
	CurrentBlock uint64         `json:"currentBlock"`
	Pending      int            `json:"pending"`
	Queued       int            `json:"queued"`
	MinerPaused  bool           `json:"minerPaused"`
	Coinbase     common.Address `json:"coinbase"`
	BlockTime    time.Duration  `json:"blockTime"`
	ChainID      *big.Int       `json:"chainId"`
}
