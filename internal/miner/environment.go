package miner

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/trie"

	insoTypes "github.com/insoblok/inso-simchain/pkg/types"
)

// environment is the block in progress. It is owned by the goroutine
// running Mine and discarded after the block is finalized.
type environment struct {
	header       *types.Header
	executor     Executor
	gasRemaining uint64
	gasUsed      uint64
	bloom        types.Bloom

	txs      []*insoTypes.Transaction
	receipts []*types.Receipt
}

func newEnvironment(header *types.Header, executor Executor) *environment {
	return &environment{
		header:       header,
		executor:     executor,
		gasRemaining: header.GasLimit,
	}
}

// include appends an executed transaction to the block.
func (env *environment) include(tx *insoTypes.Transaction, receipt *types.Receipt) {
	env.txs = append(env.txs, tx)
	env.receipts = append(env.receipts, receipt)
	env.gasUsed += receipt.GasUsed
	env.gasRemaining -= receipt.GasUsed
	for i := range env.bloom {
		env.bloom[i] |= receipt.Bloom[i]
	}
}

func (env *environment) transactions() types.Transactions {
	txs := make(types.Transactions, len(env.txs))
	for i, tx := range env.txs {
		txs[i] = tx.Tx
	}
	return txs
}

// roots returns the transaction and receipt trie roots.
func (env *environment) roots() (txRoot, receiptRoot common.Hash) {
	txRoot = types.DeriveSha(env.transactions(), trie.NewStackTrie(nil))
	receiptRoot = types.DeriveSha(types.Receipts(env.receipts), trie.NewStackTrie(nil))
	return txRoot, receiptRoot
}
