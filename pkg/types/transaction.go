package types

import (
	"context"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// TxStatus is the lifecycle state of a pool transaction.
type TxStatus int

const (
	TxPending TxStatus = iota
	TxMined
	TxRejected
)

func (s TxStatus) String() string {
	switch s {
	case TxPending:
		return "pending"
	case TxMined:
		return "mined"
	case TxRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Transaction is a signed transaction tracked by the pool and the miner.
//
// EffectiveGasPrice is only written by the miner while it owns the transaction
// in its price heap. The locked flag is shared between pool and miner.
type Transaction struct {
	Tx         *types.Transaction
	From       common.Address
	Hash       common.Hash
	ReceivedAt time.Time

	// IntrinsicGas is the gas charged before execution, computed at admission.
	IntrinsicGas uint64

	EffectiveGasPrice *big.Int

	locked atomic.Bool

	finalize sync.Once
	done     chan struct{}
	status   TxStatus
	receipt  *types.Receipt
	err      error
}

// NewTransaction wraps a signed transaction sent by from.
func NewTransaction(tx *types.Transaction, from common.Address) *Transaction {
	return &Transaction{
		Tx:                tx,
		From:              from,
		Hash:              tx.Hash(),
		ReceivedAt:        time.Now(),
		EffectiveGasPrice: new(big.Int).Set(tx.GasPrice()),
		done:              make(chan struct{}),
	}
}

func (t *Transaction) Nonce() uint64 { return t.Tx.Nonce() }

func (t *Transaction) Gas() uint64 { return t.Tx.Gas() }

// IsDynamicFee reports whether the transaction carries fee-cap / tip-cap
// pricing instead of a flat gas price.
func (t *Transaction) IsDynamicFee() bool {
	switch t.Tx.Type() {
	case types.DynamicFeeTxType, types.BlobTxType:
		return true
	}
	return false
}

// Locked reports whether the transaction is currently represented in the
// miner's price heap.
func (t *Transaction) Locked() bool { return t.locked.Load() }

// SetLocked marks or clears the price-heap membership of the transaction.
func (t *Transaction) SetLocked(locked bool) { t.locked.Store(locked) }

// Finalize records the terminal outcome of the transaction. Only the first
// call has any effect.
func (t *Transaction) Finalize(status TxStatus, receipt *types.Receipt, err error) {
	t.finalize.Do(func() {
		t.status = status
		t.receipt = receipt
		t.err = err
		close(t.done)
	})
}

// Done is closed once the transaction was mined or rejected.
func (t *Transaction) Done() <-chan struct{} { return t.done }

// Status returns the lifecycle state. It is TxPending until Done is closed.
func (t *Transaction) Status() TxStatus {
	select {
	case <-t.done:
		return t.status
	default:
		return TxPending
	}
}

// Wait blocks until the transaction is mined or rejected and returns the
// receipt or the rejection error.
func (t *Transaction) Wait(ctx context.Context) (*types.Receipt, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-t.done:
		return t.receipt, t.err
	}
}
