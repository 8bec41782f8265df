package miner

import (
	"bytes"
	"container/heap"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/insoblok/inso-simchain/internal/fees"
	insoTypes "github.com/insoblok/inso-simchain/pkg/types"
)

// txsByPrice implements heap.Interface ordered by effective gas price,
// highest first. Ties go to the earlier arrival, then the lower hash.
type txsByPrice []*insoTypes.Transaction

func (h txsByPrice) Len() int { return len(h) }

func (h txsByPrice) Less(i, j int) bool {
	if c := h[i].EffectiveGasPrice.Cmp(h[j].EffectiveGasPrice); c != 0 {
		return c > 0
	}
	if !h[i].ReceivedAt.Equal(h[j].ReceivedAt) {
		return h[i].ReceivedAt.Before(h[j].ReceivedAt)
	}
	return bytes.Compare(h[i].Hash[:], h[j].Hash[:]) < 0
}

func (h txsByPrice) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *txsByPrice) Push(x interface{}) {
	*h = append(*h, x.(*insoTypes.Transaction))
}

func (h *txsByPrice) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil // avoid memory leak
	*h = old[:n-1]
	return item
}

// pricedList is the cross-origin selection heap. origins records every
// origin offered during the current round, so an origin is represented at
// most once even after its entry left the heap.
type pricedList struct {
	items   txsByPrice
	origins map[common.Address]struct{}
}

func newPricedList() *pricedList {
	return &pricedList{origins: make(map[common.Address]struct{})}
}

func (l *pricedList) Len() int { return len(l.items) }

// Offered reports whether origin was already offered this round.
func (l *pricedList) Offered(origin common.Address) bool {
	_, ok := l.origins[origin]
	return ok
}

// Put prices tx against baseFee, locks it and pushes it.
func (l *pricedList) Put(tx *insoTypes.Transaction, baseFee *big.Int) {
	tx.EffectiveGasPrice = fees.EffectiveGasPrice(tx.Tx, baseFee)
	tx.SetLocked(true)
	l.origins[tx.From] = struct{}{}
	heap.Push(&l.items, tx)
}

// Peek returns the best priced transaction.
func (l *pricedList) Peek() *insoTypes.Transaction {
	if len(l.items) == 0 {
		return nil
	}
	return l.items[0]
}

// Pop removes the best priced transaction. Its origin stays offered.
func (l *pricedList) Pop() *insoTypes.Transaction {
	if len(l.items) == 0 {
		return nil
	}
	return heap.Pop(&l.items).(*insoTypes.Transaction)
}

// Reprice recomputes every entry's effective price for a new base fee and
// restores heap order in place. Origins without an entry are forgotten so
// they can be offered again.
func (l *pricedList) Reprice(baseFee *big.Int) {
	l.origins = make(map[common.Address]struct{}, len(l.items))
	for _, tx := range l.items {
		tx.EffectiveGasPrice = fees.EffectiveGasPrice(tx.Tx, baseFee)
		l.origins[tx.From] = struct{}{}
	}
	heap.Init(&l.items)
}

// Reset unlocks and removes every entry.
func (l *pricedList) Reset() {
	for _, tx := range l.items {
		tx.SetLocked(false)
	}
	l.items = nil
	l.origins = make(map[common.Address]struct{})
}
