package mempool

import (
	"container/heap"
	"sort"

	insoTypes "github.com/insoblok/inso-simchain/pkg/types"
)

// txsByNonce implements heap.Interface for nonce-ordered transactions of a
// single origin. Lowest nonce is popped first.
type txsByNonce []*insoTypes.Transaction

func (q txsByNonce) Len() int { return len(q) }

func (q txsByNonce) Less(i, j int) bool { return q[i].Nonce() < q[j].Nonce() }

func (q txsByNonce) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *txsByNonce) Push(x interface{}) {
	*q = append(*q, x.(*insoTypes.Transaction))
}

func (q *txsByNonce) Pop() interface{} {
	old := *q
	n := len(old)
	item := old[n-1]
	old[n-1] = nil // avoid memory leak
	*q = old[:n-1]
	return item
}

// nonceQueue is the per-origin heap. items indexes the heap by nonce so a
// same-nonce resubmission can be swapped in place.
type nonceQueue struct {
	items map[uint64]*insoTypes.Transaction
	index txsByNonce
}

func newNonceQueue() *nonceQueue {
	return &nonceQueue{items: make(map[uint64]*insoTypes.Transaction)}
}

func (q *nonceQueue) Len() int { return len(q.index) }

// Peek returns the lowest-nonce transaction.
func (q *nonceQueue) Peek() *insoTypes.Transaction {
	if len(q.index) == 0 {
		return nil
	}
	return q.index[0]
}

func (q *nonceQueue) Get(nonce uint64) *insoTypes.Transaction {
	return q.items[nonce]
}

// Put inserts tx, replacing and returning any transaction with the same
// nonce. Replacement keeps the heap position since the key is unchanged.
func (q *nonceQueue) Put(tx *insoTypes.Transaction) *insoTypes.Transaction {
	nonce := tx.Nonce()
	old, ok := q.items[nonce]
	q.items[nonce] = tx
	if !ok {
		heap.Push(&q.index, tx)
		return nil
	}
	for i, item := range q.index {
		if item == old {
			q.index[i] = tx
			break
		}
	}
	return old
}

// Pop removes the lowest-nonce transaction.
func (q *nonceQueue) Pop() *insoTypes.Transaction {
	if len(q.index) == 0 {
		return nil
	}
	tx := heap.Pop(&q.index).(*insoTypes.Transaction)
	delete(q.items, tx.Nonce())
	return tx
}

// Remove deletes the transaction with the given nonce.
func (q *nonceQueue) Remove(nonce uint64) *insoTypes.Transaction {
	tx, ok := q.items[nonce]
	if !ok {
		return nil
	}
	delete(q.items, nonce)
	for i, item := range q.index {
		if item == tx {
			heap.Remove(&q.index, i)
			break
		}
	}
	return tx
}

// Last returns the highest nonce in the queue.
func (q *nonceQueue) Last() (uint64, bool) {
	if len(q.index) == 0 {
		return 0, false
	}
	var last uint64
	for nonce := range q.items {
		if nonce > last {
			last = nonce
		}
	}
	return last, true
}

// Flatten returns the transactions sorted by nonce.
func (q *nonceQueue) Flatten() []*insoTypes.Transaction {
	txs := make([]*insoTypes.Transaction, len(q.index))
	copy(txs, q.index)
	sort.Slice(txs, func(i, j int) bool { return txs[i].Nonce() < txs[j].Nonce() })
	return txs
}
