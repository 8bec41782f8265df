package mempool

import (
	"bytes"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	insoTypes "github.com/insoblok/inso-simchain/pkg/types"
)

// Executables holds, per origin, the transactions whose nonces form a
// contiguous run starting at the origin's next expected nonce. It also tracks
// transactions the miner has consumed but not yet settled.
//
// Executables is shared by the pool (which pushes) and the miner (which
// consumes). All methods are safe for concurrent use.
type Executables struct {
	mu         sync.RWMutex
	pending    map[common.Address]*nonceQueue
	inProgress map[common.Hash]*insoTypes.Transaction
}

// NewExecutables creates an empty set.
func NewExecutables() *Executables {
	return &Executables{
		pending:    make(map[common.Address]*nonceQueue),
		inProgress: make(map[common.Hash]*insoTypes.Transaction),
	}
}

// Push appends tx to its origin's run. The caller guarantees the nonce is
// the next one in the run.
func (e *Executables) Push(tx *insoTypes.Transaction) {
	e.mu.Lock()
	defer e.mu.Unlock()

	q, ok := e.pending[tx.From]
	if !ok {
		q = newNonceQueue()
		e.pending[tx.From] = q
	}
	q.Put(tx)
}

// Replace swaps tx in for the pending transaction with the same origin and
// nonce and returns the one it replaced.
func (e *Executables) Replace(tx *insoTypes.Transaction) *insoTypes.Transaction {
	e.mu.Lock()
	defer e.mu.Unlock()

	q, ok := e.pending[tx.From]
	if !ok || q.Get(tx.Nonce()) == nil {
		return nil
	}
	return q.Put(tx)
}

// Peek returns the lowest-nonce pending transaction of origin.
func (e *Executables) Peek(origin common.Address) *insoTypes.Transaction {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if q, ok := e.pending[origin]; ok {
		return q.Peek()
	}
	return nil
}

// Get returns the pending transaction of origin with the given nonce.
func (e *Executables) Get(origin common.Address, nonce uint64) *insoTypes.Transaction {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if q, ok := e.pending[origin]; ok {
		return q.Get(nonce)
	}
	return nil
}

// Heads returns the lowest-nonce transaction of every origin, ordered by
// origin address.
func (e *Executables) Heads() []*insoTypes.Transaction {
	e.mu.RLock()
	defer e.mu.RUnlock()

	heads := make([]*insoTypes.Transaction, 0, len(e.pending))
	for _, q := range e.pending {
		if tx := q.Peek(); tx != nil {
			heads = append(heads, tx)
		}
	}
	sort.Slice(heads, func(i, j int) bool {
		return bytes.Compare(heads[i].From[:], heads[j].From[:]) < 0
	})
	return heads
}

// Consume moves tx from pending to in-progress. It fails when tx is no
// longer the head of its origin's run, e.g. after a replacement or Clear.
func (e *Executables) Consume(tx *insoTypes.Transaction) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	q, ok := e.pending[tx.From]
	if !ok || q.Peek() != tx {
		return false
	}
	q.Pop()
	if q.Len() == 0 {
		delete(e.pending, tx.From)
	}
	e.inProgress[tx.Hash] = tx
	return true
}

// Settle forgets an in-progress transaction once its block is final or its
// execution was abandoned.
func (e *Executables) Settle(tx *insoTypes.Transaction) {
	e.mu.Lock()
	defer e.mu.Unlock()

	delete(e.inProgress, tx.Hash)
}

// InProgress reports whether the transaction is being mined.
func (e *Executables) InProgress(hash common.Hash) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()

	_, ok := e.inProgress[hash]
	return ok
}

// InProgressAt returns the in-progress transaction of origin with the given
// nonce.
func (e *Executables) InProgressAt(origin common.Address, nonce uint64) *insoTypes.Transaction {
	e.mu.RLock()
	defer e.mu.RUnlock()

	for _, tx := range e.inProgress {
		if tx.From == origin && tx.Nonce() == nonce {
			return tx
		}
	}
	return nil
}

// RemoveFrom drops the pending transactions of origin with a nonce of at
// least nonce and returns them in nonce order.
func (e *Executables) RemoveFrom(origin common.Address, nonce uint64) []*insoTypes.Transaction {
	e.mu.Lock()
	defer e.mu.Unlock()

	q, ok := e.pending[origin]
	if !ok {
		return nil
	}
	var removed []*insoTypes.Transaction
	for _, tx := range q.Flatten() {
		if tx.Nonce() >= nonce {
			removed = append(removed, q.Remove(tx.Nonce()))
		}
	}
	if q.Len() == 0 {
		delete(e.pending, origin)
	}
	return removed
}

// NextNonce returns one past the highest nonce of origin that is pending or
// in progress. ok is false if the origin has neither.
func (e *Executables) NextNonce(origin common.Address) (next uint64, ok bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if q, found := e.pending[origin]; found {
		if last, has := q.Last(); has {
			next, ok = last+1, true
		}
	}
	for _, tx := range e.inProgress {
		if tx.From == origin && tx.Nonce()+1 > next {
			next, ok = tx.Nonce()+1, true
		}
	}
	return next, ok
}

// Lookup returns a pending or in-progress transaction by hash.
func (e *Executables) Lookup(hash common.Hash) *insoTypes.Transaction {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if tx, ok := e.inProgress[hash]; ok {
		return tx
	}
	for _, q := range e.pending {
		for _, tx := range q.items {
			if tx.Hash == hash {
				return tx
			}
		}
	}
	return nil
}

// Pending returns a nonce-sorted copy of every origin's run.
func (e *Executables) Pending() map[common.Address][]*insoTypes.Transaction {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make(map[common.Address][]*insoTypes.Transaction, len(e.pending))
	for origin, q := range e.pending {
		out[origin] = q.Flatten()
	}
	return out
}

// Len returns the number of pending transactions, excluding in-progress ones.
func (e *Executables) Len() int {
	e.mu.RLock()
	defer e.mu.RUnlock()

	n := 0
	for _, q := range e.pending {
		n += q.Len()
	}
	return n
}

// Clear removes every pending transaction and returns them. In-progress
// transactions are left for the miner to settle.
func (e *Executables) Clear() []*insoTypes.Transaction {
	e.mu.Lock()
	defer e.mu.Unlock()

	var removed []*insoTypes.Transaction
	for _, q := range e.pending {
		removed = append(removed, q.Flatten()...)
	}
	e.pending = make(map[common.Address]*nonceQueue)
	return removed
}

// Origins returns every origin with pending transactions.
func (e *Executables) Origins() []common.Address {
	e.mu.RLock()
	defer e.mu.RUnlock()

	origins := make([]common.Address, 0, len(e.pending))
	for origin := range e.pending {
		origins = append(origins, origin)
	}
	sort.Slice(origins, func(i, j int) bool {
		return bytes.Compare(origins[i][:], origins[j][:]) < 0
	})
	return origins
}
