package mempool

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/event"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/params"

	"github.com/insoblok/inso-simchain/internal/config"
	"github.com/insoblok/inso-simchain/internal/metrics"
	insoTypes "github.com/insoblok/inso-simchain/pkg/types"
)

// ChainReader is the view of the chain head the pool validates against.
type ChainReader interface {
	CurrentHeader() *types.Header
	NonceAt(addr common.Address) uint64
}

// DrainEvent is posted whenever the set of executable transactions grows.
type DrainEvent struct {
	Origin common.Address
}

// Pool admits transactions, keeps non-contiguous nonces in a per-origin
// future queue and promotes contiguous runs into Executables.
type Pool struct {
	mu          sync.Mutex
	executables *Executables
	queued      map[common.Address]*nonceQueue

	chain       ChainReader
	chainConfig *params.ChainConfig
	signer      types.Signer
	gasLimit    uint64
	priceBump   uint64

	paused     bool
	resumeCh   chan struct{}
	generation uint64

	drainFeed event.Feed
	metrics   *metrics.Metrics
	logger    log.Logger
}

// New creates a Pool. gasLimit is the block gas limit transactions are
// checked against.
func New(cfg config.TxPoolConfig, gasLimit uint64, chainConfig *params.ChainConfig, chain ChainReader) *Pool {
	return &Pool{
		executables: NewExecutables(),
		queued:      make(map[common.Address]*nonceQueue),
		chain:       chain,
		chainConfig: chainConfig,
		signer:      types.LatestSigner(chainConfig),
		gasLimit:    gasLimit,
		priceBump:   cfg.PriceBump,
		resumeCh:    make(chan struct{}),
		logger:      log.New("module", "txpool"),
	}
}

// SetMetrics attaches metrics to the pool.
func (p *Pool) SetMetrics(m *metrics.Metrics) {
	p.metrics = m
}

// Executables returns the set shared with the miner.
func (p *Pool) Executables() *Executables { return p.executables }

// Signer returns the signer used to recover senders.
func (p *Pool) Signer() types.Signer { return p.signer }

// SubscribeDrain registers ch for DrainEvents.
func (p *Pool) SubscribeDrain(ch chan<- DrainEvent) event.Subscription {
	return p.drainFeed.Subscribe(ch)
}

// PrepareTransaction admits tx into the pool. If key is non-nil the
// transaction is signed with it first and must not already carry a signature.
//
// It returns true if the transaction is immediately executable and false if
// it was queued behind a nonce gap. While the pool is paused the call blocks
// until Resume, Clear or ctx cancellation; after Clear it returns false with
// no error and the transaction is not admitted.
func (p *Pool) PrepareTransaction(ctx context.Context, tx *types.Transaction, key *ecdsa.PrivateKey) (*insoTypes.Transaction, bool, error) {
	if key != nil {
		if isSigned(tx) {
			panic(fmt.Sprintf("mempool: transaction %s is already signed", tx.Hash().Hex()))
		}
		signed, err := types.SignTx(tx, p.signer, key)
		if err != nil {
			return nil, false, fmt.Errorf("sign transaction: %w", err)
		}
		tx = signed
	}

	intrGas, err := p.validate(tx)
	if err != nil {
		p.reject("invalid")
		return nil, false, err
	}
	from, err := types.Sender(p.signer, tx)
	if err != nil {
		p.reject("sender")
		return nil, false, fmt.Errorf("%w: %v", ErrInvalidSender, err)
	}

	cleared, err := p.waitResumed(ctx)
	if err != nil {
		return nil, false, err
	}
	ptx := insoTypes.NewTransaction(tx, from)
	ptx.IntrinsicGas = intrGas
	if cleared {
		ptx.Finalize(insoTypes.TxRejected, nil, ErrPoolCleared)
		return ptx, false, nil
	}

	executable, replaced, err := p.add(ptx)
	if err != nil {
		p.reject("admission")
		p.logger.Debug("Transaction rejected", "hash", ptx.Hash.Hex(), "from", from.Hex(), "nonce", ptx.Nonce(), "err", err)
		return nil, false, err
	}
	if replaced != nil {
		replaced.Finalize(insoTypes.TxRejected, nil, ErrReplaced)
		p.logger.Debug("Transaction replaced", "old", replaced.Hash.Hex(), "new", ptx.Hash.Hex(), "nonce", ptx.Nonce())
	}
	if p.metrics != nil {
		p.metrics.TxAdmitted.Inc()
	}
	p.reportSize()
	if executable {
		p.drainFeed.Send(DrainEvent{Origin: from})
	}

	p.logger.Debug("Transaction admitted",
		"hash", ptx.Hash.Hex(),
		"from", from.Hex(),
		"nonce", ptx.Nonce(),
		"executable", executable,
	)
	return ptx, executable, nil
}

// add classifies ptx against the origin's expected nonce and stores it.
func (p *Pool) add(ptx *insoTypes.Transaction) (executable bool, replaced *insoTypes.Transaction, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.executables.Lookup(ptx.Hash) != nil || p.lookupQueued(ptx.Hash) != nil {
		return false, nil, ErrAlreadyKnown
	}

	origin, nonce := ptx.From, ptx.Nonce()
	expected := p.chain.NonceAt(origin)
	if next, ok := p.executables.NextNonce(origin); ok && next > expected {
		expected = next
	}

	switch {
	case nonce < expected:
		if p.executables.InProgressAt(origin, nonce) != nil {
			return false, nil, ErrReplaceLocked
		}
		old := p.executables.Get(origin, nonce)
		if old == nil {
			return false, nil, fmt.Errorf("%w: next nonce %d, tx nonce %d", ErrNonceTooLow, expected, nonce)
		}
		if old.Locked() {
			return false, nil, ErrReplaceLocked
		}
		if err := checkReplacement(old.Tx, ptx.Tx, p.priceBump); err != nil {
			return false, nil, err
		}
		p.executables.Replace(ptx)
		return true, old, nil

	case nonce == expected:
		if q := p.queued[origin]; q != nil {
			if old := q.Get(nonce); old != nil {
				if err := checkReplacement(old.Tx, ptx.Tx, p.priceBump); err != nil {
					return false, nil, err
				}
				q.Remove(nonce)
				replaced = old
			}
		}
		p.executables.Push(ptx)
		p.promote(origin, nonce+1)
		return true, replaced, nil

	default:
		q, ok := p.queued[origin]
		if !ok {
			q = newNonceQueue()
			p.queued[origin] = q
		}
		if old := q.Get(nonce); old != nil {
			if err := checkReplacement(old.Tx, ptx.Tx, p.priceBump); err != nil {
				return false, nil, err
			}
			replaced = old
		}
		q.Put(ptx)
		return false, replaced, nil
	}
}

// promote moves the contiguous queued run of origin starting at next into
// Executables. Caller holds p.mu.
func (p *Pool) promote(origin common.Address, next uint64) {
	q, ok := p.queued[origin]
	if !ok {
		return
	}
	for {
		tx := q.Remove(next)
		if tx == nil {
			break
		}
		p.executables.Push(tx)
		next++
	}
	if q.Len() == 0 {
		delete(p.queued, origin)
	}
}

func (p *Pool) lookupQueued(hash common.Hash) *insoTypes.Transaction {
	for _, q := range p.queued {
		for _, tx := range q.items {
			if tx.Hash == hash {
				return tx
			}
		}
	}
	return nil
}

// validate runs the stateless checks against the next block's rules and
// returns the intrinsic gas of tx.
func (p *Pool) validate(tx *types.Transaction) (uint64, error) {
	head := p.chain.CurrentHeader()
	number := new(big.Int).Add(head.Number, common.Big1)
	rules := p.chainConfig.Rules(number, true, head.Time)

	switch tx.Type() {
	case types.LegacyTxType:
	case types.AccessListTxType:
		if !rules.IsBerlin {
			return 0, fmt.Errorf("%w: access list transactions before Berlin", ErrTxTypeNotSupported)
		}
	case types.DynamicFeeTxType:
		if !rules.IsLondon {
			return 0, fmt.Errorf("%w: dynamic fee transactions before London", ErrTxTypeNotSupported)
		}
	default:
		return 0, fmt.Errorf("%w: type %d", ErrTxTypeNotSupported, tx.Type())
	}

	if tx.Gas() > p.gasLimit {
		return 0, fmt.Errorf("%w: tx gas %d, block gas limit %d", ErrGasLimit, tx.Gas(), p.gasLimit)
	}
	if tx.GasFeeCap().Cmp(tx.GasTipCap()) < 0 {
		return 0, ErrTipAboveFeeCap
	}
	intrGas, err := core.IntrinsicGas(tx.Data(), tx.AccessList(), tx.To() == nil, rules.IsHomestead, rules.IsIstanbul, rules.IsShanghai)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrIntrinsicGas, err)
	}
	if tx.Gas() < intrGas {
		return 0, fmt.Errorf("%w: have %d, want %d", ErrIntrinsicGas, tx.Gas(), intrGas)
	}
	return intrGas, nil
}

// checkReplacement enforces that every price term of replacement is strictly
// higher than the old one and at least priceBump percent above it.
func checkReplacement(old, replacement *types.Transaction, priceBump uint64) error {
	bump := new(big.Int).SetUint64(100 + priceBump)
	hundred := big.NewInt(100)

	terms := [][2]*big.Int{
		{old.GasFeeCap(), replacement.GasFeeCap()},
		{old.GasTipCap(), replacement.GasTipCap()},
	}
	for _, t := range terms {
		threshold := new(big.Int).Mul(t[0], bump)
		threshold.Div(threshold, hundred)
		if t[1].Cmp(t[0]) <= 0 || t[1].Cmp(threshold) < 0 {
			return fmt.Errorf("%w: have %s, want at least %s", ErrReplaceUnderpriced, t[1], threshold)
		}
	}
	return nil
}

func isSigned(tx *types.Transaction) bool {
	_, r, s := tx.RawSignatureValues()
	return (r != nil && r.Sign() != 0) || (s != nil && s.Sign() != 0)
}

// waitResumed blocks while the pool is paused. cleared reports that Clear
// ran while waiting.
func (p *Pool) waitResumed(ctx context.Context) (cleared bool, err error) {
	p.mu.Lock()
	gen := p.generation
	for p.paused {
		ch := p.resumeCh
		p.mu.Unlock()
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-ch:
		}
		p.mu.Lock()
		if p.generation != gen {
			p.mu.Unlock()
			return true, nil
		}
	}
	p.mu.Unlock()
	return false, nil
}

// Drop rejects an executable that cannot be executed. The origin's remaining
// executables lose their contiguous base and move back to the future queue.
func (p *Pool) Drop(tx *insoTypes.Transaction, reason error) {
	p.mu.Lock()
	p.executables.Settle(tx)
	demoted := p.executables.RemoveFrom(tx.From, tx.Nonce())
	for _, d := range demoted {
		if d == tx {
			continue
		}
		q, ok := p.queued[tx.From]
		if !ok {
			q = newNonceQueue()
			p.queued[tx.From] = q
		}
		q.Put(d)
	}
	p.mu.Unlock()

	tx.SetLocked(false)
	tx.Finalize(insoTypes.TxRejected, nil, reason)
	p.reject("execution")
	p.reportSize()
	p.logger.Warn("Dropped unexecutable transaction", "hash", tx.Hash.Hex(), "from", tx.From.Hex(), "demoted", len(demoted), "err", reason)
}

// Clear discards every pending and queued transaction and releases
// admissions blocked on pause. In-progress transactions are untouched.
func (p *Pool) Clear() {
	p.mu.Lock()
	removed := p.executables.Clear()
	for _, q := range p.queued {
		removed = append(removed, q.Flatten()...)
	}
	p.queued = make(map[common.Address]*nonceQueue)
	p.generation++
	if p.paused {
		close(p.resumeCh)
		p.resumeCh = make(chan struct{})
	}
	p.mu.Unlock()

	for _, tx := range removed {
		tx.Finalize(insoTypes.TxRejected, nil, ErrPoolCleared)
	}
	p.reportSize()
	p.logger.Info("Transaction pool cleared", "discarded", len(removed))
}

// Pause blocks new admissions until Resume.
func (p *Pool) Pause() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.paused = true
}

// Resume releases admissions blocked by Pause.
func (p *Pool) Resume() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.paused {
		return
	}
	p.paused = false
	close(p.resumeCh)
	p.resumeCh = make(chan struct{})
}

// Get returns a tracked transaction by hash.
func (p *Pool) Get(hash common.Hash) *insoTypes.Transaction {
	if tx := p.executables.Lookup(hash); tx != nil {
		return tx
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lookupQueued(hash)
}

// PendingNonce returns the next nonce origin should use, counting
// executable and in-progress transactions.
func (p *Pool) PendingNonce(origin common.Address) uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	nonce := p.chain.NonceAt(origin)
	if next, ok := p.executables.NextNonce(origin); ok && next > nonce {
		nonce = next
	}
	return nonce
}

// Pending returns the executable transactions grouped by origin.
func (p *Pool) Pending() map[common.Address][]*insoTypes.Transaction {
	return p.executables.Pending()
}

// Queued returns the future transactions grouped by origin.
func (p *Pool) Queued() map[common.Address][]*insoTypes.Transaction {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make(map[common.Address][]*insoTypes.Transaction, len(p.queued))
	for origin, q := range p.queued {
		out[origin] = q.Flatten()
	}
	return out
}

// Len returns the number of executable and queued transactions.
func (p *Pool) Len() (pending, queued int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, q := range p.queued {
		queued += q.Len()
	}
	return p.executables.Len(), queued
}

func (p *Pool) reject(reason string) {
	if p.metrics != nil {
		p.metrics.TxRejected.WithLabelValues(reason).Inc()
	}
}

// reportSize publishes the pool size gauges.
func (p *Pool) reportSize() {
	if p.metrics == nil {
		return
	}
	pending, queued := p.Len()
	p.metrics.PoolPending.Set(float64(pending))
	p.metrics.PoolQueued.Set(float64(queued))
}
