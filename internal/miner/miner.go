// Package miner implements the block-production scheduler. It merges the
// head transaction of every origin into a price-ordered heap, executes the
// best one speculatively against the block state and keeps it only if it
// fits, then hands the filled block to the chain for sealing.
package miner

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/event"
	"github.com/ethereum/go-ethereum/log"

	"github.com/insoblok/inso-simchain/internal/config"
	"github.com/insoblok/inso-simchain/internal/execution"
	"github.com/insoblok/inso-simchain/internal/fees"
	"github.com/insoblok/inso-simchain/internal/mempool"
	"github.com/insoblok/inso-simchain/internal/metrics"
	insoTypes "github.com/insoblok/inso-simchain/pkg/types"
)

// Capacity limits how many transactions Mine puts in a block.
type Capacity int

const (
	// FillBlock mines until the block is full or the heap is empty.
	FillBlock Capacity = -1
	// Empty mines a block without transactions.
	Empty Capacity = 0
)

// Executor runs transactions against the state of one block.
type Executor interface {
	Checkpoint()
	Commit() error
	Revert() error
	Execute(tx *insoTypes.Transaction, index int, cumulativeGas uint64) (*execution.ExecResult, error)
	CommitState(blockNum uint64) (common.Hash, error)
	StorageKeys() insoTypes.StorageKeys
	SetStepHook(fn func(insoTypes.StepEvent))
}

// FinalizeArgs carries a filled block to the chain.
type FinalizeArgs struct {
	Header       *types.Header
	TxRoot       common.Hash
	ReceiptRoot  common.Hash
	StateRoot    common.Hash
	Bloom        types.Bloom
	GasUsed      uint64
	ExtraData    []byte
	Transactions []*insoTypes.Transaction
	Receipts     []*types.Receipt
	StorageKeys  insoTypes.StorageKeys
}

// Chain builds block templates and executors and persists finished blocks.
type Chain interface {
	CurrentHeader() *types.Header
	NextHeader(parent *types.Header) *types.Header
	NewExecutor(parent, header *types.Header) (Executor, error)
	Finalize(args *FinalizeArgs) (*insoTypes.BlockResult, error)
}

// TxPool is the part of the transaction pool the miner consumes.
type TxPool interface {
	Executables() *mempool.Executables
	Drop(tx *insoTypes.Transaction, reason error)
}

// IdleEvent is posted whenever the miner stops building blocks.
type IdleEvent struct{}

// Result lists the blocks produced by one Mine call.
type Result struct {
	Blocks []*insoTypes.BlockResult
}

// Transactions returns every transaction mined by the call, in order.
func (r *Result) Transactions() []*insoTypes.Transaction {
	var txs []*insoTypes.Transaction
	for _, b := range r.Blocks {
		txs = append(txs, b.Transactions...)
	}
	return txs
}

// Miner assembles blocks from the pool's executables.
type Miner struct {
	cfg   config.MinerConfig
	chain Chain
	pool  TxPool

	mu                      sync.Mutex
	busy                    bool
	continuationRequested   bool
	paused                  bool
	resumeCh                chan struct{}
	idleCh                  chan struct{}
	priced                  *pricedList
	baseFee                 *big.Int
	currentlyExecutingPrice *big.Int

	stepEvents atomic.Bool
	blockFeed  event.Feed
	idleFeed   event.Feed
	stepFeed   event.Feed

	dispatch chan *insoTypes.BlockResult
	quit     chan struct{}
	closed   atomic.Bool
	wg       sync.WaitGroup

	metrics *metrics.Metrics
	logger  log.Logger
}

// New creates a Miner and starts its block event dispatcher.
func New(cfg config.MinerConfig, chain Chain, pool TxPool) *Miner {
	m := &Miner{
		cfg:      cfg,
		chain:    chain,
		pool:     pool,
		resumeCh: make(chan struct{}),
		priced:   newPricedList(),
		dispatch: make(chan *insoTypes.BlockResult, 64),
		quit:     make(chan struct{}),
		logger:   log.New("module", "miner"),
	}
	m.wg.Add(1)
	go m.dispatchLoop()
	return m
}

// SetMetrics attaches metrics to the miner.
func (m *Miner) SetMetrics(mt *metrics.Metrics) {
	m.metrics = mt
}

// SubscribeBlocks registers ch for every finalized block.
func (m *Miner) SubscribeBlocks(ch chan<- *insoTypes.BlockResult) event.Subscription {
	return m.blockFeed.Subscribe(ch)
}

// SubscribeIdle registers ch for idle notifications.
func (m *Miner) SubscribeIdle(ch chan<- IdleEvent) event.Subscription {
	return m.idleFeed.Subscribe(ch)
}

// SubscribeSteps registers ch for opcode steps. Steps are only posted while
// enabled with ToggleStepEvent.
func (m *Miner) SubscribeSteps(ch chan<- insoTypes.StepEvent) event.Subscription {
	return m.stepFeed.Subscribe(ch)
}

// ToggleStepEvent enables or disables opcode step events.
func (m *Miner) ToggleStepEvent(enabled bool) {
	m.stepEvents.Store(enabled)
}

func (m *Miner) emitStep(ev insoTypes.StepEvent) {
	if m.stepEvents.Load() {
		m.stepFeed.Send(ev)
	}
}

// Paused reports whether mining is paused.
func (m *Miner) Paused() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.paused
}

// Pause stops new blocks from being started. If a block is being built it
// waits until the miner is idle or ctx is done.
func (m *Miner) Pause(ctx context.Context) error {
	m.mu.Lock()
	m.paused = true
	if !m.busy {
		m.mu.Unlock()
		return nil
	}
	idle := m.idleCh
	m.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Resume releases Mine calls blocked by Pause.
func (m *Miner) Resume() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.paused {
		return
	}
	m.paused = false
	close(m.resumeCh)
	m.resumeCh = make(chan struct{})
}

// Mine builds blocks starting with header, or with a fresh template on top
// of the current head when header is nil. A bounded maxTransactions, or
// Empty, always produces a single block.
//
// If another Mine call is already building, the pending heads are merged
// into its heap, another round is requested and Mine returns nil, nil. The
// caller then observes the outcome through SubscribeBlocks. A running
// single-block call that receives such a request keeps filling blocks until
// the heap is drained.
func (m *Miner) Mine(ctx context.Context, header *types.Header, maxTransactions Capacity, onlyOneBlock bool) (*Result, error) {
	if m.closed.Load() {
		return nil, ErrClosed
	}
	if maxTransactions >= 0 {
		onlyOneBlock = true
	}

	m.mu.Lock()
	for m.paused {
		resumed := m.resumeCh
		m.mu.Unlock()
		select {
		case <-resumed:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		m.mu.Lock()
	}
	if m.busy {
		m.continuationRequested = true
		m.mergeHeads()
		m.mu.Unlock()
		m.logger.Debug("Miner busy, continuation requested")
		return nil, nil
	}
	m.busy = true
	m.idleCh = make(chan struct{})
	m.mu.Unlock()

	defer m.finish()

	result := new(Result)
	for {
		block, err := m.mineBlock(header, maxTransactions)
		if err != nil {
			return result, err
		}
		result.Blocks = append(result.Blocks, block)

		m.mu.Lock()
		requested := m.continuationRequested
		more := m.priced.Len() > 0 || requested
		m.continuationRequested = false
		m.mu.Unlock()
		if onlyOneBlock {
			if !requested {
				break
			}
			// a busy Mine handed its work to this call; drain it
			onlyOneBlock = false
			maxTransactions = FillBlock
		}
		if !more {
			break
		}
		if err := ctx.Err(); err != nil {
			return result, err
		}
		header = nil
	}
	return result, nil
}

// finish returns the miner to idle and unlocks whatever is left in the heap.
func (m *Miner) finish() {
	m.mu.Lock()
	m.priced.Reset()
	m.baseFee = nil
	m.currentlyExecutingPrice = nil
	m.continuationRequested = false
	m.busy = false
	close(m.idleCh)
	m.mu.Unlock()

	m.idleFeed.Send(IdleEvent{})
}

// mineBlock fills and finalizes a single block.
func (m *Miner) mineBlock(header *types.Header, maxTransactions Capacity) (*insoTypes.BlockResult, error) {
	parent := m.chain.CurrentHeader()
	if header == nil {
		header = m.chain.NextHeader(parent)
	} else if header.ParentHash != parent.Hash() {
		return nil, fmt.Errorf("%w: parent %s, head %s", ErrParentMismatch, header.ParentHash.Hex(), parent.Hash().Hex())
	}
	header = types.CopyHeader(header)
	if parent.BaseFee != nil {
		header.BaseFee = fees.NextBaseFee(parent)
	}

	executor, err := m.chain.NewExecutor(parent, header)
	if err != nil {
		return nil, fmt.Errorf("open block executor: %w", err)
	}
	executor.SetStepHook(m.emitStep)
	env := newEnvironment(header, executor)

	if maxTransactions != Empty {
		m.mu.Lock()
		m.baseFee = header.BaseFee
		m.priced.Reprice(header.BaseFee)
		m.mergeHeads()
		m.mu.Unlock()

		m.fill(env, maxTransactions)
	}
	return m.seal(env)
}

// mergeHeads offers the head of every origin not yet offered this round.
// While a transaction is executing only heads priced above it are taken.
// Caller holds m.mu.
func (m *Miner) mergeHeads() {
	for _, head := range m.pool.Executables().Heads() {
		if m.priced.Offered(head.From) || head.Locked() {
			continue
		}
		if m.currentlyExecutingPrice != nil {
			price := fees.EffectiveGasPrice(head.Tx, m.baseFee)
			if price.Cmp(m.currentlyExecutingPrice) <= 0 {
				continue
			}
		}
		m.priced.Put(head, m.baseFee)
	}
}

// promoteNext offers the next executable of origin after its head was
// mined. Caller holds m.mu.
func (m *Miner) promoteNext(origin common.Address) {
	next := m.pool.Executables().Peek(origin)
	if next == nil || next.Locked() {
		return
	}
	m.priced.Put(next, m.baseFee)
}

// fill runs the selection loop until the block is full, the count is
// reached or the heap is empty.
func (m *Miner) fill(env *environment, maxTransactions Capacity) {
	executables := m.pool.Executables()

	for {
		m.mu.Lock()
		best := m.priced.Peek()
		if best == nil {
			m.mu.Unlock()
			return
		}
		if executables.Peek(best.From) != best {
			// discarded from the pool while waiting in the heap
			m.priced.Pop()
			best.SetLocked(false)
			m.mu.Unlock()
			continue
		}
		if best.IntrinsicGas > env.gasRemaining {
			m.priced.Pop()
			best.SetLocked(false)
			m.mu.Unlock()
			m.deferred("gas", best)
			continue
		}
		if !fees.Affordable(best.Tx, env.header.BaseFee) {
			m.priced.Pop()
			best.SetLocked(false)
			m.mu.Unlock()
			m.deferred("basefee", best)
			continue
		}
		m.priced.Pop()
		m.currentlyExecutingPrice = best.EffectiveGasPrice
		m.mu.Unlock()

		env.executor.Checkpoint()
		res, err := env.executor.Execute(best, len(env.txs), env.gasUsed)

		m.mu.Lock()
		m.currentlyExecutingPrice = nil
		m.mu.Unlock()

		switch {
		case err != nil:
			env.executor.Revert()
			m.pool.Drop(best, err)
			continue

		case res.UsedGas > env.gasRemaining:
			env.executor.Revert()
			best.SetLocked(false)
			m.deferred("fit", best)
			continue

		case !executables.Consume(best):
			env.executor.Revert()
			best.SetLocked(false)
			continue
		}

		if err := env.executor.Commit(); err != nil {
			// unbalanced checkpoints are a programming error
			panic(err)
		}
		env.include(best, res.Receipt)

		m.mu.Lock()
		m.promoteNext(best.From)
		m.mu.Unlock()

		m.logger.Trace("Transaction included",
			"hash", best.Hash.Hex(),
			"from", best.From.Hex(),
			"nonce", best.Nonce(),
			"price", best.EffectiveGasPrice,
			"gasUsed", res.UsedGas,
		)

		if maxTransactions > 0 && len(env.txs) >= int(maxTransactions) {
			return
		}
		if env.gasRemaining < m.cfg.MinTxGas {
			return
		}
	}
}

func (m *Miner) deferred(reason string, tx *insoTypes.Transaction) {
	if m.metrics != nil {
		m.metrics.Deferred.WithLabelValues(reason).Inc()
	}
	m.logger.Debug("Transaction deferred", "hash", tx.Hash.Hex(), "from", tx.From.Hex(), "nonce", tx.Nonce(), "reason", reason)
}

// seal commits the block state, hands the block to the chain, publishes it
// and settles its transactions.
func (m *Miner) seal(env *environment) (*insoTypes.BlockResult, error) {
	number := env.header.Number.Uint64()

	stateRoot, err := env.executor.CommitState(number)
	if err != nil {
		m.abandon(env, err)
		return nil, fmt.Errorf("commit block %d state: %w", number, err)
	}
	txRoot, receiptRoot := env.roots()

	res, err := m.chain.Finalize(&FinalizeArgs{
		Header:       env.header,
		TxRoot:       txRoot,
		ReceiptRoot:  receiptRoot,
		StateRoot:    stateRoot,
		Bloom:        env.bloom,
		GasUsed:      env.gasUsed,
		ExtraData:    []byte(m.cfg.ExtraData),
		Transactions: env.txs,
		Receipts:     env.receipts,
		StorageKeys:  env.executor.StorageKeys(),
	})
	if err != nil {
		m.abandon(env, err)
		return nil, fmt.Errorf("finalize block %d: %w", number, err)
	}

	if m.cfg.LegacyInstamine {
		m.blockFeed.Send(res)
	} else {
		select {
		case m.dispatch <- res:
		case <-m.quit:
		}
	}

	executables := m.pool.Executables()
	for i, tx := range env.txs {
		executables.Settle(tx)
		tx.SetLocked(false)
		tx.Finalize(insoTypes.TxMined, res.Block.Receipts[i], nil)
	}

	if m.metrics != nil {
		m.metrics.BlocksProduced.Inc()
		m.metrics.BlockHeight.Set(float64(number))
		m.metrics.BlockTxs.Observe(float64(len(env.txs)))
		m.metrics.TxMined.Add(float64(len(env.txs)))
		m.metrics.GasUsedTotal.Add(float64(env.gasUsed))
		if env.header.BaseFee != nil {
			bf, _ := new(big.Float).SetInt(env.header.BaseFee).Float64()
			m.metrics.BaseFeeWei.Set(bf)
		}
	}

	m.logger.Info("Block mined",
		"number", number,
		"hash", res.Block.Hash().Hex(),
		"txs", len(env.txs),
		"gasUsed", env.gasUsed,
		"baseFee", env.header.BaseFee,
	)
	return res, nil
}

// abandon rejects every transaction of a block that could not be sealed.
func (m *Miner) abandon(env *environment, cause error) {
	reason := fmt.Errorf("%w: %v", ErrSealFailed, cause)
	for _, tx := range env.txs {
		m.pool.Drop(tx, reason)
	}
	m.logger.Error("Block abandoned", "number", env.header.Number, "txs", len(env.txs), "err", cause)
}

// dispatchLoop delivers queued blocks to subscribers in mining order.
func (m *Miner) dispatchLoop() {
	defer m.wg.Done()
	for {
		select {
		case res := <-m.dispatch:
			m.blockFeed.Send(res)
		case <-m.quit:
			return
		}
	}
}

// Close stops the dispatcher. Blocks still queued are not delivered.
func (m *Miner) Close() {
	if m.closed.CompareAndSwap(false, true) {
		close(m.quit)
		m.wg.Wait()
	}
}
