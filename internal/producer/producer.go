package producer

import (
	"context"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"

	"github.com/insoblok/inso-simchain/internal/config"
	"github.com/insoblok/inso-simchain/internal/mempool"
	"github.com/insoblok/inso-simchain/internal/miner"
)

// Producer decides when blocks are built. With a zero block time every
// transaction that becomes executable triggers mining (instamine); otherwise
// one block is mined per tick, empty or not.
type Producer struct {
	mu     sync.Mutex
	cfg    config.MinerConfig
	pool   *mempool.Pool
	miner  *miner.Miner
	kick   chan struct{}
	cancel context.CancelFunc
	logger log.Logger
}

// New creates a new block producer.
func New(cfg config.MinerConfig, pool *mempool.Pool, m *miner.Miner) *Producer {
	return &Producer{
		cfg:    cfg,
		pool:   pool,
		miner:  m,
		kick:   make(chan struct{}, 1),
		logger: log.New("module", "producer"),
	}
}

// Start runs the production loop until the context is cancelled or Stop is
// called.
func (p *Producer) Start(ctx context.Context) {
	p.mu.Lock()
	ctx, p.cancel = context.WithCancel(ctx)
	p.mu.Unlock()

	if p.cfg.BlockTime == 0 {
		p.instamine(ctx)
	} else {
		p.interval(ctx)
	}
}

// BlockTime returns the configured block interval; zero means instamine.
func (p *Producer) BlockTime() time.Duration { return p.cfg.BlockTime }

// Stop halts the production loop.
func (p *Producer) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		p.cancel()
	}
}

func (p *Producer) instamine(ctx context.Context) {
	drained := make(chan mempool.DrainEvent, 16)
	sub := p.pool.SubscribeDrain(drained)
	defer sub.Unsubscribe()

	p.logger.Info("Block producer started", "mode", "instamine", "legacy", p.cfg.LegacyInstamine)

	// submitters must never wait for a block, so drain events are coalesced
	go func() {
		for {
			select {
			case <-drained:
				select {
				case p.kick <- struct{}{}:
				default:
				}
			case <-sub.Err():
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	// transactions admitted before the loop started
	if pending, _ := p.pool.Len(); pending > 0 {
		p.Trigger()
	}

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("Block producer stopped")
			return
		case <-p.kick:
			p.produce(ctx, false)
		}
	}
}

func (p *Producer) interval(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.BlockTime)
	defer ticker.Stop()

	p.logger.Info("Block producer started",
		"mode", "interval",
		"blockTime", p.cfg.BlockTime,
		"gasLimit", p.cfg.BlockGasLimit,
	)

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("Block producer stopped")
			return
		case <-ticker.C:
			if p.miner.Paused() {
				continue
			}
			p.produce(ctx, true)
		}
	}
}

// Trigger requests a mining round without waiting for it.
func (p *Producer) Trigger() {
	select {
	case p.kick <- struct{}{}:
	default:
	}
}

func (p *Producer) produce(ctx context.Context, onlyOneBlock bool) {
	res, err := p.miner.Mine(ctx, nil, miner.FillBlock, onlyOneBlock)
	switch {
	case err != nil && ctx.Err() == nil:
		p.logger.Error("Block production failed", "err", err)
	case res == nil:
		// merged into the round already running
	case len(res.Blocks) > 1:
		p.logger.Debug("Mining round finished", "blocks", len(res.Blocks), "txs", len(res.Transactions()))
	}
}

// MineNow mines exactly one block regardless of the production mode. It
// returns nil if the miner was busy and the request was merged into the
// running round.
func (p *Producer) MineNow(ctx context.Context) (*miner.Result, error) {
	return p.miner.Mine(ctx, nil, miner.FillBlock, true)
}
