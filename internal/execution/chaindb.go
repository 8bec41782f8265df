package execution

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethdb"
	"github.com/ethereum/go-ethereum/log"

	insoTypes "github.com/insoblok/inso-simchain/pkg/types"
)

// Key prefixes for the chain database.
var (
	prefixBlock     = []byte("b")  // b + num -> block (RLP)
	prefixBlockHash = []byte("h")  // h + hash -> num
	prefixReceipt   = []byte("r")  // r + txHash -> receipt (JSON)
	prefixTxBlock   = []byte("tb") // tb + txHash -> num
	keyCurrentBlock = []byte("current-block")
	keyGenesisHash  = []byte("genesis-hash")
)

// ChainDB stores finalized blocks, receipts and the transaction index.
type ChainDB struct {
	mu     sync.RWMutex
	db     ethdb.Database
	logger log.Logger

	currentBlock uint64
	hasHead      bool
}

func encodeNumber(num uint64) []byte {
	enc := make([]byte, 8)
	binary.BigEndian.PutUint64(enc, num)
	return enc
}

func withPrefix(prefix, key []byte) []byte {
	out := make([]byte, 0, len(prefix)+len(key))
	return append(append(out, prefix...), key...)
}

// NewChainDB wraps db with chain accessors and loads the stored head.
func NewChainDB(db ethdb.Database) *ChainDB {
	cdb := &ChainDB{
		db:     db,
		logger: log.New("module", "chaindb"),
	}
	if data, err := db.Get(keyCurrentBlock); err == nil && len(data) == 8 {
		cdb.currentBlock = binary.BigEndian.Uint64(data)
		cdb.hasHead = true
	}
	return cdb
}

// WriteBlock persists a block with its receipts and indexes its
// transactions, then advances the head to it. serialized is the block's RLP
// encoding.
func (c *ChainDB) WriteBlock(block *insoTypes.Block, serialized []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	num := block.Number()
	numKey := encodeNumber(num)
	batch := c.db.NewBatch()

	if err := batch.Put(withPrefix(prefixBlock, numKey), serialized); err != nil {
		return fmt.Errorf("put block %d: %w", num, err)
	}
	if err := batch.Put(withPrefix(prefixBlockHash, block.Hash().Bytes()), numKey); err != nil {
		return fmt.Errorf("put block hash: %w", err)
	}
	for _, tx := range block.Transactions {
		if err := batch.Put(withPrefix(prefixTxBlock, tx.Hash().Bytes()), numKey); err != nil {
			return fmt.Errorf("index tx %s: %w", tx.Hash().Hex(), err)
		}
	}
	for _, receipt := range block.Receipts {
		data, err := json.Marshal(receipt)
		if err != nil {
			return fmt.Errorf("encode receipt %s: %w", receipt.TxHash.Hex(), err)
		}
		if err := batch.Put(withPrefix(prefixReceipt, receipt.TxHash.Bytes()), data); err != nil {
			return fmt.Errorf("put receipt: %w", err)
		}
	}
	if err := batch.Put(keyCurrentBlock, numKey); err != nil {
		return fmt.Errorf("put head: %w", err)
	}
	if num == 0 {
		if err := batch.Put(keyGenesisHash, block.Hash().Bytes()); err != nil {
			return fmt.Errorf("put genesis hash: %w", err)
		}
	}
	if err := batch.Write(); err != nil {
		return fmt.Errorf("write batch: %w", err)
	}

	c.currentBlock = num
	c.hasHead = true
	c.logger.Debug("Block written", "number", num, "hash", block.Hash().Hex(), "txs", len(block.Transactions))
	return nil
}

// ReadBlock returns the block with the given number and its receipts, or
// nil if it does not exist.
func (c *ChainDB) ReadBlock(num uint64) (*insoTypes.Block, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.readBlock(encodeNumber(num))
}

// ReadBlockByHash returns the block with the given hash, or nil.
func (c *ChainDB) ReadBlockByHash(hash common.Hash) (*insoTypes.Block, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	numKey, err := c.db.Get(withPrefix(prefixBlockHash, hash.Bytes()))
	if err != nil {
		return nil, nil
	}
	return c.readBlock(numKey)
}

func (c *ChainDB) readBlock(numKey []byte) (*insoTypes.Block, error) {
	data, err := c.db.Get(withPrefix(prefixBlock, numKey))
	if err != nil {
		return nil, nil // not found
	}
	block, err := insoTypes.DecodeBlock(data)
	if err != nil {
		return nil, fmt.Errorf("decode block %d: %w", binary.BigEndian.Uint64(numKey), err)
	}
	for _, tx := range block.Transactions {
		receipt, err := c.readReceipt(tx.Hash())
		if err != nil {
			return nil, err
		}
		if receipt != nil {
			block.Receipts = append(block.Receipts, receipt)
		}
	}
	return block, nil
}

// ReadBlockHash returns the hash of the block with the given number.
func (c *ChainDB) ReadBlockHash(num uint64) common.Hash {
	block, err := c.ReadBlock(num)
	if err != nil || block == nil {
		return common.Hash{}
	}
	return block.Hash()
}

// ReadReceipt returns the receipt of a mined transaction, or nil.
func (c *ChainDB) ReadReceipt(txHash common.Hash) (*types.Receipt, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.readReceipt(txHash)
}

func (c *ChainDB) readReceipt(txHash common.Hash) (*types.Receipt, error) {
	data, err := c.db.Get(withPrefix(prefixReceipt, txHash.Bytes()))
	if err != nil {
		return nil, nil
	}
	var receipt types.Receipt
	if err := json.Unmarshal(data, &receipt); err != nil {
		return nil, fmt.Errorf("decode receipt %s: %w", txHash.Hex(), err)
	}
	return &receipt, nil
}

// ReadTransaction returns a mined transaction and the number of the block
// that contains it.
func (c *ChainDB) ReadTransaction(txHash common.Hash) (*types.Transaction, uint64, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	numKey, err := c.db.Get(withPrefix(prefixTxBlock, txHash.Bytes()))
	if err != nil {
		return nil, 0, nil
	}
	block, err := c.readBlock(numKey)
	if err != nil || block == nil {
		return nil, 0, err
	}
	for _, tx := range block.Transactions {
		if tx.Hash() == txHash {
			return tx, block.Number(), nil
		}
	}
	return nil, 0, fmt.Errorf("tx %s missing from block %d", txHash.Hex(), block.Number())
}

// CurrentBlock returns the head block number and whether any block was
// written yet.
func (c *ChainDB) CurrentBlock() (uint64, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.currentBlock, c.hasHead
}

// ReadGenesisHash returns the hash of block zero.
func (c *ChainDB) ReadGenesisHash() (common.Hash, error) {
	data, err := c.db.Get(keyGenesisHash)
	if err != nil {
		return common.Hash{}, err
	}
	return common.BytesToHash(data), nil
}
