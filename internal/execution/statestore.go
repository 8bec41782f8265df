package execution

import (
	"fmt"
	"path/filepath"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/rawdb"
	"github.com/ethereum/go-ethereum/core/state"
	"github.com/ethereum/go-ethereum/ethdb"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/triedb"
	"github.com/ethereum/go-ethereum/triedb/hashdb"
	"github.com/holiman/uint256"
)

const (
	dbCache   = 256 // MB
	dbHandles = 256
	trieCache = 256 * 1024 * 1024
)

// StateStore owns the key-value database and the trie database on top of
// it. Block executors and state readers are opened from here.
type StateStore struct {
	disk   ethdb.Database
	trieDB *triedb.Database
	sdb    state.Database
	logger log.Logger
}

// NewStateStore opens the database under dataDir, or an in-memory one when
// dataDir is empty.
func NewStateStore(dataDir string) (*StateStore, error) {
	logger := log.New("module", "statestore")

	var disk ethdb.Database
	if dataDir == "" {
		disk = rawdb.NewMemoryDatabase()
		logger.Info("Using in-memory state database")
	} else {
		path := filepath.Join(dataDir, "chaindata")
		pebble, err := rawdb.NewPebbleDBDatabase(path, dbCache, dbHandles, "", false, false)
		if err != nil {
			return nil, fmt.Errorf("open pebble db: %w", err)
		}
		disk = pebble
		logger.Info("State database opened", "path", path)
	}

	tdb := triedb.NewDatabase(disk, &triedb.Config{
		HashDB: &hashdb.Config{CleanCacheSize: trieCache},
	})

	return &StateStore{
		disk:   disk,
		trieDB: tdb,
		sdb:    state.NewDatabaseWithNodeDB(disk, tdb),
		logger: logger,
	}, nil
}

// OpenState returns a mutable StateDB rooted at root. Use
// types.EmptyRootHash for an empty state.
func (s *StateStore) OpenState(root common.Hash) (*state.StateDB, error) {
	sdb, err := state.New(root, s.sdb, nil)
	if err != nil {
		return nil, fmt.Errorf("open state at root %s: %w", root.Hex(), err)
	}
	return sdb, nil
}

// CommitState commits sdb for block blockNum and flushes its trie nodes to
// disk, returning the state root.
func (s *StateStore) CommitState(sdb *state.StateDB, blockNum uint64) (common.Hash, error) {
	root, err := sdb.Commit(blockNum, true)
	if err != nil {
		return common.Hash{}, fmt.Errorf("commit state: %w", err)
	}
	if err := s.trieDB.Commit(root, false); err != nil {
		return common.Hash{}, fmt.Errorf("commit trie: %w", err)
	}

	s.logger.Debug("State committed", "root", root.Hex(), "block", blockNum)
	return root, nil
}

// NonceAt returns the account nonce in the state at root.
func (s *StateStore) NonceAt(root common.Hash, addr common.Address) (uint64, error) {
	sdb, err := s.OpenState(root)
	if err != nil {
		return 0, err
	}
	return sdb.GetNonce(addr), nil
}

// BalanceAt returns the account balance in the state at root.
func (s *StateStore) BalanceAt(root common.Hash, addr common.Address) (*uint256.Int, error) {
	sdb, err := s.OpenState(root)
	if err != nil {
		return nil, err
	}
	return sdb.GetBalance(addr), nil
}

// HasState reports whether the state root is available.
func (s *StateStore) HasState(root common.Hash) bool {
	return s.trieDB.Initialized(root)
}

// DiskDB returns the underlying key-value database, shared with ChainDB.
func (s *StateStore) DiskDB() ethdb.Database {
	return s.disk
}

// Close flushes and closes both databases.
func (s *StateStore) Close() error {
	if err := s.trieDB.Close(); err != nil {
		return err
	}
	return s.disk.Close()
}
