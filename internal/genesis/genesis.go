package genesis

import (
	"encoding/json"
	"fmt"
	"math/big"
	"os"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/state"
	"github.com/ethereum/go-ethereum/core/tracing"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/params"
	"github.com/holiman/uint256"

	"github.com/insoblok/inso-simchain/internal/execution"
	"github.com/insoblok/inso-simchain/internal/fees"
)

const defaultGasLimit = 30_000_000

// Genesis represents the genesis block configuration.
type Genesis struct {
	Config     *params.ChainConfig       `json:"config"`
	Timestamp  string                    `json:"timestamp"`
	ExtraData  string                    `json:"extraData"`
	GasLimit   string                    `json:"gasLimit"`
	BaseFee    string                    `json:"baseFeePerGas"`
	Coinbase   string                    `json:"coinbase"`
	Alloc      map[string]GenesisAccount `json:"alloc"`
}

// GenesisAccount represents a pre-funded account in genesis.
type GenesisAccount struct {
	Balance string            `json:"balance"`
	Code    string            `json:"code,omitempty"`
	Nonce   uint64            `json:"nonce,omitempty"`
	Storage map[string]string `json:"storage,omitempty"`
}

// LoadGenesis reads and parses a genesis.json file.
func LoadGenesis(path string) (*Genesis, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read genesis file: %w", err)
	}

	var gen Genesis
	if err := json.Unmarshal(data, &gen); err != nil {
		return nil, fmt.Errorf("parse genesis: %w", err)
	}
	return &gen, nil
}

// DefaultGenesis returns a development genesis funding the well-known
// test mnemonic accounts.
func DefaultGenesis(chainID uint64) *Genesis {
	return &Genesis{
		Config: DefaultChainConfig(chainID),
		Alloc: map[string]GenesisAccount{
			"0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266": {Balance: "0x21E19E0C9BAB2400000"},
			"0x70997970C51812dc3A010C7d01b50e0d17dc79C8": {Balance: "0x21E19E0C9BAB2400000"},
			"0x3C44CdDdB6a900fa2b585dd299e03d12FA4293BC": {Balance: "0x21E19E0C9BAB2400000"},
			"0x90F79bf6EB2c4f870365E785982E1f101E93b906": {Balance: "0x152D02C7E14AF6800000"},
		},
		GasLimit: "0x1c9c380",
	}
}

// DefaultChainConfig returns a chain config with every fork up to Cancun
// active from genesis.
func DefaultChainConfig(chainID uint64) *params.ChainConfig {
	return &params.ChainConfig{
		ChainID:                       new(big.Int).SetUint64(chainID),
		HomesteadBlock:                big.NewInt(0),
		EIP150Block:                   big.NewInt(0),
		EIP155Block:                   big.NewInt(0),
		EIP158Block:                   big.NewInt(0),
		ByzantiumBlock:                big.NewInt(0),
		ConstantinopleBlock:           big.NewInt(0),
		PetersburgBlock:               big.NewInt(0),
		IstanbulBlock:                 big.NewInt(0),
		MuirGlacierBlock:              big.NewInt(0),
		BerlinBlock:                   big.NewInt(0),
		LondonBlock:                   big.NewInt(0),
		TerminalTotalDifficulty:       big.NewInt(0),
		TerminalTotalDifficultyPassed: true,
		ShanghaiTime:                  newUint64(0),
		CancunTime:                    newUint64(0),
	}
}

func newUint64(v uint64) *uint64 {
	return &v
}

// ChainConfig returns the parsed chain config from the genesis, or defaults.
func (g *Genesis) ChainConfig(chainID uint64) *params.ChainConfig {
	if g.Config != nil {
		return g.Config
	}
	return DefaultChainConfig(chainID)
}

// ParseGasLimit returns the gas limit as uint64.
func (g *Genesis) ParseGasLimit() uint64 {
	val, ok := new(big.Int).SetString(g.GasLimit, 0)
	if !ok || val.Sign() <= 0 {
		return defaultGasLimit
	}
	return val.Uint64()
}

// InitializeState applies the genesis allocations to a fresh StateDB.
func (g *Genesis) InitializeState(sdb *state.StateDB) error {
	logger := log.New("module", "genesis")
	logger.Info("Initializing genesis state", "accounts", len(g.Alloc))

	for addrHex, account := range g.Alloc {
		addr := common.HexToAddress(addrHex)

		balance, ok := new(big.Int).SetString(account.Balance, 0)
		if !ok {
			return fmt.Errorf("invalid balance for %s: %s", addrHex, account.Balance)
		}
		balanceU256, overflow := uint256.FromBig(balance)
		if overflow {
			return fmt.Errorf("balance overflow for %s", addrHex)
		}
		sdb.AddBalance(addr, balanceU256, tracing.BalanceIncreaseGenesisBalance)

		if account.Nonce > 0 {
			sdb.SetNonce(addr, account.Nonce)
		}
		if account.Code != "" {
			sdb.SetCode(addr, common.FromHex(account.Code))
		}
		for keyHex, valHex := range account.Storage {
			sdb.SetState(addr, common.HexToHash(keyHex), common.HexToHash(valHex))
		}

		logger.Debug("Genesis account initialized",
			"address", addr.Hex(),
			"balance", balance.String(),
		)
	}
	return nil
}

// Commit writes the genesis state to store and returns the genesis header.
// gasLimit overrides the genesis gas limit when non-zero.
func (g *Genesis) Commit(store *execution.StateStore, chainConfig *params.ChainConfig, gasLimit uint64) (*types.Header, error) {
	sdb, err := store.OpenState(types.EmptyRootHash)
	if err != nil {
		return nil, err
	}
	if err := g.InitializeState(sdb); err != nil {
		return nil, err
	}
	root, err := store.CommitState(sdb, 0)
	if err != nil {
		return nil, fmt.Errorf("commit genesis state: %w", err)
	}

	if gasLimit == 0 {
		gasLimit = g.ParseGasLimit()
	}
	var timestamp uint64
	if g.Timestamp != "" {
		ts, err := hexutil.DecodeUint64(g.Timestamp)
		if err != nil {
			return nil, fmt.Errorf("invalid genesis timestamp %q: %w", g.Timestamp, err)
		}
		timestamp = ts
	}

	head := &types.Header{
		ParentHash:  common.Hash{},
		UncleHash:   types.EmptyUncleHash,
		Coinbase:    common.HexToAddress(g.Coinbase),
		Root:        root,
		TxHash:      types.EmptyTxsHash,
		ReceiptHash: types.EmptyReceiptsHash,
		Difficulty:  new(big.Int),
		Number:      new(big.Int),
		GasLimit:    gasLimit,
		Time:        timestamp,
		Extra:       common.FromHex(g.ExtraData),
	}
	if chainConfig.IsLondon(head.Number) {
		head.BaseFee = new(big.Int).Set(fees.InitialBaseFee)
		if g.BaseFee != "" {
			fee, ok := new(big.Int).SetString(g.BaseFee, 0)
			if !ok {
				return nil, fmt.Errorf("invalid genesis base fee %q", g.BaseFee)
			}
			head.BaseFee = fee
		}
	}
	if chainConfig.IsShanghai(head.Number, head.Time) {
		head.WithdrawalsHash = &types.EmptyWithdrawalsHash
	}
	if chainConfig.IsCancun(head.Number, head.Time) {
		var zero uint64
		head.BlobGasUsed = &zero
		head.ExcessBlobGas = new(uint64)
		head.ParentBeaconRoot = new(common.Hash)
	}
	return head, nil
}
