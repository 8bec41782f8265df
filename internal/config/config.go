package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level simulator configuration.
type Config struct {
	Chain   ChainConfig   `yaml:"chain"`
	Miner   MinerConfig   `yaml:"miner"`
	TxPool  TxPoolConfig  `yaml:"txpool"`
	RPC     RPCConfig     `yaml:"rpc"`
	Logging LoggingConfig `yaml:"logging"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// ChainConfig holds the core chain settings.
type ChainConfig struct {
	ChainID     uint64 `yaml:"chain_id"`
	DataDir     string `yaml:"datadir"`
	GenesisFile string `yaml:"genesis_file"`
	Coinbase    string `yaml:"coinbase"`
}

// MinerConfig holds the block production settings.
type MinerConfig struct {
	// BlockTime of zero means instamine: a block is built as soon as a
	// transaction becomes executable.
	BlockTime       time.Duration `yaml:"block_time"`
	BlockGasLimit   uint64        `yaml:"block_gas_limit"`
	MinTxGas        uint64        `yaml:"min_tx_gas"`
	ExtraData       string        `yaml:"extra_data"`
	LegacyInstamine bool          `yaml:"legacy_instamine"`
}

// TxPoolConfig holds the transaction pool settings.
type TxPoolConfig struct {
	// PriceBump is the minimum price increase, in percent, needed to replace a
	// transaction with the same origin and nonce.
	PriceBump uint64 `yaml:"price_bump"`
}

// RPCConfig holds JSON-RPC listener settings.
type RPCConfig struct {
	Enabled    bool   `yaml:"enabled"`
	ListenAddr string `yaml:"listen_addr"`
	WSAddr     string `yaml:"ws_addr"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// Load reads and parses a YAML config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// Validate checks the settings that would otherwise break block production.
func (c *Config) Validate() error {
	if c.Chain.ChainID == 0 {
		return errors.New("chain.chain_id must be set")
	}
	if c.Miner.BlockGasLimit == 0 {
		return errors.New("miner.block_gas_limit must be positive")
	}
	if c.Miner.MinTxGas == 0 || c.Miner.MinTxGas > c.Miner.BlockGasLimit {
		return fmt.Errorf("miner.min_tx_gas %d out of range", c.Miner.MinTxGas)
	}
	if len(c.Miner.ExtraData) > 32 {
		return fmt.Errorf("miner.extra_data exceeds 32 bytes (%d)", len(c.Miner.ExtraData))
	}
	if c.Miner.BlockTime < 0 {
		return errors.New("miner.block_time must not be negative")
	}
	return nil
}

// DefaultConfig returns sensible defaults for local development.
func DefaultConfig() *Config {
	return &Config{
		Chain: ChainConfig{
			ChainID:  1337,
			DataDir:  "",
			Coinbase: "0x0000000000000000000000000000000000000000",
		},
		Miner: MinerConfig{
			BlockTime:     0,
			BlockGasLimit: 30_000_000,
			MinTxGas:      21_000,
		},
		TxPool: TxPoolConfig{
			PriceBump: 10,
		},
		RPC: RPCConfig{
			Enabled:    true,
			ListenAddr: "127.0.0.1:8545",
			WSAddr:     "127.0.0.1:8546",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "terminal",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Addr:    "127.0.0.1:6060",
		},
	}
}
