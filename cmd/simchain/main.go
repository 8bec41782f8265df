package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/spf13/cobra"

	"github.com/insoblok/inso-simchain/internal/config"
	"github.com/insoblok/inso-simchain/internal/execution"
	"github.com/insoblok/inso-simchain/internal/genesis"
	"github.com/insoblok/inso-simchain/internal/mempool"
	"github.com/insoblok/inso-simchain/internal/metrics"
	"github.com/insoblok/inso-simchain/internal/miner"
	"github.com/insoblok/inso-simchain/internal/producer"
	"github.com/insoblok/inso-simchain/internal/rpc"
	"github.com/insoblok/inso-simchain/internal/state"
)

var version = "dev"

var configPath string

var rootCmd = &cobra.Command{
	Use:   "simchain",
	Short: "local Ethereum node simulator",
	Long:  "simchain runs a single-node Ethereum chain with a transaction pool, an EIP-1559 miner and a JSON-RPC endpoint.",
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "start the simulator",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.DefaultConfig()
		if configPath != "" {
			loaded, err := config.Load(configPath)
			if err != nil {
				return err
			}
			cfg = loaded
		}
		return run(cmd.Context(), cfg)
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "print the simchain version",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "simchain %s (%s %s/%s)\n", version, runtime.Version(), runtime.GOOS, runtime.GOARCH)
	},
}

func init() {
	runCmd.Flags().StringVarP(&configPath, "config", "c", "", "path to the YAML config file")
	rootCmd.AddCommand(runCmd, versionCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

// setupLogging installs the default logger described by cfg.
func setupLogging(cfg config.LoggingConfig, w io.Writer) error {
	level, err := log.LvlFromString(cfg.Level)
	if err != nil {
		return fmt.Errorf("logging.level: %w", err)
	}
	var handler slog.Handler
	switch cfg.Format {
	case "", "terminal":
		handler = log.NewTerminalHandlerWithLevel(w, level, true)
	case "json":
		handler = log.JSONHandlerWithLevel(w, level)
	default:
		return fmt.Errorf("logging.format %q not supported", cfg.Format)
	}
	log.SetDefault(log.NewLogger(handler))
	return nil
}

func run(ctx context.Context, cfg *config.Config) error {
	if err := setupLogging(cfg.Logging, os.Stdout); err != nil {
		return err
	}
	logger := log.New("module", "main")
	logger.Info("Simchain starting", "version", version)

	gen := genesis.DefaultGenesis(cfg.Chain.ChainID)
	if cfg.Chain.GenesisFile != "" {
		loaded, err := genesis.LoadGenesis(cfg.Chain.GenesisFile)
		if err != nil {
			return fmt.Errorf("load genesis: %w", err)
		}
		gen = loaded
	}
	chainConfig := gen.ChainConfig(cfg.Chain.ChainID)
	logger.Info("Genesis loaded", "chainID", chainConfig.ChainID, "accounts", len(gen.Alloc), "london", chainConfig.LondonBlock != nil)

	stateStore, err := execution.NewStateStore(cfg.Chain.DataDir)
	if err != nil {
		return fmt.Errorf("open state database: %w", err)
	}
	chain, err := state.NewManager(cfg, stateStore, chainConfig, gen)
	if err != nil {
		return fmt.Errorf("initialize chain: %w", err)
	}
	defer chain.Close()
	logger.Info("Chain initialized", "dataDir", cfg.Chain.DataDir, "head", chain.CurrentBlock())

	met := metrics.New()
	pool := mempool.New(cfg.TxPool, cfg.Miner.BlockGasLimit, chainConfig, chain)
	pool.SetMetrics(met)
	m := miner.New(cfg.Miner, chain, pool)
	m.SetMetrics(met)
	defer m.Close()
	blockProducer := producer.New(cfg.Miner, pool, m)

	if cfg.Metrics.Enabled {
		met.Serve(cfg.Metrics.Addr)
	}

	var rpcServer *rpc.Server
	if cfg.RPC.Enabled {
		handler := rpc.NewHandler(chain, pool, m, blockProducer)
		handler.SetMetrics(met)
		rpcServer = rpc.NewServer(cfg.RPC, handler)
		if err := rpcServer.Start(ctx); err != nil {
			return fmt.Errorf("start rpc server: %w", err)
		}
	}

	go blockProducer.Start(ctx)
	logger.Info("Simchain running",
		"chainID", cfg.Chain.ChainID,
		"http", cfg.RPC.ListenAddr,
		"ws", cfg.RPC.WSAddr,
		"blockTime", cfg.Miner.BlockTime,
	)

	<-ctx.Done()
	logger.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	blockProducer.Stop()
	if rpcServer != nil {
		if err := rpcServer.Stop(shutdownCtx); err != nil {
			logger.Error("RPC shutdown failed", "err", err)
		}
	}
	if err := met.Shutdown(shutdownCtx); err != nil {
		logger.Error("Metrics shutdown failed", "err", err)
	}
	logger.Info("Simchain stopped")
	return nil
}
