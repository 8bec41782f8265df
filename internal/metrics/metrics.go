package metrics

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "simchain"

// Metrics holds the Prometheus collectors for the simulator.
type Metrics struct {
	registry *prometheus.Registry

	// Block production
	BlockHeight    prometheus.Gauge
	BlocksProduced prometheus.Counter
	BlockTxs       prometheus.Histogram
	TxMined        prometheus.Counter
	GasUsedTotal   prometheus.Counter
	BaseFeeWei     prometheus.Gauge
	Deferred       *prometheus.CounterVec

	// Transaction pool
	TxAdmitted  prometheus.Counter
	TxRejected  *prometheus.CounterVec
	PoolPending prometheus.Gauge
	PoolQueued  prometheus.Gauge

	// RPC
	RPCRequests *prometheus.CounterVec
	RPCErrors   prometheus.Counter

	server *http.Server
	logger log.Logger
}

// New creates the collectors and registers them on a private registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		BlockHeight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "chain", Name: "head_block",
			Help: "Current head block number",
		}),
		BlocksProduced: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "miner", Name: "blocks_total",
			Help: "Total blocks produced",
		}),
		BlockTxs: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "miner", Name: "block_transactions",
			Help:    "Transactions per produced block",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10),
		}),
		TxMined: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "miner", Name: "transactions_total",
			Help: "Total transactions mined",
		}),
		GasUsedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "miner", Name: "gas_used_total",
			Help: "Cumulative gas used",
		}),
		BaseFeeWei: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "chain", Name: "base_fee_wei",
			Help: "Base fee of the head block in wei",
		}),
		Deferred: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "miner", Name: "deferred_total",
			Help: "Transactions deferred to a later block",
		}, []string{"reason"}),
		TxAdmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "txpool", Name: "admitted_total",
			Help: "Transactions admitted to the pool",
		}),
		TxRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "txpool", Name: "rejected_total",
			Help: "Transactions rejected by the pool",
		}, []string{"reason"}),
		PoolPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "txpool", Name: "pending",
			Help: "Executable transactions",
		}),
		PoolQueued: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "txpool", Name: "queued",
			Help: "Future transactions",
		}),
		RPCRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "rpc", Name: "requests_total",
			Help: "JSON-RPC requests by method",
		}, []string{"method"}),
		RPCErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "rpc", Name: "errors_total",
			Help: "JSON-RPC requests answered with an error",
		}),
		logger: log.New("module", "metrics"),
	}
	m.registry.MustRegister(
		m.BlockHeight, m.BlocksProduced, m.BlockTxs, m.TxMined, m.GasUsedTotal, m.BaseFeeWei, m.Deferred,
		m.TxAdmitted, m.TxRejected, m.PoolPending, m.PoolQueued,
		m.RPCRequests, m.RPCErrors,
		collectors.NewGoCollector(),
	)
	return m
}

// Registry returns the registry the collectors are registered on.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler returns the HTTP handler serving /metrics and /health.
func (m *Metrics) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"ok","service":"inso-simchain","timestamp":%d}`, time.Now().Unix())
	})
	return mux
}

// Serve starts the metrics HTTP endpoint.
func (m *Metrics) Serve(addr string) {
	m.server = &http.Server{
		Addr:         addr,
		Handler:      m.Handler(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}

	go func() {
		m.logger.Info("Metrics server starting", "addr", addr)
		if err := m.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			m.logger.Error("Metrics server error", "err", err)
		}
	}()
}

// Shutdown stops the metrics endpoint if it was started.
func (m *Metrics) Shutdown(ctx context.Context) error {
	if m.server == nil {
		return nil
	}
	return m.server.Shutdown(ctx)
}
