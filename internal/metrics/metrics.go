// Package metrics exposes the ledger's Prometheus instruments.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	BlocksStored  prometheus.Counter
	ChainHeight   prometheus.Gauge
	BlockLogBytes prometheus.Counter

	UtxoStore    prometheus.Counter
	UtxoSpend    prometheus.Counter
	UtxoApply    prometheus.Counter
	UtxoRecover  prometheus.Counter
	UtxoLock     prometheus.Counter
	UtxoErrors   *prometheus.CounterVec
	UtxoLiveSize prometheus.Gauge

	MempoolTxs       *prometheus.GaugeVec
	MempoolBytes     *prometheus.GaugeVec
	MempoolEvictions *prometheus.CounterVec
	MempoolRejects   *prometheus.CounterVec

	SealAttempts prometheus.Counter
	SealDuration prometheus.Histogram
	BlocksMined  prometheus.Counter

	// only init the metrics once
	initOnce sync.Once
)

// Init registers every instrument with the default registry. It is safe to
// call more than once.
func Init() {
	initOnce.Do(initMetrics)
}

func initMetrics() {
	BlocksStored = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "ledger",
		Name:      "blocks_stored_total",
		Help:      "Number of blocks appended to the block log",
	})
	ChainHeight = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "ledger",
		Name:      "chain_height",
		Help:      "Height of the current tip",
	})
	BlockLogBytes = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "ledger",
		Name:      "blocklog_bytes_total",
		Help:      "Bytes appended to the block log",
	})

	UtxoStore = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "ledger",
		Name:      "utxo_store_total",
		Help:      "Number of UTXOs created",
	})
	UtxoSpend = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "ledger",
		Name:      "utxo_spend_total",
		Help:      "Number of UTXOs archived as spent",
	})
	UtxoApply = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "ledger",
		Name:      "utxo_apply_block_total",
		Help:      "Number of blocks applied to the UTXO set",
	})
	UtxoRecover = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "ledger",
		Name:      "utxo_recover_total",
		Help:      "Number of UTXOs reconstructed from the block log",
	})
	UtxoLock = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "ledger",
		Name:      "utxo_lock_changes_total",
		Help:      "Number of UTXO lock flag changes",
	})
	UtxoErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ledger",
			Name:      "utxo_errors_total",
			Help:      "Number of UTXO errors",
		},
		[]string{
			"function", // function raising the error
		},
	)
	UtxoLiveSize = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "ledger",
		Name:      "utxo_live",
		Help:      "Approximate number of live UTXOs",
	})

	MempoolTxs = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "ledger",
		Name:      "mempool_txs",
		Help:      "Pending transactions per pool",
	}, []string{"pool"})
	MempoolBytes = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "ledger",
		Name:      "mempool_bytes",
		Help:      "Pending bytes per pool",
	}, []string{"pool"})
	MempoolEvictions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ledger",
		Name:      "mempool_evictions_total",
		Help:      "Entries removed without confirmation",
	}, []string{"pool", "reason"})
	MempoolRejects = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ledger",
		Name:      "mempool_rejects_total",
		Help:      "Rejected admissions",
	}, []string{"pool"})

	SealAttempts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "ledger",
		Name:      "pow_hashes_total",
		Help:      "Header hashes computed by the nonce search",
	})
	SealDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "ledger",
		Name:      "pow_seal_seconds",
		Help:      "Time spent sealing a block",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14),
	})
	BlocksMined = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "ledger",
		Name:      "blocks_mined_total",
		Help:      "Blocks produced by the local miner",
	})
}

// Handler serves the default registry.
func Handler() http.Handler {
	Init()
	return promhttp.Handler()
}
