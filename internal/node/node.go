// Package node wires storage, chain, mempool and miner into a runnable
// ledger node that can be embedded in any binary.
package node

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/Klingon-tech/klingnet-ledger/config"
	"github.com/Klingon-tech/klingnet-ledger/internal/chain"
	"github.com/Klingon-tech/klingnet-ledger/internal/consensus"
	klog "github.com/Klingon-tech/klingnet-ledger/internal/log"
	"github.com/Klingon-tech/klingnet-ledger/internal/mempool"
	"github.com/Klingon-tech/klingnet-ledger/internal/metrics"
	"github.com/Klingon-tech/klingnet-ledger/internal/miner"
	"github.com/Klingon-tech/klingnet-ledger/pkg/block"
	"github.com/Klingon-tech/klingnet-ledger/pkg/crypto"
	"github.com/Klingon-tech/klingnet-ledger/pkg/tx"
)

// expirySweepInterval is how often the mempools drop expired entries.
const expirySweepInterval = time.Minute

// shutdownTimeout bounds the metrics server shutdown.
const shutdownTimeout = 5 * time.Second

// Node is a fully-initialized ledger node.
type Node struct {
	cfg    *config.Config
	net    *config.NetworkConfig
	logger zerolog.Logger

	// Core
	stores *Stores
	engine *consensus.PoW
	ch     *chain.Chain
	pool   *mempool.Set

	// Mining
	coinbase string
	miner    *miner.Miner

	// Metrics
	metricsLn  net.Listener
	metricsSrv *http.Server

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	g      *errgroup.Group
}

// New creates and initializes a new Node. It performs all setup steps
// (logger, storage, consensus, chain, mempool, miner) but does NOT start
// background goroutines. Call Start for that.
func New(cfg *config.Config) (*Node, error) {
	cfg.Normalize()
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	netCfg, err := config.ForNetwork(cfg.NetworkType())
	if err != nil {
		return nil, err
	}
	if err := netCfg.Validate(); err != nil {
		return nil, fmt.Errorf("network %s: %w", cfg.Network, err)
	}

	// ── Logger ──────────────────────────────────────────────────────
	logFile := cfg.Log.File
	if logFile == "" {
		logsDir := cfg.LogsDir()
		if err := os.MkdirAll(logsDir, 0755); err != nil {
			return nil, fmt.Errorf("creating logs dir: %w", err)
		}
		logFile = filepath.Join(logsDir, "ledger.log")
	}
	if err := klog.Init(cfg.Log.Level, cfg.Log.JSON, logFile); err != nil {
		return nil, fmt.Errorf("initializing logger: %w", err)
	}
	logger := klog.Node
	metrics.Init()

	logger.Info().
		Str("network", cfg.Network).
		Uint64("block_time", netCfg.PoW.BlockTime).
		Uint64("reward", netCfg.BlockReward).
		Uint64("maturity", netCfg.Maturity).
		Msg("Starting Klingnet Ledger Node")

	// ── Coinbase ────────────────────────────────────────────────────
	coinbase, err := ResolveCoinbase(cfg.Mining, netCfg.HRP)
	if err != nil {
		return nil, err
	}
	if cfg.Mining.Enabled && coinbase == "" {
		return nil, fmt.Errorf("mining requires mining.coinbase or mining.keyfile")
	}

	// ── Storage ─────────────────────────────────────────────────────
	stores, err := OpenStores(cfg)
	if err != nil {
		return nil, err
	}

	// ── Chain ───────────────────────────────────────────────────────
	ch, engine, err := NewChain(netCfg, stores, cfg.Mining.Threads, coinbase)
	if err != nil {
		stores.Close()
		return nil, err
	}
	if cfg.Reindex {
		n, err := ch.Reindex()
		if err != nil {
			stores.Close()
			return nil, fmt.Errorf("reindex: %w", err)
		}
		logger.Info().Int("blocks", n).Msg("Indexes rebuilt from block log")
	}

	// ── Mempool ─────────────────────────────────────────────────────
	pool, err := mempool.NewSet(poolPolicy(netCfg.Standard), poolPolicy(netCfg.Smart), mempool.Deps{
		UTXOs:    ch.UTXOs(),
		Fees:     feeModel(netCfg.Fees),
		Verifier: crypto.SchnorrVerifier{},
		Deriver:  crypto.Blake3Deriver{},
		HRP:      netCfg.HRP,
		Maturity: netCfg.Maturity,
		Height:   ch.Height,
		DB:       stores.Mempool,
	})
	if err != nil {
		stores.Close()
		return nil, fmt.Errorf("create mempool: %w", err)
	}
	restored, err := pool.Load()
	if err != nil {
		stores.Close()
		return nil, fmt.Errorf("load mempool: %w", err)
	}
	ch.OnConnected(func(blk *block.Block) {
		if err := pool.RemoveConfirmed(blk.Transactions); err != nil {
			logger.Error().Err(err).Uint64("height", blk.Header.Index).Msg("Failed to drop confirmed transactions")
		}
	})

	n := &Node{
		cfg:      cfg,
		net:      netCfg,
		logger:   logger,
		stores:   stores,
		engine:   engine,
		ch:       ch,
		pool:     pool,
		coinbase: coinbase,
	}

	// ── Miner ───────────────────────────────────────────────────────
	if cfg.Mining.Enabled {
		m, err := miner.New(ch, engine, pool, miner.Config{
			Coinbase:    coinbase,
			BlockReward: netCfg.BlockReward,
			Interval:    cfg.Mining.Interval,
		})
		if err != nil {
			stores.Close()
			return nil, fmt.Errorf("create miner: %w", err)
		}
		n.miner = m
	}

	n.ctx, n.cancel = context.WithCancel(context.Background())

	logger.Info().
		Uint64("height", ch.Height()).
		Int("mempool", pool.Count()).
		Int("restored", restored).
		Msg("Node initialized")

	return n, nil
}

// Start creates genesis on an empty chain when a coinbase is known, then
// launches the background goroutines: miner, mempool expiry and the
// metrics endpoint.
func (n *Node) Start() error {
	if n.ch.State().IsEmpty() {
		if n.coinbase == "" {
			n.logger.Warn().Msg("Chain is empty; set mining.coinbase to create genesis")
		} else {
			blk, err := n.ch.CreateAndMineGenesis(n.ctx)
			if err != nil {
				return fmt.Errorf("create genesis: %w", err)
			}
			n.logger.Info().
				Str("hash", blk.Hash().Short()).
				Str("miner", n.coinbase).
				Msg("Genesis block created")
		}
	}

	if n.cfg.Metrics.Addr != "" {
		ln, err := net.Listen("tcp", n.cfg.Metrics.Addr)
		if err != nil {
			return fmt.Errorf("metrics listen %s: %w", n.cfg.Metrics.Addr, err)
		}
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		n.metricsLn = ln
		n.metricsSrv = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	}

	g, ctx := errgroup.WithContext(n.ctx)
	n.g = g

	if n.miner != nil {
		g.Go(func() error {
			err := n.miner.Run(ctx)
			n.logger.Info().Msg("Block production stopped")
			return err
		})
	}

	g.Go(func() error {
		n.runExpiry(ctx)
		return nil
	})

	if n.metricsSrv != nil {
		g.Go(func() error {
			n.logger.Info().Str("addr", n.metricsLn.Addr().String()).Msg("Metrics endpoint listening")
			if err := n.metricsSrv.Serve(n.metricsLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return n.metricsSrv.Shutdown(sctx)
		})
	}

	n.logger.Info().
		Uint64("height", n.ch.Height()).
		Str("tip", n.ch.TipHash().Short()).
		Bool("mining", n.miner != nil).
		Msg("Node started successfully")

	return nil
}

// runExpiry sweeps both mempools until ctx is done.
func (n *Node) runExpiry(ctx context.Context) {
	ticker := time.NewTicker(expirySweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			removed, err := n.pool.Expire(now)
			if err != nil {
				n.logger.Error().Err(err).Msg("Mempool expiry failed")
				continue
			}
			if removed > 0 {
				n.logger.Debug().Int("removed", removed).Msg("Expired mempool entries")
			}
		}
	}
}

// Wait blocks until every background goroutine has exited and returns the
// first error one of them reported.
func (n *Node) Wait() error {
	if n.g == nil {
		return nil
	}
	return n.g.Wait()
}

// Stop performs graceful shutdown in reverse order.
func (n *Node) Stop() {
	n.cancel()
	if err := n.Wait(); err != nil {
		n.logger.Error().Err(err).Msg("Background task failed")
	}
	if err := n.stores.Close(); err != nil {
		n.logger.Error().Err(err).Msg("Failed to close storage")
	}

	n.logger.Info().Msg("Goodbye!")
	klog.Close()
}

// SubmitTransaction admits a transaction into the mempool matching its type
// and returns the fee it pays.
func (n *Node) SubmitTransaction(t *tx.Transaction) (uint64, error) {
	fee, err := n.pool.Add(t)
	if err != nil {
		return 0, err
	}
	n.logger.Debug().Str("tx", t.ID.Short()).Uint64("fee", fee).Msg("Transaction admitted")
	return fee, nil
}

// Height returns the current chain height.
func (n *Node) Height() uint64 { return n.ch.Height() }

// Chain returns the underlying chain.
func (n *Node) Chain() *chain.Chain { return n.ch }

// Mempool returns the mempool pair.
func (n *Node) Mempool() *mempool.Set { return n.pool }

// Network returns the active network parameters.
func (n *Node) Network() *config.NetworkConfig { return n.net }

// Coinbase returns the reward address ("" when none is configured).
func (n *Node) Coinbase() string { return n.coinbase }

// MetricsAddr returns the address the metrics endpoint listens on.
func (n *Node) MetricsAddr() string {
	if n.metricsLn == nil {
		return ""
	}
	return n.metricsLn.Addr().String()
}
