// Package miner implements block production: transaction selection,
// coinbase construction and proof-of-work sealing.
package miner

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/Klingon-tech/klingnet-ledger/config"
	"github.com/Klingon-tech/klingnet-ledger/internal/chain"
	"github.com/Klingon-tech/klingnet-ledger/internal/consensus"
	"github.com/Klingon-tech/klingnet-ledger/internal/log"
	"github.com/Klingon-tech/klingnet-ledger/internal/metrics"
	"github.com/Klingon-tech/klingnet-ledger/internal/storage"
	"github.com/Klingon-tech/klingnet-ledger/pkg/block"
	"github.com/Klingon-tech/klingnet-ledger/pkg/tx"
)

// ErrNoGenesis is returned when mining on a chain without a genesis block.
var ErrNoGenesis = errors.New("chain has no genesis block")

// ChainState is the chain surface the miner builds on.
type ChainState interface {
	State() chain.State
	HeaderLookup() consensus.HeaderLookup
	ProcessBlock(blk *block.Block) error
	Subscribe() (<-chan *block.Block, func())
}

// TxSelector selects transactions for block inclusion.
type TxSelector interface {
	SelectForBlock(byteBudget int, height uint64) ([]*tx.Transaction, error)
}

// Config configures a miner.
type Config struct {
	// Coinbase is the address receiving rewards and fees.
	Coinbase string
	// BlockReward is the fixed subsidy in base units.
	BlockReward uint64
	// MaxBlockBytes bounds the encoded block (0 = protocol maximum).
	MaxBlockBytes int
	// Interval is the pause between blocks (0 = mine continuously).
	Interval time.Duration
	// Now overrides the wall clock.
	Now func() time.Time
}

// Miner produces new blocks.
type Miner struct {
	chain  ChainState
	engine consensus.Engine
	pool   TxSelector
	cfg    Config
}

// New creates a new block producer. pool may be nil for empty blocks.
func New(ch ChainState, engine consensus.Engine, pool TxSelector, cfg Config) (*Miner, error) {
	if ch == nil || engine == nil {
		return nil, fmt.Errorf("miner requires a chain and a consensus engine")
	}
	if cfg.Coinbase == "" {
		return nil, fmt.Errorf("miner requires a coinbase address")
	}
	if cfg.MaxBlockBytes <= 0 || cfg.MaxBlockBytes > config.MaxBlockSize {
		cfg.MaxBlockBytes = config.MaxBlockSize
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Miner{chain: ch, engine: engine, pool: pool, cfg: cfg}, nil
}

// ProduceBlock builds and seals the next block on the current tip. The
// block is not connected; the caller passes it to ProcessBlock.
// Cancelling ctx stops sealing.
func (m *Miner) ProduceBlock(ctx context.Context) (*block.Block, error) {
	st := m.chain.State()
	if st.IsEmpty() {
		return nil, ErrNoGenesis
	}
	height := st.Height + 1

	ts := uint64(m.cfg.Now().Unix())
	if ts <= st.TipTimestamp {
		ts = st.TipTimestamp + 1
	}

	var selected []*tx.Transaction
	if m.pool != nil {
		var err error
		selected, err = m.pool.SelectForBlock(m.cfg.MaxBlockBytes, height)
		if err != nil {
			return nil, fmt.Errorf("select transactions: %w", err)
		}
	}

	blk, err := m.assemble(st, height, ts, selected)
	if err != nil {
		return nil, err
	}
	if err := m.engine.Prepare(blk.Header, m.chain.HeaderLookup()); err != nil {
		return nil, fmt.Errorf("prepare header: %w", err)
	}
	if err := m.engine.Seal(ctx, blk); err != nil {
		return nil, fmt.Errorf("seal block %d: %w", height, err)
	}
	return blk, nil
}

// assemble builds the block, dropping the lowest priority transactions
// until the encoded block fits.
func (m *Miner) assemble(st chain.State, height, ts uint64, selected []*tx.Transaction) (*block.Block, error) {
	for {
		var fees uint64
		for _, t := range selected {
			if fees > math.MaxUint64-t.Fee {
				return nil, block.ErrFeeOverflow
			}
			fees += t.Fee
		}
		if fees > math.MaxUint64-m.cfg.BlockReward {
			return nil, block.ErrFeeOverflow
		}

		coinbase := tx.NewCoinbase(m.cfg.Coinbase, m.cfg.BlockReward+fees, ts)
		txs := make([]*tx.Transaction, 0, 1+len(selected))
		txs = append(txs, coinbase)
		txs = append(txs, selected...)

		header := &block.Header{
			Index:     height,
			PrevHash:  st.TipHash,
			Timestamp: ts,
			Miner:     m.cfg.Coinbase,
		}
		blk := block.NewBlock(header, txs)
		header.MerkleRoot = blk.ComputeMerkleRoot()

		if blk.Size() <= m.cfg.MaxBlockBytes || len(selected) == 0 {
			return blk, nil
		}
		selected = selected[:len(selected)-1]
	}
}

// Run mines until ctx is cancelled. A block connected by someone else at
// or above the height being sealed cancels the in-flight search. Storage
// failures end the loop with an error; other rejections are retried.
func (m *Miner) Run(ctx context.Context) error {
	if m.chain.State().IsEmpty() {
		return ErrNoGenesis
	}
	tips, unsubscribe := m.chain.Subscribe()
	defer unsubscribe()

	log.Miner.Info().
		Str("coinbase", m.cfg.Coinbase).
		Uint64("reward", m.cfg.BlockReward).
		Dur("interval", m.cfg.Interval).
		Msg("Block production enabled")

	for {
		if ctx.Err() != nil {
			log.Miner.Info().Msg("Block production stopped")
			return nil
		}

		blk, err := m.mineOne(ctx, tips, m.chain.State().Height+1)
		switch {
		case ctx.Err() != nil:
			continue
		case errors.Is(err, context.Canceled):
			log.Miner.Debug().Msg("New tip arrived, restarting block template")
			continue
		case fatal(err):
			log.Miner.Error().Err(err).Msg("Storage failure, stopping block production")
			return fmt.Errorf("produce block: %w", err)
		case err != nil:
			log.Miner.Error().Err(err).Msg("Failed to produce block")
			m.wait(ctx)
			continue
		}

		if err := m.chain.ProcessBlock(blk); err != nil {
			if fatal(err) {
				log.Miner.Error().Err(err).Uint64("height", blk.Header.Index).Msg("Storage failure, stopping block production")
				return fmt.Errorf("process block %d: %w", blk.Header.Index, err)
			}
			log.Miner.Error().Err(err).Uint64("height", blk.Header.Index).Msg("Failed to process own block")
			m.wait(ctx)
			continue
		}
		metrics.BlocksMined.Inc()
		log.Miner.Info().
			Uint64("height", blk.Header.Index).
			Str("hash", blk.Hash().Short()).
			Int("txs", len(blk.Transactions)).
			Uint64("reward", blk.Transactions[0].Outputs[0].Amount).
			Msg("Block produced")
		m.wait(ctx)
	}
}

// fatal reports errors that leave storage in a state a retry cannot fix.
func fatal(err error) bool {
	return err != nil && (storage.IsFatal(err) || errors.Is(err, chain.ErrApplyUTXO))
}

// mineOne seals one block, cancelling when tips reports a block at or
// above height.
func (m *Miner) mineOne(ctx context.Context, tips <-chan *block.Block, height uint64) (*block.Block, error) {
	mctx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan struct{})
	defer close(done)
	go func() {
		for {
			select {
			case b, ok := <-tips:
				if !ok {
					return
				}
				if b.Header.Index >= height {
					cancel()
					return
				}
			case <-done:
				return
			}
		}
	}()

	return m.ProduceBlock(mctx)
}

// wait pauses for the configured interval. It returns false if ctx ended.
func (m *Miner) wait(ctx context.Context) bool {
	if m.cfg.Interval <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(m.cfg.Interval)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
