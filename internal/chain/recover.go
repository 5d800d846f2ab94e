package chain

import (
	"errors"
	"fmt"

	"github.com/Klingon-tech/klingnet-ledger/internal/blocklog"
	"github.com/Klingon-tech/klingnet-ledger/internal/log"
	"github.com/Klingon-tech/klingnet-ledger/internal/metrics"
	"github.com/Klingon-tech/klingnet-ledger/internal/storage"
	"github.com/Klingon-tech/klingnet-ledger/internal/utxo"
	"github.com/Klingon-tech/klingnet-ledger/pkg/block"
	"github.com/Klingon-tech/klingnet-ledger/pkg/types"
)

// ErrRecoveryThrottled is returned when reconstruction is rate limited.
var ErrRecoveryThrottled = errors.New("utxo reconstruction throttled")

// RecoverUTXO rebuilds a live UTXO missing from the set by scanning the
// block log for the transaction that created it. The output must not be
// spent by any indexed block nor archived as spent.
func (c *Chain) RecoverUTXO(op types.Outpoint) (*utxo.UTXO, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.recoverUTXO(op)
}

func (c *Chain) recoverUTXO(op types.Outpoint) (*utxo.UTXO, error) {
	if !c.recovery.Allow() {
		return nil, ErrRecoveryThrottled
	}
	spent, err := c.utxos.WasSpent(op)
	if err != nil {
		return nil, fmt.Errorf("recover %s: %w", op, err)
	}
	if spent {
		return nil, fmt.Errorf("recover %s: archived as spent: %w", op, storage.ErrNotFound)
	}

	var found *utxo.UTXO
	var spentBy types.Hash
	err = c.blocks.Log().Scan(func(loc blocklog.Location, payload []byte) error {
		blk, err := block.Decode(payload)
		if err != nil {
			return fmt.Errorf("%w: block at %s: %v", storage.ErrCorrupt, loc, err)
		}
		indexed, err := c.blocks.Has(blk.Hash())
		if err != nil || !indexed {
			return err
		}
		for _, t := range blk.Transactions {
			if found == nil && t.ID == op.TxID && int(op.Index) < len(t.Outputs) {
				out := t.Outputs[op.Index]
				found = &utxo.UTXO{
					Outpoint: op,
					Amount:   out.Amount,
					Owner:    out.Owner,
					Locked:   out.Locked,
					Height:   blk.Header.Index,
					Coinbase: t.IsCoinbase(),
				}
			}
			for _, in := range t.Inputs {
				if in.PrevOut == op {
					spentBy = t.ID
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("recover %s: scan block log: %w", op, err)
	}
	if found == nil {
		return nil, fmt.Errorf("recover %s: not in block log: %w", op, storage.ErrNotFound)
	}
	if !spentBy.IsZero() {
		return nil, fmt.Errorf("recover %s: spent by %s: %w", op, spentBy.Short(), storage.ErrNotFound)
	}

	if err := c.utxos.Store(found); err != nil {
		if !errors.Is(err, storage.ErrConflict) {
			return nil, fmt.Errorf("recover %s: %w", op, err)
		}
		return c.utxos.Get(op)
	}
	metrics.UtxoRecover.Inc()
	log.Chain.Warn().
		Str("outpoint", op.String()).
		Uint64("height", found.Height).
		Uint64("amount", found.Amount).
		Msg("Reconstructed missing UTXO from block log")
	return found, nil
}

// logRecord is a header-checked block log entry considered by Reindex.
type logRecord struct {
	loc    blocklog.Location
	header *block.Header
	parent int // -1 for genesis
}

// Reindex rebuilds the block index, the transaction index and the UTXO set
// by replaying the block log. The log is read in full before anything is
// cleared: the longest run of records linked by previous hash from a genesis
// record is replayed, and records off that run (duplicates, blocks left
// unindexed by a crash and later replaced) are skipped. Returns the number
// of blocks connected.
func (c *Chain) Reindex() (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	path, err := c.bestLogChain()
	if err != nil {
		return 0, fmt.Errorf("reindex: %w", err)
	}

	if err := c.blocks.Clear(); err != nil {
		return 0, err
	}
	if err := c.txs.Clear(); err != nil {
		return 0, err
	}
	if err := c.utxos.ClearAll(); err != nil {
		return 0, err
	}
	c.state = State{}

	for i, loc := range path {
		if err := c.replay(loc); err != nil {
			return i, fmt.Errorf("reindex: %w", err)
		}
	}
	log.Chain.Info().
		Int("blocks", len(path)).
		Uint64("height", c.state.Height).
		Msg("Reindexed chain from block log")
	return len(path), nil
}

// bestLogChain returns the locations of the longest linked chain in the
// block log, genesis first. A later record wins a tie in height, since a
// block mined after a crash follows the record the crash left unindexed.
func (c *Chain) bestLogChain() ([]blocklog.Location, error) {
	var records []logRecord
	byHash := make(map[types.Hash]int)
	best := -1

	err := c.blocks.Log().Scan(func(loc blocklog.Location, payload []byte) error {
		blk, err := block.Decode(payload)
		if err != nil {
			return fmt.Errorf("%w: block at %s: %v", storage.ErrCorrupt, loc, err)
		}
		hash := blk.Hash()
		h := blk.Header
		if _, dup := byHash[hash]; dup {
			log.Chain.Warn().Str("hash", hash.Short()).Str("location", loc.String()).Msg("Skipping duplicate block record")
			return nil
		}
		parent := -1
		if h.Index != 0 || !h.PrevHash.IsZero() {
			pi, ok := byHash[h.PrevHash]
			if !ok || records[pi].header.Index+1 != h.Index {
				log.Chain.Warn().
					Uint64("height", h.Index).
					Str("hash", hash.Short()).
					Str("location", loc.String()).
					Msg("Skipping block record without a parent in the log")
				return nil
			}
			parent = pi
		}
		if err := c.engine.VerifyHeader(h); err != nil {
			return fmt.Errorf("block %d at %s: %w", h.Index, loc, err)
		}

		byHash[hash] = len(records)
		records = append(records, logRecord{loc: loc, header: h, parent: parent})
		if best < 0 || h.Index >= records[best].header.Index {
			best = len(records) - 1
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if best < 0 {
		return nil, nil
	}

	onPath := make(map[int]bool)
	var path []blocklog.Location
	for i := best; i >= 0; i = records[i].parent {
		onPath[i] = true
		path = append(path, records[i].loc)
	}
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	for i, r := range records {
		if !onPath[i] {
			log.Chain.Warn().
				Uint64("height", r.header.Index).
				Str("location", r.loc.String()).
				Msg("Skipping block record off the best chain")
		}
	}
	return path, nil
}

// replay connects the block at loc on top of the current state.
func (c *Chain) replay(loc blocklog.Location) error {
	payload, err := c.blocks.Log().ReadAt(loc)
	if err != nil {
		return err
	}
	blk, err := block.Decode(payload)
	if err != nil {
		return fmt.Errorf("%w: block at %s: %v", storage.ErrCorrupt, loc, err)
	}
	h := blk.Header
	var next uint64
	if !c.state.IsEmpty() {
		next = c.state.Height + 1
	}
	if h.Index != next || h.PrevHash != c.state.TipHash {
		return fmt.Errorf("%w: record at %s has index %d, want %d", ErrChainBroken, loc, h.Index, next)
	}

	if err := c.blocks.index(blk, loc); err != nil {
		return err
	}
	if err := c.txs.StoreBlock(blk, int(loc.Size)); err != nil {
		return fmt.Errorf("index transactions of block %d: %w", h.Index, err)
	}
	if err := c.utxos.ApplyBlock(blk); err != nil {
		return fmt.Errorf("%w: %w", ErrApplyUTXO, err)
	}
	c.state = State{Height: h.Index, TipHash: blk.Hash(), TipTimestamp: h.Timestamp}
	return nil
}
