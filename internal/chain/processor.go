package chain

import (
	"errors"
	"fmt"
	"math"

	"github.com/Klingon-tech/klingnet-ledger/internal/log"
	"github.com/Klingon-tech/klingnet-ledger/internal/storage"
	"github.com/Klingon-tech/klingnet-ledger/internal/utxo"
	"github.com/Klingon-tech/klingnet-ledger/pkg/block"
	"github.com/Klingon-tech/klingnet-ledger/pkg/tx"
	"github.com/Klingon-tech/klingnet-ledger/pkg/types"
)

// Block processing errors.
var (
	ErrBlockKnown             = fmt.Errorf("%w: block already known", storage.ErrConflict)
	ErrBadHeight              = fmt.Errorf("%w: block index does not follow tip", tx.ErrValidation)
	ErrBadPrevHash            = fmt.Errorf("%w: previous hash does not match tip", tx.ErrValidation)
	ErrBadGenesis             = fmt.Errorf("%w: genesis must have index 0 and zero previous hash", tx.ErrValidation)
	ErrCoinbaseRewardExceeded = fmt.Errorf("%w: coinbase exceeds reward plus fees", tx.ErrValidation)
	ErrApplyUTXO              = errors.New("failed to apply UTXO changes")
)

// ProcessBlock validates blk against the tip and, when valid, stores it,
// applies it to the UTXO set and advances the tip. Hooks and subscribers
// run after the chain lock is released.
func (c *Chain) ProcessBlock(blk *block.Block) error {
	if err := c.connect(blk); err != nil {
		return err
	}
	c.notify(blk)
	return nil
}

func (c *Chain) connect(blk *block.Block) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if blk == nil || blk.Header == nil {
		return block.ErrNilHeader
	}
	if err := blk.Validate(); err != nil {
		return fmt.Errorf("validate: %w", err)
	}
	hash := blk.Hash()
	known, err := c.blocks.Has(hash)
	if err != nil {
		return fmt.Errorf("check block: %w", err)
	}
	if known {
		return fmt.Errorf("%w: %s", ErrBlockKnown, hash)
	}

	parent, err := c.checkParentLink(blk)
	if err != nil {
		return err
	}
	if err := c.verifyConsensus(blk, parent); err != nil {
		return err
	}
	if err := c.validateBlockState(blk); err != nil {
		return err
	}
	return c.store(blk)
}

// checkParentLink returns the parent header of blk, or nil for genesis.
func (c *Chain) checkParentLink(blk *block.Block) (*block.Header, error) {
	h := blk.Header
	if c.state.IsEmpty() {
		if h.Index != 0 || !h.PrevHash.IsZero() {
			return nil, fmt.Errorf("%w: index %d, previous %s", ErrBadGenesis, h.Index, h.PrevHash.Short())
		}
		return nil, nil
	}
	if h.Index != c.state.Height+1 {
		return nil, fmt.Errorf("%w: got %d, tip %d", ErrBadHeight, h.Index, c.state.Height)
	}
	if h.PrevHash != c.state.TipHash {
		return nil, fmt.Errorf("%w: got %s, tip %s", ErrBadPrevHash, h.PrevHash.Short(), c.state.TipHash.Short())
	}
	parent, err := c.blocks.HeaderByHeight(c.state.Height)
	if err != nil {
		return nil, fmt.Errorf("parent header: %w", err)
	}
	return parent, nil
}

func (c *Chain) verifyConsensus(blk *block.Block, parent *block.Header) error {
	h := blk.Header
	if err := c.engine.VerifyTarget(h, c.blocks.HeaderByHeight); err != nil {
		return fmt.Errorf("block %d: %w", h.Index, err)
	}
	if err := c.engine.VerifyHeader(h); err != nil {
		return fmt.Errorf("block %d: %w", h.Index, err)
	}
	if err := c.engine.ValidateTimestamp(h, parent, c.opts.Now()); err != nil {
		return fmt.Errorf("block %d: %w", h.Index, err)
	}
	return nil
}

// validateBlockState checks every transaction against the UTXO set as seen
// at its position in the block, and the coinbase against reward plus fees.
func (c *Chain) validateBlockState(blk *block.Block) error {
	view := newBlockView(c)
	sc := tx.SpendContext{
		Verifier:    c.opts.Verifier,
		Deriver:     c.opts.Deriver,
		HRP:         c.opts.HRP,
		AllowLocked: true,
		Height:      blk.Header.Index,
		Maturity:    c.opts.Maturity,
	}
	for i, t := range blk.Transactions {
		if _, err := t.ValidateWithUTXOs(view, sc); err != nil {
			return fmt.Errorf("tx %d (%s): %w", i, t.ID.Short(), err)
		}
		view.apply(t, blk.Header.Index)
	}

	fees, err := blk.TotalFees()
	if err != nil {
		return err
	}
	if fees > math.MaxUint64-c.opts.BlockReward {
		return fmt.Errorf("%w: fees %d overflow reward", ErrCoinbaseRewardExceeded, fees)
	}
	minted, err := blk.Coinbase().TotalOutputValue()
	if err != nil {
		return err
	}
	if limit := c.opts.BlockReward + fees; minted > limit {
		return fmt.Errorf("%w: %d > %d", ErrCoinbaseRewardExceeded, minted, limit)
	}
	return nil
}

// store persists a validated block and advances the tip. A block stored but
// not applied leaves the index ahead of the UTXO set until Reindex.
func (c *Chain) store(blk *block.Block) error {
	h := blk.Header
	if err := c.blocks.StoreBlock(blk, h.Target); err != nil {
		return fmt.Errorf("store block: %w", err)
	}
	if err := c.utxos.ApplyBlock(blk); err != nil {
		log.Chain.Error().Err(err).Uint64("height", h.Index).Msg("Block stored but not applied, reindex required")
		return fmt.Errorf("%w: %w", ErrApplyUTXO, err)
	}

	c.state = State{Height: h.Index, TipHash: blk.Hash(), TipTimestamp: h.Timestamp}
	log.Chain.Info().
		Uint64("height", h.Index).
		Str("hash", c.state.TipHash.Short()).
		Int("txs", len(blk.Transactions)).
		Msg("Block connected")
	return nil
}

// blockView resolves inputs against the UTXO set overlaid with the outputs
// and spends of earlier transactions in the same block.
type blockView struct {
	c       *Chain
	created map[types.Outpoint]tx.SpendableOutput
	spent   map[types.Outpoint]bool
}

func newBlockView(c *Chain) *blockView {
	return &blockView{
		c:       c,
		created: make(map[types.Outpoint]tx.SpendableOutput),
		spent:   make(map[types.Outpoint]bool),
	}
}

func (v *blockView) GetUTXO(op types.Outpoint) (tx.SpendableOutput, error) {
	if v.spent[op] {
		return tx.SpendableOutput{}, fmt.Errorf("utxo %s spent earlier in block: %w", op, storage.ErrNotFound)
	}
	if out, ok := v.created[op]; ok {
		return out, nil
	}
	out, err := v.c.utxos.GetUTXO(op)
	if err == nil || !utxo.IsNotFound(err) {
		return out, err
	}
	u, rerr := v.c.recoverUTXO(op)
	if rerr != nil {
		log.Chain.Debug().Err(rerr).Str("outpoint", op.String()).Msg("UTXO reconstruction failed")
		return tx.SpendableOutput{}, err
	}
	return u.Spendable(), nil
}

func (v *blockView) apply(t *tx.Transaction, height uint64) {
	for _, in := range t.Inputs {
		v.spent[in.PrevOut] = true
		delete(v.created, in.PrevOut)
	}
	for i, out := range t.Outputs {
		v.created[types.Outpoint{TxID: t.ID, Index: uint32(i)}] = tx.SpendableOutput{
			Amount:   out.Amount,
			Owner:    out.Owner,
			Locked:   out.Locked,
			Height:   height,
			Coinbase: t.IsCoinbase(),
		}
	}
}
