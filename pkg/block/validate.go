package block

import (
	"fmt"
	"math"

	"github.com/Klingon-tech/klingnet-ledger/config"
	"github.com/Klingon-tech/klingnet-ledger/pkg/tx"
	"github.com/Klingon-tech/klingnet-ledger/pkg/types"
)

// Validation errors.
var (
	ErrNilHeader           = fmt.Errorf("%w: block has nil header", tx.ErrValidation)
	ErrNoTransactions      = fmt.Errorf("%w: block has no transactions", tx.ErrValidation)
	ErrBadMerkleRoot       = fmt.Errorf("%w: merkle root mismatch", tx.ErrValidation)
	ErrZeroTimestamp       = fmt.Errorf("%w: block timestamp is zero", tx.ErrValidation)
	ErrNoCoinbase          = fmt.Errorf("%w: first transaction must be coinbase", tx.ErrValidation)
	ErrMultipleCoinbase    = fmt.Errorf("%w: multiple coinbase transactions in block", tx.ErrValidation)
	ErrTooManyTxs          = fmt.Errorf("%w: too many transactions in block", tx.ErrValidation)
	ErrBlockTooLarge       = fmt.Errorf("%w: block too large", tx.ErrValidation)
	ErrDuplicateBlockInput = fmt.Errorf("%w: duplicate input across transactions in block", tx.ErrValidation)
	ErrDuplicateTx         = fmt.Errorf("%w: duplicate transaction in block", tx.ErrValidation)
	ErrIndexRange          = fmt.Errorf("%w: block index out of range", tx.ErrValidation)
	ErrBadTarget           = fmt.Errorf("%w: invalid target", tx.ErrValidation)
	ErrBadMiner            = fmt.Errorf("%w: invalid miner address", tx.ErrValidation)
	ErrFeeOverflow         = fmt.Errorf("%w: block fees overflow", tx.ErrValidation)
)

// Validate checks block structure and internal consistency.
// This does NOT verify consensus rules (use consensus.PoW for that).
func (b *Block) Validate() error {
	h := b.Header
	if h == nil {
		return ErrNilHeader
	}
	if h.Timestamp == 0 {
		return ErrZeroTimestamp
	}
	if h.Index > math.MaxUint32 {
		return fmt.Errorf("%w: %d", ErrIndexRange, h.Index)
	}
	if h.Target == nil || h.Target.Sign() <= 0 || len(h.Target.Bytes()) > config.MaxTargetBytes {
		return ErrBadTarget
	}
	if h.Miner == "" || len(h.Miner) > MinerFieldSize {
		return fmt.Errorf("%w: length %d", ErrBadMiner, len(h.Miner))
	}

	if len(b.Transactions) == 0 {
		return ErrNoTransactions
	}
	if len(b.Transactions) > config.MaxBlockTxs {
		return fmt.Errorf("%w: %d txs, max %d", ErrTooManyTxs, len(b.Transactions), config.MaxBlockTxs)
	}
	if size := b.Size(); size == 0 || size > config.MaxBlockSize {
		return fmt.Errorf("%w: %d bytes, max %d", ErrBlockTooLarge, size, config.MaxBlockSize)
	}

	if !b.Transactions[0].IsCoinbase() {
		return ErrNoCoinbase
	}
	for i, t := range b.Transactions[1:] {
		if t.IsCoinbase() {
			return fmt.Errorf("tx %d: %w", i+1, ErrMultipleCoinbase)
		}
	}

	if root := b.ComputeMerkleRoot(); h.MerkleRoot != root {
		return fmt.Errorf("%w: header=%s computed=%s", ErrBadMerkleRoot, h.MerkleRoot, root)
	}

	for i, t := range b.Transactions {
		if err := t.Validate(); err != nil {
			return fmt.Errorf("tx %d: %w", i, err)
		}
	}

	// Per-tx duplicates are caught by tx.Validate above.
	ids := make(map[types.Hash]int, len(b.Transactions))
	spent := make(map[types.Outpoint]int)
	for i, t := range b.Transactions {
		if prev, ok := ids[t.ID]; ok {
			return fmt.Errorf("tx %d: %w: same id as tx %d", i, ErrDuplicateTx, prev)
		}
		ids[t.ID] = i
		for _, in := range t.Inputs {
			if prev, exists := spent[in.PrevOut]; exists {
				return fmt.Errorf("tx %d: %w: outpoint %s also spent in tx %d",
					i, ErrDuplicateBlockInput, in.PrevOut, prev)
			}
			spent[in.PrevOut] = i
		}
	}

	if _, err := b.TotalFees(); err != nil {
		return err
	}
	return nil
}
