package tx

import (
	"errors"
	"fmt"
	"math"

	"github.com/Klingon-tech/klingnet-ledger/config"
	"github.com/Klingon-tech/klingnet-ledger/pkg/types"
)

// ErrValidation is wrapped by every transaction rule violation.
var ErrValidation = errors.New("validation failed")

// Validation errors.
var (
	ErrNoInputs        = fmt.Errorf("%w: transaction has no inputs", ErrValidation)
	ErrNoOutputs       = fmt.Errorf("%w: transaction has no outputs", ErrValidation)
	ErrDuplicateInput  = fmt.Errorf("%w: duplicate input", ErrValidation)
	ErrOutputOverflow  = fmt.Errorf("%w: output values overflow", ErrValidation)
	ErrZeroOutput      = fmt.Errorf("%w: output value is zero", ErrValidation)
	ErrBadOwner        = fmt.Errorf("%w: invalid output owner", ErrValidation)
	ErrMissingPubKey   = fmt.Errorf("%w: input missing public key", ErrValidation)
	ErrMissingSig      = fmt.Errorf("%w: input missing signature", ErrValidation)
	ErrInvalidSig      = fmt.Errorf("%w: invalid signature", ErrValidation)
	ErrTooManyInputs   = fmt.Errorf("%w: too many inputs", ErrValidation)
	ErrTooManyOutputs  = fmt.Errorf("%w: too many outputs", ErrValidation)
	ErrTooLarge        = fmt.Errorf("%w: transaction too large", ErrValidation)
	ErrBadType         = fmt.Errorf("%w: unknown transaction type", ErrValidation)
	ErrIDMismatch      = fmt.Errorf("%w: id does not match content", ErrValidation)
	ErrBadCoinbase     = fmt.Errorf("%w: malformed coinbase", ErrValidation)
	ErrUnexpectedInput = fmt.Errorf("%w: coinbase has inputs", ErrValidation)
)

// Validate checks transaction structure and basic rules.
// This does NOT check UTXO existence (that requires the UTXO set).
func (tx *Transaction) Validate() error {
	if !tx.Type.Valid() {
		return fmt.Errorf("%w: 0x%02x", ErrBadType, byte(tx.Type))
	}
	if TypeOf(tx.ID) != tx.Type {
		return fmt.Errorf("%w: marker 0x%02x, type %s", ErrIDMismatch, tx.ID[0], tx.Type)
	}
	if tx.ComputeID() != tx.ID {
		return fmt.Errorf("%w: %s", ErrIDMismatch, tx.ID)
	}
	if size := tx.Size(); size > config.MaxTxSize {
		return fmt.Errorf("%w: %d bytes, max %d", ErrTooLarge, size, config.MaxTxSize)
	}
	if tx.IsCoinbase() {
		return tx.validateCoinbase()
	}

	if len(tx.Inputs) == 0 {
		return ErrNoInputs
	}
	if len(tx.Outputs) == 0 {
		return ErrNoOutputs
	}
	if len(tx.Inputs) > config.MaxTxInputs {
		return fmt.Errorf("%w: %d inputs, max %d", ErrTooManyInputs, len(tx.Inputs), config.MaxTxInputs)
	}
	if len(tx.Outputs) > config.MaxTxOutputs {
		return fmt.Errorf("%w: %d outputs, max %d", ErrTooManyOutputs, len(tx.Outputs), config.MaxTxOutputs)
	}

	seen := make(map[types.Outpoint]bool, len(tx.Inputs))
	for i, in := range tx.Inputs {
		if seen[in.PrevOut] {
			return fmt.Errorf("input %d: %w", i, ErrDuplicateInput)
		}
		seen[in.PrevOut] = true
		if len(in.PubKey) == 0 {
			return fmt.Errorf("input %d: %w", i, ErrMissingPubKey)
		}
		if len(in.ScriptSig) == 0 {
			return fmt.Errorf("input %d: %w", i, ErrMissingSig)
		}
	}

	return tx.validateOutputs()
}

func (tx *Transaction) validateCoinbase() error {
	if len(tx.Inputs) != 0 {
		return fmt.Errorf("%w: %d inputs", ErrUnexpectedInput, len(tx.Inputs))
	}
	if len(tx.Outputs) != 1 {
		return fmt.Errorf("%w: %d outputs, want 1", ErrBadCoinbase, len(tx.Outputs))
	}
	if tx.Fee != 0 {
		return fmt.Errorf("%w: fee %d, want 0", ErrBadCoinbase, tx.Fee)
	}
	return tx.validateOutputs()
}

func (tx *Transaction) validateOutputs() error {
	var total uint64
	for i, out := range tx.Outputs {
		if out.Amount == 0 {
			return fmt.Errorf("output %d: %w", i, ErrZeroOutput)
		}
		if out.Owner == "" || len(out.Owner) > config.MaxOwnerLen {
			return fmt.Errorf("output %d: %w: length %d", i, ErrBadOwner, len(out.Owner))
		}
		if total > math.MaxUint64-out.Amount {
			return fmt.Errorf("output %d: %w", i, ErrOutputOverflow)
		}
		total += out.Amount
	}
	return nil
}
