package tx

import (
	"errors"
	"fmt"
	"math"

	"github.com/Klingon-tech/klingnet-ledger/pkg/crypto"
	"github.com/Klingon-tech/klingnet-ledger/pkg/types"
)

// UTXO-aware validation errors.
var (
	ErrInputNotFound  = fmt.Errorf("%w: input UTXO not found", ErrValidation)
	ErrInputLocked    = fmt.Errorf("%w: input UTXO is locked", ErrValidation)
	ErrInputOverflow  = fmt.Errorf("%w: input values overflow", ErrValidation)
	ErrOwnerMismatch  = fmt.Errorf("%w: pubkey does not match UTXO owner", ErrValidation)
	ErrConservation   = fmt.Errorf("%w: inputs do not equal outputs plus fee", ErrValidation)
	ErrCoinbaseSpend  = fmt.Errorf("%w: coinbase output not mature", ErrValidation)
	errNoSpendContext = errors.New("missing verifier or address deriver")
)

// SpendableOutput is the view of a UTXO needed to validate a spend.
type SpendableOutput struct {
	Amount   uint64
	Owner    string
	Locked   bool
	Height   uint64
	Coinbase bool
}

// UTXOProvider provides read-only access to the UTXO set for validation.
// GetUTXO returns an error wrapping storage.ErrNotFound for missing outputs.
type UTXOProvider interface {
	GetUTXO(outpoint types.Outpoint) (SpendableOutput, error)
}

// SpendContext carries the collaborators used to check input ownership.
type SpendContext struct {
	Verifier crypto.Verifier
	Deriver  crypto.AddressDeriver
	HRP      string

	// AllowLocked skips the lock check. Block validation sets it because
	// pending spends hold locks on their own inputs.
	AllowLocked bool

	// Height and Maturity reject coinbase spends younger than Maturity blocks.
	Height   uint64
	Maturity uint64
}

// ValidateWithUTXOs performs full validation of a transaction against the
// UTXO set: inputs exist, are unlocked, belong to the signing key, carry
// valid signatures, and inputs == outputs + fee. Returns the input total.
func (tx *Transaction) ValidateWithUTXOs(provider UTXOProvider, sc SpendContext) (uint64, error) {
	if err := tx.Validate(); err != nil {
		return 0, err
	}
	if tx.IsCoinbase() {
		return 0, nil
	}
	if sc.Verifier == nil || sc.Deriver == nil {
		return 0, errNoSpendContext
	}

	var totalInput uint64
	for i, in := range tx.Inputs {
		u, err := provider.GetUTXO(in.PrevOut)
		if err != nil {
			return 0, fmt.Errorf("input %d (%s): %w: %w", i, in.PrevOut, ErrInputNotFound, err)
		}
		if u.Locked && !sc.AllowLocked {
			return 0, fmt.Errorf("input %d (%s): %w", i, in.PrevOut, ErrInputLocked)
		}
		if u.Coinbase && sc.Maturity > 0 && sc.Height < u.Height+sc.Maturity {
			return 0, fmt.Errorf("input %d (%s): %w: created at %d, height %d", i, in.PrevOut, ErrCoinbaseSpend, u.Height, sc.Height)
		}
		addr, err := sc.Deriver.DeriveAddress(in.PubKey, sc.HRP)
		if err != nil {
			return 0, fmt.Errorf("input %d: %w: %w", i, ErrOwnerMismatch, err)
		}
		if addr != u.Owner {
			return 0, fmt.Errorf("input %d: %w: expected %s, got %s", i, ErrOwnerMismatch, u.Owner, addr)
		}
		if totalInput > math.MaxUint64-u.Amount {
			return 0, fmt.Errorf("input %d: %w", i, ErrInputOverflow)
		}
		totalInput += u.Amount
	}

	if err := tx.VerifySignatures(sc.Verifier); err != nil {
		return 0, err
	}

	totalOutput, err := tx.TotalOutputValue()
	if err != nil {
		return 0, err
	}
	if totalOutput > math.MaxUint64-tx.Fee || totalInput != totalOutput+tx.Fee {
		return 0, fmt.Errorf("%w: inputs=%d outputs=%d fee=%d", ErrConservation, totalInput, totalOutput, tx.Fee)
	}
	return totalInput, nil
}

// VerifySignatures checks every input signature over the transaction id.
func (tx *Transaction) VerifySignatures(v crypto.Verifier) error {
	for i, in := range tx.Inputs {
		if !v.Verify(tx.ID[:], in.ScriptSig, in.PubKey) {
			return fmt.Errorf("input %d: %w", i, ErrInvalidSig)
		}
	}
	return nil
}
