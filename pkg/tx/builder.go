package tx

import (
	"fmt"
	"time"

	"github.com/Klingon-tech/klingnet-ledger/pkg/crypto"
	"github.com/Klingon-tech/klingnet-ledger/pkg/types"
)

// Builder constructs transactions incrementally.
type Builder struct {
	tx *Transaction
}

// NewBuilder creates a builder for a transaction of the given kind.
func NewBuilder(t Type) *Builder {
	return &Builder{
		tx: &Transaction{Type: t, Timestamp: uint64(time.Now().Unix())},
	}
}

// AddInput adds an input referencing a previous output.
func (b *Builder) AddInput(prevOut types.Outpoint) *Builder {
	b.tx.Inputs = append(b.tx.Inputs, Input{PrevOut: prevOut})
	return b
}

// AddOutput adds an output paying amount to owner.
func (b *Builder) AddOutput(owner string, amount uint64) *Builder {
	b.tx.Outputs = append(b.tx.Outputs, Output{Owner: owner, Amount: amount})
	return b
}

// AddLockedOutput adds an output that is created locked.
func (b *Builder) AddLockedOutput(owner string, amount uint64) *Builder {
	b.tx.Outputs = append(b.tx.Outputs, Output{Owner: owner, Amount: amount, Locked: true})
	return b
}

// SetFee sets the declared fee.
func (b *Builder) SetFee(fee uint64) *Builder {
	b.tx.Fee = fee
	return b
}

// SetTimestamp overrides the construction time.
func (b *Builder) SetTimestamp(ts uint64) *Builder {
	b.tx.Timestamp = ts
	return b
}

// Sign finalizes the id and signs every input with one key.
func (b *Builder) Sign(signer crypto.Signer) error {
	b.tx.Finalize()
	sig, err := signer.Sign(b.tx.ID[:])
	if err != nil {
		return fmt.Errorf("sign tx: %w", err)
	}
	pubKey := signer.PublicKey()
	for i := range b.tx.Inputs {
		b.tx.Inputs[i].ScriptSig = sig
		b.tx.Inputs[i].PubKey = pubKey
	}
	return nil
}

// SignMulti signs each input with the signer owning its outpoint.
func (b *Builder) SignMulti(signers map[types.Outpoint]crypto.Signer) error {
	b.tx.Finalize()
	for i := range b.tx.Inputs {
		s, ok := signers[b.tx.Inputs[i].PrevOut]
		if !ok {
			return fmt.Errorf("no signer for input %d (%s)", i, b.tx.Inputs[i].PrevOut)
		}
		sig, err := s.Sign(b.tx.ID[:])
		if err != nil {
			return fmt.Errorf("sign input %d: %w", i, err)
		}
		b.tx.Inputs[i].ScriptSig = sig
		b.tx.Inputs[i].PubKey = s.PublicKey()
	}
	return nil
}

// Build finalizes and returns the transaction.
// Does NOT validate; call tx.Validate() separately.
func (b *Builder) Build() *Transaction {
	if b.tx.ID.IsZero() {
		b.tx.Finalize()
	}
	return b.tx
}
