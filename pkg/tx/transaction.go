// Package tx defines transaction types, identifiers and validation.
package tx

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"

	"github.com/Klingon-tech/klingnet-ledger/pkg/crypto"
	"github.com/Klingon-tech/klingnet-ledger/pkg/types"
	"github.com/google/uuid"
)

// Type is the transaction kind. Its value is also the first byte of the
// transaction id.
type Type byte

// Transaction kinds.
const (
	TypeStandard Type = 0x01
	TypeSmart    Type = 0x02
	TypeInstant  Type = 0x03
	TypeCoinbase Type = 0x04
)

// String returns the lowercase name of the type.
func (t Type) String() string {
	switch t {
	case TypeStandard:
		return "standard"
	case TypeSmart:
		return "smart"
	case TypeInstant:
		return "instant"
	case TypeCoinbase:
		return "coinbase"
	default:
		return fmt.Sprintf("unknown(0x%02x)", byte(t))
	}
}

// Valid reports whether t is a known kind.
func (t Type) Valid() bool {
	return t >= TypeStandard && t <= TypeCoinbase
}

// MarshalText encodes the type by name.
func (t Type) MarshalText() ([]byte, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("unknown tx type 0x%02x", byte(t))
	}
	return []byte(t.String()), nil
}

// UnmarshalText decodes a type name.
func (t *Type) UnmarshalText(b []byte) error {
	parsed, err := ParseType(string(b))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// ParseType parses a type name.
func ParseType(s string) (Type, error) {
	switch s {
	case "standard":
		return TypeStandard, nil
	case "smart":
		return TypeSmart, nil
	case "instant":
		return TypeInstant, nil
	case "coinbase":
		return TypeCoinbase, nil
	}
	return 0, fmt.Errorf("unknown tx type %q", s)
}

// Transaction is a ledger transaction.
type Transaction struct {
	ID        types.Hash `json:"id"`
	Type      Type       `json:"type"`
	Inputs    []Input    `json:"inputs"`
	Outputs   []Output   `json:"outputs"`
	Fee       uint64     `json:"fee"`
	Timestamp uint64     `json:"timestamp"`
	Salt      uuid.UUID  `json:"salt"`
}

// Input references a UTXO being spent.
type Input struct {
	PrevOut   types.Outpoint `json:"prevout"`
	ScriptSig []byte         `json:"script_sig"`
	PubKey    []byte         `json:"pubkey"`
}

// inputJSON is the JSON representation of Input with hex-encoded byte fields.
type inputJSON struct {
	PrevOut   types.Outpoint `json:"prevout"`
	ScriptSig *string        `json:"script_sig"`
	PubKey    *string        `json:"pubkey"`
}

// MarshalJSON encodes the input with hex-encoded signature and pubkey.
func (in Input) MarshalJSON() ([]byte, error) {
	j := inputJSON{PrevOut: in.PrevOut}
	if in.ScriptSig != nil {
		s := hex.EncodeToString(in.ScriptSig)
		j.ScriptSig = &s
	}
	if in.PubKey != nil {
		p := hex.EncodeToString(in.PubKey)
		j.PubKey = &p
	}
	return json.Marshal(j)
}

// UnmarshalJSON decodes an input with hex-encoded signature and pubkey.
func (in *Input) UnmarshalJSON(data []byte) error {
	var j inputJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return err
	}
	in.PrevOut = j.PrevOut
	in.ScriptSig, in.PubKey = nil, nil
	if j.ScriptSig != nil {
		b, err := hex.DecodeString(*j.ScriptSig)
		if err != nil {
			return fmt.Errorf("script_sig: %w", err)
		}
		in.ScriptSig = b
	}
	if j.PubKey != nil {
		b, err := hex.DecodeString(*j.PubKey)
		if err != nil {
			return fmt.Errorf("pubkey: %w", err)
		}
		in.PubKey = b
	}
	return nil
}

// Output defines a new UTXO. Locked outputs cannot be spent until unlocked.
type Output struct {
	Owner  string `json:"owner"`
	Amount uint64 `json:"amount"`
	Locked bool   `json:"locked,omitempty"`
}

// IsCoinbase reports whether the transaction mints the block reward.
func (tx *Transaction) IsCoinbase() bool {
	return tx.Type == TypeCoinbase
}

// ContentBytes returns the signature-free serialization of the transaction
// body: inputs (prevouts only), outputs and fee.
func (tx *Transaction) ContentBytes() []byte {
	var buf []byte
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(tx.Inputs)))
	for _, in := range tx.Inputs {
		buf = append(buf, in.PrevOut.TxID[:]...)
		buf = binary.BigEndian.AppendUint32(buf, in.PrevOut.Index)
	}
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(tx.Outputs)))
	for _, out := range tx.Outputs {
		buf = binary.BigEndian.AppendUint16(buf, uint16(len(out.Owner)))
		buf = append(buf, out.Owner...)
		buf = binary.BigEndian.AppendUint64(buf, out.Amount)
		if out.Locked {
			buf = append(buf, 1)
		} else {
			buf = append(buf, 0)
		}
	}
	buf = binary.BigEndian.AppendUint64(buf, tx.Fee)
	return buf
}

// ComputeID derives the id: the type marker followed by the last 31 bytes
// of BLAKE3(marker | timestamp | salt | content).
func (tx *Transaction) ComputeID() types.Hash {
	buf := []byte{byte(tx.Type)}
	buf = binary.BigEndian.AppendUint64(buf, tx.Timestamp)
	buf = append(buf, tx.Salt[:]...)
	buf = append(buf, tx.ContentBytes()...)
	id := crypto.Hash(buf)
	id[0] = byte(tx.Type)
	return id
}

// Finalize assigns a fresh salt if none is set and computes the id.
func (tx *Transaction) Finalize() {
	if tx.Salt == uuid.Nil {
		tx.Salt = uuid.New()
	}
	tx.ID = tx.ComputeID()
}

// TypeOf returns the kind encoded in a transaction id.
func TypeOf(id types.Hash) Type {
	return Type(id[0])
}

// Size returns the length of the canonical JSON encoding in bytes.
func (tx *Transaction) Size() int {
	b, err := json.Marshal(tx)
	if err != nil {
		return 0
	}
	return len(b)
}

// TotalOutputValue returns the sum of all output values.
// Returns an error if the sum overflows uint64.
func (tx *Transaction) TotalOutputValue() (uint64, error) {
	var total uint64
	for _, out := range tx.Outputs {
		if total > math.MaxUint64-out.Amount {
			return 0, ErrOutputOverflow
		}
		total += out.Amount
	}
	return total, nil
}

// Outpoints returns the outpoints spent by the transaction.
func (tx *Transaction) Outpoints() []types.Outpoint {
	ops := make([]types.Outpoint, len(tx.Inputs))
	for i, in := range tx.Inputs {
		ops[i] = in.PrevOut
	}
	return ops
}

// NewCoinbase creates the reward transaction paying amount to miner.
func NewCoinbase(miner string, amount, timestamp uint64) *Transaction {
	cb := &Transaction{
		Type:      TypeCoinbase,
		Outputs:   []Output{{Owner: miner, Amount: amount}},
		Timestamp: timestamp,
	}
	cb.Finalize()
	return cb
}
