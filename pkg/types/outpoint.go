package types

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Outpoint references a specific output of a transaction.
// Its text form "txid:index" is the combined id carried by inputs.
type Outpoint struct {
	TxID  Hash
	Index uint32
}

// IsZero returns true if the outpoint has a zero TxID and zero index.
func (o Outpoint) IsZero() bool {
	return o.TxID.IsZero() && o.Index == 0
}

// String returns "txid:index".
func (o Outpoint) String() string {
	return o.TxID.String() + ":" + strconv.FormatUint(uint64(o.Index), 10)
}

// ParseOutpoint parses the "txid:index" form.
func ParseOutpoint(s string) (Outpoint, error) {
	txid, idx, ok := strings.Cut(s, ":")
	if !ok {
		return Outpoint{}, fmt.Errorf("outpoint %q: missing ':' separator", s)
	}
	h, err := HexToHash(txid)
	if err != nil {
		return Outpoint{}, fmt.Errorf("outpoint %q: %w", s, err)
	}
	n, err := strconv.ParseUint(idx, 10, 32)
	if err != nil {
		return Outpoint{}, fmt.Errorf("outpoint %q: bad index: %w", s, err)
	}
	return Outpoint{TxID: h, Index: uint32(n)}, nil
}

// MarshalJSON encodes the outpoint in its combined string form.
func (o Outpoint) MarshalJSON() ([]byte, error) {
	return json.Marshal(o.String())
}

// UnmarshalJSON decodes the combined string form.
func (o *Outpoint) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseOutpoint(s)
	if err != nil {
		return err
	}
	*o = parsed
	return nil
}
