package mempool

import (
	"encoding/json"
	"time"

	"github.com/Klingon-tech/klingnet-ledger/pkg/tx"
	"github.com/Klingon-tech/klingnet-ledger/pkg/types"
)

// Entry is a pending transaction with its admission metadata.
type Entry struct {
	Tx          *tx.Transaction
	Fee         uint64
	Size        int
	AddedHeight uint64
	AddedAt     time.Time
	Status      Status
}

// ID returns the transaction id.
func (e *Entry) ID() types.Hash { return e.Tx.ID }

// FeePerByte returns the fee rate rounded down, for display.
func (e *Entry) FeePerByte() uint64 {
	if e.Size <= 0 {
		return e.Fee
	}
	return e.Fee / uint64(e.Size)
}

// compareRate orders entries by exact fee per byte.
func (e *Entry) compareRate(o *Entry) int {
	return tx.CompareFeeRate(e.Fee, e.Size, o.Fee, o.Size)
}

type entryJSON struct {
	Tx          *tx.Transaction `json:"tx"`
	Fee         uint64          `json:"fee"`
	Size        int             `json:"size"`
	FeePerByte  uint64          `json:"fee_per_byte"`
	AddedHeight uint64          `json:"added_height"`
	AddedAt     int64           `json:"added_at"`
	Status      Status          `json:"status"`
}

// MarshalJSON encodes the entry with a unix admission time.
func (e *Entry) MarshalJSON() ([]byte, error) {
	return json.Marshal(entryJSON{
		Tx:          e.Tx,
		Fee:         e.Fee,
		Size:        e.Size,
		FeePerByte:  e.FeePerByte(),
		AddedHeight: e.AddedHeight,
		AddedAt:     e.AddedAt.Unix(),
		Status:      e.Status,
	})
}

// UnmarshalJSON decodes an entry written by MarshalJSON.
func (e *Entry) UnmarshalJSON(data []byte) error {
	var j entryJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return err
	}
	e.Tx = j.Tx
	e.Fee = j.Fee
	e.Size = j.Size
	e.AddedHeight = j.AddedHeight
	e.AddedAt = time.Unix(j.AddedAt, 0)
	e.Status = j.Status
	return nil
}
