// Package utxo manages the live UTXO set and its history archive.
package utxo

import (
	"github.com/Klingon-tech/klingnet-ledger/pkg/block"
	"github.com/Klingon-tech/klingnet-ledger/pkg/types"
)

// UTXO represents an unspent transaction output.
type UTXO struct {
	Outpoint types.Outpoint `json:"outpoint"`
	Amount   uint64         `json:"amount"`
	Owner    string         `json:"owner"`
	Locked   bool           `json:"locked"`
	Spent    bool           `json:"spent"`
	Height   uint64         `json:"height"`
	Coinbase bool           `json:"coinbase"`
}

// Event names a history transition.
type Event string

// History events.
const (
	EventCreated Event = "created"
	EventSpent   Event = "spent"
)

// HistoryEntry is one archived transition of a UTXO.
type HistoryEntry struct {
	UTXO      UTXO       `json:"utxo"`
	Event     Event      `json:"event"`
	BlockHash types.Hash `json:"block_hash"`
	Timestamp uint64     `json:"timestamp"`
}

// Set is the interface for UTXO storage.
type Set interface {
	Store(u *UTXO) error
	Get(op types.Outpoint) (*UTXO, error)
	Has(op types.Outpoint) (bool, error)
	MarkSpent(op types.Outpoint, blockHash types.Hash, timestamp uint64) error
	SetLocked(ops []types.Outpoint, locked bool) error
	ByOwner(owner string) ([]*UTXO, error)
	ApplyBlock(blk *block.Block) error
}
