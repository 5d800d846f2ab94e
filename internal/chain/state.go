package chain

import "github.com/Klingon-tech/klingnet-ledger/pkg/types"

// State holds the current chain tip.
type State struct {
	Height       uint64
	TipHash      types.Hash
	TipTimestamp uint64
}

// IsEmpty returns true if no block has been stored yet.
func (s State) IsEmpty() bool {
	return s.TipHash.IsZero()
}
