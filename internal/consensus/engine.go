// Package consensus implements proof-of-work block finalization.
package consensus

import (
	"context"
	"time"

	"github.com/Klingon-tech/klingnet-ledger/pkg/block"
)

// Engine is the interface the chain and miner use for consensus rules.
type Engine interface {
	VerifyHeader(header *block.Header) error
	ValidateTimestamp(header, parent *block.Header, now time.Time) error
	Prepare(header *block.Header, lookup HeaderLookup) error
	Seal(ctx context.Context, blk *block.Block) error
}

// HeaderLookup returns the header at a height of the active chain.
type HeaderLookup func(height uint64) (*block.Header, error)
