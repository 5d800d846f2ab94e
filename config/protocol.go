package config

import "github.com/Klingon-tech/klingnet-ledger/pkg/types"

// Protocol limits shared by every network.
const (
	Coin = 100_000_000 // base units per coin

	MaxTxInputs    = 2500                // Max inputs per transaction
	MaxTxOutputs   = 2500                // Max outputs per transaction
	MaxOwnerLen    = types.MaxAddressLen // Max owner address length
	MaxBlockTxs    = 10_000              // Max transactions per block
	MaxBlockSize   = 2_000_000           // Max encoded block size
	MaxTxSize      = 1 << 20             // Max canonical size of one transaction
	MaxTargetBytes = 32                  // Max length of an encoded target
)
