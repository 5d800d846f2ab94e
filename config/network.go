package config

import (
	"fmt"
	"math/big"
	"time"

	"github.com/Klingon-tech/klingnet-ledger/pkg/types"
)

// =============================================================================
// Network parameters (fixed per network)
// These MUST match for every node that shares a data directory.
// =============================================================================

// NetworkConfig holds the protocol parameters of one network. It is built
// once at start-up by ForNetwork and handed to component constructors.
type NetworkConfig struct {
	Network NetworkType `json:"network" validate:"oneof=mainnet testnet regnet"`
	HRP     string      `json:"hrp" validate:"required,max=16"`

	// Genesis
	GenesisTimestamp uint64 `json:"genesis_timestamp"`

	// BlockReward is the fixed coinbase subsidy in base units; there is no
	// halving schedule.
	BlockReward uint64 `json:"block_reward" validate:"gt=0"`
	// Maturity is the number of blocks a coinbase output waits before it can
	// be spent.
	Maturity uint64 `json:"maturity"`

	PoW      PoWRules      `json:"pow"`
	Standard PoolRules     `json:"standard_pool"`
	Smart    PoolRules     `json:"smart_pool"`
	Fees     FeeRules      `json:"fees"`
	Recovery RecoveryRules `json:"recovery"`
}

// PoWRules holds difficulty parameters. Lower targets are harder.
type PoWRules struct {
	GenesisTarget  *big.Int      `json:"genesis_target" validate:"required"`
	MinTarget      *big.Int      `json:"min_target" validate:"required"`
	MaxTarget      *big.Int      `json:"max_target" validate:"required"`
	BlockTime      uint64        `json:"block_time" validate:"gt=0"`      // Target seconds between blocks
	AdjustInterval uint64        `json:"adjust_interval"`                 // Blocks between retargets (0 = never)
	MinFactorPct   uint64        `json:"min_factor_pct" validate:"gt=0,lte=100"`
	MaxFactorPct   uint64        `json:"max_factor_pct" validate:"gte=100"`
	MaxDrift       time.Duration `json:"max_drift" validate:"gt=0"`
}

// PoolRules holds the limits of one mempool.
type PoolRules struct {
	MaxBytes         int           `json:"max_bytes" validate:"gt=0"`
	MinFee           uint64        `json:"min_fee"`
	ProtectedFeeRate uint64        `json:"protected_fee_rate"`
	AgePriority      uint64        `json:"age_priority"`
	MaxAge           uint64        `json:"max_age" validate:"omitempty,gtfield=AgePriority"`
	Expiry           time.Duration `json:"expiry" validate:"gte=0"`
}

// FeeRules parameterizes the linear fee model.
type FeeRules struct {
	MinFee            uint64 `json:"min_fee"`
	PerByte           uint64 `json:"per_byte"`
	AmountBP          uint64 `json:"amount_bp" validate:"lte=10000"`
	TaxBP             uint64 `json:"tax_bp" validate:"lte=10000"`
	SmartMultiplier   uint64 `json:"smart_multiplier" validate:"gte=100"`
	InstantMultiplier uint64 `json:"instant_multiplier" validate:"gte=100"`
	CongestionBytes   uint64 `json:"congestion_bytes"`
}

// RecoveryRules throttles UTXO reconstruction from the block log.
type RecoveryRules struct {
	PerSecond float64 `json:"per_second" validate:"gte=0"` // 0 disables reconstruction
	Burst     int     `json:"burst" validate:"gte=0"`
}

func pow2(n uint) *big.Int {
	return new(big.Int).Lsh(big.NewInt(1), n)
}

// MainnetParams returns the mainnet parameters.
func MainnetParams() *NetworkConfig {
	return &NetworkConfig{
		Network:          Mainnet,
		HRP:              types.MainnetHRP,
		GenesisTimestamp: 1770734103, // 2026-02-10
		BlockReward:      50 * Coin,
		Maturity:         20,
		PoW: PoWRules{
			GenesisTarget:  pow2(236),
			MinTarget:      pow2(160),
			MaxTarget:      pow2(240),
			BlockTime:      60,
			AdjustInterval: 120,
			MinFactorPct:   25,
			MaxFactorPct:   400,
			MaxDrift:       2 * time.Hour,
		},
		Standard: PoolRules{
			MaxBytes:         64 << 20,
			MinFee:           1_000,
			ProtectedFeeRate: 10,
			AgePriority:      50,
			MaxAge:           500,
			Expiry:           72 * time.Hour,
		},
		Smart: PoolRules{
			MaxBytes:         16 << 20,
			MinFee:           1_000,
			ProtectedFeeRate: 20,
			AgePriority:      50,
			MaxAge:           500,
			Expiry:           72 * time.Hour,
		},
		Fees: FeeRules{
			MinFee:            1_000,
			PerByte:           10,
			AmountBP:          0,
			TaxBP:             1_000, // 10% of every fee goes to the network fund
			SmartMultiplier:   150,
			InstantMultiplier: 200,
			CongestionBytes:   MaxBlockSize / 2,
		},
		Recovery: RecoveryRules{PerSecond: 1, Burst: 10},
	}
}

// TestnetParams returns the testnet parameters: easier targets, faster
// blocks and lower fees.
func TestnetParams() *NetworkConfig {
	n := MainnetParams()
	n.Network = Testnet
	n.HRP = types.TestnetHRP
	n.Maturity = 10

	n.PoW.GenesisTarget = pow2(244)
	n.PoW.MaxTarget = pow2(248)
	n.PoW.BlockTime = 30
	n.PoW.AdjustInterval = 60

	n.Standard.MaxBytes = 16 << 20
	n.Standard.MinFee = 100
	n.Smart.MaxBytes = 4 << 20
	n.Smart.MinFee = 100

	n.Fees.MinFee = 100
	n.Fees.PerByte = 1
	return n
}

// RegnetParams returns local regression-test parameters: near-trivial
// proof of work, no retargeting and short coinbase maturity.
func RegnetParams() *NetworkConfig {
	n := MainnetParams()
	n.Network = Regnet
	n.HRP = types.RegnetHRP
	n.Maturity = 2

	n.PoW.GenesisTarget = pow2(255)
	n.PoW.MinTarget = big.NewInt(1)
	n.PoW.MaxTarget = pow2(255)
	n.PoW.BlockTime = 1
	n.PoW.AdjustInterval = 0
	n.PoW.MaxDrift = 24 * time.Hour

	n.Standard.MaxBytes = 4 << 20
	n.Standard.MinFee = 10
	n.Standard.Expiry = time.Hour
	n.Smart.MaxBytes = 1 << 20
	n.Smart.MinFee = 10
	n.Smart.Expiry = time.Hour

	n.Fees.MinFee = 10
	n.Fees.PerByte = 0
	n.Fees.CongestionBytes = 0

	n.Recovery = RecoveryRules{PerSecond: 100, Burst: 100}
	return n
}

// ForNetwork returns the parameters of the named network.
func ForNetwork(network NetworkType) (*NetworkConfig, error) {
	var n *NetworkConfig
	switch network {
	case Mainnet:
		n = MainnetParams()
	case Testnet:
		n = TestnetParams()
	case Regnet:
		n = RegnetParams()
	default:
		return nil, fmt.Errorf("unknown network %q (want %s, %s or %s)", network, Mainnet, Testnet, Regnet)
	}
	return n, nil
}
