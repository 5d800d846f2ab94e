package node

import (
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	"github.com/Klingon-tech/klingnet-ledger/config"
	"github.com/Klingon-tech/klingnet-ledger/internal/consensus"
	"github.com/Klingon-tech/klingnet-ledger/internal/mempool"
	"github.com/Klingon-tech/klingnet-ledger/pkg/crypto"
	"github.com/Klingon-tech/klingnet-ledger/pkg/tx"
	"github.com/Klingon-tech/klingnet-ledger/pkg/types"
)

// loadKey reads a hex-encoded 32-byte private key from a file.
func loadKey(path string) (*crypto.PrivateKey, error) {
	data, err := os.ReadFile(config.ExpandHome(path))
	if err != nil {
		return nil, fmt.Errorf("read key file: %w", err)
	}

	keyBytes, err := hex.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("decode hex: %w", err)
	}

	return crypto.PrivateKeyFromBytes(keyBytes)
}

// ResolveCoinbase determines the reward address from the configured address
// or, failing that, from the key file. It returns "" when neither is set.
func ResolveCoinbase(cfg config.MiningConfig, hrp string) (string, error) {
	if cfg.Coinbase != "" {
		if err := types.ValidateAddress(cfg.Coinbase, hrp); err != nil {
			return "", fmt.Errorf("invalid coinbase address: %w", err)
		}
		return cfg.Coinbase, nil
	}
	if cfg.KeyFile == "" {
		return "", nil
	}
	key, err := loadKey(cfg.KeyFile)
	if err != nil {
		return "", fmt.Errorf("load key %s: %w", cfg.KeyFile, err)
	}
	return crypto.Blake3Deriver{}.DeriveAddress(key.PublicKey(), hrp)
}

// powParams converts network rules into engine parameters.
func powParams(r config.PoWRules) consensus.Params {
	return consensus.Params{
		GenesisTarget:  r.GenesisTarget,
		MinTarget:      r.MinTarget,
		MaxTarget:      r.MaxTarget,
		BlockTime:      r.BlockTime,
		AdjustInterval: r.AdjustInterval,
		MinFactorPct:   r.MinFactorPct,
		MaxFactorPct:   r.MaxFactorPct,
		MaxDrift:       r.MaxDrift,
	}
}

// poolPolicy converts network pool rules into a mempool policy.
func poolPolicy(r config.PoolRules) mempool.Policy {
	return mempool.Policy{
		MaxBytes:         r.MaxBytes,
		MinFee:           r.MinFee,
		ProtectedFeeRate: r.ProtectedFeeRate,
		AgePriority:      r.AgePriority,
		MaxAge:           r.MaxAge,
		Expiry:           r.Expiry,
	}
}

// feeModel converts network fee rules into the linear fee model.
func feeModel(r config.FeeRules) tx.LinearFeeModel {
	return tx.LinearFeeModel{
		MinFee:            r.MinFee,
		PerByte:           r.PerByte,
		AmountBP:          r.AmountBP,
		TaxBP:             r.TaxBP,
		SmartMultiplier:   r.SmartMultiplier,
		InstantMultiplier: r.InstantMultiplier,
		CongestionBytes:   r.CongestionBytes,
	}
}
