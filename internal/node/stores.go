package node

import (
	"errors"
	"fmt"

	"golang.org/x/time/rate"

	"github.com/Klingon-tech/klingnet-ledger/config"
	"github.com/Klingon-tech/klingnet-ledger/internal/blocklog"
	"github.com/Klingon-tech/klingnet-ledger/internal/chain"
	"github.com/Klingon-tech/klingnet-ledger/internal/consensus"
	klog "github.com/Klingon-tech/klingnet-ledger/internal/log"
	"github.com/Klingon-tech/klingnet-ledger/internal/storage"
	"github.com/Klingon-tech/klingnet-ledger/internal/utxo"
	"github.com/Klingon-tech/klingnet-ledger/pkg/crypto"
)

// blockLogName names the block log segments (blocks-000000000.blk, ...).
const blockLogName = "blocks"

// Stores are the storage environments of one network: one Badger
// environment per logical database plus the block log.
type Stores struct {
	Blocks  storage.DB
	Txs     storage.DB
	UTXO    storage.DB
	Mempool storage.DB
	Log     *blocklog.Log
}

// OpenStores opens every environment below the network data directory. On
// failure the environments opened so far are closed again.
func OpenStores(cfg *config.Config) (*Stores, error) {
	s := &Stores{}
	opts := storage.BadgerOptions{SyncWrites: cfg.Storage.SyncWrites}

	open := func(dst *storage.DB, path string) error {
		db, err := storage.OpenBadger(path, opts)
		if err != nil {
			return fmt.Errorf("open database at %s: %w", path, err)
		}
		*dst = db
		return nil
	}

	for _, env := range []struct {
		dst  *storage.DB
		path string
	}{
		{&s.Blocks, cfg.BlocksDir()},
		{&s.Txs, cfg.TxIndexDir()},
		{&s.UTXO, cfg.UTXODir()},
		{&s.Mempool, cfg.MempoolDir()},
	} {
		if err := open(env.dst, env.path); err != nil {
			s.Close()
			return nil, err
		}
	}

	blog, err := blocklog.Open(cfg.BlockLogDir(), blockLogName, blocklog.Options{
		MaxSegmentSize: cfg.Storage.SegmentSize,
		Sync:           cfg.Storage.SyncWrites,
	})
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("open block log at %s: %w", cfg.BlockLogDir(), err)
	}
	s.Log = blog

	klog.Storage.Info().Str("path", cfg.ChainDataDir()).Msg("Storage opened")
	return s, nil
}

// Close closes every open environment.
func (s *Stores) Close() error {
	var errs []error
	if s.Log != nil {
		errs = append(errs, s.Log.Close())
	}
	for _, db := range []storage.DB{s.Blocks, s.Txs, s.UTXO, s.Mempool} {
		if db != nil {
			errs = append(errs, db.Close())
		}
	}
	return errors.Join(errs...)
}

// NewChain builds the consensus engine and the chain over opened stores.
// genesisMiner may be empty when the caller never creates genesis.
func NewChain(net *config.NetworkConfig, s *Stores, threads int, genesisMiner string) (*chain.Chain, *consensus.PoW, error) {
	engine, err := consensus.NewPoW(powParams(net.PoW), threads)
	if err != nil {
		return nil, nil, fmt.Errorf("create pow: %w", err)
	}

	txs := chain.NewTxIndex(s.Txs, feeModel(net.Fees))
	blocks, err := chain.NewBlockIndex(s.Blocks, s.Log, txs)
	if err != nil {
		return nil, nil, fmt.Errorf("open block index: %w", err)
	}

	burst := net.Recovery.Burst
	if net.Recovery.PerSecond == 0 {
		burst = 0
	}

	ch, err := chain.New(blocks, utxo.NewStore(s.UTXO), engine, chain.Options{
		BlockReward:      net.BlockReward,
		HRP:              net.HRP,
		Maturity:         net.Maturity,
		GenesisMiner:     genesisMiner,
		GenesisTimestamp: net.GenesisTimestamp,
		RecoveryRate:     rate.Limit(net.Recovery.PerSecond),
		RecoveryBurst:    burst,
		Verifier:         crypto.SchnorrVerifier{},
		Deriver:          crypto.Blake3Deriver{},
	})
	if err != nil {
		return nil, nil, fmt.Errorf("create chain: %w", err)
	}
	return ch, engine, nil
}
