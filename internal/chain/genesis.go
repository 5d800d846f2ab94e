package chain

import (
	"context"
	"fmt"

	"github.com/Klingon-tech/klingnet-ledger/pkg/block"
	"github.com/Klingon-tech/klingnet-ledger/pkg/tx"
	"github.com/Klingon-tech/klingnet-ledger/pkg/types"
)

// NewGenesisBlock builds the unsealed genesis block paying the block reward
// to miner.
func NewGenesisBlock(miner string, reward, timestamp uint64) *block.Block {
	cb := tx.NewCoinbase(miner, reward, timestamp)
	header := &block.Header{
		Index:     0,
		PrevHash:  types.ZeroHash,
		Timestamp: timestamp,
		Miner:     miner,
	}
	blk := block.NewBlock(header, []*tx.Transaction{cb})
	header.MerkleRoot = blk.ComputeMerkleRoot()
	return blk
}

// CreateAndMineGenesis builds, seals and connects the genesis block of an
// empty chain.
func (c *Chain) CreateAndMineGenesis(ctx context.Context) (*block.Block, error) {
	if st := c.State(); !st.IsEmpty() {
		return nil, fmt.Errorf("chain already initialized at height %d", st.Height)
	}
	if c.opts.GenesisMiner == "" {
		return nil, fmt.Errorf("genesis miner address is not set")
	}

	ts := c.opts.GenesisTimestamp
	if ts == 0 {
		ts = uint64(c.opts.Now().Unix())
	}
	blk := NewGenesisBlock(c.opts.GenesisMiner, c.opts.BlockReward, ts)
	if err := c.engine.Prepare(blk.Header, c.blocks.HeaderByHeight); err != nil {
		return nil, fmt.Errorf("prepare genesis: %w", err)
	}
	if err := c.engine.Seal(ctx, blk); err != nil {
		return nil, fmt.Errorf("seal genesis: %w", err)
	}
	if err := c.ProcessBlock(blk); err != nil {
		return nil, fmt.Errorf("connect genesis: %w", err)
	}
	return blk, nil
}
