// Package chain implements the ledger state machine: block storage and
// indexing, transaction indexing, and the ordered application of blocks to
// the UTXO set.
package chain

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/Klingon-tech/klingnet-ledger/internal/consensus"
	"github.com/Klingon-tech/klingnet-ledger/internal/log"
	"github.com/Klingon-tech/klingnet-ledger/internal/storage"
	"github.com/Klingon-tech/klingnet-ledger/internal/utxo"
	"github.com/Klingon-tech/klingnet-ledger/pkg/block"
	"github.com/Klingon-tech/klingnet-ledger/pkg/crypto"
	"github.com/Klingon-tech/klingnet-ledger/pkg/types"
)

// Engine is the consensus surface the chain relies on.
type Engine interface {
	consensus.Engine
	VerifyTarget(header *block.Header, lookup consensus.HeaderLookup) error
}

// ConnectedHandler is called after a block has been stored and applied.
type ConnectedHandler func(blk *block.Block)

// Options are the protocol parameters of a chain.
type Options struct {
	// BlockReward is the fixed subsidy of every block in base units.
	BlockReward uint64
	// HRP is the address prefix inputs must derive to.
	HRP string
	// Maturity is the number of blocks before a coinbase output is spendable.
	Maturity uint64
	// GenesisMiner receives the genesis reward.
	GenesisMiner string
	// GenesisTimestamp fixes the genesis time (0 = now).
	GenesisTimestamp uint64

	// RecoveryRate and RecoveryBurst throttle UTXO reconstruction from the
	// block log. A zero rate disables reconstruction.
	RecoveryRate  rate.Limit
	RecoveryBurst int

	Verifier crypto.Verifier
	Deriver  crypto.AddressDeriver

	// Now overrides the wall clock.
	Now func() time.Time
}

// Chain owns the block index, the transaction index and the UTXO set and
// applies blocks to them in order.
type Chain struct {
	mu     sync.Mutex // Serializes ProcessBlock, Reindex and genesis.
	state  State
	blocks *BlockIndex
	txs    *TxIndex
	utxos  *utxo.Store
	engine Engine
	opts   Options

	recovery *rate.Limiter

	hooksMu sync.RWMutex
	hooks   []ConnectedHandler
	subs    map[int]chan *block.Block
	nextSub int
}

// New creates a chain over the given components and recovers the tip from
// the block index.
func New(blocks *BlockIndex, utxos *utxo.Store, engine Engine, opts Options) (*Chain, error) {
	if blocks == nil || blocks.txs == nil {
		return nil, fmt.Errorf("block index and transaction index are required")
	}
	if utxos == nil {
		return nil, fmt.Errorf("utxo set is nil")
	}
	if engine == nil {
		return nil, fmt.Errorf("consensus engine is nil")
	}
	if opts.Verifier == nil || opts.Deriver == nil {
		return nil, fmt.Errorf("verifier and address deriver are required")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	c := &Chain{
		blocks:   blocks,
		txs:      blocks.txs,
		utxos:    utxos,
		engine:   engine,
		opts:     opts,
		recovery: rate.NewLimiter(opts.RecoveryRate, opts.RecoveryBurst),
		subs:     make(map[int]chan *block.Block),
	}

	tip, err := blocks.TipMeta()
	switch {
	case errors.Is(err, storage.ErrNotFound):
	case err != nil:
		return nil, fmt.Errorf("recover tip: %w", err)
	default:
		c.state = State{Height: tip.Header.Index, TipHash: tip.Hash, TipTimestamp: tip.Header.Timestamp}
		log.Chain.Info().
			Uint64("height", c.state.Height).
			Str("tip", c.state.TipHash.Short()).
			Msg("Recovered chain tip")
	}
	return c, nil
}

// State returns a copy of the current tip state.
func (c *Chain) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Height returns the height of the tip.
func (c *Chain) Height() uint64 {
	return c.State().Height
}

// TipHash returns the hash of the tip block.
func (c *Chain) TipHash() types.Hash {
	return c.State().TipHash
}

// Blocks returns the block index.
func (c *Chain) Blocks() *BlockIndex { return c.blocks }

// Txs returns the transaction index.
func (c *Chain) Txs() *TxIndex { return c.txs }

// UTXOs returns the UTXO set.
func (c *Chain) UTXOs() *utxo.Store { return c.utxos }

// Engine returns the consensus engine.
func (c *Chain) Engine() Engine { return c.engine }

// Options returns the chain options.
func (c *Chain) Options() Options { return c.opts }

// HeaderLookup resolves headers of the active chain by height.
func (c *Chain) HeaderLookup() consensus.HeaderLookup {
	return c.blocks.HeaderByHeight
}

// OnConnected registers fn to run after every connected block.
func (c *Chain) OnConnected(fn ConnectedHandler) {
	c.hooksMu.Lock()
	defer c.hooksMu.Unlock()
	c.hooks = append(c.hooks, fn)
}

// Subscribe returns a channel receiving every new tip block and a function
// that cancels the subscription. Slow subscribers miss blocks rather than
// stall the chain.
func (c *Chain) Subscribe() (<-chan *block.Block, func()) {
	c.hooksMu.Lock()
	defer c.hooksMu.Unlock()
	id := c.nextSub
	c.nextSub++
	ch := make(chan *block.Block, 1)
	c.subs[id] = ch
	return ch, func() {
		c.hooksMu.Lock()
		defer c.hooksMu.Unlock()
		if sub, ok := c.subs[id]; ok {
			delete(c.subs, id)
			close(sub)
		}
	}
}

// notify runs the connected hooks and publishes blk to subscribers.
func (c *Chain) notify(blk *block.Block) {
	c.hooksMu.RLock()
	defer c.hooksMu.RUnlock()
	for _, fn := range c.hooks {
		fn(blk)
	}
	for _, ch := range c.subs {
		select {
		case ch <- blk:
		default:
			// Replace a stale tip with the newest one.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- blk:
			default:
			}
		}
	}
}
