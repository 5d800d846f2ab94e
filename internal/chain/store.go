package chain

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/big"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/Klingon-tech/klingnet-ledger/internal/blocklog"
	"github.com/Klingon-tech/klingnet-ledger/internal/log"
	"github.com/Klingon-tech/klingnet-ledger/internal/metrics"
	"github.com/Klingon-tech/klingnet-ledger/internal/storage"
	"github.com/Klingon-tech/klingnet-ledger/pkg/block"
	"github.com/Klingon-tech/klingnet-ledger/pkg/types"
)

// ErrChainBroken is returned when stored blocks do not link up.
var ErrChainBroken = fmt.Errorf("%w: chain continuity broken", storage.ErrCorrupt)

// Key prefixes and state keys for the block index.
var (
	prefixBlock  = []byte("b/") // b/<hash(32)> -> BlockMeta JSON
	prefixHeight = []byte("h/") // h/<height(8)> -> hash(32)
	prefixState  = []byte("s/")
	keyTipHash   = []byte("s/tip")
	keySupply    = []byte("s/supply")
)

// blockCacheSize is the number of decoded blocks kept in memory.
const blockCacheSize = 256

// BlockMeta is the index record of a stored block. The block bytes live in
// the block log at Location.
type BlockMeta struct {
	Hash     types.Hash        `json:"hash"`
	Header   *block.Header     `json:"header"`
	TxIDs    []types.Hash      `json:"tx_ids"`
	Location blocklog.Location `json:"location"`
}

// BlockIndex stores blocks in the block log and indexes them by hash and
// height. It is a rebuildable cache over the log.
type BlockIndex struct {
	db    storage.DB
	log   *blocklog.Log
	txs   *TxIndex
	cache *lru.Cache[types.Hash, *block.Block]
}

// NewBlockIndex creates a block index over db and the block log. Every
// stored block's transactions are delegated to txs.
func NewBlockIndex(db storage.DB, blog *blocklog.Log, txs *TxIndex) (*BlockIndex, error) {
	cache, err := lru.New[types.Hash, *block.Block](blockCacheSize)
	if err != nil {
		return nil, fmt.Errorf("block cache: %w", err)
	}
	metrics.Init()
	return &BlockIndex{db: db, log: blog, txs: txs, cache: cache}, nil
}

// Log returns the underlying block log.
func (bi *BlockIndex) Log() *blocklog.Log { return bi.log }

// StoreBlock appends blk to the block log and indexes it: merkle root
// computed or checked, record appended, metadata, height, tip and supply
// written in one transaction, then every transaction indexed.
func (bi *BlockIndex) StoreBlock(blk *block.Block, target *big.Int) error {
	h := blk.Header
	if h == nil {
		return block.ErrNilHeader
	}
	if target != nil {
		if h.Target == nil {
			h.Target = new(big.Int).Set(target)
		} else if h.Target.Cmp(target) != 0 {
			return fmt.Errorf("%w: header %x, stored %x", block.ErrBadTarget, h.Target, target)
		}
	}
	root := blk.ComputeMerkleRoot()
	if h.MerkleRoot.IsZero() {
		h.MerkleRoot = root
	} else if h.MerkleRoot != root {
		return fmt.Errorf("%w: header %s, computed %s", block.ErrBadMerkleRoot, h.MerkleRoot, root)
	}

	hash := blk.Hash()
	known, err := bi.db.Has(blockKey(hash))
	if err != nil {
		return fmt.Errorf("check block: %w", err)
	}
	if known {
		return fmt.Errorf("block %s: %w", hash, storage.ErrConflict)
	}

	payload, err := block.Encode(blk)
	if err != nil {
		return fmt.Errorf("encode block %d: %w", h.Index, err)
	}
	loc, err := bi.log.Append(payload)
	if err != nil {
		return fmt.Errorf("append block %d: %w", h.Index, err)
	}
	if err := bi.index(blk, loc); err != nil {
		return err
	}
	if bi.txs != nil {
		if err := bi.txs.StoreBlock(blk, int(loc.Size)); err != nil {
			return fmt.Errorf("index transactions of block %d: %w", h.Index, err)
		}
	}

	metrics.BlocksStored.Inc()
	metrics.BlockLogBytes.Add(float64(loc.Size))
	log.Chain.Debug().
		Uint64("height", h.Index).
		Str("hash", hash.Short()).
		Str("location", loc.String()).
		Msg("Stored block")
	return nil
}

// index writes the metadata of a block already in the log.
func (bi *BlockIndex) index(blk *block.Block, loc blocklog.Location) error {
	h := blk.Header
	hash := blk.Hash()
	meta := BlockMeta{Hash: hash, Header: h, TxIDs: blk.TxIDs(), Location: loc}
	data, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("block meta marshal: %w", err)
	}

	minted, err := coinbaseAmount(blk)
	if err != nil {
		return err
	}

	err = bi.db.Update(func(txn storage.Txn) error {
		if err := storage.PutNew(txn, blockKey(hash), data); err != nil {
			return fmt.Errorf("block meta: %w", err)
		}
		if err := storage.PutNew(txn, heightKey(h.Index), hash[:]); err != nil {
			return fmt.Errorf("height %d: %w", h.Index, err)
		}

		tip, ok, err := tipTxn(txn)
		if err != nil {
			return err
		}
		if !ok || h.Index > tip.Header.Index {
			if err := txn.Put(keyTipHash, hash[:]); err != nil {
				return err
			}
		}

		supply, ok, err := getUint64(txn, keySupply)
		if err != nil {
			return err
		}
		if !ok {
			if h.Index == 0 {
				return putUint64(txn, keySupply, minted)
			}
			// Recomputed on the next read.
			return nil
		}
		if supply > math.MaxUint64-minted {
			return fmt.Errorf("%w: mined supply overflows", storage.ErrCorrupt)
		}
		return putUint64(txn, keySupply, supply+minted)
	})
	if err != nil {
		return fmt.Errorf("index block %d: %w", h.Index, err)
	}
	bi.cache.Add(hash, blk)
	metrics.ChainHeight.Set(float64(h.Index))
	return nil
}

// Has reports whether a block with hash is indexed.
func (bi *BlockIndex) Has(hash types.Hash) (bool, error) {
	return bi.db.Has(blockKey(hash))
}

// Meta returns the index record of hash.
func (bi *BlockIndex) Meta(hash types.Hash) (*BlockMeta, error) {
	var meta *BlockMeta
	err := bi.db.View(func(txn storage.Txn) error {
		var err error
		meta, err = metaTxn(txn, hash)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("block meta %s: %w", hash, err)
	}
	return meta, nil
}

// MetaByHeight returns the index record at height.
func (bi *BlockIndex) MetaByHeight(height uint64) (*BlockMeta, error) {
	var meta *BlockMeta
	err := bi.db.View(func(txn storage.Txn) error {
		hash, err := hashAtTxn(txn, height)
		if err != nil {
			return err
		}
		meta, err = metaTxn(txn, hash)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("block meta at %d: %w", height, err)
	}
	return meta, nil
}

// HeaderByHeight returns the header at height without reading the log.
func (bi *BlockIndex) HeaderByHeight(height uint64) (*block.Header, error) {
	meta, err := bi.MetaByHeight(height)
	if err != nil {
		return nil, err
	}
	return meta.Header, nil
}

// TipMeta returns the index record of the highest block.
func (bi *BlockIndex) TipMeta() (*BlockMeta, error) {
	var meta *BlockMeta
	err := bi.db.View(func(txn storage.Txn) error {
		m, ok, err := tipTxn(txn)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("tip: %w", storage.ErrNotFound)
		}
		meta = m
		return nil
	})
	return meta, err
}

// Latest returns the highest block.
func (bi *BlockIndex) Latest() (*block.Block, error) {
	meta, err := bi.TipMeta()
	if err != nil {
		return nil, err
	}
	return bi.load(meta)
}

// ByHash returns the block with hash.
func (bi *BlockIndex) ByHash(hash types.Hash) (*block.Block, error) {
	if blk, ok := bi.cache.Get(hash); ok {
		return blk, nil
	}
	meta, err := bi.Meta(hash)
	if err != nil {
		return nil, err
	}
	return bi.load(meta)
}

// ByHeight returns the block at height.
func (bi *BlockIndex) ByHeight(height uint64) (*block.Block, error) {
	meta, err := bi.MetaByHeight(height)
	if err != nil {
		return nil, err
	}
	return bi.cachedLoad(meta)
}

// cachedLoad returns the block of meta from the cache or the log.
func (bi *BlockIndex) cachedLoad(meta *BlockMeta) (*block.Block, error) {
	if blk, ok := bi.cache.Get(meta.Hash); ok {
		return blk, nil
	}
	return bi.load(meta)
}

// load reads and decodes the block of meta from the log.
func (bi *BlockIndex) load(meta *BlockMeta) (*block.Block, error) {
	payload, err := bi.log.ReadAt(meta.Location)
	if err != nil {
		return nil, fmt.Errorf("read block %s at %s: %w", meta.Hash.Short(), meta.Location, err)
	}
	blk, err := block.Decode(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: decode block %s at %s: %v", storage.ErrCorrupt, meta.Hash.Short(), meta.Location, err)
	}
	if got := blk.Hash(); got != meta.Hash {
		return nil, fmt.Errorf("%w: block at %s hashes to %s, indexed as %s", storage.ErrCorrupt, meta.Location, got, meta.Hash)
	}
	bi.cache.Add(meta.Hash, blk)
	return blk, nil
}

// TotalMinedSupply returns the sum of all coinbase outputs. The value is
// cached; on a miss it is recomputed from every block and persisted.
func (bi *BlockIndex) TotalMinedSupply() (uint64, error) {
	supply, ok, err := getUint64(bi.db, keySupply)
	if err != nil {
		return 0, fmt.Errorf("read supply: %w", err)
	}
	if ok {
		return supply, nil
	}

	// The sum and the write share one transaction so no block indexed in
	// between is missed.
	recomputed := false
	err = bi.db.Update(func(txn storage.Txn) error {
		cached, ok, err := getUint64(txn, keySupply)
		if err != nil {
			return err
		}
		if ok {
			supply = cached
			return nil
		}
		hashes, err := heightHashes(txn)
		if err != nil {
			return err
		}
		supply = 0
		for _, hash := range hashes {
			meta, err := metaTxn(txn, hash)
			if err != nil {
				return err
			}
			blk, err := bi.cachedLoad(meta)
			if err != nil {
				return err
			}
			minted, err := coinbaseAmount(blk)
			if err != nil {
				return err
			}
			if supply > math.MaxUint64-minted {
				return fmt.Errorf("%w: mined supply overflows", storage.ErrCorrupt)
			}
			supply += minted
		}
		recomputed = true
		return putUint64(txn, keySupply, supply)
	})
	if err != nil {
		return 0, fmt.Errorf("recompute supply: %w", err)
	}
	if recomputed {
		log.Chain.Info().Uint64("supply", supply).Msg("Recomputed mined supply")
	}
	return supply, nil
}

// heightHashes returns the hash of every indexed height in key order.
func heightHashes(txn storage.Reader) ([]types.Hash, error) {
	var hashes []types.Hash
	err := txn.ForEach(prefixHeight, func(_, value []byte) error {
		hash, err := hashFromBytes(value)
		if err != nil {
			return err
		}
		hashes = append(hashes, hash)
		return nil
	})
	return hashes, err
}

// AllBlocks returns every block ordered by height. The chain is verified to
// start at index 0 and link by previous hash; any break fails with
// ErrChainBroken and no blocks.
func (bi *BlockIndex) AllBlocks() ([]*block.Block, error) {
	var hashes []types.Hash
	err := bi.db.View(func(txn storage.Txn) error {
		var err error
		hashes, err = heightHashes(txn)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("load blocks: %w", err)
	}
	blocks := make([]*block.Block, 0, len(hashes))
	for _, hash := range hashes {
		blk, err := bi.ByHash(hash)
		if err != nil {
			return nil, fmt.Errorf("load blocks: %w", err)
		}
		blocks = append(blocks, blk)
	}
	if err := verifyContinuity(blocks); err != nil {
		return nil, err
	}
	return blocks, nil
}

func verifyContinuity(blocks []*block.Block) error {
	var prev types.Hash
	for i, blk := range blocks {
		if blk.Header.Index != uint64(i) {
			return fmt.Errorf("%w: position %d holds block %d", ErrChainBroken, i, blk.Header.Index)
		}
		if blk.Header.PrevHash != prev {
			return fmt.Errorf("%w: block %d previous hash %s, want %s", ErrChainBroken, i, blk.Header.PrevHash.Short(), prev.Short())
		}
		prev = blk.Hash()
	}
	return nil
}

// Clear removes every index entry. The block log is untouched.
func (bi *BlockIndex) Clear() error {
	for _, prefix := range [][]byte{prefixBlock, prefixHeight, prefixState} {
		if err := storage.NewPrefixDB(bi.db, prefix).DeleteAll(); err != nil {
			return fmt.Errorf("clear %s: %w", prefix, err)
		}
	}
	bi.cache.Purge()
	return nil
}

// coinbaseAmount returns the value minted by blk.
func coinbaseAmount(blk *block.Block) (uint64, error) {
	cb := blk.Coinbase()
	if cb == nil {
		return 0, nil
	}
	v, err := cb.TotalOutputValue()
	if err != nil {
		return 0, fmt.Errorf("coinbase of block %d: %w", blk.Header.Index, err)
	}
	return v, nil
}

func metaTxn(txn storage.Reader, hash types.Hash) (*BlockMeta, error) {
	data, err := txn.Get(blockKey(hash))
	if err != nil {
		return nil, err
	}
	var meta BlockMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("%w: block meta %s: %v", storage.ErrCorrupt, hash, err)
	}
	if meta.Header == nil {
		return nil, fmt.Errorf("%w: block meta %s has no header", storage.ErrCorrupt, hash)
	}
	return &meta, nil
}

func hashAtTxn(txn storage.Reader, height uint64) (types.Hash, error) {
	data, err := txn.Get(heightKey(height))
	if err != nil {
		return types.Hash{}, err
	}
	return hashFromBytes(data)
}

func tipTxn(txn storage.Reader) (*BlockMeta, bool, error) {
	data, ok, err := storage.GetOptional(txn, keyTipHash)
	if err != nil || !ok {
		return nil, false, err
	}
	hash, err := hashFromBytes(data)
	if err != nil {
		return nil, false, err
	}
	meta, err := metaTxn(txn, hash)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, false, fmt.Errorf("%w: tip %s not indexed", storage.ErrCorrupt, hash)
		}
		return nil, false, err
	}
	return meta, true, nil
}

func hashFromBytes(b []byte) (types.Hash, error) {
	var h types.Hash
	if len(b) != types.HashSize {
		return h, fmt.Errorf("%w: hash value has %d bytes, want %d", storage.ErrCorrupt, len(b), types.HashSize)
	}
	copy(h[:], b)
	return h, nil
}

func getUint64(r storage.Reader, key []byte) (uint64, bool, error) {
	data, ok, err := storage.GetOptional(r, key)
	if err != nil || !ok {
		return 0, false, err
	}
	if len(data) != 8 {
		return 0, false, fmt.Errorf("%w: %s has %d bytes", storage.ErrCorrupt, key, len(data))
	}
	return binary.BigEndian.Uint64(data), true, nil
}

func putUint64(txn storage.Txn, key []byte, v uint64) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	return txn.Put(key, buf[:])
}

func blockKey(hash types.Hash) []byte {
	key := make([]byte, len(prefixBlock)+types.HashSize)
	copy(key, prefixBlock)
	copy(key[len(prefixBlock):], hash[:])
	return key
}

func heightKey(height uint64) []byte {
	key := make([]byte, len(prefixHeight)+8)
	copy(key, prefixHeight)
	binary.BigEndian.PutUint64(key[len(prefixHeight):], height)
	return key
}
