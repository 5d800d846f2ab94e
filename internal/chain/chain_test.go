package chain

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"golang.org/x/time/rate"

	"github.com/Klingon-tech/klingnet-ledger/internal/blocklog"
	"github.com/Klingon-tech/klingnet-ledger/internal/consensus"
	"github.com/Klingon-tech/klingnet-ledger/internal/storage"
	"github.com/Klingon-tech/klingnet-ledger/internal/utxo"
	"github.com/Klingon-tech/klingnet-ledger/pkg/block"
	"github.com/Klingon-tech/klingnet-ledger/pkg/crypto"
	"github.com/Klingon-tech/klingnet-ledger/pkg/tx"
	"github.com/Klingon-tech/klingnet-ledger/pkg/types"
)

const (
	testReward = 50 * 100_000_000
	recipient  = "rkln1recipient"
)

type fixture struct {
	blocksDB *storage.MemoryDB
	txsDB    *storage.MemoryDB
	utxoDB   *storage.MemoryDB
	blog     *blocklog.Log
	blocks   *BlockIndex
	txs      *TxIndex
	utxos    *utxo.Store
	pow      *consensus.PoW
	chain    *Chain
	key      *crypto.PrivateKey
	addr     string
	now      time.Time
}

func testParams() consensus.Params {
	return consensus.Params{
		GenesisTarget:  new(big.Int).Lsh(big.NewInt(1), 252),
		MinTarget:      new(big.Int).Lsh(big.NewInt(1), 240),
		MaxTarget:      new(big.Int).Lsh(big.NewInt(1), 254),
		BlockTime:      10,
		AdjustInterval: 0,
		MinFactorPct:   25,
		MaxFactorPct:   400,
		MaxDrift:       2 * time.Minute,
	}
}

type fixtureOption func(*Options)

func newFixture(t *testing.T, fees tx.FeeModel, mods ...fixtureOption) *fixture {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey() error: %v", err)
	}
	addr, err := crypto.Blake3Deriver{}.DeriveAddress(key.PublicKey(), types.RegnetHRP)
	if err != nil {
		t.Fatalf("DeriveAddress() error: %v", err)
	}
	blog, err := blocklog.Open(t.TempDir(), "blocks", blocklog.Options{})
	if err != nil {
		t.Fatalf("blocklog.Open() error: %v", err)
	}
	t.Cleanup(func() { blog.Close() })

	f := &fixture{
		blocksDB: storage.NewMemory(),
		txsDB:    storage.NewMemory(),
		utxoDB:   storage.NewMemory(),
		blog:     blog,
		key:      key,
		addr:     addr,
		now:      time.Unix(1_700_000_000, 0),
	}
	f.txs = NewTxIndex(f.txsDB, fees)
	f.blocks, err = NewBlockIndex(f.blocksDB, blog, f.txs)
	if err != nil {
		t.Fatalf("NewBlockIndex() error: %v", err)
	}
	f.utxos = utxo.NewStore(f.utxoDB)
	f.pow, err = consensus.NewPoW(testParams(), 1)
	if err != nil {
		t.Fatalf("NewPoW() error: %v", err)
	}

	opts := f.options()
	for _, mod := range mods {
		mod(&opts)
	}
	f.chain, err = New(f.blocks, f.utxos, f.pow, opts)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	return f
}

func (f *fixture) options() Options {
	return Options{
		BlockReward:  testReward,
		HRP:          types.RegnetHRP,
		Maturity:     2,
		GenesisMiner: f.addr,
		Verifier:     crypto.SchnorrVerifier{},
		Deriver:      crypto.Blake3Deriver{},
		Now:          func() time.Time { return f.now },
	}
}

func (f *fixture) genesis(t *testing.T) *block.Block {
	t.Helper()
	blk, err := f.chain.CreateAndMineGenesis(context.Background())
	if err != nil {
		t.Fatalf("CreateAndMineGenesis() error: %v", err)
	}
	return blk
}

// build assembles the next block with a coinbase paying coinbaseAmount and
// its target prepared. The block is not sealed.
func (f *fixture) build(t *testing.T, coinbaseAmount uint64, txs ...*tx.Transaction) *block.Block {
	t.Helper()
	f.now = f.now.Add(10 * time.Second)
	ts := uint64(f.now.Unix())
	st := f.chain.State()
	header := &block.Header{
		Index:     st.Height + 1,
		PrevHash:  st.TipHash,
		Timestamp: ts,
		Miner:     f.addr,
	}
	all := append([]*tx.Transaction{tx.NewCoinbase(f.addr, coinbaseAmount, ts)}, txs...)
	blk := block.NewBlock(header, all)
	header.MerkleRoot = blk.ComputeMerkleRoot()
	if err := f.pow.Prepare(header, f.blocks.HeaderByHeight); err != nil {
		t.Fatalf("Prepare() error: %v", err)
	}
	return blk
}

func (f *fixture) seal(t *testing.T, blk *block.Block) *block.Block {
	t.Helper()
	if err := f.pow.Seal(context.Background(), blk); err != nil {
		t.Fatalf("Seal() error: %v", err)
	}
	return blk
}

// mine builds, seals and connects the next block carrying txs.
func (f *fixture) mine(t *testing.T, txs ...*tx.Transaction) *block.Block {
	t.Helper()
	var fees uint64
	for _, transaction := range txs {
		fees += transaction.Fee
	}
	blk := f.seal(t, f.build(t, testReward+fees, txs...))
	if err := f.chain.ProcessBlock(blk); err != nil {
		t.Fatalf("ProcessBlock(%d) error: %v", blk.Header.Index, err)
	}
	return blk
}

// spend moves amount-fee from op to to, signed by the fixture key.
func (f *fixture) spend(t *testing.T, op types.Outpoint, amount, fee uint64, to string) *tx.Transaction {
	t.Helper()
	b := tx.NewBuilder(tx.TypeStandard).
		AddInput(op).
		AddOutput(to, amount-fee).
		SetFee(fee).
		SetTimestamp(uint64(f.now.Unix()))
	if err := b.Sign(f.key); err != nil {
		t.Fatalf("Sign() error: %v", err)
	}
	return b.Build()
}

func coinbaseOut(blk *block.Block) types.Outpoint {
	return types.Outpoint{TxID: blk.Transactions[0].ID, Index: 0}
}

func TestChain_Genesis(t *testing.T) {
	f := newFixture(t, nil)
	blk := f.genesis(t)

	if blk.Header.Index != 0 || !blk.Header.PrevHash.IsZero() {
		t.Errorf("genesis header = %+v", blk.Header)
	}
	if block.HashValue(blk.Hash()).Cmp(testParams().GenesisTarget) >= 0 {
		t.Error("genesis hash does not meet genesis target")
	}
	st := f.chain.State()
	if st.Height != 0 || st.TipHash != blk.Hash() {
		t.Errorf("state = %+v, want genesis tip", st)
	}

	bal, err := f.utxos.Balance(f.addr)
	if err != nil {
		t.Fatalf("Balance() error: %v", err)
	}
	if bal != testReward {
		t.Errorf("Balance() = %d, want %d", bal, testReward)
	}
	supply, err := f.blocks.TotalMinedSupply()
	if err != nil {
		t.Fatalf("TotalMinedSupply() error: %v", err)
	}
	if supply != testReward {
		t.Errorf("TotalMinedSupply() = %d, want %d", supply, testReward)
	}

	latest, err := f.blocks.Latest()
	if err != nil {
		t.Fatalf("Latest() error: %v", err)
	}
	if latest.Hash() != blk.Hash() {
		t.Error("Latest() is not the genesis block")
	}

	if _, err := f.chain.CreateAndMineGenesis(context.Background()); err == nil {
		t.Error("second CreateAndMineGenesis() should fail")
	}
}

func TestChain_ProcessBlockSpend(t *testing.T) {
	f := newFixture(t, nil)
	gen := f.genesis(t)
	f.mine(t)

	spend := f.spend(t, coinbaseOut(gen), testReward, 1000, recipient)
	blk := f.mine(t, spend)

	if got := f.chain.Height(); got != 2 {
		t.Fatalf("Height() = %d, want 2", got)
	}
	if ok, _ := f.utxos.Has(coinbaseOut(gen)); ok {
		t.Error("spent coinbase still live")
	}
	bal, err := f.utxos.Balance(recipient)
	if err != nil {
		t.Fatalf("Balance() error: %v", err)
	}
	if bal != testReward-1000 {
		t.Errorf("recipient balance = %d, want %d", bal, testReward-1000)
	}

	byHeight, err := f.blocks.ByHeight(2)
	if err != nil {
		t.Fatalf("ByHeight() error: %v", err)
	}
	byHash, err := f.blocks.ByHash(blk.Hash())
	if err != nil {
		t.Fatalf("ByHash() error: %v", err)
	}
	if byHeight.Hash() != blk.Hash() || byHash.Hash() != blk.Hash() {
		t.Error("lookups return a different block")
	}

	rec, err := f.txs.Get(spend.ID)
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if rec.BlockHash != blk.Hash() || rec.Height != 2 || rec.Fee != 1000 {
		t.Errorf("record = %+v", rec)
	}
	if rec.Miner != 1000 || rec.Tax != 0 {
		t.Errorf("fee breakdown = %+v, want all to miner", rec.FeeBreakdown)
	}

	supply, err := f.blocks.TotalMinedSupply()
	if err != nil {
		t.Fatalf("TotalMinedSupply() error: %v", err)
	}
	if want := uint64(3*testReward + 1000); supply != want {
		t.Errorf("TotalMinedSupply() = %d, want %d", supply, want)
	}
}

func TestChain_ProcessBlockInBlockChain(t *testing.T) {
	f := newFixture(t, nil)
	gen := f.genesis(t)
	f.mine(t)

	first := f.spend(t, coinbaseOut(gen), testReward, 1000, f.addr)
	second := f.spend(t, types.Outpoint{TxID: first.ID, Index: 0}, testReward-1000, 500, recipient)
	f.mine(t, first, second)

	bal, err := f.utxos.Balance(recipient)
	if err != nil {
		t.Fatalf("Balance() error: %v", err)
	}
	if bal != testReward-1500 {
		t.Errorf("recipient balance = %d, want %d", bal, testReward-1500)
	}
}

func TestChain_ProcessBlockImmatureCoinbase(t *testing.T) {
	f := newFixture(t, nil)
	gen := f.genesis(t)

	spend := f.spend(t, coinbaseOut(gen), testReward, 1000, recipient)
	blk := f.seal(t, f.build(t, testReward+1000, spend))
	err := f.chain.ProcessBlock(blk)
	if !errors.Is(err, tx.ErrCoinbaseSpend) {
		t.Fatalf("ProcessBlock() error = %v, want ErrCoinbaseSpend", err)
	}
	if f.chain.Height() != 0 {
		t.Error("rejected block advanced the tip")
	}
}

func TestChain_ProcessBlockDoubleSpend(t *testing.T) {
	f := newFixture(t, nil)
	gen := f.genesis(t)
	f.mine(t)
	f.mine(t, f.spend(t, coinbaseOut(gen), testReward, 1000, recipient))

	again := f.spend(t, coinbaseOut(gen), testReward, 2000, f.addr)
	blk := f.seal(t, f.build(t, testReward+2000, again))
	if err := f.chain.ProcessBlock(blk); !errors.Is(err, tx.ErrInputNotFound) {
		t.Fatalf("ProcessBlock() error = %v, want ErrInputNotFound", err)
	}
}

func TestChain_ProcessBlockRejects(t *testing.T) {
	tests := []struct {
		name    string
		prepare func(t *testing.T, f *fixture, gen *block.Block) *block.Block
		want    error
	}{
		{
			name: "known block",
			prepare: func(t *testing.T, f *fixture, gen *block.Block) *block.Block {
				return gen
			},
			want: ErrBlockKnown,
		},
		{
			name: "bad previous hash",
			prepare: func(t *testing.T, f *fixture, gen *block.Block) *block.Block {
				blk := f.build(t, testReward)
				blk.Header.PrevHash = types.Hash{0xde, 0xad}
				return f.seal(t, blk)
			},
			want: ErrBadPrevHash,
		},
		{
			name: "bad height",
			prepare: func(t *testing.T, f *fixture, gen *block.Block) *block.Block {
				blk := f.build(t, testReward)
				blk.Header.Index = 5
				return f.seal(t, blk)
			},
			want: ErrBadHeight,
		},
		{
			name: "coinbase exceeds reward",
			prepare: func(t *testing.T, f *fixture, gen *block.Block) *block.Block {
				return f.seal(t, f.build(t, testReward+1))
			},
			want: ErrCoinbaseRewardExceeded,
		},
		{
			name: "unexpected target",
			prepare: func(t *testing.T, f *fixture, gen *block.Block) *block.Block {
				blk := f.build(t, testReward)
				blk.Header.Target = new(big.Int).Rsh(blk.Header.Target, 1)
				return f.seal(t, blk)
			},
			want: consensus.ErrBadTarget,
		},
		{
			name: "insufficient work",
			prepare: func(t *testing.T, f *fixture, gen *block.Block) *block.Block {
				blk := f.build(t, testReward)
				h := blk.Header
				for h.Nonce = 0; block.HashValue(h.Hash()).Cmp(h.Target) < 0; h.Nonce++ {
				}
				return blk
			},
			want: consensus.ErrInsufficientWork,
		},
		{
			name: "timestamp not after parent",
			prepare: func(t *testing.T, f *fixture, gen *block.Block) *block.Block {
				blk := f.build(t, testReward)
				blk.Header.Timestamp = gen.Header.Timestamp
				return f.seal(t, blk)
			},
			want: consensus.ErrTimestampOrder,
		},
		{
			name: "timestamp in the future",
			prepare: func(t *testing.T, f *fixture, gen *block.Block) *block.Block {
				blk := f.build(t, testReward)
				blk.Header.Timestamp = uint64(f.now.Add(time.Hour).Unix())
				return f.seal(t, blk)
			},
			want: consensus.ErrTimestampFuture,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil)
			gen := f.genesis(t)
			blk := tt.prepare(t, f, gen)
			if err := f.chain.ProcessBlock(blk); !errors.Is(err, tt.want) {
				t.Fatalf("ProcessBlock() error = %v, want %v", err, tt.want)
			}
			if f.chain.Height() != 0 || f.chain.TipHash() != gen.Hash() {
				t.Error("rejected block changed the tip")
			}
		})
	}
}

func TestChain_BadGenesis(t *testing.T) {
	f := newFixture(t, nil)
	blk := NewGenesisBlock(f.addr, testReward, uint64(f.now.Unix()))
	blk.Header.PrevHash = types.Hash{0x01}
	if err := f.pow.Prepare(blk.Header, f.blocks.HeaderByHeight); err != nil {
		t.Fatalf("Prepare() error: %v", err)
	}
	f.seal(t, blk)
	if err := f.chain.ProcessBlock(blk); !errors.Is(err, ErrBadGenesis) {
		t.Fatalf("ProcessBlock() error = %v, want ErrBadGenesis", err)
	}
}

func TestChain_RecoversTip(t *testing.T) {
	f := newFixture(t, nil)
	f.genesis(t)
	last := f.mine(t)

	reopened, err := New(f.blocks, f.utxos, f.pow, f.options())
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	st := reopened.State()
	if st.Height != 1 || st.TipHash != last.Hash() || st.TipTimestamp != last.Header.Timestamp {
		t.Errorf("recovered state = %+v", st)
	}
}

func TestChain_SubscribeAndHooks(t *testing.T) {
	f := newFixture(t, nil)
	var connected []uint64
	f.chain.OnConnected(func(blk *block.Block) {
		connected = append(connected, blk.Header.Index)
	})
	tips, cancel := f.chain.Subscribe()

	gen := f.genesis(t)
	select {
	case got := <-tips:
		if got.Hash() != gen.Hash() {
			t.Error("subscriber received a different block")
		}
	default:
		t.Fatal("subscriber received no block")
	}

	cancel()
	f.mine(t)
	if _, ok := <-tips; ok {
		t.Error("channel should be closed after cancel")
	}
	if len(connected) != 2 || connected[0] != 0 || connected[1] != 1 {
		t.Errorf("connected = %v, want [0 1]", connected)
	}
}

func TestChain_Reindex(t *testing.T) {
	f := newFixture(t, nil)
	gen := f.genesis(t)
	f.mine(t)
	spend := f.spend(t, coinbaseOut(gen), testReward, 1000, recipient)
	f.mine(t, spend)

	before, err := f.utxos.Commitment()
	if err != nil {
		t.Fatalf("Commitment() error: %v", err)
	}
	tip := f.chain.TipHash()

	n, err := f.chain.Reindex()
	if err != nil {
		t.Fatalf("Reindex() error: %v", err)
	}
	if n != 3 {
		t.Errorf("Reindex() = %d, want 3", n)
	}
	if f.chain.TipHash() != tip || f.chain.Height() != 2 {
		t.Errorf("state after reindex = %+v", f.chain.State())
	}
	after, err := f.utxos.Commitment()
	if err != nil {
		t.Fatalf("Commitment() error: %v", err)
	}
	if after != before {
		t.Error("UTXO commitment changed across reindex")
	}
	if _, err := f.txs.Get(spend.ID); err != nil {
		t.Errorf("Get() after reindex error: %v", err)
	}
	blocks, err := f.blocks.AllBlocks()
	if err != nil {
		t.Fatalf("AllBlocks() error: %v", err)
	}
	if len(blocks) != 3 {
		t.Errorf("AllBlocks() returned %d blocks, want 3", len(blocks))
	}

	// The chain keeps extending after a rebuild.
	f.mine(t)
}

func TestChain_ReindexSkipsUnindexedRecord(t *testing.T) {
	f := newFixture(t, nil)
	f.genesis(t)

	// A sealed block reached the log but never the index.
	orphan := f.seal(t, f.build(t, testReward))
	payload, err := block.Encode(orphan)
	if err != nil {
		t.Fatalf("Encode() error: %v", err)
	}
	if _, err := f.blog.Append(payload); err != nil {
		t.Fatalf("Append() error: %v", err)
	}

	first := f.mine(t)
	if first.Hash() == orphan.Hash() {
		t.Fatal("replacement block equals the unindexed record")
	}
	n, err := f.chain.Reindex()
	if err != nil {
		t.Fatalf("Reindex() error: %v", err)
	}
	if n != 2 || f.chain.TipHash() != first.Hash() {
		t.Errorf("Reindex() = %d, tip %s; want 2, %s", n, f.chain.TipHash(), first.Hash())
	}

	second := f.mine(t)
	n, err = f.chain.Reindex()
	if err != nil {
		t.Fatalf("Reindex() error: %v", err)
	}
	if n != 3 || f.chain.TipHash() != second.Hash() || f.chain.Height() != 2 {
		t.Errorf("Reindex() = %d, state %+v; want 3 at %s", n, f.chain.State(), second.Hash())
	}
	if ok, err := f.blocks.Has(orphan.Hash()); err != nil || ok {
		t.Errorf("Has(orphan) = %v, %v; want false", ok, err)
	}
	supply, err := f.blocks.TotalMinedSupply()
	if err != nil {
		t.Fatalf("TotalMinedSupply() error: %v", err)
	}
	if supply != 3*testReward {
		t.Errorf("TotalMinedSupply() = %d, want %d", supply, 3*testReward)
	}
	f.mine(t)
}

func deleteLive(t *testing.T, f *fixture, op types.Outpoint, owner string) {
	t.Helper()
	err := f.utxoDB.Update(func(txn storage.Txn) error {
		if err := txn.Delete([]byte("u/" + op.String())); err != nil {
			return err
		}
		return txn.Delete([]byte("a/" + owner + "/" + op.String()))
	})
	if err != nil {
		t.Fatalf("delete live utxo: %v", err)
	}
}

func withRecovery(r rate.Limit, burst int) fixtureOption {
	return func(o *Options) {
		o.RecoveryRate = r
		o.RecoveryBurst = burst
	}
}

func TestChain_RecoverUTXO(t *testing.T) {
	f := newFixture(t, nil, withRecovery(rate.Every(time.Hour), 1))
	gen := f.genesis(t)
	op := coinbaseOut(gen)
	deleteLive(t, f, op, f.addr)

	u, err := f.chain.RecoverUTXO(op)
	if err != nil {
		t.Fatalf("RecoverUTXO() error: %v", err)
	}
	if u.Amount != testReward || !u.Coinbase || u.Height != 0 || u.Owner != f.addr {
		t.Errorf("recovered = %+v", u)
	}
	if ok, _ := f.utxos.Has(op); !ok {
		t.Error("recovered UTXO not live")
	}

	deleteLive(t, f, op, f.addr)
	if _, err := f.chain.RecoverUTXO(op); !errors.Is(err, ErrRecoveryThrottled) {
		t.Errorf("RecoverUTXO() error = %v, want ErrRecoveryThrottled", err)
	}
}

func TestChain_RecoverUTXORejectsSpent(t *testing.T) {
	f := newFixture(t, nil, withRecovery(rate.Inf, 1))
	gen := f.genesis(t)
	f.mine(t)
	f.mine(t, f.spend(t, coinbaseOut(gen), testReward, 1000, recipient))

	if _, err := f.chain.RecoverUTXO(coinbaseOut(gen)); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("RecoverUTXO() error = %v, want ErrNotFound", err)
	}
	if _, err := f.chain.RecoverUTXO(types.Outpoint{TxID: types.Hash{0x01, 0x99}}); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("RecoverUTXO(unknown) error = %v, want ErrNotFound", err)
	}
}

func TestChain_ProcessBlockReconstructsMissingInput(t *testing.T) {
	f := newFixture(t, nil, withRecovery(rate.Inf, 1))
	gen := f.genesis(t)
	f.mine(t)
	op := coinbaseOut(gen)
	deleteLive(t, f, op, f.addr)

	f.mine(t, f.spend(t, op, testReward, 1000, recipient))
	bal, err := f.utxos.Balance(recipient)
	if err != nil {
		t.Fatalf("Balance() error: %v", err)
	}
	if bal != testReward-1000 {
		t.Errorf("recipient balance = %d, want %d", bal, testReward-1000)
	}
}

func TestChain_NewRequiresCollaborators(t *testing.T) {
	f := newFixture(t, nil)
	opts := f.options()
	opts.Verifier = nil
	if _, err := New(f.blocks, f.utxos, f.pow, opts); err == nil {
		t.Error("New() without verifier should fail")
	}
	if _, err := New(f.blocks, nil, f.pow, f.options()); err == nil {
		t.Error("New() without utxo set should fail")
	}
}
