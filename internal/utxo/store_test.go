package utxo

import (
	"errors"
	"math/big"
	"testing"

	"github.com/Klingon-tech/klingnet-ledger/internal/storage"
	"github.com/Klingon-tech/klingnet-ledger/pkg/block"
	"github.com/Klingon-tech/klingnet-ledger/pkg/tx"
	"github.com/Klingon-tech/klingnet-ledger/pkg/types"
)

const (
	alice = "rkln1alice"
	bob   = "rkln1bob"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(storage.NewMemory())
}

func testUTXO(id byte, idx uint32, owner string, amount uint64) *UTXO {
	return &UTXO{
		Outpoint: types.Outpoint{TxID: types.Hash{id}, Index: idx},
		Amount:   amount,
		Owner:    owner,
		Height:   1,
	}
}

func testBlock(height uint64, txs ...*tx.Transaction) *block.Block {
	h := &block.Header{
		Index:     height,
		Timestamp: 1700000000 + height,
		Target:    new(big.Int).Lsh(big.NewInt(1), 255),
		Miner:     alice,
	}
	blk := block.NewBlock(h, txs)
	h.MerkleRoot = blk.ComputeMerkleRoot()
	return blk
}

func spend(ops []types.Outpoint, owner string, amount, fee uint64) *tx.Transaction {
	b := tx.NewBuilder(tx.TypeStandard).SetFee(fee).SetTimestamp(1700000000)
	for _, op := range ops {
		b.AddInput(op)
	}
	b.AddOutput(owner, amount)
	t := b.Build()
	t.Finalize()
	return t
}

func TestStore_StoreAndGet(t *testing.T) {
	s := newTestStore(t)
	u := testUTXO(0x01, 0, alice, 500)
	if err := s.Store(u); err != nil {
		t.Fatalf("Store() error: %v", err)
	}

	got, err := s.Get(u.Outpoint)
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if got.Amount != 500 || got.Owner != alice || got.Spent {
		t.Errorf("Get() = %+v", got)
	}

	ok, err := s.Has(u.Outpoint)
	if err != nil || !ok {
		t.Errorf("Has() = %v, %v; want true", ok, err)
	}
}

func TestStore_WriteOnce(t *testing.T) {
	s := newTestStore(t)
	u := testUTXO(0x01, 0, alice, 500)
	if err := s.Store(u); err != nil {
		t.Fatalf("Store() error: %v", err)
	}
	err := s.Store(testUTXO(0x01, 0, bob, 1))
	if !errors.Is(err, storage.ErrConflict) {
		t.Fatalf("second Store() error = %v, want ErrConflict", err)
	}
	got, _ := s.Get(u.Outpoint)
	if got.Owner != alice {
		t.Errorf("owner overwritten: %s", got.Owner)
	}
}

func TestStore_SameTxDifferentIndex(t *testing.T) {
	s := newTestStore(t)
	for i := uint32(0); i < 3; i++ {
		if err := s.Store(testUTXO(0x01, i, alice, 100)); err != nil {
			t.Fatalf("Store(%d) error: %v", i, err)
		}
	}
	n, err := s.Count()
	if err != nil {
		t.Fatalf("Count() error: %v", err)
	}
	if n != 3 {
		t.Errorf("Count() = %d, want 3", n)
	}
}

func TestStore_GetMissing(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Get(types.Outpoint{TxID: types.Hash{0x09}})
	if !IsNotFound(err) {
		t.Fatalf("Get() error = %v, want ErrNotFound", err)
	}
}

func TestStore_MarkSpent(t *testing.T) {
	s := newTestStore(t)
	u := testUTXO(0x01, 0, alice, 500)
	s.Store(u)

	if err := s.MarkSpent(u.Outpoint, types.Hash{0xbb}, 42); err != nil {
		t.Fatalf("MarkSpent() error: %v", err)
	}
	if ok, _ := s.Has(u.Outpoint); ok {
		t.Error("spent UTXO still live")
	}

	err := s.MarkSpent(u.Outpoint, types.Hash{0xbb}, 43)
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("second MarkSpent() error = %v, want ErrNotFound", err)
	}

	hist, err := s.History(u.Outpoint)
	if err != nil {
		t.Fatalf("History() error: %v", err)
	}
	if len(hist) != 2 {
		t.Fatalf("history len = %d, want 2", len(hist))
	}
	if hist[0].Event != EventCreated || hist[1].Event != EventSpent {
		t.Errorf("history events = %s, %s", hist[0].Event, hist[1].Event)
	}
	if !hist[1].UTXO.Spent || hist[1].BlockHash != (types.Hash{0xbb}) || hist[1].Timestamp != 42 {
		t.Errorf("spent entry = %+v", hist[1])
	}
	spent, _ := s.WasSpent(u.Outpoint)
	if !spent {
		t.Error("WasSpent() = false")
	}
}

func TestStore_ByOwnerAndBalance(t *testing.T) {
	s := newTestStore(t)
	s.Store(testUTXO(0x01, 0, alice, 100))
	s.Store(testUTXO(0x02, 0, alice, 250))
	s.Store(testUTXO(0x03, 0, bob, 999))

	utxos, err := s.ByOwner(alice)
	if err != nil {
		t.Fatalf("ByOwner() error: %v", err)
	}
	if len(utxos) != 2 {
		t.Fatalf("ByOwner() len = %d, want 2", len(utxos))
	}
	bal, err := s.Balance(alice)
	if err != nil {
		t.Fatalf("Balance() error: %v", err)
	}
	if bal != 350 {
		t.Errorf("Balance() = %d, want 350", bal)
	}

	s.MarkSpent(types.Outpoint{TxID: types.Hash{0x01}}, types.Hash{}, 1)
	bal, _ = s.Balance(alice)
	if bal != 250 {
		t.Errorf("Balance() after spend = %d, want 250", bal)
	}
}

func TestStore_OwnerPrefixIsolation(t *testing.T) {
	s := newTestStore(t)
	s.Store(testUTXO(0x01, 0, "rkln1ab", 100))
	s.Store(testUTXO(0x02, 0, "rkln1abc", 100))

	utxos, err := s.ByOwner("rkln1ab")
	if err != nil {
		t.Fatalf("ByOwner() error: %v", err)
	}
	if len(utxos) != 1 {
		t.Errorf("ByOwner() len = %d, want 1", len(utxos))
	}
}

func TestStore_SetLocked(t *testing.T) {
	s := newTestStore(t)
	a := testUTXO(0x01, 0, alice, 100)
	b := testUTXO(0x02, 0, alice, 100)
	s.Store(a)
	s.Store(b)

	if err := s.SetLocked([]types.Outpoint{a.Outpoint, b.Outpoint}, true); err != nil {
		t.Fatalf("SetLocked() error: %v", err)
	}
	got, _ := s.Get(b.Outpoint)
	if !got.Locked {
		t.Error("output not locked")
	}

	// A missing outpoint leaves every flag unchanged.
	err := s.SetLocked([]types.Outpoint{a.Outpoint, {TxID: types.Hash{0x09}}}, false)
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("SetLocked() error = %v, want ErrNotFound", err)
	}
	got, _ = s.Get(a.Outpoint)
	if !got.Locked {
		t.Error("partial unlock was committed")
	}
}

func TestStore_ApplyBlock(t *testing.T) {
	s := newTestStore(t)
	s.Store(testUTXO(0x01, 0, alice, 1000))

	cb := tx.NewCoinbase(alice, 5000, 1700000002)
	pay := spend([]types.Outpoint{{TxID: types.Hash{0x01}}}, bob, 900, 100)
	blk := testBlock(2, cb, pay)

	if err := s.ApplyBlock(blk); err != nil {
		t.Fatalf("ApplyBlock() error: %v", err)
	}

	if ok, _ := s.Has(types.Outpoint{TxID: types.Hash{0x01}}); ok {
		t.Error("input still live")
	}
	out, err := s.Get(types.Outpoint{TxID: pay.ID, Index: 0})
	if err != nil {
		t.Fatalf("Get(output) error: %v", err)
	}
	if out.Height != 2 || out.Owner != bob || out.Coinbase {
		t.Errorf("output = %+v", out)
	}
	reward, err := s.Get(types.Outpoint{TxID: cb.ID, Index: 0})
	if err != nil {
		t.Fatalf("Get(coinbase) error: %v", err)
	}
	if !reward.Coinbase {
		t.Error("coinbase flag not set")
	}

	hist, _ := s.History(types.Outpoint{TxID: types.Hash{0x01}})
	if len(hist) != 2 || hist[1].BlockHash != blk.Hash() {
		t.Errorf("input history = %+v", hist)
	}
}

func TestStore_ApplyBlockMissingInputIsAtomic(t *testing.T) {
	s := newTestStore(t)
	s.Store(testUTXO(0x01, 0, alice, 1000))

	ok := spend([]types.Outpoint{{TxID: types.Hash{0x01}}}, bob, 900, 100)
	bad := spend([]types.Outpoint{{TxID: types.Hash{0x07}}}, bob, 10, 0)
	blk := testBlock(2, tx.NewCoinbase(alice, 5000, 1700000002), ok, bad)

	err := s.ApplyBlock(blk)
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("ApplyBlock() error = %v, want ErrNotFound", err)
	}

	if live, _ := s.Has(types.Outpoint{TxID: types.Hash{0x01}}); !live {
		t.Error("first input was spent by a rejected block")
	}
	if live, _ := s.Has(types.Outpoint{TxID: ok.ID}); live {
		t.Error("output of a rejected block was stored")
	}
	n, _ := s.Count()
	if n != 1 {
		t.Errorf("Count() = %d, want 1", n)
	}
}

func TestStore_GetUTXOProvider(t *testing.T) {
	s := newTestStore(t)
	u := testUTXO(0x01, 0, alice, 700)
	u.Coinbase = true
	s.Store(u)

	var p tx.UTXOProvider = s
	so, err := p.GetUTXO(u.Outpoint)
	if err != nil {
		t.Fatalf("GetUTXO() error: %v", err)
	}
	if so.Amount != 700 || so.Owner != alice || !so.Coinbase || so.Height != 1 {
		t.Errorf("GetUTXO() = %+v", so)
	}
}

func TestStore_ClearAll(t *testing.T) {
	s := newTestStore(t)
	s.Store(testUTXO(0x01, 0, alice, 100))
	s.Store(testUTXO(0x02, 0, bob, 100))

	if err := s.ClearAll(); err != nil {
		t.Fatalf("ClearAll() error: %v", err)
	}
	n, _ := s.Count()
	if n != 0 {
		t.Errorf("Count() = %d, want 0", n)
	}
	utxos, _ := s.ByOwner(alice)
	if len(utxos) != 0 {
		t.Errorf("owner index survived: %d", len(utxos))
	}
	hist, _ := s.History(types.Outpoint{TxID: types.Hash{0x01}})
	if len(hist) != 0 {
		t.Errorf("history survived: %d", len(hist))
	}
	// The set can be rebuilt after clearing.
	if err := s.Store(testUTXO(0x01, 0, alice, 100)); err != nil {
		t.Fatalf("Store() after ClearAll error: %v", err)
	}
}

func TestCommitment(t *testing.T) {
	s := newTestStore(t)
	empty, err := s.Commitment()
	if err != nil {
		t.Fatalf("Commitment() error: %v", err)
	}
	if !empty.IsZero() {
		t.Error("empty set commitment should be zero")
	}

	s.Store(testUTXO(0x01, 0, alice, 100))
	s.Store(testUTXO(0x02, 0, bob, 200))
	c1, _ := s.Commitment()

	other := newTestStore(t)
	other.Store(testUTXO(0x02, 0, bob, 200))
	other.Store(testUTXO(0x01, 0, alice, 100))
	c2, _ := other.Commitment()
	if c1 != c2 {
		t.Error("commitment depends on insertion order")
	}

	// Locking does not change ledger state.
	s.SetLocked([]types.Outpoint{{TxID: types.Hash{0x01}}}, true)
	c3, _ := s.Commitment()
	if c3 != c1 {
		t.Error("lock flag changed the commitment")
	}

	s.MarkSpent(types.Outpoint{TxID: types.Hash{0x01}}, types.Hash{}, 1)
	c4, _ := s.Commitment()
	if c4 == c1 {
		t.Error("spend did not change the commitment")
	}
}

func TestKeys_Unique(t *testing.T) {
	a := utxoKey(types.Outpoint{TxID: types.Hash{0x01}, Index: 1})
	b := utxoKey(types.Outpoint{TxID: types.Hash{0x01}, Index: 10})
	if string(a) == string(b) {
		t.Error("keys collide across indices")
	}
	if string(historyKey(types.Outpoint{}, 1)) >= string(historyKey(types.Outpoint{}, 2)) {
		t.Error("history keys are not ordered by sequence")
	}
}
