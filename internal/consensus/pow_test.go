package consensus

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"math/rand"
	"testing"
	"time"

	"github.com/Klingon-tech/klingnet-ledger/pkg/block"
	"github.com/Klingon-tech/klingnet-ledger/pkg/tx"
	"github.com/Klingon-tech/klingnet-ledger/pkg/types"
)

func pow2(n uint) *big.Int {
	return new(big.Int).Lsh(big.NewInt(1), n)
}

func testParams() Params {
	return Params{
		GenesisTarget:  pow2(248),
		MinTarget:      pow2(200),
		MaxTarget:      pow2(252),
		BlockTime:      10,
		AdjustInterval: 4,
		MinFactorPct:   25,
		MaxFactorPct:   400,
		MaxDrift:       2 * time.Minute,
	}
}

func newTestPoW(t *testing.T, threads int) *PoW {
	t.Helper()
	p, err := NewPoW(testParams(), threads)
	if err != nil {
		t.Fatalf("NewPoW() error: %v", err)
	}
	return p
}

func testHeader(target *big.Int) *block.Header {
	return &block.Header{
		Index:      1,
		PrevHash:   types.Hash{0xaa},
		MerkleRoot: types.Hash{1, 2, 3},
		Timestamp:  1000,
		Target:     target,
		Miner:      "rkln1miner",
	}
}

func TestParams_Validate(t *testing.T) {
	if err := testParams().Validate(); err != nil {
		t.Fatalf("Validate() error: %v", err)
	}

	tests := []struct {
		name string
		mod  func(*Params)
	}{
		{"nil genesis", func(p *Params) { p.GenesisTarget = nil }},
		{"min above max", func(p *Params) { p.MinTarget = pow2(253) }},
		{"genesis below min", func(p *Params) { p.GenesisTarget = pow2(100) }},
		{"max too wide", func(p *Params) { p.MaxTarget = pow2(256) }},
		{"zero block time", func(p *Params) { p.BlockTime = 0 }},
		{"min factor above 100", func(p *Params) { p.MinFactorPct = 150 }},
		{"max factor below 100", func(p *Params) { p.MaxFactorPct = 50 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := testParams()
			tt.mod(&p)
			if err := p.Validate(); err == nil {
				t.Error("Validate() should fail")
			}
		})
	}
}

func TestPoW_SealAndVerify(t *testing.T) {
	for _, threads := range []int{1, 4} {
		t.Run(fmt.Sprintf("threads=%d", threads), func(t *testing.T) {
			p := newTestPoW(t, threads)
			blk := block.NewBlock(testHeader(pow2(248)), nil)
			if err := p.Seal(context.Background(), blk); err != nil {
				t.Fatalf("Seal() error: %v", err)
			}
			if err := p.VerifyHeader(blk.Header); err != nil {
				t.Fatalf("VerifyHeader() after Seal error: %v", err)
			}
			if block.HashValue(blk.Hash()).Cmp(blk.Header.Target) >= 0 {
				t.Error("hash not below target")
			}
		})
	}
}

func TestPoW_VerifyHeader_Rejects(t *testing.T) {
	p := newTestPoW(t, 1)

	h := testHeader(big.NewInt(1))
	if err := p.VerifyHeader(h); !errors.Is(err, ErrInsufficientWork) {
		t.Fatalf("VerifyHeader() = %v, want ErrInsufficientWork", err)
	}
	if !errors.Is(ErrInsufficientWork, tx.ErrValidation) {
		t.Error("ErrInsufficientWork should wrap ErrValidation")
	}

	h.Target = nil
	if err := p.VerifyHeader(h); !errors.Is(err, ErrNilTarget) {
		t.Fatalf("VerifyHeader(nil target) = %v, want ErrNilTarget", err)
	}
}

func TestPoW_VerifyHeader_TamperedNonce(t *testing.T) {
	p := newTestPoW(t, 1)
	blk := block.NewBlock(testHeader(pow2(240)), nil)
	if err := p.Seal(context.Background(), blk); err != nil {
		t.Fatalf("Seal() error: %v", err)
	}
	blk.Header.Nonce++
	// With a 2^-16 acceptance rate the next nonce almost never passes.
	if block.HashValue(blk.Hash()).Cmp(blk.Header.Target) < 0 {
		t.Skip("adjacent nonce also meets target")
	}
	if err := p.VerifyHeader(blk.Header); !errors.Is(err, ErrInsufficientWork) {
		t.Fatalf("VerifyHeader() = %v, want ErrInsufficientWork", err)
	}
}

func TestPoW_SealCancel(t *testing.T) {
	p := newTestPoW(t, 2)
	blk := block.NewBlock(testHeader(big.NewInt(1)), nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	done := make(chan error, 1)
	go func() { done <- p.Seal(ctx, blk) }()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Seal() = %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Seal() did not stop after cancellation")
	}
	if blk.Header.Nonce != 0 {
		t.Error("nonce modified by a cancelled seal")
	}
}

func TestPoW_SealNilTarget(t *testing.T) {
	p := newTestPoW(t, 1)
	blk := block.NewBlock(testHeader(nil), nil)
	if err := p.Seal(context.Background(), blk); !errors.Is(err, ErrNilTarget) {
		t.Fatalf("Seal() = %v, want ErrNilTarget", err)
	}
}

func TestCalcNextTarget_Direction(t *testing.T) {
	p := newTestPoW(t, 1)
	old := pow2(230)

	slow := p.CalcNextTarget(old, 80, 40)
	if slow.Cmp(new(big.Int).Mul(old, big.NewInt(2))) != 0 {
		t.Errorf("slow window target = %x, want old*2", slow)
	}

	fast := p.CalcNextTarget(old, 20, 40)
	if fast.Cmp(new(big.Int).Div(old, big.NewInt(2))) != 0 {
		t.Errorf("fast window target = %x, want old/2", fast)
	}

	same := p.CalcNextTarget(old, 40, 40)
	if same.Cmp(old) != 0 {
		t.Errorf("on-time window changed target: %x", same)
	}
}

func TestCalcNextTarget_FactorClamp(t *testing.T) {
	p := newTestPoW(t, 1)
	old := pow2(230)

	got := p.CalcNextTarget(old, 1_000_000, 40)
	want := new(big.Int).Mul(old, big.NewInt(4))
	if got.Cmp(want) != 0 {
		t.Errorf("very slow window = %x, want old*4", got)
	}

	got = p.CalcNextTarget(old, 0, 40)
	want = new(big.Int).Div(old, big.NewInt(4))
	if got.Cmp(want) != 0 {
		t.Errorf("instant window = %x, want old/4", got)
	}
}

func TestAdjustTarget_EmptyWindow(t *testing.T) {
	p := newTestPoW(t, 1)
	genesis := p.Params.GenesisTarget

	if got := p.AdjustTarget(nil); got.Cmp(genesis) != 0 {
		t.Errorf("AdjustTarget(nil) = %x, want genesis %x", got, genesis)
	}
	if got := p.AdjustTarget([]*block.Header{testHeader(nil)}); got.Cmp(genesis) != 0 {
		t.Errorf("AdjustTarget(no target) = %x, want genesis %x", got, genesis)
	}
	got := p.AdjustTarget([]*block.Header{})
	got.Add(got, big.NewInt(1))
	if p.Params.GenesisTarget.Cmp(pow2(248)) != 0 {
		t.Error("AdjustTarget() result aliases the genesis target")
	}
}

func TestCalcNextTarget_GlobalClamp(t *testing.T) {
	p := newTestPoW(t, 1)

	got := p.CalcNextTarget(pow2(251), 1_000, 40)
	if got.Cmp(p.Params.MaxTarget) != 0 {
		t.Errorf("target above max not clamped: %x", got)
	}
	got = p.CalcNextTarget(pow2(201), 1, 40)
	if got.Cmp(p.Params.MinTarget) != 0 {
		t.Errorf("target below min not clamped: %x", got)
	}
}

func TestCalcNextTarget_Bounded(t *testing.T) {
	p := newTestPoW(t, 1)
	rng := rand.New(rand.NewSource(7))

	for i := 0; i < 2000; i++ {
		old := new(big.Int).Rand(rng, p.Params.MaxTarget)
		old.Add(old, p.Params.MinTarget)
		if old.Cmp(p.Params.MaxTarget) > 0 {
			old.Set(p.Params.MaxTarget)
		}
		actual := uint64(rng.Int63n(10_000))
		next := p.CalcNextTarget(old, actual, 40)

		if next.Cmp(p.Params.MinTarget) < 0 || next.Cmp(p.Params.MaxTarget) > 0 {
			t.Fatalf("target %x outside global bounds", next)
		}
		lo := percent(old, p.Params.MinFactorPct)
		hi := percent(old, p.Params.MaxFactorPct)
		inFactor := next.Cmp(lo) >= 0 && next.Cmp(hi) <= 0
		atBound := next.Cmp(p.Params.MinTarget) == 0 || next.Cmp(p.Params.MaxTarget) == 0
		if !inFactor && !atBound {
			t.Fatalf("ratio out of range: old=%x next=%x", old, next)
		}
	}
}

// headerChain builds n headers spaced by spacing seconds, all at target.
func headerChain(n int, spacing uint64, target *big.Int) []*block.Header {
	hs := make([]*block.Header, n)
	for i := range hs {
		hs[i] = &block.Header{
			Index:     uint64(i),
			Timestamp: 1000 + uint64(i)*spacing,
			Target:    new(big.Int).Set(target),
		}
	}
	return hs
}

func lookupIn(hs []*block.Header) HeaderLookup {
	return func(h uint64) (*block.Header, error) {
		if h >= uint64(len(hs)) {
			return nil, fmt.Errorf("height %d: not found", h)
		}
		return hs[h], nil
	}
}

func TestExpectedTarget(t *testing.T) {
	p := newTestPoW(t, 1)

	genesis, err := p.ExpectedTarget(0, nil)
	if err != nil {
		t.Fatalf("ExpectedTarget(0) error: %v", err)
	}
	if genesis.Cmp(p.Params.GenesisTarget) != 0 {
		t.Errorf("genesis target = %x", genesis)
	}

	// Blocks twice as slow as planned: a retarget doubles the target.
	hs := headerChain(8, 20, pow2(240))
	lookup := lookupIn(hs)

	carry, err := p.ExpectedTarget(3, lookup)
	if err != nil {
		t.Fatalf("ExpectedTarget(3) error: %v", err)
	}
	if carry.Cmp(pow2(240)) != 0 {
		t.Errorf("non-boundary target changed: %x", carry)
	}

	adj, err := p.ExpectedTarget(4, lookup)
	if err != nil {
		t.Fatalf("ExpectedTarget(4) error: %v", err)
	}
	if adj.Cmp(pow2(241)) != 0 {
		t.Errorf("boundary target = %x, want 2^241", adj)
	}

	if _, err := p.ExpectedTarget(12, lookup); err == nil {
		t.Error("ExpectedTarget() with missing history should fail")
	}
}

func TestVerifyTarget(t *testing.T) {
	p := newTestPoW(t, 1)
	hs := headerChain(3, 10, pow2(240))

	h := &block.Header{Index: 3, Target: pow2(240)}
	if err := p.VerifyTarget(h, lookupIn(hs)); err != nil {
		t.Fatalf("VerifyTarget() error: %v", err)
	}
	h.Target = pow2(245)
	if err := p.VerifyTarget(h, lookupIn(hs)); !errors.Is(err, ErrBadTarget) {
		t.Fatalf("VerifyTarget() = %v, want ErrBadTarget", err)
	}
}

func TestPrepare(t *testing.T) {
	p := newTestPoW(t, 1)
	h := &block.Header{Index: 0}
	if err := p.Prepare(h, nil); err != nil {
		t.Fatalf("Prepare() error: %v", err)
	}
	if h.Target.Cmp(p.Params.GenesisTarget) != 0 {
		t.Errorf("Prepare() target = %x", h.Target)
	}
	// The header owns its target.
	h.Target.SetInt64(1)
	if p.Params.GenesisTarget.Cmp(big.NewInt(1)) == 0 {
		t.Error("Prepare() aliased the genesis target")
	}
}

func TestValidateTimestamp(t *testing.T) {
	p := newTestPoW(t, 1)
	now := time.Unix(10_000, 0)
	parent := &block.Header{Timestamp: 5_000}

	tests := []struct {
		name string
		ts   uint64
		want error
	}{
		{"after parent", 5_001, nil},
		{"equal to parent", 5_000, ErrTimestampOrder},
		{"before parent", 4_000, ErrTimestampOrder},
		{"within drift", 10_100, nil},
		{"beyond drift", 10_121, ErrTimestampFuture},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := p.ValidateTimestamp(&block.Header{Timestamp: tt.ts}, parent, now)
			if tt.want == nil && err != nil {
				t.Fatalf("ValidateTimestamp() error: %v", err)
			}
			if tt.want != nil && !errors.Is(err, tt.want) {
				t.Fatalf("ValidateTimestamp() = %v, want %v", err, tt.want)
			}
		})
	}

	if err := p.ValidateTimestamp(&block.Header{Timestamp: 1}, nil, now); err != nil {
		t.Errorf("genesis timestamp rejected: %v", err)
	}
}
