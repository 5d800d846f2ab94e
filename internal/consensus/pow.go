package consensus

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"math/big"
	"sync"
	"time"

	"github.com/Klingon-tech/klingnet-ledger/internal/log"
	"github.com/Klingon-tech/klingnet-ledger/internal/metrics"
	"github.com/Klingon-tech/klingnet-ledger/pkg/block"
	"github.com/Klingon-tech/klingnet-ledger/pkg/crypto"
	"github.com/Klingon-tech/klingnet-ledger/pkg/tx"
)

// PoW errors.
var (
	ErrInsufficientWork = fmt.Errorf("%w: hash does not meet target", tx.ErrValidation)
	ErrBadTarget        = fmt.Errorf("%w: block target does not match expected", tx.ErrValidation)
	ErrNilTarget        = fmt.Errorf("%w: target must be > 0", tx.ErrValidation)
	ErrTimestampOrder   = fmt.Errorf("%w: block timestamp not after parent", tx.ErrValidation)
	ErrTimestampFuture  = fmt.Errorf("%w: block timestamp too far in the future", tx.ErrValidation)
	ErrNonceExhausted   = errors.New("nonce space exhausted")
)

// pollInterval is the number of nonces tried between cancellation checks.
const pollInterval = 4096

// MaxTarget256 is 2^256 - 1, the easiest representable target.
var MaxTarget256 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

// Params are the proof-of-work parameters of a network.
type Params struct {
	// GenesisTarget is the target of block 0 and the first retarget window.
	GenesisTarget *big.Int
	// MinTarget and MaxTarget bound every target (lower is harder).
	MinTarget *big.Int
	MaxTarget *big.Int
	// BlockTime is the target seconds between blocks.
	BlockTime uint64
	// AdjustInterval is the number of blocks between retargets (0 = never).
	AdjustInterval uint64
	// MinFactorPct and MaxFactorPct clamp a single retarget, in percent of
	// the old target.
	MinFactorPct uint64
	MaxFactorPct uint64
	// MaxDrift is how far a block timestamp may run ahead of wall clock.
	MaxDrift time.Duration
}

// Validate checks the parameters for internal consistency.
func (p Params) Validate() error {
	switch {
	case p.GenesisTarget == nil || p.MinTarget == nil || p.MaxTarget == nil:
		return fmt.Errorf("pow params: targets must be set")
	case p.MinTarget.Sign() <= 0:
		return fmt.Errorf("pow params: min target must be > 0")
	case p.MinTarget.Cmp(p.MaxTarget) > 0:
		return fmt.Errorf("pow params: min target above max target")
	case p.MaxTarget.Cmp(MaxTarget256) > 0:
		return fmt.Errorf("pow params: max target exceeds 256 bits")
	case p.GenesisTarget.Cmp(p.MinTarget) < 0 || p.GenesisTarget.Cmp(p.MaxTarget) > 0:
		return fmt.Errorf("pow params: genesis target outside bounds")
	case p.AdjustInterval > 0 && p.BlockTime == 0:
		return fmt.Errorf("pow params: block time must be > 0")
	case p.MinFactorPct == 0 || p.MinFactorPct > 100 || p.MaxFactorPct < 100:
		return fmt.Errorf("pow params: factor clamp [%d%%, %d%%] invalid", p.MinFactorPct, p.MaxFactorPct)
	}
	return nil
}

// PoW implements proof-of-work consensus.
// The target is stored in the block header; the engine holds no chain state.
type PoW struct {
	Params Params

	// Threads controls the number of parallel mining goroutines.
	// 0 or 1 = single-threaded. Each goroutine searches a strided
	// partition of the nonce space.
	Threads int
}

var _ Engine = (*PoW)(nil)

// NewPoW creates a new PoW engine.
func NewPoW(p Params, threads int) (*PoW, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &PoW{Params: p, Threads: threads}, nil
}

// ShouldAdjust returns true if the target is recalculated at this height.
func (p *PoW) ShouldAdjust(height uint64) bool {
	n := p.Params.AdjustInterval
	return height > 0 && n > 0 && height%n == 0
}

// VerifyHeader checks that the header hash is below the stated target.
func (p *PoW) VerifyHeader(header *block.Header) error {
	if header.Target == nil || header.Target.Sign() <= 0 {
		return ErrNilTarget
	}
	if block.HashValue(header.Hash()).Cmp(header.Target) >= 0 {
		return ErrInsufficientWork
	}
	return nil
}

// ValidateTimestamp requires the header to be strictly after its parent and
// no more than MaxDrift ahead of now. parent is nil for genesis.
func (p *PoW) ValidateTimestamp(header, parent *block.Header, now time.Time) error {
	if parent != nil && header.Timestamp <= parent.Timestamp {
		return fmt.Errorf("%w: %d <= parent %d", ErrTimestampOrder, header.Timestamp, parent.Timestamp)
	}
	limit := now.Add(p.Params.MaxDrift).Unix()
	if limit > 0 && header.Timestamp > uint64(limit) {
		return fmt.Errorf("%w: %d exceeds %d", ErrTimestampFuture, header.Timestamp, limit)
	}
	return nil
}

// ExpectedTarget computes the target a block at height must carry.
// lookup must resolve every height below the block.
func (p *PoW) ExpectedTarget(height uint64, lookup HeaderLookup) (*big.Int, error) {
	if height == 0 {
		return new(big.Int).Set(p.Params.GenesisTarget), nil
	}
	parent, err := lookup(height - 1)
	if err != nil {
		return nil, fmt.Errorf("expected target: parent %d: %w", height-1, err)
	}
	if parent.Target == nil {
		return nil, fmt.Errorf("expected target: parent %d: %w", height-1, ErrNilTarget)
	}
	if !p.ShouldAdjust(height) {
		return new(big.Int).Set(parent.Target), nil
	}

	window := make([]*block.Header, 0, p.Params.AdjustInterval)
	for h := height - p.Params.AdjustInterval; h < height; h++ {
		hdr, err := lookup(h)
		if err != nil {
			return nil, fmt.Errorf("expected target: window %d: %w", h, err)
		}
		window = append(window, hdr)
	}
	return p.AdjustTarget(window), nil
}

// AdjustTarget retargets from a window of consecutive headers, oldest first.
// The last header's target is the one adjusted. Without headers, or when
// the last one carries no target, the genesis target is returned.
func (p *PoW) AdjustTarget(recent []*block.Header) *big.Int {
	if len(recent) == 0 || recent[len(recent)-1].Target == nil {
		return p.clampGlobal(new(big.Int).Set(p.Params.GenesisTarget))
	}
	last := recent[len(recent)-1]
	if len(recent) < 2 {
		return p.clampGlobal(new(big.Int).Set(last.Target))
	}
	var actual uint64
	if last.Timestamp > recent[0].Timestamp {
		actual = last.Timestamp - recent[0].Timestamp
	}
	expected := uint64(len(recent)-1) * p.Params.BlockTime
	return p.CalcNextTarget(last.Target, actual, expected)
}

// CalcNextTarget computes old * actual / expected, clamped to
// [old*MinFactorPct%, old*MaxFactorPct%] and then to [MinTarget, MaxTarget].
// A slow window raises the target, making blocks easier.
func (p *PoW) CalcNextTarget(old *big.Int, actual, expected uint64) *big.Int {
	if actual == 0 {
		actual = 1
	}
	if expected == 0 {
		expected = 1
	}

	next := new(big.Int).Mul(old, new(big.Int).SetUint64(actual))
	next.Div(next, new(big.Int).SetUint64(expected))

	lo := percent(old, p.Params.MinFactorPct)
	hi := percent(old, p.Params.MaxFactorPct)
	if next.Cmp(lo) < 0 {
		next.Set(lo)
	}
	if next.Cmp(hi) > 0 {
		next.Set(hi)
	}
	return p.clampGlobal(next)
}

func (p *PoW) clampGlobal(t *big.Int) *big.Int {
	if t.Cmp(p.Params.MinTarget) < 0 {
		t.Set(p.Params.MinTarget)
	}
	if t.Cmp(p.Params.MaxTarget) > 0 {
		t.Set(p.Params.MaxTarget)
	}
	return t
}

func percent(v *big.Int, pct uint64) *big.Int {
	r := new(big.Int).Mul(v, new(big.Int).SetUint64(pct))
	return r.Div(r, big.NewInt(100))
}

// Prepare sets the header target expected at its height.
func (p *PoW) Prepare(header *block.Header, lookup HeaderLookup) error {
	t, err := p.ExpectedTarget(header.Index, lookup)
	if err != nil {
		return err
	}
	header.Target = t
	return nil
}

// VerifyTarget checks that the header carries the expected target.
func (p *PoW) VerifyTarget(header *block.Header, lookup HeaderLookup) error {
	want, err := p.ExpectedTarget(header.Index, lookup)
	if err != nil {
		return err
	}
	if header.Target == nil || header.Target.Cmp(want) != 0 {
		return fmt.Errorf("%w: height %d has %x, want %x", ErrBadTarget, header.Index, header.Target, want)
	}
	return nil
}

// Seal searches the nonce space until the header hash is below the target.
// The context is polled every few thousand nonces; on cancellation
// ctx.Err() is returned and the header nonce is left unchanged.
func (p *PoW) Seal(ctx context.Context, blk *block.Block) error {
	if blk == nil || blk.Header == nil {
		return fmt.Errorf("nil block or header")
	}
	if blk.Header.Target == nil || blk.Header.Target.Sign() <= 0 {
		return ErrNilTarget
	}
	metrics.Init()
	start := time.Now()

	threads := p.Threads
	if threads < 1 {
		threads = 1
	}
	nonce, err := p.search(ctx, blk.Header, threads)
	if err != nil {
		return err
	}
	blk.Header.Nonce = nonce

	elapsed := time.Since(start)
	metrics.SealDuration.Observe(elapsed.Seconds())
	log.Consensus.Debug().
		Uint64("height", blk.Header.Index).
		Uint32("nonce", nonce).
		Dur("elapsed", elapsed).
		Msg("Block sealed")
	return nil
}

// search runs threads goroutines; goroutine i tries nonces i, i+threads, ...
func (p *PoW) search(ctx context.Context, h *block.Header, threads int) (uint32, error) {
	target := h.Target
	template := h.SigningBytes()

	workCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Each worker sends at most once, so the buffer never blocks.
	found := make(chan uint32, threads)

	var wg sync.WaitGroup
	for i := 0; i < threads; i++ {
		wg.Add(1)
		go func(start uint64) {
			defer wg.Done()
			buf := make([]byte, len(template))
			copy(buf, template)
			hashInt := new(big.Int)
			stride := uint64(threads)
			var tried uint64

			for nonce := start; nonce <= math.MaxUint32; nonce += stride {
				if tried > 0 && tried%pollInterval == 0 {
					metrics.SealAttempts.Add(pollInterval)
					select {
					case <-workCtx.Done():
						return
					default:
					}
				}
				tried++

				binary.BigEndian.PutUint32(buf[block.NonceOffset:], uint32(nonce))
				hash := crypto.Hash(buf)
				hashInt.SetBytes(hash[:])
				if hashInt.Cmp(target) < 0 {
					found <- uint32(nonce)
					cancel()
					return
				}
			}
		}(uint64(i))
	}

	go func() {
		wg.Wait()
		close(found)
	}()

	if nonce, ok := <-found; ok {
		return nonce, nil
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return 0, ErrNonceExhausted
}
