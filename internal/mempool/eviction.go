package mempool

import (
	"fmt"
	"sort"
	"time"

	"github.com/Klingon-tech/klingnet-ledger/internal/log"
	"github.com/Klingon-tech/klingnet-ledger/internal/metrics"
	"github.com/Klingon-tech/klingnet-ledger/pkg/types"
)

// planEviction returns the entries to evict so that incoming fits under the
// byte ceiling. Only entries paying strictly less per byte than incoming are
// candidates. Entries below the protected rate go first, each group in
// ascending fee rate. Nothing is evicted when the space cannot be freed.
func (p *Pool) planEviction(incoming *Entry) ([]*Entry, error) {
	if incoming.Size > p.policy.MaxBytes {
		return nil, fmt.Errorf("%w: %d bytes exceeds pool ceiling %d", ErrPoolFull, incoming.Size, p.policy.MaxBytes)
	}
	need := p.bytes + incoming.Size - p.policy.MaxBytes
	if need <= 0 {
		return nil, nil
	}

	var cands []*Entry
	for _, e := range p.txs {
		if e.compareRate(incoming) < 0 {
			cands = append(cands, e)
		}
	}
	protected := func(e *Entry) bool {
		return p.policy.ProtectedFeeRate > 0 && e.Fee/uint64(max(e.Size, 1)) >= p.policy.ProtectedFeeRate
	}
	sort.Slice(cands, func(i, j int) bool {
		a, b := cands[i], cands[j]
		if pa, pb := protected(a), protected(b); pa != pb {
			return pb
		}
		if c := a.compareRate(b); c != 0 {
			return c < 0
		}
		// Newest first among equal rates.
		if !a.AddedAt.Equal(b.AddedAt) {
			return a.AddedAt.After(b.AddedAt)
		}
		return b.ID().Less(a.ID())
	})

	var victims []*Entry
	freed := 0
	for _, e := range cands {
		if freed >= need {
			break
		}
		victims = append(victims, e)
		freed += e.Size
	}
	if freed < need {
		return nil, fmt.Errorf("%w: need %d bytes, only %d evictable", ErrPoolFull, need, freed)
	}
	return victims, nil
}

// Expire removes entries admitted longer ago than the expiry window.
func (p *Pool) Expire(now time.Time) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	n, err := p.expireLocked(now)
	p.updateGauges()
	return n, err
}

func (p *Pool) expireLocked(now time.Time) (int, error) {
	if p.policy.Expiry <= 0 {
		return 0, nil
	}
	cutoff := now.Add(-p.policy.Expiry)
	var expired []types.Hash
	for id, e := range p.txs {
		if e.AddedAt.Before(cutoff) {
			expired = append(expired, id)
		}
	}
	for _, id := range expired {
		if err := p.removeLocked(id, true); err != nil {
			return 0, fmt.Errorf("expire %s: %w", id, err)
		}
		metrics.MempoolEvictions.WithLabelValues(p.kind.String(), "expired").Inc()
	}
	if len(expired) > 0 {
		log.Mempool.Info().Str("pool", p.kind.String()).Int("count", len(expired)).Msg("Expired transactions")
	}
	return len(expired), nil
}
