package mempool

import (
	"errors"
	"fmt"
	"time"

	"github.com/Klingon-tech/klingnet-ledger/pkg/tx"
	"github.com/Klingon-tech/klingnet-ledger/pkg/types"
)

// Set bundles the standard and smart pools and routes by transaction kind.
type Set struct {
	Standard *Pool
	Smart    *Pool
}

// NewSet creates both pools sharing deps.
func NewSet(standard, smart Policy, deps Deps) (*Set, error) {
	std, err := New(KindStandard, standard, deps)
	if err != nil {
		return nil, fmt.Errorf("standard pool: %w", err)
	}
	sm, err := New(KindSmart, smart, deps)
	if err != nil {
		return nil, fmt.Errorf("smart pool: %w", err)
	}
	return &Set{Standard: std, Smart: sm}, nil
}

// PoolFor returns the pool that accepts t.
func (s *Set) PoolFor(t *tx.Transaction) (*Pool, error) {
	switch tx.TypeOf(t.ID) {
	case tx.TypeSmart:
		return s.Smart, nil
	case tx.TypeStandard, tx.TypeInstant:
		return s.Standard, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrWrongPool, t.Type)
	}
}

// Add admits t into the pool matching its kind.
func (s *Set) Add(t *tx.Transaction) (uint64, error) {
	p, err := s.PoolFor(t)
	if err != nil {
		return 0, err
	}
	return p.Add(t)
}

func (s *Set) pools() []*Pool {
	return []*Pool{s.Standard, s.Smart}
}

// Has reports whether either pool holds id.
func (s *Set) Has(id types.Hash) bool {
	return s.Standard.Has(id) || s.Smart.Has(id)
}

// Get returns the entry for id from whichever pool holds it.
func (s *Set) Get(id types.Hash) (Entry, bool) {
	if e, ok := s.Standard.Get(id); ok {
		return e, true
	}
	return s.Smart.Get(id)
}

// Remove drops id from whichever pool holds it.
func (s *Set) Remove(id types.Hash) error {
	return errors.Join(s.Standard.Remove(id), s.Smart.Remove(id))
}

// MarkDisputed flags a smart entry.
func (s *Set) MarkDisputed(id types.Hash) error {
	return s.Smart.MarkDisputed(id)
}

// Count returns the number of entries in both pools.
func (s *Set) Count() int {
	return s.Standard.Count() + s.Smart.Count()
}

// Bytes returns the total entry size of both pools.
func (s *Set) Bytes() int {
	return s.Standard.Bytes() + s.Smart.Bytes()
}

// SelectForBlock merges the candidates of both pools and packs them into
// byteBudget in priority order.
func (s *Set) SelectForBlock(byteBudget int, height uint64) ([]*tx.Transaction, error) {
	var all []*Entry
	for _, p := range s.pools() {
		cands, err := p.candidates(height)
		if err != nil {
			return nil, fmt.Errorf("%s pool: %w", p.kind, err)
		}
		all = append(all, cands...)
	}
	return pack(all, byteBudget, height, s.Standard.policy.AgePriority), nil
}

// RemoveConfirmed drops the block's transactions from both pools.
func (s *Set) RemoveConfirmed(txs []*tx.Transaction) error {
	return errors.Join(s.Standard.RemoveConfirmed(txs), s.Smart.RemoveConfirmed(txs))
}

// Expire runs the expiry sweep on both pools.
func (s *Set) Expire(now time.Time) (int, error) {
	a, errA := s.Standard.Expire(now)
	b, errB := s.Smart.Expire(now)
	return a + b, errors.Join(errA, errB)
}

// Load restores both pools from storage.
func (s *Set) Load() (int, error) {
	a, err := s.Standard.Load()
	if err != nil {
		return a, err
	}
	b, err := s.Smart.Load()
	return a + b, err
}
