package mempool

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Klingon-tech/klingnet-ledger/internal/log"
	"github.com/Klingon-tech/klingnet-ledger/internal/storage"
	"github.com/Klingon-tech/klingnet-ledger/pkg/types"
)

// Load restores persisted entries. Entries whose inputs are no longer in the
// UTXO set, that no longer validate, or that do not fit are dropped from
// storage and release the inputs no restored entry spends. Returns the
// number restored.
func (p *Pool) Load() (int, error) {
	if p.store == nil {
		return 0, nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	defer p.updateGauges()

	var stale []*Entry
	var loaded []*Entry
	err := p.store.ForEach(nil, func(key, value []byte) error {
		var e Entry
		if err := json.Unmarshal(value, &e); err != nil || e.Tx == nil {
			return fmt.Errorf("%w: mempool entry %x: %v", storage.ErrCorrupt, key, err)
		}
		loaded = append(loaded, &e)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("load %s pool: %w", p.kind, err)
	}

	sortByPriority(loaded, p.deps.Height(), 0)
	restored := 0
	for _, e := range loaded {
		if err := p.restore(e); err != nil {
			if storage.IsFatal(err) {
				return restored, err
			}
			log.Mempool.Warn().Err(err).Str("tx", e.ID().Short()).Msg("Dropping persisted transaction")
			stale = append(stale, e)
			continue
		}
		restored++
	}

	for _, e := range stale {
		if err := p.unlock(p.unowned(e.Tx.Outpoints())); err != nil {
			return restored, fmt.Errorf("drop stale entry: %w", err)
		}
		id := e.ID()
		if err := p.store.Delete(id[:]); err != nil {
			return restored, fmt.Errorf("drop stale entry: %w", err)
		}
	}
	if restored > 0 || len(stale) > 0 {
		log.Mempool.Info().
			Str("pool", p.kind.String()).
			Int("restored", restored).
			Int("dropped", len(stale)).
			Msg("Loaded mempool")
	}
	return restored, nil
}

func (p *Pool) restore(e *Entry) error {
	t := e.Tx
	if err := p.checkKind(t); err != nil {
		return err
	}
	if _, exists := p.txs[t.ID]; exists {
		return ErrAlreadyExists
	}
	for _, in := range t.Inputs {
		if _, exists := p.spends[in.PrevOut]; exists {
			return ErrConflict
		}
		if _, err := p.deps.UTXOs.GetUTXO(in.PrevOut); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return fmt.Errorf("input %s no longer exists", in.PrevOut)
			}
			return err
		}
	}
	// Inputs are still locked by this entry from before the restart.
	sc := p.spendContext()
	sc.AllowLocked = true
	if _, err := t.ValidateWithUTXOs(p.deps.UTXOs, sc); err != nil {
		return err
	}
	if p.bytes+e.Size > p.policy.MaxBytes {
		return ErrPoolFull
	}
	if err := p.deps.UTXOs.SetLocked(t.Outpoints(), true); err != nil {
		return err
	}
	p.insert(e)
	return nil
}

// unowned filters out outpoints spent by an entry in the pool.
func (p *Pool) unowned(ops []types.Outpoint) []types.Outpoint {
	out := ops[:0:0]
	for _, op := range ops {
		if _, held := p.spends[op]; !held {
			out = append(out, op)
		}
	}
	return out
}
