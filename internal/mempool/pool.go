// Package mempool manages pending transactions waiting for block inclusion.
package mempool

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Klingon-tech/klingnet-ledger/internal/log"
	"github.com/Klingon-tech/klingnet-ledger/internal/metrics"
	"github.com/Klingon-tech/klingnet-ledger/internal/storage"
	"github.com/Klingon-tech/klingnet-ledger/pkg/crypto"
	"github.com/Klingon-tech/klingnet-ledger/pkg/tx"
	"github.com/Klingon-tech/klingnet-ledger/pkg/types"
)

// Mempool errors.
var (
	ErrAlreadyExists = fmt.Errorf("transaction already in mempool: %w", storage.ErrConflict)
	ErrConflict      = fmt.Errorf("transaction conflicts with existing mempool entry: %w", storage.ErrConflict)
	ErrPoolFull      = errors.New("mempool is full")
	ErrFeeTooLow     = fmt.Errorf("%w: fee too low", tx.ErrValidation)
	ErrNotSmart      = fmt.Errorf("%w: transaction id lacks the smart marker", tx.ErrValidation)
	ErrWrongPool     = fmt.Errorf("%w: transaction kind not accepted by this pool", tx.ErrValidation)
	ErrNotFound      = fmt.Errorf("transaction not in mempool: %w", storage.ErrNotFound)
)

// UTXOSet is the part of the UTXO set the pool reads and locks.
type UTXOSet interface {
	tx.UTXOProvider
	SetLocked(ops []types.Outpoint, locked bool) error
}

// Deps are the collaborators of a pool. DB may be nil for a pool that is
// not persisted.
type Deps struct {
	UTXOs    UTXOSet
	Fees     tx.FeeModel
	Verifier crypto.Verifier
	Deriver  crypto.AddressDeriver
	HRP      string
	Maturity uint64
	Height   func() uint64
	DB       storage.DB
	Now      func() time.Time
}

// Pool holds unconfirmed transactions of one kind. The in-memory index and
// the persisted copy change under the same lock.
type Pool struct {
	mu     sync.Mutex
	kind   Kind
	policy Policy
	deps   Deps
	store  *storage.PrefixDB

	txs    map[types.Hash]*Entry         // id -> entry
	spends map[types.Outpoint]types.Hash // outpoint -> id (conflict index)
	bytes  int
}

// New creates a pool of the given kind.
func New(kind Kind, policy Policy, deps Deps) (*Pool, error) {
	if err := policy.Check(); err != nil {
		return nil, err
	}
	if deps.UTXOs == nil {
		return nil, fmt.Errorf("mempool: utxo set is nil")
	}
	if deps.Verifier == nil || deps.Deriver == nil {
		return nil, fmt.Errorf("mempool: verifier and address deriver are required")
	}
	if deps.Height == nil {
		deps.Height = func() uint64 { return 0 }
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	metrics.Init()
	p := &Pool{
		kind:   kind,
		policy: policy,
		deps:   deps,
		txs:    make(map[types.Hash]*Entry),
		spends: make(map[types.Outpoint]types.Hash),
	}
	if deps.DB != nil {
		p.store = storage.NewPrefixDB(deps.DB, kind.keyPrefix())
	}
	return p, nil
}

// Kind returns the pool kind.
func (p *Pool) Kind() Kind { return p.kind }

// Policy returns the pool policy.
func (p *Pool) Policy() Policy { return p.policy }

// Add validates and admits a transaction, locking the UTXOs it spends.
// Returns the fee.
func (p *Pool) Add(t *tx.Transaction) (uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	fee, err := p.addLocked(t)
	if err != nil {
		metrics.MempoolRejects.WithLabelValues(p.kind.String()).Inc()
		log.Mempool.Debug().Err(err).Str("pool", p.kind.String()).Str("tx", t.ID.Short()).Msg("Rejected transaction")
		return 0, err
	}
	p.updateGauges()
	log.Mempool.Debug().
		Str("pool", p.kind.String()).
		Str("tx", t.ID.Short()).
		Uint64("fee", fee).
		Int("bytes", p.bytes).
		Msg("Accepted transaction")
	return fee, nil
}

func (p *Pool) addLocked(t *tx.Transaction) (uint64, error) {
	now := p.deps.Now()
	if _, err := p.expireLocked(now); err != nil {
		return 0, err
	}

	if err := p.checkKind(t); err != nil {
		return 0, err
	}
	if _, exists := p.txs[t.ID]; exists {
		return 0, ErrAlreadyExists
	}
	for _, in := range t.Inputs {
		if other, exists := p.spends[in.PrevOut]; exists {
			return 0, fmt.Errorf("%w: input %s already spent by %s", ErrConflict, in.PrevOut, other)
		}
	}

	height := p.deps.Height()
	if _, err := t.ValidateWithUTXOs(p.deps.UTXOs, p.spendContext()); err != nil {
		return 0, err
	}

	size := t.Size()
	if err := p.checkFee(t, size); err != nil {
		return 0, err
	}

	e := &Entry{
		Tx:          t,
		Fee:         t.Fee,
		Size:        size,
		AddedHeight: height,
		AddedAt:     now,
		Status:      StatusPending,
	}
	victims, err := p.planEviction(e)
	if err != nil {
		return 0, err
	}

	if err := p.commit(e, victims); err != nil {
		return 0, err
	}
	return t.Fee, nil
}

// commit evicts victims, then persists e before locking its inputs. A crash
// after the persist leaves an entry that Load restores and locks again.
func (p *Pool) commit(e *Entry, victims []*Entry) error {
	for _, v := range victims {
		if err := p.removeLocked(v.ID(), true); err != nil {
			return fmt.Errorf("evict %s: %w", v.ID(), err)
		}
		metrics.MempoolEvictions.WithLabelValues(p.kind.String(), "fee").Inc()
		log.Mempool.Debug().Str("evicted", v.ID().Short()).Str("for", e.ID().Short()).Msg("Evicted for higher fee rate")
	}
	if err := p.persist(e); err != nil {
		return err
	}
	if err := p.deps.UTXOs.SetLocked(e.Tx.Outpoints(), true); err != nil {
		err = fmt.Errorf("lock inputs: %w", err)
		if p.store != nil {
			id := e.ID()
			if derr := p.store.Delete(id[:]); derr != nil {
				return errors.Join(err, derr)
			}
		}
		return err
	}
	p.insert(e)
	return nil
}

// spendContext validates spends for inclusion in the next block.
func (p *Pool) spendContext() tx.SpendContext {
	return tx.SpendContext{
		Verifier: p.deps.Verifier,
		Deriver:  p.deps.Deriver,
		HRP:      p.deps.HRP,
		Height:   p.deps.Height() + 1,
		Maturity: p.deps.Maturity,
	}
}

func (p *Pool) checkKind(t *tx.Transaction) error {
	kind := tx.TypeOf(t.ID)
	switch {
	case t.IsCoinbase():
		return fmt.Errorf("%w: coinbase", ErrWrongPool)
	case p.kind == KindSmart && kind != tx.TypeSmart:
		return ErrNotSmart
	case p.kind == KindStandard && kind == tx.TypeSmart:
		return fmt.Errorf("%w: smart transaction in standard pool", ErrWrongPool)
	}
	return nil
}

func (p *Pool) checkFee(t *tx.Transaction, size int) error {
	if t.Fee < p.policy.MinFee {
		return fmt.Errorf("%w: insufficient fee: required %d, given %d", ErrFeeTooLow, p.policy.MinFee, t.Fee)
	}
	if p.deps.Fees == nil {
		return nil
	}
	amount, err := t.TotalOutputValue()
	if err != nil {
		return err
	}
	required, err := p.deps.Fees.CalculateFee(p.bytes, tx.PaymentTypeOf(t.Type), amount, size)
	if err != nil {
		return fmt.Errorf("calculate fee: %w", err)
	}
	if t.Fee < required {
		return fmt.Errorf("%w: insufficient fee: required %d, given %d", ErrFeeTooLow, required, t.Fee)
	}
	return nil
}

func (p *Pool) insert(e *Entry) {
	p.txs[e.ID()] = e
	for _, in := range e.Tx.Inputs {
		p.spends[in.PrevOut] = e.ID()
	}
	p.bytes += e.Size
}

// removeLocked drops an entry and its persisted copy. When unlock is set the
// inputs still in the UTXO set are released.
func (p *Pool) removeLocked(id types.Hash, unlock bool) error {
	e, exists := p.txs[id]
	if !exists {
		return nil
	}
	if p.store != nil {
		if err := p.store.Delete(id[:]); err != nil {
			return fmt.Errorf("delete persisted entry: %w", err)
		}
	}
	for _, in := range e.Tx.Inputs {
		delete(p.spends, in.PrevOut)
	}
	delete(p.txs, id)
	p.bytes -= e.Size

	if unlock {
		return p.unlock(e.Tx.Outpoints())
	}
	return nil
}

// unlock releases outpoints one at a time; outpoints no longer live are skipped.
func (p *Pool) unlock(ops []types.Outpoint) error {
	for _, op := range ops {
		err := p.deps.UTXOs.SetLocked([]types.Outpoint{op}, false)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("unlock %s: %w", op, err)
		}
	}
	return nil
}

func (p *Pool) persist(e *Entry) error {
	if p.store == nil {
		return nil
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("entry marshal: %w", err)
	}
	id := e.ID()
	if err := p.store.Put(id[:], data); err != nil {
		return fmt.Errorf("persist entry: %w", err)
	}
	return nil
}

// Remove drops a transaction and releases its inputs.
func (p *Pool) Remove(id types.Hash) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	err := p.removeLocked(id, true)
	p.updateGauges()
	return err
}

// RemoveConfirmed drops transactions included in a block together with any
// entry spending one of their inputs. Conflicting entries release the inputs
// that are still live.
func (p *Pool) RemoveConfirmed(txs []*tx.Transaction) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	defer p.updateGauges()

	for _, t := range txs {
		if err := p.removeLocked(t.ID, false); err != nil {
			return err
		}
		for _, in := range t.Inputs {
			other, exists := p.spends[in.PrevOut]
			if !exists {
				continue
			}
			if err := p.removeLocked(other, true); err != nil {
				return err
			}
			metrics.MempoolEvictions.WithLabelValues(p.kind.String(), "conflict").Inc()
		}
	}
	return nil
}

// MarkDisputed flags a smart entry; disputed entries are not selected.
func (p *Pool) MarkDisputed(id types.Hash) error {
	if p.kind != KindSmart {
		return ErrNotSmart
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	e, exists := p.txs[id]
	if !exists {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if e.Status == StatusDisputed {
		return nil
	}
	e.Status = StatusDisputed
	if err := p.persist(e); err != nil {
		e.Status = StatusPending
		return err
	}
	return nil
}

// Has checks if a transaction exists in the pool.
func (p *Pool) Has(id types.Hash) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, exists := p.txs[id]
	return exists
}

// Get returns a copy of the entry for id.
func (p *Pool) Get(id types.Hash) (Entry, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, exists := p.txs[id]
	if !exists {
		return Entry{}, false
	}
	return *e, true
}

// Count returns the number of transactions in the pool.
func (p *Pool) Count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.txs)
}

// Bytes returns the total size of all entries.
func (p *Pool) Bytes() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.bytes
}

// Entries returns copies of all entries, highest fee rate first.
func (p *Pool) Entries() []Entry {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Entry, 0, len(p.txs))
	for _, e := range p.sortedLocked(0) {
		out = append(out, *e)
	}
	return out
}

// SelectForBlock drops entries aged past the hard threshold, then returns
// pending transactions in priority order packed into byteBudget.
func (p *Pool) SelectForBlock(byteBudget int, height uint64) ([]*tx.Transaction, error) {
	cands, err := p.candidates(height)
	if err != nil {
		return nil, err
	}
	return pack(cands, byteBudget, height, p.policy.AgePriority), nil
}

// candidates drops aged-out entries and returns the selectable ones.
func (p *Pool) candidates(height uint64) ([]*Entry, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	defer p.updateGauges()

	if p.policy.MaxAge > 0 {
		for id, e := range p.txs {
			if height > e.AddedHeight && height-e.AddedHeight > p.policy.MaxAge {
				if err := p.removeLocked(id, true); err != nil {
					return nil, err
				}
				metrics.MempoolEvictions.WithLabelValues(p.kind.String(), "aged").Inc()
				log.Mempool.Info().Str("tx", id.Short()).Uint64("added", e.AddedHeight).Msg("Dropped aged transaction")
			}
		}
	}

	out := make([]*Entry, 0, len(p.txs))
	for _, e := range p.sortedLocked(height) {
		if e.Status == StatusPending {
			c := *e
			out = append(out, &c)
		}
	}
	return out, nil
}

func (p *Pool) sortedLocked(height uint64) []*Entry {
	entries := make([]*Entry, 0, len(p.txs))
	for _, e := range p.txs {
		entries = append(entries, e)
	}
	sortByPriority(entries, height, p.policy.AgePriority)
	return entries
}

// sortByPriority orders entries by aged-priority, then fee rate descending,
// then admission order.
func sortByPriority(entries []*Entry, height, agePriority uint64) {
	aged := func(e *Entry) bool {
		return agePriority > 0 && height >= e.AddedHeight+agePriority
	}
	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if aa, ab := aged(a), aged(b); aa != ab {
			return aa
		}
		if c := a.compareRate(b); c != 0 {
			return c > 0
		}
		if a.AddedHeight != b.AddedHeight {
			return a.AddedHeight < b.AddedHeight
		}
		if !a.AddedAt.Equal(b.AddedAt) {
			return a.AddedAt.Before(b.AddedAt)
		}
		return a.ID().Less(b.ID())
	})
}

// pack greedily fills byteBudget; entries that do not fit are skipped.
func pack(entries []*Entry, byteBudget int, height, agePriority uint64) []*tx.Transaction {
	sortByPriority(entries, height, agePriority)
	var out []*tx.Transaction
	remaining := byteBudget
	for _, e := range entries {
		if e.Size > remaining {
			continue
		}
		out = append(out, e.Tx)
		remaining -= e.Size
	}
	return out
}

func (p *Pool) updateGauges() {
	metrics.MempoolTxs.WithLabelValues(p.kind.String()).Set(float64(len(p.txs)))
	metrics.MempoolBytes.WithLabelValues(p.kind.String()).Set(float64(p.bytes))
}
