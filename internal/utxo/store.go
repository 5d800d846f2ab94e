package utxo

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"github.com/Klingon-tech/klingnet-ledger/internal/log"
	"github.com/Klingon-tech/klingnet-ledger/internal/metrics"
	"github.com/Klingon-tech/klingnet-ledger/internal/storage"
	"github.com/Klingon-tech/klingnet-ledger/pkg/block"
	"github.com/Klingon-tech/klingnet-ledger/pkg/tx"
	"github.com/Klingon-tech/klingnet-ledger/pkg/types"
)

// Key prefixes for the UTXO environment.
var (
	prefixUTXO    = []byte("u/") // u/<txid>:<index> -> UTXO JSON
	prefixOwner   = []byte("a/") // a/<owner>/<txid>:<index> -> empty (index)
	prefixHistory = []byte("y/") // y/<txid>:<index>/<seq> -> HistoryEntry JSON
)

// Store implements Set backed by a storage.DB. Live entries, the owner index
// and the history archive share one environment so a block applies in a
// single transaction.
type Store struct {
	db storage.DB
}

var _ Set = (*Store)(nil)

// NewStore creates a new UTXO store backed by the given database.
func NewStore(db storage.DB) *Store {
	metrics.Init()
	return &Store{db: db}
}

func utxoKey(op types.Outpoint) []byte {
	return append(append([]byte{}, prefixUTXO...), op.String()...)
}

func ownerPrefix(owner string) []byte {
	k := append(append([]byte{}, prefixOwner...), owner...)
	return append(k, '/')
}

func ownerKey(owner string, op types.Outpoint) []byte {
	return append(ownerPrefix(owner), op.String()...)
}

func historyPrefix(op types.Outpoint) []byte {
	k := append(append([]byte{}, prefixHistory...), op.String()...)
	return append(k, '/')
}

func historyKey(op types.Outpoint, seq int) []byte {
	return append(historyPrefix(op), fmt.Sprintf("%04d", seq)...)
}

// Store registers a new UTXO. UTXOs are write-once: an existing key fails
// with storage.ErrConflict.
func (s *Store) Store(u *UTXO) error {
	err := s.db.Update(func(txn storage.Txn) error {
		return createTxn(txn, u, types.Hash{}, 0)
	})
	if err != nil {
		metrics.UtxoErrors.WithLabelValues("store").Inc()
		return fmt.Errorf("utxo store %s: %w", u.Outpoint, err)
	}
	metrics.UtxoStore.Inc()
	metrics.UtxoLiveSize.Inc()
	return nil
}

// Get retrieves a live UTXO. Missing outpoints wrap storage.ErrNotFound.
func (s *Store) Get(op types.Outpoint) (*UTXO, error) {
	var u *UTXO
	err := s.db.View(func(txn storage.Txn) error {
		var err error
		u, err = getTxn(txn, op)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("utxo get %s: %w", op, err)
	}
	return u, nil
}

// Has reports whether op is live.
func (s *Store) Has(op types.Outpoint) (bool, error) {
	return s.db.Has(utxoKey(op))
}

// GetUTXO implements tx.UTXOProvider.
func (s *Store) GetUTXO(op types.Outpoint) (tx.SpendableOutput, error) {
	u, err := s.Get(op)
	if err != nil {
		return tx.SpendableOutput{}, err
	}
	return u.Spendable(), nil
}

// Spendable returns the validation view of u.
func (u *UTXO) Spendable() tx.SpendableOutput {
	return tx.SpendableOutput{
		Amount:   u.Amount,
		Owner:    u.Owner,
		Locked:   u.Locked,
		Height:   u.Height,
		Coinbase: u.Coinbase,
	}
}

// MarkSpent archives op as spent and removes it from the live set.
// A second call for the same outpoint returns storage.ErrNotFound.
func (s *Store) MarkSpent(op types.Outpoint, blockHash types.Hash, timestamp uint64) error {
	err := s.db.Update(func(txn storage.Txn) error {
		return spendTxn(txn, op, blockHash, timestamp)
	})
	if err != nil {
		metrics.UtxoErrors.WithLabelValues("mark_spent").Inc()
		return fmt.Errorf("utxo mark spent %s: %w", op, err)
	}
	metrics.UtxoSpend.Inc()
	metrics.UtxoLiveSize.Dec()
	return nil
}

// SetLocked sets the lock flag on every outpoint atomically. Any missing
// outpoint aborts the whole change.
func (s *Store) SetLocked(ops []types.Outpoint, locked bool) error {
	err := s.db.Update(func(txn storage.Txn) error {
		for _, op := range ops {
			u, err := getTxn(txn, op)
			if err != nil {
				return err
			}
			if u.Locked == locked {
				continue
			}
			u.Locked = locked
			if err := putLive(txn, u); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		metrics.UtxoErrors.WithLabelValues("set_locked").Inc()
		return fmt.Errorf("utxo set locked=%v: %w", locked, err)
	}
	metrics.UtxoLock.Add(float64(len(ops)))
	return nil
}

// ApplyBlock is the block state transition. In one write transaction every
// input is archived and deleted and every output is registered at the block
// height. A missing input rejects the whole block.
func (s *Store) ApplyBlock(blk *block.Block) error {
	if blk.Header == nil {
		return block.ErrNilHeader
	}
	hash := blk.Hash()
	h := blk.Header
	var created, spent int

	err := s.db.Update(func(txn storage.Txn) error {
		for _, t := range blk.Transactions {
			for i, in := range t.Inputs {
				if err := spendTxn(txn, in.PrevOut, hash, h.Timestamp); err != nil {
					return fmt.Errorf("tx %s input %d: %w", t.ID, i, err)
				}
				spent++
			}
			for i, out := range t.Outputs {
				u := &UTXO{
					Outpoint: types.Outpoint{TxID: t.ID, Index: uint32(i)},
					Amount:   out.Amount,
					Owner:    out.Owner,
					Locked:   out.Locked,
					Height:   h.Index,
					Coinbase: t.IsCoinbase(),
				}
				if err := createTxn(txn, u, hash, h.Timestamp); err != nil {
					return fmt.Errorf("tx %s output %d: %w", t.ID, i, err)
				}
				created++
			}
		}
		return nil
	})
	if err != nil {
		metrics.UtxoErrors.WithLabelValues("apply_block").Inc()
		return fmt.Errorf("apply block %d (%s): %w", h.Index, hash.Short(), err)
	}

	metrics.UtxoApply.Inc()
	metrics.UtxoStore.Add(float64(created))
	metrics.UtxoSpend.Add(float64(spent))
	metrics.UtxoLiveSize.Add(float64(created - spent))
	log.UTXO.Debug().
		Uint64("height", h.Index).
		Int("created", created).
		Int("spent", spent).
		Msg("Applied block")
	return nil
}

// ByOwner returns all live UTXOs belonging to owner.
func (s *Store) ByOwner(owner string) ([]*UTXO, error) {
	var utxos []*UTXO
	err := s.db.View(func(txn storage.Txn) error {
		prefix := ownerPrefix(owner)
		return txn.ForEach(prefix, func(key, _ []byte) error {
			op, err := types.ParseOutpoint(string(key[len(prefix):]))
			if err != nil {
				return fmt.Errorf("%w: owner index key %q: %w", storage.ErrCorrupt, key, err)
			}
			u, err := getTxn(txn, op)
			if err != nil {
				return fmt.Errorf("owner index points at %s: %w", op, err)
			}
			utxos = append(utxos, u)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("scan owner index: %w", err)
	}
	return utxos, nil
}

// Balance sums the live UTXOs of owner.
func (s *Store) Balance(owner string) (uint64, error) {
	utxos, err := s.ByOwner(owner)
	if err != nil {
		return 0, err
	}
	var total uint64
	for _, u := range utxos {
		if total > math.MaxUint64-u.Amount {
			return 0, fmt.Errorf("balance of %s overflows", owner)
		}
		total += u.Amount
	}
	return total, nil
}

// ForEach iterates over all live UTXOs in key order.
func (s *Store) ForEach(fn func(*UTXO) error) error {
	return s.db.ForEach(prefixUTXO, func(key, value []byte) error {
		var u UTXO
		if err := json.Unmarshal(value, &u); err != nil {
			return fmt.Errorf("%w: utxo %q: %w", storage.ErrCorrupt, key, err)
		}
		return fn(&u)
	})
}

// History returns the archived transitions of op in order.
func (s *Store) History(op types.Outpoint) ([]HistoryEntry, error) {
	var entries []HistoryEntry
	err := s.db.ForEach(historyPrefix(op), func(key, value []byte) error {
		var e HistoryEntry
		if err := json.Unmarshal(value, &e); err != nil {
			return fmt.Errorf("%w: history %q: %w", storage.ErrCorrupt, key, err)
		}
		entries = append(entries, e)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("utxo history %s: %w", op, err)
	}
	return entries, nil
}

// WasSpent reports whether the history archive records a spend of op.
func (s *Store) WasSpent(op types.Outpoint) (bool, error) {
	entries, err := s.History(op)
	if err != nil {
		return false, err
	}
	for _, e := range entries {
		if e.Event == EventSpent {
			return true, nil
		}
	}
	return false, nil
}

// Count returns the number of live UTXOs.
func (s *Store) Count() (int, error) {
	n := 0
	err := s.db.ForEach(prefixUTXO, func(_, _ []byte) error {
		n++
		return nil
	})
	return n, err
}

// ClearAll removes the live set, the owner index and the history archive.
// Used before rebuilding the set from the block log.
func (s *Store) ClearAll() error {
	for _, prefix := range [][]byte{prefixUTXO, prefixOwner, prefixHistory} {
		if err := storage.NewPrefixDB(s.db, prefix).DeleteAll(); err != nil {
			return fmt.Errorf("clear prefix %s: %w", prefix, err)
		}
	}
	metrics.UtxoLiveSize.Set(0)
	return nil
}

func getTxn(txn storage.Txn, op types.Outpoint) (*UTXO, error) {
	data, err := txn.Get(utxoKey(op))
	if err != nil {
		return nil, err
	}
	var u UTXO
	if err := json.Unmarshal(data, &u); err != nil {
		return nil, fmt.Errorf("%w: utxo %s: %w", storage.ErrCorrupt, op, err)
	}
	return &u, nil
}

func putLive(txn storage.Txn, u *UTXO) error {
	data, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("utxo marshal: %w", err)
	}
	return txn.Put(utxoKey(u.Outpoint), data)
}

func createTxn(txn storage.Txn, u *UTXO, blockHash types.Hash, ts uint64) error {
	if u.Amount == 0 {
		return tx.ErrZeroOutput
	}
	ok, err := txn.Has(utxoKey(u.Outpoint))
	if err != nil {
		return err
	}
	if ok {
		return fmt.Errorf("utxo %s: %w", u.Outpoint, storage.ErrConflict)
	}
	u.Spent = false
	if err := putLive(txn, u); err != nil {
		return err
	}
	if err := txn.Put(ownerKey(u.Owner, u.Outpoint), []byte{}); err != nil {
		return err
	}
	return appendHistory(txn, HistoryEntry{UTXO: *u, Event: EventCreated, BlockHash: blockHash, Timestamp: ts})
}

func spendTxn(txn storage.Txn, op types.Outpoint, blockHash types.Hash, ts uint64) error {
	u, err := getTxn(txn, op)
	if err != nil {
		return err
	}
	u.Spent = true
	u.Locked = false
	if err := appendHistory(txn, HistoryEntry{UTXO: *u, Event: EventSpent, BlockHash: blockHash, Timestamp: ts}); err != nil {
		return err
	}
	if err := txn.Delete(ownerKey(u.Owner, op)); err != nil {
		return err
	}
	return txn.Delete(utxoKey(op))
}

func appendHistory(txn storage.Txn, e HistoryEntry) error {
	seq := 0
	err := txn.ForEach(historyPrefix(e.UTXO.Outpoint), func(_, _ []byte) error {
		seq++
		return nil
	})
	if err != nil {
		return err
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("history marshal: %w", err)
	}
	return txn.Put(historyKey(e.UTXO.Outpoint, seq), data)
}

// IsNotFound reports whether err means the outpoint is not live.
func IsNotFound(err error) bool {
	return errors.Is(err, storage.ErrNotFound)
}
