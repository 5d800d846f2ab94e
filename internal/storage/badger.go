package storage

import (
	"errors"
	"fmt"
	"strings"

	"github.com/Klingon-tech/klingnet-ledger/internal/log"
	"github.com/dgraph-io/badger/v4"
	"github.com/rs/zerolog"
)

// BadgerDB implements DB using Badger.
type BadgerDB struct {
	db *badger.DB
}

// BadgerOptions tunes a Badger environment.
type BadgerOptions struct {
	SyncWrites bool
	InMemory   bool
}

// NewBadger creates a new Badger database at the given path.
func NewBadger(path string) (*BadgerDB, error) {
	return OpenBadger(path, BadgerOptions{})
}

// OpenBadger opens a Badger database with explicit options.
func OpenBadger(path string, o BadgerOptions) (*BadgerDB, error) {
	opts := badger.DefaultOptions(path).
		WithSyncWrites(o.SyncWrites).
		WithLogger(badgerLogger{l: log.Storage.With().Str("db", path).Logger()})
	if o.InMemory {
		opts = opts.WithDir("").WithValueDir("").WithInMemory(true)
	}

	db, err := badger.Open(opts)
	if err != nil {
		errMsg := err.Error()
		if strings.Contains(errMsg, "Cannot acquire directory lock") ||
			strings.Contains(errMsg, "resource temporarily unavailable") {
			return nil, &Error{Op: "open", Err: fmt.Errorf("database at %s is locked by another process (is another ledgerd instance running?): %w", path, err)}
		}
		return nil, &Error{Op: "open", Err: fmt.Errorf("%s: %w", path, err)}
	}
	return &BadgerDB{db: db}, nil
}

// View runs fn in a read-only snapshot.
func (b *BadgerDB) View(fn func(Txn) error) error {
	return wrapTxnErr("view", b.db.View(func(txn *badger.Txn) error {
		return fn(badgerTxn{txn: txn, readOnly: true})
	}))
}

// Update runs fn in a read-write transaction.
func (b *BadgerDB) Update(fn func(Txn) error) error {
	return wrapTxnErr("update", b.db.Update(func(txn *badger.Txn) error {
		return fn(badgerTxn{txn: txn})
	}))
}

// Get retrieves a value by key.
func (b *BadgerDB) Get(key []byte) ([]byte, error) {
	var val []byte
	err := b.View(func(txn Txn) error {
		var err error
		val, err = txn.Get(key)
		return err
	})
	return val, err
}

// Put stores a key-value pair.
func (b *BadgerDB) Put(key, value []byte) error {
	return b.Update(func(txn Txn) error { return txn.Put(key, value) })
}

// Delete removes a key.
func (b *BadgerDB) Delete(key []byte) error {
	return b.Update(func(txn Txn) error { return txn.Delete(key) })
}

// Has checks if a key exists.
func (b *BadgerDB) Has(key []byte) (bool, error) {
	var ok bool
	err := b.View(func(txn Txn) error {
		var err error
		ok, err = txn.Has(key)
		return err
	})
	return ok, err
}

// ForEach iterates over all keys with the given prefix.
func (b *BadgerDB) ForEach(prefix []byte, fn func(key, value []byte) error) error {
	return b.View(func(txn Txn) error { return txn.ForEach(prefix, fn) })
}

// Close closes the database.
func (b *BadgerDB) Close() error {
	if err := b.db.Close(); err != nil {
		return &Error{Op: "close", Err: err}
	}
	return nil
}

// wrapTxnErr passes through errors already classified by this package or
// returned by callbacks, and wraps raw Badger failures.
func wrapTxnErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *Error
	if errors.As(err, &se) || errors.Is(err, ErrNotFound) || errors.Is(err, ErrConflict) ||
		errors.Is(err, ErrCorrupt) || errors.Is(err, ErrReadOnly) {
		return err
	}
	if errors.Is(err, badger.ErrConflict) || errors.Is(err, badger.ErrTxnTooBig) ||
		errors.Is(err, badger.ErrDBClosed) || errors.Is(err, badger.ErrReadOnlyTxn) {
		return &Error{Op: op, Err: err}
	}
	return err
}

type badgerTxn struct {
	txn      *badger.Txn
	readOnly bool
}

func (t badgerTxn) Get(key []byte) ([]byte, error) {
	item, err := t.txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, notFound(key)
	}
	if err != nil {
		return nil, &Error{Op: "get", Err: err}
	}
	val, err := item.ValueCopy(nil)
	if err != nil {
		return nil, &Error{Op: "get", Err: err}
	}
	return val, nil
}

func (t badgerTxn) Has(key []byte) (bool, error) {
	_, err := t.txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, &Error{Op: "has", Err: err}
	}
	return true, nil
}

func (t badgerTxn) Put(key, value []byte) error {
	if t.readOnly {
		return ErrReadOnly
	}
	if err := t.txn.Set(key, value); err != nil {
		return &Error{Op: "put", Err: err}
	}
	return nil
}

func (t badgerTxn) Delete(key []byte) error {
	if t.readOnly {
		return ErrReadOnly
	}
	if err := t.txn.Delete(key); err != nil {
		return &Error{Op: "delete", Err: err}
	}
	return nil
}

func (t badgerTxn) ForEach(prefix []byte, fn func(key, value []byte) error) error {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	it := t.txn.NewIterator(opts)
	defer it.Close()

	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		item := it.Item()
		key := item.KeyCopy(nil)
		val, err := item.ValueCopy(nil)
		if err != nil {
			return &Error{Op: "iterate", Err: err}
		}
		if err := fn(key, val); err != nil {
			return err
		}
	}
	return nil
}

// badgerLogger bridges Badger's logger to zerolog. Info and debug output
// is dropped to trace level.
type badgerLogger struct {
	l zerolog.Logger
}

func (b badgerLogger) Errorf(f string, v ...interface{}) {
	b.l.Error().Msg(strings.TrimSpace(fmt.Sprintf(f, v...)))
}

func (b badgerLogger) Warningf(f string, v ...interface{}) {
	b.l.Warn().Msg(strings.TrimSpace(fmt.Sprintf(f, v...)))
}

func (b badgerLogger) Infof(f string, v ...interface{}) {
	b.l.Trace().Msg(strings.TrimSpace(fmt.Sprintf(f, v...)))
}

func (b badgerLogger) Debugf(f string, v ...interface{}) {
	b.l.Trace().Msg(strings.TrimSpace(fmt.Sprintf(f, v...)))
}
