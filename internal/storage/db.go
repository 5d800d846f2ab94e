// Package storage provides the transactional key-value environments that
// back every ledger index.
package storage

import (
	"errors"
	"fmt"
)

// Error kinds. Callers match them with errors.Is.
var (
	// ErrNotFound is returned for missing keys. Absence is a normal result.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a write-once key already exists.
	ErrConflict = errors.New("conflict")
	// ErrCorrupt marks on-disk state that cannot be trusted.
	ErrCorrupt = errors.New("corrupt store")
	// ErrReadOnly is returned by writes issued inside View.
	ErrReadOnly = errors.New("write in read-only transaction")
)

// Error wraps a backend I/O failure. It is fatal: the process should not
// continue with uncertain on-disk state.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// IsFatal reports whether err is a storage I/O failure or corruption.
func IsFatal(err error) bool {
	var se *Error
	return errors.As(err, &se) || errors.Is(err, ErrCorrupt)
}

// Reader is the read side of a transaction.
type Reader interface {
	// Get returns a copy of the value. Missing keys wrap ErrNotFound.
	Get(key []byte) ([]byte, error)
	Has(key []byte) (bool, error)
	// ForEach iterates over all keys with the given prefix in key order.
	// The callback receives copies of the key and value.
	// Return a non-nil error from fn to stop iteration early.
	ForEach(prefix []byte, fn func(key, value []byte) error) error
}

// Txn is a transaction handle passed to View and Update callbacks.
type Txn interface {
	Reader
	Put(key, value []byte) error
	Delete(key []byte) error
}

// DB is the interface for key-value storage. The single-key methods run in
// their own implicit transaction.
type DB interface {
	Txn
	// View runs fn against a consistent read snapshot.
	View(fn func(Txn) error) error
	// Update runs fn in a write transaction committed atomically when fn
	// returns nil and discarded otherwise.
	Update(fn func(Txn) error) error
	Close() error
}

// GetOptional returns (nil, false, nil) for a missing key.
func GetOptional(r Reader, key []byte) ([]byte, bool, error) {
	v, err := r.Get(key)
	if errors.Is(err, ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

// PutNew writes key only if it is absent; otherwise it returns ErrConflict.
func PutNew(txn Txn, key, value []byte) error {
	ok, err := txn.Has(key)
	if err != nil {
		return err
	}
	if ok {
		return fmt.Errorf("key %q: %w", key, ErrConflict)
	}
	return txn.Put(key, value)
}

func notFound(key []byte) error {
	return fmt.Errorf("key %q: %w", key, ErrNotFound)
}
