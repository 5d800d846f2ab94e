package storage

import (
	"bytes"
	"sort"
	"strings"
	"sync"
)

// MemoryDB implements DB using an in-memory map. Update stages writes and
// applies them when the callback returns nil.
type MemoryDB struct {
	mu     sync.RWMutex
	data   map[string][]byte
	closed bool
}

// NewMemory creates a new in-memory database.
func NewMemory() *MemoryDB {
	return &MemoryDB{
		data: make(map[string][]byte),
	}
}

// View runs fn against the current contents under a read lock.
func (m *MemoryDB) View(fn func(Txn) error) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return &Error{Op: "view", Err: errClosed}
	}
	return fn(&memTxn{db: m, readOnly: true})
}

// Update runs fn under the write lock and commits staged writes on success.
func (m *MemoryDB) Update(fn func(Txn) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return &Error{Op: "update", Err: errClosed}
	}
	txn := &memTxn{db: m, writes: make(map[string][]byte), deletes: make(map[string]bool)}
	if err := fn(txn); err != nil {
		return err
	}
	for k := range txn.deletes {
		delete(m.data, k)
	}
	for k, v := range txn.writes {
		m.data[k] = v
	}
	return nil
}

// Get retrieves a value by key.
func (m *MemoryDB) Get(key []byte) ([]byte, error) {
	var val []byte
	err := m.View(func(txn Txn) error {
		var err error
		val, err = txn.Get(key)
		return err
	})
	return val, err
}

// Put stores a key-value pair.
func (m *MemoryDB) Put(key, value []byte) error {
	return m.Update(func(txn Txn) error { return txn.Put(key, value) })
}

// Delete removes a key.
func (m *MemoryDB) Delete(key []byte) error {
	return m.Update(func(txn Txn) error { return txn.Delete(key) })
}

// Has checks if a key exists.
func (m *MemoryDB) Has(key []byte) (bool, error) {
	var ok bool
	err := m.View(func(txn Txn) error {
		var err error
		ok, err = txn.Has(key)
		return err
	})
	return ok, err
}

// ForEach iterates over a snapshot of all keys with the given prefix in key
// order. The lock is released before fn runs, so fn may use the database.
func (m *MemoryDB) ForEach(prefix []byte, fn func(key, value []byte) error) error {
	var keys, values [][]byte
	err := m.View(func(txn Txn) error {
		return txn.ForEach(prefix, func(key, value []byte) error {
			keys = append(keys, key)
			values = append(values, value)
			return nil
		})
	})
	if err != nil {
		return err
	}
	for i := range keys {
		if err := fn(keys[i], values[i]); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the database.
func (m *MemoryDB) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

type memError string

func (e memError) Error() string { return string(e) }

const errClosed = memError("database closed")

// memTxn reads through staged writes to the committed map. The caller
// holds the appropriate lock for the lifetime of the transaction.
type memTxn struct {
	db       *MemoryDB
	readOnly bool
	writes   map[string][]byte
	deletes  map[string]bool
}

func (t *memTxn) lookup(k string) ([]byte, bool) {
	if v, ok := t.writes[k]; ok {
		return v, true
	}
	if t.deletes[k] {
		return nil, false
	}
	v, ok := t.db.data[k]
	return v, ok
}

func (t *memTxn) Get(key []byte) ([]byte, error) {
	v, ok := t.lookup(string(key))
	if !ok {
		return nil, notFound(key)
	}
	return bytes.Clone(v), nil
}

func (t *memTxn) Has(key []byte) (bool, error) {
	_, ok := t.lookup(string(key))
	return ok, nil
}

func (t *memTxn) Put(key, value []byte) error {
	if t.readOnly {
		return ErrReadOnly
	}
	k := string(key)
	delete(t.deletes, k)
	v := bytes.Clone(value)
	if v == nil {
		v = []byte{}
	}
	t.writes[k] = v
	return nil
}

func (t *memTxn) Delete(key []byte) error {
	if t.readOnly {
		return ErrReadOnly
	}
	k := string(key)
	delete(t.writes, k)
	t.deletes[k] = true
	return nil
}

func (t *memTxn) ForEach(prefix []byte, fn func(key, value []byte) error) error {
	p := string(prefix)
	seen := make(map[string]bool)
	var keys []string
	for k := range t.db.data {
		if strings.HasPrefix(k, p) {
			seen[k] = true
			keys = append(keys, k)
		}
	}
	for k := range t.writes {
		if strings.HasPrefix(k, p) && !seen[k] {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	for _, k := range keys {
		v, ok := t.lookup(k)
		if !ok {
			continue
		}
		if err := fn([]byte(k), bytes.Clone(v)); err != nil {
			return err
		}
	}
	return nil
}
