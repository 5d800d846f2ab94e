package storage

// PrefixDB wraps a DB and prepends a fixed prefix to all keys.
// This isolates one logical keyspace within a single environment.
type PrefixDB struct {
	inner  DB
	prefix []byte
}

// NewPrefixDB creates a new PrefixDB wrapping inner with the given prefix.
func NewPrefixDB(inner DB, prefix []byte) *PrefixDB {
	p := make([]byte, len(prefix))
	copy(p, prefix)
	return &PrefixDB{inner: inner, prefix: p}
}

// prefixed returns key with the prefix prepended.
func prefixed(prefix, key []byte) []byte {
	out := make([]byte, len(prefix)+len(key))
	copy(out, prefix)
	copy(out[len(prefix):], key)
	return out
}

// View runs fn in a read snapshot of the inner DB, scoped to the prefix.
func (p *PrefixDB) View(fn func(Txn) error) error {
	return p.inner.View(func(txn Txn) error {
		return fn(prefixTxn{inner: txn, prefix: p.prefix})
	})
}

// Update runs fn in a write transaction of the inner DB, scoped to the prefix.
func (p *PrefixDB) Update(fn func(Txn) error) error {
	return p.inner.Update(func(txn Txn) error {
		return fn(prefixTxn{inner: txn, prefix: p.prefix})
	})
}

// Get retrieves a value by key.
func (p *PrefixDB) Get(key []byte) ([]byte, error) {
	return p.inner.Get(prefixed(p.prefix, key))
}

// Put stores a key-value pair.
func (p *PrefixDB) Put(key, value []byte) error {
	return p.inner.Put(prefixed(p.prefix, key), value)
}

// Delete removes a key.
func (p *PrefixDB) Delete(key []byte) error {
	return p.inner.Delete(prefixed(p.prefix, key))
}

// Has checks if a key exists.
func (p *PrefixDB) Has(key []byte) (bool, error) {
	return p.inner.Has(prefixed(p.prefix, key))
}

// ForEach iterates over all keys with the given prefix (within the PrefixDB namespace).
// The callback receives keys with the PrefixDB prefix stripped, so callers see only
// their logical keyspace.
func (p *PrefixDB) ForEach(prefix []byte, fn func(key, value []byte) error) error {
	return prefixTxn{inner: p.inner, prefix: p.prefix}.ForEach(prefix, fn)
}

// DeleteAll removes all keys under this PrefixDB's namespace. Keys are
// deleted in chunks of deleteChunk per transaction to stay under backend
// transaction size limits.
func (p *PrefixDB) DeleteAll() error {
	for {
		var n int
		err := p.Update(func(txn Txn) error {
			var keys [][]byte
			err := txn.ForEach(nil, func(key, _ []byte) error {
				keys = append(keys, key)
				if len(keys) == deleteChunk {
					return errChunkFull
				}
				return nil
			})
			if err != nil && err != errChunkFull {
				return err
			}
			for _, key := range keys {
				if err := txn.Delete(key); err != nil {
					return err
				}
			}
			n = len(keys)
			return nil
		})
		if err != nil {
			return err
		}
		if n < deleteChunk {
			return nil
		}
	}
}

const deleteChunk = 10_000

const errChunkFull = memError("chunk full")

// Close is a no-op; the outer DB manages its own lifecycle.
func (p *PrefixDB) Close() error {
	return nil
}

// DeletePrefix removes every key under prefix within txn.
func DeletePrefix(txn Txn, prefix []byte) error {
	var keys [][]byte
	err := txn.ForEach(prefix, func(key, _ []byte) error {
		keys = append(keys, key)
		return nil
	})
	if err != nil {
		return err
	}
	for _, key := range keys {
		if err := txn.Delete(key); err != nil {
			return err
		}
	}
	return nil
}

// prefixTxn scopes a transaction (or a DB, which also satisfies Txn) to a prefix.
type prefixTxn struct {
	inner  Txn
	prefix []byte
}

func (t prefixTxn) Get(key []byte) ([]byte, error) {
	return t.inner.Get(prefixed(t.prefix, key))
}

func (t prefixTxn) Has(key []byte) (bool, error) {
	return t.inner.Has(prefixed(t.prefix, key))
}

func (t prefixTxn) Put(key, value []byte) error {
	return t.inner.Put(prefixed(t.prefix, key), value)
}

func (t prefixTxn) Delete(key []byte) error {
	return t.inner.Delete(prefixed(t.prefix, key))
}

func (t prefixTxn) ForEach(prefix []byte, fn func(key, value []byte) error) error {
	n := len(t.prefix)
	return t.inner.ForEach(prefixed(t.prefix, prefix), func(key, value []byte) error {
		return fn(key[n:], value)
	})
}
