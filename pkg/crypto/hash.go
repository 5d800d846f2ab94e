// Package crypto provides the hashing primitives of the ledger and the
// signing contracts it consumes.
package crypto

import (
	"github.com/Klingon-tech/klingnet-ledger/pkg/types"
	"github.com/zeebo/blake3"
	"golang.org/x/crypto/sha3"
)

// Hash computes a BLAKE3-256 hash of the input data.
func Hash(data []byte) types.Hash {
	return blake3.Sum256(data)
}

// HashConcat hashes the concatenation of two hashes.
// Used for building merkle trees.
func HashConcat(a, b types.Hash) types.Hash {
	var buf [64]byte
	copy(buf[:32], a[:])
	copy(buf[32:], b[:])
	return Hash(buf[:])
}

// SaltedDigest returns SHA3-256(salt || data).
func SaltedDigest(salt, data []byte) types.Hash {
	h := sha3.New256()
	h.Write(salt)
	h.Write(data)
	var out types.Hash
	copy(out[:], h.Sum(nil))
	return out
}
