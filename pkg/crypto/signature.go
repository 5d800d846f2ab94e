package crypto

import (
	"fmt"

	"github.com/Klingon-tech/klingnet-ledger/pkg/types"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/schnorr"
)

// Signer produces a signature over a message digest.
type Signer interface {
	// Sign signs a 32-byte digest.
	Sign(hash []byte) ([]byte, error)
	// PublicKey returns the public key matching the signing key.
	PublicKey() []byte
}

// Verifier checks signatures produced by a Signer.
type Verifier interface {
	Verify(hash, signature, publicKey []byte) bool
}

// AddressDeriver maps a public key to a stable network-prefixed address.
type AddressDeriver interface {
	DeriveAddress(publicKey []byte, hrp string) (string, error)
}

// PrivateKey wraps a secp256k1 private key for Schnorr signing.
// It is the reference Signer used by the node and tests.
type PrivateKey struct {
	key *secp256k1.PrivateKey
}

// GenerateKey creates a new random secp256k1 private key.
func GenerateKey() (*PrivateKey, error) {
	key, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	return &PrivateKey{key: key}, nil
}

// PrivateKeyFromBytes restores a key from its 32-byte scalar.
func PrivateKeyFromBytes(b []byte) (*PrivateKey, error) {
	if len(b) != 32 {
		return nil, fmt.Errorf("private key must be 32 bytes, got %d", len(b))
	}
	return &PrivateKey{key: secp256k1.PrivKeyFromBytes(b)}, nil
}

// Sign produces a Schnorr signature over a 32-byte hash.
func (pk *PrivateKey) Sign(hash []byte) ([]byte, error) {
	if len(hash) != 32 {
		return nil, fmt.Errorf("hash must be 32 bytes, got %d", len(hash))
	}
	sig, err := schnorr.Sign(pk.key, hash)
	if err != nil {
		return nil, fmt.Errorf("schnorr sign: %w", err)
	}
	return sig.Serialize(), nil
}

// PublicKey returns the compressed 33-byte public key.
func (pk *PrivateKey) PublicKey() []byte {
	return pk.key.PubKey().SerializeCompressed()
}

// Serialize returns the 32-byte private key scalar.
func (pk *PrivateKey) Serialize() []byte {
	return pk.key.Serialize()
}

// SchnorrVerifier implements Verifier for Schnorr/secp256k1.
type SchnorrVerifier struct{}

// Verify returns false on any parse error.
func (SchnorrVerifier) Verify(hash, signature, publicKey []byte) bool {
	pubKey, err := secp256k1.ParsePubKey(publicKey)
	if err != nil {
		return false
	}
	sig, err := schnorr.ParseSignature(signature)
	if err != nil {
		return false
	}
	return sig.Verify(hash, pubKey)
}

// Blake3Deriver derives addresses as bech32(hrp, BLAKE3(pubkey)[:20]).
type Blake3Deriver struct{}

// DeriveAddress implements AddressDeriver.
func (Blake3Deriver) DeriveAddress(publicKey []byte, hrp string) (string, error) {
	if len(publicKey) == 0 {
		return "", fmt.Errorf("empty public key")
	}
	h := Hash(publicKey)
	return types.EncodeAddress(hrp, h[:types.AddressPayloadSize])
}
