package block

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/Klingon-tech/klingnet-ledger/pkg/crypto"
	"github.com/Klingon-tech/klingnet-ledger/pkg/types"
)

// MinerFieldSize is the fixed width of the miner address in the header encoding.
const MinerFieldSize = types.MaxAddressLen

// Header contains block metadata.
type Header struct {
	Index      uint64     `json:"index"`
	PrevHash   types.Hash `json:"previous_hash"`
	MerkleRoot types.Hash `json:"merkle_root"`
	Timestamp  uint64     `json:"timestamp"`
	Nonce      uint32     `json:"nonce"`
	Target     *big.Int   `json:"-"`
	Miner      string     `json:"miner_address"`
}

// headerJSON is the JSON representation of Header with a hex target.
type headerJSON struct {
	Index      uint64     `json:"index"`
	PrevHash   types.Hash `json:"previous_hash"`
	MerkleRoot types.Hash `json:"merkle_root"`
	Timestamp  uint64     `json:"timestamp"`
	Nonce      uint32     `json:"nonce"`
	Target     string     `json:"target"`
	Miner      string     `json:"miner_address"`
}

// MarshalJSON encodes the header with a hex-encoded target.
func (h *Header) MarshalJSON() ([]byte, error) {
	j := headerJSON{
		Index:      h.Index,
		PrevHash:   h.PrevHash,
		MerkleRoot: h.MerkleRoot,
		Timestamp:  h.Timestamp,
		Nonce:      h.Nonce,
		Miner:      h.Miner,
	}
	if h.Target != nil {
		j.Target = h.Target.Text(16)
	}
	return json.Marshal(j)
}

// UnmarshalJSON decodes a header with a hex-encoded target.
func (h *Header) UnmarshalJSON(data []byte) error {
	var j headerJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return err
	}
	h.Index = j.Index
	h.PrevHash = j.PrevHash
	h.MerkleRoot = j.MerkleRoot
	h.Timestamp = j.Timestamp
	h.Nonce = j.Nonce
	h.Miner = j.Miner
	h.Target = nil
	if j.Target != "" {
		t, ok := new(big.Int).SetString(j.Target, 16)
		if !ok {
			return fmt.Errorf("invalid target %q", j.Target)
		}
		h.Target = t
	}
	return nil
}

// Hash computes the block header hash.
func (h *Header) Hash() types.Hash {
	return crypto.Hash(h.SigningBytes())
}

// SigningBytes returns the canonical header encoding, which is also the
// header portion of the block record:
// index(4) | prev_hash(32) | merkle_root(32) | timestamp(8) | nonce(4) |
// target_len(2) | target | miner(128, zero padded)
func (h *Header) SigningBytes() []byte {
	return h.appendTo(make([]byte, 0, h.encodedSize()))
}

// NonceOffset is the byte offset of the nonce within SigningBytes.
const NonceOffset = 4 + 32 + 32 + 8

func (h *Header) appendTo(buf []byte) []byte {
	buf = binary.BigEndian.AppendUint32(buf, uint32(h.Index))
	buf = append(buf, h.PrevHash[:]...)
	buf = append(buf, h.MerkleRoot[:]...)
	buf = binary.BigEndian.AppendUint64(buf, h.Timestamp)
	buf = binary.BigEndian.AppendUint32(buf, h.Nonce)
	var target []byte
	if h.Target != nil {
		target = h.Target.Bytes()
	}
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(target)))
	buf = append(buf, target...)
	var miner [MinerFieldSize]byte
	copy(miner[:], h.Miner)
	return append(buf, miner[:]...)
}

func (h *Header) encodedSize() int {
	n := NonceOffset + 4 + 2 + MinerFieldSize
	if h.Target != nil {
		n += len(h.Target.Bytes())
	}
	return n
}

// HashValue interprets a hash as a big-endian unsigned integer.
func HashValue(h types.Hash) *big.Int {
	return new(big.Int).SetBytes(h[:])
}
