package block

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/big"

	"github.com/Klingon-tech/klingnet-ledger/config"
	"github.com/Klingon-tech/klingnet-ledger/pkg/tx"
)

// ErrMalformed is returned when a block record cannot be decoded.
var ErrMalformed = errors.New("malformed block record")

// Encode serializes a block into its record payload:
// header | tx_count(4) | tx_count x (tx_len(4) | tx JSON).
// The outer length prefix is added by the block log.
func Encode(b *Block) ([]byte, error) {
	if b.Header == nil {
		return nil, ErrNilHeader
	}
	if b.Header.Index > math.MaxUint32 {
		return nil, fmt.Errorf("%w: index %d exceeds u32", ErrIndexRange, b.Header.Index)
	}
	if len(b.Header.Miner) > MinerFieldSize {
		return nil, fmt.Errorf("%w: miner address %d bytes, max %d", ErrBadMiner, len(b.Header.Miner), MinerFieldSize)
	}
	if b.Header.Target != nil && len(b.Header.Target.Bytes()) > config.MaxTargetBytes {
		return nil, fmt.Errorf("%w: target %d bytes", ErrBadTarget, len(b.Header.Target.Bytes()))
	}

	buf := b.Header.appendTo(make([]byte, 0, b.Header.encodedSize()+256*len(b.Transactions)))
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(b.Transactions)))
	for i, t := range b.Transactions {
		data, err := json.Marshal(t)
		if err != nil {
			return nil, fmt.Errorf("encode tx %d: %w", i, err)
		}
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(data)))
		buf = append(buf, data...)
	}
	return buf, nil
}

// Decode parses a record payload produced by Encode.
func Decode(data []byte) (*Block, error) {
	r := reader{buf: data}
	h := &Header{}
	h.Index = uint64(r.u32())
	copy(h.PrevHash[:], r.bytes(32))
	copy(h.MerkleRoot[:], r.bytes(32))
	h.Timestamp = r.u64()
	h.Nonce = r.u32()
	tlen := int(r.u16())
	if r.err == nil && tlen > config.MaxTargetBytes {
		return nil, fmt.Errorf("%w: target length %d", ErrMalformed, tlen)
	}
	if tb := r.bytes(tlen); len(tb) > 0 {
		h.Target = new(big.Int).SetBytes(tb)
	}
	h.Miner = string(bytes.TrimRight(r.bytes(MinerFieldSize), "\x00"))

	count := r.u32()
	if r.err != nil {
		return nil, fmt.Errorf("%w: header: %w", ErrMalformed, r.err)
	}
	if count > config.MaxBlockTxs {
		return nil, fmt.Errorf("%w: tx count %d", ErrMalformed, count)
	}

	txs := make([]*tx.Transaction, 0, count)
	for i := uint32(0); i < count; i++ {
		n := r.u32()
		raw := r.bytes(int(n))
		if r.err != nil {
			return nil, fmt.Errorf("%w: tx %d at offset %d: %w", ErrMalformed, i, r.off, r.err)
		}
		var t tx.Transaction
		if err := json.Unmarshal(raw, &t); err != nil {
			return nil, fmt.Errorf("%w: tx %d: %w", ErrMalformed, i, err)
		}
		txs = append(txs, &t)
	}
	if r.off != len(data) {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrMalformed, len(data)-r.off)
	}
	return NewBlock(h, txs), nil
}

// Size returns the encoded size of the block, or 0 if it cannot be encoded.
func (b *Block) Size() int {
	data, err := Encode(b)
	if err != nil {
		return 0
	}
	return len(data)
}

var errShort = errors.New("unexpected end of record")

type reader struct {
	buf []byte
	off int
	err error
}

func (r *reader) bytes(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || len(r.buf)-r.off < n {
		r.err = errShort
		return nil
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b
}

func (r *reader) u16() uint16 {
	if b := r.bytes(2); b != nil {
		return binary.BigEndian.Uint16(b)
	}
	return 0
}

func (r *reader) u32() uint32 {
	if b := r.bytes(4); b != nil {
		return binary.BigEndian.Uint32(b)
	}
	return 0
}

func (r *reader) u64() uint64 {
	if b := r.bytes(8); b != nil {
		return binary.BigEndian.Uint64(b)
	}
	return 0
}
