package chain

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"math"

	"github.com/Klingon-tech/klingnet-ledger/internal/storage"
	"github.com/Klingon-tech/klingnet-ledger/pkg/block"
	"github.com/Klingon-tech/klingnet-ledger/pkg/crypto"
	"github.com/Klingon-tech/klingnet-ledger/pkg/tx"
	"github.com/Klingon-tech/klingnet-ledger/pkg/types"
)

// Key prefixes for the transaction environment.
var (
	prefixTx  = []byte("x/") // x/<txid(32)> -> TxRecord JSON
	prefixSig = []byte("g/") // g/<txid(32)> -> []SignatureRecord JSON
)

const saltSize = 16

// ErrSigDigestMismatch is returned when offloaded signatures no longer
// reproduce the digest kept in the transaction record.
var ErrSigDigestMismatch = fmt.Errorf("%w: signature digest mismatch", storage.ErrCorrupt)

// TxRecord is the indexed form of a confirmed transaction. Raw signatures
// are kept out of the record; SigDigest commits to them.
type TxRecord struct {
	ID        types.Hash       `json:"id"`
	Type      tx.Type          `json:"type"`
	BlockHash types.Hash       `json:"block_hash"`
	Height    uint64           `json:"height"`
	Inputs    []types.Outpoint `json:"inputs"`
	Outputs   []tx.Output      `json:"outputs"`
	Timestamp uint64           `json:"timestamp"`
	Fee       uint64           `json:"fee"`
	tx.FeeBreakdown
	SigDigest types.Hash `json:"sig_digest"`
}

// SignatureRecord is one offloaded input signature.
type SignatureRecord struct {
	Salt      []byte `json:"salt"`
	Signature []byte `json:"signature"`
	PubKey    []byte `json:"pubkey"`
}

// Digest returns the salted digest of the signature.
func (s SignatureRecord) Digest() types.Hash {
	return crypto.SaltedDigest(s.Salt, s.Signature)
}

// SignatureDigest combines the per-input digests of sigs.
func SignatureDigest(sigs []SignatureRecord) types.Hash {
	buf := make([]byte, 0, len(sigs)*types.HashSize)
	for _, s := range sigs {
		d := s.Digest()
		buf = append(buf, d[:]...)
	}
	return crypto.SaltedDigest(nil, buf)
}

// FundAllocation is the split of all indexed fees.
type FundAllocation struct {
	Tax   uint64 `json:"tax"`
	Miner uint64 `json:"miner"`
}

// TxIndex stores confirmed transactions by id.
type TxIndex struct {
	db   storage.DB
	fees tx.FeeModel
}

// NewTxIndex creates a transaction index. A nil fee model assigns the whole
// fee to the miner.
func NewTxIndex(db storage.DB, fees tx.FeeModel) *TxIndex {
	return &TxIndex{db: db, fees: fees}
}

// StoreBlock indexes every transaction of blk in one transaction.
func (ti *TxIndex) StoreBlock(blk *block.Block, blockSize int) error {
	hash := blk.Hash()
	return ti.db.Update(func(txn storage.Txn) error {
		for _, t := range blk.Transactions {
			if err := ti.storeTxn(txn, t, hash, blk.Header.Index, blockSize); err != nil {
				return err
			}
		}
		return nil
	})
}

// StoreTransaction indexes a single transaction confirmed in blockHash.
func (ti *TxIndex) StoreTransaction(t *tx.Transaction, blockHash types.Hash, height uint64, blockSize int) error {
	return ti.db.Update(func(txn storage.Txn) error {
		return ti.storeTxn(txn, t, blockHash, height, blockSize)
	})
}

func (ti *TxIndex) storeTxn(txn storage.Txn, t *tx.Transaction, blockHash types.Hash, height uint64, blockSize int) error {
	breakdown, err := ti.breakdown(t, blockSize)
	if err != nil {
		return fmt.Errorf("fee breakdown %s: %w", t.ID.Short(), err)
	}

	sigs := make([]SignatureRecord, 0, len(t.Inputs))
	inputs := make([]types.Outpoint, len(t.Inputs))
	for i, in := range t.Inputs {
		inputs[i] = in.PrevOut
		salt := make([]byte, saltSize)
		if _, err := rand.Read(salt); err != nil {
			return fmt.Errorf("signature salt: %w", err)
		}
		sigs = append(sigs, SignatureRecord{Salt: salt, Signature: in.ScriptSig, PubKey: in.PubKey})
	}

	rec := TxRecord{
		ID:           t.ID,
		Type:         t.Type,
		BlockHash:    blockHash,
		Height:       height,
		Inputs:       inputs,
		Outputs:      t.Outputs,
		Timestamp:    t.Timestamp,
		Fee:          t.Fee,
		FeeBreakdown: breakdown,
		SigDigest:    SignatureDigest(sigs),
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("tx record marshal: %w", err)
	}
	if err := storage.PutNew(txn, txKey(prefixTx, t.ID), data); err != nil {
		return fmt.Errorf("tx %s: %w", t.ID, err)
	}
	if len(sigs) == 0 {
		return nil
	}
	sigData, err := json.Marshal(sigs)
	if err != nil {
		return fmt.Errorf("signature marshal: %w", err)
	}
	return txn.Put(txKey(prefixSig, t.ID), sigData)
}

// breakdown splits the fee of t into tax and miner shares. The tax comes
// from the fee model and is capped by the fee actually paid.
func (ti *TxIndex) breakdown(t *tx.Transaction, blockSize int) (tx.FeeBreakdown, error) {
	if ti.fees == nil || t.IsCoinbase() {
		return tx.SplitFee(t.Fee, 0)
	}
	amount, err := t.TotalOutputValue()
	if err != nil {
		return tx.FeeBreakdown{}, err
	}
	model, err := ti.fees.CalculateFeeAndTax(blockSize, tx.PaymentTypeOf(t.Type), amount, t.Size())
	if err != nil {
		return tx.FeeBreakdown{}, err
	}
	tax := min(model.Tax, t.Fee)
	return tx.FeeBreakdown{Base: t.Fee, Tax: tax, Miner: t.Fee - tax}, nil
}

// Get returns the record of id. Missing ids wrap storage.ErrNotFound.
func (ti *TxIndex) Get(id types.Hash) (*TxRecord, error) {
	data, err := ti.db.Get(txKey(prefixTx, id))
	if err != nil {
		return nil, fmt.Errorf("tx %s: %w", id, err)
	}
	return decodeRecord(data)
}

// Has reports whether id is indexed.
func (ti *TxIndex) Has(id types.Hash) (bool, error) {
	return ti.db.Has(txKey(prefixTx, id))
}

// All returns every indexed record ordered by id.
func (ti *TxIndex) All() ([]*TxRecord, error) {
	var out []*TxRecord
	err := ti.db.ForEach(prefixTx, func(_, value []byte) error {
		rec, err := decodeRecord(value)
		if err != nil {
			return err
		}
		out = append(out, rec)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("tx records: %w", err)
	}
	return out, nil
}

// FetchSignatures returns the offloaded signatures of id in input order.
// Transactions without inputs return nil.
func (ti *TxIndex) FetchSignatures(id types.Hash) ([]SignatureRecord, error) {
	data, ok, err := storage.GetOptional(ti.db, txKey(prefixSig, id))
	if err != nil {
		return nil, fmt.Errorf("signatures %s: %w", id, err)
	}
	if !ok {
		return nil, nil
	}
	var sigs []SignatureRecord
	if err := json.Unmarshal(data, &sigs); err != nil {
		return nil, fmt.Errorf("%w: signatures %s: %v", storage.ErrCorrupt, id, err)
	}
	return sigs, nil
}

// VerifySignatureDigest recomputes the digest of the offloaded signatures
// of id and compares it with the record.
func (ti *TxIndex) VerifySignatureDigest(id types.Hash) error {
	rec, err := ti.Get(id)
	if err != nil {
		return err
	}
	sigs, err := ti.FetchSignatures(id)
	if err != nil {
		return err
	}
	if got := SignatureDigest(sigs); got != rec.SigDigest {
		return fmt.Errorf("%w: tx %s", ErrSigDigestMismatch, id)
	}
	return nil
}

// FundAllocation sums the tax and miner fee shares across all records.
func (ti *TxIndex) FundAllocation() (FundAllocation, error) {
	var fa FundAllocation
	err := ti.db.ForEach(prefixTx, func(_, value []byte) error {
		rec, err := decodeRecord(value)
		if err != nil {
			return err
		}
		if fa.Tax > math.MaxUint64-rec.Tax || fa.Miner > math.MaxUint64-rec.Miner {
			return fmt.Errorf("%w: fund allocation overflows", storage.ErrCorrupt)
		}
		fa.Tax += rec.Tax
		fa.Miner += rec.Miner
		return nil
	})
	if err != nil {
		return FundAllocation{}, fmt.Errorf("fund allocation: %w", err)
	}
	return fa, nil
}

// Clear removes every record and signature.
func (ti *TxIndex) Clear() error {
	for _, prefix := range [][]byte{prefixTx, prefixSig} {
		if err := storage.NewPrefixDB(ti.db, prefix).DeleteAll(); err != nil {
			return fmt.Errorf("clear %s: %w", prefix, err)
		}
	}
	return nil
}

func decodeRecord(data []byte) (*TxRecord, error) {
	var rec TxRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("%w: tx record: %v", storage.ErrCorrupt, err)
	}
	return &rec, nil
}

func txKey(prefix []byte, id types.Hash) []byte {
	key := make([]byte, len(prefix)+types.HashSize)
	copy(key, prefix)
	copy(key[len(prefix):], id[:])
	return key
}
