// Package block defines block types, the binary record codec and validation.
package block

import (
	"github.com/Klingon-tech/klingnet-ledger/pkg/tx"
	"github.com/Klingon-tech/klingnet-ledger/pkg/types"
)

// Block represents a block in the chain.
type Block struct {
	Header       *Header           `json:"header"`
	Transactions []*tx.Transaction `json:"transactions"`
}

// NewBlock creates a new block with the given header and transactions.
func NewBlock(header *Header, txs []*tx.Transaction) *Block {
	return &Block{
		Header:       header,
		Transactions: txs,
	}
}

// Hash returns the block header hash.
func (b *Block) Hash() types.Hash {
	if b.Header == nil {
		return types.Hash{}
	}
	return b.Header.Hash()
}

// Coinbase returns the first transaction if it is a coinbase.
func (b *Block) Coinbase() *tx.Transaction {
	if len(b.Transactions) == 0 || !b.Transactions[0].IsCoinbase() {
		return nil
	}
	return b.Transactions[0]
}

// TxIDs returns the transaction ids in block order.
func (b *Block) TxIDs() []types.Hash {
	ids := make([]types.Hash, len(b.Transactions))
	for i, t := range b.Transactions {
		ids[i] = t.ID
	}
	return ids
}

// ComputeMerkleRoot returns the merkle root over the block's transaction ids.
func (b *Block) ComputeMerkleRoot() types.Hash {
	return ComputeMerkleRoot(b.TxIDs())
}

// TotalFees sums the fees of the non-coinbase transactions.
func (b *Block) TotalFees() (uint64, error) {
	var total uint64
	for _, t := range b.Transactions {
		if t.IsCoinbase() {
			continue
		}
		if total+t.Fee < total {
			return 0, ErrFeeOverflow
		}
		total += t.Fee
	}
	return total, nil
}
