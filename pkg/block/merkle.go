package block

import (
	"github.com/Klingon-tech/klingnet-ledger/pkg/crypto"
	"github.com/Klingon-tech/klingnet-ledger/pkg/types"
)

// ComputeMerkleRoot folds transaction ids into a binary hash tree. An empty
// list yields the zero hash and a single id is its own root. On a level
// with an odd count the last node is paired with itself.
func ComputeMerkleRoot(ids []types.Hash) types.Hash {
	switch len(ids) {
	case 0:
		return types.ZeroHash
	case 1:
		return ids[0]
	}

	// Reduce a private copy in place; each pass halves n.
	nodes := append([]types.Hash(nil), ids...)
	for n := len(nodes); n > 1; n = (n + 1) / 2 {
		for i := 0; i < n; i += 2 {
			right := nodes[i]
			if i+1 < n {
				right = nodes[i+1]
			}
			nodes[i/2] = crypto.HashConcat(nodes[i], right)
		}
	}
	return nodes[0]
}
