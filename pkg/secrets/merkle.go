package secrets

import (
	"bytes"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// combine hashes a sorted pair of nodes. Sorting before hashing makes the
// tree canonical: a proof never needs to carry left/right position bits.
func combine(a, b common.Hash) common.Hash {
	if bytes.Compare(a.Bytes(), b.Bytes()) > 0 {
		a, b = b, a
	}
	return crypto.Keccak256Hash(a.Bytes(), b.Bytes())
}

// leafHash is the Merkle leaf of a secret, the same keccak hash the escrow
// contract checks the revealed pre-image against.
func leafHash(secret []byte) common.Hash {
	return crypto.Keccak256Hash(secret)
}

// buildTree builds a sorted-pair Merkle tree over the leaves and returns the
// root plus one inclusion proof per leaf. An odd node at any level is carried
// up unchanged.
func buildTree(leaves []common.Hash) (common.Hash, [][]common.Hash) {
	proofs := make([][]common.Hash, len(leaves))
	for i := range proofs {
		proofs[i] = []common.Hash{}
	}

	// index[i] tracks which node of the current level leaf i has been folded
	// into.
	index := make([]int, len(leaves))
	for i := range index {
		index[i] = i
	}

	level := append([]common.Hash{}, leaves...)
	for len(level) > 1 {
		next := make([]common.Hash, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			if i+1 == len(level) {
				next = append(next, level[i])
				continue
			}
			for leaf, pos := range index {
				if pos == i {
					proofs[leaf] = append(proofs[leaf], level[i+1])
				} else if pos == i+1 {
					proofs[leaf] = append(proofs[leaf], level[i])
				}
			}
			next = append(next, combine(level[i], level[i+1]))
		}
		for leaf, pos := range index {
			index[leaf] = pos / 2
		}
		level = next
	}
	return level[0], proofs
}

// VerifySecret recomputes the leaf hash of a revealed secret and folds the
// proof against the committed root using the generation-time sorted-pair
// rule. Any party uses this to confirm a revealed secret belongs to the set
// before acting on it.
func VerifySecret(secret []byte, merkleRoot common.Hash, proof []common.Hash) bool {
	node := leafHash(secret)
	for _, sibling := range proof {
		node = combine(node, sibling)
	}
	return node == merkleRoot
}
