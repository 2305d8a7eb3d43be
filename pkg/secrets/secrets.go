// Package secrets implements the partial fill secret scheme. One order can be
// filled by up to `parts` independent resolvers, each slice gated by its own
// secret, with every secret committed under a single Merkle root at order
// creation time.
package secrets

import (
	"crypto/rand"
	"fmt"
	"math"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

const secretSize = 32

// SecretSet is the maker-side material of a partial fill order. Only the
// hashes, proofs and root ever leave the maker's client.
type SecretSet struct {
	MerkleRoot   common.Hash
	Secrets      [][]byte
	SecretHashes []common.Hash
	Proofs       [][]common.Hash
	Thresholds   []float64
}

// GenerateSecret draws one 32-byte secret for a single-fill order and returns
// it with its hashlock.
func GenerateSecret() ([]byte, common.Hash, error) {
	secret := make([]byte, secretSize)
	if _, err := rand.Read(secret); err != nil {
		return nil, common.Hash{}, fmt.Errorf("draw secret: %w", err)
	}
	return secret, crypto.Keccak256Hash(secret), nil
}

// GenerateSecrets draws parts+1 independent 32-byte secrets and commits to
// them under one Merkle root. The extra secret covers any fill that pushes the
// cumulative percentage past the last regular threshold, e.g. a fill landing
// exactly on 100% plus rounding slack. Thresholds are 100*i/parts for
// i in 1..parts.
func GenerateSecrets(parts int) (SecretSet, error) {
	if parts < 1 {
		return SecretSet{}, fmt.Errorf("parts must be positive, got %v", parts)
	}

	set := SecretSet{
		Secrets:      make([][]byte, parts+1),
		SecretHashes: make([]common.Hash, parts+1),
		Thresholds:   make([]float64, parts),
	}
	leaves := make([]common.Hash, parts+1)
	for i := range set.Secrets {
		secret := make([]byte, secretSize)
		if _, err := rand.Read(secret); err != nil {
			return SecretSet{}, fmt.Errorf("draw secret: %w", err)
		}
		set.Secrets[i] = secret
		leaves[i] = leafHash(secret)
		set.SecretHashes[i] = leaves[i]
	}
	for i := 1; i <= parts; i++ {
		set.Thresholds[i-1] = float64(100*i) / float64(parts)
	}

	set.MerkleRoot, set.Proofs = buildTree(leaves)
	return set, nil
}

// SecretIndexFor returns the index of the first threshold that covers the
// cumulative fill percentage. A cumulative fill beyond every threshold maps to
// the reserved overflow secret at index len(thresholds).
func SecretIndexFor(cumulativeFillPercentage float64, thresholds []float64) int {
	for i, threshold := range thresholds {
		if threshold >= cumulativeFillPercentage {
			return i
		}
	}
	return len(thresholds)
}

// SecretForFill picks the secret gating a new fill given the order's current
// cumulative percentage. Revealing secret k satisfies every slice with a lower
// index on-chain (monotonic unlock), which is why indices rather than raw
// percentages gate withdrawal.
func (set SecretSet) SecretForFill(currentFillPercentage, newFillPercentage float64) ([]byte, int) {
	idx := SecretIndexFor(currentFillPercentage+newFillPercentage, set.Thresholds)
	return set.Secrets[idx], idx
}

// PartialEscrowID derives the escrow identifier of one (order, slice) pair.
// Independent resolvers computing the same pair arrive at the same id, so a
// slice can never be accidentally double-funded.
func PartialEscrowID(baseOrderID string, fillIndex int) string {
	return crypto.Keccak256Hash([]byte(fmt.Sprintf("%v:%d", baseOrderID, fillIndex))).Hex()
}

// PartialAmount derives the token amount of a fillPercentage slice of
// totalAmount. The percentage is snapped to basis points first so the
// derivation is deterministic across parties.
func PartialAmount(totalAmount *big.Int, fillPercentage float64) *big.Int {
	bps := big.NewInt(int64(math.Round(fillPercentage * 100)))
	out := new(big.Int).Mul(totalAmount, bps)
	return out.Quo(out, big.NewInt(10_000))
}
