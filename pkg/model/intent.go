package model

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// SignedOrderIntent is a maker's submission before the ledger has accepted it.
// DeferSignature marks chains whose wallets cannot produce a usable off-chain
// signature, in which case verification is deferred to the on-chain escrow
// (delegated/sponsored submission flows).
type SignedOrderIntent struct {
	FromChain          Chain                 `json:"fromChain"`
	ToChain            Chain                 `json:"toChain"`
	FromToken          string                `json:"fromToken"`
	ToToken            string                `json:"toToken"`
	FromAmount         string                `json:"fromAmount"`
	MinToAmount        string                `json:"minToAmount"`
	Maker              string                `json:"maker"`
	Receiver           string                `json:"receiver"`
	Deadline           int64                 `json:"deadline"`
	Nonce              uint64                `json:"nonce"`
	PartialFillAllowed bool                  `json:"partialFillAllowed"`
	SecretHash         string                `json:"secretHash,omitempty"`
	SecretSet          *PartialFillSecretSet `json:"secretSet,omitempty"`
	Auction            *DutchAuctionConfig   `json:"auction,omitempty"`

	Signature      string `json:"signature,omitempty"`
	DeferSignature bool   `json:"deferSignature,omitempty"`
}

var intentTypeHash = crypto.Keccak256Hash([]byte(
	"OrderIntent(string fromChain,string toChain,string fromToken,string toToken,string fromAmount,string minToAmount,address maker,string receiver,uint64 deadline,uint64 nonce,bool partialFill,bytes32 secretCommitment)",
))

// Digest computes the typed hash a maker signs over, in the EIP-712 spirit: a
// type hash followed by the hash of every field, wrapped in the standard
// personal-sign prefix so ordinary wallets can produce the signature.
func (in SignedOrderIntent) Digest() common.Hash {
	var deadline, nonce [8]byte
	binary.BigEndian.PutUint64(deadline[:], uint64(in.Deadline))
	binary.BigEndian.PutUint64(nonce[:], in.Nonce)

	partial := byte(0)
	if in.PartialFillAllowed {
		partial = 1
	}

	// Single-fill orders commit to their secret hash, multi-fill orders to
	// the Merkle root of the secret set.
	commitment := in.SecretHash
	if in.SecretSet != nil {
		commitment = in.SecretSet.MerkleRoot
	}

	structHash := crypto.Keccak256Hash(
		intentTypeHash.Bytes(),
		crypto.Keccak256([]byte(in.FromChain)),
		crypto.Keccak256([]byte(in.ToChain)),
		crypto.Keccak256([]byte(in.FromToken)),
		crypto.Keccak256([]byte(in.ToToken)),
		crypto.Keccak256([]byte(in.FromAmount)),
		crypto.Keccak256([]byte(in.MinToAmount)),
		crypto.Keccak256([]byte(strings.ToLower(in.Maker))),
		crypto.Keccak256([]byte(in.Receiver)),
		deadline[:],
		nonce[:],
		[]byte{partial},
		common.HexToHash(commitment).Bytes(),
	)
	return crypto.Keccak256Hash(
		[]byte("\x19Ethereum Signed Message:\n32"),
		structHash.Bytes(),
	)
}

var ErrInvalidSignature = errors.New("invalid signature")

// VerifySignature recovers the signer from the intent signature and checks it
// is the maker. Intents with DeferSignature set are accepted as-is.
func (in SignedOrderIntent) VerifySignature() error {
	if in.DeferSignature {
		return nil
	}
	sig, err := hexutil.Decode(in.Signature)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	if len(sig) != crypto.SignatureLength {
		return fmt.Errorf("%w: unexpected length %v", ErrInvalidSignature, len(sig))
	}
	// Wallets return V as 27/28, Ecrecover wants 0/1.
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig = append([]byte{}, sig...)
		sig[crypto.RecoveryIDOffset] -= 27
	}
	digest := in.Digest()
	pub, err := crypto.SigToPub(digest.Bytes(), sig)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	signer := crypto.PubkeyToAddress(*pub)
	if !strings.EqualFold(signer.Hex(), in.Maker) {
		return fmt.Errorf("%w: signed by %v, maker is %v", ErrInvalidSignature, signer.Hex(), in.Maker)
	}
	return nil
}
