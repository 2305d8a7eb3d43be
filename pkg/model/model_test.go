package model_test

import (
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/ferryfi/ferry/pkg/model"
)

var _ = Describe("Signed order intents", func() {
	newIntent := func() (*model.SignedOrderIntent, func()) {
		key, err := crypto.GenerateKey()
		Expect(err).Should(BeNil())
		intent := model.SignedOrderIntent{
			FromChain:   model.Ethereum,
			ToChain:     model.Arbitrum,
			FromToken:   "USDC",
			ToToken:     "USDC",
			FromAmount:  "1000",
			MinToAmount: "995",
			Maker:       crypto.PubkeyToAddress(key.PublicKey).Hex(),
			Receiver:    "0x1111111111111111111111111111111111111111",
			Deadline:    time.Now().Add(time.Hour).Unix(),
			Nonce:       1,
			SecretHash:  crypto.Keccak256Hash([]byte("secret")).Hex(),
		}
		sign := func() {
			signature, err := crypto.Sign(intent.Digest().Bytes(), key)
			Expect(err).Should(BeNil())
			signature[64] += 27
			intent.Signature = hexutil.Encode(signature)
		}
		return &intent, sign
	}

	It("should verify a correctly signed intent", func() {
		intent, sign := newIntent()
		sign()
		Expect(intent.VerifySignature()).Should(BeNil())
	})

	It("should reject a signature from a different key", func() {
		intent, _ := newIntent()
		other, err := crypto.GenerateKey()
		Expect(err).Should(BeNil())
		signature, err := crypto.Sign(intent.Digest().Bytes(), other)
		Expect(err).Should(BeNil())
		signature[64] += 27
		intent.Signature = hexutil.Encode(signature)
		Expect(intent.VerifySignature()).Should(MatchError(model.ErrInvalidSignature))
	})

	It("should bind every priced field into the digest", func() {
		intent, sign := newIntent()
		sign()
		before := intent.Digest()

		intent.FromAmount = "2000"
		Expect(intent.Digest()).ShouldNot(Equal(before))
		Expect(intent.VerifySignature()).Should(MatchError(model.ErrInvalidSignature))
	})

	It("should commit multi-fill intents to the merkle root", func() {
		intent, _ := newIntent()
		single := intent.Digest()

		intent.SecretSet = &model.PartialFillSecretSet{MerkleRoot: "0xabcdef"}
		Expect(intent.Digest()).ShouldNot(Equal(single))
	})

	It("should accept deferred signatures as-is", func() {
		intent, _ := newIntent()
		intent.DeferSignature = true
		Expect(intent.VerifySignature()).Should(BeNil())
	})
})

var _ = Describe("Chains and pairs", func() {
	It("should classify chains", func() {
		Expect(model.Ethereum.IsEVM()).Should(BeTrue())
		Expect(model.Bitcoin.IsBTC()).Should(BeTrue())
		Expect(model.Chain("solana").Valid()).Should(BeFalse())
	})

	It("should validate addresses per chain", func() {
		Expect(model.ValidateAddress(model.Ethereum, "0x1111111111111111111111111111111111111111")).Should(BeNil())
		Expect(model.ValidateAddress(model.Ethereum, "not-an-address")).ShouldNot(BeNil())
		Expect(model.ValidateAddress(model.Bitcoin, "bc1qw508d6qejxtdg4y5r3zarvary0c5xw7kv8f3t4")).Should(BeNil())
		Expect(model.ValidateAddress(model.Bitcoin, "0x1111111111111111111111111111111111111111")).ShouldNot(BeNil())
	})

	It("should parse order pairs", func() {
		from, to, fromToken, toToken, err := model.ParseOrderPair("ethereum:USDC-arbitrum:USDC")
		Expect(err).Should(BeNil())
		Expect(from).Should(Equal(model.Ethereum))
		Expect(to).Should(Equal(model.Arbitrum))
		Expect(fromToken).Should(Equal("USDC"))
		Expect(toToken).Should(Equal("USDC"))

		_, _, _, _, err = model.ParseOrderPair("nonsense")
		Expect(err).ShouldNot(BeNil())

		_, _, _, _, err = model.ParseOrderPair("solana:SOL-ethereum:ETH")
		Expect(err).ShouldNot(BeNil())
	})
})
