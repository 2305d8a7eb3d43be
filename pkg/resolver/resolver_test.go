package resolver_test

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/ferryfi/ferry/pkg/chain"
	"github.com/ferryfi/ferry/pkg/chain/sim"
	"github.com/ferryfi/ferry/pkg/ledger"
	"github.com/ferryfi/ferry/pkg/model"
	"github.com/ferryfi/ferry/pkg/price"
	"github.com/ferryfi/ferry/pkg/resolver"
	"github.com/ferryfi/ferry/pkg/secrets"
	"github.com/ferryfi/ferry/pkg/store"
	"github.com/ferryfi/ferry/pkg/transport"
)

const (
	resolverSrcAddr = "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	resolverDstAddr = "0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"
)

var _ = Describe("Resolver", func() {
	var (
		bus         transport.Bus
		book        *ledger.Ledger
		src         *sim.Chain
		dst         *sim.Chain
		coordinator *resolver.Resolver
	)

	newCoordinator := func(strategies resolver.Strategies) *resolver.Resolver {
		return resolver.New(resolver.Config{
			Identity: "resolver-1",
			Addresses: map[model.Chain]string{
				model.Ethereum: resolverSrcAddr,
				model.Arbitrum: resolverDstAddr,
			},
		}, strategies, book, chain.Registry{
			model.Ethereum: src,
			model.Arbitrum: dst,
		}, price.Static(map[string]float64{"USDC": 1}), bus, resolver.NewMemoryStore(), zap.NewNop())
	}

	anyUSDC := func(marginBps int) resolver.Strategies {
		strategy, err := resolver.NewStrategy("ethereum:USDC-arbitrum:USDC", nil, nil, nil, marginBps)
		Expect(err).Should(BeNil())
		return resolver.Strategies{strategy}
	}

	BeforeEach(func() {
		bus = transport.NewMemoryBus()
		book = ledger.New(store.NewMemory(), bus, zap.NewNop())
		src = sim.New(model.Ethereum, nil)
		dst = sim.New(model.Arbitrum, nil)
		dst.Fund(resolverDstAddr, "USDC", big.NewInt(100_000))
	})

	AfterEach(func() {
		if coordinator != nil {
			coordinator.Stop()
			coordinator = nil
		}
	})

	// fundSourceEscrow plays the maker's leg: lock the order amount on the
	// source chain for the resolver, gated by the order's hashlock.
	fundSourceEscrow := func(order model.Order, maker string, amount int64, timelock time.Time) {
		src.Fund(maker, "USDC", big.NewInt(amount))
		_, err := src.CreateEscrow(context.Background(), chain.Escrow{
			ID:          "maker-escrow-" + order.ID,
			Depositor:   maker,
			Beneficiary: resolverSrcAddr,
			Token:       "USDC",
			Amount:      big.NewInt(amount),
			Hashlock:    common.HexToHash(order.SecretHash),
			Timelock:    timelock,
		})
		Expect(err).Should(BeNil())
	}

	// awaitSecretRequest blocks until the swap machine asks for the order's
	// secret, which means its reveal listener is registered.
	awaitSecretRequest := func(events <-chan transport.Event, orderID string) {
		timeout := time.After(5 * time.Second)
		for {
			select {
			case event := <-events:
				if event.Name == transport.SecretRequest && event.OrderID == orderID {
					return
				}
			case <-timeout:
				Fail("timed out waiting for secret request")
			}
		}
	}

	Context("Full fill happy path", func() {
		It("should complete the swap end to end", func() {
			coordinator = newCoordinator(anyUSDC(0))
			Expect(coordinator.Start()).Should(BeNil())

			secret, secretHash, err := secrets.GenerateSecret()
			Expect(err).Should(BeNil())

			key, maker := newMaker()
			order, err := book.CreateOrder(usdcIntent(key, maker, 1, secretHash.Hex()))
			Expect(err).Should(BeNil())

			By("the resolver locks the output on the destination chain")
			var fill model.Fill
			Eventually(func() bool {
				got, err := book.Order(order.ID)
				if err != nil || len(got.Fills) == 0 {
					return false
				}
				fill = got.Fills[0]
				return !fill.Status.Before(model.FillDestinationCreated)
			}, "5s", "20ms").Should(BeTrue())

			escrow, ok := dst.Escrow(fill.TxRefs.DestinationEscrowID)
			Expect(ok).Should(BeTrue())
			Expect(escrow.Beneficiary).Should(Equal(order.Receiver))
			Expect(escrow.Amount.Cmp(big.NewInt(995))).Should(Equal(0))

			By("the maker funds the source chain with a longer timelock")
			events, unsub := bus.Subscribe(64)
			defer unsub()
			fundSourceEscrow(order, maker, 1000, time.Now().Add(2*time.Hour))

			By("the maker reveals the secret once both escrows exist")
			awaitSecretRequest(events, order.ID)
			bus.Publish(transport.Event{
				Name:    transport.SecretReveal,
				OrderID: order.ID,
				Payload: transport.SecretRevealPayload{OrderID: order.ID, Secret: hexutil.Encode(secret)},
			})

			By("both withdrawals settle")
			Eventually(func() model.FillStatus {
				got, err := book.Order(order.ID)
				if err != nil {
					return ""
				}
				fill, _ = got.FillByID(fill.ID)
				return fill.Status
			}, "5s", "20ms").Should(Equal(model.FillCompleted))

			srcBalance, err := src.BalanceOf(context.Background(), resolverSrcAddr, "USDC")
			Expect(err).Should(BeNil())
			Expect(srcBalance.Cmp(big.NewInt(1000))).Should(Equal(0))

			dstBalance, err := dst.BalanceOf(context.Background(), order.Receiver, "USDC")
			Expect(err).Should(BeNil())
			Expect(dstBalance.Cmp(big.NewInt(995))).Should(Equal(0))
		})
	})

	Context("Unprofitable orders", func() {
		It("should leave the order untouched when the margin eats the rate", func() {
			// 10% margin: offered 0.9 < required 0.995.
			coordinator = newCoordinator(anyUSDC(1000))
			Expect(coordinator.Start()).Should(BeNil())

			_, secretHash, err := secrets.GenerateSecret()
			Expect(err).Should(BeNil())
			key, maker := newMaker()
			order, err := book.CreateOrder(usdcIntent(key, maker, 1, secretHash.Hex()))
			Expect(err).Should(BeNil())

			Consistently(func() int {
				got, err := book.Order(order.ID)
				if err != nil {
					return -1
				}
				return len(got.Fills)
			}, "500ms", "50ms").Should(Equal(0))
			Expect(dst.CreateCalls).Should(Equal(0))
		})

		It("should skip an auction priced above the offered rate", func() {
			coordinator = newCoordinator(anyUSDC(0))
			Expect(coordinator.Start()).Should(BeNil())

			_, secretHash, err := secrets.GenerateSecret()
			Expect(err).Should(BeNil())
			key, maker := newMaker()
			intent := usdcIntent(key, maker, 1, secretHash.Hex())
			intent.Auction = &model.DutchAuctionConfig{
				StartTimestamp:    time.Now().Unix(),
				Duration:          3600,
				StartRate:         1.2,
				EndRate:           1.1,
				DecrementInterval: 600,
				DecrementAmount:   0.01,
			}
			signIntent(&intent, key)
			order, err := book.CreateOrder(intent)
			Expect(err).Should(BeNil())

			Consistently(func() int {
				got, err := book.Order(order.ID)
				if err != nil {
					return -1
				}
				return len(got.Fills)
			}, "500ms", "50ms").Should(Equal(0))
		})
	})

	Context("Wrong secret", func() {
		It("should fail the fill without touching either escrow", func() {
			coordinator = newCoordinator(anyUSDC(0))
			Expect(coordinator.Start()).Should(BeNil())

			_, secretHash, err := secrets.GenerateSecret()
			Expect(err).Should(BeNil())

			key, maker := newMaker()
			order, err := book.CreateOrder(usdcIntent(key, maker, 1, secretHash.Hex()))
			Expect(err).Should(BeNil())

			var fill model.Fill
			Eventually(func() bool {
				got, err := book.Order(order.ID)
				if err != nil || len(got.Fills) == 0 {
					return false
				}
				fill = got.Fills[0]
				return !fill.Status.Before(model.FillDestinationCreated)
			}, "5s", "20ms").Should(BeTrue())

			events, unsub := bus.Subscribe(64)
			defer unsub()
			fundSourceEscrow(order, maker, 1000, time.Now().Add(2*time.Hour))
			awaitSecretRequest(events, order.ID)

			wrong, _, err := secrets.GenerateSecret()
			Expect(err).Should(BeNil())
			bus.Publish(transport.Event{
				Name:    transport.SecretReveal,
				OrderID: order.ID,
				Payload: transport.SecretRevealPayload{OrderID: order.ID, Secret: hexutil.Encode(wrong)},
			})

			Eventually(func() model.FillStatus {
				got, err := book.Order(order.ID)
				if err != nil {
					return ""
				}
				fill, _ = got.FillByID(fill.ID)
				return fill.Status
			}, "5s", "20ms").Should(Equal(model.FillFailed))

			Expect(src.WithdrawCalls).Should(Equal(0))
			Expect(dst.WithdrawCalls).Should(Equal(0))
		})
	})

	Context("Timelock ordering", func() {
		It("should refuse a source escrow without the safety gap", func() {
			coordinator = newCoordinator(anyUSDC(0))
			Expect(coordinator.Start()).Should(BeNil())

			_, secretHash, err := secrets.GenerateSecret()
			Expect(err).Should(BeNil())

			key, maker := newMaker()
			order, err := book.CreateOrder(usdcIntent(key, maker, 1, secretHash.Hex()))
			Expect(err).Should(BeNil())

			var fill model.Fill
			Eventually(func() bool {
				got, err := book.Order(order.ID)
				if err != nil || len(got.Fills) == 0 {
					return false
				}
				fill = got.Fills[0]
				return !fill.Status.Before(model.FillDestinationCreated)
			}, "5s", "20ms").Should(BeTrue())

			// Timelock shorter than the destination window: the maker could
			// refund before the resolver's claim settles.
			fundSourceEscrow(order, maker, 1000, time.Now().Add(30*time.Minute))

			Eventually(func() model.FillStatus {
				got, err := book.Order(order.ID)
				if err != nil {
					return ""
				}
				fill, _ = got.FillByID(fill.ID)
				return fill.Status
			}, "5s", "20ms").Should(Equal(model.FillFailed))
			Expect(src.WithdrawCalls).Should(Equal(0))
		})
	})

	Context("Partial fill orders", func() {
		It("should serve the remainder under the covering secret slice", func() {
			coordinator = newCoordinator(anyUSDC(0))
			Expect(coordinator.Start()).Should(BeNil())

			set, err := secrets.GenerateSecrets(4)
			Expect(err).Should(BeNil())

			key, maker := newMaker()
			intent := usdcIntent(key, maker, 1, "")
			intent.PartialFillAllowed = true
			intent.SecretSet = &model.PartialFillSecretSet{
				MerkleRoot:   set.MerkleRoot.Hex(),
				SecretHashes: hashesToHex(set.SecretHashes),
				Proofs:       proofsToHex(set.Proofs),
				Thresholds:   set.Thresholds,
			}
			signIntent(&intent, key)
			order, err := book.CreateOrder(intent)
			Expect(err).Should(BeNil())

			var fill model.Fill
			Eventually(func() bool {
				got, err := book.Order(order.ID)
				if err != nil || len(got.Fills) == 0 {
					return false
				}
				fill = got.Fills[0]
				return !fill.Status.Before(model.FillDestinationCreated)
			}, "5s", "20ms").Should(BeTrue())

			// A fresh order gets one 100% fill, gated by the last regular
			// threshold's secret.
			Expect(fill.FillPercentage).Should(Equal(100.0))
			Expect(fill.SecretIndex).Should(Equal(3))
			Expect(fill.SecretHash).Should(Equal(set.SecretHashes[3].Hex()))
			Expect(fill.TxRefs.DestinationEscrowID).Should(Equal(secrets.PartialEscrowID(order.ID, 3)))

			By("completing against the slice secret and its proof")
			events, unsub := bus.Subscribe(64)
			defer unsub()
			src.Fund(maker, "USDC", big.NewInt(1000))
			_, err = src.CreateEscrow(context.Background(), chain.Escrow{
				ID:          "maker-escrow-" + order.ID,
				Depositor:   maker,
				Beneficiary: resolverSrcAddr,
				Token:       "USDC",
				Amount:      big.NewInt(1000),
				Hashlock:    set.SecretHashes[3],
				Timelock:    time.Now().Add(2 * time.Hour),
			})
			Expect(err).Should(BeNil())

			awaitSecretRequest(events, order.ID)
			bus.Publish(transport.Event{
				Name:    transport.SecretReveal,
				OrderID: order.ID,
				Payload: transport.SecretRevealPayload{OrderID: order.ID, Secret: hexutil.Encode(set.Secrets[3])},
			})

			Eventually(func() model.FillStatus {
				got, err := book.Order(order.ID)
				if err != nil {
					return ""
				}
				fill, _ = got.FillByID(fill.ID)
				return fill.Status
			}, "5s", "20ms").Should(Equal(model.FillCompleted))
		})
	})

	Context("Shutdown with work in flight", func() {
		// Drives a fill to DESTINATION_CREATED and leaves the source escrow
		// unfunded, parking the machine in its source-escrow wait.
		interruptedFill := func() (model.Order, model.Fill) {
			coordinator = newCoordinator(anyUSDC(0))
			Expect(coordinator.Start()).Should(BeNil())

			_, secretHash, err := secrets.GenerateSecret()
			Expect(err).Should(BeNil())
			key, maker := newMaker()
			order, err := book.CreateOrder(usdcIntent(key, maker, 1, secretHash.Hex()))
			Expect(err).Should(BeNil())

			var fill model.Fill
			Eventually(func() bool {
				got, err := book.Order(order.ID)
				if err != nil || len(got.Fills) == 0 {
					return false
				}
				fill = got.Fills[0]
				return !fill.Status.Before(model.FillDestinationCreated)
			}, "5s", "20ms").Should(BeTrue())
			return order, fill
		}

		It("should stop within a bounded window while a machine waits on the maker", func() {
			order, fill := interruptedFill()

			done := make(chan struct{})
			go func() {
				defer GinkgoRecover()
				coordinator.Stop()
				close(done)
			}()
			Eventually(done, "2s", "20ms").Should(BeClosed())
			coordinator = nil

			// The fill keeps its recorded progress for a later resume
			// instead of being failed.
			got, err := book.Order(order.ID)
			Expect(err).Should(BeNil())
			stopped, ok := got.FillByID(fill.ID)
			Expect(ok).Should(BeTrue())
			Expect(stopped.Status).Should(Equal(model.FillDestinationCreated))
		})

		It("should resume an interrupted fill after a restart", func() {
			secret, secretHash, err := secrets.GenerateSecret()
			Expect(err).Should(BeNil())

			coordinator = newCoordinator(anyUSDC(0))
			Expect(coordinator.Start()).Should(BeNil())
			key, maker := newMaker()
			order, err := book.CreateOrder(usdcIntent(key, maker, 1, secretHash.Hex()))
			Expect(err).Should(BeNil())

			var fill model.Fill
			Eventually(func() bool {
				got, err := book.Order(order.ID)
				if err != nil || len(got.Fills) == 0 {
					return false
				}
				fill = got.Fills[0]
				return !fill.Status.Before(model.FillDestinationCreated)
			}, "5s", "20ms").Should(BeTrue())
			coordinator.Stop()

			By("a fresh coordinator picking the fill back up")
			coordinator = newCoordinator(anyUSDC(0))
			Expect(coordinator.Start()).Should(BeNil())

			events, unsub := bus.Subscribe(64)
			defer unsub()
			fundSourceEscrow(order, maker, 1000, time.Now().Add(2*time.Hour))
			awaitSecretRequest(events, order.ID)
			bus.Publish(transport.Event{
				Name:    transport.SecretReveal,
				OrderID: order.ID,
				Payload: transport.SecretRevealPayload{OrderID: order.ID, Secret: hexutil.Encode(secret)},
			})

			Eventually(func() model.FillStatus {
				got, err := book.Order(order.ID)
				if err != nil {
					return ""
				}
				resumed, _ := got.FillByID(fill.ID)
				return resumed.Status
			}, "5s", "20ms").Should(Equal(model.FillCompleted))

			srcBalance, err := src.BalanceOf(context.Background(), resolverSrcAddr, "USDC")
			Expect(err).Should(BeNil())
			Expect(srcBalance.Cmp(big.NewInt(1000))).Should(Equal(0))
		})
	})
})
