package store_test

import (
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/ferryfi/ferry/pkg/ledger"
	"github.com/ferryfi/ferry/pkg/model"
	"github.com/ferryfi/ferry/pkg/store"
)

var _ = Describe("Gorm store", func() {
	var str ledger.Store

	BeforeEach(func() {
		path := filepath.Join(GinkgoT().TempDir(), "test.db")
		var err error
		str, err = store.New(sqlite.Open(path), &gorm.Config{})
		Expect(err).Should(BeNil())
	})

	Context("Order round trips", func() {
		It("should return what was stored", func() {
			order := sampleOrder("order-1", "0xmaker")
			order.PartialFillAllowed = true
			order.SecretHash = ""
			order.SecretSet = &model.PartialFillSecretSet{
				MerkleRoot:   "0xroot",
				SecretHashes: []string{"0xh0", "0xh1"},
				Proofs:       [][]string{{"0xp0"}, {"0xp1"}},
				Thresholds:   []float64{50, 100},
			}
			order.Auction = &model.DutchAuctionConfig{
				StartTimestamp:    order.CreatedAt.Unix(),
				Duration:          300,
				StartRate:         1.05,
				EndRate:           0.95,
				DecrementInterval: 30,
				DecrementAmount:   0.01,
			}
			Expect(str.CreateOrder(order)).Should(BeNil())

			got, err := str.Order("order-1")
			Expect(err).Should(BeNil())
			Expect(got.ID).Should(Equal(order.ID))
			Expect(got.FromChain).Should(Equal(order.FromChain))
			Expect(got.ToChain).Should(Equal(order.ToChain))
			Expect(got.FromAmount).Should(Equal(order.FromAmount))
			Expect(got.MinToAmount).Should(Equal(order.MinToAmount))
			Expect(got.Maker).Should(Equal(order.Maker))
			Expect(got.Receiver).Should(Equal(order.Receiver))
			Expect(got.Deadline).Should(Equal(order.Deadline))
			Expect(got.Nonce).Should(Equal(order.Nonce))
			Expect(got.Status).Should(Equal(model.OrderPending))
			Expect(got.SecretSet).Should(Equal(order.SecretSet))
			Expect(got.Auction).Should(Equal(order.Auction))
			Expect(got.Fills).Should(BeEmpty())
		})

		It("should leave optional blobs nil when absent", func() {
			Expect(str.CreateOrder(sampleOrder("order-1", "0xmaker"))).Should(BeNil())

			got, err := str.Order("order-1")
			Expect(err).Should(BeNil())
			Expect(got.SecretSet).Should(BeNil())
			Expect(got.Auction).Should(BeNil())
		})

		It("should return ErrOrderNotFound for an unknown id", func() {
			_, err := str.Order("ghost")
			Expect(err).Should(MatchError(ledger.ErrOrderNotFound))
		})
	})

	Context("Updating orders", func() {
		It("should persist status changes and new fills", func() {
			order := sampleOrder("order-1", "0xmaker")
			Expect(str.CreateOrder(order)).Should(BeNil())

			order.Status = model.OrderPartiallyFilled
			order.FilledAmount = "300"
			order.FilledPercentage = 30
			order.Fills = []model.Fill{{
				ID:             "fill-1",
				OrderID:        order.ID,
				Resolver:       "resolver-1",
				Amount:         "300",
				FillPercentage: 30,
				SecretHash:     order.SecretHash,
				Status:         model.FillDestinationCreated,
				TxRefs:         model.TxRefs{DestinationEscrowID: "escrow-1"},
			}}
			Expect(str.UpdateOrder(order)).Should(BeNil())

			got, err := str.Order(order.ID)
			Expect(err).Should(BeNil())
			Expect(got.Status).Should(Equal(model.OrderPartiallyFilled))
			Expect(got.FilledAmount).Should(Equal("300"))
			Expect(got.FilledPercentage).Should(Equal(30.0))
			Expect(got.Fills).Should(HaveLen(1))
			Expect(got.Fills[0].ID).Should(Equal("fill-1"))
			Expect(got.Fills[0].Status).Should(Equal(model.FillDestinationCreated))
			Expect(got.Fills[0].TxRefs.DestinationEscrowID).Should(Equal("escrow-1"))
		})

		It("should update a fill in place rather than duplicating it", func() {
			order := sampleOrder("order-1", "0xmaker")
			Expect(str.CreateOrder(order)).Should(BeNil())

			fill := model.Fill{
				ID:      "fill-1",
				OrderID: order.ID,
				Amount:  "1000",
				Status:  model.FillDestinationCreated,
			}
			order.Fills = []model.Fill{fill}
			Expect(str.UpdateOrder(order)).Should(BeNil())

			fill.Status = model.FillCompleted
			fill.TxRefs = model.TxRefs{SourceTxHash: "0xabc"}
			order.Fills = []model.Fill{fill}
			Expect(str.UpdateOrder(order)).Should(BeNil())

			got, err := str.Order(order.ID)
			Expect(err).Should(BeNil())
			Expect(got.Fills).Should(HaveLen(1))
			Expect(got.Fills[0].Status).Should(Equal(model.FillCompleted))
			Expect(got.Fills[0].TxRefs.SourceTxHash).Should(Equal("0xabc"))
		})

		It("should reject updates to unknown orders", func() {
			err := str.UpdateOrder(sampleOrder("ghost", "0xmaker"))
			Expect(err).Should(MatchError(ledger.ErrOrderNotFound))
		})
	})

	Context("Queries", func() {
		It("should filter by maker", func() {
			Expect(str.CreateOrder(sampleOrder("order-1", "0xalice"))).Should(BeNil())
			Expect(str.CreateOrder(sampleOrder("order-2", "0xbob"))).Should(BeNil())
			Expect(str.CreateOrder(sampleOrder("order-3", "0xalice"))).Should(BeNil())

			orders, err := str.OrdersByMaker("0xalice")
			Expect(err).Should(BeNil())
			Expect(orders).Should(HaveLen(2))
			Expect(orders[0].ID).Should(Equal("order-1"))
			Expect(orders[1].ID).Should(Equal("order-3"))
		})

		It("should list only non-terminal orders as active", func() {
			pending := sampleOrder("order-1", "0xmaker")
			Expect(str.CreateOrder(pending)).Should(BeNil())

			partial := sampleOrder("order-2", "0xmaker")
			Expect(str.CreateOrder(partial)).Should(BeNil())
			partial.Status = model.OrderPartiallyFilled
			Expect(str.UpdateOrder(partial)).Should(BeNil())

			done := sampleOrder("order-3", "0xmaker")
			Expect(str.CreateOrder(done)).Should(BeNil())
			done.Status = model.OrderFilled
			Expect(str.UpdateOrder(done)).Should(BeNil())

			cancelled := sampleOrder("order-4", "0xmaker")
			Expect(str.CreateOrder(cancelled)).Should(BeNil())
			cancelled.Status = model.OrderCancelled
			Expect(str.UpdateOrder(cancelled)).Should(BeNil())

			active, err := str.ActiveOrders()
			Expect(err).Should(BeNil())
			Expect(active).Should(HaveLen(2))
			Expect(active[0].ID).Should(Equal("order-1"))
			Expect(active[1].ID).Should(Equal("order-2"))
		})

		It("should list orders whose fills are still in flight as unsettled", func() {
			inFlight := sampleOrder("order-1", "0xmaker")
			Expect(str.CreateOrder(inFlight)).Should(BeNil())
			// Fully committed order: FILLED, but its swap has not settled.
			inFlight.Status = model.OrderFilled
			inFlight.Fills = []model.Fill{{
				ID:      "fill-1",
				OrderID: inFlight.ID,
				Amount:  "1000",
				Status:  model.FillDestinationCreated,
			}}
			Expect(str.UpdateOrder(inFlight)).Should(BeNil())

			settled := sampleOrder("order-2", "0xmaker")
			Expect(str.CreateOrder(settled)).Should(BeNil())
			settled.Status = model.OrderFilled
			settled.Fills = []model.Fill{{
				ID:      "fill-2",
				OrderID: settled.ID,
				Amount:  "1000",
				Status:  model.FillCompleted,
			}}
			Expect(str.UpdateOrder(settled)).Should(BeNil())

			untouched := sampleOrder("order-3", "0xmaker")
			Expect(str.CreateOrder(untouched)).Should(BeNil())

			unsettled, err := str.UnsettledOrders()
			Expect(err).Should(BeNil())
			Expect(unsettled).Should(HaveLen(1))
			Expect(unsettled[0].ID).Should(Equal("order-1"))
		})
	})
})
