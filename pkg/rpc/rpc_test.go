package rpc_test

import (
	"bytes"
	"crypto/ecdsa"
	"encoding/json"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gorilla/websocket"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	siwe "github.com/spruceid/siwe-go"

	"github.com/ferryfi/ferry/pkg/model"
	"github.com/ferryfi/ferry/pkg/rpcclient"
	"github.com/ferryfi/ferry/pkg/transport"
)

// login walks the SIWE exchange: fetch a nonce, sign the message, trade it
// for a session token.
func login(key *ecdsa.PrivateKey, address string) string {
	resp, err := http.Get("http://" + serverAddr + "/nonce")
	Expect(err).Should(BeNil())
	defer resp.Body.Close()
	var nonceBody struct {
		Nonce string `json:"nonce"`
	}
	Expect(json.NewDecoder(resp.Body).Decode(&nonceBody)).Should(BeNil())

	message, err := siwe.InitMessage("ferry.example", address, "https://ferry.example", nonceBody.Nonce, map[string]interface{}{
		"statement": "Sign in to ferry",
		"chainId":   1,
		"issuedAt":  time.Now().UTC().Format(time.RFC3339),
	})
	Expect(err).Should(BeNil())

	signature, err := crypto.Sign(accounts.TextHash([]byte(message.String())), key)
	Expect(err).Should(BeNil())
	signature[64] += 27

	body, err := json.Marshal(map[string]string{
		"message":   message.String(),
		"signature": hexutil.Encode(signature),
	})
	Expect(err).Should(BeNil())
	verifyResp, err := http.Post("http://"+serverAddr+"/verify", "application/json", bytes.NewReader(body))
	Expect(err).Should(BeNil())
	defer verifyResp.Body.Close()
	Expect(verifyResp.StatusCode).Should(Equal(http.StatusOK))
	var tokenBody struct {
		Token string `json:"token"`
	}
	Expect(json.NewDecoder(verifyResp.Body).Decode(&tokenBody)).Should(BeNil())
	Expect(tokenBody.Token).ShouldNot(BeEmpty())
	return tokenBody.Token
}

var _ = Describe("RPC server", func() {
	var client rpcclient.Client

	BeforeEach(func() {
		client = rpcclient.New("http://" + serverAddr)
	})

	Context("Order submission and queries", func() {
		It("should accept a signed intent and serve it back", func() {
			key, maker := newMaker()
			order, err := client.CreateOrder(usdcIntent(key, maker, 1))
			Expect(err).Should(BeNil())
			Expect(order.ID).ShouldNot(BeEmpty())
			Expect(order.Status).Should(Equal(model.OrderPending))

			got, err := client.GetOrder(order.ID)
			Expect(err).Should(BeNil())
			Expect(got.ID).Should(Equal(order.ID))
			Expect(got.FromAmount).Should(Equal("1000"))

			mine, err := client.GetOrdersByMaker(order.Maker)
			Expect(err).Should(BeNil())
			Expect(mine).Should(HaveLen(1))

			active, err := client.GetActiveOrders()
			Expect(err).Should(BeNil())
			ids := make([]string, 0, len(active))
			for _, o := range active {
				ids = append(ids, o.ID)
			}
			Expect(ids).Should(ContainElement(order.ID))
		})

		It("should reject a tampered intent", func() {
			key, maker := newMaker()
			intent := usdcIntent(key, maker, 2)
			intent.FromAmount = "999999"
			_, err := client.CreateOrder(intent)
			Expect(err).ShouldNot(BeNil())
			Expect(err.Error()).Should(ContainSubstring("invalid signature"))
		})

		It("should return not found for unknown orders", func() {
			_, err := client.GetOrder("ghost")
			Expect(err).ShouldNot(BeNil())
			Expect(err.Error()).Should(ContainSubstring("order not found"))
		})
	})

	Context("Session auth", func() {
		It("should refuse cancellation without a session", func() {
			key, maker := newMaker()
			order, err := client.CreateOrder(usdcIntent(key, maker, 1))
			Expect(err).Should(BeNil())

			err = client.CancelOrder(order.ID)
			Expect(err).ShouldNot(BeNil())
			Expect(err.Error()).Should(ContainSubstring("Unauthorized"))
		})

		It("should cancel after a SIWE login", func() {
			key, maker := newMaker()
			order, err := client.CreateOrder(usdcIntent(key, maker, 1))
			Expect(err).Should(BeNil())

			client.SetToken(login(key, maker))
			Expect(client.CancelOrder(order.ID)).Should(BeNil())

			got, err := client.GetOrder(order.ID)
			Expect(err).Should(BeNil())
			Expect(got.Status).Should(Equal(model.OrderCancelled))
		})

		It("should not let a stranger cancel someone else's order", func() {
			key, maker := newMaker()
			order, err := client.CreateOrder(usdcIntent(key, maker, 1))
			Expect(err).Should(BeNil())

			strangerKey, stranger := newMaker()
			client.SetToken(login(strangerKey, stranger))
			err = client.CancelOrder(order.ID)
			Expect(err).ShouldNot(BeNil())
			Expect(err.Error()).Should(ContainSubstring("not the order maker"))
		})
	})

	Context("Secret reveal", func() {
		It("should publish the reveal on the event feed", func() {
			key, maker := newMaker()
			order, err := client.CreateOrder(usdcIntent(key, maker, 1))
			Expect(err).Should(BeNil())

			events, unsub := testBus.Subscribe(16)
			defer unsub()

			Expect(client.RevealSecret(order.ID, "0xdeadbeef")).Should(BeNil())

			var got transport.Event
			Eventually(events, "2s").Should(Receive(&got))
			Expect(got.Name).Should(Equal(transport.SecretReveal))
			Expect(got.OrderID).Should(Equal(order.ID))
		})

		It("should reject reveals for unknown orders", func() {
			err := client.RevealSecret("ghost", "0xdeadbeef")
			Expect(err).ShouldNot(BeNil())
			Expect(err.Error()).Should(ContainSubstring("order not found"))
		})
	})

	Context("Retrying orders", func() {
		It("should re-announce a live order on the feed", func() {
			key, maker := newMaker()
			order, err := client.CreateOrder(usdcIntent(key, maker, 1))
			Expect(err).Should(BeNil())

			events, unsub := testBus.Subscribe(16)
			defer unsub()

			Expect(client.RetryOrder(order.ID)).Should(BeNil())

			var got transport.Event
			Eventually(events, "2s").Should(Receive(&got))
			Expect(got.Name).Should(Equal(transport.OrderNew))
			Expect(got.OrderID).Should(Equal(order.ID))
		})

		It("should refuse terminal orders", func() {
			key, maker := newMaker()
			order, err := client.CreateOrder(usdcIntent(key, maker, 1))
			Expect(err).Should(BeNil())
			client.SetToken(login(key, maker))
			Expect(client.CancelOrder(order.ID)).Should(BeNil())

			err = client.RetryOrder(order.ID)
			Expect(err).ShouldNot(BeNil())
			Expect(err.Error()).Should(ContainSubstring("not fillable"))
		})
	})

	Context("Websocket feed", func() {
		It("should stream events filtered by order", func() {
			conn, _, err := websocket.DefaultDialer.Dial("ws://"+serverAddr+"/ws?order=ws-order-1", nil)
			Expect(err).Should(BeNil())
			defer conn.Close()
			conn.SetReadDeadline(time.Now().Add(5 * time.Second))

			// Give the handler a moment to register its bus subscription.
			time.Sleep(200 * time.Millisecond)

			testBus.Publish(transport.Event{Name: transport.OrderNew, OrderID: "ws-order-2"})
			testBus.Publish(transport.Event{Name: transport.OrderNew, OrderID: "ws-order-1"})

			var got transport.Event
			Expect(conn.ReadJSON(&got)).Should(BeNil())
			Expect(got.Name).Should(Equal(transport.OrderNew))
			Expect(got.OrderID).Should(Equal("ws-order-1"))
		})
	})
})
