package rpc

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// socket streams ledger events to the client, newest first from the moment
// of subscription. A ?order=<id> query narrows the feed to a single order.
func (s *Server) socket() gin.HandlerFunc {
	return func(c *gin.Context) {
		ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("failed to upgrade to websocket %v", err)})
			return
		}
		defer func() {
			ws.Close()
		}()

		orderID := c.Query("order")
		events, unsubscribe := s.bus.Subscribe(64)
		defer unsubscribe()

		// Drain the read side so close frames are processed.
		done := make(chan struct{})
		go func() {
			defer close(done)
			for {
				if _, _, err := ws.ReadMessage(); err != nil {
					return
				}
			}
		}()

		for {
			select {
			case event, ok := <-events:
				if !ok {
					return
				}
				if orderID != "" && event.OrderID != orderID {
					continue
				}
				if err := ws.WriteJSON(event); err != nil {
					s.logger.Debug("failed to write message", zap.Error(err))
					return
				}
			case <-done:
				return
			}
		}
	}
}
