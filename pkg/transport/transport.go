// Package transport carries the order lifecycle and swap handshake events
// between the ledger, resolvers and any outward-facing adapter (websocket
// feed, message bus). The ledger only ever sees the Bus interface, so it
// stays transport agnostic.
package transport

import (
	"sync"
	"time"
)

// Order lifecycle events.
const (
	OrderNew         = "order:new"
	OrderFill        = "order:fill"
	FillStatusUpdate = "fill:statusUpdate"
	OrderCancelled   = "order:cancelled"
	OrderExpired     = "order:expired"
	OrderError       = "order:error"
)

// Swap handshake events.
const (
	EscrowDestinationCreated = "escrow:destination:created"
	EscrowSourceCreated      = "escrow:source:created"
	SecretRequest            = "secret:request"
	SecretReveal             = "secret:reveal"
	SwapCompleted            = "swap:completed"
)

// EscrowPayload announces an escrow one party created for an order, so the
// counterparty can create (or verify) the matching leg.
type EscrowPayload struct {
	OrderID    string `json:"orderId"`
	FillID     string `json:"fillId"`
	EscrowID   string `json:"escrowId"`
	Chain      string `json:"chain"`
	SecretHash string `json:"secretHash"`
}

// SecretRequestPayload asks the maker to reveal the pre-image of a fill.
type SecretRequestPayload struct {
	OrderID    string `json:"orderId"`
	FillID     string `json:"fillId"`
	SecretHash string `json:"secretHash"`
}

// SecretRevealPayload carries a revealed pre-image, hex encoded.
type SecretRevealPayload struct {
	OrderID string `json:"orderId"`
	Secret  string `json:"secret"`
}

// Event is the envelope published on the bus.
type Event struct {
	Name    string      `json:"name"`
	OrderID string      `json:"orderId,omitempty"`
	Payload interface{} `json:"payload,omitempty"`
	At      time.Time   `json:"at"`
}

// Bus is a bidirectional pub/sub channel. Subscribe returns a receive channel
// and an unsubscribe func; a subscriber that stops draining loses events
// rather than blocking publishers.
type Bus interface {
	Publish(event Event)
	Subscribe(buffer int) (<-chan Event, func())
}

type memoryBus struct {
	mu   sync.Mutex
	subs map[int]chan Event
	next int
}

// NewMemoryBus returns an in-process Bus. It is the reference transport for a
// single-process deployment; the websocket adapter bridges it outward.
func NewMemoryBus() Bus {
	return &memoryBus{subs: map[int]chan Event{}}
}

func (b *memoryBus) Publish(event Event) {
	if event.At.IsZero() {
		event.At = time.Now()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.subs {
		select {
		case sub <- event:
		default:
		}
	}
}

func (b *memoryBus) Subscribe(buffer int) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.next
	b.next++
	ch := make(chan Event, buffer)
	b.subs[id] = ch
	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
	}
}
