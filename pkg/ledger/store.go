package ledger

import "github.com/ferryfi/ferry/pkg/model"

// Store persists order aggregates. Orders are never physically deleted, they
// only reach a terminal status. Implementations must return the order with
// its full fill list; the ledger recomputes derived fields from that list on
// every mutation.
//
// The ledger serializes all writes per order id, so a Store does not need its
// own per-order locking beyond ordinary data race safety.
type Store interface {
	// CreateOrder inserts a new order aggregate.
	CreateOrder(order model.Order) error

	// UpdateOrder replaces the stored aggregate of order.ID.
	UpdateOrder(order model.Order) error

	// Order returns the aggregate of the given id, or ErrOrderNotFound.
	Order(id string) (model.Order, error)

	// OrdersByMaker returns every order the maker has submitted.
	OrdersByMaker(maker string) ([]model.Order, error)

	// ActiveOrders returns orders in a non-terminal status.
	ActiveOrders() ([]model.Order, error)

	// UnsettledOrders returns orders carrying at least one fill that has
	// neither completed nor failed, whatever the order status. A fully
	// committed order is FILLED while its swap is still in flight.
	UnsettledOrders() ([]model.Order, error)
}
