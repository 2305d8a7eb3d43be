package store

import (
	"sync"

	"github.com/ferryfi/ferry/pkg/ledger"
	"github.com/ferryfi/ferry/pkg/model"
)

type memory struct {
	mu      sync.RWMutex
	orders  map[string]model.Order
	byMaker map[string][]string
}

// NewMemory returns an in-process store. Orders are deep copied on the way in
// and out so callers never share fill slices with the store.
func NewMemory() ledger.Store {
	return &memory{
		orders:  map[string]model.Order{},
		byMaker: map[string][]string{},
	}
}

func (m *memory) CreateOrder(order model.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orders[order.ID] = clone(order)
	m.byMaker[order.Maker] = append(m.byMaker[order.Maker], order.ID)
	return nil
}

func (m *memory) UpdateOrder(order model.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.orders[order.ID]; !ok {
		return ledger.ErrOrderNotFound
	}
	m.orders[order.ID] = clone(order)
	return nil
}

func (m *memory) Order(id string) (model.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	order, ok := m.orders[id]
	if !ok {
		return model.Order{}, ledger.ErrOrderNotFound
	}
	return clone(order), nil
}

func (m *memory) OrdersByMaker(maker string) ([]model.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := m.byMaker[maker]
	orders := make([]model.Order, 0, len(ids))
	for _, id := range ids {
		orders = append(orders, clone(m.orders[id]))
	}
	return orders, nil
}

func (m *memory) ActiveOrders() ([]model.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var orders []model.Order
	for _, order := range m.orders {
		if !order.Status.Terminal() {
			orders = append(orders, clone(order))
		}
	}
	return orders, nil
}

func (m *memory) UnsettledOrders() ([]model.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var orders []model.Order
	for _, order := range m.orders {
		for _, fill := range order.Fills {
			if !fill.Status.Terminal() {
				orders = append(orders, clone(order))
				break
			}
		}
	}
	return orders, nil
}

func clone(order model.Order) model.Order {
	out := order
	out.Fills = append([]model.Fill{}, order.Fills...)
	if order.SecretSet != nil {
		set := *order.SecretSet
		out.SecretSet = &set
	}
	if order.Auction != nil {
		auction := *order.Auction
		out.Auction = &auction
	}
	return out
}
