package rpc

import (
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/ferryfi/ferry/pkg/ledger"
	"github.com/ferryfi/ferry/pkg/model"
	"github.com/ferryfi/ferry/pkg/transport"
)

var (
	errBadParams    = errors.New("invalid params")
	errUnauthorized = errors.New("unauthorized")
)

// Call carries the per-request dependencies into a method handler.
// AuthWallet is the lowercased wallet from a verified session token, empty
// for anonymous calls.
type Call struct {
	Book       Book
	Bus        transport.Bus
	Logger     *zap.Logger
	AuthWallet string
}

type Method interface {
	Name() string
	Query(call *Call, params json.RawMessage) (json.RawMessage, error)
}

type createOrder struct{}

func (createOrder) Name() string { return "createOrder" }

func (createOrder) Query(call *Call, params json.RawMessage) (json.RawMessage, error) {
	var intent model.SignedOrderIntent
	if err := json.Unmarshal(params, &intent); err != nil {
		return nil, fmt.Errorf("%w: %v", errBadParams, err)
	}
	order, err := call.Book.CreateOrder(intent)
	if err != nil {
		return nil, err
	}
	return json.Marshal(order)
}

type getOrder struct{}

func (getOrder) Name() string { return "getOrder" }

func (getOrder) Query(call *Call, params json.RawMessage) (json.RawMessage, error) {
	var req struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(params, &req); err != nil {
		return nil, fmt.Errorf("%w: %v", errBadParams, err)
	}
	order, err := call.Book.Order(req.ID)
	if err != nil {
		return nil, err
	}
	return json.Marshal(order)
}

type getOrdersByMaker struct{}

func (getOrdersByMaker) Name() string { return "getOrdersByMaker" }

func (getOrdersByMaker) Query(call *Call, params json.RawMessage) (json.RawMessage, error) {
	var req struct {
		Maker string `json:"maker"`
	}
	if err := json.Unmarshal(params, &req); err != nil {
		return nil, fmt.Errorf("%w: %v", errBadParams, err)
	}
	orders, err := call.Book.OrdersByMaker(req.Maker)
	if err != nil {
		return nil, err
	}
	return json.Marshal(orders)
}

type getActiveOrders struct{}

func (getActiveOrders) Name() string { return "getActiveOrders" }

func (getActiveOrders) Query(call *Call, _ json.RawMessage) (json.RawMessage, error) {
	orders, err := call.Book.ActiveOrders()
	if err != nil {
		return nil, err
	}
	return json.Marshal(orders)
}

type cancelOrder struct{}

func (cancelOrder) Name() string { return "cancelOrder" }

// Cancellation is the one call whose params carry no proof of identity, so
// it requires a verified session and uses the session wallet as requester.
func (cancelOrder) Query(call *Call, params json.RawMessage) (json.RawMessage, error) {
	if call.AuthWallet == "" {
		return nil, fmt.Errorf("%w: cancelOrder requires a session token", errUnauthorized)
	}
	var req struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(params, &req); err != nil {
		return nil, fmt.Errorf("%w: %v", errBadParams, err)
	}
	if err := call.Book.CancelOrder(req.ID, call.AuthWallet); err != nil {
		return nil, err
	}
	return json.Marshal(true)
}

type createFill struct{}

func (createFill) Name() string { return "createFill" }

func (createFill) Query(call *Call, params json.RawMessage) (json.RawMessage, error) {
	var req struct {
		OrderID        string  `json:"orderId"`
		Resolver       string  `json:"resolver"`
		Amount         string  `json:"amount"`
		FillPercentage float64 `json:"fillPercentage"`
		SecretHash     string  `json:"secretHash"`
		SecretIndex    int     `json:"secretIndex"`
	}
	if err := json.Unmarshal(params, &req); err != nil {
		return nil, fmt.Errorf("%w: %v", errBadParams, err)
	}
	fill, err := call.Book.CreateFill(req.OrderID, ledger.FillSpec{
		Resolver:       req.Resolver,
		Amount:         req.Amount,
		FillPercentage: req.FillPercentage,
		SecretHash:     req.SecretHash,
		SecretIndex:    req.SecretIndex,
	})
	if err != nil {
		return nil, err
	}
	return json.Marshal(fill)
}

type updateFillStatus struct{}

func (updateFillStatus) Name() string { return "updateFillStatus" }

func (updateFillStatus) Query(call *Call, params json.RawMessage) (json.RawMessage, error) {
	var req struct {
		OrderID string        `json:"orderId"`
		FillID  string        `json:"fillId"`
		Status  string        `json:"status"`
		TxRefs  *model.TxRefs `json:"txRefs,omitempty"`
	}
	if err := json.Unmarshal(params, &req); err != nil {
		return nil, fmt.Errorf("%w: %v", errBadParams, err)
	}
	if err := call.Book.UpdateFillStatus(req.OrderID, req.FillID, model.FillStatus(req.Status), req.TxRefs); err != nil {
		return nil, err
	}
	return json.Marshal(true)
}

type retryOrder struct{}

func (retryOrder) Name() string { return "retryOrder" }

// retryOrder re-announces a live order so listening resolvers evaluate it
// again, typically after a failed fill released its slice.
func (retryOrder) Query(call *Call, params json.RawMessage) (json.RawMessage, error) {
	var req struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(params, &req); err != nil {
		return nil, fmt.Errorf("%w: %v", errBadParams, err)
	}
	order, err := call.Book.Order(req.ID)
	if err != nil {
		return nil, err
	}
	if order.Status.Terminal() {
		return nil, fmt.Errorf("%w: order is %v", ledger.ErrOrderNotFillable, order.Status)
	}
	call.Bus.Publish(transport.Event{
		Name:    transport.OrderNew,
		OrderID: order.ID,
		Payload: order,
	})
	call.Logger.Debug("order re-announced", zap.String("order", order.ID))
	return json.Marshal(true)
}

type revealSecret struct{}

func (revealSecret) Name() string { return "revealSecret" }

// revealSecret forwards a maker's pre-image to whatever coordinator is
// waiting on it. The ledger never stores unverified secrets, they only
// transit the bus.
func (revealSecret) Query(call *Call, params json.RawMessage) (json.RawMessage, error) {
	var req transport.SecretRevealPayload
	if err := json.Unmarshal(params, &req); err != nil {
		return nil, fmt.Errorf("%w: %v", errBadParams, err)
	}
	if req.OrderID == "" || req.Secret == "" {
		return nil, fmt.Errorf("%w: orderId and secret are required", errBadParams)
	}
	if _, err := call.Book.Order(req.OrderID); err != nil {
		return nil, err
	}
	call.Bus.Publish(transport.Event{
		Name:    transport.SecretReveal,
		OrderID: req.OrderID,
		Payload: req,
	})
	call.Logger.Debug("secret revealed", zap.String("order", req.OrderID))
	return json.Marshal(true)
}
