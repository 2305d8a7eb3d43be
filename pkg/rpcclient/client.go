package rpcclient

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/ferryfi/ferry/pkg/ledger"
	"github.com/ferryfi/ferry/pkg/model"
	"github.com/ferryfi/ferry/pkg/rpc"
	"github.com/ferryfi/ferry/pkg/transport"
)

// Client talks JSON-RPC to a running ferry daemon. Result payloads are
// returned raw so callers decide what to decode.
type Client interface {
	CreateOrder(intent model.SignedOrderIntent) (model.Order, error)
	GetOrder(id string) (model.Order, error)
	GetOrdersByMaker(maker string) ([]model.Order, error)
	GetActiveOrders() ([]model.Order, error)
	CancelOrder(id string) error
	CreateFill(orderID string, spec ledger.FillSpec) (model.Fill, error)
	UpdateFillStatus(orderID, fillID string, status model.FillStatus, txRefs *model.TxRefs) error
	RetryOrder(id string) error
	RevealSecret(orderID, secret string) error
	SetToken(token string)
}

type client struct {
	url   string
	token string
	http  *http.Client
}

func New(url string) Client {
	return &client{
		url:  url,
		http: http.DefaultClient,
	}
}

// SetToken attaches the session token from a /verify exchange to subsequent
// calls.
func (c *client) SetToken(token string) {
	c.token = token
}

// sendPostRequest sends the marshalled JSON-RPC command using HTTP-POST mode
// and returns either the result field or the error field depending on
// whether or not there is an error.
func (c *client) sendPostRequest(method string, params interface{}) (json.RawMessage, error) {
	jsonData, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}
	payload := rpc.Request{
		Version: "2.0",
		Method:  method,
		Params:  json.RawMessage(jsonData),
	}
	marshalledJSON, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}

	httpRequest, err := http.NewRequest("POST", c.url, bytes.NewReader(marshalledJSON))
	if err != nil {
		return nil, err
	}
	httpRequest.Close = true
	httpRequest.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		httpRequest.Header.Set("Authorization", "Bearer "+c.token)
	}

	httpResponse, err := c.http.Do(httpRequest)
	if err != nil {
		return nil, err
	}
	respBytes, err := io.ReadAll(httpResponse.Body)
	httpResponse.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("error reading json reply: %v", err)
	}

	var resp rpc.Response
	if err := json.Unmarshal(respBytes, &resp); err != nil {
		if httpResponse.StatusCode < 200 || httpResponse.StatusCode >= 300 {
			return nil, fmt.Errorf("%d %s", httpResponse.StatusCode,
				http.StatusText(httpResponse.StatusCode))
		}
		return nil, err
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("%s: %s", resp.Error.Message, resp.Error.Data)
	}
	return resp.Result, nil
}

func (c *client) CreateOrder(intent model.SignedOrderIntent) (model.Order, error) {
	var order model.Order
	resp, err := c.sendPostRequest("createOrder", intent)
	if err != nil {
		return order, fmt.Errorf("failed to send request: %w", err)
	}
	err = json.Unmarshal(resp, &order)
	return order, err
}

func (c *client) GetOrder(id string) (model.Order, error) {
	var order model.Order
	resp, err := c.sendPostRequest("getOrder", map[string]string{"id": id})
	if err != nil {
		return order, fmt.Errorf("failed to send request: %w", err)
	}
	err = json.Unmarshal(resp, &order)
	return order, err
}

func (c *client) GetOrdersByMaker(maker string) ([]model.Order, error) {
	resp, err := c.sendPostRequest("getOrdersByMaker", map[string]string{"maker": maker})
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	var orders []model.Order
	err = json.Unmarshal(resp, &orders)
	return orders, err
}

func (c *client) GetActiveOrders() ([]model.Order, error) {
	resp, err := c.sendPostRequest("getActiveOrders", struct{}{})
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	var orders []model.Order
	err = json.Unmarshal(resp, &orders)
	return orders, err
}

func (c *client) CancelOrder(id string) error {
	_, err := c.sendPostRequest("cancelOrder", map[string]string{"id": id})
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	return nil
}

func (c *client) CreateFill(orderID string, spec ledger.FillSpec) (model.Fill, error) {
	var fill model.Fill
	resp, err := c.sendPostRequest("createFill", map[string]interface{}{
		"orderId":        orderID,
		"resolver":       spec.Resolver,
		"amount":         spec.Amount,
		"fillPercentage": spec.FillPercentage,
		"secretHash":     spec.SecretHash,
		"secretIndex":    spec.SecretIndex,
	})
	if err != nil {
		return fill, fmt.Errorf("failed to send request: %w", err)
	}
	err = json.Unmarshal(resp, &fill)
	return fill, err
}

func (c *client) UpdateFillStatus(orderID, fillID string, status model.FillStatus, txRefs *model.TxRefs) error {
	_, err := c.sendPostRequest("updateFillStatus", map[string]interface{}{
		"orderId": orderID,
		"fillId":  fillID,
		"status":  string(status),
		"txRefs":  txRefs,
	})
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	return nil
}

func (c *client) RetryOrder(id string) error {
	_, err := c.sendPostRequest("retryOrder", map[string]string{"id": id})
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	return nil
}

func (c *client) RevealSecret(orderID, secret string) error {
	_, err := c.sendPostRequest("revealSecret", transport.SecretRevealPayload{
		OrderID: orderID,
		Secret:  secret,
	})
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	return nil
}
