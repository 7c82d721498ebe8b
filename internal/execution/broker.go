// Package execution sends orders to a broker and journals what happened to
// them. Brokers return as soon as an order is accepted for sending; every
// later state change arrives as an order.StatusUpdate through the
// registered StatusSink.
package execution

import (
	"context"
	"errors"
	"fmt"

	"trading-console/internal/model"
	"trading-console/internal/order"
)

// ErrBrokerClosed is returned by a broker that has been shut down.
var ErrBrokerClosed = errors.New("broker closed")

// OrderRequest is a limit order to place.
type OrderRequest struct {
	ClientRef  string     `json:"client_ref"`
	Symbol     string     `json:"symbol"`
	Side       model.Side `json:"side"`
	Quantity   int64      `json:"quantity"`
	LimitPrice float64    `json:"limit_price"`
}

// Validate checks the request before it reaches a broker.
func (r OrderRequest) Validate() error {
	if r.Symbol == "" {
		return fmt.Errorf("order request: empty symbol")
	}
	if r.Side != model.SideBuy && r.Side != model.SideSell {
		return fmt.Errorf("order request: invalid side %q", r.Side)
	}
	if r.Quantity <= 0 {
		return fmt.Errorf("order request: quantity must be positive, got %d", r.Quantity)
	}
	if r.LimitPrice <= 0 {
		return fmt.Errorf("order request: limit price must be positive, got %v", r.LimitPrice)
	}
	return nil
}

// StatusSink receives broker order-status callbacks.
type StatusSink func(order.StatusUpdate)

// Broker places and cancels orders. Implementations must not block on the
// order's execution.
type Broker interface {
	PlaceOrder(ctx context.Context, req OrderRequest) (orderID string, err error)
	CancelOrder(ctx context.Context, orderID string) error
	SetStatusSink(sink StatusSink)
}
