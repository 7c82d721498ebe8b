package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of an order.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Sign returns +1 for buys and -1 for sells.
func (s Side) Sign() int64 {
	if s == SideSell {
		return -1
	}
	return 1
}

// ParseSide accepts "buy"/"sell" in any case.
func ParseSide(s string) (Side, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "BUY":
		return SideBuy, nil
	case "SELL":
		return SideSell, nil
	}
	return "", fmt.Errorf("invalid side %q", s)
}

// OrderStatus is a lifecycle state of an order.
type OrderStatus string

const (
	StatusSubmitted       OrderStatus = "submitted"
	StatusAcknowledged    OrderStatus = "acknowledged"
	StatusPartiallyFilled OrderStatus = "partially_filled"
	StatusFilled          OrderStatus = "filled"
	StatusCancelled       OrderStatus = "cancelled"
	StatusRejected        OrderStatus = "rejected"
)

// Terminal reports whether no further transitions are possible.
func (s OrderStatus) Terminal() bool {
	return s == StatusFilled || s == StatusCancelled || s == StatusRejected
}

// Order is a single limit order and its broker-reported execution state.
type Order struct {
	ID        string `json:"id"`         // broker order id
	ClientRef string `json:"client_ref"` // local correlation id
	Side      Side   `json:"side"`
	Symbol    string `json:"symbol"`

	Quantity   int64   `json:"quantity"`
	LimitPrice float64 `json:"limit_price"`

	Status         OrderStatus `json:"status"`
	FilledQuantity int64       `json:"filled_quantity"`
	AvgFillPrice   float64     `json:"average_fill_price"`
	Commission     float64     `json:"commission"` // cumulative, as reported

	SubmittedAt        time.Time `json:"submitted_at"`
	LastStatusChangeAt time.Time `json:"last_status_change_at"`
}

// Remaining returns the unfilled quantity.
func (o *Order) Remaining() int64 {
	return o.Quantity - o.FilledQuantity
}

// FillEvent is the position change caused by one order transition. Quantity,
// Price and Commission describe only the delta since the previous
// transition of the same order.
type FillEvent struct {
	OrderID    string          `json:"order_id"`
	Side       Side            `json:"side"`
	Quantity   int64           `json:"quantity"`
	Price      decimal.Decimal `json:"price"`
	Commission decimal.Decimal `json:"commission"`
	At         time.Time       `json:"at"`
}

// SignedQuantity returns the fill quantity with the side's sign applied.
func (f *FillEvent) SignedQuantity() int64 {
	return f.Quantity * f.Side.Sign()
}
