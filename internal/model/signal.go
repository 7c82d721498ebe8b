package model

import "time"

// SignalValue is the trading direction suggested to the operator.
type SignalValue string

const (
	SignalBuy  SignalValue = "buy"
	SignalSell SignalValue = "sell"
	SignalHold SignalValue = "hold"
)

// Signal is the latest directional read on the market.
type Signal struct {
	Value     SignalValue `json:"value"`
	Strength  float64     `json:"strength"` // 0-100
	Price     float64     `json:"price"`
	DerivedAt time.Time   `json:"derived_at"`
}

// Quote is the latest top-of-book for the console's symbol.
type Quote struct {
	Bid  float64   `json:"bid"`
	Ask  float64   `json:"ask"`
	Last float64   `json:"last"`
	At   time.Time `json:"at"`
}

// HasBook reports whether both sides of the book are known.
func (q *Quote) HasBook() bool {
	return q.Bid > 0 && q.Ask > 0
}
