package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Position is the single tracked position of the console's symbol.
// AvgCost is null whenever Quantity is zero.
type Position struct {
	Symbol          string              `json:"symbol"`
	Quantity        int64               `json:"quantity"` // positive = long, negative = short
	AvgCost         decimal.NullDecimal `json:"avg_cost"`
	LastPrice       decimal.Decimal     `json:"last_price"`
	RealizedPnL     decimal.Decimal     `json:"realized_pnl"`
	UnrealizedPnL   decimal.Decimal     `json:"unrealized_pnl"`
	CommissionTotal decimal.Decimal     `json:"commission_total"`
	UpdatedAt       time.Time           `json:"updated_at"`
}

// Flat reports whether no shares are held.
func (p *Position) Flat() bool {
	return p.Quantity == 0
}

// CostBasis returns |quantity| * average cost, zero when flat.
func (p *Position) CostBasis() decimal.Decimal {
	if !p.AvgCost.Valid {
		return decimal.Zero
	}
	return p.AvgCost.Decimal.Mul(decimal.NewFromInt(p.Quantity).Abs())
}

// MarketValue returns quantity * last price (negative for shorts).
func (p *Position) MarketValue() decimal.Decimal {
	return p.LastPrice.Mul(decimal.NewFromInt(p.Quantity))
}

// TotalPnL returns realized + unrealized, before commission.
func (p *Position) TotalPnL() decimal.Decimal {
	return p.RealizedPnL.Add(p.UnrealizedPnL)
}

// NetPnL returns realized PnL after commission.
func (p *Position) NetPnL() decimal.Decimal {
	return p.RealizedPnL.Sub(p.CommissionTotal)
}
