// Package portfolio tracks the console's single position and its P&L.
//
// Money is held in decimal. Fills are the only source of truth once trading
// has started; the broker's position snapshot is used only to seed the
// tracker at startup.
package portfolio

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"trading-console/internal/metrics"
	"trading-console/internal/model"
)

// ErrReconcileIgnored is returned when a broker position snapshot arrives
// after fills have already been applied.
var ErrReconcileIgnored = errors.New("position reconcile ignored after fills")

// FlatHook is called once each time the position returns to zero.
type FlatHook func(model.Position)

// Tracker owns the Position. Safe for concurrent use.
type Tracker struct {
	mu     sync.RWMutex
	pos    model.Position
	fills  []model.FillEvent
	hooks  []FlatHook
	filled bool

	log  *slog.Logger
	prom *metrics.Metrics
}

// NewTracker creates a flat tracker for symbol.
func NewTracker(symbol string, log *slog.Logger, prom *metrics.Metrics) *Tracker {
	if log == nil {
		log = slog.Default()
	}
	return &Tracker{
		pos:   model.Position{Symbol: symbol},
		fills: make([]model.FillEvent, 0, 64),
		log:   log.With("component", "portfolio"),
		prom:  prom,
	}
}

// OnFlat registers a hook fired after a fill brings a non-zero position back
// to zero. Hooks run outside the tracker's lock.
func (t *Tracker) OnFlat(fn FlatHook) {
	t.mu.Lock()
	t.hooks = append(t.hooks, fn)
	t.mu.Unlock()
}

// ApplyFill applies one fill delta and returns the PnL it realized.
//
// Increases re-weight the average cost. Decreases realize
// closed · (price − avg) · sign, where sign is +1 for a long and −1 for a
// short. A fill larger than the open quantity closes the position and opens
// the remainder on the other side at the fill price. Commission is added as
// reported.
func (t *Tracker) ApplyFill(f model.FillEvent) decimal.Decimal {
	t.mu.Lock()
	realized, flat := t.applyLocked(f)
	pos := t.pos
	hooks := t.hooks
	t.mu.Unlock()

	t.observe(pos)
	if flat {
		t.log.Info("position flat", "realized_pnl", pos.RealizedPnL.String(), "commission", pos.CommissionTotal.String())
		for _, fn := range hooks {
			fn(pos)
		}
	}
	return realized
}

func (t *Tracker) applyLocked(f model.FillEvent) (decimal.Decimal, bool) {
	t.filled = true
	t.fills = append(t.fills, f)
	t.pos.CommissionTotal = t.pos.CommissionTotal.Add(f.Commission)
	if !f.At.IsZero() {
		t.pos.UpdatedAt = f.At
	}

	delta := f.SignedQuantity()
	if delta == 0 {
		return decimal.Zero, false
	}

	cur := t.pos.Quantity
	next := cur + delta
	realized := decimal.Zero

	switch {
	case cur == 0 || sameSign(cur, delta):
		t.pos.AvgCost = decimal.NewNullDecimal(weightedAvg(t.pos.AvgCost, cur, f.Price, delta))
	default:
		closed := min(abs(cur), abs(delta))
		sign := decimal.NewFromInt(signOf(cur))
		realized = decimal.NewFromInt(closed).Mul(f.Price.Sub(t.pos.AvgCost.Decimal)).Mul(sign)
		t.pos.RealizedPnL = t.pos.RealizedPnL.Add(realized)
		if next == 0 {
			t.pos.AvgCost = decimal.NullDecimal{}
		} else if !sameSign(cur, next) {
			t.pos.AvgCost = decimal.NewNullDecimal(f.Price)
		}
	}
	t.pos.Quantity = next

	if t.pos.LastPrice.IsZero() {
		t.pos.LastPrice = f.Price
	}
	t.markLocked()

	t.log.Info("fill applied",
		"order_id", f.OrderID, "side", f.Side, "qty", f.Quantity, "price", f.Price.String(),
		"commission", f.Commission.String(), "position", next, "realized", realized.String())
	return realized, cur != 0 && next == 0
}

// ApplyPriceTick marks the position to price.
func (t *Tracker) ApplyPriceTick(price decimal.Decimal, at time.Time) {
	if !price.IsPositive() {
		return
	}
	t.mu.Lock()
	t.pos.LastPrice = price
	if !at.IsZero() {
		t.pos.UpdatedAt = at
	}
	t.markLocked()
	pos := t.pos
	t.mu.Unlock()

	if t.prom != nil {
		t.prom.UnrealizedPnL.Set(pos.UnrealizedPnL.InexactFloat64())
	}
}

// markLocked recomputes unrealized PnL. Caller holds mu.
func (t *Tracker) markLocked() {
	if t.pos.Quantity == 0 || !t.pos.AvgCost.Valid || t.pos.LastPrice.IsZero() {
		t.pos.UnrealizedPnL = decimal.Zero
		return
	}
	t.pos.UnrealizedPnL = decimal.NewFromInt(t.pos.Quantity).Mul(t.pos.LastPrice.Sub(t.pos.AvgCost.Decimal))
}

// Reconcile seeds the position from the broker's snapshot. It only applies
// before the first fill; afterwards fills are authoritative and the
// snapshot is ignored with ErrReconcileIgnored.
func (t *Tracker) Reconcile(qty int64, avgCost decimal.Decimal, at time.Time) error {
	t.mu.Lock()
	if t.filled {
		t.mu.Unlock()
		t.log.Debug("broker position ignored", "qty", qty, "avg_cost", avgCost.String())
		return ErrReconcileIgnored
	}
	t.pos.Quantity = qty
	if qty == 0 {
		t.pos.AvgCost = decimal.NullDecimal{}
	} else {
		t.pos.AvgCost = decimal.NewNullDecimal(avgCost)
	}
	t.pos.UpdatedAt = at
	t.markLocked()
	pos := t.pos
	t.mu.Unlock()

	t.log.Info("position reconciled", "qty", qty, "avg_cost", avgCost.String())
	t.observe(pos)
	return nil
}

// Position returns a copy of the current position.
func (t *Tracker) Position() model.Position {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.pos
}

// Fills returns a copy of every fill applied so far.
func (t *Tracker) Fills() []model.FillEvent {
	t.mu.RLock()
	defer t.mu.RUnlock()
	cp := make([]model.FillEvent, len(t.fills))
	copy(cp, t.fills)
	return cp
}

// Summary is the position panel's derived figures.
type Summary struct {
	Quantity        int64           `json:"quantity"`
	AvgCost         *string         `json:"avg_cost"`
	CostBasis       decimal.Decimal `json:"cost_basis"`
	MarketValue     decimal.Decimal `json:"market_value"`
	RealizedPnL     decimal.Decimal `json:"realized_pnl"`
	UnrealizedPnL   decimal.Decimal `json:"unrealized_pnl"`
	TotalPnL        decimal.Decimal `json:"total_pnl"`
	CommissionTotal decimal.Decimal `json:"commission"`
	NetPnL          decimal.Decimal `json:"net_pnl"`
	TotalFills      int             `json:"total_fills"`
}

// GetSummary returns the current position summary.
func (t *Tracker) GetSummary() Summary {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p := t.pos
	s := Summary{
		Quantity:        p.Quantity,
		CostBasis:       p.CostBasis(),
		MarketValue:     p.MarketValue(),
		RealizedPnL:     p.RealizedPnL,
		UnrealizedPnL:   p.UnrealizedPnL,
		TotalPnL:        p.TotalPnL(),
		CommissionTotal: p.CommissionTotal,
		NetPnL:          p.NetPnL(),
		TotalFills:      len(t.fills),
	}
	if p.AvgCost.Valid {
		avg := p.AvgCost.Decimal.StringFixed(4)
		s.AvgCost = &avg
	}
	return s
}

func (t *Tracker) observe(p model.Position) {
	if t.prom == nil {
		return
	}
	t.prom.PositionQty.Set(float64(p.Quantity))
	t.prom.RealizedPnL.Set(p.RealizedPnL.InexactFloat64())
	t.prom.UnrealizedPnL.Set(p.UnrealizedPnL.InexactFloat64())
	t.prom.CommissionTotal.Set(p.CommissionTotal.InexactFloat64())
}

func weightedAvg(avg decimal.NullDecimal, qty int64, price decimal.Decimal, delta int64) decimal.Decimal {
	if qty == 0 || !avg.Valid {
		return price
	}
	cost := avg.Decimal.Mul(decimal.NewFromInt(abs(qty))).Add(price.Mul(decimal.NewFromInt(abs(delta))))
	return cost.Div(decimal.NewFromInt(abs(qty) + abs(delta)))
}

func sameSign(a, b int64) bool { return (a > 0) == (b > 0) }

func signOf(v int64) int64 {
	if v < 0 {
		return -1
	}
	return 1
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
