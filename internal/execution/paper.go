package execution

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"trading-console/internal/model"
	"trading-console/internal/order"
)

// PaperConfig controls the simulated execution.
type PaperConfig struct {
	SlippageBps        int64         // basis points of slippage (e.g., 5 = 0.05%)
	CommissionPerShare float64       // per filled share
	MinCommission      float64       // per order
	FillSlices         int           // number of partial fills; <=1 fills at once
	AckDelay           time.Duration // submit → acknowledged
	FillDelay          time.Duration // between fills
}

// DefaultPaperConfig mirrors a typical US retail fixed-rate schedule.
func DefaultPaperConfig() PaperConfig {
	return PaperConfig{
		SlippageBps:        0,
		CommissionPerShare: 0.005,
		MinCommission:      1.0,
		FillSlices:         1,
		AckDelay:           50 * time.Millisecond,
		FillDelay:          250 * time.Millisecond,
	}
}

// Fill represents a simulated order fill.
type Fill struct {
	OrderID   string    `json:"order_id"`
	Side      string    `json:"side"`
	FillPrice float64   `json:"fill_price"`
	FillQty   int64     `json:"fill_qty"`
	FilledAt  time.Time `json:"filled_at"`
	Slippage  float64   `json:"slippage"`
}

type paperOrder struct {
	req       OrderRequest
	filled    int64
	notional  decimal.Decimal
	cancelled bool
	done      bool
}

// PaperBroker simulates a broker without real connectivity. Each order is
// acknowledged, filled in FillSlices slices at the limit price adjusted by
// slippage, and charged commission, with every step delivered to the
// StatusSink from a background goroutine.
type PaperBroker struct {
	cfg PaperConfig
	log *slog.Logger

	mu       sync.Mutex
	sink     StatusSink
	orders   map[string]*paperOrder
	fills    []Fill
	orderSeq int64
	closed   bool

	wg   sync.WaitGroup
	quit chan struct{}
}

// NewPaperBroker creates a paper trading broker.
func NewPaperBroker(cfg PaperConfig, log *slog.Logger) *PaperBroker {
	if log == nil {
		log = slog.Default()
	}
	if cfg.FillSlices < 1 {
		cfg.FillSlices = 1
	}
	return &PaperBroker{
		cfg:    cfg,
		log:    log.With("component", "paper"),
		orders: make(map[string]*paperOrder),
		fills:  make([]Fill, 0, 64),
		quit:   make(chan struct{}),
	}
}

// SetStatusSink registers the callback receiving order updates.
func (p *PaperBroker) SetStatusSink(sink StatusSink) {
	p.mu.Lock()
	p.sink = sink
	p.mu.Unlock()
}

// PlaceOrder accepts the order and simulates it asynchronously.
func (p *PaperBroker) PlaceOrder(ctx context.Context, req OrderRequest) (string, error) {
	if err := req.Validate(); err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return "", ErrBrokerClosed
	}
	p.orderSeq++
	id := fmt.Sprintf("PAPER-%d", p.orderSeq)
	p.orders[id] = &paperOrder{req: req}
	p.wg.Add(1)
	p.mu.Unlock()

	p.log.Info("order placed", "order_id", id, "side", req.Side, "qty", req.Quantity, "limit", req.LimitPrice, "client_ref", req.ClientRef)
	go p.simulate(id)
	return id, nil
}

// CancelOrder cancels the unfilled remainder of an order.
func (p *PaperBroker) CancelOrder(ctx context.Context, orderID string) error {
	p.mu.Lock()
	po, ok := p.orders[orderID]
	if !ok {
		p.mu.Unlock()
		return fmt.Errorf("cancel %s: %w", orderID, order.ErrUnknownOrder)
	}
	if po.done {
		p.mu.Unlock()
		return fmt.Errorf("cancel %s: %w", orderID, order.ErrTerminal)
	}
	po.cancelled = true
	p.mu.Unlock()
	return nil
}

func (p *PaperBroker) simulate(id string) {
	defer p.wg.Done()

	if !p.sleep(p.cfg.AckDelay) {
		return
	}
	p.emit(id, model.StatusAcknowledged)

	p.mu.Lock()
	req := p.orders[id].req
	p.mu.Unlock()

	price := p.fillPrice(req)
	slice := req.Quantity / int64(p.cfg.FillSlices)
	for i := 0; i < p.cfg.FillSlices; i++ {
		if !p.sleep(p.cfg.FillDelay) {
			return
		}

		p.mu.Lock()
		po := p.orders[id]
		if po.cancelled {
			po.done = true
			p.mu.Unlock()
			p.log.Info("order cancelled", "order_id", id, "filled", po.filled)
			p.emit(id, model.StatusCancelled)
			return
		}
		qty := slice
		if i == p.cfg.FillSlices-1 {
			qty = req.Quantity - po.filled
		}
		po.filled += qty
		po.notional = po.notional.Add(decimal.NewFromFloat(price).Mul(decimal.NewFromInt(qty)))
		if po.filled == req.Quantity {
			po.done = true
		}
		p.fills = append(p.fills, Fill{
			OrderID:   id,
			Side:      string(req.Side),
			FillPrice: price,
			FillQty:   qty,
			FilledAt:  time.Now(),
			Slippage:  price - req.LimitPrice,
		})
		done := po.done
		p.mu.Unlock()

		if done {
			p.emit(id, model.StatusFilled)
		} else {
			p.emit(id, model.StatusPartiallyFilled)
		}
	}
}

// fillPrice applies slippage against the trader: buys higher, sells lower.
func (p *PaperBroker) fillPrice(req OrderRequest) float64 {
	if p.cfg.SlippageBps <= 0 {
		return req.LimitPrice
	}
	slip := decimal.NewFromFloat(req.LimitPrice).Mul(decimal.NewFromInt(p.cfg.SlippageBps)).Div(decimal.NewFromInt(10000))
	px := decimal.NewFromFloat(req.LimitPrice)
	if req.Side == model.SideBuy {
		px = px.Add(slip)
	} else {
		px = px.Sub(slip)
	}
	return px.Round(4).InexactFloat64()
}

// commission returns the cumulative commission for filled shares.
func (p *PaperBroker) commission(filled int64) float64 {
	if filled == 0 {
		return 0
	}
	c := decimal.NewFromFloat(p.cfg.CommissionPerShare).Mul(decimal.NewFromInt(filled))
	if floor := decimal.NewFromFloat(p.cfg.MinCommission); c.LessThan(floor) {
		c = floor
	}
	return c.Round(4).InexactFloat64()
}

func (p *PaperBroker) emit(id string, status model.OrderStatus) {
	p.mu.Lock()
	po := p.orders[id]
	u := order.StatusUpdate{
		OrderID:        id,
		Status:         status,
		FilledQuantity: po.filled,
		Commission:     p.commission(po.filled),
		At:             time.Now().UTC(),
	}
	if po.filled > 0 {
		u.AvgFillPrice = po.notional.Div(decimal.NewFromInt(po.filled)).Round(6).InexactFloat64()
	}
	sink := p.sink
	p.mu.Unlock()

	if sink != nil {
		sink(u)
	}
}

func (p *PaperBroker) sleep(d time.Duration) bool {
	if d <= 0 {
		select {
		case <-p.quit:
			return false
		default:
			return true
		}
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-p.quit:
		return false
	case <-t.C:
		return true
	}
}

// GetFills returns a snapshot of all fills.
func (p *PaperBroker) GetFills() []Fill {
	p.mu.Lock()
	defer p.mu.Unlock()
	cp := make([]Fill, len(p.fills))
	copy(cp, p.fills)
	return cp
}

// Wait blocks until every placed order has finished simulating.
func (p *PaperBroker) Wait() {
	p.wg.Wait()
}

// Close stops in-flight simulations and refuses new orders.
func (p *PaperBroker) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.quit)
	p.mu.Unlock()
	p.wg.Wait()
	return nil
}
