// Package order tracks the lifecycle of broker orders.
//
// The Machine owns every Order record. Broker status callbacks are delivered
// at least once, so each callback is checked against the recorded state:
// terminal orders never change again, repeated callbacks are discarded, and
// fill quantities are turned into deltas so a position is never credited
// twice for the same shares.
package order

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"trading-console/internal/metrics"
	"trading-console/internal/model"
)

var (
	ErrTerminal          = errors.New("order is terminal")
	ErrDuplicate         = errors.New("duplicate status callback")
	ErrUnknownOrder      = errors.New("unknown order")
	ErrStopped           = errors.New("order machine stopped")
	ErrInvalidTransition = errors.New("invalid order transition")
	ErrAlreadyTracked    = errors.New("order already tracked")
)

// transitions lists the allowed next states. A submitted order may jump
// straight to a fill when the broker skips the acknowledgement.
var transitions = map[model.OrderStatus]map[model.OrderStatus]bool{
	model.StatusSubmitted: {
		model.StatusAcknowledged:    true,
		model.StatusPartiallyFilled: true,
		model.StatusFilled:          true,
		model.StatusCancelled:       true,
		model.StatusRejected:        true,
	},
	model.StatusAcknowledged: {
		model.StatusPartiallyFilled: true,
		model.StatusFilled:          true,
		model.StatusCancelled:       true,
		model.StatusRejected:        true,
	},
	model.StatusPartiallyFilled: {
		model.StatusPartiallyFilled: true,
		model.StatusFilled:          true,
		model.StatusCancelled:       true,
	},
}

// CanTransition reports whether from → to is a legal lifecycle step.
func CanTransition(from, to model.OrderStatus) bool {
	return transitions[from][to]
}

// StatusUpdate is one broker order-status callback. FilledQuantity,
// AvgFillPrice and Commission are cumulative for the order.
type StatusUpdate struct {
	OrderID        string            `json:"order_id"`
	Status         model.OrderStatus `json:"status"`
	FilledQuantity int64             `json:"filled_quantity"`
	AvgFillPrice   float64           `json:"average_fill_price"`
	Commission     float64           `json:"commission"`
	At             time.Time         `json:"at"` // zero = machine clock
}

// Result is the outcome of applying a StatusUpdate.
type Result struct {
	Order   model.Order       // state after the update
	From    model.OrderStatus // state before the update
	Changed bool              // status or filled quantity changed
	Fill    *model.FillEvent  // set when shares or commission were added
}

// Listener receives every Result with Changed or Fill set, once.
type Listener func(Result)

// FillSink receives every fill while the machine's lock is held, before the
// order's new state can be read through Get or Current. A sink must not call
// back into the Machine.
type FillSink func(model.FillEvent)

// Machine is the order state machine. Safe for concurrent use.
type Machine struct {
	mu        sync.Mutex
	orders    map[string]*model.Order
	current   string
	stopped   bool
	listeners []Listener
	fillSinks []FillSink

	now  func() time.Time
	log  *slog.Logger
	prom *metrics.Metrics
}

// Option configures a Machine.
type Option func(*Machine)

// WithClock overrides the time source used for transition timestamps.
func WithClock(now func() time.Time) Option {
	return func(m *Machine) { m.now = now }
}

// WithMetrics records transitions and discards on prom.
func WithMetrics(prom *metrics.Metrics) Option {
	return func(m *Machine) { m.prom = prom }
}

// NewMachine creates an empty Machine.
func NewMachine(log *slog.Logger, opts ...Option) *Machine {
	if log == nil {
		log = slog.Default()
	}
	m := &Machine{
		orders: make(map[string]*model.Order),
		now:    time.Now,
		log:    log.With("component", "order"),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// OnChange registers a listener. Listeners run after the machine's lock is
// released, in registration order.
func (m *Machine) OnChange(fn Listener) {
	m.mu.Lock()
	m.listeners = append(m.listeners, fn)
	m.mu.Unlock()
}

// OnFill registers a FillSink. Position bookkeeping hangs off this hook so
// that anyone observing a filled order also observes the shares it moved.
func (m *Machine) OnFill(fn FillSink) {
	m.mu.Lock()
	m.fillSinks = append(m.fillSinks, fn)
	m.mu.Unlock()
}

// Track starts tracking a newly submitted order and makes it current.
func (m *Machine) Track(o model.Order) error {
	if o.ID == "" {
		return fmt.Errorf("track: %w: empty order id", ErrInvalidTransition)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return ErrStopped
	}
	if _, ok := m.orders[o.ID]; ok {
		return fmt.Errorf("track %s: %w", o.ID, ErrAlreadyTracked)
	}

	now := m.now()
	if o.Status == "" {
		o.Status = model.StatusSubmitted
	}
	if o.SubmittedAt.IsZero() {
		o.SubmittedAt = now
	}
	if o.LastStatusChangeAt.IsZero() {
		o.LastStatusChangeAt = o.SubmittedAt
	}
	m.orders[o.ID] = &o
	m.current = o.ID
	m.log.Info("order tracked", "order_id", o.ID, "side", o.Side, "qty", o.Quantity, "limit", o.LimitPrice)
	return nil
}

// OnStatus applies one broker callback. Discarded callbacks return the
// unchanged order together with ErrTerminal, ErrDuplicate or
// ErrInvalidTransition; callers log these and carry on.
func (m *Machine) OnStatus(u StatusUpdate) (Result, error) {
	m.mu.Lock()
	res, err := m.applyLocked(u)
	if err == nil && res.Fill != nil {
		for _, fn := range m.fillSinks {
			fn(*res.Fill)
		}
	}
	listeners := m.listeners
	m.mu.Unlock()

	if err != nil {
		return res, err
	}
	if res.Changed || res.Fill != nil {
		for _, fn := range listeners {
			fn(res)
		}
	}
	return res, nil
}

func (m *Machine) applyLocked(u StatusUpdate) (Result, error) {
	if m.stopped {
		return Result{}, ErrStopped
	}
	o, ok := m.orders[u.OrderID]
	if !ok {
		return Result{}, fmt.Errorf("order %s: %w", u.OrderID, ErrUnknownOrder)
	}
	res := Result{Order: *o, From: o.Status}

	if o.Status.Terminal() {
		m.discard("terminal", u, o)
		return res, fmt.Errorf("order %s %s: %w", o.ID, o.Status, ErrTerminal)
	}
	if u.FilledQuantity < o.FilledQuantity {
		m.discard("stale", u, o)
		return res, fmt.Errorf("order %s filled %d < recorded %d: %w", o.ID, u.FilledQuantity, o.FilledQuantity, ErrDuplicate)
	}
	if u.FilledQuantity > o.Quantity {
		m.discard("overfill", u, o)
		return res, fmt.Errorf("order %s filled %d exceeds quantity %d: %w", o.ID, u.FilledQuantity, o.Quantity, ErrInvalidTransition)
	}

	fillChanged := u.FilledQuantity > o.FilledQuantity
	statusChanged := u.Status != o.Status
	if statusChanged && !CanTransition(o.Status, u.Status) {
		m.discard("invalid", u, o)
		return res, fmt.Errorf("order %s %s -> %s: %w", o.ID, o.Status, u.Status, ErrInvalidTransition)
	}
	if !statusChanged && fillChanged && u.Status != model.StatusPartiallyFilled {
		m.discard("invalid", u, o)
		return res, fmt.Errorf("order %s fill while %s: %w", o.ID, o.Status, ErrInvalidTransition)
	}

	prevComm := decimal.NewFromFloat(o.Commission)
	newComm := decimal.NewFromFloat(u.Commission)
	commDelta := newComm.Sub(prevComm)
	if commDelta.IsNegative() {
		commDelta = decimal.Zero
		newComm = prevComm
	}

	if !statusChanged && !fillChanged && commDelta.IsZero() {
		m.discard("duplicate", u, o)
		return res, fmt.Errorf("order %s %s filled %d: %w", o.ID, o.Status, o.FilledQuantity, ErrDuplicate)
	}

	at := u.At
	if at.IsZero() {
		at = m.now()
	}

	var fill *model.FillEvent
	if fillChanged || !commDelta.IsZero() {
		fill = &model.FillEvent{
			OrderID:    o.ID,
			Side:       o.Side,
			Commission: commDelta,
			At:         at,
		}
		if fillChanged {
			fill.Quantity = u.FilledQuantity - o.FilledQuantity
			fill.Price = deltaPrice(o.AvgFillPrice, o.FilledQuantity, u.AvgFillPrice, u.FilledQuantity)
		}
	}

	o.Commission = newComm.InexactFloat64()
	if fillChanged {
		o.FilledQuantity = u.FilledQuantity
		o.AvgFillPrice = u.AvgFillPrice
	}
	if statusChanged || fillChanged {
		o.Status = u.Status
		o.LastStatusChangeAt = at
		res.Changed = true
		if m.prom != nil {
			m.prom.OrderTransitions.WithLabelValues(string(res.From), string(o.Status)).Inc()
		}
		m.log.Info("order transition",
			"order_id", o.ID, "from", res.From, "to", o.Status,
			"filled", o.FilledQuantity, "avg_price", o.AvgFillPrice, "at", at)
	}
	if fill != nil && m.prom != nil {
		m.prom.FillsTotal.Inc()
	}

	res.Order = *o
	res.Fill = fill
	return res, nil
}

// deltaPrice recovers the price of the newly filled shares from two
// cumulative averages.
func deltaPrice(oldAvg float64, oldQty int64, newAvg float64, newQty int64) decimal.Decimal {
	delta := newQty - oldQty
	if oldQty == 0 {
		return decimal.NewFromFloat(newAvg)
	}
	newNotional := decimal.NewFromFloat(newAvg).Mul(decimal.NewFromInt(newQty))
	oldNotional := decimal.NewFromFloat(oldAvg).Mul(decimal.NewFromInt(oldQty))
	return newNotional.Sub(oldNotional).Div(decimal.NewFromInt(delta)).Round(6)
}

func (m *Machine) discard(reason string, u StatusUpdate, o *model.Order) {
	if m.prom != nil {
		m.prom.CallbacksDiscard.WithLabelValues(reason).Inc()
	}
	m.log.Debug("order callback discarded",
		"reason", reason, "order_id", o.ID, "recorded", o.Status, "recorded_filled", o.FilledQuantity,
		"status", u.Status, "filled", u.FilledQuantity)
}

// Get returns a copy of the order with the given id.
func (m *Machine) Get(id string) (model.Order, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return model.Order{}, false
	}
	return *o, true
}

// Current returns the most recently tracked order.
func (m *Machine) Current() (model.Order, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == "" {
		return model.Order{}, false
	}
	return *m.orders[m.current], true
}

// InFlight reports whether the current order can still change.
func (m *Machine) InFlight() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == "" {
		return false
	}
	return !m.orders[m.current].Status.Terminal()
}

// Orders returns copies of every tracked order.
func (m *Machine) Orders() []model.Order {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.Order, 0, len(m.orders))
	for _, o := range m.orders {
		out = append(out, *o)
	}
	return out
}

// Stop refuses every further Track and OnStatus call.
func (m *Machine) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.stopped {
		m.stopped = true
		m.log.Info("order machine stopped", "orders", len(m.orders))
	}
}

// Stopped reports whether Stop has been called.
func (m *Machine) Stopped() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopped
}

// Run applies updates from ch until ctx is cancelled or ch is closed, then
// stops the machine. Discarded callbacks are logged and skipped.
func (m *Machine) Run(ctx context.Context, ch <-chan StatusUpdate) {
	defer m.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case u, ok := <-ch:
			if !ok {
				return
			}
			if _, err := m.OnStatus(u); err != nil && !Benign(err) {
				m.log.Warn("order update rejected", "order_id", u.OrderID, "err", err)
			}
		}
	}
}

// Benign reports whether err is an expected discard of a repeated or late
// callback rather than a fault.
func Benign(err error) bool {
	return errors.Is(err, ErrTerminal) || errors.Is(err, ErrDuplicate)
}
