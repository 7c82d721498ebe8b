// Package tradeflow drives the operator's single round trip: open a long
// position at the ask, close it at the bid, review the audit, exit.
//
// The flow never blocks on the order it sent. Refresh advances the phase
// from the console's order and position state, so a UI loop can poll it
// between key presses.
package tradeflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"trading-console/internal/audit"
	"trading-console/internal/model"
)

var (
	ErrNoQuote      = errors.New("no quote yet")
	ErrOrderPending = errors.New("waiting for order")
	ErrDone         = errors.New("trade flow finished")
	ErrNoPosition   = errors.New("no long position to close")
)

// Phase is the step the operator is at.
type Phase int

const (
	Idle Phase = iota
	Opening
	Open
	Closing
	Closed
	Done
)

func (p Phase) String() string {
	switch p {
	case Idle:
		return "idle"
	case Opening:
		return "opening"
	case Open:
		return "open"
	case Closing:
		return "closing"
	case Closed:
		return "closed"
	case Done:
		return "done"
	}
	return fmt.Sprintf("phase(%d)", int(p))
}

// Console is the part of the console core the flow drives.
type Console interface {
	CurrentQuote() model.Quote
	CurrentOrder() (model.Order, bool)
	CurrentPosition() model.Position
	LastAudit() (audit.Report, bool)
	SubmitOrder(ctx context.Context, side model.Side, qty int64, limit float64) (string, error)
}

// Level classifies a system message.
type Level string

const (
	LevelInfo    Level = "info"
	LevelSuccess Level = "success"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

// Message is one line of the operator's system log.
type Message struct {
	Level Level     `json:"level"`
	Text  string    `json:"text"`
	At    time.Time `json:"at"`
}

const maxMessages = 200

// Flow is the trade flow state. Safe for concurrent use.
type Flow struct {
	c    Console
	size int64
	log  *slog.Logger
	now  func() time.Time

	mu      sync.Mutex
	phase   Phase
	orderID string
	closeOf int64 // position size when the sell was placed
	msgs    []Message
	notify  func(Message)
}

// New creates a flow that buys size shares.
func New(c Console, size int64, log *slog.Logger) *Flow {
	if log == nil {
		log = slog.Default()
	}
	return &Flow{
		c:    c,
		size: size,
		log:  log.With("component", "tradeflow"),
		now:  time.Now,
	}
}

// OnMessage registers fn to receive every new system message.
func (f *Flow) OnMessage(fn func(Message)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notify = fn
}

// Phase returns the current phase after applying any order progress.
func (f *Flow) Phase() Phase {
	return f.Refresh()
}

// Messages returns the system messages, oldest first.
func (f *Flow) Messages() []Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Message(nil), f.msgs...)
}

// Prompt returns the line the operator should answer with Enter.
func (f *Flow) Prompt() string {
	phase := f.Refresh()
	q := f.c.CurrentQuote()

	f.mu.Lock()
	id := f.orderID
	f.mu.Unlock()

	switch phase {
	case Idle:
		if q.Ask <= 0 {
			return "Waiting for quote..."
		}
		return fmt.Sprintf("Open Trade at $%.2f (press enter)?", q.Ask)
	case Opening, Closing:
		return fmt.Sprintf("Waiting for order #%s...", id)
	case Open:
		if q.Bid <= 0 {
			return "Waiting for quote..."
		}
		return fmt.Sprintf("Close position at $%.2f (press enter)?", q.Bid)
	case Closed:
		return "Exit the trade (press enter)?"
	}
	return ""
}

// Enter performs the action the current prompt offers.
func (f *Flow) Enter(ctx context.Context) error {
	f.Refresh()

	f.mu.Lock()
	defer f.mu.Unlock()

	switch f.phase {
	case Idle:
		return f.openLocked(ctx)
	case Open:
		return f.closeLocked(ctx)
	case Closed:
		f.addLocked(LevelInfo, "Exiting trade...")
		f.phase = Done
		return nil
	case Opening, Closing:
		return ErrOrderPending
	default:
		return ErrDone
	}
}

func (f *Flow) openLocked(ctx context.Context) error {
	q := f.c.CurrentQuote()
	if q.Ask <= 0 {
		return ErrNoQuote
	}
	f.addLocked(LevelInfo, fmt.Sprintf("Placing BUY order for %d shares at $%.2f", f.size, q.Ask))
	id, err := f.c.SubmitOrder(ctx, model.SideBuy, f.size, q.Ask)
	if err != nil {
		f.addLocked(LevelError, fmt.Sprintf("Order not placed: %v", err))
		return err
	}
	f.orderID = id
	f.phase = Opening
	f.addLocked(LevelSuccess, fmt.Sprintf("Order #%s placed successfully", id))
	return nil
}

func (f *Flow) closeLocked(ctx context.Context) error {
	q := f.c.CurrentQuote()
	if q.Bid <= 0 {
		return ErrNoQuote
	}
	pos := f.c.CurrentPosition()
	if pos.Quantity <= 0 {
		return ErrNoPosition
	}
	f.addLocked(LevelInfo, fmt.Sprintf("Placing SELL order for %d shares at $%.2f", pos.Quantity, q.Bid))
	id, err := f.c.SubmitOrder(ctx, model.SideSell, pos.Quantity, q.Bid)
	if err != nil {
		f.addLocked(LevelError, fmt.Sprintf("Sell order not placed: %v", err))
		return err
	}
	f.orderID = id
	f.closeOf = pos.Quantity
	f.phase = Closing
	f.addLocked(LevelSuccess, fmt.Sprintf("Sell order #%s placed successfully", id))
	return nil
}

// Refresh advances Opening and Closing once their order is terminal and
// returns the resulting phase.
func (f *Flow) Refresh() Phase {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.phase != Opening && f.phase != Closing {
		return f.phase
	}
	o, ok := f.c.CurrentOrder()
	if !ok || o.ID != f.orderID || !o.Status.Terminal() {
		return f.phase
	}

	switch f.phase {
	case Opening:
		f.settleOpenLocked(o)
	case Closing:
		f.settleCloseLocked(o)
	}
	return f.phase
}

func (f *Flow) settleOpenLocked(o model.Order) {
	switch {
	case o.Status == model.StatusFilled:
		f.addLocked(LevelSuccess, fmt.Sprintf("Order filled: %d shares @ $%.2f", o.FilledQuantity, o.AvgFillPrice))
		f.phase = Open
	case o.FilledQuantity > 0:
		f.addLocked(LevelWarning, fmt.Sprintf("Order %s with %d of %d shares filled", o.Status, o.FilledQuantity, o.Quantity))
		f.phase = Open
	default:
		f.addLocked(LevelWarning, fmt.Sprintf("Order was %s. You can try placing a new order.", o.Status))
		f.phase = Idle
	}
}

func (f *Flow) settleCloseLocked(o model.Order) {
	pos := f.c.CurrentPosition()
	if pos.Quantity > f.closeOf-o.FilledQuantity {
		// sold shares not booked into the position yet
		return
	}
	if o.Status != model.StatusFilled || pos.Quantity != 0 {
		if o.Status == model.StatusFilled {
			f.addLocked(LevelWarning, fmt.Sprintf("Sell filled but %d shares remain open", pos.Quantity))
		} else {
			f.addLocked(LevelWarning, fmt.Sprintf("Sell order was %s. You can try closing the position again.", o.Status))
		}
		f.phase = Open
		if pos.Quantity <= 0 {
			f.phase = Closed
		}
		return
	}

	level := LevelSuccess
	if pos.RealizedPnL.IsNegative() {
		level = LevelWarning
	}
	f.addLocked(level, fmt.Sprintf("Position closed - Realized P&L: $%s", pos.RealizedPnL.StringFixed(2)))
	if r, ok := f.c.LastAudit(); ok {
		for _, line := range audit.Lines(r) {
			f.addLocked(auditLevel(r), line)
		}
	}
	f.phase = Closed
}

func auditLevel(r audit.Report) Level {
	switch {
	case !r.Passed:
		return LevelError
	case r.NetPnL.IsNegative():
		return LevelWarning
	}
	return LevelInfo
}

func (f *Flow) addLocked(level Level, text string) {
	m := Message{Level: level, Text: text, At: f.now()}
	f.msgs = append(f.msgs, m)
	if len(f.msgs) > maxMessages {
		f.msgs = f.msgs[len(f.msgs)-maxMessages:]
	}
	f.log.Info(text, "level", string(level), "phase", f.phase.String())
	if f.notify != nil {
		f.notify(m)
	}
}

// Run polls the flow every interval and performs Enter for each value
// received on enter. It returns when the flow is Done, ctx is cancelled or
// enter is closed.
func (f *Flow) Run(ctx context.Context, enter <-chan struct{}, interval time.Duration) error {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case _, ok := <-enter:
			if !ok {
				return nil
			}
			if err := f.Enter(ctx); err != nil {
				f.log.Warn("enter ignored", "phase", f.Phase().String(), "err", err)
			}
		case <-ticker.C:
			f.Refresh()
		}
		if f.Phase() == Done {
			return nil
		}
	}
}
