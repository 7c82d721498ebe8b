package tradeflow

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"trading-console/internal/audit"
	"trading-console/internal/console"
	"trading-console/internal/execution"
	"trading-console/internal/model"
	"trading-console/internal/order"
)

// ────────────────────────────────────────────────────────────
// Stub console
// ────────────────────────────────────────────────────────────

type stubConsole struct {
	mu     sync.Mutex
	quote  model.Quote
	order  model.Order
	hasOrd bool
	pos    model.Position
	report *audit.Report
	err    error
	subs   []model.Order
}

func (s *stubConsole) CurrentQuote() model.Quote {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.quote
}

func (s *stubConsole) CurrentOrder() (model.Order, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.order, s.hasOrd
}

func (s *stubConsole) CurrentPosition() model.Position {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pos
}

func (s *stubConsole) LastAudit() (audit.Report, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.report == nil {
		return audit.Report{}, false
	}
	return *s.report, true
}

func (s *stubConsole) SubmitOrder(_ context.Context, side model.Side, qty int64, limit float64) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return "", s.err
	}
	id := "O" + string(rune('1'+len(s.subs)))
	s.order = model.Order{ID: id, Side: side, Quantity: qty, LimitPrice: limit, Status: model.StatusSubmitted}
	s.hasOrd = true
	s.subs = append(s.subs, s.order)
	return id, nil
}

func (s *stubConsole) finish(st model.OrderStatus, filled int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.order.Status = st
	s.order.FilledQuantity = filled
	s.order.AvgFillPrice = s.order.LimitPrice
}

func (s *stubConsole) setPosition(qty int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pos.Quantity = qty
}

func hasMessage(f *Flow, substr string) bool {
	for _, m := range f.Messages() {
		if strings.Contains(m.Text, substr) {
			return true
		}
	}
	return false
}

// ────────────────────────────────────────────────────────────
// Phases
// ────────────────────────────────────────────────────────────

func TestFlow_PromptsFollowPhases(t *testing.T) {
	sc := &stubConsole{}
	f := New(sc, 100, nil)
	ctx := context.Background()

	if p := f.Prompt(); p != "Waiting for quote..." {
		t.Fatalf("prompt without quote = %q", p)
	}
	if err := f.Enter(ctx); !errors.Is(err, ErrNoQuote) {
		t.Fatalf("expected ErrNoQuote, got %v", err)
	}

	sc.quote = model.Quote{Bid: 150.25, Ask: 150.26}
	if p := f.Prompt(); p != "Open Trade at $150.26 (press enter)?" {
		t.Fatalf("idle prompt = %q", p)
	}
	if err := f.Enter(ctx); err != nil {
		t.Fatal(err)
	}
	if f.Phase() != Opening || sc.subs[0].Side != model.SideBuy || sc.subs[0].LimitPrice != 150.26 {
		t.Fatalf("phase %s, order %+v", f.Phase(), sc.subs[0])
	}
	if err := f.Enter(ctx); !errors.Is(err, ErrOrderPending) {
		t.Fatalf("expected ErrOrderPending, got %v", err)
	}

	sc.finish(model.StatusFilled, 100)
	sc.setPosition(100)
	if f.Phase() != Open {
		t.Fatalf("phase after fill = %s", f.Phase())
	}
	if p := f.Prompt(); p != "Close position at $150.25 (press enter)?" {
		t.Fatalf("open prompt = %q", p)
	}

	if err := f.Enter(ctx); err != nil {
		t.Fatal(err)
	}
	if sc.subs[1].Side != model.SideSell || sc.subs[1].Quantity != 100 {
		t.Fatalf("close order = %+v", sc.subs[1])
	}

	sc.finish(model.StatusFilled, 100)
	sc.setPosition(0)
	sc.report = &audit.Report{Passed: true, NetPnL: decimal.NewFromInt(-3)}
	if f.Phase() != Closed {
		t.Fatalf("phase after close = %s", f.Phase())
	}
	if p := f.Prompt(); p != "Exit the trade (press enter)?" {
		t.Fatalf("closed prompt = %q", p)
	}
	if !hasMessage(f, "Position successfully closed") {
		t.Error("audit lines missing")
	}

	if err := f.Enter(ctx); err != nil || f.Phase() != Done {
		t.Fatalf("exit: err %v phase %s", err, f.Phase())
	}
	if err := f.Enter(ctx); !errors.Is(err, ErrDone) {
		t.Fatalf("expected ErrDone, got %v", err)
	}
}

func TestFlow_CancelledOpenAllowsRetry(t *testing.T) {
	sc := &stubConsole{quote: model.Quote{Bid: 10, Ask: 10.01}}
	f := New(sc, 10, nil)

	f.Enter(context.Background())
	sc.finish(model.StatusCancelled, 0)
	if f.Phase() != Idle {
		t.Fatalf("phase = %s, want idle", f.Phase())
	}
	if !hasMessage(f, "You can try placing a new order") {
		t.Error("retry hint missing")
	}
	if err := f.Enter(context.Background()); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if len(sc.subs) != 2 {
		t.Fatalf("submissions = %d", len(sc.subs))
	}
}

func TestFlow_PartiallyFilledCancelOpens(t *testing.T) {
	sc := &stubConsole{quote: model.Quote{Bid: 10, Ask: 10.01}}
	f := New(sc, 10, nil)
	f.Enter(context.Background())
	sc.finish(model.StatusCancelled, 4)
	sc.setPosition(4)
	if f.Phase() != Open {
		t.Fatalf("phase = %s, want open", f.Phase())
	}
}

func TestFlow_RejectedCloseAllowsRetry(t *testing.T) {
	sc := &stubConsole{quote: model.Quote{Bid: 10, Ask: 10.01}}
	f := New(sc, 10, nil)
	ctx := context.Background()

	f.Enter(ctx)
	sc.finish(model.StatusFilled, 10)
	sc.setPosition(10)
	f.Enter(ctx)
	sc.finish(model.StatusRejected, 0)
	if f.Phase() != Open {
		t.Fatalf("phase = %s, want open", f.Phase())
	}
	if !hasMessage(f, "try closing the position again") {
		t.Error("retry hint missing")
	}
}

func TestFlow_SubmitErrorStaysIdle(t *testing.T) {
	sc := &stubConsole{quote: model.Quote{Bid: 10, Ask: 10.01}, err: errors.New("risk limit")}
	f := New(sc, 10, nil)
	if err := f.Enter(context.Background()); err == nil {
		t.Fatal("expected submit error")
	}
	if f.Phase() != Idle {
		t.Fatalf("phase = %s", f.Phase())
	}
}

func TestFlow_Run(t *testing.T) {
	sc := &stubConsole{quote: model.Quote{Bid: 10, Ask: 10.01}}
	f := New(sc, 10, nil)
	f.phase = Closed

	enter := make(chan struct{}, 1)
	enter <- struct{}{}
	done := make(chan error, 1)
	go func() { done <- f.Run(context.Background(), enter, time.Millisecond) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after exit")
	}
	if f.Phase() != Done {
		t.Fatalf("phase = %s", f.Phase())
	}
}

func TestFlow_CloseWaitsForPositionToCatchUp(t *testing.T) {
	sc := &stubConsole{quote: model.Quote{Bid: 10, Ask: 10.01}}
	f := New(sc, 100, nil)
	ctx := context.Background()

	f.Enter(ctx)
	sc.finish(model.StatusFilled, 100)
	sc.setPosition(100)
	if f.Refresh() != Open {
		t.Fatalf("phase = %s", f.Phase())
	}
	if err := f.Enter(ctx); err != nil {
		t.Fatal(err)
	}

	sc.finish(model.StatusFilled, 100)
	if p := f.Refresh(); p != Closing {
		t.Fatalf("sell filled before the position moved: phase = %s, want %s", p, Closing)
	}
	if hasMessage(f, "remain open") {
		t.Fatal("warned about open shares while the fill was still being booked")
	}

	sc.mu.Lock()
	sc.pos.Quantity = 0
	sc.report = &audit.Report{Passed: true, Symbol: "SPY"}
	sc.mu.Unlock()
	if p := f.Refresh(); p != Closed {
		t.Fatalf("phase = %s, want %s", p, Closed)
	}
	if !hasMessage(f, "Position closed") {
		t.Fatalf("messages = %+v", f.Messages())
	}
}

// ────────────────────────────────────────────────────────────
// Against the console core
// ────────────────────────────────────────────────────────────

func TestFlow_PaperRoundTrip(t *testing.T) {
	pb := execution.NewPaperBroker(execution.PaperConfig{CommissionPerShare: 0.01, FillSlices: 2}, nil)
	cfg := console.DefaultConfig("SPY")
	c, err := console.New(cfg, console.Deps{Broker: pb})
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	f := New(c, 100, nil)
	ctx := context.Background()
	c.OnQuote(150.25, 150.26)

	if err := f.Enter(ctx); err != nil {
		t.Fatal(err)
	}
	pb.Wait()
	if f.Phase() != Open {
		t.Fatalf("phase after buy = %s", f.Phase())
	}

	c.OnQuote(151.25, 151.26)
	// the order limiter allows one submission per second by default
	deadline := time.Now().Add(3 * time.Second)
	for {
		err := f.Enter(ctx)
		if err == nil {
			break
		}
		if !errors.Is(err, console.ErrRateLimited) || time.Now().After(deadline) {
			t.Fatal(err)
		}
		time.Sleep(100 * time.Millisecond)
	}
	pb.Wait()

	if f.Phase() != Closed {
		t.Fatalf("phase after sell = %s", f.Phase())
	}
	r, ok := c.LastAudit()
	if !ok || !r.Passed {
		t.Fatalf("audit = %+v", r)
	}
	// (151.25 - 150.26) * 100 = 99, less 2.00 commission
	if !r.NetPnL.Equal(decimal.NewFromInt(97)) {
		t.Errorf("net = %s", r.NetPnL)
	}
}

// refreshingJournal refreshes the flow on every recorded transition, the
// way a UI redraws on order events.
type refreshingJournal struct {
	mu     sync.Mutex
	flow   *Flow
	phases []Phase
}

func (j *refreshingJournal) RecordFill(string, model.FillEvent) error { return nil }

func (j *refreshingJournal) RecordTransition(r order.Result) error {
	j.mu.Lock()
	f := j.flow
	j.mu.Unlock()
	if f == nil || r.Order.Side != model.SideSell || !r.Order.Status.Terminal() {
		return nil
	}
	p := f.Refresh()
	j.mu.Lock()
	j.phases = append(j.phases, p)
	j.mu.Unlock()
	return nil
}

func TestFlow_RefreshOnSellTransitionCloses(t *testing.T) {
	pb := execution.NewPaperBroker(execution.PaperConfig{CommissionPerShare: 0.01, FillSlices: 2}, nil)
	j := &refreshingJournal{}
	cfg := console.DefaultConfig("SPY")
	cfg.MaxOrdersPerSecond = 1000
	cfg.OrderBurst = 1000
	c, err := console.New(cfg, console.Deps{Broker: pb, Journal: j})
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	f := New(c, 100, nil)
	j.mu.Lock()
	j.flow = f
	j.mu.Unlock()
	ctx := context.Background()

	c.OnQuote(150.25, 150.26)
	if err := f.Enter(ctx); err != nil {
		t.Fatal(err)
	}
	pb.Wait()
	if f.Phase() != Open {
		t.Fatalf("phase after buy = %s", f.Phase())
	}

	c.OnQuote(151.25, 151.26)
	if err := f.Enter(ctx); err != nil {
		t.Fatal(err)
	}
	pb.Wait()

	j.mu.Lock()
	phases := append([]Phase(nil), j.phases...)
	j.mu.Unlock()
	if len(phases) != 1 || phases[0] != Closed {
		t.Fatalf("phases seen on the sell's final transition = %v, want [%s]", phases, Closed)
	}
	if hasMessage(f, "remain open") {
		t.Fatal("flow saw the filled sell before the position was flat")
	}
	if !hasMessage(f, "Position closed") || !hasMessage(f, "Final P&L after commission") {
		t.Fatalf("messages = %+v", f.Messages())
	}
	if err := f.Enter(ctx); err != nil {
		t.Fatal(err)
	}
	if f.Phase() != Done {
		t.Fatalf("phase = %s, want %s", f.Phase(), Done)
	}
}
