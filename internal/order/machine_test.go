package order

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"

	"trading-console/internal/metrics"
	"trading-console/internal/model"
)

// ────────────────────────────────────────────────────────────
// Helpers
// ────────────────────────────────────────────────────────────

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newMachine(t *testing.T) (*Machine, *fakeClock, *metrics.Metrics) {
	t.Helper()
	clk := &fakeClock{t: time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)}
	prom := metrics.New(prometheus.NewRegistry())
	m := NewMachine(nil, WithClock(clk.now), WithMetrics(prom))
	if err := m.Track(model.Order{ID: "1", Side: model.SideBuy, Symbol: "SPY", Quantity: 100, LimitPrice: 10}); err != nil {
		t.Fatal(err)
	}
	return m, clk, prom
}

func mustApply(t *testing.T, m *Machine, u StatusUpdate) Result {
	t.Helper()
	res, err := m.OnStatus(u)
	if err != nil {
		t.Fatalf("OnStatus(%+v): %v", u, err)
	}
	return res
}

// ────────────────────────────────────────────────────────────
// Transitions
// ────────────────────────────────────────────────────────────

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to model.OrderStatus
		want     bool
	}{
		{model.StatusSubmitted, model.StatusAcknowledged, true},
		{model.StatusSubmitted, model.StatusFilled, true},
		{model.StatusSubmitted, model.StatusRejected, true},
		{model.StatusAcknowledged, model.StatusPartiallyFilled, true},
		{model.StatusAcknowledged, model.StatusCancelled, true},
		{model.StatusPartiallyFilled, model.StatusPartiallyFilled, true},
		{model.StatusPartiallyFilled, model.StatusFilled, true},
		{model.StatusPartiallyFilled, model.StatusCancelled, true},
		{model.StatusPartiallyFilled, model.StatusRejected, false},
		{model.StatusAcknowledged, model.StatusSubmitted, false},
		{model.StatusFilled, model.StatusCancelled, false},
		{model.StatusCancelled, model.StatusAcknowledged, false},
		{model.StatusRejected, model.StatusFilled, false},
	}
	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("%s -> %s: got %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestMachine_FullLifecycle(t *testing.T) {
	m, clk, _ := newMachine(t)

	clk.advance(time.Second)
	res := mustApply(t, m, StatusUpdate{OrderID: "1", Status: model.StatusAcknowledged})
	if !res.Changed || res.Fill != nil || res.From != model.StatusSubmitted {
		t.Fatalf("ack: unexpected %+v", res)
	}

	clk.advance(time.Second)
	res = mustApply(t, m, StatusUpdate{OrderID: "1", Status: model.StatusPartiallyFilled, FilledQuantity: 40, AvgFillPrice: 10, Commission: 0.4})
	if res.Fill == nil || res.Fill.Quantity != 40 || !res.Fill.Price.Equal(decimal.NewFromInt(10)) {
		t.Fatalf("first partial: unexpected fill %+v", res.Fill)
	}
	if !res.Fill.Commission.Equal(decimal.NewFromFloat(0.4)) {
		t.Errorf("commission delta = %s", res.Fill.Commission)
	}

	clk.advance(time.Second)
	// 100 shares at cumulative avg 10.6 → the last 60 filled at 11.
	res = mustApply(t, m, StatusUpdate{OrderID: "1", Status: model.StatusFilled, FilledQuantity: 100, AvgFillPrice: 10.6, Commission: 1.0})
	if res.Fill.Quantity != 60 {
		t.Fatalf("delta quantity = %d, want 60", res.Fill.Quantity)
	}
	if !res.Fill.Price.Equal(decimal.NewFromInt(11)) {
		t.Errorf("delta price = %s, want 11", res.Fill.Price)
	}
	if !res.Fill.Commission.Equal(decimal.NewFromFloat(0.6)) {
		t.Errorf("commission delta = %s, want 0.6", res.Fill.Commission)
	}
	if res.Order.Status != model.StatusFilled || !res.Order.LastStatusChangeAt.Equal(clk.t) {
		t.Fatalf("final order: %+v", res.Order)
	}
}

// ────────────────────────────────────────────────────────────
// Idempotence
// ────────────────────────────────────────────────────────────

func TestMachine_DuplicateCallbackOneFill(t *testing.T) {
	m, _, prom := newMachine(t)

	var fills int
	m.OnChange(func(r Result) {
		if r.Fill != nil {
			fills++
		}
	})

	u := StatusUpdate{OrderID: "1", Status: model.StatusPartiallyFilled, FilledQuantity: 50, AvgFillPrice: 10, Commission: 0.5}
	mustApply(t, m, u)
	_, err := m.OnStatus(u)
	if !errors.Is(err, ErrDuplicate) {
		t.Fatalf("second identical callback: expected ErrDuplicate, got %v", err)
	}
	if fills != 1 {
		t.Fatalf("expected exactly one fill event, got %d", fills)
	}
	if got := testutil.ToFloat64(prom.CallbacksDiscard.WithLabelValues("duplicate")); got != 1 {
		t.Errorf("duplicate discard counter = %v", got)
	}
}

func TestMachine_FillSinkRunsBeforeStatusVisible(t *testing.T) {
	m, _, _ := newMachine(t)

	entered := make(chan model.FillEvent, 1)
	release := make(chan struct{})
	var sunk int64
	m.OnFill(func(f model.FillEvent) {
		sunk += f.Quantity
		entered <- f
		<-release
	})
	var seenBySink []int64
	m.OnChange(func(Result) { seenBySink = append(seenBySink, sunk) })

	done := make(chan struct{})
	go func() {
		defer close(done)
		m.OnStatus(StatusUpdate{OrderID: "1", Status: model.StatusFilled, FilledQuantity: 100, AvgFillPrice: 10})
	}()
	if f := <-entered; f.Quantity != 100 {
		t.Fatalf("sink fill = %+v", f)
	}

	read := make(chan model.Order, 1)
	go func() {
		o, _ := m.Get("1")
		read <- o
	}()
	select {
	case o := <-read:
		t.Fatalf("order readable as %s before the fill sink returned", o.Status)
	case <-time.After(20 * time.Millisecond):
	}

	close(release)
	<-done
	if o := <-read; o.Status != model.StatusFilled {
		t.Fatalf("status after sink = %s", o.Status)
	}
	if len(seenBySink) != 1 || seenBySink[0] != 100 {
		t.Fatalf("listener saw sink totals %v, want [100]", seenBySink)
	}

	// A repeated callback never reaches the sink.
	m.OnStatus(StatusUpdate{OrderID: "1", Status: model.StatusFilled, FilledQuantity: 100, AvgFillPrice: 10})
	if sunk != 100 {
		t.Fatalf("sink total after duplicate = %d", sunk)
	}
}

func TestMachine_TerminalCallbacksDiscarded(t *testing.T) {
	m, clk, _ := newMachine(t)
	filledAt := clk.t.Add(time.Second)
	clk.t = filledAt
	mustApply(t, m, StatusUpdate{OrderID: "1", Status: model.StatusFilled, FilledQuantity: 100, AvgFillPrice: 10, Commission: 1})

	for _, u := range []StatusUpdate{
		{OrderID: "1", Status: model.StatusFilled, FilledQuantity: 100, AvgFillPrice: 10, Commission: 1},
		{OrderID: "1", Status: model.StatusCancelled, FilledQuantity: 100},
		{OrderID: "1", Status: model.StatusFilled, FilledQuantity: 100, AvgFillPrice: 10, Commission: 2},
	} {
		clk.advance(time.Minute)
		res, err := m.OnStatus(u)
		if !errors.Is(err, ErrTerminal) {
			t.Fatalf("expected ErrTerminal, got %v", err)
		}
		if res.Fill != nil || res.Changed {
			t.Fatalf("terminal callback must not change anything: %+v", res)
		}
	}

	o, _ := m.Get("1")
	if !o.LastStatusChangeAt.Equal(filledAt) {
		t.Errorf("transition time must stay at the fill, got %v want %v", o.LastStatusChangeAt, filledAt)
	}
	if o.Commission != 1 {
		t.Errorf("commission must not be re-applied, got %v", o.Commission)
	}
}

func TestMachine_PlateauKeepsTransitionTime(t *testing.T) {
	m, clk, _ := newMachine(t)
	clk.advance(time.Second)
	at := clk.t
	mustApply(t, m, StatusUpdate{OrderID: "1", Status: model.StatusPartiallyFilled, FilledQuantity: 30, AvgFillPrice: 10})

	// Re-delivered plateau status some time later.
	clk.advance(30 * time.Second)
	if _, err := m.OnStatus(StatusUpdate{OrderID: "1", Status: model.StatusPartiallyFilled, FilledQuantity: 30, AvgFillPrice: 10}); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected duplicate, got %v", err)
	}
	o, _ := m.Current()
	if !o.LastStatusChangeAt.Equal(at) {
		t.Fatalf("plateau must keep its transition time: got %v want %v", o.LastStatusChangeAt, at)
	}
}

func TestMachine_StaleFillIgnored(t *testing.T) {
	m, _, _ := newMachine(t)
	mustApply(t, m, StatusUpdate{OrderID: "1", Status: model.StatusPartiallyFilled, FilledQuantity: 60, AvgFillPrice: 10})

	res, err := m.OnStatus(StatusUpdate{OrderID: "1", Status: model.StatusPartiallyFilled, FilledQuantity: 40, AvgFillPrice: 10})
	if !errors.Is(err, ErrDuplicate) || res.Fill != nil {
		t.Fatalf("older cumulative fill should be discarded, res=%+v err=%v", res, err)
	}
	if o, _ := m.Get("1"); o.FilledQuantity != 60 {
		t.Fatalf("filled quantity rolled back to %d", o.FilledQuantity)
	}
}

func TestMachine_CommissionOnlyUpdate(t *testing.T) {
	m, _, _ := newMachine(t)
	mustApply(t, m, StatusUpdate{OrderID: "1", Status: model.StatusPartiallyFilled, FilledQuantity: 50, AvgFillPrice: 10})
	before, _ := m.Get("1")

	res := mustApply(t, m, StatusUpdate{OrderID: "1", Status: model.StatusPartiallyFilled, FilledQuantity: 50, AvgFillPrice: 10, Commission: 0.5})
	if res.Changed {
		t.Error("commission alone is not a status change")
	}
	if res.Fill == nil || res.Fill.Quantity != 0 || !res.Fill.Commission.Equal(decimal.NewFromFloat(0.5)) {
		t.Fatalf("expected commission-only fill event, got %+v", res.Fill)
	}
	if !res.Order.LastStatusChangeAt.Equal(before.LastStatusChangeAt) {
		t.Error("commission must not move the transition time")
	}
}

// ────────────────────────────────────────────────────────────
// Rejections
// ────────────────────────────────────────────────────────────

func TestMachine_Errors(t *testing.T) {
	m, _, _ := newMachine(t)

	if _, err := m.OnStatus(StatusUpdate{OrderID: "nope", Status: model.StatusFilled}); !errors.Is(err, ErrUnknownOrder) {
		t.Errorf("unknown order: got %v", err)
	}
	if _, err := m.OnStatus(StatusUpdate{OrderID: "1", Status: model.StatusFilled, FilledQuantity: 150}); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("overfill: got %v", err)
	}
	mustApply(t, m, StatusUpdate{OrderID: "1", Status: model.StatusAcknowledged})
	if _, err := m.OnStatus(StatusUpdate{OrderID: "1", Status: model.StatusSubmitted}); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("regression to submitted: got %v", err)
	}
	if err := m.Track(model.Order{ID: "1", Quantity: 1}); !errors.Is(err, ErrAlreadyTracked) {
		t.Errorf("re-track: got %v", err)
	}
}

func TestMachine_RejectedFromPartialNotAllowed(t *testing.T) {
	m, _, _ := newMachine(t)
	mustApply(t, m, StatusUpdate{OrderID: "1", Status: model.StatusPartiallyFilled, FilledQuantity: 10, AvgFillPrice: 10})
	if _, err := m.OnStatus(StatusUpdate{OrderID: "1", Status: model.StatusRejected, FilledQuantity: 10}); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	// Cancel after a partial fill is allowed and terminal.
	res := mustApply(t, m, StatusUpdate{OrderID: "1", Status: model.StatusCancelled, FilledQuantity: 10, AvgFillPrice: 10})
	if !res.Order.Status.Terminal() || m.InFlight() {
		t.Fatal("cancelled order should be terminal")
	}
}

func TestMachine_StopAndRun(t *testing.T) {
	m, _, _ := newMachine(t)
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan StatusUpdate, 4)
	done := make(chan struct{})
	go func() {
		m.Run(ctx, ch)
		close(done)
	}()

	ch <- StatusUpdate{OrderID: "1", Status: model.StatusAcknowledged}
	ch <- StatusUpdate{OrderID: "1", Status: model.StatusAcknowledged}
	for {
		if o, _ := m.Get("1"); o.Status == model.StatusAcknowledged {
			break
		}
		time.Sleep(time.Millisecond)
	}
	cancel()
	<-done

	if !m.Stopped() {
		t.Fatal("Run must stop the machine when its context ends")
	}
	if _, err := m.OnStatus(StatusUpdate{OrderID: "1", Status: model.StatusFilled, FilledQuantity: 100}); !errors.Is(err, ErrStopped) {
		t.Fatalf("expected ErrStopped, got %v", err)
	}
	if err := m.Track(model.Order{ID: "2", Quantity: 1}); !errors.Is(err, ErrStopped) {
		t.Fatalf("expected ErrStopped on Track, got %v", err)
	}
}

func TestParseBrokerStatus(t *testing.T) {
	tests := []struct {
		raw    string
		filled int64
		want   model.OrderStatus
	}{
		{"PendingSubmit", 0, model.StatusSubmitted},
		{"ApiPending", 0, model.StatusSubmitted},
		{"PreSubmitted", 0, model.StatusAcknowledged},
		{"Submitted", 0, model.StatusAcknowledged},
		{"Submitted", 40, model.StatusPartiallyFilled},
		{"PendingCancel", 40, model.StatusPartiallyFilled},
		{"Filled", 100, model.StatusFilled},
		{"Cancelled", 0, model.StatusCancelled},
		{"ApiCancelled", 0, model.StatusCancelled},
		{"Inactive", 0, model.StatusRejected},
	}
	for _, tt := range tests {
		got, err := ParseBrokerStatus(tt.raw, tt.filled)
		if err != nil || got != tt.want {
			t.Errorf("ParseBrokerStatus(%q, %d) = %s, %v; want %s", tt.raw, tt.filled, got, err, tt.want)
		}
	}
	if _, err := ParseBrokerStatus("Exploded", 0); err == nil {
		t.Error("unknown status should error")
	}
}
