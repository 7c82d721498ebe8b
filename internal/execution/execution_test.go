package execution

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"trading-console/internal/audit"
	"trading-console/internal/model"
	"trading-console/internal/order"
)

// ────────────────────────────────────────────────────────────
// Paper broker
// ────────────────────────────────────────────────────────────

type sinkRecorder struct {
	mu      sync.Mutex
	updates []order.StatusUpdate
}

func (s *sinkRecorder) sink(u order.StatusUpdate) {
	s.mu.Lock()
	s.updates = append(s.updates, u)
	s.mu.Unlock()
}

func (s *sinkRecorder) all() []order.StatusUpdate {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]order.StatusUpdate(nil), s.updates...)
}

func fastPaper(slices int) PaperConfig {
	return PaperConfig{CommissionPerShare: 0.005, MinCommission: 1, FillSlices: slices}
}

func TestPaperBroker_SingleFill(t *testing.T) {
	rec := &sinkRecorder{}
	pb := NewPaperBroker(fastPaper(1), nil)
	pb.SetStatusSink(rec.sink)

	id, err := pb.PlaceOrder(context.Background(), OrderRequest{Symbol: "SPY", Side: model.SideBuy, Quantity: 100, LimitPrice: 10})
	if err != nil {
		t.Fatal(err)
	}
	pb.Wait()

	ups := rec.all()
	if len(ups) != 2 {
		t.Fatalf("expected ack + fill, got %+v", ups)
	}
	if ups[0].Status != model.StatusAcknowledged || ups[0].OrderID != id {
		t.Errorf("first update = %+v", ups[0])
	}
	last := ups[1]
	if last.Status != model.StatusFilled || last.FilledQuantity != 100 || last.AvgFillPrice != 10 {
		t.Errorf("fill update = %+v", last)
	}
	if last.Commission != 1 {
		t.Errorf("commission = %v, want minimum 1", last.Commission)
	}
}

func TestPaperBroker_PartialFillsDriveMachine(t *testing.T) {
	rec := &sinkRecorder{}
	pb := NewPaperBroker(PaperConfig{CommissionPerShare: 0.01, FillSlices: 3}, nil)
	pb.SetStatusSink(rec.sink)

	m := order.NewMachine(nil)
	id, _ := pb.PlaceOrder(context.Background(), OrderRequest{Symbol: "SPY", Side: model.SideSell, Quantity: 300, LimitPrice: 20})
	if err := m.Track(model.Order{ID: id, Side: model.SideSell, Quantity: 300, LimitPrice: 20}); err != nil {
		t.Fatal(err)
	}
	pb.Wait()

	var total int64
	commission := decimal.Zero
	for _, u := range rec.all() {
		res, err := m.OnStatus(u)
		if err != nil {
			t.Fatalf("update %+v: %v", u, err)
		}
		if res.Fill != nil {
			total += res.Fill.Quantity
			commission = commission.Add(res.Fill.Commission)
		}
	}
	if total != 300 {
		t.Fatalf("fill deltas sum to %d, want 300", total)
	}
	if !commission.Equal(decimal.NewFromInt(3)) {
		t.Errorf("commission deltas sum to %s, want 3", commission)
	}
	if o, _ := m.Get(id); o.Status != model.StatusFilled {
		t.Errorf("final status %s", o.Status)
	}
}

func TestPaperBroker_Slippage(t *testing.T) {
	pb := NewPaperBroker(PaperConfig{SlippageBps: 10}, nil)
	if got := pb.fillPrice(OrderRequest{Side: model.SideBuy, LimitPrice: 100}); got != 100.1 {
		t.Errorf("buy fill = %v", got)
	}
	if got := pb.fillPrice(OrderRequest{Side: model.SideSell, LimitPrice: 100}); got != 99.9 {
		t.Errorf("sell fill = %v", got)
	}
}

func TestPaperBroker_CancelAndClose(t *testing.T) {
	rec := &sinkRecorder{}
	pb := NewPaperBroker(PaperConfig{FillSlices: 2, AckDelay: time.Millisecond, FillDelay: 200 * time.Millisecond}, nil)
	pb.SetStatusSink(rec.sink)

	id, _ := pb.PlaceOrder(context.Background(), OrderRequest{Symbol: "SPY", Side: model.SideBuy, Quantity: 10, LimitPrice: 5})
	if err := pb.CancelOrder(context.Background(), id); err != nil {
		t.Fatal(err)
	}
	pb.Wait()
	ups := rec.all()
	if ups[len(ups)-1].Status != model.StatusCancelled {
		t.Fatalf("expected cancel, got %+v", ups)
	}
	if err := pb.CancelOrder(context.Background(), id); !errors.Is(err, order.ErrTerminal) {
		t.Fatalf("cancel of finished order: %v", err)
	}
	if err := pb.CancelOrder(context.Background(), "nope"); !errors.Is(err, order.ErrUnknownOrder) {
		t.Fatalf("cancel of unknown order: %v", err)
	}

	pb.Close()
	if _, err := pb.PlaceOrder(context.Background(), OrderRequest{Symbol: "SPY", Side: model.SideBuy, Quantity: 1, LimitPrice: 5}); !errors.Is(err, ErrBrokerClosed) {
		t.Fatalf("expected ErrBrokerClosed, got %v", err)
	}
}

func TestOrderRequest_Validate(t *testing.T) {
	bad := []OrderRequest{
		{Side: model.SideBuy, Quantity: 1, LimitPrice: 1},
		{Symbol: "SPY", Side: "HOLD", Quantity: 1, LimitPrice: 1},
		{Symbol: "SPY", Side: model.SideBuy, Quantity: 0, LimitPrice: 1},
		{Symbol: "SPY", Side: model.SideBuy, Quantity: 1, LimitPrice: 0},
	}
	for _, r := range bad {
		if err := r.Validate(); err == nil {
			t.Errorf("expected error for %+v", r)
		}
	}
}

// ────────────────────────────────────────────────────────────
// Journal
// ────────────────────────────────────────────────────────────

func TestJournal_RoundTrip(t *testing.T) {
	j, err := NewJournal(filepath.Join(t.TempDir(), "journal.db"), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer j.Close()

	at := time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)
	j.RecordFill("SPY", model.FillEvent{OrderID: "1", Side: model.SideBuy, Quantity: 100, Price: decimal.NewFromInt(10), Commission: decimal.NewFromInt(1), At: at})
	j.RecordTransition(order.Result{
		From: model.StatusAcknowledged,
		Order: model.Order{ID: "1", Status: model.StatusFilled, FilledQuantity: 100, AvgFillPrice: 10, LastStatusChangeAt: at},
	})
	j.RecordAudit(audit.Report{Symbol: "SPY", RealizedPnL: decimal.NewFromInt(200), CommissionTotal: decimal.NewFromInt(2), NetPnL: decimal.NewFromInt(198), Passed: true, At: at})
	if err := j.Sync(); err != nil {
		t.Fatal(err)
	}

	fills, err := j.GetFills(10)
	if err != nil || len(fills) != 1 {
		t.Fatalf("fills = %+v, err = %v", fills, err)
	}
	if fills[0].Qty != 100 || fills[0].Price != "10" || fills[0].Commission != "1" {
		t.Errorf("fill row = %+v", fills[0])
	}

	tr, err := j.GetTransitions("1")
	if err != nil || len(tr) != 1 || tr[0].From != "acknowledged" || tr[0].To != "filled" {
		t.Fatalf("transitions = %+v, err = %v", tr, err)
	}

	audits, err := j.GetAudits(5)
	if err != nil || len(audits) != 1 || !audits[0].Passed || audits[0].NetPnL != "198" {
		t.Fatalf("audits = %+v, err = %v", audits, err)
	}
}

func TestJournal_ClosedRejectsWrites(t *testing.T) {
	j, err := NewJournal(filepath.Join(t.TempDir(), "journal.db"), nil)
	if err != nil {
		t.Fatal(err)
	}
	j.Close()
	if err := j.RecordFill("SPY", model.FillEvent{}); err == nil {
		t.Fatal("write after close should fail")
	}
}
