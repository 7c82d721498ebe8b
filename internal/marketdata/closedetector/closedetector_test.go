package closedetector

import (
	"testing"
	"time"

	"trading-console/internal/model"
)

var t0 = time.Date(2026, 3, 2, 14, 30, 0, 0, time.UTC)

func at(slot int, close float64) model.Bar {
	return model.Bar{TF: model.TF10s, Time: t0.Add(time.Duration(slot) * 10 * time.Second), Close: close}
}

func TestDetector_FinalBarsPassThrough(t *testing.T) {
	d := New()
	for i := 0; i < 3; i++ {
		res := d.Observe(at(i, 100), true)
		if len(res.Closed) != 1 || res.Forming {
			t.Fatalf("bar %d: expected immediate close, got %+v", i, res)
		}
	}
	if _, ok := d.Pending(); ok {
		t.Fatal("no bar should be pending")
	}
}

func TestDetector_FormingUpdatesHeld(t *testing.T) {
	d := New()

	// Three updates of the same forming bar: nothing closes.
	for _, c := range []float64{100, 100.5, 101} {
		res := d.Observe(at(0, c), false)
		if len(res.Closed) != 0 || !res.Forming {
			t.Fatalf("forming update %v: unexpected %+v", c, res)
		}
	}
	if p, _ := d.Pending(); p.Close != 101 {
		t.Fatalf("pending should hold the latest update, got %v", p.Close)
	}

	// The next slot's first update closes the previous bar with its last values.
	res := d.Observe(at(1, 102), false)
	if len(res.Closed) != 1 || res.Closed[0].Close != 101 {
		t.Fatalf("expected slot 0 to close at 101, got %+v", res)
	}
	if !res.Forming {
		t.Fatal("slot 1 should now be forming")
	}
	if d.Updates() != 4 {
		t.Errorf("expected 4 forming updates, got %d", d.Updates())
	}
}

func TestDetector_FinalFlagClosesPending(t *testing.T) {
	d := New()
	d.Observe(at(0, 100), false)
	res := d.Observe(at(0, 100.2), true)
	if len(res.Closed) != 1 || res.Closed[0].Close != 100.2 {
		t.Fatalf("expected final delivery to close slot 0, got %+v", res)
	}
	if _, ok := d.Pending(); ok {
		t.Fatal("pending should be cleared")
	}
}

func TestDetector_LaterFinalClosesPendingAndItself(t *testing.T) {
	d := New()
	d.Observe(at(0, 100), false)
	res := d.Observe(at(1, 101), true)
	if len(res.Closed) != 2 {
		t.Fatalf("expected two closed bars, got %+v", res)
	}
	if !res.Closed[0].Time.Before(res.Closed[1].Time) {
		t.Fatal("closed bars must be in increasing time order")
	}
}

func TestDetector_StaleFormingDropped(t *testing.T) {
	d := New()
	d.Observe(at(5, 100), true)

	res := d.Observe(at(5, 99), false)
	if !res.Stale || res.Forming || len(res.Closed) != 0 {
		t.Fatalf("forming update for a closed slot should be stale, got %+v", res)
	}

	d.Observe(at(6, 100), false)
	res = d.Observe(at(4, 98), false)
	if !res.Stale {
		t.Fatalf("forming update older than pending should be stale, got %+v", res)
	}
}

func TestDetector_Flush(t *testing.T) {
	d := New()
	if _, ok := d.Flush(); ok {
		t.Fatal("flush on empty detector should return false")
	}
	d.Observe(at(0, 100), false)
	bar, ok := d.Flush()
	if !ok || bar.Close != 100 {
		t.Fatalf("expected flushed bar, got %+v ok=%v", bar, ok)
	}
	if res := d.Observe(at(0, 100), false); !res.Stale {
		t.Fatal("update after flush of the same slot should be stale")
	}
}
