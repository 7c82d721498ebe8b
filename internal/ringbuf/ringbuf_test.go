package ringbuf

import "testing"

func TestRing_BasicPushAt(t *testing.T) {
	r := New[int](4)

	r.Push(1)
	r.Push(2)

	if r.Len() != 2 {
		t.Fatalf("expected len=2, got %d", r.Len())
	}
	if v, ok := r.At(0); !ok || v != 1 {
		t.Fatalf("At(0): expected 1, got %d ok=%v", v, ok)
	}
	if v, ok := r.Last(); !ok || v != 2 {
		t.Fatalf("Last: expected 2, got %d ok=%v", v, ok)
	}
	if _, ok := r.At(2); ok {
		t.Fatal("At(2) on len=2 should fail")
	}
	if _, ok := r.At(-1); ok {
		t.Fatal("At(-1) should fail")
	}
}

func TestRing_EvictsOldest(t *testing.T) {
	r := New[int](3)

	for i := 1; i <= 3; i++ {
		if _, evicted := r.Push(i); evicted {
			t.Fatalf("push %d should not evict", i)
		}
	}

	old, evicted := r.Push(4)
	if !evicted || old != 1 {
		t.Fatalf("expected eviction of 1, got %d evicted=%v", old, evicted)
	}
	if r.Evicted() != 1 {
		t.Fatalf("expected evicted=1, got %d", r.Evicted())
	}

	got := r.Slice()
	want := []int{2, 3, 4}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("position %d: expected %d, got %d", i, want[i], got[i])
		}
	}
}

func TestRing_Wraparound(t *testing.T) {
	r := New[int](5)

	// Push well past capacity so start wraps several times.
	for i := 0; i < 23; i++ {
		r.Push(i)
	}

	if r.Len() != 5 {
		t.Fatalf("expected len=5, got %d", r.Len())
	}
	for i := 0; i < 5; i++ {
		v, _ := r.At(i)
		if v != 18+i {
			t.Errorf("At(%d): expected %d, got %d", i, 18+i, v)
		}
	}
}

func TestRing_Range(t *testing.T) {
	r := New[int](4)
	for i := 0; i < 6; i++ {
		r.Push(i) // holds 2,3,4,5
	}

	got := r.Range(1, 3)
	if len(got) != 2 || got[0] != 3 || got[1] != 4 {
		t.Fatalf("Range(1,3): expected [3 4], got %v", got)
	}
	if got := r.Range(-5, 100); len(got) != 4 {
		t.Fatalf("clamped range: expected 4 elements, got %v", got)
	}
	if got := r.Range(3, 1); got != nil {
		t.Fatalf("inverted range: expected nil, got %v", got)
	}

	// Returned slices are copies.
	got[0] = 99
	if v, _ := r.At(1); v != 3 {
		t.Fatal("Range result must not alias ring storage")
	}
}

func TestRing_MinimumCapacity(t *testing.T) {
	r := New[string](0)
	if r.Cap() != 1 {
		t.Fatalf("expected cap=1, got %d", r.Cap())
	}
	r.Push("a")
	r.Push("b")
	if v, _ := r.Last(); v != "b" || r.Len() != 1 {
		t.Fatalf("expected single element b, got %q len=%d", v, r.Len())
	}
}
