// Package ringbuf provides a fixed-capacity rolling window that evicts the
// oldest element on overflow and supports positional and range reads.
//
// Ring is not safe for concurrent use; owners serialize access.
package ringbuf

// Ring is a fixed-capacity ring of T. Unlike a deque, every element is
// addressable by its logical position (0 = oldest).
type Ring[T any] struct {
	buf   []T
	start int // index of the oldest element
	n     int

	// Evicted counts elements dropped by Push on a full ring.
	evicted uint64
}

// New creates a ring holding at most capacity elements. Minimum capacity is 1.
func New[T any](capacity int) *Ring[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring[T]{buf: make([]T, capacity)}
}

// Push appends v as the newest element. On a full ring the oldest element is
// overwritten and returned with evicted=true.
func (r *Ring[T]) Push(v T) (old T, evicted bool) {
	if r.n < len(r.buf) {
		r.buf[(r.start+r.n)%len(r.buf)] = v
		r.n++
		return old, false
	}
	old = r.buf[r.start]
	r.buf[r.start] = v
	r.start = (r.start + 1) % len(r.buf)
	r.evicted++
	return old, true
}

// At returns the element at logical position i (0 = oldest).
func (r *Ring[T]) At(i int) (T, bool) {
	var zero T
	if i < 0 || i >= r.n {
		return zero, false
	}
	return r.buf[(r.start+i)%len(r.buf)], true
}

// Last returns the newest element.
func (r *Ring[T]) Last() (T, bool) {
	return r.At(r.n - 1)
}

// Range copies the elements in logical positions [from, to) into a new
// slice. Bounds are clamped to the stored range.
func (r *Ring[T]) Range(from, to int) []T {
	if from < 0 {
		from = 0
	}
	if to > r.n {
		to = r.n
	}
	if from >= to {
		return nil
	}
	out := make([]T, 0, to-from)
	for i := from; i < to; i++ {
		out = append(out, r.buf[(r.start+i)%len(r.buf)])
	}
	return out
}

// Slice copies all elements, oldest first.
func (r *Ring[T]) Slice() []T {
	return r.Range(0, r.n)
}

// Len returns the number of stored elements.
func (r *Ring[T]) Len() int { return r.n }

// Cap returns the ring capacity.
func (r *Ring[T]) Cap() int { return len(r.buf) }

// Evicted returns the total number of elements dropped by overflow.
func (r *Ring[T]) Evicted() uint64 { return r.evicted }
