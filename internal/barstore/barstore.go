// Package barstore keeps the rolling bar history of one timeframe.
package barstore

import (
	"errors"
	"fmt"

	"trading-console/internal/model"
	"trading-console/internal/ringbuf"
)

// DefaultCapacity is the number of bars retained per timeframe.
const DefaultCapacity = 500

// ErrOutOfOrderBar is returned when a bar is not strictly newer than the
// newest stored bar (replay, reconnect or duplicate delivery).
var ErrOutOfOrderBar = errors.New("out of order bar")

// Store holds up to Cap() bars of a single timeframe in arrival order.
// Store does no locking of its own; the owning pipeline serializes it.
type Store struct {
	tf   model.Timeframe
	ring *ringbuf.Ring[model.Bar]
}

// New creates a store for tf. capacity <= 0 selects DefaultCapacity.
func New(tf model.Timeframe, capacity int) *Store {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Store{tf: tf, ring: ringbuf.New[model.Bar](capacity)}
}

// TF returns the store's timeframe.
func (s *Store) TF() model.Timeframe { return s.tf }

// Append stores bar as the newest element, evicting the oldest on overflow.
func (s *Store) Append(bar model.Bar) error {
	if bar.TF != s.tf {
		return fmt.Errorf("barstore %s: bar has timeframe %s", s.tf, bar.TF)
	}
	if last, ok := s.ring.Last(); ok && !bar.Time.After(last.Time) {
		return fmt.Errorf("%w: %s bar %s not after %s",
			ErrOutOfOrderBar, s.tf, bar.Time.Format("15:04:05"), last.Time.Format("15:04:05"))
	}
	s.ring.Push(bar)
	return nil
}

// Snapshot returns a copy of the stored bars, oldest first.
func (s *Store) Snapshot() []model.Bar {
	return s.ring.Slice()
}

// Range returns a copy of bars in positions [from, to).
func (s *Store) Range(from, to int) []model.Bar {
	return s.ring.Range(from, to)
}

// At returns the bar at position i (0 = oldest).
func (s *Store) At(i int) (model.Bar, bool) {
	return s.ring.At(i)
}

// Last returns the newest stored bar.
func (s *Store) Last() (model.Bar, bool) {
	return s.ring.Last()
}

// Len returns the number of stored bars.
func (s *Store) Len() int { return s.ring.Len() }

// Cap returns the store capacity.
func (s *Store) Cap() int { return s.ring.Cap() }

// Evicted returns how many bars have aged out of the window.
func (s *Store) Evicted() uint64 { return s.ring.Evicted() }
