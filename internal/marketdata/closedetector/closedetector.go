// Package closedetector decides when a streamed bar has closed.
//
// A keep-up-to-date feed redelivers the newest bar many times while it is
// still forming. The detector holds that bar aside and releases it only
// when the broker marks it final or a bar with a later timestamp arrives.
package closedetector

import (
	"time"

	"trading-console/internal/model"
)

// Result is the outcome of observing one delivery.
type Result struct {
	// Closed holds bars that became final with this delivery, oldest first.
	Closed []model.Bar
	// Forming is true when the delivery is being held as the pending bar.
	Forming bool
	// Stale is true when a forming update was dropped because a newer bar
	// has already closed.
	Stale bool
}

// Detector tracks the pending bar of one timeframe. Not safe for
// concurrent use; the owning pipeline serializes calls.
type Detector struct {
	pending    *model.Bar
	lastClosed time.Time

	updates uint64 // forming deliveries absorbed
}

// New creates a Detector.
func New() *Detector {
	return &Detector{}
}

// Observe records a bar delivery. isFinal is the broker's finality flag.
func (d *Detector) Observe(bar model.Bar, isFinal bool) Result {
	var res Result

	if d.pending != nil {
		switch {
		case bar.Time.Equal(d.pending.Time):
			if isFinal {
				d.pending = nil
				return d.close(res, bar)
			}
			d.pending = &bar
			d.updates++
			res.Forming = true
			return res

		case bar.Time.After(d.pending.Time):
			// A later bar establishes that the pending one is complete.
			res = d.close(res, *d.pending)
			d.pending = nil

		default:
			if !isFinal {
				res.Stale = true
				return res
			}
			// Late final bar for an earlier slot; the store decides.
			return d.close(res, bar)
		}
	}

	if isFinal {
		return d.close(res, bar)
	}
	if !d.lastClosed.IsZero() && !bar.Time.After(d.lastClosed) {
		res.Stale = true
		return res
	}
	d.pending = &bar
	d.updates++
	res.Forming = true
	return res
}

func (d *Detector) close(res Result, bar model.Bar) Result {
	res.Closed = append(res.Closed, bar)
	if bar.Time.After(d.lastClosed) {
		d.lastClosed = bar.Time
	}
	return res
}

// Flush releases the pending bar as closed, e.g. when a replay ends.
func (d *Detector) Flush() (model.Bar, bool) {
	if d.pending == nil {
		return model.Bar{}, false
	}
	bar := *d.pending
	d.pending = nil
	if bar.Time.After(d.lastClosed) {
		d.lastClosed = bar.Time
	}
	return bar, true
}

// Pending returns the bar currently forming.
func (d *Detector) Pending() (model.Bar, bool) {
	if d.pending == nil {
		return model.Bar{}, false
	}
	return *d.pending, true
}

// Updates returns how many forming deliveries have been absorbed.
func (d *Detector) Updates() uint64 { return d.updates }
