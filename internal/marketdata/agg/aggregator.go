// Package agg builds timeframe bars from a stream of trade prints, for
// feeds that deliver ticks rather than broker bars. Every timeframe is
// bucketed directly from the trades, so a 30s bar never waits on the 10s
// bars below it.
package agg

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"trading-console/internal/marketdata/timestamp"
	"trading-console/internal/model"
)

// Trade is one print from a tick feed.
type Trade struct {
	Price float64
	Size  decimal.Decimal
	At    time.Time
}

// Sink receives built bars. The console satisfies it.
type Sink interface {
	OnBar(tf model.Timeframe, raw model.RawBar, isFinal bool) error
}

// barState holds the forming bar of one timeframe.
type barState struct {
	bucket time.Time // bar start
	bar    model.RawBar
	volume decimal.Decimal
}

type pending struct {
	tf    model.Timeframe
	raw   model.RawBar
	final bool
}

// Aggregator buckets trades into bars. Add and FlushOld may be called from
// different goroutines; bars reach the sink in bucket order per timeframe.
// The sink must not call back into the aggregator.
type Aggregator struct {
	mu     sync.Mutex // held across delivery to keep bars in bucket order
	tfs    []model.Timeframe
	states map[model.Timeframe]*barState
	closed map[model.Timeframe]time.Time // start of the last closed bar
	zone   *time.Location
	sink   Sink
	log    *slog.Logger
	now    func() time.Time

	flushInterval time.Duration

	// EmitForming sends every update of the forming bar with isFinal false.
	EmitForming bool

	// Grace delays the wall-clock close of a bar so trades stamped just
	// before the boundary still land in it.
	Grace time.Duration

	// OnLateTrade is called when a trade belongs to an already closed bar.
	OnLateTrade func()
}

// New creates an aggregator for tfs. zone is the zone bar dates are
// rendered in and must be an America/ or US/ zone.
func New(tfs []model.Timeframe, zone *time.Location, sink Sink, log *slog.Logger) *Aggregator {
	if log == nil {
		log = slog.Default()
	}
	return &Aggregator{
		tfs:           tfs,
		states:        make(map[model.Timeframe]*barState, len(tfs)),
		closed:        make(map[model.Timeframe]time.Time, len(tfs)),
		zone:          zone,
		sink:          sink,
		log:           log.With("component", "agg"),
		now:           time.Now,
		flushInterval: 100 * time.Millisecond,
		Grace:         500 * time.Millisecond,
	}
}

// Run consumes trades until ctx is cancelled or ch is closed, closing bars
// on the wall clock as their buckets pass. Open bars are flushed on exit.
func (a *Aggregator) Run(ctx context.Context, ch <-chan Trade) {
	ticker := time.NewTicker(a.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			a.FlushAll()
			return
		case t, ok := <-ch:
			if !ok {
				a.FlushAll()
				return
			}
			a.Add(t)
		case <-ticker.C:
			a.FlushOld()
		}
	}
}

// Add folds one trade into the forming bar of every timeframe.
func (a *Aggregator) Add(t Trade) {
	if t.Price <= 0 || t.Size.IsNegative() {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	var out []pending
	late := false
	for _, tf := range a.tfs {
		bucket := t.At.Truncate(tf.Duration())
		st, ok := a.states[tf]

		if (ok && bucket.Before(st.bucket)) || a.isClosed(tf, bucket) {
			late = true
			continue
		}
		if ok && bucket.After(st.bucket) {
			out = append(out, a.close(tf, st))
			ok = false
		}
		if !ok {
			st = &barState{
				bucket: bucket,
				bar: model.RawBar{
					Date: timestamp.Format(bucket, a.zone),
					Open: t.Price, High: t.Price, Low: t.Price, Close: t.Price,
				},
				volume: t.Size,
			}
			a.states[tf] = st
		} else {
			st.bar.High = max(st.bar.High, t.Price)
			st.bar.Low = min(st.bar.Low, t.Price)
			st.bar.Close = t.Price
			st.volume = st.volume.Add(t.Size)
		}
		if a.EmitForming {
			out = append(out, pending{tf: tf, raw: st.finish(), final: false})
		}
	}
	if late && a.OnLateTrade != nil {
		a.OnLateTrade()
	}
	a.deliver(out)
}

// FlushOld closes every bar whose bucket ended more than Grace ago.
func (a *Aggregator) FlushOld() {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	var out []pending
	for _, tf := range a.tfs {
		st, ok := a.states[tf]
		if !ok {
			continue
		}
		if !st.bucket.Add(tf.Duration() + a.Grace).After(now) {
			out = append(out, a.close(tf, st))
		}
	}
	a.deliver(out)
}

// FlushAll closes every open bar regardless of the clock.
func (a *Aggregator) FlushAll() {
	a.mu.Lock()
	defer a.mu.Unlock()

	var out []pending
	for _, tf := range a.tfs {
		if st, ok := a.states[tf]; ok {
			out = append(out, a.close(tf, st))
		}
	}
	a.deliver(out)
}

// close finalizes st. Caller holds mu.
func (a *Aggregator) close(tf model.Timeframe, st *barState) pending {
	delete(a.states, tf)
	a.closed[tf] = st.bucket
	return pending{tf: tf, raw: st.finish(), final: true}
}

func (a *Aggregator) isClosed(tf model.Timeframe, bucket time.Time) bool {
	last, ok := a.closed[tf]
	return ok && !bucket.After(last)
}

// deliver hands bars to the sink. Caller holds mu.
func (a *Aggregator) deliver(out []pending) {
	for _, p := range out {
		if err := a.sink.OnBar(p.tf, p.raw, p.final); err != nil {
			a.log.Warn("bar rejected", "tf", p.tf.String(), "date", p.raw.Date, "final", p.final, "err", err)
		}
	}
}

func (s *barState) finish() model.RawBar {
	raw := s.bar
	raw.Volume = s.volume
	return raw
}
