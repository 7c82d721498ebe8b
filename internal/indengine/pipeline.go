// Package indengine runs the per-timeframe indicator pipelines: bar-close
// detection, the rolling bar store, and the published indicator snapshot.
package indengine

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"trading-console/internal/barstore"
	"trading-console/internal/indicator"
	"trading-console/internal/marketdata/closedetector"
	"trading-console/internal/metrics"
	"trading-console/internal/model"
)

// Result describes what one bar delivery did to a pipeline.
type Result struct {
	Forming    bool // held as the still-forming bar
	Stale      bool // forming update for an already closed slot, dropped
	Closed     int  // bars accepted into the store
	Recomputed int  // snapshots published (always equal to Closed)
}

// Pipeline owns one timeframe's detector, bar store and snapshot. Writers
// are serialized by mu; readers load the snapshot without locking.
type Pipeline struct {
	tf     model.Timeframe
	engine *indicator.Engine
	log    *slog.Logger
	prom   *metrics.Metrics

	mu       sync.Mutex
	store    *barstore.Store
	detector *closedetector.Detector
	vwap     *indicator.VWAP // every accepted bar of the session, not just the window

	snap       atomic.Pointer[model.IndicatorSnapshot]
	recomputes atomic.Uint64

	// OnSnapshot, if set, is called after each recompute outside the lock.
	OnSnapshot func(model.IndicatorSnapshot)
}

// NewPipeline creates a pipeline for tf keeping capacity bars.
func NewPipeline(tf model.Timeframe, capacity int, engine *indicator.Engine, log *slog.Logger, prom *metrics.Metrics) *Pipeline {
	if log == nil {
		log = slog.Default()
	}
	return &Pipeline{
		tf:       tf,
		engine:   engine,
		log:      log.With("component", "indengine", "tf", tf.String()),
		prom:     prom,
		store:    barstore.New(tf, capacity),
		detector: closedetector.New(),
		vwap:     engine.NewVWAP(),
	}
}

// TF returns the pipeline's timeframe.
func (p *Pipeline) TF() model.Timeframe { return p.tf }

// OnBar ingests one bar delivery. Closed bars are appended and each one
// triggers exactly one recompute; forming updates only replace the pending
// bar. A closed bar that is not newer than the store's newest bar is
// dropped and reported as barstore.ErrOutOfOrderBar.
func (p *Pipeline) OnBar(bar model.Bar, isFinal bool) (Result, error) {
	var (
		res       Result
		firstErr  error
		published []model.IndicatorSnapshot
	)

	p.mu.Lock()
	obs := p.detector.Observe(bar, isFinal)
	res.Forming = obs.Forming
	res.Stale = obs.Stale
	for _, closed := range obs.Closed {
		snap, err := p.appendLocked(closed)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		res.Closed++
		published = append(published, snap)
	}
	p.mu.Unlock()

	res.Recomputed = len(published)
	if res.Forming && p.prom != nil {
		p.prom.FormingUpdates.WithLabelValues(p.tf.String()).Inc()
	}
	if res.Stale {
		p.log.Debug("stale forming bar dropped", "ts", bar.Time)
		p.countReject("stale")
	}
	p.publish(published)
	return res, firstErr
}

// Flush closes the pending forming bar, if any. Used when a feed ends.
func (p *Pipeline) Flush() (Result, error) {
	var res Result

	p.mu.Lock()
	bar, ok := p.detector.Flush()
	if !ok {
		p.mu.Unlock()
		return res, nil
	}
	snap, err := p.appendLocked(bar)
	p.mu.Unlock()
	if err != nil {
		return res, err
	}
	res.Closed, res.Recomputed = 1, 1
	p.publish([]model.IndicatorSnapshot{snap})
	return res, nil
}

// appendLocked stores a closed bar and recomputes. Caller holds mu.
func (p *Pipeline) appendLocked(bar model.Bar) (model.IndicatorSnapshot, error) {
	evictedBefore := p.store.Evicted()
	if err := p.store.Append(bar); err != nil {
		if errors.Is(err, barstore.ErrOutOfOrderBar) {
			p.log.Debug("out of order bar discarded", "ts", bar.Time, "err", err)
			p.countReject("out_of_order")
		} else {
			p.log.Warn("bar rejected", "ts", bar.Time, "err", err)
			p.countReject("invalid")
		}
		return model.IndicatorSnapshot{}, err
	}

	p.vwap.Update(bar)

	start := time.Now()
	snap := p.engine.Compute(p.tf, p.store.Snapshot())
	snap.VWAPReady = p.vwap.Ready()
	snap.VWAP = 0
	if snap.VWAPReady {
		snap.VWAP = p.vwap.Value()
	}
	p.snap.Store(&snap)
	p.recomputes.Add(1)

	if p.prom != nil {
		tf := p.tf.String()
		p.prom.BarsAccepted.WithLabelValues(tf).Inc()
		p.prom.IndicatorRecomputes.WithLabelValues(tf).Inc()
		p.prom.IndicatorComputeDur.WithLabelValues(tf).Observe(time.Since(start).Seconds())
		if p.store.Evicted() > evictedBefore {
			p.prom.BarsEvicted.WithLabelValues(tf).Inc()
		}
	}
	p.log.Debug("bar closed", "ts", bar.Time, "close", bar.Close, "bars", snap.Bars, "complete", snap.Complete())
	return snap, nil
}

func (p *Pipeline) publish(snaps []model.IndicatorSnapshot) {
	if p.OnSnapshot == nil {
		return
	}
	for _, s := range snaps {
		p.OnSnapshot(s)
	}
}

func (p *Pipeline) countReject(reason string) {
	if p.prom != nil {
		p.prom.BarsRejected.WithLabelValues(p.tf.String(), reason).Inc()
	}
}

// Snapshot returns the latest published snapshot. ok is false before the
// first bar close.
func (p *Pipeline) Snapshot() (model.IndicatorSnapshot, bool) {
	s := p.snap.Load()
	if s == nil {
		return model.IndicatorSnapshot{TF: p.tf}, false
	}
	return *s, true
}

// Bars returns a copy of the stored window, oldest first.
func (p *Pipeline) Bars() []model.Bar {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.store.Snapshot()
}

// LastBar returns the newest stored bar.
func (p *Pipeline) LastBar() (model.Bar, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.store.Last()
}

// Pending returns the bar currently forming.
func (p *Pipeline) Pending() (model.Bar, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.detector.Pending()
}

// Recomputes returns the number of snapshot recomputations so far.
func (p *Pipeline) Recomputes() uint64 { return p.recomputes.Load() }
