// Package replay feeds recorded bars from a Parquet file into the console
// at a configurable speed, for demos and backtests.
package replay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/parquet-go/parquet-go"

	"trading-console/internal/barstore"
	"trading-console/internal/marketdata/timestamp"
	"trading-console/internal/model"
)

// maxGap caps the sleep between two bars so overnight gaps do not stall a
// replay.
const maxGap = 5 * time.Second

var replayZone, _ = time.LoadLocation("America/New_York")

// Record is one bar row of a replay file.
type Record struct {
	TF        int32   `parquet:"tf"` // seconds
	Timestamp int64   `parquet:"t"`  // bar start, unix millis
	Open      float64 `parquet:"o"`
	High      float64 `parquet:"h"`
	Low       float64 `parquet:"l"`
	Close     float64 `parquet:"c"`
	Volume    float64 `parquet:"v"`
}

// Start returns the bar start time.
func (r Record) Start() time.Time {
	return time.UnixMilli(r.Timestamp).UTC()
}

// End returns the time the bar closes.
func (r Record) End() time.Time {
	return r.Start().Add(model.Timeframe(r.TF).Duration())
}

// RawBar renders the record the way the broker gateway delivers bars.
func (r Record) RawBar() model.RawBar {
	return model.RawBar{
		Date:   timestamp.Format(r.Start(), replayZone),
		Open:   r.Open,
		High:   r.High,
		Low:    r.Low,
		Close:  r.Close,
		Volume: r.Volume,
	}
}

// FromBar converts a stored bar into a record.
func FromBar(b model.Bar) Record {
	return Record{
		TF:        int32(b.TF),
		Timestamp: b.Time.UnixMilli(),
		Open:      b.Open,
		High:      b.High,
		Low:       b.Low,
		Close:     b.Close,
		Volume:    model.VolumeFloat(b.Volume),
	}
}

// ReadFile loads every record of a Parquet replay file.
func ReadFile(path string) ([]Record, error) {
	recs, err := parquet.ReadFile[Record](path)
	if err != nil {
		return nil, fmt.Errorf("read replay %s: %w", path, err)
	}
	return recs, nil
}

// WriteFile stores records as a Parquet replay file.
func WriteFile(path string, recs []Record) error {
	return parquet.WriteFile(path, recs)
}

// Sink receives replayed bars. Implemented by console.Console.
type Sink interface {
	OnBar(tf model.Timeframe, raw model.RawBar, isFinal bool) error
}

// Stats summarizes a replay run.
type Stats struct {
	Emitted    int
	Duplicates int
	Rejected   int
}

// Replayer replays records in close-time order.
type Replayer struct {
	records []Record
	log     *slog.Logger
}

// New creates a Replayer over recs. Bars are ordered by the time they
// close, so a 30s bar follows the three 10s bars it spans.
func New(recs []Record, log *slog.Logger) *Replayer {
	if log == nil {
		log = slog.Default()
	}
	sorted := slices.Clone(recs)
	slices.SortStableFunc(sorted, func(a, b Record) int {
		return a.End().Compare(b.End())
	})
	return &Replayer{records: sorted, log: log.With("component", "replay")}
}

// Open loads a replay file.
func Open(path string, log *slog.Logger) (*Replayer, error) {
	recs, err := ReadFile(path)
	if err != nil {
		return nil, err
	}
	return New(recs, log), nil
}

// Len returns the number of records.
func (r *Replayer) Len() int { return len(r.records) }

// Run sends every record to sink as a final bar. speed controls playback:
// 1.0 = real time, 10.0 = 10x, 0 = as fast as possible. A rejected bar is
// logged and skipped.
func (r *Replayer) Run(ctx context.Context, sink Sink, speed float64) (Stats, error) {
	var stats Stats
	if len(r.records) == 0 {
		r.log.Warn("no bars to replay")
		return stats, nil
	}
	r.log.Info("replay started", "bars", len(r.records), "speed", speed)

	var prev time.Time
	for _, rec := range r.records {
		if err := ctx.Err(); err != nil {
			r.log.Info("replay cancelled", "emitted", stats.Emitted)
			return stats, err
		}

		end := rec.End()
		if speed > 0 && !prev.IsZero() {
			if gap := time.Duration(float64(end.Sub(prev)) / speed); gap > 0 {
				if gap > maxGap {
					gap = maxGap
				}
				select {
				case <-ctx.Done():
					return stats, ctx.Err()
				case <-time.After(gap):
				}
			}
		}
		prev = end

		err := sink.OnBar(model.Timeframe(rec.TF), rec.RawBar(), true)
		switch {
		case err == nil:
			stats.Emitted++
		case errors.Is(err, barstore.ErrOutOfOrderBar):
			stats.Duplicates++
		default:
			stats.Rejected++
			r.log.Warn("bar rejected", "tf", rec.TF, "ts", rec.Start(), "err", err)
		}
	}

	r.log.Info("replay completed", "emitted", stats.Emitted, "duplicates", stats.Duplicates, "rejected", stats.Rejected)
	return stats, nil
}
