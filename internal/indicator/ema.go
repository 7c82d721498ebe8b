package indicator

import (
	"strconv"

	"trading-console/internal/model"
)

// EMA calculates an Exponential Moving Average of closes.
// O(1) per update; no window storage needed.
type EMA struct {
	period     int
	multiplier float64
	current    float64
	count      int
	sum        float64

	// seedFirst seeds with the first value instead of an SMA of period values.
	seedFirst bool
}

// NewEMA creates an EMA seeded by the simple average of its first period
// values. Value is undefined until period values have been seen.
func NewEMA(period int) *EMA {
	return &EMA{
		period:     period,
		multiplier: 2.0 / float64(period+1),
	}
}

// NewEMASeededFirst creates an EMA that starts at its first input and is
// ready immediately. MACD uses it for the signal line.
func NewEMASeededFirst(period int) *EMA {
	e := NewEMA(period)
	e.seedFirst = true
	return e
}

func (e *EMA) Name() string { return "EMA_" + strconv.Itoa(e.period) }

func (e *EMA) Update(bar model.Bar) { e.Add(bar.Close) }

// Add feeds a raw value.
func (e *EMA) Add(price float64) {
	e.count++

	if e.seedFirst && e.count == 1 {
		e.current = price
		return
	}

	if !e.seedFirst && e.count <= e.period {
		// Accumulate for initial SMA seed
		e.sum += price
		if e.count == e.period {
			e.current = e.sum / float64(e.period)
		}
		return
	}

	// EMA = (Price * multiplier) + (EMA_prev * (1 - multiplier))
	e.current = (price * e.multiplier) + (e.current * (1 - e.multiplier))
}

func (e *EMA) Value() float64 {
	if !e.Ready() {
		return 0
	}
	return e.current
}

func (e *EMA) Ready() bool {
	if e.seedFirst {
		return e.count >= 1
	}
	return e.count >= e.period
}

// Multiplier returns the smoothing factor 2/(period+1).
func (e *EMA) Multiplier() float64 { return e.multiplier }
