package indicator

import (
	"strconv"

	"trading-console/internal/model"
)

// MACD is the moving-average convergence-divergence oscillator.
// line = EMA(fast) - EMA(slow), signal = EMA(signal) of line, hist = line - signal.
// It becomes ready on the bar where EMA(slow) is seeded; the signal line
// starts at that bar's line value.
type MACD struct {
	fast   *EMA
	slow   *EMA
	signal *EMA

	line float64
	hist float64
}

// NewMACD creates a MACD(fast, slow, signal), e.g. NewMACD(12, 26, 9).
func NewMACD(fast, slow, signal int) *MACD {
	return &MACD{
		fast:   NewEMA(fast),
		slow:   NewEMA(slow),
		signal: NewEMASeededFirst(signal),
	}
}

func (m *MACD) Name() string {
	return "MACD_" + strconv.Itoa(m.fast.period) + "_" + strconv.Itoa(m.slow.period) + "_" + strconv.Itoa(m.signal.period)
}

func (m *MACD) Update(bar model.Bar) {
	m.fast.Add(bar.Close)
	m.slow.Add(bar.Close)
	if !m.fast.Ready() || !m.slow.Ready() {
		return
	}
	m.line = m.fast.Value() - m.slow.Value()
	m.signal.Add(m.line)
	m.hist = m.line - m.signal.Value()
}

// Value returns the MACD line.
func (m *MACD) Value() float64 { return m.line }

// Signal returns the signal line.
func (m *MACD) Signal() float64 { return m.signal.Value() }

// Histogram returns line - signal.
func (m *MACD) Histogram() float64 { return m.hist }

func (m *MACD) Ready() bool { return m.slow.Ready() && m.signal.Ready() }
