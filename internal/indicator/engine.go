package indicator

import "trading-console/internal/model"

// Params configures the indicator periods.
type Params struct {
	EMAPeriod  int `yaml:"ema_period" default:"9" validate:"gt=0"`
	MACDFast   int `yaml:"macd_fast" default:"12" validate:"gt=0"`
	MACDSlow   int `yaml:"macd_slow" default:"26" validate:"gtfield=MACDFast"`
	MACDSignal int `yaml:"macd_signal" default:"9" validate:"gt=0"`
}

// DefaultParams returns EMA(9) and MACD(12,26,9).
func DefaultParams() Params {
	return Params{EMAPeriod: 9, MACDFast: 12, MACDSlow: 26, MACDSignal: 9}
}

// Engine folds bar windows into indicator snapshots. It holds no state
// between calls, so the same window always yields the same snapshot.
type Engine struct {
	params  Params
	session SessionFunc
}

// NewEngine creates an engine. A nil session uses the exchange calendar day.
func NewEngine(params Params, session SessionFunc) *Engine {
	return &Engine{params: params, session: session}
}

// NewVWAP returns a VWAP using the engine's session boundaries.
func (e *Engine) NewVWAP() *VWAP { return NewVWAP(e.session) }

// MinBars returns the number of bars after which every indicator can be ready.
func (e *Engine) MinBars() int {
	if e.params.MACDSlow > e.params.EMAPeriod {
		return e.params.MACDSlow
	}
	return e.params.EMAPeriod
}

// Compute folds bars (oldest first) into a fresh snapshot for tf.
// ComputedAt is the timestamp of the last bar in the window.
func (e *Engine) Compute(tf model.Timeframe, bars []model.Bar) model.IndicatorSnapshot {
	ema := NewEMA(e.params.EMAPeriod)
	vwap := NewVWAP(e.session)
	macd := NewMACD(e.params.MACDFast, e.params.MACDSlow, e.params.MACDSignal)

	// Update all indicators in one pass
	inds := [...]Indicator{ema, vwap, macd}
	for i := range bars {
		for _, ind := range inds {
			ind.Update(bars[i])
		}
	}

	snap := model.IndicatorSnapshot{
		TF:        tf,
		Bars:      len(bars),
		EMA9Ready: ema.Ready(),
		VWAPReady: vwap.Ready(),
		MACDReady: macd.Ready(),
	}
	if len(bars) > 0 {
		snap.ComputedAt = bars[len(bars)-1].Time
	}
	if snap.EMA9Ready {
		snap.EMA9 = ema.Value()
	}
	if snap.VWAPReady {
		snap.VWAP = vwap.Value()
	}
	if snap.MACDReady {
		snap.MACDLine = macd.Value()
		snap.MACDSignal = macd.Signal()
		snap.MACDHist = macd.Histogram()
	}
	return snap
}
