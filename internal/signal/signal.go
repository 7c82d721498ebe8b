// Package signal turns an indicator snapshot and the live price into a
// buy/sell/hold read for the operator.
//
// Extrapolate is pure and never fails: any indicator that is not ready
// resolves to hold. Between bar closes the snapshot does not change, so the
// signal only moves with the price input.
package signal

import (
	"math"
	"time"

	"trading-console/internal/model"
)

// Combination weights for the fast (10s) and slow (30s) timeframes.
const (
	FastWeight     = 0.6
	SlowWeight     = 0.4
	ScoreThreshold = 0.5
)

// Extrapolate applies the direction policy to one timeframe:
// buy when price is above EMA9 and VWAP with a positive MACD histogram,
// sell when price is below both with a negative histogram, otherwise hold.
func Extrapolate(price float64, snap model.IndicatorSnapshot, at time.Time) model.Signal {
	sig := model.Signal{Value: model.SignalHold, Price: price, DerivedAt: at}
	if !snap.Complete() || price <= 0 {
		return sig
	}

	switch {
	case price > snap.EMA9 && price > snap.VWAP && snap.MACDHist > 0:
		sig.Value = model.SignalBuy
	case price < snap.EMA9 && price < snap.VWAP && snap.MACDHist < 0:
		sig.Value = model.SignalSell
	}
	sig.Strength = Strength(price, snap)
	return sig
}

// Strength scores how far price sits from its indicators on a 0-100 scale.
// It averages the EMA9 and VWAP distances in percent with the histogram
// scaled by 10, then scales the magnitude by 10 and caps it at 100.
// Indicators that are not ready are left out of the average.
func Strength(price float64, snap model.IndicatorSnapshot) float64 {
	var sum float64
	var n int
	if snap.EMA9Ready && snap.EMA9 != 0 {
		sum += (price - snap.EMA9) / snap.EMA9 * 100
		n++
	}
	if snap.VWAPReady && snap.VWAP > 0 {
		sum += (price - snap.VWAP) / snap.VWAP * 100
		n++
	}
	if snap.MACDReady {
		sum += snap.MACDHist * 10
		n++
	}
	if n == 0 {
		return 0
	}
	return math.Min(100, math.Abs(sum/float64(n))*10)
}

// Combine merges the fast and slow timeframe signals. Each timeframe votes
// its weight towards buy or sell; the winning side must also exceed
// ScoreThreshold. Strength is the weighted sum of both strengths.
func Combine(fast, slow model.Signal, at time.Time) model.Signal {
	var buy, sell float64
	vote := func(v model.SignalValue, w float64) {
		switch v {
		case model.SignalBuy:
			buy += w
		case model.SignalSell:
			sell += w
		}
	}
	vote(fast.Value, FastWeight)
	vote(slow.Value, SlowWeight)

	out := model.Signal{
		Value:     model.SignalHold,
		Strength:  fast.Strength*FastWeight + slow.Strength*SlowWeight,
		Price:     fast.Price,
		DerivedAt: at,
	}
	switch {
	case buy > sell && buy > ScoreThreshold:
		out.Value = model.SignalBuy
	case sell > buy && sell > ScoreThreshold:
		out.Value = model.SignalSell
	}
	return out
}

// Relative is price expressed against each indicator.
type Relative struct {
	EMA9Diff    float64 `json:"ema9_diff"`
	EMA9DiffPct float64 `json:"ema9_diff_pct"`
	VWAPDiff    float64 `json:"vwap_diff"`
	VWAPDiffPct float64 `json:"vwap_diff_pct"`
	MACDLine    float64 `json:"macd"`
	MACDHist    float64 `json:"macd_histogram"`

	HasEMA9 bool `json:"has_ema9"`
	HasVWAP bool `json:"has_vwap"`
	HasMACD bool `json:"has_macd"`
}

// RelativeTo computes the price distance to every ready indicator.
func RelativeTo(price float64, snap model.IndicatorSnapshot) Relative {
	var r Relative
	if snap.EMA9Ready && snap.EMA9 != 0 {
		r.HasEMA9 = true
		r.EMA9Diff = price - snap.EMA9
		r.EMA9DiffPct = r.EMA9Diff / snap.EMA9 * 100
	}
	if snap.VWAPReady && snap.VWAP > 0 {
		r.HasVWAP = true
		r.VWAPDiff = price - snap.VWAP
		r.VWAPDiffPct = r.VWAPDiff / snap.VWAP * 100
	}
	if snap.MACDReady {
		r.HasMACD = true
		r.MACDLine = snap.MACDLine
		r.MACDHist = snap.MACDHist
	}
	return r
}
