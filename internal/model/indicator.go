package model

import (
	"encoding/json"
	"time"
)

// IndicatorSnapshot holds every indicator of one timeframe as of the most
// recent closed bar. A snapshot is replaced as a whole, never patched.
type IndicatorSnapshot struct {
	TF         Timeframe `json:"tf"`
	EMA9       float64   `json:"ema9"`
	VWAP       float64   `json:"vwap"`
	MACDLine   float64   `json:"macd_line"`
	MACDSignal float64   `json:"macd_signal"`
	MACDHist   float64   `json:"macd_histogram"`

	EMA9Ready bool `json:"ema9_ready"`
	VWAPReady bool `json:"vwap_ready"`
	MACDReady bool `json:"macd_ready"`

	Bars       int       `json:"bars"`        // bars folded into this snapshot
	ComputedAt time.Time `json:"computed_at"` // timestamp of the last folded bar
}

// Complete reports whether every indicator has enough data.
func (s *IndicatorSnapshot) Complete() bool {
	return s.EMA9Ready && s.VWAPReady && s.MACDReady
}

// JSON returns the JSON-encoded snapshot.
func (s *IndicatorSnapshot) JSON() []byte {
	b, _ := json.Marshal(s)
	return b
}
