package model

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Timeframe is a bar duration in seconds.
type Timeframe int

const (
	TF10s Timeframe = 10
	TF30s Timeframe = 30
)

// Timeframes lists the timeframes the console tracks, fastest first.
var Timeframes = []Timeframe{TF10s, TF30s}

// Duration returns the bar width.
func (tf Timeframe) Duration() time.Duration {
	return time.Duration(tf) * time.Second
}

func (tf Timeframe) String() string {
	return strconv.Itoa(int(tf)) + "s"
}

// BarSize returns the broker bar-size setting for this timeframe ("10 secs").
func (tf Timeframe) BarSize() string {
	return strconv.Itoa(int(tf)) + " secs"
}

// ParseTimeframe accepts "10", "10s" or "10 secs".
func ParseTimeframe(s string) (Timeframe, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	s = strings.TrimSuffix(s, " secs")
	s = strings.TrimSuffix(s, "s")
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid timeframe %q", s)
	}
	return Timeframe(n), nil
}

// Bar is one OHLCV bar of a single timeframe. Bars are values; once stored
// they are never mutated.
type Bar struct {
	TF     Timeframe       `json:"tf"`
	Time   time.Time       `json:"ts"` // bar start, UTC
	Open   float64         `json:"open"`
	High   float64         `json:"high"`
	Low    float64         `json:"low"`
	Close  float64         `json:"close"`
	Volume decimal.Decimal `json:"volume"`
}

// TypicalPrice returns (high+low+close)/3.
func (b *Bar) TypicalPrice() float64 {
	return (b.High + b.Low + b.Close) / 3
}

// JSON returns the JSON-encoded bar (ignoring errors for hot-path usage).
func (b *Bar) JSON() []byte {
	out, _ := json.Marshal(b)
	return out
}

// RawBar is a bar exactly as the broker callback delivers it: the date is
// still a broker string and the volume may be any numeric wire type.
type RawBar struct {
	Date   string
	Open   float64
	High   float64
	Low    float64
	Close  float64
	Volume any
}
