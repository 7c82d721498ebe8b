// Package indicator provides the technical indicators the console derives
// from closed bars: EMA, session VWAP and MACD.
//
// All indicators implement the Indicator interface, receiving bars oldest
// first. Compute folds a whole bar window into a model.IndicatorSnapshot.
package indicator

import (
	"errors"

	"trading-console/internal/model"
)

// ErrInsufficientData reports that an indicator cannot be computed yet.
// It is an expected state while a window fills, not a failure.
var ErrInsufficientData = errors.New("insufficient data")

// Indicator is the interface for all technical indicators.
type Indicator interface {
	// Name returns the indicator name (e.g., "EMA_9", "VWAP").
	Name() string

	// Update feeds the next closed bar.
	Update(bar model.Bar)

	// Value returns the current value. Returns 0 if not enough data.
	Value() float64

	// Ready returns true when enough data has been accumulated.
	Ready() bool
}
