package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/shopspring/decimal"
)

// ErrInvalidVolume is returned for negative, NaN or unsupported volumes.
var ErrInvalidVolume = errors.New("invalid volume")

// Volume crosses the broker boundary in whatever type the gateway uses:
// integers from older feeds, fixed-point decimals from newer ones, floats
// from replay files. ParseVolume normalizes every wire type into the
// fixed-point value stored on Bar, and VolumeFloat is the only place a
// stored volume becomes float64 for arithmetic. No other package converts
// volumes.

// ParseVolume converts a broker volume into its stored representation.
func ParseVolume(v any) (decimal.Decimal, error) {
	var d decimal.Decimal
	switch x := v.(type) {
	case nil:
		return decimal.Zero, nil
	case int:
		d = decimal.NewFromInt(int64(x))
	case int32:
		d = decimal.NewFromInt32(x)
	case int64:
		d = decimal.NewFromInt(x)
	case uint:
		d = decimal.NewFromUint64(uint64(x))
	case uint32:
		d = decimal.NewFromUint64(uint64(x))
	case uint64:
		d = decimal.NewFromUint64(x)
	case float32:
		return ParseVolume(float64(x))
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return decimal.Zero, fmt.Errorf("%w: %v", ErrInvalidVolume, x)
		}
		d = decimal.NewFromFloat(x)
	case decimal.Decimal:
		d = x
	case *decimal.Decimal:
		if x == nil {
			return decimal.Zero, nil
		}
		d = *x
	case json.Number:
		return ParseVolume(string(x))
	case string:
		parsed, err := decimal.NewFromString(strings.TrimSpace(x))
		if err != nil {
			return decimal.Zero, fmt.Errorf("%w: %q", ErrInvalidVolume, x)
		}
		d = parsed
	default:
		return decimal.Zero, fmt.Errorf("%w: unsupported type %T", ErrInvalidVolume, v)
	}
	if d.IsNegative() {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrInvalidVolume, d)
	}
	return d, nil
}

// VolumeFloat converts a stored volume to float64 before it is multiplied
// by a price.
func VolumeFloat(v decimal.Decimal) float64 {
	return v.InexactFloat64()
}
