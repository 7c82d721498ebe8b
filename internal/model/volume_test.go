package model

import (
	"encoding/json"
	"errors"
	"math"
	"testing"

	"github.com/shopspring/decimal"
)

func TestParseVolume_WireTypes(t *testing.T) {
	tests := []struct {
		name string
		in   any
		want float64
	}{
		{"int", 1500, 1500},
		{"int64", int64(1500), 1500},
		{"uint64", uint64(1500), 1500},
		{"float64", 1500.0, 1500},
		{"decimal", decimal.RequireFromString("1500"), 1500},
		{"decimal pointer", func() *decimal.Decimal { d := decimal.NewFromInt(1500); return &d }(), 1500},
		{"string", " 1500.00 ", 1500},
		{"json number", json.Number("1500"), 1500},
		{"nil", nil, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseVolume(tt.in)
			if err != nil {
				t.Fatalf("ParseVolume(%v): %v", tt.in, err)
			}
			if f := VolumeFloat(got); f != tt.want {
				t.Errorf("VolumeFloat = %v, want %v", f, tt.want)
			}
		})
	}
}

func TestParseVolume_Rejects(t *testing.T) {
	for _, in := range []any{-1, math.NaN(), "abc", struct{}{}} {
		if _, err := ParseVolume(in); !errors.Is(err, ErrInvalidVolume) {
			t.Errorf("ParseVolume(%v): expected ErrInvalidVolume, got %v", in, err)
		}
	}
}

func TestParseTimeframe(t *testing.T) {
	for _, s := range []string{"10", "10s", "10 secs"} {
		tf, err := ParseTimeframe(s)
		if err != nil || tf != TF10s {
			t.Errorf("ParseTimeframe(%q) = %v, %v", s, tf, err)
		}
	}
	if _, err := ParseTimeframe("abc"); err == nil {
		t.Error("expected error for abc")
	}
	if TF30s.BarSize() != "30 secs" {
		t.Errorf("BarSize = %q", TF30s.BarSize())
	}
}
