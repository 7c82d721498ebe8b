package markethours

import (
	"strings"
	"testing"
	"time"
)

func et(y int, m time.Month, d, hh, mm int) time.Time {
	return time.Date(y, m, d, hh, mm, 0, 0, Eastern)
}

func TestIsMarketOpen(t *testing.T) {
	tests := []struct {
		name string
		at   time.Time
		want bool
	}{
		{"before open", et(2026, 3, 2, 9, 29), false},
		{"at open", et(2026, 3, 2, 9, 30), true},
		{"midday", et(2026, 3, 2, 12, 0), true},
		{"at close", et(2026, 3, 2, 16, 0), false},
		{"saturday", et(2026, 3, 7, 12, 0), false},
		{"good friday", et(2026, 4, 3, 12, 0), false},
	}
	for _, tt := range tests {
		if got := IsMarketOpen(tt.at); got != tt.want {
			t.Errorf("%s: IsMarketOpen=%v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestIsExtendedHours(t *testing.T) {
	if !IsExtendedHours(et(2026, 3, 2, 7, 0)) {
		t.Error("07:00 should be pre-market")
	}
	if !IsExtendedHours(et(2026, 3, 2, 17, 0)) {
		t.Error("17:00 should be after-hours")
	}
	if IsExtendedHours(et(2026, 3, 2, 12, 0)) {
		t.Error("12:00 is regular session")
	}
}

func TestSessionKey_UsesEasternDate(t *testing.T) {
	// 23:30 ET on Mar 2 is already Mar 3 in UTC.
	late := et(2026, 3, 2, 23, 30)
	if late.UTC().Day() != 3 {
		t.Fatalf("test setup: expected UTC day 3, got %v", late.UTC())
	}
	if got := SessionKey(late.UTC()); got != "2026-03-02" {
		t.Errorf("SessionKey = %q, want 2026-03-02", got)
	}
	if SessionKey(et(2026, 3, 2, 9, 30)) == SessionKey(et(2026, 3, 3, 9, 30)) {
		t.Error("consecutive days must have distinct session keys")
	}
}

func TestNextOpen_SkipsWeekendAndHoliday(t *testing.T) {
	// Thursday Apr 2 after close → Good Friday closed → Monday Apr 6.
	next := NextOpen(et(2026, 4, 2, 17, 0))
	want := et(2026, 4, 6, 9, 30)
	if !next.Equal(want) {
		t.Errorf("NextOpen = %v, want %v", next, want)
	}
}

func TestStatusString(t *testing.T) {
	if s := StatusString(et(2026, 3, 2, 15, 0)); !strings.HasPrefix(s, "Market Open") {
		t.Errorf("unexpected status %q", s)
	}
	if s := StatusString(et(2026, 3, 7, 12, 0)); !strings.HasPrefix(s, "Market Closed") {
		t.Errorf("unexpected status %q", s)
	}
}
