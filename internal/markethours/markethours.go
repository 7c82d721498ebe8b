// Package markethours knows the US equity session calendar. The indicator
// engine uses SessionKey to reset VWAP at each trading day.
package markethours

import (
	"fmt"
	"time"
	_ "time/tzdata"
)

// Eastern is the America/New_York location all session math runs in.
var Eastern = loadEastern()

func loadEastern() *time.Location {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		return time.FixedZone("EST", -5*3600)
	}
	return loc
}

// Session boundaries in Eastern time, as minutes after midnight.
const (
	PreMarketOpen = 4 * 60       // 04:00
	RegularOpen   = 9*60 + 30    // 09:30
	RegularClose  = 16 * 60      // 16:00
	AfterHoursEnd = 20 * 60      // 20:00
)

func minuteOfDay(t time.Time) int {
	return t.Hour()*60 + t.Minute()
}

// SessionKey returns the trading-session identifier ("2006-01-02", Eastern
// calendar date) that t belongs to. Bars sharing a key share a VWAP.
func SessionKey(t time.Time) string {
	return t.In(Eastern).Format("2006-01-02")
}

// IsWeekday returns true if t is Mon–Fri in Eastern time.
func IsWeekday(t time.Time) bool {
	wd := t.In(Eastern).Weekday()
	return wd >= time.Monday && wd <= time.Friday
}

// IsTradingDay returns true if t is a weekday and not an exchange holiday.
func IsTradingDay(t time.Time) bool {
	et := t.In(Eastern)
	return IsWeekday(et) && !IsHoliday(et)
}

// IsMarketOpen returns true during the regular session (09:30–16:00 ET).
func IsMarketOpen(t time.Time) bool {
	et := t.In(Eastern)
	if !IsTradingDay(et) {
		return false
	}
	m := minuteOfDay(et)
	return m >= RegularOpen && m < RegularClose
}

// IsExtendedHours returns true in pre-market or after-hours trading.
func IsExtendedHours(t time.Time) bool {
	et := t.In(Eastern)
	if !IsTradingDay(et) {
		return false
	}
	m := minuteOfDay(et)
	return (m >= PreMarketOpen && m < RegularOpen) || (m >= RegularClose && m < AfterHoursEnd)
}

// NextOpen returns the next regular-session open at or after t.
func NextOpen(t time.Time) time.Time {
	et := t.In(Eastern)
	todayOpen := time.Date(et.Year(), et.Month(), et.Day(), 9, 30, 0, 0, Eastern)
	if et.Before(todayOpen) && IsTradingDay(et) {
		return todayOpen
	}
	d := et.AddDate(0, 0, 1)
	for i := 0; i < 10; i++ {
		if IsTradingDay(d) {
			return time.Date(d.Year(), d.Month(), d.Day(), 9, 30, 0, 0, Eastern)
		}
		d = d.AddDate(0, 0, 1)
	}
	return time.Date(et.Year(), et.Month(), et.Day()+1, 9, 30, 0, 0, Eastern)
}

// TodayClose returns the regular close (16:00 ET) of t's Eastern date.
func TodayClose(t time.Time) time.Time {
	et := t.In(Eastern)
	return time.Date(et.Year(), et.Month(), et.Day(), 16, 0, 0, 0, Eastern)
}

// StatusString returns a human-readable market status.
func StatusString(t time.Time) string {
	if IsMarketOpen(t) {
		return fmt.Sprintf("Market Open - closes in %s", fmtDur(TodayClose(t).Sub(t)))
	}
	if IsExtendedHours(t) {
		return "Extended Hours"
	}
	next := NextOpen(t)
	et := next.In(Eastern)
	return fmt.Sprintf("Market Closed - opens %s %s (%s)",
		et.Weekday().String()[:3], et.Format("15:04"), fmtDur(next.Sub(t)))
}

func fmtDur(d time.Duration) string {
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	if h > 0 {
		return fmt.Sprintf("%dh%dm", h, m)
	}
	return fmt.Sprintf("%dm", m)
}
