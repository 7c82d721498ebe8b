// Package timestamp parses broker bar dates into canonical UTC instants.
//
// The gateway sends bar dates as "20260109", "20260109 14:30:00", or
// "20260109 14:30:00 America/New_York" / "... US/Eastern". A trailing zone
// name is only trusted when it is an America/ or US/ zone that the tz
// database knows; anything else is rejected instead of being silently cut
// off.
package timestamp

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	_ "time/tzdata"
)

// ErrMalformedTimestamp is returned for any date the normalizer cannot parse.
var ErrMalformedTimestamp = errors.New("malformed timestamp")

const (
	layoutDate     = "20060102"
	layoutDateTime = "20060102 15:04:05"
)

var zonePrefixes = []string{"America/", "US/"}

// Normalizer parses broker dates, interpreting unqualified forms in Default.
type Normalizer struct {
	Default *time.Location
}

// New returns a Normalizer for the given default zone. A nil loc means UTC.
func New(loc *time.Location) *Normalizer {
	if loc == nil {
		loc = time.UTC
	}
	return &Normalizer{Default: loc}
}

// Parse parses raw with the normalizer's default zone.
func (n *Normalizer) Parse(raw string) (time.Time, error) {
	return Parse(raw, n.Default)
}

// Parse converts a broker date string into a UTC instant. Dates without a
// zone suffix are read as wall-clock time in loc.
func Parse(raw string, loc *time.Location) (time.Time, error) {
	fields := strings.Fields(raw)
	if loc == nil {
		loc = time.UTC
	}

	switch len(fields) {
	case 1:
		t, err := time.ParseInLocation(layoutDate, fields[0], loc)
		if err != nil {
			return time.Time{}, malformed(raw, err)
		}
		return t.UTC(), nil
	case 2:
		return parseDateTime(raw, fields[0], fields[1], loc)
	case 3:
		zone, err := lookupZone(fields[2])
		if err != nil {
			return time.Time{}, malformed(raw, err)
		}
		return parseDateTime(raw, fields[0], fields[1], zone)
	default:
		return time.Time{}, malformed(raw, errors.New("unexpected field count"))
	}
}

func parseDateTime(raw, date, clock string, loc *time.Location) (time.Time, error) {
	t, err := time.ParseInLocation(layoutDateTime, date+" "+clock, loc)
	if err != nil {
		return time.Time{}, malformed(raw, err)
	}
	return t.UTC(), nil
}

func malformed(raw string, cause error) error {
	return fmt.Errorf("%w: %q: %v", ErrMalformedTimestamp, raw, cause)
}

var (
	zoneMu    sync.RWMutex
	zoneCache = make(map[string]*time.Location)
)

// lookupZone resolves a recognized zone suffix, caching loaded locations.
func lookupZone(name string) (*time.Location, error) {
	recognized := false
	for _, p := range zonePrefixes {
		if strings.HasPrefix(name, p) && len(name) > len(p) {
			recognized = true
			break
		}
	}
	if !recognized {
		return nil, fmt.Errorf("unrecognized zone suffix %q", name)
	}

	zoneMu.RLock()
	loc, ok := zoneCache[name]
	zoneMu.RUnlock()
	if ok {
		return loc, nil
	}

	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("unknown zone %q", name)
	}
	zoneMu.Lock()
	zoneCache[name] = loc
	zoneMu.Unlock()
	return loc, nil
}

// Format renders t the way the gateway sends it, as wall-clock time in
// zone followed by the zone name. zone must be an America/ or US/ zone.
func Format(t time.Time, zone *time.Location) string {
	return t.In(zone).Format(layoutDateTime) + " " + zone.String()
}
