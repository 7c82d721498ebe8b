package console

import (
	"encoding/json"
	"time"
)

// EventKind names what changed.
type EventKind string

const (
	EventIndicators EventKind = "indicators"
	EventSignal     EventKind = "signal"
	EventOrder      EventKind = "order"
	EventFill       EventKind = "fill"
	EventPosition   EventKind = "position"
	EventAudit      EventKind = "audit"
	EventQuote      EventKind = "quote"
	EventMarket     EventKind = "market"
)

// Event is one push notification for UI and publishing subscribers. Data
// holds a copy of the changed record.
type Event struct {
	Kind EventKind `json:"kind"`
	TF   string    `json:"tf,omitempty"`
	At   time.Time `json:"at"`
	Data any       `json:"data"`
}

// JSON returns the JSON-encoded event.
func (e Event) JSON() []byte {
	b, _ := json.Marshal(e)
	return b
}
