package indicator

import (
	"time"

	"trading-console/internal/markethours"
	"trading-console/internal/model"
)

// SessionFunc maps a bar time to its trading-session key.
type SessionFunc func(t time.Time) string

// VWAP is the session-cumulative volume-weighted average of typical prices.
// It resets whenever a bar from a new session arrives.
type VWAP struct {
	session SessionFunc
	key     string
	pv      float64
	vol     float64
	bars    int
}

// NewVWAP creates a VWAP that resets per session. A nil session uses the
// exchange calendar day.
func NewVWAP(session SessionFunc) *VWAP {
	if session == nil {
		session = markethours.SessionKey
	}
	return &VWAP{session: session}
}

func (v *VWAP) Name() string { return "VWAP" }

func (v *VWAP) Update(bar model.Bar) {
	if key := v.session(bar.Time); key != v.key {
		v.key = key
		v.pv, v.vol, v.bars = 0, 0, 0
	}
	vol := model.VolumeFloat(bar.Volume)
	v.pv += bar.TypicalPrice() * vol
	v.vol += vol
	v.bars++
}

func (v *VWAP) Value() float64 {
	if v.vol <= 0 {
		return 0
	}
	return v.pv / v.vol
}

// Ready is false until the session has traded volume.
func (v *VWAP) Ready() bool { return v.vol > 0 }

// Session returns the key of the session being accumulated.
func (v *VWAP) Session() string { return v.key }

// SessionBars returns the number of bars folded into the current session.
func (v *VWAP) SessionBars() int { return v.bars }
