// Package feed connects the console to a broker bridge over WebSocket.
//
// The bridge owns the broker session and forwards its callbacks as JSON
// text messages, one object per message:
//
//	{"type":"bar","tf":10,"date":"20260109 09:30:10 America/New_York","open":..,"high":..,"low":..,"close":..,"volume":"1200","final":true}
//	{"type":"trade","price":512.31,"size":100,"ts":"2026-01-09T14:30:11.250Z"}
//	{"type":"quote","bid":512.30,"ask":512.32}
//	{"type":"order_status","order_id":"42","status":"Filled","filled":100,"avg_fill_price":512.31,"commission":1.00}
//	{"type":"position","qty":100,"avg_cost":512.31}
//
// Volumes and sizes may be JSON numbers or decimal strings. Trade prints
// move the last price and, when a trade sink is set, are aggregated into
// bars for bridges that do not forward broker bars.
package feed

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/gorilla/websocket"

	"trading-console/internal/marketdata/agg"
	"trading-console/internal/metrics"
	"trading-console/internal/model"
)

// ErrUnknownMessage is returned by Dispatch for an unrecognized type.
var ErrUnknownMessage = errors.New("unknown feed message")

// Message types.
const (
	TypeBar         = "bar"
	TypeTrade       = "trade"
	TypeQuote       = "quote"
	TypeOrderStatus = "order_status"
	TypePosition    = "position"
)

// Message is the union of every bridge message.
type Message struct {
	Type string `json:"type"`

	// bar
	TF     int     `json:"tf,omitempty"`
	Date   string  `json:"date,omitempty"`
	Open   float64 `json:"open,omitempty"`
	High   float64 `json:"high,omitempty"`
	Low    float64 `json:"low,omitempty"`
	Close  float64 `json:"close,omitempty"`
	Volume any     `json:"volume,omitempty"`
	Final  bool    `json:"final,omitempty"`

	// trade
	Price float64   `json:"price,omitempty"`
	Size  any       `json:"size,omitempty"`
	TS    time.Time `json:"ts,omitempty"`

	// quote
	Bid float64 `json:"bid,omitempty"`
	Ask float64 `json:"ask,omitempty"`

	// order_status
	OrderID      string  `json:"order_id,omitempty"`
	Status       string  `json:"status,omitempty"`
	Filled       int64   `json:"filled,omitempty"`
	AvgFillPrice float64 `json:"avg_fill_price,omitempty"`
	Commission   float64 `json:"commission,omitempty"`

	// position
	Qty     int64   `json:"qty,omitempty"`
	AvgCost float64 `json:"avg_cost,omitempty"`
}

// Handler receives decoded callbacks. The console satisfies it.
type Handler interface {
	OnBar(tf model.Timeframe, raw model.RawBar, isFinal bool) error
	OnPriceTick(price float64)
	OnQuote(bid, ask float64)
	OnBrokerOrderStatus(orderID, status string, filled int64, avgFillPrice, commission float64) error
	OnPositionUpdate(qty int64, avgCost float64)
}

// Config holds the bridge connection settings.
type Config struct {
	// URL of the bridge, e.g. "ws://localhost:9001/ws".
	URL string

	// ReconnectDelay is the initial delay before reconnection attempts.
	// Defaults to 2 seconds if zero.
	ReconnectDelay time.Duration

	// MaxReconnectDelay caps the exponential backoff. Defaults to 30s.
	MaxReconnectDelay time.Duration
}

func (c *Config) defaults() {
	if c.ReconnectDelay == 0 {
		c.ReconnectDelay = 2 * time.Second
	}
	if c.MaxReconnectDelay == 0 {
		c.MaxReconnectDelay = 30 * time.Second
	}
}

// Client reads the bridge and dispatches its messages to a Handler.
type Client struct {
	cfg    Config
	h      Handler
	trades func(agg.Trade)
	log    *slog.Logger
	prom   *metrics.Metrics

	// OnConnect is called after each successful dial.
	OnConnect func()

	// OnReconnect is called each time the connection drops.
	OnReconnect func()
}

// New creates a client. Returns an error if the URL is unparseable.
func New(cfg Config, h Handler, log *slog.Logger, prom *metrics.Metrics) (*Client, error) {
	cfg.defaults()
	if _, err := url.Parse(cfg.URL); err != nil {
		return nil, fmt.Errorf("feed: %w", err)
	}
	if log == nil {
		log = slog.Default()
	}
	return &Client{cfg: cfg, h: h, log: log.With("component", "feed"), prom: prom}, nil
}

// SetTradeSink routes trade prints to fn, typically agg.Aggregator.Add.
func (c *Client) SetTradeSink(fn func(agg.Trade)) {
	c.trades = fn
}

// Start connects to the bridge and dispatches messages until ctx is
// cancelled. Reconnects with exponential backoff on disconnect.
func (c *Client) Start(ctx context.Context) error {
	delay := c.cfg.ReconnectDelay

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		err := c.runOnce(ctx)
		if err == nil {
			return nil
		}

		c.log.Warn("feed disconnected", "err", err, "retry_in", delay)
		if c.prom != nil {
			c.prom.FeedReconnects.Inc()
		}
		if c.OnReconnect != nil {
			c.OnReconnect()
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}

		delay *= 2
		if delay > c.cfg.MaxReconnectDelay {
			delay = c.cfg.MaxReconnectDelay
		}
	}
}

// runOnce makes one connection and reads until disconnect or ctx cancel.
func (c *Client) runOnce(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	c.log.Info("feed connected", "url", c.cfg.URL)
	if c.OnConnect != nil {
		c.OnConnect()
	}

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutdown"))
			conn.Close()
		case <-stop:
		}
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			return err
		}
		// Bridges may batch several objects per frame, newline separated.
		for _, line := range bytes.Split(raw, []byte{'\n'}) {
			if len(bytes.TrimSpace(line)) == 0 {
				continue
			}
			if err := c.Dispatch(line); err != nil {
				c.log.Warn("feed message dropped", "err", err, "raw", string(line))
			}
		}
	}
}

// Dispatch decodes one message and hands it to the handler. Bars the
// console refuses are reported but do not stop the feed.
func (c *Client) Dispatch(raw []byte) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var m Message
	if err := dec.Decode(&m); err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	if c.prom != nil {
		c.prom.FeedMessages.WithLabelValues(m.Type).Inc()
	}

	switch m.Type {
	case TypeBar:
		if m.TF <= 0 {
			return fmt.Errorf("bar without timeframe")
		}
		raw := model.RawBar{Date: m.Date, Open: m.Open, High: m.High, Low: m.Low, Close: m.Close, Volume: m.Volume}
		return c.h.OnBar(model.Timeframe(m.TF), raw, m.Final)

	case TypeTrade:
		if m.Price <= 0 {
			return fmt.Errorf("trade with price %v", m.Price)
		}
		c.h.OnPriceTick(m.Price)
		if c.trades != nil {
			size, err := model.ParseVolume(m.Size)
			if err != nil {
				return err
			}
			at := m.TS
			if at.IsZero() {
				at = time.Now()
			}
			c.trades(agg.Trade{Price: m.Price, Size: size, At: at})
		}
		return nil

	case TypeQuote:
		c.h.OnQuote(m.Bid, m.Ask)
		return nil

	case TypeOrderStatus:
		return c.h.OnBrokerOrderStatus(m.OrderID, m.Status, m.Filled, m.AvgFillPrice, m.Commission)

	case TypePosition:
		c.h.OnPositionUpdate(m.Qty, m.AvgCost)
		return nil
	}
	return fmt.Errorf("%w: %q", ErrUnknownMessage, m.Type)
}
