// Package gateway pushes console events to browser clients over WebSocket.
//
// Every event is wrapped in an envelope carrying a hub-wide sequence
// number. A reconnecting client passes the last sequence it saw and gets
// the missed envelopes from a bounded replay window; a new client gets the
// latest envelope of every event kind instead.
package gateway

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"trading-console/internal/console"
	"trading-console/internal/markethours"
	"trading-console/internal/metrics"
	"trading-console/internal/ringbuf"
)

const (
	defaultReplayWindow = 1000
	clientSendBuffer    = 256
)

type replayEntry struct {
	Seq  int64
	Data []byte
}

// Hub tracks WebSocket clients and fans events out to them.
type Hub struct {
	log  *slog.Logger
	prom *metrics.Metrics
	now  func() time.Time

	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[*Client]bool
	latest  map[string][]byte // envelope by kind[:tf]
	seq     int64
	replay  *ringbuf.Ring[replayEntry]
}

// NewHub creates a hub keeping replayWindow envelopes for reconnect
// backfill. replayWindow <= 0 uses the default.
func NewHub(replayWindow int, log *slog.Logger, prom *metrics.Metrics) *Hub {
	if replayWindow <= 0 {
		replayWindow = defaultReplayWindow
	}
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		log:  log.With("component", "ws_hub"),
		prom: prom,
		now:  time.Now,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		clients: make(map[*Client]bool),
		latest:  make(map[string][]byte),
		replay:  ringbuf.New[replayEntry](replayWindow),
	}
}

// Run broadcasts events from ch until ctx is cancelled or ch is closed.
func (h *Hub) Run(ctx context.Context, ch <-chan console.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			h.Broadcast(e)
		}
	}
}

// Broadcast sends e to every connected client. Slow clients miss the
// message rather than blocking the hub.
func (h *Hub) Broadcast(e console.Event) {
	h.mu.Lock()
	h.seq++
	env := buildEnvelope(e, h.now(), h.seq)
	h.latest[latestKey(e)] = env
	h.replay.Push(replayEntry{Seq: h.seq, Data: env})
	for c := range h.clients {
		c.enqueue(env)
	}
	h.mu.Unlock()
}

// buildEnvelope appends the envelope by hand; the payload is already JSON.
// Layout: {"seq":N,"kind":"...","tf":"...","ts":"...","event":{...}}
func buildEnvelope(e console.Event, now time.Time, seq int64) []byte {
	data := e.JSON()
	buf := make([]byte, 0, len(data)+96)
	buf = append(buf, `{"seq":`...)
	buf = strconv.AppendInt(buf, seq, 10)
	buf = append(buf, `,"kind":"`...)
	buf = append(buf, e.Kind...)
	buf = append(buf, '"')
	if e.TF != "" {
		buf = append(buf, `,"tf":"`...)
		buf = append(buf, e.TF...)
		buf = append(buf, '"')
	}
	buf = append(buf, `,"ts":"`...)
	buf = now.UTC().AppendFormat(buf, time.RFC3339Nano)
	buf = append(buf, `","event":`...)
	buf = append(buf, data...)
	buf = append(buf, '}')
	return buf
}

func latestKey(e console.Event) string {
	if e.TF == "" {
		return string(e.Kind)
	}
	return string(e.Kind) + ":" + e.TF
}

// ServeHTTP upgrades the request to a WebSocket. The optional last_seq
// query parameter requests backfill from that sequence.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "err", err)
		return
	}
	var lastSeq int64 = -1
	if v := r.URL.Query().Get("last_seq"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			lastSeq = n
		}
	}
	h.register(conn, lastSeq)
}

func (h *Hub) register(conn *websocket.Conn, lastSeq int64) *Client {
	c := &Client{
		conn: conn,
		send: make(chan []byte, clientSendBuffer),
		hub:  h,
	}

	h.mu.Lock()
	initial := h.initialLocked(lastSeq)
	for _, env := range initial {
		c.enqueue(env)
	}
	h.clients[c] = true
	count := len(h.clients)
	h.mu.Unlock()

	h.log.Info("ws client connected", "clients", count, "initial", len(initial))
	if h.prom != nil {
		h.prom.WSClients.Set(float64(count))
	}

	go c.writePump()
	go c.readPump()
	return c
}

// initialLocked returns the backlog for a new client. Caller holds mu.
func (h *Hub) initialLocked(lastSeq int64) [][]byte {
	if lastSeq >= 0 {
		if first, ok := h.replay.At(0); ok && first.Seq <= lastSeq+1 {
			var out [][]byte
			for _, e := range h.replay.Slice() {
				if e.Seq > lastSeq {
					out = append(out, e.Data)
				}
			}
			return out
		}
	}
	out := make([][]byte, 0, len(h.latest))
	for _, env := range h.latest {
		out = append(out, env)
	}
	return out
}

// Missed returns the buffered envelopes with from <= seq <= to.
func (h *Hub) Missed(from, to int64) [][]byte {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var out [][]byte
	for _, e := range h.replay.Slice() {
		if e.Seq >= from && e.Seq <= to {
			out = append(out, e.Data)
		}
	}
	return out
}

// Seq returns the sequence number of the newest envelope.
func (h *Hub) Seq() int64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.seq
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) removeClient(c *Client) {
	h.mu.Lock()
	if !h.clients[c] {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c)
	count := len(h.clients)
	close(c.send)
	h.mu.Unlock()

	h.log.Info("ws client disconnected", "clients", count)
	if h.prom != nil {
		h.prom.WSClients.Set(float64(count))
	}
}

// StartStatusBroadcast sends the market session status to every client on
// each tick until ctx is cancelled.
func (h *Hub) StartStatusBroadcast(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := h.now()
			h.Broadcast(console.Event{
				Kind: console.EventMarket,
				At:   now,
				Data: map[string]any{
					"open":   markethours.IsMarketOpen(now),
					"status": markethours.StatusString(now),
				},
			})
		}
	}
}
