// Command tickserver is a demo broker bridge.
// Broadcasts simulated quotes and trade prints for one symbol in the feed
// message format, so the console can run without a broker session.
//
//	{"type":"quote","bid":512.30,"ask":512.32}
//	{"type":"trade","price":512.31,"size":100,"ts":"..."}
//
// Config (env vars):
//
//	TICK_SERVER_ADDR : listen address  (default: ":9001")
//	TICK_SYMBOL      : label only      (default: "SPY")
//	TICK_START_PRICE : starting price  (default: "500")
//	TICK_INTERVAL_MS : broadcast interval milliseconds (default: "250")
package main

import (
	"encoding/json"
	"fmt"
	"log"
	"math"
	"math/rand"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"trading-console/internal/marketdata/feed"
)

// ─── Hub ──────────────────────────────────────────────────────────────────────

type hub struct {
	mu      sync.RWMutex
	clients map[*websocket.Conn]chan []byte
}

func newHub() *hub {
	return &hub{clients: make(map[*websocket.Conn]chan []byte)}
}

func (h *hub) register(conn *websocket.Conn) chan []byte {
	ch := make(chan []byte, 256)
	h.mu.Lock()
	h.clients[conn] = ch
	h.mu.Unlock()
	return ch
}

func (h *hub) unregister(conn *websocket.Conn) {
	h.mu.Lock()
	if ch, ok := h.clients[conn]; ok {
		close(ch)
		delete(h.clients, conn)
	}
	h.mu.Unlock()
}

func (h *hub) broadcast(msg []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, ch := range h.clients {
		select {
		case ch <- msg:
		default: // slow client, drop
		}
	}
}

// ─── WebSocket handler ────────────────────────────────────────────────────────

var upgrader = websocket.Upgrader{
	CheckOrigin: func(_ *http.Request) bool { return true },
}

func wsHandler(h *hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Printf("[tickserver] upgrade error: %v", err)
			return
		}
		log.Printf("[tickserver] client connected: %s", r.RemoteAddr)

		ch := h.register(conn)
		defer func() {
			h.unregister(conn)
			conn.Close()
			log.Printf("[tickserver] client disconnected: %s", r.RemoteAddr)
		}()

		// Detect client close.
		go func() {
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					h.unregister(conn)
					return
				}
			}
		}()

		for msg := range ch {
			conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		}
	}
}

// ─── Generator ───────────────────────────────────────────────────────────────

// market is the simulated book.
type market struct {
	rng   *rand.Rand
	price float64
}

// step applies a small random walk (about ±0.02%) and rounds to the cent.
func (m *market) step() {
	pct := m.rng.NormFloat64() * 0.0002
	m.price = math.Max(0.01, math.Round(m.price*(1+pct)*100)/100)
}

func (m *market) messages(now time.Time) []feed.Message {
	spread := 0.01 * float64(1+m.rng.Intn(3))
	msgs := []feed.Message{{
		Type: feed.TypeQuote,
		Bid:  round2(m.price - spread/2),
		Ask:  round2(m.price + spread/2),
	}}
	// Not every interval prints a trade.
	if m.rng.Float64() < 0.7 {
		msgs = append(msgs, feed.Message{
			Type:  feed.TypeTrade,
			Price: m.price,
			Size:  (1 + m.rng.Intn(20)) * 100,
			TS:    now.UTC(),
		})
	}
	return msgs
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }

func runGenerator(h *hub, m *market, intervalMs int) {
	ticker := time.NewTicker(time.Duration(intervalMs) * time.Millisecond)
	defer ticker.Stop()

	for now := range ticker.C {
		m.step()
		for _, msg := range m.messages(now) {
			b, err := json.Marshal(msg)
			if err != nil {
				continue
			}
			h.broadcast(b)
		}
	}
}

// ─── main ─────────────────────────────────────────────────────────────────────

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)
	log.Println("[tickserver] starting demo bridge...")

	addr := envOrDefault("TICK_SERVER_ADDR", ":9001")
	symbol := envOrDefault("TICK_SYMBOL", "SPY")
	start := envFloatOrDefault("TICK_START_PRICE", 500)
	intervalMs := envIntOrDefault("TICK_INTERVAL_MS", 250)
	if intervalMs <= 0 || start <= 0 {
		log.Fatalf("[tickserver] TICK_INTERVAL_MS and TICK_START_PRICE must be positive")
	}
	log.Printf("[tickserver] %s from %.2f every %dms", symbol, start, intervalMs)

	h := newHub()
	m := &market{rng: rand.New(rand.NewSource(time.Now().UnixNano())), price: start}
	go runGenerator(h, m, intervalMs)

	http.HandleFunc("/ws", wsHandler(h))
	http.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprintf(w, `{"status":"ok","service":"tickserver","symbol":%q}`+"\n", symbol)
	})

	log.Printf("[tickserver] listening on %s  (WebSocket: ws://localhost%s/ws)", addr, addr)
	if err := http.ListenAndServe(addr, nil); err != nil {
		log.Fatalf("[tickserver] server error: %v", err)
	}
}

// ─── helpers ──────────────────────────────────────────────────────────────────

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envIntOrDefault(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envFloatOrDefault(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}
