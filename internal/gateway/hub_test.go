package gateway

import (
	"bytes"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"trading-console/internal/console"
)

type envelope struct {
	Seq   int64           `json:"seq"`
	Kind  string          `json:"kind"`
	TF    string          `json:"tf"`
	TS    string          `json:"ts"`
	Event json.RawMessage `json:"event"`
}

func TestBuildEnvelope(t *testing.T) {
	now := time.Date(2026, 3, 2, 14, 30, 1, 0, time.UTC)
	e := console.Event{Kind: console.EventIndicators, TF: "10s", At: now, Data: map[string]float64{"ema9": 101.5}}

	var env envelope
	if err := json.Unmarshal(buildEnvelope(e, now, 42), &env); err != nil {
		t.Fatalf("envelope is not valid JSON: %v", err)
	}
	if env.Seq != 42 || env.Kind != "indicators" || env.TF != "10s" {
		t.Errorf("envelope = %+v", env)
	}
	if env.TS != "2026-03-02T14:30:01Z" {
		t.Errorf("ts = %q", env.TS)
	}
	var inner console.Event
	if err := json.Unmarshal(env.Event, &inner); err != nil || inner.Kind != console.EventIndicators {
		t.Errorf("inner event = %s (%v)", env.Event, err)
	}

	noTF := buildEnvelope(console.Event{Kind: console.EventSignal}, now, 1)
	if bytes.Contains(noTF, []byte(`"tf"`)) {
		t.Errorf("tf should be omitted: %s", noTF)
	}
}

func TestHub_MissedAndLatest(t *testing.T) {
	h := NewHub(3, nil, nil)
	for i := 0; i < 5; i++ {
		h.Broadcast(console.Event{Kind: console.EventQuote})
	}
	h.Broadcast(console.Event{Kind: console.EventSignal})

	if h.Seq() != 6 {
		t.Fatalf("seq = %d", h.Seq())
	}
	if got := h.Missed(1, 6); len(got) != 3 {
		t.Fatalf("replay window should hold 3, got %d", len(got))
	}

	h.mu.Lock()
	fresh := h.initialLocked(-1)
	gap := h.initialLocked(1) // older than the window: falls back to latest
	resume := h.initialLocked(4)
	h.mu.Unlock()
	if len(fresh) != 2 || len(gap) != 2 {
		t.Errorf("latest backlog = %d/%d, want 2", len(fresh), len(gap))
	}
	if len(resume) != 2 {
		t.Errorf("resume from 4 = %d envelopes, want 2", len(resume))
	}
}

func dial(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEnvelopes(t *testing.T, conn *websocket.Conn) []envelope {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatal(err)
	}
	var out []envelope
	for _, line := range bytes.Split(msg, []byte{'\n'}) {
		var env envelope
		if err := json.Unmarshal(line, &env); err != nil {
			t.Fatalf("bad frame %q: %v", line, err)
		}
		out = append(out, env)
	}
	return out
}

func waitClients(t *testing.T, h *Hub, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for h.ClientCount() != n {
		if time.Now().After(deadline) {
			t.Fatalf("clients = %d, want %d", h.ClientCount(), n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHub_WebSocketPush(t *testing.T) {
	h := NewHub(0, nil, nil)
	h.Broadcast(console.Event{Kind: console.EventPosition})
	srv := httptest.NewServer(h)
	defer srv.Close()

	conn := dial(t, srv, "")
	waitClients(t, h, 1)

	initial := readEnvelopes(t, conn)
	if len(initial) != 1 || initial[0].Kind != "position" {
		t.Fatalf("initial = %+v", initial)
	}

	h.Broadcast(console.Event{Kind: console.EventFill})
	got := readEnvelopes(t, conn)
	if got[0].Kind != "fill" || got[0].Seq != 2 {
		t.Fatalf("pushed = %+v", got)
	}

	conn.WriteMessage(websocket.TextMessage, []byte(`{"ping":123}`))
	pong := readEnvelopes(t, conn)
	if len(pong) != 1 {
		t.Fatalf("pong = %+v", pong)
	}

	conn.Close()
	waitClients(t, h, 0)
}

func TestHub_ReconnectBackfill(t *testing.T) {
	h := NewHub(0, nil, nil)
	for i := 0; i < 4; i++ {
		h.Broadcast(console.Event{Kind: console.EventOrder})
	}
	srv := httptest.NewServer(h)
	defer srv.Close()

	conn := dial(t, srv, "?last_seq=2")
	got := readEnvelopes(t, conn)
	if len(got) != 2 || got[0].Seq != 3 || got[1].Seq != 4 {
		t.Fatalf("backfill = %+v", got)
	}
}
