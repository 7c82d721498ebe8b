package redis

import (
	"context"
	"testing"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"trading-console/internal/console"
	"trading-console/internal/metrics"
)

// deadClient points at a port nothing listens on, so every round trip
// fails fast with a dial error.
func deadClient(t *testing.T) *goredis.Client {
	t.Helper()
	c := goredis.NewClient(&goredis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})
	t.Cleanup(func() { c.Close() })
	return c
}

func TestPublisher_Keys(t *testing.T) {
	p := NewPublisher(deadClient(t), nil, "SPY", Config{}, nil, nil)

	tests := []struct {
		got, want string
	}{
		{p.Channel(console.EventIndicators, "10s"), "console:pub:SPY:indicators:10s"},
		{p.Channel(console.EventSignal, ""), "console:pub:SPY:signal"},
		{p.LatestKey(console.EventPosition, ""), "console:SPY:position:latest"},
		{p.LatestKey(console.EventIndicators, "30s"), "console:SPY:indicators:30s:latest"},
		{p.StreamKey(console.EventFill), "console:SPY:fill:stream"},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("got %q, want %q", tt.got, tt.want)
		}
	}

	custom := NewPublisher(deadClient(t), nil, "QQQ", Config{Prefix: "tc"}, nil, nil)
	if k := custom.LatestKey(console.EventSignal, ""); k != "tc:QQQ:signal:latest" {
		t.Errorf("custom prefix key = %q", k)
	}
}

func TestPublisher_BuffersWhileOpen(t *testing.T) {
	prom := metrics.New(prometheus.NewRegistry())
	cb := NewCircuitBreaker(1, time.Hour)
	p := NewPublisher(deadClient(t), cb, "SPY", Config{MaxBuffer: 2}, nil, prom)

	buffered := 0
	p.OnBuffer = func() { buffered++ }

	ctx := context.Background()
	if err := p.Publish(ctx, console.Event{Kind: console.EventSignal}); err == nil {
		t.Fatal("expected dial error on first publish")
	}
	if cb.CurrentState() != StateOpen {
		t.Fatalf("breaker state = %v", cb.CurrentState())
	}

	for i := 0; i < 3; i++ {
		if err := p.Publish(ctx, console.Event{Kind: console.EventFill}); err != nil {
			t.Fatalf("publish while open: %v", err)
		}
	}
	if p.PendingCount() != 2 {
		t.Fatalf("pending = %d, want 2 (oldest dropped)", p.PendingCount())
	}
	if buffered != 3 {
		t.Errorf("OnBuffer calls = %d", buffered)
	}
	if got := testutil.ToFloat64(prom.RedisCircuitBreakerTrips); got != 1 {
		t.Errorf("trips = %v", got)
	}
	if got := testutil.ToFloat64(prom.RedisCircuitBreakerState); got != float64(StateOpen) {
		t.Errorf("state gauge = %v", got)
	}
}

func TestPublisher_FlushDrainsBuffer(t *testing.T) {
	cb := NewCircuitBreaker(1, time.Hour)
	p := NewPublisher(deadClient(t), cb, "SPY", Config{}, nil, nil)
	p.bufferEvent(console.Event{Kind: console.EventOrder})
	p.bufferEvent(console.Event{Kind: console.EventAudit})

	var flushed int
	p.OnFlush = func(n int) { flushed = n }
	p.flush()

	if flushed != 2 || p.PendingCount() != 0 {
		t.Fatalf("flushed %d, pending %d", flushed, p.PendingCount())
	}
}

func TestPublisher_RunStopsOnClosedChannel(t *testing.T) {
	p := NewPublisher(deadClient(t), NewCircuitBreaker(1, time.Hour), "SPY", Config{}, nil, nil)
	ch := make(chan console.Event, 2)
	ch <- console.Event{Kind: console.EventQuote}
	ch <- console.Event{Kind: console.EventQuote}
	close(ch)

	done := make(chan struct{})
	go func() {
		p.Run(context.Background(), ch)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}
	if p.PendingCount() != 1 {
		t.Errorf("pending = %d, want 1", p.PendingCount())
	}
}
