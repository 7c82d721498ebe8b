// Package redis publishes console events to Redis for dashboards and other
// processes: every event is SET as the latest value of its kind and
// PUBLISHed; fills, orders and audits are also appended to capped streams.
package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	goredis "github.com/go-redis/redis/v8"

	"trading-console/internal/console"
	"trading-console/internal/metrics"
)

const (
	defaultPrefix       = "console"
	defaultLatestTTL    = 30 * time.Minute
	defaultMaxBuffer    = 10000
	defaultStreamMaxLen = 5000
)

// Config configures the Redis connection and key layout.
type Config struct {
	Addr     string
	Password string
	DB       int

	Prefix       string
	LatestTTL    time.Duration
	MaxBuffer    int   // events kept while the breaker is open
	StreamMaxLen int64 // approximate cap of each stream
}

func (c *Config) applyDefaults() {
	if c.Prefix == "" {
		c.Prefix = defaultPrefix
	}
	if c.LatestTTL <= 0 {
		c.LatestTTL = defaultLatestTTL
	}
	if c.MaxBuffer <= 0 {
		c.MaxBuffer = defaultMaxBuffer
	}
	if c.StreamMaxLen <= 0 {
		c.StreamMaxLen = defaultStreamMaxLen
	}
}

// Connect opens a client and pings the server.
func Connect(cfg Config) (*goredis.Client, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return client, nil
}

// Publisher writes console events through a circuit breaker. While the
// breaker is open events are buffered, oldest dropped first, and replayed
// once it closes.
type Publisher struct {
	client *goredis.Client
	cb     *CircuitBreaker
	cfg    Config
	symbol string
	log    *slog.Logger
	prom   *metrics.Metrics

	mu     sync.Mutex
	buffer []console.Event

	OnBuffer func()          // an event was buffered
	OnFlush  func(count int) // buffered events were replayed
}

// NewPublisher creates a publisher for symbol's events. cb may be nil for
// a default breaker of 5 failures and 10s reset.
func NewPublisher(client *goredis.Client, cb *CircuitBreaker, symbol string, cfg Config, log *slog.Logger, prom *metrics.Metrics) *Publisher {
	cfg.applyDefaults()
	if cb == nil {
		cb = NewCircuitBreaker(5, 10*time.Second)
	}
	if log == nil {
		log = slog.Default()
	}
	p := &Publisher{
		client: client,
		cb:     cb,
		cfg:    cfg,
		symbol: symbol,
		log:    log.With("component", "redis_publisher"),
		prom:   prom,
	}

	prev := cb.OnStateChange
	cb.OnStateChange = func(from, to State) {
		if prev != nil {
			prev(from, to)
		}
		p.log.Warn("circuit breaker state change", "from", from.String(), "to", to.String())
		if p.prom != nil {
			p.prom.RedisCircuitBreakerState.Set(float64(to))
			if to == StateOpen {
				p.prom.RedisCircuitBreakerTrips.Inc()
			}
		}
		if to == StateClosed {
			go p.flush()
		}
	}
	return p
}

// Client returns the underlying client for health checks.
func (p *Publisher) Client() *goredis.Client { return p.client }

// Channel returns the pub/sub channel of an event.
func (p *Publisher) Channel(kind console.EventKind, tf string) string {
	ch := p.cfg.Prefix + ":pub:" + p.symbol + ":" + string(kind)
	if tf != "" {
		ch += ":" + tf
	}
	return ch
}

// LatestKey returns the key holding the latest event of a kind.
func (p *Publisher) LatestKey(kind console.EventKind, tf string) string {
	k := p.cfg.Prefix + ":" + p.symbol + ":" + string(kind)
	if tf != "" {
		k += ":" + tf
	}
	return k + ":latest"
}

// StreamKey returns the stream of a journaled kind.
func (p *Publisher) StreamKey(kind console.EventKind) string {
	return p.cfg.Prefix + ":" + p.symbol + ":" + string(kind) + ":stream"
}

func streamed(kind console.EventKind) bool {
	switch kind {
	case console.EventFill, console.EventOrder, console.EventAudit:
		return true
	}
	return false
}

// Publish writes one event. An open breaker buffers the event and returns nil.
func (p *Publisher) Publish(ctx context.Context, e console.Event) error {
	err := p.cb.Execute(func() error { return p.write(ctx, e) })
	if errors.Is(err, ErrCircuitOpen) {
		p.bufferEvent(e)
		return nil
	}
	return err
}

func (p *Publisher) write(ctx context.Context, e console.Event) error {
	data := string(e.JSON())

	pipe := p.client.Pipeline()
	pipe.Set(ctx, p.LatestKey(e.Kind, e.TF), data, p.cfg.LatestTTL)
	if streamed(e.Kind) {
		pipe.XAdd(ctx, &goredis.XAddArgs{
			Stream: p.StreamKey(e.Kind),
			MaxLen: p.cfg.StreamMaxLen,
			Approx: true,
			Values: map[string]interface{}{"data": data},
		})
	}
	pipe.Publish(ctx, p.Channel(e.Kind, e.TF), data)
	_, err := pipe.Exec(ctx)
	return err
}

// Run publishes events from ch until ctx is cancelled or ch is closed.
func (p *Publisher) Run(ctx context.Context, ch <-chan console.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			if err := p.Publish(ctx, e); err != nil {
				p.log.Warn("publish failed", "kind", string(e.Kind), "err", err)
			}
		}
	}
}

// Latest returns the latest raw JSON of a kind, or nil if none is stored.
func (p *Publisher) Latest(ctx context.Context, kind console.EventKind, tf string) ([]byte, error) {
	b, err := p.client.Get(ctx, p.LatestKey(kind, tf)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	return b, err
}

func (p *Publisher) bufferEvent(e console.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.buffer) >= p.cfg.MaxBuffer {
		p.buffer = p.buffer[1:]
	}
	p.buffer = append(p.buffer, e)
	if p.OnBuffer != nil {
		p.OnBuffer()
	}
}

// flush replays buffered events directly against Redis.
func (p *Publisher) flush() {
	p.mu.Lock()
	if len(p.buffer) == 0 {
		p.mu.Unlock()
		return
	}
	pending := p.buffer
	p.buffer = nil
	p.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	failed := 0
	for _, e := range pending {
		if err := p.write(ctx, e); err != nil {
			failed++
		}
	}
	p.log.Info("flushed buffered events", "count", len(pending), "failed", failed)
	if p.OnFlush != nil {
		p.OnFlush(len(pending))
	}
}

// PendingCount returns the number of buffered events.
func (p *Publisher) PendingCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.buffer)
}

// Close closes the client.
func (p *Publisher) Close() error {
	return p.client.Close()
}
