package metrics

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the trading console.
type Metrics struct {
	// Bar pipeline (labels: tf)
	BarsAccepted   *prometheus.CounterVec
	BarsRejected   *prometheus.CounterVec // labels: tf, reason
	FormingUpdates *prometheus.CounterVec
	BarsEvicted    *prometheus.CounterVec

	// Indicator engine
	IndicatorRecomputes *prometheus.CounterVec
	IndicatorComputeDur *prometheus.HistogramVec

	// Orders
	OrdersSubmitted   *prometheus.CounterVec // labels: side
	OrderTransitions  *prometheus.CounterVec // labels: from, to
	CallbacksDiscard  *prometheus.CounterVec // labels: reason
	FillsTotal        prometheus.Counter
	SubmitRateLimited prometheus.Counter

	// Position
	PositionQty     prometheus.Gauge
	RealizedPnL     prometheus.Gauge
	UnrealizedPnL   prometheus.Gauge
	CommissionTotal prometheus.Gauge
	AuditsTotal     *prometheus.CounterVec // labels: result

	// Inbound feed
	FeedMessages   *prometheus.CounterVec // labels: type
	FeedReconnects prometheus.Counter
	LateTrades     prometheus.Counter

	// Outbound fan-out
	EventDropsTotal *prometheus.CounterVec // labels: subscriber
	EventQueueFill  *prometheus.GaugeVec   // labels: subscriber
	WSClients       prometheus.Gauge

	// Redis publisher circuit breaker
	RedisCircuitBreakerState prometheus.Gauge // 0=closed, 1=open, 2=half-open
	RedisCircuitBreakerTrips prometheus.Counter
}

// NewMetrics registers all metrics on the default registry.
func NewMetrics() *Metrics {
	return New(prometheus.DefaultRegisterer)
}

// New creates all metrics and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		BarsAccepted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "console_bars_accepted_total",
			Help: "Closed bars appended to the bar store",
		}, []string{"tf"}),
		BarsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "console_bars_rejected_total",
			Help: "Bars discarded at ingestion (malformed, out of order, stale)",
		}, []string{"tf", "reason"}),
		FormingUpdates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "console_bar_forming_updates_total",
			Help: "Keep-up-to-date deliveries of a still forming bar",
		}, []string{"tf"}),
		BarsEvicted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "console_bars_evicted_total",
			Help: "Bars aged out of the rolling window",
		}, []string{"tf"}),

		IndicatorRecomputes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "console_indicator_recomputes_total",
			Help: "Indicator snapshot recomputations (one per bar close)",
		}, []string{"tf"}),
		IndicatorComputeDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "console_indicator_compute_duration_seconds",
			Help:    "Indicator snapshot compute latency",
			Buckets: []float64{0.000005, 0.00001, 0.00005, 0.0001, 0.0005, 0.001, 0.005},
		}, []string{"tf"}),

		OrdersSubmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "console_orders_submitted_total",
			Help: "Orders handed to the broker",
		}, []string{"side"}),
		OrderTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "console_order_transitions_total",
			Help: "Applied order status transitions",
		}, []string{"from", "to"}),
		CallbacksDiscard: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "console_order_callbacks_discarded_total",
			Help: "Order status callbacks discarded (duplicate, terminal, invalid, unknown)",
		}, []string{"reason"}),
		FillsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "console_fill_events_total",
			Help: "Fill events applied to the position",
		}),
		SubmitRateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "console_order_submit_rate_limited_total",
			Help: "Order submissions refused by the rate limiter",
		}),

		PositionQty: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "console_position_quantity",
			Help: "Signed position quantity",
		}),
		RealizedPnL: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "console_realized_pnl",
			Help: "Realized PnL before commission",
		}),
		UnrealizedPnL: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "console_unrealized_pnl",
			Help: "Unrealized PnL at the last price tick",
		}),
		CommissionTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "console_commission_total",
			Help: "Broker-reported commission accumulated",
		}),
		AuditsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "console_audits_total",
			Help: "Audit runs by result",
		}, []string{"result"}),

		FeedMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "console_feed_messages_total",
			Help: "Feed messages received by type",
		}, []string{"type"}),
		FeedReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "console_feed_reconnects_total",
			Help: "Feed WebSocket reconnections",
		}),
		LateTrades: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "console_feed_late_trades_total",
			Help: "Trade prints dropped because their bar had already closed",
		}),

		EventDropsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "console_event_drops_total",
			Help: "Console events dropped by the fan-out bus per subscriber",
		}, []string{"subscriber"}),
		EventQueueFill: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "console_event_queue_fill_ratio",
			Help: "Fraction of each fan-out subscriber buffer in use",
		}, []string{"subscriber"}),
		WSClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "console_ws_clients",
			Help: "Connected WebSocket clients",
		}),

		RedisCircuitBreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "console_redis_circuit_breaker_state",
			Help: "Redis circuit breaker state (0=closed, 1=open, 2=half-open)",
		}),
		RedisCircuitBreakerTrips: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "console_redis_circuit_breaker_trips_total",
			Help: "Times the Redis circuit breaker tripped open",
		}),
	}

	reg.MustRegister(
		m.BarsAccepted,
		m.BarsRejected,
		m.FormingUpdates,
		m.BarsEvicted,
		m.IndicatorRecomputes,
		m.IndicatorComputeDur,
		m.OrdersSubmitted,
		m.OrderTransitions,
		m.CallbacksDiscard,
		m.FillsTotal,
		m.SubmitRateLimited,
		m.PositionQty,
		m.RealizedPnL,
		m.UnrealizedPnL,
		m.CommissionTotal,
		m.AuditsTotal,
		m.FeedMessages,
		m.FeedReconnects,
		m.LateTrades,
		m.EventDropsTotal,
		m.EventQueueFill,
		m.WSClients,
		m.RedisCircuitBreakerState,
		m.RedisCircuitBreakerTrips,
	)

	return m
}

// HealthStatus represents the console's dependency health.
type HealthStatus struct {
	mu sync.RWMutex

	BrokerConnected bool                 `json:"broker_connected"`
	LastBarTime     map[string]time.Time `json:"last_bar_time"` // by timeframe
	RedisConnected  bool                 `json:"redis_connected"`
	JournalOK       bool                 `json:"journal_ok"`
	RedisEnabled    bool                 `json:"redis_enabled"`
	JournalEnabled  bool                 `json:"journal_enabled"`

	RedisLatencyMs   float64   `json:"redis_latency_ms"`
	JournalLatencyMs float64   `json:"journal_latency_ms"`
	LastCheckAt      time.Time `json:"last_check_at"`
	StartedAt        time.Time `json:"started_at"`
}

// NewHealthStatus returns a default health status.
func NewHealthStatus() *HealthStatus {
	return &HealthStatus{
		LastBarTime: make(map[string]time.Time),
		StartedAt:   time.Now(),
	}
}

func (h *HealthStatus) SetBrokerConnected(v bool) {
	h.mu.Lock()
	h.BrokerConnected = v
	h.mu.Unlock()
}

// SetLastBarTime records the newest closed bar of a timeframe.
func (h *HealthStatus) SetLastBarTime(tf string, t time.Time) {
	h.mu.Lock()
	h.LastBarTime[tf] = t
	h.mu.Unlock()
}

// CheckRedis pings Redis and records latency + connectivity.
func (h *HealthStatus) CheckRedis(ctx context.Context, rdb *goredis.Client) {
	start := time.Now()
	err := rdb.Ping(ctx).Err()
	latency := time.Since(start)

	h.mu.Lock()
	h.RedisEnabled = true
	h.RedisConnected = err == nil
	h.RedisLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// CheckJournal pings the SQLite journal and records latency + health.
func (h *HealthStatus) CheckJournal(ctx context.Context, db *sql.DB) {
	start := time.Now()
	err := db.PingContext(ctx)
	latency := time.Since(start)

	h.mu.Lock()
	h.JournalEnabled = true
	h.JournalOK = err == nil
	h.JournalLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// StartLivenessChecker runs periodic dependency checks. Nil dependencies
// are skipped.
func (h *HealthStatus) StartLivenessChecker(ctx context.Context, rdb *goredis.Client, journal *sql.DB, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
				if rdb != nil {
					h.CheckRedis(probeCtx, rdb)
				}
				if journal != nil {
					h.CheckJournal(probeCtx, journal)
				}
				cancel()
			}
		}
	}()
}

// Status returns the overall status string and HTTP code.
func (h *HealthStatus) Status() (string, int) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.statusLocked()
}

func (h *HealthStatus) statusLocked() (string, int) {
	degraded := !h.BrokerConnected ||
		(h.RedisEnabled && !h.RedisConnected) ||
		(h.JournalEnabled && !h.JournalOK)
	if degraded {
		return "degraded", http.StatusServiceUnavailable
	}
	return "healthy", http.StatusOK
}

// ServeHTTP handles the /healthz endpoint.
func (h *HealthStatus) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	overallStatus, httpCode := h.statusLocked()

	lastBars := make(map[string]string, len(h.LastBarTime))
	for tf, t := range h.LastBarTime {
		lastBars[tf] = t.Format(time.RFC3339)
	}

	status := struct {
		Status           string            `json:"status"`
		Uptime           string            `json:"uptime"`
		BrokerConnected  bool              `json:"broker_connected"`
		LastBarTime      map[string]string `json:"last_bar_time"`
		RedisConnected   bool              `json:"redis_connected"`
		RedisLatencyMs   float64           `json:"redis_latency_ms"`
		JournalOK        bool              `json:"journal_ok"`
		JournalLatencyMs float64           `json:"journal_latency_ms"`
		LastCheckAt      string            `json:"last_check_at"`
	}{
		Status:           overallStatus,
		Uptime:           time.Since(h.StartedAt).Round(time.Second).String(),
		BrokerConnected:  h.BrokerConnected,
		LastBarTime:      lastBars,
		RedisConnected:   h.RedisConnected,
		RedisLatencyMs:   h.RedisLatencyMs,
		JournalOK:        h.JournalOK,
		JournalLatencyMs: h.JournalLatencyMs,
		LastCheckAt:      h.LastCheckAt.Format(time.RFC3339),
	}

	w.Header().Set("Content-Type", "application/json")
	if httpCode != http.StatusOK {
		w.WriteHeader(httpCode)
	}
	json.NewEncoder(w).Encode(status)
}

// Server runs an HTTP server exposing /metrics and /healthz.
type Server struct {
	addr string
	srv  *http.Server
	log  *slog.Logger
}

// NewServer creates a metrics and health server for gatherer g.
func NewServer(addr string, g prometheus.Gatherer, health *HealthStatus, log *slog.Logger) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	mux.Handle("/healthz", health)

	return &Server{
		addr: addr,
		log:  log,
		srv: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// Start launches the HTTP server in a goroutine.
func (s *Server) Start() {
	go func() {
		s.log.Info("metrics server listening", "addr", s.addr)
		if err := s.srv.ListenAndServe(); err != http.ErrServerClosed {
			s.log.Error("metrics server error", "err", err)
		}
	}()
}

// Stop gracefully shuts down the metrics server.
func (s *Server) Stop(ctx context.Context) {
	s.srv.Shutdown(ctx)
}
