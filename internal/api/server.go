// Package api exposes the console over HTTP: read-only accessors for the
// UI, order submission, the trade-flow prompt, the WebSocket push stream
// and Prometheus metrics.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"

	"trading-console/internal/audit"
	"trading-console/internal/console"
	"trading-console/internal/execution"
	"trading-console/internal/indicator"
	"trading-console/internal/metrics"
	"trading-console/internal/model"
	"trading-console/internal/order"
	"trading-console/internal/portfolio"
	"trading-console/internal/signal"
	"trading-console/internal/tradeflow"
)

// Core is the console surface the API serves.
type Core interface {
	Symbol() string
	CurrentSignal() model.Signal
	SignalFor(tf model.Timeframe) model.Signal
	CurrentIndicators(tf model.Timeframe) (model.IndicatorSnapshot, error)
	Relative(tf model.Timeframe) signal.Relative
	Bars(tf model.Timeframe) ([]model.Bar, error)
	CurrentOrder() (model.Order, bool)
	CurrentPosition() model.Position
	PositionSummary() portfolio.Summary
	CurrentQuote() model.Quote
	Audits() []audit.Report
	SubmitOrder(ctx context.Context, side model.Side, qty int64, limit float64) (string, error)
	CancelOrder(ctx context.Context) error
}

// Journal serves the persisted fill and audit history.
type Journal interface {
	GetFills(limit int) ([]execution.FillRecord, error)
	GetAudits(limit int) ([]execution.AuditRecord, error)
	GetTransitions(orderID string) ([]execution.TransitionRecord, error)
}

// Flow is the operator trade flow.
type Flow interface {
	Prompt() string
	Phase() tradeflow.Phase
	Messages() []tradeflow.Message
	Enter(ctx context.Context) error
}

// Hub is the WebSocket push hub.
type Hub interface {
	http.Handler
	Missed(from, to int64) [][]byte
	Seq() int64
}

// Deps are the server's collaborators. Only Core is required.
type Deps struct {
	Core     Core
	Journal  Journal
	Flow     Flow
	Hub      Hub
	Health   *metrics.HealthStatus
	Gatherer prometheus.Gatherer
	Logger   *slog.Logger

	// RequestsPerSecond is the per-IP request budget; 0 disables it.
	RequestsPerSecond float64
	RequestBurst      int
}

// Server wires HTTP endpoints around the console.
type Server struct {
	Router *gin.Engine
	deps   Deps
	log    *slog.Logger
	srv    *http.Server
}

// NewServer builds the router.
func NewServer(deps Deps) *Server {
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "api")

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(RequestLogger(log))
	r.Use(CORSMiddleware())
	r.Use(RateLimitMiddleware(deps.RequestsPerSecond, deps.RequestBurst, log))

	s := &Server{Router: r, deps: deps, log: log}
	s.routes()
	return s
}

// Start serves on addr in the background.
func (s *Server) Start(addr string) {
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.Router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		s.log.Info("api server listening", "addr", addr)
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("api server error", "err", err)
		}
	}()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

// ──── handlers ────

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "symbol": s.deps.Core.Symbol()})
}

func (s *Server) getSignal(c *gin.Context) {
	c.JSON(http.StatusOK, s.deps.Core.CurrentSignal())
}

func parseTF(c *gin.Context) (model.Timeframe, bool) {
	tf, err := model.ParseTimeframe(c.Param("tf"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return 0, false
	}
	return tf, true
}

func (s *Server) getSignalTF(c *gin.Context) {
	tf, ok := parseTF(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"signal":   s.deps.Core.SignalFor(tf),
		"relative": s.deps.Core.Relative(tf),
	})
}

func (s *Server) getIndicators(c *gin.Context) {
	tf, ok := parseTF(c)
	if !ok {
		return
	}
	snap, err := s.deps.Core.CurrentIndicators(tf)
	switch {
	case errors.Is(err, indicator.ErrInsufficientData):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error(), "snapshot": snap})
	case err != nil:
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusOK, snap)
	}
}

func queryLimit(c *gin.Context, def, max int) int {
	n, err := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(def)))
	if err != nil || n <= 0 {
		return def
	}
	if n > max {
		return max
	}
	return n
}

func (s *Server) getBars(c *gin.Context) {
	tf, ok := parseTF(c)
	if !ok {
		return
	}
	bars, err := s.deps.Core.Bars(tf)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	if limit := queryLimit(c, len(bars), 500); limit < len(bars) {
		bars = bars[len(bars)-limit:]
	}
	c.JSON(http.StatusOK, gin.H{"tf": tf.String(), "bars": bars})
}

func (s *Server) getQuote(c *gin.Context) {
	c.JSON(http.StatusOK, s.deps.Core.CurrentQuote())
}

func (s *Server) getOrder(c *gin.Context) {
	o, ok := s.deps.Core.CurrentOrder()
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no order"})
		return
	}
	c.JSON(http.StatusOK, o)
}

func (s *Server) getPosition(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"position": s.deps.Core.CurrentPosition(),
		"summary":  s.deps.Core.PositionSummary(),
	})
}

func (s *Server) getAudits(c *gin.Context) {
	if s.deps.Journal != nil {
		rows, err := s.deps.Journal.GetAudits(queryLimit(c, 50, 500))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"audits": rows})
		return
	}
	c.JSON(http.StatusOK, gin.H{"audits": s.deps.Core.Audits()})
}

func (s *Server) getFills(c *gin.Context) {
	if s.deps.Journal == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "journal disabled"})
		return
	}
	rows, err := s.deps.Journal.GetFills(queryLimit(c, 100, 1000))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"fills": rows})
}

func (s *Server) getTransitions(c *gin.Context) {
	if s.deps.Journal == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "journal disabled"})
		return
	}
	id := c.Param("id")
	rows, err := s.deps.Journal.GetTransitions(id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if len(rows) == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "no transitions for order " + id})
		return
	}
	c.JSON(http.StatusOK, gin.H{"order_id": id, "transitions": rows})
}

func (s *Server) getMissed(c *gin.Context) {
	if s.deps.Hub == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "push disabled"})
		return
	}
	from, err1 := strconv.ParseInt(c.Query("from"), 10, 64)
	to, err2 := strconv.ParseInt(c.DefaultQuery("to", strconv.FormatInt(s.deps.Hub.Seq(), 10)), 10, 64)
	if err1 != nil || err2 != nil || from > to {
		c.JSON(http.StatusBadRequest, gin.H{"error": "from and to must be sequence numbers with from <= to"})
		return
	}
	c.Header("Content-Type", "application/x-ndjson")
	for _, env := range s.deps.Hub.Missed(from, to) {
		c.Writer.Write(env)
		c.Writer.Write([]byte{'\n'})
	}
}

type submitOrderReq struct {
	Side       string  `json:"side" binding:"required,oneof=BUY SELL buy sell"`
	Quantity   int64   `json:"quantity" binding:"required,gt=0"`
	LimitPrice float64 `json:"limit_price" binding:"required,gt=0"`
}

func (s *Server) submitOrder(c *gin.Context) {
	var req submitOrderReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	side, err := model.ParseSide(req.Side)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	id, err := s.deps.Core.SubmitOrder(traceContext(c), side, req.Quantity, req.LimitPrice)
	if err != nil {
		c.Error(err)
		c.JSON(orderErrorStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"order_id": id})
}

func orderErrorStatus(err error) int {
	switch {
	case errors.Is(err, console.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, console.ErrOrderInFlight), errors.Is(err, order.ErrTerminal):
		return http.StatusConflict
	case errors.Is(err, portfolio.ErrRiskLimit):
		return http.StatusUnprocessableEntity
	case errors.Is(err, order.ErrUnknownOrder):
		return http.StatusNotFound
	case errors.Is(err, console.ErrClosed):
		return http.StatusServiceUnavailable
	}
	return http.StatusBadGateway
}

func (s *Server) cancelOrder(c *gin.Context) {
	if err := s.deps.Core.CancelOrder(traceContext(c)); err != nil {
		c.Error(err)
		c.JSON(orderErrorStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "cancel requested"})
}

func (s *Server) getFlow(c *gin.Context) {
	if s.deps.Flow == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "trade flow disabled"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"phase":    s.deps.Flow.Phase().String(),
		"prompt":   s.deps.Flow.Prompt(),
		"messages": s.deps.Flow.Messages(),
	})
}

func (s *Server) flowEnter(c *gin.Context) {
	if s.deps.Flow == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "trade flow disabled"})
		return
	}
	if err := s.deps.Flow.Enter(traceContext(c)); err != nil {
		status := orderErrorStatus(err)
		switch {
		case errors.Is(err, tradeflow.ErrOrderPending), errors.Is(err, tradeflow.ErrDone):
			status = http.StatusConflict
		case errors.Is(err, tradeflow.ErrNoQuote), errors.Is(err, tradeflow.ErrNoPosition):
			status = http.StatusPreconditionFailed
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"phase": s.deps.Flow.Phase().String(), "prompt": s.deps.Flow.Prompt()})
}
