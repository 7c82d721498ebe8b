// Package console is the trading console core: it ingests broker bar,
// order, position and price callbacks and answers the UI's questions about
// indicators, signal, order and position.
//
// The console is safe for concurrent use by the two broker delivery
// contexts (market data and order/position) and any number of readers.
// No method blocks on network or terminal I/O.
package console

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"trading-console/internal/audit"
	"trading-console/internal/barstore"
	"trading-console/internal/execution"
	"trading-console/internal/indengine"
	"trading-console/internal/indicator"
	"trading-console/internal/logger"
	"trading-console/internal/marketdata/timestamp"
	"trading-console/internal/metrics"
	"trading-console/internal/model"
	"trading-console/internal/notification"
	"trading-console/internal/order"
	"trading-console/internal/portfolio"
	"trading-console/internal/signal"
)

var (
	ErrRateLimited   = errors.New("order submission rate limited")
	ErrOrderInFlight = errors.New("an order is already in flight")
	ErrClosed        = errors.New("console closed")
)

// Config configures the console core.
type Config struct {
	Symbol     string
	Indicators indengine.Config
	Location   *time.Location // zone for unqualified bar timestamps

	MaxOrdersPerSecond float64
	OrderBurst         int
	EventBuffer        int
}

// DefaultConfig returns the console defaults for symbol.
func DefaultConfig(symbol string) Config {
	return Config{
		Symbol:             symbol,
		Indicators:         indengine.DefaultConfig(),
		MaxOrdersPerSecond: 1,
		OrderBurst:         1,
		EventBuffer:        1024,
	}
}

// Journal persists fills and transitions. Implemented by execution.Journal.
type Journal interface {
	RecordFill(symbol string, f model.FillEvent) error
	RecordTransition(r order.Result) error
}

// Deps are the console's collaborators. Broker is required.
type Deps struct {
	Broker   execution.Broker
	Notifier notification.Notifier
	Journal  Journal
	Recorder audit.Recorder
	Risk     *portfolio.RiskLimits
	Health   *metrics.HealthStatus
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
	Clock    func() time.Time
}

// Console wires the core components together.
type Console struct {
	cfg  Config
	log  *slog.Logger
	prom *metrics.Metrics
	now  func() time.Time

	norm    *timestamp.Normalizer
	ind     *indengine.Service
	orders  *order.Machine
	tracker *portfolio.Tracker
	risk    *portfolio.RiskManager
	auditor *audit.Auditor
	broker  execution.Broker
	journal Journal
	health  *metrics.HealthStatus
	limiter *rate.Limiter

	// submitMu makes place-then-track atomic with respect to status
	// callbacks, so the first callback of a new order finds it tracked.
	submitMu sync.RWMutex

	quoteMu sync.RWMutex
	quote   model.Quote

	evMu     sync.RWMutex
	events   chan Event
	evClosed bool
}

// New builds a console around deps.Broker.
func New(cfg Config, deps Deps) (*Console, error) {
	if deps.Broker == nil {
		return nil, fmt.Errorf("console: broker is required")
	}
	if cfg.Symbol == "" {
		return nil, fmt.Errorf("console: symbol is required")
	}
	if len(cfg.Indicators.Timeframes) == 0 {
		cfg.Indicators = indengine.DefaultConfig()
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 1024
	}
	if cfg.MaxOrdersPerSecond <= 0 {
		cfg.MaxOrdersPerSecond = 1
	}
	if cfg.OrderBurst <= 0 {
		cfg.OrderBurst = 1
	}
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	now := deps.Clock
	if now == nil {
		now = time.Now
	}

	c := &Console{
		cfg:     cfg,
		log:     log.With("component", "console", "symbol", cfg.Symbol),
		prom:    deps.Metrics,
		now:     now,
		norm:    timestamp.New(cfg.Location),
		ind:     indengine.New(cfg.Indicators, log, deps.Metrics),
		orders:  order.NewMachine(log, order.WithClock(now), order.WithMetrics(deps.Metrics)),
		tracker: portfolio.NewTracker(cfg.Symbol, log, deps.Metrics),
		broker:  deps.Broker,
		journal: deps.Journal,
		health:  deps.Health,
		limiter: rate.NewLimiter(rate.Limit(cfg.MaxOrdersPerSecond), cfg.OrderBurst),
		events:  make(chan Event, cfg.EventBuffer),
	}
	c.auditor = audit.NewAuditor(deps.Notifier, deps.Recorder, log, deps.Metrics)
	if deps.Risk != nil {
		c.risk = portfolio.NewRiskManager(*deps.Risk, c.tracker, log)
	}

	c.ind.OnSnapshot(c.onSnapshot)
	c.orders.OnFill(func(f model.FillEvent) { c.tracker.ApplyFill(f) })
	c.orders.OnChange(c.onOrderChange)
	c.tracker.OnFlat(c.onFlat)
	c.broker.SetStatusSink(func(u order.StatusUpdate) {
		if err := c.OnOrderStatus(u); err != nil {
			c.log.Warn("broker status rejected", "order_id", u.OrderID, "status", u.Status, "err", err)
		}
	})
	return c, nil
}

// ──── inbound: market data ────

// OnBar ingests one broker bar for tf. Malformed timestamps and invalid
// volumes discard the bar; an out-of-order bar returns an error wrapping
// barstore.ErrOutOfOrderBar and changes nothing. Neither stalls later bars.
func (c *Console) OnBar(tf model.Timeframe, raw model.RawBar, isFinal bool) error {
	p, err := c.ind.Pipeline(tf)
	if err != nil {
		return err
	}
	ts, err := c.norm.Parse(raw.Date)
	if err != nil {
		c.log.Warn("bar discarded", "tf", tf.String(), "reason", "timestamp", "err", err)
		c.countBarReject(tf, "malformed_timestamp")
		return err
	}
	vol, err := model.ParseVolume(raw.Volume)
	if err != nil {
		c.log.Warn("bar discarded", "tf", tf.String(), "reason", "volume", "err", err)
		c.countBarReject(tf, "invalid_volume")
		return err
	}

	bar := model.Bar{
		TF:     tf,
		Time:   ts,
		Open:   raw.Open,
		High:   raw.High,
		Low:    raw.Low,
		Close:  raw.Close,
		Volume: vol,
	}
	res, err := p.OnBar(bar, isFinal)
	if res.Closed > 0 && c.health != nil {
		if last, ok := p.LastBar(); ok {
			c.health.SetLastBarTime(tf.String(), last.Time)
		}
	}
	if err != nil {
		return fmt.Errorf("%s bar %s: %w", tf, ts.Format(time.RFC3339), err)
	}
	return nil
}

// Flush closes every pending forming bar. Used when a replay ends.
func (c *Console) Flush() error {
	return c.ind.Flush()
}

// OnPriceTick records the last traded price and marks the position.
func (c *Console) OnPriceTick(price float64) {
	if price <= 0 {
		return
	}
	at := c.now()
	c.quoteMu.Lock()
	c.quote.Last = price
	c.quote.At = at
	c.quoteMu.Unlock()

	c.tracker.ApplyPriceTick(decimal.NewFromFloat(price), at)
	c.emit(Event{Kind: EventPosition, At: at, Data: c.tracker.Position()})
}

// OnQuote records the top of book used to price prompts and orders.
func (c *Console) OnQuote(bid, ask float64) {
	at := c.now()
	c.quoteMu.Lock()
	if bid > 0 {
		c.quote.Bid = bid
	}
	if ask > 0 {
		c.quote.Ask = ask
	}
	c.quote.At = at
	q := c.quote
	c.quoteMu.Unlock()

	c.emit(Event{Kind: EventQuote, At: at, Data: q})
}

// ──── inbound: orders and position ────

// OnOrderStatus applies a broker order callback. Repeated and late
// callbacks for terminal orders are logged and dropped without error.
// The position absorbs a fill before the order's new status is readable.
func (c *Console) OnOrderStatus(u order.StatusUpdate) error {
	c.submitMu.RLock()
	defer c.submitMu.RUnlock()

	res, err := c.orders.OnStatus(u)
	if err != nil {
		if order.Benign(err) {
			c.log.Debug("order callback dropped", "order_id", u.OrderID, "err", err)
			return nil
		}
		return err
	}
	if res.Fill == nil {
		return nil
	}

	f := *res.Fill
	if c.journal != nil {
		if jerr := c.journal.RecordFill(c.cfg.Symbol, f); jerr != nil {
			c.log.Warn("fill not journaled", "order_id", f.OrderID, "err", jerr)
		}
	}
	c.emit(Event{Kind: EventFill, At: f.At, Data: f})
	c.emit(Event{Kind: EventPosition, At: f.At, Data: c.tracker.Position()})
	return nil
}

// OnBrokerOrderStatus maps a raw gateway callback and applies it.
func (c *Console) OnBrokerOrderStatus(orderID, status string, filled int64, avgFillPrice, commission float64) error {
	st, err := order.ParseBrokerStatus(status, filled)
	if err != nil {
		return err
	}
	return c.OnOrderStatus(order.StatusUpdate{
		OrderID:        orderID,
		Status:         st,
		FilledQuantity: filled,
		AvgFillPrice:   avgFillPrice,
		Commission:     commission,
	})
}

// OnPositionUpdate seeds the position from the broker at startup. Once any
// fill has been applied the broker snapshot is ignored.
func (c *Console) OnPositionUpdate(qty int64, avgCost float64) {
	err := c.tracker.Reconcile(qty, decimal.NewFromFloat(avgCost), c.now())
	if errors.Is(err, portfolio.ErrReconcileIgnored) {
		return
	}
	c.emit(Event{Kind: EventPosition, At: c.now(), Data: c.tracker.Position()})
}

// ──── outbound ────

// CurrentIndicators returns the latest snapshot of tf, or
// indicator.ErrInsufficientData while any indicator is still undefined.
func (c *Console) CurrentIndicators(tf model.Timeframe) (model.IndicatorSnapshot, error) {
	p, err := c.ind.Pipeline(tf)
	if err != nil {
		return model.IndicatorSnapshot{}, err
	}
	snap, ok := p.Snapshot()
	if !ok || !snap.Complete() {
		return snap, fmt.Errorf("%s: %w (%d bars)", tf, indicator.ErrInsufficientData, snap.Bars)
	}
	return snap, nil
}

// Snapshot returns the latest snapshot of tf even when incomplete.
func (c *Console) Snapshot(tf model.Timeframe) (model.IndicatorSnapshot, bool) {
	p, err := c.ind.Pipeline(tf)
	if err != nil {
		return model.IndicatorSnapshot{TF: tf}, false
	}
	return p.Snapshot()
}

// SignalFor evaluates a single timeframe at the current price.
func (c *Console) SignalFor(tf model.Timeframe) model.Signal {
	snap, _ := c.Snapshot(tf)
	return signal.Extrapolate(c.price(), snap, c.now())
}

// CurrentSignal combines the timeframes at the current price. It holds
// unless every timeframe has a complete snapshot.
func (c *Console) CurrentSignal() model.Signal {
	price := c.price()
	at := c.now()
	tfs := c.ind.Timeframes()

	sigs := make([]model.Signal, 0, len(tfs))
	for _, tf := range tfs {
		snap, ok := c.Snapshot(tf)
		if !ok || !snap.Complete() {
			return model.Signal{Value: model.SignalHold, Price: price, DerivedAt: at}
		}
		sigs = append(sigs, signal.Extrapolate(price, snap, at))
	}
	if len(sigs) == 1 {
		return sigs[0]
	}
	return signal.Combine(sigs[0], sigs[1], at)
}

// Relative returns price relative to the indicators of tf.
func (c *Console) Relative(tf model.Timeframe) signal.Relative {
	snap, _ := c.Snapshot(tf)
	return signal.RelativeTo(c.price(), snap)
}

// CurrentOrder returns the most recently submitted order.
func (c *Console) CurrentOrder() (model.Order, bool) {
	return c.orders.Current()
}

// CurrentPosition returns a copy of the position.
func (c *Console) CurrentPosition() model.Position {
	return c.tracker.Position()
}

// PositionSummary returns the position panel figures.
func (c *Console) PositionSummary() portfolio.Summary {
	return c.tracker.GetSummary()
}

// CurrentQuote returns the latest bid, ask and last price.
func (c *Console) CurrentQuote() model.Quote {
	c.quoteMu.RLock()
	defer c.quoteMu.RUnlock()
	return c.quote
}

// Bars returns the stored bars of tf, oldest first.
func (c *Console) Bars(tf model.Timeframe) ([]model.Bar, error) {
	p, err := c.ind.Pipeline(tf)
	if err != nil {
		return nil, err
	}
	return p.Bars(), nil
}

// Audits returns every audit run so far.
func (c *Console) Audits() []audit.Report {
	return c.auditor.Reports()
}

// LastAudit returns the most recent audit.
func (c *Console) LastAudit() (audit.Report, bool) {
	return c.auditor.Last()
}

// Symbol returns the traded symbol.
func (c *Console) Symbol() string { return c.cfg.Symbol }

// ──── orders ────

// SubmitOrder sends a limit order and returns the broker's order id as soon
// as the broker accepts it. Its progress arrives through OnOrderStatus.
// Only one order may be live at a time.
func (c *Console) SubmitOrder(ctx context.Context, side model.Side, qty int64, limit float64) (string, error) {
	if c.orders.Stopped() {
		return "", ErrClosed
	}

	req := execution.OrderRequest{
		ClientRef:  uuid.NewString(),
		Symbol:     c.cfg.Symbol,
		Side:       side,
		Quantity:   qty,
		LimitPrice: limit,
	}
	if err := req.Validate(); err != nil {
		return "", err
	}

	if logger.TraceID(ctx) == "" {
		ctx = logger.WithTraceID(ctx, logger.GenerateTraceID(c.cfg.Symbol, c.now()))
	}
	log := c.log.With(logger.LogWithTrace(ctx)...)

	c.submitMu.Lock()
	defer c.submitMu.Unlock()

	if c.orders.InFlight() {
		return "", ErrOrderInFlight
	}
	if c.risk != nil {
		if err := c.risk.Check(side, qty); err != nil {
			return "", err
		}
	}
	// Only submissions that would reach the broker spend a token.
	if !c.limiter.Allow() {
		if c.prom != nil {
			c.prom.SubmitRateLimited.Inc()
		}
		return "", ErrRateLimited
	}

	id, err := c.broker.PlaceOrder(ctx, req)
	if err != nil {
		log.Error("order placement failed", "side", side, "qty", qty, "limit", limit, "err", err)
		return "", fmt.Errorf("place order: %w", err)
	}
	o := model.Order{
		ID:         id,
		ClientRef:  req.ClientRef,
		Side:       side,
		Symbol:     c.cfg.Symbol,
		Quantity:   qty,
		LimitPrice: limit,
		Status:     model.StatusSubmitted,
	}
	if err := c.orders.Track(o); err != nil {
		return "", err
	}
	if c.prom != nil {
		c.prom.OrdersSubmitted.WithLabelValues(string(side)).Inc()
	}
	log.Info("order submitted", "order_id", id, "client_ref", req.ClientRef, "side", side, "qty", qty, "limit", limit)

	if cur, ok := c.orders.Get(id); ok {
		c.emit(Event{Kind: EventOrder, At: cur.SubmittedAt, Data: cur})
	}
	return id, nil
}

// CancelOrder asks the broker to cancel the current order.
func (c *Console) CancelOrder(ctx context.Context) error {
	o, ok := c.orders.Current()
	if !ok {
		return fmt.Errorf("cancel: %w", order.ErrUnknownOrder)
	}
	if o.Status.Terminal() {
		return fmt.Errorf("cancel %s: %w", o.ID, order.ErrTerminal)
	}
	return c.broker.CancelOrder(ctx, o.ID)
}

// ──── push ────

// Events returns the push stream. It is closed by Close. Events are dropped
// when the buffer is full.
func (c *Console) Events() <-chan Event {
	return c.events
}

// Close stops accepting order callbacks and closes the event stream.
func (c *Console) Close() {
	c.orders.Stop()
	c.auditor.Wait()

	c.evMu.Lock()
	defer c.evMu.Unlock()
	if !c.evClosed {
		c.evClosed = true
		close(c.events)
	}
}

// OrderMachine exposes the order state machine for monitoring loops.
func (c *Console) OrderMachine() *order.Machine { return c.orders }

// Auditor exposes the auditor.
func (c *Console) Auditor() *audit.Auditor { return c.auditor }

// ──── internal ────

func (c *Console) onSnapshot(s model.IndicatorSnapshot) {
	c.emit(Event{Kind: EventIndicators, TF: s.TF.String(), At: s.ComputedAt, Data: s})
	c.emit(Event{Kind: EventSignal, At: s.ComputedAt, Data: c.CurrentSignal()})
}

func (c *Console) onOrderChange(r order.Result) {
	if !r.Changed {
		return
	}
	if c.journal != nil {
		if err := c.journal.RecordTransition(r); err != nil {
			c.log.Warn("transition not journaled", "order_id", r.Order.ID, "err", err)
		}
	}
	c.emit(Event{Kind: EventOrder, At: r.Order.LastStatusChangeAt, Data: r.Order})
}

func (c *Console) onFlat(pos model.Position) {
	r, _ := c.auditor.Audit(pos)
	c.emit(Event{Kind: EventAudit, At: r.At, Data: r})
}

func (c *Console) emit(e Event) {
	c.evMu.RLock()
	defer c.evMu.RUnlock()
	if c.evClosed {
		return
	}
	select {
	case c.events <- e:
	default:
		if c.prom != nil {
			c.prom.EventDropsTotal.WithLabelValues("console").Inc()
		}
	}
}

func (c *Console) price() float64 {
	c.quoteMu.RLock()
	defer c.quoteMu.RUnlock()
	return c.quote.Last
}

func (c *Console) countBarReject(tf model.Timeframe, reason string) {
	if c.prom != nil {
		c.prom.BarsRejected.WithLabelValues(tf.String(), reason).Inc()
	}
}

// IsOutOfOrder reports whether err rejected a bar that was already stored,
// as happens when a feed reconnects and replays history.
func IsOutOfOrder(err error) bool {
	return errors.Is(err, barstore.ErrOutOfOrderBar)
}
