// Package audit checks a trade cycle once the position is flat again and
// reports its outcome to the operator. It never mutates the Position.
package audit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"trading-console/internal/metrics"
	"trading-console/internal/model"
	"trading-console/internal/notification"
)

// ErrAuditInvariantViolation is returned when the audited position is not flat.
var ErrAuditInvariantViolation = errors.New("audit invariant violation")

// Report is the outcome of one audit.
type Report struct {
	Symbol          string          `json:"symbol"`
	FinalQuantity   int64           `json:"final_quantity"`
	RealizedPnL     decimal.Decimal `json:"realized_pnl"`
	CommissionTotal decimal.Decimal `json:"commission_total"`
	NetPnL          decimal.Decimal `json:"net_pnl"`
	Passed          bool            `json:"passed"`
	At              time.Time       `json:"at"`
}

// Run audits pos. The report is always filled in; a non-zero quantity also
// returns ErrAuditInvariantViolation.
func Run(pos model.Position, at time.Time) (Report, error) {
	r := Report{
		Symbol:          pos.Symbol,
		FinalQuantity:   pos.Quantity,
		RealizedPnL:     pos.RealizedPnL,
		CommissionTotal: pos.CommissionTotal,
		NetPnL:          pos.NetPnL(),
		Passed:          pos.Quantity == 0,
		At:              at,
	}
	if !r.Passed {
		return r, fmt.Errorf("%w: position still open with %d shares", ErrAuditInvariantViolation, pos.Quantity)
	}
	return r, nil
}

// Recorder persists audit reports.
type Recorder interface {
	RecordAudit(Report) error
}

// Auditor runs audits and delivers their results. Alerts are sent in the
// background so a slow channel never holds up the caller.
type Auditor struct {
	notifier notification.Notifier
	recorder Recorder
	log      *slog.Logger
	prom     *metrics.Metrics
	now      func() time.Time
	timeout  time.Duration

	mu      sync.Mutex
	reports []Report
	wg      sync.WaitGroup
}

// NewAuditor creates an Auditor. recorder may be nil.
func NewAuditor(n notification.Notifier, recorder Recorder, log *slog.Logger, prom *metrics.Metrics) *Auditor {
	if log == nil {
		log = slog.Default()
	}
	if n == nil {
		n = notification.NewLogNotifier(log)
	}
	return &Auditor{
		notifier: n,
		recorder: recorder,
		log:      log.With("component", "audit"),
		prom:     prom,
		now:      time.Now,
		timeout:  10 * time.Second,
	}
}

// Audit runs the audit on pos, records it and queues the operator alert.
func (a *Auditor) Audit(pos model.Position) (Report, error) {
	r, err := Run(pos, a.now())

	a.mu.Lock()
	a.reports = append(a.reports, r)
	a.mu.Unlock()

	result := "pass"
	if err != nil {
		result = "violation"
		a.log.Error("audit failed", "symbol", r.Symbol, "qty", r.FinalQuantity, "err", err)
	} else {
		a.log.Info("audit passed",
			"symbol", r.Symbol, "realized_pnl", r.RealizedPnL.StringFixed(2),
			"commission", r.CommissionTotal.StringFixed(2), "net_pnl", r.NetPnL.StringFixed(2))
	}
	if a.prom != nil {
		a.prom.AuditsTotal.WithLabelValues(result).Inc()
	}
	if a.recorder != nil {
		if rerr := a.recorder.RecordAudit(r); rerr != nil {
			a.log.Warn("audit not journaled", "err", rerr)
		}
	}

	alert := Alert(r)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
		defer cancel()
		if nerr := a.notifier.Send(ctx, alert); nerr != nil {
			a.log.Warn("audit alert not delivered", "err", nerr)
		}
	}()
	return r, err
}

// OnFlat adapts Audit to the position tracker's flat hook.
func (a *Auditor) OnFlat(pos model.Position) {
	a.Audit(pos)
}

// Reports returns every audit run so far, oldest first.
func (a *Auditor) Reports() []Report {
	a.mu.Lock()
	defer a.mu.Unlock()
	cp := make([]Report, len(a.reports))
	copy(cp, a.reports)
	return cp
}

// Last returns the most recent report.
func (a *Auditor) Last() (Report, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.reports) == 0 {
		return Report{}, false
	}
	return a.reports[len(a.reports)-1], true
}

// Wait blocks until queued alerts have been sent.
func (a *Auditor) Wait() {
	a.wg.Wait()
}

// Alert renders r for the operator.
func Alert(r Report) notification.Alert {
	fields := map[string]string{
		"symbol":         r.Symbol,
		"final_position": fmt.Sprintf("%d", r.FinalQuantity),
		"realized_pnl":   r.RealizedPnL.StringFixed(2),
		"commission":     r.CommissionTotal.StringFixed(2),
		"net_pnl":        r.NetPnL.StringFixed(2),
	}
	if !r.Passed {
		return notification.Alert{
			Level:   notification.AlertCritical,
			Title:   "Audit failed",
			Message: fmt.Sprintf("Position still open with %d shares", r.FinalQuantity),
			Fields:  fields,
		}
	}
	level := notification.AlertInfo
	if r.NetPnL.IsNegative() {
		level = notification.AlertWarning
	}
	return notification.Alert{
		Level: level,
		Title: "Position successfully closed",
		Message: fmt.Sprintf("Final P&L after commission $%s (realized $%s, commission $%s)",
			r.NetPnL.StringFixed(2), r.RealizedPnL.StringFixed(2), r.CommissionTotal.StringFixed(2)),
		Fields: fields,
	}
}

// Lines renders r as the operator's system messages, in display order.
func Lines(r Report) []string {
	out := []string{
		fmt.Sprintf("Audit: Final Position %d", r.FinalQuantity),
		fmt.Sprintf("Audit: Commission Cost $%s", r.CommissionTotal.StringFixed(2)),
		fmt.Sprintf("Audit: Final P&L after commission $%s", r.NetPnL.StringFixed(2)),
	}
	if r.Passed {
		return append(out, "Position successfully closed")
	}
	return append(out, fmt.Sprintf("Warning: Position still open with %d shares", r.FinalQuantity))
}
