package portfolio

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/shopspring/decimal"

	"trading-console/internal/model"
)

// ErrRiskLimit is returned when an order would breach a risk limit.
var ErrRiskLimit = errors.New("risk limit")

// RiskLimits defines configurable pre-trade thresholds. Zero disables a limit.
type RiskLimits struct {
	MaxPositionSize int64           `json:"max_position_size"` // max |quantity| after the order
	MaxDailyLoss    decimal.Decimal `json:"max_daily_loss"`    // max loss net of commission, positive number
}

// DefaultRiskLimits returns conservative default limits.
func DefaultRiskLimits() RiskLimits {
	return RiskLimits{
		MaxPositionSize: 1000,
		MaxDailyLoss:    decimal.NewFromInt(500),
	}
}

// RiskManager validates orders against the tracker's live position.
// Orders that only reduce the position are always allowed.
type RiskManager struct {
	mu      sync.RWMutex
	limits  RiskLimits
	tracker *Tracker
	log     *slog.Logger

	// PnL carried from earlier sessions of the same trading day.
	dayStart decimal.Decimal
}

// NewRiskManager creates a RiskManager over tracker.
func NewRiskManager(limits RiskLimits, tracker *Tracker, log *slog.Logger) *RiskManager {
	if log == nil {
		log = slog.Default()
	}
	return &RiskManager{
		limits:  limits,
		tracker: tracker,
		log:     log.With("component", "risk"),
	}
}

// Check returns nil if an order of qty shares on side may be sent.
func (rm *RiskManager) Check(side model.Side, qty int64) error {
	rm.mu.RLock()
	defer rm.mu.RUnlock()

	pos := rm.tracker.Position()
	next := pos.Quantity + qty*side.Sign()
	if abs(next) <= abs(pos.Quantity) && sameSignOrZero(pos.Quantity, next) {
		return nil
	}

	if rm.limits.MaxPositionSize > 0 && abs(next) > rm.limits.MaxPositionSize {
		rm.log.Warn("order blocked", "reason", "position size", "next_qty", next, "limit", rm.limits.MaxPositionSize)
		return fmt.Errorf("%w: position %d exceeds max %d", ErrRiskLimit, next, rm.limits.MaxPositionSize)
	}

	if rm.limits.MaxDailyLoss.IsPositive() {
		day := rm.dayPnLLocked(pos)
		if day.LessThanOrEqual(rm.limits.MaxDailyLoss.Neg()) {
			rm.log.Warn("order blocked", "reason", "daily loss", "day_pnl", day.String(), "limit", rm.limits.MaxDailyLoss.String())
			return fmt.Errorf("%w: daily loss %s reached max %s", ErrRiskLimit, day.StringFixed(2), rm.limits.MaxDailyLoss.StringFixed(2))
		}
	}
	return nil
}

// CarryDailyPnL sets PnL realized earlier in the day by previous runs.
func (rm *RiskManager) CarryDailyPnL(pnl decimal.Decimal) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	rm.dayStart = pnl
}

// ResetDaily clears the carried PnL (call at market open).
func (rm *RiskManager) ResetDaily() {
	rm.CarryDailyPnL(decimal.Zero)
}

// DailyPnL returns the day's PnL net of commission, including open PnL.
func (rm *RiskManager) DailyPnL() decimal.Decimal {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	return rm.dayPnLLocked(rm.tracker.Position())
}

func (rm *RiskManager) dayPnLLocked(pos model.Position) decimal.Decimal {
	return rm.dayStart.Add(pos.NetPnL()).Add(pos.UnrealizedPnL)
}

// Limits returns the configured limits.
func (rm *RiskManager) Limits() RiskLimits {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	return rm.limits
}

func sameSignOrZero(a, b int64) bool {
	return b == 0 || a == 0 || sameSign(a, b)
}
