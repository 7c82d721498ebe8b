package execution

import (
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"trading-console/internal/audit"
	"trading-console/internal/model"
	"trading-console/internal/order"
)

const journalQueueSize = 1024

// Journal persists fills, order transitions and audit reports to SQLite
// for later review. Writes are queued and applied by a single background
// goroutine so callers on the order path never wait on disk.
type Journal struct {
	db  *sql.DB
	log *slog.Logger

	queue chan journalOp
	done  chan struct{}

	closeOnce sync.Once
	mu        sync.RWMutex // guards closed
	closed    bool
}

type journalOp struct {
	query   string
	args    []any
	barrier chan struct{}
}

// NewJournal opens (or creates) a SQLite journal database.
func NewJournal(dbPath string, log *slog.Logger) (*Journal, error) {
	if log == nil {
		log = slog.Default()
	}
	db, err := sql.Open("sqlite3", dbPath+"?_journal=WAL&_sync=NORMAL")
	if err != nil {
		return nil, err
	}

	schema := `
	CREATE TABLE IF NOT EXISTS fills (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		order_id    TEXT NOT NULL,
		symbol      TEXT NOT NULL,
		side        TEXT NOT NULL,
		qty         INTEGER NOT NULL,
		price       TEXT NOT NULL,
		commission  TEXT NOT NULL,
		filled_at   DATETIME NOT NULL,
		created_at  DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_fills_order ON fills(order_id);
	CREATE INDEX IF NOT EXISTS idx_fills_filled_at ON fills(filled_at);

	CREATE TABLE IF NOT EXISTS order_transitions (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		order_id    TEXT NOT NULL,
		from_status TEXT NOT NULL,
		to_status   TEXT NOT NULL,
		filled_qty  INTEGER NOT NULL,
		avg_price   REAL NOT NULL,
		commission  REAL NOT NULL,
		changed_at  DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_transitions_order ON order_transitions(order_id);

	CREATE TABLE IF NOT EXISTS audits (
		id            INTEGER PRIMARY KEY AUTOINCREMENT,
		symbol        TEXT NOT NULL,
		final_qty     INTEGER NOT NULL,
		realized_pnl  TEXT NOT NULL,
		commission    TEXT NOT NULL,
		net_pnl       TEXT NOT NULL,
		passed        INTEGER NOT NULL,
		audited_at    DATETIME NOT NULL
	);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, err
	}

	j := &Journal{
		db:    db,
		log:   log.With("component", "journal"),
		queue: make(chan journalOp, journalQueueSize),
		done:  make(chan struct{}),
	}
	go j.run()

	j.log.Info("opened trade journal", "path", dbPath)
	return j, nil
}

// DB returns the underlying database for health checks.
func (j *Journal) DB() *sql.DB { return j.db }

func (j *Journal) run() {
	defer close(j.done)
	for op := range j.queue {
		if op.barrier != nil {
			close(op.barrier)
			continue
		}
		if _, err := j.db.Exec(op.query, op.args...); err != nil {
			j.log.Warn("journal write failed", "err", err)
		}
	}
}

func (j *Journal) enqueue(op journalOp) error {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.closed {
		return fmt.Errorf("journal closed")
	}
	select {
	case j.queue <- op:
		return nil
	default:
		return fmt.Errorf("journal queue full")
	}
}

// RecordFill queues a fill for persistence.
func (j *Journal) RecordFill(symbol string, f model.FillEvent) error {
	return j.enqueue(journalOp{
		query: `INSERT INTO fills (order_id, symbol, side, qty, price, commission, filled_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		args: []any{f.OrderID, symbol, string(f.Side), f.Quantity, f.Price.String(), f.Commission.String(),
			f.At.UTC().Format(time.RFC3339Nano)},
	})
}

// RecordTransition queues an order state change.
func (j *Journal) RecordTransition(r order.Result) error {
	o := r.Order
	return j.enqueue(journalOp{
		query: `INSERT INTO order_transitions (order_id, from_status, to_status, filled_qty, avg_price, commission, changed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		args: []any{o.ID, string(r.From), string(o.Status), o.FilledQuantity, o.AvgFillPrice, o.Commission,
			o.LastStatusChangeAt.UTC().Format(time.RFC3339Nano)},
	})
}

// RecordAudit queues an audit report.
func (j *Journal) RecordAudit(r audit.Report) error {
	passed := 0
	if r.Passed {
		passed = 1
	}
	return j.enqueue(journalOp{
		query: `INSERT INTO audits (symbol, final_qty, realized_pnl, commission, net_pnl, passed, audited_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		args: []any{r.Symbol, r.FinalQuantity, r.RealizedPnL.String(), r.CommissionTotal.String(), r.NetPnL.String(),
			passed, r.At.UTC().Format(time.RFC3339Nano)},
	})
}

// Sync blocks until every write queued before the call has been applied.
func (j *Journal) Sync() error {
	barrier := make(chan struct{})
	j.mu.RLock()
	if j.closed {
		j.mu.RUnlock()
		return fmt.Errorf("journal closed")
	}
	j.queue <- journalOp{barrier: barrier}
	j.mu.RUnlock()
	<-barrier
	return nil
}

// FillRecord represents a row from the fills table.
type FillRecord struct {
	ID         int64  `json:"id"`
	OrderID    string `json:"order_id"`
	Symbol     string `json:"symbol"`
	Side       string `json:"side"`
	Qty        int64  `json:"qty"`
	Price      string `json:"price"`
	Commission string `json:"commission"`
	FilledAt   string `json:"filled_at"`
}

// GetFills returns the last N fills, newest first.
func (j *Journal) GetFills(limit int) ([]FillRecord, error) {
	rows, err := j.db.Query(
		`SELECT id, order_id, symbol, side, qty, price, commission, filled_at
		 FROM fills ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var fills []FillRecord
	for rows.Next() {
		var f FillRecord
		if err := rows.Scan(&f.ID, &f.OrderID, &f.Symbol, &f.Side, &f.Qty, &f.Price, &f.Commission, &f.FilledAt); err != nil {
			continue
		}
		fills = append(fills, f)
	}
	return fills, rows.Err()
}

// TransitionRecord represents a row from the order_transitions table.
type TransitionRecord struct {
	OrderID   string  `json:"order_id"`
	From      string  `json:"from"`
	To        string  `json:"to"`
	FilledQty int64   `json:"filled_qty"`
	AvgPrice  float64 `json:"avg_price"`
	ChangedAt string  `json:"changed_at"`
}

// GetTransitions returns the recorded transitions of one order, oldest first.
func (j *Journal) GetTransitions(orderID string) ([]TransitionRecord, error) {
	rows, err := j.db.Query(
		`SELECT order_id, from_status, to_status, filled_qty, avg_price, changed_at
		 FROM order_transitions WHERE order_id = ? ORDER BY id`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TransitionRecord
	for rows.Next() {
		var t TransitionRecord
		if err := rows.Scan(&t.OrderID, &t.From, &t.To, &t.FilledQty, &t.AvgPrice, &t.ChangedAt); err != nil {
			continue
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// AuditRecord represents a row from the audits table.
type AuditRecord struct {
	Symbol      string `json:"symbol"`
	FinalQty    int64  `json:"final_qty"`
	RealizedPnL string `json:"realized_pnl"`
	Commission  string `json:"commission"`
	NetPnL      string `json:"net_pnl"`
	Passed      bool   `json:"passed"`
	AuditedAt   string `json:"audited_at"`
}

// GetAudits returns the last N audits, newest first.
func (j *Journal) GetAudits(limit int) ([]AuditRecord, error) {
	rows, err := j.db.Query(
		`SELECT symbol, final_qty, realized_pnl, commission, net_pnl, passed, audited_at
		 FROM audits ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AuditRecord
	for rows.Next() {
		var a AuditRecord
		if err := rows.Scan(&a.Symbol, &a.FinalQty, &a.RealizedPnL, &a.Commission, &a.NetPnL, &a.Passed, &a.AuditedAt); err != nil {
			continue
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// Close drains queued writes and closes the journal database.
func (j *Journal) Close() error {
	j.closeOnce.Do(func() {
		j.mu.Lock()
		j.closed = true
		close(j.queue)
		j.mu.Unlock()
		<-j.done
	})
	return j.db.Close()
}
