// Package notification delivers operator alerts (audit results, risk
// blocks, order rejections) to external channels.
package notification

import (
	"context"
	"errors"
	"log/slog"
	"sort"
)

// AlertLevel represents the severity of an alert.
type AlertLevel string

const (
	AlertInfo     AlertLevel = "INFO"
	AlertWarning  AlertLevel = "WARNING"
	AlertCritical AlertLevel = "CRITICAL"
)

// Alert represents a notification to be sent.
type Alert struct {
	Level   AlertLevel        `json:"level"`
	Title   string            `json:"title"`
	Message string            `json:"message"`
	Fields  map[string]string `json:"fields,omitempty"`
}

// sortedFields returns the alert's field keys in a stable order.
func (a Alert) sortedFields() []string {
	keys := make([]string, 0, len(a.Fields))
	for k := range a.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Notifier is the interface for all notification backends.
type Notifier interface {
	// Send delivers an alert. Returns error if delivery fails.
	Send(ctx context.Context, alert Alert) error
}

// LogNotifier writes alerts to the structured log.
type LogNotifier struct {
	log *slog.Logger
}

// NewLogNotifier creates a log-based notifier.
func NewLogNotifier(log *slog.Logger) *LogNotifier {
	if log == nil {
		log = slog.Default()
	}
	return &LogNotifier{log: log.With("component", "notify")}
}

func (n *LogNotifier) Send(ctx context.Context, alert Alert) error {
	args := []any{"level", string(alert.Level), "title", alert.Title}
	for _, k := range alert.sortedFields() {
		args = append(args, k, alert.Fields[k])
	}
	lvl := slog.LevelInfo
	switch alert.Level {
	case AlertWarning:
		lvl = slog.LevelWarn
	case AlertCritical:
		lvl = slog.LevelError
	}
	n.log.Log(ctx, lvl, alert.Message, args...)
	return nil
}

// Multi sends each alert to every backend and joins their errors.
type Multi []Notifier

func (m Multi) Send(ctx context.Context, alert Alert) error {
	var errs []error
	for _, n := range m {
		if err := n.Send(ctx, alert); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
