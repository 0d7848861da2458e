// Package alert carries operator notifications out of the reconciliation
// path. Escalations that strand money (audit_required runs) must reach a
// human; everything else is informational.
package alert

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ghilp934/Decisionproof/id"
)

// Severity ranks an alert.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Alert is one operator notification.
type Alert struct {
	Severity Severity
	Summary  string
	RunID    id.RunID
	TenantID id.TenantID
	Fields   map[string]any
	At       time.Time
}

// Notifier delivers alerts. Implementations must not block the caller for
// long; the reaper fires alerts inline during its sweep.
type Notifier interface {
	Notify(ctx context.Context, a Alert)
}

// SlogNotifier writes alerts to a structured logger.
type SlogNotifier struct {
	Logger *slog.Logger
}

func (n *SlogNotifier) Notify(ctx context.Context, a Alert) {
	logger := n.Logger
	if logger == nil {
		logger = slog.Default()
	}

	attrs := []any{
		"severity", a.Severity,
		"run_id", a.RunID,
		"tenant_id", a.TenantID,
	}
	for k, v := range a.Fields {
		attrs = append(attrs, k, v)
	}

	switch a.Severity {
	case SeverityCritical:
		logger.Error(a.Summary, attrs...)
	case SeverityWarning:
		logger.Warn(a.Summary, attrs...)
	default:
		logger.Info(a.Summary, attrs...)
	}
}

// CaptureNotifier records alerts in memory for tests.
type CaptureNotifier struct {
	mu     sync.Mutex
	alerts []Alert
}

func (n *CaptureNotifier) Notify(ctx context.Context, a Alert) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.alerts = append(n.alerts, a)
}

// Alerts returns a snapshot of everything captured so far.
func (n *CaptureNotifier) Alerts() []Alert {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]Alert, len(n.alerts))
	copy(out, n.alerts)
	return out
}
