package port

import (
	"context"
	"time"
)

type AlertSeverity string

const (
	SeverityWarning  AlertSeverity = "warning"
	SeverityCritical AlertSeverity = "critical"
)

type AlertKind string

const (
	AlertComputeFailed  AlertKind = "compute_failed"
	AlertStaleExhausted AlertKind = "stale_exhausted"
	AlertBudgetWarning  AlertKind = "budget_warning"
	AlertBudgetCritical AlertKind = "budget_emergency"
	AlertLedgerCommit   AlertKind = "ledger_commit_failed"
)

// Alert 是推送给运营人员的告警。
type Alert struct {
	ID            string        `json:"id"`
	Kind          AlertKind     `json:"kind"`
	Severity      AlertSeverity `json:"severity"`
	TransactionID string        `json:"transactionId,omitempty"`
	OrderID       string        `json:"orderId,omitempty"`
	Reason        string        `json:"reason"`
	At            time.Time     `json:"at"`
}

type AlertPublisher interface {
	Publish(ctx context.Context, alert Alert) error
}
