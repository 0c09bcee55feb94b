package domain

import "time"

// LedgerState 是幂等记录的状态。
type LedgerState string

const (
	LedgerInProgress      LedgerState = "in_progress"
	LedgerFinalized       LedgerState = "finalized"
	LedgerFailedRetryable LedgerState = "failed_retryable"
)

// IdempotencyRecord 以 TransactionID 为主键。Payload 保存归一化后的事件，供恢复扫描重放。
// Swept 表示该记录已经用掉了唯一一次恢复重试。
type IdempotencyRecord struct {
	TransactionID string
	State         LedgerState
	OrderID       string
	Reason        string
	Payload       []byte
	Attempts      int
	Swept         bool
	StartedAt     time.Time
	UpdatedAt     time.Time
}
