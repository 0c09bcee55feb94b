// internal/service/settlement/application/dto.go
package application

import (
	"time"

	"nexus-settlement/internal/service/settlement/application/pipeline"
	"nexus-settlement/internal/service/settlement/domain"
)

// Outcome 是对调用方的响应分类。
type Outcome string

const (
	OutcomeFinalized Outcome = "finalized"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeRetryable Outcome = "retryable"
	OutcomeRejected  Outcome = "rejected"
)

// Result 是一次完成事件处理的结果，由入站适配器映射为 HTTP 状态码或消费确认。
type Result struct {
	Outcome    Outcome                  `json:"outcome"`
	OrderID    string                   `json:"orderId,omitempty"`
	Reason     string                   `json:"reason,omitempty"`
	State      domain.ReconcileState    `json:"state"`
	Throttled  bool                     `json:"-"`
	RetryAfter time.Duration            `json:"-"`
	Dispatch   *pipeline.DispatchResult `json:"dispatch,omitempty"`
}

// Success 表示订单已经（或早已）完成。
func (r Result) Success() bool {
	return r.Outcome == OutcomeFinalized || r.Outcome == OutcomeDuplicate
}

// BackfillRequest 按交易号或订单号补录，二者至少有一个。
type BackfillRequest struct {
	TransactionID string `json:"transactionId,omitempty"`
	OrderID       string `json:"orderId,omitempty"`
}

// BackfillResponse 是后台补录对运营人员的回复。
type BackfillResponse struct {
	Success   bool   `json:"success"`
	Duplicate bool   `json:"duplicate"`
	OrderID   string `json:"orderId,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// ToBackfillResponse 从处理结果转换为补录回复
func (r Result) ToBackfillResponse() BackfillResponse {
	return BackfillResponse{
		Success:   r.Success(),
		Duplicate: r.Outcome == OutcomeDuplicate,
		OrderID:   r.OrderID,
		Reason:    r.Reason,
	}
}

// SweepReport 汇总一次恢复扫描。
type SweepReport struct {
	Skipped   bool     `json:"skipped"`
	Resumed   int      `json:"resumed"`
	Finalized int      `json:"finalized"`
	Exhausted []string `json:"exhausted,omitempty"`
}
