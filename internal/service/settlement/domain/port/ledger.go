package port

import (
	"context"
	"time"

	"nexus-settlement/internal/service/settlement/domain"
)

// BeginOutcome 是幂等准入的结果枚举
type BeginOutcome int

const (
	Admitted BeginOutcome = iota + 1
	AlreadyFinalized
	AlreadyInProgress
)

func (o BeginOutcome) String() string {
	switch o {
	case Admitted:
		return "admitted"
	case AlreadyFinalized:
		return "already_finalized"
	case AlreadyInProgress:
		return "already_in_progress"
	}
	return "unknown"
}

type BeginResult struct {
	Outcome BeginOutcome
	OrderID string // 仅 AlreadyFinalized 时有值
}

type StaleAction int

const (
	// StaleReadmitted 记录被重新准入一次，调用方应重放 Payload。
	StaleReadmitted StaleAction = iota + 1
	// StaleExhausted 恢复重试后依然卡住，已转为 failed_retryable，需要人工介入。
	StaleExhausted
)

type StaleRecord struct {
	Record domain.IdempotencyRecord
	Action StaleAction
}

// Ledger 是幂等账本的出站端口。TryBegin 是唯一需要跨实例原子性的操作。
type Ledger interface {
	TryBegin(ctx context.Context, transactionID string, payload []byte) (BeginResult, error)
	Commit(ctx context.Context, transactionID, orderID string) error
	Fail(ctx context.Context, transactionID, reason string) error
	ReconcileStale(ctx context.Context, maxAge time.Duration) ([]StaleRecord, error)
	Get(ctx context.Context, transactionID string) (*domain.IdempotencyRecord, error)
}
