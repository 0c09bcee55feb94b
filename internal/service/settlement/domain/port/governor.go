package port

import (
	"context"

	"github.com/shopspring/decimal"

	"nexus-settlement/internal/service/settlement/domain"
)

// Category 是限流与成本统计的操作类别。
type Category string

const (
	CategoryAI              Category = "ai"
	CategoryOrderProcessing Category = "order-processing"
	CategoryEmailSending    Category = "email-sending"
	CategoryAPI             Category = "api"
)

// Decision 是 Governor 的判定结果
type Decision int

const (
	Allowed Decision = iota + 1
	Throttled
	BudgetExceeded
)

func (d Decision) String() string {
	switch d {
	case Allowed:
		return "allowed"
	case Throttled:
		return "throttled"
	case BudgetExceeded:
		return "budget_exceeded"
	}
	return "unknown"
}

// Governor 对每次外部成本操作做限流与预算判定，并在放行时记账。
type Governor interface {
	CheckAndRecord(ctx context.Context, category Category, costEstimate decimal.Decimal) Decision
}

// BudgetStore 持久化日/月累计成本，进程重启后恢复。
type BudgetStore interface {
	LoadUsage(ctx context.Context, periodKeys ...string) ([]domain.BudgetUsageRecord, error)
	SaveUsage(ctx context.Context, records ...domain.BudgetUsageRecord) error
}
