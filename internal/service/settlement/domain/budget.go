package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	PeriodDaily   = "daily"
	PeriodMonthly = "monthly"
)

// BudgetUsageRecord 是某个结算周期内的累计成本。PeriodKey 形如 daily:2006-01-02、monthly:2006-01。
type BudgetUsageRecord struct {
	PeriodKey        string
	PeriodKind       string
	Cost             decimal.Decimal
	WarningEmitted   bool
	EmergencyReached bool
	UpdatedAt        time.Time
}
