package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Affiliate 是推广者。Rate 为佣金比例，例如 0.1 表示 10%。
type Affiliate struct {
	ID     string
	Code   string
	Name   string
	Email  string
	Rate   decimal.Decimal
	Active bool
}

// Campaign 是收入分成活动。GroupTag 匹配订单行上的标签，MatchExpr 是可选的 CEL 表达式。
type Campaign struct {
	ID        string
	Name      string
	GroupTag  string
	SharePct  decimal.Decimal
	MatchExpr string
	Active    bool
	StartsAt  *time.Time
	EndsAt    *time.Time
}

// ActiveAt 判断活动在 t 时刻是否生效。
func (c Campaign) ActiveAt(t time.Time) bool {
	if !c.Active {
		return false
	}
	if c.StartsAt != nil && t.Before(*c.StartsAt) {
		return false
	}
	if c.EndsAt != nil && !t.Before(*c.EndsAt) {
		return false
	}
	return true
}

// CommissionRecord 隶属于订单，每个订单至多一条。Amount = round(BaseForCommission × Rate)。
type CommissionRecord struct {
	OrderID           string
	AffiliateID       string
	BaseForCommission decimal.Decimal
	Rate              decimal.Decimal
	Amount            decimal.Decimal
	Currency          string
}

// CampaignShareRecord 隶属于订单，每个匹配的活动一条。
// CampaignAmount + CompanyAmount 恒等于 EligibleRevenue，舍入差额计入 CompanyAmount。
type CampaignShareRecord struct {
	OrderID         string
	CampaignID      string
	EligibleRevenue decimal.Decimal
	SharePct        decimal.Decimal
	CompanyAmount   decimal.Decimal
	CampaignAmount  decimal.Decimal
	Currency        string
}

// Split 是一次分账计算的完整结果。
type Split struct {
	PostDiscountTotal   decimal.Decimal
	CommissionableTotal decimal.Decimal
	NetTotal            decimal.Decimal
	Commission          *CommissionRecord
	CampaignShares      []CampaignShareRecord
	Unattributed        bool
}
