package infrastructure

import (
	"time"

	"github.com/shopspring/decimal"

	"nexus-settlement/internal/service/settlement/domain"
)

// OrderModel 对应 orders 表。transaction_id 上的唯一索引保证一笔交易只落一个订单。
type OrderModel struct {
	ID                  string            `gorm:"primaryKey;size:36"`
	TransactionID       string            `gorm:"size:128;not null;uniqueIndex"`
	SourceChannel       string            `gorm:"size:16"`
	Currency            string            `gorm:"size:3"`
	RawAmount           decimal.Decimal   `gorm:"type:decimal(20,6)"`
	Subtotal            decimal.Decimal   `gorm:"type:decimal(20,6)"`
	CommissionableTotal decimal.Decimal   `gorm:"type:decimal(20,6)"`
	NetTotal            decimal.Decimal   `gorm:"type:decimal(20,6)"`
	LineItems           []domain.LineItem `gorm:"type:text;serializer:json"`
	AffiliateCode       string            `gorm:"size:64"`
	Unattributed        bool
	CampaignRefs        []string `gorm:"type:text;serializer:json"`
	CustomerEmail       string   `gorm:"size:255"`
	CustomerName        string   `gorm:"size:255"`
	CustomerLanguage    string   `gorm:"size:16"`
	State               string   `gorm:"size:32;index"`
	ReceivedAt          time.Time
	CreatedAt           time.Time
	UpdatedAt           time.Time

	Commission     *CommissionRecordModel     `gorm:"foreignKey:OrderID;references:ID"`
	CampaignShares []CampaignShareRecordModel `gorm:"foreignKey:OrderID;references:ID"`
}

func (OrderModel) TableName() string {
	return "orders"
}

// CommissionRecordModel 每个订单至多一条。
type CommissionRecordModel struct {
	ID                uint            `gorm:"primaryKey"`
	OrderID           string          `gorm:"size:36;not null;uniqueIndex"`
	AffiliateID       string          `gorm:"size:64;index"`
	BaseForCommission decimal.Decimal `gorm:"type:decimal(20,6)"`
	Rate              decimal.Decimal `gorm:"type:decimal(10,6)"`
	Amount            decimal.Decimal `gorm:"type:decimal(20,6)"`
	Currency          string          `gorm:"size:3"`
	CreatedAt         time.Time
}

func (CommissionRecordModel) TableName() string {
	return "commission_records"
}

// CampaignShareRecordModel 在 (order_id, campaign_id) 上唯一。
type CampaignShareRecordModel struct {
	ID              uint            `gorm:"primaryKey"`
	OrderID         string          `gorm:"size:36;not null;uniqueIndex:idx_share_order_campaign"`
	CampaignID      string          `gorm:"size:64;not null;uniqueIndex:idx_share_order_campaign"`
	EligibleRevenue decimal.Decimal `gorm:"type:decimal(20,6)"`
	SharePct        decimal.Decimal `gorm:"type:decimal(10,6)"`
	CompanyAmount   decimal.Decimal `gorm:"type:decimal(20,6)"`
	CampaignAmount  decimal.Decimal `gorm:"type:decimal(20,6)"`
	Currency        string          `gorm:"size:3"`
	CreatedAt       time.Time
}

func (CampaignShareRecordModel) TableName() string {
	return "campaign_share_records"
}

// NotificationAttemptModel 在 (order_id, kind, address) 上唯一，记录最近一次投递结果。
type NotificationAttemptModel struct {
	ID        uint   `gorm:"primaryKey"`
	OrderID   string `gorm:"size:36;not null;uniqueIndex:idx_attempt_recipient"`
	Kind      string `gorm:"size:16;not null;uniqueIndex:idx_attempt_recipient"`
	Address   string `gorm:"size:255;not null;uniqueIndex:idx_attempt_recipient"`
	Status    string `gorm:"size:16"`
	MessageID string `gorm:"size:255"`
	LastError string `gorm:"type:text"`
	Attempts  int
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (NotificationAttemptModel) TableName() string {
	return "notification_attempts"
}

// IdempotencyRecordModel 是 SQL 幂等账本的存储结构。
type IdempotencyRecordModel struct {
	TransactionID string `gorm:"primaryKey;size:128"`
	State         string `gorm:"size:24;not null;index:idx_ledger_state_updated"`
	OrderID       string `gorm:"size:36"`
	Reason        string `gorm:"type:text"`
	Payload       []byte `gorm:"type:mediumblob"`
	Attempts      int
	Swept         bool
	StartedAt     time.Time
	UpdatedAt     time.Time `gorm:"index:idx_ledger_state_updated;autoUpdateTime:false"`
}

func (IdempotencyRecordModel) TableName() string {
	return "idempotency_records"
}

type BudgetUsageModel struct {
	PeriodKey        string          `gorm:"primaryKey;size:32"`
	PeriodKind       string          `gorm:"size:16"`
	Cost             decimal.Decimal `gorm:"type:decimal(20,6)"`
	WarningEmitted   bool
	EmergencyReached bool
	UpdatedAt        time.Time
}

func (BudgetUsageModel) TableName() string {
	return "budget_usage_records"
}

type AffiliateModel struct {
	ID     string          `gorm:"primaryKey;size:64"`
	Code   string          `gorm:"size:64;not null;uniqueIndex"`
	Name   string          `gorm:"size:255"`
	Email  string          `gorm:"size:255"`
	Rate   decimal.Decimal `gorm:"type:decimal(10,6)"`
	Active bool
}

func (AffiliateModel) TableName() string {
	return "affiliates"
}

type CampaignModel struct {
	ID        string          `gorm:"primaryKey;size:64"`
	Name      string          `gorm:"size:255"`
	GroupTag  string          `gorm:"size:64;index"`
	SharePct  decimal.Decimal `gorm:"type:decimal(10,6)"`
	MatchExpr string          `gorm:"type:text"`
	Active    bool
	StartsAt  *time.Time
	EndsAt    *time.Time
}

func (CampaignModel) TableName() string {
	return "campaigns"
}
