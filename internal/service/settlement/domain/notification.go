package domain

import "time"

type RecipientKind string

const (
	RecipientCustomer  RecipientKind = "customer"
	RecipientAdmin     RecipientKind = "admin"
	RecipientAffiliate RecipientKind = "affiliate"
)

type NotificationStatus string

const (
	NotificationSent   NotificationStatus = "sent"
	NotificationFailed NotificationStatus = "failed"
)

// Recipient 是一次通知扇出中的单个收件人。
type Recipient struct {
	Kind     RecipientKind
	Address  string
	Language string
}

// NotificationAttempt 记录某订单对某收件人的最近一次投递结果。
type NotificationAttempt struct {
	OrderID   string
	Kind      RecipientKind
	Address   string
	Status    NotificationStatus
	MessageID string
	LastError string
	Attempts  int
	UpdatedAt time.Time
}

// Delivered 判断该收件人是否已成功通知过。
func (a NotificationAttempt) Delivered() bool {
	return a.Status == NotificationSent
}
