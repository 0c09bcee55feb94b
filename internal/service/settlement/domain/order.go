// internal/service/settlement/domain/order.go
package domain

import (
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

// Order 是订单聚合的根实体，佣金与活动分成记录归属于它。
type Order struct {
	ID                  string
	TransactionID       string
	SourceChannel       SourceChannel
	Currency            string
	RawAmount           decimal.Decimal
	Subtotal            decimal.Decimal
	CommissionableTotal decimal.Decimal
	NetTotal            decimal.Decimal
	LineItems           []LineItem
	AffiliateCode       string
	Unattributed        bool
	CampaignRefs        []string
	Customer            Customer
	State               State
	ReceivedAt          time.Time
	CreatedAt           time.Time
	UpdatedAt           time.Time

	Commission     *CommissionRecord
	CampaignShares []CampaignShareRecord
}

// NewOrder 用完成事件和分账结果创建订单。子记录的 OrderID 在这里统一回填。
func NewOrder(id string, event *CompletionEvent, split *Split, now time.Time) (*Order, error) {
	if id == "" || event == nil || split == nil {
		return nil, errors.New("cannot create order with empty required fields")
	}
	if event.TransactionID == "" {
		return nil, errors.Wrap(ErrInvalidEvent, "transactionId is required")
	}

	o := &Order{
		ID:                  id,
		TransactionID:       event.TransactionID,
		SourceChannel:       event.SourceChannel,
		Currency:            event.Currency,
		RawAmount:           event.RawAmount,
		Subtotal:            split.PostDiscountTotal,
		CommissionableTotal: split.CommissionableTotal,
		NetTotal:            split.NetTotal,
		LineItems:           event.LineItems,
		AffiliateCode:       event.AffiliateCode,
		Unattributed:        split.Unattributed,
		CampaignRefs:        event.CampaignRefs,
		Customer:            event.Customer,
		State:               StateCompleted,
		ReceivedAt:          event.ReceivedAt,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	if split.Commission != nil {
		c := *split.Commission
		c.OrderID = id
		o.Commission = &c
	}
	for _, s := range split.CampaignShares {
		s.OrderID = id
		o.CampaignShares = append(o.CampaignShares, s)
	}
	return o, nil
}

// MarkNotified 根据通知结果推进状态。部分失败的订单在补发成功后仍可变为 NOTIFIED。
func (o *Order) MarkNotified(allDelivered bool, now time.Time) error {
	if o.State == StateNotified {
		return nil
	}
	if o.State != StateCompleted && o.State != StateNotificationPartial {
		return errors.Errorf("order %s cannot record notifications from state %s", o.ID, o.State)
	}
	if allDelivered {
		o.State = StateNotified
	} else {
		o.State = StateNotificationPartial
	}
	o.UpdatedAt = now
	return nil
}
