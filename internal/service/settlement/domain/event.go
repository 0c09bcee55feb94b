// internal/service/settlement/domain/event.go
package domain

import (
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

// SourceChannel 标识完成通知从哪个入口到达。
type SourceChannel string

const (
	ChannelClientCall SourceChannel = "client-call"
	ChannelWebhook    SourceChannel = "webhook"
	ChannelBackfill   SourceChannel = "backfill"
)

func (c SourceChannel) Valid() bool {
	switch c {
	case ChannelClientCall, ChannelWebhook, ChannelBackfill:
		return true
	}
	return false
}

type LineItemKind string

const (
	KindProduct  LineItemKind = "product"
	KindShipping LineItemKind = "shipping"
)

// LineItem 是订单行。GroupTags 用于匹配活动。
type LineItem struct {
	ProductRef  string          `json:"productRef"`
	Quantity    int64           `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unitPrice"`
	DiscountPct decimal.Decimal `json:"discountPct"`
	GroupTags   []string        `json:"groupTags,omitempty"`
	Kind        LineItemKind    `json:"kind,omitempty"`
}

// Total 折后行金额：unitPrice × quantity × (1 − discountPct)，不做舍入。
func (li LineItem) Total() decimal.Decimal {
	return li.UnitPrice.
		Mul(decimal.NewFromInt(li.Quantity)).
		Mul(decimal.NewFromInt(1).Sub(li.DiscountPct))
}

func (li LineItem) IsShipping() bool {
	return li.Kind == KindShipping
}

func (li LineItem) HasTag(tag string) bool {
	for _, t := range li.GroupTags {
		if t == tag {
			return true
		}
	}
	return false
}

type Customer struct {
	Email    string `json:"email"`
	Name     string `json:"name,omitempty"`
	Language string `json:"language,omitempty"`
}

// CompletionEvent 是所有入口归一化后的统一完成事件。TransactionID 是幂等键。
type CompletionEvent struct {
	SourceChannel SourceChannel   `json:"sourceChannel"`
	TransactionID string          `json:"transactionId"`
	OrderID       string          `json:"orderId,omitempty"`
	RawAmount     decimal.Decimal `json:"rawAmount"`
	Currency      string          `json:"currency"`
	LineItems     []LineItem      `json:"lineItems"`
	AffiliateCode string          `json:"affiliateCode,omitempty"`
	CampaignRefs  []string        `json:"campaignRefs,omitempty"`
	Customer      Customer        `json:"customer"`
	ReceivedAt    time.Time       `json:"receivedAt"`
}

// Normalize 统一各入口载荷的格式差异。channel 总是以入口为准。
func (e *CompletionEvent) Normalize(channel SourceChannel, now time.Time) {
	e.SourceChannel = channel
	e.TransactionID = strings.TrimSpace(e.TransactionID)
	e.Currency = strings.ToUpper(strings.TrimSpace(e.Currency))
	e.AffiliateCode = strings.TrimSpace(e.AffiliateCode)
	if e.ReceivedAt.IsZero() {
		e.ReceivedAt = now.UTC()
	}
	for i := range e.LineItems {
		if e.LineItems[i].Kind == "" {
			e.LineItems[i].Kind = KindProduct
		}
	}
	refs := make([]string, 0, len(e.CampaignRefs))
	seen := make(map[string]struct{}, len(e.CampaignRefs))
	for _, r := range e.CampaignRefs {
		r = strings.TrimSpace(r)
		if _, dup := seen[r]; r == "" || dup {
			continue
		}
		seen[r] = struct{}{}
		refs = append(refs, r)
	}
	sort.Strings(refs)
	e.CampaignRefs = refs
}

// Validate 返回包装了 ErrInvalidEvent 的错误，错误信息即拒绝原因。
func (e *CompletionEvent) Validate() error {
	one := decimal.NewFromInt(1)
	switch {
	case !e.SourceChannel.Valid():
		return errors.Wrapf(ErrInvalidEvent, "unknown source channel %q", e.SourceChannel)
	case e.TransactionID == "":
		return errors.Wrap(ErrInvalidEvent, "transactionId is required")
	case len(e.Currency) != 3:
		return errors.Wrapf(ErrInvalidEvent, "currency %q is not an ISO 4217 code", e.Currency)
	case len(e.LineItems) == 0:
		return errors.Wrap(ErrInvalidEvent, "at least one line item is required")
	}
	for i, li := range e.LineItems {
		switch {
		case li.Quantity <= 0:
			return errors.Wrapf(ErrInvalidEvent, "line item %d: quantity must be positive", i)
		case li.UnitPrice.IsNegative():
			return errors.Wrapf(ErrInvalidEvent, "line item %d: unit price must not be negative", i)
		case li.DiscountPct.IsNegative() || li.DiscountPct.GreaterThan(one):
			return errors.Wrapf(ErrInvalidEvent, "line item %d: discount must be within [0,1]", i)
		case li.Kind != KindProduct && li.Kind != KindShipping:
			return errors.Wrapf(ErrInvalidEvent, "line item %d: unknown kind %q", i, li.Kind)
		}
	}
	return nil
}

// Tags 返回所有行的活动标签，去重并排序。
func (e *CompletionEvent) Tags() []string {
	seen := make(map[string]struct{})
	for _, li := range e.LineItems {
		for _, t := range li.GroupTags {
			seen[t] = struct{}{}
		}
	}
	tags := make([]string, 0, len(seen))
	for t := range seen {
		tags = append(tags, t)
	}
	sort.Strings(tags)
	return tags
}
