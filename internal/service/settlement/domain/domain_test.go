package domain_test

import (
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nexus-settlement/internal/service/settlement/domain"
)

func TestRoundHalfUp(t *testing.T) {
	tests := []struct {
		in   string
		exp  int32
		want string
	}{
		{"0.025", 2, "0.03"},
		{"0.024999", 2, "0.02"},
		{"35.6", 2, "35.6"},
		{"-0.025", 2, "-0.02"},
		{"913.636", 0, "914"},
		{"1.0005", 3, "1.001"},
	}
	for _, tt := range tests {
		got := domain.RoundHalfUp(decimal.RequireFromString(tt.in), tt.exp)
		assert.True(t, got.Equal(decimal.RequireFromString(tt.want)), "%s@%d = %s", tt.in, tt.exp, got)
	}
}

func TestMinorUnitExponent(t *testing.T) {
	assert.Equal(t, int32(2), domain.MinorUnitExponent("eur", nil))
	assert.Equal(t, int32(0), domain.MinorUnitExponent("JPY", nil))
	assert.Equal(t, int32(3), domain.MinorUnitExponent("KWD", nil))
	assert.Equal(t, int32(0), domain.MinorUnitExponent("HUF", map[string]int32{"HUF": 0}))
}

func validEvent() *domain.CompletionEvent {
	return &domain.CompletionEvent{
		TransactionID: "  txn-9 ",
		Currency:      "sek",
		CampaignRefs:  []string{"b", " a", "b", ""},
		LineItems: []domain.LineItem{
			{ProductRef: "p", Quantity: 1, UnitPrice: decimal.NewFromInt(10)},
		},
	}
}

func TestCompletionEvent_Normalize(t *testing.T) {
	now := time.Date(2026, 10, 19, 8, 0, 0, 0, time.FixedZone("CEST", 2*3600))
	e := validEvent()
	e.SourceChannel = domain.ChannelClientCall
	e.Normalize(domain.ChannelWebhook, now)

	assert.Equal(t, domain.ChannelWebhook, e.SourceChannel)
	assert.Equal(t, "txn-9", e.TransactionID)
	assert.Equal(t, "SEK", e.Currency)
	assert.Equal(t, []string{"a", "b"}, e.CampaignRefs)
	assert.Equal(t, domain.KindProduct, e.LineItems[0].Kind)
	assert.Equal(t, time.UTC, e.ReceivedAt.Location())
	require.NoError(t, e.Validate())
}

func TestCompletionEvent_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*domain.CompletionEvent)
	}{
		{"missing transaction", func(e *domain.CompletionEvent) { e.TransactionID = "" }},
		{"bad currency", func(e *domain.CompletionEvent) { e.Currency = "EURO" }},
		{"no items", func(e *domain.CompletionEvent) { e.LineItems = nil }},
		{"zero quantity", func(e *domain.CompletionEvent) { e.LineItems[0].Quantity = 0 }},
		{"negative price", func(e *domain.CompletionEvent) { e.LineItems[0].UnitPrice = decimal.NewFromInt(-1) }},
		{"discount above one", func(e *domain.CompletionEvent) { e.LineItems[0].DiscountPct = decimal.RequireFromString("1.2") }},
		{"unknown kind", func(e *domain.CompletionEvent) { e.LineItems[0].Kind = "gift" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := validEvent()
			e.Normalize(domain.ChannelClientCall, time.Now())
			tt.mutate(e)
			assert.True(t, errors.Is(e.Validate(), domain.ErrInvalidEvent))
		})
	}

	e := validEvent()
	assert.True(t, errors.Is(e.Validate(), domain.ErrInvalidEvent), "channel must be set by Normalize")
}

func TestLineItem_Total(t *testing.T) {
	li := domain.LineItem{Quantity: 3, UnitPrice: decimal.RequireFromString("19.99"), DiscountPct: decimal.RequireFromString("0.1")}
	assert.Equal(t, "53.973", li.Total().String())
}

func TestNewOrder_BackfillsOrderIDOnChildren(t *testing.T) {
	e := validEvent()
	e.Normalize(domain.ChannelClientCall, time.Now())
	split := &domain.Split{
		Commission:     &domain.CommissionRecord{AffiliateID: "aff"},
		CampaignShares: []domain.CampaignShareRecord{{CampaignID: "c1"}, {CampaignID: "c2"}},
	}
	o, err := domain.NewOrder("ord-1", e, split, time.Now())
	require.NoError(t, err)

	assert.Equal(t, domain.StateCompleted, o.State)
	assert.Equal(t, "ord-1", o.Commission.OrderID)
	assert.Empty(t, split.Commission.OrderID, "split is not mutated")
	for _, s := range o.CampaignShares {
		assert.Equal(t, "ord-1", s.OrderID)
	}

	_, err = domain.NewOrder("", e, split, time.Now())
	assert.Error(t, err)
}

func TestOrder_MarkNotified(t *testing.T) {
	now := time.Now()
	o := &domain.Order{ID: "o", State: domain.StateCompleted}

	require.NoError(t, o.MarkNotified(false, now))
	assert.Equal(t, domain.StateNotificationPartial, o.State)

	require.NoError(t, o.MarkNotified(true, now))
	assert.Equal(t, domain.StateNotified, o.State)

	require.NoError(t, o.MarkNotified(false, now))
	assert.Equal(t, domain.StateNotified, o.State, "notified is terminal")

	bad := &domain.Order{ID: "x", State: "UNKNOWN"}
	assert.Error(t, bad.MarkNotified(true, now))
}

func TestCampaign_ActiveAt(t *testing.T) {
	start := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC)
	c := domain.Campaign{Active: true, StartsAt: &start, EndsAt: &end}

	assert.False(t, c.ActiveAt(start.Add(-time.Second)))
	assert.True(t, c.ActiveAt(start))
	assert.False(t, c.ActiveAt(end))
	c.Active = false
	assert.False(t, c.ActiveAt(start.Add(time.Hour)))
}
