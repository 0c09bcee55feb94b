package calculator

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nexus-settlement/internal/service/settlement/domain"
)

func TestRuleMatcher(t *testing.T) {
	m, err := NewRuleMatcher()
	require.NoError(t, err)

	ev := &domain.CompletionEvent{Currency: "EUR", SourceChannel: domain.ChannelWebhook}
	bundle := domain.LineItem{ProductRef: "bundle-3", Quantity: 3, UnitPrice: decimal.RequireFromString("12.5"), GroupTags: []string{"summer", "bundle"}}
	single := domain.LineItem{ProductRef: "single", Quantity: 1, UnitPrice: decimal.RequireFromString("12.5"), GroupTags: []string{"summer"}}

	tests := []struct {
		name     string
		campaign domain.Campaign
		item     domain.LineItem
		want     bool
	}{
		{"tag only", domain.Campaign{ID: "c1", GroupTag: "summer"}, single, true},
		{"tag missing", domain.Campaign{ID: "c1", GroupTag: "winter"}, single, false},
		{"tag and expr", domain.Campaign{ID: "c2", GroupTag: "summer", MatchExpr: "item.quantity >= 2"}, bundle, true},
		{"expr rejects", domain.Campaign{ID: "c2", GroupTag: "summer", MatchExpr: "item.quantity >= 2"}, single, false},
		{"expr only", domain.Campaign{ID: "c3", MatchExpr: `"bundle" in item.tags && order.currency == "EUR"`}, bundle, true},
		{"expr on price", domain.Campaign{ID: "c4", MatchExpr: "item.unitPrice > 10.0"}, single, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.NoError(t, m.Validate(tt.campaign))
			got, err := m.Matches(tt.campaign, tt.item, ev)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRuleMatcher_NonBoolExpressionIsConfigError(t *testing.T) {
	m, err := NewRuleMatcher()
	require.NoError(t, err)

	c := domain.Campaign{ID: "c5", MatchExpr: "item.productRef"}
	require.NoError(t, m.Validate(c))
	_, err = m.Matches(c, domain.LineItem{ProductRef: "x"}, &domain.CompletionEvent{})
	assert.True(t, errors.Is(err, domain.ErrConfiguration))
}
