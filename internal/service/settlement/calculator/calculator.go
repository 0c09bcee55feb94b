// Package calculator 计算已完成订单的推广佣金与活动分成。
// Compute 是确定性的：相同的事件和元数据总是得到相同金额，已落库的订单可以重新核验。
package calculator

import (
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"nexus-settlement/internal/service/settlement/domain"
)

// divisionScale 限制中间商的精度，最后再按最小货币单位舍入。
const divisionScale = 16

var one = decimal.NewFromInt(1)

type Config struct {
	VATRate            decimal.Decimal
	ExcludeShipping    bool
	RequireAttribution bool
	MinorUnits         map[string]int32
}

type Calculator struct {
	cfg     Config
	matcher *RuleMatcher
}

func New(cfg Config) (*Calculator, error) {
	if cfg.VATRate.IsNegative() {
		return nil, domain.ConfigError("vat rate %s must not be negative", cfg.VATRate)
	}
	matcher, err := NewRuleMatcher()
	if err != nil {
		return nil, err
	}
	return &Calculator{cfg: cfg, matcher: matcher}, nil
}

// Compute 把订单拆分为佣金与活动分成。任何配置问题都会拒绝整个调用，不做截断修正。
func (c *Calculator) Compute(event *domain.CompletionEvent, affiliate *domain.Affiliate, campaigns []domain.Campaign) (*domain.Split, error) {
	campaigns = sortedCampaigns(campaigns)
	for _, cp := range campaigns {
		if cp.SharePct.IsNegative() || cp.SharePct.GreaterThan(one) {
			return nil, domain.ConfigError("campaign %s share %s outside [0,1]", cp.ID, cp.SharePct)
		}
		if err := c.matcher.Validate(cp); err != nil {
			return nil, err
		}
	}

	exp := domain.MinorUnitExponent(event.Currency, c.cfg.MinorUnits)
	vatFactor := one.Add(c.cfg.VATRate)

	var postDiscount, gross decimal.Decimal
	base := make([]int, 0, len(event.LineItems))
	for i, li := range event.LineItems {
		postDiscount = postDiscount.Add(li.Total())
		if li.IsShipping() && c.cfg.ExcludeShipping {
			continue
		}
		gross = gross.Add(li.Total())
		base = append(base, i)
	}

	split := &domain.Split{
		PostDiscountTotal:   domain.RoundHalfUp(postDiscount, exp),
		CommissionableTotal: domain.RoundHalfUp(gross, exp),
		NetTotal:            domain.RoundHalfUp(gross.DivRound(vatFactor, divisionScale), exp),
	}

	commission, err := c.commission(event, affiliate, split.NetTotal, exp)
	if err != nil {
		return nil, err
	}
	split.Commission = commission
	split.Unattributed = event.AffiliateCode != "" && commission == nil

	// 活动分成与推广归属无关：没有推广码的订单同样参与活动匹配
	owner := make(map[int]string, len(base))
	for _, cp := range campaigns {
		var taggedGross decimal.Decimal
		matched := 0
		for _, idx := range base {
			li := event.LineItems[idx]
			ok, err := c.matcher.Matches(cp, li, event)
			if err != nil {
				return nil, err
			}
			if !ok {
				continue
			}
			if prev, taken := owner[idx]; taken {
				return nil, domain.ConfigError("line item %d (%s) matches campaigns %s and %s", idx, li.ProductRef, prev, cp.ID)
			}
			owner[idx] = cp.ID
			taggedGross = taggedGross.Add(li.Total())
			matched++
		}
		if matched == 0 {
			continue
		}

		eligible := taggedGross.DivRound(vatFactor, divisionScale)
		if commission != nil && gross.IsPositive() {
			attributed := commission.Amount.Mul(taggedGross).DivRound(gross, divisionScale)
			eligible = eligible.Sub(attributed)
		}
		eligible = domain.RoundHalfUp(eligible, exp)
		campaignAmount := domain.RoundHalfUp(eligible.Mul(cp.SharePct), exp)

		split.CampaignShares = append(split.CampaignShares, domain.CampaignShareRecord{
			CampaignID:      cp.ID,
			EligibleRevenue: eligible,
			SharePct:        cp.SharePct,
			CampaignAmount:  campaignAmount,
			CompanyAmount:   eligible.Sub(campaignAmount),
			Currency:        event.Currency,
		})
	}
	return split, nil
}

func (c *Calculator) commission(event *domain.CompletionEvent, affiliate *domain.Affiliate, net decimal.Decimal, exp int32) (*domain.CommissionRecord, error) {
	if event.AffiliateCode == "" {
		return nil, nil
	}
	if affiliate == nil || !affiliate.Active || !strings.EqualFold(affiliate.Code, event.AffiliateCode) {
		if c.cfg.RequireAttribution {
			return nil, domain.ConfigError("affiliate code %q does not resolve to an active affiliate", event.AffiliateCode)
		}
		return nil, nil
	}
	if affiliate.Rate.IsNegative() || affiliate.Rate.GreaterThan(one) {
		return nil, domain.ConfigError("affiliate %s rate %s outside [0,1]", affiliate.ID, affiliate.Rate)
	}
	return &domain.CommissionRecord{
		AffiliateID:       affiliate.ID,
		BaseForCommission: net,
		Rate:              affiliate.Rate,
		Amount:            domain.RoundHalfUp(net.Mul(affiliate.Rate), exp),
		Currency:          event.Currency,
	}, nil
}

func sortedCampaigns(in []domain.Campaign) []domain.Campaign {
	out := make([]domain.Campaign, len(in))
	copy(out, in)
	sort.SliceStable(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
