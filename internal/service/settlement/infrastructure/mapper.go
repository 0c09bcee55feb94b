package infrastructure

import (
	"nexus-settlement/internal/service/settlement/domain"
)

// ToDomainOrder 将数据库模型转换为领域模型
func ToDomainOrder(m *OrderModel) *domain.Order {
	if m == nil {
		return nil
	}
	o := &domain.Order{
		ID:                  m.ID,
		TransactionID:       m.TransactionID,
		SourceChannel:       domain.SourceChannel(m.SourceChannel),
		Currency:            m.Currency,
		RawAmount:           m.RawAmount,
		Subtotal:            m.Subtotal,
		CommissionableTotal: m.CommissionableTotal,
		NetTotal:            m.NetTotal,
		LineItems:           m.LineItems,
		AffiliateCode:       m.AffiliateCode,
		Unattributed:        m.Unattributed,
		CampaignRefs:        m.CampaignRefs,
		Customer: domain.Customer{
			Email:    m.CustomerEmail,
			Name:     m.CustomerName,
			Language: m.CustomerLanguage,
		},
		State:      domain.State(m.State),
		ReceivedAt: m.ReceivedAt,
		CreatedAt:  m.CreatedAt,
		UpdatedAt:  m.UpdatedAt,
	}
	if m.Commission != nil {
		o.Commission = &domain.CommissionRecord{
			OrderID:           m.Commission.OrderID,
			AffiliateID:       m.Commission.AffiliateID,
			BaseForCommission: m.Commission.BaseForCommission,
			Rate:              m.Commission.Rate,
			Amount:            m.Commission.Amount,
			Currency:          m.Commission.Currency,
		}
	}
	for _, s := range m.CampaignShares {
		o.CampaignShares = append(o.CampaignShares, domain.CampaignShareRecord{
			OrderID:         s.OrderID,
			CampaignID:      s.CampaignID,
			EligibleRevenue: s.EligibleRevenue,
			SharePct:        s.SharePct,
			CompanyAmount:   s.CompanyAmount,
			CampaignAmount:  s.CampaignAmount,
			Currency:        s.Currency,
		})
	}
	return o
}

// FromDomainOrder 将领域模型转换为数据库模型，子记录单独返回以便在事务里逐一写入。
func FromDomainOrder(o *domain.Order) (*OrderModel, *CommissionRecordModel, []CampaignShareRecordModel) {
	m := &OrderModel{
		ID:                  o.ID,
		TransactionID:       o.TransactionID,
		SourceChannel:       string(o.SourceChannel),
		Currency:            o.Currency,
		RawAmount:           o.RawAmount,
		Subtotal:            o.Subtotal,
		CommissionableTotal: o.CommissionableTotal,
		NetTotal:            o.NetTotal,
		LineItems:           o.LineItems,
		AffiliateCode:       o.AffiliateCode,
		Unattributed:        o.Unattributed,
		CampaignRefs:        o.CampaignRefs,
		CustomerEmail:       o.Customer.Email,
		CustomerName:        o.Customer.Name,
		CustomerLanguage:    o.Customer.Language,
		State:               string(o.State),
		ReceivedAt:          o.ReceivedAt,
		CreatedAt:           o.CreatedAt,
		UpdatedAt:           o.UpdatedAt,
	}

	var commission *CommissionRecordModel
	if c := o.Commission; c != nil {
		commission = &CommissionRecordModel{
			OrderID:           o.ID,
			AffiliateID:       c.AffiliateID,
			BaseForCommission: c.BaseForCommission,
			Rate:              c.Rate,
			Amount:            c.Amount,
			Currency:          c.Currency,
			CreatedAt:         o.CreatedAt,
		}
	}

	shares := make([]CampaignShareRecordModel, 0, len(o.CampaignShares))
	for _, s := range o.CampaignShares {
		shares = append(shares, CampaignShareRecordModel{
			OrderID:         o.ID,
			CampaignID:      s.CampaignID,
			EligibleRevenue: s.EligibleRevenue,
			SharePct:        s.SharePct,
			CompanyAmount:   s.CompanyAmount,
			CampaignAmount:  s.CampaignAmount,
			Currency:        s.Currency,
			CreatedAt:       o.CreatedAt,
		})
	}
	return m, commission, shares
}

func toDomainAttempt(m *NotificationAttemptModel) domain.NotificationAttempt {
	return domain.NotificationAttempt{
		OrderID:   m.OrderID,
		Kind:      domain.RecipientKind(m.Kind),
		Address:   m.Address,
		Status:    domain.NotificationStatus(m.Status),
		MessageID: m.MessageID,
		LastError: m.LastError,
		Attempts:  m.Attempts,
		UpdatedAt: m.UpdatedAt,
	}
}

func toDomainAffiliate(m *AffiliateModel) *domain.Affiliate {
	return &domain.Affiliate{
		ID:     m.ID,
		Code:   m.Code,
		Name:   m.Name,
		Email:  m.Email,
		Rate:   m.Rate,
		Active: m.Active,
	}
}

func toDomainCampaign(m *CampaignModel) domain.Campaign {
	return domain.Campaign{
		ID:        m.ID,
		Name:      m.Name,
		GroupTag:  m.GroupTag,
		SharePct:  m.SharePct,
		MatchExpr: m.MatchExpr,
		Active:    m.Active,
		StartsAt:  m.StartsAt,
		EndsAt:    m.EndsAt,
	}
}

func toDomainBudgetUsage(m *BudgetUsageModel) domain.BudgetUsageRecord {
	return domain.BudgetUsageRecord{
		PeriodKey:        m.PeriodKey,
		PeriodKind:       m.PeriodKind,
		Cost:             m.Cost,
		WarningEmitted:   m.WarningEmitted,
		EmergencyReached: m.EmergencyReached,
		UpdatedAt:        m.UpdatedAt,
	}
}

func fromDomainBudgetUsage(r domain.BudgetUsageRecord) BudgetUsageModel {
	return BudgetUsageModel{
		PeriodKey:        r.PeriodKey,
		PeriodKind:       r.PeriodKind,
		Cost:             r.Cost,
		WarningEmitted:   r.WarningEmitted,
		EmergencyReached: r.EmergencyReached,
		UpdatedAt:        r.UpdatedAt,
	}
}
