package infrastructure

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gorm.io/gorm"

	"nexus-settlement/internal/service/settlement/domain"
)

// GormCatalog 实现 AffiliateDirectory 和 CampaignCatalog。目录数据由运营后台维护，这里只读。
type GormCatalog struct {
	db *gorm.DB
}

func NewGormCatalog(db *gorm.DB) *GormCatalog {
	return &GormCatalog{db: db}
}

func (c *GormCatalog) FindByCode(ctx context.Context, code string) (*domain.Affiliate, error) {
	var model AffiliateModel
	err := c.db.WithContext(ctx).Where("UPPER(code) = ?", strings.ToUpper(code)).First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrAffiliateNotFound
		}
		return nil, errors.Wrapf(err, "find affiliate %s", code)
	}
	return toDomainAffiliate(&model), nil
}

// FindApplicable 返回按 ID 引用、按标签命中或仅靠表达式匹配的生效活动。
func (c *GormCatalog) FindApplicable(ctx context.Context, refs, tags []string, at time.Time) ([]domain.Campaign, error) {
	match := c.db.Where("group_tag = ? AND match_expr <> ?", "", "")
	if len(refs) > 0 {
		match = match.Or("id IN ?", refs)
	}
	if len(tags) > 0 {
		match = match.Or("group_tag IN ?", tags)
	}

	var models []CampaignModel
	if err := c.db.WithContext(ctx).Where("active = ?", true).Where(match).Order("id").Find(&models).Error; err != nil {
		return nil, errors.Wrap(err, "find applicable campaigns")
	}
	campaigns := make([]domain.Campaign, 0, len(models))
	for i := range models {
		if cp := toDomainCampaign(&models[i]); cp.ActiveAt(at) {
			campaigns = append(campaigns, cp)
		}
	}
	return campaigns, nil
}
