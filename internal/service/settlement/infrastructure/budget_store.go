package infrastructure

import (
	"context"

	"github.com/pkg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"nexus-settlement/internal/service/settlement/domain"
)

// GormBudgetStore 持久化 Governor 的日/月累计成本。
type GormBudgetStore struct {
	db *gorm.DB
}

func NewGormBudgetStore(db *gorm.DB) *GormBudgetStore {
	return &GormBudgetStore{db: db}
}

func (s *GormBudgetStore) LoadUsage(ctx context.Context, periodKeys ...string) ([]domain.BudgetUsageRecord, error) {
	if len(periodKeys) == 0 {
		return nil, nil
	}
	var models []BudgetUsageModel
	if err := s.db.WithContext(ctx).Where("period_key IN ?", periodKeys).Find(&models).Error; err != nil {
		return nil, errors.Wrap(err, "load budget usage")
	}
	records := make([]domain.BudgetUsageRecord, 0, len(models))
	for i := range models {
		records = append(records, toDomainBudgetUsage(&models[i]))
	}
	return records, nil
}

// SaveUsage 按 period_key 覆盖写入。
func (s *GormBudgetStore) SaveUsage(ctx context.Context, records ...domain.BudgetUsageRecord) error {
	if len(records) == 0 {
		return nil
	}
	models := make([]BudgetUsageModel, 0, len(records))
	for _, r := range records {
		models = append(models, fromDomainBudgetUsage(r))
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "period_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"cost", "warning_emitted", "emergency_reached", "updated_at"}),
	}).Create(&models).Error
	return errors.Wrap(err, "save budget usage")
}
