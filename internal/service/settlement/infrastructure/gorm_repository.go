package infrastructure

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"nexus-settlement/internal/service/settlement/domain"
)

// GormOrderRepository 是 OrderRepository 与 NotificationLog 的 GORM 实现
type GormOrderRepository struct {
	db *gorm.DB
}

func NewGormOrderRepository(db *gorm.DB) *GormOrderRepository {
	return &GormOrderRepository{db: db}
}

// SaveFinalized 在一个事务里写入订单、佣金与分成记录，任何一条失败都整体回滚。
func (r *GormOrderRepository) SaveFinalized(ctx context.Context, order *domain.Order) (*domain.Order, bool, error) {
	var (
		persisted *domain.Order
		created   bool
	)
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		existing, err := r.findBy(tx, "transaction_id = ?", order.TransactionID)
		if err == nil {
			persisted = existing
			return nil
		}
		if !errors.Is(err, domain.ErrOrderNotFound) {
			return err
		}

		model, commission, shares := FromDomainOrder(order)
		if err := tx.Omit(clause.Associations).Create(model).Error; err != nil {
			return errors.Wrap(err, "insert order")
		}
		if commission != nil {
			if err := tx.Create(commission).Error; err != nil {
				return errors.Wrap(err, "insert commission record")
			}
		}
		if len(shares) > 0 {
			if err := tx.Create(&shares).Error; err != nil {
				return errors.Wrap(err, "insert campaign share records")
			}
		}
		persisted, created = order, true
		return nil
	})
	if err == nil {
		return persisted, created, nil
	}

	// 并发写入同一笔交易时，输掉唯一索引竞争的一方读取胜者的订单。
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		if existing, findErr := r.FindByTransactionID(ctx, order.TransactionID); findErr == nil {
			return existing, false, nil
		}
	}
	return nil, false, err
}

func (r *GormOrderRepository) FindByID(ctx context.Context, id string) (*domain.Order, error) {
	return r.findBy(r.db.WithContext(ctx), "id = ?", id)
}

func (r *GormOrderRepository) FindByTransactionID(ctx context.Context, transactionID string) (*domain.Order, error) {
	return r.findBy(r.db.WithContext(ctx), "transaction_id = ?", transactionID)
}

func (r *GormOrderRepository) findBy(db *gorm.DB, query string, arg interface{}) (*domain.Order, error) {
	var model OrderModel
	err := db.Preload("Commission").
		Preload("CampaignShares", func(db *gorm.DB) *gorm.DB { return db.Order("campaign_id") }).
		Where(query, arg).First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrOrderNotFound
		}
		return nil, err
	}
	return ToDomainOrder(&model), nil
}

func (r *GormOrderRepository) UpdateState(ctx context.Context, id string, state domain.State) error {
	res := r.db.WithContext(ctx).Model(&OrderModel{}).Where("id = ?", id).
		Updates(map[string]interface{}{"state": string(state), "updated_at": time.Now().UTC()})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return domain.ErrOrderNotFound
	}
	return nil
}

// RecordAttempt 以 (order_id, kind, address) 为键覆盖最近一次结果并累加尝试次数。
func (r *GormOrderRepository) RecordAttempt(ctx context.Context, a domain.NotificationAttempt) error {
	now := a.UpdatedAt
	if now.IsZero() {
		now = time.Now().UTC()
	}
	model := NotificationAttemptModel{
		OrderID:   a.OrderID,
		Kind:      string(a.Kind),
		Address:   a.Address,
		Status:    string(a.Status),
		MessageID: a.MessageID,
		LastError: a.LastError,
		Attempts:  1,
		CreatedAt: now,
		UpdatedAt: now,
	}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "order_id"}, {Name: "kind"}, {Name: "address"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"status":     model.Status,
			"message_id": model.MessageID,
			"last_error": model.LastError,
			"updated_at": now,
			"attempts":   gorm.Expr("attempts + 1"),
		}),
	}).Create(&model).Error
}

func (r *GormOrderRepository) AttemptsForOrder(ctx context.Context, orderID string) ([]domain.NotificationAttempt, error) {
	var models []NotificationAttemptModel
	err := r.db.WithContext(ctx).Where("order_id = ?", orderID).Order("kind, address").Find(&models).Error
	if err != nil {
		return nil, err
	}
	attempts := make([]domain.NotificationAttempt, 0, len(models))
	for i := range models {
		attempts = append(attempts, toDomainAttempt(&models[i]))
	}
	return attempts, nil
}
