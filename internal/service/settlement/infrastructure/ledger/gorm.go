package ledger

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"nexus-settlement/internal/service/settlement/domain"
	"nexus-settlement/internal/service/settlement/domain/port"
	"nexus-settlement/internal/service/settlement/infrastructure"
)

// GormLedger 用主键冲突实现准入：INSERT ... ON CONFLICT DO NOTHING 只有一个写入者能成功，
// 失败可重试的记录再通过带状态条件的 UPDATE 重新准入。
type GormLedger struct {
	db   *gorm.DB
	opts options
}

func NewGormLedger(db *gorm.DB, opts ...Option) *GormLedger {
	return &GormLedger{db: db, opts: buildOptions(opts)}
}

func (l *GormLedger) TryBegin(ctx context.Context, transactionID string, payload []byte) (port.BeginResult, error) {
	db := l.db.WithContext(ctx)
	now := l.opts.clock()

	rec := infrastructure.IdempotencyRecordModel{
		TransactionID: transactionID,
		State:         string(domain.LedgerInProgress),
		Payload:       payload,
		Attempts:      1,
		StartedAt:     now,
		UpdatedAt:     now,
	}
	res := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&rec)
	if res.Error != nil {
		return port.BeginResult{}, errors.Wrapf(res.Error, "ledger insert %s", transactionID)
	}
	if res.RowsAffected == 1 {
		return port.BeginResult{Outcome: port.Admitted}, nil
	}

	res = db.Model(&infrastructure.IdempotencyRecordModel{}).
		Where("transaction_id = ? AND state = ?", transactionID, domain.LedgerFailedRetryable).
		Updates(map[string]interface{}{
			"state":      string(domain.LedgerInProgress),
			"payload":    payload,
			"attempts":   gorm.Expr("attempts + 1"),
			"swept":      false,
			"reason":     "",
			"started_at": now,
			"updated_at": now,
		})
	if res.Error != nil {
		return port.BeginResult{}, errors.Wrapf(res.Error, "ledger readmit %s", transactionID)
	}
	if res.RowsAffected == 1 {
		return port.BeginResult{Outcome: port.Admitted}, nil
	}

	existing, err := l.Get(ctx, transactionID)
	if err != nil {
		return port.BeginResult{}, err
	}
	if existing.State == domain.LedgerFinalized {
		return port.BeginResult{Outcome: port.AlreadyFinalized, OrderID: existing.OrderID}, nil
	}
	return port.BeginResult{Outcome: port.AlreadyInProgress}, nil
}

func (l *GormLedger) Commit(ctx context.Context, transactionID, orderID string) error {
	res := l.db.WithContext(ctx).Model(&infrastructure.IdempotencyRecordModel{}).
		Where("transaction_id = ? AND state = ?", transactionID, domain.LedgerInProgress).
		Updates(map[string]interface{}{
			"state":      string(domain.LedgerFinalized),
			"order_id":   orderID,
			"updated_at": l.opts.clock(),
		})
	if res.Error != nil {
		return errors.Wrapf(res.Error, "ledger commit %s", transactionID)
	}
	if res.RowsAffected == 1 {
		return nil
	}

	existing, err := l.Get(ctx, transactionID)
	if err != nil {
		return err
	}
	if existing.State == domain.LedgerFinalized && existing.OrderID == orderID {
		return nil
	}
	return domain.ErrLedgerConflict
}

func (l *GormLedger) Fail(ctx context.Context, transactionID, reason string) error {
	res := l.db.WithContext(ctx).Model(&infrastructure.IdempotencyRecordModel{}).
		Where("transaction_id = ? AND state = ?", transactionID, domain.LedgerInProgress).
		Updates(map[string]interface{}{
			"state":      string(domain.LedgerFailedRetryable),
			"reason":     reason,
			"updated_at": l.opts.clock(),
		})
	if res.Error != nil {
		return errors.Wrapf(res.Error, "ledger fail %s", transactionID)
	}
	if res.RowsAffected == 1 {
		return nil
	}
	if _, err := l.Get(ctx, transactionID); err != nil {
		return err
	}
	return domain.ErrLedgerConflict
}

// ReconcileStale 的每一步都带上 state/swept/updated_at 条件，多个实例同时扫描也只会有一个生效。
func (l *GormLedger) ReconcileStale(ctx context.Context, maxAge time.Duration) ([]port.StaleRecord, error) {
	db := l.db.WithContext(ctx)
	now := l.opts.clock()
	cutoff := now.Add(-maxAge)

	var candidates []infrastructure.IdempotencyRecordModel
	err := db.Where("state = ? AND updated_at < ?", domain.LedgerInProgress, cutoff).
		Order("transaction_id").Limit(l.opts.batchSize).Find(&candidates).Error
	if err != nil {
		return nil, errors.Wrap(err, "ledger stale scan")
	}

	out := make([]port.StaleRecord, 0, len(candidates))
	for _, c := range candidates {
		guard := db.Model(&infrastructure.IdempotencyRecordModel{}).
			Where("transaction_id = ? AND state = ? AND swept = ? AND updated_at < ?",
				c.TransactionID, domain.LedgerInProgress, c.Swept, cutoff)

		action := port.StaleReadmitted
		updates := map[string]interface{}{"swept": true, "attempts": gorm.Expr("attempts + 1"), "updated_at": now}
		if c.Swept {
			action = port.StaleExhausted
			updates = map[string]interface{}{"state": string(domain.LedgerFailedRetryable), "reason": reasonStale, "updated_at": now}
		}

		res := guard.Updates(updates)
		if res.Error != nil {
			return out, errors.Wrapf(res.Error, "ledger stale update %s", c.TransactionID)
		}
		if res.RowsAffected == 0 {
			continue
		}
		rec, err := l.Get(ctx, c.TransactionID)
		if err != nil {
			return out, err
		}
		out = append(out, port.StaleRecord{Record: *rec, Action: action})
	}
	return out, nil
}

func (l *GormLedger) Get(ctx context.Context, transactionID string) (*domain.IdempotencyRecord, error) {
	var m infrastructure.IdempotencyRecordModel
	err := l.db.WithContext(ctx).Where("transaction_id = ?", transactionID).First(&m).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrLedgerRecordMissing
		}
		return nil, errors.Wrapf(err, "ledger get %s", transactionID)
	}
	return &domain.IdempotencyRecord{
		TransactionID: m.TransactionID,
		State:         domain.LedgerState(m.State),
		OrderID:       m.OrderID,
		Reason:        m.Reason,
		Payload:       m.Payload,
		Attempts:      m.Attempts,
		Swept:         m.Swept,
		StartedAt:     m.StartedAt,
		UpdatedAt:     m.UpdatedAt,
	}, nil
}
