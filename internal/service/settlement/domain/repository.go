// internal/service/settlement/domain/repository.go
package domain

import "context"

// OrderRepository 定义了订单聚合的持久化接口。
// 它位于领域层，但由基础设施层实现。
type OrderRepository interface {
	// SaveFinalized 在一个事务里写入订单、佣金与全部活动分成记录。
	// 同一 TransactionID 的订单已存在时不写入任何记录，返回已有订单且 created=false。
	SaveFinalized(ctx context.Context, order *Order) (persisted *Order, created bool, err error)

	FindByID(ctx context.Context, id string) (*Order, error)
	FindByTransactionID(ctx context.Context, transactionID string) (*Order, error)

	UpdateState(ctx context.Context, id string, state State) error
}

// NotificationLog 记录每个收件人的通知结果，是补发幂等的依据。
type NotificationLog interface {
	RecordAttempt(ctx context.Context, attempt NotificationAttempt) error
	AttemptsForOrder(ctx context.Context, orderID string) ([]NotificationAttempt, error)
}
