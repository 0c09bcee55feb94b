package domain

import "github.com/pkg/errors"

var (
	// ErrInvalidEvent 事件载荷不完整或不合法，重投也不会成功。
	ErrInvalidEvent = errors.New("invalid completion event")
	// ErrConfiguration 配置错误（分成比例越界、活动重叠等），必须由运营人员处理。
	ErrConfiguration = errors.New("configuration error")
	// ErrRetryable 暂时性失败：限流、超时、I/O 抖动。
	ErrRetryable = errors.New("retryable failure")

	ErrOrderNotFound       = errors.New("order not found")
	ErrOrderExists         = errors.New("order already exists for transaction")
	ErrLedgerRecordMissing = errors.New("idempotency record not found")
	ErrLedgerConflict      = errors.New("idempotency record is not in the expected state")
	ErrAffiliateNotFound   = errors.New("affiliate not found")
	ErrTransactionUnknown  = errors.New("transaction unknown to payment provider")
)

// ConfigError 构造一个包装了 ErrConfiguration 的错误。
func ConfigError(format string, args ...interface{}) error {
	return errors.Wrapf(ErrConfiguration, format, args...)
}
