// Package ledger 提供幂等账本的存储实现：Redis（Lua 原子校验写入）、gorm SQL，以及开发用的进程内 map。
package ledger

import (
	"time"
)

const (
	defaultBatchSize = 100
	reasonStale      = "stale after recovery retry"
)

type options struct {
	now       func() time.Time
	batchSize int
}

type Option func(*options)

// WithClock 注入时钟。所有时间戳统一转为 UTC。
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithBatchSize 限制单次恢复扫描处理的记录数。
func WithBatchSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.batchSize = n
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{now: time.Now, batchSize: defaultBatchSize}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func (o options) clock() time.Time {
	return o.now().UTC()
}
