package interfaces

import (
	"context"

	"github.com/segmentio/kafka-go"

	"nexus-settlement/internal/pkg/logger"
	"nexus-settlement/internal/pkg/mq"
)

// DltConsumerAdapter 监听死信队列并记录日志
type DltConsumerAdapter struct {
	consumerLoop
}

func NewDltConsumerAdapter(reader MessageReader) *DltConsumerAdapter {
	a := &DltConsumerAdapter{}
	a.consumerLoop = consumerLoop{name: "dlt", reader: reader, process: func(ctx context.Context, msg kafka.Message) error {
		logDeadLetter(ctx, msg)
		// DLT中的消息总是直接提交，因为它们已经被“处理”了（即记录日志）
		return nil
	}}
	return a
}

func (a *DltConsumerAdapter) Start(ctx context.Context) error {
	a.start(ctx)
	return nil
}

func (a *DltConsumerAdapter) Stop(ctx context.Context) {
	a.stop(ctx)
}

func logDeadLetter(ctx context.Context, msg kafka.Message) {
	// 使用结构化日志记录，便于后续分析
	logger.Ctx(ctx).Error().
		Str("reason", "dead_letter_message_received").
		Str("original_topic", mq.Header(msg.Headers, mq.HeaderOriginalTopic)).
		Str("original_partition", mq.Header(msg.Headers, mq.HeaderOriginalPartition)).
		Str("original_offset", mq.Header(msg.Headers, mq.HeaderOriginalOffset)).
		Str("exception_fqcn", mq.Header(msg.Headers, mq.HeaderExceptionFqcn)).
		Str("exception_message", mq.Header(msg.Headers, mq.HeaderExceptionMessage)).
		Str("key", string(msg.Key)).
		Str("value", string(msg.Value)).
		Msg("🚨 CRITICAL: Dead letter message received")
}
