// internal/pkg/mq/failure_handler.go
package mq

import (
	"context"
	"fmt"
	"strconv"

	"github.com/pkg/errors"
	"github.com/segmentio/kafka-go"

	"nexus-settlement/internal/pkg/logger"
)

const (
	HeaderOriginalTopic     = "x-original-topic"
	HeaderOriginalPartition = "x-original-partition"
	HeaderOriginalOffset    = "x-original-offset"
	HeaderExceptionFqcn     = "x-exception-fqcn"
	HeaderExceptionMessage  = "x-exception-message"
	HeaderRetryCount        = "x-retry-count"
)

// ErrNonRetryable 标记无需重试、直接进入死信队列的错误。
var ErrNonRetryable = errors.New("non-retryable message")

// FailureHandler 处理消费失败的消息：先投递到重试主题，超过次数后进入死信队列。
type FailureHandler struct {
	retryWriter MessageWriter
	dltWriter   MessageWriter
	maxRetries  int
}

func NewFailureHandler(retryWriter, dltWriter MessageWriter, maxRetries int) *FailureHandler {
	return &FailureHandler{
		retryWriter: retryWriter,
		dltWriter:   dltWriter,
		maxRetries:  maxRetries,
	}
}

// Handle 转发失败的消息。返回错误时调用方不应提交 offset。
func (h *FailureHandler) Handle(ctx context.Context, msg kafka.Message, cause error) error {
	retries, _ := strconv.Atoi(Header(msg.Headers, HeaderRetryCount))

	headers := cloneHeaders(msg.Headers)
	carrier := KafkaHeaderCarrier(headers)
	if Header(msg.Headers, HeaderOriginalTopic) == "" {
		carrier.Set(HeaderOriginalTopic, msg.Topic)
		carrier.Set(HeaderOriginalPartition, strconv.Itoa(msg.Partition))
		carrier.Set(HeaderOriginalOffset, strconv.FormatInt(msg.Offset, 10))
	}
	carrier.Set(HeaderExceptionFqcn, fmt.Sprintf("%T", errors.Cause(cause)))
	carrier.Set(HeaderExceptionMessage, cause.Error())

	target, kind := h.retryWriter, "retry"
	if errors.Is(cause, ErrNonRetryable) || retries >= h.maxRetries || h.retryWriter == nil {
		target, kind = h.dltWriter, "dlt"
	} else {
		carrier.Set(HeaderRetryCount, strconv.Itoa(retries+1))
	}

	out := kafka.Message{Key: msg.Key, Value: msg.Value, Headers: carrier}
	InjectTraceContext(ctx, &out.Headers)
	if err := target.WriteMessages(ctx, out); err != nil {
		logger.Ctx(ctx).Error().Err(err).Str("target", kind).Str("key", string(msg.Key)).
			Msg("🚨 failed to forward failed message")
		return errors.Wrapf(err, "forward message to %s", kind)
	}

	logger.Ctx(ctx).Warn().Err(cause).Str("target", kind).Int("retries", retries).
		Str("key", string(msg.Key)).Msg("message forwarded after processing failure")
	return nil
}

func cloneHeaders(in []kafka.Header) []kafka.Header {
	out := make([]kafka.Header, len(in))
	copy(out, in)
	return out
}
