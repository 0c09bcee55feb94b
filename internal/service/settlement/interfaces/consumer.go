package interfaces

import (
	"context"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"nexus-settlement/internal/pkg/logger"
	"nexus-settlement/internal/pkg/mq"
)

const (
	defaultForwardBackoff = 200 * time.Millisecond
	maxForwardBackoff     = 30 * time.Second
)

// MessageReader 是 *kafka.Reader 的子集，方便测试替换。
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Config() kafka.ReaderConfig
	Close() error
}

// processFunc 处理单条消息。返回 error 时消息交给 FailureHandler。
type processFunc func(ctx context.Context, msg kafka.Message) error

// consumerLoop 是各个消费者共用的拉取、追踪恢复、失败转发与提交逻辑。
type consumerLoop struct {
	name           string
	reader         MessageReader
	failureHandler *mq.FailureHandler
	process        processFunc
	delay          time.Duration
	forwardBackoff time.Duration

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

func (l *consumerLoop) start(ctx context.Context) {
	ctx, l.cancel = context.WithCancel(ctx)
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		logger.Ctx(ctx).Info().Str("consumer", l.name).Str("topic", l.reader.Config().Topic).Msg("✅ Kafka consumer started.")
		for {
			// 使用 FetchMessage 而不是 ReadMessage，offset 在处理完后显式提交
			msg, err := l.reader.FetchMessage(ctx)
			if err != nil {
				if ctx.Err() != nil {
					logger.Ctx(ctx).Info().Str("consumer", l.name).Msg("🛑 Kafka consumer shutting down.")
					return
				}
				logger.Ctx(ctx).Error().Err(err).Str("consumer", l.name).Msg("could not fetch message, retrying")
				if !sleepCtx(ctx, time.Second) {
					return
				}
				continue
			}

			if l.delay > 0 && !sleepCtx(ctx, time.Until(msg.Time.Add(l.delay))) {
				return
			}

			msgCtx := mq.ExtractTraceContext(ctx, msg.Headers)
			if err := l.process(msgCtx, msg); err != nil {
				if l.failureHandler == nil {
					logger.Ctx(msgCtx).Error().Err(err).Str("consumer", l.name).Str("key", string(msg.Key)).
						Msg("message processing failed and no failure handler is configured")
				} else if !l.forward(ctx, msgCtx, msg, err) {
					return
				}
			}

			if err := l.reader.CommitMessages(ctx, msg); err != nil {
				logger.Ctx(ctx).Error().Err(err).Str("consumer", l.name).Msg("failed to commit message")
			}
		}
	}()
}

// forward 把处理失败的消息转发到重试主题或死信队列，失败时退避重试直到成功。
// 转发成功之前不拉取下一条消息：提交后面的 offset 会连带确认这一条。
// 只有 ctx 结束时返回 false，此时不提交，重新分配分区后从已提交的 offset 继续消费。
func (l *consumerLoop) forward(ctx, msgCtx context.Context, msg kafka.Message, cause error) bool {
	backoff := l.forwardBackoff
	if backoff <= 0 {
		backoff = defaultForwardBackoff
	}
	for attempt := 1; ; attempt++ {
		err := l.failureHandler.Handle(msgCtx, msg, cause)
		if err == nil {
			return true
		}
		logger.Ctx(msgCtx).Error().Err(err).Str("consumer", l.name).Str("key", string(msg.Key)).
			Int64("offset", msg.Offset).Int("attempt", attempt).Dur("backoff", backoff).
			Msg("🚨 could not forward failed message, holding the partition")
		if !sleepCtx(ctx, backoff) {
			return false
		}
		if backoff *= 2; backoff > maxForwardBackoff {
			backoff = maxForwardBackoff
		}
	}
}

func (l *consumerLoop) stop(ctx context.Context) {
	if l.cancel != nil {
		l.cancel()
	}
	l.wg.Wait()
	if err := l.reader.Close(); err != nil {
		logger.Ctx(ctx).Warn().Err(err).Str("consumer", l.name).Msg("failed to close kafka reader")
	}
	logger.Ctx(ctx).Info().Str("consumer", l.name).Msg("✅ Kafka consumer stopped.")
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
