package interfaces

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"github.com/segmentio/kafka-go"

	"nexus-settlement/internal/pkg/logger"
	"nexus-settlement/internal/pkg/mq"
	"nexus-settlement/internal/service/settlement/domain"
	"nexus-settlement/internal/service/settlement/infrastructure/adapter"
)

// ResendConsumerAdapter 消费补发队列。补发本身是幂等的，重复消息只会跳过已送达的收件人。
type ResendConsumerAdapter struct {
	consumerLoop
	resender Resender
}

func NewResendConsumerAdapter(reader MessageReader, resender Resender, failureHandler *mq.FailureHandler) *ResendConsumerAdapter {
	a := &ResendConsumerAdapter{resender: resender}
	a.consumerLoop = consumerLoop{name: "resend", reader: reader, failureHandler: failureHandler, process: a.processMessage}
	return a
}

// SetDelay 让补发在入队 d 之后才执行，给邮件中继恢复的时间。
func (a *ResendConsumerAdapter) SetDelay(d time.Duration) {
	a.delay = d
}

func (a *ResendConsumerAdapter) Start(ctx context.Context) error {
	a.start(ctx)
	return nil
}

func (a *ResendConsumerAdapter) Stop(ctx context.Context) {
	a.stop(ctx)
}

func (a *ResendConsumerAdapter) processMessage(ctx context.Context, msg kafka.Message) error {
	var cmd adapter.ResendMessage
	if err := json.Unmarshal(msg.Value, &cmd); err != nil || cmd.OrderID == "" {
		return errors.Wrap(mq.ErrNonRetryable, "undecodable resend message")
	}

	res, err := a.resender.Resend(ctx, cmd.OrderID)
	if errors.Is(err, domain.ErrOrderNotFound) {
		return errors.Wrap(mq.ErrNonRetryable, err.Error())
	}
	if err != nil {
		return err
	}
	logger.Ctx(ctx).Info().Str("order_id", cmd.OrderID).Int("sent", len(res.Sent)).
		Int("skipped", len(res.Skipped)).Int("failed", len(res.Failed)).Msg("notification resend processed")
	// 仍失败的收件人已由 Dispatcher 重新排队，这里不再重复转发
	return nil
}
