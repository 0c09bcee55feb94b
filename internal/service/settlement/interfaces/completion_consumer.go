package interfaces

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"github.com/segmentio/kafka-go"

	"nexus-settlement/internal/pkg/mq"
	"nexus-settlement/internal/service/settlement/application"
	"nexus-settlement/internal/service/settlement/domain"
)

// CompletionConsumerAdapter 消费支付服务商的完成事件并驱动网关。
// 需要重投的结果进入重试主题，被拒绝的事件直接进入死信队列。
type CompletionConsumerAdapter struct {
	consumerLoop
	gateway CompletionGateway
}

func NewCompletionConsumerAdapter(reader MessageReader, gateway CompletionGateway, failureHandler *mq.FailureHandler) *CompletionConsumerAdapter {
	a := &CompletionConsumerAdapter{gateway: gateway}
	a.consumerLoop = consumerLoop{name: "completion", reader: reader, failureHandler: failureHandler, process: a.processMessage}
	return a
}

// SetDelay 用于重试主题的消费者：消息在写入 delay 之后才处理。
func (a *CompletionConsumerAdapter) SetDelay(d time.Duration) {
	a.delay = d
}

func (a *CompletionConsumerAdapter) Start(ctx context.Context) error {
	a.start(ctx)
	return nil
}

func (a *CompletionConsumerAdapter) Stop(ctx context.Context) {
	a.stop(ctx)
}

func (a *CompletionConsumerAdapter) processMessage(ctx context.Context, msg kafka.Message) error {
	var event domain.CompletionEvent
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		return errors.Wrap(mq.ErrNonRetryable, "undecodable completion event: "+err.Error())
	}

	res := a.gateway.Handle(ctx, domain.ChannelWebhook, &event)
	switch res.Outcome {
	case application.OutcomeFinalized, application.OutcomeDuplicate:
		return nil
	case application.OutcomeRejected:
		return errors.Wrap(mq.ErrNonRetryable, res.Reason)
	default:
		return errors.Wrap(domain.ErrRetryable, res.Reason)
	}
}
