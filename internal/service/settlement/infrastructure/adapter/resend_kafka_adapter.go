package adapter

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"

	"nexus-settlement/internal/pkg/mq"
)

// ResendTopic 是通知补发队列。
const ResendTopic = "notification-resend"

// ResendMessage 是补发队列中的消息体。
type ResendMessage struct {
	OrderID     string    `json:"orderId"`
	Reason      string    `json:"reason"`
	RequestedAt time.Time `json:"requestedAt"`
}

// ResendKafkaAdapter 实现了 port.ResendQueue。按 orderId 分区，同一订单的补发串行消费。
type ResendKafkaAdapter struct {
	writer mq.MessageWriter
	now    func() time.Time
}

func NewResendKafkaAdapter(writer mq.MessageWriter) *ResendKafkaAdapter {
	return &ResendKafkaAdapter{writer: writer, now: time.Now}
}

func (a *ResendKafkaAdapter) EnqueueResend(ctx context.Context, orderID, reason string) error {
	body, err := json.Marshal(ResendMessage{OrderID: orderID, Reason: reason, RequestedAt: a.now().UTC()})
	if err != nil {
		return errors.Wrap(err, "marshal resend message")
	}
	return errors.Wrapf(mq.ProduceMessage(ctx, a.writer, []byte(orderID), body), "enqueue resend for %s", orderID)
}
