package adapter

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"

	"nexus-settlement/internal/pkg/mq"
	"nexus-settlement/internal/service/settlement/domain/port"
)

// AlertTopic 是运营告警主题。
const AlertTopic = "settlement-operator-alerts"

// AlertKafkaAdapter 实现了 port.AlertPublisher。
type AlertKafkaAdapter struct {
	writer mq.MessageWriter
}

func NewAlertKafkaAdapter(writer mq.MessageWriter) *AlertKafkaAdapter {
	return &AlertKafkaAdapter{writer: writer}
}

func (a *AlertKafkaAdapter) Publish(ctx context.Context, alert port.Alert) error {
	body, err := json.Marshal(alert)
	if err != nil {
		return errors.Wrap(err, "marshal alert")
	}
	key := alert.TransactionID
	if key == "" {
		key = string(alert.Kind)
	}
	return mq.ProduceMessage(ctx, a.writer, []byte(key), body)
}

// MultiAlertPublisher 把告警扇出到多个通道，单个通道失败不影响其它通道。
type MultiAlertPublisher []port.AlertPublisher

func (m MultiAlertPublisher) Publish(ctx context.Context, alert port.Alert) error {
	var firstErr error
	for _, p := range m {
		if err := p.Publish(ctx, alert); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
