package pipeline

import (
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"nexus-settlement/internal/pkg/logger"
	"nexus-settlement/internal/service/settlement/domain"
)

// DispatchHandler 落库并扇出通知。落库失败时账本保持 in_progress，由恢复扫描接手。
type DispatchHandler struct {
	NextHandler
}

func (h *DispatchHandler) Handle(rc *ReconcileContext) error {
	ctx, span := rc.Tracer.Start(rc.Ctx, "reconcile.Dispatch")
	defer span.End()

	res, err := rc.Dispatcher.Dispatch(ctx, rc.Event, rc.Split)
	if err != nil || res == nil || !res.OrderPersisted {
		if err == nil {
			err = errors.New("order was not persisted")
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "persist failed")
		logger.Ctx(ctx).Error().Err(err).Str("transaction_id", rc.Event.TransactionID).
			Msg("persist failed, ledger record left in progress")
		return errors.Wrap(domain.ErrRetryable, err.Error())
	}

	span.SetAttributes(
		attribute.String("order.id", res.OrderID),
		attribute.Int("notifications.sent", len(res.Sent)),
		attribute.Int("notifications.failed", len(res.Failed)),
	)
	rc.Dispatch = res
	rc.OrderID = res.OrderID
	rc.State = domain.ReconcileDispatched
	return h.executeNext(rc)
}
