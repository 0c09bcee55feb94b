package pipeline

import (
	"go.opentelemetry.io/otel/attribute"

	"nexus-settlement/internal/pkg/logger"
	"nexus-settlement/internal/service/settlement/domain"
	"nexus-settlement/internal/service/settlement/domain/port"
)

// GovernHandler 对 order-processing 类别做限流与预算判定。
type GovernHandler struct {
	NextHandler
}

func (h *GovernHandler) Handle(rc *ReconcileContext) error {
	ctx, span := rc.Tracer.Start(rc.Ctx, "reconcile.Govern")
	defer span.End()

	decision := rc.Governor.CheckAndRecord(ctx, port.CategoryOrderProcessing, rc.OrderCost)
	span.SetAttributes(attribute.String("governor.decision", decision.String()))

	switch decision {
	case port.Throttled:
		rc.State = domain.ReconcileRejected
		logger.Ctx(ctx).Warn().Str("transaction_id", rc.Event.TransactionID).Msg("order-processing throttled, asking upstream to redeliver")
		return ErrThrottled
	case port.BudgetExceeded:
		rc.State = domain.ReconcileRejected
		logger.Ctx(ctx).Warn().Str("transaction_id", rc.Event.TransactionID).Msg("budget emergency, asking upstream to redeliver")
		return ErrBudgetExceeded
	}
	rc.State = domain.ReconcileGoverned
	return h.executeNext(rc)
}
