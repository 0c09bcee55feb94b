package pipeline

import (
	"go.opentelemetry.io/otel/codes"

	"nexus-settlement/internal/service/settlement/domain"
)

// ValidateHandler 是 Received 阶段：载荷不合法直接拒绝，不消耗任何配额。
type ValidateHandler struct {
	NextHandler
}

func (h *ValidateHandler) Handle(rc *ReconcileContext) error {
	_, span := rc.Tracer.Start(rc.Ctx, "reconcile.Validate")
	defer span.End()

	if err := rc.Event.Validate(); err != nil {
		rc.State = domain.ReconcileRejected
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid completion event")
		return err
	}
	return h.executeNext(rc)
}
