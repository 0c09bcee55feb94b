package pipeline

import (
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/codes"

	"nexus-settlement/internal/pkg/logger"
	"nexus-settlement/internal/service/settlement/domain"
	"nexus-settlement/internal/service/settlement/domain/port"
)

// FinalizeHandler 提交账本。提交失败时订单已落库，重投或恢复扫描会复用同一订单再次提交。
type FinalizeHandler struct {
	NextHandler
}

func (h *FinalizeHandler) Handle(rc *ReconcileContext) error {
	ctx, span := rc.Tracer.Start(rc.Ctx, "reconcile.Finalize")
	defer span.End()

	lctx, cancel := withTimeout(ctx, rc.Timeouts.Ledger)
	err := rc.Ledger.Commit(lctx, rc.Event.TransactionID, rc.OrderID)
	cancel()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "ledger commit failed")
		logger.Ctx(ctx).Error().Err(err).Str("transaction_id", rc.Event.TransactionID).Str("order_id", rc.OrderID).
			Msg("🚨 order persisted but ledger commit failed")
		rc.raise(ctx, port.AlertLedgerCommit, port.SeverityWarning, err.Error())
		return errors.Wrap(domain.ErrRetryable, err.Error())
	}

	rc.State = domain.ReconcileFinalized
	logger.Ctx(ctx).Info().Str("transaction_id", rc.Event.TransactionID).Str("order_id", rc.OrderID).
		Str("channel", string(rc.Event.SourceChannel)).Msg("✅ order finalized")
	return h.executeNext(rc)
}
