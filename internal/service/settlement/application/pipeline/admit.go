package pipeline

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"nexus-settlement/internal/pkg/logger"
	"nexus-settlement/internal/service/settlement/domain"
	"nexus-settlement/internal/service/settlement/domain/port"
)

// AdmitHandler 通过幂等账本准入。已完成的交易短路为 duplicate，处理中的交易要求重投。
type AdmitHandler struct {
	NextHandler
}

func (h *AdmitHandler) Handle(rc *ReconcileContext) error {
	ctx, span := rc.Tracer.Start(rc.Ctx, "reconcile.Admit")
	defer span.End()

	payload, err := json.Marshal(rc.Event)
	if err != nil {
		return errors.Wrap(err, "marshal completion event")
	}

	lctx, cancel := withTimeout(ctx, rc.Timeouts.Ledger)
	res, err := rc.Ledger.TryBegin(lctx, rc.Event.TransactionID, payload)
	cancel()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "ledger admission failed")
		return errors.Wrap(domain.ErrRetryable, err.Error())
	}
	span.SetAttributes(attribute.String("ledger.outcome", res.Outcome.String()))

	switch res.Outcome {
	case port.Admitted:
		rc.State = domain.ReconcileAdmitted
		return h.executeNext(rc)
	case port.AlreadyInProgress:
		rc.State = domain.ReconcileDeduped
		return ErrInProgress
	}

	rc.State = domain.ReconcileDeduped
	rc.Duplicate = true
	orderID, err := rc.existingOrderID(ctx)
	if err != nil {
		if res.OrderID == "" {
			span.RecordError(err)
			return errors.Wrap(domain.ErrRetryable, err.Error())
		}
		logger.Ctx(ctx).Warn().Err(err).Str("transaction_id", rc.Event.TransactionID).
			Msg("order lookup failed for finalized transaction, answering from ledger")
		orderID = res.OrderID
	}
	rc.OrderID = orderID
	return nil
}

// existingOrderID 合并同一交易并发的重复投递，只查一次库。
func (rc *ReconcileContext) existingOrderID(ctx context.Context) (string, error) {
	txID := rc.Event.TransactionID
	v, err, _ := rc.lookups.Do(txID, func() (interface{}, error) {
		lctx, cancel := withTimeout(ctx, rc.Timeouts.Ledger)
		defer cancel()
		o, err := rc.Orders.FindByTransactionID(lctx, txID)
		if err != nil {
			return "", err
		}
		return o.ID, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}
