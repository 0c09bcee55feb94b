package pipeline

import (
	"context"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/codes"

	"nexus-settlement/internal/pkg/logger"
	"nexus-settlement/internal/service/settlement/domain"
	"nexus-settlement/internal/service/settlement/domain/port"
)

// ComputeHandler 查找推广者与活动并计算分账。
// 查询失败把账本记录标记为可重试；配置错误不写任何记录并告警。
type ComputeHandler struct {
	NextHandler
}

func (h *ComputeHandler) Handle(rc *ReconcileContext) error {
	ctx, span := rc.Tracer.Start(rc.Ctx, "reconcile.Compute")
	defer span.End()

	affiliate, campaigns, err := h.lookup(ctx, rc)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "catalog lookup failed")
		rc.State = domain.ReconcileComputeFailed
		rc.failLedger(ctx, "catalog lookup: "+err.Error())
		return errors.Wrap(domain.ErrRetryable, err.Error())
	}

	split, err := rc.Calculator.Compute(rc.Event, affiliate, campaigns)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "split computation failed")
		rc.State = domain.ReconcileComputeFailed
		rc.failLedger(ctx, err.Error())
		if errors.Is(err, domain.ErrConfiguration) {
			rc.raise(ctx, port.AlertComputeFailed, port.SeverityCritical, err.Error())
			return err
		}
		return errors.Wrap(domain.ErrRetryable, err.Error())
	}
	if split.Unattributed {
		logger.Ctx(ctx).Info().Str("transaction_id", rc.Event.TransactionID).
			Str("affiliate_code", rc.Event.AffiliateCode).Msg("affiliate code did not resolve, order left unattributed")
	}

	rc.Split = split
	rc.State = domain.ReconcileComputed
	return h.executeNext(rc)
}

func (h *ComputeHandler) lookup(ctx context.Context, rc *ReconcileContext) (*domain.Affiliate, []domain.Campaign, error) {
	cctx, cancel := withTimeout(ctx, rc.Timeouts.Catalog)
	defer cancel()

	var affiliate *domain.Affiliate
	if rc.Event.AffiliateCode != "" {
		a, err := rc.Affiliates.FindByCode(cctx, rc.Event.AffiliateCode)
		switch {
		case errors.Is(err, domain.ErrAffiliateNotFound):
		case err != nil:
			return nil, nil, errors.Wrap(err, "find affiliate")
		default:
			affiliate = a
		}
	}
	campaigns, err := rc.Campaigns.FindApplicable(cctx, rc.Event.CampaignRefs, rc.Event.Tags(), rc.Event.ReceivedAt)
	if err != nil {
		return nil, nil, errors.Wrap(err, "find campaigns")
	}
	return affiliate, campaigns, nil
}

func (rc *ReconcileContext) failLedger(ctx context.Context, reason string) {
	lctx, cancel := withTimeout(ctx, rc.Timeouts.Ledger)
	defer cancel()
	if err := rc.Ledger.Fail(lctx, rc.Event.TransactionID, reason); err != nil {
		logger.Ctx(ctx).Error().Err(err).Str("transaction_id", rc.Event.TransactionID).
			Msg("🚨 failed to mark ledger record retryable, the stale sweep will pick it up")
	}
}

func (rc *ReconcileContext) raise(ctx context.Context, kind port.AlertKind, sev port.AlertSeverity, reason string) {
	if rc.Alerts == nil {
		return
	}
	alert := port.Alert{
		ID:            rc.NewID(),
		Kind:          kind,
		Severity:      sev,
		TransactionID: rc.Event.TransactionID,
		OrderID:       rc.OrderID,
		Reason:        reason,
		At:            rc.Now().UTC(),
	}
	if err := rc.Alerts.Publish(ctx, alert); err != nil {
		logger.Ctx(ctx).Error().Err(err).Str("kind", string(kind)).Msg("failed to publish operator alert")
	}
}
