// internal/service/settlement/application/gateway.go
package application

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"nexus-settlement/internal/pkg/logger"
	"nexus-settlement/internal/service/settlement/application/pipeline"
	"nexus-settlement/internal/service/settlement/domain"
	"nexus-settlement/internal/service/settlement/domain/port"
)

// GatewayConfig 中的超时分别作用于每次外部调用，ProcessingTimeout 约束整个事件。
type GatewayConfig struct {
	ProcessingTimeout time.Duration   `yaml:"processingTimeout"`
	LedgerTimeout     time.Duration   `yaml:"ledgerTimeout"`
	CatalogTimeout    time.Duration   `yaml:"catalogTimeout"`
	LookupTimeout     time.Duration   `yaml:"lookupTimeout"`
	ThrottleRetry     time.Duration   `yaml:"throttleRetryAfter"`
	OrderCost         decimal.Decimal `yaml:"orderCost"`
}

func DefaultGatewayConfig() GatewayConfig {
	return GatewayConfig{
		ProcessingTimeout: 30 * time.Second,
		LedgerTimeout:     2 * time.Second,
		CatalogTimeout:    3 * time.Second,
		LookupTimeout:     5 * time.Second,
		ThrottleRetry:     5 * time.Second,
	}
}

// GatewayDeps 是网关的出站端口集合。
type GatewayDeps struct {
	Governor   port.Governor
	Ledger     port.Ledger
	Affiliates port.AffiliateDirectory
	Campaigns  port.CampaignCatalog
	Calculator pipeline.Computer
	Dispatcher pipeline.Dispatcher
	Orders     domain.OrderRepository
	Alerts     port.AlertPublisher
	Lookup     port.CompletionLookup
}

// Gateway 是三个入口（客户端调用、webhook、后台补录）共同的处理入口。
// 它只负责编排，幂等、计算与副作用都委托给各自的端口。
type Gateway struct {
	cfg    GatewayConfig
	tracer trace.Tracer
	deps   *pipeline.Deps
	lookup port.CompletionLookup
	now    func() time.Time

	chain  pipeline.Handler
	resume pipeline.Handler
}

type GatewayOption func(*Gateway)

func WithGatewayClock(now func() time.Time) GatewayOption {
	return func(g *Gateway) { g.now = now }
}

func NewGateway(cfg GatewayConfig, tracer trace.Tracer, d GatewayDeps, opts ...GatewayOption) *Gateway {
	g := &Gateway{cfg: cfg, tracer: tracer, lookup: d.Lookup, now: time.Now}
	for _, opt := range opts {
		opt(g)
	}
	g.deps = &pipeline.Deps{
		Tracer:     tracer,
		Governor:   d.Governor,
		Ledger:     d.Ledger,
		Affiliates: d.Affiliates,
		Campaigns:  d.Campaigns,
		Calculator: d.Calculator,
		Dispatcher: d.Dispatcher,
		Orders:     d.Orders,
		Alerts:     d.Alerts,
		Timeouts:   pipeline.Timeouts{Ledger: cfg.LedgerTimeout, Catalog: cfg.CatalogTimeout},
		OrderCost:  cfg.OrderCost,
		Now:        func() time.Time { return g.now() },
		NewID:      func() string { return uuid.New().String() },
	}
	g.chain = g.buildChain()
	g.resume = pipeline.Chain(new(pipeline.ComputeHandler), new(pipeline.DispatchHandler), new(pipeline.FinalizeHandler))
	return g
}

func (g *Gateway) buildChain() pipeline.Handler {
	return pipeline.Chain(
		new(pipeline.ValidateHandler),
		new(pipeline.GovernHandler),
		new(pipeline.AdmitHandler),
		new(pipeline.ComputeHandler),
		new(pipeline.DispatchHandler),
		new(pipeline.FinalizeHandler),
	)
}

// Handle 处理任意入口到达的完成事件。同一交易无论从哪个入口到达多少次，
// 至多产生一个订单，之后的投递都得到 duplicate。
func (g *Gateway) Handle(ctx context.Context, channel domain.SourceChannel, event *domain.CompletionEvent) Result {
	ctx, span := g.tracer.Start(ctx, "app.HandleCompletion", trace.WithSpanKind(trace.SpanKindInternal))
	defer span.End()

	if event == nil {
		return Result{Outcome: OutcomeRejected, Reason: "empty completion event", State: domain.ReconcileRejected}
	}
	event.Normalize(channel, g.now())
	span.SetAttributes(
		attribute.String("transaction.id", event.TransactionID),
		attribute.String("channel", string(channel)),
	)

	return g.run(ctx, span, g.chain, event)
}

// Resume 从 Computed 阶段重新驱动一条已被恢复扫描重新准入的记录。
func (g *Gateway) Resume(ctx context.Context, rec domain.IdempotencyRecord) Result {
	ctx, span := g.tracer.Start(ctx, "app.ResumeCompletion")
	defer span.End()
	span.SetAttributes(attribute.String("transaction.id", rec.TransactionID))

	var event domain.CompletionEvent
	if err := json.Unmarshal(rec.Payload, &event); err != nil || event.TransactionID != rec.TransactionID {
		if err == nil {
			err = errors.Errorf("payload belongs to transaction %q", event.TransactionID)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "undecodable ledger payload")
		return Result{Outcome: OutcomeRejected, Reason: "undecodable ledger payload: " + err.Error(), State: domain.ReconcileRejected}
	}
	return g.run(ctx, span, g.resume, &event)
}

func (g *Gateway) run(ctx context.Context, span trace.Span, chain pipeline.Handler, event *domain.CompletionEvent) Result {
	if g.cfg.ProcessingTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.cfg.ProcessingTimeout)
		defer cancel()
	}

	rc := pipeline.NewReconcileContext(ctx, g.deps, event)
	err := chain.Handle(rc)
	res := g.toResult(rc, err)

	span.SetAttributes(attribute.String("outcome", string(res.Outcome)), attribute.String("state", string(res.State)))
	if err != nil {
		span.RecordError(err)
		if res.Outcome == OutcomeRetryable {
			span.SetStatus(codes.Error, res.Reason)
		}
	}
	resultsTotal.WithLabelValues(string(event.SourceChannel), string(res.Outcome)).Inc()

	l := logger.Ctx(ctx).With().Str("transaction_id", event.TransactionID).
		Str("channel", string(event.SourceChannel)).Str("outcome", string(res.Outcome)).
		Str("state", string(res.State)).Logger()
	switch res.Outcome {
	case OutcomeRetryable:
		l.Warn().Str("reason", res.Reason).Msg("completion event not settled, redelivery required")
	case OutcomeRejected:
		l.Warn().Str("reason", res.Reason).Msg("❌ completion event rejected")
	case OutcomeDuplicate:
		l.Info().Str("order_id", res.OrderID).Msg("duplicate completion event acknowledged")
	}
	return res
}

func (g *Gateway) toResult(rc *pipeline.ReconcileContext, err error) Result {
	res := Result{OrderID: rc.OrderID, State: rc.State, Dispatch: rc.Dispatch}
	switch {
	case err == nil && rc.Duplicate:
		res.Outcome = OutcomeDuplicate
	case err == nil:
		res.Outcome = OutcomeFinalized
	case errors.Is(err, domain.ErrInvalidEvent), errors.Is(err, domain.ErrConfiguration):
		res.Outcome, res.Reason = OutcomeRejected, err.Error()
	default:
		// 未分类的错误一律按可重试处理，重投总是安全的
		res.Outcome, res.Reason = OutcomeRetryable, err.Error()
		if errors.Is(err, pipeline.ErrThrottled) {
			res.Throttled = true
			res.RetryAfter = g.cfg.ThrottleRetry
		}
	}
	return res
}

// Backfill 供运营人员补录丢失的完成事件。已有订单直接返回 duplicate；
// 否则优先重放账本中保存的载荷，最后才向支付服务商查询。
func (g *Gateway) Backfill(ctx context.Context, req BackfillRequest) Result {
	ctx, span := g.tracer.Start(ctx, "app.Backfill")
	defer span.End()

	req.TransactionID = strings.TrimSpace(req.TransactionID)
	req.OrderID = strings.TrimSpace(req.OrderID)
	if req.TransactionID == "" && req.OrderID == "" {
		return Result{Outcome: OutcomeRejected, Reason: "transactionId or orderId is required", State: domain.ReconcileRejected}
	}

	lctx, cancel := context.WithTimeout(ctx, g.lookupTimeout())
	defer cancel()

	var (
		order *domain.Order
		err   error
	)
	if req.OrderID != "" {
		order, err = g.deps.Orders.FindByID(lctx, req.OrderID)
	} else {
		order, err = g.deps.Orders.FindByTransactionID(lctx, req.TransactionID)
	}
	switch {
	case err == nil:
		return Result{Outcome: OutcomeDuplicate, OrderID: order.ID, State: domain.ReconcileDeduped}
	case !errors.Is(err, domain.ErrOrderNotFound):
		span.RecordError(err)
		return Result{Outcome: OutcomeRetryable, Reason: err.Error(), State: domain.ReconcileReceived}
	case req.TransactionID == "":
		return Result{Outcome: OutcomeRejected, Reason: "order " + req.OrderID + " not found", State: domain.ReconcileRejected}
	}

	event, err := g.resolveEvent(lctx, req.TransactionID)
	if err != nil {
		span.RecordError(err)
		if errors.Is(err, domain.ErrTransactionUnknown) {
			return Result{Outcome: OutcomeRejected, Reason: err.Error(), State: domain.ReconcileRejected}
		}
		return Result{Outcome: OutcomeRetryable, Reason: err.Error(), State: domain.ReconcileReceived}
	}
	return g.Handle(ctx, domain.ChannelBackfill, event)
}

func (g *Gateway) resolveEvent(ctx context.Context, transactionID string) (*domain.CompletionEvent, error) {
	rec, err := g.deps.Ledger.Get(ctx, transactionID)
	if err == nil && len(rec.Payload) > 0 {
		var event domain.CompletionEvent
		if jsonErr := json.Unmarshal(rec.Payload, &event); jsonErr == nil {
			return &event, nil
		}
	}
	if err != nil && !errors.Is(err, domain.ErrLedgerRecordMissing) {
		return nil, err
	}
	if g.lookup == nil {
		return nil, errors.Wrap(domain.ErrTransactionUnknown, "no provider lookup configured")
	}
	return g.lookup.FetchCompletion(ctx, transactionID)
}

func (g *Gateway) lookupTimeout() time.Duration {
	if g.cfg.LookupTimeout > 0 {
		return g.cfg.LookupTimeout
	}
	return 5 * time.Second
}
