// internal/service/settlement/application/dispatcher.go
package application

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"nexus-settlement/internal/pkg/logger"
	"nexus-settlement/internal/service/settlement/application/pipeline"
	"nexus-settlement/internal/service/settlement/domain"
	"nexus-settlement/internal/service/settlement/domain/port"
)

type DispatcherConfig struct {
	AdminEmails     []string        `yaml:"adminEmails"`
	DefaultLanguage string          `yaml:"defaultLanguage"`
	EmailCost       decimal.Decimal `yaml:"emailCost"`
	PersistTimeout  time.Duration   `yaml:"persistTimeout"`
	RenderTimeout   time.Duration   `yaml:"renderTimeout"`
	SendTimeout     time.Duration   `yaml:"sendTimeout"`
	MaxParallel     int             `yaml:"maxParallel"`
}

func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		DefaultLanguage: "en",
		PersistTimeout:  5 * time.Second,
		RenderTimeout:   5 * time.Second,
		SendTimeout:     10 * time.Second,
		MaxParallel:     4,
	}
}

type DispatcherDeps struct {
	Orders      domain.OrderRepository
	Log         domain.NotificationLog
	Affiliates  port.AffiliateDirectory
	Content     port.ContentProvider
	Mail        port.MailTransport
	Governor    port.Governor
	ResendQueue port.ResendQueue
}

// Dispatcher 负责订单聚合的原子落库与通知扇出。
// 通知失败只影响订单的通知状态，从不回滚已完成的落库。
type Dispatcher struct {
	cfg    DispatcherConfig
	tracer trace.Tracer
	DispatcherDeps
	now   func() time.Time
	newID func() string
}

type DispatcherOption func(*Dispatcher)

func WithDispatcherClock(now func() time.Time) DispatcherOption {
	return func(d *Dispatcher) { d.now = now }
}

func WithOrderIDs(newID func() string) DispatcherOption {
	return func(d *Dispatcher) { d.newID = newID }
}

func NewDispatcher(cfg DispatcherConfig, tracer trace.Tracer, deps DispatcherDeps, opts ...DispatcherOption) *Dispatcher {
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = 1
	}
	d := &Dispatcher{
		cfg:            cfg,
		tracer:         tracer,
		DispatcherDeps: deps,
		now:            time.Now,
		newID:          func() string { return uuid.New().String() },
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch 在一个事务中写入订单、佣金与活动分成，然后通知各收件人。
// 该交易已有订单时复用已有订单，只补发尚未送达的通知。
func (d *Dispatcher) Dispatch(ctx context.Context, event *domain.CompletionEvent, split *domain.Split) (*pipeline.DispatchResult, error) {
	ctx, span := d.tracer.Start(ctx, "dispatcher.Dispatch")
	defer span.End()

	order, err := domain.NewOrder(d.newID(), event, split, d.now().UTC())
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	pctx, cancel := timeoutCtx(ctx, d.cfg.PersistTimeout)
	persisted, created, err := d.Orders.SaveFinalized(pctx, order)
	cancel()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to persist order aggregate")
		return nil, errors.Wrap(err, "persist order aggregate")
	}
	span.SetAttributes(attribute.String("order.id", persisted.ID), attribute.Bool("order.created", created))
	if created {
		logger.Ctx(ctx).Info().Str("order_id", persisted.ID).Str("transaction_id", persisted.TransactionID).
			Int("campaign_shares", len(persisted.CampaignShares)).Bool("commissioned", persisted.Commission != nil).
			Msg("💾 order aggregate persisted")
	}

	// 新订单不可能有历史投递记录
	res := d.notify(ctx, persisted, !created)
	res.Created = created
	return res, nil
}

// Resend 基于已落库的订单重新推导通知内容，跳过已经送达的收件人。重复调用是安全的。
func (d *Dispatcher) Resend(ctx context.Context, orderID string) (*pipeline.DispatchResult, error) {
	ctx, span := d.tracer.Start(ctx, "dispatcher.Resend")
	defer span.End()
	span.SetAttributes(attribute.String("order.id", orderID))

	pctx, cancel := timeoutCtx(ctx, d.cfg.PersistTimeout)
	order, err := d.Orders.FindByID(pctx, orderID)
	cancel()
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return d.notify(ctx, order, true), nil
}

func (d *Dispatcher) notify(ctx context.Context, order *domain.Order, consultLog bool) *pipeline.DispatchResult {
	res := &pipeline.DispatchResult{OrderPersisted: true, OrderID: order.ID}

	delivered := map[string]domain.NotificationAttempt{}
	if consultLog {
		attempts, err := d.Log.AttemptsForOrder(ctx, order.ID)
		if err != nil {
			// 查不到历史时宁可重复发送，也不漏发
			logger.Ctx(ctx).Warn().Err(err).Str("order_id", order.ID).Msg("failed to load notification history")
		}
		for _, a := range attempts {
			if a.Delivered() {
				delivered[recipientKey(a.Kind, a.Address)] = a
			}
		}
	}

	recipients, unresolved := d.recipients(ctx, order)
	res.Failed = append(res.Failed, unresolved...)

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.cfg.MaxParallel)
	for _, r := range recipients {
		r := r
		if _, ok := delivered[recipientKey(r.Kind, r.Address)]; ok {
			res.Skipped = append(res.Skipped, r)
			continue
		}
		g.Go(func() error {
			failure := d.deliver(gctx, order, r)
			mu.Lock()
			defer mu.Unlock()
			if failure != nil {
				res.Failed = append(res.Failed, *failure)
			} else {
				res.Sent = append(res.Sent, r)
			}
			// 单个收件人失败不取消其它收件人
			return nil
		})
	}
	_ = g.Wait()
	sortRecipients(res.Sent)
	sortRecipients(res.Skipped)
	sort.Slice(res.Failed, func(i, j int) bool { return lessRecipient(res.Failed[i].Recipient, res.Failed[j].Recipient) })

	d.settleState(ctx, order, res)
	return res
}

func (d *Dispatcher) recipients(ctx context.Context, order *domain.Order) ([]domain.Recipient, []pipeline.FailedRecipient) {
	lang := order.Customer.Language
	if lang == "" {
		lang = d.cfg.DefaultLanguage
	}
	var out []domain.Recipient
	if order.Customer.Email != "" {
		out = append(out, domain.Recipient{Kind: domain.RecipientCustomer, Address: order.Customer.Email, Language: lang})
	}
	for _, admin := range d.cfg.AdminEmails {
		out = append(out, domain.Recipient{Kind: domain.RecipientAdmin, Address: admin, Language: d.cfg.DefaultLanguage})
	}
	if order.Commission == nil || d.Affiliates == nil {
		return out, nil
	}

	aff, err := d.Affiliates.FindByCode(ctx, order.AffiliateCode)
	if err != nil || aff.Email == "" {
		reason := "affiliate has no email address"
		if err != nil {
			reason = "affiliate lookup: " + err.Error()
		}
		return out, []pipeline.FailedRecipient{{Recipient: domain.Recipient{Kind: domain.RecipientAffiliate}, Reason: reason}}
	}
	return append(out, domain.Recipient{Kind: domain.RecipientAffiliate, Address: aff.Email, Language: d.cfg.DefaultLanguage}), nil
}

// deliver 通知单个收件人并记录结果，返回 nil 表示已送达。
func (d *Dispatcher) deliver(ctx context.Context, order *domain.Order, r domain.Recipient) *pipeline.FailedRecipient {
	ctx, span := d.tracer.Start(ctx, "dispatcher.Notify")
	defer span.End()
	span.SetAttributes(attribute.String("recipient.kind", string(r.Kind)))

	attempt := domain.NotificationAttempt{OrderID: order.ID, Kind: r.Kind, Address: r.Address, UpdatedAt: d.now().UTC()}
	fail := func(reason string, permanent bool) *pipeline.FailedRecipient {
		span.SetStatus(codes.Error, reason)
		attempt.Status, attempt.LastError = domain.NotificationFailed, reason
		d.record(ctx, attempt)
		notificationsTotal.WithLabelValues(string(r.Kind), string(domain.NotificationFailed)).Inc()
		logger.Ctx(ctx).Warn().Str("order_id", order.ID).Str("recipient_kind", string(r.Kind)).
			Str("reason", reason).Msg("notification not delivered")
		return &pipeline.FailedRecipient{Recipient: r, Reason: reason, Permanent: permanent}
	}

	if d.Governor != nil {
		switch decision := d.Governor.CheckAndRecord(ctx, port.CategoryEmailSending, d.cfg.EmailCost); decision {
		case port.Allowed:
		default:
			return fail("email-sending "+decision.String(), false)
		}
	}

	rctx, cancel := timeoutCtx(ctx, d.cfg.RenderTimeout)
	content, err := d.Content.Render(rctx, port.NotificationRequest{Recipient: r, Order: order, Language: r.Language})
	cancel()
	if err != nil {
		span.RecordError(err)
		return fail("render: "+err.Error(), false)
	}

	sctx, cancel := timeoutCtx(ctx, d.cfg.SendTimeout)
	messageID, err := d.Mail.Send(sctx, port.MailMessage{To: r.Address, Subject: content.Subject, HTML: content.HTML, Text: content.Text})
	cancel()
	if err != nil {
		span.RecordError(err)
		var derr *port.DeliveryError
		permanent := errors.As(err, &derr) && derr.Permanent
		return fail(err.Error(), permanent)
	}

	attempt.Status, attempt.MessageID = domain.NotificationSent, messageID
	d.record(ctx, attempt)
	notificationsTotal.WithLabelValues(string(r.Kind), string(domain.NotificationSent)).Inc()
	return nil
}

func (d *Dispatcher) record(ctx context.Context, attempt domain.NotificationAttempt) {
	if attempt.Address == "" {
		return
	}
	if err := d.Log.RecordAttempt(ctx, attempt); err != nil {
		logger.Ctx(ctx).Error().Err(err).Str("order_id", attempt.OrderID).Str("recipient_kind", string(attempt.Kind)).
			Msg("failed to record notification attempt")
	}
}

// settleState 推进订单的通知状态；有可重试的失败时排入补发队列。
func (d *Dispatcher) settleState(ctx context.Context, order *domain.Order, res *pipeline.DispatchResult) {
	before := order.State
	if err := order.MarkNotified(len(res.Failed) == 0, d.now().UTC()); err != nil {
		logger.Ctx(ctx).Error().Err(err).Msg("cannot advance order notification state")
		return
	}
	if order.State != before {
		if err := d.Orders.UpdateState(ctx, order.ID, order.State); err != nil {
			logger.Ctx(ctx).Error().Err(err).Str("order_id", order.ID).Msg("failed to update order notification state")
		}
	}

	var reasons []string
	for _, f := range res.Failed {
		if !f.Permanent {
			reasons = append(reasons, string(f.Recipient.Kind)+": "+f.Reason)
		}
	}
	if len(reasons) == 0 || d.ResendQueue == nil {
		return
	}
	if err := d.ResendQueue.EnqueueResend(ctx, order.ID, strings.Join(reasons, "; ")); err != nil {
		logger.Ctx(ctx).Error().Err(err).Str("order_id", order.ID).Msg("🚨 failed to enqueue notification resend")
	}
}

func recipientKey(kind domain.RecipientKind, address string) string {
	return string(kind) + "|" + strings.ToLower(address)
}

func lessRecipient(a, b domain.Recipient) bool {
	if a.Kind != b.Kind {
		return a.Kind < b.Kind
	}
	return a.Address < b.Address
}

func sortRecipients(rs []domain.Recipient) {
	sort.Slice(rs, func(i, j int) bool { return lessRecipient(rs[i], rs[j]) })
}

func timeoutCtx(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
