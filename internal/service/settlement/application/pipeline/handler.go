package pipeline

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"nexus-settlement/internal/service/settlement/domain"
	"nexus-settlement/internal/service/settlement/domain/port"
)

var (
	// ErrThrottled 与 ErrBudgetExceeded 都是可重试的拒绝，上游必须重投。
	ErrThrottled      = errors.Wrap(domain.ErrRetryable, "order-processing throttled")
	ErrBudgetExceeded = errors.Wrap(domain.ErrRetryable, "budget emergency in effect")
	ErrInProgress     = errors.Wrap(domain.ErrRetryable, "transaction is being processed")
)

// Computer 是分账计算器的抽象，calculator.Calculator 实现了它。
type Computer interface {
	Compute(event *domain.CompletionEvent, affiliate *domain.Affiliate, campaigns []domain.Campaign) (*domain.Split, error)
}

// Dispatcher 负责落库与通知扇出。
type Dispatcher interface {
	Dispatch(ctx context.Context, event *domain.CompletionEvent, split *domain.Split) (*DispatchResult, error)
}

// FailedRecipient 是一次未送达的通知。
type FailedRecipient struct {
	Recipient domain.Recipient `json:"recipient"`
	Reason    string           `json:"reason"`
	Permanent bool             `json:"permanent"`
}

// DispatchResult 描述落库与通知的结果。OrderPersisted 为 true 时通知失败不影响完成状态。
type DispatchResult struct {
	OrderPersisted bool               `json:"orderPersisted"`
	OrderID        string             `json:"orderId"`
	Created        bool               `json:"created"`
	Sent           []domain.Recipient `json:"sent,omitempty"`
	Skipped        []domain.Recipient `json:"skipped,omitempty"`
	Failed         []FailedRecipient  `json:"failed,omitempty"`
}

type Timeouts struct {
	Ledger  time.Duration
	Catalog time.Duration
}

// Deps 是责任链共享的出站端口，所有事件复用同一份。
type Deps struct {
	Tracer     trace.Tracer
	Governor   port.Governor
	Ledger     port.Ledger
	Affiliates port.AffiliateDirectory
	Campaigns  port.CampaignCatalog
	Calculator Computer
	Dispatcher Dispatcher
	Orders     domain.OrderRepository
	Alerts     port.AlertPublisher
	Timeouts   Timeouts
	OrderCost  decimal.Decimal
	Now        func() time.Time
	NewID      func() string

	// lookups 合并同一交易并发的重复查询
	lookups singleflight.Group
}

// ReconcileContext 在责任链中传递单个完成事件的处理状态。
type ReconcileContext struct {
	Ctx   context.Context
	Event *domain.CompletionEvent
	*Deps

	State     domain.ReconcileState
	Duplicate bool
	OrderID   string
	Split     *domain.Split
	Dispatch  *DispatchResult
}

func NewReconcileContext(ctx context.Context, deps *Deps, event *domain.CompletionEvent) *ReconcileContext {
	return &ReconcileContext{Ctx: ctx, Event: event, Deps: deps, State: domain.ReconcileReceived}
}

// Handler 是责任链中的一步。返回 error 即中止链路，State 记录中止时的阶段。
type Handler interface {
	SetNext(handler Handler) Handler
	Handle(rc *ReconcileContext) error
}

type NextHandler struct {
	next Handler
}

func (h *NextHandler) SetNext(handler Handler) Handler {
	h.next = handler
	return handler
}

func (h *NextHandler) executeNext(rc *ReconcileContext) error {
	if h.next != nil {
		return h.next.Handle(rc)
	}
	return nil
}

// Chain 把步骤串成链并返回链头。
func Chain(first Handler, rest ...Handler) Handler {
	cur := first
	for _, h := range rest {
		cur = cur.SetNext(h)
	}
	return first
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
