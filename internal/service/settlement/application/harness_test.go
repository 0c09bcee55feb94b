package application_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"
	"gorm.io/gorm"

	"nexus-settlement/internal/service/settlement/application"
	"nexus-settlement/internal/service/settlement/calculator"
	"nexus-settlement/internal/service/settlement/domain"
	"nexus-settlement/internal/service/settlement/domain/port"
	"nexus-settlement/internal/service/settlement/governor"
	"nexus-settlement/internal/service/settlement/infrastructure"
	"nexus-settlement/internal/service/settlement/infrastructure/dbtest"
	"nexus-settlement/internal/service/settlement/infrastructure/ledger"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fakeContent struct{}

func (fakeContent) Render(_ context.Context, req port.NotificationRequest) (port.RenderedContent, error) {
	return port.RenderedContent{
		Subject: fmt.Sprintf("Order %s completed", req.Order.ID),
		Text:    fmt.Sprintf("%s %s", req.Order.NetTotal.StringFixed(2), req.Order.Currency),
	}, nil
}

type fakeMail struct {
	mu      sync.Mutex
	failFor map[string]error
	sent    []string
}

func (m *fakeMail) Send(_ context.Context, msg port.MailMessage) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failFor[msg.To]; err != nil {
		return "", err
	}
	m.sent = append(m.sent, msg.To)
	return fmt.Sprintf("msg-%d", len(m.sent)), nil
}

func (m *fakeMail) setFailure(addr string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.failFor, addr)
		return
	}
	m.failFor[addr] = err
}

func (m *fakeMail) sentTo() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.sent...)
}

type recordingQueue struct {
	mu     sync.Mutex
	orders []string
}

func (q *recordingQueue) EnqueueResend(_ context.Context, orderID, _ string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.orders = append(q.orders, orderID)
	return nil
}

type recordingAlerts struct {
	mu     sync.Mutex
	alerts []port.Alert
}

func (r *recordingAlerts) Publish(_ context.Context, a port.Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, a)
	return nil
}

func (r *recordingAlerts) kinds() []port.AlertKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []port.AlertKind
	for _, a := range r.alerts {
		out = append(out, a.Kind)
	}
	return out
}

// flakyOrders 在 failing 为 true 时让落库失败，模拟数据库抖动。
type flakyOrders struct {
	*infrastructure.GormOrderRepository
	mu      sync.Mutex
	failing bool
}

func (f *flakyOrders) SaveFinalized(ctx context.Context, o *domain.Order) (*domain.Order, bool, error) {
	f.mu.Lock()
	failing := f.failing
	f.mu.Unlock()
	if failing {
		return nil, false, errors.New("deadlock found when trying to get lock")
	}
	return f.GormOrderRepository.SaveFinalized(ctx, o)
}

func (f *flakyOrders) setFailing(v bool) {
	f.mu.Lock()
	f.failing = v
	f.mu.Unlock()
}

type fakeLookup struct {
	events map[string]*domain.CompletionEvent
}

func (l fakeLookup) FetchCompletion(_ context.Context, transactionID string) (*domain.CompletionEvent, error) {
	if e, ok := l.events[transactionID]; ok {
		c := *e
		return &c, nil
	}
	return nil, errors.Wrap(domain.ErrTransactionUnknown, transactionID)
}

type harness struct {
	db         *gorm.DB
	clock      *fakeClock
	ledger     *ledger.MemoryLedger
	orders     *flakyOrders
	mail       *fakeMail
	queue      *recordingQueue
	alerts     *recordingAlerts
	lookup     fakeLookup
	governor   *governor.Governor
	gateway    *application.Gateway
	dispatcher *application.Dispatcher
}

type harnessOptions struct {
	orderLimit  int
	emailLimit  int
	adminEmails []string
	// noResendQueue 不配置补发队列
	noResendQueue bool
}

func newHarness(t *testing.T, opts harnessOptions) *harness {
	t.Helper()
	if opts.orderLimit == 0 {
		opts.orderLimit = 100
	}
	if opts.emailLimit == 0 {
		opts.emailLimit = 100
	}

	h := &harness{
		db:     dbtest.Open(t),
		clock:  &fakeClock{now: time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC)},
		mail:   &fakeMail{failFor: map[string]error{}},
		queue:  &recordingQueue{},
		alerts: &recordingAlerts{},
		lookup: fakeLookup{events: map[string]*domain.CompletionEvent{}},
	}
	h.ledger = ledger.NewMemoryLedger(ledger.WithClock(h.clock.Now))
	h.orders = &flakyOrders{GormOrderRepository: infrastructure.NewGormOrderRepository(h.db)}

	require.NoError(t, h.db.Create(&infrastructure.AffiliateModel{ID: "aff-1", Code: "ALICE", Email: "alice@example.com", Rate: dec("0.1"), Active: true}).Error)
	require.NoError(t, h.db.Create(&infrastructure.CampaignModel{ID: "summer", GroupTag: "summer", SharePct: dec("0.5"), Active: true}).Error)

	gov, err := governor.New(governor.Config{
		Categories: map[port.Category]governor.CategoryLimit{
			port.CategoryOrderProcessing: {PerWindow: opts.orderLimit, Window: time.Minute, Critical: true},
			port.CategoryEmailSending:    {PerWindow: opts.emailLimit, Window: time.Minute, Critical: true},
			port.CategoryAPI:             {PerWindow: 100, Window: time.Minute},
		},
		Retention: time.Minute,
	}, governor.WithClock(h.clock.Now))
	require.NoError(t, err)
	h.governor = gov

	calc, err := calculator.New(calculator.Config{VATRate: dec("0.25"), ExcludeShipping: true})
	require.NoError(t, err)

	tracer := noop.NewTracerProvider().Tracer("test")
	catalog := infrastructure.NewGormCatalog(h.db)

	var queue port.ResendQueue = h.queue
	if opts.noResendQueue {
		queue = nil
	}
	dcfg := application.DefaultDispatcherConfig()
	dcfg.AdminEmails = opts.adminEmails
	h.dispatcher = application.NewDispatcher(dcfg, tracer, application.DispatcherDeps{
		Orders:      h.orders,
		Log:         h.orders,
		Affiliates:  catalog,
		Content:     fakeContent{},
		Mail:        h.mail,
		Governor:    gov,
		ResendQueue: queue,
	}, application.WithDispatcherClock(h.clock.Now))

	h.gateway = application.NewGateway(application.DefaultGatewayConfig(), tracer, application.GatewayDeps{
		Governor:   gov,
		Ledger:     h.ledger,
		Affiliates: catalog,
		Campaigns:  catalog,
		Calculator: calc,
		Dispatcher: h.dispatcher,
		Orders:     h.orders,
		Alerts:     h.alerts,
		Lookup:     h.lookup,
	}, application.WithGatewayClock(h.clock.Now))
	return h
}

// scenarioEvent 是 89 元含 25% 增值税、参与 50% 分成活动的订单。
func scenarioEvent(txID string) *domain.CompletionEvent {
	return &domain.CompletionEvent{
		TransactionID: txID,
		RawAmount:     dec("89"),
		Currency:      "eur",
		LineItems: []domain.LineItem{
			{ProductRef: "sunscreen", Quantity: 1, UnitPrice: dec("89"), GroupTags: []string{"summer"}},
		},
		Customer: domain.Customer{Email: "buyer@example.com", Name: "Buyer"},
	}
}

func (h *harness) count(t *testing.T, model interface{}) int64 {
	t.Helper()
	var n int64
	require.NoError(t, h.db.Model(model).Count(&n).Error)
	return n
}
