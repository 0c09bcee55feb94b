package interfaces

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"

	"nexus-settlement/internal/pkg/logger"
	"nexus-settlement/internal/service/settlement/application"
	"nexus-settlement/internal/service/settlement/application/pipeline"
	"nexus-settlement/internal/service/settlement/domain"
	"nexus-settlement/internal/service/settlement/governor"
)

const serviceName = "settlement-service"

// maxBodyBytes 限制入站载荷大小
const maxBodyBytes = 1 << 20

type CompletionGateway interface {
	Handle(ctx context.Context, channel domain.SourceChannel, event *domain.CompletionEvent) application.Result
	Backfill(ctx context.Context, req application.BackfillRequest) application.Result
}

type Resender interface {
	Resend(ctx context.Context, orderID string) (*pipeline.DispatchResult, error)
}

type SweepRunner interface {
	RunOnce(ctx context.Context) (application.SweepReport, error)
}

type LedgerReader interface {
	Get(ctx context.Context, transactionID string) (*domain.IdempotencyRecord, error)
}

type OrderReader interface {
	FindByID(ctx context.Context, id string) (*domain.Order, error)
}

type GovernorSnapshotter interface {
	Snapshot() governor.Snapshot
}

// SettlementHandler 封装了结算服务的 HTTP 处理器
type SettlementHandler struct {
	Gateway  CompletionGateway
	Resender Resender
	Sweeper  SweepRunner
	Ledger   LedgerReader
	Orders   OrderReader
	Governor GovernorSnapshotter
	Alerts   *AlertHub
	Limiter  *ClientLimiter
}

// Routes 返回完整的路由树，供 bootstrap 挂载。
func (h *SettlementHandler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Recoverer, Tracing(serviceName))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.With(h.Limiter.Middleware).Post("/orders/complete", h.completeOrder)
		r.Post("/webhooks/payments", h.paymentWebhook)
	})

	r.Route("/admin", func(r chi.Router) {
		r.Post("/backfill", h.backfill)
		r.Get("/orders/{orderId}", h.getOrder)
		r.Post("/orders/{orderId}/notifications/resend", h.resend)
		r.Get("/ledger/{transactionId}", h.getLedgerRecord)
		r.Post("/ledger/sweep", h.sweep)
		r.Get("/governor", h.governorSnapshot)
		if h.Alerts != nil {
			r.Get("/alerts/ws", h.Alerts.ServeWS)
		}
	})
	return r
}

func (h *SettlementHandler) completeOrder(w http.ResponseWriter, r *http.Request) {
	h.ingest(w, r, domain.ChannelClientCall)
}

// paymentWebhook 接收已经验签的服务商回调。
func (h *SettlementHandler) paymentWebhook(w http.ResponseWriter, r *http.Request) {
	h.ingest(w, r, domain.ChannelWebhook)
}

func (h *SettlementHandler) ingest(w http.ResponseWriter, r *http.Request, channel domain.SourceChannel) {
	var event domain.CompletionEvent
	if err := decodeJSON(w, r, &event); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	res := h.Gateway.Handle(r.Context(), channel, &event)
	writeResult(w, res)
}

func (h *SettlementHandler) backfill(w http.ResponseWriter, r *http.Request) {
	var req application.BackfillRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	res := h.Gateway.Backfill(r.Context(), req)
	writeJSON(w, statusFor(res), res.ToBackfillResponse(), res)
}

func (h *SettlementHandler) resend(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderId")
	res, err := h.Resender.Resend(r.Context(), orderID)
	switch {
	case errors.Is(err, domain.ErrOrderNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case err != nil:
		logger.Ctx(r.Context()).Error().Err(err).Str("order_id", orderID).Msg("resend failed")
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		writeJSON(w, http.StatusOK, res, application.Result{})
	}
}

func (h *SettlementHandler) getOrder(w http.ResponseWriter, r *http.Request) {
	order, err := h.Orders.FindByID(r.Context(), chi.URLParam(r, "orderId"))
	switch {
	case errors.Is(err, domain.ErrOrderNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case err != nil:
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		writeJSON(w, http.StatusOK, toOrderView(order), application.Result{})
	}
}

func (h *SettlementHandler) getLedgerRecord(w http.ResponseWriter, r *http.Request) {
	rec, err := h.Ledger.Get(r.Context(), chi.URLParam(r, "transactionId"))
	switch {
	case errors.Is(err, domain.ErrLedgerRecordMissing):
		writeError(w, http.StatusNotFound, err.Error())
	case err != nil:
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		writeJSON(w, http.StatusOK, toLedgerView(rec), application.Result{})
	}
}

func (h *SettlementHandler) sweep(w http.ResponseWriter, r *http.Request) {
	report, err := h.Sweeper.RunOnce(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, report, application.Result{})
}

func (h *SettlementHandler) governorSnapshot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Governor.Snapshot(), application.Result{})
}

// statusFor 把处理结果映射为 HTTP 状态码：已完成 200，需重投 429/503，拒绝 422。
func statusFor(res application.Result) int {
	switch res.Outcome {
	case application.OutcomeFinalized, application.OutcomeDuplicate:
		return http.StatusOK
	case application.OutcomeRejected:
		return http.StatusUnprocessableEntity
	}
	if res.Throttled {
		return http.StatusTooManyRequests
	}
	return http.StatusServiceUnavailable
}

func writeResult(w http.ResponseWriter, res application.Result) {
	writeJSON(w, statusFor(res), res, res)
}

func writeJSON(w http.ResponseWriter, status int, body interface{}, res application.Result) {
	if res.Throttled && res.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(res.RetryAfter.Seconds()))))
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return errors.Wrap(err, "malformed json body")
	}
	return nil
}

type commissionView struct {
	AffiliateID       string          `json:"affiliateId"`
	BaseForCommission decimal.Decimal `json:"baseForCommission"`
	Rate              decimal.Decimal `json:"rate"`
	Amount            decimal.Decimal `json:"amount"`
}

type shareView struct {
	CampaignID      string          `json:"campaignId"`
	EligibleRevenue decimal.Decimal `json:"eligibleRevenue"`
	SharePct        decimal.Decimal `json:"sharePct"`
	CampaignAmount  decimal.Decimal `json:"campaignAmount"`
	CompanyAmount   decimal.Decimal `json:"companyAmount"`
}

type orderView struct {
	ID             string               `json:"id"`
	TransactionID  string               `json:"transactionId"`
	SourceChannel  domain.SourceChannel `json:"sourceChannel"`
	State          domain.State         `json:"state"`
	Currency       string               `json:"currency"`
	Subtotal       decimal.Decimal      `json:"subtotal"`
	NetTotal       decimal.Decimal      `json:"netTotal"`
	AffiliateCode  string               `json:"affiliateCode,omitempty"`
	Unattributed   bool                 `json:"unattributed"`
	Commission     *commissionView      `json:"commission,omitempty"`
	CampaignShares []shareView          `json:"campaignShares"`
	CreatedAt      time.Time            `json:"createdAt"`
}

func toOrderView(o *domain.Order) orderView {
	v := orderView{
		ID: o.ID, TransactionID: o.TransactionID, SourceChannel: o.SourceChannel, State: o.State,
		Currency: o.Currency, Subtotal: o.Subtotal, NetTotal: o.NetTotal,
		AffiliateCode: o.AffiliateCode, Unattributed: o.Unattributed, CreatedAt: o.CreatedAt,
		CampaignShares: make([]shareView, 0, len(o.CampaignShares)),
	}
	if c := o.Commission; c != nil {
		v.Commission = &commissionView{AffiliateID: c.AffiliateID, BaseForCommission: c.BaseForCommission, Rate: c.Rate, Amount: c.Amount}
	}
	for _, s := range o.CampaignShares {
		v.CampaignShares = append(v.CampaignShares, shareView{
			CampaignID: s.CampaignID, EligibleRevenue: s.EligibleRevenue, SharePct: s.SharePct,
			CampaignAmount: s.CampaignAmount, CompanyAmount: s.CompanyAmount,
		})
	}
	return v
}

type ledgerView struct {
	TransactionID string             `json:"transactionId"`
	State         domain.LedgerState `json:"state"`
	OrderID       string             `json:"orderId,omitempty"`
	Reason        string             `json:"reason,omitempty"`
	Attempts      int                `json:"attempts"`
	Swept         bool               `json:"swept"`
	StartedAt     time.Time          `json:"startedAt"`
	UpdatedAt     time.Time          `json:"updatedAt"`
}

func toLedgerView(r *domain.IdempotencyRecord) ledgerView {
	return ledgerView{
		TransactionID: r.TransactionID, State: r.State, OrderID: r.OrderID, Reason: r.Reason,
		Attempts: r.Attempts, Swept: r.Swept, StartedAt: r.StartedAt, UpdatedAt: r.UpdatedAt,
	}
}
