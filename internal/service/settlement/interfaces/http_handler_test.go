package interfaces_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nexus-settlement/internal/service/settlement/application"
	"nexus-settlement/internal/service/settlement/application/pipeline"
	"nexus-settlement/internal/service/settlement/domain"
	"nexus-settlement/internal/service/settlement/governor"
	"nexus-settlement/internal/service/settlement/interfaces"
)

type stubGateway struct {
	result   application.Result
	channels []domain.SourceChannel
	backfill application.BackfillRequest
}

func (g *stubGateway) Handle(_ context.Context, ch domain.SourceChannel, _ *domain.CompletionEvent) application.Result {
	g.channels = append(g.channels, ch)
	return g.result
}

func (g *stubGateway) Backfill(_ context.Context, req application.BackfillRequest) application.Result {
	g.backfill = req
	return g.result
}

type stubResender struct{}

func (stubResender) Resend(_ context.Context, orderID string) (*pipeline.DispatchResult, error) {
	if orderID != "ord-1" {
		return nil, errors.Wrap(domain.ErrOrderNotFound, orderID)
	}
	return &pipeline.DispatchResult{OrderPersisted: true, OrderID: orderID, Skipped: []domain.Recipient{{Kind: domain.RecipientCustomer}}}, nil
}

type stubOrders struct{}

func (stubOrders) FindByID(_ context.Context, id string) (*domain.Order, error) {
	if id != "ord-1" {
		return nil, domain.ErrOrderNotFound
	}
	return &domain.Order{
		ID: "ord-1", TransactionID: "txn-1", Currency: "EUR", State: domain.StateNotified,
		NetTotal:       decimal.RequireFromString("71.2"),
		CampaignShares: []domain.CampaignShareRecord{{CampaignID: "summer", CampaignAmount: decimal.RequireFromString("35.6")}},
	}, nil
}

type stubLedger struct{}

func (stubLedger) Get(_ context.Context, id string) (*domain.IdempotencyRecord, error) {
	if id != "txn-1" {
		return nil, domain.ErrLedgerRecordMissing
	}
	return &domain.IdempotencyRecord{TransactionID: id, State: domain.LedgerFinalized, OrderID: "ord-1", Attempts: 1}, nil
}

type stubSweeper struct{}

func (stubSweeper) RunOnce(context.Context) (application.SweepReport, error) {
	return application.SweepReport{Resumed: 2, Finalized: 1}, nil
}

type stubGovernor struct{}

func (stubGovernor) Snapshot() governor.Snapshot {
	return governor.Snapshot{Daily: governor.BudgetSnapshot{PeriodKey: "daily:2026-10-19"}}
}

func newHandler(g *stubGateway, limiter *interfaces.ClientLimiter) http.Handler {
	h := &interfaces.SettlementHandler{
		Gateway:  g,
		Resender: stubResender{},
		Sweeper:  stubSweeper{},
		Ledger:   stubLedger{},
		Orders:   stubOrders{},
		Governor: stubGovernor{},
		Limiter:  limiter,
	}
	return h.Routes()
}

const body = `{"transactionId":"txn-1","currency":"EUR","lineItems":[{"productRef":"p","quantity":1,"unitPrice":"89"}]}`

func TestIngressStatusMapping(t *testing.T) {
	tests := []struct {
		name       string
		result     application.Result
		status     int
		retryAfter string
	}{
		{"finalized", application.Result{Outcome: application.OutcomeFinalized, OrderID: "ord-1"}, http.StatusOK, ""},
		{"duplicate", application.Result{Outcome: application.OutcomeDuplicate, OrderID: "ord-1"}, http.StatusOK, ""},
		{"throttled", application.Result{Outcome: application.OutcomeRetryable, Throttled: true, RetryAfter: 1500 * time.Millisecond}, http.StatusTooManyRequests, "2"},
		{"retryable", application.Result{Outcome: application.OutcomeRetryable, Reason: "db down"}, http.StatusServiceUnavailable, ""},
		{"rejected", application.Result{Outcome: application.OutcomeRejected, Reason: "bad"}, http.StatusUnprocessableEntity, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := &stubGateway{result: tt.result}
			srv := newHandler(g, nil)

			rec := httptest.NewRecorder()
			srv.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/webhooks/payments", strings.NewReader(body)))
			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, tt.retryAfter, rec.Header().Get("Retry-After"))

			var got application.Result
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
			assert.Equal(t, tt.result.Outcome, got.Outcome)
			assert.Equal(t, []domain.SourceChannel{domain.ChannelWebhook}, g.channels)
		})
	}
}

func TestIngress_MalformedBodyIs400(t *testing.T) {
	g := &stubGateway{}
	rec := httptest.NewRecorder()
	newHandler(g, nil).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/orders/complete", strings.NewReader("{not json")))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, g.channels)
}

func TestClientCallIsRateLimitedPerClient(t *testing.T) {
	g := &stubGateway{result: application.Result{Outcome: application.OutcomeFinalized}}
	srv := newHandler(g, interfaces.NewClientLimiter(0.001, 2, time.Minute))

	send := func(client string) int {
		req := httptest.NewRequest(http.MethodPost, "/v1/orders/complete", strings.NewReader(body))
		req.Header.Set(interfaces.ClientIDHeader, client)
		rec := httptest.NewRecorder()
		srv.ServeHTTP(rec, req)
		return rec.Code
	}
	assert.Equal(t, http.StatusOK, send("shop-a"))
	assert.Equal(t, http.StatusOK, send("shop-a"))
	assert.Equal(t, http.StatusTooManyRequests, send("shop-a"))
	assert.Equal(t, http.StatusOK, send("shop-b"))
	assert.Equal(t, []domain.SourceChannel{domain.ChannelClientCall, domain.ChannelClientCall, domain.ChannelClientCall}, g.channels)
}

func TestAdminRoutes(t *testing.T) {
	g := &stubGateway{result: application.Result{Outcome: application.OutcomeDuplicate, OrderID: "ord-1"}}
	srv := newHandler(g, nil)

	do := func(method, path, payload string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		srv.ServeHTTP(rec, httptest.NewRequest(method, path, strings.NewReader(payload)))
		return rec
	}

	rec := do(http.MethodPost, "/admin/backfill", `{"transactionId":"txn-1"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var bf application.BackfillResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &bf))
	assert.Equal(t, application.BackfillResponse{Success: true, Duplicate: true, OrderID: "ord-1"}, bf)
	assert.Equal(t, "txn-1", g.backfill.TransactionID)

	rec = do(http.MethodGet, "/admin/orders/ord-1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"campaignAmount":"35.6"`)
	assert.Equal(t, http.StatusNotFound, do(http.MethodGet, "/admin/orders/ord-2", "").Code)

	assert.Equal(t, http.StatusOK, do(http.MethodPost, "/admin/orders/ord-1/notifications/resend", "").Code)
	assert.Equal(t, http.StatusNotFound, do(http.MethodPost, "/admin/orders/ord-9/notifications/resend", "").Code)

	rec = do(http.MethodGet, "/admin/ledger/txn-1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"state":"finalized"`)
	assert.Equal(t, http.StatusNotFound, do(http.MethodGet, "/admin/ledger/txn-2", "").Code)

	rec = do(http.MethodPost, "/admin/ledger/sweep", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"resumed":2`)

	rec = do(http.MethodGet, "/admin/governor", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "daily:2026-10-19")

	assert.Equal(t, http.StatusOK, do(http.MethodGet, "/healthz", "").Code)
}
