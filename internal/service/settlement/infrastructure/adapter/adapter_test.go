package adapter_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"nexus-settlement/internal/pkg/httpclient"
	"nexus-settlement/internal/service/settlement/domain"
	"nexus-settlement/internal/service/settlement/domain/port"
	"nexus-settlement/internal/service/settlement/infrastructure/adapter"
)

type recordingWriter struct {
	msgs []kafka.Message
	err  error
}

func (w *recordingWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func newClient() *httpclient.Client {
	return httpclient.NewClient(noop.NewTracerProvider().Tracer("test"), nil)
}

func TestMailHTTPAdapter_Send(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var msg port.MailMessage
		require.NoError(t, json.NewDecoder(r.Body).Decode(&msg))
		switch msg.To {
		case "ok@example.com":
			assert.Equal(t, "orders@example.com", msg.From)
			_ = json.NewEncoder(w).Encode(map[string]string{"messageId": "m-1"})
		case "bounce@example.com":
			w.WriteHeader(http.StatusUnprocessableEntity)
			_, _ = w.Write([]byte(`{"code":"mailbox_unavailable","message":"no such user"}`))
		case "busy@example.com":
			w.WriteHeader(http.StatusServiceUnavailable)
		case "override@example.com":
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"code":"greylisted","permanent":false}`))
		}
	}))
	defer srv.Close()

	a := adapter.NewMailHTTPAdapter(newClient(), srv.URL, "orders@example.com")
	ctx := context.Background()

	id, err := a.Send(ctx, port.MailMessage{To: "ok@example.com", Subject: "s", Text: "t"})
	require.NoError(t, err)
	assert.Equal(t, "m-1", id)

	tests := []struct {
		to        string
		code      string
		permanent bool
	}{
		{"bounce@example.com", "mailbox_unavailable", true},
		{"busy@example.com", "Service Unavailable", false},
		{"override@example.com", "greylisted", false},
	}
	for _, tt := range tests {
		t.Run(tt.to, func(t *testing.T) {
			_, err := a.Send(ctx, port.MailMessage{To: tt.to})
			var derr *port.DeliveryError
			require.True(t, errors.As(err, &derr))
			assert.Equal(t, tt.code, derr.Code)
			assert.Equal(t, tt.permanent, derr.Permanent)
		})
	}
}

func TestMailHTTPAdapter_TransportErrorIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := adapter.NewMailHTTPAdapter(newClient(), url, "x@example.com").Send(context.Background(), port.MailMessage{To: "a@example.com"})
	var derr *port.DeliveryError
	require.True(t, errors.As(err, &derr))
	assert.Equal(t, "transport", derr.Code)
	assert.False(t, derr.Permanent)
}

func TestContentHTTPAdapter_Render(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/render", r.URL.Path)
		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "order-completed-affiliate", body["template"])
		assert.Equal(t, "8.90", body["commission"])
		_ = json.NewEncoder(w).Encode(port.RenderedContent{Subject: "Commission earned", Text: "8.90 EUR"})
	}))
	defer srv.Close()

	order := &domain.Order{
		ID: "ord-1", TransactionID: "txn-1", Currency: "EUR",
		Subtotal: decimal.RequireFromString("89"), NetTotal: decimal.RequireFromString("71.2"),
		Commission: &domain.CommissionRecord{Amount: decimal.RequireFromString("8.90")},
	}
	out, err := adapter.NewContentHTTPAdapter(newClient(), srv.URL).Render(context.Background(), port.NotificationRequest{
		Recipient: domain.Recipient{Kind: domain.RecipientAffiliate, Address: "aff@example.com"},
		Order:     order,
		Language:  "en",
	})
	require.NoError(t, err)
	assert.Equal(t, "Commission earned", out.Subject)
}

func TestContentHTTPAdapter_EmptyContentIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	_, err := adapter.NewContentHTTPAdapter(newClient(), srv.URL).Render(context.Background(), port.NotificationRequest{
		Recipient: domain.Recipient{Kind: domain.RecipientCustomer},
		Order:     &domain.Order{ID: "ord-1"},
	})
	assert.Error(t, err)
}

func TestLookupHTTPAdapter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/transactions/txn-9" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write([]byte(`{"currency":"EUR","rawAmount":"89","lineItems":[{"productRef":"p","quantity":1,"unitPrice":"89"}]}`))
	}))
	defer srv.Close()

	a := adapter.NewLookupHTTPAdapter(newClient(), srv.URL)
	ev, err := a.FetchCompletion(context.Background(), "txn-9")
	require.NoError(t, err)
	assert.Equal(t, "txn-9", ev.TransactionID)
	assert.True(t, ev.RawAmount.Equal(decimal.NewFromInt(89)))

	_, err = a.FetchCompletion(context.Background(), "txn-missing")
	assert.True(t, errors.Is(err, domain.ErrTransactionUnknown))
}

func TestAlertKafkaAdapter_KeysByTransaction(t *testing.T) {
	w := &recordingWriter{}
	a := adapter.NewAlertKafkaAdapter(w)

	require.NoError(t, a.Publish(context.Background(), port.Alert{Kind: port.AlertComputeFailed, TransactionID: "txn-1", Reason: "overlap"}))
	require.NoError(t, a.Publish(context.Background(), port.Alert{Kind: port.AlertBudgetWarning}))
	require.Len(t, w.msgs, 2)
	assert.Equal(t, "txn-1", string(w.msgs[0].Key))
	assert.Equal(t, string(port.AlertBudgetWarning), string(w.msgs[1].Key))

	var got port.Alert
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &got))
	assert.Equal(t, "overlap", got.Reason)
}

type failingPublisher struct{ calls int }

func (f *failingPublisher) Publish(context.Context, port.Alert) error {
	f.calls++
	return errors.New("down")
}

func TestMultiAlertPublisher_ContinuesAfterFailure(t *testing.T) {
	first := &failingPublisher{}
	w := &recordingWriter{}
	multi := adapter.MultiAlertPublisher{first, adapter.NewAlertKafkaAdapter(w)}

	err := multi.Publish(context.Background(), port.Alert{Kind: port.AlertStaleExhausted, TransactionID: "txn-2"})
	assert.Error(t, err)
	assert.Equal(t, 1, first.calls)
	assert.Len(t, w.msgs, 1)
}

func TestResendKafkaAdapter(t *testing.T) {
	w := &recordingWriter{}
	a := adapter.NewResendKafkaAdapter(w)
	require.NoError(t, a.EnqueueResend(context.Background(), "ord-7", "relay timeout"))

	require.Len(t, w.msgs, 1)
	assert.Equal(t, "ord-7", string(w.msgs[0].Key))
	var msg adapter.ResendMessage
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &msg))
	assert.Equal(t, "relay timeout", msg.Reason)
	assert.WithinDuration(t, time.Now(), msg.RequestedAt, time.Minute)

	w.err = errors.New("broker down")
	assert.Error(t, a.EnqueueResend(context.Background(), "ord-8", "x"))
}
