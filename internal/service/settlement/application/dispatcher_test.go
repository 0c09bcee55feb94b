package application_test

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nexus-settlement/internal/service/settlement/application"
	"nexus-settlement/internal/service/settlement/domain"
	"nexus-settlement/internal/service/settlement/domain/port"
	"nexus-settlement/internal/service/settlement/infrastructure"
)

func TestDispatcher_FailureIsolatedThenResendIsIdempotent(t *testing.T) {
	h := newHarness(t, harnessOptions{adminEmails: []string{"ops@example.com"}})
	ctx := context.Background()
	h.mail.setFailure("ops@example.com", &port.DeliveryError{Code: "timeout", Err: errors.New("relay timeout")})

	res := h.gateway.Handle(ctx, domain.ChannelClientCall, scenarioEvent("txn-partial"))
	require.Equal(t, application.OutcomeFinalized, res.Outcome, res.Reason)
	require.NotNil(t, res.Dispatch)
	require.Len(t, res.Dispatch.Failed, 1)
	assert.Equal(t, domain.RecipientAdmin, res.Dispatch.Failed[0].Recipient.Kind)
	assert.False(t, res.Dispatch.Failed[0].Permanent)

	order, err := h.orders.FindByID(ctx, res.OrderID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateNotificationPartial, order.State)
	assert.Equal(t, []string{res.OrderID}, h.queue.orders)

	rec, err := h.ledger.Get(ctx, "txn-partial")
	require.NoError(t, err)
	assert.Equal(t, domain.LedgerFinalized, rec.State, "a notification failure never un-finalizes the order")

	h.mail.setFailure("ops@example.com", nil)
	resent, err := h.dispatcher.Resend(ctx, res.OrderID)
	require.NoError(t, err)
	assert.Equal(t, []domain.Recipient{{Kind: domain.RecipientAdmin, Address: "ops@example.com", Language: "en"}}, resent.Sent)
	require.Len(t, resent.Skipped, 1)
	assert.Equal(t, domain.RecipientCustomer, resent.Skipped[0].Kind)

	order, err = h.orders.FindByID(ctx, res.OrderID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateNotified, order.State)

	again, err := h.dispatcher.Resend(ctx, res.OrderID)
	require.NoError(t, err)
	assert.Empty(t, again.Sent)
	assert.Len(t, again.Skipped, 2)
	assert.Equal(t, []string{"buyer@example.com", "ops@example.com"}, h.mail.sentTo())

	var attempts []infrastructure.NotificationAttemptModel
	require.NoError(t, h.db.Where("order_id = ?", res.OrderID).Order("kind").Find(&attempts).Error)
	require.Len(t, attempts, 2)
	assert.Equal(t, 2, attempts[0].Attempts, "admin was tried twice")
}

func TestDispatcher_PermanentFailureIsNotQueued(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	h.mail.setFailure("buyer@example.com", &port.DeliveryError{Code: "mailbox_unavailable", Permanent: true, Err: errors.New("no such user")})

	res := h.gateway.Handle(context.Background(), domain.ChannelWebhook, scenarioEvent("txn-bounce"))
	require.Equal(t, application.OutcomeFinalized, res.Outcome)
	require.Len(t, res.Dispatch.Failed, 1)
	assert.True(t, res.Dispatch.Failed[0].Permanent)
	assert.Empty(t, h.queue.orders)
}

func TestDispatcher_EmailGovernorGatesEachRecipient(t *testing.T) {
	h := newHarness(t, harnessOptions{emailLimit: 1, adminEmails: []string{"ops@example.com"}})

	res := h.gateway.Handle(context.Background(), domain.ChannelClientCall, scenarioEvent("txn-gated"))
	require.Equal(t, application.OutcomeFinalized, res.Outcome, res.Reason)
	assert.Len(t, res.Dispatch.Sent, 1)
	require.Len(t, res.Dispatch.Failed, 1)
	assert.Contains(t, res.Dispatch.Failed[0].Reason, "throttled")
	assert.Len(t, h.mail.sentTo(), 1)
	assert.Len(t, h.queue.orders, 1)
}

func TestDispatcher_ResendUnknownOrder(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	_, err := h.dispatcher.Resend(context.Background(), "ord-missing")
	assert.True(t, errors.Is(err, domain.ErrOrderNotFound))
}

func TestDispatcher_TransientFailureWithoutResendQueue(t *testing.T) {
	h := newHarness(t, harnessOptions{noResendQueue: true})
	ctx := context.Background()
	h.mail.setFailure("buyer@example.com", &port.DeliveryError{Code: "timeout", Err: errors.New("relay timeout")})

	res := h.gateway.Handle(ctx, domain.ChannelClientCall, scenarioEvent("txn-no-queue"))
	require.Equal(t, application.OutcomeFinalized, res.Outcome, res.Reason)
	require.Len(t, res.Dispatch.Failed, 1)
	assert.False(t, res.Dispatch.Failed[0].Permanent)
	assert.Empty(t, h.queue.orders)

	order, err := h.orders.FindByID(ctx, res.OrderID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateNotificationPartial, order.State)
}
