package application_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nexus-settlement/internal/service/settlement/application"
	"nexus-settlement/internal/service/settlement/domain"
	"nexus-settlement/internal/service/settlement/domain/port"
	"nexus-settlement/internal/service/settlement/infrastructure"
)

type stubLocker struct {
	held     bool
	released int
}

func (l *stubLocker) TryLock(context.Context, string) (func() error, bool, error) {
	if l.held {
		return nil, false, nil
	}
	return func() error { l.released++; return nil }, true, nil
}

func TestSweeper_ResumesStuckRecordOnce(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	ctx := context.Background()
	locker := &stubLocker{}
	sweeper := application.NewSweeper(application.SweeperConfig{MaxAge: 5 * time.Minute}, h.ledger, h.gateway, locker, h.alerts)

	h.orders.setFailing(true)
	require.Equal(t, application.OutcomeRetryable, h.gateway.Handle(ctx, domain.ChannelWebhook, scenarioEvent("txn-stuck")).Outcome)
	h.orders.setFailing(false)

	report, err := sweeper.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Resumed, "fresh records are left alone")

	h.clock.Advance(10 * time.Minute)
	report, err = sweeper.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Resumed)
	assert.Equal(t, 1, report.Finalized)
	assert.Equal(t, 2, locker.released)

	rec, err := h.ledger.Get(ctx, "txn-stuck")
	require.NoError(t, err)
	assert.Equal(t, domain.LedgerFinalized, rec.State)
	assert.EqualValues(t, 1, h.count(t, &infrastructure.OrderModel{}))

	dup := h.gateway.Handle(ctx, domain.ChannelClientCall, scenarioEvent("txn-stuck"))
	assert.Equal(t, application.OutcomeDuplicate, dup.Outcome)
	assert.Equal(t, rec.OrderID, dup.OrderID)
}

func TestSweeper_FailedRecoveryMarksRecordFailed(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	ctx := context.Background()
	sweeper := application.NewSweeper(application.SweeperConfig{MaxAge: 5 * time.Minute}, h.ledger, h.gateway, nil, h.alerts)

	h.orders.setFailing(true)
	h.gateway.Handle(ctx, domain.ChannelWebhook, scenarioEvent("txn-dead"))

	h.clock.Advance(10 * time.Minute)
	report, err := sweeper.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Resumed)
	assert.Zero(t, report.Finalized)
	assert.Equal(t, []string{"txn-dead"}, report.Exhausted)
	assert.Equal(t, []port.AlertKind{port.AlertStaleExhausted}, h.alerts.kinds())

	// 不必等到下一次扫描
	rec, err := h.ledger.Get(ctx, "txn-dead")
	require.NoError(t, err)
	assert.Equal(t, domain.LedgerFailedRetryable, rec.State)
	assert.Contains(t, rec.Reason, "recovery retry failed")

	h.clock.Advance(10 * time.Minute)
	report, err = sweeper.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Resumed)
	assert.Empty(t, report.Exhausted)
	assert.Len(t, h.alerts.kinds(), 1)

	// 人工修复后，重投会被重新准入
	h.orders.setFailing(false)
	assert.Equal(t, application.OutcomeFinalized, h.gateway.Handle(ctx, domain.ChannelWebhook, scenarioEvent("txn-dead")).Outcome)
}

func TestSweeper_RecordStuckAgainAfterRecoveryIsExhausted(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	ctx := context.Background()
	sweeper := application.NewSweeper(application.SweeperConfig{MaxAge: 5 * time.Minute}, h.ledger, stuckResumer{}, nil, h.alerts)

	h.orders.setFailing(true)
	h.gateway.Handle(ctx, domain.ChannelWebhook, scenarioEvent("txn-hung"))

	h.clock.Advance(10 * time.Minute)
	report, err := sweeper.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Resumed)
	assert.Empty(t, report.Exhausted, "the resume is still running")

	h.clock.Advance(10 * time.Minute)
	report, err = sweeper.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"txn-hung"}, report.Exhausted)
	assert.Equal(t, []port.AlertKind{port.AlertStaleExhausted}, h.alerts.kinds())

	rec, err := h.ledger.Get(ctx, "txn-hung")
	require.NoError(t, err)
	assert.Equal(t, domain.LedgerFailedRetryable, rec.State)
}

// stuckResumer 模拟重放结束后账本提交丢失，记录仍停留在 in_progress。
type stuckResumer struct{}

func (stuckResumer) Resume(context.Context, domain.IdempotencyRecord) application.Result {
	return application.Result{Outcome: application.OutcomeFinalized}
}

func TestSweeper_SkipsWhenAnotherInstanceHoldsTheLock(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	sweeper := application.NewSweeper(application.SweeperConfig{MaxAge: time.Minute}, h.ledger, h.gateway, &stubLocker{held: true}, h.alerts)

	report, err := sweeper.RunOnce(context.Background())
	require.NoError(t, err)
	assert.True(t, report.Skipped)
}

func TestSweeper_StopWithoutStart(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	sweeper := application.NewSweeper(application.SweeperConfig{Interval: time.Hour}, h.ledger, h.gateway, nil, nil)
	sweeper.Stop()
	sweeper.Stop()
}
