package application

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"nexus-settlement/internal/pkg/logger"
	"nexus-settlement/internal/service/settlement/domain"
	"nexus-settlement/internal/service/settlement/domain/port"
)

// SweepLockResource 是恢复扫描在 ZooKeeper 中的锁资源名。
const SweepLockResource = "settlement-ledger-sweep"

// Resumer 从 Computed 阶段重新驱动一条账本记录，Gateway 实现了它。
type Resumer interface {
	Resume(ctx context.Context, rec domain.IdempotencyRecord) Result
}

type SweeperConfig struct {
	MaxAge   time.Duration `yaml:"staleAfter"`
	Interval time.Duration `yaml:"sweepInterval"`
}

// Sweeper 定期找出卡在 in_progress 的账本记录并重放一次；重放失败或再次卡住时转为 failed_retryable 并告警。
type Sweeper struct {
	cfg     SweeperConfig
	ledger  port.Ledger
	resumer Resumer
	locker  port.Locker
	alerts  port.AlertPublisher
	now     func() time.Time

	startOnce sync.Once
	stopOnce  sync.Once
	stop      chan struct{}
	done      chan struct{}
}

// NewSweeper locker 为 nil 时不做集群互斥，适用于单实例部署。
func NewSweeper(cfg SweeperConfig, ledger port.Ledger, resumer Resumer, locker port.Locker, alerts port.AlertPublisher) *Sweeper {
	return &Sweeper{
		cfg:     cfg,
		ledger:  ledger,
		resumer: resumer,
		locker:  locker,
		alerts:  alerts,
		now:     time.Now,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// RunOnce 执行一次扫描。其它实例持有锁时返回 Skipped。
func (s *Sweeper) RunOnce(ctx context.Context) (SweepReport, error) {
	if s.locker != nil {
		unlock, acquired, err := s.locker.TryLock(ctx, SweepLockResource)
		if err != nil {
			return SweepReport{}, errors.Wrap(err, "acquire sweep lock")
		}
		if !acquired {
			logger.Ctx(ctx).Debug().Msg("ledger sweep is running on another instance")
			return SweepReport{Skipped: true}, nil
		}
		defer func() {
			if err := unlock(); err != nil {
				logger.Ctx(ctx).Warn().Err(err).Msg("failed to release sweep lock")
			}
		}()
	}

	stale, err := s.ledger.ReconcileStale(ctx, s.cfg.MaxAge)
	if err != nil {
		return SweepReport{}, errors.Wrap(err, "reconcile stale ledger records")
	}

	var report SweepReport
	for _, st := range stale {
		switch st.Action {
		case port.StaleReadmitted:
			staleTotal.WithLabelValues("readmitted").Inc()
			report.Resumed++
			res := s.resumer.Resume(ctx, st.Record)
			logger.Ctx(ctx).Info().Str("transaction_id", st.Record.TransactionID).Str("outcome", string(res.Outcome)).
				Msg("♻️ stale ledger record resumed")
			if res.Success() {
				report.Finalized++
				continue
			}
			// 恢复重试只有一次，失败后立即转入 failed_retryable
			s.giveUp(ctx, st.Record, res.Reason)
			report.Exhausted = append(report.Exhausted, st.Record.TransactionID)
		case port.StaleExhausted:
			staleTotal.WithLabelValues("exhausted").Inc()
			report.Exhausted = append(report.Exhausted, st.Record.TransactionID)
			s.raise(ctx, st.Record, "stuck in progress after recovery retry")
		}
	}
	if len(stale) > 0 {
		logger.Ctx(ctx).Info().Int("resumed", report.Resumed).Int("finalized", report.Finalized).
			Int("exhausted", len(report.Exhausted)).Msg("ledger sweep finished")
	}
	return report, nil
}

// giveUp 把恢复失败的记录标记为 failed_retryable。流水线已经标记过时 Fail 返回冲突，忽略即可。
func (s *Sweeper) giveUp(ctx context.Context, rec domain.IdempotencyRecord, reason string) {
	staleTotal.WithLabelValues("failed").Inc()
	reason = "recovery retry failed: " + reason
	if err := s.ledger.Fail(ctx, rec.TransactionID, reason); err != nil && !errors.Is(err, domain.ErrLedgerConflict) {
		logger.Ctx(ctx).Error().Err(err).Str("transaction_id", rec.TransactionID).Msg("failed to mark ledger record failed after recovery retry")
	}
	s.raise(ctx, rec, reason)
}

func (s *Sweeper) raise(ctx context.Context, rec domain.IdempotencyRecord, reason string) {
	logger.Ctx(ctx).Error().Str("transaction_id", rec.TransactionID).Int("attempts", rec.Attempts).Str("reason", reason).
		Msg("🚨 ledger record could not be recovered, operator action required")
	if s.alerts == nil {
		return
	}
	alert := port.Alert{
		ID:            uuid.New().String(),
		Kind:          port.AlertStaleExhausted,
		Severity:      port.SeverityCritical,
		TransactionID: rec.TransactionID,
		OrderID:       rec.OrderID,
		Reason:        reason,
		At:            s.now().UTC(),
	}
	if err := s.alerts.Publish(ctx, alert); err != nil {
		logger.Ctx(ctx).Error().Err(err).Msg("failed to publish stale record alert")
	}
}

// Start 启动后台扫描，直到 Stop 或 ctx 结束。
func (s *Sweeper) Start(ctx context.Context) {
	s.startOnce.Do(func() { s.loop(ctx) })
}

func (s *Sweeper) loop(ctx context.Context) {
	if s.cfg.Interval <= 0 {
		close(s.done)
		return
	}
	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if _, err := s.RunOnce(ctx); err != nil {
					logger.Ctx(ctx).Error().Err(err).Msg("ledger sweep failed")
				}
			case <-s.stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (s *Sweeper) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
	// 从未启动时直接结束
	s.startOnce.Do(func() { close(s.done) })
	<-s.done
}
