// Package governor 按类别做固定窗口限流，支持突发时升级到批量模式；
// 同时统计日、月成本预算，达到熔断线后暂停非关键类别。
package governor

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"nexus-settlement/internal/pkg/logger"
	"nexus-settlement/internal/service/settlement/domain"
	"nexus-settlement/internal/service/settlement/domain/port"
)

type window struct {
	start         time.Time
	count         int
	lastSeen      time.Time
	recent        []time.Time
	bulkUntil     time.Time
	cooldownUntil time.Time
}

type usage struct {
	key       string
	kind      string
	cost      decimal.Decimal
	warned    bool
	emergency bool
	dirty     bool
}

// Governor 是进程级的限流与预算服务，需通过 New 显式创建并由 Start/Stop 管理生命周期。
type Governor struct {
	cfg    Config
	loc    *time.Location
	now    func() time.Time
	store  port.BudgetStore
	alerts port.AlertPublisher

	mu      sync.Mutex
	windows map[port.Category]*window
	daily   usage
	monthly usage

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

type Option func(*Governor)

// WithClock 注入时钟，测试中用于推进时间。
func WithClock(now func() time.Time) Option {
	return func(g *Governor) { g.now = now }
}

func WithBudgetStore(store port.BudgetStore) Option {
	return func(g *Governor) { g.store = store }
}

func WithAlerts(alerts port.AlertPublisher) Option {
	return func(g *Governor) { g.alerts = alerts }
}

func New(cfg Config, opts ...Option) (*Governor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	loc := time.UTC
	if cfg.Timezone != "" {
		loc, _ = time.LoadLocation(cfg.Timezone)
	}
	g := &Governor{
		cfg:     cfg,
		loc:     loc,
		now:     time.Now,
		windows: make(map[port.Category]*window),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(g)
	}
	now := g.now()
	g.daily = usage{key: periodKey(domain.PeriodDaily, now, loc), kind: domain.PeriodDaily}
	g.monthly = usage{key: periodKey(domain.PeriodMonthly, now, loc), kind: domain.PeriodMonthly}
	return g, nil
}

// CheckAndRecord 判定一次操作。只有 Allowed 会计入窗口计数与成本。
func (g *Governor) CheckAndRecord(ctx context.Context, category port.Category, costEstimate decimal.Decimal) port.Decision {
	var pending []port.Alert
	decision := g.check(ctx, category, costEstimate, &pending)
	decisionsTotal.WithLabelValues(string(category), decision.String()).Inc()

	for _, a := range pending {
		g.publish(ctx, a)
	}
	return decision
}

func (g *Governor) check(ctx context.Context, category port.Category, cost decimal.Decimal, pending *[]port.Alert) port.Decision {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	g.rollPeriods(now)
	lim := g.limitFor(category)

	if !lim.Critical && (g.daily.emergency || g.monthly.emergency) {
		return port.BudgetExceeded
	}

	w, ok := g.windows[category]
	if !ok {
		w = &window{start: now}
		g.windows[category] = w
	}
	w.lastSeen = now
	if now.Sub(w.start) >= lim.Window {
		w.start = now
		w.count = 0
	}

	if w.count >= g.effectiveLimit(ctx, category, w, lim, now) {
		return port.Throttled
	}
	w.count++
	g.trackBurst(ctx, category, w, lim, now)

	if cost.IsPositive() {
		g.addCost(ctx, cost, now, pending)
	}
	return port.Allowed
}

// alwaysCritical 中的类别无论配置如何都不受预算熔断影响。
var alwaysCritical = map[port.Category]bool{
	port.CategoryOrderProcessing: true,
	port.CategoryEmailSending:    true,
}

func (g *Governor) limitFor(category port.Category) CategoryLimit {
	if lim, ok := g.cfg.Categories[category]; ok {
		lim.Critical = lim.Critical || alwaysCritical[category]
		return lim
	}
	lim := g.cfg.Categories[port.CategoryAPI]
	lim.Critical = false
	return lim
}

// effectiveLimit 在批量模式期间返回 BULK_MODE 限额。到期后无条件回落并进入冷却。
func (g *Governor) effectiveLimit(ctx context.Context, category port.Category, w *window, lim CategoryLimit, now time.Time) int {
	if lim.Bulk == nil || w.bulkUntil.IsZero() {
		return lim.PerWindow
	}
	if now.Before(w.bulkUntil) {
		return lim.Bulk.PerWindow
	}

	cooldown := lim.Bulk.Cooldown
	if cooldown <= 0 {
		cooldown = lim.Bulk.MaxBulkDuration
	}
	w.cooldownUntil = w.bulkUntil.Add(cooldown)
	w.bulkUntil = time.Time{}
	w.recent = w.recent[:0]
	bulkModeGauge.WithLabelValues(string(category)).Set(0)
	logger.Ctx(ctx).Info().Str("category", string(category)).Time("cooldown_until", w.cooldownUntil).
		Msg("bulk mode expired, reverting to base limit")
	return lim.PerWindow
}

func (g *Governor) trackBurst(ctx context.Context, category port.Category, w *window, lim CategoryLimit, now time.Time) {
	b := lim.Bulk
	if b == nil || !w.bulkUntil.IsZero() || now.Before(w.cooldownUntil) {
		return
	}

	cutoff := now.Add(-b.TimeWindow)
	kept := w.recent[:0]
	for _, t := range w.recent {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	w.recent = append(kept, now)

	if len(w.recent) >= b.RapidRequests {
		w.bulkUntil = now.Add(b.MaxBulkDuration)
		w.recent = w.recent[:0]
		bulkModeGauge.WithLabelValues(string(category)).Set(1)
		logger.Ctx(ctx).Warn().Str("category", string(category)).Int("limit", b.PerWindow).
			Time("until", w.bulkUntil).Msg("⚡ bulk mode engaged")
	}
}

func (g *Governor) addCost(ctx context.Context, cost decimal.Decimal, now time.Time, pending *[]port.Alert) {
	b := g.cfg.Budget
	for _, u := range []*usage{&g.daily, &g.monthly} {
		u.cost = u.cost.Add(cost)
		u.dirty = true
		budgetCostGauge.WithLabelValues(u.kind).Set(u.cost.InexactFloat64())

		warning, emergency := b.DailyWarning, b.DailyEmergency
		if u.kind == domain.PeriodMonthly {
			warning, emergency = b.MonthlyWarning, b.MonthlyEmergency
		}
		if !u.warned && warning.IsPositive() && u.cost.GreaterThanOrEqual(warning) {
			u.warned = true
			logger.Ctx(ctx).Warn().Str("period", u.key).Str("cost", u.cost.String()).Msg("budget warning threshold crossed")
			*pending = append(*pending, g.alert(port.AlertBudgetWarning, port.SeverityWarning, u, now))
		}
		if !u.emergency && emergency.IsPositive() && u.cost.GreaterThanOrEqual(emergency) {
			u.emergency = true
			logger.Ctx(ctx).Error().Str("period", u.key).Str("cost", u.cost.String()).
				Msg("🚨 budget emergency: non-critical categories suspended")
			*pending = append(*pending, g.alert(port.AlertBudgetCritical, port.SeverityCritical, u, now))
		}
	}
}

func (g *Governor) alert(kind port.AlertKind, sev port.AlertSeverity, u *usage, now time.Time) port.Alert {
	return port.Alert{
		ID:       uuid.New().String(),
		Kind:     kind,
		Severity: sev,
		Reason:   string(kind) + " for " + u.key + ": cost " + u.cost.String(),
		At:       now,
	}
}

func (g *Governor) publish(ctx context.Context, a port.Alert) {
	if g.alerts == nil {
		return
	}
	if err := g.alerts.Publish(ctx, a); err != nil {
		logger.Ctx(ctx).Error().Err(err).Str("kind", string(a.Kind)).Msg("failed to publish governor alert")
	}
}

// rollPeriods 在日/月边界重置累计成本，熔断随之解除。
func (g *Governor) rollPeriods(now time.Time) {
	if key := periodKey(domain.PeriodDaily, now, g.loc); key != g.daily.key {
		g.daily = usage{key: key, kind: domain.PeriodDaily, dirty: true}
	}
	if key := periodKey(domain.PeriodMonthly, now, g.loc); key != g.monthly.key {
		g.monthly = usage{key: key, kind: domain.PeriodMonthly, dirty: true}
	}
}

func periodKey(kind string, t time.Time, loc *time.Location) string {
	t = t.In(loc)
	if kind == domain.PeriodMonthly {
		return kind + ":" + t.Format("2006-01")
	}
	return kind + ":" + t.Format("2006-01-02")
}

// Restore 从 BudgetStore 恢复当前周期的累计成本。
func (g *Governor) Restore(ctx context.Context) error {
	if g.store == nil {
		return nil
	}
	g.mu.Lock()
	keys := []string{g.daily.key, g.monthly.key}
	g.mu.Unlock()

	records, err := g.store.LoadUsage(ctx, keys...)
	if err != nil {
		return errors.Wrap(err, "restore budget usage")
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	for _, r := range records {
		for _, u := range []*usage{&g.daily, &g.monthly} {
			if u.key == r.PeriodKey {
				u.cost = r.Cost
				u.warned = r.WarningEmitted
				u.emergency = r.EmergencyReached
			}
		}
	}
	return nil
}

// Sweep 清理过期窗口并把脏的成本记录写回存储。
func (g *Governor) Sweep(ctx context.Context) {
	g.mu.Lock()
	now := g.now()
	g.rollPeriods(now)
	evicted := 0
	for cat, w := range g.windows {
		lim := g.limitFor(cat)
		if !w.bulkUntil.IsZero() && now.Before(w.bulkUntil) {
			continue
		}
		if now.Sub(w.lastSeen) > lim.Window+g.cfg.Retention {
			delete(g.windows, cat)
			evicted++
		}
	}
	var dirty []domain.BudgetUsageRecord
	for _, u := range []*usage{&g.daily, &g.monthly} {
		if u.dirty {
			dirty = append(dirty, domain.BudgetUsageRecord{
				PeriodKey:        u.key,
				PeriodKind:       u.kind,
				Cost:             u.cost,
				WarningEmitted:   u.warned,
				EmergencyReached: u.emergency,
				UpdatedAt:        now,
			})
			u.dirty = false
		}
	}
	g.mu.Unlock()

	if evicted > 0 {
		logger.Ctx(ctx).Debug().Int("evicted", evicted).Msg("governor windows evicted")
	}
	if g.store != nil && len(dirty) > 0 {
		if err := g.store.SaveUsage(ctx, dirty...); err != nil {
			logger.Ctx(ctx).Error().Err(err).Msg("failed to persist budget usage")
			g.mu.Lock()
			g.markDirty(dirty)
			g.mu.Unlock()
		}
	}
}

func (g *Governor) markDirty(records []domain.BudgetUsageRecord) {
	for _, r := range records {
		for _, u := range []*usage{&g.daily, &g.monthly} {
			if u.key == r.PeriodKey {
				u.dirty = true
			}
		}
	}
}

// Start 启动周期清理。
func (g *Governor) Start(ctx context.Context) {
	interval := g.cfg.CleanupInterval
	if interval <= 0 {
		interval = time.Minute
	}
	go func() {
		defer close(g.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		logger.Ctx(ctx).Info().Dur("interval", interval).Msg("✅ Governor cleanup loop started")
		for {
			select {
			case <-ticker.C:
				g.Sweep(ctx)
			case <-g.stop:
				g.Sweep(context.Background())
				return
			case <-ctx.Done():
				g.Sweep(context.Background())
				return
			}
		}
	}()
}

// Stop 停止清理循环并做最后一次落盘。只能在 Start 之后调用。
func (g *Governor) Stop() {
	g.stopOnce.Do(func() { close(g.stop) })
	<-g.done
}

// CategorySnapshot 是某个类别窗口的只读视图。
type CategorySnapshot struct {
	Category    port.Category `json:"category"`
	Count       int           `json:"count"`
	Limit       int           `json:"limit"`
	WindowStart time.Time     `json:"windowStart"`
	BulkUntil   *time.Time    `json:"bulkUntil,omitempty"`
}

type BudgetSnapshot struct {
	PeriodKey string          `json:"periodKey"`
	Cost      decimal.Decimal `json:"cost"`
	Warned    bool            `json:"warned"`
	Emergency bool            `json:"emergency"`
}

type Snapshot struct {
	Categories []CategorySnapshot `json:"categories"`
	Daily      BudgetSnapshot     `json:"daily"`
	Monthly    BudgetSnapshot     `json:"monthly"`
}

// Snapshot 供运维接口查看当前状态，不改变任何计数。
func (g *Governor) Snapshot() Snapshot {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	s := Snapshot{
		Daily:   BudgetSnapshot{PeriodKey: g.daily.key, Cost: g.daily.cost, Warned: g.daily.warned, Emergency: g.daily.emergency},
		Monthly: BudgetSnapshot{PeriodKey: g.monthly.key, Cost: g.monthly.cost, Warned: g.monthly.warned, Emergency: g.monthly.emergency},
	}
	for cat, w := range g.windows {
		lim := g.limitFor(cat)
		cs := CategorySnapshot{Category: cat, Count: w.count, Limit: lim.PerWindow, WindowStart: w.start}
		if now.Sub(w.start) >= lim.Window {
			cs.Count = 0
		}
		if lim.Bulk != nil && !w.bulkUntil.IsZero() && now.Before(w.bulkUntil) {
			until := w.bulkUntil
			cs.BulkUntil = &until
			cs.Limit = lim.Bulk.PerWindow
		}
		s.Categories = append(s.Categories, cs)
	}
	sort.Slice(s.Categories, func(i, j int) bool { return s.Categories[i].Category < s.Categories[j].Category })
	return s
}
