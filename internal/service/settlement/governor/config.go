package governor

import (
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"nexus-settlement/internal/service/settlement/domain/port"
)

// BulkMode 是突发批量操作时的临时放宽。
type BulkMode struct {
	PerWindow       int           `yaml:"perWindow"`
	RapidRequests   int           `yaml:"rapidRequests"`
	TimeWindow      time.Duration `yaml:"timeWindow"`
	MaxBulkDuration time.Duration `yaml:"maxBulkDuration"`
	// Cooldown 结束批量模式后禁止再次升级的时长，为 0 时等于 MaxBulkDuration。
	Cooldown time.Duration `yaml:"cooldown"`
}

type CategoryLimit struct {
	PerWindow int           `yaml:"perWindow"`
	Window    time.Duration `yaml:"window"`
	Bulk      *BulkMode     `yaml:"bulkMode,omitempty"`
	// Critical 类别不受预算熔断影响。order-processing 与 email-sending 始终视为 Critical。
	Critical bool `yaml:"critical"`
}

// BudgetThresholds 以结算币种计。阈值为 0 表示不启用。
type BudgetThresholds struct {
	DailyWarning     decimal.Decimal `yaml:"dailyWarning"`
	DailyEmergency   decimal.Decimal `yaml:"dailyEmergency"`
	MonthlyWarning   decimal.Decimal `yaml:"monthlyWarning"`
	MonthlyEmergency decimal.Decimal `yaml:"monthlyEmergency"`
}

type Config struct {
	Categories      map[port.Category]CategoryLimit `yaml:"categories"`
	Budget          BudgetThresholds                `yaml:"budget"`
	Retention       time.Duration                   `yaml:"retention"`
	CleanupInterval time.Duration                   `yaml:"cleanupInterval"`
	// Timezone 决定日/月周期的切换时刻，默认 UTC。
	Timezone string `yaml:"timezone"`
}

func DefaultConfig() Config {
	return Config{
		Categories: map[port.Category]CategoryLimit{
			port.CategoryAI: {
				PerWindow: 60, Window: time.Minute,
				Bulk: &BulkMode{PerWindow: 300, RapidRequests: 20, TimeWindow: 10 * time.Second, MaxBulkDuration: 5 * time.Minute},
			},
			port.CategoryOrderProcessing: {
				PerWindow: 600, Window: time.Minute, Critical: true,
				Bulk: &BulkMode{PerWindow: 3000, RapidRequests: 100, TimeWindow: 10 * time.Second, MaxBulkDuration: 10 * time.Minute},
			},
			port.CategoryEmailSending: {
				PerWindow: 300, Window: time.Minute, Critical: true,
				Bulk: &BulkMode{PerWindow: 1200, RapidRequests: 50, TimeWindow: 10 * time.Second, MaxBulkDuration: 10 * time.Minute},
			},
			port.CategoryAPI: {PerWindow: 1000, Window: time.Minute},
		},
		Budget: BudgetThresholds{
			DailyWarning:     decimal.NewFromInt(40),
			DailyEmergency:   decimal.NewFromInt(50),
			MonthlyWarning:   decimal.NewFromInt(800),
			MonthlyEmergency: decimal.NewFromInt(1000),
		},
		Retention:       10 * time.Minute,
		CleanupInterval: time.Minute,
		Timezone:        "UTC",
	}
}

func (c Config) Validate() error {
	if _, ok := c.Categories[port.CategoryAPI]; !ok {
		return errors.New("governor: the api category is required as the fallback limit")
	}
	for name, lim := range c.Categories {
		if lim.PerWindow <= 0 || lim.Window <= 0 {
			return errors.Errorf("governor: category %s needs a positive perWindow and window", name)
		}
		if b := lim.Bulk; b != nil {
			if b.PerWindow < lim.PerWindow {
				return errors.Errorf("governor: category %s bulk perWindow below base limit", name)
			}
			if b.RapidRequests <= 0 || b.RapidRequests > lim.PerWindow {
				return errors.Errorf("governor: category %s rapidRequests must be within (0, perWindow]", name)
			}
			if b.TimeWindow <= 0 || b.MaxBulkDuration <= 0 {
				return errors.Errorf("governor: category %s bulk durations must be positive", name)
			}
		}
	}
	if c.Timezone != "" {
		if _, err := time.LoadLocation(c.Timezone); err != nil {
			return errors.Wrapf(err, "governor: timezone %q", c.Timezone)
		}
	}
	return nil
}
