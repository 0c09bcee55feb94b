// cmd/settlement-service/config.go
package main

import (
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"nexus-settlement/internal/pkg/bootstrap"
	"nexus-settlement/internal/service/settlement/application"
	"nexus-settlement/internal/service/settlement/calculator"
	"nexus-settlement/internal/service/settlement/governor"
	"nexus-settlement/internal/service/settlement/infrastructure/adapter"
)

const (
	ledgerRedis  = "redis"
	ledgerMySQL  = "mysql"
	ledgerMemory = "memory"

	storeMySQL  = "mysql"
	storeSQLite = "sqlite"
)

// settlementConfig 对应配置文档中的 settlement 段。
type settlementConfig struct {
	Store      storeConfig                  `yaml:"store"`
	Ledger     ledgerConfig                 `yaml:"ledger"`
	Governor   governor.Config              `yaml:"governor"`
	Gateway    application.GatewayConfig    `yaml:"gateway"`
	Dispatcher application.DispatcherConfig `yaml:"dispatcher"`
	Calculator calculatorConfig             `yaml:"calculator"`
	Ingress    ingressConfig                `yaml:"ingress"`
	Outbound   outboundConfig               `yaml:"outbound"`
	Topics     topicsConfig                 `yaml:"topics"`
}

type storeConfig struct {
	Driver     string `yaml:"driver"`
	SQLitePath string `yaml:"sqlitePath"`
}

type ledgerConfig struct {
	Backend   string        `yaml:"backend"`
	KeyPrefix string        `yaml:"keyPrefix"`
	Retention time.Duration `yaml:"retention"`
	BatchSize int           `yaml:"batchSize"`

	application.SweeperConfig `yaml:",inline"`
}

type calculatorConfig struct {
	VATRate            decimal.Decimal  `yaml:"vatRate"`
	ExcludeShipping    bool             `yaml:"excludeShipping"`
	RequireAttribution bool             `yaml:"requireAttribution"`
	MinorUnits         map[string]int32 `yaml:"minorUnits"`
}

func (c calculatorConfig) toCalculator() calculator.Config {
	return calculator.Config{
		VATRate:            c.VATRate,
		ExcludeShipping:    c.ExcludeShipping,
		RequireAttribution: c.RequireAttribution,
		MinorUnits:         c.MinorUnits,
	}
}

// ingressConfig 是客户端调用入口按 X-Client-ID 的令牌桶。
type ingressConfig struct {
	PerSecond float64       `yaml:"perSecond"`
	Burst     int           `yaml:"burst"`
	IdleTTL   time.Duration `yaml:"idleTTL"`
}

// outboundConfig 中的 target 可以是 Nacos 服务名，也可以是完整 URL。
type outboundConfig struct {
	Renderer      string `yaml:"renderer"`
	MailRelay     string `yaml:"mailRelay"`
	PaymentLookup string `yaml:"paymentLookup"`
	MailFrom      string `yaml:"mailFrom"`
}

type topicsConfig struct {
	Completion       string        `yaml:"completion"`
	CompletionRetry  string        `yaml:"completionRetry"`
	CompletionDLT    string        `yaml:"completionDlt"`
	Resend           string        `yaml:"resend"`
	ResendDLT        string        `yaml:"resendDlt"`
	Alerts           string        `yaml:"alerts"`
	ConsumerGroup    string        `yaml:"consumerGroup"`
	MaxRetries       int           `yaml:"maxRetries"`
	RetryDelay       time.Duration `yaml:"retryDelay"`
	ConsumersEnabled bool          `yaml:"consumersEnabled"`
}

func defaultSettlementConfig() settlementConfig {
	return settlementConfig{
		Store: storeConfig{Driver: storeMySQL, SQLitePath: "settlement.db"},
		Ledger: ledgerConfig{
			Backend:   ledgerRedis,
			Retention: 7 * 24 * time.Hour,
			BatchSize: 100,
			SweeperConfig: application.SweeperConfig{
				MaxAge:   30 * time.Minute,
				Interval: 5 * time.Minute,
			},
		},
		Governor:   governor.DefaultConfig(),
		Gateway:    application.DefaultGatewayConfig(),
		Dispatcher: application.DefaultDispatcherConfig(),
		Calculator: calculatorConfig{ExcludeShipping: true},
		Ingress:    ingressConfig{PerSecond: 20, Burst: 40, IdleTTL: 10 * time.Minute},
		Outbound: outboundConfig{
			Renderer:      "content-renderer",
			MailRelay:     "mail-relay",
			PaymentLookup: "payment-provider-gateway",
			MailFrom:      "orders@nexus.example",
		},
		Topics: topicsConfig{
			Completion:       "payment-completions",
			CompletionRetry:  "payment-completions-retry",
			CompletionDLT:    "payment-completions-dlt",
			Resend:           adapter.ResendTopic,
			ResendDLT:        adapter.ResendTopic + "-dlt",
			Alerts:           adapter.AlertTopic,
			ConsumerGroup:    serviceName,
			MaxRetries:       5,
			RetryDelay:       30 * time.Second,
			ConsumersEnabled: true,
		},
	}
}

func (c settlementConfig) Validate() error {
	switch c.Store.Driver {
	case storeMySQL:
	case storeSQLite:
		if c.Store.SQLitePath == "" {
			return errors.New("settlement.store.sqlitePath is required for the sqlite driver")
		}
	default:
		return errors.Errorf("settlement.store.driver %q is not one of mysql, sqlite", c.Store.Driver)
	}
	switch c.Ledger.Backend {
	case ledgerRedis, ledgerMySQL, ledgerMemory:
	default:
		return errors.Errorf("settlement.ledger.backend %q is not one of redis, mysql, memory", c.Ledger.Backend)
	}
	if c.Ledger.MaxAge <= 0 || c.Ledger.Interval <= 0 {
		return errors.New("settlement.ledger.staleAfter and sweepInterval must be positive")
	}
	if err := c.Governor.Validate(); err != nil {
		return err
	}
	if c.Calculator.VATRate.IsNegative() {
		return errors.Errorf("settlement.calculator.vatRate %s must not be negative", c.Calculator.VATRate)
	}
	if c.Gateway.ProcessingTimeout <= 0 {
		return errors.New("settlement.gateway.processingTimeout must be positive")
	}
	if c.Dispatcher.MaxParallel <= 0 {
		return errors.New("settlement.dispatcher.maxParallel must be positive")
	}
	if c.Ingress.PerSecond <= 0 || c.Ingress.Burst <= 0 {
		return errors.New("settlement.ingress.perSecond and burst must be positive")
	}
	if c.Outbound.Renderer == "" || c.Outbound.MailRelay == "" || c.Outbound.PaymentLookup == "" {
		return errors.New("settlement.outbound targets must all be set")
	}
	if c.Topics.ConsumersEnabled && (c.Topics.Completion == "" || c.Topics.ConsumerGroup == "") {
		return errors.New("settlement.topics.completion and consumerGroup are required when consumers are enabled")
	}
	return nil
}

// loadSettlementConfig 在 bootstrap.Init 之后调用，读取当前文档的 settlement 段。
func loadSettlementConfig() (settlementConfig, error) {
	cfg := defaultSettlementConfig()
	if err := bootstrap.UnmarshalSection("settlement", &cfg); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}
