package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nexus-settlement/internal/pkg/bootstrap"
	"nexus-settlement/internal/service/settlement/domain/port"
)

func initWith(t *testing.T, doc string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "settlement.yaml")
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))
	require.NoError(t, bootstrap.Init(serviceName, path))
}

func TestLoadSettlementConfig_Defaults(t *testing.T) {
	initWith(t, "app:\n  name: settlement-service\n")

	cfg, err := loadSettlementConfig()
	require.NoError(t, err)
	assert.Equal(t, ledgerRedis, cfg.Ledger.Backend)
	assert.Equal(t, 30*time.Minute, cfg.Ledger.MaxAge)
	assert.True(t, cfg.Calculator.ExcludeShipping)
	assert.Equal(t, "notification-resend", cfg.Topics.Resend)
}

func TestLoadSettlementConfig_FromDocument(t *testing.T) {
	initWith(t, `
app:
  name: settlement-service
settlement:
  store:
    driver: sqlite
    sqlitePath: /tmp/settlement.db
  ledger:
    backend: memory
    staleAfter: 10m
    sweepInterval: 1m
  calculator:
    vatRate: "0.25"
  dispatcher:
    adminEmails: [ops@example.com]
    maxParallel: 2
  governor:
    categories:
      api: {perWindow: 50, window: 1m}
      order-processing: {perWindow: 10, window: 1m, critical: true}
    budget:
      dailyEmergency: "12.5"
`)

	cfg, err := loadSettlementConfig()
	require.NoError(t, err)
	assert.Equal(t, storeSQLite, cfg.Store.Driver)
	assert.Equal(t, ledgerMemory, cfg.Ledger.Backend)
	assert.Equal(t, 10*time.Minute, cfg.Ledger.MaxAge)
	assert.Equal(t, time.Minute, cfg.Ledger.Interval)
	assert.True(t, cfg.Calculator.VATRate.Equal(decimal.RequireFromString("0.25")))
	assert.Equal(t, []string{"ops@example.com"}, cfg.Dispatcher.AdminEmails)
	assert.Equal(t, 2, cfg.Dispatcher.MaxParallel)
	assert.Equal(t, 10, cfg.Governor.Categories[port.CategoryOrderProcessing].PerWindow)
	assert.True(t, cfg.Governor.Budget.DailyEmergency.Equal(decimal.RequireFromString("12.5")))
	assert.Equal(t, "content-renderer", cfg.Outbound.Renderer)
}

func TestSettlementConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *settlementConfig)
	}{
		{"unknown ledger", func(c *settlementConfig) { c.Ledger.Backend = "etcd" }},
		{"unknown store", func(c *settlementConfig) { c.Store.Driver = "postgres" }},
		{"zero sweep", func(c *settlementConfig) { c.Ledger.Interval = 0 }},
		{"negative vat", func(c *settlementConfig) { c.Calculator.VATRate = decimal.NewFromInt(-1) }},
		{"no parallelism", func(c *settlementConfig) { c.Dispatcher.MaxParallel = 0 }},
		{"no renderer", func(c *settlementConfig) { c.Outbound.Renderer = "" }},
		{"no ingress burst", func(c *settlementConfig) { c.Ingress.Burst = 0 }},
		{"governor without api", func(c *settlementConfig) { delete(c.Governor.Categories, port.CategoryAPI) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaultSettlementConfig()
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
	assert.NoError(t, defaultSettlementConfig().Validate())
}

func TestClosers_RunInReverseOrder(t *testing.T) {
	var order []int
	var c closers
	for i := 0; i < 3; i++ {
		i := i
		c.add(func(context.Context) { order = append(order, i) })
	}
	c.run(context.Background())
	assert.Equal(t, []int{2, 1, 0}, order)
}
