package governor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	decisionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settlement_governor_decisions_total",
		Help: "Governor decisions by category and outcome.",
	}, []string{"category", "decision"})

	budgetCostGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "settlement_governor_budget_cost",
		Help: "Accumulated cost in the current budget period.",
	}, []string{"period"})

	bulkModeGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "settlement_governor_bulk_mode",
		Help: "1 while a category runs under its bulk-mode limit.",
	}, []string{"category"})
)
