package application

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	resultsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settlement_gateway_results_total",
		Help: "Completion events handled, by source channel and outcome.",
	}, []string{"channel", "outcome"})

	notificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settlement_notifications_total",
		Help: "Notification delivery attempts, by recipient kind and status.",
	}, []string{"kind", "status"})

	staleTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settlement_ledger_stale_total",
		Help: "Stale ledger records found by the sweep, by action.",
	}, []string{"action"})
)
