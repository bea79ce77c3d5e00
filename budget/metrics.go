package budget

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var usageGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "filingwatch_budget_usage_tokens",
	Help: "tokens charged against the current UTC day's budget",
}, []string{"service", "model"})

var remainingGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "filingwatch_budget_remaining_tokens",
	Help: "tokens remaining in the current UTC day's budget",
}, []string{"service", "model"})

var exhaustionsCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "filingwatch_budget_exhaustions_total",
	Help: "counter of reservations denied because the daily budget was exhausted",
}, []string{"service", "model"})

var deferralsCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "filingwatch_budget_deferred_jobs_total",
	Help: "counter of jobs deferred back to their queue after a denied reservation",
}, []string{"service", "model"})
