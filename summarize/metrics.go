package summarize

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var summariesCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "filingwatch_summaries_total",
	Help: "Chunk summary jobs, by outcome.",
}, []string{"outcome"})

var errorsCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "filingwatch_summary_errors_total",
	Help: "Summary job errors, by category.",
}, []string{"category"})

var completionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
	Name:    "filingwatch_summary_completion_duration_seconds",
	Help:    "Latency of summary completion calls.",
	Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
})
