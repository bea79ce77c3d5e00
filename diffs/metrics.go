package diffs

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var sectionJobsCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "filingwatch_diff_section_jobs_total",
	Help: "Section comparison jobs, by outcome.",
}, []string{"outcome"})

var changesCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "filingwatch_diff_changes_total",
	Help: "Section changes recorded, by change type.",
}, []string{"change_type"})

var completionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
	Name:    "filingwatch_diff_completion_duration_seconds",
	Help:    "Latency of diff completion calls.",
	Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
})
