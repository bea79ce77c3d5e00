package ingest

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var pollsCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "filingwatch_poller_polls_total",
	Help: "Feed poll attempts, by poller and outcome.",
}, []string{"poller", "outcome"})

var entriesCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "filingwatch_poller_entries_total",
	Help: "Feed entries observed, by poller and disposition.",
}, []string{"poller", "disposition"})

var fetchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name: "filingwatch_poller_fetch_duration_seconds",
	Help: "Feed fetch latency, by poller.",
}, []string{"poller"})
