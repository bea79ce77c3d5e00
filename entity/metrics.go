package entity

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var extractionsCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "filingwatch_entity_extractions_total",
	Help: "Entity extraction jobs, by outcome.",
}, []string{"outcome"})

var entitiesCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "filingwatch_entities_total",
	Help: "Entities extracted, by type.",
}, []string{"type"})

var errorsCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "filingwatch_entity_extraction_errors_total",
	Help: "Entity extraction job errors, by category.",
}, []string{"category"})

var completionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
	Name:    "filingwatch_entity_completion_duration_seconds",
	Help:    "Latency of entity extraction completion calls.",
	Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
})
