package parse

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var parsesCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "filingwatch_parses_total",
	Help: "Filing parses, by outcome.",
}, []string{"outcome"})

var sectionsHistogram = promauto.NewHistogram(prometheus.HistogramOpts{
	Name:    "filingwatch_parse_sections",
	Help:    "Sections produced per parsed filing.",
	Buckets: prometheus.ExponentialBuckets(1, 2, 8),
})

var chunksCounter = promauto.NewCounter(prometheus.CounterOpts{
	Name: "filingwatch_parse_chunks_total",
	Help: "Section chunks fanned out to the analysis queues.",
})
