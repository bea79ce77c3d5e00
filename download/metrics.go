package download

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var downloadsCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "filingwatch_downloads_total",
	Help: "Filing downloads, by outcome.",
}, []string{"outcome"})

var bytesCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "filingwatch_download_bytes_total",
	Help: "Bytes fetched from the archive, by artifact kind.",
}, []string{"kind"})

var fetchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "filingwatch_download_fetch_duration_seconds",
	Help:    "Latency of archive fetches, by artifact kind.",
	Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
}, []string{"kind"})
