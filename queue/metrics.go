package queue

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var pushesCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "filingwatch_queue_pushes_total",
	Help: "counter of queue push attempts, labelled by queue and outcome",
}, []string{"queue", "outcome"})

var reclaimsCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "filingwatch_queue_reclaims_total",
	Help: "counter of messages reclaimed after their visibility timeout expired",
}, []string{"queue"})

var depthGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "filingwatch_queue_depth",
	Help: "sampled depth of the pending queue",
}, []string{"queue"})

var backpressureEventsCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "filingwatch_queue_backpressure_events_total",
	Help: "counter of producer pause and resume transitions",
}, []string{"queue", "event"})
