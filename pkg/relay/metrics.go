package relay

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	outcomeDone    = "done"
	outcomeError   = "error"
	outcomeAborted = "aborted"
)

var (
	streamsMetric = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "studify_relay_streams_total",
		Help: "Upstream completion streams by model and outcome",
	}, []string{"model", "outcome"})
	streamDurationMetric = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "studify_relay_stream_duration_seconds",
		Help:    "Time from request to the end of the upstream stream",
		Buckets: []float64{0.5, 1, 2, 5, 10, 20, 30, 45, 60},
	}, []string{"model"})
	textChunksMetric = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "studify_relay_text_chunks_total",
		Help: "Non-empty text deltas relayed to callers",
	}, []string{"model"})
	malformedFragmentsMetric = promauto.NewCounter(prometheus.CounterOpts{
		Name: "studify_relay_malformed_fragments_total",
		Help: "Upstream stream fragments skipped because they were not valid JSON",
	})
)
