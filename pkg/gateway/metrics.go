package gateway

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	outcomeCompleted     = "completed"
	outcomeEmpty         = "empty"
	outcomeUnauthorized  = "unauthorized"
	outcomeInvalid       = "invalid"
	outcomeBusy          = "busy"
	outcomeStorageError  = "storage_error"
	outcomeProviderError = "provider_error"
	outcomeDisconnected  = "disconnected"
)

var (
	chatRequestsMetric = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "studify_chat_requests_total",
		Help: "Chat turns handled, by persona mode and outcome",
	}, []string{"mode", "outcome"})
	historyWindowMetric = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "studify_chat_history_window_turns",
		Help:    "Previous turns sent to the provider with each chat turn",
		Buckets: prometheus.LinearBuckets(0, 1, 10),
	})
)
