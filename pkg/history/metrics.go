package history

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	appendedTurnsMetric = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "studify_history_turns_appended_total",
		Help: "Chat turns appended to history, by role",
	}, []string{"backend", "role"})
	prunedTurnsMetric = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "studify_history_turns_pruned_total",
		Help: "Chat turns removed by the retention job",
	}, []string{"backend"})
	storageErrorsMetric = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "studify_history_storage_errors_total",
		Help: "Failed history store operations",
	}, []string{"backend", "op"})
)
