package metrics

import (
	"context"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"

	"github.com/studify-ai/studify/pkg/db"
	"github.com/studify-ai/studify/pkg/db/models"
)

var (
	usersMetric = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "studify_users",
		Help: "Number of registered users",
	})
	sessionsMetric = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "studify_chat_sessions",
		Help: "Number of chat sessions with at least one stored turn",
	})
	turnsMetric = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "studify_chat_turns",
		Help: "Stored chat turns by role",
	}, []string{"role"})
)

// RefreshMetricsDB updates the gauges derived from the database.
func RefreshMetricsDB(ctx context.Context, dbc *db.DB) error {
	log.Debug("refreshing database metrics")
	q := dbc.DB.WithContext(ctx)

	var users int64
	if err := q.Model(&models.User{}).Count(&users).Error; err != nil {
		return errors.Wrap(err, "could not count users")
	}
	usersMetric.Set(float64(users))

	var sessions int64
	distinct := q.Model(&models.ChatTurn{}).Distinct("user_id", "session_key")
	if err := q.Table("(?) AS sessions", distinct).Count(&sessions).Error; err != nil {
		return errors.Wrap(err, "could not count chat sessions")
	}
	sessionsMetric.Set(float64(sessions))

	var byRole []struct {
		Role  string
		Count int64
	}
	if err := q.Model(&models.ChatTurn{}).Select("role, count(*) AS count").Group("role").Scan(&byRole).Error; err != nil {
		return errors.Wrap(err, "could not count chat turns")
	}
	turnsMetric.Reset()
	for _, r := range byRole {
		turnsMetric.WithLabelValues(r.Role).Set(float64(r.Count))
	}
	return nil
}
