package history

import (
	"context"

	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/studify-ai/studify/pkg/db"
	"github.com/studify-ai/studify/pkg/db/models"
)

const backendDB = "db"

// DBStore keeps chat turns in the chat_turns table.
type DBStore struct {
	dbc *db.DB
}

func NewDBStore(dbc *db.DB) *DBStore {
	return &DBStore{dbc: dbc}
}

func (s *DBStore) Append(ctx context.Context, userID uint, session, role, content string) (uint64, error) {
	turn := models.ChatTurn{
		UserID:     userID,
		SessionKey: session,
		Role:       role,
		Content:    content,
	}
	if err := s.dbc.DB.WithContext(ctx).Create(&turn).Error; err != nil {
		log.WithError(err).WithFields(log.Fields{
			"user":    userID,
			"session": session,
		}).Error("error appending chat turn")
		return 0, storageFailure(backendDB, "append", err)
	}

	appendedTurnsMetric.WithLabelValues(backendDB, role).Inc()
	return turn.ID, nil
}

func (s *DBStore) Window(ctx context.Context, userID uint, session string, limit int) ([]models.ChatTurn, error) {
	turns := []models.ChatTurn{}
	if limit <= 0 {
		return turns, nil
	}

	res := s.dbc.DB.WithContext(ctx).
		Where("user_id = ? AND session_key = ?", userID, session).
		Order("id DESC").
		Limit(limit).
		Find(&turns)
	if res.Error != nil {
		return nil, storageFailure(backendDB, "window", res.Error)
	}

	// newest first from the query, callers want chronological order
	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}
	return turns, nil
}

func (s *DBStore) Prune(ctx context.Context, userID uint, session string, keep int) (int64, error) {
	if err := validateKeep(keep); err != nil {
		return 0, err
	}

	var removed int64
	err := s.dbc.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// The cut-off is the id of the keep-th most recent turn. Anything
		// appended after the cut-off was read has a larger id and survives.
		var cutoff []uint64
		if err := tx.Model(&models.ChatTurn{}).
			Where("user_id = ? AND session_key = ?", userID, session).
			Order("id DESC").
			Offset(keep-1).
			Limit(1).
			Pluck("id", &cutoff).Error; err != nil {
			return err
		}
		if len(cutoff) == 0 {
			return nil
		}

		res := tx.Where("user_id = ? AND session_key = ? AND id < ?", userID, session, cutoff[0]).
			Delete(&models.ChatTurn{})
		if res.Error != nil {
			return res.Error
		}
		removed = res.RowsAffected
		return nil
	})
	if err != nil {
		return 0, storageFailure(backendDB, "prune", err)
	}

	prunedTurnsMetric.WithLabelValues(backendDB).Add(float64(removed))
	return removed, nil
}

func (s *DBStore) Sessions(ctx context.Context) ([]SessionRef, error) {
	refs := []SessionRef{}
	res := s.dbc.DB.WithContext(ctx).
		Model(&models.ChatTurn{}).
		Distinct("user_id", "session_key").
		Order("user_id, session_key").
		Scan(&refs)
	if res.Error != nil {
		return nil, storageFailure(backendDB, "sessions", res.Error)
	}
	return refs, nil
}
