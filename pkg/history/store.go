package history

import (
	"context"
	"errors"
	"fmt"

	"github.com/studify-ai/studify/pkg/db/models"
)

const (
	// DefaultWindowLimit is how many of the most recent turns are handed to the
	// provider as context, including the turn being answered.
	DefaultWindowLimit = 8
)

// ErrStorageFailure matches every error caused by the underlying store being
// unreachable or failing to persist.
var ErrStorageFailure = errors.New("history storage failure")

// ErrStoreInUse is returned when an embedded store file is held open by
// another process.
var ErrStoreInUse = errors.New("history store is in use by another process")

// StorageError records the store operation that failed and why.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("history %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

func (e *StorageError) Is(target error) bool {
	return target == ErrStorageFailure
}

func storageFailure(backend, op string, err error) error {
	if err == nil {
		return nil
	}
	storageErrorsMetric.WithLabelValues(backend, op).Inc()
	return &StorageError{Op: op, Err: err}
}

// SessionRef identifies one conversation.
type SessionRef struct {
	UserID     uint   `json:"user_id"`
	SessionKey string `json:"session"`
}

// Store is a durable append-only log of chat turns keyed by (user, session).
type Store interface {
	// Append inserts a new turn and returns the id the store assigned to it.
	// Content is never validated; an empty string is stored as-is.
	Append(ctx context.Context, userID uint, session, role, content string) (uint64, error)

	// Window returns at most limit of the most recent turns of a session,
	// oldest first.
	Window(ctx context.Context, userID uint, session string, limit int) ([]models.ChatTurn, error)

	// Prune hard-deletes all but the keep most recent turns of a session and
	// returns how many turns were removed.
	Prune(ctx context.Context, userID uint, session string, keep int) (int64, error)

	// Sessions lists every session that has at least one turn.
	Sessions(ctx context.Context) ([]SessionRef, error)
}

func validateKeep(keep int) error {
	if keep < 1 {
		return fmt.Errorf("prune must keep at least one turn, got %d", keep)
	}
	return nil
}
