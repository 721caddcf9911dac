package studifyserver

import (
	"context"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/studify-ai/studify/pkg/history"
)

// PruneAllSessions trims every session in the store to its keep most recent
// turns and returns how many turns were removed. A failing session is logged
// and skipped; the first such error is returned once all sessions were tried.
func PruneAllSessions(ctx context.Context, store history.Store, keep int) (int64, error) {
	refs, err := store.Sessions(ctx)
	if err != nil {
		return 0, errors.WithMessage(err, "could not list sessions")
	}

	var removed int64
	var firstErr error
	for _, ref := range refs {
		if ctx.Err() != nil {
			return removed, ctx.Err()
		}
		n, err := store.Prune(ctx, ref.UserID, ref.SessionKey, keep)
		if err != nil {
			log.WithError(err).WithFields(log.Fields{
				"user":    ref.UserID,
				"session": ref.SessionKey,
			}).Error("error pruning session")
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		removed += n
	}

	log.WithFields(log.Fields{
		"sessions": len(refs),
		"removed":  removed,
		"keep":     keep,
	}).Info("pruned chat history")
	return removed, firstErr
}

// RetentionProcess periodically prunes chat history as a DaemonProcess.
type RetentionProcess struct {
	store    history.Store
	keep     int
	interval time.Duration
}

func NewRetentionProcess(store history.Store, keep int, interval time.Duration) *RetentionProcess {
	return &RetentionProcess{
		store:    store,
		keep:     keep,
		interval: interval,
	}
}

func (r *RetentionProcess) Run(ctx context.Context) {
	log.Infof("Pruning chat history to %d turns per session every %s", r.keep, r.interval)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		if _, err := PruneAllSessions(ctx, r.store, r.keep); err != nil && ctx.Err() == nil {
			log.WithError(err).Error("error running retention")
		}

		select {
		case <-ctx.Done():
			log.Info("Stopping retention")
			return
		case <-ticker.C:
		}
	}
}
