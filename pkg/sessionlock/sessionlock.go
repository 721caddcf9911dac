package sessionlock

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	BackendLocal = "local"
	BackendRedis = "redis"
	BackendNone  = "none"
)

// ErrTimeout is returned when a session stays busy for longer than the
// configured wait.
var ErrTimeout = errors.New("timed out waiting for session lock")

// Locker serializes chat turns of one (user, session). Lock blocks until the
// session is free, ctx is done or the wait times out. The returned release
// function must be called once the turn has been committed.
type Locker interface {
	Lock(ctx context.Context, userID uint, session string) (release func(), err error)
}

var lockWaitMetric = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "studify_session_lock_wait_seconds",
	Help:    "Time spent waiting for a session lock",
	Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 15, 30},
}, []string{"backend"})

func lockKey(userID uint, session string) string {
	return fmt.Sprintf("%d/%s", userID, session)
}

// waitError maps a cancelled wait to ErrTimeout when only the wait deadline
// expired, and to the caller's error otherwise.
func waitError(parent context.Context) error {
	if err := parent.Err(); err != nil {
		return errors.Wrap(err, "gave up waiting for session lock")
	}
	return ErrTimeout
}

// None performs no coordination. Concurrent turns of one session may
// interleave their history writes.
type None struct{}

func (None) Lock(context.Context, uint, string) (func(), error) {
	return func() {}, nil
}
