package sessionlock

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	r "gopkg.in/redis.v5"
)

const (
	redisPrefix     = "_STUDIFY_lock:"
	redisRetryDelay = 50 * time.Millisecond
)

// releaseScript deletes the lock only if it is still owned by the caller's token.
const releaseScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0`

// Redis is a lock shared by every replica using the same Redis. Locks expire
// after ttl so a crashed holder cannot block a session forever.
type Redis struct {
	client *r.Client
	ttl    time.Duration
	wait   time.Duration
}

func NewRedis(client *r.Client, ttl, wait time.Duration) *Redis {
	return &Redis{
		client: client,
		ttl:    ttl,
		wait:   wait,
	}
}

func (l *Redis) Lock(ctx context.Context, userID uint, session string) (func(), error) {
	key := redisPrefix + lockKey(userID, session)
	token := uuid.NewString()
	start := time.Now()

	waitCtx := ctx
	if l.wait > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, l.wait)
		defer cancel()
	}

	for {
		ok, err := l.client.SetNX(key, token, l.ttl).Result()
		if err != nil {
			return nil, errors.Wrap(err, "could not acquire session lock")
		}
		if ok {
			lockWaitMetric.WithLabelValues(BackendRedis).Observe(time.Since(start).Seconds())
			return func() { l.release(key, token) }, nil
		}

		select {
		case <-waitCtx.Done():
			return nil, waitError(ctx)
		case <-time.After(redisRetryDelay):
		}
	}
}

func (l *Redis) release(key, token string) {
	if err := l.client.Eval(releaseScript, []string{key}, token).Err(); err != nil && err != r.Nil {
		log.WithError(err).WithField("key", key).Warn("could not release session lock")
	}
}
