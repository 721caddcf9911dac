package sessionlock

import (
	"context"
	"sync"
	"time"
)

type localEntry struct {
	sem  chan struct{}
	refs int
}

// Local is an in-process keyed mutex. Entries only exist while a session is
// held or awaited.
type Local struct {
	wait time.Duration

	mu      sync.Mutex
	entries map[string]*localEntry
}

// NewLocal creates a Local locker. A wait of zero waits until ctx is done.
func NewLocal(wait time.Duration) *Local {
	return &Local{
		wait:    wait,
		entries: map[string]*localEntry{},
	}
}

func (l *Local) Lock(ctx context.Context, userID uint, session string) (func(), error) {
	key := lockKey(userID, session)
	start := time.Now()

	l.mu.Lock()
	e, ok := l.entries[key]
	if !ok {
		e = &localEntry{sem: make(chan struct{}, 1)}
		l.entries[key] = e
	}
	e.refs++
	l.mu.Unlock()

	waitCtx := ctx
	if l.wait > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, l.wait)
		defer cancel()
	}

	select {
	case e.sem <- struct{}{}:
		lockWaitMetric.WithLabelValues(BackendLocal).Observe(time.Since(start).Seconds())
		var once sync.Once
		return func() {
			once.Do(func() {
				<-e.sem
				l.unref(key, e)
			})
		}, nil
	case <-waitCtx.Done():
		l.unref(key, e)
		return nil, waitError(ctx)
	}
}

func (l *Local) unref(key string, e *localEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(l.entries, key)
	}
}

func (l *Local) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
