package sessionlock

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	r "gopkg.in/redis.v5"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *r.Client) {
	mr := miniredis.RunT(t)
	client := r.NewClient(&r.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func TestRedisSerializesSameSession(t *testing.T) {
	mr, client := newTestRedis(t)
	l := NewRedis(client, time.Minute, 0)
	var active, maxActive int32
	var wg sync.WaitGroup

	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := l.Lock(context.Background(), 1, "s1")
			if !assert.NoError(t, err) {
				return
			}
			n := atomic.AddInt32(&active, 1)
			for {
				m := atomic.LoadInt32(&maxActive)
				if n <= m || atomic.CompareAndSwapInt32(&maxActive, m, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			atomic.AddInt32(&active, -1)
			release()
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxActive)
	assert.False(t, mr.Exists(redisPrefix+lockKey(1, "s1")), "released locks are deleted")
}

func TestRedisDoesNotBlockOtherSessions(t *testing.T) {
	mr, client := newTestRedis(t)
	l := NewRedis(client, time.Minute, time.Second)

	release, err := l.Lock(context.Background(), 1, "s1")
	require.NoError(t, err)
	defer release()
	assert.True(t, mr.Exists(redisPrefix+lockKey(1, "s1")))
	assert.Equal(t, time.Minute, mr.TTL(redisPrefix+lockKey(1, "s1")))

	other, err := l.Lock(context.Background(), 1, "s2")
	require.NoError(t, err)
	other()

	otherUser, err := l.Lock(context.Background(), 2, "s1")
	require.NoError(t, err)
	otherUser()
}

func TestRedisWaitTimeout(t *testing.T) {
	_, client := newTestRedis(t)
	l := NewRedis(client, time.Minute, 120*time.Millisecond)

	release, err := l.Lock(context.Background(), 1, "s1")
	require.NoError(t, err)

	_, err = l.Lock(context.Background(), 1, "s1")
	assert.ErrorIs(t, err, ErrTimeout)

	release()

	again, err := l.Lock(context.Background(), 1, "s1")
	require.NoError(t, err)
	again()
}

func TestRedisCallerCancel(t *testing.T) {
	_, client := newTestRedis(t)
	l := NewRedis(client, time.Minute, time.Minute)

	release, err := l.Lock(context.Background(), 1, "s1")
	require.NoError(t, err)
	defer release()

	ctx, cancel := context.WithCancel(context.Background())
	errs := make(chan error, 1)
	go func() {
		_, err := l.Lock(ctx, 1, "s1")
		errs <- err
	}()
	cancel()

	select {
	case err := <-errs:
		require.Error(t, err)
		assert.ErrorIs(t, err, context.Canceled)
		assert.NotErrorIs(t, err, ErrTimeout)
	case <-time.After(5 * time.Second):
		t.Fatal("cancelled waiter did not return")
	}
}

func TestRedisExpiredHolderCannotReleaseSuccessor(t *testing.T) {
	mr, client := newTestRedis(t)
	key := redisPrefix + lockKey(1, "s1")
	l := NewRedis(client, time.Second, 120*time.Millisecond)

	first, err := l.Lock(context.Background(), 1, "s1")
	require.NoError(t, err)
	firstToken, err := mr.Get(key)
	require.NoError(t, err)

	mr.FastForward(2 * time.Second)
	require.False(t, mr.Exists(key), "lock expired")

	second, err := l.Lock(context.Background(), 1, "s1")
	require.NoError(t, err)
	secondToken, err := mr.Get(key)
	require.NoError(t, err)
	require.NotEqual(t, firstToken, secondToken)

	first()
	got, err := mr.Get(key)
	require.NoError(t, err, "late release must not delete the new holder's lock")
	assert.Equal(t, secondToken, got)

	_, err = l.Lock(context.Background(), 1, "s1")
	assert.ErrorIs(t, err, ErrTimeout)

	second()
	assert.False(t, mr.Exists(key))
}
