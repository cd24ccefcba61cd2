package lock_test

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/fifo-ledger/lock"
)

func TestNormalize(t *testing.T) {
	assert.Equal(t, []string{"A", "B", "C"}, lock.Normalize([]string{"C", "A", "", "B", "A"}))
	assert.Empty(t, lock.Normalize(nil))
}

func TestLocal_ExcludesSameKey(t *testing.T) {
	// GIVEN: One key held
	l := lock.NewLocal()
	unlock, err := l.Lock(context.Background(), "FLOUR")
	require.NoError(t, err)

	// WHEN: A second caller asks for it with a short deadline
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = l.Lock(ctx, "FLOUR", "SUGAR")

	// THEN: It times out and SUGAR is not left locked
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	unlock()

	again, err := l.Lock(context.Background(), "SUGAR", "FLOUR")
	require.NoError(t, err)
	again()
}

func TestLocal_DisjointKeysRunTogether(t *testing.T) {
	l := lock.NewLocal()
	a, err := l.Lock(context.Background(), "A")
	require.NoError(t, err)
	defer a()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	b, err := l.Lock(ctx, "B")

	require.NoError(t, err)
	b()
}

func TestLocal_UnlockIsIdempotent(t *testing.T) {
	l := lock.NewLocal()
	unlock, err := l.Lock(context.Background(), "A")
	require.NoError(t, err)

	unlock()
	unlock()

	again, err := l.Lock(context.Background(), "A")
	require.NoError(t, err)
	again()
}

func TestLocal_OppositeOrderNoDeadlock(t *testing.T) {
	// GIVEN: Many goroutines locking the same pair in opposite orders
	l := lock.NewLocal()
	var inside atomic.Int32
	var wg sync.WaitGroup

	for i := 0; i < 50; i++ {
		keys := []string{"A", "B"}
		if i%2 == 1 {
			keys = []string{"B", "A"}
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := l.Lock(context.Background(), keys...)
			if !assert.NoError(t, err) {
				return
			}
			// THEN: Never more than one holder at a time
			assert.Equal(t, int32(1), inside.Add(1))
			inside.Add(-1)
			unlock()
		}()
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("deadlock")
	}
}

// TestRedis_ExcludesSameKey needs a Redis server; set REDIS_ADDR to run it.
func TestRedis_ExcludesSameKey(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	defer rdb.Close()
	ctx := context.Background()
	require.NoError(t, rdb.Ping(ctx).Err())

	cfg := lock.DefaultRedisConfig()
	cfg.Prefix = "fifo-test:" + t.Name() + ":"
	cfg.MaxRetries = 2
	l := lock.NewRedis(rdb, cfg, nil)

	unlock, err := l.Lock(ctx, "FLOUR")
	require.NoError(t, err)

	_, err = l.Lock(ctx, "SUGAR", "FLOUR")
	assert.ErrorIs(t, err, lock.ErrNotObtained)

	unlock()
	again, err := l.Lock(ctx, "FLOUR", "SUGAR")
	require.NoError(t, err)
	again()
}
