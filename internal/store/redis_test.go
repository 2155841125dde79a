package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMiniredisStore(t *testing.T) (*miniredis.Miniredis, *RedisStore) {
	t.Helper()
	mr := miniredis.RunT(t)
	s, err := NewRedisStore(context.Background(), RedisConfig{URL: mr.Addr(), Prefix: "test:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return mr, s
}

func TestNewRedisStore_URLForms(t *testing.T) {
	mr := miniredis.RunT(t)

	for _, u := range []string{mr.Addr(), "redis://" + mr.Addr() + "/0"} {
		s, err := NewRedisStore(context.Background(), RedisConfig{URL: u})
		require.NoError(t, err, u)
		require.NoError(t, s.Ping(context.Background()))
		_ = s.Close()
	}
}

func TestNewRedisStore_Errors(t *testing.T) {
	_, err := NewRedisStore(context.Background(), RedisConfig{})
	assert.Error(t, err)

	_, err = NewRedisStore(context.Background(), RedisConfig{URL: "redis://%zz"})
	assert.Error(t, err)

	_, err = NewRedisStore(context.Background(), RedisConfig{URL: "127.0.0.1:1", DialTimeout: 200 * time.Millisecond})
	assert.Error(t, err)
}

func TestRedisStore_Increment_SetsExpiryOnFirstHitOnly(t *testing.T) {
	mr, s := newMiniredisStore(t)
	ctx := context.Background()

	count, ttl, err := s.Increment(ctx, "1.2.3.4", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
	assert.Equal(t, time.Minute, ttl)
	assert.Equal(t, time.Minute, mr.TTL("test:1.2.3.4"))

	mr.FastForward(20 * time.Second)

	count, ttl, err = s.Increment(ctx, "1.2.3.4", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)
	// The second hit must not push the window end out.
	assert.Equal(t, 40*time.Second, ttl)
}

func TestRedisStore_Increment_WindowReset(t *testing.T) {
	mr, s := newMiniredisStore(t)
	ctx := context.Background()

	for range 3 {
		_, _, err := s.Increment(ctx, "k", time.Minute)
		require.NoError(t, err)
	}

	mr.FastForward(time.Minute + time.Second)

	count, _, err := s.Increment(ctx, "k", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestRedisStore_Increment_HealsMissingExpiry(t *testing.T) {
	mr, s := newMiniredisStore(t)
	require.NoError(t, mr.Set("test:stale", "7"))

	count, ttl, err := s.Increment(context.Background(), "stale", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(8), count)
	assert.Equal(t, time.Minute, ttl)
}

func TestRedisStore_Increment_ConcurrentClientsAreAtomic(t *testing.T) {
	mr := miniredis.RunT(t)

	// Two stores with independent connection pools model two gateway replicas.
	a := NewRedisStoreWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "rl:")
	b := NewRedisStoreWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "rl:")
	defer a.Close()
	defer b.Close()

	const perStore = 50
	var wg sync.WaitGroup
	seen := make(chan int64, 2*perStore)
	for _, s := range []*RedisStore{a, b} {
		for range perStore {
			wg.Add(1)
			go func() {
				defer wg.Done()
				n, _, err := s.Increment(context.Background(), "shared", time.Minute)
				if err != nil {
					t.Errorf("Increment: %v", err)
					return
				}
				seen <- n
			}()
		}
	}
	wg.Wait()
	close(seen)

	unique := make(map[int64]bool)
	for n := range seen {
		assert.False(t, unique[n], "count %d returned twice", n)
		unique[n] = true
	}
	assert.Len(t, unique, 2*perStore)

	got, err := mr.Get("rl:shared")
	require.NoError(t, err)
	assert.Equal(t, "100", got)
}

func TestRedisStore_Increment_ContextCancelled(t *testing.T) {
	_, s := newMiniredisStore(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err := s.Increment(ctx, "k", time.Minute)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled), "expected context.Canceled, got %v", err)
}

func TestRedisStore_Increment_ServerDown(t *testing.T) {
	mr, s := newMiniredisStore(t)
	mr.Close()

	_, _, err := s.Increment(context.Background(), "k", time.Minute)
	assert.Error(t, err)
}
