package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

type account struct {
	UserID string `json:"user_id"`
	Limit  int    `json:"limit"`
}

type failingStore struct{}

func (failingStore) Get(context.Context, string) ([]byte, bool, error) {
	return nil, false, errors.New("connection refused")
}

func (failingStore) Set(context.Context, string, []byte, time.Duration) error {
	return errors.New("connection refused")
}

func (failingStore) Delete(context.Context, string) error {
	return errors.New("connection refused")
}

func TestGetOrFetchCoalescesConcurrentMisses(t *testing.T) {
	t.Parallel()

	c := New(NewMemoryStore(), Config{DefaultTTL: time.Minute})
	var calls atomic.Int32
	release := make(chan struct{})

	const callers = 50
	var wg sync.WaitGroup
	results := make([]account, callers)
	errs := make([]error, callers)
	for i := range callers {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = GetOrFetch(context.Background(), c, "quota:user:u1", 0,
				func(context.Context) (account, error) {
					calls.Add(1)
					<-release
					return account{UserID: "u1", Limit: 10}, nil
				})
		}(i)
	}

	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	require.Equal(t, int32(1), calls.Load())
	for i := range callers {
		require.NoError(t, errs[i])
		require.Equal(t, account{UserID: "u1", Limit: 10}, results[i])
	}
	stats := c.Stats()
	require.Equal(t, int64(1), stats.Misses)
	require.Equal(t, int64(callers-1), stats.Hits+stats.StampedesPrevented)
}

func TestGetOrFetchHitSkipsFetch(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	c := New(NewMemoryStore(), Config{})
	require.NoError(t, c.Set(ctx, "quota:user:u2", account{UserID: "u2", Limit: 3}, time.Minute))

	got, err := GetOrFetch(ctx, c, "quota:user:u2", 0, func(context.Context) (account, error) {
		t.Fatal("fetch must not run on a hit")
		return account{}, nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, got.Limit)
	require.Equal(t, int64(1), c.Stats().Hits)
}

func TestGetOrFetchErrorIsNotCached(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	c := New(NewMemoryStore(), Config{})
	boom := errors.New("db down")

	_, err := GetOrFetch(ctx, c, "k:v:1", 0, func(context.Context) (int, error) { return 0, boom })
	require.ErrorIs(t, err, boom)

	got, err := GetOrFetch(ctx, c, "k:v:1", 0, func(context.Context) (int, error) { return 7, nil })
	require.NoError(t, err)
	require.Equal(t, 7, got)
}

func TestStoreFailureDegradesToMiss(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	c := New(failingStore{}, Config{})

	var dst account
	ok, err := c.Get(ctx, "quota:user:u3", &dst)
	require.NoError(t, err)
	require.False(t, ok)

	var calls int
	got, err := GetOrFetch(ctx, c, "quota:user:u3", 0, func(context.Context) (account, error) {
		calls++
		return account{UserID: "u3"}, nil
	})
	require.NoError(t, err)
	require.Equal(t, "u3", got.UserID)
	require.Equal(t, 1, calls)
	require.Positive(t, c.Stats().StoreErrors)
}

func TestWaitersShareLeaderResultWhenStoreIsDown(t *testing.T) {
	t.Parallel()

	c := New(failingStore{}, Config{})
	var calls atomic.Int32
	release := make(chan struct{})

	var wg sync.WaitGroup
	results := make([]int, 5)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := GetOrFetch(context.Background(), c, "x:y:z", 0, func(context.Context) (int, error) {
				calls.Add(1)
				<-release
				return 42, nil
			})
			if err == nil {
				results[i] = v
			}
		}(i)
	}
	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return c.Stats().StampedesPrevented == 4 }, time.Second, 5*time.Millisecond)
	close(release)
	wg.Wait()

	require.Equal(t, int32(1), calls.Load())
	require.Equal(t, []int{42, 42, 42, 42, 42}, results)
}

func TestDeleteDuringFillDiscardsStaleValue(t *testing.T) {
	t.Parallel()

	c := New(NewMemoryStore(), Config{LockGCDelay: -1})
	ctx := context.Background()
	var calls atomic.Int32
	release := make(chan struct{})
	fetch := func(context.Context) (int, error) {
		n := calls.Add(1)
		if n == 1 {
			<-release
		}
		return int(n), nil
	}

	leader := make(chan int, 1)
	go func() {
		v, err := GetOrFetch(ctx, c, "x:y:gen", 0, fetch)
		if err != nil {
			t.Errorf("leader GetOrFetch() error = %v", err)
		}
		leader <- v
	}()
	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, 5*time.Millisecond)

	waiter := make(chan int, 1)
	go func() {
		v, err := GetOrFetch(ctx, c, "x:y:gen", 0, fetch)
		if err != nil {
			t.Errorf("waiter GetOrFetch() error = %v", err)
		}
		waiter <- v
	}()
	require.Eventually(t, func() bool { return c.Stats().StampedesPrevented == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, c.Delete(ctx, "x:y:gen"))
	close(release)

	require.Equal(t, 1, <-leader)
	require.Equal(t, 2, <-waiter, "the waiter must not reuse a fill invalidated by Delete")
	require.Equal(t, int32(2), calls.Load())

	var cached int
	ok, err := c.Get(ctx, "x:y:gen", &cached)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 2, cached)
}

func TestWaiterHonoursContextCancellation(t *testing.T) {
	t.Parallel()

	c := New(NewMemoryStore(), Config{})
	release := make(chan struct{})
	defer close(release)
	started := make(chan struct{})

	go func() {
		_, _ = GetOrFetch(context.Background(), c, "slow:key:1", 0, func(context.Context) (int, error) {
			close(started)
			<-release
			return 1, nil
		})
	}()
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := GetOrFetch(ctx, c, "slow:key:1", 0, func(context.Context) (int, error) { return 2, nil })
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestJitterBounds(t *testing.T) {
	t.Parallel()

	base := 100 * time.Second
	require.Equal(t, 90*time.Second, Jitter(base, 10, 0))
	require.Equal(t, base, Jitter(base, 10, 0.5))
	require.InDelta(t, float64(110*time.Second), float64(Jitter(base, 10, 0.999999)), float64(time.Millisecond))
	require.Equal(t, base, Jitter(base, 0, 0.9))
	require.Equal(t, time.Millisecond, Jitter(base, 100, 0))

	c := New(NewMemoryStore(), Config{JitterPercent: 10})
	for range 200 {
		d := c.jitteredTTL(base)
		require.GreaterOrEqual(t, d, 90*time.Second)
		require.LessOrEqual(t, d, 110*time.Second)
	}
}

func TestSetAppliesJitteredTTL(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	store := NewMemoryStore().WithClock(func() time.Time { return now })
	c := New(store, Config{JitterPercent: 20, Rand: func() float64 { return 1 }})

	require.NoError(t, c.Set(context.Background(), "a:b:c", 1, 10*time.Second))
	ttl, ok := store.TTL("a:b:c")
	require.True(t, ok)
	require.Equal(t, 12*time.Second, ttl)
}

func TestLockTableCollectsIdleLocks(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	immediate := New(NewMemoryStore(), Config{LockGCDelay: -1})
	_, err := GetOrFetch(ctx, immediate, "gc:key:1", 0, func(context.Context) (int, error) { return 1, nil })
	require.NoError(t, err)
	require.Equal(t, 0, immediate.Stats().LockedKeys)

	delayed := New(NewMemoryStore(), Config{LockGCDelay: 20 * time.Millisecond})
	_, err = GetOrFetch(ctx, delayed, "gc:key:2", 0, func(context.Context) (int, error) { return 1, nil })
	require.NoError(t, err)
	require.Equal(t, 1, delayed.Stats().LockedKeys)
	require.Eventually(t, func() bool { return delayed.Stats().LockedKeys == 0 }, time.Second, 5*time.Millisecond)
}

func TestNormalizeKey(t *testing.T) {
	t.Parallel()

	c := New(NewMemoryStore(), Config{})
	require.Equal(t, "crawlquota:plain", c.NormalizeKey("plain"))
	require.Equal(t, "quota:user:u1", c.NormalizeKey(Key("quota", "user", "u1")))
}

func TestDeleteEvicts(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	c := New(NewMemoryStore(), Config{})
	require.NoError(t, c.Set(ctx, "quota:user:u9", 5, 0))
	require.NoError(t, c.Delete(ctx, "quota:user:u9"))

	var v int
	ok, err := c.Get(ctx, "quota:user:u9", &v)
	require.NoError(t, err)
	require.False(t, ok)

	broken := New(failingStore{}, Config{})
	require.Error(t, broken.Delete(ctx, "quota:user:u9"))
}

func TestMemoryStoreExpiry(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	store := NewMemoryStore().WithClock(func() time.Time { return now })
	require.NoError(t, store.Set(ctx, "k", []byte("v"), time.Second))

	got, ok, err := store.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("v"), got)

	now = now.Add(2 * time.Second)
	_, ok, err = store.Get(ctx, "k")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRedisStoreRoundTrip(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	store := NewRedisStoreWithClient(client)
	ctx := context.Background()

	require.NoError(t, store.Ping(ctx))
	_, ok, err := store.Get(ctx, "missing")
	require.NoError(t, err)
	require.False(t, ok)

	c := New(store, Config{JitterPercent: 10})
	require.NoError(t, c.Set(ctx, "quota:user:r1", account{UserID: "r1", Limit: 4}, time.Minute))
	ttl := mr.TTL("quota:user:r1")
	require.GreaterOrEqual(t, ttl, 54*time.Second)
	require.LessOrEqual(t, ttl, 66*time.Second)

	var got account
	ok, err = c.Get(ctx, "quota:user:r1", &got)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 4, got.Limit)

	mr.FastForward(2 * time.Minute)
	ok, err = c.Get(ctx, "quota:user:r1", &got)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, store.Close())
}

func TestRedisOutageDegradesToMiss(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })
	c := New(NewRedisStoreWithClient(client), Config{})
	mr.Close()

	got, err := GetOrFetch(context.Background(), c, "quota:user:down", 0, func(context.Context) (int, error) {
		return 9, nil
	})
	require.NoError(t, err)
	require.Equal(t, 9, got)
	require.Positive(t, c.Stats().StoreErrors)
}
