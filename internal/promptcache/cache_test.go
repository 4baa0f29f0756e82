package promptcache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kon-rad/llmtrace/internal/clock"
	"github.com/kon-rad/llmtrace/internal/logging"
)

type countingFetcher struct {
	calls atomic.Int32
	value atomic.Value
	fail  atomic.Bool
	gate  chan struct{}
}

func newFetcher(initial string) *countingFetcher {
	f := &countingFetcher{}
	f.value.Store(initial)
	return f
}

func (f *countingFetcher) fetch(ctx context.Context) (string, error) {
	f.calls.Add(1)
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if f.fail.Load() {
		return "", errors.New("upstream unavailable")
	}
	return f.value.Load().(string), nil
}

func newCache(t *testing.T) (*Cache[string], *clock.FakeClock) {
	t.Helper()
	clk := clock.Fake(time.Unix(1_700_000_000, 0))
	return New[string](clk, logging.Discard()), clk
}

func TestMissFetchesAndStores(t *testing.T) {
	t.Parallel()

	c, _ := newCache(t)
	f := newFetcher("v1")

	got, err := c.GetOrRefresh(context.Background(), "greeting-label:production", 10*time.Second, f.fetch)
	require.NoError(t, err)
	assert.Equal(t, "v1", got)

	got, err = c.GetOrRefresh(context.Background(), "greeting-label:production", 10*time.Second, f.fetch)
	require.NoError(t, err)
	assert.Equal(t, "v1", got)
	assert.EqualValues(t, 1, f.calls.Load())
}

func TestFreshUntilTTLThenStaleWithOneRefresh(t *testing.T) {
	t.Parallel()

	c, clk := newCache(t)
	f := newFetcher("v1")
	ctx := context.Background()
	key := "greeting-label:production"

	_, err := c.GetOrRefresh(ctx, key, 10*time.Second, f.fetch)
	require.NoError(t, err)

	clk.Advance(9999 * time.Millisecond)
	got, err := c.GetOrRefresh(ctx, key, 10*time.Second, f.fetch)
	require.NoError(t, err)
	assert.Equal(t, "v1", got)
	assert.False(t, c.IsRefreshing(key))
	assert.EqualValues(t, 1, f.calls.Load())

	f.gate = make(chan struct{})
	f.value.Store("v2")
	clk.Advance(2 * time.Millisecond)

	got, err = c.GetOrRefresh(ctx, key, 10*time.Second, f.fetch)
	require.NoError(t, err)
	assert.Equal(t, "v1", got, "expired read serves the stale value")
	assert.True(t, c.IsRefreshing(key))

	got, err = c.GetOrRefresh(ctx, key, 10*time.Second, f.fetch)
	require.NoError(t, err)
	assert.Equal(t, "v1", got)

	close(f.gate)
	require.NoError(t, c.WaitRefresh(ctx, key))
	assert.False(t, c.IsRefreshing(key))
	assert.EqualValues(t, 2, f.calls.Load(), "two expired reads share one refresh")

	got, err = c.GetOrRefresh(ctx, key, 10*time.Second, f.fetch)
	require.NoError(t, err)
	assert.Equal(t, "v2", got)
}

func TestConcurrentMissesShareOneFetch(t *testing.T) {
	t.Parallel()

	c, _ := newCache(t)
	f := newFetcher("shared")
	f.gate = make(chan struct{})

	const readers = 16
	var wg sync.WaitGroup
	results := make([]string, readers)
	errs := make([]error, readers)
	for i := 0; i < readers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = c.GetOrRefresh(context.Background(), "k", time.Minute, f.fetch)
		}(i)
	}
	require.Eventually(t, func() bool { return f.calls.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(f.gate)
	wg.Wait()

	for i := 0; i < readers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "shared", results[i])
	}
	assert.EqualValues(t, 1, f.calls.Load())
}

func TestConcurrentExpiredReadsStartOneRefresh(t *testing.T) {
	t.Parallel()

	c, clk := newCache(t)
	f := newFetcher("v1")
	ctx := context.Background()
	_, err := c.GetOrRefresh(ctx, "k", time.Second, f.fetch)
	require.NoError(t, err)

	f.gate = make(chan struct{})
	clk.Advance(2 * time.Second)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := c.GetOrRefresh(ctx, "k", time.Second, f.fetch)
			assert.NoError(t, err)
			assert.Equal(t, "v1", v)
		}()
	}
	wg.Wait()
	close(f.gate)
	require.NoError(t, c.WaitRefresh(ctx, "k"))
	assert.EqualValues(t, 2, f.calls.Load())
}

func TestRefreshFailureKeepsStaleValue(t *testing.T) {
	t.Parallel()

	c, clk := newCache(t)
	f := newFetcher("v1")
	ctx := context.Background()
	_, err := c.GetOrRefresh(ctx, "k", time.Second, f.fetch)
	require.NoError(t, err)

	f.fail.Store(true)
	clk.Advance(2 * time.Second)
	got, err := c.GetOrRefresh(ctx, "k", time.Second, f.fetch)
	require.NoError(t, err)
	assert.Equal(t, "v1", got)
	require.NoError(t, c.WaitRefresh(ctx, "k"))

	got, err = c.GetOrRefresh(ctx, "k", time.Second, f.fetch)
	require.NoError(t, err)
	assert.Equal(t, "v1", got, "failed refresh must not evict")
	require.NoError(t, c.WaitRefresh(ctx, "k"))
	assert.EqualValues(t, 3, f.calls.Load())
}

func TestMissErrorPropagatesAndIsNotStored(t *testing.T) {
	t.Parallel()

	c, _ := newCache(t)
	f := newFetcher("v1")
	f.fail.Store(true)

	_, err := c.GetOrRefresh(context.Background(), "k", time.Minute, f.fetch)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "upstream unavailable")
	assert.Zero(t, c.Len())

	f.fail.Store(false)
	got, err := c.GetOrRefresh(context.Background(), "k", time.Minute, f.fetch)
	require.NoError(t, err)
	assert.Equal(t, "v1", got)
}

func TestZeroTTLAlwaysFetches(t *testing.T) {
	t.Parallel()

	c, _ := newCache(t)
	f := newFetcher("v1")
	for i := 0; i < 3; i++ {
		_, err := c.GetOrRefresh(context.Background(), "k", 0, f.fetch)
		require.NoError(t, err)
	}
	assert.EqualValues(t, 3, f.calls.Load())
	assert.Zero(t, c.Len())
}

func TestKeysAreIndependent(t *testing.T) {
	t.Parallel()

	c, _ := newCache(t)
	ctx := context.Background()
	v1, err := c.GetOrRefresh(ctx, "p-version:1", time.Minute, newFetcher("one").fetch)
	require.NoError(t, err)
	v2, err := c.GetOrRefresh(ctx, "p-version:2", time.Minute, newFetcher("two").fetch)
	require.NoError(t, err)
	assert.Equal(t, "one", v1)
	assert.Equal(t, "two", v2)

	c.Invalidate("p-version:1")
	_, _, ok := c.Get("p-version:1")
	assert.False(t, ok)
}

func TestWaitRefreshWithoutRefreshReturns(t *testing.T) {
	t.Parallel()

	c, _ := newCache(t)
	require.NoError(t, c.WaitRefresh(context.Background(), "absent"))
}

func TestCancelledMissDoesNotFailOtherWaiters(t *testing.T) {
	t.Parallel()

	c, _ := newCache(t)
	f := newFetcher("shared")
	f.gate = make(chan struct{})

	firstCtx, cancelFirst := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := c.GetOrRefresh(firstCtx, "k", time.Minute, f.fetch)
		firstErr <- err
	}()
	require.Eventually(t, func() bool { return f.calls.Load() == 1 }, time.Second, time.Millisecond)

	type result struct {
		value string
		err   error
	}
	second := make(chan result, 1)
	go func() {
		v, err := c.GetOrRefresh(context.Background(), "k", time.Minute, f.fetch)
		second <- result{v, err}
	}()
	time.Sleep(20 * time.Millisecond)

	cancelFirst()
	select {
	case err := <-firstErr:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("cancelled caller kept waiting")
	}

	close(f.gate)
	select {
	case res := <-second:
		require.NoError(t, res.err)
		assert.Equal(t, "shared", res.value)
	case <-time.After(time.Second):
		t.Fatal("second caller never returned")
	}
	assert.EqualValues(t, 1, f.calls.Load())

	v, fresh, ok := c.Get("k")
	require.True(t, ok)
	assert.True(t, fresh)
	assert.Equal(t, "shared", v)
}
