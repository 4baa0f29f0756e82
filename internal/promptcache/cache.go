// Package promptcache is a TTL cache that serves stale values while a single
// background refresh per key replaces them.
package promptcache

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/kon-rad/llmtrace/internal/clock"
)

const DefaultTTL = 60 * time.Second

// FetchFunc loads the current value for a key.
type FetchFunc[V any] func(ctx context.Context) (V, error)

type entry[V any] struct {
	value     V
	expiresAt time.Time
}

type Cache[V any] struct {
	clock  clock.Clock
	logger *slog.Logger
	group  singleflight.Group

	mu         sync.Mutex
	entries    map[string]entry[V]
	refreshing map[string]chan struct{}
}

func New[V any](clk clock.Clock, logger *slog.Logger) *Cache[V] {
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache[V]{
		clock:      clk,
		logger:     logger,
		entries:    make(map[string]entry[V]),
		refreshing: make(map[string]chan struct{}),
	}
}

// GetOrRefresh returns the cached value for key.
//
// A miss blocks on fetch, with concurrent misses for the same key sharing one
// call, and stores the result for ttl. Cancelling ctx abandons the wait but
// not the shared call. An expired entry is returned as is
// while at most one background refresh replaces it; a failed refresh keeps
// the old value. A ttl of zero or less bypasses the cache entirely.
func (c *Cache[V]) GetOrRefresh(ctx context.Context, key string, ttl time.Duration, fetch FetchFunc[V]) (V, error) {
	if ttl <= 0 {
		return fetch(ctx)
	}

	c.mu.Lock()
	e, ok := c.entries[key]
	if ok {
		if c.clock.Now().Before(e.expiresAt) {
			c.mu.Unlock()
			return e.value, nil
		}
		c.startRefreshLocked(ctx, key, ttl, fetch)
		c.mu.Unlock()
		return e.value, nil
	}
	c.mu.Unlock()

	// The shared fetch outlives any single caller; each caller stops waiting
	// on its own ctx.
	fetchCtx := context.WithoutCancel(ctx)
	ch := c.group.DoChan(key, func() (any, error) {
		v, err := fetch(fetchCtx)
		if err != nil {
			return v, err
		}
		c.Set(key, v, ttl)
		return v, nil
	})

	var zero V
	select {
	case res := <-ch:
		if res.Err != nil {
			return zero, fmt.Errorf("fetch %s: %w", key, res.Err)
		}
		value, _ := res.Val.(V)
		return value, nil
	case <-ctx.Done():
		return zero, fmt.Errorf("fetch %s: %w", key, ctx.Err())
	}
}

// startRefreshLocked registers the refresh before returning so a concurrent
// expired read observes it. c.mu must be held.
func (c *Cache[V]) startRefreshLocked(ctx context.Context, key string, ttl time.Duration, fetch FetchFunc[V]) {
	if _, busy := c.refreshing[key]; busy {
		return
	}
	done := make(chan struct{})
	c.refreshing[key] = done
	refreshCtx := context.WithoutCancel(ctx)

	go func() {
		defer func() {
			c.mu.Lock()
			delete(c.refreshing, key)
			c.mu.Unlock()
			close(done)
		}()
		c.logger.Debug("refreshing expired cache entry", "key", key)
		v, err := fetch(refreshCtx)
		if err != nil {
			c.logger.Warn("background refresh failed, serving stale value", "key", key, "error", err)
			return
		}
		c.Set(key, v, ttl)
	}()
}

// Get returns the entry for key, expired or not, and whether it is fresh.
func (c *Cache[V]) Get(key string) (value V, fresh, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return value, false, false
	}
	return e.value, c.clock.Now().Before(e.expiresAt), true
}

func (c *Cache[V]) Set(key string, v V, ttl time.Duration) {
	c.mu.Lock()
	c.entries[key] = entry[V]{value: v, expiresAt: c.clock.Now().Add(ttl)}
	c.mu.Unlock()
}

func (c *Cache[V]) Invalidate(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

func (c *Cache[V]) IsRefreshing(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, busy := c.refreshing[key]
	return busy
}

// WaitRefresh blocks until the in-flight refresh for key settles. It returns
// immediately when none is running.
func (c *Cache[V]) WaitRefresh(ctx context.Context, key string) error {
	c.mu.Lock()
	done, busy := c.refreshing[key]
	c.mu.Unlock()
	if !busy {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
