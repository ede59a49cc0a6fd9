// Package pip implements the PIP Cache (spec §4.7): a bounded-latency
// view over external attribute providers (identity providers, HRIS,
// CRM, arbitrary HTTP APIs) that the decision engine consults during
// evaluation. Concurrency discipline (at-most-one fetch per key,
// waiters share the result) follows the teacher's netpolicy/httpx
// pattern of a single shared client per timeout class, generalized
// here into a per-key in-flight map guarded by a mutex — the same
// shape Go's own golang.org/x/sync/singleflight uses, reimplemented
// directly here to avoid pulling in a dependency the rest of the pack
// never reaches for.
package pip

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/controlcoreio/control-core/internal/model"
)

// Key identifies one attribute lookup.
type Key struct {
	TenantID     string
	Environment  model.Environment
	ConnectionID string
	Path         string
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%s/%s/%s", k.TenantID, k.Environment, k.ConnectionID, k.Path)
}

// Fetcher resolves one attribute path against its backing connection.
// Any credential the connection needs is resolved inside the Fetcher
// itself (HTTPFetcher reads it from the vault on every call); the Cache
// never sees or retains it.
type Fetcher func(ctx context.Context, conn model.PipConnection, path string) (any, error)

type entry struct {
	value     any
	fetchedAt time.Time
	ttl       time.Duration
}

func (e entry) fresh(now time.Time) bool {
	return now.Sub(e.fetchedAt) < e.ttl
}

// Cache is safe for concurrent use. One Cache instance is shared by
// every decision evaluation in a process.
type Cache struct {
	mu         sync.Mutex
	values     map[string]entry
	inFlight   map[string]*call
	fetch      Fetcher
	maxEntries int
}

type call struct {
	done  chan struct{}
	value any
	err   error
}

// New builds a Cache. maxEntries bounds memory use across every
// tenant/connection this process serves; 0 means unbounded. On a
// fresh insert past the bound, the single oldest entry is evicted —
// a deliberately simple policy since PIP attributes are re-fetched on
// a miss rather than lost, so an eviction only costs one extra round
// trip to the provider.
func New(fetch Fetcher, maxEntries int) *Cache {
	return &Cache{
		values:     make(map[string]entry),
		inFlight:   make(map[string]*call),
		fetch:      fetch,
		maxEntries: maxEntries,
	}
}

// ErrMissing is returned when no fresh or stale value exists and the
// fetch itself failed or timed out.
var ErrMissing = fmt.Errorf("pip: attribute missing")

// Lookup returns the cached value if fresh. On a miss it performs a
// synchronous fetch bounded by ctx's deadline; concurrent lookups for
// the same key share one in-flight fetch. On timeout or fetch error,
// a stale cached value is returned if one exists; otherwise ErrMissing.
func (c *Cache) Lookup(ctx context.Context, key Key, conn model.PipConnection, ttl time.Duration) (any, error) {
	k := key.String()

	c.mu.Lock()
	if e, ok := c.values[k]; ok && e.fresh(time.Now()) {
		c.mu.Unlock()
		return e.value, nil
	}
	if inFlight, ok := c.inFlight[k]; ok {
		c.mu.Unlock()
		return c.wait(ctx, k, inFlight)
	}
	ch := &call{done: make(chan struct{})}
	c.inFlight[k] = ch
	c.mu.Unlock()

	go c.run(key, conn, ttl, ch)

	return c.wait(ctx, k, ch)
}

func (c *Cache) run(key Key, conn model.PipConnection, ttl time.Duration, ch *call) {
	// The shared fetch is not bound to any single waiter's context:
	// cancelling one waiter must never cancel a fetch other callers
	// are still waiting on (§5 concurrency invariant).
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	value, err := c.fetch(ctx, conn, key.Path)
	ch.value, ch.err = value, err

	c.mu.Lock()
	delete(c.inFlight, key.String())
	if err == nil {
		c.evictOldestLocked()
		c.values[key.String()] = entry{value: value, fetchedAt: time.Now(), ttl: ttl}
	}
	c.mu.Unlock()
	close(ch.done)
}

// evictOldestLocked drops the single oldest entry if inserting one
// more would exceed maxEntries. Callers hold c.mu.
func (c *Cache) evictOldestLocked() {
	if c.maxEntries <= 0 || len(c.values) < c.maxEntries {
		return
	}
	var oldestKey string
	var oldestAt time.Time
	for k, e := range c.values {
		if oldestKey == "" || e.fetchedAt.Before(oldestAt) {
			oldestKey, oldestAt = k, e.fetchedAt
		}
	}
	if oldestKey != "" {
		delete(c.values, oldestKey)
	}
}

func (c *Cache) wait(ctx context.Context, k string, ch *call) (any, error) {
	select {
	case <-ch.done:
		if ch.err != nil {
			return c.staleOrMissing(k)
		}
		return ch.value, nil
	case <-ctx.Done():
		return c.staleOrMissing(k)
	}
}

func (c *Cache) staleOrMissing(k string) (any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.values[k]; ok {
		return e.value, nil
	}
	return nil, ErrMissing
}

// Invalidate drops every cached value for connectionID, called when
// its PIP connection is updated.
func (c *Cache) Invalidate(tenantID string, env model.Environment, connectionID string) {
	prefix := fmt.Sprintf("%s/%s/%s/", tenantID, env, connectionID)
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.values {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			delete(c.values, k)
		}
	}
}

// BulkRefresh eagerly re-fetches each of paths for a connection, fresh
// or not; a path with a fetch already in flight is skipped, and a
// failed fetch keeps the previous value. It is not driven by decision
// traffic, and nothing in this repository calls it on a schedule.
func (c *Cache) BulkRefresh(ctx context.Context, conn model.PipConnection, ttl time.Duration, paths []string) {
	for _, p := range paths {
		if ctx.Err() != nil {
			return
		}
		key := Key{TenantID: conn.TenantID, Environment: conn.Environment, ConnectionID: conn.ID, Path: p}
		c.mu.Lock()
		if _, busy := c.inFlight[key.String()]; busy {
			c.mu.Unlock()
			continue
		}
		ch := &call{done: make(chan struct{})}
		c.inFlight[key.String()] = ch
		c.mu.Unlock()
		c.run(key, conn, ttl, ch)
	}
}
