package pip

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/controlcoreio/control-core/internal/model"
)

func testConn(id string) model.PipConnection {
	return model.PipConnection{ID: id, TenantID: "tenant-a", Environment: model.EnvSandbox, Kind: model.PipHTTPAPI}
}

func TestLookupCachesFreshValue(t *testing.T) {
	var calls int32
	fetch := func(ctx context.Context, conn model.PipConnection, path string) (any, error) {
		atomic.AddInt32(&calls, 1)
		return "v1", nil
	}
	c := New(fetch, 0)
	key := Key{TenantID: "tenant-a", Environment: model.EnvSandbox, ConnectionID: "conn-1", Path: "email"}

	for i := 0; i < 3; i++ {
		v, err := c.Lookup(context.Background(), key, testConn("conn-1"), time.Minute)
		if err != nil {
			t.Fatalf("lookup %d: %v", i, err)
		}
		if v != "v1" {
			t.Fatalf("lookup %d: got %v", i, v)
		}
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("expected exactly 1 fetch for repeated fresh lookups, got %d", got)
	}
}

func TestLookupCoalescesConcurrentMisses(t *testing.T) {
	var calls int32
	release := make(chan struct{})
	fetch := func(ctx context.Context, conn model.PipConnection, path string) (any, error) {
		atomic.AddInt32(&calls, 1)
		<-release
		return "v1", nil
	}
	c := New(fetch, 0)
	key := Key{TenantID: "tenant-a", Environment: model.EnvSandbox, ConnectionID: "conn-1", Path: "email"}

	var wg sync.WaitGroup
	results := make([]any, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := c.Lookup(context.Background(), key, testConn("conn-1"), time.Minute)
			if err != nil {
				t.Errorf("lookup %d: %v", i, err)
			}
			results[i] = v
		}(i)
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("expected exactly 1 underlying fetch for concurrent misses, got %d", got)
	}
	for i, v := range results {
		if v != "v1" {
			t.Fatalf("waiter %d: got %v", i, v)
		}
	}
}

func TestLookupFallsBackToStaleOnFetchError(t *testing.T) {
	var fail int32
	fetch := func(ctx context.Context, conn model.PipConnection, path string) (any, error) {
		if atomic.LoadInt32(&fail) == 0 {
			return "fresh", nil
		}
		return nil, errors.New("provider unavailable")
	}
	c := New(fetch, 0)
	key := Key{TenantID: "tenant-a", Environment: model.EnvSandbox, ConnectionID: "conn-1", Path: "email"}

	// Prime the cache with a value whose TTL has already elapsed.
	if _, err := c.Lookup(context.Background(), key, testConn("conn-1"), time.Nanosecond); err != nil {
		t.Fatalf("priming lookup: %v", err)
	}
	time.Sleep(time.Millisecond)

	atomic.StoreInt32(&fail, 1)
	v, err := c.Lookup(context.Background(), key, testConn("conn-1"), time.Nanosecond)
	if err != nil {
		t.Fatalf("expected stale fallback, got error: %v", err)
	}
	if v != "fresh" {
		t.Fatalf("expected stale value %q, got %v", "fresh", v)
	}
}

func TestLookupReturnsErrMissingWithNoStaleValue(t *testing.T) {
	fetch := func(ctx context.Context, conn model.PipConnection, path string) (any, error) {
		return nil, errors.New("provider unavailable")
	}
	c := New(fetch, 0)
	key := Key{TenantID: "tenant-a", Environment: model.EnvSandbox, ConnectionID: "conn-1", Path: "email"}

	_, err := c.Lookup(context.Background(), key, testConn("conn-1"), time.Minute)
	if !errors.Is(err, ErrMissing) {
		t.Fatalf("expected ErrMissing, got %v", err)
	}
}

func TestInvalidateOnlyDropsMatchingConnection(t *testing.T) {
	fetch := func(ctx context.Context, conn model.PipConnection, path string) (any, error) {
		return "v", nil
	}
	c := New(fetch, 0)
	keyA := Key{TenantID: "tenant-a", Environment: model.EnvSandbox, ConnectionID: "conn-a", Path: "email"}
	keyB := Key{TenantID: "tenant-a", Environment: model.EnvSandbox, ConnectionID: "conn-b", Path: "email"}
	if _, err := c.Lookup(context.Background(), keyA, testConn("conn-a"), time.Minute); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Lookup(context.Background(), keyB, testConn("conn-b"), time.Minute); err != nil {
		t.Fatal(err)
	}

	c.Invalidate("tenant-a", model.EnvSandbox, "conn-a")

	c.mu.Lock()
	_, aStillCached := c.values[keyA.String()]
	_, bStillCached := c.values[keyB.String()]
	c.mu.Unlock()
	if aStillCached {
		t.Fatalf("expected conn-a entry evicted by Invalidate")
	}
	if !bStillCached {
		t.Fatalf("expected conn-b entry to survive Invalidate of conn-a")
	}
}

func TestEvictionDropsOldestEntryPastMaxEntries(t *testing.T) {
	fetch := func(ctx context.Context, conn model.PipConnection, path string) (any, error) {
		return "v", nil
	}
	c := New(fetch, 2)
	keyOld := Key{TenantID: "tenant-a", Environment: model.EnvSandbox, ConnectionID: "conn-a", Path: "old"}
	keyMid := Key{TenantID: "tenant-a", Environment: model.EnvSandbox, ConnectionID: "conn-a", Path: "mid"}
	keyNew := Key{TenantID: "tenant-a", Environment: model.EnvSandbox, ConnectionID: "conn-a", Path: "new"}

	if _, err := c.Lookup(context.Background(), keyOld, testConn("conn-a"), time.Minute); err != nil {
		t.Fatal(err)
	}
	time.Sleep(time.Millisecond)
	if _, err := c.Lookup(context.Background(), keyMid, testConn("conn-a"), time.Minute); err != nil {
		t.Fatal(err)
	}
	time.Sleep(time.Millisecond)
	if _, err := c.Lookup(context.Background(), keyNew, testConn("conn-a"), time.Minute); err != nil {
		t.Fatal(err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.values) != 2 {
		t.Fatalf("expected cache bounded to 2 entries, got %d", len(c.values))
	}
	if _, ok := c.values[keyOld.String()]; ok {
		t.Fatalf("expected oldest entry evicted")
	}
}
