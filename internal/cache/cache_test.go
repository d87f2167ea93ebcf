package cache

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestCache_GetSet(t *testing.T) {
	c := New[string](10, 5*time.Minute)

	c.Set("hash-1", "clean", 0)

	got, ok := c.Get("hash-1")
	if !ok {
		t.Fatal("cache entry not found")
	}
	if got != "clean" {
		t.Fatalf("expected clean, got %q", got)
	}

	if _, ok := c.Get("hash-2"); ok {
		t.Fatal("unexpected hit for unknown key")
	}

	stats := c.Stats()
	if stats.Hits != 1 || stats.Misses != 1 || stats.Items != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestCache_Expiration(t *testing.T) {
	c := New[int](10, time.Minute)
	now := time.Now()
	c.now = func() time.Time { return now }

	c.Set("k", 1, 100*time.Millisecond)
	if _, ok := c.Get("k"); !ok {
		t.Fatal("entry should be present before expiry")
	}

	now = now.Add(200 * time.Millisecond)
	if _, ok := c.Get("k"); ok {
		t.Fatal("entry should have expired")
	}
	if c.Stats().Items != 0 {
		t.Fatal("expired entry should be removed on read")
	}
}

func TestCache_EvictsLeastRecentlyUsed(t *testing.T) {
	c := New[int](2, time.Minute)

	c.Set("a", 1, 0)
	c.Set("b", 2, 0)
	c.Get("a")
	c.Set("c", 3, 0)

	if _, ok := c.Get("b"); ok {
		t.Fatal("b should have been evicted")
	}
	if _, ok := c.Get("a"); !ok {
		t.Fatal("a should have survived")
	}
	if _, ok := c.Get("c"); !ok {
		t.Fatal("c should be present")
	}
	if c.Stats().Evictions != 1 {
		t.Fatalf("expected 1 eviction, got %d", c.Stats().Evictions)
	}
}

func TestCache_UpdateExisting(t *testing.T) {
	c := New[int](1, time.Minute)

	c.Set("a", 1, 0)
	c.Set("a", 2, 0)

	got, ok := c.Get("a")
	if !ok || got != 2 {
		t.Fatalf("expected updated value 2, got %d (%v)", got, ok)
	}
	if c.Stats().Evictions != 0 {
		t.Fatal("updating an entry must not evict")
	}
}

func TestCache_DeleteAndClear(t *testing.T) {
	c := New[int](10, time.Minute)
	c.Set("a", 1, 0)
	c.Set("b", 2, 0)

	c.Delete("a")
	c.Delete("missing")
	if _, ok := c.Get("a"); ok {
		t.Fatal("a should be deleted")
	}

	c.Clear()
	if c.Stats().Items != 0 {
		t.Fatal("cache should be empty after Clear")
	}
}

func TestCache_Concurrent(t *testing.T) {
	c := New[int](50, time.Minute)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				key := fmt.Sprintf("%d-%d", i, j%60)
				c.Set(key, j, 0)
				c.Get(key)
			}
		}(i)
	}
	wg.Wait()

	if items := c.Stats().Items; items > 50 {
		t.Fatalf("cache exceeded max items: %d", items)
	}
}
