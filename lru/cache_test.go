package lru

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

// fakeClock is a manually advanced clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 10, 17, 9, 0, 0, 0, time.UTC)}
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

func TestBasicGetPut(t *testing.T) {
	c := New[string, int](2, 0)

	c.Put("a", 1)
	c.Put("b", 2)

	if v, ok := c.Get("a"); !ok || v != 1 {
		t.Fatalf("expected a=1, got %v %v", v, ok)
	}
	if v, ok := c.Get("b"); !ok || v != 2 {
		t.Fatalf("expected b=2, got %v %v", v, ok)
	}
	if _, ok := c.Get("missing"); ok {
		t.Fatal("expected miss for unknown key")
	}
}

func TestEviction(t *testing.T) {
	c := New[string, int](2, 0)

	c.Put("a", 1)
	c.Put("b", 2)

	// Access "a" so "b" becomes LRU.
	c.Get("a")

	evKey, evicted := c.Put("c", 3)
	if !evicted || evKey != "b" {
		t.Fatalf("expected eviction of b, got key=%v evicted=%v", evKey, evicted)
	}
	if _, ok := c.Get("b"); ok {
		t.Fatal("expected 'b' to be evicted")
	}
	if v, ok := c.Get("c"); !ok || v != 3 {
		t.Fatalf("expected c=3, got %v %v", v, ok)
	}
}

func TestUpdateExisting(t *testing.T) {
	c := New[string, int](2, 0)

	c.Put("a", 1)
	c.Put("b", 2)
	if _, evicted := c.Put("a", 10); evicted {
		t.Fatal("update should not evict")
	}
	if v, _ := c.Get("a"); v != 10 {
		t.Fatalf("expected a=10 after update, got %v", v)
	}
	if c.Len() != 2 {
		t.Fatalf("expected len=2, got %d", c.Len())
	}
}

func TestTTL_ExpiresAtBoundary(t *testing.T) {
	clock := newFakeClock()
	c := New[string, string](4, 300*time.Second, WithClock(clock.Now))

	c.Put("project_HAVEN Platform", "live")

	clock.Advance(299 * time.Second)
	if v, ok := c.Get("project_HAVEN Platform"); !ok || v != "live" {
		t.Fatalf("expected hit before TTL, got %v %v", v, ok)
	}

	clock.Advance(time.Second)
	if _, ok := c.Get("project_HAVEN Platform"); ok {
		t.Fatal("expected miss once entry is TTL old")
	}
	if c.Len() != 0 {
		t.Fatalf("expired entry should be dropped, len=%d", c.Len())
	}
}

func TestTTL_PutRestartsTimer(t *testing.T) {
	clock := newFakeClock()
	c := New[string, int](4, time.Minute, WithClock(clock.Now))

	c.Put("a", 1)
	clock.Advance(50 * time.Second)
	c.Put("a", 2)
	clock.Advance(50 * time.Second)

	if v, ok := c.Get("a"); !ok || v != 2 {
		t.Fatalf("expected refreshed entry, got %v %v", v, ok)
	}
}

func TestTTL_GetDoesNotExtend(t *testing.T) {
	clock := newFakeClock()
	c := New[string, int](4, time.Minute, WithClock(clock.Now))

	c.Put("a", 1)
	clock.Advance(30 * time.Second)
	c.Get("a")
	clock.Advance(30 * time.Second)

	if _, ok := c.Get("a"); ok {
		t.Fatal("reads must not extend the TTL")
	}
}

func TestTouch_RestartsTimer(t *testing.T) {
	clock := newFakeClock()
	c := New[string, int](4, time.Minute, WithClock(clock.Now))

	c.Put("a", 1)
	c.Put("b", 2)
	clock.Advance(50 * time.Second)
	if v, ok := c.Touch("a"); !ok || v != 1 {
		t.Fatalf("expected a=1, got %v %v", v, ok)
	}
	clock.Advance(50 * time.Second)

	if _, ok := c.Get("a"); !ok {
		t.Fatal("touched entry should still be live")
	}
	if _, ok := c.Get("b"); ok {
		t.Fatal("untouched entry should have expired")
	}
}

func TestTouch_DoesNotResurrect(t *testing.T) {
	clock := newFakeClock()
	c := New[string, int](4, time.Minute, WithClock(clock.Now))

	if _, ok := c.Touch("missing"); ok {
		t.Fatal("touch must not create entries")
	}

	c.Put("a", 1)
	c.Delete("a")
	if _, ok := c.Touch("a"); ok {
		t.Fatal("deleted entry must stay deleted")
	}

	c.Put("b", 2)
	clock.Advance(time.Minute)
	if _, ok := c.Touch("b"); ok {
		t.Fatal("expired entry must not be refreshed")
	}
	if c.Len() != 0 {
		t.Fatalf("expected empty cache, len=%d", c.Len())
	}
}

func TestTouch_MovesToFront(t *testing.T) {
	c := New[string, int](2, 0)

	c.Put("a", 1)
	c.Put("b", 2)
	c.Touch("a")
	c.Put("c", 3)

	if _, ok := c.Get("b"); ok {
		t.Fatal("b should have been evicted as least recently used")
	}
	if _, ok := c.Get("a"); !ok {
		t.Fatal("touched entry should survive eviction")
	}
}

func TestPurgeAndKeys(t *testing.T) {
	clock := newFakeClock()
	c := New[string, int](8, time.Minute, WithClock(clock.Now))

	c.Put("old1", 1)
	c.Put("old2", 2)
	clock.Advance(45 * time.Second)
	c.Put("fresh", 3)
	clock.Advance(20 * time.Second)

	keys := c.Keys()
	if len(keys) != 1 || keys[0] != "fresh" {
		t.Fatalf("expected only fresh key, got %v", keys)
	}
	if n := c.Purge(); n != 2 {
		t.Fatalf("expected 2 purged, got %d", n)
	}
	if c.Len() != 1 {
		t.Fatalf("expected len=1 after purge, got %d", c.Len())
	}
}

func TestDeleteAndClear(t *testing.T) {
	c := New[string, int](4, 0)
	c.Put("a", 1)
	c.Put("b", 2)

	if !c.Delete("a") {
		t.Fatal("expected delete of existing key")
	}
	if c.Delete("a") {
		t.Fatal("second delete should report false")
	}

	c.Clear()
	if c.Len() != 0 {
		t.Fatalf("expected empty cache, got %d", c.Len())
	}
	c.Put("c", 3)
	if v, ok := c.Get("c"); !ok || v != 3 {
		t.Fatalf("cache unusable after clear: %v %v", v, ok)
	}
}

func TestNewPanicsOnZeroCapacity(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic")
		}
	}()
	New[string, int](0, 0)
}

func TestConcurrentAccess(t *testing.T) {
	c := New[string, int](64, time.Hour)
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				k := fmt.Sprintf("k%d", (g*200+i)%100)
				c.Put(k, i)
				c.Get(k)
				if i%17 == 0 {
					c.Delete(k)
				}
			}
		}(g)
	}
	wg.Wait()
	if c.Len() > 64 {
		t.Fatalf("capacity exceeded: %d", c.Len())
	}
}
