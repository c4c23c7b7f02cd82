package cache

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock(base time.Time) *testClock {
	return &testClock{now: base}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestGetBeforeExpiryReturnsValue(t *testing.T) {
	clock := newTestClock(time.Unix(1_700_000_000, 0))
	c := New[string](WithClock[string](clock.Now))
	c.Put("k", "v", 5*time.Second)

	clock.Advance(4999 * time.Millisecond)
	got, ok := c.Get("k")
	if !ok {
		t.Fatalf("expected live entry before expiry")
	}
	if got != "v" {
		t.Fatalf("value changed in cache: got %q", got)
	}
}

func TestGetAfterExpiryEvicts(t *testing.T) {
	clock := newTestClock(time.Unix(1_700_000_000, 0))
	c := New[int](WithClock[int](clock.Now))
	c.Put("k", 42, 5*time.Second)

	clock.Advance(5 * time.Second)
	if _, ok := c.Get("k"); ok {
		t.Fatalf("expected expired entry to be absent")
	}
	if c.Len() != 0 {
		t.Fatalf("expected expired entry to be evicted, len=%d", c.Len())
	}
}

func TestIsCachedLazyEviction(t *testing.T) {
	clock := newTestClock(time.Unix(1_700_000_000, 0))
	c := New[string](WithClock[string](clock.Now))
	c.Put("k", "v", time.Second)

	if !c.IsCached("k") {
		t.Fatalf("expected entry to be cached")
	}
	clock.Advance(2 * time.Second)
	if c.IsCached("k") {
		t.Fatalf("expected entry to be expired")
	}
}

func TestInvalidateAndClear(t *testing.T) {
	c := New[string]()
	c.Put("a", "1", time.Minute)
	c.Put("b", "2", time.Minute)

	c.Invalidate("a")
	if _, ok := c.Get("a"); ok {
		t.Fatalf("invalidated entry still present")
	}
	c.Clear()
	if _, ok := c.Get("b"); ok {
		t.Fatalf("cleared entry still present")
	}
}

func TestZeroTTLFallsBackToDefault(t *testing.T) {
	clock := newTestClock(time.Unix(1_700_000_000, 0))
	c := New[string](WithClock[string](clock.Now))
	c.Put("k", "v", 0)

	clock.Advance(DefaultTTL - time.Millisecond)
	if _, ok := c.Get("k"); !ok {
		t.Fatalf("expected default TTL entry to still be live")
	}
}

func TestKeyIsCaseInsensitive(t *testing.T) {
	a := Key("0xABCdef", "0x1234", "1000")
	b := Key("0xabcDEF", "0x1234", "1000")
	if a != b {
		t.Fatalf("keys differ: %q vs %q", a, b)
	}
	if a != "0xabcdef_0x1234_1000" {
		t.Fatalf("unexpected key format %q", a)
	}
}

func TestConcurrentAccess(t *testing.T) {
	c := New[int]()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				key := fmt.Sprintf("k%d", j%10)
				c.Put(key, n, time.Minute)
				c.Get(key)
				if j%50 == 0 {
					c.Invalidate(key)
				}
			}
		}(i)
	}
	wg.Wait()
}
