package cache

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestMemoryCache(t *testing.T) (*MemoryCache, *testClock) {
	t.Helper()
	clk := &testClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	c := NewMemoryCache(context.Background(), WithMemoryClock(clk.Now))
	t.Cleanup(c.Close)
	return c, clk
}

func TestMemoryCache_SetGet(t *testing.T) {
	c, _ := newTestMemoryCache(t)
	ctx := context.Background()

	if _, ok := c.Get(ctx, "k"); ok {
		t.Fatal("expected miss on empty cache")
	}
	_ = c.Set(ctx, "k", []byte("v1"), time.Hour)
	got, ok := c.Get(ctx, "k")
	if !ok || string(got) != "v1" {
		t.Fatalf("Get = %q, %v", got, ok)
	}

	_ = c.Set(ctx, "k", []byte("v2"), time.Hour)
	got, _ = c.Get(ctx, "k")
	if string(got) != "v2" {
		t.Errorf("Set must overwrite, got %q", got)
	}
}

func TestMemoryCache_LazyExpiry(t *testing.T) {
	c, clk := newTestMemoryCache(t)
	ctx := context.Background()

	_ = c.Set(ctx, "k", []byte("v"), DefaultTTL)

	clk.Advance(DefaultTTL - time.Second)
	if _, ok := c.Get(ctx, "k"); !ok {
		t.Fatal("entry should be live before its TTL")
	}
	if c.Len() != 1 {
		t.Fatalf("Len = %d", c.Len())
	}

	clk.Advance(time.Second)
	if _, ok := c.Get(ctx, "k"); ok {
		t.Fatal("entry should be absent once its TTL has passed")
	}
	if c.Len() != 0 {
		t.Errorf("expired entry should be evicted on read, Len = %d", c.Len())
	}
}

func TestMemoryCache_DefaultTTL(t *testing.T) {
	c, clk := newTestMemoryCache(t)
	ctx := context.Background()

	_ = c.Set(ctx, "k", []byte("v"), 0)
	clk.Advance(71 * time.Hour)
	if _, ok := c.Get(ctx, "k"); !ok {
		t.Fatal("zero TTL should mean the 72h default")
	}
	clk.Advance(time.Hour)
	if _, ok := c.Get(ctx, "k"); ok {
		t.Fatal("entry should expire after 72h")
	}
}

func TestMemoryCache_SweepRemovesExpired(t *testing.T) {
	c, clk := newTestMemoryCache(t)
	ctx := context.Background()

	_ = c.Set(ctx, "short", []byte("v"), time.Minute)
	_ = c.Set(ctx, "long", []byte("v"), time.Hour)
	clk.Advance(2 * time.Minute)

	c.evictExpired()
	if c.Len() != 1 {
		t.Errorf("Len = %d, want 1", c.Len())
	}
}

func TestMemoryCache_Delete(t *testing.T) {
	c, _ := newTestMemoryCache(t)
	ctx := context.Background()
	_ = c.Set(ctx, "k", []byte("v"), time.Hour)
	if err := c.Delete(ctx, "k"); err != nil {
		t.Fatal(err)
	}
	if err := c.Delete(ctx, "missing"); err != nil {
		t.Fatal(err)
	}
	if _, ok := c.Get(ctx, "k"); ok {
		t.Fatal("deleted key should miss")
	}
}

func TestMemoryCache_Concurrent(t *testing.T) {
	c, _ := newTestMemoryCache(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := fmt.Sprintf("k%d", i%4)
			for j := 0; j < 100; j++ {
				_ = c.Set(ctx, key, []byte("v"), time.Hour)
				_, _ = c.Get(ctx, key)
			}
		}(i)
	}
	wg.Wait()

	if c.Len() != 4 {
		t.Errorf("Len = %d, want 4", c.Len())
	}
}

func TestMemoryCache_CloseIdempotent(t *testing.T) {
	c := NewMemoryCache(context.Background())
	c.Close()
	c.Close()
}

func TestNopCache(t *testing.T) {
	var c Cache = NopCache{}
	_ = c.Set(context.Background(), "k", []byte("v"), time.Hour)
	if _, ok := c.Get(context.Background(), "k"); ok {
		t.Fatal("NopCache must never hit")
	}
}
