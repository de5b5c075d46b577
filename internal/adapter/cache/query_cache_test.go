package cache

import (
	"testing"
	"time"
)

func TestQueryCache_GetPut(t *testing.T) {
	c := NewQueryCache(10, time.Minute)

	if _, ok := c.Get("acme", "m", "refunds"); ok {
		t.Fatal("expected miss on empty cache")
	}

	c.Put("acme", "m", "refunds", []float32{1, 2})
	v, ok := c.Get("acme", "m", "refunds")
	if !ok || len(v) != 2 {
		t.Fatalf("expected hit, got %v %v", v, ok)
	}

	if _, ok := c.Get("globex", "m", "refunds"); ok {
		t.Error("entries must not be shared across tenants")
	}
	if _, ok := c.Get("acme", "other-model", "refunds"); ok {
		t.Error("entries must not be shared across models")
	}
}

func TestQueryCache_LRUEviction(t *testing.T) {
	c := NewQueryCache(2, time.Minute)

	c.Put("acme", "m", "a", []float32{1})
	c.Put("acme", "m", "b", []float32{2})
	c.Get("acme", "m", "a")
	c.Put("acme", "m", "c", []float32{3})

	if _, ok := c.Get("acme", "m", "b"); ok {
		t.Error("least recently used entry should have been evicted")
	}
	if _, ok := c.Get("acme", "m", "a"); !ok {
		t.Error("recently used entry should survive")
	}
	if c.Size() != 2 {
		t.Errorf("expected size 2, got %d", c.Size())
	}
}

func TestQueryCache_TTL(t *testing.T) {
	c := NewQueryCache(10, time.Minute)
	now := time.Now()
	c.now = func() time.Time { return now }

	c.Put("acme", "m", "q", []float32{1})
	now = now.Add(2 * time.Minute)

	if _, ok := c.Get("acme", "m", "q"); ok {
		t.Error("expired entry must miss")
	}
	if c.Size() != 0 {
		t.Errorf("expired entry should be removed, size %d", c.Size())
	}
}

func TestQueryCache_InvalidateTenant(t *testing.T) {
	c := NewQueryCache(10, time.Minute)
	c.Put("acme", "m", "a", []float32{1})
	c.Put("globex", "m", "a", []float32{2})
	c.Put("acme", "m", "b", []float32{3})

	c.InvalidateTenant("acme")

	if c.Size() != 1 {
		t.Fatalf("expected 1 entry left, got %d", c.Size())
	}
	if _, ok := c.Get("globex", "m", "a"); !ok {
		t.Error("other tenants must be untouched")
	}

	c.InvalidateTenant("globex")
	if c.Size() != 0 {
		t.Errorf("expected empty cache, got %d", c.Size())
	}
}
