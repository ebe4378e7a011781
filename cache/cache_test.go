package cache

import (
	"testing"
	"time"
)

func TestCache_GetSet(t *testing.T) {
	c := New[string](10, time.Hour)
	defer c.Stop()

	if _, ok := c.Get("missing"); ok {
		t.Error("hit on empty cache")
	}
	c.Set("k", "span.price")
	if v, ok := c.Get("k"); !ok || v != "span.price" {
		t.Errorf("Get = %q, %v", v, ok)
	}
}

func TestCache_Expiry(t *testing.T) {
	now := time.Now()
	c := newCache[int](10, time.Minute, func() time.Time { return now })

	c.Set("k", 1)
	now = now.Add(2 * time.Minute)
	if _, ok := c.Get("k"); ok {
		t.Error("expired entry returned")
	}
	c.evictExpired()
	if c.Len() != 0 {
		t.Errorf("Len = %d after eviction", c.Len())
	}
}

func TestCache_Capacity(t *testing.T) {
	c := newCache[int](3, time.Hour, time.Now)
	for i, k := range []string{"a", "b", "c", "d"} {
		c.Set(k, i)
	}
	if c.Len() != 3 {
		t.Errorf("Len = %d, want 3", c.Len())
	}
	// Overwriting an existing key never evicts.
	c.Set("d", 9)
	if v, ok := c.Get("d"); !ok || v != 9 || c.Len() != 3 {
		t.Errorf("overwrite: v=%d ok=%v len=%d", v, ok, c.Len())
	}
}

func TestCache_Clear(t *testing.T) {
	c := newCache[int](10, time.Hour, time.Now)
	c.Set("a", 1)
	c.Set("b", 2)
	c.Clear()
	if c.Len() != 0 {
		t.Errorf("Len = %d after Clear", c.Len())
	}
}

func TestKey(t *testing.T) {
	if Key("example.com", "price") == Key("example.compr", "ice") {
		t.Error("separator not applied")
	}
	if Key("a", "b") != Key("a", "b") {
		t.Error("key not deterministic")
	}
}
