package cache

import (
	"testing"
	"time"
)

func TestSetGetDelete(t *testing.T) {
	t.Parallel()

	c := New()

	c.Set("plugins", []string{"hue"}, time.Minute)
	got, ok := c.Get("plugins")
	if !ok {
		t.Fatalf("expected cache hit")
	}
	if values, _ := got.([]string); len(values) != 1 || values[0] != "hue" {
		t.Fatalf("unexpected cached value: %v", got)
	}

	c.Delete("plugins")
	if _, ok := c.Get("plugins"); ok {
		t.Fatalf("expected miss after delete")
	}
}

func TestExpiry(t *testing.T) {
	t.Parallel()

	c := New()
	c.Set("short", 1, 10*time.Millisecond)

	time.Sleep(30 * time.Millisecond)
	if _, ok := c.Get("short"); ok {
		t.Fatalf("expected entry to expire")
	}
}

func TestDeletePattern(t *testing.T) {
	t.Parallel()

	c := New()
	c.Set("plugins:id:pl-1", 1, time.Minute)
	c.Set("plugins:id:pl-2", 2, time.Minute)
	c.Set("devices", 3, time.Minute)

	if n := c.DeletePattern("plugins:id:*"); n != 2 {
		t.Fatalf("DeletePattern evicted %d entries, want 2", n)
	}
	if _, ok := c.Get("plugins:id:pl-1"); ok {
		t.Fatalf("expected plugin entries evicted")
	}
	if _, ok := c.Get("devices"); !ok {
		t.Fatalf("unrelated entry must survive")
	}
}
