package toolcache

import (
	"testing"
	"time"
)

func TestGetSetRoundTrip(t *testing.T) {
	c := New()
	if err := c.Set("time", map[string]any{"zone": "utc"}, "12:00", time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}
	hit, v := c.Get("time", map[string]any{"zone": "utc"})
	if !hit || v != "12:00" {
		t.Fatalf("expected hit with 12:00, got hit=%v v=%v", hit, v)
	}
}

func TestArgOrderDoesNotAffectKey(t *testing.T) {
	k1, err := Key("search", map[string]any{"a": 1, "b": 2})
	if err != nil {
		t.Fatal(err)
	}
	k2, err := Key("search", map[string]any{"b": 2, "a": 1})
	if err != nil {
		t.Fatal(err)
	}
	if k1 != k2 {
		t.Fatalf("expected stable key regardless of map order: %s vs %s", k1, k2)
	}
}

func TestExpiryRemovesEntry(t *testing.T) {
	c := New()
	_ = c.Set("time", nil, "12:00", time.Millisecond)
	time.Sleep(5 * time.Millisecond)
	hit, _ := c.Get("time", nil)
	if hit {
		t.Fatal("expected miss after expiry")
	}
	if c.Stats().Size != 0 {
		t.Fatal("expected expired entry to be gone after access")
	}
}

func TestInvalidateByName(t *testing.T) {
	c := New()
	_ = c.Set("search", map[string]any{"q": "a"}, "r1", time.Minute)
	_ = c.Set("search", map[string]any{"q": "b"}, "r2", time.Minute)
	_ = c.Set("time", nil, "12:00", time.Minute)

	c.Invalidate("search", nil)

	if hit, _ := c.Get("search", map[string]any{"q": "a"}); hit {
		t.Fatal("expected search/a evicted")
	}
	if hit, _ := c.Get("time", nil); !hit {
		t.Fatal("expected time entry untouched by search invalidation")
	}
}

func TestCleanupCountsExpired(t *testing.T) {
	c := New()
	_ = c.Set("a", nil, 1, time.Millisecond)
	_ = c.Set("b", nil, 2, time.Hour)
	time.Sleep(5 * time.Millisecond)
	n := c.Cleanup()
	if n != 1 {
		t.Fatalf("expected 1 expired entry removed, got %d", n)
	}
}

func TestLayeredConsultsInstanceFirst(t *testing.T) {
	instance := New()
	global := New()
	_ = global.Set("time", nil, "global-value", time.Minute)
	_ = instance.Set("time", nil, "instance-value", time.Minute)

	l := NewLayered(instance, global)
	hit, v := l.Get("time", nil)
	if !hit || v != "instance-value" {
		t.Fatalf("expected instance-value, got hit=%v v=%v", hit, v)
	}
}

func TestLayeredFallsBackToGlobal(t *testing.T) {
	instance := New()
	global := New()
	_ = global.Set("time", nil, "global-value", time.Minute)

	l := NewLayered(instance, global)
	hit, v := l.Get("time", nil)
	if !hit || v != "global-value" {
		t.Fatalf("expected global-value, got hit=%v v=%v", hit, v)
	}
}
