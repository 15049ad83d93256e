package ratelimiter

import (
	"testing"
	"time"
)

func TestNewRejectsInvalidArgs(t *testing.T) {
	if New(0, 1, 0) != nil || New(1, 0, 0) != nil {
		t.Fatal("expected nil limiter for invalid args")
	}
	var l *MapLimiter
	if !l.Allow("k", time.Now()) {
		t.Fatal("nil limiter must allow")
	}
}

func TestAllowEnforcesBurstPerKey(t *testing.T) {
	l := New(1, 2, time.Minute)
	now := time.Now()
	if !l.Allow("a", now) || !l.Allow("a", now) {
		t.Fatal("expected burst to be allowed")
	}
	if l.Allow("a", now) {
		t.Fatal("expected third request to be denied")
	}
	if !l.Allow("b", now) {
		t.Fatal("keys must not share buckets")
	}
	if !l.Allow("a", now.Add(1100*time.Millisecond)) {
		t.Fatal("expected token refill after one second")
	}
	if l.Denied() != 1 {
		t.Fatalf("expected one denial, got %d", l.Denied())
	}
}

func TestForgetAndEviction(t *testing.T) {
	l := New(100, 1, time.Second)
	now := time.Now()
	l.Allow("stale", now)
	l.Forget("stale")
	if l.Len() != 0 {
		t.Fatalf("expected forgotten key to be removed, got %d", l.Len())
	}
	l.Allow("stale", now)
	later := now.Add(time.Hour)
	for i := 0; i < evictEvery; i++ {
		l.Allow("fresh", later)
	}
	if l.Len() != 1 {
		t.Fatalf("expected idle key eviction, got %d keys", l.Len())
	}
}
