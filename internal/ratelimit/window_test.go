package ratelimit

import (
	"testing"
	"time"
)

func TestWindowAdmitsUpToLimit(t *testing.T) {
	t.Parallel()

	w := New(3, time.Minute)
	base := time.Now()

	for i := 0; i < 3; i++ {
		ok, _ := w.Consume(base)
		if !ok {
			t.Fatalf("event %d: expected admission", i)
		}
	}

	ok, retryIn := w.Consume(base)
	if ok {
		t.Fatal("expected 4th event to be rejected")
	}
	if retryIn <= 0 {
		t.Fatalf("expected positive retryIn, got %v", retryIn)
	}
}

func TestWindowPrunesExpiredEntries(t *testing.T) {
	t.Parallel()

	w := New(2, 10*time.Second)
	base := time.Now()

	if ok, _ := w.Consume(base); !ok {
		t.Fatal("first event should be admitted")
	}
	if ok, _ := w.Consume(base.Add(1 * time.Second)); !ok {
		t.Fatal("second event should be admitted")
	}
	if ok, _ := w.Consume(base.Add(2 * time.Second)); ok {
		t.Fatal("third event should be rejected while window is full")
	}

	// First entry expires at base+10s.
	if ok, _ := w.Consume(base.Add(11 * time.Second)); !ok {
		t.Fatal("event after expiry should be admitted")
	}
}

func TestSessionLimiterIsolatesBuckets(t *testing.T) {
	t.Parallel()

	l := NewSessionLimiter(1, time.Minute, 1, time.Minute)
	base := time.Now()

	if err := l.Allow("cancel", base); err != nil {
		t.Fatalf("first cancel should be allowed: %v", err)
	}
	if err := l.Allow("cancel", base); err == nil {
		t.Fatal("second cancel should be rate limited")
	}

	// A saturated cancel bucket must not affect the message bucket.
	if err := l.Allow("start", base); err != nil {
		t.Fatalf("start should be unaffected by cancel bucket: %v", err)
	}
}

func TestSessionLimiterExemptTypesAlwaysAllowed(t *testing.T) {
	t.Parallel()

	l := NewSessionLimiter(0, time.Minute, 0, time.Minute)
	base := time.Now()

	for _, ft := range []string{"ping", "pong", "end"} {
		if err := l.Allow(ft, base); err != nil {
			t.Fatalf("%s should be exempt, got %v", ft, err)
		}
	}
}
