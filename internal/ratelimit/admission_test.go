package ratelimit

import (
	"context"
	"testing"
	"time"
)

func TestAdmissionSaturation(t *testing.T) {
	t.Parallel()

	a := NewAdmission(2)
	ctx := context.Background()

	p1, ok := a.TryAcquire(ctx)
	if !ok {
		t.Fatal("expected first permit")
	}
	p2, ok := a.TryAcquire(ctx)
	if !ok {
		t.Fatal("expected second permit")
	}
	if a.Available() != 0 {
		t.Fatalf("expected 0 available, got %d", a.Available())
	}

	timeoutCtx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, ok := a.TryAcquire(timeoutCtx); ok {
		t.Fatal("expected third acquire to time out while saturated")
	}

	p1.Release()
	if a.Available() != 1 {
		t.Fatalf("expected 1 available after release, got %d", a.Available())
	}

	p3, ok := a.TryAcquire(context.Background())
	if !ok {
		t.Fatal("expected acquire after release to succeed")
	}
	p2.Release()
	p3.Release()
	if a.InUse() != 0 {
		t.Fatalf("expected 0 in use, got %d", a.InUse())
	}
}
