package ratelimit

import (
	"context"
	"sync/atomic"
)

// Admission is the process-wide counting semaphore described in spec.md
// §3 "CapacityAdmission" and §4.1 "accept": N permits where N is
// MAX_CONCURRENT_CONNECTIONS. A permit is held for a connection's full
// lifetime and released exactly once on disconnect.
type Admission struct {
	slots  chan struct{}
	inUse  int64
	permit int64
}

// NewAdmission creates an admission semaphore with `permits` slots.
func NewAdmission(permits int) *Admission {
	if permits <= 0 {
		permits = 1
	}
	return &Admission{
		slots:  make(chan struct{}, permits),
		permit: int64(permits),
	}
}

// Permit is a single held admission slot; release it exactly once.
type Permit struct {
	a *Admission
}

// Release returns the permit to the pool. Safe to call at most once per
// Permit; calling it twice would double-count availability.
func (p *Permit) Release() {
	if p == nil || p.a == nil {
		return
	}
	<-p.a.slots
	atomic.AddInt64(&p.a.inUse, -1)
}

// TryAcquire attempts to acquire one permit without blocking past ctx's
// deadline/cancellation. It returns (permit, true) on success or
// (nil, false) if the semaphore is saturated (spec.md: "non-blocking with
// configurable timeout").
func (a *Admission) TryAcquire(ctx context.Context) (*Permit, bool) {
	select {
	case a.slots <- struct{}{}:
		atomic.AddInt64(&a.inUse, 1)
		return &Permit{a: a}, true
	case <-ctx.Done():
		return nil, false
	}
}

// InUse returns the number of permits currently held.
func (a *Admission) InUse() int { return int(atomic.LoadInt64(&a.inUse)) }

// Capacity returns the total number of permits.
func (a *Admission) Capacity() int { return int(a.permit) }

// Available returns the number of free permits.
func (a *Admission) Available() int { return a.Capacity() - a.InUse() }
