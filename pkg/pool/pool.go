// Package pool bounds concurrent leases on an upstream resource class.
// Recognizer, synthesizer, and model sessions each get one limiter sized
// from configuration; a lease must be held for the life of the session.
package pool

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/voxbridge-dev/voxbridge/pkg/fault"
)

// Limiter is a named, fixed-size lease pool.
type Limiter struct {
	name string
	sem  *semaphore.Weighted
	size int

	// OnLease is called with +1 on acquire and -1 on release. Used to
	// drive the pool gauges; nil is fine.
	OnLease func(name string, delta int)
}

// New creates a limiter with the given capacity. Size below 1 is clamped
// to 1 so a misconfigured pool degrades to serial instead of deadlock.
func New(name string, size int) *Limiter {
	if size < 1 {
		size = 1
	}
	return &Limiter{name: name, sem: semaphore.NewWeighted(int64(size)), size: size}
}

// Name returns the pool name.
func (l *Limiter) Name() string { return l.name }

// Size returns the pool capacity.
func (l *Limiter) Size() int { return l.size }

// Acquire blocks until a lease is free or ctx ends. The returned release
// is idempotent and safe from any goroutine.
func (l *Limiter) Acquire(ctx context.Context) (func(), error) {
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return nil, fault.New(fault.KindOf(err), "pool."+l.name, err)
	}
	return l.lease(), nil
}

// TryAcquire takes a lease without blocking.
func (l *Limiter) TryAcquire() (func(), bool) {
	if !l.sem.TryAcquire(1) {
		return nil, false
	}
	return l.lease(), true
}

func (l *Limiter) lease() func() {
	if l.OnLease != nil {
		l.OnLease(l.name, 1)
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			l.sem.Release(1)
			if l.OnLease != nil {
				l.OnLease(l.name, -1)
			}
		})
	}
}
