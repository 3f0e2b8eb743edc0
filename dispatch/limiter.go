package dispatch

import (
	"context"
	"errors"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// ErrOverloaded is returned when degradation has tightened the concurrency
// cap below the current in-flight count. Overloaded requests shed
// immediately instead of queueing.
var ErrOverloaded = errors.New("dispatch: server overloaded, request shed")

// ErrQueueFull is returned when the admission queue is at capacity.
var ErrQueueFull = errors.New("dispatch: admission queue full")

const (
	defaultMaxConcurrent = 10
	defaultMaxQueued     = 64
)

// Limiter admits requests in FIFO order up to a concurrency cap, with a
// bounded wait queue. An optional capFn supplies a dynamic effective cap
// (from the degradation level) that sheds load without resizing the
// underlying semaphore.
type Limiter struct {
	sem       *semaphore.Weighted
	maxQueued int64
	capFn     func() int

	waiting atomic.Int64
	active  atomic.Int64
}

// NewLimiter builds a limiter admitting maxConcurrent requests with up to
// maxQueued waiters. capFn may be nil.
func NewLimiter(maxConcurrent, maxQueued int, capFn func() int) *Limiter {
	if maxConcurrent <= 0 {
		maxConcurrent = defaultMaxConcurrent
	}
	if maxQueued <= 0 {
		maxQueued = defaultMaxQueued
	}
	return &Limiter{
		sem:       semaphore.NewWeighted(int64(maxConcurrent)),
		maxQueued: int64(maxQueued),
		capFn:     capFn,
	}
}

// Acquire admits one request, blocking in FIFO order until a slot frees or
// ctx is done. Every successful Acquire must be paired with Release.
func (l *Limiter) Acquire(ctx context.Context) error {
	if l.capFn != nil {
		if eff := l.capFn(); eff > 0 && l.active.Load() >= int64(eff) {
			return ErrOverloaded
		}
	}
	if l.waiting.Load() >= l.maxQueued {
		return ErrQueueFull
	}
	l.waiting.Add(1)
	err := l.sem.Acquire(ctx, 1)
	l.waiting.Add(-1)
	if err != nil {
		return err
	}
	l.active.Add(1)
	return nil
}

// Release frees a slot taken by Acquire.
func (l *Limiter) Release() {
	l.active.Add(-1)
	l.sem.Release(1)
}

// InFlight reports the number of admitted requests currently running.
func (l *Limiter) InFlight() int { return int(l.active.Load()) }

// Waiting reports the number of requests queued for admission.
func (l *Limiter) Waiting() int { return int(l.waiting.Load()) }
