// Package ratelimit provides the token bucket that gates every outbound
// provider request made by one client.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"
)

// tolerance for float drift after sleeping exactly the computed deficit
const epsilon = 1e-9

var (
	// ErrCostExceedsCapacity is returned when a single call asks for more
	// tokens than the bucket can ever hold
	ErrCostExceedsCapacity = errors.New("ratelimit: cost exceeds bucket capacity")

	// ErrInsufficientTokens is returned by TryAcquire when the caller would have to wait
	ErrInsufficientTokens = errors.New("ratelimit: insufficient tokens")

	// ErrWaitExceedsDeadline is returned by Acquire when the required wait
	// would outlive the context deadline
	ErrWaitExceedsDeadline = errors.New("ratelimit: wait exceeds deadline")
)

// WaitError reports how long a refused caller would have had to wait
type WaitError struct {
	Wait time.Duration
	Err  error
}

func (e *WaitError) Error() string {
	return fmt.Sprintf("%v (retry after %v)", e.Err, e.Wait)
}

func (e *WaitError) Unwrap() error {
	return e.Err
}

// SleepFunc blocks for d or until ctx is done
type SleepFunc func(ctx context.Context, d time.Duration) error

// Option configures a Bucket
type Option func(*Bucket)

// WithClock replaces the wall clock and sleeper, mainly for tests
func WithClock(now func() time.Time, sleep SleepFunc) Option {
	return func(b *Bucket) {
		b.now = now
		b.sleep = sleep
	}
}

// Bucket is a token bucket with lazy refill. It never rejects a blocking
// caller outright; it only delays it. Waiters are admitted in arrival order.
type Bucket struct {
	capacity float64
	refill   float64 // tokens per second

	now   func() time.Time
	sleep SleepFunc

	// single slot held by the caller at the head of the line
	queue chan struct{}

	mu         sync.Mutex
	tokens     float64
	lastRefill time.Time
}

// New creates a bucket that starts full
func New(capacity int, refillPerSecond float64, opts ...Option) (*Bucket, error) {
	if capacity < 1 {
		return nil, fmt.Errorf("ratelimit: capacity must be at least 1, got %d", capacity)
	}
	if refillPerSecond <= 0 || math.IsNaN(refillPerSecond) || math.IsInf(refillPerSecond, 0) {
		return nil, fmt.Errorf("ratelimit: refill rate must be positive, got %v", refillPerSecond)
	}

	b := &Bucket{
		capacity: float64(capacity),
		refill:   refillPerSecond,
		now:      time.Now,
		sleep:    Sleep,
		queue:    make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(b)
	}

	b.tokens = b.capacity
	b.lastRefill = b.now()
	return b, nil
}

// FromRequestsPerMinute sizes the burst to one minute of traffic and refills
// it evenly over that minute
func FromRequestsPerMinute(rpm int, opts ...Option) (*Bucket, error) {
	if rpm < 1 {
		return nil, fmt.Errorf("ratelimit: requests per minute must be at least 1, got %d", rpm)
	}
	return New(rpm, float64(rpm)/60.0, opts...)
}

// Capacity returns the burst size
func (b *Bucket) Capacity() int {
	return int(b.capacity)
}

// RefillPerSecond returns the steady-state admission rate
func (b *Bucket) RefillPerSecond() float64 {
	return b.refill
}

// Acquire takes cost tokens, blocking until they are available.
// The token lock is never held while sleeping.
func (b *Bucket) Acquire(ctx context.Context, cost int) error {
	if err := b.checkCost(cost); err != nil {
		return err
	}

	select {
	case b.queue <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-b.queue }()

	for {
		wait := b.take(float64(cost))
		if wait == 0 {
			return nil
		}

		if deadline, ok := ctx.Deadline(); ok && b.now().Add(wait).After(deadline) {
			return &WaitError{Wait: wait, Err: ErrWaitExceedsDeadline}
		}

		if err := b.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// TryAcquire takes cost tokens only if that needs no waiting. Otherwise it
// returns a *WaitError wrapping ErrInsufficientTokens with the estimated wait.
func (b *Bucket) TryAcquire(cost int) error {
	if err := b.checkCost(cost); err != nil {
		return err
	}

	select {
	case b.queue <- struct{}{}:
	default:
		// someone is already waiting; we would queue behind them
		return &WaitError{Wait: b.estimate(float64(cost)), Err: ErrInsufficientTokens}
	}
	defer func() { <-b.queue }()

	if wait := b.take(float64(cost)); wait > 0 {
		return &WaitError{Wait: wait, Err: ErrInsufficientTokens}
	}
	return nil
}

// take deducts cost if available and returns 0, otherwise returns the wait
// until the deficit is refilled
func (b *Bucket) take(cost float64) time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refillLocked(b.now())
	if b.tokens+epsilon >= cost {
		b.tokens = math.Max(0, b.tokens-cost)
		return 0
	}
	return b.waitFor(cost - b.tokens)
}

func (b *Bucket) estimate(cost float64) time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refillLocked(b.now())
	if b.tokens >= cost {
		return 0
	}
	return b.waitFor(cost - b.tokens)
}

func (b *Bucket) refillLocked(now time.Time) {
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	b.tokens = math.Min(b.capacity, b.tokens+elapsed*b.refill)
	b.lastRefill = now
}

func (b *Bucket) waitFor(deficit float64) time.Duration {
	wait := time.Duration(math.Ceil(deficit / b.refill * float64(time.Second)))
	if wait <= 0 {
		wait = time.Nanosecond
	}
	return wait
}

func (b *Bucket) checkCost(cost int) error {
	if cost < 1 {
		return fmt.Errorf("ratelimit: cost must be at least 1, got %d", cost)
	}
	if float64(cost) > b.capacity {
		return ErrCostExceedsCapacity
	}
	return nil
}

// Sleep waits for d or until ctx is done
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
