package ratelimit

import (
	"context"
	"errors"
	"math/rand"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock starts at the real time so context deadlines built from it are
// not already expired, then advances only when something sleeps on it
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	sleeps []time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Now()}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	c.sleeps = append(c.sleeps, d)
	return nil
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func (c *fakeClock) TotalSlept() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	var total time.Duration
	for _, d := range c.sleeps {
		total += d
	}
	return total
}

func newTestBucket(t *testing.T, capacity int, refill float64) (*Bucket, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	b, err := New(capacity, refill, WithClock(clock.Now, clock.Sleep))
	require.NoError(t, err)
	return b, clock
}

func TestNew_InvalidSettings(t *testing.T) {
	_, err := New(0, 1)
	assert.Error(t, err)

	_, err = New(1, 0)
	assert.Error(t, err)

	_, err = FromRequestsPerMinute(0)
	assert.Error(t, err)
}

func TestFromRequestsPerMinute(t *testing.T) {
	b, err := FromRequestsPerMinute(30)
	require.NoError(t, err)

	assert.Equal(t, 30, b.Capacity())
	assert.InDelta(t, 0.5, b.RefillPerSecond(), 1e-12)
}

func TestAcquire_BurstWithinCapacityDoesNotBlock(t *testing.T) {
	b, clock := newTestBucket(t, 5, 1)
	ctx := context.Background()

	require.NoError(t, b.Acquire(ctx, 2))
	require.NoError(t, b.Acquire(ctx, 1))
	require.NoError(t, b.Acquire(ctx, 2))

	assert.Zero(t, clock.TotalSlept())
	assert.InDelta(t, 0, b.tokens, epsilon)
}

func TestAcquire_DeficitWaitIsBounded(t *testing.T) {
	b, clock := newTestBucket(t, 4, 2) // 2 tokens/s
	ctx := context.Background()

	require.NoError(t, b.Acquire(ctx, 3))
	// 1 token left, asking for 4 leaves a deficit of 3 -> 1.5s
	require.NoError(t, b.Acquire(ctx, 4))

	slept := clock.TotalSlept()
	assert.GreaterOrEqual(t, slept, 1500*time.Millisecond)
	assert.LessOrEqual(t, slept, 1500*time.Millisecond+time.Millisecond)
}

func TestAcquire_RefillIsCappedAtCapacity(t *testing.T) {
	b, clock := newTestBucket(t, 3, 1)
	ctx := context.Background()

	require.NoError(t, b.Acquire(ctx, 3))
	clock.Advance(time.Hour)

	require.NoError(t, b.Acquire(ctx, 1))
	assert.InDelta(t, 2, b.tokens, epsilon, "idle time must not overfill the bucket")
}

func TestAcquire_CostExceedsCapacity(t *testing.T) {
	b, _ := newTestBucket(t, 2, 1)

	err := b.Acquire(context.Background(), 3)
	assert.ErrorIs(t, err, ErrCostExceedsCapacity)

	err = b.Acquire(context.Background(), 0)
	assert.Error(t, err)
}

func TestAcquire_WaitBeyondDeadlineFailsFast(t *testing.T) {
	b, clock := newTestBucket(t, 1, 1.0/60.0)
	require.NoError(t, b.Acquire(context.Background(), 1))

	ctx, cancel := context.WithDeadline(context.Background(), clock.Now().Add(10*time.Second))
	defer cancel()

	err := b.Acquire(ctx, 1)
	require.ErrorIs(t, err, ErrWaitExceedsDeadline)

	var waitErr *WaitError
	require.True(t, errors.As(err, &waitErr))
	assert.InDelta(t, 60*time.Second, waitErr.Wait, float64(time.Millisecond))
	assert.Zero(t, clock.TotalSlept())
}

func TestAcquire_CancelledWhileQueued(t *testing.T) {
	b, _ := newTestBucket(t, 1, 1)

	b.queue <- struct{}{} // someone else holds the head of the line
	defer func() { <-b.queue }()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, b.Acquire(ctx, 1), context.Canceled)
}

func TestAcquire_TwoConcurrentCallersOneWaitsForRefill(t *testing.T) {
	b, clock := newTestBucket(t, 1, 1.0/60.0)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- b.Acquire(ctx, 1)
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}

	// one caller went straight through, the other waited one refill period
	slept := clock.TotalSlept()
	assert.GreaterOrEqual(t, slept, 60*time.Second)
	assert.Less(t, slept, 61*time.Second)
}

func TestTryAcquire(t *testing.T) {
	b, clock := newTestBucket(t, 2, 0.5)

	require.NoError(t, b.TryAcquire(1))
	require.NoError(t, b.TryAcquire(1))

	err := b.TryAcquire(1)
	require.ErrorIs(t, err, ErrInsufficientTokens)

	var waitErr *WaitError
	require.True(t, errors.As(err, &waitErr))
	assert.InDelta(t, 2*time.Second, waitErr.Wait, float64(time.Millisecond))
	assert.Zero(t, clock.TotalSlept(), "non-blocking path never sleeps")

	clock.Advance(2 * time.Second)
	assert.NoError(t, b.TryAcquire(1))

	assert.ErrorIs(t, b.TryAcquire(5), ErrCostExceedsCapacity)
}

func TestTryAcquire_QueuedWaiterTakesPrecedence(t *testing.T) {
	b, _ := newTestBucket(t, 3, 1)

	b.queue <- struct{}{}
	defer func() { <-b.queue }()

	err := b.TryAcquire(1)
	assert.ErrorIs(t, err, ErrInsufficientTokens)
}

// Over any window W the number of granted tokens stays within
// capacity + W*refill.
func TestAcquire_SlidingWindowBound(t *testing.T) {
	const capacity = 5
	const refill = 2.0

	b, clock := newTestBucket(t, capacity, refill)
	rng := rand.New(rand.NewSource(42))
	ctx := context.Background()

	var grants []time.Time
	for i := 0; i < 400; i++ {
		if rng.Intn(3) == 0 {
			clock.Advance(time.Duration(rng.Intn(1500)) * time.Millisecond)
		}
		require.NoError(t, b.Acquire(ctx, 1))
		grants = append(grants, clock.Now())
	}

	sort.Slice(grants, func(i, j int) bool { return grants[i].Before(grants[j]) })

	windows := []time.Duration{500 * time.Millisecond, time.Second, 3 * time.Second, 10 * time.Second}
	for _, w := range windows {
		limit := capacity + w.Seconds()*refill
		for start := range grants {
			count := 0
			for j := start; j < len(grants) && grants[j].Sub(grants[start]) <= w; j++ {
				count++
			}
			require.LessOrEqualf(t, float64(count), limit+epsilon,
				"window %v starting at grant %d admitted %d", w, start, count)
		}
	}
}

func TestSleep_RespectsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, Sleep(ctx, time.Hour), context.Canceled)
	assert.NoError(t, Sleep(context.Background(), time.Millisecond))
}
