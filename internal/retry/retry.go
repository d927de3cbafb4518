package retry

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"time"

	"github.com/XavierBriggs/Iris/internal/ratelimit"
	"github.com/XavierBriggs/Iris/pkg/apierr"
	"github.com/sirupsen/logrus"
)

// Policy describes exponential backoff with jitter
type Policy struct {
	MaxAttempts    int
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	Multiplier     float64
	JitterFraction float64
}

// DefaultPolicy returns conservative defaults for a quota-metered provider
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:    3,
		BaseDelay:      1 * time.Second,
		MaxDelay:       30 * time.Second,
		Multiplier:     2.0,
		JitterFraction: 0.2,
	}
}

// Decision is the outcome of one retry decision
type Decision struct {
	Retry bool
	Delay time.Duration
}

// Backoff returns the delay before attempt+1. u must be uniform in [0, 1)
// and selects the jitter inside [-JitterFraction, +JitterFraction].
func (p Policy) Backoff(attempt int, u float64) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	multiplier := p.Multiplier
	if multiplier < 1 {
		multiplier = 1
	}

	delay := float64(p.BaseDelay) * math.Pow(multiplier, float64(attempt-1))
	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}

	jitter := (2*u - 1) * p.JitterFraction
	delay *= 1 + jitter
	if delay < 0 || math.IsNaN(delay) {
		return 0
	}
	if delay > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(delay)
}

// Decide is the pure retry decision for a failed attempt. Only rate limit
// and transient failures are retried; a provider-supplied retry-after wins
// over the computed backoff.
func (p Policy) Decide(attempt int, err error, u float64) Decision {
	if err == nil || attempt >= p.MaxAttempts {
		return Decision{}
	}

	apiErr, ok := apierr.As(err)
	if !ok || !apiErr.Kind.Retryable() {
		return Decision{}
	}

	if apiErr.Kind == apierr.KindRateLimit && apiErr.RetryAfter != nil && *apiErr.RetryAfter >= 0 {
		return Decision{Retry: true, Delay: *apiErr.RetryAfter}
	}

	return Decision{Retry: true, Delay: p.Backoff(attempt, u)}
}

// AttemptFunc performs one attempt; attempt starts at 1
type AttemptFunc func(ctx context.Context, attempt int) error

// Runner executes attempts under a Policy, performing the actual waits
type Runner struct {
	Policy Policy
	Sleep  ratelimit.SleepFunc
	Rand   func() float64
	Now    func() time.Time
	Logger logrus.FieldLogger

	// OnRetry is called before each wait, e.g. for metrics
	OnRetry func(attempt int, err error, delay time.Duration)
}

// NewRunner creates a runner with wall-clock sleeping and a global random source
func NewRunner(policy Policy, logger logrus.FieldLogger) *Runner {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Runner{
		Policy: policy,
		Sleep:  ratelimit.Sleep,
		Rand:   rand.Float64,
		Now:    time.Now,
		Logger: logger,
	}
}

// Do runs fn until it succeeds, fails with a non-retryable error, or the
// attempts run out. Exhaustion returns the last error unchanged. When the
// next wait would cross ctx's deadline it stops with a timeout error that
// wraps the last failure.
func (r *Runner) Do(ctx context.Context, fn AttemptFunc) error {
	maxAttempts := r.Policy.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	policy := r.Policy
	policy.MaxAttempts = maxAttempts

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err := fn(ctx, attempt)
		if err == nil {
			return nil
		}
		lastErr = err

		if errors.Is(err, context.Canceled) {
			return err
		}

		decision := policy.Decide(attempt, err, r.Rand())
		if !decision.Retry {
			return err
		}

		if deadline, ok := ctx.Deadline(); ok && r.Now().Add(decision.Delay).After(deadline) {
			r.Logger.WithFields(logrus.Fields{
				"attempt": attempt,
				"delay":   decision.Delay,
			}).Debug("backoff would cross deadline, giving up")
			return apierr.Timeout(lastErr)
		}

		if r.OnRetry != nil {
			r.OnRetry(attempt, err, decision.Delay)
		}

		r.Logger.WithFields(logrus.Fields{
			"attempt": attempt,
			"delay":   decision.Delay,
			"error":   err.Error(),
		}).Debug("retrying provider request")

		if err := r.Sleep(ctx, decision.Delay); err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return apierr.Timeout(lastErr)
			}
			return err
		}
	}

	return lastErr
}
