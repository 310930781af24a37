package reliability

import (
	"math"
	"math/rand"
	"time"

	retry "github.com/sethvargo/go-retry"
)

// Unlimited is the MaxAttempts value of a policy that never gives up.
const Unlimited = -1

// RetryPolicy defines the interface for retry policies
type RetryPolicy interface {
	// ShouldRetry determines if a retry should be attempted
	ShouldRetry(attempt int, err error) (bool, time.Duration)
	// MaxRetries returns the maximum number of retries, Unlimited when there is none
	MaxRetries() int
	// NextDelay calculates the next retry delay
	NextDelay(attempt int) time.Duration
}

// ExponentialBackoff implements exponential backoff retry policy
type ExponentialBackoff struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	MaxAttempts     int
	Jitter          bool
}

// NewExponentialBackoff creates a new exponential backoff policy.
// A negative maxRetries retries forever.
func NewExponentialBackoff(initial, max time.Duration, multiplier float64, maxRetries int) *ExponentialBackoff {
	return &ExponentialBackoff{
		InitialInterval: initial,
		MaxInterval:     max,
		Multiplier:      multiplier,
		MaxAttempts:     maxRetries,
		Jitter:          true,
	}
}

// ShouldRetry implements RetryPolicy
func (e *ExponentialBackoff) ShouldRetry(attempt int, err error) (bool, time.Duration) {
	if exhausted(attempt, e.MaxAttempts) || !IsRetryable(err) {
		return false, 0
	}
	return true, e.NextDelay(attempt)
}

// MaxRetries implements RetryPolicy
func (e *ExponentialBackoff) MaxRetries() int {
	return e.MaxAttempts
}

// NextDelay implements RetryPolicy
func (e *ExponentialBackoff) NextDelay(attempt int) time.Duration {
	delay := float64(e.InitialInterval) * math.Pow(e.Multiplier, float64(attempt))

	if e.MaxInterval > 0 && delay > float64(e.MaxInterval) {
		delay = float64(e.MaxInterval)
	}

	if e.Jitter {
		jitter := rand.Float64() * 0.3 * delay // ±15% jitter
		delay = delay + jitter - (0.15 * delay)
	}

	return time.Duration(delay)
}

// FixedDelay implements a fixed delay retry policy
type FixedDelay struct {
	Delay       time.Duration
	MaxAttempts int
}

// NewFixedDelay creates a new fixed delay policy.
// A negative maxRetries retries forever.
func NewFixedDelay(delay time.Duration, maxRetries int) *FixedDelay {
	return &FixedDelay{
		Delay:       delay,
		MaxAttempts: maxRetries,
	}
}

// ShouldRetry implements RetryPolicy
func (f *FixedDelay) ShouldRetry(attempt int, err error) (bool, time.Duration) {
	if exhausted(attempt, f.MaxAttempts) || !IsRetryable(err) {
		return false, 0
	}
	return true, f.Delay
}

// MaxRetries implements RetryPolicy
func (f *FixedDelay) MaxRetries() int {
	return f.MaxAttempts
}

// NextDelay implements RetryPolicy
func (f *FixedDelay) NextDelay(attempt int) time.Duration {
	return f.Delay
}

// Sequence adapts a go-retry backoff into a RetryPolicy. The factory is
// invoked for every lookup and advanced attempt+1 times, so a Sequence holds
// no state and can be shared. A stop from the backoff ends the retries.
type Sequence struct {
	newBackoff func() retry.Backoff
}

// NewSequence creates a policy from a go-retry backoff factory, e.g.
//
//	NewSequence(func() retry.Backoff {
//	    return retry.WithCappedDuration(time.Minute, retry.NewFibonacci(time.Second))
//	})
func NewSequence(newBackoff func() retry.Backoff) *Sequence {
	return &Sequence{newBackoff: newBackoff}
}

// ShouldRetry implements RetryPolicy
func (s *Sequence) ShouldRetry(attempt int, err error) (bool, time.Duration) {
	if !IsRetryable(err) {
		return false, 0
	}
	delay, stop := s.at(attempt)
	if stop {
		return false, 0
	}
	return true, delay
}

// MaxRetries implements RetryPolicy. The limit, if any, lives inside the
// backoff, so a Sequence reports Unlimited.
func (s *Sequence) MaxRetries() int {
	return Unlimited
}

// NextDelay implements RetryPolicy. Once the backoff stops, the last delay it
// produced is repeated.
func (s *Sequence) NextDelay(attempt int) time.Duration {
	delay, _ := s.at(attempt)
	return delay
}

func (s *Sequence) at(attempt int) (time.Duration, bool) {
	if attempt < 0 {
		attempt = 0
	}
	b := s.newBackoff()
	var last time.Duration
	for i := 0; i <= attempt; i++ {
		next, stop := b.Next()
		if stop {
			return last, true
		}
		last = next
	}
	return last, false
}

func exhausted(attempt, max int) bool {
	return max >= 0 && attempt >= max
}

// IsRetryable reports whether err may be retried. Errors opt out by
// implementing IsRetryable() bool; anything else is retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	type retryable interface {
		IsRetryable() bool
	}

	if r, ok := err.(retryable); ok {
		return r.IsRetryable()
	}

	return true
}

// RetryableError wraps an error to indicate it's retryable
type RetryableError struct {
	Err       error
	Retryable bool
}

// Error implements error interface
func (r RetryableError) Error() string {
	return r.Err.Error()
}

// IsRetryable indicates if the error is retryable
func (r RetryableError) IsRetryable() bool {
	return r.Retryable
}

// Unwrap returns the wrapped error
func (r RetryableError) Unwrap() error {
	return r.Err
}
