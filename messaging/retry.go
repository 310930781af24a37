package messaging

import (
	"time"

	"github.com/glimte/mqkit/internal/reliability"
	retry "github.com/sethvargo/go-retry"
)

// RetryPolicy spaces reconnect and requeue attempts
type RetryPolicy = reliability.RetryPolicy

// Unlimited is the max attempts value of a policy that never gives up
const Unlimited = reliability.Unlimited

// FixedBackoff waits delay between attempts, forever
func FixedBackoff(delay time.Duration) RetryPolicy {
	return reliability.NewFixedDelay(delay, Unlimited)
}

// ExponentialBackoff doubles the delay from initial up to max, forever
func ExponentialBackoff(initial, max time.Duration) RetryPolicy {
	return reliability.NewExponentialBackoff(initial, max, 2, Unlimited)
}

// LimitedBackoff waits delay between attempts and gives up after maxRetries
func LimitedBackoff(delay time.Duration, maxRetries int) RetryPolicy {
	return reliability.NewFixedDelay(delay, maxRetries)
}

// BackoffFrom adapts a go-retry backoff factory, e.g.
//
//	messaging.BackoffFrom(func() retry.Backoff {
//	    return retry.WithCappedDuration(time.Minute, retry.NewFibonacci(time.Second))
//	})
func BackoffFrom(newBackoff func() retry.Backoff) RetryPolicy {
	return reliability.NewSequence(newBackoff)
}
