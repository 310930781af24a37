// Package reliability provides the retry policies used to schedule
// reconnects and requeues.
//
// Policies are attempt-indexed and stateless, so one value can be shared by
// every retry loop that uses it:
//   - FixedDelay: the same wait before every attempt
//   - ExponentialBackoff: initial*multiplier^attempt, capped, with optional jitter
//   - Sequence: any github.com/sethvargo/go-retry backoff
//
// Example usage:
//
//	// Reconnect after 1s, 2s, 4s, ... capped at one minute, forever
//	policy := NewExponentialBackoff(time.Second, time.Minute, 2, Unlimited)
//	ok, delay := policy.ShouldRetry(attempt, err)
package reliability
