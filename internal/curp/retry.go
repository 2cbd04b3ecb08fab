package curp

import (
	"crypto/rand"
	"math"
	"math/big"
	"time"
)

// RetryPolicy decides whether a transient outcome is retried in place and how
// long to wait before the next attempt. Retries never consume a new
// combination index and sit on top of the initial call: a policy allowing 3
// retries permits 4 external calls per combination.
type RetryPolicy interface {
	ShouldRetry(kind OutcomeKind, attempt int) bool
	Backoff(attempt int) time.Duration
	MaxRetries() int
}

// ExponentialRetryPolicy implements RetryPolicy with jittered backoff.
type ExponentialRetryPolicy struct {
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

// NewExponentialRetryPolicy builds a policy with sane defaults.
func NewExponentialRetryPolicy() *ExponentialRetryPolicy {
	return &ExponentialRetryPolicy{
		maxRetries: 3,
		baseDelay:  500 * time.Millisecond,
		maxDelay:   10 * time.Second,
	}
}

// NewRetryPolicy builds a policy with explicit limits. Non-positive values
// fall back to the defaults.
func NewRetryPolicy(maxRetries int, baseDelay, maxDelay time.Duration) *ExponentialRetryPolicy {
	p := NewExponentialRetryPolicy()
	if maxRetries > 0 {
		p.maxRetries = maxRetries
	}
	if baseDelay > 0 {
		p.baseDelay = baseDelay
	}
	if maxDelay > 0 {
		p.maxDelay = maxDelay
	}
	return p
}

// MaxRetries returns the retry ceiling, not counting the initial call.
func (p *ExponentialRetryPolicy) MaxRetries() int {
	return p.maxRetries
}

// ShouldRetry reports whether a combination should be tried again after its
// attempt-th call. Only transient errors are ever retried.
func (p *ExponentialRetryPolicy) ShouldRetry(kind OutcomeKind, attempt int) bool {
	if kind != OutcomeTransient {
		return false
	}
	return attempt <= p.maxRetries
}

// Backoff returns the wait duration before the next attempt.
func (p *ExponentialRetryPolicy) Backoff(attempt int) time.Duration {
	delay := float64(p.baseDelay) * math.Pow(2, float64(attempt-1))
	if delay > float64(p.maxDelay) {
		delay = float64(p.maxDelay)
	}
	jitter := randomJitter(time.Duration(delay) / 2)
	return time.Duration(delay/2) + jitter
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	bound := big.NewInt(int64(limit))
	n, err := rand.Int(rand.Reader, bound)
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}
