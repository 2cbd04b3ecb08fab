package curp

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaultPolicyAllowsThreeRetries(t *testing.T) {
	t.Parallel()

	p := NewExponentialRetryPolicy()
	require.Equal(t, 3, p.MaxRetries())

	// Attempts count calls made so far: the first three calls may be
	// retried, so a combination gets four calls in total.
	for attempt := 1; attempt <= 3; attempt++ {
		require.True(t, p.ShouldRetry(OutcomeTransient, attempt), "attempt %d", attempt)
	}
	require.False(t, p.ShouldRetry(OutcomeTransient, 4))
}

func TestOnlyTransientOutcomesRetry(t *testing.T) {
	t.Parallel()

	p := NewExponentialRetryPolicy()
	require.False(t, p.ShouldRetry(OutcomeMatch, 1))
	require.False(t, p.ShouldRetry(OutcomeNoMatch, 1))
	require.False(t, p.ShouldRetry(OutcomeFatal, 1))
}

func TestBackoffStaysWithinCap(t *testing.T) {
	t.Parallel()

	p := NewRetryPolicy(10, 500*time.Millisecond, 2*time.Second)
	for attempt := 1; attempt <= 10; attempt++ {
		d := p.Backoff(attempt)
		require.Greater(t, d, time.Duration(0), "attempt %d", attempt)
		require.LessOrEqual(t, d, 2*time.Second, "attempt %d", attempt)
	}
}

func TestNewRetryPolicyFallsBackToDefaults(t *testing.T) {
	t.Parallel()

	p := NewRetryPolicy(0, 0, 0)
	require.Equal(t, 3, p.MaxRetries())
	require.True(t, p.ShouldRetry(OutcomeTransient, 3))
	require.False(t, p.ShouldRetry(OutcomeTransient, 4))
}
