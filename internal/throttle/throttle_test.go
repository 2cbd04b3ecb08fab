package throttle

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"curpsweep/internal/curp"
	"curpsweep/internal/metrics"
)

// fixedLimiter returns a Limiter whose sleeps are recorded instead of taken
// and whose random draw is pinned.
func fixedLimiter(cfg Config, random float64) (*Limiter, *[]time.Duration) {
	l := New(cfg)
	slept := &[]time.Duration{}
	l.sleep = func(_ context.Context, d time.Duration) error {
		*slept = append(*slept, d)
		return nil
	}
	l.random = func() float64 { return random }
	return l, slept
}

func TestLimiter_BaseDelayWithinConfiguredInterval(t *testing.T) {
	t.Parallel()

	cfg := Config{MinDelay: 100 * time.Millisecond, MaxDelay: 200 * time.Millisecond}

	l, slept := fixedLimiter(cfg, 0)
	require.NoError(t, l.Wait(context.Background(), 1))
	require.Equal(t, 100*time.Millisecond, (*slept)[0])

	l, slept = fixedLimiter(cfg, 0.5)
	require.NoError(t, l.Wait(context.Background(), 1))
	require.Equal(t, 150*time.Millisecond, (*slept)[0])
}

func TestLimiter_CooldownEveryN(t *testing.T) {
	t.Parallel()

	l, slept := fixedLimiter(Config{
		MinDelay:      100 * time.Millisecond,
		MaxDelay:      100 * time.Millisecond,
		CooldownEvery: 3,
		Cooldown:      5 * time.Second,
	}, 0)

	for i := 0; i < 6; i++ {
		require.NoError(t, l.Wait(context.Background(), 7))
	}
	require.Len(t, *slept, 6)
	for i, d := range *slept {
		if (i+1)%3 == 0 {
			require.Equal(t, 5*time.Second+100*time.Millisecond, d, "call %d should cool down", i+1)
		} else {
			require.Equal(t, 100*time.Millisecond, d, "call %d", i+1)
		}
	}
}

func TestLimiter_EscalatesThenResets(t *testing.T) {
	t.Parallel()

	l, slept := fixedLimiter(Config{
		MinDelay:        100 * time.Millisecond,
		MaxDelay:        100 * time.Millisecond,
		EscalateAfter:   3,
		BackoffFactor:   2,
		MaxBackoffScale: 8,
	}, 0)

	// Two transient errors stay at baseline.
	l.Observe(1, curp.OutcomeTransient)
	l.Observe(1, curp.OutcomeTransient)
	require.NoError(t, l.Wait(context.Background(), 1))
	require.Equal(t, 100*time.Millisecond, (*slept)[0])

	// The third error crosses the threshold: scale doubles.
	l.Observe(1, curp.OutcomeTransient)
	require.NoError(t, l.Wait(context.Background(), 1))
	require.Equal(t, 200*time.Millisecond, (*slept)[1])

	// Further errors keep multiplying until the cap.
	l.Observe(1, curp.OutcomeTransient)
	l.Observe(1, curp.OutcomeTransient)
	l.Observe(1, curp.OutcomeTransient)
	l.Observe(1, curp.OutcomeTransient)
	require.NoError(t, l.Wait(context.Background(), 1))
	require.Equal(t, 800*time.Millisecond, (*slept)[2]) // capped at 8x

	// A match resets the worker to baseline.
	l.Observe(1, curp.OutcomeMatch)
	require.NoError(t, l.Wait(context.Background(), 1))
	require.Equal(t, 100*time.Millisecond, (*slept)[3])
}

func TestLimiter_WorkersAreIndependent(t *testing.T) {
	t.Parallel()

	l, slept := fixedLimiter(Config{
		MinDelay:      100 * time.Millisecond,
		MaxDelay:      100 * time.Millisecond,
		EscalateAfter: 1,
		BackoffFactor: 4,
	}, 0)

	l.Observe(1, curp.OutcomeTransient)
	require.NoError(t, l.Wait(context.Background(), 1))
	require.NoError(t, l.Wait(context.Background(), 2))
	require.Equal(t, 400*time.Millisecond, (*slept)[0])
	require.Equal(t, 100*time.Millisecond, (*slept)[1])
}

func TestLimiter_NoMatchResetsEscalation(t *testing.T) {
	t.Parallel()

	l, slept := fixedLimiter(Config{
		MinDelay:      50 * time.Millisecond,
		MaxDelay:      50 * time.Millisecond,
		EscalateAfter: 2,
		BackoffFactor: 3,
	}, 0)

	l.Observe(4, curp.OutcomeTransient)
	l.Observe(4, curp.OutcomeTransient)
	l.Observe(4, curp.OutcomeNoMatch)
	require.NoError(t, l.Wait(context.Background(), 4))
	require.Equal(t, 50*time.Millisecond, (*slept)[0])
}

// throttleDelaySamples reads the pacing histogram's sample count from the
// default registry.
func throttleDelaySamples(t *testing.T) uint64 {
	t.Helper()
	families, err := prometheus.DefaultGatherer.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() == "curpsweep_throttle_delay_seconds" {
			return mf.GetMetric()[0].GetHistogram().GetSampleCount()
		}
	}
	return 0
}

func TestLimiter_WaitRecordsDelayMetric(t *testing.T) {
	metrics.Init()
	before := throttleDelaySamples(t)

	l, _ := fixedLimiter(Config{MinDelay: 10 * time.Millisecond, MaxDelay: 10 * time.Millisecond}, 0)
	require.NoError(t, l.Wait(context.Background(), 1))

	require.Greater(t, throttleDelaySamples(t), before)
}

func TestLimiter_WaitHonorsCancellation(t *testing.T) {
	t.Parallel()

	l := New(Config{MinDelay: time.Hour, MaxDelay: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.Error(t, l.Wait(ctx, 1))
}
