// Package throttle paces external registry queries: randomized per-request
// delay, periodic cooldown pauses, and adaptive backoff escalation fed by
// outcome classifications.
package throttle

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"curpsweep/internal/curp"
	"curpsweep/internal/metrics"
)

// Config holds pacing knobs.
type Config struct {
	// MinDelay/MaxDelay bound the uniform random delay applied after every
	// query.
	MinDelay time.Duration
	MaxDelay time.Duration
	// CooldownEvery inserts Cooldown after every N calls by a worker.
	// Zero disables cooldowns.
	CooldownEvery int
	Cooldown      time.Duration
	// EscalateAfter is the run of consecutive transient errors that flips a
	// worker into escalated backoff. Zero disables escalation.
	EscalateAfter int
	// BackoffFactor multiplies the delay scale per additional error while
	// escalated; MaxBackoffScale caps it.
	BackoffFactor   float64
	MaxBackoffScale float64
	// GlobalRPS caps the whole pool's request rate. Zero means no cap.
	GlobalRPS   float64
	GlobalBurst int
}

func (c *Config) applyDefaults() {
	if c.MinDelay <= 0 {
		c.MinDelay = 300 * time.Millisecond
	}
	if c.MaxDelay < c.MinDelay {
		c.MaxDelay = c.MinDelay
	}
	if c.Cooldown < 0 {
		c.Cooldown = 0
	}
	if c.BackoffFactor < 1 {
		c.BackoffFactor = 2
	}
	if c.MaxBackoffScale < 1 {
		c.MaxBackoffScale = 8
	}
	if c.GlobalBurst <= 0 {
		c.GlobalBurst = 1
	}
}

type workerState struct {
	calls           int
	consecutiveErrs int
	scale           float64
}

// Limiter implements curp.Throttle. It never fails; Wait only delays, and
// returns early only when the context is canceled.
type Limiter struct {
	cfg    Config
	global *rate.Limiter

	mu      sync.Mutex
	workers map[int]*workerState

	// Injection points for deterministic tests.
	sleep  func(ctx context.Context, d time.Duration) error
	random func() float64
}

// New builds a Limiter.
func New(cfg Config) *Limiter {
	cfg.applyDefaults()
	var global *rate.Limiter
	if cfg.GlobalRPS > 0 {
		global = rate.NewLimiter(rate.Limit(cfg.GlobalRPS), cfg.GlobalBurst)
	}
	return &Limiter{
		cfg:     cfg,
		global:  global,
		workers: make(map[int]*workerState),
		sleep:   timerSleep,
		random:  rand.Float64,
	}
}

// Wait blocks the calling worker for its current pacing delay: the uniform
// random base delay scaled by any escalated backoff, plus a cooldown every
// CooldownEvery calls, behind the optional global rate ceiling.
func (l *Limiter) Wait(ctx context.Context, workerID int) error {
	if l.global != nil {
		if err := l.global.Wait(ctx); err != nil {
			return fmt.Errorf("global rate wait: %w", err)
		}
	}

	l.mu.Lock()
	st := l.state(workerID)
	st.calls++
	scale := st.scale
	cooldown := time.Duration(0)
	if l.cfg.CooldownEvery > 0 && st.calls%l.cfg.CooldownEvery == 0 {
		cooldown = l.cfg.Cooldown
	}
	l.mu.Unlock()

	spread := l.cfg.MaxDelay - l.cfg.MinDelay
	base := l.cfg.MinDelay + time.Duration(l.random()*float64(spread))
	delay := time.Duration(float64(base)*scale) + cooldown
	metrics.ObserveThrottleDelay(delay)
	return l.sleep(ctx, delay)
}

// Observe feeds an outcome classification back into the worker's backoff
// state. A run of EscalateAfter consecutive transient errors escalates the
// delay scale exponentially with a cap; any success or no-match resets it to
// baseline.
func (l *Limiter) Observe(workerID int, kind curp.OutcomeKind) {
	l.mu.Lock()
	defer l.mu.Unlock()
	st := l.state(workerID)
	switch kind {
	case curp.OutcomeTransient:
		st.consecutiveErrs++
		if l.cfg.EscalateAfter > 0 && st.consecutiveErrs >= l.cfg.EscalateAfter {
			next := st.scale * l.cfg.BackoffFactor
			if next > l.cfg.MaxBackoffScale {
				next = l.cfg.MaxBackoffScale
			}
			st.scale = next
		}
	case curp.OutcomeMatch, curp.OutcomeNoMatch:
		st.consecutiveErrs = 0
		st.scale = 1
	case curp.OutcomeFatal:
		// The worker is stopping; nothing to adapt.
	}
}

// state must be called with l.mu held.
func (l *Limiter) state(workerID int) *workerState {
	st, ok := l.workers[workerID]
	if !ok {
		st = &workerState{scale: 1}
		l.workers[workerID] = st
	}
	return st
}

func timerSleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
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
