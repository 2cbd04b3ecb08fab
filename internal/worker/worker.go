// Package worker implements the query execution loop: claim an index, query
// the registry through a throttled session, classify, report, repeat.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"curpsweep/internal/curp"
	"curpsweep/internal/metrics"
)

// ErrFatal is returned by Worker.Run when the session reported a fatal
// outcome. The worker has already reported it and stopped pulling work; the
// run controller decides what happens to its siblings.
var ErrFatal = errors.New("worker received fatal outcome")

// Reporter consumes one report per completed combination.
type Reporter interface {
	Report(ctx context.Context, r curp.Report) error
}

// Decoder maps claimed indices to combinations.
type Decoder interface {
	Decode(index int64) (curp.Combination, error)
}

// Config controls Worker behavior.
type Config struct {
	// QueryTimeout bounds one external call. The endpoint is slow; keep
	// this generous.
	QueryTimeout time.Duration
	// RestartSessionAfter recycles the session after this many consecutive
	// session-level errors. Zero disables recycling.
	RestartSessionAfter int
	// StartStagger delays worker k's first query by k*StartStagger to
	// avoid a thundering herd against the endpoint.
	StartStagger time.Duration
}

func (c *Config) applyDefaults() {
	if c.QueryTimeout <= 0 {
		c.QueryTimeout = 90 * time.Second
	}
}

// Worker executes one share of a PersonTask's combination space.
type Worker struct {
	id       int
	sessions curp.SessionFactory
	throttle curp.Throttle
	policy   curp.RetryPolicy
	gate     curp.Gate
	reporter Reporter
	cfg      Config
	logger   *zap.Logger

	session     curp.Session
	sessionErrs int
}

// New constructs a Worker.
func New(
	id int,
	sessions curp.SessionFactory,
	throttle curp.Throttle,
	policy curp.RetryPolicy,
	gate curp.Gate,
	reporter Reporter,
	cfg Config,
	logger *zap.Logger,
) *Worker {
	cfg.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		id:       id,
		sessions: sessions,
		throttle: throttle,
		policy:   policy,
		gate:     gate,
		reporter: reporter,
		cfg:      cfg,
		logger:   logger.With(zap.Int("worker_id", id)),
	}
}

// Run pulls indices from dist until the space is exhausted, the context is
// canceled, or a fatal outcome arrives. Cancellation is cooperative: it is
// checked at the gate before each claim, never mid-query beyond the query
// timeout.
func (w *Worker) Run(ctx context.Context, task curp.PersonTask, dist *Distributor, space Decoder) error {
	metrics.WorkerStarted()
	defer metrics.WorkerStopped()

	if err := w.staggerStart(ctx); err != nil {
		return nil
	}

	session, err := w.sessions.Open(ctx, w.id)
	if err != nil {
		return fmt.Errorf("open session: %w", err)
	}
	w.session = session
	defer w.closeSession()

	w.logger.Info("worker started", zap.String("person_id", task.PersonID))

	for {
		if err := w.gate.Wait(ctx); err != nil {
			return nil
		}
		idx, ok := dist.Next()
		if !ok {
			w.logger.Info("combination space exhausted", zap.String("person_id", task.PersonID))
			return nil
		}
		combo, err := space.Decode(idx)
		if err != nil {
			// Unreachable while the distributor limit matches the space.
			return fmt.Errorf("decode index %d: %w", idx, err)
		}

		outcome, err := w.queryWithRetry(ctx, task.Fields, combo)
		if err != nil {
			// Canceled mid-query: the index was never reported, so the
			// watermark cannot advance past it and a resumed run will
			// re-claim it.
			return nil
		}

		report := curp.Report{
			PersonID:    task.PersonID,
			Index:       idx,
			Combination: combo,
			Outcome:     outcome,
			WorkerID:    w.id,
		}
		if err := w.reporter.Report(ctx, report); err != nil {
			return nil
		}
		w.throttle.Observe(w.id, outcome.Kind)

		if outcome.Kind == curp.OutcomeFatal {
			w.logger.Error("fatal outcome, worker stopping",
				zap.Int64("index", idx), zap.String("error", outcome.Err))
			return ErrFatal
		}
		if err := w.throttle.Wait(ctx, w.id); err != nil {
			return nil
		}
	}
}

// queryWithRetry performs one combination's external call with bounded
// in-place retries of transient errors. Retries never consume a new index.
// Exhausted retries downgrade to a no-match carrying the error annotation so
// the index still completes and the run never stalls on one combination.
func (w *Worker) queryWithRetry(ctx context.Context, fields curp.PersonFields, combo curp.Combination) (curp.Outcome, error) {
	attempt := 0
	for {
		attempt++
		outcome := w.queryOnce(ctx, fields, combo)
		outcome.Attempts = attempt

		// A query cut short by run cancellation must stay unreported so the
		// watermark never covers it; a resumed run re-claims the index.
		if err := ctx.Err(); err != nil {
			return curp.Outcome{}, err
		}
		if outcome.Kind != curp.OutcomeTransient {
			return outcome, nil
		}
		if !w.policy.ShouldRetry(outcome.Kind, attempt) {
			return curp.Outcome{
				Kind:     curp.OutcomeNoMatch,
				Err:      fmt.Sprintf("gave up after %d attempts: %s", attempt, outcome.Err),
				Attempts: attempt,
			}, nil
		}
		metrics.IncRetry()
		w.logger.Warn("transient error, retrying combination",
			zap.Int("attempt", attempt), zap.String("error", outcome.Err))
		if err := sleepCtx(ctx, w.policy.Backoff(attempt)); err != nil {
			return curp.Outcome{}, err
		}
		if err := ctx.Err(); err != nil {
			return curp.Outcome{}, err
		}
	}
}

func (w *Worker) queryOnce(ctx context.Context, fields curp.PersonFields, combo curp.Combination) curp.Outcome {
	qctx, cancel := context.WithTimeout(ctx, w.cfg.QueryTimeout)
	defer cancel()

	start := time.Now()
	outcome, err := w.session.Query(qctx, fields, combo)
	dur := time.Since(start)
	if err != nil {
		w.sessionErrs++
		w.maybeRecycleSession(ctx)
		outcome = curp.Outcome{Kind: curp.OutcomeTransient, Err: err.Error()}
	} else {
		w.sessionErrs = 0
	}
	metrics.ObserveSearch(string(outcome.Kind), dur)
	return outcome
}

// maybeRecycleSession replaces a session that keeps failing, mirroring a
// browser restart. Failure to reopen keeps the old session; the retry policy
// still bounds forward progress.
func (w *Worker) maybeRecycleSession(ctx context.Context) {
	if w.cfg.RestartSessionAfter <= 0 || w.sessionErrs < w.cfg.RestartSessionAfter {
		return
	}
	w.logger.Warn("recycling session after consecutive errors", zap.Int("errors", w.sessionErrs))
	w.closeSession()
	session, err := w.sessions.Open(ctx, w.id)
	if err != nil {
		w.logger.Error("session reopen failed", zap.Error(err))
		return
	}
	w.session = session
	w.sessionErrs = 0
}

func (w *Worker) closeSession() {
	if w.session == nil {
		return
	}
	closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := w.session.Close(closeCtx); err != nil {
		w.logger.Warn("session close failed", zap.Error(err))
	}
	w.session = nil
}

func (w *Worker) staggerStart(ctx context.Context) error {
	if w.cfg.StartStagger <= 0 || w.id == 0 {
		return nil
	}
	return sleepCtx(ctx, time.Duration(w.id)*w.cfg.StartStagger)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
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
