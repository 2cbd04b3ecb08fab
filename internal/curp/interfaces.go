package curp

import (
	"context"
	"time"
)

// Session performs registry queries. A session is owned by exactly one worker
// for the worker's lifetime and is never shared.
type Session interface {
	// Query submits one combination and returns its classified outcome. A
	// non-nil error means the session itself failed (navigation, crashed
	// browser); callers treat it as transient and may recycle the session.
	Query(ctx context.Context, fields PersonFields, combo Combination) (Outcome, error)
	Close(ctx context.Context) error
}

// SessionFactory opens worker-scoped sessions.
type SessionFactory interface {
	Open(ctx context.Context, workerID int) (Session, error)
}

// ResultSink persists flushed result batches. Persist failures are retryable;
// a batch is never dropped.
type ResultSink interface {
	Persist(ctx context.Context, batch ResultBatch) error
	Close(ctx context.Context) error
}

// Notifier pushes match events to Pub/Sub (or similar).
type Notifier interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Throttle paces workers. Wait never fails except on context cancellation;
// Observe feeds outcome classifications back so the limiter can escalate or
// reset its backoff.
type Throttle interface {
	Wait(ctx context.Context, workerID int) error
	Observe(workerID int, kind OutcomeKind)
}

// Gate is the cooperative pause point workers check before claiming work.
type Gate interface {
	Wait(ctx context.Context) error
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}
