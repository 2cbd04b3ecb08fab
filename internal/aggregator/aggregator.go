// Package aggregator collects per-combination reports from workers, dedupes
// them, batches confirmed matches toward a sink, and advances the durable
// per-person watermark.
package aggregator

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"curpsweep/internal/checkpoint"
	"curpsweep/internal/clock/system"
	"curpsweep/internal/curp"
	"curpsweep/internal/metrics"
)

// CheckpointSaver is the slice of checkpoint.Store the aggregator needs.
type CheckpointSaver interface {
	Save(rec checkpoint.Record) error
}

// Config controls batching and flush cadence.
//   - BufferSize: size of the internal report channel (default 256).
//   - BatchSize: flush once this many matches are pending (default 25).
//   - FlushInterval: flush and checkpoint after this duration even if the
//     batch is small (default 30s).
//   - PersistBackoff: fixed wait between persist retries (default 5s). A
//     batch is never dropped; persistence retries until it lands or the
//     aggregator is torn down.
//   - NotifyTopic: optional topic for per-match notifications.
type Config struct {
	BufferSize     int
	BatchSize      int
	FlushInterval  time.Duration
	PersistBackoff time.Duration
	NotifyTopic    string
	Clock          curp.Clock
	Logger         *zap.Logger
}

const (
	defaultBufferSize     = 256
	defaultBatchSize      = 25
	defaultFlushInterval  = 30 * time.Second
	defaultPersistBackoff = 5 * time.Second
)

// Seed is the resume state for one person, normally loaded from a checkpoint.
// A fresh traversal seeds LastCompletedIndex = -1 and no matches.
type Seed struct {
	PersonID           string
	ConfigHash         string
	SpaceSize          int64
	LastCompletedIndex int64
	Matches            []curp.Match
}

// Snapshot is a point-in-time view of one person's progress for status
// reporting.
type Snapshot struct {
	PersonID           string `json:"person_id"`
	SpaceSize          int64  `json:"space_size"`
	Completed          int64  `json:"completed"`
	Remaining          int64  `json:"remaining"`
	LastCompletedIndex int64  `json:"last_completed_index"`
	Matches            int    `json:"matches"`
}

// Aggregator is the single consumer of worker reports for one person. It owns
// the watermark: LastCompletedIndex only advances over a contiguous prefix of
// completed indices, and only after the matches inside that prefix have been
// durably persisted.
type Aggregator struct {
	cfg    Config
	seed   Seed
	sink   curp.ResultSink
	ckpt   CheckpointSaver
	notify curp.Notifier
	logger *zap.Logger

	reports chan curp.Report
	stopCh  chan struct{}
	doneCh  chan struct{}

	closed    atomic.Bool
	closeOnce sync.Once
	closeCtx  context.Context
	closeErr  error

	// flushCtx governs size- and timer-triggered flushes. Close cancels it
	// so a persist retry loop never outlives the aggregator; the final
	// drain flush runs under the close context instead.
	flushCtx    context.Context
	flushCancel context.CancelFunc

	// run-loop state, guarded by mu only because Snapshot reads it from
	// other goroutines.
	mu           sync.Mutex
	watermark    int64
	completed    map[int64]struct{} // done indices above the watermark
	doneCount    int64
	matchesSoFar []curp.Match
	pending      []curp.Match
}

// New starts the aggregation goroutine. notify may be nil.
func New(cfg Config, seed Seed, sink curp.ResultSink, ckpt CheckpointSaver, notify curp.Notifier) *Aggregator {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultBufferSize
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = defaultFlushInterval
	}
	if cfg.PersistBackoff <= 0 {
		cfg.PersistBackoff = defaultPersistBackoff
	}
	if cfg.Clock == nil {
		cfg.Clock = system.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	a := &Aggregator{
		cfg:          cfg,
		seed:         seed,
		sink:         sink,
		ckpt:         ckpt,
		notify:       notify,
		logger:       cfg.Logger.With(zap.String("person_id", seed.PersonID)),
		reports:      make(chan curp.Report, cfg.BufferSize),
		stopCh:       make(chan struct{}),
		doneCh:       make(chan struct{}),
		watermark:    seed.LastCompletedIndex,
		completed:    make(map[int64]struct{}),
		doneCount:    seed.LastCompletedIndex + 1,
		matchesSoFar: append([]curp.Match(nil), seed.Matches...),
	}
	a.flushCtx, a.flushCancel = context.WithCancel(context.Background())
	// A checkpoint routinely holds matches above its watermark: they were
	// flushed while a gap below kept the watermark back. A resumed run
	// re-claims those indices, so they must dedupe like any other completed
	// index.
	for _, m := range seed.Matches {
		if m.Index > a.watermark {
			a.completed[m.Index] = struct{}{}
			a.doneCount++
		}
	}
	metrics.SetRemaining(seed.SpaceSize - a.doneCount)
	go a.run()
	return a
}

// Report hands one completed combination to the aggregator. Unlike a metrics
// pipeline, reports are never dropped: Report blocks until the aggregator
// accepts it, the caller's context ends, or the aggregator is shutting down.
func (a *Aggregator) Report(ctx context.Context, r curp.Report) error {
	if a.closed.Load() {
		return fmt.Errorf("aggregator for %s is closed", a.seed.PersonID)
	}
	select {
	case a.reports <- r:
		return nil
	case <-a.stopCh:
		return fmt.Errorf("aggregator for %s is closed", a.seed.PersonID)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close drains buffered reports, flushes the final batch, writes the final
// checkpoint, and blocks until the background goroutine exits. A persist
// retry loop already in flight is aborted; its batch is re-flushed under ctx.
func (a *Aggregator) Close(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	a.closeOnce.Do(func() {
		a.closed.Store(true)
		a.closeCtx = ctx
		a.flushCancel()
		close(a.stopCh)
	})
	select {
	case <-a.doneCh:
		return a.closeErr
	case <-ctx.Done():
		return fmt.Errorf("aggregator close wait: %w", ctx.Err())
	}
}

// Snapshot reports current progress. Safe to call from any goroutine.
func (a *Aggregator) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Snapshot{
		PersonID:           a.seed.PersonID,
		SpaceSize:          a.seed.SpaceSize,
		Completed:          a.doneCount,
		Remaining:          a.seed.SpaceSize - a.doneCount,
		LastCompletedIndex: a.watermark,
		Matches:            len(a.matchesSoFar),
	}
}

// Matches returns a copy of every match recorded so far, seed included.
func (a *Aggregator) Matches() []curp.Match {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]curp.Match(nil), a.matchesSoFar...)
}

func (a *Aggregator) run() {
	defer close(a.doneCh)
	defer a.flushCancel()
	timer := time.NewTimer(a.cfg.FlushInterval)
	defer timer.Stop()

	for {
		select {
		case r := <-a.reports:
			a.accept(r)
			if a.pendingLen() >= a.cfg.BatchSize {
				a.flush(a.flushCtx)
				resetTimer(timer, a.cfg.FlushInterval)
			}
		case <-timer.C:
			a.flush(a.flushCtx)
			timer.Reset(a.cfg.FlushInterval)
		case <-a.stopCh:
			a.drain()
			return
		}
	}
}

// drain empties the report buffer, then performs the final flush and
// checkpoint under the close context.
func (a *Aggregator) drain() {
	for {
		select {
		case r := <-a.reports:
			a.accept(r)
		default:
			ctx := a.closeCtx
			if ctx == nil {
				ctx = context.Background()
			}
			a.closeErr = a.flush(ctx)
			return
		}
	}
}

// accept applies one report to the in-memory state. Duplicate indices are
// ignored; recovery overlap after a resume makes them normal, not an error.
func (a *Aggregator) accept(r curp.Report) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if r.Index <= a.watermark {
		a.logger.Debug("duplicate report below watermark", zap.Int64("index", r.Index))
		return
	}
	if _, dup := a.completed[r.Index]; dup {
		a.logger.Debug("duplicate report", zap.Int64("index", r.Index))
		return
	}
	if r.Outcome.Kind == curp.OutcomeFatal {
		// A fatal index is not completed. The watermark never covers it, so
		// a resumed run retries it once the operator has cleared whatever
		// blocked the session.
		a.logger.Error("fatal outcome recorded",
			zap.Int64("index", r.Index), zap.String("error", r.Outcome.Err))
		return
	}
	a.completed[r.Index] = struct{}{}
	a.doneCount++

	if r.Outcome.Kind == curp.OutcomeMatch {
		m := curp.Match{
			PersonID:    r.PersonID,
			Index:       r.Index,
			CURP:        r.Outcome.CURP,
			BirthDate:   r.Outcome.BirthDate,
			StateName:   r.Outcome.StateName,
			Combination: r.Combination,
			WorkerID:    r.WorkerID,
			FoundAt:     a.cfg.Clock.Now(),
		}
		a.matchesSoFar = append(a.matchesSoFar, m)
		a.pending = append(a.pending, m)
		metrics.AddMatches(1)
		a.logger.Info("match found",
			zap.Int64("index", r.Index),
			zap.String("curp", m.CURP),
			zap.Int("worker_id", r.WorkerID))
	}

	for {
		if _, ok := a.completed[a.watermark+1]; !ok {
			break
		}
		a.watermark++
		delete(a.completed, a.watermark)
	}
	metrics.SetRemaining(a.seed.SpaceSize - a.doneCount)
}

func (a *Aggregator) pendingLen() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pending)
}

// flush persists pending matches and then checkpoints the watermark. The
// order matters: a checkpoint must never cover an index whose match has not
// been durably persisted, so a crash between the two steps re-persists (sinks
// dedupe) rather than losing a match.
func (a *Aggregator) flush(ctx context.Context) error {
	a.mu.Lock()
	batch := append([]curp.Match(nil), a.pending...)
	watermark := a.watermark
	matches := append([]curp.Match(nil), a.matchesSoFar...)
	a.mu.Unlock()

	if len(batch) > 0 {
		rb := curp.ResultBatch{
			ID:       uuid.NewString(),
			PersonID: a.seed.PersonID,
			Matches:  batch,
		}
		if err := a.persistWithRetry(ctx, rb); err != nil {
			return err
		}
		metrics.IncBatchFlushed()
		a.publishMatches(ctx, batch)
		a.mu.Lock()
		a.pending = a.pending[len(batch):]
		a.mu.Unlock()
	}

	rec := checkpoint.Record{
		PersonID:           a.seed.PersonID,
		LastCompletedIndex: watermark,
		Matches:            matches,
		ConfigHash:         a.seed.ConfigHash,
		UpdatedAt:          a.cfg.Clock.Now(),
	}
	if err := a.ckpt.Save(rec); err != nil {
		a.logger.Error("checkpoint save failed", zap.Error(err))
		return fmt.Errorf("checkpoint %s: %w", a.seed.PersonID, err)
	}
	metrics.IncCheckpointSave()
	return nil
}

// persistWithRetry retries the sink with a fixed backoff until the batch
// lands or ctx ends. The batch keeps its ID across retries so idempotent
// sinks can recognize a replay.
func (a *Aggregator) persistWithRetry(ctx context.Context, batch curp.ResultBatch) error {
	for {
		err := a.sink.Persist(ctx, batch)
		if err == nil {
			return nil
		}
		metrics.IncPersistFailure()
		a.logger.Warn("persist failed, retrying",
			zap.String("batch_id", batch.ID),
			zap.Int("matches", len(batch.Matches)),
			zap.Error(err))
		select {
		case <-ctx.Done():
			return fmt.Errorf("persist batch %s: %w", batch.ID, ctx.Err())
		case <-time.After(a.cfg.PersistBackoff):
		}
	}
}

func (a *Aggregator) publishMatches(ctx context.Context, batch []curp.Match) {
	if a.notify == nil || a.cfg.NotifyTopic == "" {
		return
	}
	for _, m := range batch {
		if _, err := a.notify.Publish(ctx, a.cfg.NotifyTopic, m); err != nil {
			a.logger.Warn("match notification failed",
				zap.String("curp", m.CURP), zap.Error(err))
		}
	}
}

func resetTimer(timer *time.Timer, d time.Duration) {
	if !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}
	timer.Reset(d)
}
