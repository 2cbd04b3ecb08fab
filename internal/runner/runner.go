// Package runner drives the whole sweep: it loads checkpoints, fans each
// person's combination space out over a worker pool, and owns the run
// lifecycle state machine.
package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"curpsweep/internal/aggregator"
	"curpsweep/internal/checkpoint"
	"curpsweep/internal/combi"
	"curpsweep/internal/curp"
	"curpsweep/internal/worker"
)

// State is the run lifecycle phase.
type State string

// Lifecycle states. Transitions: Idle -> Loading -> Running <-> Paused ->
// Draining -> Stopped. Draining is also entered on signal or fatal outcome.
const (
	StateIdle     State = "idle"
	StateLoading  State = "loading"
	StateRunning  State = "running"
	StatePaused   State = "paused"
	StateDraining State = "draining"
	StateStopped  State = "stopped"
)

// ErrConfigMismatch wraps checkpoint.ErrConfigMismatch at the run level; no
// worker is started when any person's checkpoint disagrees with the active
// space configuration.
var ErrConfigMismatch = checkpoint.ErrConfigMismatch

// Config assembles the per-subsystem knobs the runner passes down.
type Config struct {
	// PoolSize is the number of workers per person (default 2).
	PoolSize int
	// PersonParallelism bounds how many persons are swept at once
	// (default 1: sequential, gentlest on the endpoint and the simplest
	// checkpoint story).
	PersonParallelism int
	Worker            worker.Config
	Aggregator        aggregator.Config
}

func (c *Config) applyDefaults() {
	if c.PoolSize <= 0 {
		c.PoolSize = 2
	}
	if c.PersonParallelism <= 0 {
		c.PersonParallelism = 1
	}
}

// Runner executes one run over a task list. A Runner is single-use: build a
// new one for each run.
type Runner struct {
	cfg      Config
	space    *combi.Space
	store    *checkpoint.Store
	sessions curp.SessionFactory
	throttle curp.Throttle
	policy   curp.RetryPolicy
	sink     curp.ResultSink
	notify   curp.Notifier
	logger   *zap.Logger

	gate *pauseGate

	mu     sync.Mutex
	state  State
	cancel context.CancelFunc
	aggs   map[string]*aggregator.Aggregator
}

// New wires a Runner. notify may be nil.
func New(
	cfg Config,
	space *combi.Space,
	store *checkpoint.Store,
	sessions curp.SessionFactory,
	throttle curp.Throttle,
	policy curp.RetryPolicy,
	sink curp.ResultSink,
	notify curp.Notifier,
	logger *zap.Logger,
) *Runner {
	cfg.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		cfg:      cfg,
		space:    space,
		store:    store,
		sessions: sessions,
		throttle: throttle,
		policy:   policy,
		sink:     sink,
		notify:   notify,
		logger:   logger,
		gate:     newPauseGate(),
		state:    StateIdle,
		aggs:     make(map[string]*aggregator.Aggregator),
	}
}

// State returns the current lifecycle phase.
func (r *Runner) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Status returns a progress snapshot per person, most useful while running.
func (r *Runner) Status() []aggregator.Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]aggregator.Snapshot, 0, len(r.aggs))
	for _, agg := range r.aggs {
		out = append(out, agg.Snapshot())
	}
	return out
}

// Pause blocks workers at the gate before their next claim. In-flight queries
// finish and are reported. No-op unless running.
func (r *Runner) Pause() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != StateRunning {
		return
	}
	r.state = StatePaused
	r.gate.pause()
	r.logger.Info("run paused")
}

// Resume releases the gate. No-op unless paused.
func (r *Runner) Resume() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != StatePaused {
		return
	}
	r.state = StateRunning
	r.gate.resume()
	r.logger.Info("run resumed")
}

// TogglePause flips between Running and Paused.
func (r *Runner) TogglePause() {
	if r.State() == StatePaused {
		r.Resume()
	} else {
		r.Pause()
	}
}

// Drain stops workers at their next claim and lets aggregators flush; Run
// returns once every person has drained. Pending paused workers are released
// so they can observe the cancellation.
func (r *Runner) Drain() {
	r.mu.Lock()
	cancel := r.cancel
	if r.state == StateRunning || r.state == StatePaused {
		r.state = StateDraining
	}
	r.gate.resume()
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	r.logger.Info("run draining")
}

// Run sweeps the combination space for every task and blocks until done. It
// fails fast, before a single query is issued, when any checkpoint was written
// under a different space configuration.
func (r *Runner) Run(ctx context.Context, tasks []curp.PersonTask) error {
	if len(tasks) == 0 {
		return fmt.Errorf("no tasks to run")
	}
	r.setState(StateLoading)
	defer r.setState(StateStopped)

	seeds, err := r.loadSeeds(tasks)
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	r.mu.Lock()
	r.cancel = cancel
	r.state = StateRunning
	r.mu.Unlock()

	r.logger.Info("run started",
		zap.Int("persons", len(tasks)),
		zap.Int64("space_size", r.space.Size()),
		zap.String("config_hash", r.space.ConfigHash()))

	sem := make(chan struct{}, r.cfg.PersonParallelism)
	var wg sync.WaitGroup
	errs := make([]error, len(tasks))
	for i, task := range tasks {
		wg.Add(1)
		go func(i int, task curp.PersonTask) {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
			case <-runCtx.Done():
				return
			}
			defer func() { <-sem }()
			errs[i] = r.runPerson(runCtx, task, seeds[task.PersonID])
			if errors.Is(errs[i], worker.ErrFatal) {
				// One blocked or banned session means the rest are at
				// risk too. Stop claiming new work everywhere.
				r.Drain()
			}
		}(i, task)
	}
	wg.Wait()

	return errors.Join(errs...)
}

// loadSeeds resolves each task's resume point. It is all-or-nothing: any
// config mismatch aborts the whole run so the operator can decide between
// clearing checkpoints and fixing the configuration.
func (r *Runner) loadSeeds(tasks []curp.PersonTask) (map[string]aggregator.Seed, error) {
	seeds := make(map[string]aggregator.Seed, len(tasks))
	hash := r.space.ConfigHash()
	for _, task := range tasks {
		seed := aggregator.Seed{
			PersonID:           task.PersonID,
			ConfigHash:         hash,
			SpaceSize:          r.space.Size(),
			LastCompletedIndex: -1,
		}
		rec, err := r.store.Load(task.PersonID, hash)
		switch {
		case err == nil:
			seed.LastCompletedIndex = rec.LastCompletedIndex
			seed.Matches = rec.Matches
			r.logger.Info("resuming from checkpoint",
				zap.String("person_id", task.PersonID),
				zap.Int64("last_completed_index", rec.LastCompletedIndex),
				zap.Int("matches", len(rec.Matches)))
		case errors.Is(err, checkpoint.ErrNotFound):
			r.logger.Info("no checkpoint, starting fresh", zap.String("person_id", task.PersonID))
		default:
			return nil, fmt.Errorf("load checkpoint: %w", err)
		}
		seeds[task.PersonID] = seed
	}
	return seeds, nil
}

func (r *Runner) runPerson(ctx context.Context, task curp.PersonTask, seed aggregator.Seed) error {
	if seed.LastCompletedIndex+1 >= r.space.Size() {
		r.logger.Info("person already complete", zap.String("person_id", task.PersonID))
		return nil
	}

	agg := aggregator.New(r.cfg.Aggregator, seed, r.sink, r.store, r.notify)
	r.mu.Lock()
	r.aggs[task.PersonID] = agg
	r.mu.Unlock()

	dist := worker.NewDistributor(seed.LastCompletedIndex+1, r.space.Size())
	pool := worker.NewPool(r.cfg.PoolSize, r.sessions, r.throttle, r.policy, r.gate, r.cfg.Worker, r.logger)

	poolErr := pool.Run(ctx, task, dist, r.space, agg)

	// Drain with a fresh context: the run context is canceled on Drain but
	// buffered reports still must be flushed and checkpointed.
	if err := agg.Close(context.Background()); err != nil {
		return errors.Join(poolErr, fmt.Errorf("drain aggregator for %s: %w", task.PersonID, err))
	}

	if poolErr == nil && agg.Snapshot().Remaining == 0 {
		r.logger.Info("person sweep complete",
			zap.String("person_id", task.PersonID),
			zap.Int("matches", agg.Snapshot().Matches))
		if err := r.store.Clear(task.PersonID); err != nil {
			return err
		}
	}
	return poolErr
}

func (r *Runner) setState(s State) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
}

// pauseGate blocks Wait while paused. The open channel is closed when work
// may proceed and swapped for a fresh one on pause.
type pauseGate struct {
	mu   sync.Mutex
	open chan struct{}
}

func newPauseGate() *pauseGate {
	g := &pauseGate{open: make(chan struct{})}
	close(g.open)
	return g
}

func (g *pauseGate) pause() {
	g.mu.Lock()
	defer g.mu.Unlock()
	select {
	case <-g.open:
		g.open = make(chan struct{})
	default:
		// already paused
	}
}

func (g *pauseGate) resume() {
	g.mu.Lock()
	defer g.mu.Unlock()
	select {
	case <-g.open:
	default:
		close(g.open)
	}
}

// Wait blocks until the gate is open or ctx ends.
func (g *pauseGate) Wait(ctx context.Context) error {
	g.mu.Lock()
	open := g.open
	g.mu.Unlock()
	select {
	case <-open:
		return ctx.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}
