package runner

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"curpsweep/internal/aggregator"
	"curpsweep/internal/checkpoint"
	"curpsweep/internal/combi"
	"curpsweep/internal/curp"
	"curpsweep/internal/worker"
)

// matchSession reports a match for exactly one target combination and a
// no-match for everything else.
type matchSession struct {
	target curp.Combination
	count  *queryCounter
}

func (s *matchSession) Query(ctx context.Context, _ curp.PersonFields, combo curp.Combination) (curp.Outcome, error) {
	s.count.inc()
	if err := ctx.Err(); err != nil {
		return curp.Outcome{}, err
	}
	if combo == s.target {
		return curp.Outcome{Kind: curp.OutcomeMatch, CURP: "LOML900105MDFPRR01", BirthDate: "1990-01-05"}, nil
	}
	return curp.Outcome{Kind: curp.OutcomeNoMatch}, nil
}

func (s *matchSession) Close(context.Context) error { return nil }

type queryCounter struct {
	mu sync.Mutex
	n  int
}

func (c *queryCounter) inc() {
	c.mu.Lock()
	c.n++
	c.mu.Unlock()
}

func (c *queryCounter) get() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}

type matchFactory struct {
	target curp.Combination
	count  queryCounter

	mu    sync.Mutex
	opens int
}

func (f *matchFactory) Open(context.Context, int) (curp.Session, error) {
	f.mu.Lock()
	f.opens++
	f.mu.Unlock()
	return &matchSession{target: f.target, count: &f.count}, nil
}

func (f *matchFactory) openCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opens
}

// slowSession blocks on every query until the context ends.
type slowSession struct{ count *queryCounter }

func (s *slowSession) Query(ctx context.Context, _ curp.PersonFields, _ curp.Combination) (curp.Outcome, error) {
	s.count.inc()
	select {
	case <-ctx.Done():
		return curp.Outcome{}, ctx.Err()
	case <-time.After(10 * time.Second):
		return curp.Outcome{Kind: curp.OutcomeNoMatch}, nil
	}
}

func (s *slowSession) Close(context.Context) error { return nil }

type slowFactory struct{ count queryCounter }

func (f *slowFactory) Open(context.Context, int) (curp.Session, error) {
	return &slowSession{count: &f.count}, nil
}

type noopThrottle struct{}

func (noopThrottle) Wait(ctx context.Context, _ int) error { return ctx.Err() }
func (noopThrottle) Observe(int, curp.OutcomeKind)         {}

type memorySink struct {
	mu      sync.Mutex
	matches []curp.Match
}

func (s *memorySink) Persist(_ context.Context, batch curp.ResultBatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.matches = append(s.matches, batch.Matches...)
	return nil
}

func (s *memorySink) Close(context.Context) error { return nil }

func (s *memorySink) all() []curp.Match {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]curp.Match(nil), s.matches...)
}

func oneMonthSpace(t *testing.T) *combi.Space {
	t.Helper()
	start, err := combi.ParseBound("1990-01")
	require.NoError(t, err)
	space, err := combi.New(start, start)
	require.NoError(t, err)
	return space
}

func testRunnerConfig() Config {
	return Config{
		PoolSize: 2,
		Aggregator: aggregator.Config{
			BatchSize:      5,
			FlushInterval:  20 * time.Millisecond,
			PersistBackoff: time.Millisecond,
		},
	}
}

func newTestStore(t *testing.T) *checkpoint.Store {
	t.Helper()
	store, err := checkpoint.NewStore(t.TempDir())
	require.NoError(t, err)
	return store
}

func tasks(ids ...string) []curp.PersonTask {
	out := make([]curp.PersonTask, 0, len(ids))
	for _, id := range ids {
		out = append(out, curp.PersonTask{
			PersonID: id,
			Fields:   curp.PersonFields{FirstName: "MARIA", LastName1: "LOPEZ", Gender: "M"},
		})
	}
	return out
}

func TestRunSweepsSpaceAndRecordsMatch(t *testing.T) {
	t.Parallel()

	space := oneMonthSpace(t)
	target := curp.Combination{Day: 5, Month: 1, StateCode: 3, Year: 1990}
	factory := &matchFactory{target: target}
	sink := &memorySink{}
	store := newTestStore(t)

	r := New(testRunnerConfig(), space, store, factory, noopThrottle{},
		curp.NewRetryPolicy(3, time.Millisecond, 2*time.Millisecond), sink, nil, nil)

	err := r.Run(context.Background(), tasks("p-1"))
	require.NoError(t, err)
	require.Equal(t, StateStopped, r.State())

	require.Equal(t, int(space.Size()), factory.count.get())
	matches := sink.all()
	require.Len(t, matches, 1)
	require.Equal(t, target, matches[0].Combination)

	// Completed traversal clears the checkpoint.
	_, err = store.Load("p-1", space.ConfigHash())
	require.ErrorIs(t, err, checkpoint.ErrNotFound)
}

func TestRunAbortsOnConfigMismatchBeforeAnyQuery(t *testing.T) {
	t.Parallel()

	space := oneMonthSpace(t)
	store := newTestStore(t)
	require.NoError(t, store.Save(checkpoint.Record{
		PersonID:           "p-1",
		LastCompletedIndex: 40,
		ConfigHash:         "some-older-config",
	}))

	factory := &matchFactory{}
	r := New(testRunnerConfig(), space, store, factory, noopThrottle{},
		curp.NewRetryPolicy(3, time.Millisecond, 2*time.Millisecond), &memorySink{}, nil, nil)

	err := r.Run(context.Background(), tasks("p-1"))
	require.ErrorIs(t, err, checkpoint.ErrConfigMismatch)
	require.Zero(t, factory.openCount())
	require.Zero(t, factory.count.get())
}

func TestRunResumesFromCheckpoint(t *testing.T) {
	t.Parallel()

	space := oneMonthSpace(t)
	store := newTestStore(t)
	last := space.Size() - 11
	require.NoError(t, store.Save(checkpoint.Record{
		PersonID:           "p-1",
		LastCompletedIndex: last,
		ConfigHash:         space.ConfigHash(),
	}))

	factory := &matchFactory{target: curp.Combination{}} // no match in space
	r := New(testRunnerConfig(), space, store, factory, noopThrottle{},
		curp.NewRetryPolicy(3, time.Millisecond, 2*time.Millisecond), &memorySink{}, nil, nil)

	err := r.Run(context.Background(), tasks("p-1"))
	require.NoError(t, err)

	// Only the indices above the watermark are queried.
	require.Equal(t, 10, factory.count.get())
}

func TestDrainStopsClaimsAndCheckpoints(t *testing.T) {
	t.Parallel()

	space := oneMonthSpace(t)
	store := newTestStore(t)
	factory := &slowFactory{}

	r := New(testRunnerConfig(), space, store, factory, noopThrottle{},
		curp.NewRetryPolicy(3, time.Millisecond, 2*time.Millisecond), &memorySink{}, nil, nil)

	done := make(chan error, 1)
	go func() { done <- r.Run(context.Background(), tasks("p-1")) }()

	require.Eventually(t, func() bool {
		return factory.count.get() >= 2
	}, 5*time.Second, 5*time.Millisecond)

	r.Drain()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not drain")
	}
	require.Equal(t, StateStopped, r.State())

	// The interrupted queries were never reported, so no checkpoint covers
	// them. Either no record exists or its watermark is still -1.
	rec, err := store.Load("p-1", space.ConfigHash())
	if err == nil {
		require.Equal(t, int64(-1), rec.LastCompletedIndex)
	} else {
		require.ErrorIs(t, err, checkpoint.ErrNotFound)
	}
}

func TestFatalOutcomeDrainsRun(t *testing.T) {
	t.Parallel()

	space := oneMonthSpace(t)
	store := newTestStore(t)
	factory := &fatalFactory{}

	r := New(testRunnerConfig(), space, store, factory, noopThrottle{},
		curp.NewRetryPolicy(3, time.Millisecond, 2*time.Millisecond), &memorySink{}, nil, nil)

	err := r.Run(context.Background(), tasks("p-1"))
	require.ErrorIs(t, err, worker.ErrFatal)
	require.Equal(t, StateStopped, r.State())
	// Far fewer queries than the space: the run stopped claiming.
	require.Less(t, factory.count.get(), int(space.Size()))
}

type fatalSession struct{ count *queryCounter }

func (s *fatalSession) Query(context.Context, curp.PersonFields, curp.Combination) (curp.Outcome, error) {
	s.count.inc()
	return curp.Outcome{Kind: curp.OutcomeFatal, Err: "blocked"}, nil
}

func (s *fatalSession) Close(context.Context) error { return nil }

type fatalFactory struct{ count queryCounter }

func (f *fatalFactory) Open(context.Context, int) (curp.Session, error) {
	return &fatalSession{count: &f.count}, nil
}

func TestPauseGate(t *testing.T) {
	t.Parallel()

	g := newPauseGate()
	require.NoError(t, g.Wait(context.Background()))

	g.pause()
	released := make(chan struct{})
	go func() {
		_ = g.Wait(context.Background())
		close(released)
	}()
	select {
	case <-released:
		t.Fatal("gate did not block while paused")
	case <-time.After(30 * time.Millisecond):
	}

	g.resume()
	select {
	case <-released:
	case <-time.After(time.Second):
		t.Fatal("gate did not release on resume")
	}
}

func TestPauseAndResumeTransitions(t *testing.T) {
	t.Parallel()

	space := oneMonthSpace(t)
	store := newTestStore(t)
	factory := &slowFactory{}

	r := New(testRunnerConfig(), space, store, factory, noopThrottle{},
		curp.NewRetryPolicy(3, time.Millisecond, 2*time.Millisecond), &memorySink{}, nil, nil)

	// Pause before running is a no-op.
	r.Pause()
	require.Equal(t, StateIdle, r.State())

	done := make(chan error, 1)
	go func() { done <- r.Run(context.Background(), tasks("p-1")) }()

	require.Eventually(t, func() bool {
		return r.State() == StateRunning
	}, 5*time.Second, 5*time.Millisecond)

	r.TogglePause()
	require.Equal(t, StatePaused, r.State())
	r.TogglePause()
	require.Equal(t, StateRunning, r.State())

	r.Drain()
	require.NoError(t, <-done)
}
