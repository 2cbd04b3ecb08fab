package worker

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"curpsweep/internal/curp"
)

// Pool fans a PersonTask out over a fixed set of workers sharing one
// distributor. A fatal outcome stops only the worker that saw it; Run still
// waits for the rest to drain the space (or the caller cancels ctx) and then
// surfaces ErrFatal.
type Pool struct {
	size     int
	sessions curp.SessionFactory
	throttle curp.Throttle
	policy   curp.RetryPolicy
	gate     curp.Gate
	cfg      Config
	logger   *zap.Logger
}

// NewPool constructs a Pool of size workers.
func NewPool(
	size int,
	sessions curp.SessionFactory,
	throttle curp.Throttle,
	policy curp.RetryPolicy,
	gate curp.Gate,
	cfg Config,
	logger *zap.Logger,
) *Pool {
	if size < 1 {
		size = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{
		size:     size,
		sessions: sessions,
		throttle: throttle,
		policy:   policy,
		gate:     gate,
		cfg:      cfg,
		logger:   logger,
	}
}

// Run blocks until every worker has returned. The joined error carries each
// worker's failure; a nil return means the space was exhausted cleanly.
func (p *Pool) Run(ctx context.Context, task curp.PersonTask, dist *Distributor, space Decoder, reporter Reporter) error {
	var wg sync.WaitGroup
	errs := make([]error, p.size)

	for i := 0; i < p.size; i++ {
		w := New(i, p.sessions, p.throttle, p.policy, p.gate, reporter, p.cfg, p.logger)
		wg.Add(1)
		go func(i int, w *Worker) {
			defer wg.Done()
			errs[i] = w.Run(ctx, task, dist, space)
		}(i, w)
	}
	wg.Wait()

	return errors.Join(errs...)
}
