// Package scheduler implements the Background Scheduler of spec.md §4.11:
// cooperative worker pools for WAL flush, checkpointing, cache eviction,
// and entropy sampling, all lifecycle-aware of engine state transitions.
//
// The cooperative, budget-bounded worker loop follows the teacher's own
// ticker-driven background goroutine idiom (see pkg/cache.go's janitor
// goroutine); this package generalizes it into four independent pools
// instead of one (see DESIGN.md).
//
// © 2025 WarpEngine authors. MIT License.
package scheduler

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultWorkerBudgetUS is spec.md §4.11's WORKER_BUDGET_US default.
const DefaultWorkerBudgetUS = 2000

// State mirrors the Engine Coordinator's lifecycle relevant to workers:
// Running means keep working, Draining means finish outstanding work
// and exit, Stopped means exit immediately (spec.md §4.11).
type State int32

const (
	Running State = iota
	Draining
	Stopped
)

// Job is one unit of cooperative work: it should perform bounded work and
// return promptly so the scheduler can re-check lifecycle state.
type Job func(ctx context.Context) error

// Pool runs a set of named periodic jobs on independent tickers, each
// yielding after its own work per spec.md's WORKER_BUDGET_US discipline.
type Pool struct {
	logger *zap.Logger

	mu      sync.Mutex
	state   State
	wg      sync.WaitGroup
	cancels []context.CancelFunc
}

// NewPool constructs an empty worker pool in the Running state.
func NewPool(logger *zap.Logger) *Pool {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{logger: logger, state: Running}
}

// Spawn starts a periodic worker invoking job every interval until the
// pool transitions to Stopped. On Draining, the worker runs one final
// invocation of job, then exits.
func (p *Pool) Spawn(name string, interval time.Duration, job Job) {
	ctx, cancel := context.WithCancel(context.Background())
	p.mu.Lock()
	p.cancels = append(p.cancels, cancel)
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				state := p.State()
				if state == Stopped {
					return
				}
				if err := job(ctx); err != nil {
					p.logger.Warn("scheduler: job failed", zap.String("job", name), zap.Error(err))
				}
				if state == Draining {
					return
				}
			}
		}
	}()
}

// SpawnOnSignal starts a worker that runs job whenever signal fires
// (e.g. a WAL buffer high-watermark or an explicit force_flush request).
// It exits when the signal channel is closed or the pool is stopped;
// signals still buffered at that point are not processed.
func (p *Pool) SpawnOnSignal(name string, signal <-chan struct{}, job Job) {
	ctx, cancel := context.WithCancel(context.Background())
	p.mu.Lock()
	p.cancels = append(p.cancels, cancel)
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-signal:
				if !ok {
					return
				}
				if err := job(ctx); err != nil {
					p.logger.Warn("scheduler: signaled job failed", zap.String("job", name), zap.Error(err))
				}
				if p.State() == Stopped {
					return
				}
			}
		}
	}()
}

// SetState transitions the pool's lifecycle state; workers observe it on
// their next tick (spec.md §4.11).
func (p *Pool) SetState(s State) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}

// State returns the pool's current lifecycle state.
func (p *Pool) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Stop cancels all workers and waits for them to exit, honoring ctx's
// deadline (used by the Engine Coordinator's CLOSE_TIMEOUT_S, spec.md §5).
func (p *Pool) Stop(ctx context.Context) error {
	p.SetState(Stopped)
	p.mu.Lock()
	for _, cancel := range p.cancels {
		cancel()
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Budget tracks a cooperative worker's per-iteration time budget
// (WORKER_BUDGET_US, spec.md §4.11): workers call Exceeded periodically
// inside a loop and yield (return) once it reports true.
type Budget struct {
	start    time.Time
	limit    time.Duration
}

// NewBudget starts a fresh budget window of limitUS microseconds.
func NewBudget(limitUS int) Budget {
	if limitUS <= 0 {
		limitUS = DefaultWorkerBudgetUS
	}
	return Budget{start: time.Now(), limit: time.Duration(limitUS) * time.Microsecond}
}

// Exceeded reports whether the budget window has elapsed.
func (b Budget) Exceeded() bool {
	return time.Since(b.start) > b.limit
}
