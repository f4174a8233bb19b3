// Package worker runs background tasks on a bounded pool.
//
// Webhook handlers dispatch slow work (GenAI calls, image analysis) here and
// answer immediately. The pool bounds both queued and concurrently running
// tasks so a burst of webhooks cannot create goroutines without limit, and it
// guarantees each task's cleanup runs exactly once: after the task, after a
// panic, at submit-time rejection, or when the pool shuts down with the task
// still queued.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
)

// Pool sizing defaults.
const (
	// DefaultWorkers caps concurrently running tasks.
	DefaultWorkers = 4
	// DefaultQueueDepth caps tasks admitted but not yet running.
	DefaultQueueDepth = 64
)

// Errors returned by Submit.
var (
	ErrQueueFull = errors.New("worker queue is full")
	ErrStopped   = errors.New("worker pool is stopped")
)

// Task is one unit of background work. Run does the work; Cleanup releases
// whatever the submitter reserved (in-flight marks, temp files) and must be
// safe to call when Run never started.
type Task struct {
	Name    string
	Run     func(ctx context.Context) error
	Cleanup func()
}

type queuedTask struct {
	id   string
	task Task
}

// Opts holds configuration for Pool.
type Opts struct {
	workers    int
	queueDepth int
}

// Option configures Opts.
type Option func(*Opts)

// WithWorkers caps concurrently running tasks.
func WithWorkers(n int) Option {
	return func(o *Opts) { o.workers = n }
}

// WithQueueDepth caps admitted-but-not-running tasks.
func WithQueueDepth(n int) Option {
	return func(o *Opts) { o.queueDepth = n }
}

// Pool is a bounded background task runner. Construct with NewPool, call
// Start once, Submit from any goroutine, and Stop to drain.
type Pool struct {
	slots   *semaphore.Weighted
	backlog chan queuedTask

	mu      sync.Mutex
	stopped bool

	wg       sync.WaitGroup
	dispatch sync.WaitGroup
}

// NewPool creates a pool with the given bounds.
func NewPool(opts ...Option) *Pool {
	var o Opts
	for _, opt := range opts {
		opt(&o)
	}
	if o.workers <= 0 {
		o.workers = DefaultWorkers
	}
	if o.queueDepth <= 0 {
		o.queueDepth = DefaultQueueDepth
	}
	slog.Debug("Creating worker pool", "workers", o.workers, "queueDepth", o.queueDepth)
	return &Pool{
		slots:   semaphore.NewWeighted(int64(o.workers)),
		backlog: make(chan queuedTask, o.queueDepth),
	}
}

// Start launches the dispatcher. Admitted tasks run until ctx is cancelled or
// Stop is called.
func (p *Pool) Start(ctx context.Context) {
	p.dispatch.Add(1)
	go p.dispatchLoop(ctx)
}

// Submit admits a task. When the queue is full or the pool is stopped the
// task is rejected: its Cleanup runs before Submit returns the error, so the
// submitter's reservations are released on every path.
func (p *Pool) Submit(t Task) error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		runCleanup(uuid.NewString(), t)
		return ErrStopped
	}
	qt := queuedTask{id: uuid.NewString(), task: t}
	select {
	case p.backlog <- qt:
		p.mu.Unlock()
		slog.Debug("Worker task admitted", "task", t.Name, "taskID", qt.id)
		return nil
	default:
		p.mu.Unlock()
		slog.Error("Worker queue full, task rejected", "task", t.Name, "taskID", qt.id)
		runCleanup(qt.id, t)
		return ErrQueueFull
	}
}

// Stop rejects further submissions, runs the cleanup of still-queued tasks,
// and waits for running tasks to finish.
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	close(p.backlog)
	p.mu.Unlock()

	p.dispatch.Wait()
	p.wg.Wait()
	slog.Info("Worker pool stopped")
}

// dispatchLoop reserves a slot before taking a task off the backlog, so a
// saturated pool leaves the backlog full and Submit's rejection is exact
// rather than off by the task the dispatcher already holds.
func (p *Pool) dispatchLoop(ctx context.Context) {
	defer p.dispatch.Done()
	for {
		if err := p.slots.Acquire(ctx, 1); err != nil {
			// Start context cancelled: no more tasks run, but queued cleanups
			// still release the submitters' reservations until Stop closes
			// the backlog.
			for qt := range p.backlog {
				runCleanup(qt.id, qt.task)
			}
			return
		}
		qt, ok := <-p.backlog
		if !ok {
			p.slots.Release(1)
			return
		}
		// Tasks still queued at shutdown are dropped, not run; their cleanup
		// still releases the submitter's reservations.
		p.mu.Lock()
		stopped := p.stopped
		p.mu.Unlock()
		if stopped || ctx.Err() != nil {
			p.slots.Release(1)
			runCleanup(qt.id, qt.task)
			continue
		}
		p.wg.Add(1)
		go p.run(ctx, qt)
	}
}

func (p *Pool) run(ctx context.Context, qt queuedTask) {
	defer p.wg.Done()
	defer p.slots.Release(1)
	defer runCleanup(qt.id, qt.task)
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Worker task panicked", "task", qt.task.Name, "taskID", qt.id, "panic", r)
		}
	}()

	started := time.Now()
	slog.Debug("Worker task starting", "task", qt.task.Name, "taskID", qt.id)
	if err := qt.task.Run(ctx); err != nil {
		slog.Error("Worker task failed", "task", qt.task.Name, "taskID", qt.id, "error", err, "elapsed", time.Since(started))
		return
	}
	slog.Debug("Worker task finished", "task", qt.task.Name, "taskID", qt.id, "elapsed", time.Since(started))
}

func runCleanup(id string, t Task) {
	if t.Cleanup == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Worker task cleanup panicked", "task", t.Name, "taskID", id, "panic", r)
		}
	}()
	t.Cleanup()
}
