package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"

	"github.com/dontdude/vyperd/internal/metrics"
)

// DefaultSize bounds CPU contention; compilation is CPU-bound.
const DefaultSize = 4

// ErrPoolClosed is returned by Offload once the pool has been stopped.
var ErrPoolClosed = errors.New("worker pool is closed")

// PanicError reports a task that panicked. The worker that ran it keeps serving.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("internal compiler error: %v", e.Value)
}

// Pool implements a fixed-size worker pool pattern.
// It is created once at startup, never resized, and holds no per-task state:
// every task carries its own input and result channel.
type Pool struct {
	// workerCount determines how many compilations can run at once.
	workerCount int
	// tasksCh is unbuffered: a task is either taken by a worker or still owned by its submitter.
	tasksCh chan func()
	// quit signals workers and waiting submitters to stop.
	quit     chan struct{}
	stopOnce sync.Once
	// wg tracks active workers to ensure graceful shutdown.
	wg sync.WaitGroup

	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewPool initializes the worker pool with a fixed concurrency limit.
func NewPool(concurrency int, logger *slog.Logger, m *metrics.Metrics) *Pool {
	if concurrency <= 0 {
		concurrency = DefaultSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		workerCount: concurrency,
		tasksCh:     make(chan func()),
		quit:        make(chan struct{}),
		logger:      logger,
		metrics:     m,
	}
}

// Size returns the number of workers.
func (p *Pool) Size() int {
	return p.workerCount
}

// Start spawns the fixed number of worker goroutines.
// It returns immediately.
func (p *Pool) Start() {
	p.logger.Info("Starting worker pool", "concurrency", p.workerCount)

	for i := 0; i < p.workerCount; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
}

// Stop initiates a graceful shutdown.
// Running tasks finish; submitters still waiting for a worker get ErrPoolClosed.
// It blocks until all workers have exited.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() {
		p.logger.Info("Stopping worker pool, waiting for tasks to drain...")
		close(p.quit)
		p.wg.Wait()
		p.logger.Info("Worker pool stopped")
	})
}

// submit hands task to a worker, blocking while every worker is busy.
func (p *Pool) submit(task func()) error {
	select {
	case <-p.quit:
		return ErrPoolClosed
	default:
	}

	p.metrics.TaskWaiting()
	select {
	case p.tasksCh <- task:
		return nil
	case <-p.quit:
		p.metrics.TaskAbandoned()
		return ErrPoolClosed
	}
}

// worker is the core logic that runs inside a goroutine.
func (p *Pool) worker(id int) {
	defer p.wg.Done()
	p.logger.Debug("Worker started", "workerID", id)

	for {
		select {
		case <-p.quit:
			p.logger.Debug("Worker stopped", "workerID", id)
			return
		case task := <-p.tasksCh:
			p.metrics.TaskStarted()
			p.run(id, task)
			p.metrics.TaskFinished()
		}
	}
}

func (p *Pool) run(id int, task func()) {
	defer func() {
		// Offload recovers its own panics; this only guards the worker goroutine.
		if r := recover(); r != nil {
			p.logger.Error("Task panicked outside of offload", "workerID", id, "panic", r)
		}
	}()
	task()
}

type outcome[T any] struct {
	value T
	err   error
}

// Offload runs fn on a pool worker and blocks the caller until it returns.
//
// The task context keeps ctx's values but not its cancellation: once submitted,
// a compilation runs to completion. A panic in fn is returned as *PanicError.
func Offload[T any](ctx context.Context, p *Pool, fn func(ctx context.Context) (T, error)) (T, error) {
	taskCtx := context.WithoutCancel(ctx)
	done := make(chan outcome[T], 1)

	task := func() {
		var res outcome[T]
		defer func() {
			if r := recover(); r != nil {
				p.logger.Error("Compile task panicked", "panic", r)
				res = outcome[T]{err: &PanicError{Value: r, Stack: debug.Stack()}}
			}
			done <- res
		}()
		res.value, res.err = fn(taskCtx)
	}

	if err := p.submit(task); err != nil {
		var zero T
		return zero, err
	}

	res := <-done
	return res.value, res.err
}
