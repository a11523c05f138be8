package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/dontdude/vyperd/internal/domain"
)

// Consumer drains compile jobs from a queue and runs them on a Pool.
// Each job's result is broadcast before the job is acknowledged.
// It takes a job off the queue only when a worker slot is free, so unstarted
// jobs stay in the stream where other workers can read them.
type Consumer struct {
	queue    domain.JobQueue
	pool     *Pool
	compiler domain.Compiler
	logger   *slog.Logger

	// slots holds one token per job in flight; its capacity is the pool size.
	slots chan struct{}
	wg    sync.WaitGroup
}

// NewConsumer creates a consumer; the pool must be started by the caller.
func NewConsumer(q domain.JobQueue, pool *Pool, compiler domain.Compiler, logger *slog.Logger) *Consumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Consumer{
		queue:    q,
		pool:     pool,
		compiler: compiler,
		logger:   logger,
		slots:    make(chan struct{}, pool.Size()),
	}
}

// Run subscribes to the queue and blocks until ctx is done and in-flight jobs have finished.
func (c *Consumer) Run(ctx context.Context) error {
	jobs, err := c.queue.Subscribe(ctx)
	if err != nil {
		return err
	}
	c.logger.Info("Consuming compile jobs", "workers", c.pool.Size())

	for {
		select {
		case c.slots <- struct{}{}:
		case <-ctx.Done():
			c.wg.Wait()
			return nil
		}
		job, ok := <-jobs
		if !ok {
			<-c.slots
			break
		}
		c.start(ctx, job)
	}
	c.wg.Wait()
	return nil
}

// Dispatch processes one job in the background once a slot is free.
// It blocks while every slot is taken; if ctx ends first the job is left
// pending for recovery.
func (c *Consumer) Dispatch(ctx context.Context, job domain.Job) {
	select {
	case c.slots <- struct{}{}:
	case <-ctx.Done():
		c.logger.Warn("Shutting down before job could start", "jobID", job.ID)
		return
	}
	c.start(ctx, job)
}

// start runs job on a held slot and releases the slot when done.
func (c *Consumer) start(ctx context.Context, job domain.Job) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer func() { <-c.slots }()
		c.process(ctx, job)
	}()
}

func (c *Consumer) process(ctx context.Context, job domain.Job) {
	// Results must still go out while shutting down.
	ctx = context.WithoutCancel(ctx)
	logger := c.logger.With("jobID", job.ID)

	outputs := job.Outputs
	if len(outputs) == 0 {
		outputs = domain.AllOutputs
	}

	artifacts, err := Offload(ctx, c.pool, func(ctx context.Context) (domain.Artifacts, error) {
		return c.compiler.Compile(ctx, job.Code, outputs)
	})
	if errors.Is(err, ErrPoolClosed) {
		// leave it pending; the recovery routine of a live worker will claim it
		logger.Warn("Pool closed before job could run")
		return
	}

	result := domain.JobResult{JobID: job.ID}
	if version, verr := c.compiler.Version(ctx); verr == nil {
		result.Version = version
	}
	if err != nil {
		logger.Info("Job failed", "error", err)
		result.Failure = domain.EncodeError(err)
	} else {
		result.Artifacts = &artifacts
	}

	if err := c.queue.Broadcast(ctx, result); err != nil {
		logger.Error("Failed to broadcast result", "error", err)
		return
	}
	if job.RawID != "" {
		if err := c.queue.Acknowledge(ctx, job.RawID); err != nil {
			logger.Error("Failed to acknowledge job", "msgID", job.RawID, "error", err)
		}
	}
}
