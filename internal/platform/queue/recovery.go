package queue

import (
	"context"
	"time"

	"github.com/dontdude/vyperd/internal/domain"
	"github.com/redis/go-redis/v9"
)

// StartRecoveryRoutine polls the PEL for jobs left pending by a dead worker,
// claims them for this consumer and passes them to handle.
// It blocks until ctx is done.
func (r *RedisQueue) StartRecoveryRoutine(ctx context.Context, interval, maxIdle time.Duration, handle func(domain.Job)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	r.logger.Info("Starting Redis Recovery Routine", "interval", interval, "maxIdle", maxIdle)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.reclaim(ctx, maxIdle, handle)
		}
	}
}

func (r *RedisQueue) reclaim(ctx context.Context, maxIdle time.Duration, handle func(domain.Job)) {
	start := "-" // Start from beginning of stream

	for {
		// XAUTOCLAIM: finds messages pending for > maxIdle, in batches of 10
		messages, nextStart, err := r.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   r.stream,
			Group:    r.group,
			MinIdle:  maxIdle,
			Start:    start,
			Count:    10,
			Consumer: r.consumer,
		}).Result()
		if err != nil {
			if ctx.Err() == nil {
				r.logger.Error("Recovery routine failed", "error", err)
			}
			return
		}

		if len(messages) > 0 {
			r.logger.Info("Recovered stale jobs", "count", len(messages))
		}
		for _, msg := range messages {
			job, ok := r.decodeJob(msg)
			if !ok {
				continue
			}
			r.logger.Warn("Stale job claimed by recovery agent", "jobID", job.ID, "msgID", msg.ID)
			handle(job)
		}

		start = nextStart
		if start == "0-0" || len(messages) == 0 {
			return
		}
	}
}
