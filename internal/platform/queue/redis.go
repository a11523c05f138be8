package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/dontdude/vyperd/internal/domain"
	"github.com/redis/go-redis/v9"
)

// Config names the Redis server and the keys used by the queue.
type Config struct {
	Addr          string `yaml:"addr"`
	Stream        string `yaml:"stream"`
	Group         string `yaml:"group"`
	ResultChannel string `yaml:"resultChannel"`
	// Consumer identifies this worker in the group; defaults to the hostname.
	Consumer string `yaml:"consumer"`
}

// RedisQueue implements domain.JobQueue using Redis Streams for jobs
// and Pub/Sub for results.
type RedisQueue struct {
	client   *redis.Client
	stream   string
	group    string
	results  string
	consumer string
	logger   *slog.Logger
}

var _ domain.JobQueue = (*RedisQueue)(nil)

// NewRedisQueue returns a new Redis-backed queue adapter after checking the connection.
func NewRedisQueue(ctx context.Context, cfg Config, logger *slog.Logger) (*RedisQueue, error) {
	if logger == nil {
		logger = slog.Default()
	}
	rdb := redis.NewClient(&redis.Options{
		Addr: cfg.Addr,
	})

	// An unreachable Redis is a startup error, not a runtime one.
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	consumer := cfg.Consumer
	if consumer == "" {
		// Generate a unique consumer name (e.g: hostname)
		consumer, _ = os.Hostname()
		if consumer == "" {
			consumer = fmt.Sprintf("consumer-%d", time.Now().UnixNano())
		}
	}

	return &RedisQueue{
		client:   rdb,
		stream:   cfg.Stream,
		group:    cfg.Group,
		results:  cfg.ResultChannel,
		consumer: consumer,
		logger:   logger,
	}, nil
}

// Close closes the Redis connection pool.
func (r *RedisQueue) Close() error {
	return r.client.Close()
}

// Publish appends a compile job to the stream (XADD with an auto-generated ID).
func (r *RedisQueue) Publish(ctx context.Context, job domain.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	err = r.client.XAdd(ctx, &redis.XAddArgs{
		Stream: r.stream,
		Values: map[string]interface{}{
			"job": data,
		},
	}).Err()

	if err != nil {
		return fmt.Errorf("redis publish failed: %w", err)
	}
	return nil
}

// ensureGroup creates the consumer group, and the stream with it, if missing.
// A new group starts at the beginning of the stream so jobs published before
// the first worker came up are not lost.
func (r *RedisQueue) ensureGroup(ctx context.Context) error {
	err := r.client.XGroupCreateMkStream(ctx, r.stream, r.group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("failed to create consumer group: %w", err)
	}
	return nil
}

// Subscribe returns a channel of jobs using XREADGROUP (Consumer).
// The channel is closed when ctx is done.
func (r *RedisQueue) Subscribe(ctx context.Context) (<-chan domain.Job, error) {
	if err := r.ensureGroup(ctx); err != nil {
		return nil, err
	}

	outCh := make(chan domain.Job)

	go func() {
		defer close(outCh)

		for {
			if ctx.Err() != nil {
				return
			}

			// Block for 2s at most so cancellation is noticed
			streams, err := r.client.XReadGroup(ctx, &redis.XReadGroupArgs{
				Group:    r.group,
				Consumer: r.consumer,
				Streams:  []string{r.stream, ">"}, // ">" means new messages
				Count:    1,
				Block:    2 * time.Second,
			}).Result()
			if err != nil {
				if errors.Is(err, redis.Nil) {
					continue // Timeout, retry
				}
				if ctx.Err() != nil {
					return
				}
				r.logger.Error("Redis read error", "error", err)
				time.Sleep(1 * time.Second) // Backoff
				continue
			}

			for _, stream := range streams {
				for _, msg := range stream.Messages {
					job, ok := r.decodeJob(msg)
					if !ok {
						continue
					}
					select {
					case outCh <- job:
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()
	return outCh, nil
}

// decodeJob extracts the job from a stream message.
// Malformed messages are acknowledged and dropped so they do not stay pending forever.
func (r *RedisQueue) decodeJob(msg redis.XMessage) (domain.Job, bool) {
	val, ok := msg.Values["job"].(string)
	if !ok {
		r.logger.Error("Invalid message format", "msgID", msg.ID)
		r.client.XAck(context.Background(), r.stream, r.group, msg.ID)
		return domain.Job{}, false
	}
	var job domain.Job
	if err := json.Unmarshal([]byte(val), &job); err != nil {
		r.logger.Error("Failed to unmarshal job", "msgID", msg.ID, "error", err)
		r.client.XAck(context.Background(), r.stream, r.group, msg.ID)
		return domain.Job{}, false
	}

	// kept for XACK once the result is out
	job.RawID = msg.ID
	return job, true
}

// Acknowledge confirms processing using XACK.
func (r *RedisQueue) Acknowledge(ctx context.Context, rawID string) error {
	return r.client.XAck(ctx, r.stream, r.group, rawID).Err()
}

// Broadcast publishes a job result on the result channel.
func (r *RedisQueue) Broadcast(ctx context.Context, result domain.JobResult) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}

	return r.client.Publish(ctx, r.results, data).Err()
}

// SubscribeResults subscribes to the result channel and streams results to a Go channel.
func (r *RedisQueue) SubscribeResults(ctx context.Context) (<-chan domain.JobResult, error) {
	pubsub := r.client.Subscribe(ctx, r.results)

	// Receive blocks until the subscription is confirmed, so no result published after return is missed.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to results: %w", err)
	}

	outCh := make(chan domain.JobResult)

	go func() {
		defer close(outCh)
		defer pubsub.Close()

		ch := pubsub.Channel()

		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}

				var result domain.JobResult
				if err := json.Unmarshal([]byte(msg.Payload), &result); err != nil {
					r.logger.Error("Failed to unmarshal result", "error", err)
					continue
				}

				select {
				case outCh <- result:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return outCh, nil
}
