package domain

import "context"

// JobQueue defines the contract for the distributed compile queue.
// It decouples the server and the workers from the underlying broker.
type JobQueue interface {
	// Publish enqueues a job for processing.
	Publish(ctx context.Context, job Job) error

	// Subscribe returns a read-only channel that streams jobs from the queue.
	// It handles the details of consumer groups internally.
	Subscribe(ctx context.Context) (<-chan Job, error)

	// Acknowledge confirms that a job has been processed.
	// This removes it from the Pending Entry List (PEL).
	Acknowledge(ctx context.Context, rawID string) error

	// Broadcast publishes the result of a job to every subscribed server.
	Broadcast(ctx context.Context, result JobResult) error

	// SubscribeResults returns a channel that streams results from all workers.
	SubscribeResults(ctx context.Context) (<-chan JobResult, error)
}
