package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/dontdude/vyperd/internal/domain"
	"github.com/google/uuid"
)

// ErrRemoteClosed is returned for compilations still waiting when the result stream ends.
var ErrRemoteClosed = errors.New("remote result stream closed")

// RemoteCompiler implements domain.Compiler by handing jobs to remote workers.
// Results arrive on one shared subscription and are routed to the waiting caller by job ID.
type RemoteCompiler struct {
	queue  domain.JobQueue
	logger *slog.Logger

	// waiters maps JobID -> the channel its caller is blocked on.
	mu      sync.Mutex
	waiters map[string]chan domain.JobResult
	closed  bool
	version string
}

var _ domain.Compiler = (*RemoteCompiler)(nil)

// NewRemoteCompiler subscribes to results and starts routing them.
// The subscription lives until ctx is done.
func NewRemoteCompiler(ctx context.Context, q domain.JobQueue, logger *slog.Logger) (*RemoteCompiler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	results, err := q.SubscribeResults(ctx)
	if err != nil {
		return nil, err
	}
	rc := &RemoteCompiler{
		queue:   q,
		logger:  logger,
		waiters: make(map[string]chan domain.JobResult),
	}
	go rc.route(results)
	return rc, nil
}

// route forwards each result to the caller waiting for it.
func (rc *RemoteCompiler) route(results <-chan domain.JobResult) {
	for res := range results {
		rc.mu.Lock()
		ch, exists := rc.waiters[res.JobID]
		delete(rc.waiters, res.JobID)
		if res.Version != "" {
			rc.version = res.Version
		}
		rc.mu.Unlock()

		if !exists {
			// another server instance owns this job
			continue
		}
		ch <- res
	}

	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.closed = true
	for id, ch := range rc.waiters {
		close(ch)
		delete(rc.waiters, id)
	}
}

// Compile publishes a job and blocks until a worker reports its result.
func (rc *RemoteCompiler) Compile(ctx context.Context, code string, outputs []domain.Output) (domain.Artifacts, error) {
	jobID := uuid.NewString()
	// Buffered so the router never blocks on a caller.
	ch := make(chan domain.JobResult, 1)

	// Register before publishing so a fast result cannot be missed.
	rc.mu.Lock()
	if rc.closed {
		rc.mu.Unlock()
		return domain.Artifacts{}, ErrRemoteClosed
	}
	rc.waiters[jobID] = ch
	rc.mu.Unlock()

	job := domain.Job{ID: jobID, Code: code, Outputs: outputs}
	if err := rc.queue.Publish(ctx, job); err != nil {
		rc.forget(jobID)
		return domain.Artifacts{}, fmt.Errorf("publish compile job: %w", err)
	}
	rc.logger.Debug("Published compile job", "jobID", jobID)

	res, ok := <-ch
	if !ok {
		return domain.Artifacts{}, ErrRemoteClosed
	}
	if res.Failure != nil {
		return domain.Artifacts{}, res.Failure.Err()
	}
	if res.Artifacts == nil {
		return domain.Artifacts{}, fmt.Errorf("worker returned no artifacts for job %s", jobID)
	}
	return *res.Artifacts, nil
}

func (rc *RemoteCompiler) forget(jobID string) {
	rc.mu.Lock()
	delete(rc.waiters, jobID)
	rc.mu.Unlock()
}

// Version reports the compiler version last announced by a worker.
func (rc *RemoteCompiler) Version(ctx context.Context) (string, error) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if rc.version == "" {
		return "", errors.New("no remote worker has reported a version yet")
	}
	return rc.version, nil
}
