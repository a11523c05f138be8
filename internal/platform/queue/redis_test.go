package queue_test

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/dontdude/vyperd/internal/domain"
	"github.com/dontdude/vyperd/internal/platform/queue"
	"github.com/dontdude/vyperd/internal/worker"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestQueue(t *testing.T) (*queue.RedisQueue, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	q, err := queue.NewRedisQueue(context.Background(), queue.Config{
		Addr:          mr.Addr(),
		Stream:        "vyperd:jobs",
		Group:         "vyperd:workers",
		ResultChannel: "vyperd:results",
		Consumer:      "test-worker",
	}, discardLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })
	return q, mr
}

func TestNewRedisQueueFailsFast(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	_, err := queue.NewRedisQueue(context.Background(), queue.Config{Addr: addr}, discardLogger())
	require.Error(t, err)
}

func TestPublishSubscribeAcknowledge(t *testing.T) {
	q, mr := newTestQueue(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	jobs, err := q.Subscribe(ctx)
	require.NoError(t, err)

	want := domain.Job{ID: "job-1", Code: "@external\ndef f(): pass", Outputs: domain.AllOutputs}
	require.NoError(t, q.Publish(ctx, want))

	select {
	case got := <-jobs:
		require.Equal(t, want.ID, got.ID)
		require.Equal(t, want.Code, got.Code)
		require.Equal(t, want.Outputs, got.Outputs)
		require.NotEmpty(t, got.RawID)
		require.NoError(t, q.Acknowledge(ctx, got.RawID))
	case <-time.After(5 * time.Second):
		t.Fatal("job was not delivered")
	}

	require.True(t, mr.Exists("vyperd:jobs"))
}

func TestBroadcastSubscribeResults(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	results, err := q.SubscribeResults(ctx)
	require.NoError(t, err)

	want := domain.JobResult{
		JobID:   "job-2",
		Failure: domain.EncodeError(&domain.CompileError{Message: "bad", Annotations: []domain.Annotation{{Line: 2, Column: 3}}}),
	}
	require.NoError(t, q.Broadcast(ctx, want))

	select {
	case got := <-results:
		require.Equal(t, want, got)
	case <-time.After(5 * time.Second):
		t.Fatal("result was not delivered")
	}

	cancel()
	select {
	case _, open := <-results:
		require.False(t, open)
	case <-time.After(5 * time.Second):
		t.Fatal("results channel was not closed")
	}
}

type fakeCompiler struct{}

func (fakeCompiler) Compile(ctx context.Context, code string, outputs []domain.Output) (domain.Artifacts, error) {
	if code == "invalid syntax !!!" {
		return domain.Artifacts{}, &domain.InputError{Message: "invalid syntax", Line: domain.IntPtr(1), Offset: domain.IntPtr(8)}
	}
	return domain.Artifacts{
		ABI:      []byte(`[]`),
		Bytecode: "0x" + code,
		IR:       &domain.IRNode{Op: "seq", Args: []*domain.IRNode{{Op: "stop"}}},
	}, nil
}

func (fakeCompiler) Version(ctx context.Context) (string, error) {
	return "0.3.10+commit.test", nil
}

func TestRemoteCompilerRoundTrip(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool := worker.NewPool(2, discardLogger(), nil)
	pool.Start()
	defer pool.Stop()

	consumer := worker.NewConsumer(q, pool, fakeCompiler{}, discardLogger())
	done := make(chan error, 1)
	go func() { done <- consumer.Run(ctx) }()

	remote, err := queue.NewRemoteCompiler(ctx, q, discardLogger())
	require.NoError(t, err)

	_, err = remote.Version(ctx)
	require.Error(t, err)

	got, err := remote.Compile(ctx, "6001", domain.AllOutputs)
	require.NoError(t, err)
	require.Equal(t, "0x6001", got.Bytecode)
	require.Equal(t, "[seq, stop]", got.IR.String())

	_, err = remote.Compile(ctx, "invalid syntax !!!", domain.AllOutputs)
	var inputErr *domain.InputError
	require.ErrorAs(t, err, &inputErr)
	require.Equal(t, domain.IntPtr(8), inputErr.Offset)

	version, err := remote.Version(ctx)
	require.NoError(t, err)
	require.Equal(t, "0.3.10+commit.test", version)

	cancel()
	require.NoError(t, <-done)
}
