package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dontdude/vyperd/internal/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newStartedPool(t *testing.T, size int) *Pool {
	t.Helper()
	p := NewPool(size, discardLogger(), nil)
	p.Start()
	t.Cleanup(p.Stop)
	return p
}

func TestOffloadReturnsResult(t *testing.T) {
	p := newStartedPool(t, 2)

	got, err := Offload(context.Background(), p, func(ctx context.Context) (string, error) {
		return "0x6003", nil
	})
	require.NoError(t, err)
	require.Equal(t, "0x6003", got)

	wantErr := errors.New("compile failed")
	_, err = Offload(context.Background(), p, func(ctx context.Context) (string, error) {
		return "", wantErr
	})
	require.ErrorIs(t, err, wantErr)
}

func TestOffloadBoundsConcurrency(t *testing.T) {
	const size = 3
	p := newStartedPool(t, size)

	var running, peak atomic.Int32
	var wg sync.WaitGroup
	results := make([]int, 20)

	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := Offload(context.Background(), p, func(ctx context.Context) (int, error) {
				n := running.Add(1)
				for {
					old := peak.Load()
					if n <= old || peak.CompareAndSwap(old, n) {
						break
					}
				}
				time.Sleep(5 * time.Millisecond)
				running.Add(-1)
				return i * i, nil
			})
			assert.NoError(t, err)
			results[i] = v
		}(i)
	}
	wg.Wait()

	require.LessOrEqual(t, peak.Load(), int32(size))
	for i, v := range results {
		require.Equal(t, i*i, v, "result %d crossed over", i)
	}
}

func TestOffloadRecoversPanic(t *testing.T) {
	p := newStartedPool(t, 1)

	_, err := Offload(context.Background(), p, func(ctx context.Context) (int, error) {
		panic("index out of range")
	})
	var panicErr *PanicError
	require.ErrorAs(t, err, &panicErr)
	require.Equal(t, "index out of range", panicErr.Value)
	require.Contains(t, err.Error(), "internal compiler error")

	// the only worker survived
	got, err := Offload(context.Background(), p, func(ctx context.Context) (int, error) {
		return 7, nil
	})
	require.NoError(t, err)
	require.Equal(t, 7, got)
}

func TestOffloadIgnoresCallerCancellation(t *testing.T) {
	p := newStartedPool(t, 1)

	type key struct{}
	ctx, cancel := context.WithCancel(context.WithValue(context.Background(), key{}, "req-1"))
	release := make(chan struct{})

	done := make(chan error, 1)
	go func() {
		_, err := Offload(ctx, p, func(taskCtx context.Context) (string, error) {
			<-release
			if taskCtx.Err() != nil {
				return "", taskCtx.Err()
			}
			return fmt.Sprint(taskCtx.Value(key{})), nil
		})
		done <- err
	}()

	cancel()
	close(release)
	require.NoError(t, <-done)
}

func TestOffloadAfterStop(t *testing.T) {
	p := NewPool(1, discardLogger(), nil)
	p.Start()
	p.Stop()
	p.Stop()

	_, err := Offload(context.Background(), p, func(ctx context.Context) (int, error) {
		return 1, nil
	})
	require.ErrorIs(t, err, ErrPoolClosed)
}

func TestStopReleasesWaitingSubmitters(t *testing.T) {
	p := NewPool(1, discardLogger(), nil)
	p.Start()

	started := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_, _ = Offload(context.Background(), p, func(ctx context.Context) (int, error) {
			close(started)
			<-release
			return 0, nil
		})
	}()
	<-started

	waiting := make(chan error, 1)
	go func() {
		_, err := Offload(context.Background(), p, func(ctx context.Context) (int, error) {
			return 0, nil
		})
		waiting <- err
	}()

	stopped := make(chan struct{})
	go func() {
		p.Stop()
		close(stopped)
	}()

	require.ErrorIs(t, <-waiting, ErrPoolClosed)
	close(release)
	<-stopped
}

func TestPoolMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	p := NewPool(1, discardLogger(), m)
	p.Start()
	t.Cleanup(p.Stop)

	started := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_, _ = Offload(context.Background(), p, func(ctx context.Context) (int, error) {
			close(started)
			<-release
			return 0, nil
		})
	}()
	<-started

	busy := func() float64 {
		families, err := reg.Gather()
		require.NoError(t, err)
		for _, f := range families {
			if f.GetName() == "vyperd_pool_busy_workers" {
				return f.GetMetric()[0].GetGauge().GetValue()
			}
		}
		return -1
	}
	require.Equal(t, float64(1), busy())

	close(release)
	require.Eventually(t, func() bool { return busy() == 0 }, time.Second, 5*time.Millisecond)
	require.Equal(t, 0, mustGatherCount(t, reg, "vyperd_compile_requests_total"))
}

func TestNewPoolDefaultsSize(t *testing.T) {
	require.Equal(t, DefaultSize, NewPool(0, nil, nil).Size())
}

func mustGatherCount(t *testing.T, reg *prometheus.Registry, name string) int {
	t.Helper()
	n, err := testutil.GatherAndCount(reg, name)
	require.NoError(t, err)
	return n
}
