package docker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/docker/docker/api/types/image"
	"github.com/stretchr/testify/require"
)

func TestContainerConfig(t *testing.T) {
	cfg, hostCfg := containerConfig(Config{Image: "vyperlang/vyper:0.3.10", MemoryMB: 512}, []string{"vyper-json", "--no-optimize"})

	require.Equal(t, "vyperlang/vyper:0.3.10", cfg.Image)
	require.Equal(t, []string{"vyper-json"}, []string(cfg.Entrypoint))
	require.Equal(t, []string{"--no-optimize"}, []string(cfg.Cmd))
	require.True(t, cfg.OpenStdin)
	require.True(t, cfg.StdinOnce)
	require.True(t, cfg.NetworkDisabled)
	require.False(t, cfg.Tty)
	require.Equal(t, int64(512*1024*1024), hostCfg.Memory)
}

type fakePuller struct {
	failures int
	calls    int
	ctxErrs  []error
}

func (f *fakePuller) ImagePull(ctx context.Context, ref string, _ image.PullOptions) (io.ReadCloser, error) {
	f.calls++
	f.ctxErrs = append(f.ctxErrs, ctx.Err())
	if f.failures > 0 {
		f.failures--
		return nil, errors.New("registry unavailable")
	}
	return io.NopCloser(strings.NewReader(`{"status":"Downloaded newer image for ` + ref + `"}`)), nil
}

func newTestClient(p imagePuller) *Client {
	return &Client{
		puller: p,
		cfg:    Config{Image: "vyperlang/vyper:0.4.0"},
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func TestEnsureImageRetriesFailedPull(t *testing.T) {
	p := &fakePuller{failures: 1}
	c := newTestClient(p)

	err := c.ensureImage(context.Background())
	require.ErrorContains(t, err, "registry unavailable")

	require.NoError(t, c.ensureImage(context.Background()))
	require.NoError(t, c.ensureImage(context.Background()))
	require.Equal(t, 2, p.calls, "a successful pull is not repeated")
}

func TestEnsureImageOutlivesCallerDeadline(t *testing.T) {
	p := &fakePuller{}
	c := newTestClient(p)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.NoError(t, c.ensureImage(ctx))
	require.Equal(t, []error{nil}, p.ctxErrs)
}
