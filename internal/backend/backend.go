// Package backend builds the compiler backend selected by the configuration.
package backend

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/dontdude/vyperd/internal/config"
	"github.com/dontdude/vyperd/internal/domain"
	"github.com/dontdude/vyperd/internal/platform/docker"
	"github.com/dontdude/vyperd/internal/platform/queue"
	"github.com/dontdude/vyperd/internal/platform/vyper"
)

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// NewLocal returns a compiler for the local or docker mode.
// The closer releases the docker connection, if one was opened.
func NewLocal(ctx context.Context, cfg config.BackendConfig, logger *slog.Logger) (domain.Compiler, io.Closer, error) {
	var (
		exec   vyper.Executor
		closer io.Closer = nopCloser{}
	)
	switch cfg.Mode {
	case config.BackendLocal:
		exec = vyper.Process{}
	case config.BackendDocker:
		dc, err := docker.NewClient(ctx, cfg.Docker, logger)
		if err != nil {
			return nil, nil, err
		}
		exec, closer = dc, dc
	default:
		return nil, nil, fmt.Errorf("backend %q does not compile in-process", cfg.Mode)
	}

	compiler, err := vyper.NewCompiler(exec, cfg.Command, cfg.VersionCommand, logger)
	if err != nil {
		closer.Close()
		return nil, nil, fmt.Errorf("configure compiler: %w", err)
	}
	return compiler, closer, nil
}

// New returns the compiler for any mode. In remote mode compilations are published
// to Redis and the result subscription lives until ctx is done.
func New(ctx context.Context, cfg config.Config, logger *slog.Logger) (domain.Compiler, io.Closer, error) {
	if cfg.Backend.Mode != config.BackendRemote {
		return NewLocal(ctx, cfg.Backend, logger)
	}

	q, err := queue.NewRedisQueue(ctx, cfg.Redis.Config, logger)
	if err != nil {
		return nil, nil, err
	}
	rc, err := queue.NewRemoteCompiler(ctx, q, logger)
	if err != nil {
		q.Close()
		return nil, nil, err
	}
	return rc, q, nil
}
