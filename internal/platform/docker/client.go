package docker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/dontdude/vyperd/internal/platform/vyper"
)

// Config selects the compiler image and the limits of each container.
type Config struct {
	Image    string `yaml:"image"`
	MemoryMB int64  `yaml:"memoryMB"`
}

// imagePuller is the part of the SDK client used to fetch the compiler image.
type imagePuller interface {
	ImagePull(ctx context.Context, ref string, options image.PullOptions) (io.ReadCloser, error)
}

// Client wraps the official Docker SDK client.
type Client struct {
	cli    *client.Client
	puller imagePuller
	cfg    Config
	logger *slog.Logger

	// pullMu serializes pulls; pulled is set only once a pull has completed.
	pullMu sync.Mutex
	pulled bool
}

// Check if Client implements vyper.Executor
var _ vyper.Executor = (*Client)(nil)

// NewClient initializes a Docker client and pings the daemon.
// An unreachable daemon is reported immediately so the service does not start broken.
func NewClient(ctx context.Context, cfg Config, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}

	// Ping Docker to ensure connection
	if _, err := cli.Ping(ctx); err != nil {
		_ = cli.Close()
		return nil, fmt.Errorf("connect to docker daemon: %w", err)
	}

	logger.Info("Docker Client initialized successfully", "image", cfg.Image)
	return &Client{cli: cli, puller: cli, cfg: cfg, logger: logger}, nil
}

// Close releases the connection to the daemon.
func (c *Client) Close() error {
	return c.cli.Close()
}

// ensureImage pulls the compiler image until one pull succeeds.
// The pull is detached from ctx: it is shared by every later caller, so a
// short request deadline must not abort it. A failed pull is retried next time.
func (c *Client) ensureImage(ctx context.Context) error {
	c.pullMu.Lock()
	defer c.pullMu.Unlock()
	if c.pulled {
		return nil
	}

	c.logger.Info("Pulling image", "image", c.cfg.Image)
	reader, err := c.puller.ImagePull(context.WithoutCancel(ctx), c.cfg.Image, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image: %w", err)
	}
	// Drain the response body to ensure the pull completes properly.
	defer reader.Close()
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("failed to pull image: %w", err)
	}

	c.pulled = true
	return nil
}

// Exec runs argv in an ephemeral container with stdin attached.
// The container has no network, a hard memory limit, and is removed afterwards.
func (c *Client) Exec(ctx context.Context, stdin []byte, argv []string) ([]byte, []byte, error) {
	if err := c.ensureImage(ctx); err != nil {
		return nil, nil, err
	}

	cfg, hostCfg := containerConfig(c.cfg, argv)
	resp, err := c.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, "")
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create container: %w", err)
	}
	defer func() {
		// The request context may already be done; removal must still happen.
		rmCtx := context.WithoutCancel(ctx)
		if err := c.cli.ContainerRemove(rmCtx, resp.ID, container.RemoveOptions{Force: true}); err != nil {
			c.logger.Warn("Failed to remove container", "containerID", resp.ID, "error", err)
		}
	}()

	attach, err := c.cli.ContainerAttach(ctx, resp.ID, container.AttachOptions{
		Stream: true,
		Stdin:  true,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to attach container: %w", err)
	}
	defer attach.Close()

	if err := c.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return nil, nil, fmt.Errorf("failed to start container: %w", err)
	}

	go func() {
		if _, err := attach.Conn.Write(stdin); err != nil {
			c.logger.Warn("Failed to write container stdin", "containerID", resp.ID, "error", err)
		}
		_ = attach.CloseWrite()
	}()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, attach.Reader); err != nil {
		return nil, nil, fmt.Errorf("failed to read container output: %w", err)
	}

	waitCh, errCh := c.cli.ContainerWait(ctx, resp.ID, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		return nil, nil, fmt.Errorf("failed to wait for container: %w", err)
	case status := <-waitCh:
		if status.Error != nil {
			return nil, nil, fmt.Errorf("container failed: %s", status.Error.Message)
		}
		if status.StatusCode != 0 {
			return stdout.Bytes(), stderr.Bytes(), &vyper.ExitError{Code: int(status.StatusCode)}
		}
	}
	return stdout.Bytes(), stderr.Bytes(), nil
}

// containerConfig configures a one-shot compiler container.
// Memory is capped via cgroups to prevent resource exhaustion.
func containerConfig(cfg Config, argv []string) (*container.Config, *container.HostConfig) {
	return &container.Config{
			Image:           cfg.Image,
			Entrypoint:      argv[:1],
			Cmd:             argv[1:],
			AttachStdin:     true,
			AttachStdout:    true,
			AttachStderr:    true,
			OpenStdin:       true,
			StdinOnce:       true,
			NetworkDisabled: true,
		}, &container.HostConfig{
			Resources: container.Resources{
				Memory: cfg.MemoryMB * 1024 * 1024,
			},
		}
}
