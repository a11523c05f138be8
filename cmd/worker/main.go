package main

import (
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/dontdude/vyperd/internal/backend"
	"github.com/dontdude/vyperd/internal/config"
	"github.com/dontdude/vyperd/internal/domain"
	"github.com/dontdude/vyperd/internal/logging"
	"github.com/dontdude/vyperd/internal/platform/queue"
	"github.com/dontdude/vyperd/internal/worker"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"
)

func main() {
	app := &cli.App{
		Name:   "vyperd-worker",
		Usage:  "compile jobs from the Redis queue",
		Flags:  config.Flags(),
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		slog.Error("Worker failed", "error", err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	// 1. Load and validate configuration
	cfg, err := config.FromContext(c)
	if err != nil {
		return err
	}
	if err := cfg.ValidateWorker(); err != nil {
		return err
	}

	// 2. Initialize logger
	logger, logCloser, err := logging.New(cfg.Log)
	if err != nil {
		return err
	}
	defer logCloser.Close()
	slog.SetDefault(logger)
	logger.Info("Starting vyperd worker...", "backend", cfg.Backend.Mode)

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 3. Initialize compiler (fail fast if docker is unavailable)
	compiler, backendCloser, err := backend.NewLocal(ctx, cfg.Backend, logger)
	if err != nil {
		return err
	}
	defer backendCloser.Close()

	// 4. Initialize Redis queue (consumer mode)
	redisQ, err := queue.NewRedisQueue(ctx, cfg.Redis.Config, logger)
	if err != nil {
		return err
	}
	defer redisQ.Close()

	// 5. Worker pool
	pool := worker.NewPool(cfg.Pool.Size, logger, nil)
	pool.Start()
	defer pool.Stop()

	consumer := worker.NewConsumer(redisQ, pool, compiler, logger)

	// 6. Consume new jobs and reclaim the ones abandoned by dead workers
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return consumer.Run(gctx)
	})
	g.Go(func() error {
		redisQ.StartRecoveryRoutine(gctx, cfg.Redis.RecoveryInterval, cfg.Redis.MaxIdle, func(job domain.Job) {
			consumer.Dispatch(gctx, job)
		})
		return nil
	})

	err = g.Wait()
	logger.Info("Worker stopped")
	return err
}
