package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/dontdude/vyperd/internal/backend"
	"github.com/dontdude/vyperd/internal/compile"
	"github.com/dontdude/vyperd/internal/config"
	"github.com/dontdude/vyperd/internal/logging"
	"github.com/dontdude/vyperd/internal/metrics"
	"github.com/dontdude/vyperd/internal/platform/web"
	"github.com/dontdude/vyperd/internal/worker"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"
)

func main() {
	app := &cli.App{
		Name:   "vyperd",
		Usage:  "compile Vyper contracts over HTTP",
		Flags:  config.Flags(),
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		slog.Error("Server failed", "error", err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	// 1. Load and validate configuration
	cfg, err := config.FromContext(c)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	// 2. Initialize logger
	logger, logCloser, err := logging.New(cfg.Log)
	if err != nil {
		return err
	}
	defer logCloser.Close()
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 3. Metrics registry
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	// 4. Compiler backend
	// Outlives the signal so requests drained during shutdown still get their results.
	backendCtx, cancelBackend := context.WithCancel(c.Context)
	defer cancelBackend()
	compiler, backendCloser, err := backend.New(backendCtx, cfg, logger)
	if err != nil {
		return err
	}
	defer backendCloser.Close()
	logger.Info("Compiler backend ready", "mode", cfg.Backend.Mode)

	// 5. Worker pool
	pool := worker.NewPool(cfg.Pool.Size, logger, m)
	pool.Start()
	defer pool.Stop()

	// 6. Optional rate limiter
	var limiter *web.RateLimiter
	if cfg.RateLimit.Enabled {
		limiter = web.NewRateLimiter(cfg.RateLimit.Rate, cfg.RateLimit.Burst)
		go limiter.Cleanup(ctx.Done())
	}

	// 7. Routes
	handler := compile.NewHandler(compiler, pool, logger, m)
	srv := web.NewServer(handler, compiler, logger, web.Options{
		MaxBodyBytes: cfg.Server.MaxBodyBytes,
		RateLimiter:  limiter,
		Gatherer:     reg,
	})

	httpServer := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      srv.Routes(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
		ErrorLog:     slog.NewLogLogger(logger.Handler(), slog.LevelError),
	}

	// 8. Serve until a signal arrives, then drain in-flight requests
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("API Server starting", "addr", cfg.Server.Addr, "workers", pool.Size())
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down API Server")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), cfg.Server.ShutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
