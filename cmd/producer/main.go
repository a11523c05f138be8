package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/dontdude/vyperd/internal/backend"
	"github.com/dontdude/vyperd/internal/config"
	"github.com/dontdude/vyperd/internal/diagnostic"
	"github.com/dontdude/vyperd/internal/domain"
	"github.com/dontdude/vyperd/internal/logging"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"
)

// report is one line of output per source file.
type report struct {
	File      string            `json:"file"`
	Status    string            `json:"status"`
	Bytecode  string            `json:"bytecode,omitempty"`
	Selectors map[string]string `json:"method_identifiers,omitempty"`
	Message   string            `json:"message,omitempty"`
	Line      *int              `json:"line,omitempty"`
	Column    *int              `json:"column,omitempty"`
}

func main() {
	app := &cli.App{
		Name:      "vyperd-producer",
		Usage:     "publish .vy files to the compile queue and print the results",
		ArgsUsage: "FILE...",
		Flags:     config.Flags(),
		Action:    run,
	}
	if err := app.Run(os.Args); err != nil {
		slog.Error("Producer failed", "error", err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	if c.NArg() == 0 {
		return cli.Exit("at least one .vy file is required", 2)
	}

	// 1. Configuration; the producer always talks to the queue
	cfg, err := config.FromContext(c)
	if err != nil {
		return err
	}
	cfg.Backend.Mode = config.BackendRemote

	// 2. Initialize logger
	logger, logCloser, err := logging.New(cfg.Log)
	if err != nil {
		return err
	}
	defer logCloser.Close()
	slog.SetDefault(logger)

	// 3. Initialize Redis queue (producer mode)
	compiler, closer, err := backend.New(c.Context, cfg, logger)
	if err != nil {
		return err
	}
	defer closer.Close()

	// 4. Publish every file and wait for its result
	var (
		outMu sync.Mutex
		enc   = json.NewEncoder(os.Stdout)
	)
	g, ctx := errgroup.WithContext(c.Context)
	g.SetLimit(cfg.Pool.Size)
	for _, path := range c.Args().Slice() {
		g.Go(func() error {
			code, err := os.ReadFile(path)
			if err != nil {
				return err
			}

			logger.Info("Publishing job", "file", path)
			artifacts, err := compiler.Compile(ctx, string(code), domain.AllOutputs)
			r := report{File: filepath.Base(path), Status: "success"}
			if err != nil {
				d := diagnostic.Normalize(err)
				r = report{File: r.File, Status: "failed", Message: d.Message, Line: d.Line, Column: d.Column}
			} else {
				r.Bytecode = artifacts.Bytecode
				r.Selectors = artifacts.MethodIdentifiers
			}

			outMu.Lock()
			defer outMu.Unlock()
			if err := enc.Encode(r); err != nil {
				return fmt.Errorf("write result: %w", err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	logger.Info("All jobs finished", "count", c.NArg())
	return nil
}
