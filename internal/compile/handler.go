// Package compile validates compile requests, runs them on the worker pool and
// shapes the success or failure response.
package compile

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dontdude/vyperd/internal/diagnostic"
	"github.com/dontdude/vyperd/internal/domain"
	"github.com/dontdude/vyperd/internal/logging"
	"github.com/dontdude/vyperd/internal/metrics"
	"github.com/dontdude/vyperd/internal/platform/evm"
	"github.com/dontdude/vyperd/internal/worker"
)

// Handler turns a decoded request body into a Result.
// It is safe for concurrent use; all request state lives on the stack.
type Handler struct {
	compiler domain.Compiler
	pool     *worker.Pool
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

// NewHandler wires the handler to a backend and the pool that runs it.
func NewHandler(compiler domain.Compiler, pool *worker.Pool, logger *slog.Logger, m *metrics.Metrics) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		compiler: compiler,
		pool:     pool,
		logger:   logger,
		metrics:  m,
	}
}

// Handle validates body, compiles it and returns the response.
// Every backend failure becomes a *Failure; Handle never returns nil.
func (h *Handler) Handle(ctx context.Context, body map[string]any) Result {
	req, invalid := ParseRequest(body)
	if invalid != nil {
		h.metrics.ObserveCompile("invalid", 0)
		return invalid
	}

	logger := h.logger.With("requestID", logging.RequestID(ctx))
	start := time.Now()

	artifacts, err := worker.Offload(ctx, h.pool, func(ctx context.Context) (domain.Artifacts, error) {
		return h.compiler.Compile(ctx, req.Code, domain.AllOutputs)
	})

	var res Result
	if err == nil {
		res, err = successFrom(artifacts)
	}
	if err != nil {
		d := diagnostic.Normalize(err)
		logger.Info("Compilation failed", "error", err, "line", d.Line, "column", d.Column)
		h.metrics.ObserveCompile(StatusFailed, time.Since(start))
		return failureFrom(d)
	}

	logger.Info("Compilation succeeded", "elapsed", time.Since(start))
	h.metrics.ObserveCompile(StatusSuccess, time.Since(start))
	return res
}

// successFrom renders the artifacts into their wire form.
func successFrom(a domain.Artifacts) (*Success, error) {
	abi := []byte("[]")
	if len(bytes.TrimSpace(a.ABI)) > 0 {
		var buf bytes.Buffer
		if err := json.Compact(&buf, a.ABI); err != nil {
			return nil, fmt.Errorf("compiler returned a malformed ABI: %w", err)
		}
		abi = buf.Bytes()
	}

	bytecode, err := evm.NormalizeHex(a.Bytecode)
	if err != nil {
		return nil, fmt.Errorf("compiler returned malformed bytecode: %w", err)
	}
	runtime, err := evm.NormalizeHex(a.BytecodeRuntime)
	if err != nil {
		return nil, fmt.Errorf("compiler returned malformed runtime bytecode: %w", err)
	}

	ir := a.IR.String()
	if ir == "" {
		return nil, errors.New("compiler returned no IR")
	}

	ids := make(map[string]string, len(a.MethodIdentifiers))
	for sig, selector := range a.MethodIdentifiers {
		norm, err := evm.NormalizeHex(selector)
		if err != nil {
			return nil, fmt.Errorf("compiler returned a malformed selector for %s: %w", sig, err)
		}
		ids[sig] = norm
	}

	return &Success{
		Status:            StatusSuccess,
		ABI:               abi,
		Bytecode:          bytecode,
		BytecodeRuntime:   runtime,
		IR:                ir,
		MethodIdentifiers: ids,
	}, nil
}
