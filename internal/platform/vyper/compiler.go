// Package vyper compiles Vyper source through the compiler's standard JSON interface.
package vyper

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/dontdude/vyperd/internal/domain"
	"github.com/dontdude/vyperd/internal/platform/evm"
)

// Compiler implements domain.Compiler on top of an Executor.
type Compiler struct {
	exec       Executor
	command    []string
	versionCmd []string
	logger     *slog.Logger

	// versionMu guards version; only a successful answer is kept.
	versionMu sync.Mutex
	version   string
}

var _ domain.Compiler = (*Compiler)(nil)

// NewCompiler returns a compiler that runs command (e.g. "vyper-json") for compilations
// and versionCommand (e.g. "vyper --version") for the banner.
func NewCompiler(exec Executor, command, versionCommand string, logger *slog.Logger) (*Compiler, error) {
	argv, err := SplitCommand(command)
	if err != nil {
		return nil, err
	}
	versionArgv, err := SplitCommand(versionCommand)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Compiler{
		exec:       exec,
		command:    argv,
		versionCmd: versionArgv,
		logger:     logger,
	}, nil
}

// Compile runs one standard JSON compilation of code.
func (c *Compiler) Compile(ctx context.Context, code string, outputs []domain.Output) (domain.Artifacts, error) {
	if err := checkSource(code); err != nil {
		return domain.Artifacts{}, err
	}

	input, err := encodeInput(code, outputs)
	if err != nil {
		return domain.Artifacts{}, fmt.Errorf("encode compiler input: %w", err)
	}

	stdout, stderr, execErr := c.exec.Exec(ctx, input, c.command)
	var exitErr *ExitError
	if execErr != nil && !errors.As(execErr, &exitErr) {
		return domain.Artifacts{}, fmt.Errorf("run compiler: %w", execErr)
	}

	var out stdOutput
	if err := json.Unmarshal(bytes.TrimSpace(stdout), &out); err != nil {
		// vyper prints a traceback instead of JSON when it crashes outright
		text := strings.TrimSpace(string(stderr))
		if text == "" {
			text = strings.TrimSpace(string(stdout))
		}
		if text == "" && execErr != nil {
			text = execErr.Error()
		}
		c.logger.Debug("Compiler produced no JSON output", "exitError", execErr, "stderr", text)
		return domain.Artifacts{}, &domain.CompileError{
			Message:     lastLine(text),
			Annotations: parseAnnotations(text),
		}
	}

	if e := out.firstError(); e != nil {
		return domain.Artifacts{}, e.toError()
	}
	if execErr != nil {
		return domain.Artifacts{}, fmt.Errorf("compiler %w without reporting an error", execErr)
	}

	contract, ok := out.contract()
	if !ok {
		return domain.Artifacts{}, fmt.Errorf("compiler output has no contract for %s", sourceName)
	}
	return c.artifacts(contract)
}

func (c *Compiler) artifacts(contract stdContract) (domain.Artifacts, error) {
	ir, err := decodeIR(contract.IR)
	if err != nil {
		return domain.Artifacts{}, err
	}

	ids := contract.EVM.MethodIdentifiers
	if len(ids) == 0 && len(contract.ABI) > 0 {
		derived, err := evm.Selectors(contract.ABI)
		if err != nil {
			c.logger.Warn("Could not derive method identifiers", "error", err)
		} else {
			ids = derived
		}
	}

	return domain.Artifacts{
		ABI:               contract.ABI,
		Bytecode:          contract.EVM.Bytecode.Object,
		BytecodeRuntime:   contract.EVM.DeployedBytecode.Object,
		IR:                ir,
		MethodIdentifiers: ids,
	}, nil
}

// Version runs the version command and caches the first successful answer.
// A failed query is not remembered, so the next call tries again.
func (c *Compiler) Version(ctx context.Context) (string, error) {
	c.versionMu.Lock()
	defer c.versionMu.Unlock()
	if c.version != "" {
		return c.version, nil
	}

	stdout, _, err := c.exec.Exec(ctx, nil, c.versionCmd)
	if err != nil {
		return "", fmt.Errorf("query compiler version: %w", err)
	}
	version := strings.TrimSpace(string(stdout))
	if version == "" {
		return "", errors.New("query compiler version: empty output")
	}
	c.version = version
	return version, nil
}

// checkSource rejects input the tokenizer could never read.
func checkSource(code string) error {
	line, col := 1, 1
	for i := 0; i < len(code); {
		r, size := utf8.DecodeRuneInString(code[i:])
		switch {
		case r == utf8.RuneError && size == 1:
			return &domain.InputError{Message: "source is not valid UTF-8", Line: domain.IntPtr(line), Offset: domain.IntPtr(col)}
		case r == 0:
			return &domain.InputError{Message: "source contains a null byte", Line: domain.IntPtr(line), Offset: domain.IntPtr(col)}
		case r == '\n':
			line++
			col = 1
		default:
			col++
		}
		i += size
	}
	return nil
}

func lastLine(text string) string {
	text = strings.TrimSpace(text)
	if i := strings.LastIndexByte(text, '\n'); i >= 0 {
		return strings.TrimSpace(text[i+1:])
	}
	return text
}
