package domain

import (
	"context"
	"encoding/json"
)

// Output selects one artifact of the compiler output.
type Output string

const (
	OutputABI               Output = "abi"
	OutputBytecode          Output = "bytecode"
	OutputBytecodeRuntime   Output = "bytecode_runtime"
	OutputIR                Output = "ir"
	OutputMethodIdentifiers Output = "method_identifiers"
)

// AllOutputs is the fixed set of artifacts requested for every compilation.
var AllOutputs = []Output{
	OutputABI,
	OutputBytecode,
	OutputBytecodeRuntime,
	OutputIR,
	OutputMethodIdentifiers,
}

// Artifacts is the bundle of compiler outputs for one source unit.
// It is JSON-serialisable so it can travel through the remote queue.
type Artifacts struct {
	ABI               json.RawMessage   `json:"abi"`
	Bytecode          string            `json:"bytecode"`
	BytecodeRuntime   string            `json:"bytecode_runtime"`
	IR                *IRNode           `json:"ir"`
	MethodIdentifiers map[string]string `json:"method_identifiers"`
}

// Compiler defines the contract of a compiler backend.
// Implementations are synchronous and deterministic; Compile may take a long time
// and is expected to be called from a worker, never from a request goroutine directly.
type Compiler interface {
	// Compile compiles a single source unit and returns the requested artifacts.
	// Failures are reported as *CompileError, *InputError or a plain error.
	Compile(ctx context.Context, code string, outputs []Output) (Artifacts, error)

	// Version reports the compiler version shown on the service banner.
	Version(ctx context.Context) (string, error)
}
