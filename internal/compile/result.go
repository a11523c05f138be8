package compile

import (
	"encoding/json"
	"net/http"

	"github.com/dontdude/vyperd/internal/diagnostic"
)

const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

// Validation messages returned before any compilation is attempted.
const (
	MsgMissingCode = `No "code" key supplied`
	MsgInvalidCode = `"code" must be a non-empty string`
)

// Result is the response of one compile request: a *Success or a *Failure.
type Result interface {
	StatusCode() int
}

// Success is the artifact bundle as written on the wire.
type Success struct {
	Status            string            `json:"status"`
	ABI               json.RawMessage   `json:"abi"`
	Bytecode          string            `json:"bytecode"`
	BytecodeRuntime   string            `json:"bytecode_runtime"`
	IR                string            `json:"ir"`
	MethodIdentifiers map[string]string `json:"method_identifiers"`
}

func (*Success) StatusCode() int { return http.StatusOK }

// Failure carries a diagnostic. Line and Column encode as null when unknown.
type Failure struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	Line    *int   `json:"line"`
	Column  *int   `json:"column"`
}

func (*Failure) StatusCode() int { return http.StatusBadRequest }

// NewFailure builds a Failure without a source position.
func NewFailure(msg string) *Failure {
	return &Failure{Status: StatusFailed, Message: msg}
}

func failureFrom(d diagnostic.Diagnostic) *Failure {
	return &Failure{
		Status:  StatusFailed,
		Message: d.Message,
		Line:    d.Line,
		Column:  d.Column,
	}
}
