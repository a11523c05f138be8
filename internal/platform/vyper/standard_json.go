package vyper

import (
	"encoding/json"
	"regexp"
	"strconv"

	"github.com/dontdude/vyperd/internal/domain"
)

// sourceName is the single file name every request is compiled under.
const sourceName = "contract.vy"

// outputSelection maps our selectors onto standard JSON output names.
var outputSelection = map[domain.Output][]string{
	domain.OutputABI:               {"abi"},
	domain.OutputBytecode:          {"evm.bytecode.object"},
	domain.OutputBytecodeRuntime:   {"evm.deployedBytecode.object"},
	domain.OutputIR:                {"ir"},
	domain.OutputMethodIdentifiers: {"evm.methodIdentifiers"},
}

type stdInput struct {
	Language string               `json:"language"`
	Sources  map[string]stdSource `json:"sources"`
	Settings stdSettings          `json:"settings"`
}

type stdSource struct {
	Content string `json:"content"`
}

type stdSettings struct {
	OutputSelection map[string][]string `json:"outputSelection"`
}

type stdOutput struct {
	Compiler  string                            `json:"compiler"`
	Errors    []stdError                        `json:"errors"`
	Contracts map[string]map[string]stdContract `json:"contracts"`
}

type stdError struct {
	Type             string             `json:"type"`
	Component        string             `json:"component"`
	Severity         string             `json:"severity"`
	Message          string             `json:"message"`
	FormattedMessage string             `json:"formattedMessage"`
	SourceLocation   *stdSourceLocation `json:"sourceLocation"`
}

type stdSourceLocation struct {
	File      string `json:"file"`
	Lineno    *int   `json:"lineno"`
	ColOffset *int   `json:"col_offset"`
}

type stdContract struct {
	ABI json.RawMessage `json:"abi"`
	EVM struct {
		Bytecode struct {
			Object string `json:"object"`
		} `json:"bytecode"`
		DeployedBytecode struct {
			Object string `json:"object"`
		} `json:"deployedBytecode"`
		MethodIdentifiers map[string]string `json:"methodIdentifiers"`
	} `json:"evm"`
	IR json.RawMessage `json:"ir"`
}

func encodeInput(code string, outputs []domain.Output) ([]byte, error) {
	var selection []string
	for _, o := range outputs {
		selection = append(selection, outputSelection[o]...)
	}
	return json.Marshal(stdInput{
		Language: "Vyper",
		Sources:  map[string]stdSource{sourceName: {Content: code}},
		Settings: stdSettings{OutputSelection: map[string][]string{sourceName: selection}},
	})
}

// firstError returns the first entry with error severity.
func (o *stdOutput) firstError() *stdError {
	for i := range o.Errors {
		if o.Errors[i].Severity == "" || o.Errors[i].Severity == "error" {
			return &o.Errors[i]
		}
	}
	return nil
}

// contract returns the single contract compiled from sourceName.
func (o *stdOutput) contract() (stdContract, bool) {
	for _, c := range o.Contracts[sourceName] {
		return c, true
	}
	return stdContract{}, false
}

// Vyper formats each implicated location as `line 12:4`.
var locationPattern = regexp.MustCompile(`line (\d+):(\d+)`)

// parseAnnotations extracts every location from a formatted compiler message, in order.
func parseAnnotations(text string) []domain.Annotation {
	var out []domain.Annotation
	for _, m := range locationPattern.FindAllStringSubmatch(text, -1) {
		line, err1 := strconv.Atoi(m[1])
		col, err2 := strconv.Atoi(m[2])
		if err1 != nil || err2 != nil {
			continue
		}
		out = append(out, domain.Annotation{Line: line, Column: col})
	}
	return out
}

// toError converts a standard JSON error entry to the failure union.
func (e *stdError) toError() error {
	msg := e.Message
	if msg == "" {
		msg = e.FormattedMessage
	}
	var line, col *int
	if e.SourceLocation != nil {
		line, col = e.SourceLocation.Lineno, e.SourceLocation.ColOffset
	}

	switch e.Type {
	case "SyntaxError", "TokenError", "IndentationError", "TabError":
		return &domain.InputError{Message: msg, Line: line, Offset: col}
	}

	return &domain.CompileError{
		Kind:        e.Type,
		Message:     msg,
		Line:        line,
		Column:      col,
		Annotations: parseAnnotations(e.FormattedMessage),
	}
}
