// Package diagnostic maps compiler failures onto a single line/column addressable record.
package diagnostic

import (
	"errors"
	"strings"

	"github.com/dontdude/vyperd/internal/domain"
)

const fallbackMessage = "compilation failed"

// Diagnostic is the canonical shape of a compile failure.
// Line and Column are nil when the failure carries no source position.
type Diagnostic struct {
	Message string
	Line    *int
	Column  *int
}

// Normalize converts any failure returned by a compiler backend into a Diagnostic.
//
// Position is taken, in order of preference, from the failure's own line and column,
// from the first of its annotations, or left empty. Input errors keep the position
// fields they carry natively.
func Normalize(err error) Diagnostic {
	if err == nil {
		return Diagnostic{Message: fallbackMessage}
	}

	var inputErr *domain.InputError
	if errors.As(err, &inputErr) {
		return Diagnostic{
			Message: message(inputErr.Message, "", err),
			Line:    copyInt(inputErr.Line),
			Column:  copyInt(inputErr.Offset),
		}
	}

	var compileErr *domain.CompileError
	if errors.As(err, &compileErr) {
		d := Diagnostic{Message: message(compileErr.Message, compileErr.Kind, err)}
		switch {
		case compileErr.Line != nil && compileErr.Column != nil:
			d.Line = copyInt(compileErr.Line)
			d.Column = copyInt(compileErr.Column)
		case len(compileErr.Annotations) > 0:
			first := compileErr.Annotations[0]
			d.Line = domain.IntPtr(first.Line)
			d.Column = domain.IntPtr(first.Column)
		default:
			// a bare line is still worth reporting
			d.Line = copyInt(compileErr.Line)
		}
		return d
	}

	return Diagnostic{Message: message(err.Error(), "", nil)}
}

func message(msg, kind string, err error) string {
	if msg = strings.TrimSpace(msg); msg != "" {
		return msg
	}
	if err != nil {
		if text := strings.TrimSpace(err.Error()); text != "" {
			return text
		}
	}
	if kind != "" {
		return kind
	}
	return fallbackMessage
}

func copyInt(v *int) *int {
	if v == nil {
		return nil
	}
	return domain.IntPtr(*v)
}
