package domain

import (
	"fmt"
	"strings"
)

// Annotation is a source location attached to a compiler failure.
// One failure may implicate several spans; they are kept in the order reported.
type Annotation struct {
	Line   int `json:"line"`
	Column int `json:"column"`
}

// CompileError is a structured failure raised while compiling otherwise valid input.
// Line and Column are set when the compiler points at a single location,
// Annotations when it points at several.
type CompileError struct {
	Kind        string
	Message     string
	Line        *int
	Column      *int
	Annotations []Annotation
}

func (e *CompileError) Error() string {
	if e.Kind == "" {
		return e.Message
	}
	if e.Message == "" {
		return e.Kind
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// InputError is raised when the source is rejected by the tokenizer, before any
// structured failure can be built. Offset is the position inside Line.
type InputError struct {
	Message string
	Line    *int
	Offset  *int
}

func (e *InputError) Error() string {
	var b strings.Builder
	b.WriteString(e.Message)
	if e.Line != nil {
		fmt.Fprintf(&b, " (line %d", *e.Line)
		if e.Offset != nil {
			fmt.Fprintf(&b, ", offset %d", *e.Offset)
		}
		b.WriteString(")")
	}
	return b.String()
}

// IntPtr returns a pointer to v.
func IntPtr(v int) *int {
	return &v
}
