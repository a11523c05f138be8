package domain

import "errors"

// Job represents one compilation handed to a remote worker.
type Job struct {
	ID      string   `json:"id"`
	Code    string   `json:"code"`
	Outputs []Output `json:"outputs"`

	// RawID is the internal Stream ID from Redis (e.g. 1700000-0).
	// We need this to Acknowledge the message later.
	RawID string `json:"-"`
}

// JobResult carries either the artifacts or the failure of a Job.
type JobResult struct {
	JobID     string        `json:"job_id"`
	Version   string        `json:"version,omitempty"`
	Artifacts *Artifacts    `json:"artifacts,omitempty"`
	Failure   *ErrorPayload `json:"failure,omitempty"`
}

// Failure kinds carried by ErrorPayload.
const (
	FailureCompile = "compile"
	FailureInput   = "input"
	FailurePlain   = "plain"
)

// ErrorPayload is the wire form of a compiler failure.
type ErrorPayload struct {
	Type        string       `json:"type"`
	Kind        string       `json:"kind,omitempty"`
	Message     string       `json:"message"`
	Line        *int         `json:"line,omitempty"`
	Column      *int         `json:"column,omitempty"`
	Offset      *int         `json:"offset,omitempty"`
	Annotations []Annotation `json:"annotations,omitempty"`
}

// EncodeError converts a compiler failure to its wire form.
func EncodeError(err error) *ErrorPayload {
	if err == nil {
		return nil
	}
	var inputErr *InputError
	if errors.As(err, &inputErr) {
		return &ErrorPayload{
			Type:    FailureInput,
			Message: inputErr.Message,
			Line:    inputErr.Line,
			Offset:  inputErr.Offset,
		}
	}
	var compileErr *CompileError
	if errors.As(err, &compileErr) {
		return &ErrorPayload{
			Type:        FailureCompile,
			Kind:        compileErr.Kind,
			Message:     compileErr.Message,
			Line:        compileErr.Line,
			Column:      compileErr.Column,
			Annotations: compileErr.Annotations,
		}
	}
	return &ErrorPayload{Type: FailurePlain, Message: err.Error()}
}

// Err rebuilds the typed failure.
func (p *ErrorPayload) Err() error {
	if p == nil {
		return nil
	}
	switch p.Type {
	case FailureInput:
		return &InputError{Message: p.Message, Line: p.Line, Offset: p.Offset}
	case FailureCompile:
		return &CompileError{
			Kind:        p.Kind,
			Message:     p.Message,
			Line:        p.Line,
			Column:      p.Column,
			Annotations: p.Annotations,
		}
	default:
		return errors.New(p.Message)
	}
}
